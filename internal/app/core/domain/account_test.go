package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccount_Withdraw(t *testing.T) {
	testCases := []struct {
		name        string
		balance     string
		amount      string
		wantBalance string
		wantErr     error
	}{
		{name: "partial withdraw", balance: "100", amount: "10", wantBalance: "90"},
		{name: "exact balance leaves zero", balance: "100", amount: "100", wantBalance: "0"},
		{name: "insufficient funds", balance: "100", amount: "150", wantBalance: "100", wantErr: ErrInsufficientFunds},
		{name: "zero amount", balance: "100", amount: "0", wantBalance: "100", wantErr: ErrInvalidAmount},
		{name: "negative amount", balance: "100", amount: "-5", wantBalance: "100", wantErr: ErrInvalidAmount},
		{name: "too many decimals", balance: "100", amount: "0.00001", wantBalance: "100", wantErr: ErrInvalidAmount},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			acct := NewAccount(1, decimal.RequireFromString(tc.balance))
			err := acct.Withdraw(decimal.RequireFromString(tc.amount))
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.True(t, decimal.RequireFromString(tc.wantBalance).Equal(acct.Balance), "balance = %s", acct.Balance)
		})
	}
}

func TestAccount_Deposit(t *testing.T) {
	acct := NewAccount(1, decimal.Zero)
	require.NoError(t, acct.Deposit(decimal.RequireFromString("12.5")))
	assert.True(t, decimal.RequireFromString("12.5").Equal(acct.Balance))

	require.ErrorIs(t, acct.Deposit(decimal.Zero), ErrInvalidAmount)
	assert.True(t, decimal.RequireFromString("12.5").Equal(acct.Balance))
}

func TestValidateAmount_TrailingZerosAllowed(t *testing.T) {
	assert.NoError(t, ValidateAmount(decimal.RequireFromString("10.000000")))
	assert.NoError(t, ValidateAmount(decimal.RequireFromString("0.0001")))
}

func TestTransferRequest_GetLockIDs(t *testing.T) {
	req := NewTransferRequest(9, 3, decimal.NewFromInt(1))
	assert.Equal(t, []int64{3, 9}, req.GetLockIDs())

	req = NewTransferRequest(3, 9, decimal.NewFromInt(1))
	assert.Equal(t, []int64{3, 9}, req.GetLockIDs())

	req = NewTransferRequest(4, 4, decimal.NewFromInt(1))
	assert.Equal(t, []int64{4}, req.GetLockIDs())
}
