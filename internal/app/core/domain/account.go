package domain

import "github.com/shopspring/decimal"

// BalanceScale 金額精度：小數點後 4 位，對應 accounts.balance DECIMAL(20,4)
const BalanceScale int32 = 4

// Account 帳戶，ID 由外部指派且不可變
type Account struct {
	ID      int64
	Balance decimal.Decimal
}

func NewAccount(id int64, balance decimal.Decimal) *Account {
	return &Account{
		ID:      id,
		Balance: balance,
	}
}

// ValidateAmount 檢查金額為正數且精度不超過 BalanceScale
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(BalanceScale)) {
		return ErrInvalidAmount
	}
	return nil
}

// Deposit 存款
func (a *Account) Deposit(amount decimal.Decimal) error {
	if err := ValidateAmount(amount); err != nil {
		return err
	}

	a.Balance = a.Balance.Add(amount)
	return nil
}

// Withdraw 提款，餘額剛好歸零是允許的
func (a *Account) Withdraw(amount decimal.Decimal) error {
	if err := ValidateAmount(amount); err != nil {
		return err
	}

	if a.Balance.LessThan(amount) {
		return ErrInsufficientFunds
	}

	a.Balance = a.Balance.Sub(amount)
	return nil
}
