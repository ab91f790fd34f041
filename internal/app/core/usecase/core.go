package usecase

import (
	"context"

	"github.com/shopspring/decimal"
)

// CoreUseCase 是核心業務邏輯層，對外只開放查詢餘額與轉帳
type CoreUseCase struct {
	ledger      *AccountLedger
	coordinator *TransferCoordinator
}

// NewCoreUseCase 以同一個 Store 組出 AccountLedger 與 TransferCoordinator
func NewCoreUseCase(store Store, opts ...CoordinatorOption) *CoreUseCase {
	ledger := NewAccountLedger(store)
	return &CoreUseCase{
		ledger:      ledger,
		coordinator: NewTransferCoordinator(store, ledger, opts...),
	}
}

// Transfer 處理轉帳
func (c *CoreUseCase) Transfer(ctx context.Context, fromID, toID int64, amount decimal.Decimal) error {
	return c.coordinator.Transfer(ctx, fromID, toID, amount)
}

// GetAccountBalance 取得帳戶餘額
func (c *CoreUseCase) GetAccountBalance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	return c.ledger.BalanceOf(ctx, accountID)
}
