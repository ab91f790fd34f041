package usecase

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/JoeShih716/go-atomic-ledger/internal/app/core/domain"
)

// Store 是帳本儲存層的介面 (已連線、支援交易)
type Store interface {
	// Balance 讀取已提交的餘額，帳戶不存在回傳 domain.ErrAccountNotFound
	Balance(ctx context.Context, accountID int64) (decimal.Decimal, error)
	// Begin 開啟一個交易範圍 (Scope)
	Begin(ctx context.Context) (Scope, error)
}

// Scope 是一個交易範圍：其中的寫入會一起提交或一起丟棄
type Scope interface {
	// Lock 依 ID 遞增順序鎖定帳戶，不存在的帳戶直接略過
	Lock(ctx context.Context, accountIDs ...int64) error
	// Balance 在範圍內讀取餘額 (可看到本範圍先前的寫入)
	Balance(ctx context.Context, accountID int64) (decimal.Decimal, error)
	// SetBalance 在範圍內寫入餘額
	SetBalance(ctx context.Context, accountID int64, balance decimal.Decimal) error
	// Commit 提交
	Commit() error
	// Rollback 丟棄所有寫入，Commit 之後呼叫為 no-op
	Rollback() error
}

// AccountLedger 提供餘額查詢以及 debit/credit 原語，不知道轉帳語意
type AccountLedger struct {
	store Store
}

func NewAccountLedger(store Store) *AccountLedger {
	return &AccountLedger{
		store: store,
	}
}

// BalanceOf 取得帳戶已提交的餘額
func (l *AccountLedger) BalanceOf(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	return l.store.Balance(ctx, accountID)
}

// Debit 在 scope 內扣款，失敗時不會寫入
func (l *AccountLedger) Debit(ctx context.Context, scope Scope, accountID int64, amount decimal.Decimal) error {
	account, err := l.load(ctx, scope, accountID)
	if err != nil {
		return err
	}
	if err := account.Withdraw(amount); err != nil {
		return err
	}
	return scope.SetBalance(ctx, account.ID, account.Balance)
}

// Credit 在 scope 內入帳
func (l *AccountLedger) Credit(ctx context.Context, scope Scope, accountID int64, amount decimal.Decimal) error {
	account, err := l.load(ctx, scope, accountID)
	if err != nil {
		return err
	}
	if err := account.Deposit(amount); err != nil {
		return err
	}
	return scope.SetBalance(ctx, account.ID, account.Balance)
}

// load 在同一個 scope 內讀取餘額，避免拿過期資料做判斷
func (l *AccountLedger) load(ctx context.Context, scope Scope, accountID int64) (*domain.Account, error) {
	balance, err := scope.Balance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return domain.NewAccount(accountID, balance), nil
}
