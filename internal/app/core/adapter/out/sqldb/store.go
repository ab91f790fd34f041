package sqldb

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/JoeShih716/go-atomic-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-atomic-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-atomic-ledger/pkg/database"
)

// ErrScopeClosed scope 已經 Commit 或 Rollback
var ErrScopeClosed = errors.New("sqldb: scope already closed")

// accountRow 對應資料庫的 accounts 表 (由外部建立與 seed)
type accountRow struct {
	ID        int64           `gorm:"primaryKey;autoIncrement:false"`
	Balance   decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	UpdatedAt int64           `gorm:"autoUpdateTime:milli"` // 自動更新時間
}

func (*accountRow) TableName() string {
	return "accounts"
}

// Store 以 GORM 實作的帳本儲存，MySQL 與 PostgreSQL 共用
type Store struct {
	client *database.Client
}

func NewStore(client *database.Client) *Store {
	return &Store{
		client: client,
	}
}

// Balance 取得已提交的餘額
func (s *Store) Balance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	var row accountRow
	err := s.client.DB().WithContext(ctx).Where("id = ?", accountID).Take(&row).Error
	if err != nil {
		return decimal.Zero, mapError(err)
	}
	return row.Balance, nil
}

// Accounts 載入所有帳戶 (用來 seed 記憶體帳本)
func (s *Store) Accounts(ctx context.Context) ([]domain.Account, error) {
	var rows []accountRow
	if err := s.client.DB().WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, mapError(err)
	}
	accounts := make([]domain.Account, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, domain.Account{ID: row.ID, Balance: row.Balance})
	}
	return accounts, nil
}

// Begin 開啟資料庫交易
func (s *Store) Begin(ctx context.Context) (usecase.Scope, error) {
	tx := s.client.DB().WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, mapError(tx.Error)
	}
	return &scope{
		tx:       tx,
		balances: make(map[int64]decimal.Decimal, 2),
	}, nil
}

// scope 包裝 *gorm.DB 交易
// balances 快取已經以 FOR UPDATE 讀過的列，同一 scope 內的後續讀取看得到自己的寫入
type scope struct {
	tx       *gorm.DB
	balances map[int64]decimal.Decimal
	closed   bool
}

// Lock 取得鎖定帳號 悲觀鎖：SELECT ... WHERE id IN ? ORDER BY id FOR UPDATE
func (sc *scope) Lock(ctx context.Context, accountIDs ...int64) error {
	if sc.closed {
		return ErrScopeClosed
	}
	ids := make([]int64, 0, len(accountIDs))
	for _, id := range accountIDs {
		if _, ok := sc.balances[id]; !ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if len(ids) == 0 {
		return nil
	}

	var rows []accountRow
	err := sc.tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", ids).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return mapError(err)
	}
	for _, row := range rows {
		sc.balances[row.ID] = row.Balance
	}
	return nil
}

// Balance 在交易內讀取餘額，尚未鎖定的帳戶以 FOR UPDATE 讀取
func (sc *scope) Balance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	if sc.closed {
		return decimal.Zero, ErrScopeClosed
	}
	if balance, ok := sc.balances[accountID]; ok {
		return balance, nil
	}
	var row accountRow
	err := sc.tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", accountID).
		Take(&row).Error
	if err != nil {
		return decimal.Zero, mapError(err)
	}
	sc.balances[row.ID] = row.Balance
	return row.Balance, nil
}

// SetBalance 在交易內更新餘額，必須先在同一 scope 讀過該帳戶
func (sc *scope) SetBalance(ctx context.Context, accountID int64, balance decimal.Decimal) error {
	if sc.closed {
		return ErrScopeClosed
	}
	if _, err := sc.Balance(ctx, accountID); err != nil {
		return err
	}
	if balance.IsNegative() {
		return domain.StorageFailure(fmt.Errorf("sqldb: refusing negative balance %s for account %d", balance, accountID))
	}
	err := sc.tx.WithContext(ctx).
		Model(&accountRow{}).
		Where("id = ?", accountID).
		Update("balance", balance).Error
	if err != nil {
		return mapError(err)
	}
	sc.balances[accountID] = balance
	return nil
}

// Commit 提交交易
func (sc *scope) Commit() error {
	if sc.closed {
		return ErrScopeClosed
	}
	sc.closed = true
	return mapError(sc.tx.Commit().Error)
}

// Rollback 回滾交易，Commit 之後呼叫為 no-op
func (sc *scope) Rollback() error {
	if sc.closed {
		return nil
	}
	sc.closed = true
	err := sc.tx.Rollback().Error
	if errors.Is(err, gorm.ErrInvalidTransaction) {
		return nil
	}
	return mapError(err)
}

var _ usecase.Store = (*Store)(nil)
