package memory

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/JoeShih716/go-atomic-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-atomic-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-atomic-ledger/pkg/wal"
)

// ErrScopeClosed scope 已經 Commit 或 Rollback
var ErrScopeClosed = errors.New("memory: scope already closed")

// walRecord 一次 commit 寫入 WAL 的內容：涉及帳戶的最終餘額
// 重放時直接覆蓋餘額，因此重播同一筆紀錄不會重複入帳
type walRecord struct {
	Sequence uint64            `json:"seq"`
	Balances []balanceSnapshot `json:"balances"`
}

type balanceSnapshot struct {
	ID      int64           `json:"id"`
	Balance decimal.Decimal `json:"balance"`
}

// Store 是記憶體版的帳本儲存
//
// 結構:
//
//	balances: 已提交的餘額，mu 保護
//	locks: 每個帳戶一個容量為 1 的 channel 當作鎖，帳戶集合建立後不再變動
//	wal: Write-Ahead Log 實例 (可為 nil)
type Store struct {
	mu       sync.RWMutex
	balances map[int64]decimal.Decimal
	sequence uint64
	locks    map[int64]chan struct{}
	wal      *wal.WAL
}

// NewStore 建立一個新的記憶體 Store，並從 WAL 恢復最後狀態
//
// 參數:
//
//	accounts: 初始帳戶 (外部 seed)
//	w: Write-Ahead Log 實例，nil 表示不落地
func NewStore(accounts []domain.Account, w *wal.WAL) (*Store, error) {
	s := &Store{
		balances: make(map[int64]decimal.Decimal, len(accounts)),
		locks:    make(map[int64]chan struct{}, len(accounts)),
		wal:      w,
	}
	for _, acct := range accounts {
		if _, ok := s.balances[acct.ID]; ok {
			return nil, fmt.Errorf("memory: duplicate account %d", acct.ID)
		}
		if acct.Balance.IsNegative() {
			return nil, fmt.Errorf("memory: account %d seeded with negative balance %s", acct.ID, acct.Balance)
		}
		s.balances[acct.ID] = acct.Balance
		s.locks[acct.ID] = make(chan struct{}, 1)
	}
	if s.wal != nil {
		if err := s.recoverFromWAL(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// recoverFromWAL 從 WAL 檔案恢復帳本狀態，只有 NewStore 呼叫，無需 Lock (單執行緒)
func (s *Store) recoverFromWAL() error {
	return s.wal.ReadAll(func(jsonRaw []byte) error {
		var rec walRecord
		if err := json.Unmarshal(jsonRaw, &rec); err != nil {
			return err
		}
		for _, snap := range rec.Balances {
			if _, ok := s.balances[snap.ID]; !ok {
				return fmt.Errorf("memory: wal record %d references unknown account %d", rec.Sequence, snap.ID)
			}
			s.balances[snap.ID] = snap.Balance
		}
		s.sequence = rec.Sequence
		return nil
	})
}

// Balance 讀取已提交的餘額，不會被進行中的 scope 阻塞太久 (只有 commit 套用時的 RLock)
func (s *Store) Balance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	balance, ok := s.balances[accountID]
	if !ok {
		return decimal.Zero, domain.ErrAccountNotFound
	}
	return balance, nil
}

// Accounts 回傳目前所有帳戶 (依 ID 排序)
func (s *Store) Accounts(ctx context.Context) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accounts := make([]domain.Account, 0, len(s.balances))
	for id, balance := range s.balances {
		accounts = append(accounts, domain.Account{ID: id, Balance: balance})
	}
	slices.SortFunc(accounts, func(a, b domain.Account) int { return cmp.Compare(a.ID, b.ID) })
	return accounts, nil
}

// Begin 開啟一個 scope
func (s *Store) Begin(ctx context.Context) (usecase.Scope, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.StorageFailure(err)
	}
	return &scope{
		store:  s,
		held:   make(map[int64]struct{}, 2),
		writes: make(map[int64]decimal.Decimal, 2),
	}, nil
}

func (s *Store) exists(accountID int64) bool {
	_, ok := s.locks[accountID]
	return ok
}

// scope 持有帳戶鎖直到 Commit/Rollback，寫入先暫存在 writes
type scope struct {
	store  *Store
	held   map[int64]struct{}
	writes map[int64]decimal.Decimal
	closed bool
}

// Lock 依 ID 遞增順序取得帳戶鎖，等待期間 ctx 結束回傳 ErrConcurrencyConflict
func (sc *scope) Lock(ctx context.Context, accountIDs ...int64) error {
	if sc.closed {
		return ErrScopeClosed
	}
	ids := slices.Clone(accountIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	for _, id := range ids {
		if err := sc.lock(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (sc *scope) lock(ctx context.Context, accountID int64) error {
	if _, ok := sc.held[accountID]; ok {
		return nil
	}
	token, ok := sc.store.locks[accountID]
	if !ok {
		return nil
	}
	select {
	case token <- struct{}{}:
		sc.held[accountID] = struct{}{}
		return nil
	case <-ctx.Done():
		return domain.ConcurrencyConflict(fmt.Errorf("waiting for account %d: %w", accountID, ctx.Err()))
	}
}

// Balance 在 scope 內讀取餘額；尚未鎖定的帳戶會先上鎖
func (sc *scope) Balance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	if sc.closed {
		return decimal.Zero, ErrScopeClosed
	}
	if !sc.store.exists(accountID) {
		return decimal.Zero, domain.ErrAccountNotFound
	}
	if err := sc.lock(ctx, accountID); err != nil {
		return decimal.Zero, err
	}
	if balance, ok := sc.writes[accountID]; ok {
		return balance, nil
	}
	return sc.store.Balance(ctx, accountID)
}

// SetBalance 暫存寫入，Commit 時才會套用
func (sc *scope) SetBalance(ctx context.Context, accountID int64, balance decimal.Decimal) error {
	if sc.closed {
		return ErrScopeClosed
	}
	if !sc.store.exists(accountID) {
		return domain.ErrAccountNotFound
	}
	if balance.IsNegative() {
		return domain.StorageFailure(fmt.Errorf("memory: refusing negative balance %s for account %d", balance, accountID))
	}
	if err := sc.lock(ctx, accountID); err != nil {
		return err
	}
	sc.writes[accountID] = balance
	return nil
}

// Commit 先寫 WAL 再套用到記憶體；WAL 失敗時不會有任何改變
func (sc *scope) Commit() error {
	if sc.closed {
		return ErrScopeClosed
	}
	defer sc.release()

	if len(sc.writes) == 0 {
		return nil
	}

	s := sc.store
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := walRecord{
		Sequence: s.sequence + 1,
		Balances: make([]balanceSnapshot, 0, len(sc.writes)),
	}
	for id, balance := range sc.writes {
		rec.Balances = append(rec.Balances, balanceSnapshot{ID: id, Balance: balance})
	}
	slices.SortFunc(rec.Balances, func(a, b balanceSnapshot) int { return cmp.Compare(a.ID, b.ID) })

	// 1. 寫入 WAL (Critical Path)
	if s.wal != nil {
		if err := s.wal.Append(rec); err != nil {
			return domain.StorageFailure(err)
		}
	}

	// 2. 套用
	for _, snap := range rec.Balances {
		s.balances[snap.ID] = snap.Balance
	}
	s.sequence = rec.Sequence
	return nil
}

// Rollback 丟棄暫存寫入並釋放鎖
func (sc *scope) Rollback() error {
	if sc.closed {
		return nil
	}
	sc.release()
	return nil
}

func (sc *scope) release() {
	sc.closed = true
	sc.writes = nil
	for id := range sc.held {
		<-sc.store.locks[id]
	}
	sc.held = nil
}

var _ usecase.Store = (*Store)(nil)
