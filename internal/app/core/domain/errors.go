package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAmount 金額必須為正數，且不可超過 BalanceScale 位小數
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInsufficientFunds 餘額不足
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAccountNotFound 找不到帳戶
	ErrAccountNotFound = errors.New("account not found")

	// ErrConcurrencyConflict 交易無法與其他並行交易序列化 (lock timeout, deadlock, serialization failure)
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrStorageFailure 底層儲存不可用或資料損毀
	ErrStorageFailure = errors.New("storage failure")
)

// Side 標示轉帳中的哪一端
type Side uint8

const (
	SideUnknown Side = iota
	SideSource
	SideDestination
)

func (s Side) String() string {
	switch s {
	case SideSource:
		return "source"
	case SideDestination:
		return "destination"
	default:
		return "unknown"
	}
}

// AccountNotFoundError 帶有帳戶 ID 與端點資訊的 ErrAccountNotFound
type AccountNotFoundError struct {
	AccountID int64
	Side      Side
}

func (e *AccountNotFoundError) Error() string {
	if e.Side == SideUnknown {
		return fmt.Sprintf("account %d not found", e.AccountID)
	}
	return fmt.Sprintf("%s account %d not found", e.Side, e.AccountID)
}

// Is 讓 errors.Is(err, ErrAccountNotFound) 成立
func (e *AccountNotFoundError) Is(target error) bool {
	return target == ErrAccountNotFound
}

// IsRetryable 回報呼叫端是否可以原封不動重送同一筆請求
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrStorageFailure)
}

// StorageFailure 以 ErrStorageFailure 包裝底層錯誤
func StorageFailure(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStorageFailure, err)
}

// ConcurrencyConflict 以 ErrConcurrencyConflict 包裝底層錯誤
func ConcurrencyConflict(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
}
