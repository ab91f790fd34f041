package sqldb

import (
	"context"
	"errors"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/JoeShih716/go-atomic-ledger/internal/app/core/domain"
)

// MySQL error numbers
const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// PostgreSQL SQLSTATE codes
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// mapError 把 GORM / driver 錯誤轉成 domain 錯誤，基礎設施的錯誤不外洩到 usecase
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrAccountNotFound
	}
	if isConflict(err) {
		return domain.ConcurrencyConflict(err)
	}
	return domain.StorageFailure(err)
}

func isConflict(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDeadlock || myErr.Number == mysqlLockWaitTimeout
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return true
		}
	}
	return false
}
