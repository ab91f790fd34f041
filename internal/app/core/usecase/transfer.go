package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JoeShih716/go-atomic-ledger/internal/app/core/domain"
)

const tracerName = "github.com/JoeShih716/go-atomic-ledger/usecase"

// RetryPolicy 遇到 ErrConcurrencyConflict 時的重試策略
type RetryPolicy struct {
	// MaxRetries: 第一次嘗試之外最多重試幾次，0 表示不重試
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy 預設重試策略
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:      5,
	InitialInterval: 10 * time.Millisecond,
	MaxInterval:     200 * time.Millisecond,
}

// DefaultLockTimeout 單次嘗試等待鎖的上限
const DefaultLockTimeout = 5 * time.Second

// TransferCoordinator 負責把一筆轉帳組成單一原子交易，是唯一對外開放的寫入路徑
type TransferCoordinator struct {
	store       Store
	ledger      *AccountLedger
	retry       RetryPolicy
	lockTimeout time.Duration
	logger      *zap.Logger
	tracer      trace.Tracer
}

// CoordinatorOption 定義了 TransferCoordinator 的配置選項函數
type CoordinatorOption func(*TransferCoordinator)

// WithRetryPolicy 設定衝突重試策略
func WithRetryPolicy(policy RetryPolicy) CoordinatorOption {
	return func(c *TransferCoordinator) {
		c.retry = policy
	}
}

// WithLockTimeout 設定單次嘗試的鎖等待上限，<= 0 表示只受呼叫端 context 限制
func WithLockTimeout(d time.Duration) CoordinatorOption {
	return func(c *TransferCoordinator) {
		c.lockTimeout = d
	}
}

// WithLogger 設定 logger
func WithLogger(logger *zap.Logger) CoordinatorOption {
	return func(c *TransferCoordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracerProvider 設定 OpenTelemetry TracerProvider，預設使用全域 provider
func WithTracerProvider(tp trace.TracerProvider) CoordinatorOption {
	return func(c *TransferCoordinator) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

func NewTransferCoordinator(store Store, ledger *AccountLedger, opts ...CoordinatorOption) *TransferCoordinator {
	c := &TransferCoordinator{
		store:       store,
		ledger:      ledger,
		retry:       DefaultRetryPolicy,
		lockTimeout: DefaultLockTimeout,
		logger:      zap.NewNop(),
		tracer:      otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Transfer 從 fromID 轉 amount 到 toID
//
// 回傳 nil 代表已經提交。失敗時兩個帳戶的餘額都不會改變，錯誤為:
// domain.ErrInvalidAmount, *domain.AccountNotFoundError, domain.ErrInsufficientFunds,
// domain.ErrConcurrencyConflict, domain.ErrStorageFailure
func (c *TransferCoordinator) Transfer(ctx context.Context, fromID, toID int64, amount decimal.Decimal) error {
	req := domain.NewTransferRequest(fromID, toID, amount)
	logger := c.logger.With(
		zap.String("transfer_id", req.ID.String()),
		zap.Int64("from", req.From),
		zap.Int64("to", req.To),
		zap.String("amount", req.Amount.String()),
	)

	ctx, span := c.tracer.Start(ctx, "TransferCoordinator.Transfer", trace.WithAttributes(
		attribute.String("ledger.transfer_id", req.ID.String()),
		attribute.Int64("ledger.from_account_id", req.From),
		attribute.Int64("ledger.to_account_id", req.To),
		attribute.String("ledger.amount", req.Amount.String()),
	))
	defer span.End()

	// 1. 金額檢查在開啟任何 scope 之前
	if err := domain.ValidateAmount(req.Amount); err != nil {
		c.finish(span, logger, 0, err)
		return err
	}

	// 2. 執行，僅 ErrConcurrencyConflict 會重試
	attempts := 0
	op := func() error {
		attempts++
		err := c.attempt(ctx, &req)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			return backoff.Permanent(err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backoff.Permanent(domain.StorageFailure(ctxErr))
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("transfer conflicted, retrying",
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify)
	err = contextAsStorageFailure(err)
	c.finish(span, logger, attempts, err)
	return err
}

// attempt 執行一次完整的 scope：lock -> debit -> credit -> commit
// 任何一條提前返回的路徑都會 Rollback
func (c *TransferCoordinator) attempt(ctx context.Context, req *domain.TransferRequest) error {
	if c.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.lockTimeout)
		defer cancel()
	}

	scope, err := c.store.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := scope.Rollback(); rbErr != nil {
			c.logger.Warn("rollback failed", zap.String("transfer_id", req.ID.String()), zap.Error(rbErr))
		}
	}()

	// 依 ID 順序先鎖兩個帳戶，避免死鎖
	if err := scope.Lock(ctx, req.GetLockIDs()...); err != nil {
		return err
	}
	if err := c.ledger.Debit(ctx, scope, req.From, req.Amount); err != nil {
		return withSide(err, req.From, domain.SideSource)
	}
	if err := c.ledger.Credit(ctx, scope, req.To, req.Amount); err != nil {
		return withSide(err, req.To, domain.SideDestination)
	}
	if err := scope.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (c *TransferCoordinator) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialInterval
	b.MaxInterval = c.retry.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, c.retry.MaxRetries)
}

func (c *TransferCoordinator) finish(span trace.Span, logger *zap.Logger, attempts int, err error) {
	span.SetAttributes(attribute.Int("ledger.attempts", attempts))
	if err == nil {
		span.SetStatus(codes.Ok, "")
		logger.Info("transfer committed", zap.Int("attempts", attempts))
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	switch {
	case errors.Is(err, domain.ErrStorageFailure):
		logger.Error("transfer failed", zap.Int("attempts", attempts), zap.Error(err))
	case errors.Is(err, domain.ErrConcurrencyConflict):
		logger.Warn("transfer aborted on conflict", zap.Int("attempts", attempts), zap.Error(err))
	default:
		logger.Debug("transfer rejected", zap.Error(err))
	}
}

// withSide 把 ErrAccountNotFound 標上是哪一端，其他錯誤原樣傳回
func withSide(err error, accountID int64, side domain.Side) error {
	if errors.Is(err, domain.ErrAccountNotFound) {
		return &domain.AccountNotFoundError{AccountID: accountID, Side: side}
	}
	return err
}

// contextAsStorageFailure 呼叫端 context 結束時 backoff 會直接回傳 ctx.Err()
func contextAsStorageFailure(err error) error {
	if err == nil || errors.Is(err, domain.ErrConcurrencyConflict) || errors.Is(err, domain.ErrStorageFailure) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.StorageFailure(err)
	}
	return err
}
