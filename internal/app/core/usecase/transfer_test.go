package usecase_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JoeShih716/go-atomic-ledger/internal/app/core/adapter/out/memory"
	"github.com/JoeShih716/go-atomic-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-atomic-ledger/internal/app/core/usecase"
)

var fastRetry = usecase.WithRetryPolicy(usecase.RetryPolicy{
	MaxRetries:      3,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
})

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newMemoryStore(t *testing.T, balances ...string) *memory.Store {
	t.Helper()
	accounts := make([]domain.Account, 0, len(balances))
	for i, b := range balances {
		accounts = append(accounts, domain.Account{ID: int64(i), Balance: dec(b)})
	}
	store, err := memory.NewStore(accounts, nil)
	require.NoError(t, err)
	return store
}

func assertBalance(t *testing.T, core *usecase.CoreUseCase, id int64, want string) {
	t.Helper()
	got, err := core.GetAccountBalance(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, dec(want).Equal(got), "account %d: want %s, got %s", id, want, got)
}

func TestTransfer_Scenarios(t *testing.T) {
	ctx := context.Background()

	t.Run("A balance lookup", func(t *testing.T) {
		core := usecase.NewCoreUseCase(newMemoryStore(t, "100.0"))
		assertBalance(t, core, 0, "100.0")
		assertBalance(t, core, 0, "100.0")
	})

	t.Run("B successful transfer", func(t *testing.T) {
		core := usecase.NewCoreUseCase(newMemoryStore(t, "100.0", "50.0"))
		require.NoError(t, core.Transfer(ctx, 0, 1, dec("10.0")))
		assertBalance(t, core, 0, "90.0")
		assertBalance(t, core, 1, "60.0")
	})

	t.Run("C insufficient funds", func(t *testing.T) {
		core := usecase.NewCoreUseCase(newMemoryStore(t, "100.0", "50.0"))
		err := core.Transfer(ctx, 1, 0, dec("100.0"))
		assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
		assertBalance(t, core, 0, "100.0")
		assertBalance(t, core, 1, "50.0")
	})

	t.Run("D missing source", func(t *testing.T) {
		core := usecase.NewCoreUseCase(newMemoryStore(t, "100.0", "50.0"))
		err := core.Transfer(ctx, 10000, 1, dec("10.0"))
		var nf *domain.AccountNotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, domain.SideSource, nf.Side)
		assert.Equal(t, int64(10000), nf.AccountID)
		assertBalance(t, core, 1, "50.0")
	})

	t.Run("E missing destination", func(t *testing.T) {
		core := usecase.NewCoreUseCase(newMemoryStore(t, "100.0", "50.0"))
		err := core.Transfer(ctx, 1, 10000, dec("10.0"))
		var nf *domain.AccountNotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, domain.SideDestination, nf.Side)
		assert.ErrorIs(t, err, domain.ErrAccountNotFound)
		assertBalance(t, core, 1, "50.0")
	})

	t.Run("F concurrent double spend", func(t *testing.T) {
		core := usecase.NewCoreUseCase(newMemoryStore(t, "100.0", "0", "0"))
		errs := make([]error, 2)
		var wg sync.WaitGroup
		for i := range errs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = core.Transfer(ctx, 0, int64(i+1), dec("60.0"))
			}()
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
		}
		assert.Equal(t, 1, succeeded)
		assertBalance(t, core, 0, "40.0")
	})
}

func TestTransfer_InvalidAmount(t *testing.T) {
	testCases := []struct {
		name   string
		amount decimal.Decimal
	}{
		{name: "zero", amount: decimal.Zero},
		{name: "negative", amount: dec("-5")},
		{name: "too precise", amount: dec("0.00001")},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := &flakyStore{Store: newMemoryStore(t, "100", "50")}
			core := usecase.NewCoreUseCase(store)
			err := core.Transfer(context.Background(), 0, 1, tc.amount)
			assert.ErrorIs(t, err, domain.ErrInvalidAmount)
			assert.Zero(t, store.begins.Load(), "no scope may be opened")
		})
	}
}

func TestTransfer_ExactBalance(t *testing.T) {
	core := usecase.NewCoreUseCase(newMemoryStore(t, "100.0", "50.0"))
	require.NoError(t, core.Transfer(context.Background(), 1, 0, dec("50.0")))
	assertBalance(t, core, 1, "0")
	assertBalance(t, core, 0, "150.0")
}

func TestTransfer_SelfTransfer(t *testing.T) {
	core := usecase.NewCoreUseCase(newMemoryStore(t, "100.0"))
	require.NoError(t, core.Transfer(context.Background(), 0, 0, dec("100.0")))
	assertBalance(t, core, 0, "100.0")

	err := core.Transfer(context.Background(), 0, 0, dec("100.01"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assertBalance(t, core, 0, "100.0")
}

func TestTransfer_ConcurrentConservation(t *testing.T) {
	const (
		accounts  = 6
		workers   = 16
		transfers = 50
	)
	balances := make([]string, accounts)
	for i := range balances {
		balances[i] = "100"
	}
	store := newMemoryStore(t, balances...)
	core := usecase.NewCoreUseCase(store, fastRetry)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < transfers; i++ {
				from := rand.Int64N(accounts)
				to := rand.Int64N(accounts)
				amount := decimal.NewFromInt(rand.Int64N(30) + 1)
				err := core.Transfer(context.Background(), from, to, amount)
				if err != nil && !errors.Is(err, domain.ErrInsufficientFunds) {
					t.Errorf("unexpected transfer error: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	all, err := store.Accounts(context.Background())
	require.NoError(t, err)
	total := decimal.Zero
	for _, a := range all {
		assert.False(t, a.Balance.IsNegative(), "account %d went negative", a.ID)
		total = total.Add(a.Balance)
	}
	assert.True(t, decimal.NewFromInt(100*accounts).Equal(total), "total drifted to %s", total)
}

func TestTransfer_RetriesConflict(t *testing.T) {
	store := &flakyStore{Store: newMemoryStore(t, "100", "50")}
	store.conflicts.Store(2)
	core := usecase.NewCoreUseCase(store, fastRetry)

	require.NoError(t, core.Transfer(context.Background(), 0, 1, dec("10")))
	assert.Equal(t, int32(3), store.begins.Load())
	assertBalance(t, core, 0, "90")
}

func TestTransfer_ConflictRetriesExhausted(t *testing.T) {
	store := &flakyStore{Store: newMemoryStore(t, "100", "50")}
	store.conflicts.Store(100)
	core := usecase.NewCoreUseCase(store, fastRetry)

	err := core.Transfer(context.Background(), 0, 1, dec("10"))
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.Equal(t, int32(4), store.begins.Load())
	assertBalance(t, core, 0, "100")
}

func TestTransfer_CommitFailureLeavesStateUnchanged(t *testing.T) {
	store := &flakyStore{Store: newMemoryStore(t, "100", "50"), failCommit: true}
	core := usecase.NewCoreUseCase(store, fastRetry)

	err := core.Transfer(context.Background(), 0, 1, dec("10"))
	assert.ErrorIs(t, err, domain.ErrStorageFailure)
	assert.Equal(t, int32(1), store.begins.Load(), "storage failures are not retried")
	assertBalance(t, core, 0, "100")
	assertBalance(t, core, 1, "50")
}

func TestTransfer_LockTimeoutIsConflict(t *testing.T) {
	store := newMemoryStore(t, "100", "50")
	core := usecase.NewCoreUseCase(store, usecase.WithLockTimeout(10*time.Millisecond),
		usecase.WithRetryPolicy(usecase.RetryPolicy{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}))

	held, err := store.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, held.Lock(context.Background(), 0))
	defer held.Rollback()

	err = core.Transfer(context.Background(), 0, 1, dec("10"))
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assertBalance(t, core, 0, "100")
}

func TestTransfer_CallerContextEnded(t *testing.T) {
	t.Run("canceled before start", func(t *testing.T) {
		core := usecase.NewCoreUseCase(newMemoryStore(t, "100", "50"))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := core.Transfer(ctx, 0, 1, dec("10"))
		assert.ErrorIs(t, err, domain.ErrStorageFailure)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("deadline while waiting for lock", func(t *testing.T) {
		store := newMemoryStore(t, "100", "50")
		core := usecase.NewCoreUseCase(store, usecase.WithLockTimeout(0), fastRetry)
		held, err := store.Begin(context.Background())
		require.NoError(t, err)
		require.NoError(t, held.Lock(context.Background(), 1))
		defer held.Rollback()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err = core.Transfer(ctx, 0, 1, dec("10"))
		assert.ErrorIs(t, err, domain.ErrStorageFailure)
		assertBalance(t, core, 0, "100")
	})
}

func TestTransfer_TraceAndLog(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	obsCore, logs := observer.New(zapcore.DebugLevel)

	store := &flakyStore{Store: newMemoryStore(t, "100", "50")}
	store.conflicts.Store(1)
	core := usecase.NewCoreUseCase(store, fastRetry,
		usecase.WithTracerProvider(tp),
		usecase.WithLogger(zap.New(obsCore)),
	)

	require.NoError(t, core.Transfer(context.Background(), 0, 1, dec("10")))
	assert.ErrorIs(t, core.Transfer(context.Background(), 1, 0, dec("1000")), domain.ErrInsufficientFunds)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "TransferCoordinator.Transfer", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)

	assert.Equal(t, 1, logs.FilterMessage("transfer conflicted, retrying").Len())
	committed := logs.FilterMessage("transfer committed").All()
	require.Len(t, committed, 1)
	assert.Equal(t, zapcore.InfoLevel, committed[0].Level)
	assert.Equal(t, int64(2), committed[0].ContextMap()["attempts"])
	assert.Equal(t, 1, logs.FilterMessage("transfer rejected").Len())
}

// flakyStore 在 Begin 時注入衝突，或在 Commit 時注入儲存錯誤
type flakyStore struct {
	*memory.Store
	conflicts  atomic.Int32
	begins     atomic.Int32
	failCommit bool
}

func (f *flakyStore) Begin(ctx context.Context) (usecase.Scope, error) {
	f.begins.Add(1)
	if f.conflicts.Add(-1) >= 0 {
		return nil, domain.ConcurrencyConflict(errors.New("deadlock detected"))
	}
	sc, err := f.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	if f.failCommit {
		return &failingCommitScope{Scope: sc}, nil
	}
	return sc, nil
}

type failingCommitScope struct {
	usecase.Scope
}

func (s *failingCommitScope) Commit() error {
	return domain.StorageFailure(errors.New("disk full"))
}
