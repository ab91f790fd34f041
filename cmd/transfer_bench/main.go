package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	grpc_adapter "github.com/JoeShih716/go-atomic-ledger/internal/app/core/adapter/in/grpc"
	"github.com/JoeShih716/go-atomic-ledger/internal/app/core/domain"
	grpcpool "github.com/JoeShih716/go-atomic-ledger/pkg/grpc"
	"github.com/JoeShih716/go-atomic-ledger/pkg/logger"
)

// outcome 統計每種結果的次數
type outcome struct {
	committed    atomic.Int64
	insufficient atomic.Int64
	notFound     atomic.Int64
	conflict     atomic.Int64
	storage      atomic.Int64
	other        atomic.Int64
}

func (o *outcome) record(err error) {
	switch {
	case err == nil:
		o.committed.Add(1)
	case errors.Is(err, domain.ErrInsufficientFunds):
		o.insufficient.Add(1)
	case errors.Is(err, domain.ErrAccountNotFound):
		o.notFound.Add(1)
	case errors.Is(err, domain.ErrConcurrencyConflict):
		o.conflict.Add(1)
	case errors.Is(err, domain.ErrStorageFailure):
		o.storage.Add(1)
	default:
		o.other.Add(1)
	}
}

func main() {
	addr := flag.String("addr", "localhost:50051", "ledgerd gRPC address")
	accounts := flag.Int64("accounts", 10, "transfers pick accounts in [0, accounts)")
	totalCount := flag.Int("count", 100000, "number of transfers")
	concurrency := flag.Int("concurrency", 100, "concurrent in-flight transfers")
	maxAmount := flag.Int64("max-amount", 100, "each transfer moves a random amount in [1, max-amount]")
	timeout := flag.Duration("timeout", 120*time.Second, "overall deadline")
	flag.Parse()

	zlog, err := logger.New(logger.Config{Level: "info", Format: logger.FormatConsole})
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	pool := grpcpool.NewPool()
	defer pool.Close()
	conn, err := pool.GetConnection(*addr)
	if err != nil {
		zlog.Fatal("did not connect", zap.Error(err))
	}
	client := grpc_adapter.NewClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	before, err := totalBalance(ctx, client, *accounts)
	if err != nil {
		zlog.Fatal("failed to read balances", zap.Error(err))
	}

	var (
		wg    sync.WaitGroup
		stats outcome
	)
	sem := make(chan struct{}, *concurrency)
	startTime := time.Now()

	for i := 0; i < *totalCount; i++ {
		sem <- struct{}{}
		wg.Add(1)

		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			from := rand.Int64N(*accounts)
			to := rand.Int64N(*accounts)
			amount := decimal.NewFromInt(rand.Int64N(*maxAmount) + 1)
			_, _, err := client.Transfer(ctx, from, to, amount)
			stats.record(err)
			if err != nil && !errors.Is(err, domain.ErrInsufficientFunds) && idx%1000 == 0 {
				zlog.Warn("transfer failed", zap.Int("idx", idx), zap.Error(err))
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(startTime)

	after, err := totalBalance(context.Background(), client, *accounts)
	if err != nil {
		zlog.Fatal("failed to read balances", zap.Error(err))
	}

	fmt.Printf("Completed %d requests in %v\n", *totalCount, elapsed)
	fmt.Printf("TPS: %.2f\n", float64(*totalCount)/elapsed.Seconds())
	fmt.Printf("committed=%d insufficient=%d not_found=%d conflict=%d storage=%d other=%d\n",
		stats.committed.Load(), stats.insufficient.Load(), stats.notFound.Load(),
		stats.conflict.Load(), stats.storage.Load(), stats.other.Load())
	fmt.Printf("total before=%s after=%s\n", before, after)
	if !before.Equal(after) {
		zlog.Fatal("conservation violated", zap.String("before", before.String()), zap.String("after", after.String()))
	}
	fmt.Println("conservation OK")
}

// totalBalance 加總 [0, n) 的已提交餘額，不存在的帳戶略過
func totalBalance(ctx context.Context, client *grpc_adapter.Client, n int64) (decimal.Decimal, error) {
	total := decimal.Zero
	for id := int64(0); id < n; id++ {
		balance, err := client.GetBalance(ctx, id)
		if errors.Is(err, domain.ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return decimal.Zero, fmt.Errorf("account %d: %w", id, err)
		}
		total = total.Add(balance)
	}
	return total, nil
}
