package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	grpc_adapter "github.com/JoeShih716/go-atomic-ledger/internal/app/core/adapter/in/grpc"
	memory_adapter "github.com/JoeShih716/go-atomic-ledger/internal/app/core/adapter/out/memory"
	sqldb_adapter "github.com/JoeShih716/go-atomic-ledger/internal/app/core/adapter/out/sqldb"
	"github.com/JoeShih716/go-atomic-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-atomic-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-atomic-ledger/internal/config"
	"github.com/JoeShih716/go-atomic-ledger/pkg/database"
	"github.com/JoeShih716/go-atomic-ledger/pkg/logger"
	"github.com/JoeShih716/go-atomic-ledger/pkg/wal"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML config file")
	flag.Parse()

	// 1. 載入設定
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. 初始化 logger
	zlog, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	// 3. 初始化資料庫 Client (Base Infrastructure)
	var dbClient *database.Client
	if cfg.NeedsDatabase() {
		dbClient, err = database.NewClient(cfg.Storage.Database, zlog)
		if err != nil {
			zlog.Fatal("failed to connect to database", zap.Error(err))
		}
		defer dbClient.Close()
		zlog.Info("connected to database",
			zap.String("driver", cfg.Storage.Database.Driver),
			zap.String("host", cfg.Storage.Database.Host),
		)
	}

	// 4. 選擇帳本後端
	var store usecase.Store
	switch cfg.Storage.Driver {
	case database.DriverMySQL, database.DriverPostgres:
		store = sqldb_adapter.NewStore(dbClient)
	case config.DriverMemory:
		memStore, walFile := newMemoryStore(cfg, dbClient, zlog)
		if walFile != nil {
			// 程式結束時關閉 WAL
			defer walFile.Close()
		}
		store = memStore
	default:
		zlog.Fatal("invalid storage driver", zap.String("driver", cfg.Storage.Driver))
	}

	// 5. 初始化 UseCase
	coreUseCase := usecase.NewCoreUseCase(store,
		usecase.WithRetryPolicy(cfg.Transfer.RetryPolicy()),
		usecase.WithLockTimeout(cfg.Transfer.LockTimeout),
		usecase.WithLogger(zlog.Named("transfer")),
	)

	// 6. 初始化 gRPC Adapter (Driving Adapter)
	grpcServer := grpc_adapter.NewGrpcServer(coreUseCase, zlog.Named("grpc"))

	// 7. 啟動 gRPC Server
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		zlog.Fatal("failed to listen", zap.String("addr", cfg.GRPC.Addr), zap.Error(err))
	}

	s := grpc.NewServer(grpc.UnaryInterceptor(grpc_adapter.UnaryLoggingInterceptor(zlog.Named("grpc"))))
	grpc_adapter.RegisterLedgerServiceServer(s, grpcServer)
	reflection.Register(s) // 方便 gRPC Client 測試 (如 grpcurl)

	// Graceful Shutdown
	go func() {
		zlog.Info("starting gRPC server", zap.String("addr", cfg.GRPC.Addr), zap.String("storage", cfg.Storage.Driver))
		if err := s.Serve(lis); err != nil {
			zlog.Fatal("failed to serve", zap.Error(err))
		}
	}()

	// Wait for interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info("shutting down server")

	s.GracefulStop()
	zlog.Info("server exited")
}

// newMemoryStore 建立記憶體帳本，帳戶來源為資料庫或設定檔，並從 WAL 回復
func newMemoryStore(cfg config.Config, dbClient *database.Client, zlog *zap.Logger) (*memory_adapter.Store, *wal.WAL) {
	memCfg := cfg.Storage.Memory

	var accounts []domain.Account
	var err error
	if memCfg.SeedFromDatabase {
		accounts, err = sqldb_adapter.NewStore(dbClient).Accounts(context.Background())
	} else {
		accounts, err = memCfg.SeedAccounts()
	}
	if err != nil {
		zlog.Fatal("failed to load accounts", zap.Error(err))
	}
	zlog.Info("loaded accounts", zap.Int("count", len(accounts)))

	var walFile *wal.WAL
	if memCfg.WALPath != "" {
		walFile, err = wal.Open(memCfg.WALPath)
		if err != nil {
			zlog.Fatal("failed to open WAL", zap.String("path", memCfg.WALPath), zap.Error(err))
		}
	}

	store, err := memory_adapter.NewStore(accounts, walFile)
	if err != nil {
		zlog.Fatal("failed to init memory store", zap.Error(err))
	}
	return store, walFile
}
