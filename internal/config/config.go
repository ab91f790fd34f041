package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/JoeShih716/go-atomic-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-atomic-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-atomic-ledger/pkg/database"
	"github.com/JoeShih716/go-atomic-ledger/pkg/logger"
)

// DefaultPath 預設設定檔位置
const DefaultPath = "config/config.yaml"

const DriverMemory = "memory"

type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Transfer TransferConfig `yaml:"transfer"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	Log      logger.Config  `yaml:"log"`
}

// StorageConfig 選擇帳本的儲存後端
type StorageConfig struct {
	Driver string `yaml:"driver" validate:"required,oneof=mysql postgres memory"`
	// Database 只有在 SQL 後端或 memory.seed_from_database 時才會驗證
	Database database.Config `yaml:"database" validate:"-"`
	Memory   MemoryConfig    `yaml:"memory"`
}

type MemoryConfig struct {
	// WALPath 空白表示不寫 WAL (重啟後資料消失)
	WALPath string `yaml:"wal_path"`
	// SeedFromDatabase 啟動時從資料庫載入所有帳戶，而不是使用 Accounts
	SeedFromDatabase bool `yaml:"seed_from_database"`
	// DatabaseDriver 是 SeedFromDatabase 時要連的資料庫種類
	DatabaseDriver string        `yaml:"database_driver" validate:"required_if=SeedFromDatabase true"`
	Accounts       []AccountSeed `yaml:"accounts" validate:"dive"`
}

type AccountSeed struct {
	ID      int64  `yaml:"id" validate:"gte=0"`
	Balance string `yaml:"balance" validate:"required,numeric"`
}

// TransferConfig 轉帳重試與鎖等待設定
type TransferConfig struct {
	MaxRetries      *uint64       `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval" validate:"gte=0"`
	MaxInterval     time.Duration `yaml:"max_interval" validate:"gtefield=InitialInterval"`
	LockTimeout     time.Duration `yaml:"lock_timeout" validate:"gte=0"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// Load 讀取 YAML 設定檔、補上預設值並驗證
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML 內容、補上預設值並驗證
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NeedsDatabase 是否需要連線資料庫
func (c *Config) NeedsDatabase() bool {
	return c.Storage.Driver != DriverMemory || c.Storage.Memory.SeedFromDatabase
}

// RetryPolicy 轉成 usecase.RetryPolicy
func (c *TransferConfig) RetryPolicy() usecase.RetryPolicy {
	policy := usecase.RetryPolicy{
		MaxRetries:      usecase.DefaultRetryPolicy.MaxRetries,
		InitialInterval: c.InitialInterval,
		MaxInterval:     c.MaxInterval,
	}
	if c.MaxRetries != nil {
		policy.MaxRetries = *c.MaxRetries
	}
	return policy
}

// SeedAccounts 把設定檔中的帳戶轉成 domain.Account
func (m *MemoryConfig) SeedAccounts() ([]domain.Account, error) {
	accounts := make([]domain.Account, 0, len(m.Accounts))
	for _, seed := range m.Accounts {
		balance, err := decimal.NewFromString(seed.Balance)
		if err != nil {
			return nil, fmt.Errorf("account %d: invalid balance %q: %w", seed.ID, seed.Balance, err)
		}
		accounts = append(accounts, domain.Account{ID: seed.ID, Balance: balance})
	}
	return accounts, nil
}

func (c *Config) setDefaults() {
	// 補全資料庫預設配置 (如果 yaml 沒寫)
	db := &c.Storage.Database
	db.Driver = c.Storage.Driver
	if c.Storage.Driver == DriverMemory {
		db.Driver = c.Storage.Memory.DatabaseDriver
	}
	if db.MaxOpenConns == 0 {
		db.MaxOpenConns = 100
	}
	if db.MaxIdleConns == 0 {
		db.MaxIdleConns = 10
	}
	if db.ConnMaxLifetime == 0 {
		db.ConnMaxLifetime = 30 * time.Minute
	}
	if db.ConnectRetryInterval == 0 {
		db.ConnectRetryInterval = 2 * time.Second
	}
	if db.LogLevel == "" {
		db.LogLevel = "warn"
	}

	t := &c.Transfer
	if t.InitialInterval == 0 {
		t.InitialInterval = usecase.DefaultRetryPolicy.InitialInterval
	}
	if t.MaxInterval == 0 {
		t.MaxInterval = usecase.DefaultRetryPolicy.MaxInterval
	}
	if t.LockTimeout == 0 {
		t.LockTimeout = usecase.DefaultLockTimeout
	}

	if c.GRPC.Addr == "" {
		c.GRPC.Addr = ":50051"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = logger.FormatJSON
	}
}

func (c *Config) validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.NeedsDatabase() {
		if err := v.Struct(&c.Storage.Database); err != nil {
			return fmt.Errorf("invalid database config: %w", err)
		}
		if _, err := c.Storage.Database.Dialector(); err != nil {
			return fmt.Errorf("invalid database config: %w", err)
		}
	}
	return nil
}
