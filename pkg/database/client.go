package database

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Client 封裝 GORM DB 實例
type Client struct {
	db *gorm.DB
}

// NewClient 建立並回傳一個新的資料庫客戶端實例 (GORM)
//
// 參數:
//
//	cfg: Config - 連線配置
//	log: 連線重試時使用的 logger
//
// 回傳值:
//
//	*Client: 封裝後的客戶端
//	error: 若連線失敗則回傳錯誤
func NewClient(cfg Config, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dialector, err := cfg.Dialector()
	if err != nil {
		return nil, err
	}
	gormConfig := &gorm.Config{
		// 跳過預設事務，所有寫入都由帳本明確開啟的 scope 管理
		SkipDefaultTransaction: true,
		Logger:                 newLogger(cfg.LogLevel),
	}

	var db *gorm.DB
	connect := func() error {
		var openErr error
		db, openErr = gorm.Open(dialector, gormConfig)
		if openErr != nil {
			return openErr
		}
		// Try pinging to ensure connection is actually alive
		rawDB, pingErr := db.DB()
		if pingErr != nil {
			return pingErr
		}
		return rawDB.Ping()
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("database connect failed, retrying",
			zap.String("driver", cfg.Driver),
			zap.String("host", cfg.Host),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.ConnectRetryInterval), cfg.ConnectRetries)
	if err := backoff.RetryNotify(connect, policy, notify); err != nil {
		return nil, fmt.Errorf("failed to connect to %s after %d retries: %w", cfg.Driver, cfg.ConnectRetries, err)
	}

	// 取得底層 sql.DB 物件以設定連線池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.db: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &Client{db: db}, nil
}

// NewClientFromDB 包裝一個已經開好的 *gorm.DB (測試或外部已管理連線時使用)
func NewClientFromDB(db *gorm.DB) *Client {
	return &Client{db: db}
}

// DB 回傳底層的 *gorm.DB 實例，供 adapter 使用
func (c *Client) DB() *gorm.DB {
	return c.db
}

// Close 關閉資料庫連線
func (c *Client) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// newLogger 根據配置建立 GORM Logger
func newLogger(level string) logger.Interface {
	var logLevel logger.LogLevel
	switch level {
	case "info":
		logLevel = logger.Info
	case "warn":
		logLevel = logger.Warn
	case "error":
		logLevel = logger.Error
	case "silent":
		logLevel = logger.Silent
	default:
		logLevel = logger.Error // 預設只記錄錯誤
	}

	return logger.Default.LogMode(logLevel)
}
