package database

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Config 定義資料庫連線與連線池的配置
type Config struct {
	Driver   string `yaml:"-"`
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"gt=0,lte=65535"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname" validate:"required"`
	// SSLMode 只對 postgres 有效 (disable, require, verify-full ...)
	SSLMode string `yaml:"sslmode"`

	// 連線池設定 (Connection Pool)
	// 參考: https://github.com/go-sql-driver/mysql#important-settings
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// 啟動時連線重試
	ConnectRetries       uint64        `yaml:"connect_retries"`
	ConnectRetryInterval time.Duration `yaml:"connect_retry_interval"`

	// GORM 設定
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=silent error warn info"`
}

// DSN (Data Source Name) 產生連線字串
//
//	mysql:    user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local
//	postgres: host=... port=... user=... password=... dbname=... sslmode=...
func (c *Config) DSN() string {
	if c.Driver == DriverPostgres {
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host,
			c.Port,
			c.User,
			c.Password,
			c.DBName,
			sslMode,
		)
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.DBName,
	)
}

// Dialector 依 Driver 回傳 GORM dialector
func (c *Config) Dialector() (gorm.Dialector, error) {
	switch c.Driver {
	case DriverMySQL:
		return mysql.Open(c.DSN()), nil
	case DriverPostgres:
		return postgres.Open(c.DSN()), nil
	default:
		return nil, fmt.Errorf("database: unsupported driver %q", c.Driver)
	}
}
