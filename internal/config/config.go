package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata" // コンテナでもタイムゾーンを解決できるようにする

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/nemonet1337/zaiLotEngine/pkg/inventory"
)

// Config holds application configuration
// アプリケーション設定を保持
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	Inventory InventoryConfig `yaml:"inventory"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig holds database configuration
// データベース設定を保持
type DatabaseConfig struct {
	Driver     string `yaml:"driver"` // postgres, sqlite3, memory
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	DBName     string `yaml:"dbname"`
	SSLMode    string `yaml:"sslmode"`
	SQLitePath string `yaml:"sqlite_path"`
}

// APIConfig holds API server configuration
// APIサーバー設定を保持
type APIConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EnableCORS      bool          `yaml:"enable_cors"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	EnableMetrics   bool          `yaml:"enable_metrics"`
}

// InventoryConfig holds lot engine configuration
// ロットエンジンの設定を保持
type InventoryConfig struct {
	ExpiringThresholdDays int           `yaml:"expiring_threshold_days"`
	MaxRetries            int           `yaml:"max_retries"`
	RetryBackoff          time.Duration `yaml:"retry_backoff"`
	RequirePOApproval     bool          `yaml:"require_po_approval"`
	SystemActor           string        `yaml:"system_actor"`
	Timezone              string        `yaml:"timezone"`
	ExpiryScanInterval    time.Duration `yaml:"expiry_scan_interval"` // 0で定期実行しない
}

// LoggingConfig holds logging configuration
// ログ設定を保持
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, stderr, ファイルパス
}

// Default returns the built-in configuration
// 組み込みのデフォルト設定を返す
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:     "postgres",
			Host:       "localhost",
			Port:       5432,
			User:       "inventory",
			Password:   "password",
			DBName:     "lot_engine",
			SSLMode:    "disable",
			SQLitePath: "lot_engine.db",
		},
		API: APIConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			EnableCORS:      true,
			AllowedOrigins:  []string{"*"},
			EnableMetrics:   true,
		},
		Inventory: InventoryConfig{
			ExpiringThresholdDays: 30,
			MaxRetries:            3,
			RetryBackoff:          50 * time.Millisecond,
			RequirePOApproval:     false,
			SystemActor:           "system",
			Timezone:              "UTC",
			ExpiryScanInterval:    time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads the file named by CONFIG_FILE (if any), then applies environment overrides
// CONFIG_FILEの設定ファイルと環境変数から設定を読み込み
func Load() (*Config, error) {
	return LoadFrom(os.Getenv("CONFIG_FILE"))
}

// LoadFrom layers defaults, the YAML file at path and environment variables, then validates
// デフォルト値・YAMLファイル・環境変数の順に設定を重ねる
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗しました: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗しました: %w", err)
		}
	}

	cfg.applyEnv()

	// バリデーション
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定バリデーションに失敗しました: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvAsInt("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.DBName = getEnv("DB_NAME", c.Database.DBName)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)
	c.Database.SQLitePath = getEnv("DB_SQLITE_PATH", c.Database.SQLitePath)

	c.API.Port = getEnvAsInt("API_PORT", c.API.Port)
	c.API.ReadTimeout = getEnvAsDuration("API_READ_TIMEOUT", c.API.ReadTimeout)
	c.API.WriteTimeout = getEnvAsDuration("API_WRITE_TIMEOUT", c.API.WriteTimeout)
	c.API.IdleTimeout = getEnvAsDuration("API_IDLE_TIMEOUT", c.API.IdleTimeout)
	c.API.ShutdownTimeout = getEnvAsDuration("API_SHUTDOWN_TIMEOUT", c.API.ShutdownTimeout)
	c.API.EnableCORS = getEnvAsBool("API_ENABLE_CORS", c.API.EnableCORS)
	c.API.EnableMetrics = getEnvAsBool("API_ENABLE_METRICS", c.API.EnableMetrics)

	c.Inventory.ExpiringThresholdDays = getEnvAsInt("INVENTORY_EXPIRING_THRESHOLD_DAYS", c.Inventory.ExpiringThresholdDays)
	c.Inventory.MaxRetries = getEnvAsInt("INVENTORY_MAX_RETRIES", c.Inventory.MaxRetries)
	c.Inventory.RetryBackoff = getEnvAsDuration("INVENTORY_RETRY_BACKOFF", c.Inventory.RetryBackoff)
	c.Inventory.RequirePOApproval = getEnvAsBool("INVENTORY_REQUIRE_PO_APPROVAL", c.Inventory.RequirePOApproval)
	c.Inventory.SystemActor = getEnv("INVENTORY_SYSTEM_ACTOR", c.Inventory.SystemActor)
	c.Inventory.Timezone = getEnv("INVENTORY_TIMEZONE", c.Inventory.Timezone)
	c.Inventory.ExpiryScanInterval = getEnvAsDuration("INVENTORY_EXPIRY_SCAN_INTERVAL", c.Inventory.ExpiryScanInterval)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("LOG_OUTPUT", c.Logging.Output)
}

// Validate validates the configuration
// 設定をバリデーション
func (c *Config) Validate() error {
	// データベース設定チェック
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			return errors.New("データベースホストが指定されていません")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			return fmt.Errorf("無効なデータベースポート: %d", c.Database.Port)
		}
		if c.Database.User == "" {
			return errors.New("データベースユーザーが指定されていません")
		}
		if c.Database.DBName == "" {
			return errors.New("データベース名が指定されていません")
		}
	case "sqlite3":
		if c.Database.SQLitePath == "" {
			return errors.New("SQLiteファイルパスが指定されていません")
		}
	case "memory":
	default:
		return fmt.Errorf("無効なデータベースドライバ: %s", c.Database.Driver)
	}

	// API設定チェック
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("無効なAPIポート: %d", c.API.Port)
	}

	// 在庫設定チェック
	if err := inventory.ValidateThresholdDays(c.Inventory.ExpiringThresholdDays); err != nil {
		return err
	}
	if c.Inventory.MaxRetries < 0 {
		return errors.New("最大再試行回数は0以上である必要があります")
	}
	if c.Inventory.RetryBackoff < 0 {
		return errors.New("再試行間隔は0以上である必要があります")
	}
	if c.Inventory.ExpiryScanInterval < 0 {
		return errors.New("期限監視間隔は0以上である必要があります")
	}
	if _, err := time.LoadLocation(c.Inventory.Timezone); err != nil {
		return fmt.Errorf("無効なタイムゾーン: %s", c.Inventory.Timezone)
	}

	// ログ設定チェック
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("無効なログレベル: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("無効なログフォーマット: %s", c.Logging.Format)
	}

	return nil
}

// DSN returns the connection string for the configured driver
// ドライバに応じたデータソース名を生成
func (c *Config) DSN() string {
	switch c.Database.Driver {
	case "sqlite3":
		return c.Database.SQLitePath
	case "memory":
		return ""
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// EngineConfig converts the inventory section into the engine configuration
// 在庫設定をエンジン設定へ変換
func (c *Config) EngineConfig() (*inventory.Config, error) {
	loc, err := time.LoadLocation(c.Inventory.Timezone)
	if err != nil {
		return nil, fmt.Errorf("タイムゾーンの読み込みに失敗しました: %w", err)
	}
	return &inventory.Config{
		ExpiringThresholdDays: c.Inventory.ExpiringThresholdDays,
		MaxRetries:            c.Inventory.MaxRetries,
		RetryBackoff:          c.Inventory.RetryBackoff,
		RequirePOApproval:     c.Inventory.RequirePOApproval,
		SystemActor:           c.Inventory.SystemActor,
		Location:              loc,
	}, nil
}

// BuildLogger builds a zap logger from the logging section
// ログ設定からzapロガーを構築
func (c LoggingConfig) BuildLogger() (*zap.Logger, error) {
	var zapCfg zap.Config
	if c.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("無効なログレベル: %w", err)
	}
	zapCfg.Level = level

	if c.Output != "" {
		zapCfg.OutputPaths = []string{c.Output}
	}
	return zapCfg.Build()
}

// ヘルパー関数

// getEnv gets environment variable with default value
// デフォルト値付きで環境変数を取得
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets environment variable as integer with default value
// デフォルト値付きで環境変数を整数として取得
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBool gets environment variable as boolean with default value
// デフォルト値付きで環境変数をbooleanとして取得
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDuration gets environment variable as duration with default value
// デフォルト値付きで環境変数をdurationとして取得
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
