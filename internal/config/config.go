// Package config 載入服務設定
//
// 載入順序：預設值 → YAML 設定檔 → 環境變數（前綴 ARENA_）。
// 例如 ARENA_SERVER_PORT=9090、ARENA_AUTH_JWT_SECRET=xxx。
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 環境變數前綴
const EnvPrefix = "ARENA"

// Config 整個應用的配置
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	NATS     NATSConfig     `yaml:"nats"`
	Auth     AuthConfig     `yaml:"auth"`
	Registry RegistryConfig `yaml:"registry"`
	Queue    QueueConfig    `yaml:"queue"`
	Match    MatchConfig    `yaml:"match"`
	Game     GameConfig     `yaml:"game"`
	Cache    CacheConfig    `yaml:"cache"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig HTTP 服務設定
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"shutdown_timeout"`
}

// RedisConfig 空的 Addr 代表使用記憶體儲存（單機開發）
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size" envconfig:"pool_size"`
}

// PostgresConfig 空的 Host 且未設定 DATABASE_URL 時使用記憶體儲存
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	MaxConns int32  `yaml:"max_conns" envconfig:"max_conns"`
	MinConns int32  `yaml:"min_conns" envconfig:"min_conns"`
}

// NATSConfig 空的 URL 代表不發布事件
type NATSConfig struct {
	URL      string        `yaml:"url"`
	Stream   string        `yaml:"stream"`
	Subjects []string      `yaml:"subjects"`
	MaxAge   time.Duration `yaml:"max_age" envconfig:"max_age"`
}

// AuthConfig 身份驗證設定
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" envconfig:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// RegistryConfig 連線註冊表設定
type RegistryConfig struct {
	MaxConnections         int `yaml:"max_connections" envconfig:"max_connections"`
	MaxConnectionsPerLobby int `yaml:"max_connections_per_lobby" envconfig:"max_connections_per_lobby"`
	SendBuffer             int `yaml:"send_buffer" envconfig:"send_buffer"`

	// 每條連線的即時事件速率（每秒）與突發上限
	MessageRate  int64 `yaml:"message_rate" envconfig:"message_rate"`
	MessageBurst int64 `yaml:"message_burst" envconfig:"message_burst"`

	// 單一訊息處理（含儲存層）的期限
	MessageTimeout time.Duration `yaml:"message_timeout" envconfig:"message_timeout"`
}

// QueueConfig 配對佇列設定
type QueueConfig struct {
	LeaveCooldown   time.Duration `yaml:"leave_cooldown" envconfig:"leave_cooldown"`
	AbandonCooldown time.Duration `yaml:"abandon_cooldown" envconfig:"abandon_cooldown"`
}

// MatchConfig 配對流程設定
type MatchConfig struct {
	Interval      time.Duration `yaml:"interval"`
	HealthTimeout time.Duration `yaml:"health_timeout" envconfig:"health_timeout"`
}

// GameConfig 對局設定
type GameConfig struct {
	Rounds          int           `yaml:"rounds"`
	QuestionTimeout time.Duration `yaml:"question_timeout" envconfig:"question_timeout"`
	RoundInterval   time.Duration `yaml:"round_interval" envconfig:"round_interval"`
	StartCountdown  time.Duration `yaml:"start_countdown" envconfig:"start_countdown"`
	ReconnectWindow time.Duration `yaml:"reconnect_window" envconfig:"reconnect_window"`
	LobbyTTL        time.Duration `yaml:"lobby_ttl" envconfig:"lobby_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" envconfig:"cleanup_interval"`
}

// CacheConfig 房間快取設定
type CacheConfig struct {
	TTL  time.Duration `yaml:"ttl"`
	Size int           `yaml:"size"`
}

// LogConfig 日誌設定
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default 預設配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{PoolSize: 10},
		Postgres: PostgresConfig{
			Port:     5432,
			MaxConns: 10,
			MinConns: 2,
		},
		NATS: NATSConfig{
			Stream:   "ARENA",
			Subjects: []string{"arena.>"},
			MaxAge:   7 * 24 * time.Hour,
		},
		Auth: AuthConfig{Issuer: "quiz-arena"},
		Registry: RegistryConfig{
			MaxConnections:         10000,
			MaxConnectionsPerLobby: 10,
			SendBuffer:             256,
			MessageRate:            30,
			MessageBurst:           60,
			MessageTimeout:         5 * time.Second,
		},
		Queue: QueueConfig{
			LeaveCooldown:   5 * time.Second,
			AbandonCooldown: 60 * time.Second,
		},
		Match: MatchConfig{
			Interval:      time.Second,
			HealthTimeout: 2 * time.Second,
		},
		Game: GameConfig{
			Rounds:          15,
			QuestionTimeout: 15 * time.Second,
			RoundInterval:   3 * time.Second,
			StartCountdown:  3 * time.Second,
			ReconnectWindow: 30 * time.Second,
			LobbyTTL:        30 * time.Minute,
			CleanupInterval: time.Minute,
		},
		Cache: CacheConfig{
			TTL:  5 * time.Second,
			Size: 10000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load 讀取設定檔（可為空）並套用環境變數
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 - 路徑來自命令列參數
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查設定值
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Registry.MaxConnections <= 0 || c.Registry.MaxConnectionsPerLobby <= 0 {
		errs = append(errs, errors.New("registry limits must be positive"))
	}
	if c.Registry.MaxConnectionsPerLobby < 2 {
		errs = append(errs, errors.New("registry.max_connections_per_lobby must allow both players"))
	}
	if c.Registry.MessageTimeout <= 0 {
		errs = append(errs, errors.New("registry.message_timeout must be positive"))
	}
	if c.Game.Rounds <= 0 {
		errs = append(errs, errors.New("game.rounds must be positive"))
	}
	if c.Game.QuestionTimeout <= 0 {
		errs = append(errs, errors.New("game.question_timeout must be positive"))
	}
	if c.Cache.TTL <= 0 || c.Cache.Size <= 0 {
		errs = append(errs, errors.New("cache ttl and size must be positive"))
	}
	if c.Match.Interval <= 0 || c.Match.HealthTimeout <= 0 {
		errs = append(errs, errors.New("match interval and health_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// PostgresEnabled 是否設定了 PostgreSQL
func (c *Config) PostgresEnabled() bool {
	return os.Getenv("DATABASE_URL") != "" || c.Postgres.Host != ""
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
	)
}
