// internal/common/config/config.go
package config

import (
	"fmt"
	"time"
)

// Config is the main application configuration struct.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Quota       QuotaConfig       `mapstructure:"quota"`
	Entitlement EntitlementConfig `mapstructure:"entitlement"`
	Database    DatabaseConfig    `mapstructure:"database"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// WorkerConfig points at the remote generation worker service.
type WorkerConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
}

// EngineConfig holds the polling schedule and job-lifetime bounds. Polling
// fields are in seconds, MaxJobLifetime in minutes, to keep the YAML flat.
type EngineConfig struct {
	InitialPollDelay   int `mapstructure:"initial_poll_delay"`
	MinPollInterval    int `mapstructure:"min_poll_interval"`
	MaxPollInterval    int `mapstructure:"max_poll_interval"`
	PollCeiling        int `mapstructure:"poll_ceiling"`     // seconds, hard wall-clock ceiling
	MaxJobLifetime     int `mapstructure:"max_job_lifetime"` // minutes, recovery expiry bound
	RecoveryMaxRetries int `mapstructure:"recovery_max_retries"`
}

func (e EngineConfig) InitialPollDelayDuration() time.Duration {
	return time.Duration(e.InitialPollDelay) * time.Second
}
func (e EngineConfig) MinPollIntervalDuration() time.Duration {
	return time.Duration(e.MinPollInterval) * time.Second
}
func (e EngineConfig) MaxPollIntervalDuration() time.Duration {
	return time.Duration(e.MaxPollInterval) * time.Second
}
func (e EngineConfig) PollCeilingDuration() time.Duration {
	return time.Duration(e.PollCeiling) * time.Second
}
func (e EngineConfig) MaxJobLifetimeDuration() time.Duration {
	return time.Duration(e.MaxJobLifetime) * time.Minute
}

// QuotaConfig carries per-plan cycle limits.
type QuotaConfig struct {
	WeeklyLimit      int  `mapstructure:"weekly_limit"`
	MonthlyLimit     int  `mapstructure:"monthly_limit"`
	WeeklyDailyLimit bool `mapstructure:"weekly_daily_limit"`
}

// EntitlementConfig points at the platform purchase authority.
type EntitlementConfig struct {
	AuthorityURL   string `mapstructure:"authority_url"`
	APIKey         string `mapstructure:"api_key"`
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
	CacheTTL       int    `mapstructure:"cache_ttl"`       // seconds
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type HTTPConfig struct {
	ListenAddress  string `mapstructure:"listen_address"`
	MetricsAddress string `mapstructure:"metrics_address"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
