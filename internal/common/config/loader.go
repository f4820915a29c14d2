// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	loadEnvFile()

	// Base config
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("../../configs")
	viper.AddConfigPath(".")

	// Enable ENV override like WORKER_API_KEY
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	// Environment overlay, e.g. config.production.yaml
	envConfigFile := fmt.Sprintf("config.%s", env)
	viper.SetConfigName(envConfigFile)
	_ = viper.MergeInConfig() // ignore error if not found

	expandEnvVars(viper.GetViper())

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadEnvFile tries multiple locations so the daemon and the tests can run
// from different working directories.
func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
		"../../../.env",
	}

	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// Find project root by looking for go.mod
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// expandEnvVars resolves ${VAR} placeholders left in YAML values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		val := v.Get(key)

		if strVal, ok := val.(string); ok {
			if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
				expanded := os.ExpandEnv(strVal)
				if expanded != strVal && expanded != "" {
					v.Set(key, expanded)
				}
			}
		}
	}
}

// overrideEmptyConfig fills secrets from the environment when the YAML left
// them empty.
func overrideEmptyConfig(cfg *Config) {
	if cfg.Worker.APIKey == "" {
		if val := os.Getenv("WORKER_API_KEY"); val != "" {
			cfg.Worker.APIKey = val
		}
	}
	if cfg.Entitlement.APIKey == "" {
		if val := os.Getenv("ENTITLEMENT_API_KEY"); val != "" {
			cfg.Entitlement.APIKey = val
		}
	}
	if cfg.Database.Postgres.Password == "" {
		if val := os.Getenv("POSTGRES_PASSWORD"); val != "" {
			cfg.Database.Postgres.Password = val
		}
	}
	if cfg.Database.Redis.Password == "" {
		if val := os.Getenv("REDIS_PASSWORD"); val != "" {
			cfg.Database.Redis.Password = val
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "generation-core"
	}
	if cfg.App.Environment == "" {
		cfg.App.Environment = "development"
	}
	if cfg.Worker.RequestTimeout == 0 {
		cfg.Worker.RequestTimeout = 30000
	}
	if cfg.Engine.InitialPollDelay == 0 {
		cfg.Engine.InitialPollDelay = 10
	}
	if cfg.Engine.MinPollInterval == 0 {
		cfg.Engine.MinPollInterval = 3
	}
	if cfg.Engine.MaxPollInterval == 0 {
		cfg.Engine.MaxPollInterval = 8
	}
	if cfg.Engine.PollCeiling == 0 {
		cfg.Engine.PollCeiling = 180
	}
	if cfg.Engine.MaxJobLifetime == 0 {
		cfg.Engine.MaxJobLifetime = 59
	}
	if cfg.Engine.RecoveryMaxRetries == 0 {
		cfg.Engine.RecoveryMaxRetries = 3
	}
	if cfg.Quota.WeeklyLimit == 0 {
		cfg.Quota.WeeklyLimit = 7
	}
	if cfg.Quota.MonthlyLimit == 0 {
		cfg.Quota.MonthlyLimit = 30
	}
	if cfg.Entitlement.RequestTimeout == 0 {
		cfg.Entitlement.RequestTimeout = 15000
	}
	if cfg.Entitlement.CacheTTL == 0 {
		cfg.Entitlement.CacheTTL = 300
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
	if cfg.HTTP.ListenAddress == "" {
		cfg.HTTP.ListenAddress = ":8080"
	}
	if cfg.HTTP.MetricsAddress == "" {
		cfg.HTTP.MetricsAddress = ":9090"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Worker.BaseURL == "" {
		return fmt.Errorf("worker.base_url is required")
	}
	if cfg.Engine.PollCeiling >= cfg.Engine.MaxJobLifetime*60 {
		return fmt.Errorf("engine.max_job_lifetime must exceed engine.poll_ceiling")
	}
	if cfg.Engine.MinPollInterval > cfg.Engine.MaxPollInterval {
		return fmt.Errorf("engine.min_poll_interval must not exceed engine.max_poll_interval")
	}
	return nil
}
