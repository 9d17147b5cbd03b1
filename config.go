package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"merkle-vesting-service/events"
	"merkle-vesting-service/service"
	"merkle-vesting-service/vesting"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`

	AllocationsFile   string `yaml:"allocations_file"`
	AllocationsFormat string `yaml:"allocations_format"`

	PoolAccount   string   `yaml:"pool_account"`
	FundPool      bool     `yaml:"fund_pool"`
	AdminAccounts []string `yaml:"admin_accounts"`
	PolicyFile    string   `yaml:"policy_file"`

	Schedule      vesting.Schedule `yaml:"schedule"`
	ClaimDeadline time.Time        `yaml:"claim_deadline"`

	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RedisStream   string        `yaml:"redis_stream"`
	PostgresDSN   string        `yaml:"postgres_dsn"`
	RelayInterval time.Duration `yaml:"relay_interval"`

	LogLevel string `yaml:"log_level"`
}

func defaultConfig() Config {
	return Config{
		Port:              8090,
		AllocationsFormat: service.FormatBalanceMap,
		Schedule:          vesting.Schedule{PeriodUnit: vesting.Day},
		RedisStream:       events.DefaultStream,
		RelayInterval:     time.Second,
		LogLevel:          "info",
	}
}

// LoadConfig applies defaults, then the YAML file at path if any, then
// environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config load: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config unmarshal: %w", err)
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(c *Config) error {
	c.Port = envIntDefault("PORT", c.Port)
	c.DataDir = envDefault("DATA_DIR", c.DataDir)
	c.AllocationsFile = envDefault("ALLOCATIONS_FILE", c.AllocationsFile)
	c.AllocationsFormat = envDefault("ALLOCATIONS_FORMAT", c.AllocationsFormat)
	c.PoolAccount = envDefault("POOL_ACCOUNT", c.PoolAccount)
	c.FundPool = envBoolDefault("FUND_POOL", c.FundPool)
	if v := os.Getenv("ADMIN_ACCOUNTS"); v != "" {
		c.AdminAccounts = splitList(v)
	}
	c.PolicyFile = envDefault("POLICY_FILE", c.PolicyFile)

	if v := os.Getenv("UPFRONT_PCT"); v != "" {
		pct, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("UPFRONT_PCT: %w", err)
		}
		c.Schedule.UpfrontPct = pct
	}
	if v := os.Getenv("PERIOD_UNIT"); v != "" {
		unit, err := vesting.ParsePeriodUnit(v)
		if err != nil {
			return fmt.Errorf("PERIOD_UNIT: %w", err)
		}
		c.Schedule.PeriodUnit = unit
	}
	c.Schedule.DurationInPeriods = uint32(envIntDefault("DURATION_PERIODS", int(c.Schedule.DurationInPeriods)))
	c.Schedule.CliffInPeriods = uint32(envIntDefault("CLIFF_PERIODS", int(c.Schedule.CliffInPeriods)))
	if v := os.Getenv("CLAIM_DEADLINE"); v != "" {
		deadline, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fmt.Errorf("CLAIM_DEADLINE: %w", err)
		}
		c.ClaimDeadline = deadline
	}

	c.RedisAddr = envDefault("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = envDefault("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = envIntDefault("REDIS_DB", c.RedisDB)
	c.RedisStream = envDefault("REDIS_STREAM", c.RedisStream)
	c.PostgresDSN = envDefault("POSTGRES_DSN", c.PostgresDSN)
	if v := os.Getenv("RELAY_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("RELAY_INTERVAL: %w", err)
		}
		c.RelayInterval = d
	}
	c.LogLevel = envDefault("LOG_LEVEL", c.LogLevel)
	return nil
}

func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.AllocationsFile == "" {
		return errors.New("allocations_file is required")
	}
	if !common.IsHexAddress(c.PoolAccount) {
		return fmt.Errorf("invalid pool_account %q", c.PoolAccount)
	}
	for _, a := range c.AdminAccounts {
		if !common.IsHexAddress(a) {
			return fmt.Errorf("invalid admin account %q", a)
		}
	}
	return c.Schedule.Validate()
}

func (c Config) Pool() common.Address {
	return common.HexToAddress(c.PoolAccount)
}

func (c Config) Admins() []common.Address {
	out := make([]common.Address, len(c.AdminAccounts))
	for i, a := range c.AdminAccounts {
		out[i] = common.HexToAddress(a)
	}
	return out
}

func envDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}

func envBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return def
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
