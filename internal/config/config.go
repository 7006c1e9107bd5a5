package config

import (
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	// MigrationsDir overrides the embedded SQL migrations when set.
	MigrationsDir    string        `mapstructure:"MIGRATIONS_DIR"`
	ProcessorsFile   string        `mapstructure:"PROCESSORS_FILE"`
	WorkRoot         string        `mapstructure:"WORK_ROOT"`
	FetchSchedule    string        `mapstructure:"FETCH_SCHEDULE"`
	FetchMaxResults  int           `mapstructure:"FETCH_MAX_RESULTS"`
	WorkerPoolSize   int           `mapstructure:"WORKER_POOL_SIZE"`
	TransportTimeout time.Duration `mapstructure:"TRANSPORT_TIMEOUT"`
	WatchDropBox     bool          `mapstructure:"WATCH_DROPBOX"`
	AuthIssuer       string        `mapstructure:"AUTH_ISSUER"`
	AuthSigningKey   string        `mapstructure:"AUTH_SIGNING_KEY"`
	RateLimitRPS     float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst   int           `mapstructure:"RATE_LIMIT_BURST"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("PROCESSORS_FILE", "processors.yaml")
	v.SetDefault("WORK_ROOT", "/var/lib/labsync")
	v.SetDefault("FETCH_SCHEDULE", "*/15 * * * *")
	v.SetDefault("FETCH_MAX_RESULTS", 50)
	v.SetDefault("WORKER_POOL_SIZE", 4)
	v.SetDefault("TRANSPORT_TIMEOUT", "15s")
	v.SetDefault("WATCH_DROPBOX", false)
	v.SetDefault("AUTH_ISSUER", "labsync")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("MIGRATIONS_DIR")
	v.BindEnv("PROCESSORS_FILE")
	v.BindEnv("WORK_ROOT")
	v.BindEnv("FETCH_SCHEDULE")
	v.BindEnv("FETCH_MAX_RESULTS")
	v.BindEnv("WORKER_POOL_SIZE")
	v.BindEnv("TRANSPORT_TIMEOUT")
	v.BindEnv("WATCH_DROPBOX")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_SIGNING_KEY")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.IsDev() {
		log.Println("WARNING: ENV=development, the admin API accepts unauthenticated requests.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesDatabase reports whether processor and result stores live in Postgres.
// Without DATABASE_URL the processor file and in-memory result ledger are used.
func (c *Config) UsesDatabase() bool {
	return c.DatabaseURL != ""
}

// Validate checks that the configuration is safe to run. Outside development
// AUTH_SIGNING_KEY must be set so that the admin API enforces bearer tokens.
func (c *Config) Validate() error {
	if c.Env != "development" && c.Env != "production" {
		return fmt.Errorf("ENV must be \"development\" or \"production\", got %q", c.Env)
	}
	if !c.IsDev() && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters when ENV=%q", c.Env)
	}
	if c.FetchMaxResults <= 0 {
		return fmt.Errorf("FETCH_MAX_RESULTS must be positive, got %d", c.FetchMaxResults)
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("WORKER_POOL_SIZE must be positive, got %d", c.WorkerPoolSize)
	}
	if c.TransportTimeout <= 0 {
		return fmt.Errorf("TRANSPORT_TIMEOUT must be positive, got %s", c.TransportTimeout)
	}
	if c.WorkRoot == "" {
		return fmt.Errorf("WORK_ROOT is required")
	}
	if c.FetchSchedule != "" {
		if err := validateCron(c.FetchSchedule); err != nil {
			return fmt.Errorf("FETCH_SCHEDULE %q is not a valid cron expression: %w", c.FetchSchedule, err)
		}
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}

// validateCron parses expr with the same parser the fetch scheduler uses.
func validateCron(expr string) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	defer s.Shutdown()
	_, err = s.NewJob(gocron.CronJob(expr, false), gocron.NewTask(func() {}))
	return err
}
