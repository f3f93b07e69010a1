// Package config loads daemon settings from the environment and an optional .env file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"idemcore/internal/shared"
	"idemcore/pkg/retry"
)

// Config holds application configuration values.
type Config struct {
	Env string `validate:"required,oneof=dev prod"`
	Log struct {
		ConsoleLevel string `validate:"required,oneof=debug info warn error"`
		FileLevel    string `validate:"required,oneof=debug info warn error"`
		File         string
	}
	Admin struct {
		Addr string `validate:"required"`
	}
	Retry struct {
		MaxAttempts int           `validate:"min=1,max=100"`
		BaseDelay   time.Duration `validate:"gt=0"`
		Strategy    string        `validate:"required,oneof=fixed linear exponential"`
		Jitter      bool
		MaxDelay    time.Duration `validate:"gte=0"`
	}
	// PolicyFile is an optional YAML policy catalog
	PolicyFile  string
	Idempotency struct {
		Retention     time.Duration `validate:"gte=0"`
		SweepSchedule string        `validate:"required"`
	}
	Journal struct {
		Driver      string        `validate:"required,oneof=none sqlite postgres"`
		SQLitePath  string        `validate:"required_if=Driver sqlite"`
		PostgresDSN string        `validate:"required_if=Driver postgres"`
		PruneAfter  time.Duration `validate:"gte=0"`
	}
	Chaos struct {
		Enabled        bool
		CanarySchedule string
	}
	Tracing struct {
		Enabled bool
	}
	// Probes maps capability names to HTTP health endpoints
	Probes map[string]string `validate:"dive,keys,required,endkeys,url"`
}

var validate = validator.New()

// Load reads configuration from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var c Config
	var errs []error
	c.Env = getenv("ENV", "prod")
	c.Log.ConsoleLevel = strings.ToLower(getenv("LOG_CONSOLE_LEVEL", "info"))
	c.Log.FileLevel = strings.ToLower(getenv("LOG_FILE_LEVEL", "debug"))
	c.Log.File = getenv("LOG_FILE", "data/logs/idemcored.log")
	c.Admin.Addr = getenv("ADMIN_ADDR", ":8080")

	c.Retry.MaxAttempts = getInt("RETRY_MAX_ATTEMPTS", 3, &errs)
	c.Retry.BaseDelay = getDuration("RETRY_BASE_DELAY", 100*time.Millisecond, &errs)
	c.Retry.Strategy = strings.ToLower(getenv("RETRY_STRATEGY", "exponential"))
	c.Retry.Jitter = getBool("RETRY_JITTER", false, &errs)
	c.Retry.MaxDelay = getDuration("RETRY_MAX_DELAY", 30*time.Second, &errs)
	c.PolicyFile = os.Getenv("POLICY_FILE")

	c.Idempotency.Retention = getDuration("IDEMPOTENCY_RETENTION", 15*time.Minute, &errs)
	c.Idempotency.SweepSchedule = getenv("SWEEP_SCHEDULE", "@every 1m")

	c.Journal.Driver = strings.ToLower(getenv("JOURNAL_DRIVER", "none"))
	c.Journal.SQLitePath = getenv("JOURNAL_SQLITE_PATH", "data/journal.db")
	c.Journal.PostgresDSN = os.Getenv("JOURNAL_PG_DSN")
	c.Journal.PruneAfter = getDuration("JOURNAL_PRUNE_AFTER", 7*24*time.Hour, &errs)

	c.Chaos.Enabled = getBool("CHAOS_ENABLED", false, &errs)
	c.Chaos.CanarySchedule = os.Getenv("CANARY_SCHEDULE")
	c.Tracing.Enabled = getBool("TRACING_ENABLED", false, &errs)
	c.Probes = getPairs("CAPABILITY_PROBES", &errs)

	if len(errs) > 0 {
		return Config{}, errs[0]
	}
	if err := validate.Struct(c); err != nil {
		return Config{}, shared.Wrap(shared.MarkKind(err, shared.KindValidation), "config")
	}
	if c.Env == "prod" && c.Chaos.Enabled {
		return Config{}, shared.Validationf("config: CHAOS_ENABLED is not allowed when ENV=prod")
	}
	return c, nil
}

// RetryPolicy returns the default retry policy described by the configuration.
func (c Config) RetryPolicy() (retry.Policy, error) {
	strategy, err := retry.ParseStrategy(c.Retry.Strategy)
	if err != nil {
		return retry.Policy{}, err
	}
	p := retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		Strategy:    strategy,
		Jitter:      c.Retry.Jitter,
		MaxDelay:    c.Retry.MaxDelay,
	}
	return p, p.Validate()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getInt(k string, def int, errs *[]error) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, shared.Validationf("config: %s: %v", k, err))
		return def
	}
	return n
}

func getBool(k string, def bool, errs *[]error) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, shared.Validationf("config: %s: %v", k, err))
		return def
	}
	return b
}

func getDuration(k string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, shared.Validationf("config: %s: %v", k, err))
		return def
	}
	return d
}

// getPairs parses "name=value,name2=value2".
func getPairs(k string, errs *[]error) map[string]string {
	v := os.Getenv(k)
	if v == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			*errs = append(*errs, shared.Validationf("config: %s: %q is not name=value", k, pair))
			continue
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return out
}
