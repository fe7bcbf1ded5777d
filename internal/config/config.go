// Package config loads fieldsyncd settings from the environment and an optional
// YAML policy file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"
	"sigs.k8s.io/yaml"

	"github.com/ambiyansyah-risyal/fieldsync"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config holds daemon configuration.
type Config struct {
	BaseURL        string        `env:"FIELDSYNC_BASE_URL,required" validate:"required,url"`
	APIToken       string        `env:"FIELDSYNC_API_TOKEN"`
	RequestTimeout time.Duration `env:"FIELDSYNC_REQUEST_TIMEOUT" envDefault:"30s" validate:"gt=0"`

	Store       string `env:"FIELDSYNC_STORE" envDefault:"file" validate:"oneof=memory file redis postgres"`
	DataDir     string `env:"FIELDSYNC_DATA_DIR" envDefault:"./data" validate:"required_if=Store file"`
	RedisAddr   string `env:"FIELDSYNC_REDIS_ADDR" validate:"required_if=Store redis"`
	DatabaseURL string `env:"FIELDSYNC_DATABASE_URL" validate:"required_if=Store postgres"`
	KVTable     string `env:"FIELDSYNC_KV_TABLE" envDefault:"fieldsync_kv"`

	AdminAddr    string        `env:"FIELDSYNC_ADMIN_ADDR" envDefault:":8089"`
	SyncInterval time.Duration `env:"FIELDSYNC_SYNC_INTERVAL" envDefault:"5m" validate:"gte=0"`
	LogLevel     string        `env:"FIELDSYNC_LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	PolicyFile   string        `env:"FIELDSYNC_POLICY_FILE"`

	// Policy is read from PolicyFile, not the environment.
	Policy Policy
}

// Policy tunes the request engine. Durations are milliseconds so the file
// stays readable to non-Go tooling.
type Policy struct {
	CacheTTLs         map[string]int64 `json:"cacheTTLs,omitempty" validate:"omitempty,dive,keys,startswith=/,endkeys,gt=0"`
	DefaultCacheTTL   int64            `json:"defaultCacheTTL,omitempty" validate:"gte=0"`
	ThrottleIntervals map[string]int64 `json:"throttleIntervals,omitempty" validate:"omitempty,dive,keys,startswith=/,endkeys,gte=0"`
	ThrottleFloor     *int64           `json:"throttleFloor,omitempty" validate:"omitempty,gte=0"`
	MaxRetries        *int             `json:"maxRetries,omitempty" validate:"omitempty,gte=0,lte=10"`
	BaseDelay         int64            `json:"baseDelay,omitempty" validate:"gte=0"`
	MaxQueueRetries   int              `json:"maxQueueRetries,omitempty" validate:"gte=0"`
	RateLimit         float64          `json:"rateLimit,omitempty" validate:"gte=0"`
	RateBurst         int              `json:"rateBurst,omitempty" validate:"gte=0"`
}

// Load reads configuration from environment variables and, when
// FIELDSYNC_POLICY_FILE is set, the policy file it names.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.PolicyFile != "" {
		policy, err := LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		cfg.Policy = *policy
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadPolicy reads and validates a YAML (or JSON) policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a policy document. Unknown fields are rejected.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.UnmarshalStrict(data, &p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	if err := validator.New().Struct(p); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return &p, nil
}

// Validate checks field constraints, including the policy.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ClientOptions translates the policy into client options. Unset fields keep
// the engine defaults.
func (p Policy) ClientOptions() []fieldsync.Option {
	var opts []fieldsync.Option

	if len(p.CacheTTLs) > 0 || p.DefaultCacheTTL > 0 {
		ttls := fieldsync.DefaultCacheTTLs()
		if len(p.CacheTTLs) > 0 {
			ttls = millisMap(p.CacheTTLs)
		}
		fallback := fieldsync.DefaultCacheTTL
		if p.DefaultCacheTTL > 0 {
			fallback = millis(p.DefaultCacheTTL)
		}
		opts = append(opts, fieldsync.WithCacheTTLs(ttls, fallback))
	}

	if len(p.ThrottleIntervals) > 0 || p.ThrottleFloor != nil {
		intervals := fieldsync.DefaultThrottleIntervals()
		if len(p.ThrottleIntervals) > 0 {
			intervals = millisMap(p.ThrottleIntervals)
		}
		floor := fieldsync.DefaultThrottleFloor
		if p.ThrottleFloor != nil {
			floor = millis(*p.ThrottleFloor)
		}
		opts = append(opts, fieldsync.WithThrottleIntervals(intervals, floor))
	}

	if p.MaxRetries != nil {
		opts = append(opts, fieldsync.WithMaxRetries(*p.MaxRetries))
	}
	if p.BaseDelay > 0 {
		opts = append(opts, fieldsync.WithBaseDelay(millis(p.BaseDelay)))
	}
	if p.RateLimit > 0 {
		burst := p.RateBurst
		if burst <= 0 {
			burst = 1
		}
		opts = append(opts, fieldsync.WithRateLimit(rate.Limit(p.RateLimit), burst))
	}
	return opts
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func millisMap(in map[string]int64) map[string]time.Duration {
	out := make(map[string]time.Duration, len(in))
	for k, v := range in {
		out[k] = millis(v)
	}
	return out
}
