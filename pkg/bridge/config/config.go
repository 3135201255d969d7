// Package config loads the bridge configuration from an HCL file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/robfig/cron/v3"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/tsarna/wsbridge/pkg/bridge/transport/kafka"
	"github.com/tsarna/wsbridge/pkg/bridge/transport/redis"
)

const (
	TransportLocal = "local"
	TransportRedis = "redis"
	TransportKafka = "kafka"
)

// Config is the resolved bridge configuration.
type Config struct {
	Topic     string `validate:"required"`
	Transport string `validate:"oneof=local redis kafka"`

	// transport settings are validated only for the selected transport
	Redis redis.Config `validate:"-"`
	Kafka kafka.Config `validate:"-"`

	Pump      PumpConfig
	HTTP      HTTPConfig
	Stats     StatsConfig
	Telemetry TelemetryConfig
}

type PumpConfig struct {
	PollTimeout   time.Duration `validate:"gt=0"`
	YieldInterval time.Duration `validate:"gte=0"`
	Payload       string        `validate:"oneof=raw json jq"`
	Query         string        `validate:"required_if=Payload jq"`
}

type HTTPConfig struct {
	Listen          string        `validate:"required"`
	Path            string        `validate:"required,startswith=/"`
	PushInterval    time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

// StatsConfig controls the periodic stats log line. An empty schedule
// disables it.
type StatsConfig struct {
	Schedule string
}

// TelemetryConfig enables OTLP export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string
	Insecure    bool
	ServiceName string `validate:"required"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Topic:     "chatter",
		Transport: TransportLocal,
		Redis: redis.Config{
			Addr:        "localhost:6379",
			DialTimeout: 5 * time.Second,
		},
		Kafka: kafka.Config{
			Brokers: []string{"localhost:9092"},
		},
		Pump: PumpConfig{
			PollTimeout:   100 * time.Millisecond,
			YieldInterval: 10 * time.Millisecond,
			Payload:       "json",
		},
		HTTP: HTTPConfig{
			Listen:          ":8000",
			Path:            "/ws",
			PushInterval:    100 * time.Millisecond,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "wsbridge",
		},
	}
}

// fileConfig mirrors the HCL file layout. Durations are strings.
type fileConfig struct {
	Topic     *string `hcl:"topic,optional"`
	Transport *string `hcl:"transport,optional"`

	Redis     *redisBlock     `hcl:"redis,block"`
	Kafka     *kafkaBlock     `hcl:"kafka,block"`
	Pump      *pumpBlock      `hcl:"pump,block"`
	HTTP      *httpBlock      `hcl:"http,block"`
	Stats     *statsBlock     `hcl:"stats,block"`
	Telemetry *telemetryBlock `hcl:"telemetry,block"`
}

type redisBlock struct {
	Addr        *string `hcl:"addr,optional"`
	Username    *string `hcl:"username,optional"`
	Password    *string `hcl:"password,optional"`
	DB          *int    `hcl:"db,optional"`
	DialTimeout *string `hcl:"dial_timeout,optional"`
}

type kafkaBlock struct {
	Brokers []string `hcl:"brokers,optional"`
	GroupID *string  `hcl:"group_id,optional"`
}

type pumpBlock struct {
	PollTimeout   *string `hcl:"poll_timeout,optional"`
	YieldInterval *string `hcl:"yield_interval,optional"`
	Payload       *string `hcl:"payload,optional"`
	Query         *string `hcl:"query,optional"`
}

type httpBlock struct {
	Listen          *string `hcl:"listen,optional"`
	Path            *string `hcl:"path,optional"`
	PushInterval    *string `hcl:"push_interval,optional"`
	WriteTimeout    *string `hcl:"write_timeout,optional"`
	ShutdownTimeout *string `hcl:"shutdown_timeout,optional"`
}

type statsBlock struct {
	Schedule *string `hcl:"schedule,optional"`
}

type telemetryBlock struct {
	Endpoint    *string `hcl:"otlp_endpoint,optional"`
	Insecure    *bool   `hcl:"insecure,optional"`
	ServiceName *string `hcl:"service_name,optional"`
}

// EvalContext is the HCL evaluation context for configuration files. It
// exposes the environment as `env` and a few string functions.
func EvalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": GetEnvObject(),
		},
		Functions: map[string]function.Function{
			"coalesce":  stdlib.CoalesceFunc,
			"format":    stdlib.FormatFunc,
			"join":      stdlib.JoinFunc,
			"lower":     stdlib.LowerFunc,
			"split":     stdlib.SplitFunc,
			"trimspace": stdlib.TrimSpaceFunc,
			"upper":     stdlib.UpperFunc,
		},
	}
}

// Load reads path and applies it on top of Default(). The result is not
// validated; call Validate after applying any overrides.
func Load(path string) (*Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(path, src)
}

// Parse decodes source on top of Default(). Files ending in .json use the
// HCL JSON syntax; anything else is parsed as native HCL.
func Parse(filename string, src []byte) (*Config, error) {
	syntaxName := filename
	if ext := filepath.Ext(filename); ext != ".hcl" && ext != ".json" {
		syntaxName += ".hcl"
	}

	var file fileConfig
	if err := hclsimple.Decode(syntaxName, src, EvalContext(), &file); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := file.applyTo(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	return cfg, nil
}

func (f *fileConfig) applyTo(cfg *Config) error {
	var errs []error

	setString(&cfg.Topic, f.Topic)
	setString(&cfg.Transport, f.Transport)

	if b := f.Redis; b != nil {
		setString(&cfg.Redis.Addr, b.Addr)
		setString(&cfg.Redis.Username, b.Username)
		setString(&cfg.Redis.Password, b.Password)
		if b.DB != nil {
			cfg.Redis.DB = *b.DB
		}
		errs = append(errs, setDuration(&cfg.Redis.DialTimeout, b.DialTimeout, "redis.dial_timeout"))
	}

	if b := f.Kafka; b != nil {
		if b.Brokers != nil {
			cfg.Kafka.Brokers = b.Brokers
		}
		setString(&cfg.Kafka.GroupID, b.GroupID)
	}

	if b := f.Pump; b != nil {
		errs = append(errs,
			setDuration(&cfg.Pump.PollTimeout, b.PollTimeout, "pump.poll_timeout"),
			setDuration(&cfg.Pump.YieldInterval, b.YieldInterval, "pump.yield_interval"),
		)
		setString(&cfg.Pump.Payload, b.Payload)
		setString(&cfg.Pump.Query, b.Query)
	}

	if b := f.HTTP; b != nil {
		setString(&cfg.HTTP.Listen, b.Listen)
		setString(&cfg.HTTP.Path, b.Path)
		errs = append(errs,
			setDuration(&cfg.HTTP.PushInterval, b.PushInterval, "http.push_interval"),
			setDuration(&cfg.HTTP.WriteTimeout, b.WriteTimeout, "http.write_timeout"),
			setDuration(&cfg.HTTP.ShutdownTimeout, b.ShutdownTimeout, "http.shutdown_timeout"),
		)
	}

	if b := f.Stats; b != nil {
		setString(&cfg.Stats.Schedule, b.Schedule)
	}

	if b := f.Telemetry; b != nil {
		setString(&cfg.Telemetry.Endpoint, b.Endpoint)
		setString(&cfg.Telemetry.ServiceName, b.ServiceName)
		if b.Insecure != nil {
			cfg.Telemetry.Insecure = *b.Insecure
		}
	}

	return errors.Join(errs...)
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *string, name string) error {
	if src == nil {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return fmt.Errorf("invalid duration for %s: %w", name, err)
	}
	*dst = d
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// StatsParser parses stats schedules. It accepts standard five-field cron
// specs, an optional leading seconds field and descriptors like "@every 1m".
var StatsParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate checks the configuration, including the settings of the selected
// transport and the stats schedule. The transport name and payload mode are
// case-insensitive and are lower-cased first.
func (c *Config) Validate() error {
	c.normalize()

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch c.Transport {
	case TransportRedis:
		if err := validate.Struct(c.Redis); err != nil {
			return fmt.Errorf("invalid redis configuration: %w", err)
		}
	case TransportKafka:
		if err := validate.Struct(c.Kafka); err != nil {
			return fmt.Errorf("invalid kafka configuration: %w", err)
		}
	}

	if c.Stats.Schedule != "" {
		if _, err := StatsParser.Parse(c.Stats.Schedule); err != nil {
			return fmt.Errorf("invalid stats schedule %q: %w", c.Stats.Schedule, err)
		}
	}

	return nil
}

func (c *Config) normalize() {
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	c.Pump.Payload = strings.ToLower(strings.TrimSpace(c.Pump.Payload))
}
