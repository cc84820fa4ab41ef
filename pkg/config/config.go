// Package config loads fabric configuration from defaults, an optional YAML
// file and FABRIC_* environment variables, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/eventfabric/pkg/observability"
	"github.com/Mindburn-Labs/eventfabric/pkg/snapshot"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the complete fabric configuration.
type Config struct {
	Bus           BusConfig            `yaml:"bus"`
	Breaker       BreakerConfig        `yaml:"breaker"`
	Pheromone     PheromoneConfig      `yaml:"pheromone"`
	Desire        DesireConfig         `yaml:"desire"`
	Router        RouterConfig         `yaml:"router"`
	Quarantine    QuarantineConfig     `yaml:"quarantine"`
	RateLimit     RateLimitConfig      `yaml:"rate_limit"`
	Filters       []FilterConfig       `yaml:"filters"`
	Schemas       map[string]string    `yaml:"schemas"` // channel -> JSON schema file
	Fingerprint   bool                 `yaml:"fingerprint"`
	Observability observability.Config `yaml:"observability"`
	Snapshot      SnapshotConfig       `yaml:"snapshot"`
	Log           LogConfig            `yaml:"log"`
	HTTP          HTTPConfig           `yaml:"http"`
}

// BusConfig tunes the priority scheduler and load shedding.
type BusConfig struct {
	TickInterval     time.Duration `yaml:"tick_interval"`
	BatchSize        int           `yaml:"batch_size"`
	TickBudget       int           `yaml:"tick_budget"`
	FairnessEvery    int           `yaml:"fairness_every"`
	QueueCapacity    int           `yaml:"queue_capacity"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
	ShedLevel        int           `yaml:"shed_level"`
	AutoPressure     bool          `yaml:"auto_pressure"`
	PressureInterval time.Duration `yaml:"pressure_interval"`
	PressureAlpha    float64       `yaml:"pressure_alpha"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// PheromoneConfig selects the trail backend and decay parameters.
type PheromoneConfig struct {
	Backend             string        `yaml:"backend"` // "memory" | "redis"
	HalfLife            time.Duration `yaml:"half_life"`
	ReputationHalfLife  time.Duration `yaml:"reputation_half_life"`
	EvaporationFactor   float64       `yaml:"evaporation_factor"`
	EvaporationFloor    float64       `yaml:"evaporation_floor"`
	EvaporationInterval time.Duration `yaml:"evaporation_interval"`
	MaxSamplesPerKey    int           `yaml:"max_samples_per_key"`
	Redis               RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type DesireConfig struct {
	PaveThreshold int `yaml:"pave_threshold"`
}

type RouterConfig struct {
	ReliabilityWeight float64       `yaml:"reliability_weight"`
	LatencyWeight     float64       `yaml:"latency_weight"`
	CostWeight        float64       `yaml:"cost_weight"`
	LatencyScale      time.Duration `yaml:"latency_scale"`
	PressureWeight    float64       `yaml:"pressure_weight"`
	PavedBonus        float64       `yaml:"paved_bonus"`
	PruneCutoff       float64       `yaml:"prune_cutoff"`
	OptimizeInterval  time.Duration `yaml:"optimize_interval"`
}

// QuarantineConfig guards critical channels. JWTKey enables signature
// verification of the signature metadata.
type QuarantineConfig struct {
	Enabled          bool     `yaml:"enabled"`
	CriticalChannels []string `yaml:"critical_channels"`
	UntrustedSources []string `yaml:"untrusted_sources"`
	JWTKey           string   `yaml:"jwt_key"`
	JWTIssuer        string   `yaml:"jwt_issuer"`
}

type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

// FilterConfig is a named CEL expression envelopes must satisfy.
type FilterConfig struct {
	Name string `yaml:"name"`
	Expr string `yaml:"expr"`
}

type SnapshotConfig struct {
	Dialect        string              `yaml:"dialect"`
	DSN            string              `yaml:"dsn"`
	RestoreOnBoot  bool                `yaml:"restore_on_boot"`
	SaveOnShutdown bool                `yaml:"save_on_shutdown"`
	Sink           snapshot.SinkConfig `yaml:"sink"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

type HTTPConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// Default returns a configuration that boots an in-memory fabric.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			TickInterval:     5 * time.Millisecond,
			BatchSize:        64,
			TickBudget:       256,
			FairnessEvery:    4,
			QueueCapacity:    1024,
			SubscriberBuffer: 256,
			ShedLevel:        70,
			PressureInterval: time.Second,
			PressureAlpha:    0.3,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     10 * time.Second,
		},
		Pheromone: PheromoneConfig{
			Backend:             "memory",
			HalfLife:            24 * time.Hour,
			ReputationHalfLife:  30 * 24 * time.Hour,
			EvaporationFactor:   0.9,
			EvaporationFloor:    0.1,
			EvaporationInterval: time.Minute,
			MaxSamplesPerKey:    512,
			Redis:               RedisConfig{Addr: "localhost:6379", Prefix: "eventfabric"},
		},
		Desire: DesireConfig{PaveThreshold: 100},
		Router: RouterConfig{
			ReliabilityWeight: 0.5,
			LatencyWeight:     0.3,
			CostWeight:        0.2,
			LatencyScale:      100 * time.Millisecond,
			PressureWeight:    1,
			PavedBonus:        1.25,
			PruneCutoff:       0.05,
			OptimizeInterval:  30 * time.Second,
		},
		RateLimit:     RateLimitConfig{RPS: 100, Burst: 200},
		Observability: *observability.DefaultConfig(),
		Snapshot: SnapshotConfig{
			Dialect: "sqlite",
			DSN:     "file:fabric.db",
		},
		Log: LogConfig{Level: "info", Format: "json"},
		HTTP: HTTPConfig{
			Addr:              ":9090",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
	}
}

// LoadFile merges the YAML document at path over c. Unknown keys are errors.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from FABRIC_* environment variables.
func (c *Config) ApplyEnv() error {
	e := envReader{}

	e.str("FABRIC_LOG_LEVEL", &c.Log.Level)
	e.str("FABRIC_LOG_FORMAT", &c.Log.Format)
	e.str("FABRIC_HTTP_ADDR", &c.HTTP.Addr)

	e.duration("FABRIC_TICK_INTERVAL", &c.Bus.TickInterval)
	e.integer("FABRIC_QUEUE_CAPACITY", &c.Bus.QueueCapacity)
	e.integer("FABRIC_SHED_LEVEL", &c.Bus.ShedLevel)
	e.boolean("FABRIC_AUTO_PRESSURE", &c.Bus.AutoPressure)

	e.integer("FABRIC_BREAKER_THRESHOLD", &c.Breaker.FailureThreshold)
	e.duration("FABRIC_BREAKER_RESET", &c.Breaker.ResetTimeout)

	e.str("FABRIC_PHEROMONE_BACKEND", &c.Pheromone.Backend)
	e.duration("FABRIC_HALF_LIFE", &c.Pheromone.HalfLife)
	e.float("FABRIC_EVAPORATION_FACTOR", &c.Pheromone.EvaporationFactor)
	e.str("FABRIC_REDIS_ADDR", &c.Pheromone.Redis.Addr)
	e.str("FABRIC_REDIS_PASSWORD", &c.Pheromone.Redis.Password)
	e.integer("FABRIC_REDIS_DB", &c.Pheromone.Redis.DB)

	e.integer("FABRIC_PAVE_THRESHOLD", &c.Desire.PaveThreshold)

	e.boolean("FABRIC_QUARANTINE_ENABLED", &c.Quarantine.Enabled)
	e.list("FABRIC_CRITICAL_CHANNELS", &c.Quarantine.CriticalChannels)
	e.list("FABRIC_UNTRUSTED_SOURCES", &c.Quarantine.UntrustedSources)
	e.str("FABRIC_JWT_KEY", &c.Quarantine.JWTKey)
	e.str("FABRIC_JWT_ISSUER", &c.Quarantine.JWTIssuer)

	e.boolean("FABRIC_RATE_LIMIT_ENABLED", &c.RateLimit.Enabled)
	e.float("FABRIC_RATE_LIMIT_RPS", &c.RateLimit.RPS)

	e.boolean("FABRIC_OTEL_ENABLED", &c.Observability.Enabled)
	e.str("FABRIC_OTLP_ENDPOINT", &c.Observability.OTLPEndpoint)

	e.str("FABRIC_SNAPSHOT_DIALECT", &c.Snapshot.Dialect)
	e.str("FABRIC_SNAPSHOT_DSN", &c.Snapshot.DSN)
	e.boolean("FABRIC_SNAPSHOT_RESTORE", &c.Snapshot.RestoreOnBoot)
	e.boolean("FABRIC_SNAPSHOT_SAVE", &c.Snapshot.SaveOnShutdown)

	return errors.Join(e.errs...)
}

type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(key, v string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, v, err))
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}

// Validate reports every out-of-range value, each wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Bus.TickInterval > 0, "bus.tick_interval must be positive")
	check(c.Bus.BatchSize > 0, "bus.batch_size must be positive")
	check(c.Bus.TickBudget > 0, "bus.tick_budget must be positive")
	check(c.Bus.QueueCapacity > 0, "bus.queue_capacity must be positive")
	check(c.Bus.SubscriberBuffer > 0, "bus.subscriber_buffer must be positive")
	check(c.Bus.ShedLevel >= 0 && c.Bus.ShedLevel <= 100, "bus.shed_level %d outside 0..100", c.Bus.ShedLevel)
	check(c.Bus.PressureAlpha > 0 && c.Bus.PressureAlpha <= 1, "bus.pressure_alpha must be in (0, 1]")
	check(!c.Bus.AutoPressure || c.Bus.PressureInterval > 0, "bus.pressure_interval must be positive with auto_pressure")

	check(c.Breaker.FailureThreshold > 0, "breaker.failure_threshold must be positive")
	check(c.Breaker.ResetTimeout > 0, "breaker.reset_timeout must be positive")

	switch c.Pheromone.Backend {
	case "memory":
	case "redis":
		check(c.Pheromone.Redis.Addr != "", "pheromone.redis.addr is required for the redis backend")
	default:
		check(false, "pheromone.backend %q is not memory or redis", c.Pheromone.Backend)
	}
	check(c.Pheromone.HalfLife > 0, "pheromone.half_life must be positive")
	check(c.Pheromone.ReputationHalfLife > 0, "pheromone.reputation_half_life must be positive")
	check(c.Pheromone.EvaporationFactor > 0 && c.Pheromone.EvaporationFactor <= 1, "pheromone.evaporation_factor must be in (0, 1]")
	check(c.Pheromone.EvaporationFloor >= 0, "pheromone.evaporation_floor must not be negative")
	check(c.Pheromone.MaxSamplesPerKey > 0, "pheromone.max_samples_per_key must be positive")

	check(c.Desire.PaveThreshold > 0, "desire.pave_threshold must be positive")

	r := c.Router
	check(r.ReliabilityWeight >= 0 && r.LatencyWeight >= 0 && r.CostWeight >= 0, "router weights must not be negative")
	check(r.ReliabilityWeight+r.LatencyWeight+r.CostWeight > 0, "router weights must not all be zero")
	check(r.LatencyScale > 0, "router.latency_scale must be positive")
	check(r.PavedBonus >= 1, "router.paved_bonus must be at least 1")
	check(r.PruneCutoff >= 0, "router.prune_cutoff must not be negative")

	if c.RateLimit.Enabled {
		check(c.RateLimit.RPS > 0, "rate_limit.rps must be positive")
		check(c.RateLimit.Burst > 0, "rate_limit.burst must be positive")
	}
	for i, f := range c.Filters {
		check(f.Name != "" && f.Expr != "", "filters[%d] needs a name and an expr", i)
	}

	if c.Snapshot.RestoreOnBoot || c.Snapshot.SaveOnShutdown {
		_, err := snapshot.ParseDialect(c.Snapshot.Dialect)
		check(err == nil, "snapshot.dialect %q is not sqlite or postgres", c.Snapshot.Dialect)
		check(c.Snapshot.DSN != "", "snapshot.dsn is required")
	}

	_, err := ParseLevel(c.Log.Level)
	check(err == nil, "log.level %q is not debug, info, warn or error", c.Log.Level)
	check(c.Log.Format == "json" || c.Log.Format == "text", "log.format %q is not json or text", c.Log.Format)
	check(c.HTTP.Addr != "", "http.addr is required")

	return errors.Join(errs...)
}

// Load returns defaults merged with the file at path (when non-empty) and
// the environment, validated.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		if err := c.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := c.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s))))
	return l, err
}

// NewLogger builds the process logger described by l.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
