// Package config loads the tracker configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"delivery-tracker/internal/microservices/tracker/eta"
	"delivery-tracker/internal/microservices/tracker/live"
	"delivery-tracker/internal/microservices/tracker/route"
)

// Store backends for the tracking side.
const (
	SourcePostgres = "postgres"
	SourceRabbitMQ = "rabbitmq"
	SourceMemory   = "memory"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	HTTP     HTTPConfig     `yaml:"http"`
	Live     LiveConfig     `yaml:"live"`
	Tracking TrackingConfig `yaml:"tracking"`
	Route    RouteConfig    `yaml:"route"`
	Admin    AdminConfig    `yaml:"admin"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Log      LogConfig      `yaml:"log"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host" env:"DB_HOST"`
	Port     int    `yaml:"port" env:"DB_PORT"`
	User     string `yaml:"user" env:"DB_USER"`
	Password string `yaml:"password" env:"DB_PASSWORD"`
	Database string `yaml:"database" env:"DB_NAME"`
	SSLMode  string `yaml:"sslmode" env:"DB_SSLMODE"`
	// MaxConns bounds the pool. Live subscriptions share one extra listener
	// connection outside it.
	MaxConns int32 `yaml:"max_conns" env:"DB_MAX_CONNS"`
}

func (c DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.Database,
	}
	q := u.Query()
	q.Set("sslmode", c.SSLMode)
	if c.MaxConns > 0 {
		q.Set("pool_max_conns", fmt.Sprint(c.MaxConns))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type RabbitMQConfig struct {
	Host     string `yaml:"host" env:"RABBITMQ_HOST"`
	Port     int    `yaml:"port" env:"RABBITMQ_PORT"`
	User     string `yaml:"user" env:"RABBITMQ_USER"`
	Password string `yaml:"password" env:"RABBITMQ_PASSWORD"`
	VHost    string `yaml:"vhost" env:"RABBITMQ_VHOST"`
	UseTLS   bool   `yaml:"tls" env:"RABBITMQ_TLS"`
	Exchange string `yaml:"exchange" env:"RABBITMQ_EXCHANGE"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"HTTP_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AllowedOrigins for the WebSocket upgrade; empty allows same origin only.
	AllowedOrigins []string `yaml:"allowed_origins" env:"HTTP_ALLOWED_ORIGINS"`
}

type LiveConfig struct {
	// Source is the order store the tracking sessions read: postgres,
	// rabbitmq or memory.
	Source     string        `yaml:"source" env:"LIVE_SOURCE"`
	Buffer     int           `yaml:"buffer"`
	Initial    time.Duration `yaml:"backoff_initial"`
	Max        time.Duration `yaml:"backoff_max"`
	Multiplier float64       `yaml:"backoff_multiplier"`
	Jitter     float64       `yaml:"backoff_jitter"`
}

func (c LiveConfig) Backoff() live.BackoffConfig {
	return live.BackoffConfig{Initial: c.Initial, Max: c.Max, Multiplier: c.Multiplier, Jitter: c.Jitter}
}

type TrackingConfig struct {
	TotalTravelMinutes int           `yaml:"total_travel_minutes"`
	ETATolerance       int           `yaml:"eta_tolerance_minutes"`
	DecrementEvery     time.Duration `yaml:"eta_decrement_every"`
	MaxLocalDrift      int           `yaml:"eta_max_local_drift_minutes"`
	StaleAfter         time.Duration `yaml:"eta_stale_after"`
	// ETATick is how often an open session re-evaluates its local countdown.
	ETATick time.Duration `yaml:"eta_tick"`
}

func (c TrackingConfig) ETA() eta.Config {
	return eta.Config{
		TotalTravelMinutes: c.TotalTravelMinutes,
		Tolerance:          c.ETATolerance,
		DecrementEvery:     c.DecrementEvery,
		MaxLocalDrift:      c.MaxLocalDrift,
		StaleAfter:         c.StaleAfter,
	}
}

type RouteConfig struct {
	Name   string       `yaml:"name"`
	Points [][2]float64 `yaml:"points"`
}

// Build returns the configured route, or the default city route when no
// points are set.
func (c RouteConfig) Build() (*route.Route, error) {
	if len(c.Points) == 0 {
		return route.Default(), nil
	}
	pts := make([]route.Point, len(c.Points))
	for i, p := range c.Points {
		pts[i] = route.Point{X: p[0], Y: p[1]}
	}
	return route.New(c.Name, pts...)
}

type AdminConfig struct {
	// Token guards the admin mutation endpoints. Empty disables them.
	Token string `yaml:"token" env:"ADMIN_TOKEN"`
}

// DispatchConfig drives the automated rider. When enabled, serve consumes
// placed orders from the update exchange.
type DispatchConfig struct {
	Enabled       bool          `yaml:"enabled" env:"DISPATCH_ENABLED"`
	Queue         string        `yaml:"queue"`
	Workers       int           `yaml:"workers"`
	RiderName     string        `yaml:"rider_name"`
	StepDelay     time.Duration `yaml:"step_delay"`
	ProgressStep  float64       `yaml:"progress_step"`
	ProgressEvery time.Duration `yaml:"progress_every"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

func Default() *Config {
	etaDefaults := eta.DefaultConfig()
	bo := live.DefaultBackoff()
	return &Config{
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "tracker",
			Password: "tracker",
			Database: "tracker",
			SSLMode:  "disable",
			MaxConns: 20,
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			User:     "guest",
			Password: "guest",
			VHost:    "/",
			Exchange: "order_updates",
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Live: LiveConfig{
			Source:     SourcePostgres,
			Buffer:     16,
			Initial:    bo.Initial,
			Max:        bo.Max,
			Multiplier: bo.Multiplier,
			Jitter:     bo.Jitter,
		},
		Tracking: TrackingConfig{
			TotalTravelMinutes: etaDefaults.TotalTravelMinutes,
			ETATolerance:       etaDefaults.Tolerance,
			DecrementEvery:     etaDefaults.DecrementEvery,
			MaxLocalDrift:      etaDefaults.MaxLocalDrift,
			StaleAfter:         etaDefaults.StaleAfter,
			ETATick:            15 * time.Second,
		},
		Route: RouteConfig{Name: "city"},
		Dispatch: DispatchConfig{
			Queue:         "dispatch_queue",
			Workers:       4,
			RiderName:     "Alex",
			StepDelay:     5 * time.Second,
			ProgressStep:  0.1,
			ProgressEvery: 3 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Database.Host == "" {
		errs = append(errs, errors.New("database.host is required"))
	}
	if c.Database.Port <= 0 {
		errs = append(errs, errors.New("database.port must be positive"))
	}
	switch c.Live.Source {
	case SourcePostgres, SourceMemory:
	case SourceRabbitMQ:
		if c.RabbitMQ.Host == "" {
			errs = append(errs, errors.New("rabbitmq.host is required for live.source rabbitmq"))
		}
		if c.RabbitMQ.Exchange == "" {
			errs = append(errs, errors.New("rabbitmq.exchange is required for live.source rabbitmq"))
		}
	default:
		errs = append(errs, fmt.Errorf("live.source %q is not one of postgres, rabbitmq, memory", c.Live.Source))
	}
	if c.Live.Initial <= 0 || c.Live.Max < c.Live.Initial {
		errs = append(errs, errors.New("live backoff needs 0 < backoff_initial <= backoff_max"))
	}
	if c.Live.Jitter < 0 || c.Live.Jitter >= 1 {
		errs = append(errs, errors.New("live.backoff_jitter must be in [0,1)"))
	}
	if c.Tracking.TotalTravelMinutes <= 0 {
		errs = append(errs, errors.New("tracking.total_travel_minutes must be positive"))
	}
	if c.Tracking.ETATolerance < 0 || c.Tracking.MaxLocalDrift < 0 {
		errs = append(errs, errors.New("tracking eta tolerance and drift must not be negative"))
	}
	if c.Tracking.DecrementEvery <= 0 || c.Tracking.ETATick <= 0 {
		errs = append(errs, errors.New("tracking eta_decrement_every and eta_tick must be positive"))
	}
	if _, err := c.Route.Build(); err != nil {
		errs = append(errs, err)
	}
	if c.Dispatch.ProgressStep <= 0 || c.Dispatch.ProgressStep > 1 {
		errs = append(errs, errors.New("dispatch.progress_step must be in (0,1]"))
	}
	if c.Dispatch.StepDelay < 0 || c.Dispatch.ProgressEvery <= 0 {
		errs = append(errs, errors.New("dispatch.step_delay must not be negative and dispatch.progress_every must be positive"))
	}
	if c.Dispatch.Enabled {
		if c.Dispatch.Workers <= 0 || c.Dispatch.Queue == "" {
			errs = append(errs, errors.New("dispatch needs a queue and at least one worker"))
		}
		if c.RabbitMQ.Host == "" || c.RabbitMQ.Exchange == "" {
			errs = append(errs, errors.New("dispatch.enabled requires rabbitmq.host and rabbitmq.exchange"))
		}
	}
	return errors.Join(errs...)
}

// LoadFromFile reads a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// ParseEnv applies environment overrides on top of cfg.
func ParseEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads path (or the first candidate found by FindConfig when path is
// empty), applies environment overrides and validates the result. Missing
// files are fine when path is empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		if p, err := FindConfig(); err == nil {
			path = p
		}
	}
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func FindConfig() (string, error) {
	candidates := []string{"config.yaml", "deploy/config.example.yaml"}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fs.ErrNotExist
}
