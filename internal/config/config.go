package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"` // 0 disables; streams clear their own deadline
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
	ShutdownMS     int    `yaml:"shutdown_timeout_ms"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type User struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Disabled bool   `yaml:"disabled"`
}

type Auth struct {
	SecretKey       string `yaml:"secret_key"`
	Issuer          string `yaml:"issuer"`
	TokenTTLMinutes int    `yaml:"token_ttl_minutes"`
	Users           []User `yaml:"users"`
}

type Limits struct {
	Requests           int  `yaml:"requests"`
	WindowSeconds      int  `yaml:"window_seconds"`
	StoreTimeoutMS     int  `yaml:"store_timeout_ms"`
	ProbeTimeoutMS     int  `yaml:"probe_timeout_ms"`
	FailbackIntervalMS int  `yaml:"failback_interval_ms"` // 0 keeps the startup choice
	TrustForwardedFor  bool `yaml:"trust_forwarded_for"`
	IP                 struct {
		Requests      int `yaml:"requests"`
		WindowSeconds int `yaml:"window_seconds"`
	} `yaml:"ip"`
}

type Redis struct {
	// Addr is host:port or a redis:// URL. Empty runs on local buckets only.
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type Upstream struct {
	BaseURL          string   `yaml:"base_url"`
	APIKey           string   `yaml:"api_key"`
	DefaultModel     string   `yaml:"default_model"`
	MaxTokens        int      `yaml:"max_tokens"`
	Temperature      *float64 `yaml:"temperature"` // nil means 0.7; 0 is kept
	TopP             *float64 `yaml:"top_p"`       // nil means 1.0
	FrequencyPenalty float64  `yaml:"frequency_penalty"`
	PresencePenalty  float64  `yaml:"presence_penalty"`
	TimeoutMS        int      `yaml:"timeout_ms"`
}

type Relay struct {
	Buffer int `yaml:"buffer"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Auth          Auth          `yaml:"auth"`
	Limits        Limits        `yaml:"limits"`
	Redis         Redis         `yaml:"redis"`
	Upstream      Upstream      `yaml:"upstream"`
	Relay         Relay         `yaml:"relay"`
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (s Server) ReadTimeout() time.Duration     { return ms(s.ReadTimeoutMS) }
func (s Server) WriteTimeout() time.Duration    { return ms(s.WriteTimeoutMS) }
func (s Server) IdleTimeout() time.Duration     { return ms(s.IdleTimeoutMS) }
func (s Server) ShutdownTimeout() time.Duration { return ms(s.ShutdownMS) }

func (a Auth) TokenTTL() time.Duration { return time.Duration(a.TokenTTLMinutes) * time.Minute }

func (l Limits) Window() time.Duration           { return time.Duration(l.WindowSeconds) * time.Second }
func (l Limits) IPWindow() time.Duration         { return time.Duration(l.IP.WindowSeconds) * time.Second }
func (l Limits) StoreTimeout() time.Duration     { return ms(l.StoreTimeoutMS) }
func (l Limits) ProbeTimeout() time.Duration     { return ms(l.ProbeTimeoutMS) }
func (l Limits) FailbackInterval() time.Duration { return ms(l.FailbackIntervalMS) }

func (u Upstream) Timeout() time.Duration { return ms(u.TimeoutMS) }

func ptr[T any](v T) *T { return &v }

// Environment variables that override secrets and addresses from the file.
const (
	EnvSecretKey      = "GATERELAY_SECRET_KEY"
	EnvUpstreamAPIKey = "GATERELAY_UPSTREAM_API_KEY"
	EnvRedisAddr      = "GATERELAY_REDIS_ADDR"
)

var ErrInvalid = errors.New("config: invalid")

// Load reads the YAML file at path, fills defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Root) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeoutMS == 0 {
		c.Server.ReadTimeoutMS = 5000
	}
	if c.Server.IdleTimeoutMS == 0 {
		c.Server.IdleTimeoutMS = 60000
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Server.ShutdownMS == 0 {
		c.Server.ShutdownMS = 10000
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.PrometheusPath == "" {
		c.Observability.PrometheusPath = "/metrics"
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "gaterelay"
	}
	if c.Auth.TokenTTLMinutes <= 0 {
		c.Auth.TokenTTLMinutes = 60 * 24 * 7
	}
	if c.Limits.Requests <= 0 {
		c.Limits.Requests = 100
	}
	if c.Limits.WindowSeconds <= 0 {
		c.Limits.WindowSeconds = 3600
	}
	if c.Limits.StoreTimeoutMS <= 0 {
		c.Limits.StoreTimeoutMS = 250
	}
	if c.Limits.ProbeTimeoutMS <= 0 {
		c.Limits.ProbeTimeoutMS = 2000
	}
	if c.Limits.IP.Requests <= 0 {
		c.Limits.IP.Requests = 1000
	}
	if c.Limits.IP.WindowSeconds <= 0 {
		c.Limits.IP.WindowSeconds = 3600
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "bucket"
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://api.openai.com/v1"
	}
	if c.Upstream.DefaultModel == "" {
		c.Upstream.DefaultModel = "gpt-4o-mini"
	}
	if c.Upstream.MaxTokens <= 0 {
		c.Upstream.MaxTokens = 4096
	}
	if c.Upstream.Temperature == nil {
		c.Upstream.Temperature = ptr(0.7)
	}
	if c.Upstream.TopP == nil {
		c.Upstream.TopP = ptr(1.0)
	}
	if c.Upstream.TimeoutMS <= 0 {
		c.Upstream.TimeoutMS = 60000
	}
	if c.Relay.Buffer <= 0 {
		c.Relay.Buffer = 16
	}
}

func (c *Root) applyEnv() {
	if v := os.Getenv(EnvSecretKey); v != "" {
		c.Auth.SecretKey = v
	}
	if v := os.Getenv(EnvUpstreamAPIKey); v != "" {
		c.Upstream.APIKey = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Redis.Addr = v
	}
}

func (c *Root) Validate() error {
	if c.Auth.SecretKey == "" {
		return fmt.Errorf("%w: auth.secret_key is required (or %s)", ErrInvalid, EnvSecretKey)
	}
	if c.Upstream.APIKey == "" {
		return fmt.Errorf("%w: upstream.api_key is required (or %s)", ErrInvalid, EnvUpstreamAPIKey)
	}
	seen := make(map[string]struct{}, len(c.Auth.Users))
	for i, u := range c.Auth.Users {
		if u.ID == "" {
			return fmt.Errorf("%w: auth.users[%d].id is required", ErrInvalid, i)
		}
		if _, dup := seen[u.ID]; dup {
			return fmt.Errorf("%w: duplicate user id %q", ErrInvalid, u.ID)
		}
		seen[u.ID] = struct{}{}
	}
	if t := *c.Upstream.Temperature; t < 0 || t > 2 {
		return fmt.Errorf("%w: upstream.temperature must be within [0, 2]", ErrInvalid)
	}
	if p := *c.Upstream.TopP; p < 0 || p > 1 {
		return fmt.Errorf("%w: upstream.top_p must be within [0, 1]", ErrInvalid)
	}
	return nil
}
