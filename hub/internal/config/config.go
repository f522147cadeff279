// Package config handles hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// Join policies for joins that name a room absent from the registry.
const (
	JoinPolicyStrict = "strict"
	JoinPolicyLazy   = "lazy"
)

// DefaultRoomTTL is the sliding expiry of an idle room.
const DefaultRoomTTL = 10 * time.Minute

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Session   SessionConfig   `json:"session"`
	Relay     RelayConfig     `json:"relay"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS + WS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // default 1MB
}

// AuthConfig defines token validation settings.
type AuthConfig struct {
	KeySource string   `json:"key_source,omitempty"` // "hmac" (default) or "jwks"
	JWTSecret string   `json:"jwt_secret,omitempty"`
	JWKSURL   string   `json:"jwks_url,omitempty"`
	Issuer    string   `json:"issuer,omitempty"` // optional iss check for jwks tokens
	JWTExpiry Duration `json:"jwt_expiry,omitempty"`
}

// StorageConfig defines database settings for room records.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "inkwell.db" or ":memory:"
}

// SessionConfig defines live room and connection behavior.
type SessionConfig struct {
	TTL                Duration `json:"ttl,omitempty"`            // sliding room expiry; default 10m
	SweepInterval      Duration `json:"sweep_interval,omitempty"` // default 60s
	JoinPolicy         string   `json:"join_policy,omitempty"`    // "strict" (default) or "lazy"
	MaxConnsPerSubject int      `json:"max_conns_per_subject,omitempty"`
	MaxMessageBytes    int64    `json:"max_message_bytes,omitempty"` // default 256KB
	OutboundBuffer     int      `json:"outbound_buffer,omitempty"`   // per-connection queue; default 256
	EventsPerSecond    float64  `json:"events_per_second,omitempty"` // per-connection inbound limit
	EventBurst         int      `json:"event_burst,omitempty"`
}

// RelayConfig defines the cross-instance bus.
type RelayConfig struct {
	Driver      string `json:"driver,omitempty"` // "memory" (default) or "nats"
	URL         string `json:"url,omitempty"`    // NATS server URL
	Subject     string `json:"subject,omitempty"`
	InstanceID  string `json:"instance_id,omitempty"` // default: random per process
	QueueSize   int    `json:"queue_size,omitempty"`
	CursorMove  bool   `json:"cursor_move,omitempty"`
	ImageUpdate *bool  `json:"image_update,omitempty"` // default true
}

// RelayImageUpdate reports whether image-update events cross instances.
func (r RelayConfig) RelayImageUpdate() bool {
	return r.ImageUpdate == nil || *r.ImageUpdate
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines HTTP rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// envOverrides are read from INKWELL_* variables and win over the file.
type envOverrides struct {
	JWTSecret  string `envconfig:"JWT_SECRET"`
	NATSURL    string `envconfig:"NATS_URL"`
	StorageDSN string `envconfig:"STORAGE_DSN"`
	Addr       string `envconfig:"ADDR"`
	InstanceID string `envconfig:"INSTANCE_ID"`
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads a config file, applies INKWELL_* overrides, then validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process("inkwell", &env); err != nil {
		return err
	}
	if env.JWTSecret != "" {
		c.Auth.JWTSecret = env.JWTSecret
	}
	if env.NATSURL != "" {
		c.Relay.URL = env.NATSURL
		if c.Relay.Driver == "" {
			c.Relay.Driver = "nats"
		}
	}
	if env.StorageDSN != "" {
		c.Storage.DSN = env.StorageDSN
	}
	if env.Addr != "" {
		c.Server.Addr = env.Addr
	}
	if env.InstanceID != "" {
		c.Relay.InstanceID = env.InstanceID
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Auth.KeySource {
	case "", "hmac":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required")
		}
	case "jwks":
		if c.Auth.JWKSURL == "" {
			return fmt.Errorf("auth.jwks_url is required when key_source is jwks")
		}
	default:
		return fmt.Errorf("auth.key_source: unknown value %q", c.Auth.KeySource)
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	switch c.Session.JoinPolicy {
	case "", JoinPolicyStrict, JoinPolicyLazy:
	default:
		return fmt.Errorf("session.join_policy: unknown value %q", c.Session.JoinPolicy)
	}
	switch c.Relay.Driver {
	case "", "memory":
	case "nats":
		if c.Relay.URL == "" {
			return fmt.Errorf("relay.url is required when driver is nats")
		}
	default:
		return fmt.Errorf("relay.driver: unknown value %q", c.Relay.Driver)
	}
	if c.Session.TTL.Duration < 0 || c.Session.SweepInterval.Duration < 0 {
		return fmt.Errorf("session durations must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.KeySource == "" {
		c.Auth.KeySource = "hmac"
	}
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "inkwell.db"
	}
	if c.Session.TTL.Duration == 0 {
		c.Session.TTL.Duration = DefaultRoomTTL
	}
	if c.Session.SweepInterval.Duration == 0 {
		c.Session.SweepInterval.Duration = 60 * time.Second
	}
	if c.Session.JoinPolicy == "" {
		c.Session.JoinPolicy = JoinPolicyStrict
	}
	if c.Session.MaxConnsPerSubject == 0 {
		c.Session.MaxConnsPerSubject = 20
	}
	if c.Session.MaxMessageBytes == 0 {
		c.Session.MaxMessageBytes = 256 * 1024 // 256KB, image-update carries a full canvas
	}
	if c.Session.OutboundBuffer == 0 {
		c.Session.OutboundBuffer = 256
	}
	if c.Session.EventsPerSecond == 0 {
		c.Session.EventsPerSecond = 60
	}
	if c.Session.EventBurst == 0 {
		c.Session.EventBurst = 120
	}
	if c.Relay.Driver == "" {
		c.Relay.Driver = "memory"
	}
	if c.Relay.Subject == "" {
		c.Relay.Subject = "inkwell.rooms"
	}
	if c.Relay.QueueSize == 0 {
		c.Relay.QueueSize = 1024
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
}
