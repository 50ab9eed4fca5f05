// Package config holds the relay and client configuration types and their
// loaders.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Relay
// ---------------------------------------------------------------------------

type HTTP struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// WS holds the keepalive and framing limits of relay connections.
type WS struct {
	PingPeriod     time.Duration `yaml:"pingPeriod"`
	PongWait       time.Duration `yaml:"pongWait"`
	WriteWait      time.Duration `yaml:"writeWait"`
	MaxMessageSize int64         `yaml:"maxMessageSize"`
	SendQueue      int           `yaml:"sendQueue"`
}

// RateLimit bounds how many messages one connection may send.
type RateLimit struct {
	PerSecond float64 `yaml:"perSecond"`
	Burst     int     `yaml:"burst"`
}

// Redis configures the optional room snapshot mirror. An empty Addr
// disables it.
type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type Logging struct {
	Backend string `yaml:"backend"` // pterm|zap
	Debug   bool   `yaml:"debug"`
}

// Relay is the relay server configuration.
type Relay struct {
	HTTP      HTTP      `yaml:"http"`
	WS        WS        `yaml:"ws"`
	RateLimit RateLimit `yaml:"rateLimit"`
	Redis     Redis     `yaml:"redis"`
	Logging   Logging   `yaml:"logging"`
}

var DefaultOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
	"http://localhost:8080",
}

// LoadRelay reads the YAML file at path (or CONFIG_PATH when path is empty),
// applies environment overrides and fills defaults. A missing file is only an
// error when a path was given explicitly.
func LoadRelay(path string) (*Relay, error) {
	explicit := path != ""
	if !explicit {
		path = os.Getenv("CONFIG_PATH")
		explicit = path != ""
	}

	var cfg Relay
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case explicit || !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultRelay returns a relay configuration with every default filled.
func DefaultRelay() *Relay {
	var cfg Relay
	_ = cfg.validate()
	return &cfg
}

func (c *Relay) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("RELAY_ADDR"); ok && v != "" {
		c.HTTP.Addr = v
	}
	if v, ok := lookup("ALLOWED_ORIGINS"); ok && v != "" {
		c.HTTP.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("LOG_BACKEND"); ok && v != "" {
		c.Logging.Backend = v
	}
	if v, ok := lookup("LOG_DEBUG"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LOG_DEBUG: %w", err)
		}
		c.Logging.Debug = b
	}
	if v, ok := lookup("REDIS_ADDR"); ok {
		c.Redis.Addr = v
	}
	if v, ok := lookup("REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	if v, ok := lookup("REDIS_DB"); ok && v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.Redis.DB = db
	}
	return nil
}

func (c *Relay) validate() error {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":4000"
	}
	if len(c.HTTP.AllowedOrigins) == 0 {
		c.HTTP.AllowedOrigins = DefaultOrigins
	}

	if c.WS.PongWait <= 0 {
		c.WS.PongWait = 60 * time.Second
	}
	if c.WS.PingPeriod <= 0 {
		c.WS.PingPeriod = c.WS.PongWait * 9 / 10
	}
	if c.WS.PingPeriod >= c.WS.PongWait {
		return fmt.Errorf("ws.pingPeriod (%s) must be shorter than ws.pongWait (%s)", c.WS.PingPeriod, c.WS.PongWait)
	}
	if c.WS.WriteWait <= 0 {
		c.WS.WriteWait = 10 * time.Second
	}
	if c.WS.MaxMessageSize <= 0 {
		c.WS.MaxMessageSize = 64 << 10
	}
	if c.WS.SendQueue <= 0 {
		c.WS.SendQueue = 256
	}

	if c.RateLimit.PerSecond <= 0 {
		c.RateLimit.PerSecond = 50
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 100
	}

	if c.Redis.TTL <= 0 {
		c.Redis.TTL = 10 * time.Minute
	}

	switch c.Logging.Backend {
	case "":
		c.Logging.Backend = "pterm"
	case "pterm", "zap":
	default:
		return fmt.Errorf("logging.backend must be pterm or zap, got %q", c.Logging.Backend)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

var DefaultSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Client stores the parameters gathered from flags and interactive prompts.
type Client struct {
	ServerURL string // relay WebSocket URL
	RoomID    string
	Username  string
	STUN      []string
	Debug     bool
}

// Validate normalizes the relay URL and fills defaults. http(s) URLs are
// rewritten to ws(s), and a bare host gets the /ws path.
func (c *Client) Validate() error {
	c.RoomID = strings.TrimSpace(c.RoomID)
	c.Username = strings.TrimSpace(c.Username)
	if c.RoomID == "" {
		return errors.New("room id is required")
	}
	if c.Username == "" {
		return errors.New("username is required")
	}

	u, err := url.Parse(strings.TrimSpace(c.ServerURL))
	if err != nil {
		return fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return fmt.Errorf("server url must be ws://, wss://, http:// or https://, got %q", c.ServerURL)
	}
	if u.Host == "" {
		return fmt.Errorf("server url %q has no host", c.ServerURL)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	c.ServerURL = u.String()

	if len(c.STUN) == 0 {
		c.STUN = DefaultSTUN
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
