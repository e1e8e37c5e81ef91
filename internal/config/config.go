// Package config loads gateway settings from file, environment and defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrNoEndpoints is returned when no upstream endpoint is configured.
var ErrNoEndpoints = errors.New("at least one upstream endpoint is required")

// Config holds the gateway configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Log         LogConfig         `mapstructure:"log"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Upstream    UpstreamConfig    `mapstructure:"upstream"`
	Proxy       ProxyConfig       `mapstructure:"proxy"`
	WebSocket   WebSocketConfig   `mapstructure:"websocket"`
	Static      StaticConfig      `mapstructure:"static"`
	Compression CompressionConfig `mapstructure:"compression"`
}

// ServerConfig configures the public listener
type ServerConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	MaxConnections    int           `mapstructure:"max_connections"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// AdminConfig configures the metrics/health listener. An empty address disables it.
type AdminConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RateLimitConfig configures the per-client token bucket
type RateLimitConfig struct {
	Rate          float64       `mapstructure:"rate"`
	Burst         int           `mapstructure:"burst"`
	IdleTTL       time.Duration `mapstructure:"idle_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxKeys       int           `mapstructure:"max_keys"`
	Shards        int           `mapstructure:"shards"`
	RejectStatus  int           `mapstructure:"reject_status"`
}

// Endpoint is a single application server
type Endpoint struct {
	Name string `mapstructure:"name"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// UpstreamConfig configures the application pool
type UpstreamConfig struct {
	Endpoints []Endpoint `mapstructure:"endpoints"`
	// Addrs is a comma separated host:port list; when set it replaces Endpoints.
	Addrs           string        `mapstructure:"addrs"`
	HostHeader      string        `mapstructure:"host_header"`
	CooldownInitial time.Duration `mapstructure:"cooldown_initial"`
	CooldownMax     time.Duration `mapstructure:"cooldown_max"`
	HealthPath      string        `mapstructure:"health_path"`
	HealthInterval  time.Duration `mapstructure:"health_interval"`
}

// ProxyConfig configures HTTP forwarding
type ProxyConfig struct {
	MaxBodyBytes        int64         `mapstructure:"max_body_bytes"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	ResponseTimeout     time.Duration `mapstructure:"response_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
}

// WebSocketConfig configures the upgrade relay
type WebSocketConfig struct {
	Prefix           string        `mapstructure:"prefix"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// StaticRoute maps a URL prefix onto a directory
type StaticRoute struct {
	Prefix string `mapstructure:"prefix"`
	Root   string `mapstructure:"root"`
}

// StaticConfig configures local asset serving
type StaticConfig struct {
	Routes []StaticRoute `mapstructure:"routes"`
	MaxAge time.Duration `mapstructure:"max_age"`
}

// CompressionConfig configures response compression
type CompressionConfig struct {
	MinSize      int      `mapstructure:"min_size"`
	ContentTypes []string `mapstructure:"content_types"`
}

// DefaultContentTypes are the compressible response types
var DefaultContentTypes = []string{
	"text/plain",
	"text/css",
	"application/json",
	"application/javascript",
	"text/xml",
	"application/xml",
	"image/svg+xml",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":80")
	v.SetDefault("server.max_connections", 0)
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.read_timeout", 60*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("admin.listen_addr", ":9090")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("ratelimit.rate", 10.0)
	v.SetDefault("ratelimit.burst", 15)
	v.SetDefault("ratelimit.idle_ttl", 10*time.Minute)
	v.SetDefault("ratelimit.sweep_interval", time.Minute)
	v.SetDefault("ratelimit.max_keys", 100000)
	v.SetDefault("ratelimit.shards", 32)
	v.SetDefault("ratelimit.reject_status", 503)

	v.SetDefault("upstream.endpoints", []map[string]any{
		{"name": "app", "host": "app", "port": 8000},
	})
	v.SetDefault("upstream.addrs", "")
	v.SetDefault("upstream.host_header", "")
	v.SetDefault("upstream.cooldown_initial", time.Second)
	v.SetDefault("upstream.cooldown_max", 30*time.Second)
	v.SetDefault("upstream.health_path", "")
	v.SetDefault("upstream.health_interval", 5*time.Second)

	v.SetDefault("proxy.max_body_bytes", int64(10<<20))
	v.SetDefault("proxy.connect_timeout", 5*time.Second)
	v.SetDefault("proxy.response_timeout", 60*time.Second)
	v.SetDefault("proxy.write_timeout", 60*time.Second)
	v.SetDefault("proxy.max_idle_conns_per_host", 32)

	v.SetDefault("websocket.prefix", "/ws/")
	v.SetDefault("websocket.idle_timeout", 24*time.Hour)
	v.SetDefault("websocket.handshake_timeout", 10*time.Second)

	v.SetDefault("static.routes", []map[string]any{
		{"prefix": "/static/", "root": "./staticfiles"},
		{"prefix": "/media/", "root": "./media"},
	})
	v.SetDefault("static.max_age", 24*time.Hour)

	v.SetDefault("compression.min_size", 1024)
	v.SetDefault("compression.content_types", DefaultContentTypes)
}

// LoadConfig reads configuration from the YAML file at path (optional when
// empty) and from GATEWAY_* environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if c.Upstream.Addrs != "" {
		endpoints, err := ParseAddrs(c.Upstream.Addrs)
		if err != nil {
			return nil, err
		}
		c.Upstream.Endpoints = endpoints
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ParseAddrs parses a comma separated host:port list into endpoints named after their address.
func ParseAddrs(s string) ([]Endpoint, error) {
	var endpoints []Endpoint
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(part)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream address %q: %w", part, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream port %q: %w", part, err)
		}
		endpoints = append(endpoints, Endpoint{Name: host, Host: host, Port: port})
	}
	return endpoints, nil
}

// Validate checks invariants the gateway cannot start without
func (c *Config) Validate() error {
	if len(c.Upstream.Endpoints) == 0 {
		return ErrNoEndpoints
	}
	for i, ep := range c.Upstream.Endpoints {
		if ep.Host == "" || ep.Port <= 0 || ep.Port > 65535 {
			return fmt.Errorf("upstream endpoint %d: invalid address %s:%d", i, ep.Host, ep.Port)
		}
		if ep.Name == "" {
			c.Upstream.Endpoints[i].Name = ep.Host
		}
	}
	if c.Upstream.HostHeader == "" {
		c.Upstream.HostHeader = c.Upstream.Endpoints[0].Name
	}

	if c.RateLimit.Rate <= 0 {
		return fmt.Errorf("ratelimit.rate must be positive, got %v", c.RateLimit.Rate)
	}
	if c.RateLimit.Burst < 1 {
		return fmt.Errorf("ratelimit.burst must be at least 1, got %d", c.RateLimit.Burst)
	}
	if c.RateLimit.RejectStatus != 429 && c.RateLimit.RejectStatus != 503 {
		return fmt.Errorf("ratelimit.reject_status must be 429 or 503, got %d", c.RateLimit.RejectStatus)
	}

	if !isDirPrefix(c.WebSocket.Prefix) {
		return fmt.Errorf("websocket.prefix %q must start and end with /", c.WebSocket.Prefix)
	}
	for _, r := range c.Static.Routes {
		if !isDirPrefix(r.Prefix) {
			return fmt.Errorf("static prefix %q must start and end with /", r.Prefix)
		}
		if r.Root == "" {
			return fmt.Errorf("static prefix %q has no root", r.Prefix)
		}
	}

	if c.Proxy.MaxBodyBytes <= 0 {
		return fmt.Errorf("proxy.max_body_bytes must be positive, got %d", c.Proxy.MaxBodyBytes)
	}
	return nil
}

func isDirPrefix(p string) bool {
	return len(p) > 1 && strings.HasPrefix(p, "/") && strings.HasSuffix(p, "/")
}
