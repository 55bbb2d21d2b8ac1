// Package config loads btsock settings from defaults, an optional config
// file, BTSOCK_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/spf13/viper"

	"bluetooth-socket/internal/btsock"
	"bluetooth-socket/internal/connmgr"
)

// EnvPrefix is the prefix of environment overrides, e.g. BTSOCK_SOCKET_CHANNEL.
const EnvPrefix = "BTSOCK"

// Config is the fully resolved configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Socket  SocketConfig  `mapstructure:"socket"`
	Server  ServerConfig  `mapstructure:"server"`
	Scan    ScanConfig    `mapstructure:"scan"`
}

// LogConfig selects the logrus level and output format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// SocketConfig describes the socket opened by listen/connect.
type SocketConfig struct {
	Kind          string        `mapstructure:"kind"`
	Channel       int           `mapstructure:"channel"`
	Auth          bool          `mapstructure:"auth"`
	Encrypt       bool          `mapstructure:"encrypt"`
	AcceptTimeout time.Duration `mapstructure:"accept_timeout"`
}

// ServerConfig names the SPP service registered by listen.
type ServerConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// ScanConfig bounds device discovery.
type ScanConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Socket: SocketConfig{
			Kind:    btsock.StreamChannel.String(),
			Channel: connmgr.DefaultRFCOMMChannel,
		},
		Server: ServerConfig{
			ServiceName: "btsock",
		},
		Scan: ScanConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// New returns a viper instance carrying the defaults and environment
// bindings. Callers may bind flags into it before calling Load.
func New() *viper.Viper {
	v := viper.New()

	d := DefaultConfig()
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("socket.kind", d.Socket.Kind)
	v.SetDefault("socket.channel", d.Socket.Channel)
	v.SetDefault("socket.auth", d.Socket.Auth)
	v.SetDefault("socket.encrypt", d.Socket.Encrypt)
	v.SetDefault("socket.accept_timeout", d.Socket.AcceptTimeout)
	v.SetDefault("server.service_name", d.Server.ServiceName)
	v.SetDefault("scan.timeout", d.Scan.Timeout)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (if non-empty) into v and decodes the result. The file
// format follows its extension.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values viper cannot type-check on its own.
func (c *Config) Validate() error {
	kind, err := btsock.ParseKind(c.Socket.Kind)
	if err != nil {
		return fmt.Errorf("config: socket.kind: %w", err)
	}
	if err := btsock.ValidateChannel(kind, c.Socket.Channel); err != nil {
		return fmt.Errorf("config: socket.channel: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format %q: %w", c.Log.Format, errdefs.ErrInvalidArgument)
	}
	if c.Socket.AcceptTimeout < 0 {
		return fmt.Errorf("config: socket.accept_timeout must not be negative: %w", errdefs.ErrInvalidArgument)
	}
	return nil
}

// SocketOptions converts the socket section into btsock options for a
// connection to remote.
func (c *Config) SocketOptions(remote btsock.Device) (btsock.Options, error) {
	kind, err := btsock.ParseKind(c.Socket.Kind)
	if err != nil {
		return btsock.Options{}, err
	}
	return btsock.Options{
		Kind:    kind,
		Channel: c.Socket.Channel,
		Remote:  remote,
		Security: btsock.Security{
			RequireAuth:    c.Socket.Auth,
			RequireEncrypt: c.Socket.Encrypt,
		},
	}, nil
}

// ServerOptions converts the server and socket sections into profile
// registration options.
func (c *Config) ServerOptions() connmgr.ServerOptions {
	return connmgr.ServerOptions{
		ServiceName: c.Server.ServiceName,
		Channel:     c.Socket.Channel,
		Security: btsock.Security{
			RequireAuth:    c.Socket.Auth,
			RequireEncrypt: c.Socket.Encrypt,
		},
	}
}

// ClientOptions converts the socket section into options for a BlueZ
// profile connection.
func (c *Config) ClientOptions() connmgr.ClientOptions {
	return connmgr.ClientOptions{
		Security: btsock.Security{
			RequireAuth:    c.Socket.Auth,
			RequireEncrypt: c.Socket.Encrypt,
		},
	}
}
