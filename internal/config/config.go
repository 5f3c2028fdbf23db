package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tanq16/tafim/internal/utils"
)

type Config struct {
	Connections      int           `mapstructure:"connections" yaml:"connections"`
	Workers          int           `mapstructure:"workers" yaml:"workers"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	KeepAliveTimeout time.Duration `mapstructure:"keep_alive_timeout" yaml:"keep_alive_timeout"`
	UserAgent        string        `mapstructure:"user_agent" yaml:"user_agent"`
	Proxy            string        `mapstructure:"proxy" yaml:"proxy"`
	ProxyUsername    string        `mapstructure:"proxy_username" yaml:"proxy_username"`
	ProxyPassword    string        `mapstructure:"proxy_password" yaml:"proxy_password"`
	Headers          []string      `mapstructure:"headers" yaml:"headers"`
	Retries          int           `mapstructure:"retries" yaml:"retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	RetryMaxBackoff  time.Duration `mapstructure:"retry_max_backoff" yaml:"retry_max_backoff"`
	TickInterval     time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	LogFile          string        `mapstructure:"log_file" yaml:"log_file"`
	Debug            bool          `mapstructure:"debug" yaml:"debug"`
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"connections":        "connections",
	"workers":            "workers",
	"timeout":            "timeout",
	"read-timeout":       "read_timeout",
	"keep-alive-timeout": "keep_alive_timeout",
	"user-agent":         "user_agent",
	"proxy":              "proxy",
	"proxy-username":     "proxy_username",
	"proxy-password":     "proxy_password",
	"header":             "headers",
	"retries":            "retries",
	"retry-backoff":      "retry_backoff",
	"retry-max-backoff":  "retry_max_backoff",
	"log-file":           "log_file",
	"debug":              "debug",
}

// DefaultPath is ~/.config/tafim/config.yaml, or "" without a home directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "tafim", "config.yaml")
}

// Load merges defaults, the config file, TAFIM_* environment variables and
// flags that were set explicitly, in increasing order of precedence. An empty
// path reads DefaultPath when it exists; a named path must exist.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("connections", 32)
	v.SetDefault("workers", 1)
	v.SetDefault("timeout", 10*time.Second)
	v.SetDefault("read_timeout", 15*time.Second)
	v.SetDefault("keep_alive_timeout", 90*time.Second)
	v.SetDefault("user_agent", utils.ToolUserAgent)
	v.SetDefault("proxy", "")
	v.SetDefault("proxy_username", "")
	v.SetDefault("proxy_password", "")
	v.SetDefault("headers", []string{})
	v.SetDefault("retries", 3)
	v.SetDefault("retry_backoff", 500*time.Millisecond)
	v.SetDefault("retry_max_backoff", 10*time.Second)
	v.SetDefault("tick_interval", 100*time.Millisecond)
	v.SetDefault("log_file", "")
	v.SetDefault("debug", false)

	if path == "" {
		if def := DefaultPath(); def != "" {
			if _, err := os.Stat(def); err == nil {
				path = def
			}
		}
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("TAFIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Connections < 1 {
		return fmt.Errorf("connections must be at least 1, got %d", c.Connections)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Retries < 0 {
		return errors.New("retries cannot be negative")
	}
	if c.Timeout <= 0 || c.ReadTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	return nil
}

// HTTPClientConfig builds the client settings. Credentials embedded in the
// proxy URL are moved into the username and password fields.
func (c *Config) HTTPClientConfig() utils.HTTPClientConfig {
	proxyURL, username, password := c.Proxy, c.ProxyUsername, c.ProxyPassword
	if parsed, err := url.Parse(proxyURL); err == nil && parsed.User != nil && username == "" {
		username = parsed.User.Username()
		if p, set := parsed.User.Password(); set {
			password = p
		}
		parsed.User = nil
		proxyURL = parsed.String()
	}
	userAgent := c.UserAgent
	if userAgent == "randomize" {
		userAgent = utils.GetRandomUserAgent()
	}
	return utils.HTTPClientConfig{
		ProbeTimeout:   c.Timeout,
		ReadTimeout:    c.ReadTimeout,
		KATimeout:      c.KeepAliveTimeout,
		ProxyURL:       proxyURL,
		ProxyUsername:  username,
		ProxyPassword:  password,
		UserAgent:      userAgent,
		Headers:        utils.ParseHeaderArgs(c.Headers),
		HighThreadMode: c.Connections > utils.HighThreadModeThreshold,
	}
}

// RetryConfig treats retries as extra attempts after the first.
func (c *Config) RetryConfig() utils.RetryConfig {
	return utils.RetryConfig{
		MaxAttempts: c.Retries + 1,
		BaseDelay:   c.RetryBackoff,
		MaxDelay:    c.RetryMaxBackoff,
	}
}
