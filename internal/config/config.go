// Package config loads client and relay settings from an optional YAML file and the environment.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration accepts "2s"-style strings in YAML.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return errors.Wrapf(err, "line %d", value.Line)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

type Reconnect struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BackoffStep Duration `yaml:"backoff_step"`
}

// Client configures the realtime client core and its REST collaborator.
type Client struct {
	ServerURL     string    `yaml:"server_url"`
	APIURL        string    `yaml:"api_url"`
	Token         string    `yaml:"token"`
	Reconnect     Reconnect `yaml:"reconnect"`
	MaxPending    int       `yaml:"max_pending"`
	PingPeriod    Duration  `yaml:"ping_period"`
	TypingDelay   Duration  `yaml:"typing_delay"`
	SweepInterval Duration  `yaml:"sweep_interval"`
	HTTPTimeout   Duration  `yaml:"http_timeout"`
	LogLevel      string    `yaml:"log_level"`
}

// Relay configures the reference relay.
type Relay struct {
	Addr           string   `yaml:"addr"`
	DBDSN          string   `yaml:"db_dsn"`
	JWTSecret      string   `yaml:"jwt_secret"`
	RedisAddr      string   `yaml:"redis_addr"`
	ExpiryInterval Duration `yaml:"expiry_interval"`
	LogLevel       string   `yaml:"log_level"`
}

func DefaultClient() Client {
	return Client{
		ServerURL: "ws://localhost:8080/ws",
		APIURL:    "http://localhost:8080",
		Reconnect: Reconnect{
			MaxAttempts: 5,
			BackoffStep: Duration(time.Second),
		},
		MaxPending:    1024,
		PingPeriod:    Duration(54 * time.Second),
		TypingDelay:   Duration(2000 * time.Millisecond),
		SweepInterval: Duration(60 * time.Second),
		HTTPTimeout:   Duration(10 * time.Second),
		LogLevel:      "info",
	}
}

func DefaultRelay() Relay {
	return Relay{
		Addr:           ":8080",
		ExpiryInterval: Duration(5 * time.Second),
		LogLevel:       "info",
	}
}

// LoadClient applies defaults, then path (if non-empty), then RENTCHAT_* environment variables.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()
	if err := readFile(path, &cfg); err != nil {
		return Client{}, err
	}
	envString("RENTCHAT_SERVER_URL", &cfg.ServerURL)
	envString("RENTCHAT_API_URL", &cfg.APIURL)
	envString("RENTCHAT_TOKEN", &cfg.Token)
	envString("RENTCHAT_LOG_LEVEL", &cfg.LogLevel)
	return cfg, cfg.Validate()
}

func (c Client) Validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return errors.New("server_url is required")
	}
	if strings.TrimSpace(c.APIURL) == "" {
		return errors.New("api_url is required")
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return errors.New("reconnect.max_attempts must be positive")
	}
	if c.TypingDelay <= 0 || c.SweepInterval <= 0 {
		return errors.New("typing_delay and sweep_interval must be positive")
	}
	return nil
}

// LoadRelay reads DB_DSN, JWT_SECRET, REDIS_ADDR and RELAY_ADDR over the file values.
func LoadRelay(path string) (Relay, error) {
	cfg := DefaultRelay()
	if err := readFile(path, &cfg); err != nil {
		return Relay{}, err
	}
	envString("DB_DSN", &cfg.DBDSN)
	envString("JWT_SECRET", &cfg.JWTSecret)
	envString("REDIS_ADDR", &cfg.RedisAddr)
	envString("RELAY_ADDR", &cfg.Addr)
	if cfg.JWTSecret == "" {
		return Relay{}, errors.New("JWT_SECRET is not set")
	}
	if cfg.ExpiryInterval <= 0 {
		return Relay{}, errors.New("expiry_interval must be positive")
	}
	return cfg, nil
}

func readFile(path string, out interface{}) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}
