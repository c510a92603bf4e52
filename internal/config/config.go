package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	TransportWebsocket = "websocket"
	TransportGossip    = "gossip"
	TransportLocal     = "local"
)

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Config configuração centralizada do par e do relay
type Config struct {
	// Identificação
	Room     string `yaml:"room"`
	ClientID uint64 `yaml:"client_id,omitempty"` // 0 sorteia um id
	User     string `yaml:"user,omitempty"`      // nome exibido na presença

	// Transporte
	Transport string `yaml:"transport"` // websocket, gossip ou local
	RelayURL  string `yaml:"relay_url"`

	// Tabuleiro
	Palette []string `yaml:"palette"`

	// Eleição e presença
	ElectionDelay    time.Duration `yaml:"election_delay"`    // debounce da eleição (800ms)
	StartupDelay     time.Duration `yaml:"startup_delay"`     // chute inicial (300ms)
	AwarenessTimeout time.Duration `yaml:"awareness_timeout"` // expiração de presença (30s)

	API    APIConfig    `yaml:"api"`
	Gossip GossipConfig `yaml:"gossip"`
	Relay  RelayConfig  `yaml:"relay"`
}

// APIConfig configura a API HTTP do par
type APIConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// GossipConfig configura o transporte SWIM
type GossipConfig struct {
	BindAddr         string        `yaml:"bind_addr"`
	BindPort         int           `yaml:"bind_port"`
	Seeds            []string      `yaml:"seeds"`
	Profile          string        `yaml:"profile"` // lan ou local
	TTL              int           `yaml:"ttl"`
	RetransmitMult   int           `yaml:"retransmit_mult"`
	PushPullInterval time.Duration `yaml:"push_pull_interval"`
	MDNS             bool          `yaml:"mdns"` // descoberta automática na LAN
}

// RelayConfig configura o relay
type RelayConfig struct {
	Port         int           `yaml:"port"`
	PingInterval time.Duration `yaml:"ping_interval"`
	GC           bool          `yaml:"gc"`
	RedisAddr    string        `yaml:"redis_addr,omitempty"` // vazio desativa o fan-out
}

// DefaultConfig retorna configuração padrão
func DefaultConfig() *Config {
	return &Config{
		Room:      "crdt-chessboard-demo-v1",
		Transport: TransportWebsocket,
		RelayURL:  "ws://localhost:1234",
		Palette: []string{
			"#ffffff", "#222222", "#ff6666", "#66ccff",
			"#66ff99", "#ffd166", "#a78bfa", "#f472b6",
		},
		ElectionDelay:    800 * time.Millisecond,
		StartupDelay:     300 * time.Millisecond,
		AwarenessTimeout: 30 * time.Second,
		API: APIConfig{
			Enabled: true,
			Port:    8080,
		},
		Gossip: GossipConfig{
			BindAddr:         "0.0.0.0",
			BindPort:         7946,
			Profile:          "lan",
			TTL:              3,
			RetransmitMult:   4,
			PushPullInterval: 30 * time.Second,
		},
		Relay: RelayConfig{
			Port:         1234,
			PingInterval: 30 * time.Second,
			GC:           true,
		},
	}
}

// Load reads path over the defaults, applies the environment and validates
// the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides the relay port with PORT when set.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: PORT=%q is not a number", ErrInvalidConfig, v)
		}
		c.Relay.Port = port
	}
	return nil
}

// Validate checks the configuration for values the peer cannot run with.
func (c *Config) Validate() error {
	if c.Room == "" {
		return fmt.Errorf("%w: room is required", ErrInvalidConfig)
	}

	switch c.Transport {
	case TransportWebsocket:
		u, err := url.Parse(c.RelayURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("%w: relay_url %q must be a ws:// or wss:// URL", ErrInvalidConfig, c.RelayURL)
		}
	case TransportGossip:
		if c.Gossip.Profile != "lan" && c.Gossip.Profile != "local" {
			return fmt.Errorf("%w: gossip.profile %q must be 'lan' or 'local'", ErrInvalidConfig, c.Gossip.Profile)
		}
		if c.Gossip.TTL < 0 {
			return fmt.Errorf("%w: gossip.ttl must be >= 0, got %d", ErrInvalidConfig, c.Gossip.TTL)
		}
		if !validPort(c.Gossip.BindPort, true) {
			return fmt.Errorf("%w: gossip.bind_port %d out of range", ErrInvalidConfig, c.Gossip.BindPort)
		}
	case TransportLocal:
	default:
		return fmt.Errorf("%w: unknown transport %q (valid: websocket, gossip, local)", ErrInvalidConfig, c.Transport)
	}

	if len(c.Palette) == 0 {
		return fmt.Errorf("%w: palette is empty", ErrInvalidConfig)
	}
	for _, color := range c.Palette {
		if !colorPattern.MatchString(color) {
			return fmt.Errorf("%w: palette color %q is not #rrggbb", ErrInvalidConfig, color)
		}
	}

	if c.ElectionDelay <= 0 || c.StartupDelay <= 0 || c.AwarenessTimeout <= 0 {
		return fmt.Errorf("%w: election_delay, startup_delay and awareness_timeout must be positive", ErrInvalidConfig)
	}
	if c.API.Enabled && !validPort(c.API.Port, true) {
		return fmt.Errorf("%w: api.port %d out of range", ErrInvalidConfig, c.API.Port)
	}
	if !validPort(c.Relay.Port, false) {
		return fmt.Errorf("%w: relay.port %d out of range", ErrInvalidConfig, c.Relay.Port)
	}
	return nil
}

func validPort(port int, allowZero bool) bool {
	if port == 0 {
		return allowZero
	}
	return port > 0 && port <= 65535
}
