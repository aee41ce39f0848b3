// Package config holds the settings of a teamtrust peer
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"teamtrust/pkg/auth"
	"teamtrust/pkg/keyring"
	"teamtrust/pkg/units"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	// DataDir holds the identity and the history database
	DataDir  string `json:"data_dir" toml:"data_dir"`
	UserID   string `json:"user_id" toml:"user_id"`
	DeviceID string `json:"device_id" toml:"device_id"`

	// ListenAddress serves gRPC sync streams; empty disables listening
	ListenAddress string `json:"listen_address" toml:"listen_address"`
	// HTTPAddress serves /health, /metrics, /team and WebSocket sync
	HTTPAddress string       `json:"http_address" toml:"http_address"`
	Peers       []PeerConfig `json:"peers,omitempty" toml:"peers,omitempty"`

	HandshakeTimeout string `json:"handshake_timeout,omitempty" toml:"handshake_timeout,omitempty"`
	RedialInterval   string `json:"redial_interval,omitempty" toml:"redial_interval,omitempty"`
	// MaxMessageSize bounds a single sync message, e.g. "32MiB"
	MaxMessageSize string `json:"max_message_size,omitempty" toml:"max_message_size,omitempty"`

	LockboxCacheSize int           `json:"lockbox_cache_size,omitempty" toml:"lockbox_cache_size,omitempty"`
	Storage          StorageConfig `json:"storage" toml:"storage"`
	TLS              auth.Config   `json:"tls" toml:"tls"`
}

type PeerConfig struct {
	Name    string `json:"name" toml:"name"`
	Address string `json:"address" toml:"address"`
}

type StorageConfig struct {
	Compress         bool `json:"compress" toml:"compress"`
	CompressionLevel int  `json:"compression_level,omitempty" toml:"compression_level,omitempty"`
}

// DefaultDataDir returns ~/.teamtrust unless TEAMTRUST_DATA_DIR or
// XDG_DATA_HOME say otherwise
func DefaultDataDir() string {
	if dir := os.Getenv("TEAMTRUST_DATA_DIR"); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "teamtrust")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".teamtrust"
	}
	return filepath.Join(home, ".teamtrust")
}

func Default() *Config {
	return &Config{
		DataDir:          DefaultDataDir(),
		DeviceID:         defaultDeviceID(),
		ListenAddress:    ":7700",
		HTTPAddress:      ":7701",
		HandshakeTimeout: "30s",
		RedialInterval:   "10s",
		MaxMessageSize:   "32MiB",
		LockboxCacheSize: keyring.DefaultCacheSize,
	}
}

func defaultDeviceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "laptop"
	}
	return strings.ToLower(strings.SplitN(host, ".", 2)[0])
}

// LoadConfig reads a JSON or, by extension, TOML file over the defaults
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if isTOML(path) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.DataDir = expandPath(cfg.DataDir)
	return cfg, nil
}

// Save writes the config with restricted permissions, as TOML if path
// ends in .toml
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var data []byte
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		data = buf.Bytes()
	} else {
		var err error
		if data, err = json.MarshalIndent(c, "", "  "); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoadFromEnv builds a config from the defaults and TEAMTRUST_* variables
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overrides fields with the TEAMTRUST_* variables that are set
func (c *Config) ApplyEnv() {
	c.DataDir = expandPath(getEnv("TEAMTRUST_DATA_DIR", c.DataDir))
	c.UserID = getEnv("TEAMTRUST_USER_ID", c.UserID)
	c.DeviceID = getEnv("TEAMTRUST_DEVICE_ID", c.DeviceID)
	c.ListenAddress = getEnv("TEAMTRUST_LISTEN_ADDRESS", c.ListenAddress)
	c.HTTPAddress = getEnv("TEAMTRUST_HTTP_ADDRESS", c.HTTPAddress)
	c.HandshakeTimeout = getEnv("TEAMTRUST_HANDSHAKE_TIMEOUT", c.HandshakeTimeout)
	c.RedialInterval = getEnv("TEAMTRUST_REDIAL_INTERVAL", c.RedialInterval)
	c.MaxMessageSize = getEnv("TEAMTRUST_MAX_MESSAGE_SIZE", c.MaxMessageSize)
	if size, err := strconv.Atoi(os.Getenv("TEAMTRUST_LOCKBOX_CACHE_SIZE")); err == nil {
		c.LockboxCacheSize = size
	}

	// Comma separated, each either name=host:port or host:port: bob=bob.lan:7700,10.0.0.3:7700
	if peers := os.Getenv("TEAMTRUST_PEERS"); peers != "" {
		c.Peers = ParsePeers(peers)
	}
}

// ParsePeers reads a comma separated peer list. Unnamed peers are named
// after their address.
func ParsePeers(s string) []PeerConfig {
	var peers []PeerConfig
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, addr, ok := strings.Cut(entry, "=")
		if !ok {
			name, addr = entry, entry
		}
		peers = append(peers, PeerConfig{Name: strings.TrimSpace(name), Address: strings.TrimSpace(addr)})
	}
	return peers
}

func (c *Config) Validate() error {
	var problems []string
	if c.DataDir == "" {
		problems = append(problems, "data_dir is required")
	}
	if c.DeviceID == "" {
		problems = append(problems, "device_id is required")
	}
	if strings.Contains(c.UserID, "::") || strings.Contains(c.DeviceID, "::") {
		problems = append(problems, "user_id and device_id may not contain \"::\"")
	}
	if c.LockboxCacheSize < 0 {
		problems = append(problems, "lockbox_cache_size may not be negative")
	}
	if c.Storage.CompressionLevel < -2 || c.Storage.CompressionLevel > 9 {
		problems = append(problems, "storage.compression_level must be between -2 and 9")
	}
	if _, err := parseDuration(c.HandshakeTimeout); err != nil {
		problems = append(problems, "handshake_timeout: "+err.Error())
	}
	if _, err := parseDuration(c.RedialInterval); err != nil {
		problems = append(problems, "redial_interval: "+err.Error())
	}
	if c.MaxMessageSize != "" {
		if n, err := units.ParseSize(c.MaxMessageSize); err != nil {
			problems = append(problems, "max_message_size: "+err.Error())
		} else if n < units.KiB || n > math.MaxInt32 {
			problems = append(problems, "max_message_size must be between 1KiB and 2GiB")
		}
	}
	if err := c.TLS.Validate(); err != nil {
		problems = append(problems, "tls: "+err.Error())
	}
	names := make(map[string]bool)
	for _, p := range c.Peers {
		switch {
		case p.Address == "":
			problems = append(problems, fmt.Sprintf("peer %q has no address", p.Name))
		case names[p.Name]:
			problems = append(problems, fmt.Sprintf("peer %q is listed twice", p.Name))
		}
		names[p.Name] = true
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Timeout returns the handshake timeout, zero if unset
func (c *Config) Timeout() time.Duration {
	d, _ := parseDuration(c.HandshakeTimeout)
	return d
}

// MessageLimit is MaxMessageSize in bytes, or 0 for the transport default
func (c *Config) MessageLimit() int {
	n, err := units.ParseSize(c.MaxMessageSize)
	if err != nil {
		return 0
	}
	return int(n)
}

func (c *Config) Redial() time.Duration {
	d, _ := parseDuration(c.RedialInterval)
	return d
}

func (c *Config) IdentityPath() string {
	return filepath.Join(c.DataDir, "identity.json")
}

func (c *Config) HistoryPath() string {
	return filepath.Join(c.DataDir, "history")
}

// TLSDir holds the team's certificate authority and issued certificates
func (c *Config) TLSDir() string {
	return filepath.Join(c.DataDir, "tls")
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// expandPath expands ~ and environment variables
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
