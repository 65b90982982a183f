package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Default configuration values (production)
const (
	DefaultDomain   = "warpcall.qzz.io"
	DefaultSTUN     = "stun:stun.l.google.com:19302"
	DefaultTURN     = "turn:warpcall.qzz.io" // Optional, empty by default
	DefaultTURNUser = "warpcall"
	DefaultTURNPass = "warpcall-secret"

	DefaultListenAddr     = ":8080"
	DefaultConnectTimeout = 15 * time.Second
	DefaultRetryBackoff   = 2 * time.Second
	DefaultMaxRetries     = 3
)

// Config holds application configuration
type Config struct {
	// Domain is the relay server domain
	Domain string

	// WebSocketURL is constructed from domain unless set explicitly
	WebSocketURL string

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool

	// Call participant
	DisplayName string
	AudioFile   string
	VideoFile   string

	// Peer connection supervision
	ConnectTimeout time.Duration
	RetryBackoff   time.Duration
	MaxRetries     int

	// Relay server
	ListenAddr string
	StorePath  string
}

// Options for loading config with CLI flag overrides. Zero values fall
// through to the environment.
type Options struct {
	Domain      string
	ServerURL   string
	STUNServer  string
	TURNServer  string
	TURNUser    string
	TURNPass    string
	ForceRelay  bool
	DisplayName string
	AudioFile   string
	VideoFile   string

	ConnectTimeout time.Duration
	RetryBackoff   time.Duration
	MaxRetries     int

	ListenAddr string
	StorePath  string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	cfg := &Config{
		Domain:      pick(opts.Domain, "DOMAIN", DefaultDomain),
		STUNServer:  pick(opts.STUNServer, "STUN_SERVER", DefaultSTUN),
		TURNServer:  pick(opts.TURNServer, "TURN_SERVER", DefaultTURN),
		TURNUser:    pick(opts.TURNUser, "TURN_USERNAME", DefaultTURNUser),
		TURNPass:    pick(opts.TURNPass, "TURN_PASSWORD", DefaultTURNPass),
		DisplayName: pick(opts.DisplayName, "WARPCALL_NAME", defaultDisplayName()),
		AudioFile:   pick(opts.AudioFile, "WARPCALL_AUDIO", ""),
		VideoFile:   pick(opts.VideoFile, "WARPCALL_VIDEO", ""),
		ListenAddr:  pick(opts.ListenAddr, "LISTEN_ADDR", DefaultListenAddr),
		StorePath:   pick(opts.StorePath, "WARPCALL_DB", defaultStorePath()),
	}

	// Construct WebSocket URL
	cfg.WebSocketURL = pick(opts.ServerURL, "SERVER_URL", fmt.Sprintf("wss://%s/ws", cfg.Domain))

	var err error
	if cfg.ForceRelay, err = pickBool(opts.ForceRelay, "FORCE_RELAY"); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout, err = pickDuration(opts.ConnectTimeout, "CONNECT_TIMEOUT", DefaultConnectTimeout); err != nil {
		return nil, err
	}
	if cfg.RetryBackoff, err = pickDuration(opts.RetryBackoff, "RETRY_BACKOFF", DefaultRetryBackoff); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = pickInt(opts.MaxRetries, "MAX_RETRIES", DefaultMaxRetries); err != nil {
		return nil, err
	}

	return cfg, nil
}

func pick(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func pickBool(flag bool, env string) (bool, error) {
	if flag {
		return true, nil
	}
	v := os.Getenv(env)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", env, v, err)
	}
	return b, nil
}

func pickDuration(flag time.Duration, env string, def time.Duration) (time.Duration, error) {
	if flag > 0 {
		return flag, nil
	}
	v := os.Getenv(env)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive duration", env, v)
	}
	return d, nil
}

func pickInt(flag int, env string, def int) (int, error) {
	if flag > 0 {
		return flag, nil
	}
	v := os.Getenv(env)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive integer", env, v)
	}
	return n, nil
}

func defaultDisplayName() string {
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	if host, err := os.Hostname(); err == nil {
		return strings.Split(host, ".")[0]
	}
	return "guest"
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "warpcall.db"
	}
	return filepath.Join(dir, "warpcall", "warpcall.db")
}

// GetRoomLink returns the webapp URL for a room ID
func (c *Config) GetRoomLink(roomID string) string {
	return fmt.Sprintf("https://%s/r/%s", c.Domain, roomID)
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	return []string{
		fmt.Sprintf("%s:3478?transport=udp", c.TURNServer),
		fmt.Sprintf("%s:3478?transport=tcp", c.TURNServer),
		fmt.Sprintf("turns:%s:5349?transport=tcp", strings.TrimPrefix(c.TURNServer, "turn:")),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}
