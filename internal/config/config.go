// Package config resolves node settings from defaults, an optional .env
// file and HUDDLE_* environment variables. Command-line flags are applied on
// top by the caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/Operative-001/huddle/internal/logger"
)

// Environment variables understood by Load.
const (
	EnvPort             = "HUDDLE_PORT"
	EnvMulticastGroup   = "HUDDLE_MULTICAST_GROUP"
	EnvInterface        = "HUDDLE_INTERFACE"
	EnvAnnounceInterval = "HUDDLE_ANNOUNCE_INTERVAL"
	EnvLivenessTimeout  = "HUDDLE_LIVENESS_TIMEOUT"
	EnvJoinTimeout      = "HUDDLE_JOIN_TIMEOUT"
	EnvDedupWindow      = "HUDDLE_DEDUP_WINDOW"
	EnvDedupTTL         = "HUDDLE_DEDUP_TTL"
	EnvMetricsAddr      = "HUDDLE_METRICS_ADDR"
	EnvLogLevel         = logger.EnvLevel
)

// Config holds everything needed to run a node.
type Config struct {
	Port             int           // multicast port shared by every node on the segment
	MulticastGroup   string        // IPv4 multicast group for announcements
	Interface        string        // network interface name; empty = system default
	AnnounceInterval time.Duration // presence broadcast period
	LivenessTimeout  time.Duration // peer eviction after this long without an announce
	JoinTimeout      time.Duration // how long a join waits for its response
	DedupWindow      int           // max (sender, seq) pairs remembered
	DedupTTL         time.Duration // max age of a remembered pair
	LogLevel         string
	MetricsAddr      string // empty disables the metrics endpoint
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Port:             42424,
		MulticastGroup:   "239.255.42.99",
		AnnounceInterval: time.Second,
		LivenessTimeout:  5 * time.Second,
		JoinTimeout:      5 * time.Second,
		DedupWindow:      4096,
		DedupTTL:         2 * time.Minute,
		LogLevel:         "warn",
	}
}

// Load starts from Default, loads the given env files (".env" when none are
// named; a missing file is not an error) and applies HUDDLE_* variables.
// Variables already set in the process environment win over file values.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	c := Default()
	var err error
	if c.Port, err = envInt(EnvPort, c.Port); err != nil {
		return Config{}, err
	}
	c.MulticastGroup = envString(EnvMulticastGroup, c.MulticastGroup)
	c.Interface = envString(EnvInterface, c.Interface)
	if c.AnnounceInterval, err = envDuration(EnvAnnounceInterval, c.AnnounceInterval); err != nil {
		return Config{}, err
	}
	if c.LivenessTimeout, err = envDuration(EnvLivenessTimeout, c.LivenessTimeout); err != nil {
		return Config{}, err
	}
	if c.JoinTimeout, err = envDuration(EnvJoinTimeout, c.JoinTimeout); err != nil {
		return Config{}, err
	}
	if c.DedupWindow, err = envInt(EnvDedupWindow, c.DedupWindow); err != nil {
		return Config{}, err
	}
	if c.DedupTTL, err = envDuration(EnvDedupTTL, c.DedupTTL); err != nil {
		return Config{}, err
	}
	c.MetricsAddr = envString(EnvMetricsAddr, c.MetricsAddr)
	c.LogLevel = envString(EnvLogLevel, c.LogLevel)
	return c, c.Validate()
}

// Validate checks the settings for consistency.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	ip := net.ParseIP(c.MulticastGroup)
	if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
		return fmt.Errorf("config: %q is not an IPv4 multicast group", c.MulticastGroup)
	}
	if c.AnnounceInterval <= 0 {
		return errors.New("config: announce interval must be positive")
	}
	if c.LivenessTimeout < 2*c.AnnounceInterval {
		return fmt.Errorf("config: liveness timeout %s must be at least twice the announce interval %s",
			c.LivenessTimeout, c.AnnounceInterval)
	}
	if c.JoinTimeout <= 0 {
		return errors.New("config: join timeout must be positive")
	}
	if c.DedupWindow <= 0 || c.DedupTTL <= 0 {
		return errors.New("config: dedup window and ttl must be positive")
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
