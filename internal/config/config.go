// Package config holds runtime settings for the hub and the chat client.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is populated from defaults, then MESHCHAT_* environment variables,
// then command-line flags.
type Config struct {
	ListenAddr string // hub listen address
	HubURL     string // websocket URL of the hub for clients
	DataDir    string

	LogLevel  string
	LogPretty bool

	Model   string
	APIKey  string
	BaseURL string

	ICEServers         []string
	NegotiationTimeout time.Duration
	GenerationTimeout  time.Duration
	SweepInterval      time.Duration
	RoomWindow         int
	HistoryTokens      int
	CloudSync          bool
	Metrics            bool
}

// Default returns the built-in settings.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		ListenAddr: "127.0.0.1:3000",
		HubURL:     "ws://127.0.0.1:3000/api/ws",
		DataDir:    filepath.Join(home, ".meshchat"),
		LogLevel:   "info",
		Model:      "gpt-4o-mini",
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		NegotiationTimeout: 30 * time.Second,
		GenerationTimeout:  2 * time.Minute,
		SweepInterval:      10 * time.Second,
		RoomWindow:         50,
		HistoryTokens:      6000,
		Metrics:            true,
	}
}

// FromEnv returns Default overridden by any MESHCHAT_* variables that are set.
// Malformed values are ignored.
func FromEnv() Config {
	return fromLookup(Default(), os.LookupEnv)
}

func fromLookup(c Config, lookup func(string) (string, bool)) Config {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	// Negative durations are ignored. Zero disables a timeout.
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				*dst = d
			}
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("MESHCHAT_LISTEN", &c.ListenAddr)
	str("MESHCHAT_HUB_URL", &c.HubURL)
	str("MESHCHAT_DATA_DIR", &c.DataDir)
	str("MESHCHAT_LOG_LEVEL", &c.LogLevel)
	flag("MESHCHAT_LOG_PRETTY", &c.LogPretty)
	str("MESHCHAT_MODEL", &c.Model)
	str("MESHCHAT_API_KEY", &c.APIKey)
	if c.APIKey == "" {
		str("OPENAI_API_KEY", &c.APIKey)
	}
	str("MESHCHAT_BASE_URL", &c.BaseURL)
	if v, ok := lookup("MESHCHAT_ICE_SERVERS"); ok && v != "" {
		c.ICEServers = SplitList(v)
	}
	dur("MESHCHAT_NEGOTIATION_TIMEOUT", &c.NegotiationTimeout)
	dur("MESHCHAT_GENERATION_TIMEOUT", &c.GenerationTimeout)
	if v, ok := lookup("MESHCHAT_SWEEP_INTERVAL"); ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.SweepInterval = d
		}
	}
	num("MESHCHAT_ROOM_WINDOW", &c.RoomWindow)
	num("MESHCHAT_HISTORY_TOKENS", &c.HistoryTokens)
	flag("MESHCHAT_CLOUD_SYNC", &c.CloudSync)
	flag("MESHCHAT_METRICS", &c.Metrics)
	return c
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// LocalDBPath is the bbolt file used for identity and saved sessions.
func (c Config) LocalDBPath() string {
	return filepath.Join(c.DataDir, "local.bolt")
}

// HubDBPath is the sqlite file backing the hub's documents.
func (c Config) HubDBPath() string {
	return filepath.Join(c.DataDir, "hub.db")
}
