package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all ratchetd configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr        string `json:"listen_addr"`
	DBPath            string `json:"db_path"`
	LogLevel          string `json:"log_level"`
	PoolSize          int    `json:"pool_size"`
	BatchSize         int    `json:"batch_size"`
	PollInterval      string `json:"poll_interval"`
	LeaseTTL          string `json:"lease_ttl"`
	SchedulerInterval string `json:"scheduler_interval"`
	MaxTriggerDepth   int    `json:"max_trigger_depth"`
	VaultKey          string `json:"vault_key"`        // hex-encoded 32-byte key
	VaultPassphrase   string `json:"vault_passphrase"` // alternative to vault_key
	VaultSalt         string `json:"vault_salt"`       // required with vault_passphrase
	MCP               bool   `json:"mcp"`

	// EventFields lists, per event type, the payload fields workflows may
	// reference. Events not listed here still match triggers but expose no
	// payload fields to conditions or templates.
	EventFields map[string][]string `json:"event_fields"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:        ":8080",
		DBPath:            filepath.Join(ratchetDir(), "ratchet.db"),
		LogLevel:          "info",
		PoolSize:          8,
		BatchSize:         10,
		PollInterval:      "1s",
		LeaseTTL:          "2m",
		SchedulerInterval: "30s",
		MaxTriggerDepth:   5,
	}
}

func ratchetDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ratchet"
	}
	return filepath.Join(home, ".ratchet")
}

func settingsPath() string {
	return filepath.Join(ratchetDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("RATCHET_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("RATCHET_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RATCHET_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RATCHET_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("RATCHET_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BatchSize = n
		}
	}
	if v := os.Getenv("RATCHET_POLL_INTERVAL"); v != "" {
		cfg.PollInterval = v
	}
	if v := os.Getenv("RATCHET_LEASE_TTL"); v != "" {
		cfg.LeaseTTL = v
	}
	if v := os.Getenv("RATCHET_SCHEDULER_INTERVAL"); v != "" {
		cfg.SchedulerInterval = v
	}
	if v := os.Getenv("RATCHET_MAX_TRIGGER_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxTriggerDepth = n
		}
	}
	if v := os.Getenv("RATCHET_VAULT_KEY"); v != "" {
		cfg.VaultKey = v
	}
	if v := os.Getenv("RATCHET_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}
	if v := os.Getenv("RATCHET_VAULT_SALT"); v != "" {
		cfg.VaultSalt = v
	}
	if v := os.Getenv("RATCHET_MCP"); v != "" {
		cfg.MCP = v == "true" || v == "1"
	}

	return cfg
}

// duration parses a config duration string, falling back when unset or invalid.
func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
