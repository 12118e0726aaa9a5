package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Database   DatabaseConfig   `toml:"database"`
	Bus        BusConfig        `toml:"bus"`
	Engine     EngineConfig     `toml:"engine"`
	LLM        LLMConfig        `toml:"llm"`
	Compaction CompactionConfig `toml:"compaction"`
	Sandbox    SandboxConfig    `toml:"sandbox"`
	Observer   ObserverConfig   `toml:"observer"`
}

type DatabaseConfig struct {
	// Driver selects the store backend: "sqlite" or "postgres".
	Driver string `toml:"driver"`
	// Path is the SQLite file location (sqlite driver only).
	Path string `toml:"path"`
	// DSN is the connection string (postgres driver only).
	DSN string `toml:"dsn"`
}

type BusConfig struct {
	RingCapacity    int `toml:"ring_capacity"`
	SubscriberQueue int `toml:"subscriber_queue"`
	// TopicTTLSeconds is how long an idle topic keeps its replay ring.
	TopicTTLSeconds int `toml:"topic_ttl_seconds"`
}

type EngineConfig struct {
	// Fanout bounds concurrent sub-workflow children per map node.
	Fanout int `toml:"fanout"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
}

type CompactionConfig struct {
	// ContextWindow is the model's token window.
	ContextWindow int `toml:"context_window"`
	// Threshold is the fill ratio above which compaction triggers.
	Threshold float64 `toml:"threshold"`
	// Encoding names the tiktoken BPE encoding; empty uses the default.
	Encoding string `toml:"encoding"`
}

type SandboxConfig struct {
	// Image is the container image code nodes run in.
	Image string `toml:"image"`
	// TimeoutSeconds bounds a single execution.
	TimeoutSeconds int `toml:"timeout_seconds"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Database:   DatabaseConfig{Driver: "sqlite", Path: "loom.db"},
		Bus:        BusConfig{RingCapacity: 1000, SubscriberQueue: 256, TopicTTLSeconds: 3600},
		Engine:     EngineConfig{Fanout: 5},
		Compaction: CompactionConfig{ContextWindow: 128000, Threshold: 0.8},
		Sandbox:    SandboxConfig{Image: "python:3.12-slim", TimeoutSeconds: 60},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "loom.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("LOOM_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("LOOM_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("LOOM_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("LOOM_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LOOM_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("LOOM_FANOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.Fanout = n
		}
	}
	if v := os.Getenv("LOOM_SANDBOX_IMAGE"); v != "" {
		cfg.Sandbox.Image = v
	}
	if os.Getenv("LOOM_OBSERVER_ENABLED") == "true" || os.Getenv("LOOM_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
