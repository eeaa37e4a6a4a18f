package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Gateway   GatewayConfig           `toml:"gateway"`
	Store     StoreConfig             `toml:"store"`
	Engines   map[string]EngineConfig `toml:"engines"`
	Routing   RoutingConfig           `toml:"routing"`
	Embedding EmbeddingConfig         `toml:"embedding"`
	Memory    MemoryConfig            `toml:"memory"`
	Prompt    PromptConfig            `toml:"prompt"`
	Bootstrap BootstrapConfig         `toml:"bootstrap"`
	Workers   WorkersConfig           `toml:"workers"`
	Transport TransportConfig         `toml:"transport"`
	Observer  ObserverConfig          `toml:"observer"`
}

type GatewayConfig struct {
	Port int `toml:"port"`
}

type StoreConfig struct {
	// Backend selects the persistence implementation: "sqlite" or
	// "postgres".
	Backend     string `toml:"backend"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type EngineConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
}

type RoutingConfig struct {
	// Priorities maps a task type to an ordered engine preference list.
	Priorities map[string][]string `toml:"priorities"`
}

type EmbeddingConfig struct {
	Provider   string `toml:"provider"`
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
	APIKey     string `toml:"api_key"`
}

type MemoryConfig struct {
	Alpha      float64 `toml:"alpha"`
	Gamma      float64 `toml:"gamma"`
	Tau        float64 `toml:"tau"`
	VectorTopK int     `toml:"vector_top_k"`
}

type PromptConfig struct {
	Budget int `toml:"budget"`
}

type BootstrapConfig struct {
	Dir     string `toml:"dir"`
	FileCap int    `toml:"file_cap"`
	Mode    string `toml:"mode"`
}

type WorkersConfig struct {
	Count    int `toml:"count"`
	QueueCap int `toml:"queue_cap"`
}

type TransportConfig struct {
	// Priority is the outbound channel preference order.
	Priority []string `toml:"priority"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	workspace := filepath.Join(home, "orion-workspace")
	return Config{
		Gateway:   GatewayConfig{Port: 8765},
		Store:     StoreConfig{Backend: "sqlite", Path: "orion.db"},
		Embedding: EmbeddingConfig{Provider: "gemini", Model: "gemini-embedding-001", Dimensions: 1536},
		Memory:    MemoryConfig{Alpha: 0.3, Gamma: 0.9, Tau: 1.0, VectorTopK: 10},
		Prompt:    PromptConfig{Budget: 24_000},
		Bootstrap: BootstrapConfig{Dir: workspace, Mode: "chat"},
		Workers:   WorkersConfig{Count: 4, QueueCap: 64},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "orion.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("ORION_GATEWAY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Gateway.Port = n
		}
	}
	if v := os.Getenv("ORION_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("ORION_SQLITE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("ORION_POSTGRES_URL"); v != "" {
		cfg.Store.PostgresURL = v
	}
	if v := os.Getenv("ORION_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("ORION_BOOTSTRAP_DIR"); v != "" {
		cfg.Bootstrap.Dir = v
	}
	if os.Getenv("ORION_OBSERVER_ENABLED") == "true" || os.Getenv("ORION_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks. A shared key covers any engine block without its own,
	// and the embedding key defaults to the first engine that has one.
	shared := os.Getenv("ORION_API_KEY")
	for name, eng := range cfg.Engines {
		if eng.APIKey == "" && shared != "" {
			eng.APIKey = shared
			cfg.Engines[name] = eng
		}
	}
	if cfg.Embedding.APIKey == "" && shared != "" {
		cfg.Embedding.APIKey = shared
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "sqlite"
	}
	if cfg.Bootstrap.Mode == "" {
		cfg.Bootstrap.Mode = "chat"
	}

	return cfg
}
