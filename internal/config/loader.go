package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from an optional YAML file and then lets
// environment variables (optionally loaded from a .env file in the
// current working directory) override individual fields. Layering env over YAML, rather than the
// reverse, means operators flipping one knob for a single run don't have
// to edit the committed YAML.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// Save writes cfg back to path as YAML, creating parent directories as
// needed. Used by the operator-facing "save config" flow; the store's
// own global configuration row is the mutable runtime copy, this is the
// on-disk default operators edit between runs.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("DATA_DIR")); v != "" {
		cfg.Server.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("DB_PATH")); v != "" {
		cfg.Server.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("MODEL_CACHE_DIR")); v != "" {
		cfg.Server.ModelCacheDir = v
	}
	if v := strings.TrimSpace(os.Getenv("WORKER_BINARY_PATH")); v != "" {
		cfg.Server.WorkerBinaryPath = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_FILE_PATH")); v != "" {
		cfg.Server.LogFilePath = v
	}
	if v := strings.TrimSpace(os.Getenv("MODEL_PATH")); v != "" {
		cfg.Knobs.ModelPath = v
	}
	if v := strings.TrimSpace(os.Getenv("DOWNLOAD_CHUNK_SIZE")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Server.DownloadChunkSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("WS_WRITE_TIMEOUT_MS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Server.WSWriteTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := strings.TrimSpace(os.Getenv("SHELL_TOOL_TIMEOUT_SECONDS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Server.ShellToolTimeout = time.Duration(n) * time.Second
		}
	}
	if cfg.Server.WSWriteTimeout == 0 {
		cfg.Server.WSWriteTimeout = 50 * time.Millisecond
	}
	if cfg.Server.ShellToolTimeout == 0 {
		cfg.Server.ShellToolTimeout = 15 * time.Second
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q: %w", s, err)
	}
	return n, nil
}
