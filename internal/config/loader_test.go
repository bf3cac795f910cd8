package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFirstNonEmpty(t *testing.T) {
	if v := firstNonEmpty("", "foo", "bar"); v != "foo" {
		t.Fatalf("expected 'foo', got %q", v)
	}
	if v := firstNonEmpty(); v != "" {
		t.Fatalf("expected empty, got %q", v)
	}
}

func TestParseInt(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		n, err := parseInt("42")
		if err != nil || n != 42 {
			t.Fatalf("parseInt(42) = %d, %v", n, err)
		}
	})
	t.Run("invalid", func(t *testing.T) {
		if _, err := parseInt("nope"); err == nil {
			t.Fatalf("expected error")
		}
	})
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != DefaultServer().ListenAddr {
		t.Fatalf("expected default listen addr, got %q", cfg.Server.ListenAddr)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := `
server:
  listen_addr: "0.0.0.0:9999"
knobs:
  model_path: "/models/test.gguf"
  sampler:
    kind: greedy
    temperature: 0.1
`
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != "0.0.0.0:9999" {
		t.Fatalf("expected overridden listen addr, got %q", cfg.Server.ListenAddr)
	}
	if cfg.Knobs.ModelPath != "/models/test.gguf" {
		t.Fatalf("expected overridden model path, got %q", cfg.Knobs.ModelPath)
	}
	if cfg.Knobs.Sampler.Kind != SamplerGreedy {
		t.Fatalf("expected greedy sampler, got %q", cfg.Knobs.Sampler.Kind)
	}
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  listen_addr: \"0.0.0.0:9999\"\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("LISTEN_ADDR", "127.0.0.1:1234")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:1234" {
		t.Fatalf("expected env override, got %q", cfg.Server.ListenAddr)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := Default()
	cfg.Knobs.ModelPath = "/models/roundtrip.gguf"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Knobs.ModelPath != cfg.Knobs.ModelPath {
		t.Fatalf("expected %q, got %q", cfg.Knobs.ModelPath, loaded.Knobs.ModelPath)
	}
}
