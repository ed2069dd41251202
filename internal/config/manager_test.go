package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfig_ApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	if cfg.LLMProvider != "openai" {
		t.Errorf("LLMProvider = %s, want openai", cfg.LLMProvider)
	}
	if cfg.Dimension != 1536 {
		t.Errorf("Dimension = %d, want 1536", cfg.Dimension)
	}
	if cfg.TopK != 5 {
		t.Errorf("TopK = %d, want 5", cfg.TopK)
	}
	if err := cfg.Chunking().Validate(); err != nil {
		t.Errorf("Default chunking invalid: %v", err)
	}
}

func TestConfig_ApplyDefaults_KeepsExplicit(t *testing.T) {
	cfg := Config{LLMProvider: "anthropic", Dimension: 256, ChunkSize: 500}
	cfg.ApplyDefaults()

	if cfg.LLMProvider != "anthropic" {
		t.Errorf("LLMProvider = %s, want anthropic", cfg.LLMProvider)
	}
	if cfg.Dimension != 256 {
		t.Errorf("Dimension = %d, want 256", cfg.Dimension)
	}
	if cfg.ChunkSize != 500 {
		t.Errorf("ChunkSize = %d, want 500", cfg.ChunkSize)
	}
}

func TestManager_SaveAndLoad(t *testing.T) {
	dir, err := os.MkdirTemp("", "paperbase-config-*")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	defer os.RemoveAll(dir)

	m := &Manager{configDir: dir}

	if m.Exists() {
		t.Error("Exists() = true before any save")
	}

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load() on missing file error = %v", err)
	}
	if cfg.LLMProvider != "openai" {
		t.Errorf("Missing file did not yield defaults: %+v", cfg)
	}

	cfg.APIKey = "sk-test"
	cfg.Model = "gpt-4o"
	if err := m.Save(cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if !m.Exists() {
		t.Error("Exists() = false after save")
	}

	info, err := os.Stat(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Config file mode = %o, want 0600", info.Mode().Perm())
	}

	loaded, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.APIKey != "sk-test" || loaded.Model != "gpt-4o" {
		t.Errorf("Loaded = %+v, want saved values", loaded)
	}
}
