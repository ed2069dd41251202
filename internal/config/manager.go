package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paperbase/paperbase/internal/rag"
)

// Config holds the user's persistent configuration preferences.
type Config struct {
	LLMProvider    string `json:"llm_provider,omitempty"`    // openai, anthropic
	APIKey         string `json:"api_key,omitempty"`         // The API key for the selected provider
	Model          string `json:"model,omitempty"`           // Completion model name
	BaseURL        string `json:"base_url,omitempty"`        // Optional override for API base URL
	EmbeddingKey   string `json:"embedding_key,omitempty"`   // Optional separate key for embeddings
	EmbeddingModel string `json:"embedding_model,omitempty"` // Embedding model name
	Dimension      int    `json:"dimension,omitempty"`       // Embedding dimension
	DataDir        string `json:"data_dir,omitempty"`        // Where the database and index live
	TopK           int    `json:"top_k,omitempty"`           // Chunks fed to the answer prompt
	ChunkSize      int    `json:"chunk_size,omitempty"`      // Runes per chunk
	ChunkOverlap   int    `json:"chunk_overlap,omitempty"`   // Runes shared between chunks
	MinChunkSize   int    `json:"min_chunk_size,omitempty"`  // Smallest retained chunk
}

// ApplyDefaults fills unset fields with working values.
func (c *Config) ApplyDefaults() {
	if c.LLMProvider == "" {
		c.LLMProvider = "openai"
	}
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = "text-embedding-3-small"
	}
	if c.Dimension == 0 {
		c.Dimension = 1536
	}
	if c.TopK == 0 {
		c.TopK = 5
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = rag.DefaultChunking.Size
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = rag.DefaultChunking.Overlap
	}
	if c.MinChunkSize == 0 {
		c.MinChunkSize = rag.DefaultChunking.MinSize
	}
}

// Chunking returns the chunking settings as the engine expects them.
func (c *Config) Chunking() rag.ChunkingConfig {
	return rag.ChunkingConfig{Size: c.ChunkSize, Overlap: c.ChunkOverlap, MinSize: c.MinChunkSize}
}

// Manager handles loading and saving the configuration.
type Manager struct {
	configDir string
}

// NewManager creates a new configuration manager.
func NewManager() (*Manager, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user config dir: %w", err)
	}

	return &Manager{
		configDir: filepath.Join(configDir, "paperbase"),
	}, nil
}

// GetConfigPath returns the absolute path to the config.json file.
func (m *Manager) GetConfigPath() string {
	return filepath.Join(m.configDir, "config.json")
}

// Load reads the configuration from disk.
// If the file does not exist, it returns a default Config and no error.
func (m *Manager) Load() (*Config, error) {
	path := m.GetConfigPath()

	var cfg Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg.ApplyDefaults()
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config json: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// Save writes the configuration to disk with restricted permissions (0600).
func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(m.configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The config can hold API keys; keep it owner-only.
	if err := os.WriteFile(m.GetConfigPath(), data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Exists checks if the configuration file has been created.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.GetConfigPath())
	return !os.IsNotExist(err)
}
