// Package config handles Loom configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/loom/config.yaml, /etc/loom/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "loom", "config.yaml"))
	}

	paths = append(paths, "/etc/loom/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Loom configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ExtractorConfig defines the LLM keyword extractor. When disabled (or
// when the model is unreachable) keyword indexing falls back to the
// deterministic tokenizer.
type ExtractorConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Model      string `yaml:"model"`       // Ollama model name (e.g. qwen3:4b)
	BaseURL    string `yaml:"baseurl"`     // Ollama URL (default: http://localhost:11434)
	TimeoutSec int    `yaml:"timeout_sec"` // Per-extraction timeout (default 30)
}

// RetrievalConfig tunes sliding-window retrieval. Zero values mean the
// retriever's own defaults.
type RetrievalConfig struct {
	WindowSize  int `yaml:"window_size"`  // Messages kept each side of a keyword hit
	MaxMessages int `yaml:"max_messages"` // Cap on a retrieved window
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{Port: 8080},
		DataDir: "data",
		Extractor: ExtractorConfig{
			Model:      "qwen3:4b",
			BaseURL:    "http://localhost:11434",
			TimeoutSec: 30,
		},
	}
}
