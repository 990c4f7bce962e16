package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the loom configuration file (~/.config/loom/config.yaml).
// Sampling fields are pointers so "not set" stays distinguishable from zero
// values.
type Config struct {
	Model    string `yaml:"model"`
	Provider string `yaml:"provider"`

	// Remote backend
	RemoteURL    string `yaml:"remote_url"`
	RemoteAPIKey string `yaml:"remote_api_key"`

	// Sampling defaults
	Temperature   *float64 `yaml:"temperature"`
	TopK          *int64   `yaml:"top_k"`
	TopP          *float64 `yaml:"top_p"`
	Seed          *int64   `yaml:"seed"`
	MaxTokens     *int64   `yaml:"max_tokens"`
	ContextLength *int64   `yaml:"context_length"`

	// Output
	OutputPath string `yaml:"output_path"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "loom", "config.yaml")
}

// applyCommonConfig applies config file defaults wherever the matching CLI
// flag was not explicitly set.
func applyCommonConfig(c *cli.Command, cfg Config) {
	if cfg.Model != "" && !c.IsSet("model") {
		modelID = cfg.Model
	}
	if cfg.Provider != "" && !c.IsSet("provider") {
		providerKind = cfg.Provider
	}
	if cfg.RemoteURL != "" && !c.IsSet("remote-url") {
		remoteURL = cfg.RemoteURL
	}
	if cfg.RemoteAPIKey != "" && !c.IsSet("remote-api-key") {
		remoteAPIKey = cfg.RemoteAPIKey
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyGenerationConfig applies sampling defaults from the config file.
func applyGenerationConfig(c *cli.Command, cfg Config) {
	if cfg.Temperature != nil && !c.IsSet("temperature") && !c.IsSet("temp") && !c.IsSet("t") {
		temperature = *cfg.Temperature
	}
	if cfg.TopK != nil && !c.IsSet("top-k") {
		topK = *cfg.TopK
	}
	if cfg.TopP != nil && !c.IsSet("top-p") {
		topP = *cfg.TopP
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.MaxTokens != nil && !c.IsSet("max-tokens") && !c.IsSet("n") {
		maxTokens = *cfg.MaxTokens
	}
	if cfg.ContextLength != nil && !c.IsSet("context-length") && !c.IsSet("ctx") {
		contextLength = *cfg.ContextLength
	}
	if cfg.OutputPath != "" && !c.IsSet("out") {
		outPath = cfg.OutputPath
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist or fails to parse.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
