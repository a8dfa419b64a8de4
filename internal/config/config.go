package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Backend   BackendConfig   `json:"backend" yaml:"backend"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	Overlay   OverlayConfig   `json:"overlay" yaml:"overlay"`
	Output    OutputConfig    `json:"output" yaml:"output"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
}

// BackendConfig selects the remote vision model
type BackendConfig struct {
	// Name is one of gemini, ollama, openai
	Name           string `json:"name" yaml:"name"`
	Model          string `json:"model" yaml:"model"`
	URL            string `json:"url" yaml:"url"`
	APIKey         string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// DetectionConfig holds request-side options
type DetectionConfig struct {
	Language string `json:"language" yaml:"language"`
	// MaxSendDim downsizes images before upload. 0 sends the original bytes.
	MaxSendDim  int `json:"max_send_dim" yaml:"max_send_dim"`
	SendQuality int `json:"send_quality" yaml:"send_quality"`
}

// OverlayConfig holds rendering options
type OverlayConfig struct {
	FallbackWidth  int `json:"fallback_width" yaml:"fallback_width"`
	FallbackHeight int `json:"fallback_height" yaml:"fallback_height"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	Format   string `json:"format" yaml:"format"`
	Dir      string `json:"dir" yaml:"dir"`
	Quality  int    `json:"quality" yaml:"quality"`
	Lossless bool   `json:"lossless" yaml:"lossless"`
}

// StorageConfig locates the SQLite database. An empty path keeps state in
// memory only.
type StorageConfig struct {
	Path string `json:"path" yaml:"path"`
}

type ServerConfig struct {
	// Enabled starts the HTTP API instead of the one-shot CLI
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Addr        string `json:"addr" yaml:"addr"`
	// MaxUploadMB bounds multipart uploads
	MaxUploadMB int `json:"max_upload_mb" yaml:"max_upload_mb"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Pretty bool   `json:"pretty" yaml:"pretty"`
}

// Backend names
const (
	BackendGemini = "gemini"
	BackendOllama = "ollama"
	BackendOpenAI = "openai"
)

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Name:           BackendGemini,
			TimeoutSeconds: 120,
		},
		Detection: DetectionConfig{
			Language:    "en",
			MaxSendDim:  0,
			SendQuality: 90,
		},
		Overlay: OverlayConfig{
			FallbackWidth:  300,
			FallbackHeight: 150,
		},
		Output: OutputConfig{
			Format:  "png",
			Dir:     "./output",
			Quality: 90,
		},
		Storage: StorageConfig{
			Path: filepath.Join(configDir(), "firewatch.db"),
		},
		Server: ServerConfig{
			Addr:        ":8080",
			MaxUploadMB: 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// Timeout returns the backend timeout as a duration
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

// LoadFromFile loads configuration on top of the defaults. Files ending in
// .yaml or .yml are read as YAML, anything else as JSON.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if isYAML(filename) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration in the format implied by the extension
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(filename) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file may carry an API key
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv loads envFile (if it exists) into the process environment and
// applies FIREWATCH_* overrides. GEMINI_API_KEY and API_KEY are accepted for
// the credential as well.
func (c *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	setString := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := strings.TrimSpace(os.Getenv(k)); v != "" {
				*dst = v
				return
			}
		}
	}
	setInt := func(dst *int, key string) error {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	setString(&c.Backend.Name, "FIREWATCH_BACKEND")
	setString(&c.Backend.Model, "FIREWATCH_MODEL")
	setString(&c.Backend.URL, "FIREWATCH_URL")
	setString(&c.Backend.APIKey, "FIREWATCH_API_KEY", "GEMINI_API_KEY", "API_KEY")
	setString(&c.Detection.Language, "FIREWATCH_LANG")
	setString(&c.Storage.Path, "FIREWATCH_DB")
	setString(&c.Server.Addr, "FIREWATCH_ADDR")
	setString(&c.Logging.Level, "FIREWATCH_LOG_LEVEL")

	if err := setInt(&c.Backend.TimeoutSeconds, "FIREWATCH_TIMEOUT_SECONDS"); err != nil {
		return err
	}
	if v := strings.TrimSpace(os.Getenv("FIREWATCH_SERVE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FIREWATCH_SERVE: %w", err)
		}
		c.Server.Enabled = b
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Backend.Name {
	case BackendGemini, BackendOllama, BackendOpenAI:
	default:
		return fmt.Errorf("backend.name must be one of gemini, ollama, openai")
	}

	if c.Backend.TimeoutSeconds < 0 {
		return fmt.Errorf("backend.timeout_seconds must not be negative")
	}

	if c.Detection.MaxSendDim < 0 {
		return fmt.Errorf("detection.max_send_dim must not be negative")
	}

	if c.Detection.SendQuality < 1 || c.Detection.SendQuality > 100 {
		return fmt.Errorf("detection.send_quality must be between 1 and 100")
	}

	if c.Overlay.FallbackWidth < 1 || c.Overlay.FallbackHeight < 1 {
		return fmt.Errorf("overlay fallback size must be positive")
	}

	switch strings.ToLower(c.Output.Format) {
	case "png", "jpg", "jpeg", "webp":
	default:
		return fmt.Errorf("output.format must be png, jpg or webp")
	}

	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100")
	}

	if c.Server.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required when the server is enabled")
	}

	if c.Server.MaxUploadMB < 1 {
		return fmt.Errorf("server.max_upload_mb must be positive")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "firewatch")
}

func isYAML(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".yaml" || ext == ".yml"
}
