// Package config handles Oracle configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/oracle/config.yaml, /etc/oracle/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "oracle", "config.yaml"))
	}

	paths = append(paths, "/etc/oracle/config.yaml")
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

// Config holds all Oracle configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
	LogFormat    string             `yaml:"log_format"` // text (default) or json
	Assembler    AssemblerConfig    `yaml:"assembler"`
	Generation   GenerationConfig   `yaml:"generation"`
	Voice        VoiceConfig        `yaml:"voice"`
	Persist      PersistConfig      `yaml:"persist"`
	Memory       MemoryConfig       `yaml:"memory"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	// Heartbeat is the idle interval between event-stream keepalives.
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// AssemblerConfig controls context assembly.
type AssemblerConfig struct {
	// BudgetTokens is the default token budget when a request does not
	// specify one.
	BudgetTokens int `yaml:"budget_tokens"`
	// LayerTimeout bounds each individual layer query.
	LayerTimeout time.Duration `yaml:"layer_timeout"`
	// TopK is how many fragments each layer may contribute.
	TopK int `yaml:"top_k"`
	// LayerTimeouts overrides LayerTimeout per layer name
	// (profile, session, symbolic, journal, external).
	LayerTimeouts map[string]time.Duration `yaml:"layer_timeouts"`
}

// ProviderConfig describes one entry of a provider chain. Kind selects
// the adapter; the remaining fields are interpreted by that adapter.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Voice   string `yaml:"voice"` // speech providers only

	// Pricing in USD per million tokens, used for usage cost. Zero
	// means free (local models).
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// GenerationConfig controls the text provider chain.
type GenerationConfig struct {
	Providers      []ProviderConfig `yaml:"providers"`
	AttemptTimeout time.Duration    `yaml:"attempt_timeout"`
	MaxAttempts    int              `yaml:"max_attempts"` // per provider, including the first
	RetryDelay     time.Duration    `yaml:"retry_delay"`
	SystemPrompt   string           `yaml:"system_prompt"`
	DegradedReply  string           `yaml:"degraded_reply"`
}

// VoiceConfig controls the background synthesis queue.
type VoiceConfig struct {
	Enabled        bool             `yaml:"enabled"`
	Providers      []ProviderConfig `yaml:"providers"`
	Workers        int              `yaml:"workers"`
	QueueSize      int              `yaml:"queue_size"`
	AttemptTimeout time.Duration    `yaml:"attempt_timeout"`
	MaxAttempts    int              `yaml:"max_attempts"`
	RetryDelay     time.Duration    `yaml:"retry_delay"`
	AudioDir       string           `yaml:"audio_dir"`
	Format         string           `yaml:"format"` // mp3, wav, opus
	Speed          float64          `yaml:"speed"`
}

// PersistConfig controls the turn persister.
type PersistConfig struct {
	EnrichmentBudget time.Duration `yaml:"enrichment_budget"`
	Workers          int           `yaml:"workers"`
	// Extractor is "keywords" (default) or the name of a generation
	// provider to use for LLM theme extraction.
	Extractor string `yaml:"extractor"`
}

// MemoryConfig selects memory layer backends.
type MemoryConfig struct {
	SessionBackend string           `yaml:"session_backend"` // sqlite (default) or redis
	SessionWindow  int              `yaml:"session_window"`  // recent turns retained per session
	Redis          RedisConfig      `yaml:"redis"`
	Embeddings     EmbeddingsConfig `yaml:"embeddings"`
}

// EmbeddingsConfig enables semantic scoring of the journal and external
// layers through an Ollama embedding model.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"` // default: http://localhost:11434
	Model   string `yaml:"model"`    // default: nomic-embed-text
}

// RedisConfig holds configuration for the Redis session backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MQTTConfig defines the optional MQTT mirror of voice events.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"` // default: generated once and kept in data_dir
}

// HousekeepingConfig controls periodic maintenance jobs.
type HousekeepingConfig struct {
	Schedule       string        `yaml:"schedule"` // cron spec
	AudioRetention time.Duration `yaml:"audio_retention"`
	StuckAfter     time.Duration `yaml:"stuck_after"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration that runs without any
// external provider: the echo text provider and the silence speech
// provider.
func Default() *Config {
	cfg := &Config{
		Generation: GenerationConfig{
			Providers: []ProviderConfig{{Name: "echo", Kind: "echo"}},
		},
		Voice: VoiceConfig{
			Enabled:   true,
			Providers: []ProviderConfig{{Name: "silence", Kind: "silence"}},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Listen.Heartbeat == 0 {
		c.Listen.Heartbeat = 15 * time.Second
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Assembler.BudgetTokens == 0 {
		c.Assembler.BudgetTokens = 2048
	}
	if c.Assembler.LayerTimeout == 0 {
		c.Assembler.LayerTimeout = 150 * time.Millisecond
	}
	if c.Assembler.TopK == 0 {
		c.Assembler.TopK = 8
	}
	if c.Generation.AttemptTimeout == 0 {
		c.Generation.AttemptTimeout = 8 * time.Second
	}
	if c.Generation.MaxAttempts == 0 {
		c.Generation.MaxAttempts = 3
	}
	if c.Generation.RetryDelay == 0 {
		c.Generation.RetryDelay = 200 * time.Millisecond
	}
	if c.Voice.Workers == 0 {
		c.Voice.Workers = 2
	}
	if c.Voice.QueueSize == 0 {
		c.Voice.QueueSize = 64
	}
	if c.Voice.AttemptTimeout == 0 {
		c.Voice.AttemptTimeout = 30 * time.Second
	}
	if c.Voice.MaxAttempts == 0 {
		c.Voice.MaxAttempts = 3
	}
	if c.Voice.RetryDelay == 0 {
		c.Voice.RetryDelay = 500 * time.Millisecond
	}
	if c.Voice.AudioDir == "" {
		c.Voice.AudioDir = filepath.Join(c.DataDir, "audio")
	}
	if c.Voice.Format == "" {
		c.Voice.Format = "mp3"
	}
	if c.Voice.Speed == 0 {
		c.Voice.Speed = 1.0
	}
	if c.Persist.EnrichmentBudget == 0 {
		c.Persist.EnrichmentBudget = 350 * time.Millisecond
	}
	if c.Persist.Workers == 0 {
		c.Persist.Workers = 4
	}
	if c.Persist.Extractor == "" {
		c.Persist.Extractor = "keywords"
	}
	if c.Memory.SessionBackend == "" {
		c.Memory.SessionBackend = "sqlite"
	}
	if c.Memory.SessionWindow == 0 {
		c.Memory.SessionWindow = 50
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "oracle"
	}
	if c.Housekeeping.Schedule == "" {
		c.Housekeeping.Schedule = "@every 10m"
	}
	if c.Housekeeping.AudioRetention == 0 {
		c.Housekeeping.AudioRetention = 7 * 24 * time.Hour
	}
	if c.Housekeeping.StuckAfter == 0 {
		c.Housekeeping.StuckAfter = 15 * time.Minute
	}
}

var (
	textKinds   = map[string]bool{"anthropic": true, "ollama": true, "openai": true, "echo": true}
	speechKinds = map[string]bool{"openai_speech": true, "http_speech": true, "silence": true}
)

// Validate reports configuration errors that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Generation.Providers) == 0 {
		errs = append(errs, errors.New("generation.providers: at least one provider is required"))
	}
	errs = append(errs, validateChain("generation.providers", c.Generation.Providers, textKinds)...)

	if c.Voice.Enabled {
		if len(c.Voice.Providers) == 0 {
			errs = append(errs, errors.New("voice.providers: at least one provider is required when voice is enabled"))
		}
		errs = append(errs, validateChain("voice.providers", c.Voice.Providers, speechKinds)...)
	}

	if c.Assembler.BudgetTokens < 0 {
		errs = append(errs, fmt.Errorf("assembler.budget_tokens: must be positive, got %d", c.Assembler.BudgetTokens))
	}

	switch c.Memory.SessionBackend {
	case "sqlite":
	case "redis":
		if c.Memory.Redis.Addr == "" {
			errs = append(errs, errors.New("memory.redis.addr: required when session_backend is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("memory.session_backend: unknown backend %q (valid: sqlite, redis)", c.Memory.SessionBackend))
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker: required when mqtt is enabled"))
	}

	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format: unknown format %q (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}

func validateChain(field string, chain []ProviderConfig, kinds map[string]bool) []error {
	var errs []error
	seen := make(map[string]bool, len(chain))
	for i, p := range chain {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s[%d]: name is required", field, i))
		} else if seen[p.Name] {
			errs = append(errs, fmt.Errorf("%s[%d]: duplicate name %q", field, i, p.Name))
		}
		seen[p.Name] = true
		if !kinds[p.Kind] {
			errs = append(errs, fmt.Errorf("%s[%d]: unknown kind %q", field, i, p.Kind))
		}
	}
	return errs
}
