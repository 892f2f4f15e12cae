package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "threadline.yml"

// Config models threadline.yml.
type Config struct {
	Generation struct {
		TargetMessages int     `yaml:"target_messages"`
		DurationHours  float64 `yaml:"duration_hours"`
		HistoryWindow  int     `yaml:"history_window"`
		Jitter         string  `yaml:"jitter"`
		Pacing         string  `yaml:"pacing"`
		Seed           uint64  `yaml:"seed"`
	} `yaml:"generation"`
	Checkpoint struct {
		Enabled   bool     `yaml:"enabled"`
		Interval  int      `yaml:"interval"`
		OutputDir string   `yaml:"output_dir"`
		Styles    []string `yaml:"styles"`
	} `yaml:"checkpoint"`
	Dialogue struct {
		Provider    string  `yaml:"provider"`
		Model       string  `yaml:"model"`
		Temperature float32 `yaml:"temperature"`
		MinChars    int     `yaml:"min_chars"`
		MaxChars    int     `yaml:"max_chars"`
	} `yaml:"dialogue"`
	Catalog struct {
		Source     string `yaml:"source"`
		Characters int    `yaml:"characters"`
		SubEvents  int    `yaml:"sub_events"`
	} `yaml:"catalog"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type Webhook struct {
	ID     string   `yaml:"id"`
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

// Dialogue providers.
const (
	ProviderGemini   = "gemini"
	ProviderScripted = "scripted"
)

// Catalog sources.
const (
	SourceBuiltin   = "builtin"
	SourceGenerated = "generated"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	g := c.Generation
	if g.TargetMessages <= 0 {
		return fmt.Errorf("generation.target_messages must be > 0")
	}
	if g.DurationHours <= 0 {
		return fmt.Errorf("generation.duration_hours must be > 0")
	}
	if g.HistoryWindow < 0 {
		return fmt.Errorf("generation.history_window must not be negative")
	}
	if _, err := c.JitterDuration(); err != nil {
		return err
	}
	if _, err := c.PacingDuration(); err != nil {
		return err
	}
	if c.Checkpoint.Interval <= 0 {
		return fmt.Errorf("checkpoint.interval must be > 0")
	}
	for _, s := range c.Checkpoint.Styles {
		if s != "log" && s != "bubble" {
			return fmt.Errorf("checkpoint.styles: unknown style %q", s)
		}
	}
	switch c.Dialogue.Provider {
	case ProviderGemini, ProviderScripted:
	default:
		return fmt.Errorf("dialogue.provider must be %q or %q", ProviderGemini, ProviderScripted)
	}
	if c.Dialogue.MinChars <= 0 || c.Dialogue.MaxChars < c.Dialogue.MinChars {
		return fmt.Errorf("dialogue.min_chars must be > 0 and <= dialogue.max_chars")
	}
	switch c.Catalog.Source {
	case SourceBuiltin, SourceGenerated:
	default:
		return fmt.Errorf("catalog.source must be %q or %q", SourceBuiltin, SourceGenerated)
	}
	if c.Catalog.Characters <= 0 || c.Catalog.SubEvents < 0 {
		return fmt.Errorf("catalog.characters must be > 0 and catalog.sub_events >= 0")
	}
	seen := map[string]bool{}
	for _, wh := range c.Webhooks {
		if wh.ID == "" {
			return fmt.Errorf("webhook id is required")
		}
		if seen[wh.ID] {
			return fmt.Errorf("webhook %s is defined twice", wh.ID)
		}
		seen[wh.ID] = true
		if !strings.HasPrefix(wh.URL, "http://") && !strings.HasPrefix(wh.URL, "https://") {
			return fmt.Errorf("webhook %s url must be http(s)", wh.ID)
		}
	}
	return nil
}

// JitterDuration parses generation.jitter ("6m", "0s").
func (c *Config) JitterDuration() (time.Duration, error) {
	return parseDuration("generation.jitter", c.Generation.Jitter)
}

// PacingDuration parses generation.pacing.
func (c *Config) PacingDuration() (time.Duration, error) {
	return parseDuration("generation.pacing", c.Generation.Pacing)
}

func parseDuration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `generation:
  target_messages: 1000
  duration_hours: 240
  history_window: 3
  jitter: 6m
  pacing: 300ms
  seed: 0

checkpoint:
  enabled: true
  interval: 10
  output_dir: output
  styles: [log, bubble]

dialogue:
  provider: gemini
  model: gemini-2.0-flash
  temperature: 0.9
  min_chars: 30
  max_chars: 100

catalog:
  source: generated
  characters: 8
  sub_events: 15

server:
  addr: 127.0.0.1:8080
  base_path: /v0

webhooks: []
`
