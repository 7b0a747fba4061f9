package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Engine describes how the analysis engine is launched and supervised.
type Engine struct {
	Command        string   `json:"command"`
	Args           []string `json:"args"`
	MaxLineBytes   int      `json:"max_line_bytes"`
	MaxRestarts    int      `json:"max_restarts"`
	InitialBackoff Duration `json:"initial_backoff"`
	MaxBackoff     Duration `json:"max_backoff"`
	ResetWindow    Duration `json:"reset_window"`
}

type Config struct {
	Engine            Engine   `json:"engine"`
	Debounce          Duration `json:"debounce"`
	ContextRange      int      `json:"context_range"`
	CompletionTimeout Duration `json:"completion_timeout"` // 0 waits for the next request
	StorePath         string   `json:"store_path"`         // empty keeps everything in memory
	MonitorAddr       string   `json:"monitor_addr"`
	TriggerCharacters []string `json:"trigger_characters"`
}

var defaultConfig = Config{
	Engine: Engine{
		Command:        "vrj",
		MaxLineBytes:   1024 * 1024,
		MaxRestarts:    5,
		InitialBackoff: Duration(1 * time.Second),
		MaxBackoff:     Duration(60 * time.Second),
		ResetWindow:    Duration(5 * time.Minute),
	},
	Debounce:          Duration(200 * time.Millisecond),
	ContextRange:      20,
	CompletionTimeout: Duration(10 * time.Second),
	MonitorAddr:       ":0",
	TriggerCharacters: []string{".", "(", " ", ","},
}

// Default returns a copy of the built-in configuration.
func Default() Config {
	cfg := defaultConfig
	cfg.TriggerCharacters = append([]string(nil), defaultConfig.TriggerCharacters...)
	return cfg
}

// Load overlays v on the defaults.
func Load(v any) (Config, error) {
	return Merge(Default(), v)
}

// Merge overlays v on base. Only fields present in v overwrite.
func Merge(base Config, v any) (Config, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Config{}, fmt.Errorf("failed to marshal source: %w", err)
	}

	cfg := base
	cfg.Engine.Args = append([]string(nil), base.Engine.Args...)
	cfg.TriggerCharacters = append([]string(nil), base.TriggerCharacters...)
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal into Config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.Engine.Command == "":
		return fmt.Errorf("engine.command must not be empty")
	case c.Engine.MaxLineBytes <= 0:
		return fmt.Errorf("engine.max_line_bytes must be positive, got %d", c.Engine.MaxLineBytes)
	case c.Engine.MaxRestarts < 0:
		return fmt.Errorf("engine.max_restarts must not be negative, got %d", c.Engine.MaxRestarts)
	case c.Engine.MaxRestarts > 0 && c.Engine.InitialBackoff <= 0:
		return fmt.Errorf("engine.initial_backoff must be positive when restarts are enabled, got %s", c.Engine.InitialBackoff)
	case c.Engine.MaxRestarts > 0 && c.Engine.MaxBackoff < c.Engine.InitialBackoff:
		return fmt.Errorf("engine.max_backoff must be at least engine.initial_backoff, got %s", c.Engine.MaxBackoff)
	case c.Engine.MaxRestarts > 0 && c.Engine.ResetWindow <= 0:
		return fmt.Errorf("engine.reset_window must be positive when restarts are enabled, got %s", c.Engine.ResetWindow)
	case c.Debounce < 0:
		return fmt.Errorf("debounce must not be negative, got %s", c.Debounce)
	case c.CompletionTimeout < 0:
		return fmt.Errorf("completion_timeout must not be negative, got %s", c.CompletionTimeout)
	}
	return nil
}
