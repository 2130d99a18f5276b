package sched

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	yaml "github.com/goccy/go-yaml"
)

// TaskConfig describes one task created at boot.
type TaskConfig struct {
	Name    string `yaml:"name"`
	Program string `yaml:"program"` // spin | yield
	Work    int    `yaml:"work"`    // work instructions per loop
}

// Config mirrors config.yml
type Config struct {
	TickMS              int          `yaml:"tick_ms"`               // 0 = run ticks back to back
	QuotaTicks          int          `yaml:"quota_ticks"`           // 3 (by default)
	InstructionsPerTick int          `yaml:"instructions_per_tick"` // 8 (by default)
	MaxTicks            int64        `yaml:"max_ticks"`             // 0 = until cancelled
	MemoryKB            int          `yaml:"memory_kb"`             // 64 (by default)
	StackSize           int          `yaml:"stack_size"`            // 4096 (by default)
	EventBuffer         int          `yaml:"event_buffer"`          // 256 (by default)
	Tasks               []TaskConfig `yaml:"tasks"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	TracePath   string `yaml:"trace_path"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// DefaultConfig is used when no config file is found.
func DefaultConfig() Config {
	return Config{
		TickMS:              0,
		QuotaTicks:          3,
		InstructionsPerTick: 8,
		MemoryKB:            64,
		StackSize:           4096,
		EventBuffer:         256,
		Tasks: []TaskConfig{
			{Name: "init", Program: "spin", Work: 4},
			{Name: "worker", Program: "spin", Work: 4},
			{Name: "idle", Program: "spin", Work: 1},
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads YAML and overrides defaults; empty path or missing file = defaults only.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	// the task list is replaced, not merged; clamp restores the default one
	cfg.Tasks = nil
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.clamp()
	return cfg, nil
}

// sanity clamps
func (c *Config) clamp() {
	def := DefaultConfig()
	if c.TickMS < 0 {
		c.TickMS = 0
	}
	if c.QuotaTicks <= 0 {
		c.QuotaTicks = def.QuotaTicks
	}
	if c.InstructionsPerTick <= 0 {
		c.InstructionsPerTick = def.InstructionsPerTick
	}
	if c.MaxTicks < 0 {
		c.MaxTicks = 0
	}
	if c.MemoryKB <= 0 {
		c.MemoryKB = def.MemoryKB
	}
	if c.StackSize < 256 {
		c.StackSize = def.StackSize
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	if len(c.Tasks) == 0 {
		c.Tasks = def.Tasks
	}
	for i := range c.Tasks {
		if c.Tasks[i].Work <= 0 {
			c.Tasks[i].Work = 1
		}
	}
}
