// ============================================================================
// Procsim Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Load the YAML session configuration and reject invalid values.
//
// File Layout (configs/default.yaml):
//   resources:   cpu_slots, total_memory
//   scheduling:  policy, time_slice
//   processes:   min_burst, max_burst, min_memory, max_memory
//   simulation:  tick_interval, speed, min_speed, max_speed, seed,
//                event_log_size, probabilities{admit, block, unblock}
//   demo:        buffer_size, memory, priority
//   metrics:     enabled, port
//   server:      enabled, port
//   report:      path
//   trace:       path
//
// Loading:
//   The file is decoded over Default(); missing keys keep their defaults,
//   unknown keys are an error. Validate() never corrects a value.
//
// ============================================================================

package config

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/procsim/internal/demo"
	"github.com/ChuLiYu/procsim/internal/generator"
	"github.com/ChuLiYu/procsim/internal/scheduler"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete session configuration.
type Config struct {
	Resources struct {
		CPUSlots    int `yaml:"cpu_slots"`
		TotalMemory int `yaml:"total_memory"` // MB
	} `yaml:"resources"`

	Scheduling struct {
		Policy    string `yaml:"policy"`
		TimeSlice int64  `yaml:"time_slice"` // simulated ms per tick
	} `yaml:"scheduling"`

	Processes struct {
		MinBurst  int64 `yaml:"min_burst"`
		MaxBurst  int64 `yaml:"max_burst"`
		MinMemory int   `yaml:"min_memory"`
		MaxMemory int   `yaml:"max_memory"`
	} `yaml:"processes"`

	Simulation struct {
		TickInterval  time.Duration `yaml:"tick_interval"`
		Speed         float64       `yaml:"speed"`
		MinSpeed      float64       `yaml:"min_speed"`
		MaxSpeed      float64       `yaml:"max_speed"`
		Seed          int64         `yaml:"seed"` // 0 picks a time-based seed
		EventLogSize  int           `yaml:"event_log_size"`
		Probabilities struct {
			Admit   float64 `yaml:"admit"`
			Block   float64 `yaml:"block"`
			Unblock float64 `yaml:"unblock"`
		} `yaml:"probabilities"`
	} `yaml:"simulation"`

	Demo struct {
		BufferSize int `yaml:"buffer_size"`
		Memory     int `yaml:"memory"`
		Priority   int `yaml:"priority"`
	} `yaml:"demo"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Server struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"server"`

	Report struct {
		Path string `yaml:"path"`
	} `yaml:"report"`

	Trace struct {
		Path string `yaml:"path"`
	} `yaml:"trace"`
}

// Default returns the stock configuration.
func Default() Config {
	var c Config
	c.Resources.CPUSlots = 1
	c.Resources.TotalMemory = 4096
	c.Scheduling.Policy = scheduler.ShortestRemainingTime.String()
	c.Scheduling.TimeSlice = 10
	c.Processes.MinBurst = 50
	c.Processes.MaxBurst = 500
	c.Processes.MinMemory = 50
	c.Processes.MaxMemory = 300
	c.Simulation.TickInterval = 100 * time.Millisecond
	c.Simulation.Speed = 1.0
	c.Simulation.MinSpeed = 0.1
	c.Simulation.MaxSpeed = 5.0
	c.Simulation.EventLogSize = 1000
	c.Simulation.Probabilities.Admit = 0.70
	c.Simulation.Probabilities.Block = 0.15
	c.Simulation.Probabilities.Unblock = 0.05
	c.Demo.BufferSize = 5
	c.Demo.Memory = 50
	c.Demo.Priority = 5
	c.Metrics.Port = 9090
	c.Server.Port = 50051
	return c
}

// Load reads path and decodes it over Default(), then validates.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default(), then validates.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every violated rule at once.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Resources.CPUSlots <= 0 {
		fail("resources.cpu_slots must be positive, got %d", c.Resources.CPUSlots)
	}
	if c.Resources.TotalMemory <= 0 {
		fail("resources.total_memory must be positive, got %d", c.Resources.TotalMemory)
	}
	if _, err := scheduler.ParsePolicy(c.Scheduling.Policy); err != nil {
		fail("scheduling.policy: %v", err)
	}
	if c.Scheduling.TimeSlice <= 0 {
		fail("scheduling.time_slice must be positive, got %d", c.Scheduling.TimeSlice)
	}

	p := c.Processes
	if p.MinBurst <= 0 || p.MaxBurst <= 0 {
		fail("processes burst bounds must be positive, got %d..%d", p.MinBurst, p.MaxBurst)
	} else if p.MinBurst > p.MaxBurst {
		fail("processes.min_burst %d exceeds max_burst %d", p.MinBurst, p.MaxBurst)
	}
	if p.MinMemory <= 0 || p.MaxMemory <= 0 {
		fail("processes memory bounds must be positive, got %d..%d", p.MinMemory, p.MaxMemory)
	} else if p.MinMemory > p.MaxMemory {
		fail("processes.min_memory %d exceeds max_memory %d", p.MinMemory, p.MaxMemory)
	}

	s := c.Simulation
	if s.TickInterval <= 0 {
		fail("simulation.tick_interval must be positive, got %s", s.TickInterval)
	}
	if s.MinSpeed <= 0 {
		fail("simulation.min_speed must be positive, got %g", s.MinSpeed)
	} else if s.MinSpeed > s.MaxSpeed {
		fail("simulation.min_speed %g exceeds max_speed %g", s.MinSpeed, s.MaxSpeed)
	} else if s.Speed < s.MinSpeed || s.Speed > s.MaxSpeed {
		fail("simulation.speed %g outside [%g, %g]", s.Speed, s.MinSpeed, s.MaxSpeed)
	}
	if s.EventLogSize <= 0 {
		fail("simulation.event_log_size must be positive, got %d", s.EventLogSize)
	}
	pr := s.Probabilities
	for name, v := range map[string]float64{"admit": pr.Admit, "block": pr.Block, "unblock": pr.Unblock} {
		if v < 0 || v > 1 {
			fail("simulation.probabilities.%s %g outside [0, 1]", name, v)
		}
	}
	if sum := pr.Admit + pr.Block + pr.Unblock; sum > 1+1e-9 {
		fail("simulation.probabilities sum to %g, must not exceed 1", sum)
	}

	if c.Demo.BufferSize <= 0 {
		fail("demo.buffer_size must be positive, got %d", c.Demo.BufferSize)
	}
	if c.Demo.Memory <= 0 {
		fail("demo.memory must be positive, got %d", c.Demo.Memory)
	}
	if c.Demo.Priority < 1 || c.Demo.Priority > 10 {
		fail("demo.priority %d outside [1, 10]", c.Demo.Priority)
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		fail("metrics.port %d outside 1..65535", c.Metrics.Port)
	}
	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		fail("server.port %d outside 1..65535", c.Server.Port)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// Policy returns the parsed scheduling policy. Only valid after Validate.
func (c Config) Policy() scheduler.Policy {
	p, _ := scheduler.ParsePolicy(c.Scheduling.Policy)
	return p
}

// GeneratorConfig returns the generator bounds.
func (c Config) GeneratorConfig() generator.Config {
	return generator.Config{
		MinBurst:  c.Processes.MinBurst,
		MaxBurst:  c.Processes.MaxBurst,
		MinMemory: c.Processes.MinMemory,
		MaxMemory: c.Processes.MaxMemory,
	}
}

// DemoConfig returns the producer/consumer sizing.
func (c Config) DemoConfig() demo.Config {
	d := demo.DefaultConfig()
	d.BufferSize = c.Demo.BufferSize
	d.Memory = c.Demo.Memory
	d.Priority = c.Demo.Priority
	return d
}

// ClampSpeed limits speed to [min_speed, max_speed]. NaN maps to
// min_speed; infinities clamp to the nearer bound.
func (c Config) ClampSpeed(speed float64) float64 {
	if math.IsNaN(speed) {
		return c.Simulation.MinSpeed
	}
	return max(c.Simulation.MinSpeed, min(c.Simulation.MaxSpeed, speed))
}

// Summary is a flat description for status output and reports.
func (c Config) Summary() map[string]string {
	return map[string]string{
		"cpus":         fmt.Sprintf("%d", c.Resources.CPUSlots),
		"total_memory": fmt.Sprintf("%d MB", c.Resources.TotalMemory),
		"policy":       c.Policy().String(),
		"time_slice":   fmt.Sprintf("%d ms", c.Scheduling.TimeSlice),
		"burst_range":  fmt.Sprintf("%d-%d ms", c.Processes.MinBurst, c.Processes.MaxBurst),
		"memory_range": fmt.Sprintf("%d-%d MB", c.Processes.MinMemory, c.Processes.MaxMemory),
	}
}
