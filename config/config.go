// Package config loads the tactile.yaml configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Bus        BusConfig        `yaml:"bus"`
	Sampling   SamplingConfig   `yaml:"sampling"`
	Stream     StreamConfig     `yaml:"stream"`
	Identity   IdentityConfig   `yaml:"identity"`
	Storage    StorageConfig    `yaml:"storage"`
	Simulation SimulationConfig `yaml:"simulation"`
}

// ---- BUS ----

const (
	AdapterSim     = "sim"
	AdapterMCP2221 = "mcp2221"
	AdapterPeriph  = "periph"
	AdapterGobot   = "gobot"
)

type BusConfig struct {
	Adapter   string `yaml:"adapter"`
	Device    string `yaml:"device"`     // periph bus name, e.g. "/dev/i2c-1" or "1"
	Number    int    `yaml:"number"`     // gobot bus number
	SpeedKHz  int    `yaml:"speed_khz"`  // 0 keeps the adapter default
	TimeoutMs int    `yaml:"timeout_ms"` // bound on every condition wait
}

func (b BusConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

// ---- SAMPLING ----

type SamplingConfig struct {
	Scope             string `yaml:"scope"` // grid | row
	PeriodMs          int    `yaml:"period_ms"`
	ConversionDelayMs int    `yaml:"conversion_delay_ms"`
}

func (s SamplingConfig) Period() time.Duration {
	return time.Duration(s.PeriodMs) * time.Millisecond
}

func (s SamplingConfig) ConversionDelay() time.Duration {
	return time.Duration(s.ConversionDelayMs) * time.Millisecond
}

// ---- STREAM ----

type StreamConfig struct {
	CapacityBytes     int `yaml:"capacity_bytes"`
	ConsumerTimeoutMs int `yaml:"consumer_timeout_ms"` // 0 waits forever
}

func (s StreamConfig) ConsumerTimeout() time.Duration {
	return time.Duration(s.ConsumerTimeoutMs) * time.Millisecond
}

// ---- IDENTITY ----

type IdentityConfig struct {
	Hardware string `yaml:"hardware"`
	Firmware string `yaml:"firmware"`
}

// ---- STORAGE ----

const (
	StorageNone     = "none"
	StorageMemory   = "memory"
	Storage25AA1024 = "25aa1024"
)

type StorageConfig struct {
	EEPROM     string `yaml:"eeprom"`
	SPIBus     int    `yaml:"spi_bus"`
	ChipSelect int    `yaml:"chip_select"`
	Pages      int    `yaml:"pages"` // memory store size
}

// ---- SIMULATION ----

type SimulationConfig struct {
	Live      []uint8 `yaml:"live"`  // one bitmap byte per row
	Stuck     []uint8 `yaml:"stuck"` // wire addresses that never complete
	LatencyMs int     `yaml:"latency_ms"`
}

func (s SimulationConfig) Latency() time.Duration {
	return time.Duration(s.LatencyMs) * time.Millisecond
}

// Load reads, normalizes and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("could not parse config: %w", err)
	}
	Normalize(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a normalized configuration for the simulated array.
func Default() *Config {
	cfg := &Config{}
	Normalize(cfg)
	return cfg
}
