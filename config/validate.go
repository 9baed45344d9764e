package config

import (
	"errors"
	"fmt"

	"github.com/mklimuk/tactile/array"
	"github.com/mklimuk/tactile/grid"
)

// Validate checks configuration correctness.
// It performs declarative validation only and does not mutate configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is empty")
	}
	switch cfg.Bus.Adapter {
	case AdapterSim, AdapterMCP2221, AdapterGobot:
	case AdapterPeriph:
		if cfg.Bus.Device == "" {
			return errors.New("bus: periph adapter requires a device")
		}
	default:
		return fmt.Errorf("bus: unknown adapter %q", cfg.Bus.Adapter)
	}
	if cfg.Bus.TimeoutMs <= 0 {
		return fmt.Errorf("bus: timeout_ms must be positive, got %d", cfg.Bus.TimeoutMs)
	}
	if cfg.Bus.SpeedKHz < 0 {
		return fmt.Errorf("bus: negative speed_khz %d", cfg.Bus.SpeedKHz)
	}

	if _, err := array.ParseScope(cfg.Sampling.Scope); err != nil {
		return fmt.Errorf("sampling: %w", err)
	}
	if cfg.Sampling.ConversionDelayMs < 0 {
		return fmt.Errorf("sampling: negative conversion_delay_ms %d", cfg.Sampling.ConversionDelayMs)
	}
	if cfg.Sampling.PeriodMs < cfg.Sampling.ConversionDelayMs {
		return fmt.Errorf("sampling: period_ms %d shorter than conversion_delay_ms %d",
			cfg.Sampling.PeriodMs, cfg.Sampling.ConversionDelayMs)
	}

	if full := grid.Cells * array.SampleSize; cfg.Stream.CapacityBytes < full {
		return fmt.Errorf("stream: capacity_bytes %d cannot hold a full grid payload of %d bytes",
			cfg.Stream.CapacityBytes, full)
	}
	if cfg.Stream.ConsumerTimeoutMs < 0 {
		return fmt.Errorf("stream: negative consumer_timeout_ms %d", cfg.Stream.ConsumerTimeoutMs)
	}

	switch cfg.Storage.EEPROM {
	case StorageNone, Storage25AA1024:
	case StorageMemory:
		if cfg.Storage.Pages <= 0 {
			return fmt.Errorf("storage: memory store needs a positive page count, got %d", cfg.Storage.Pages)
		}
	default:
		return fmt.Errorf("storage: unknown eeprom %q", cfg.Storage.EEPROM)
	}

	if len(cfg.Simulation.Live) > grid.Rows {
		return fmt.Errorf("simulation: %d rows configured, grid has %d", len(cfg.Simulation.Live), grid.Rows)
	}
	for row, bits := range cfg.Simulation.Live {
		if bits>>grid.Columns != 0 {
			return fmt.Errorf("simulation: row %d bitmap %#02x addresses columns outside of grid", row, bits)
		}
	}
	return nil
}

// LiveBitmap returns the simulated grid population.
func (s SimulationConfig) LiveBitmap() grid.Bitmap {
	var live grid.Bitmap
	copy(live[:], s.Live)
	return live
}
