package config

import "strings"

const (
	DefaultTimeoutMs         = 10
	DefaultPeriodMs          = 100
	DefaultConversionDelayMs = 3
	DefaultStreamCapacity    = 1024
	DefaultPages             = 2048
	DefaultHardware          = "TakkTile 8x5"
	DefaultFirmware          = "tactile"
)

// Normalize fills defaults. It is allowed to mutate configuration and runs before Validate.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Bus.Adapter = strings.ToLower(strings.TrimSpace(cfg.Bus.Adapter))
	if cfg.Bus.Adapter == "" {
		cfg.Bus.Adapter = AdapterSim
	}
	if cfg.Bus.TimeoutMs == 0 {
		cfg.Bus.TimeoutMs = DefaultTimeoutMs
	}

	cfg.Sampling.Scope = strings.ToLower(strings.TrimSpace(cfg.Sampling.Scope))
	if cfg.Sampling.Scope == "" {
		cfg.Sampling.Scope = "grid"
	}
	if cfg.Sampling.PeriodMs == 0 {
		cfg.Sampling.PeriodMs = DefaultPeriodMs
	}
	if cfg.Sampling.ConversionDelayMs == 0 {
		cfg.Sampling.ConversionDelayMs = DefaultConversionDelayMs
	}

	if cfg.Stream.CapacityBytes == 0 {
		cfg.Stream.CapacityBytes = DefaultStreamCapacity
	}

	if cfg.Identity.Hardware == "" {
		cfg.Identity.Hardware = DefaultHardware
	}
	if cfg.Identity.Firmware == "" {
		cfg.Identity.Firmware = DefaultFirmware
	}

	cfg.Storage.EEPROM = strings.ToLower(strings.TrimSpace(cfg.Storage.EEPROM))
	if cfg.Storage.EEPROM == "" {
		cfg.Storage.EEPROM = StorageMemory
	}
	if cfg.Storage.EEPROM == StorageMemory && cfg.Storage.Pages == 0 {
		cfg.Storage.Pages = DefaultPages
	}

	if cfg.Bus.Adapter == AdapterSim && cfg.Simulation.Live == nil {
		// fully populated grid
		cfg.Simulation.Live = []uint8{0x1F, 0x1F, 0x1F, 0x1F, 0x1F, 0x1F, 0x1F, 0x1F}
	}
}
