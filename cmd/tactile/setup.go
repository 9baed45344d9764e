package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v2"
	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"
	"go.uber.org/multierr"

	"github.com/mklimuk/tactile"
	"github.com/mklimuk/tactile/adapter"
	"github.com/mklimuk/tactile/array"
	"github.com/mklimuk/tactile/cmd/tactile/console"
	"github.com/mklimuk/tactile/command"
	"github.com/mklimuk/tactile/config"
	"github.com/mklimuk/tactile/i2c"
	eeprom "github.com/mklimuk/tactile/memory/25aa1024"
	"github.com/mklimuk/tactile/sim"
	"github.com/mklimuk/tactile/stream"
	"github.com/mklimuk/tactile/twi"
)

// device bundles everything a command needs to talk to the sensor array.
type device struct {
	cfg     *config.Config
	array   *array.Array
	pages   command.PageStore
	handler *command.Handler
	closers []func() error
}

func (d *device) Close() {
	d.array.Close()
	var errs error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, d.closers[i]())
	}
	if errs != nil {
		console.Errorf("error closing device: %s", console.Red(errs))
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	}
	if override := c.String("adapter"); override != "" {
		cfg.Bus.Adapter = override
		config.Normalize(cfg)
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// openDevice builds the bus, the storage and the array from configuration. The array is not
// discovered yet.
func openDevice(ctx context.Context, c *cli.Context) (*device, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	d := &device{cfg: cfg}
	bus, err := d.openBus(ctx)
	if err != nil {
		d.closeAll()
		return nil, err
	}
	scope, err := array.ParseScope(cfg.Sampling.Scope)
	if err != nil {
		d.closeAll()
		return nil, err
	}
	ch := stream.New(
		stream.WithCapacity(cfg.Stream.CapacityBytes),
		stream.WithConsumerTimeout(cfg.Stream.ConsumerTimeout()),
	)
	d.array, err = array.New(bus,
		array.WithScope(scope),
		array.WithPeriod(cfg.Sampling.Period()),
		array.WithConversionDelay(cfg.Sampling.ConversionDelay()),
		array.WithStream(ch),
	)
	if err != nil {
		d.closeAll()
		return nil, err
	}
	if err := d.openStorage(); err != nil {
		d.closeAll()
		return nil, err
	}
	opts := []command.Opt{command.WithIdentity(cfg.Identity.Hardware, cfg.Identity.Firmware)}
	if d.pages != nil {
		opts = append(opts, command.WithPageStore(d.pages))
	}
	d.handler = command.NewHandler(d.array, opts...)
	return d, nil
}

func (d *device) closeAll() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
}

func (d *device) openBus(ctx context.Context) (tactile.Bus, error) {
	cfg := d.cfg.Bus
	slog.Debug("opening bus", "adapter", cfg.Adapter)
	switch cfg.Adapter {
	case config.AdapterSim:
		opts := []sim.Opt{sim.WithLive(d.cfg.Simulation.LiveBitmap())}
		if latency := d.cfg.Simulation.Latency(); latency > 0 {
			opts = append(opts, sim.WithLatency(latency))
		}
		ctrl := sim.New(opts...)
		for _, address := range d.cfg.Simulation.Stuck {
			ctrl.Stick(address)
		}
		master, err := twi.NewMaster(ctrl, cfg.Timeout())
		if err != nil {
			return nil, err
		}
		return master, nil
	case config.AdapterMCP2221:
		mcp := adapter.NewMCP2221(adapter.WithSpeed(cfg.SpeedKHz))
		if err := mcp.Init(ctx); err != nil {
			return nil, fmt.Errorf("adapter initialization error: %w", err)
		}
		return mcp, nil
	case config.AdapterPeriph:
		bus, err := i2c.NewGenericBus(cfg.Device)
		if err != nil {
			return nil, fmt.Errorf("adapter initialization error: %w", err)
		}
		d.closers = append(d.closers, bus.Close)
		if cfg.SpeedKHz > 0 {
			if err := bus.SetSpeed(cfg.SpeedKHz); err != nil {
				return nil, err
			}
		}
		return bus, nil
	case config.AdapterGobot:
		npi := nanopi.NewNeoAdaptor()
		if err := npi.I2cBusAdaptor.Connect(); err != nil {
			return nil, fmt.Errorf("adaptor connect error: %w", err)
		}
		d.closers = append(d.closers, npi.I2cBusAdaptor.Finalize)
		bus := adapter.NewGobotBus(npi, cfg.Number)
		d.closers = append(d.closers, bus.Close)
		return bus, nil
	default:
		return nil, fmt.Errorf("unknown adapter %q", cfg.Adapter)
	}
}

func (d *device) openStorage() error {
	cfg := d.cfg.Storage
	switch cfg.EEPROM {
	case config.StorageMemory:
		d.pages = command.NewMemoryPages(cfg.Pages)
	case config.Storage25AA1024:
		npi := nanopi.NewNeoAdaptor()
		if err := npi.SpiBusAdaptor.Connect(); err != nil {
			return fmt.Errorf("adaptor connect error: %w", err)
		}
		d.closers = append(d.closers, npi.SpiBusAdaptor.Finalize)
		e := eeprom.New(npi, cfg.SPIBus, cfg.ChipSelect)
		if err := e.Start(); err != nil {
			return fmt.Errorf("SPI device start error: %w", err)
		}
		d.closers = append(d.closers, e.Halt)
		d.pages = e
	}
	return nil
}
