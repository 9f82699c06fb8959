package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"periph.io/x/host/v3"

	"github.com/itohio/grindscale/pkg/adc"
	"github.com/itohio/grindscale/pkg/autotune"
	"github.com/itohio/grindscale/pkg/clock"
	"github.com/itohio/grindscale/pkg/config"
	"github.com/itohio/grindscale/pkg/grind"
	"github.com/itohio/grindscale/pkg/grindlog"
	"github.com/itohio/grindscale/pkg/motor"
	"github.com/itohio/grindscale/pkg/prefs"
	"github.com/itohio/grindscale/pkg/sample"
)

// Measurements kept per session; enough for a 30 s session at a 10 ms tick.
const sessionMeasurements = 4096

// app wires the grinder components for one command invocation.
type app struct {
	cfg   *config.Config
	clk   clock.Clock
	prefs prefs.Store

	drv    adc.Driver
	closer io.Closer
	pipe   *sample.Pipeline
	relay  *motor.Relay

	ctrl  *grind.Controller
	tuner *autotune.Tuner

	logger *grindlog.Logger
	flash  *grindlog.Queue
	store  *grindlog.Store
	sink   grindlog.Sink
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(rootOpts.Config)
	if err != nil {
		return nil, err
	}
	if rootOpts.Mock {
		cfg.ADC.Driver = config.DriverSim
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newApp opens the hardware and builds the controllers.
func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := prefs.OpenFile(cfg.Prefs.Path)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, clk: clock.System{}, prefs: store}
	if err := a.openADC(); err != nil {
		return nil, err
	}
	a.pipe = sample.New(a.drv, a.clk, cfg.Sample, cfg.ADC.Interval(), store)

	out, err := a.openMotor()
	if err != nil {
		a.close()
		return nil, err
	}
	a.relay = motor.NewRelay(out, a.clk, cfg.Motor)
	a.relay.Bind(a.drv)

	a.ctrl = grind.NewController(cfg.Grind, a.clk, a.pipe, a.relay, store)
	a.ctrl.SetProfiles(cfg.Profiles)
	a.ctrl.LoadMotorResponseLatency()

	if cfg.Logging.Enabled {
		a.store, err = grindlog.OpenStore(cfg.Logging.Dir, cfg.Logging.MaxSessions)
		if err != nil {
			a.close()
			return nil, err
		}
		a.logger = grindlog.NewLogger(cfg.Logging.MaxEvents, sessionMeasurements)
		a.flash = grindlog.NewQueue(cfg.Logging.QueueSize)
		a.ctrl.SetSessionLog(a.logger, a.flash)
	}

	a.tuner = autotune.New(cfg.Autotune, cfg.Grind, a.clk, a.pipe, a.relay, a.ctrl)
	return a, nil
}

func (a *app) openADC() error {
	cfg := a.cfg
	interval := cfg.ADC.Interval()

	switch cfg.ADC.Driver {
	case config.DriverSim:
		a.drv = adc.NewSimulated(&cfg.Sim, a.clk, interval)
	case config.DriverBridge:
		b := adc.NewBridge(cfg.Bridge.Port, cfg.Bridge.BaudRate, a.clk, interval)
		a.drv, a.closer = b, b
	case config.DriverHX711:
		if _, err := host.Init(); err != nil {
			return fmt.Errorf("failed to initialise GPIO host: %w", err)
		}
		h, err := adc.OpenHX711(cfg.ADC.SCKPin, cfg.ADC.DOUTPin, a.clk, interval)
		if err != nil {
			return err
		}
		a.drv = h
	default:
		return fmt.Errorf("unknown ADC driver %q", cfg.ADC.Driver)
	}

	if err := a.drv.Begin(cfg.ADC.Gain); err != nil {
		a.close()
		return fmt.Errorf("failed to start %s ADC: %w", cfg.ADC.Driver, err)
	}
	if err := a.drv.Validate(); err != nil {
		log.Printf("[adc] validation failed: %v", err)
	}
	log.Printf("[adc] %s ready, %d Hz", a.drv.Info().Name, cfg.ADC.SampleRate)
	return nil
}

func (a *app) openMotor() (motor.Output, error) {
	switch d := a.drv.(type) {
	case *adc.Simulated:
		return nil, nil
	case *adc.Bridge:
		return d, nil
	}
	out, err := motor.OpenGPIO(a.cfg.Motor.Pin)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// start runs the sampler, the control loop and the persistence worker until
// ctx is cancelled. The returned function waits for all of them to exit.
func (a *app) start(ctx context.Context) (wait func()) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.pipe.Run(ctx)
	}()

	if a.flash != nil {
		w := grindlog.NewWorker(a.flash, a.store, a.sink)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.controlLoop(ctx)
	}()

	return wg.Wait
}

func (a *app) controlLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Grind.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := a.relay.Stop(); err != nil {
				log.Printf("[motor] stop on shutdown failed: %v", err)
			}
			return
		case <-ticker.C:
			a.ctrl.Update()
			a.tuner.Update()
		}
	}
}

func (a *app) close() {
	if a.relay != nil {
		a.relay.Stop()
	}
	if a.closer != nil {
		if err := a.closer.Close(); err != nil {
			log.Printf("[adc] close failed: %v", err)
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ignoreCancel treats an interrupt as a clean exit.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
