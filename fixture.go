package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"lautenbacher.net/flashval/config"
	"lautenbacher.net/flashval/dispatcher"
	"lautenbacher.net/flashval/flash"
	"lautenbacher.net/flashval/link"
	"lautenbacher.net/flashval/monitor"
	"lautenbacher.net/flashval/platform"
	"lautenbacher.net/flashval/util"
	"lautenbacher.net/flashval/validator"
)

// fixture is everything built from one configuration. A reload stops
// the running fixture and starts a new one.
type fixture struct {
	conf     *config.Config
	cfile    string
	platform platform.Platform
	flash    *flash.Flash
	val      *validator.Validator
	history  *validator.History
	progress *util.Latest[validator.Progress]

	link    io.ReadWriteCloser
	monitor *monitor.Monitor
	server  *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// shared holds what survives a reload.
type shared struct {
	signals  chan os.Signal
	history  *validator.History
	progress *util.Latest[validator.Progress]
	stdio    *link.Stdio
}

func validatorOptions(conf *config.Config) (validator.Options, error) {
	order, err := validator.ParseByteOrder(conf.Validation.ByteOrder)
	if err != nil {
		return validator.Options{}, err
	}
	policy, err := validator.ParsePolicy(conf.Validation.QuadEnable)
	if err != nil {
		return validator.Options{}, err
	}
	return validator.Options{
		FlashSize:  conf.Validation.FlashSize,
		RowSize:    conf.Validation.RowSize,
		ByteOrder:  order,
		QuadEnable: policy,
	}, nil
}

func newFixture(conf *config.Config, cfile string, pl platform.Platform, sh *shared) *fixture {
	return &fixture{
		conf:     conf,
		cfile:    cfile,
		platform: pl,
		history:  sh.history,
		progress: sh.progress,
	}
}

// start brings up the platform, the command layer and every front end
// the configuration asks for.
func (f *fixture) start(sh *shared, withMonitor, realHW bool) error {
	opts, err := validatorOptions(f.conf)
	if err != nil {
		return err
	}
	if err := f.platform.Start(); err != nil {
		return err
	}

	f.flash = flash.New(f.platform.Bus(), flash.Options{
		MaxPolls:           f.conf.Flash.MaxPolls,
		Timeout:            f.conf.Flash.ReadyTimeout,
		PreserveStatusBits: f.conf.Flash.PreserveStatusBits,
	})
	f.val = validator.New(f.flash, opts)
	f.val.SetHistory(f.history)
	f.val.SetProgress(f.progress)

	if id, err := f.flash.ReadID(); err != nil {
		slog.Error("Flash does not answer read id", "error", err)
	} else {
		slog.Info("Flash detected", "id", fmt.Sprintf("%06x", id))
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel

	linkName, err := f.openLink(sh, withMonitor)
	if err != nil {
		f.platform.Stop()
		return err
	}

	if f.link != nil {
		d := dispatcher.New(f.link, f.flash, f.val, f.platform.FlashError(), f.platform.UartError())
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Dispatcher stopped", "error", err)
			}
		}()
	}

	if f.conf.WebServer.Enabled {
		f.startServer()
	}

	if withMonitor {
		f.monitor = monitor.New(monitor.Info{
			Link:      linkName,
			Simulated: !realHW,
			FlashSize: f.conf.Validation.FlashSize,
			RowSize:   f.conf.Validation.RowSize,
			ByteOrder: f.conf.Validation.ByteOrder,
			Policy:    f.conf.Validation.QuadEnable,
			Seed:      f.localSeed(realHW),
		}, f.progress, f.history, sh.signals, func(seed uint32) {
			f.val.Validate(ctx, seed)
		})
		f.monitor.Start()
	}
	return nil
}

// goValidate runs a validation in the background. stop waits for it
// before the platform goes away.
func (f *fixture) goValidate(ctx context.Context, seed uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return false
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.val.Validate(ctx, seed)
	}()
	return true
}

// localSeed is the seed used for validations started from the monitor.
// In simulation it is the seed the image was generated from.
func (f *fixture) localSeed(realHW bool) uint32 {
	if !realHW && f.conf.Simulation.ImageFile == "" {
		return f.conf.Simulation.Seed
	}
	return f.conf.Validation.DefaultSeed
}

func (f *fixture) openLink(sh *shared, withMonitor bool) (string, error) {
	if f.conf.Serial.Port != "" {
		port, err := link.Open(f.conf.Serial.Port, f.conf.Serial.BaudRate)
		if err != nil {
			return "", err
		}
		f.link = port
		return f.conf.Serial.Port, nil
	}
	if withMonitor {
		slog.Warn("No serial port configured, command link disabled while the monitor owns the terminal")
		return "none", nil
	}
	f.link = sh.stdio.Session()
	return "stdio", nil
}

func (f *fixture) startServer() {
	mux := http.NewServeMux()
	mux.Handle("/api/config", config.ConfigHandler(f.cfile))
	mux.Handle("/api/history", validator.HistoryHandler(f.history))
	f.server = &http.Server{
		Addr:              f.conf.WebServer.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		slog.Info("Web server listening", "address", f.conf.WebServer.Address)
		if err := f.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Web server failed", "error", err)
		}
	}()
}

// stop tears the fixture down in reverse order. A validation in
// progress is cancelled at the next row boundary.
func (f *fixture) stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()

	if f.cancel != nil {
		f.cancel()
	}
	if f.monitor != nil {
		f.monitor.Stop()
	}
	if f.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := f.server.Shutdown(ctx); err != nil {
			slog.Error("Web server shutdown", "error", err)
		}
		cancel()
	}
	if f.link != nil {
		f.link.Close()
	}
	f.wg.Wait()
	f.platform.Stop()
}
