package platform

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"lautenbacher.net/flashval/bus"
	"lautenbacher.net/flashval/config"
)

const defaultPulse = 200 * time.Millisecond

// Platform owns the SPI controller and the two error indicator lines
// for the lifetime of one configuration.
type Platform interface {
	// Start opens the hardware. Failures are *bus.InitError.
	Start() error

	// Stop releases everything Start acquired.
	Stop()

	// Bus is valid between Start and Stop.
	Bus() *bus.Bus

	FlashError() Indicator
	UartError() Indicator
}

// Indicator is an error line that is pulsed high for a moment.
type Indicator interface {
	Pulse() error
}

// New picks the platform for conf. Without realHW the flash is
// simulated in memory.
func New(conf *config.Config, realHW bool) (Platform, error) {
	if !realHW {
		return NewSimPlatform(conf), nil
	}
	switch strings.ToLower(conf.Hardware.GPIOLibrary) {
	case "periph", "":
		return NewPeriphPlatform(conf), nil
	case "rpio":
		return NewRpioPlatform(conf), nil
	}
	return nil, &bus.InitError{Op: "platform", Err: fmt.Errorf("unknown GPIO library %q", conf.Hardware.GPIOLibrary)}
}

func pulseDuration(conf *config.Config) time.Duration {
	if d := conf.Hardware.PulseDuration.Duration(); d > 0 {
		return d
	}
	return defaultPulse
}

// pulser raises a line and lowers it again after d without blocking the
// caller.
type pulser struct {
	name string
	d    time.Duration
	set  func(high bool) error
}

func (p *pulser) Pulse() error {
	if err := p.set(true); err != nil {
		return fmt.Errorf("%s indicator: %w", p.name, err)
	}
	time.AfterFunc(p.d, func() {
		if err := p.set(false); err != nil {
			slog.Error("Failed to lower indicator", "indicator", p.name, "error", err)
		}
	})
	return nil
}

// LogIndicator stands in for an unwired or simulated line.
type LogIndicator struct {
	Name   string
	pulses atomic.Int64
}

func (l *LogIndicator) Pulse() error {
	n := l.pulses.Add(1)
	slog.Warn("Error indicator pulsed", "indicator", l.Name, "count", n)
	return nil
}

func (l *LogIndicator) Pulses() int {
	return int(l.pulses.Load())
}

// pinNumber turns "GPIO17" or "17" into 17.
func pinNumber(name string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(name), "GPIO"))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid GPIO name %q", name)
	}
	return n, nil
}
