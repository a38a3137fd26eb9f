package platform

import (
	"fmt"
	"log/slog"

	"lautenbacher.net/flashval/bus"
	"lautenbacher.net/flashval/config"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// PeriphPlatform drives the flash through a spidev device and GPIO
// lines via periph.io.
type PeriphPlatform struct {
	config     *config.Config
	bus        *bus.Bus
	pins       []gpio.PinIO
	flashError Indicator
	uartError  Indicator
}

func NewPeriphPlatform(conf *config.Config) *PeriphPlatform {
	return &PeriphPlatform{config: conf}
}

// periphTransport is a spi.Conn with an optional GPIO chip select. With
// cs == nil the controller's own chip select frames every Tx.
type periphTransport struct {
	port spi.PortCloser
	conn spi.Conn
	cs   gpio.PinIO
}

func (t *periphTransport) Transfer(tx, rx []byte) error {
	return t.conn.Tx(tx, rx)
}

func (t *periphTransport) Select(asserted bool) error {
	if t.cs == nil {
		return nil
	}
	// active low
	if asserted {
		return t.cs.Out(gpio.Low)
	}
	return t.cs.Out(gpio.High)
}

func (t *periphTransport) Close() error {
	return t.port.Close()
}

func (s *PeriphPlatform) Start() error {
	hw := s.config.Hardware
	slog.Info("Initialise GPIO and SPI", "library", "periph", "device", hw.SPIDevice)

	if _, err := host.Init(); err != nil {
		return &bus.InitError{Op: "host init", Err: err}
	}

	port, err := spireg.Open(hw.SPIDevice)
	if err != nil {
		return &bus.InitError{Op: "open " + hw.SPIDevice, Err: err}
	}

	t := &periphTransport{port: port}
	mode := spi.Mode0
	if hw.ChipSelectGPIO != "" {
		if t.cs, err = s.outputPin(hw.ChipSelectGPIO, gpio.High); err != nil {
			port.Close()
			return &bus.InitError{Op: "chip select", Err: err}
		}
		mode |= spi.NoCS
	}

	t.conn, err = port.Connect(physic.Frequency(hw.SPIFrequency)*physic.Hertz, mode, 8)
	if err != nil {
		port.Close()
		return &bus.InitError{Op: "connect", Err: err}
	}

	s.flashError, err = s.indicator("flash", hw.FlashErrorGPIO)
	if err != nil {
		port.Close()
		return &bus.InitError{Op: "flash error line", Err: err}
	}
	s.uartError, err = s.indicator("uart", hw.UartErrorGPIO)
	if err != nil {
		port.Close()
		return &bus.InitError{Op: "uart error line", Err: err}
	}

	s.bus = bus.New(t)
	return nil
}

func (s *PeriphPlatform) outputPin(name string, initial gpio.Level) (gpio.PinIO, error) {
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("failed to find pin %s", name)
	}
	if err := pin.Out(initial); err != nil {
		return nil, fmt.Errorf("failed to set pin %s to output: %w", name, err)
	}
	s.pins = append(s.pins, pin)
	return pin, nil
}

func (s *PeriphPlatform) indicator(name, pinName string) (Indicator, error) {
	if pinName == "" {
		return &LogIndicator{Name: name}, nil
	}
	pin, err := s.outputPin(pinName, gpio.Low)
	if err != nil {
		return nil, err
	}
	return &pulser{
		name: name,
		d:    pulseDuration(s.config),
		set: func(high bool) error {
			return pin.Out(gpio.Level(high))
		},
	}, nil
}

func (s *PeriphPlatform) Stop() {
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			slog.Error("Error closing spi port", "error", err)
		}
		s.bus = nil
	}
	for _, pin := range s.pins {
		pin.Halt()
	}
	s.pins = nil
}

func (s *PeriphPlatform) Bus() *bus.Bus {
	return s.bus
}

func (s *PeriphPlatform) FlashError() Indicator {
	return s.flashError
}

func (s *PeriphPlatform) UartError() Indicator {
	return s.uartError
}
