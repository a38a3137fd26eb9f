package platform

import (
	"log/slog"

	"github.com/stianeikeland/go-rpio/v4"
	"lautenbacher.net/flashval/bus"
	"lautenbacher.net/flashval/config"
)

// RpioPlatform drives the flash through the BCM283x SPI0 block mapped
// from /dev/mem by go-rpio.
type RpioPlatform struct {
	config     *config.Config
	bus        *bus.Bus
	flashError Indicator
	uartError  Indicator
}

func NewRpioPlatform(conf *config.Config) *RpioPlatform {
	return &RpioPlatform{config: conf}
}

type rpioTransport struct {
	cs    rpio.Pin
	useCS bool
}

// Transfer copies tx into rx and exchanges rx in place, since
// rpio.SpiExchange overwrites its argument with the received bytes.
func (t *rpioTransport) Transfer(tx, rx []byte) error {
	copy(rx, tx)
	rpio.SpiExchange(rx)
	return nil
}

func (t *rpioTransport) Select(asserted bool) error {
	if !t.useCS {
		return nil
	}
	if asserted {
		t.cs.Low()
	} else {
		t.cs.High()
	}
	return nil
}

func (t *rpioTransport) Close() error {
	rpio.SpiEnd(rpio.Spi0)
	return rpio.Close()
}

func (p *RpioPlatform) Start() error {
	hw := p.config.Hardware
	slog.Info("Initialise GPIO and SPI", "library", "rpio")

	if err := rpio.Open(); err != nil {
		return &bus.InitError{Op: "rpio open", Err: err}
	}
	if err := rpio.SpiBegin(rpio.Spi0); err != nil {
		rpio.Close()
		return &bus.InitError{Op: "spi begin", Err: err}
	}
	if hw.SPIFrequency > 0 {
		rpio.SpiSpeed(int(hw.SPIFrequency))
	}
	rpio.SpiMode(0, 0)

	t := &rpioTransport{}
	if hw.ChipSelectGPIO != "" {
		n, err := pinNumber(hw.ChipSelectGPIO)
		if err != nil {
			t.Close()
			return &bus.InitError{Op: "chip select", Err: err}
		}
		t.cs = rpio.Pin(n)
		t.cs.Output()
		t.cs.High()
		t.useCS = true
	} else {
		rpio.SpiChipSelect(0)
	}

	var err error
	if p.flashError, err = p.indicator("flash", hw.FlashErrorGPIO); err != nil {
		t.Close()
		return &bus.InitError{Op: "flash error line", Err: err}
	}
	if p.uartError, err = p.indicator("uart", hw.UartErrorGPIO); err != nil {
		t.Close()
		return &bus.InitError{Op: "uart error line", Err: err}
	}

	p.bus = bus.New(t)
	return nil
}

func (p *RpioPlatform) indicator(name, pinName string) (Indicator, error) {
	if pinName == "" {
		return &LogIndicator{Name: name}, nil
	}
	n, err := pinNumber(pinName)
	if err != nil {
		return nil, err
	}
	pin := rpio.Pin(n)
	pin.Output()
	pin.Low()
	return &pulser{
		name: name,
		d:    pulseDuration(p.config),
		set: func(high bool) error {
			if high {
				pin.High()
			} else {
				pin.Low()
			}
			return nil
		},
	}, nil
}

func (p *RpioPlatform) Stop() {
	if p.bus == nil {
		return
	}
	if err := p.bus.Close(); err != nil {
		slog.Error("Error closing rpio", "error", err)
	}
	p.bus = nil
}

func (p *RpioPlatform) Bus() *bus.Bus {
	return p.bus
}

func (p *RpioPlatform) FlashError() Indicator {
	return p.flashError
}

func (p *RpioPlatform) UartError() Indicator {
	return p.uartError
}
