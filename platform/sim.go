package platform

import (
	"fmt"
	"log/slog"
	"os"

	"lautenbacher.net/flashval/bus"
	"lautenbacher.net/flashval/config"
	"lautenbacher.net/flashval/lfsr"
	"lautenbacher.net/flashval/validator"
)

// SimPlatform serves an in-memory flash. The image comes from
// Simulation.ImageFile, or is generated from Simulation.Seed so that a
// validation with that seed passes.
type SimPlatform struct {
	config     *config.Config
	sim        *bus.SimFlash
	bus        *bus.Bus
	flashError *LogIndicator
	uartError  *LogIndicator
}

func NewSimPlatform(conf *config.Config) *SimPlatform {
	return &SimPlatform{
		config:     conf,
		flashError: &LogIndicator{Name: "flash"},
		uartError:  &LogIndicator{Name: "uart"},
	}
}

func (s *SimPlatform) Start() error {
	image, err := s.image()
	if err != nil {
		return &bus.InitError{Op: "simulated flash", Err: err}
	}
	s.sim = bus.NewSimFlash(image)
	s.sim.WriteCyclePolls = s.config.Simulation.BusyPolls
	s.sim.SetBusy(s.config.Simulation.BusyPolls)
	s.bus = bus.New(s.sim)
	slog.Info("Simulated flash ready", "size", len(image), "file", s.config.Simulation.ImageFile)
	return nil
}

func (s *SimPlatform) image() ([]byte, error) {
	sc := s.config.Simulation
	if sc.ImageFile != "" {
		data, err := os.ReadFile(sc.ImageFile)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("image file %s is empty", sc.ImageFile)
		}
		return data, nil
	}
	order, err := validator.ParseByteOrder(s.config.Validation.ByteOrder)
	if err != nil {
		return nil, err
	}
	return lfsr.Image(sc.Seed, s.config.Validation.FlashSize, order), nil
}

func (s *SimPlatform) Stop() {
	if s.bus != nil {
		s.bus.Close()
		s.bus = nil
	}
}

func (s *SimPlatform) Bus() *bus.Bus {
	return s.bus
}

// Flash exposes the simulated device, e.g. for fault injection.
func (s *SimPlatform) Flash() *bus.SimFlash {
	return s.sim
}

func (s *SimPlatform) FlashError() Indicator {
	return s.flashError
}

func (s *SimPlatform) UartError() Indicator {
	return s.uartError
}
