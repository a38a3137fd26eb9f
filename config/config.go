package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const CONFILE = "config.yml"

// MaxFlashSize is the 24-bit address space reachable by the quad-read
// frame.
const MaxFlashSize = 1 << 24

// Config is the content of the YAML configuration file.
type Config struct {
	Hardware   HardwareConfig   `yaml:"Hardware"`
	Serial     SerialConfig     `yaml:"Serial"`
	Flash      FlashConfig      `yaml:"Flash" json:"Flash"`
	Validation ValidationConfig `yaml:"Validation" json:"Validation"`
	Simulation SimulationConfig `yaml:"Simulation"`
	WebServer  WebServerConfig  `yaml:"WebServer"`
	Logging    LoggingConfig    `yaml:"Logging"`
}

// HardwareConfig selects the GPIO library and names the SPI device and
// the lines used on the real fixture.
type HardwareConfig struct {
	// GPIOLibrary selects the SPI/GPIO backend: "periph" or "rpio".
	GPIOLibrary    string  `yaml:"GPIOLibrary"`
	SPIDevice      string  `yaml:"SPIDevice"`
	SPIFrequency   int64   `yaml:"SPIFrequency"`
	ChipSelectGPIO string  `yaml:"ChipSelectGPIO"`
	FlashErrorGPIO string  `yaml:"FlashErrorGPIO"`
	UartErrorGPIO  string  `yaml:"UartErrorGPIO"`
	PulseDuration  Seconds `yaml:"PulseDuration"`
}

type SerialConfig struct {
	Port     string `yaml:"Port"`
	BaudRate uint   `yaml:"BaudRate"`
}

// FlashConfig bounds the wait for the flash to become ready.
type FlashConfig struct {
	MaxPolls           int           `yaml:"MaxPolls" json:"MaxPolls"`
	ReadyTimeout       time.Duration `yaml:"ReadyTimeout" json:"ReadyTimeout"`
	PreserveStatusBits bool          `yaml:"PreserveStatusBits" json:"PreserveStatusBits"`
}

type ValidationConfig struct {
	FlashSize   int    `yaml:"FlashSize" json:"FlashSize"`
	RowSize     int    `yaml:"RowSize" json:"RowSize"`
	ByteOrder   string `yaml:"ByteOrder" json:"ByteOrder"`
	QuadEnable  string `yaml:"QuadEnable" json:"QuadEnable"`
	DefaultSeed uint32 `yaml:"DefaultSeed" json:"DefaultSeed"`
	HistorySize int    `yaml:"HistorySize" json:"HistorySize"`
}

// SimulationConfig describes the in-memory flash used when no real
// hardware is requested. Without ImageFile the image is generated from
// Seed.
type SimulationConfig struct {
	ImageFile string `yaml:"ImageFile"`
	Seed      uint32 `yaml:"Seed"`
	BusyPolls int    `yaml:"BusyPolls"`
}

type WebServerConfig struct {
	Enabled bool   `yaml:"Enabled"`
	Address string `yaml:"Address"`
}

type LoggingConfig struct {
	Monitor LogConfig `yaml:"Monitor"`
	Daemon  LogConfig `yaml:"Daemon"`
}

// LogConfig configures one logging setup, with or without monitor.
type LogConfig struct {
	Level  string `yaml:"Level"`
	Format string `yaml:"Format"`
	File   string `yaml:"File"`
}

// Seconds is a duration written as a plain number of seconds or as a
// Go duration string.
type Seconds time.Duration

func (s *Seconds) UnmarshalYAML(value *yaml.Node) error {
	var f float64
	if err := value.Decode(&f); err == nil {
		*s = Seconds(f * float64(time.Second))
		return nil
	}
	var str string
	if err := value.Decode(&str); err != nil {
		return err
	}
	d, err := time.ParseDuration(str)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", str, err)
	}
	*s = Seconds(d)
	return nil
}

func (s Seconds) MarshalYAML() (interface{}, error) {
	return time.Duration(s).String(), nil
}

func (s Seconds) Duration() time.Duration {
	return time.Duration(s)
}

// ReadConfig reads cfile, fills in defaults and validates the result.
// All validation errors are reported together.
func ReadConfig(cfile string) (*Config, error) {
	f, err := os.Open(cfile)
	if err != nil {
		return nil, fmt.Errorf("can't find config file %s: %w", cfile, err)
	}
	defer f.Close()

	var conf Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&conf); err != nil {
		return nil, fmt.Errorf("can't decode config file %s: %w", cfile, err)
	}
	conf.applyDefaults()

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", cfile, err)
	}
	return &conf, nil
}

func (c *Config) applyDefaults() {
	if c.Hardware.GPIOLibrary == "" {
		c.Hardware.GPIOLibrary = "periph"
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = 115200
	}
	if c.Validation.FlashSize == 0 {
		c.Validation.FlashSize = 128 * 1024
	}
	if c.Validation.RowSize == 0 {
		c.Validation.RowSize = 128
	}
	if c.Validation.ByteOrder == "" {
		c.Validation.ByteOrder = "little"
	}
	if c.Validation.QuadEnable == "" {
		c.Validation.QuadEnable = "abort"
	}
	if c.Validation.HistorySize == 0 {
		c.Validation.HistorySize = 32
	}
	if c.WebServer.Address == "" {
		c.WebServer.Address = ":8080"
	}
}

// Validate checks the whole configuration and reports every problem
// found, not just the first.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Hardware.GPIOLibrary) {
	case "periph", "rpio":
	default:
		errs = append(errs, fmt.Errorf("Hardware.GPIOLibrary %q must be \"periph\" or \"rpio\"", c.Hardware.GPIOLibrary))
	}
	if c.Hardware.SPIFrequency < 0 {
		errs = append(errs, fmt.Errorf("Hardware.SPIFrequency (%d) must be non-negative", c.Hardware.SPIFrequency))
	}
	if c.Hardware.PulseDuration < 0 {
		errs = append(errs, fmt.Errorf("Hardware.PulseDuration (%s) must be non-negative", c.Hardware.PulseDuration.Duration()))
	}

	if c.Flash.MaxPolls < 0 {
		errs = append(errs, fmt.Errorf("Flash.MaxPolls (%d) must be non-negative", c.Flash.MaxPolls))
	}
	if c.Flash.ReadyTimeout < 0 {
		errs = append(errs, fmt.Errorf("Flash.ReadyTimeout (%s) must be non-negative", c.Flash.ReadyTimeout))
	}

	v := c.Validation
	if v.RowSize <= 0 || v.RowSize%4 != 0 {
		errs = append(errs, fmt.Errorf("Validation.RowSize (%d) must be a positive multiple of 4", v.RowSize))
	} else if v.FlashSize <= 0 || v.FlashSize%v.RowSize != 0 {
		errs = append(errs, fmt.Errorf("Validation.FlashSize (%d) must be a positive multiple of RowSize (%d)", v.FlashSize, v.RowSize))
	}
	if v.FlashSize > MaxFlashSize {
		errs = append(errs, fmt.Errorf("Validation.FlashSize (%d) must not exceed %d", v.FlashSize, MaxFlashSize))
	}
	switch strings.ToLower(v.ByteOrder) {
	case "little", "le", "big", "be":
	default:
		errs = append(errs, fmt.Errorf("Validation.ByteOrder %q must be \"little\" or \"big\"", v.ByteOrder))
	}
	switch strings.ToLower(v.QuadEnable) {
	case "abort", "best-effort":
	default:
		errs = append(errs, fmt.Errorf("Validation.QuadEnable %q must be \"abort\" or \"best-effort\"", v.QuadEnable))
	}
	if v.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("Validation.HistorySize (%d) must be non-negative", v.HistorySize))
	}

	if c.Simulation.BusyPolls < 0 {
		errs = append(errs, fmt.Errorf("Simulation.BusyPolls (%d) must be non-negative", c.Simulation.BusyPolls))
	}

	for name, l := range map[string]LogConfig{"Monitor": c.Logging.Monitor, "Daemon": c.Logging.Daemon} {
		switch strings.ToLower(l.Format) {
		case "", "text", "json":
		default:
			errs = append(errs, fmt.Errorf("Logging.%s.Format %q must be \"text\" or \"json\"", name, l.Format))
		}
	}

	return errors.Join(errs...)
}
