package config

// RuntimeConfig is the part of the configuration that may be changed
// through the web API while the daemon runs. Hardware, serial and
// logging settings are left alone.
type RuntimeConfig struct {
	Flash      FlashConfig      `yaml:"Flash" json:"Flash"`
	Validation ValidationConfig `yaml:"Validation" json:"Validation"`
}

// Runtime returns the runtime part of c.
func (c *Config) Runtime() RuntimeConfig {
	return RuntimeConfig{
		Flash:      c.Flash,
		Validation: c.Validation,
	}
}

// ApplyRuntime overwrites the runtime part of c with rc.
func (c *Config) ApplyRuntime(rc RuntimeConfig) {
	c.Flash = rc.Flash
	c.Validation = rc.Validation
}
