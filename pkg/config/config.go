package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Command failure policies.
const (
	PolicyPropagate  = "propagate"
	PolicyBestEffort = "best_effort"
)

// Config represents the application configuration.
type Config struct {
	Serial    SerialConfig    `yaml:"serial"`
	FullScale FullScaleConfig `yaml:"full_scale"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
	Waveforms WaveformsConfig `yaml:"waveforms"`
	Datalog   DatalogConfig   `yaml:"datalog"`
	Commands  CommandsConfig  `yaml:"commands"`
	Mock      MockConfig      `yaml:"mock"`
	Log       LogConfig       `yaml:"log"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// FullScaleConfig holds the physical value that maps to the largest wire
// magnitude for every quantity exchanged with the controller.
type FullScaleConfig struct {
	Vt            float64 `yaml:"vt"`             // ml
	Ti            float64 `yaml:"ti"`             // s
	RR            float64 `yaml:"rr"`             // breaths/min
	PEEP          float64 `yaml:"peep"`           // cmH2O
	Pinsp         float64 `yaml:"pinsp"`          // cmH2O
	RiseTime      float64 `yaml:"rise_time"`      // ms
	PIDP          float64 `yaml:"pid_p"`          // unitless
	PIDIFrac      float64 `yaml:"pid_i_frac"`     // unitless
	PositionSteps float64 `yaml:"position_steps"` // valve opening, steps
	Paw           float64 `yaml:"paw"`            // cmH2O
	Flow          float64 `yaml:"flow"`           // l/min
	Volume        float64 `yaml:"volume"`         // ml
}

// DefaultsConfig contains the ventilation parameters assumed at startup,
// before anything has been commanded.
type DefaultsConfig struct {
	Vt   float64 `yaml:"vt"`
	Ti   float64 `yaml:"ti"`
	RR   float64 `yaml:"rr"`
	PEEP float64 `yaml:"peep"`
}

// WaveformsConfig contains acquisition loop parameters.
type WaveformsConfig struct {
	UpdateInterval    time.Duration `yaml:"update_interval"`
	DisplayDecimation int           `yaml:"display_decimation"` // Publish every N ticks
	FlushEvery        int           `yaml:"flush_every"`        // Flush the log every N ticks
	Simulation        bool          `yaml:"simulation"`         // Synthesize samples instead of reading the link
}

// DatalogConfig contains session log parameters.
type DatalogConfig struct {
	Dir string `yaml:"dir"`
}

// CommandsConfig contains command forwarding parameters.
type CommandsConfig struct {
	Policy string `yaml:"policy"` // propagate or best_effort
}

// MockConfig contains simulated controller configuration.
type MockConfig struct {
	SampleRate time.Duration `yaml:"sample_rate"` // Packet rate
	Compliance float64       `yaml:"compliance"`  // Lung compliance (ml/cmH2O)
	Resistance float64       `yaml:"resistance"`  // Airway resistance (cmH2O/(l/s))
	NoiseLevel float64       `yaml:"noise_level"` // Pressure noise (cmH2O)
}

// LogConfig contains logger configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// HTTPConfig contains the metrics and telemetry stream listener.
type HTTPConfig struct {
	Listen string `yaml:"listen"` // Empty disables the listener
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:     "/dev/ttyACM0",
			BaudRate: 2000000,
		},
		FullScale: FullScaleConfig{
			Vt:            1000,
			Ti:            5,
			RR:            60,
			PEEP:          30,
			Pinsp:         50,
			RiseTime:      500,
			PIDP:          1,
			PIDIFrac:      1,
			PositionSteps: 125,
			Paw:           50,
			Flow:          200,
			Volume:        1500,
		},
		Defaults: DefaultsConfig{
			Vt:   250,
			Ti:   1.0,
			RR:   20,
			PEEP: 5,
		},
		Waveforms: WaveformsConfig{
			UpdateInterval:    10 * time.Millisecond,
			DisplayDecimation: 1,
			FlushEvery:        500,
			Simulation:        false,
		},
		Datalog: DatalogConfig{
			Dir: "logs",
		},
		Commands: CommandsConfig{
			Policy: PolicyPropagate,
		},
		Mock: MockConfig{
			SampleRate: 10 * time.Millisecond,
			Compliance: 30,
			Resistance: 10,
			NoiseLevel: 0.05,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate reports configuration values that cannot be used.
func (c *Config) Validate() error {
	if c.Commands.Policy != PolicyPropagate && c.Commands.Policy != PolicyBestEffort {
		return fmt.Errorf("invalid commands.policy %q: expected %s or %s", c.Commands.Policy, PolicyPropagate, PolicyBestEffort)
	}
	if c.Waveforms.UpdateInterval < 0 {
		return fmt.Errorf("invalid waveforms.update_interval %s", c.Waveforms.UpdateInterval)
	}
	if c.Mock.SampleRate <= 0 {
		return fmt.Errorf("invalid mock.sample_rate %s: must be > 0", c.Mock.SampleRate)
	}
	if c.Waveforms.DisplayDecimation < 0 || c.Waveforms.FlushEvery < 0 {
		return fmt.Errorf("waveforms.display_decimation and waveforms.flush_every must not be negative")
	}
	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}

	fs, dfs := &c.FullScale, def.FullScale
	for _, f := range []struct {
		v   *float64
		def float64
	}{
		{&fs.Vt, dfs.Vt},
		{&fs.Ti, dfs.Ti},
		{&fs.RR, dfs.RR},
		{&fs.PEEP, dfs.PEEP},
		{&fs.Pinsp, dfs.Pinsp},
		{&fs.RiseTime, dfs.RiseTime},
		{&fs.PIDP, dfs.PIDP},
		{&fs.PIDIFrac, dfs.PIDIFrac},
		{&fs.PositionSteps, dfs.PositionSteps},
		{&fs.Paw, dfs.Paw},
		{&fs.Flow, dfs.Flow},
		{&fs.Volume, dfs.Volume},
	} {
		if *f.v == 0 {
			*f.v = f.def
		}
	}

	if c.Waveforms.UpdateInterval == 0 {
		c.Waveforms.UpdateInterval = def.Waveforms.UpdateInterval
	}
	if c.Waveforms.DisplayDecimation == 0 {
		c.Waveforms.DisplayDecimation = def.Waveforms.DisplayDecimation
	}
	if c.Waveforms.FlushEvery == 0 {
		c.Waveforms.FlushEvery = def.Waveforms.FlushEvery
	}

	if c.Datalog.Dir == "" {
		c.Datalog.Dir = def.Datalog.Dir
	}

	if c.Commands.Policy == "" {
		c.Commands.Policy = def.Commands.Policy
	}

	if c.Mock.SampleRate == 0 {
		c.Mock.SampleRate = def.Mock.SampleRate
	}
	if c.Mock.Compliance == 0 {
		c.Mock.Compliance = def.Mock.Compliance
	}
	if c.Mock.Resistance == 0 {
		c.Mock.Resistance = def.Mock.Resistance
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}
