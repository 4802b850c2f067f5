// Package config loads the session-default overrides a caller may
// apply before driving the engine: an optional YAML file layered
// under the hardcoded defaults, itself overridable by CLI flags.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"rx63nprog/internal/protocol"
)

// Config holds the session defaults a caller may override before
// driving the engine. The two positional CLI arguments (serial device
// path, firmware image path) are not part of Config: they are always
// mandatory and are never read from a file.
type Config struct {
	DeviceIndex     int    `yaml:"device_index"`
	ClockModeIndex  int    `yaml:"clock_mode_index"`
	BitRate         int    `yaml:"bit_rate"`
	InputFreqHz     uint32 `yaml:"input_freq_hz"`
	SystemRatio     int8   `yaml:"system_clock_ratio"`
	PeripheralRatio int8   `yaml:"peripheral_clock_ratio"`
}

// Default returns the engine's hardcoded defaults: device index 0,
// clock-mode index 0, target bit rate 115200 bps, input clock 12MHz,
// system-clock multiplier 8, peripheral-clock multiplier 4.
func Default() Config {
	return Config{
		DeviceIndex:     0,
		ClockModeIndex:  0,
		BitRate:         protocol.DefaultBitRateParams.BitRate,
		InputFreqHz:     protocol.DefaultBitRateParams.InputFreqHz,
		SystemRatio:     protocol.DefaultBitRateParams.SystemRatio,
		PeripheralRatio: protocol.DefaultBitRateParams.PeripheralRatio,
	}
}

// Load reads a YAML file of overrides on top of Default(). An empty
// path returns Default() unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// BitRateParams projects the bit-rate-related fields into the shape
// the session's SetBitRate expects.
func (c Config) BitRateParams() protocol.BitRateParams {
	return protocol.BitRateParams{
		BitRate:         c.BitRate,
		InputFreqHz:     c.InputFreqHz,
		SystemRatio:     c.SystemRatio,
		PeripheralRatio: c.PeripheralRatio,
	}
}
