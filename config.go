// Copyright 2020 FOSS GmbH. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package relay

import (
	"fmt"
	"net"
	"os"
	"time"

	srt "github.com/datarhei/gosrt"
	"gopkg.in/yaml.v3"
)

// MaxTransferUnit is the largest payload a single SRT data packet carries.
const MaxTransferUnit = 1456

type Config struct {
	// Address of the listener for input streams.
	InputAddr string `yaml:"input_addr"`

	// Address of the listener for output streams.
	OutputAddr string `yaml:"output_addr"`

	// Size of the buffer for reading from an input. Bytes.
	TransferUnit int `yaml:"transfer_unit"`

	// Read deadline for inputs. Bounds how long a pump takes to notice
	// a shutdown on transports without a cancellable read.
	RecvTimeout time.Duration `yaml:"recv_timeout"`

	// Write deadline for outputs.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// Number of consecutive send timeouts after which an output is evicted.
	EvictionThreshold int `yaml:"eviction_threshold"`

	// Time after which a group without an input is dropped together with
	// its outputs. 0 keeps such groups forever.
	IdleGroupTimeout time.Duration `yaml:"idle_group_timeout"`

	// Lifetime of an accepted stream id in the validation cache.
	ValidationCacheTTL time.Duration `yaml:"validation_cache_ttl"`

	// Lifetime of a rejected stream id in the validation cache.
	NegativeCacheTTL time.Duration `yaml:"negative_cache_ttl"`

	// Time to wait for running tasks during shutdown before they are aborted.
	ShutdownDrainTimeout time.Duration `yaml:"shutdown_drain_timeout"`

	// Pause after a failed accept.
	AcceptBackoff time.Duration `yaml:"accept_backoff"`

	// Maximum number of live connections over both roles. 0 is unlimited.
	MaxConnections int `yaml:"max_connections"`

	// SRT latency.
	Latency time.Duration `yaml:"latency"`

	// Passphrase for encrypted SRT sessions. If set, unencrypted
	// sessions are rejected.
	Passphrase string `yaml:"passphrase"`

	// Accepted stream ids. Empty accepts any non-empty stream id.
	AllowedStreams []string `yaml:"allowed_streams"`

	Log LogConfig `yaml:"log"`

	Metrics MetricsConfig `yaml:"metrics"`

	// Logger for the relay and the SRT listeners. Not part of the file.
	Logger srt.Logger `yaml:"-"`
}

type LogConfig struct {
	// Enabled logger topics, e.g. "relay" or "relay:output:evict".
	Topics []string `yaml:"topics"`

	// Output format, "text" or "json".
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns the default configuration for the relay.
func DefaultConfig() Config {
	return Config{
		InputAddr:            ":5500",
		OutputAddr:           ":6000",
		TransferUnit:         MaxTransferUnit,
		RecvTimeout:          1 * time.Second,
		SendTimeout:          300 * time.Millisecond,
		EvictionThreshold:    5,
		IdleGroupTimeout:     30 * time.Second,
		ValidationCacheTTL:   60 * time.Second,
		NegativeCacheTTL:     5 * time.Second,
		ShutdownDrainTimeout: 5 * time.Second,
		AcceptBackoff:        1 * time.Second,
		MaxConnections:       100,
		Latency:              20 * time.Millisecond,
		Passphrase:           "",
		AllowedStreams:       nil,
		Log: LogConfig{
			Topics: []string{"relay"},
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  promListenDefault,
			Path:    promPathDefault,
		},
	}
}

// LoadConfig reads a YAML file. Keys missing in the file keep their
// default value.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("config: %s: %w", path, err)
	}

	return config, nil
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.InputAddr); err != nil {
		return fmt.Errorf("InputAddr is invalid: %w", err)
	}

	if _, _, err := net.SplitHostPort(c.OutputAddr); err != nil {
		return fmt.Errorf("OutputAddr is invalid: %w", err)
	}

	if c.InputAddr == c.OutputAddr {
		return fmt.Errorf("InputAddr and OutputAddr must be different")
	}

	if c.TransferUnit <= 0 || c.TransferUnit > MaxTransferUnit {
		return fmt.Errorf("TransferUnit must be between 1 and %d bytes", MaxTransferUnit)
	}

	if c.RecvTimeout <= 0 {
		return fmt.Errorf("RecvTimeout must be greater than 0")
	}

	if c.SendTimeout <= 0 {
		return fmt.Errorf("SendTimeout must be greater than 0")
	}

	if c.EvictionThreshold < 1 {
		return fmt.Errorf("EvictionThreshold must be at least 1")
	}

	if c.ValidationCacheTTL < 0 {
		return fmt.Errorf("ValidationCacheTTL must not be negative")
	}

	if c.NegativeCacheTTL < 0 {
		return fmt.Errorf("NegativeCacheTTL must not be negative")
	}

	if c.ShutdownDrainTimeout <= 0 {
		return fmt.Errorf("ShutdownDrainTimeout must be greater than 0")
	}

	if c.AcceptBackoff <= 0 {
		return fmt.Errorf("AcceptBackoff must be greater than 0")
	}

	if c.IdleGroupTimeout < 0 {
		return fmt.Errorf("IdleGroupTimeout must not be negative")
	}

	if c.MaxConnections < 0 {
		return fmt.Errorf("MaxConnections must not be negative")
	}

	if c.Latency < 0 {
		return fmt.Errorf("Latency must not be negative")
	}

	if n := len(c.Passphrase); n != 0 && (n < 10 || n > 80) {
		return fmt.Errorf("Passphrase must be between 10 and 80 characters")
	}

	for _, id := range c.AllowedStreams {
		if len(id) == 0 {
			return fmt.Errorf("AllowedStreams must not contain an empty stream id")
		}
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("Log.Format must be 'text' or 'json'")
	}

	if c.Metrics.Enabled {
		if !validateListenAddress(c.Metrics.Listen) {
			return fmt.Errorf("Metrics.Listen is invalid")
		}

		if !validateMetricsPath(c.Metrics.Path) {
			return fmt.Errorf("Metrics.Path is invalid")
		}
	}

	return nil
}
