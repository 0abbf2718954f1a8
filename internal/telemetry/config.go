// Package telemetry provides OpenTelemetry instrumentation for corpusd.
package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/config"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	Endpoint       string
	Protocol       string // grpc | http/protobuf
	ServiceName    string
	ServiceVersion string
	Insecure       bool
	SamplingRate   float64
	Metrics        bool
	ExportInterval time.Duration
	ShutdownAfter  time.Duration
}

// NewDefaultConfig returns defaults with telemetry disabled, so a missing
// collector never affects startup.
func NewDefaultConfig() *Config {
	return &Config{
		Endpoint:       "localhost:4317",
		Protocol:       "grpc",
		ServiceName:    "corpusd",
		ServiceVersion: "0.1.0",
		Insecure:       true,
		SamplingRate:   1.0,
		Metrics:        true,
		ExportInterval: 15 * time.Second,
		ShutdownAfter:  5 * time.Second,
	}
}

// FromSettings maps the observability config section onto a Config.
func FromSettings(s config.ObservabilityConfig, version string) *Config {
	cfg := NewDefaultConfig()
	cfg.Enabled = s.EnableTelemetry
	if s.Endpoint != "" {
		cfg.Endpoint = s.Endpoint
	}
	if s.Protocol != "" {
		cfg.Protocol = s.Protocol
	}
	if s.ServiceName != "" {
		cfg.ServiceName = s.ServiceName
	}
	if version != "" {
		cfg.ServiceVersion = version
	}
	cfg.Insecure = s.Insecure
	cfg.SamplingRate = s.SamplingRate
	cfg.Metrics = s.EnableMetrics
	return cfg
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return errors.New("endpoint is required when telemetry is enabled")
	}
	if c.ServiceName == "" {
		return errors.New("service name is required when telemetry is enabled")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling rate must be 0.0-1.0, got %f", c.SamplingRate)
	}
	if c.Protocol != "grpc" && c.Protocol != "http/protobuf" {
		return fmt.Errorf("protocol must be grpc or http/protobuf, got %q", c.Protocol)
	}
	if c.Metrics && c.ExportInterval <= 0 {
		return errors.New("export interval must be positive")
	}
	return nil
}
