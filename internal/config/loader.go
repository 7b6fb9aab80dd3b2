package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
)

// Load loads configuration from the specified file path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&config)

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &config, nil
}

// Default returns a configuration with all defaults applied and no camera host.
// Useful for tests and for running without a config file.
func Default() *Config {
	config := &Config{}
	applyDefaults(config)
	return config
}

// applyDefaults sets default values for optional fields
func applyDefaults(c *Config) {
	if c.Camera.Port == 0 {
		c.Camera.Port = 443
	}
	if c.Camera.ProbeTimeoutSeconds == 0 {
		c.Camera.ProbeTimeoutSeconds = 10
	}
	if c.Camera.MonitorIntervalSeconds == 0 {
		c.Camera.MonitorIntervalSeconds = 10
	}
	if c.Camera.InfoPollIntervalSeconds == 0 {
		c.Camera.InfoPollIntervalSeconds = 30
	}

	if c.DataDir == "" {
		c.DataDir = "/var/lib/pi-camera-control"
	}

	if c.Web.Port == 0 {
		c.Web.Port = 3000
	}
	if c.Web.APSubnet == "" {
		c.Web.APSubnet = "192.168.4.0/24"
	}

	if c.TimeSync.ResyncMinutes == 0 {
		c.TimeSync.ResyncMinutes = 5
	}
	if c.TimeSync.ValidityMinutes == 0 {
		c.TimeSync.ValidityMinutes = 10
	}
	if c.TimeSync.ExpirySweepSeconds == 0 {
		c.TimeSync.ExpirySweepSeconds = 60
	}
	if c.TimeSync.DriftThresholdSeconds == 0 {
		c.TimeSync.DriftThresholdSeconds = 2
	}
	if c.TimeSync.RequestTimeoutSeconds == 0 {
		c.TimeSync.RequestTimeoutSeconds = 30
	}

	if c.NTP.Enabled && len(c.NTP.Servers) == 0 {
		c.NTP.Servers = []string{"pool.ntp.org"}
	}
	if c.NTP.CheckIntervalSeconds == 0 {
		c.NTP.CheckIntervalSeconds = 300
	}
	if c.NTP.MaxOffsetSeconds == 0 {
		c.NTP.MaxOffsetSeconds = 5
	}
}

// Validate checks the configuration for invalid values
func Validate(c *Config) error {
	if c.Camera.Port < 1 || c.Camera.Port > 65535 {
		return fmt.Errorf("camera port out of range: %d", c.Camera.Port)
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("web port out of range: %d", c.Web.Port)
	}
	if _, _, err := net.ParseCIDR(c.Web.APSubnet); err != nil {
		return fmt.Errorf("invalid ap_subnet %q: %w", c.Web.APSubnet, err)
	}
	if c.TimeSync.ValidityMinutes < 1 {
		return fmt.Errorf("timesync validity_minutes must be >= 1")
	}
	if c.TimeSync.ResyncMinutes < 1 {
		return fmt.Errorf("timesync resync_minutes must be >= 1")
	}
	return nil
}
