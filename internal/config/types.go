// Package config loads and validates the controller configuration file
package config

import (
	"fmt"
	"path/filepath"
)

// Config represents the root configuration structure
type Config struct {
	Camera   Camera   `json:"camera"`             // Tethered CCAPI camera
	DataDir  string   `json:"data_dir,omitempty"` // Root for persisted state
	Web      Web      `json:"web,omitempty"`      // Web/API surface
	TimeSync TimeSync `json:"timesync,omitempty"` // Time-proxy tuning
	NTP      NTP      `json:"ntp,omitempty"`      // Opportunistic NTP cross-check
}

// Camera holds connection settings for the vendor camera
type Camera struct {
	Host string `json:"host"`           // Camera IP or hostname
	Port int    `json:"port,omitempty"` // Default: 443

	ProbeTimeoutSeconds     int `json:"probe_timeout_seconds,omitempty"`      // Default: 10
	MonitorIntervalSeconds  int `json:"monitor_interval_seconds,omitempty"`   // Default: 10
	InfoPollIntervalSeconds int `json:"info_poll_interval_seconds,omitempty"` // Default: 30
}

// Web holds settings for the local control surface
type Web struct {
	Port     int    `json:"port,omitempty"`      // Default: 3000
	APSubnet string `json:"ap_subnet,omitempty"` // CIDR of the hosted AP, default: 192.168.4.0/24
}

// TimeSync holds time-proxy state machine tuning
type TimeSync struct {
	ResyncMinutes         int `json:"resync_minutes,omitempty"`          // Default: 5
	ValidityMinutes       int `json:"validity_minutes,omitempty"`        // Default: 10
	ExpirySweepSeconds    int `json:"expiry_sweep_seconds,omitempty"`    // Default: 60
	DriftThresholdSeconds int `json:"drift_threshold_seconds,omitempty"` // Camera cascade threshold, default: 2
	RequestTimeoutSeconds int `json:"request_timeout_seconds,omitempty"` // Client request-reply, default: 30
}

// NTP holds settings for the NTP health cross-check
type NTP struct {
	Enabled              bool     `json:"enabled,omitempty"`
	Servers              []string `json:"servers,omitempty"`                 // Default: pool.ntp.org
	CheckIntervalSeconds int      `json:"check_interval_seconds,omitempty"`  // Default: 300
	MaxOffsetSeconds     int      `json:"max_offset_seconds,omitempty"`      // Default: 5
}

// BaseURL returns the camera base URL (https://<host>:<port>, no trailing slash)
func (c *Camera) BaseURL() string {
	port := c.Port
	if port == 0 {
		port = 443
	}
	return fmt.Sprintf("https://%s:%d", c.Host, port)
}

// ReportsDir returns the directory holding persisted session reports
func (c *Config) ReportsDir() string {
	return filepath.Join(c.DataDir, "reports")
}

// HistoryPath returns the camera connection history file path
func (c *Config) HistoryPath() string {
	return filepath.Join(c.DataDir, "camera-connection-history.json")
}

// TestShotsDir returns the directory for single-shot test photos
func (c *Config) TestShotsDir() string {
	return filepath.Join(c.DataDir, "test-shots", "photos")
}
