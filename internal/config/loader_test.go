package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	c := Default()

	assert.Equal(t, 443, c.Camera.Port)
	assert.Equal(t, 10, c.Camera.ProbeTimeoutSeconds)
	assert.Equal(t, 10, c.Camera.MonitorIntervalSeconds)
	assert.Equal(t, 30, c.Camera.InfoPollIntervalSeconds)

	assert.Equal(t, "/var/lib/pi-camera-control", c.DataDir)
	assert.Equal(t, 3000, c.Web.Port)
	assert.Equal(t, "192.168.4.0/24", c.Web.APSubnet)

	assert.Equal(t, 5, c.TimeSync.ResyncMinutes)
	assert.Equal(t, 10, c.TimeSync.ValidityMinutes)
	assert.Equal(t, 60, c.TimeSync.ExpirySweepSeconds)
	assert.Equal(t, 2, c.TimeSync.DriftThresholdSeconds)
	assert.Equal(t, 30, c.TimeSync.RequestTimeoutSeconds)

	assert.False(t, c.NTP.Enabled)
	assert.Equal(t, 300, c.NTP.CheckIntervalSeconds)
	assert.Equal(t, 5, c.NTP.MaxOffsetSeconds)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"camera": {"host": "192.168.4.2"},
		"data_dir": "/tmp/pcc-test",
		"web": {"port": 8080},
		"ntp": {"enabled": true}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "192.168.4.2", c.Camera.Host)
	assert.Equal(t, 443, c.Camera.Port)
	assert.Equal(t, "/tmp/pcc-test", c.DataDir)
	assert.Equal(t, 8080, c.Web.Port)
	assert.Equal(t, []string{"pool.ntp.org"}, c.NTP.Servers)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestLoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"camera port too high", func(c *Config) { c.Camera.Port = 70000 }},
		{"web port negative", func(c *Config) { c.Web.Port = -1 }},
		{"bad ap subnet", func(c *Config) { c.Web.APSubnet = "not-a-cidr" }},
		{"validity below one", func(c *Config) { c.TimeSync.ValidityMinutes = -3 }},
		{"resync below one", func(c *Config) { c.TimeSync.ResyncMinutes = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.Error(t, Validate(c))
		})
	}
}

func TestHelperPaths(t *testing.T) {
	c := Default()
	c.Camera.Host = "192.168.4.2"
	c.DataDir = "/var/lib/pcc"

	assert.Equal(t, "https://192.168.4.2:443", c.Camera.BaseURL())
	assert.Equal(t, "/var/lib/pcc/reports", c.ReportsDir())
	assert.Equal(t, "/var/lib/pcc/camera-connection-history.json", c.HistoryPath())
	assert.Equal(t, "/var/lib/pcc/test-shots/photos", c.TestShotsDir())

	c.Camera.Port = 8443
	assert.Equal(t, "https://192.168.4.2:8443", c.Camera.BaseURL())
}
