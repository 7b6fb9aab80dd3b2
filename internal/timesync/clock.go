package timesync

import (
	"fmt"
	"os/exec"
	"time"
)

// HostClock applies clock changes by shelling out to the host tools.
// Needs root (or the matching capabilities) on the device.
type HostClock struct {
	log Logger
}

// NewHostClock creates a host clock writer
func NewHostClock(log Logger) *HostClock {
	if log == nil {
		log = &defaultLogger{}
	}
	return &HostClock{log: log}
}

// SetTime sets the system clock to t
func (h *HostClock) SetTime(t time.Time) error {
	stamp := t.UTC().Format("2006-01-02 15:04:05")
	out, err := exec.Command("date", "-u", "-s", stamp).CombinedOutput()
	if err != nil {
		return fmt.Errorf("set system clock: %w (%s)", err, string(out))
	}
	h.log.Debug("System clock set", "utc", stamp)
	return nil
}

// SetTimezone sets the system timezone to an IANA zone name
func (h *HostClock) SetTimezone(tz string) error {
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("unknown timezone %q: %w", tz, err)
	}
	out, err := exec.Command("timedatectl", "set-timezone", tz).CombinedOutput()
	if err != nil {
		return fmt.Errorf("set timezone: %w (%s)", err, string(out))
	}
	h.log.Debug("System timezone set", "timezone", tz)
	return nil
}
