// Package timesync arbitrates wall-clock time between connected UI
// clients, the system clock and the camera clock. Connected clients act
// as trusted time proxies, ranked by the network interface they arrived
// on: clients on the device-hosted access point outrank clients on the
// upstream Wi-Fi.
package timesync

import (
	"context"
	"time"
)

// Tier is the network interface a client connected through
type Tier string

const (
	TierAP0   Tier = "ap0"
	TierWLAN0 Tier = "wlan0"
)

// ProxyState names the current trust state
type ProxyState string

const (
	StateNone        ProxyState = "none"
	StateWLAN0Device ProxyState = "wlan0-device"
	StateAP0Device   ProxyState = "ap0-device"
)

func stateFor(tier Tier) ProxyState {
	if tier == TierAP0 {
		return StateAP0Device
	}
	return StateWLAN0Device
}

// Tier returns the interface tier a proxy state corresponds to
func (s ProxyState) Tier() Tier {
	if s == StateAP0Device {
		return TierAP0
	}
	return TierWLAN0
}

// proxy is the single process-wide trust value, owned by the machine
// goroutine
type proxy struct {
	State         ProxyState
	ClientAddress string
	AcquiredAt    time.Time
}

// valid reports whether the proxy is inside its validity window
func (p *proxy) valid(now time.Time, window time.Duration) bool {
	if p.State == StateNone {
		return false
	}
	return now.Sub(p.AcquiredAt) < window
}

// Status is the read-side copy of the proxy state
type Status struct {
	State         ProxyState `json:"state"`
	ClientAddress string     `json:"client_address,omitempty"`
	AcquiredAt    time.Time  `json:"acquired_at,omitempty"`
	Valid         bool       `json:"valid"`
	Reliable      bool       `json:"reliable"`
}

// client is one connected UI client as the machine sees it
type client struct {
	Address  string
	Tier     Tier
	Sender   Sender
	LastSeen time.Time
}

// Sender delivers a time-sync request to one client. The transport
// decides how; a closed connection returns an error.
type Sender interface {
	SendTimeSyncRequest(address string) error
}

// SystemClock applies wall-clock changes to the host
type SystemClock interface {
	SetTime(t time.Time) error
	SetTimezone(tz string) error
}

// CameraClock is the coordinator surface the cascade uses
type CameraClock interface {
	Connected() bool
	CameraTime(ctx context.Context) (time.Time, error)
	SetCameraTime(ctx context.Context, t time.Time) error
}

// Publisher is the event-bus surface the machine emits on
type Publisher interface {
	Publish(eventType string, payload interface{})
}

// Logger interface for dependency injection
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type defaultLogger struct{}

func (d *defaultLogger) Debug(msg string, keysAndValues ...interface{}) {}
func (d *defaultLogger) Info(msg string, keysAndValues ...interface{})  {}
func (d *defaultLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (d *defaultLogger) Error(msg string, keysAndValues ...interface{}) {}

// Signals consumed by the machine goroutine

type signalConnect struct {
	Address string
	Tier    Tier
	Sender  Sender
}

type signalDisconnect struct {
	Address string
}

type signalTimeResponse struct {
	Address    string
	ClientTime time.Time
	Timezone   string
}

type signalManualSync struct{}

type signalStatus struct {
	reply chan Status
}
