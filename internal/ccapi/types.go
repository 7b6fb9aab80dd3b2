// Package ccapi owns the one and only HTTPS conversation with the
// tethered Canon CCAPI camera: a serialized request client, the
// connection monitor, the event-polling waiter and the capability
// descriptor live here.
package ccapi

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Sentinel errors
var (
	ErrNotConnected = errors.New("camera not connected")
	ErrNotCamera    = errors.New("endpoint did not answer like a CCAPI camera")
	ErrClosed       = errors.New("coordinator is shut down")
)

// Error types for camera operations
type (
	// TransientError indicates a retry-eligible network-level failure
	TransientError struct {
		Op  string
		Err error
	}

	// BusyError indicates HTTP 503 persisted through the retry ladder
	BusyError struct {
		Attempts int
	}

	// DisconnectedError indicates the socket dropped mid-operation
	DisconnectedError struct {
		Err error
	}

	// TimeoutError indicates an operation ran past its deadline
	TimeoutError struct {
		Op       string
		Deadline time.Time
	}

	// APIError is a vendor-returned error body ({"message": ...}), never retried
	APIError struct {
		StatusCode int
		Message    string
	}
)

func (e *TransientError) Error() string {
	return "transient camera error: " + e.Op + ": " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *BusyError) Error() string {
	return fmt.Sprintf("camera busy after %d attempts", e.Attempts)
}

func (e *DisconnectedError) Error() string {
	if e.Err != nil {
		return "camera disconnected: " + e.Err.Error()
	}
	return "camera disconnected"
}

func (e *DisconnectedError) Unwrap() error { return e.Err }

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out (deadline %s)", e.Op, e.Deadline.Format(time.RFC3339))
}

func (e *APIError) Error() string {
	return fmt.Sprintf("camera API error (%d): %s", e.StatusCode, e.Message)
}

// Endpoint is one capability entry: a vendor path plus allowed verbs
type Endpoint struct {
	Path   string `json:"path"`
	Get    bool   `json:"get"`
	Post   bool   `json:"post"`
	Put    bool   `json:"put"`
	Delete bool   `json:"delete"`
}

// Capabilities maps API version (ver100, ver110, ...) to endpoint records
type Capabilities map[string][]Endpoint

// Versions returns the capability version keys, highest first
func (c Capabilities) Versions() []string {
	versions := make([]string, 0, len(c))
	for v := range c {
		versions = append(versions, v)
	}
	// Version keys sort lexicographically (ver100 < ver110)
	sort.Sort(sort.Reverse(sort.StringSlice(versions)))
	return versions
}

// PathFor returns the endpoint path whose trailing segments match suffix,
// preferring the highest version that offers it
func (c Capabilities) PathFor(suffix string) (string, bool) {
	for _, version := range c.Versions() {
		for _, ep := range c[version] {
			if strings.HasSuffix(ep.Path, suffix) {
				return ep.Path, true
			}
		}
	}
	return "", false
}

// DeviceInfo is the camera's product identity
type DeviceInfo struct {
	Manufacturer    string `json:"manufacturer"`
	ProductName     string `json:"productname"`
	SerialNumber    string `json:"serialnumber"`
	FirmwareVersion string `json:"firmwareversion"`
	MacAddress      string `json:"macaddress"`
}

// RequestOptions are per-call overrides for a coordinator request
type RequestOptions struct {
	Timeout time.Duration // 0 means the client default
}

// Validation is the result of an interval check against camera settings
type Validation struct {
	Valid   bool   `json:"valid"`
	Reason  string `json:"reason,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// BatteryStatus is a snapshot of the camera battery state
type BatteryStatus struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Level   string `json:"level"`
	Quality string `json:"quality"`
}

// parseShutterSeconds converts a CCAPI tv value ("1/60", `30"`, `0"3`)
// into seconds. Returns false when the value is not a plain exposure time
// (bulb, auto).
func parseShutterSeconds(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, "bulb") || strings.EqualFold(value, "auto") {
		return 0, false
	}

	if idx := strings.Index(value, "/"); idx > 0 {
		var num, den float64
		if _, err := fmt.Sscanf(value, "%f/%f", &num, &den); err != nil || den == 0 {
			return 0, false
		}
		return num / den, true
	}

	// Canon writes long exposures with a quote as the decimal mark: 30" or 0"3
	if strings.Contains(value, `"`) {
		normalized := strings.Replace(value, `"`, ".", 1)
		normalized = strings.TrimSuffix(normalized, ".")
		var secs float64
		if _, err := fmt.Sscanf(normalized, "%f", &secs); err != nil {
			return 0, false
		}
		return secs, true
	}

	var secs float64
	if _, err := fmt.Sscanf(value, "%f", &secs); err != nil {
		return 0, false
	}
	return secs, true
}
