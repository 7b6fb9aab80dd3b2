// Package session implements the timelapse intervalometer: a per-session
// state machine that fires shots at absolute schedule times, correlates
// each shutter press with the camera's event polling and accounts for
// overtime.
package session

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/PapaMarky/pi-camera-control-sub003/internal/ccapi"
)

// Validation and contention errors
var (
	ErrInvalidInterval    = errors.New("invalid interval")
	ErrInvalidConfig      = errors.New("invalid session configuration")
	ErrInvalidTitle       = errors.New("title must not be blank")
	ErrCameraNotConnected = errors.New("camera not connected")
	ErrAlreadyRunning     = errors.New("a session is already running")
	ErrNotActive          = errors.New("no active session")
	ErrTerminal           = errors.New("session already finished")
)

// State is the session lifecycle state
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
	StateError     State = "error"
)

// Terminal reports whether the state permits no further transitions
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateStopped || s == StateError
}

// StopCondition selects how a session ends
type StopCondition string

const (
	StopUnlimited StopCondition = "unlimited"
	StopAfter     StopCondition = "stop-after"
	StopAt        StopCondition = "stop-at"
)

// Config is the validated intervalometer configuration
type Config struct {
	IntervalSeconds float64       `json:"interval"`
	StopCondition   StopCondition `json:"stop_condition"`
	TotalShots      int           `json:"number_of_shots,omitempty"` // stop-after
	StopTime        time.Time     `json:"stop_at,omitempty"`         // stop-at
	Title           string        `json:"title,omitempty"`
}

// Validate rejects configurations before any side effect
func (c *Config) Validate() error {
	if c.IntervalSeconds <= 0 {
		return ErrInvalidInterval
	}

	switch c.StopCondition {
	case StopUnlimited:
	case StopAfter:
		if c.TotalShots <= 0 {
			return ErrInvalidConfig
		}
	case StopAt:
		if c.StopTime.IsZero() {
			return ErrInvalidConfig
		}
	default:
		return ErrInvalidConfig
	}
	return nil
}

// Interval returns the configured interval as a duration
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds * float64(time.Second))
}

// deriveTotalShots computes the shot count for stop-at sessions from the
// true start instant
func (c *Config) deriveTotalShots(start time.Time) int {
	if c.StopCondition == StopAfter {
		return c.TotalShots
	}
	if c.StopCondition != StopAt {
		return 0
	}
	if c.TotalShots > 0 {
		return c.TotalShots
	}
	remaining := c.StopTime.Sub(start).Seconds()
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining / c.IntervalSeconds))
}

// ShotError records one failed shot for the report
type ShotError struct {
	ShotNumber int       `json:"shot_number"`
	Error      string    `json:"error"`
	Timestamp  time.Time `json:"timestamp"`
}

// Stats is the per-session statistics bundle. It is owned by the session
// goroutine; consumers only ever see copies.
type Stats struct {
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	ShotsTaken      int `json:"shots_taken"`
	ShotsSuccessful int `json:"shots_successful"`
	ShotsFailed     int `json:"shots_failed"`
	CurrentShot     int `json:"current_shot"`

	Errors []ShotError `json:"errors,omitempty"`

	OvertimeShots            int     `json:"overtime_shots"`
	TotalOvertimeSeconds     float64 `json:"total_overtime_seconds"`
	MaxOvertimeSeconds       float64 `json:"max_overtime_seconds"`
	LastShotDurationSeconds  float64 `json:"last_shot_duration_seconds"`
	TotalShotDurationSeconds float64 `json:"total_shot_duration_seconds"`

	FirstImageName string `json:"first_image_name,omitempty"`
	LastImageName  string `json:"last_image_name,omitempty"`
}

// SuccessRate derives the fraction of successful shots (1 when none taken)
func (s *Stats) SuccessRate() float64 {
	if s.ShotsTaken == 0 {
		return 1
	}
	return float64(s.ShotsSuccessful) / float64(s.ShotsTaken)
}

// AverageShotDuration derives the mean duration of successful shots
func (s *Stats) AverageShotDuration() float64 {
	if s.ShotsSuccessful == 0 {
		return 0
	}
	return s.TotalShotDurationSeconds / float64(s.ShotsSuccessful)
}

// clone copies the bundle so event consumers observe an immutable value
func (s *Stats) clone() Stats {
	out := *s
	out.Errors = append([]ShotError(nil), s.Errors...)
	if s.EndTime != nil {
		end := *s.EndTime
		out.EndTime = &end
	}
	return out
}

// Snapshot is an immutable view of a session, handed to the report store
// on terminal transition and to event consumers
type Snapshot struct {
	ID               string                 `json:"id"`
	Title            string                 `json:"title"`
	State            State                  `json:"state"`
	CreatedAt        time.Time              `json:"created_at"`
	Config           Config                 `json:"config"`
	Stats            Stats                  `json:"stats"`
	CameraInfo       *ccapi.DeviceInfo      `json:"camera_info,omitempty"`
	CameraSettings   map[string]interface{} `json:"camera_settings,omitempty"`
	CompletionReason string                 `json:"completion_reason,omitempty"`
	NextShotTime     time.Time              `json:"next_shot_time,omitempty"`
}

// Camera is the coordinator handle a session holds. It is resolved
// per-call, so controller reconnection is transparent to the session.
type Camera interface {
	Connected() bool
	DeviceInfo(ctx context.Context) (*ccapi.DeviceInfo, error)
	SettingsSnapshot(ctx context.Context) (map[string]interface{}, error)
	ValidateInterval(seconds float64) ccapi.Validation
	TakePhoto(ctx context.Context) error
	WaitForPhoto(ctx context.Context, deadline time.Time) (string, error)
	PauseInfoPolling()
	ResumeInfoPolling()
	PauseConnectionMonitor()
	ResumeConnectionMonitor()
}

// Publisher is the event-bus surface sessions emit on
type Publisher interface {
	Publish(eventType string, payload interface{})
}

// ReportSink receives the finalized snapshot of a terminal session
type ReportSink interface {
	SaveSession(snap Snapshot) error
}

// Logger interface for dependency injection
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// defaultLogger is a no-op logger
type defaultLogger struct{}

func (d *defaultLogger) Debug(msg string, keysAndValues ...interface{}) {}
func (d *defaultLogger) Info(msg string, keysAndValues ...interface{})  {}
func (d *defaultLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (d *defaultLogger) Error(msg string, keysAndValues ...interface{}) {}

// DefaultTitle formats the default session title for a creation instant
func DefaultTitle(t time.Time) string {
	return t.Local().Format("20060102-150405")
}
