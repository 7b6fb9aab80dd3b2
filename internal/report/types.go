// Package report persists completed, stopped and errored timelapse
// sessions as individual JSON blobs under the data root.
package report

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PapaMarky/pi-camera-control-sub003/internal/ccapi"
	"github.com/PapaMarky/pi-camera-control-sub003/internal/session"
)

// Errors
var (
	ErrNotFound     = errors.New("report not found")
	ErrInvalidTitle = errors.New("title must not be blank")
)

// Schema version written into report metadata
const schemaVersion = "1.0"

// Timestamps persist as ISO-8601 with the local offset, millisecond
// precision (2024-01-15T10:30:45.123-08:00)
const timestampLayout = "2006-01-02T15:04:05.000-07:00"

// Timestamp is a time.Time that round-trips through the persisted layout
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps a time in the persisted representation
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.Local()}
}

// MarshalJSON encodes the timestamp with its local offset
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`null`), nil
	}
	return []byte(`"` + t.Format(timestampLayout) + `"`), nil
}

// UnmarshalJSON accepts the persisted layout and plain RFC3339
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(timestampLayout, s)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
	}
	t.Time = parsed
	return nil
}

// Intervalometer is the configuration echo inside a report
type Intervalometer struct {
	Interval      float64    `json:"interval"`
	NumberOfShots int        `json:"number_of_shots,omitempty"`
	StopCondition string     `json:"stop_condition"`
	StopAt        *Timestamp `json:"stop_at,omitempty"`
}

// Results is the outcome summary inside a report
type Results struct {
	ImagesCaptured   int                 `json:"images_captured"`
	ImagesSuccessful int                 `json:"images_successful"`
	ImagesFailed     int                 `json:"images_failed"`
	FirstImageName   string              `json:"first_image_name,omitempty"`
	LastImageName    string              `json:"last_image_name,omitempty"`
	Errors           []session.ShotError `json:"errors"`
}

// Metadata carries bookkeeping fields
type Metadata struct {
	SavedAt          Timestamp `json:"saved_at"`
	Version          string    `json:"version"`
	CompletionReason string    `json:"completion_reason,omitempty"`
}

// Report is one persisted session outcome. Immutable except for Title.
type Report struct {
	ID             string                 `json:"id"`
	SessionID      string                 `json:"session_id"`
	Title          string                 `json:"title"`
	Status         string                 `json:"status"` // completed | stopped | error
	StartTime      Timestamp              `json:"start_time"`
	EndTime        Timestamp              `json:"end_time"`
	DurationMS     int64                  `json:"duration_ms"`
	Intervalometer Intervalometer         `json:"intervalometer"`
	Results        Results                `json:"results"`
	CameraInfo     *ccapi.DeviceInfo      `json:"camera_info,omitempty"`
	CameraSettings map[string]interface{} `json:"camera_settings,omitempty"`
	Metadata       Metadata               `json:"metadata"`
}

// FromSnapshot builds a report from a terminal session snapshot
func FromSnapshot(snap session.Snapshot) (*Report, error) {
	if !snap.State.Terminal() {
		return nil, fmt.Errorf("session %s is not terminal (state %s)", snap.ID, snap.State)
	}

	start := snap.Stats.StartTime
	end := start
	if snap.Stats.EndTime != nil {
		end = *snap.Stats.EndTime
	}
	durationMS := end.Sub(start).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}

	intervalometer := Intervalometer{
		Interval:      snap.Config.IntervalSeconds,
		NumberOfShots: snap.Config.TotalShots,
		StopCondition: string(snap.Config.StopCondition),
	}
	if !snap.Config.StopTime.IsZero() {
		stopAt := NewTimestamp(snap.Config.StopTime)
		intervalometer.StopAt = &stopAt
	}

	errs := snap.Stats.Errors
	if errs == nil {
		errs = []session.ShotError{}
	}

	return &Report{
		ID:         newID(),
		SessionID:  snap.ID,
		Title:      snap.Title,
		Status:     string(snap.State),
		StartTime:  NewTimestamp(start),
		EndTime:    NewTimestamp(end),
		DurationMS: durationMS,
		Intervalometer: intervalometer,
		Results: Results{
			ImagesCaptured:   snap.Stats.ShotsTaken,
			ImagesSuccessful: snap.Stats.ShotsSuccessful,
			ImagesFailed:     snap.Stats.ShotsFailed,
			FirstImageName:   snap.Stats.FirstImageName,
			LastImageName:    snap.Stats.LastImageName,
			Errors:           errs,
		},
		CameraInfo:     snap.CameraInfo,
		CameraSettings: snap.CameraSettings,
		Metadata: Metadata{
			SavedAt:          NewTimestamp(time.Now()),
			Version:          schemaVersion,
			CompletionReason: snap.CompletionReason,
		},
	}, nil
}
