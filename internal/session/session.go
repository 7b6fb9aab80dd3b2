package session

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/PapaMarky/pi-camera-control-sub003/internal/ccapi"
)

// Per-shot budget beyond the interval: covers long exposures plus
// in-camera processing margin
const shotBudgetMargin = 30 * time.Second

// Event names emitted by sessions
const (
	eventSessionStarted   = "session_started"
	eventPhotoTaken       = "photo_taken"
	eventPhotoFailed      = "photo_failed"
	eventPhotoOvertime    = "photo_overtime"
	eventSessionCompleted = "session_completed"
	eventSessionStopped   = "session_stopped"
	eventSessionError     = "session_error"
)

type cmdKind int

const (
	cmdPause cmdKind = iota
	cmdResume
	cmdStop
)

type command struct {
	kind  cmdKind
	reply chan error
}

// Session is one timelapse run. All statistics are owned by the session
// goroutine; external readers only ever get copies.
type Session struct {
	id        string
	createdAt time.Time
	config    Config

	camera    Camera
	publisher Publisher
	sink      ReportSink
	log       Logger

	mu               sync.RWMutex
	title            string
	state            State
	stats            Stats
	cameraInfo       *ccapi.DeviceInfo
	cameraSettings   map[string]interface{}
	completionReason string
	totalShots       int // derived target, 0 for unlimited
	shotCancel       context.CancelFunc

	stopRequested atomic.Bool
	commands      chan command
	done          chan struct{}
}

// NewSession creates a session in the created state. Blank titles get the
// YYYYMMDD-HHmmss default.
func NewSession(cfg Config, camera Camera, publisher Publisher, sink ReportSink, log Logger) *Session {
	if log == nil {
		log = &defaultLogger{}
	}

	now := time.Now()
	title := cfg.Title
	if title == "" {
		title = DefaultTitle(now)
	}

	return &Session{
		id:        uuid.NewString(),
		createdAt: now,
		config:    cfg,
		title:     title,
		state:     StateCreated,
		camera:    camera,
		publisher: publisher,
		sink:      sink,
		log:       log,
		commands:  make(chan command, 4),
		done:      make(chan struct{}),
	}
}

// ID returns the session's opaque identifier
func (s *Session) ID() string { return s.id }

// Title returns the current human-readable title
func (s *Session) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.title
}

// SetTitle updates the title; blank titles are rejected
func (s *Session) SetTitle(title string) error {
	if title == "" {
		return ErrInvalidTitle
	}
	s.mu.Lock()
	s.title = title
	s.mu.Unlock()
	return nil
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// StatsSnapshot returns a copy of the statistics bundle
func (s *Session) StatsSnapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats.clone()
}

// Snapshot returns an immutable view of the whole session
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		ID:               s.id,
		Title:            s.title,
		State:            s.state,
		CreatedAt:        s.createdAt,
		Config:           s.config,
		Stats:            s.stats.clone(),
		CameraInfo:       s.cameraInfo,
		CameraSettings:   s.cameraSettings,
		CompletionReason: s.completionReason,
	}
	if s.state == StateRunning && !s.stats.StartTime.IsZero() {
		snap.NextShotTime = s.stats.StartTime.Add(time.Duration(s.stats.ShotsTaken) * s.config.Interval())
	}
	return snap
}

// Done is closed when the session goroutine has exited
func (s *Session) Done() <-chan struct{} { return s.done }

// Start runs the start contract and launches the scheduling loop.
// A failed start leaves the session in the terminal error state.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateCreated {
		s.mu.Unlock()
		return fmt.Errorf("cannot start session in state %s", s.state)
	}
	s.mu.Unlock()

	if !s.camera.Connected() {
		s.failStart("camera not connected")
		return ErrCameraNotConnected
	}

	// Identity and settings snapshots are informational; failure leaves
	// the fields empty
	snapCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if info, err := s.camera.DeviceInfo(snapCtx); err == nil {
		s.mu.Lock()
		s.cameraInfo = info
		s.mu.Unlock()
	} else {
		s.log.Warn("Camera identity snapshot failed", "error", err)
	}
	if settings, err := s.camera.SettingsSnapshot(snapCtx); err == nil {
		s.mu.Lock()
		s.cameraSettings = settings
		s.mu.Unlock()
	} else {
		s.log.Warn("Camera settings snapshot failed", "error", err)
	}

	if v := s.camera.ValidateInterval(s.config.IntervalSeconds); !v.Valid {
		s.failStart(v.Reason)
		return fmt.Errorf("%w: %s", ErrInvalidInterval, v.Reason)
	} else if v.Warning != "" {
		s.log.Warn("Interval validation warning", "warning", v.Warning)
	}

	// Freeze background camera traffic for the duration of the session
	s.camera.PauseInfoPolling()
	s.camera.PauseConnectionMonitor()

	s.mu.Lock()
	s.state = StateRunning
	s.totalShots = s.config.deriveTotalShots(time.Now())
	s.mu.Unlock()

	s.publish(eventSessionStarted, map[string]interface{}{
		"session_id": s.id,
		"title":      s.Title(),
		"options":    s.config,
	})
	s.log.Info("Session started",
		"interval", s.config.IntervalSeconds,
		"stop_condition", s.config.StopCondition)

	go s.run(ctx)
	return nil
}

// Pause suspends the scheduler; the pending shot timer is cancelled
func (s *Session) Pause() error {
	return s.sendCommand(cmdPause)
}

// Resume re-derives the next shot time from the session start and
// continues. Shots bunch up to catch the absolute schedule.
func (s *Session) Resume() error {
	return s.sendCommand(cmdResume)
}

// Stop terminates the session. An in-progress capture is cancelled; an
// in-flight shutter press is not (the camera has already been commanded).
func (s *Session) Stop() error {
	s.stopRequested.Store(true)
	s.cancelActiveShot()
	return s.sendCommand(cmdStop)
}

func (s *Session) sendCommand(kind cmdKind) error {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	if state == StateCreated {
		return fmt.Errorf("session not started")
	}
	if state.Terminal() {
		return ErrTerminal
	}

	cmd := command{kind: kind, reply: make(chan error, 1)}
	select {
	case s.commands <- cmd:
	case <-s.done:
		return ErrTerminal
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		return nil
	}
}

// run is the scheduling loop. Shots fire at absolute times
// start_time + N*interval; overtime never shifts the schedule.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	for {
		state := s.State()
		if state.Terminal() {
			return
		}

		if state == StatePaused {
			select {
			case cmd := <-s.commands:
				if s.handleCommand(cmd) {
					return
				}
			case <-ctx.Done():
				s.finish(StateStopped, "controller shutting down")
				return
			}
			continue
		}

		// Handle queued commands before arming the shot timer, so a
		// stop issued during a capture wins over the next shot
		select {
		case cmd := <-s.commands:
			if s.handleCommand(cmd) {
				return
			}
			continue
		default:
		}

		timer := time.NewTimer(s.untilNextShot())
		select {
		case <-timer.C:
			s.takeShot(ctx)
			if s.stopRequested.Load() {
				continue // the stop command is queued
			}
			if s.breakerTripped() {
				s.finish(StateError, "High failure rate detected")
				return
			}
			if reason, done := s.dueToComplete(); done {
				s.finish(StateCompleted, reason)
				return
			}
		case cmd := <-s.commands:
			timer.Stop()
			if s.handleCommand(cmd) {
				return
			}
		case <-ctx.Done():
			timer.Stop()
			s.finish(StateStopped, "controller shutting down")
			return
		}
	}
}

// handleCommand applies one control command; true means the loop must exit
func (s *Session) handleCommand(cmd command) bool {
	switch cmd.kind {
	case cmdPause:
		s.mu.Lock()
		if s.state != StateRunning {
			state := s.state
			s.mu.Unlock()
			cmd.reply <- fmt.Errorf("cannot pause session in state %s", state)
			return false
		}
		s.state = StatePaused
		s.mu.Unlock()
		s.log.Info("Session paused")
		cmd.reply <- nil
		return false

	case cmdResume:
		s.mu.Lock()
		if s.state != StatePaused {
			state := s.state
			s.mu.Unlock()
			cmd.reply <- fmt.Errorf("cannot resume session in state %s", state)
			return false
		}
		s.state = StateRunning
		s.mu.Unlock()
		s.log.Info("Session resumed")
		cmd.reply <- nil
		return false

	case cmdStop:
		cmd.reply <- nil
		s.finish(StateStopped, "Stopped by user")
		return true
	}
	return false
}

// untilNextShot computes the delay to the next absolute schedule slot
func (s *Session) untilNextShot() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stats.StartTime.IsZero() {
		return 0 // shot #1 fires immediately
	}
	next := s.stats.StartTime.Add(time.Duration(s.stats.ShotsTaken) * s.config.Interval())
	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}
	return delay
}

// takeShot runs the per-shot protocol: waiter first, shutter press
// second, then await the addedcontents edge
func (s *Session) takeShot(ctx context.Context) {
	s.mu.Lock()
	if s.stats.StartTime.IsZero() {
		// True start: the schedule and any stop-at derivation anchor here
		s.stats.StartTime = time.Now()
		s.totalShots = s.config.deriveTotalShots(s.stats.StartTime)
	}
	shotNumber := s.stats.ShotsTaken + 1
	s.stats.CurrentShot = shotNumber
	s.mu.Unlock()

	shotStart := time.Now()
	deadline := shotStart.Add(s.config.Interval() + shotBudgetMargin)

	waitCtx, cancel := context.WithCancel(ctx)
	s.setShotCancel(cancel)
	defer func() {
		s.setShotCancel(nil)
		cancel()
	}()

	type waitResult struct {
		path string
		err  error
	}
	waitCh := make(chan waitResult, 1)
	go func() {
		p, err := s.camera.WaitForPhoto(waitCtx, deadline)
		waitCh <- waitResult{path: p, err: err}
	}()

	// The press is never cancelled once issued; cancelling would leave
	// the sensor exposed
	pressCh := make(chan error, 1)
	go func() {
		pressCtx, pressCancel := context.WithDeadline(context.Background(), deadline)
		defer pressCancel()
		pressCh <- s.camera.TakePhoto(pressCtx)
	}()

	for {
		select {
		case err := <-pressCh:
			if err != nil {
				cancel()
				<-waitCh
				s.recordFailure(shotNumber, err)
				return
			}
			pressCh = nil // shutter accepted; keep waiting for the event

		case res := <-waitCh:
			if res.err != nil {
				if s.stopRequested.Load() && errors.Is(res.err, context.Canceled) {
					return // stop cancelled the capture; shot not counted
				}
				s.recordFailure(shotNumber, res.err)
				return
			}
			s.recordSuccess(shotNumber, shotStart, res.path)
			return
		}
	}
}

func (s *Session) setShotCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.shotCancel = cancel
	s.mu.Unlock()
}

func (s *Session) cancelActiveShot() {
	s.mu.RLock()
	cancel := s.shotCancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// recordSuccess updates the statistics bundle and emits photo events
func (s *Session) recordSuccess(shotNumber int, shotStart time.Time, filePath string) {
	duration := time.Since(shotStart).Seconds()
	filename := path.Base(filePath)
	interval := s.config.IntervalSeconds

	s.mu.Lock()
	s.stats.ShotsTaken++
	s.stats.ShotsSuccessful++
	s.stats.LastShotDurationSeconds = duration
	s.stats.TotalShotDurationSeconds += duration

	overtime := duration - interval
	isOvertime := duration > interval
	if isOvertime {
		s.stats.OvertimeShots++
		s.stats.TotalOvertimeSeconds += overtime
		if overtime > s.stats.MaxOvertimeSeconds {
			s.stats.MaxOvertimeSeconds = overtime
		}
	}

	if s.stats.FirstImageName == "" {
		s.stats.FirstImageName = filename
	}
	s.stats.LastImageName = filename

	nextShot := s.stats.StartTime.Add(time.Duration(s.stats.ShotsTaken) * s.config.Interval())
	stats := s.stats.clone()
	title := s.title
	s.mu.Unlock()

	if isOvertime {
		s.publish(eventPhotoOvertime, map[string]interface{}{
			"session_id":    s.id,
			"title":         title,
			"shot_number":   shotNumber,
			"interval":      interval,
			"shot_duration": duration,
			"overtime":      overtime,
			"file_path":     filePath,
			"message": fmt.Sprintf("Shot %d took %.1fs, %.1fs over the %.0fs interval",
				shotNumber, duration, overtime, interval),
		})
	}

	s.publish(eventPhotoTaken, map[string]interface{}{
		"session_id":     s.id,
		"title":          title,
		"shot_number":    shotNumber,
		"file_path":      filePath,
		"filename":       filename,
		"shot_duration":  duration,
		"next_shot_time": nextShot,
		"stats":          stats,
	})

	s.log.Debug("Shot completed",
		"shot", shotNumber,
		"duration_s", duration,
		"file", filename)
}

// recordFailure counts a failed shot and emits photo_failed
func (s *Session) recordFailure(shotNumber int, cause error) {
	s.mu.Lock()
	s.stats.ShotsTaken++
	s.stats.ShotsFailed++
	s.stats.Errors = append(s.stats.Errors, ShotError{
		ShotNumber: shotNumber,
		Error:      cause.Error(),
		Timestamp:  time.Now(),
	})
	stats := s.stats.clone()
	title := s.title
	s.mu.Unlock()

	s.publish(eventPhotoFailed, map[string]interface{}{
		"session_id":  s.id,
		"title":       title,
		"shot_number": shotNumber,
		"error":       cause.Error(),
		"stats":       stats,
	})

	s.log.Warn("Shot failed",
		"shot", shotNumber,
		"error", cause)
}

// breakerTripped checks the failure-rate circuit breaker
func (s *Session) breakerTripped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats.ShotsTaken > 5 &&
		float64(s.stats.ShotsFailed)/float64(s.stats.ShotsTaken) > 0.5
}

// dueToComplete checks the configured stop condition
func (s *Session) dueToComplete() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.totalShots > 0 && s.stats.ShotsTaken >= s.totalShots {
		return fmt.Sprintf("All %d shots completed", s.totalShots), true
	}
	if s.config.StopCondition == StopAt && !time.Now().Before(s.config.StopTime) {
		return "Stop time reached", true
	}
	return "", false
}

// failStart transitions a session that never ran to terminal error
func (s *Session) failStart(reason string) {
	s.mu.Lock()
	s.state = StateError
	now := time.Now()
	s.stats.StartTime = now
	s.stats.EndTime = &now
	s.completionReason = reason
	s.mu.Unlock()

	s.publish(eventSessionError, map[string]interface{}{
		"session_id": s.id,
		"title":      s.Title(),
		"reason":     reason,
		"stats":      s.StatsSnapshot(),
		"options":    s.config,
	})
	close(s.done)
}

// finish performs the terminal actions shared by all end states
func (s *Session) finish(state State, reason string) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = state
	now := time.Now()
	if s.stats.StartTime.IsZero() {
		s.stats.StartTime = now
	}
	s.stats.EndTime = &now
	s.stats.CurrentShot = 0
	s.completionReason = reason
	stats := s.stats.clone()
	title := s.title
	s.mu.Unlock()

	// Release the coordinator gates even when the camera is gone; the
	// counters no-op at zero so an unstarted pause cannot go negative
	s.camera.ResumeInfoPolling()
	s.camera.ResumeConnectionMonitor()

	event := eventSessionStopped
	switch state {
	case StateCompleted:
		event = eventSessionCompleted
	case StateError:
		event = eventSessionError
	}

	s.publish(event, map[string]interface{}{
		"session_id": s.id,
		"title":      title,
		"reason":     reason,
		"stats":      stats,
		"options":    s.config,
	})

	s.log.Info("Session finished",
		"state", string(state),
		"reason", reason,
		"shots_taken", stats.ShotsTaken,
		"shots_failed", stats.ShotsFailed)

	if s.sink != nil {
		if err := s.sink.SaveSession(s.Snapshot()); err != nil {
			s.log.Error("Failed to save session report", "error", err)
		}
	}
}

func (s *Session) publish(eventType string, payload interface{}) {
	if s.publisher != nil {
		s.publisher.Publish(eventType, payload)
	}
}
