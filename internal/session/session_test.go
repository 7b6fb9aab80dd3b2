package session

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PapaMarky/pi-camera-control-sub003/internal/ccapi"
)

// fakeCamera scripts per-shot outcomes. Shot numbering starts at 1.
type fakeCamera struct {
	connected bool
	validate  ccapi.Validation

	// per-shot capture duration; the last entry repeats
	durations []time.Duration
	// shots that fail at the waiter
	failShots map[int]bool
	// error returned by every shutter press
	pressErr error

	shot         atomic.Int32
	infoPause    atomic.Int32
	monitorPause atomic.Int32
}

func newFakeCamera() *fakeCamera {
	return &fakeCamera{
		connected: true,
		validate:  ccapi.Validation{Valid: true},
		durations: []time.Duration{10 * time.Millisecond},
		failShots: map[int]bool{},
	}
}

func (f *fakeCamera) Connected() bool { return f.connected }

func (f *fakeCamera) DeviceInfo(ctx context.Context) (*ccapi.DeviceInfo, error) {
	return &ccapi.DeviceInfo{ProductName: "Test Camera"}, nil
}

func (f *fakeCamera) SettingsSnapshot(ctx context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"tv": map[string]interface{}{"value": "1/60"}}, nil
}

func (f *fakeCamera) ValidateInterval(seconds float64) ccapi.Validation {
	return f.validate
}

func (f *fakeCamera) TakePhoto(ctx context.Context) error {
	return f.pressErr
}

func (f *fakeCamera) WaitForPhoto(ctx context.Context, deadline time.Time) (string, error) {
	n := int(f.shot.Add(1))

	d := f.durations[len(f.durations)-1]
	if n-1 < len(f.durations) {
		d = f.durations[n-1]
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if f.failShots[n] {
		return "", fmt.Errorf("simulated capture failure")
	}
	return fmt.Sprintf("/ccapi/ver110/contents/sd/100CANON/IMG_%04d.JPG", n), nil
}

func (f *fakeCamera) PauseInfoPolling()         { f.infoPause.Add(1) }
func (f *fakeCamera) ResumeInfoPolling()        { f.infoPause.Add(-1) }
func (f *fakeCamera) PauseConnectionMonitor()   { f.monitorPause.Add(1) }
func (f *fakeCamera) ResumeConnectionMonitor()  { f.monitorPause.Add(-1) }

// fakePublisher records every event in emit order
type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	Type    string
	Payload map[string]interface{}
}

func (p *fakePublisher) Publish(eventType string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, _ := payload.(map[string]interface{})
	p.events = append(p.events, recordedEvent{Type: eventType, Payload: m})
}

func (p *fakePublisher) ofType(eventType string) []recordedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []recordedEvent
	for _, ev := range p.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// fakeSink captures snapshots handed to the report store
type fakeSink struct {
	mu    sync.Mutex
	saved []Snapshot
}

func (s *fakeSink) SaveSession(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, snap)
	return nil
}

func (s *fakeSink) last() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return Snapshot{}, false
	}
	return s.saved[len(s.saved)-1], true
}

func waitDone(t *testing.T, s *Session, within time.Duration) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(within):
		t.Fatal("session did not finish in time")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{
			name: "zero interval rejected",
			cfg:  Config{IntervalSeconds: 0, StopCondition: StopUnlimited},
			want: ErrInvalidInterval,
		},
		{
			name: "negative interval rejected",
			cfg:  Config{IntervalSeconds: -1, StopCondition: StopUnlimited},
			want: ErrInvalidInterval,
		},
		{
			name: "stop-after with zero shots rejected",
			cfg:  Config{IntervalSeconds: 5, StopCondition: StopAfter, TotalShots: 0},
			want: ErrInvalidConfig,
		},
		{
			name: "stop-at without time rejected",
			cfg:  Config{IntervalSeconds: 5, StopCondition: StopAt},
			want: ErrInvalidConfig,
		},
		{
			name: "unknown stop condition rejected",
			cfg:  Config{IntervalSeconds: 5, StopCondition: "sometimes"},
			want: ErrInvalidConfig,
		},
		{
			name: "valid unlimited",
			cfg:  Config{IntervalSeconds: 5, StopCondition: StopUnlimited},
			want: nil,
		},
		{
			name: "valid stop-after",
			cfg:  Config{IntervalSeconds: 5, StopCondition: StopAfter, TotalShots: 3},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestBoundedSessionCompletes(t *testing.T) {
	camera := newFakeCamera()
	pub := &fakePublisher{}
	sink := &fakeSink{}

	s := NewSession(Config{
		IntervalSeconds: 0.05,
		StopCondition:   StopAfter,
		TotalShots:      3,
		Title:           "t",
	}, camera, pub, sink, nil)

	require.NoError(t, s.Start(context.Background()))
	waitDone(t, s, 5*time.Second)

	assert.Equal(t, StateCompleted, s.State())
	stats := s.StatsSnapshot()
	assert.Equal(t, 3, stats.ShotsTaken)
	assert.Equal(t, 3, stats.ShotsSuccessful)
	assert.Equal(t, 0, stats.ShotsFailed)
	assert.Equal(t, 0, stats.OvertimeShots)
	assert.Equal(t, stats.ShotsTaken, stats.ShotsSuccessful+stats.ShotsFailed)
	assert.Equal(t, "IMG_0001.JPG", stats.FirstImageName)
	assert.Equal(t, "IMG_0003.JPG", stats.LastImageName)
	require.NotNil(t, stats.EndTime)
	assert.False(t, stats.EndTime.Before(stats.StartTime))

	assert.Len(t, pub.ofType("photo_taken"), 3)
	assert.Len(t, pub.ofType("session_completed"), 1)

	snap, ok := sink.last()
	require.True(t, ok)
	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, 3, snap.Stats.ShotsTaken)
	assert.Equal(t, 3, snap.Stats.ShotsSuccessful)

	// Coordinator gates must be released on termination
	assert.Equal(t, int32(0), camera.infoPause.Load())
	assert.Equal(t, int32(0), camera.monitorPause.Load())
}

func TestOvertimeAccounting(t *testing.T) {
	camera := newFakeCamera()
	// Shot 2 overruns the 200ms interval
	camera.durations = []time.Duration{
		50 * time.Millisecond,
		350 * time.Millisecond,
		50 * time.Millisecond,
	}
	pub := &fakePublisher{}
	sink := &fakeSink{}

	s := NewSession(Config{
		IntervalSeconds: 0.2,
		StopCondition:   StopAfter,
		TotalShots:      3,
	}, camera, pub, sink, nil)

	require.NoError(t, s.Start(context.Background()))
	waitDone(t, s, 10*time.Second)

	stats := s.StatsSnapshot()
	assert.Equal(t, 3, stats.ShotsSuccessful)
	assert.Equal(t, 1, stats.OvertimeShots)
	assert.Greater(t, stats.MaxOvertimeSeconds, 0.1)
	assert.InDelta(t, stats.MaxOvertimeSeconds, stats.TotalOvertimeSeconds, 0.05)

	overtimes := pub.ofType("photo_overtime")
	require.Len(t, overtimes, 1)
	assert.Equal(t, 2, overtimes[0].Payload["shot_number"])
}

func TestCircuitBreaker(t *testing.T) {
	camera := newFakeCamera()
	camera.durations = []time.Duration{5 * time.Millisecond}
	// Shots 1-4 fail, 5 succeeds (rate 0.8 with 5 taken, no trip yet
	// because the check needs more than 5 shots), 6 fails (rate 0.833)
	camera.failShots = map[int]bool{1: true, 2: true, 3: true, 4: true, 6: true}
	pub := &fakePublisher{}
	sink := &fakeSink{}

	s := NewSession(Config{
		IntervalSeconds: 0.01,
		StopCondition:   StopUnlimited,
	}, camera, pub, sink, nil)

	require.NoError(t, s.Start(context.Background()))
	waitDone(t, s, 10*time.Second)

	assert.Equal(t, StateError, s.State())
	stats := s.StatsSnapshot()
	assert.Equal(t, 6, stats.ShotsTaken)
	assert.Equal(t, 5, stats.ShotsFailed)
	assert.Len(t, stats.Errors, 5)

	errs := pub.ofType("session_error")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Payload["reason"], "High failure rate")

	snap, ok := sink.last()
	require.True(t, ok)
	assert.Equal(t, StateError, snap.State)
}

func TestBreakerNeedsMoreThanFiveShots(t *testing.T) {
	camera := newFakeCamera()
	camera.durations = []time.Duration{5 * time.Millisecond}
	// 3 of 5 failed: rate 0.6 but only 5 shots, must keep running
	camera.failShots = map[int]bool{1: true, 2: true, 3: true}

	s := NewSession(Config{
		IntervalSeconds: 0.01,
		StopCondition:   StopAfter,
		TotalShots:      5,
	}, camera, &fakePublisher{}, &fakeSink{}, nil)

	require.NoError(t, s.Start(context.Background()))
	waitDone(t, s, 10*time.Second)

	assert.Equal(t, StateCompleted, s.State())
	stats := s.StatsSnapshot()
	assert.Equal(t, 5, stats.ShotsTaken)
	assert.Equal(t, 3, stats.ShotsFailed)
}

func TestStopCancelsActiveCapture(t *testing.T) {
	camera := newFakeCamera()
	camera.durations = []time.Duration{5 * time.Second}
	pub := &fakePublisher{}
	sink := &fakeSink{}

	s := NewSession(Config{
		IntervalSeconds: 1,
		StopCondition:   StopUnlimited,
	}, camera, pub, sink, nil)

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(100 * time.Millisecond) // let the capture begin

	stopped := time.Now()
	require.NoError(t, s.Stop())
	waitDone(t, s, time.Second)
	assert.Less(t, time.Since(stopped), 500*time.Millisecond)

	assert.Equal(t, StateStopped, s.State())
	// The cancelled capture is not counted either way
	stats := s.StatsSnapshot()
	assert.Equal(t, 0, stats.ShotsTaken)

	snap, ok := sink.last()
	require.True(t, ok)
	assert.Equal(t, StateStopped, snap.State)
	assert.Equal(t, int32(0), camera.infoPause.Load())
	assert.Equal(t, int32(0), camera.monitorPause.Load())
}

func TestPauseResume(t *testing.T) {
	camera := newFakeCamera()
	camera.durations = []time.Duration{5 * time.Millisecond}

	s := NewSession(Config{
		IntervalSeconds: 0.05,
		StopCondition:   StopAfter,
		TotalShots:      2,
	}, camera, &fakePublisher{}, &fakeSink{}, nil)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Pause())
	assert.Eventually(t, func() bool { return s.State() == StatePaused },
		time.Second, 5*time.Millisecond)

	// Pausing twice is rejected
	assert.Error(t, s.Pause())

	require.NoError(t, s.Resume())
	waitDone(t, s, 5*time.Second)
	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, 2, s.StatsSnapshot().ShotsTaken)
}

func TestStartRejectsDisconnectedCamera(t *testing.T) {
	camera := newFakeCamera()
	camera.connected = false

	s := NewSession(Config{
		IntervalSeconds: 1,
		StopCondition:   StopUnlimited,
	}, camera, &fakePublisher{}, &fakeSink{}, nil)

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrCameraNotConnected)
	assert.Equal(t, StateError, s.State())
}

func TestStartRejectsInvalidInterval(t *testing.T) {
	camera := newFakeCamera()
	camera.validate = ccapi.Validation{Valid: false, Reason: "interval shorter than shutter speed"}

	s := NewSession(Config{
		IntervalSeconds: 0.5,
		StopCondition:   StopUnlimited,
	}, camera, &fakePublisher{}, &fakeSink{}, nil)

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrInvalidInterval)
	assert.Equal(t, StateError, s.State())
}

func TestTerminalSessionRefusesCommands(t *testing.T) {
	camera := newFakeCamera()

	s := NewSession(Config{
		IntervalSeconds: 0.01,
		StopCondition:   StopAfter,
		TotalShots:      1,
	}, camera, &fakePublisher{}, &fakeSink{}, nil)

	require.NoError(t, s.Start(context.Background()))
	waitDone(t, s, 5*time.Second)

	assert.ErrorIs(t, s.Pause(), ErrTerminal)
	assert.ErrorIs(t, s.Stop(), ErrTerminal)
}

func TestDefaultTitleFormat(t *testing.T) {
	s := NewSession(Config{
		IntervalSeconds: 1,
		StopCondition:   StopUnlimited,
	}, newFakeCamera(), nil, nil, nil)

	assert.Regexp(t, regexp.MustCompile(`^\d{8}-\d{6}$`), s.Title())

	require.NoError(t, s.SetTitle("aurora run"))
	assert.Equal(t, "aurora run", s.Title())
	assert.ErrorIs(t, s.SetTitle(""), ErrInvalidTitle)
}

func TestDeriveTotalShotsForStopAt(t *testing.T) {
	start := time.Now()
	cfg := Config{
		IntervalSeconds: 2,
		StopCondition:   StopAt,
		StopTime:        start.Add(7 * time.Second),
	}
	assert.Equal(t, 4, cfg.deriveTotalShots(start)) // ceil(7/2)

	cfg.StopTime = start.Add(-time.Second)
	assert.Equal(t, 0, cfg.deriveTotalShots(start))
}

func TestManagerSingleActiveSession(t *testing.T) {
	camera := newFakeCamera()
	camera.durations = []time.Duration{2 * time.Second}
	m := NewManager(camera, &fakePublisher{}, &fakeSink{}, nil)

	first, err := m.Start(context.Background(), Config{
		IntervalSeconds: 1,
		StopCondition:   StopUnlimited,
	})
	require.NoError(t, err)

	_, err = m.Start(context.Background(), Config{
		IntervalSeconds: 1,
		StopCondition:   StopUnlimited,
	})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, m.Stop())
	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not stop")
	}

	assert.ErrorIs(t, m.Stop(), ErrNotActive)
}

func TestManagerValidatesBeforeStarting(t *testing.T) {
	m := NewManager(newFakeCamera(), &fakePublisher{}, &fakeSink{}, nil)

	_, err := m.Start(context.Background(), Config{IntervalSeconds: 0, StopCondition: StopUnlimited})
	assert.ErrorIs(t, err, ErrInvalidInterval)

	_, err = m.Start(context.Background(), Config{IntervalSeconds: 5, StopCondition: StopAfter})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestManagerUpdateTitle(t *testing.T) {
	camera := newFakeCamera()
	camera.durations = []time.Duration{time.Second}
	m := NewManager(camera, &fakePublisher{}, &fakeSink{}, nil)

	s, err := m.Start(context.Background(), Config{
		IntervalSeconds: 1,
		StopCondition:   StopUnlimited,
	})
	require.NoError(t, err)
	defer m.Stop()

	require.NoError(t, m.UpdateTitle(s.ID(), "renamed"))
	assert.Equal(t, "renamed", s.Title())

	assert.ErrorIs(t, m.UpdateTitle("other-id", "x"), ErrNotActive)
}

// fakeLogger records log lines to verify sessions accept any Logger
// implementation
type fakeLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *fakeLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+": "+msg)
}

func (l *fakeLogger) Debug(msg string, keysAndValues ...interface{}) { l.record("DEBUG", msg) }
func (l *fakeLogger) Info(msg string, keysAndValues ...interface{})  { l.record("INFO", msg) }
func (l *fakeLogger) Warn(msg string, keysAndValues ...interface{})  { l.record("WARN", msg) }
func (l *fakeLogger) Error(msg string, keysAndValues ...interface{}) { l.record("ERROR", msg) }

func (l *fakeLogger) has(line string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.lines {
		if got == line {
			return true
		}
	}
	return false
}

func TestSessionLogsThroughInjectedLogger(t *testing.T) {
	camera := newFakeCamera()
	logs := &fakeLogger{}

	s := NewSession(Config{
		IntervalSeconds: 0.01,
		StopCondition:   StopAfter,
		TotalShots:      1,
	}, camera, nil, nil, logs)

	require.NoError(t, s.Start(context.Background()))
	waitDone(t, s, 5*time.Second)

	assert.True(t, logs.has("INFO: Session started"))
	assert.True(t, logs.has("INFO: Session finished"))
}

func TestStatsDerivedFields(t *testing.T) {
	stats := Stats{}
	assert.Equal(t, 1.0, stats.SuccessRate())
	assert.Equal(t, 0.0, stats.AverageShotDuration())

	stats = Stats{
		ShotsTaken:               4,
		ShotsSuccessful:          3,
		ShotsFailed:              1,
		TotalShotDurationSeconds: 6,
	}
	assert.Equal(t, 0.75, stats.SuccessRate())
	assert.Equal(t, 2.0, stats.AverageShotDuration())
}
