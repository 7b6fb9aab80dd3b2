package timesync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender records every sync request
type fakeSender struct {
	mu       sync.Mutex
	requests []string
}

func (f *fakeSender) SendTimeSyncRequest(address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, address)
	return nil
}

func (f *fakeSender) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// fakeSysClock records clock pushes instead of touching the host
type fakeSysClock struct {
	mu        sync.Mutex
	setTimes  []time.Time
	timezones []string
}

func (f *fakeSysClock) SetTime(t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setTimes = append(f.setTimes, t)
	return nil
}

func (f *fakeSysClock) SetTimezone(tz string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timezones = append(f.timezones, tz)
	return nil
}

func (f *fakeSysClock) lastTime() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.setTimes) == 0 {
		return time.Time{}, false
	}
	return f.setTimes[len(f.setTimes)-1], true
}

// fakeCameraClock simulates a connected camera with a drifting clock
type fakeCameraClock struct {
	mu        sync.Mutex
	connected bool
	drift     time.Duration
	pushes    []time.Time
}

func (f *fakeCameraClock) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeCameraClock) CameraTime(ctx context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.Now().Add(-f.drift), nil
}

func (f *fakeCameraClock) SetCameraTime(ctx context.Context, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, t)
	return nil
}

func (f *fakeCameraClock) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

func startMachine(t *testing.T, cfg Config, clock SystemClock, camera CameraClock) *Machine {
	t.Helper()
	if clock == nil {
		clock = &fakeSysClock{}
	}
	m := NewMachine(cfg, clock, camera, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)
	return m
}

func TestWLAN0AcceptedWhenNoProxy(t *testing.T) {
	sender := &fakeSender{}
	m := startMachine(t, Config{}, nil, nil)

	m.ClientConnected("192.168.1.10:5000", TierWLAN0, sender)

	st := m.Status()
	assert.Equal(t, StateWLAN0Device, st.State)
	assert.Equal(t, "192.168.1.10:5000", st.ClientAddress)
	assert.True(t, st.Valid)
	assert.False(t, st.Reliable)
	assert.Equal(t, []string{"192.168.1.10:5000"}, sender.requested())
}

func TestFirstWLAN0Wins(t *testing.T) {
	sender := &fakeSender{}
	m := startMachine(t, Config{}, nil, nil)

	m.ClientConnected("A:1", TierWLAN0, sender)
	m.ClientConnected("B:1", TierWLAN0, sender)

	st := m.Status()
	assert.Equal(t, StateWLAN0Device, st.State)
	assert.Equal(t, "A:1", st.ClientAddress)
	// B never got a sync request
	assert.Equal(t, []string{"A:1"}, sender.requested())
}

func TestAP0AlwaysTakesOver(t *testing.T) {
	sender := &fakeSender{}
	clock := &fakeSysClock{}
	m := startMachine(t, Config{}, clock, nil)

	t0 := time.Date(2024, 1, 15, 10, 30, 45, 0, time.UTC)
	m.ClientConnected("A:1", TierWLAN0, sender)
	m.ClientTimeResponse("A:1", t0, "America/Los_Angeles")
	m.ClientConnected("B:1", TierAP0, sender)

	st := m.Status()
	assert.Equal(t, StateAP0Device, st.State)
	assert.Equal(t, "B:1", st.ClientAddress)
	assert.True(t, st.Valid)
	assert.True(t, st.Reliable)

	// The wlan0 response landed before the takeover
	got, ok := clock.lastTime()
	require.True(t, ok)
	assert.True(t, got.Equal(t0))
	assert.Equal(t, []string{"America/Los_Angeles"}, clock.timezones)

	// While an ap0 proxy is valid, wlan0 arrivals change nothing
	m.ClientConnected("C:1", TierWLAN0, sender)
	st = m.Status()
	assert.Equal(t, StateAP0Device, st.State)
	assert.Equal(t, "B:1", st.ClientAddress)
}

func TestTimeResponseFromNonProxyIgnored(t *testing.T) {
	sender := &fakeSender{}
	clock := &fakeSysClock{}
	m := startMachine(t, Config{}, clock, nil)

	m.ClientConnected("A:1", TierWLAN0, sender)
	m.ClientTimeResponse("B:1", time.Now(), "")

	m.Status() // barrier: all signals processed
	_, ok := clock.lastTime()
	assert.False(t, ok)
}

func TestDisconnectKeepsValidityWindow(t *testing.T) {
	sender := &fakeSender{}
	m := startMachine(t, Config{}, nil, nil)

	m.ClientConnected("B:1", TierAP0, sender)
	m.ClientDisconnected("B:1")

	st := m.Status()
	assert.Equal(t, StateAP0Device, st.State)
	assert.True(t, st.Valid)
}

func TestExpirySweepDropsStaleProxy(t *testing.T) {
	sender := &fakeSender{}
	m := startMachine(t, Config{
		ValidityWindow: 50 * time.Millisecond,
		ExpirySweep:    20 * time.Millisecond,
		ResyncInterval: time.Hour,
	}, nil, nil)

	m.ClientConnected("A:1", TierWLAN0, sender)
	require.Equal(t, StateWLAN0Device, m.Status().State)

	assert.Eventually(t, func() bool {
		return m.Status().State == StateNone
	}, time.Second, 10*time.Millisecond)
	assert.False(t, m.Status().Valid)
}

func TestResyncPromotesWLAN0ToAP0(t *testing.T) {
	sender := &fakeSender{}
	m := startMachine(t, Config{
		ValidityWindow: 300 * time.Millisecond,
		ExpirySweep:    50 * time.Millisecond,
		ResyncInterval: 100 * time.Millisecond,
	}, nil, nil)

	// An ap0 client connects, never answers, and its trust expires
	m.ClientConnected("B:1", TierAP0, sender)
	assert.Eventually(t, func() bool {
		return m.Status().State == StateNone
	}, 2*time.Second, 20*time.Millisecond)

	// A wlan0 client becomes the proxy; B is still registered, so the
	// next resync promotes back to ap0
	m.ClientConnected("A:1", TierWLAN0, sender)
	require.Equal(t, StateWLAN0Device, m.Status().State)

	assert.Eventually(t, func() bool {
		st := m.Status()
		return st.State == StateAP0Device && st.ClientAddress == "B:1"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCascadePushesCameraClockOnDrift(t *testing.T) {
	sender := &fakeSender{}
	camera := &fakeCameraClock{connected: true, drift: 10 * time.Second}
	m := startMachine(t, Config{}, &fakeSysClock{}, camera)

	m.ClientConnected("B:1", TierAP0, sender)
	m.ClientTimeResponse("B:1", time.Now(), "")

	m.Status() // barrier
	assert.Equal(t, 1, camera.pushCount())
}

func TestCascadeSkipsSmallDrift(t *testing.T) {
	sender := &fakeSender{}
	camera := &fakeCameraClock{connected: true, drift: 500 * time.Millisecond}
	m := startMachine(t, Config{}, &fakeSysClock{}, camera)

	m.ClientConnected("B:1", TierAP0, sender)
	m.ClientTimeResponse("B:1", time.Now(), "")

	m.Status()
	assert.Equal(t, 0, camera.pushCount())
}

func TestCascadeSkipsDisconnectedCamera(t *testing.T) {
	sender := &fakeSender{}
	camera := &fakeCameraClock{connected: false, drift: time.Hour}
	m := startMachine(t, Config{}, &fakeSysClock{}, camera)

	m.ClientConnected("B:1", TierAP0, sender)
	m.ClientTimeResponse("B:1", time.Now(), "")

	m.Status()
	assert.Equal(t, 0, camera.pushCount())
}

func TestManualSyncRequestsProxyAgain(t *testing.T) {
	sender := &fakeSender{}
	m := startMachine(t, Config{}, nil, nil)

	m.ClientConnected("B:1", TierAP0, sender)
	m.ManualSync()

	m.Status()
	assert.Equal(t, []string{"B:1", "B:1"}, sender.requested())
}

func TestProxyValidity(t *testing.T) {
	now := time.Now()
	window := 10 * time.Minute

	p := proxy{State: StateNone}
	assert.False(t, p.valid(now, window))

	p = proxy{State: StateAP0Device, AcquiredAt: now.Add(-9 * time.Minute)}
	assert.True(t, p.valid(now, window))

	p.AcquiredAt = now.Add(-10 * time.Minute)
	assert.False(t, p.valid(now, window))
}
