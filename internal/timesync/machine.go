package timesync

import (
	"context"
	"time"
)

// Event names emitted by the machine
const (
	EventTimeSyncStatus = "time_sync_status"
	EventPiSync         = "pi_sync"
	EventCameraSync     = "camera_sync"
)

// Config tunes the machine's windows and cadences
type Config struct {
	ResyncInterval time.Duration // cadence of proxy re-sync requests
	ValidityWindow time.Duration // how long an acquired proxy stays authoritative
	ExpirySweep    time.Duration // cadence of the validity sweep
	DriftThreshold time.Duration // camera drift that triggers a cascade push
	RequestTimeout time.Duration // budget for camera clock calls
}

// DefaultConfig returns the production cadences
func DefaultConfig() Config {
	return Config{
		ResyncInterval: 5 * time.Minute,
		ValidityWindow: 10 * time.Minute,
		ExpirySweep:    time.Minute,
		DriftThreshold: 2 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = d.ResyncInterval
	}
	if c.ValidityWindow <= 0 {
		c.ValidityWindow = d.ValidityWindow
	}
	if c.ExpirySweep <= 0 {
		c.ExpirySweep = d.ExpirySweep
	}
	if c.DriftThreshold <= 0 {
		c.DriftThreshold = d.DriftThreshold
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
}

// Machine is the time-proxy state machine. All state is owned by the
// Run goroutine; the exported methods enqueue signals, which are
// processed strictly in arrival order.
type Machine struct {
	cfg       Config
	sysClock  SystemClock
	camera    CameraClock
	publisher Publisher
	log       Logger

	signals chan interface{}

	// owned by the run goroutine
	proxy   proxy
	clients map[string]*client

	now func() time.Time
}

// NewMachine creates the state machine. camera may be nil when no
// coordinator exists (the cascade is then skipped).
func NewMachine(cfg Config, sysClock SystemClock, camera CameraClock, publisher Publisher, log Logger) *Machine {
	cfg.applyDefaults()
	if log == nil {
		log = &defaultLogger{}
	}
	return &Machine{
		cfg:       cfg,
		sysClock:  sysClock,
		camera:    camera,
		publisher: publisher,
		log:       log,
		signals:   make(chan interface{}, 64),
		proxy:     proxy{State: StateNone},
		clients:   make(map[string]*client),
		now:       time.Now,
	}
}

// ClientConnected registers a UI client as a potential time proxy
func (m *Machine) ClientConnected(address string, tier Tier, sender Sender) {
	m.signals <- signalConnect{Address: address, Tier: tier, Sender: sender}
}

// ClientDisconnected removes a client from the registry. The proxy
// state is not touched; the validity window persists.
func (m *Machine) ClientDisconnected(address string) {
	m.signals <- signalDisconnect{Address: address}
}

// ClientTimeResponse delivers a client's reply to a sync request
func (m *Machine) ClientTimeResponse(address string, clientTime time.Time, timezone string) {
	m.signals <- signalTimeResponse{Address: address, ClientTime: clientTime, Timezone: timezone}
}

// ManualSync requests an immediate re-sync round
func (m *Machine) ManualSync() {
	m.signals <- signalManualSync{}
}

// Status returns a copy of the current proxy state
func (m *Machine) Status() Status {
	reply := make(chan Status, 1)
	m.signals <- signalStatus{reply: reply}
	return <-reply
}

// Run consumes signals until ctx is cancelled. It must be called
// exactly once.
func (m *Machine) Run(ctx context.Context) error {
	resync := time.NewTimer(m.cfg.ResyncInterval)
	defer resync.Stop()
	sweep := time.NewTicker(m.cfg.ExpirySweep)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sig := <-m.signals:
			switch s := sig.(type) {
			case signalConnect:
				m.handleConnect(ctx, s, resync)
			case signalDisconnect:
				m.handleDisconnect(s)
			case signalTimeResponse:
				m.handleTimeResponse(ctx, s)
			case signalManualSync:
				m.handleResync(resync)
			case signalStatus:
				s.reply <- m.status()
			}

		case <-resync.C:
			m.handleResync(resync)

		case <-sweep.C:
			m.handleSweep(resync)
		}
	}
}

func (m *Machine) handleConnect(ctx context.Context, s signalConnect, resync *time.Timer) {
	now := m.now()
	m.clients[s.Address] = &client{
		Address:  s.Address,
		Tier:     s.Tier,
		Sender:   s.Sender,
		LastSeen: now,
	}

	switch {
	case s.Tier == TierAP0:
		// An access-point client always takes over
		m.acquire(stateFor(s.Tier), s.Address, now, resync)
		m.requestTime(s.Address)

	case m.proxy.valid(now, m.cfg.ValidityWindow):
		// First wlan0 wins; ap0 never yields to wlan0
		m.log.Debug("Ignoring wlan0 client, proxy already valid",
			"address", s.Address,
			"state", m.proxy.State)

	default:
		m.acquire(stateFor(s.Tier), s.Address, now, resync)
		m.requestTime(s.Address)
	}
}

func (m *Machine) handleDisconnect(s signalDisconnect) {
	delete(m.clients, s.Address)
	m.log.Debug("Time-sync client disconnected", "address", s.Address)
}

func (m *Machine) handleTimeResponse(ctx context.Context, s signalTimeResponse) {
	if s.Address != m.proxy.ClientAddress || m.proxy.State == StateNone {
		m.log.Debug("Ignoring time response from non-proxy client",
			"address", s.Address,
			"proxy", m.proxy.ClientAddress)
		return
	}

	if err := m.sysClock.SetTime(s.ClientTime.UTC()); err != nil {
		m.log.Error("Failed to set system clock",
			"client", s.Address,
			"error", err)
		return
	}
	if s.Timezone != "" {
		if err := m.sysClock.SetTimezone(s.Timezone); err != nil {
			m.log.Warn("Failed to set system timezone",
				"timezone", s.Timezone,
				"error", err)
		}
	}

	m.proxy.AcquiredAt = m.now()
	m.log.Info("System clock synchronized from client",
		"client", s.Address,
		"tier", m.proxy.State.Tier(),
		"time", s.ClientTime.UTC().Format(time.RFC3339))

	m.publish(EventPiSync, map[string]interface{}{
		"client":   s.Address,
		"tier":     string(m.proxy.State.Tier()),
		"time":     s.ClientTime.UTC().Format(time.RFC3339),
		"timezone": s.Timezone,
	})
	m.publishStatus()

	m.cascade(ctx, s.ClientTime.UTC())
}

// cascade pushes the new wall clock to the camera when drift exceeds
// the threshold. Failures are logged, never fatal.
func (m *Machine) cascade(ctx context.Context, synced time.Time) {
	if m.camera == nil || !m.camera.Connected() {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	cameraTime, err := m.camera.CameraTime(callCtx)
	if err != nil {
		m.log.Warn("Camera clock read failed, skipping cascade", "error", err)
		return
	}

	drift := m.now().Sub(cameraTime)
	if drift < 0 {
		drift = -drift
	}
	if drift <= m.cfg.DriftThreshold {
		m.log.Debug("Camera clock within drift threshold",
			"drift", drift.String())
		return
	}

	if err := m.camera.SetCameraTime(callCtx, m.now()); err != nil {
		m.log.Warn("Camera clock push failed", "error", err)
		return
	}

	m.log.Info("Camera clock synchronized",
		"drift", drift.String())
	m.publish(EventCameraSync, map[string]interface{}{
		"drift_seconds": drift.Seconds(),
		"time":          synced.Format(time.RFC3339),
	})
}

// handleResync runs one re-sync round and re-arms the timer
func (m *Machine) handleResync(resync *time.Timer) {
	defer resetTimer(resync, m.cfg.ResyncInterval)

	if m.proxy.State == StateNone {
		return
	}
	now := m.now()

	switch m.proxy.State {
	case StateAP0Device:
		// Prefer a different ap0 client, else the incumbent
		if target := m.pickClient(TierAP0, m.proxy.ClientAddress); target != nil {
			m.proxy.ClientAddress = target.Address
			m.requestTime(target.Address)
			return
		}
		if _, ok := m.clients[m.proxy.ClientAddress]; ok {
			m.requestTime(m.proxy.ClientAddress)
		}

	case StateWLAN0Device:
		// Promote to ap0 whenever one is available
		if target := m.pickClient(TierAP0, ""); target != nil {
			m.acquire(StateAP0Device, target.Address, now, nil)
			m.requestTime(target.Address)
			return
		}
		if _, ok := m.clients[m.proxy.ClientAddress]; ok {
			m.requestTime(m.proxy.ClientAddress)
			return
		}
		if target := m.pickClient(TierWLAN0, m.proxy.ClientAddress); target != nil {
			m.proxy.ClientAddress = target.Address
			m.requestTime(target.Address)
		}
	}
}

// handleSweep drops an expired proxy back to none
func (m *Machine) handleSweep(resync *time.Timer) {
	if m.proxy.State == StateNone {
		return
	}
	if m.proxy.valid(m.now(), m.cfg.ValidityWindow) {
		return
	}

	m.log.Info("Time proxy expired",
		"client", m.proxy.ClientAddress,
		"state", m.proxy.State)
	m.proxy = proxy{State: StateNone}
	resetTimer(resync, m.cfg.ResyncInterval)
	m.publishStatus()
}

// acquire installs a new proxy and restarts the resync cadence
func (m *Machine) acquire(state ProxyState, address string, now time.Time, resync *time.Timer) {
	m.proxy = proxy{
		State:         state,
		ClientAddress: address,
		AcquiredAt:    now,
	}
	if resync != nil {
		resetTimer(resync, m.cfg.ResyncInterval)
	}
	m.log.Info("Time proxy acquired",
		"client", address,
		"state", state)
	m.publishStatus()
}

// pickClient returns any registered client on the tier, excluding one
// address
func (m *Machine) pickClient(tier Tier, exclude string) *client {
	for _, c := range m.clients {
		if c.Tier == tier && c.Address != exclude {
			return c
		}
	}
	return nil
}

func (m *Machine) requestTime(address string) {
	c, ok := m.clients[address]
	if !ok {
		return
	}
	if err := c.Sender.SendTimeSyncRequest(address); err != nil {
		m.log.Warn("Time-sync request failed",
			"client", address,
			"error", err)
	}
}

func (m *Machine) status() Status {
	now := m.now()
	valid := m.proxy.valid(now, m.cfg.ValidityWindow)
	return Status{
		State:         m.proxy.State,
		ClientAddress: m.proxy.ClientAddress,
		AcquiredAt:    m.proxy.AcquiredAt,
		Valid:         valid,
		Reliable:      valid && m.proxy.State == StateAP0Device,
	}
}

func (m *Machine) publishStatus() {
	st := m.status()
	m.publish(EventTimeSyncStatus, map[string]interface{}{
		"state":          string(st.State),
		"client_address": st.ClientAddress,
		"valid":          st.Valid,
		"reliable":       st.Reliable,
	})
}

func (m *Machine) publish(eventType string, payload interface{}) {
	if m.publisher != nil {
		m.publisher.Publish(eventType, payload)
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
