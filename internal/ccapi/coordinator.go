package ccapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Publisher is the event-bus surface the coordinator emits on
type Publisher interface {
	Publish(eventType string, payload interface{})
}

// Reconnect backoff bounds
const (
	reconnectFloor = 2 * time.Second
	reconnectCeil  = 30 * time.Second
)

// Event names published by the coordinator
const (
	eventCameraConnected    = "camera_connected"
	eventCameraDisconnected = "camera_disconnected"
	eventCameraIPChanged    = "camera_ip_changed"
)

// CoordinatorConfig configures the camera I/O coordinator
type CoordinatorConfig struct {
	BaseURL          string
	ProbeTimeout     time.Duration // Default: 10s
	MonitorInterval  time.Duration // Default: 10s
	InfoPollInterval time.Duration // Default: 30s
	HistoryPath      string        // camera-connection-history.json, empty disables
	Publisher        Publisher
	Logger           Logger
}

// Coordinator owns the capability descriptor and the single vendor
// connection slot. Background loops (connection monitor, info polling)
// run only while their pause counters are zero.
type Coordinator struct {
	client *Client
	config CoordinatorConfig
	log    Logger

	mu        sync.RWMutex
	connected bool
	caps      Capabilities
	info      *DeviceInfo
	battery   *BatteryStatus
	lastProbe time.Time

	// Pause gates: counters, loops run only at zero
	infoPause    int
	monitorPause int

	// Reconnect backoff state
	reconnectDelay time.Duration
	nextReconnect  time.Time

	history *History
}

// ConnectResult is the outcome of a successful capability probe
type ConnectResult struct {
	Connected    bool         `json:"connected"`
	Model        string       `json:"model"`
	Capabilities Capabilities `json:"capabilities"`
}

// Status is the coordinator's contribution to the status_update aggregate
type Status struct {
	Connected bool           `json:"connected"`
	BaseURL   string         `json:"base_url"`
	Model     string         `json:"model,omitempty"`
	Battery   *BatteryStatus `json:"battery,omitempty"`
	LastProbe time.Time      `json:"last_probe,omitempty"`
}

// NewCoordinator creates a coordinator for the camera at cfg.BaseURL
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = &defaultLogger{}
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.MonitorInterval == 0 {
		cfg.MonitorInterval = 10 * time.Second
	}
	if cfg.InfoPollInterval == 0 {
		cfg.InfoPollInterval = 30 * time.Second
	}

	var history *History
	if cfg.HistoryPath != "" {
		history = NewHistory(cfg.HistoryPath, cfg.Logger)
	}

	return &Coordinator{
		client:         NewClient(cfg.BaseURL, 30*time.Second, cfg.Logger),
		config:         cfg,
		log:            cfg.Logger,
		reconnectDelay: reconnectFloor,
		history:        history,
	}
}

// Close shuts down the underlying client
func (c *Coordinator) Close() {
	c.client.Close()
}

// Connect probes the capabilities root and populates the endpoint
// descriptor. A non-camera answer surfaces ErrNotCamera.
func (c *Coordinator) Connect(ctx context.Context) (*ConnectResult, error) {
	probeCtx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
	defer cancel()

	caps, err := c.probeCapabilities(probeCtx)
	if err != nil {
		return nil, err
	}

	info, err := c.fetchDeviceInfo(ctx, caps)
	if err != nil {
		// Identity is informational; the capability probe decides connectivity
		c.log.Warn("Device info fetch failed", "error", err)
		info = &DeviceInfo{}
	}

	c.mu.Lock()
	wasConnected := c.connected
	c.connected = true
	c.caps = caps
	c.info = info
	c.lastProbe = time.Now()
	c.reconnectDelay = reconnectFloor
	c.nextReconnect = time.Time{}
	c.mu.Unlock()

	host := hostOf(c.client.BaseURL())
	if c.history != nil {
		if prev := c.history.LastSuccessfulIP(); prev != "" && prev != host {
			c.publish(eventCameraIPChanged, map[string]interface{}{
				"previous_ip": prev,
				"current_ip":  host,
			})
		}
		if err := c.history.RecordSuccess(host); err != nil {
			c.log.Warn("Failed to persist connection history", "error", err)
		}
	}

	if !wasConnected {
		c.publish(eventCameraConnected, map[string]interface{}{
			"base_url": c.client.BaseURL(),
			"model":    info.ProductName,
		})
	}

	c.log.Info("Camera connected",
		"model", info.ProductName,
		"versions", len(caps))

	return &ConnectResult{
		Connected:    true,
		Model:        info.ProductName,
		Capabilities: caps,
	}, nil
}

// Connected reports whether the camera is currently reachable
func (c *Coordinator) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Capabilities returns the current endpoint descriptor
func (c *Coordinator) Capabilities() Capabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caps
}

// GetStatus returns a snapshot for the status_update aggregate
func (c *Coordinator) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := Status{
		Connected: c.connected,
		BaseURL:   c.client.BaseURL(),
		LastProbe: c.lastProbe,
		Battery:   c.battery,
	}
	if c.info != nil {
		status.Model = c.info.ProductName
	}
	return status
}

// Request performs a typed vendor request through the FIFO queue
func (c *Coordinator) Request(ctx context.Context, verb, path string, body interface{}, opts RequestOptions) ([]byte, error) {
	if !c.Connected() {
		return nil, ErrNotConnected
	}
	data, err := c.client.Do(ctx, verb, path, body, opts)
	if err != nil {
		c.noteRequestError(err)
	}
	return data, err
}

// DeviceInfo returns the camera identity snapshot
func (c *Coordinator) DeviceInfo(ctx context.Context) (*DeviceInfo, error) {
	c.mu.RLock()
	cached := c.info
	c.mu.RUnlock()
	if cached != nil && cached.ProductName != "" {
		return cached, nil
	}
	if !c.Connected() {
		return nil, ErrNotConnected
	}
	info, err := c.fetchDeviceInfo(ctx, c.Capabilities())
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.info = info
	c.mu.Unlock()
	return info, nil
}

// SettingsSnapshot reads the camera's current shooting settings
func (c *Coordinator) SettingsSnapshot(ctx context.Context) (map[string]interface{}, error) {
	path, ok := c.Capabilities().PathFor("shooting/settings")
	if !ok {
		path = "/ccapi/ver110/shooting/settings"
	}

	var settings map[string]interface{}
	if err := c.client.GetJSON(ctx, path, &settings); err != nil {
		c.noteRequestError(err)
		return nil, err
	}
	return settings, nil
}

// TakePhoto presses the shutter (with autofocus). The press is never
// cancelled once issued; the camera has already been commanded.
func (c *Coordinator) TakePhoto(ctx context.Context) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	_, err := c.client.Do(ctx, http.MethodPost,
		"/ccapi/ver100/shooting/control/shutterbutton",
		map[string]bool{"af": true},
		RequestOptions{})
	if err != nil {
		c.noteRequestError(err)
	}
	return err
}

// ValidateInterval checks a proposed timelapse interval against the
// camera's current shutter speed. Unknown shutter speed is a warning,
// not a failure.
func (c *Coordinator) ValidateInterval(seconds float64) Validation {
	if seconds <= 0 {
		return Validation{Valid: false, Reason: "interval must be greater than zero"}
	}

	if !c.Connected() {
		return Validation{
			Valid:   true,
			Warning: "camera not connected, shutter speed unverified",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	settings, err := c.SettingsSnapshot(ctx)
	if err != nil {
		return Validation{
			Valid:   true,
			Warning: "could not read camera settings: " + err.Error(),
		}
	}

	shutter, known := shutterFromSettings(settings)
	if !known {
		return Validation{
			Valid:   true,
			Warning: "shutter speed unknown, interval unverified",
		}
	}

	const safetyMargin = 2.0 // seconds of processing headroom after the exposure
	if seconds < shutter+safetyMargin {
		return Validation{
			Valid: false,
			Reason: fmt.Sprintf("interval %.1fs is shorter than shutter speed %.1fs plus %.0fs margin",
				seconds, shutter, safetyMargin),
		}
	}

	return Validation{Valid: true}
}

// Pause/resume gates

// PauseInfoPolling suspends the background info-polling loop
func (c *Coordinator) PauseInfoPolling() {
	c.mu.Lock()
	c.infoPause++
	c.mu.Unlock()
}

// ResumeInfoPolling releases one info-polling pause
func (c *Coordinator) ResumeInfoPolling() {
	c.mu.Lock()
	if c.infoPause > 0 {
		c.infoPause--
	}
	c.mu.Unlock()
}

// PauseConnectionMonitor suspends the connection-health probe
func (c *Coordinator) PauseConnectionMonitor() {
	c.mu.Lock()
	c.monitorPause++
	c.mu.Unlock()
}

// ResumeConnectionMonitor releases one monitor pause
func (c *Coordinator) ResumeConnectionMonitor() {
	c.mu.Lock()
	if c.monitorPause > 0 {
		c.monitorPause--
	}
	c.mu.Unlock()
}

func (c *Coordinator) infoPaused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.infoPause > 0
}

func (c *Coordinator) monitorPaused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.monitorPause > 0
}

// Run starts the connection monitor and info-polling loops and blocks
// until ctx is cancelled
func (c *Coordinator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.monitorLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.infoLoop(ctx)
	}()
	wg.Wait()
}

// monitorLoop probes the capabilities root at a low frequency and
// drives reconnection with bounded exponential backoff
func (c *Coordinator) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.monitorPaused() {
				continue
			}
			if c.Connected() {
				c.probe(ctx)
			} else {
				c.tryReconnect(ctx)
			}
		}
	}
}

// probe runs one health check against the capabilities root
func (c *Coordinator) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
	defer cancel()

	_, err := c.client.Do(probeCtx, http.MethodGet, "/ccapi/", nil,
		RequestOptions{Timeout: c.config.ProbeTimeout})
	if err != nil {
		c.log.Warn("Connection probe failed", "error", err)
		c.markDisconnected(err)
		return
	}

	c.mu.Lock()
	c.lastProbe = time.Now()
	c.mu.Unlock()
}

// tryReconnect attempts a capability probe, respecting the backoff window
func (c *Coordinator) tryReconnect(ctx context.Context) {
	c.mu.Lock()
	next := c.nextReconnect
	c.mu.Unlock()
	if time.Now().Before(next) {
		return
	}

	if _, err := c.Connect(ctx); err != nil {
		c.mu.Lock()
		c.nextReconnect = time.Now().Add(c.reconnectDelay)
		c.reconnectDelay *= 2
		if c.reconnectDelay > reconnectCeil {
			c.reconnectDelay = reconnectCeil
		}
		delay := c.reconnectDelay
		c.mu.Unlock()

		c.log.Debug("Reconnect attempt failed",
			"error", err,
			"next_delay", delay)
	}
}

// infoLoop periodically reads identity/battery state
func (c *Coordinator) infoLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.InfoPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.infoPaused() || !c.Connected() {
				continue
			}
			c.pollBattery(ctx)
		}
	}
}

// pollBattery reads the battery list, falling back to the ver100 endpoint
func (c *Coordinator) pollBattery(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
	defer cancel()

	var list struct {
		BatteryList []BatteryStatus `json:"batterylist"`
	}
	err := c.client.GetJSON(pollCtx, "/ccapi/ver110/devicestatus/batterylist", &list)
	if err == nil && len(list.BatteryList) > 0 {
		c.mu.Lock()
		c.battery = &list.BatteryList[0]
		c.mu.Unlock()
		return
	}

	var single BatteryStatus
	if err := c.client.GetJSON(pollCtx, "/ccapi/ver100/devicestatus/battery", &single); err != nil {
		c.log.Debug("Battery poll failed", "error", err)
		return
	}

	c.mu.Lock()
	c.battery = &single
	c.mu.Unlock()
}

// markDisconnected flips the connection flag and announces the loss once
func (c *Coordinator) markDisconnected(cause error) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.reconnectDelay = reconnectFloor
	c.nextReconnect = time.Time{}
	c.mu.Unlock()

	if wasConnected {
		payload := map[string]interface{}{"base_url": c.client.BaseURL()}
		if cause != nil {
			payload["reason"] = cause.Error()
		}
		c.publish(eventCameraDisconnected, payload)
	}
}

// noteRequestError downgrades the connection flag on socket loss
func (c *Coordinator) noteRequestError(err error) {
	if _, ok := err.(*DisconnectedError); ok {
		c.markDisconnected(err)
	}
}

func (c *Coordinator) probeCapabilities(ctx context.Context) (Capabilities, error) {
	data, err := c.client.Do(ctx, http.MethodGet, "/ccapi/", nil,
		RequestOptions{Timeout: c.config.ProbeTimeout})
	if err != nil {
		return nil, err
	}

	var caps Capabilities
	if err := json.Unmarshal(data, &caps); err != nil {
		return nil, ErrNotCamera
	}
	if len(caps) == 0 {
		return nil, ErrNotCamera
	}
	return caps, nil
}

func (c *Coordinator) fetchDeviceInfo(ctx context.Context, caps Capabilities) (*DeviceInfo, error) {
	path, ok := caps.PathFor("deviceinformation")
	if !ok {
		path = "/ccapi/ver100/deviceinformation"
	}

	var info DeviceInfo
	if err := c.client.GetJSON(ctx, path, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Coordinator) publish(eventType string, payload interface{}) {
	if c.config.Publisher != nil {
		c.config.Publisher.Publish(eventType, payload)
	}
}

// shutterFromSettings extracts the shutter speed in seconds from a
// settings snapshot, when present
func shutterFromSettings(settings map[string]interface{}) (float64, bool) {
	tv, ok := settings["tv"].(map[string]interface{})
	if !ok {
		return 0, false
	}
	value, ok := tv["value"].(string)
	if !ok {
		return 0, false
	}
	return parseShutterSeconds(value)
}

func hostOf(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
