package session

import (
	"context"
	"sync"
)

// Manager enforces the one-active-session rule and routes control
// commands to the current session
type Manager struct {
	camera    Camera
	publisher Publisher
	sink      ReportSink
	log       Logger

	mu      sync.Mutex
	current *Session
}

// NewManager creates a session manager
func NewManager(camera Camera, publisher Publisher, sink ReportSink, log Logger) *Manager {
	if log == nil {
		log = &defaultLogger{}
	}
	return &Manager{
		camera:    camera,
		publisher: publisher,
		sink:      sink,
		log:       log,
	}
}

// Start validates the configuration, creates a session and starts it.
// Only one non-terminal session may exist at a time.
func (m *Manager) Start(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.current != nil && !m.current.State().Terminal() {
		m.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	s := NewSession(cfg, m.camera, m.publisher, m.sink, m.log)
	m.current = s
	m.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the most recent session, which may be terminal
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// active returns the current session when it is not terminal
func (m *Manager) active() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.State().Terminal() {
		return nil, ErrNotActive
	}
	return m.current, nil
}

// Pause pauses the active session
func (m *Manager) Pause() error {
	s, err := m.active()
	if err != nil {
		return err
	}
	return s.Pause()
}

// Resume resumes the active session
func (m *Manager) Resume() error {
	s, err := m.active()
	if err != nil {
		return err
	}
	return s.Resume()
}

// Stop stops the active session
func (m *Manager) Stop() error {
	s, err := m.active()
	if err != nil {
		return err
	}
	return s.Stop()
}

// UpdateTitle renames a session by ID. Only the current session is
// addressable here; finished sessions are renamed through the report
// store.
func (m *Manager) UpdateTitle(sessionID, title string) error {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()

	if s == nil || s.ID() != sessionID {
		return ErrNotActive
	}
	return s.SetTitle(title)
}
