package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/PapaMarky/pi-camera-control-sub003/internal/session"
)

// Publisher is the event-bus surface the store emits on
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

type noopLogger struct{}

func (noopLogger) Debug(msg string, keysAndValues ...interface{}) {}
func (noopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (noopLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (noopLogger) Error(msg string, keysAndValues ...interface{}) {}

func newID() string { return uuid.NewString() }

// Store is an append-only set of reports, one JSON blob per report under
// reports/<uuid>.json. Saves are atomic (write-to-temp plus rename).
type Store struct {
	dir       string
	publisher Publisher
	log       Logger

	mu      sync.RWMutex
	reports map[string]*Report // keyed by report ID
}

// NewStore opens a store rooted at dir, scanning any existing blobs
func NewStore(dir string, publisher Publisher, log Logger) (*Store, error) {
	if log == nil {
		log = noopLogger{}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create reports directory: %w", err)
	}

	s := &Store{
		dir:       dir,
		publisher: publisher,
		log:       log,
		reports:   make(map[string]*Report),
	}
	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

// scan restores the in-memory index from disk
func (s *Store) scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan reports directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.log.Warn("Unreadable report blob, skipping",
				"file", entry.Name(),
				"error", err)
			continue
		}
		var r Report
		if err := json.Unmarshal(data, &r); err != nil {
			s.log.Warn("Corrupt report blob, skipping",
				"file", entry.Name(),
				"error", err)
			continue
		}
		s.reports[r.ID] = &r
	}

	s.log.Info("Report store initialized",
		"dir", s.dir,
		"reports", len(s.reports))
	return nil
}

// List returns all reports ordered by start time, newest first
func (s *Store) List() []*Report {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Report, 0, len(s.reports))
	for _, r := range s.reports {
		copied := *r
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime.Time)
	})
	return out
}

// Get returns a report by ID
func (s *Store) Get(id string) (*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *r
	return &copied, nil
}

// GetBySession returns the report for a session ID
func (s *Store) GetBySession(sessionID string) (*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.reports {
		if r.SessionID == sessionID {
			copied := *r
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

// Save persists a report atomically and indexes it
func (s *Store) Save(r *Report) error {
	if r.ID == "" {
		r.ID = newID()
	}

	if err := s.write(r); err != nil {
		return err
	}

	s.mu.Lock()
	copied := *r
	s.reports[r.ID] = &copied
	s.mu.Unlock()

	return nil
}

// SaveSession converts a terminal session snapshot to a report and saves
// it; this is the session's ReportSink.
func (s *Store) SaveSession(snap session.Snapshot) error {
	r, err := FromSnapshot(snap)
	if err != nil {
		return err
	}
	if err := s.Save(r); err != nil {
		return err
	}

	if s.publisher != nil {
		s.publisher.Publish("session_saved", map[string]interface{}{
			"report_id":  r.ID,
			"session_id": r.SessionID,
			"title":      r.Title,
			"status":     r.Status,
		})
	}

	s.log.Info("Session report saved",
		"report", r.ID,
		"session", r.SessionID,
		"status", r.Status)
	return nil
}

// UpdateTitle renames a report; no other field changes
func (s *Store) UpdateTitle(id, title string) error {
	if strings.TrimSpace(title) == "" {
		return ErrInvalidTitle
	}

	s.mu.Lock()
	r, ok := s.reports[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	updated := *r
	updated.Title = title
	s.mu.Unlock()

	if err := s.write(&updated); err != nil {
		return err
	}

	s.mu.Lock()
	s.reports[id] = &updated
	s.mu.Unlock()
	return nil
}

// Delete removes the blob and all in-memory references
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	_, ok := s.reports[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.reports, id)
	s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete report blob: %w", err)
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) write(r *Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := renameio.WriteFile(s.path(r.ID), data, 0644); err != nil {
		return fmt.Errorf("write report blob: %w", err)
	}
	return nil
}
