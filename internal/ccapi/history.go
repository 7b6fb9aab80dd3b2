package ccapi

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
)

// connectionHistory is the persisted shape of camera-connection-history.json
type connectionHistory struct {
	LastSuccessfulIP string `json:"lastSuccessfulIP"`
}

// History remembers the last camera address that answered a capability
// probe, so the controller can find the camera again after a power cycle
type History struct {
	path string
	log  Logger

	mu      sync.Mutex
	current connectionHistory
}

// NewHistory loads the history file if present
func NewHistory(path string, log Logger) *History {
	if log == nil {
		log = &defaultLogger{}
	}

	h := &History{path: path, log: log}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &h.current); err != nil {
			log.Warn("Corrupt connection history, starting fresh",
				"path", path,
				"error", err)
			h.current = connectionHistory{}
		}
	}
	return h
}

// LastSuccessfulIP returns the most recent camera address, or ""
func (h *History) LastSuccessfulIP() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current.LastSuccessfulIP
}

// RecordSuccess persists a successful connection address atomically
func (h *History) RecordSuccess(ip string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current.LastSuccessfulIP == ip {
		return nil
	}
	h.current.LastSuccessfulIP = ip

	if err := os.MkdirAll(filepath.Dir(h.path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(h.current, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(h.path, data, 0644)
}
