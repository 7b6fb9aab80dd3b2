package timesync

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/ntp"
)

// NTPConfig configures the background NTP cross-check
type NTPConfig struct {
	Enabled       bool
	Servers       []string
	CheckInterval time.Duration
	MaxOffset     time.Duration
}

// NTPStatus is a snapshot of the cross-check state
type NTPStatus struct {
	Healthy   bool          `json:"healthy"`
	Offset    time.Duration `json:"offset"`
	LastCheck time.Time     `json:"last_check"`
}

// NTPHealth periodically compares the system clock against NTP servers.
// It is advisory: proxy clients stay authoritative, but a large NTP
// offset is worth surfacing in the status aggregate.
type NTPHealth struct {
	servers       []string
	checkInterval time.Duration
	maxOffset     time.Duration
	log           Logger

	mu        sync.RWMutex
	healthy   bool
	offset    time.Duration
	lastCheck time.Time
}

// NewNTPHealth creates the cross-checker
func NewNTPHealth(cfg NTPConfig, log Logger) *NTPHealth {
	if log == nil {
		log = &defaultLogger{}
	}
	servers := cfg.Servers
	if len(servers) == 0 {
		servers = []string{"pool.ntp.org"}
	}
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	maxOffset := cfg.MaxOffset
	if maxOffset <= 0 {
		maxOffset = 5 * time.Second
	}
	return &NTPHealth{
		servers:       servers,
		checkInterval: interval,
		maxOffset:     maxOffset,
		log:           log,
	}
}

// Healthy reports whether the last check found the clock within bounds
func (n *NTPHealth) Healthy() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.healthy
}

// Offset returns the last measured clock offset
func (n *NTPHealth) Offset() time.Duration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.offset
}

// Status returns a snapshot of the cross-check state
func (n *NTPHealth) Status() NTPStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return NTPStatus{
		Healthy:   n.healthy,
		Offset:    n.offset,
		LastCheck: n.lastCheck,
	}
}

// Run checks immediately and then on the configured cadence until ctx
// is cancelled
func (n *NTPHealth) Run(ctx context.Context) error {
	n.check()

	ticker := time.NewTicker(n.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.check()
		}
	}
}

// check queries the servers in order until one answers
func (n *NTPHealth) check() {
	for _, server := range n.servers {
		response, err := ntp.QueryWithOptions(server, ntp.QueryOptions{
			Timeout: 5 * time.Second,
		})
		if err != nil {
			n.log.Debug("NTP query failed", "server", server, "error", err)
			continue
		}

		offset := response.ClockOffset
		n.mu.Lock()
		n.offset = offset
		n.lastCheck = time.Now()
		n.healthy = absDuration(offset) <= n.maxOffset
		n.mu.Unlock()
		return
	}

	n.mu.Lock()
	n.healthy = false
	n.lastCheck = time.Now()
	n.mu.Unlock()
	n.log.Warn("All NTP servers unreachable")
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
