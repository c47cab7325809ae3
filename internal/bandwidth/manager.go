// Package bandwidth tracks active downloads and per-user monthly usage, and
// computes the advisory fair share of each tier's shared capacity.
//
// Nothing here throttles a socket. The fair share is a number handed to
// whatever transport moves the bytes.
package bandwidth

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bigbes/snapshot-gate/internal/tier"
)

// Connection is a single tracked download.
type Connection struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Tier             string    `json:"tier"`
	StartTime        time.Time `json:"start_time"`
	BytesTransferred int64     `json:"bytes_transferred"`
}

// Sink receives metric updates. It is called with the manager lock held and
// must not block or call back into the Manager.
type Sink interface {
	SetActiveConnections(tier string, n int)
	SetUsage(userID, tier string, bytes int64)
}

// NopSink discards all updates.
type NopSink struct{}

func (NopSink) SetActiveConnections(string, int) {}
func (NopSink) SetUsage(string, string, int64) {}

// EndHook is called after a connection has been removed, outside the lock.
type EndHook func(c Connection, endedAt time.Time)

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now for connection start and end times.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithEndHook sets the hook called for every removed connection.
func WithEndHook(h EndHook) Option {
	return func(m *Manager) { m.onEnd = h }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager is the connection registry and usage ledger. All mutations are
// serialised by one mutex.
type Manager struct {
	policy *tier.Policy
	sink   Sink
	now    func() time.Time
	onEnd  EndHook
	logger *slog.Logger

	mu     sync.Mutex
	conns  map[string]*Connection
	active map[string]int // tier -> active connections
	usage  ledger
}

func NewManager(policy *tier.Policy, sink Sink, opts ...Option) *Manager {
	if sink == nil {
		sink = NopSink{}
	}
	m := &Manager{
		policy: policy,
		sink:   sink,
		now:    time.Now,
		logger: slog.Default(),
		conns:  make(map[string]*Connection),
		active: make(map[string]int),
		usage:  newLedger(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// StartConnection begins tracking id. An already-active id is replaced.
func (m *Manager) StartConnection(id, userID, tierName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.conns[id]; ok {
		m.logger.Warn("bandwidth: connection id reused, replacing entry",
			"connection_id", id, "prev_user", prev.UserID, "prev_tier", prev.Tier)
		m.decActiveLocked(prev.Tier)
	}

	m.conns[id] = &Connection{
		ID:        id,
		UserID:    userID,
		Tier:      tierName,
		StartTime: m.now(),
	}
	m.active[tierName]++
	m.sink.SetActiveConnections(tierName, m.active[tierName])
}

// UpdateConnection adds bytes to the connection and to its user's monthly
// usage. Unknown ids are ignored: byte reports may arrive after the
// connection has already ended.
func (m *Manager) UpdateConnection(id string, bytes int64) {
	if bytes < 0 {
		m.logger.Debug("bandwidth: ignoring negative byte report", "connection_id", id, "bytes", bytes)
		return
	}
	if !m.update(id, bytes) {
		m.logger.Debug("bandwidth: byte report for unknown connection", "connection_id", id, "bytes", bytes)
	}
}

func (m *Manager) update(id string, bytes int64) (found bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[id]
	if !ok {
		return false
	}
	c.BytesTransferred += bytes
	total := m.usage.add(c.UserID, bytes)
	m.sink.SetUsage(c.UserID, c.Tier, total)
	return true
}

// EndConnection stops tracking id. Unknown ids are ignored.
func (m *Manager) EndConnection(id string) {
	c, ok := m.remove(id)
	if !ok {
		return
	}
	endedAt := m.now()
	m.logger.Info("bandwidth: connection ended",
		"connection_id", c.ID,
		"user", c.UserID,
		"tier", c.Tier,
		"bytes", c.BytesTransferred,
		"duration", endedAt.Sub(c.StartTime).Round(time.Millisecond))
	if m.onEnd != nil {
		m.onEnd(c, endedAt)
	}
}

func (m *Manager) remove(id string) (Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[id]
	if !ok {
		return Connection{}, false
	}
	delete(m.conns, id)
	m.decActiveLocked(c.Tier)
	return *c, true
}

func (m *Manager) decActiveLocked(tierName string) {
	m.active[tierName]--
	n := m.active[tierName]
	if n <= 0 {
		delete(m.active, tierName)
		n = 0
	}
	m.sink.SetActiveConnections(tierName, n)
}

// AvailableBandwidth returns the tier's shared capacity divided (floor) by
// its active connections, or the whole capacity when nothing is active. The
// remainder of the division is not redistributed.
func (m *Manager) AvailableBandwidth(userID, tierName string) int64 {
	capacity := m.policy.SharedCapacity(tierName)

	m.mu.Lock()
	n := m.active[tierName]
	m.mu.Unlock()

	if n == 0 {
		return capacity
	}
	return capacity / int64(n)
}

// HasExceededLimit reports whether userID has used at least the tier's
// monthly cap. An unknown tier is always exceeded.
func (m *Manager) HasExceededLimit(userID, tierName string) bool {
	limits, ok := m.policy.Lookup(tierName)
	if !ok {
		return true
	}
	return m.Usage(userID) >= limits.MonthlyCap
}

// ResetMonthlyUsage zeroes every usage counter and republishes zero usage for
// each user that still has an active connection. It returns the number of
// counters that were cleared.
func (m *Manager) ResetMonthlyUsage() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.usage.reset()

	type key struct{ user, tier string }
	seen := make(map[key]struct{})
	for _, c := range m.conns {
		k := key{c.UserID, c.Tier}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		m.sink.SetUsage(c.UserID, c.Tier, 0)
	}
	return n
}

// Usage returns userID's bytes in the current billing period.
func (m *Manager) Usage(userID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage.get(userID)
}

// ActiveConnections returns the number of active connections in tier.
func (m *Manager) ActiveConnections(tierName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[tierName]
}

// Connection returns a copy of the tracked connection.
func (m *Manager) Connection(id string) (Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// UserConnections returns userID's active connections ordered by start time.
func (m *Manager) UserConnections(userID string) []Connection {
	m.mu.Lock()
	out := make([]Connection, 0)
	for _, c := range m.conns {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
