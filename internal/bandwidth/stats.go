package bandwidth

// Stats is a point-in-time snapshot of the registry.
type Stats struct {
	Active       int            `json:"active"`
	ActiveByTier map[string]int `json:"active_by_tier"`
	ActiveBytes  int64          `json:"active_bytes"`
	TrackedUsers int            `json:"tracked_users"`
	LedgerBytes  int64          `json:"ledger_bytes"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Active:       len(m.conns),
		ActiveByTier: make(map[string]int, len(m.active)),
		TrackedUsers: len(m.usage.bytes),
		LedgerBytes:  m.usage.total(),
	}
	for t, n := range m.active {
		s.ActiveByTier[t] = n
	}
	for _, c := range m.conns {
		s.ActiveBytes += c.BytesTransferred
	}
	return s
}
