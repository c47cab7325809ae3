// Package tier holds the static per-tier download policy.
package tier

import (
	"fmt"
	"sort"
	"time"
)

// Well-known tier names. Anonymous callers are always Free.
const (
	Free    = "free"
	Premium = "premium"
)

// Limits is the policy of a single tier.
type Limits struct {
	SharedCapacity  int64 // bytes per second shared by all active connections of the tier
	MonthlyCap      int64 // bytes per user per billing period
	LinkExpiryHours int
	MaxConnections  int // 0 = unlimited
}

// Policy is an immutable tier -> Limits table.
type Policy struct {
	tiers map[string]Limits
}

// NewPolicy validates and copies tiers into a new Policy.
func NewPolicy(tiers map[string]Limits) (*Policy, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("tier: at least one tier is required")
	}
	p := &Policy{tiers: make(map[string]Limits, len(tiers))}
	for name, l := range tiers {
		if name == "" {
			return nil, fmt.Errorf("tier: empty tier name")
		}
		if l.SharedCapacity <= 0 {
			return nil, fmt.Errorf("tier %q: shared capacity must be positive", name)
		}
		if l.MonthlyCap <= 0 {
			return nil, fmt.Errorf("tier %q: monthly cap must be positive", name)
		}
		if l.LinkExpiryHours <= 0 {
			return nil, fmt.Errorf("tier %q: link expiry hours must be positive", name)
		}
		if l.MaxConnections < 0 {
			return nil, fmt.Errorf("tier %q: max connections must not be negative", name)
		}
		p.tiers[name] = l
	}
	return p, nil
}

// Default returns the built-in free/premium policy.
func Default() *Policy {
	p, err := NewPolicy(map[string]Limits{
		Free: {
			SharedCapacity:  50 * 1000 * 1000,
			MonthlyCap:      50 * 1000 * 1000 * 1000,
			LinkExpiryHours: 12,
		},
		Premium: {
			SharedCapacity:  250 * 1000 * 1000,
			MonthlyCap:      1000 * 1000 * 1000 * 1000,
			LinkExpiryHours: 72,
		},
	})
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Policy) Lookup(name string) (Limits, bool) {
	l, ok := p.tiers[name]
	return l, ok
}

func (p *Policy) Has(name string) bool {
	_, ok := p.tiers[name]
	return ok
}

// Names returns the configured tier names in sorted order.
func (p *Policy) Names() []string {
	names := make([]string, 0, len(p.tiers))
	for name := range p.tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SharedCapacity returns 0 for an unknown tier.
func (p *Policy) SharedCapacity(name string) int64 {
	return p.tiers[name].SharedCapacity
}

// MonthlyCap returns 0 for an unknown tier.
func (p *Policy) MonthlyCap(name string) int64 {
	return p.tiers[name].MonthlyCap
}

func (p *Policy) LinkExpiry(name string) time.Duration {
	return time.Duration(p.tiers[name].LinkExpiryHours) * time.Hour
}
