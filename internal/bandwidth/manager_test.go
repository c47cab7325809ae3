package bandwidth

import (
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/bigbes/snapshot-gate/internal/tier"
)

const (
	freeCapacity = 1000
	freeCap      = 500
)

func testPolicy(t *testing.T) *tier.Policy {
	t.Helper()
	p, err := tier.NewPolicy(map[string]tier.Limits{
		tier.Free:    {SharedCapacity: freeCapacity, MonthlyCap: freeCap, LinkExpiryHours: 12},
		tier.Premium: {SharedCapacity: 9999, MonthlyCap: 100000, LinkExpiryHours: 72},
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

type recordingSink struct {
	mu     sync.Mutex
	active map[string]int
	usage  map[string]int64 // "user/tier"
	calls  int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{active: map[string]int{}, usage: map[string]int64{}}
}

func (s *recordingSink) SetActiveConnections(t string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[t] = n
	s.calls++
}

func (s *recordingSink) SetUsage(user, t string, b int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[user+"/"+t] = b
	s.calls++
}

func testManager(t *testing.T, sink Sink, opts ...Option) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(testPolicy(t), sink, append([]Option{WithLogger(logger)}, opts...)...)
}

func TestAvailableBandwidthFairShare(t *testing.T) {
	m := testManager(t, nil)

	if got := m.AvailableBandwidth("u1", tier.Free); got != freeCapacity {
		t.Fatalf("no connections: got %d, want %d", got, freeCapacity)
	}

	m.StartConnection("c1", "u1", tier.Free)
	m.StartConnection("c2", "u2", tier.Free)
	if got := m.AvailableBandwidth("u1", tier.Free); got != freeCapacity/2 {
		t.Fatalf("two connections: got %d, want %d", got, freeCapacity/2)
	}

	m.StartConnection("c3", "u3", tier.Free)
	// 1000/3 floors to 333; the remainder is not redistributed.
	if got := m.AvailableBandwidth("u1", tier.Free); got != 333 {
		t.Fatalf("three connections: got %d, want 333", got)
	}

	// Other tiers are unaffected.
	if got := m.AvailableBandwidth("u1", tier.Premium); got != 9999 {
		t.Fatalf("premium: got %d, want 9999", got)
	}

	m.EndConnection("c1")
	m.EndConnection("c3")
	if got := m.AvailableBandwidth("u2", tier.Free); got != freeCapacity {
		t.Fatalf("after end: got %d, want %d", got, freeCapacity)
	}
	m.EndConnection("c2")
	if got := m.AvailableBandwidth("u2", tier.Free); got != freeCapacity {
		t.Fatalf("after all ended: got %d, want %d", got, freeCapacity)
	}
}

func TestFairShareNeverExceedsCapacity(t *testing.T) {
	m := testManager(t, nil)
	for n := 1; n <= 17; n++ {
		m.StartConnection(fmt.Sprintf("c%d", n), "u", tier.Free)
		share := m.AvailableBandwidth("u", tier.Free)
		if share*int64(n) > freeCapacity {
			t.Fatalf("n=%d: %d*%d exceeds capacity %d", n, share, n, freeCapacity)
		}
	}
}

func TestUpdateConnectionUnknownIsNoop(t *testing.T) {
	sink := newRecordingSink()
	m := testManager(t, sink)
	m.StartConnection("c1", "u1", tier.Free)

	before := m.Stats()
	calls := sink.calls
	m.UpdateConnection("ghost", 100)
	m.EndConnection("ghost")

	if after := m.Stats(); !reflect.DeepEqual(before, after) {
		t.Fatalf("stats changed: before %+v after %+v", before, after)
	}
	if sink.calls != calls {
		t.Fatalf("sink called for unknown connection")
	}
}

func TestUpdateConnectionAccumulates(t *testing.T) {
	sink := newRecordingSink()
	m := testManager(t, sink)
	m.StartConnection("c1", "u1", tier.Free)
	m.StartConnection("c2", "u1", tier.Free)

	m.UpdateConnection("c1", 10)
	m.UpdateConnection("c1", 5)
	m.UpdateConnection("c2", 7)
	m.UpdateConnection("c2", -3) // ignored

	c1, _ := m.Connection("c1")
	c2, _ := m.Connection("c2")
	if c1.BytesTransferred != 15 || c2.BytesTransferred != 7 {
		t.Fatalf("bytes: c1=%d c2=%d", c1.BytesTransferred, c2.BytesTransferred)
	}
	if got := m.Usage("u1"); got != 22 {
		t.Fatalf("usage = %d, want 22", got)
	}
	if got := sink.usage["u1/free"]; got != 22 {
		t.Fatalf("sink usage = %d, want 22", got)
	}
}

func TestHasExceededLimitFlipsAtCap(t *testing.T) {
	m := testManager(t, nil)
	m.StartConnection("c1", "u1", tier.Free)

	m.UpdateConnection("c1", freeCap-1)
	if m.HasExceededLimit("u1", tier.Free) {
		t.Fatal("exceeded one byte before the cap")
	}
	m.UpdateConnection("c1", 1)
	if !m.HasExceededLimit("u1", tier.Free) {
		t.Fatal("not exceeded at exactly the cap")
	}
	if m.HasExceededLimit("u1", tier.Premium) {
		t.Fatal("premium cap should not be exceeded")
	}
	if !m.HasExceededLimit("u1", "gold") {
		t.Fatal("unknown tier should fail closed")
	}
}

func TestUsageSurvivesConnectionEnd(t *testing.T) {
	m := testManager(t, nil)
	m.StartConnection("c1", "u1", tier.Free)
	m.UpdateConnection("c1", 300)
	m.EndConnection("c1")

	m.StartConnection("c2", "u1", tier.Free)
	m.UpdateConnection("c2", 200)
	if !m.HasExceededLimit("u1", tier.Free) {
		t.Fatal("usage from ended connection was lost")
	}
}

func TestResetMonthlyUsage(t *testing.T) {
	sink := newRecordingSink()
	m := testManager(t, sink)
	m.StartConnection("c1", "u1", tier.Free)
	m.StartConnection("c2", "u2", tier.Premium)
	m.UpdateConnection("c1", freeCap)
	m.UpdateConnection("c2", 42)
	m.EndConnection("c2")

	if !m.HasExceededLimit("u1", tier.Free) {
		t.Fatal("precondition: u1 should be over the cap")
	}

	if n := m.ResetMonthlyUsage(); n != 2 {
		t.Fatalf("reset cleared %d counters, want 2", n)
	}
	if m.HasExceededLimit("u1", tier.Free) {
		t.Fatal("still exceeded after reset")
	}
	if m.Usage("u1") != 0 || m.Usage("u2") != 0 {
		t.Fatal("usage not zero after reset")
	}
	if got := sink.usage["u1/free"]; got != 0 {
		t.Fatalf("sink not zeroed for active user: %d", got)
	}
	// u2 has no active connection, so no zero sample was re-emitted.
	if got := sink.usage["u2/premium"]; got != 42 {
		t.Fatalf("sink for inactive user = %d, want untouched 42", got)
	}

	// Connection byte counters are not part of the ledger.
	c1, _ := m.Connection("c1")
	if c1.BytesTransferred != freeCap {
		t.Fatalf("connection bytes reset: %d", c1.BytesTransferred)
	}
}

func TestStartConnectionOverwrites(t *testing.T) {
	sink := newRecordingSink()
	m := testManager(t, sink)
	m.StartConnection("c1", "u1", tier.Free)
	m.UpdateConnection("c1", 50)
	m.StartConnection("c1", "u2", tier.Premium)

	c, ok := m.Connection("c1")
	if !ok || c.UserID != "u2" || c.Tier != tier.Premium || c.BytesTransferred != 0 {
		t.Fatalf("connection not replaced: %+v", c)
	}
	if m.ActiveConnections(tier.Free) != 0 || m.ActiveConnections(tier.Premium) != 1 {
		t.Fatalf("tier counts: free=%d premium=%d", m.ActiveConnections(tier.Free), m.ActiveConnections(tier.Premium))
	}
	if sink.active["free"] != 0 || sink.active["premium"] != 1 {
		t.Fatalf("sink counts: %+v", sink.active)
	}
	// The evicted connection's usage stays with u1.
	if m.Usage("u1") != 50 {
		t.Fatalf("u1 usage = %d", m.Usage("u1"))
	}
}

func TestEndHook(t *testing.T) {
	now := time.Unix(1000, 0)
	var got []Connection
	var ended time.Time
	m := testManager(t, nil,
		WithClock(func() time.Time { return now }),
		WithEndHook(func(c Connection, at time.Time) {
			got = append(got, c)
			ended = at
		}))

	m.StartConnection("c1", "u1", tier.Free)
	m.UpdateConnection("c1", 123)
	now = now.Add(time.Minute)
	m.EndConnection("c1")
	m.EndConnection("c1")

	if len(got) != 1 {
		t.Fatalf("hook called %d times, want 1", len(got))
	}
	if got[0].BytesTransferred != 123 || got[0].StartTime.Unix() != 1000 || ended.Unix() != 1060 {
		t.Fatalf("hook got %+v ended %v", got[0], ended)
	}
}

func TestUserConnectionsAndStats(t *testing.T) {
	now := time.Unix(1000, 0)
	m := testManager(t, nil, WithClock(func() time.Time { return now }))

	m.StartConnection("b", "u1", tier.Free)
	now = now.Add(time.Second)
	m.StartConnection("a", "u1", tier.Premium)
	m.StartConnection("x", "u2", tier.Free)
	m.UpdateConnection("b", 10)
	m.UpdateConnection("x", 5)

	conns := m.UserConnections("u1")
	if len(conns) != 2 || conns[0].ID != "b" || conns[1].ID != "a" {
		t.Fatalf("user connections = %+v", conns)
	}
	if len(m.UserConnections("nobody")) != 0 {
		t.Fatal("expected no connections")
	}

	s := m.Stats()
	want := Stats{
		Active:       3,
		ActiveByTier: map[string]int{"free": 2, "premium": 1},
		ActiveBytes:  15,
		TrackedUsers: 2,
		LedgerBytes:  15,
	}
	if !reflect.DeepEqual(s, want) {
		t.Fatalf("stats = %+v, want %+v", s, want)
	}
}

func TestConcurrentUpdatesAndEnd(t *testing.T) {
	m := testManager(t, nil)

	const conns = 32
	const updates = 200
	for i := 0; i < conns; i++ {
		m.StartConnection(fmt.Sprintf("c%d", i), fmt.Sprintf("u%d", i%4), tier.Premium)
	}

	var wg sync.WaitGroup
	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < updates; j++ {
				m.UpdateConnection(id, 1)
			}
		}(fmt.Sprintf("c%d", i))
	}
	wg.Wait()

	for i := 0; i < conns; i++ {
		c, _ := m.Connection(fmt.Sprintf("c%d", i))
		if c.BytesTransferred != updates {
			t.Fatalf("%s: bytes = %d, want %d", c.ID, c.BytesTransferred, updates)
		}
	}
	for u := 0; u < 4; u++ {
		if got := m.Usage(fmt.Sprintf("u%d", u)); got != conns/4*updates {
			t.Fatalf("u%d usage = %d, want %d", u, got, conns/4*updates)
		}
	}

	// Racing updates against the end of the same connection never
	// resurrect it.
	for i := 0; i < conns; i++ {
		id := fmt.Sprintf("c%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < updates; j++ {
				m.UpdateConnection(id, 1)
			}
		}()
		go func() {
			defer wg.Done()
			m.EndConnection(id)
		}()
	}
	wg.Wait()

	if s := m.Stats(); s.Active != 0 || len(s.ActiveByTier) != 0 {
		t.Fatalf("connections survived end: %+v", s)
	}
}
