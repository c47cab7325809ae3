package bandwidth

// ledger holds cumulative bytes per user for the current billing period.
// It has no lock of its own; Manager.mu guards it.
type ledger struct {
	bytes map[string]int64
}

func newLedger() ledger {
	return ledger{bytes: make(map[string]int64)}
}

func (l *ledger) add(userID string, n int64) int64 {
	l.bytes[userID] += n
	return l.bytes[userID]
}

func (l *ledger) get(userID string) int64 {
	return l.bytes[userID]
}

// reset zeroes every counter and returns how many users had a counter.
func (l *ledger) reset() int {
	n := len(l.bytes)
	l.bytes = make(map[string]int64)
	return n
}

func (l *ledger) total() int64 {
	var sum int64
	for _, b := range l.bytes {
		sum += b
	}
	return sum
}
