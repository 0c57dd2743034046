package gateway

import "sync"

type replayEntry struct {
	Seq  int64
	Data []byte // envelope JSON
}

// ReplayBuffer is a fixed-size circular buffer of the most recent envelopes
// of one channel. Safe for concurrent use.
type ReplayBuffer struct {
	mu   sync.RWMutex
	buf  []replayEntry
	next int // next write position
	n    int
}

// NewReplayBuffer creates a replay buffer holding up to capacity envelopes.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = DefaultReplaySize
	}
	return &ReplayBuffer{buf: make([]replayEntry, capacity)}
}

// Push appends an envelope, evicting the oldest when full. data is not copied
// and must not be modified afterwards.
func (rb *ReplayBuffer) Push(seq int64, data []byte) {
	rb.mu.Lock()
	rb.buf[rb.next] = replayEntry{Seq: seq, Data: data}
	rb.next = (rb.next + 1) % len(rb.buf)
	if rb.n < len(rb.buf) {
		rb.n++
	}
	rb.mu.Unlock()
}

// Range returns the entries with fromSeq <= seq <= toSeq, oldest first.
func (rb *ReplayBuffer) Range(fromSeq, toSeq int64) []replayEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var out []replayEntry
	start := (rb.next - rb.n + len(rb.buf)) % len(rb.buf)
	for i := 0; i < rb.n; i++ {
		e := rb.buf[(start+i)%len(rb.buf)]
		if e.Seq >= fromSeq && e.Seq <= toSeq {
			out = append(out, e)
		}
	}
	return out
}

// Oldest returns the lowest buffered sequence number, or 0 when empty.
func (rb *ReplayBuffer) Oldest() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.n == 0 {
		return 0
	}
	return rb.buf[(rb.next-rb.n+len(rb.buf))%len(rb.buf)].Seq
}

// Len returns the number of buffered envelopes.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.n
}
