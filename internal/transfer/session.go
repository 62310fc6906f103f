package transfer

import (
	"sync"
	"time"
)

// State tracks the lifecycle of a transfer session.
type State byte

const (
	// StateCreated means the session exists but no chunk has been served
	StateCreated State = iota + 1
	// StateDelivering means at least one chunk has been served
	StateDelivering
	// StateComplete means the last chunk has been delivered
	StateComplete
	// StateAborted means the backing entry changed or the session idled out
	StateAborted
)

// Session is a server-side cursor over one entry for one client. It
// holds a key reference and a generation captured at begin time, never
// an owning copy of the stored payload.
type Session struct {
	ID         uint64
	Key        string
	ChunkSize  int
	TotalSize  int
	ChunkCount int

	mu         sync.Mutex
	state      State
	generation uint64 // entry generation captured at Begin
	cursor     int    // next chunk index to serve
	view       []byte // decompressed view, materialized on first fetch
	lastAccess time.Time
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
