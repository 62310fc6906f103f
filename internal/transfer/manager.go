package transfer

import (
	"errors"
	"sync"
	"time"

	"github.com/stratumcache/stratum/internal/storage"
)

var (
	// ErrSessionExpired is returned when a chunk is requested for a
	// session that was reclaimed or never existed
	ErrSessionExpired = errors.New("session expired")
	// ErrEntryChanged is returned when the backing entry was deleted or
	// rewritten after the session began
	ErrEntryChanged = errors.New("entry changed")
	// ErrBadChunkIndex is returned when chunks are requested out of order
	ErrBadChunkIndex = errors.New("chunk index out of order")
)

// Store is the slice of the value store the transfer layer needs.
type Store interface {
	View(key string) (storage.Meta, bool)
	Materialize(key string, gen uint64) ([]byte, bool, error)
}

// BeginInfo is the immediate reply to a streaming begin: everything the
// client needs to plan chunk fetches, computed without touching the
// payload.
type BeginInfo struct {
	ID         uint64
	TotalSize  int
	ChunkCount int
}

// Manager maintains in-progress chunked-retrieval sessions. Sessions
// are independent of each other; the manager lock guards only the
// session table, never chunk serving.
type Manager struct {
	store       Store
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[uint64]*Session
	nextID   uint64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a manager over the given store. Sessions with no
// fetch within idleTimeout are reclaimed.
func NewManager(store Store, idleTimeout time.Duration) *Manager {
	return &Manager{
		store:       store,
		idleTimeout: idleTimeout,
		sessions:    make(map[uint64]*Session),
		stop:        make(chan struct{}),
	}
}

// Begin creates a session over key with the given chunk size. It is
// O(1) in the payload size: the total is taken from the entry metadata
// without materializing the value. ok is false when the key is absent
// or expired. chunkSize must be positive (validated by the frontend).
// A zero-length value produces a zero-chunk session that is complete
// immediately and never registered.
func (t *Manager) Begin(key string, chunkSize int) (BeginInfo, bool) {
	meta, ok := t.store.View(key)
	if !ok {
		return BeginInfo{}, false
	}

	chunkCount := (meta.RawSize + chunkSize - 1) / chunkSize

	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	info := BeginInfo{
		ID:         t.nextID,
		TotalSize:  meta.RawSize,
		ChunkCount: chunkCount,
	}

	if chunkCount == 0 {
		return info, true
	}

	t.sessions[info.ID] = &Session{
		ID:         info.ID,
		Key:        key,
		ChunkSize:  chunkSize,
		TotalSize:  meta.RawSize,
		ChunkCount: chunkCount,
		state:      StateCreated,
		generation: meta.Generation,
		cursor:     0,
		lastAccess: time.Now(),
	}

	return info, true
}

// NextChunk serves chunk index of the session, which must be the next
// unserved index. done is true together with the last chunk. The
// generation captured at Begin is rechecked against the store on every
// call, so a delete or rewrite aborts the session instead of serving
// stale bytes.
func (t *Manager) NextChunk(id uint64, index int) (data []byte, done bool, err error) {
	t.mu.Lock()
	s, ok := t.sessions[id]
	t.mu.Unlock()

	if !ok {
		return nil, false, ErrSessionExpired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateAborted {
		// lost the race with the idle sweep
		return nil, false, ErrSessionExpired
	}

	now := time.Now()
	if now.Sub(s.lastAccess) > t.idleTimeout {
		s.state = StateAborted
		t.remove(id)
		return nil, false, ErrSessionExpired
	}
	s.lastAccess = now

	if index != s.cursor {
		// out-of-order fetch is a client mistake, not an abort
		return nil, false, ErrBadChunkIndex
	}

	if s.view == nil {
		view, live, err := t.store.Materialize(s.Key, s.generation)
		if err != nil {
			s.state = StateAborted
			t.remove(id)
			return nil, false, err
		}
		if !live {
			s.state = StateAborted
			t.remove(id)
			return nil, false, ErrEntryChanged
		}
		s.view = view
	} else {
		meta, live := t.store.View(s.Key)
		if !live || meta.Generation != s.generation {
			s.state = StateAborted
			t.remove(id)
			return nil, false, ErrEntryChanged
		}
	}

	start := index * s.ChunkSize
	end := start + s.ChunkSize
	if end > s.TotalSize {
		end = s.TotalSize
	}

	s.cursor++
	if s.cursor == s.ChunkCount {
		s.state = StateComplete
		t.remove(id)
		return s.view[start:end], true, nil
	}

	s.state = StateDelivering
	return s.view[start:end], false, nil
}

// remove drops a session from the table.
func (t *Manager) remove(id uint64) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}

// Count returns the number of live sessions.
func (t *Manager) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// ReclaimIdle removes sessions with no fetch within the idle window and
// returns how many were reclaimed.
func (t *Manager) ReclaimIdle() int {
	deadline := time.Now().Add(-t.idleTimeout)

	t.mu.Lock()
	stale := make([]*Session, 0)
	for _, s := range t.sessions {
		stale = append(stale, s)
	}
	t.mu.Unlock()

	reclaimed := 0
	for _, s := range stale {
		s.mu.Lock()
		if s.lastAccess.Before(deadline) && s.state != StateComplete {
			s.state = StateAborted
			t.remove(s.ID)
			reclaimed++
		}
		s.mu.Unlock()
	}

	return reclaimed
}

// Start launches the background sweep that reclaims idle sessions.
func (t *Manager) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				t.ReclaimIdle()
			case <-t.stop:
				return
			}
		}
	}()
}

// Stop terminates the background sweep.
func (t *Manager) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
}
