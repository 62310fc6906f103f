package storage

import (
	"strconv"
	"sync"
	"time"

	"github.com/stratumcache/stratum/internal/compress"
)

// MapStorage is a thread-safe key-value storage for one shard.
// Compression and decompression always happen outside the lock; only
// the map installation itself is guarded.
type MapStorage struct {
	data    map[string]*Entry
	bytes   int64  // total stored payload bytes
	nextGen uint64 // per-shard generation counter
	mu      sync.RWMutex
	engine  *compress.Engine
}

// NewMapStorage creates a new instance of MapStorage.
func NewMapStorage(engine *compress.Engine) *MapStorage {
	return &MapStorage{
		data:   make(map[string]*Entry),
		engine: engine,
	}
}

// expired reports whether the entry is past its deadline. The lazy
// check in Get/Delete and the background sweep both go through here so
// the two mechanisms can never disagree.
func expired(e *Entry, now int64) bool {
	return e.ExpireAt > 0 && now > e.ExpireAt
}

// buildEntry chooses the storage form for value and produces an entry
// ready to install. Runs before the lock is taken.
func (m *MapStorage) buildEntry(value []byte, options SetOptions) *Entry {
	e := &Entry{
		Flags:   options.Flags,
		RawSize: len(value),
		Form:    FormRaw,
		Payload: value,
	}

	if options.TTL > 0 {
		e.ExpireAt = time.Now().Add(options.TTL).UnixNano()
	}

	if m.engine.ShouldCompress(len(value)) {
		if compressed, ok := m.engine.Compress(value); ok {
			e.Form = FormCompressed
			e.Payload = compressed
		}
	}

	return e
}

// Get returns the flags, the decompressed value and true if the key is
// found. The payload tag is branched on exactly once, so callers always
// see the original bytes regardless of the internal form.
func (m *MapStorage) Get(key string) (uint32, []byte, bool, error) {
	m.mu.RLock()
	e, ok := m.data[key]
	m.mu.RUnlock()

	if !ok {
		return 0, nil, false, nil
	}

	if expired(e, time.Now().UnixNano()) {
		m.reapExpired(key)
		return 0, nil, false, nil
	}

	if e.Form == FormCompressed {
		// entry is immutable, decompress without holding the lock
		value, err := m.engine.Decompress(e.Payload, e.RawSize)
		if err != nil {
			return 0, nil, false, err
		}
		return e.Flags, value, true, nil
	}

	return e.Flags, e.Payload, true, nil
}

// reapExpired removes key if it is still expired. The entry can have
// been rewritten while waiting for the write lock, so check again.
func (m *MapStorage) reapExpired(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]
	if ok && expired(e, time.Now().UnixNano()) {
		m.removeLocked(key, e)
	}
}

// removeLocked deletes the entry and maintains the byte counter.
// Caller holds the write lock.
func (m *MapStorage) removeLocked(key string, e *Entry) {
	delete(m.data, key)
	m.bytes -= int64(len(e.Payload))
}

// Set writes the value based on the options. Returns true if recording
// has been performed.
func (m *MapStorage) Set(key string, value []byte, options SetOptions) bool {
	e := m.buildEntry(value, options)

	m.mu.Lock()
	defer m.mu.Unlock()

	old, exists := m.data[key]
	if exists && expired(old, time.Now().UnixNano()) {
		// key exists but is expired, clean it up now so logic below
		// treats it as new
		m.removeLocked(key, old)
		old, exists = nil, false
	}

	if options.NX && exists {
		return false
	}

	if options.XX && !exists {
		return false
	}

	m.nextGen++
	e.Generation = m.nextGen

	if exists {
		m.bytes -= int64(len(old.Payload))
	}
	m.data[key] = e
	m.bytes += int64(len(e.Payload))

	return true
}

// Delete deletes the key. Returns true if the key existed and was
// deleted. An expired entry counts as absent.
func (m *MapStorage) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]
	if !ok {
		return false
	}

	if expired(e, time.Now().UnixNano()) {
		m.removeLocked(key, e)
		return false
	}

	m.removeLocked(key, e)
	return true
}

// View returns entry metadata without materializing the payload.
func (m *MapStorage) View(key string) (Meta, bool) {
	m.mu.RLock()
	e, ok := m.data[key]
	m.mu.RUnlock()

	if !ok {
		return Meta{}, false
	}

	if expired(e, time.Now().UnixNano()) {
		m.reapExpired(key)
		return Meta{}, false
	}

	return Meta{
		Flags:      e.Flags,
		RawSize:    e.RawSize,
		Form:       e.Form,
		Generation: e.Generation,
	}, true
}

// Materialize returns the full decompressed value if the entry's
// generation still matches gen. The generation comparison happens under
// the shard lock, so it is atomic with respect to concurrent rewrites.
func (m *MapStorage) Materialize(key string, gen uint64) ([]byte, bool, error) {
	m.mu.RLock()
	e, ok := m.data[key]
	m.mu.RUnlock()

	if !ok || e.Generation != gen {
		return nil, false, nil
	}

	if expired(e, time.Now().UnixNano()) {
		m.reapExpired(key)
		return nil, false, nil
	}

	if e.Form == FormCompressed {
		value, err := m.engine.Decompress(e.Payload, e.RawSize)
		if err != nil {
			return nil, false, err
		}
		return value, true, nil
	}

	return e.Payload, true, nil
}

// Incr adds delta to a numeric value, saturating at the uint64 bounds.
func (m *MapStorage) Incr(key string, delta uint64) (uint64, bool, error) {
	return m.applyDelta(key, delta, true)
}

// Decr subtracts delta from a numeric value, saturating at zero.
func (m *MapStorage) Decr(key string, delta uint64) (uint64, bool, error) {
	return m.applyDelta(key, delta, false)
}

// applyDelta rewrites a numeric value under the write lock. Numeric
// values are short decimal strings, always below the compression
// threshold, so a compressed entry is by definition non-numeric.
func (m *MapStorage) applyDelta(key string, delta uint64, incr bool) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]
	if !ok {
		return 0, false, nil
	}

	if expired(e, time.Now().UnixNano()) {
		m.removeLocked(key, e)
		return 0, false, nil
	}

	if e.Form != FormRaw {
		return 0, true, ErrNonNumeric
	}

	current, err := strconv.ParseUint(string(e.Payload), 10, 64)
	if err != nil {
		return 0, true, ErrNonNumeric
	}

	var next uint64
	if incr {
		next = current + delta
		if next < current {
			next = ^uint64(0)
		}
	} else {
		if delta > current {
			next = 0
		} else {
			next = current - delta
		}
	}

	payload := []byte(strconv.FormatUint(next, 10))

	m.nextGen++
	updated := &Entry{
		Flags:      e.Flags,
		ExpireAt:   e.ExpireAt,
		RawSize:    len(payload),
		Form:       FormRaw,
		Payload:    payload,
		Generation: m.nextGen,
	}

	m.bytes += int64(len(payload)) - int64(len(e.Payload))
	m.data[key] = updated

	return next, true, nil
}

// DeleteExpired randomly samples up to limit keys with a TTL and
// deletes the expired ones. Returns the expired/checked ratio.
func (m *MapStorage) DeleteExpired(limit int) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	checked := 0
	reaped := 0
	now := time.Now().UnixNano()

	// go map iteration is randomized by design
	for key, e := range m.data {
		if e.ExpireAt == 0 {
			continue
		}

		checked++
		if expired(e, now) {
			m.removeLocked(key, e)
			reaped++
		}

		if checked >= limit {
			break
		}
	}

	if checked == 0 {
		return 0.0
	}

	return float64(reaped) / float64(checked)
}

// Len returns the number of live entries, counting expired-but-unswept
// entries as absent.
func (m *MapStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UnixNano()

	n := 0
	for _, e := range m.data {
		if !expired(e, now) {
			n++
		}
	}
	return n
}

// Bytes returns the total stored payload bytes (post-compression).
func (m *MapStorage) Bytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytes
}

// FlushAll removes every entry.
func (m *MapStorage) FlushAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]*Entry)
	m.bytes = 0
}
