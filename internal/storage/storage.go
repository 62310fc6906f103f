package storage

import (
	"errors"
	"time"
)

var (
	// ErrNonNumeric is returned by Incr/Decr when the stored value is not
	// an unsigned decimal integer
	ErrNonNumeric = errors.New("cannot increment or decrement non-numeric value")
)

// SetOptions controls conditional writes.
type SetOptions struct {
	Flags uint32        // opaque client flags stored with the entry
	TTL   time.Duration // key lifetime, 0 means never expire
	NX    bool          // only set if the key does not exist (add)
	XX    bool          // only set if the key already exists (replace)
}

// Storage is a common interface for working with key-value storages
type Storage interface {
	// Get returns the flags, the decompressed value and true if the key is
	// found. A non-nil error means the stored payload failed to decompress.
	Get(key string) (uint32, []byte, bool, error)

	// Set writes the value based on the options. Returns true if recording
	// has been performed
	Set(key string, value []byte, options SetOptions) bool

	// Delete deletes the key. Returns true if the key existed and was deleted
	Delete(key string) bool

	// View returns entry metadata without materializing the payload
	View(key string) (Meta, bool)

	// Materialize returns the full decompressed value if the entry's
	// generation still matches gen. ok is false when the key is gone,
	// expired or was rewritten since gen was captured
	Materialize(key string, gen uint64) ([]byte, bool, error)

	// Incr adds delta to a numeric value, saturating at the uint64 bounds.
	// found is false when the key is absent or expired
	Incr(key string, delta uint64) (uint64, bool, error)

	// Decr subtracts delta from a numeric value, saturating at zero.
	// found is false when the key is absent or expired
	Decr(key string, delta uint64) (uint64, bool, error)

	// DeleteExpired randomly samples up to limit keys with a TTL from each
	// shard and deletes the expired ones. Returns the expired/checked ratio
	DeleteExpired(limit int) float64

	// Len returns the number of live entries
	Len() int

	// Bytes returns the total stored payload bytes (post-compression)
	Bytes() int64

	// FlushAll removes every entry
	FlushAll()
}
