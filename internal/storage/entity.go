package storage

// Form tags the internal representation of a stored payload.
type Form byte

const (
	// FormRaw means the payload is stored as the original bytes
	FormRaw Form = iota + 1
	// FormCompressed means the payload is an LZ4 block
	FormCompressed
)

// Entry is one cached value. Entries are immutable once installed: a
// rewrite replaces the whole Entry under the shard lock, so readers
// holding a pointer never observe a partial write.
type Entry struct {
	Flags      uint32 // opaque client flags, round-tripped verbatim
	ExpireAt   int64  // unix nanoseconds, 0 means never expire
	RawSize    int    // original payload length before compression
	Form       Form
	Payload    []byte // original bytes if FormRaw, LZ4 block if FormCompressed
	Generation uint64 // bumped on every rewrite of the key
}

// Meta is the cheap metadata view of an Entry, taken without touching
// the payload. Used by the streaming layer to size a transfer up front.
type Meta struct {
	Flags      uint32
	RawSize    int
	Form       Form
	Generation uint64
}
