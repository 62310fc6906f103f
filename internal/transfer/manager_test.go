package transfer

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stratumcache/stratum/internal/compress"
	"github.com/stratumcache/stratum/internal/storage"
)

func newTestSetup(t *testing.T, idle time.Duration) (*Manager, storage.Storage) {
	t.Helper()
	store, err := storage.NewShardedMapStorage(4, compress.New(128, 1<<20))
	if err != nil {
		t.Fatal(err)
	}
	return NewManager(store, idle), store
}

func payload(size int) []byte {
	return bytes.Repeat([]byte("streamed chunked payload data "), size/30+1)[:size]
}

func TestBeginMetadata(t *testing.T) {
	const chunkSize = 8

	tests := []struct {
		name       string
		totalSize  int
		wantChunks int
	}{
		{"empty value", 0, 0},
		{"single byte", 1, 1},
		{"one below chunk", chunkSize - 1, 1},
		{"exactly one chunk", chunkSize, 1},
		{"one above chunk", chunkSize + 1, 2},
		{"several chunks", 3*chunkSize + 5, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, store := newTestSetup(t, time.Minute)
			store.Set("k", payload(tt.totalSize), storage.SetOptions{})

			info, ok := m.Begin("k", chunkSize)
			if !ok {
				t.Fatal("Begin missed a live key")
			}
			if info.TotalSize != tt.totalSize {
				t.Errorf("total size = %d, want %d", info.TotalSize, tt.totalSize)
			}
			if info.ChunkCount != tt.wantChunks {
				t.Errorf("chunk count = %d, want %d", info.ChunkCount, tt.wantChunks)
			}
		})
	}
}

func TestBeginMissingKey(t *testing.T) {
	m, _ := newTestSetup(t, time.Minute)

	if _, ok := m.Begin("ghost", 16); ok {
		t.Error("Begin succeeded on a missing key")
	}
}

func TestBeginExpiredKey(t *testing.T) {
	m, store := newTestSetup(t, time.Minute)
	store.Set("k", payload(64), storage.SetOptions{TTL: 10 * time.Millisecond})

	time.Sleep(30 * time.Millisecond)

	if _, ok := m.Begin("k", 16); ok {
		t.Error("Begin succeeded on an expired key")
	}
}

func TestChunkReassembly(t *testing.T) {
	const total = 50_000
	const chunkSize = 4096

	m, store := newTestSetup(t, time.Minute)
	original := payload(total)
	store.Set("k", original, storage.SetOptions{})

	info, ok := m.Begin("k", chunkSize)
	if !ok {
		t.Fatal("Begin failed")
	}
	if info.ChunkCount != 13 {
		t.Fatalf("chunk count = %d, want 13", info.ChunkCount)
	}

	var assembled []byte
	for i := 0; i < info.ChunkCount; i++ {
		data, done, err := m.NextChunk(info.ID, i)
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}

		wantLen := chunkSize
		if i == info.ChunkCount-1 {
			wantLen = total - chunkSize*(info.ChunkCount-1)
		}
		if len(data) != wantLen {
			t.Fatalf("chunk %d: %d bytes, want %d", i, len(data), wantLen)
		}

		wantDone := i == info.ChunkCount-1
		if done != wantDone {
			t.Fatalf("chunk %d: done=%v, want %v", i, done, wantDone)
		}

		assembled = append(assembled, data...)
	}

	if !bytes.Equal(assembled, original) {
		t.Fatal("reassembled stream differs from the stored value")
	}

	if m.Count() != 0 {
		t.Errorf("completed session still registered, Count = %d", m.Count())
	}
}

func TestOutOfOrderChunk(t *testing.T) {
	m, store := newTestSetup(t, time.Minute)
	store.Set("k", payload(100), storage.SetOptions{})

	info, _ := m.Begin("k", 32)

	if _, _, err := m.NextChunk(info.ID, 2); !errors.Is(err, ErrBadChunkIndex) {
		t.Fatalf("out-of-order fetch: got %v, want ErrBadChunkIndex", err)
	}

	// the session survives a bad index
	if _, _, err := m.NextChunk(info.ID, 0); err != nil {
		t.Fatalf("in-order fetch after bad index failed: %v", err)
	}
}

func TestEntryChangedOnRewrite(t *testing.T) {
	m, store := newTestSetup(t, time.Minute)
	store.Set("k", payload(100), storage.SetOptions{})

	info, _ := m.Begin("k", 32)
	store.Set("k", payload(200), storage.SetOptions{})

	if _, _, err := m.NextChunk(info.ID, 0); !errors.Is(err, ErrEntryChanged) {
		t.Fatalf("fetch after rewrite: got %v, want ErrEntryChanged", err)
	}

	// aborted sessions are gone for good
	if _, _, err := m.NextChunk(info.ID, 0); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("fetch after abort: got %v, want ErrSessionExpired", err)
	}
}

func TestEntryChangedOnDelete(t *testing.T) {
	m, store := newTestSetup(t, time.Minute)
	store.Set("k", payload(100), storage.SetOptions{})

	info, _ := m.Begin("k", 32)

	// serve one chunk so the view is materialized, then pull the entry away
	if _, _, err := m.NextChunk(info.ID, 0); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	store.Delete("k")

	if _, _, err := m.NextChunk(info.ID, 1); !errors.Is(err, ErrEntryChanged) {
		t.Fatalf("fetch after delete: got %v, want ErrEntryChanged", err)
	}
}

func TestUnknownSession(t *testing.T) {
	m, _ := newTestSetup(t, time.Minute)

	if _, _, err := m.NextChunk(12345, 0); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("unknown session: got %v, want ErrSessionExpired", err)
	}
}

func TestIdleReclaim(t *testing.T) {
	m, store := newTestSetup(t, 20*time.Millisecond)
	store.Set("k", payload(100), storage.SetOptions{})

	info, _ := m.Begin("k", 32)

	time.Sleep(50 * time.Millisecond)

	if reclaimed := m.ReclaimIdle(); reclaimed != 1 {
		t.Errorf("ReclaimIdle = %d, want 1", reclaimed)
	}

	if _, _, err := m.NextChunk(info.ID, 0); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("fetch after reclaim: got %v, want ErrSessionExpired", err)
	}
}

func TestLazyIdleCheck(t *testing.T) {
	m, store := newTestSetup(t, 20*time.Millisecond)
	store.Set("k", payload(100), storage.SetOptions{})

	info, _ := m.Begin("k", 32)

	// no sweep runs here, the fetch itself must notice the idle window
	time.Sleep(50 * time.Millisecond)

	if _, _, err := m.NextChunk(info.ID, 0); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("idle fetch: got %v, want ErrSessionExpired", err)
	}
	if m.Count() != 0 {
		t.Errorf("idle session still registered, Count = %d", m.Count())
	}
}

func TestCompressedEntryStreamsDecompressed(t *testing.T) {
	m, store := newTestSetup(t, time.Minute)

	// inside the compression window, stored form is an LZ4 block but
	// the stream must carry original bytes
	original := payload(8192)
	store.Set("k", original, storage.SetOptions{})

	meta, _ := store.View("k")
	if meta.Form != storage.FormCompressed {
		t.Fatalf("test value landed in form %v, want compressed", meta.Form)
	}

	info, _ := m.Begin("k", 1024)

	var assembled []byte
	for i := 0; i < info.ChunkCount; i++ {
		data, _, err := m.NextChunk(info.ID, i)
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		assembled = append(assembled, data...)
	}

	if !bytes.Equal(assembled, original) {
		t.Fatal("streamed bytes differ from the original value")
	}
}

func TestZeroLengthValue(t *testing.T) {
	m, store := newTestSetup(t, time.Minute)
	store.Set("k", nil, storage.SetOptions{})

	info, ok := m.Begin("k", 16)
	if !ok {
		t.Fatal("Begin failed on an empty value")
	}
	if info.TotalSize != 0 || info.ChunkCount != 0 {
		t.Errorf("empty value: total=%d chunks=%d, want 0/0", info.TotalSize, info.ChunkCount)
	}
	if m.Count() != 0 {
		t.Error("zero-chunk session should not be registered")
	}
}
