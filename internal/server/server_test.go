package server

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/stratumcache/stratum/internal/compress"
	"github.com/stratumcache/stratum/internal/config"
	"github.com/stratumcache/stratum/internal/logger"
	"github.com/stratumcache/stratum/internal/metrics"
	"github.com/stratumcache/stratum/internal/storage"
	"github.com/stratumcache/stratum/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestServer spins a full engine behind a loopback listener and
// tears it down with the test.
func startTestServer(t *testing.T) string {
	t.Helper()

	cfg := &config.Config{
		Storage: config.StorageConfig{Shards: 4},
		Compression: config.CompressionConfig{
			MinBytes:           128,
			MaxBytes:           1 << 20,
			StreamingThreshold: 10 * 1024,
		},
		GC:       config.GCConfig{Enabled: false},
		Transfer: config.TransferConfig{IdleTimeout: time.Minute, SweepInterval: time.Minute},
	}

	comp := compress.New(cfg.Compression.MinBytes, cfg.Compression.MaxBytes)
	db, err := storage.NewShardedMapStorage(cfg.Storage.Shards, comp)
	if err != nil {
		t.Fatal(err)
	}

	transfers := transfer.NewManager(db, cfg.Transfer.IdleTimeout)
	engine := NewEngine(db, transfers, comp, metrics.New(), cfg, logger.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go HandleConn(conn, engine, logger.Nop())
		}
	}()

	t.Cleanup(func() {
		ln.Close() //nolint:errcheck
		engine.Shutdown()
	})

	return ln.Addr().String()
}

func dialTestServer(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck

	return conn, bufio.NewReader(conn)
}

func sendLine(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	if _, err := fmt.Fprintf(conn, "%s\r\n", line); err != nil {
		t.Fatal(err)
	}
}

func readReplyLine(t *testing.T, br *bufio.Reader) string {
	t.Helper()
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return strings.TrimSuffix(line, "\r\n")
}

func readReplyBytes(t *testing.T, br *bufio.Reader, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	if _, err := io.ReadFull(br, data); err != nil {
		t.Fatalf("read %d payload bytes: %v", n, err)
	}
	// trailing CRLF after the payload
	if term, err := br.ReadString('\n'); err != nil || term != "\r\n" {
		t.Fatalf("payload terminator %q, err %v", term, err)
	}
	return data
}

// TestProtocolScenario walks the canonical session byte for byte.
func TestProtocolScenario(t *testing.T) {
	addr := startTestServer(t)
	conn, br := dialTestServer(t, addr)

	sendLine(t, conn, "set foo 0 60 11\r\nhello world")
	if got := readReplyLine(t, br); got != "STORED" {
		t.Fatalf("set reply %q, want STORED", got)
	}

	sendLine(t, conn, "get foo")
	if got := readReplyLine(t, br); got != "VALUE foo 0 11" {
		t.Fatalf("get header %q, want VALUE foo 0 11", got)
	}
	if got := readReplyBytes(t, br, 11); string(got) != "hello world" {
		t.Fatalf("get payload %q", got)
	}
	if got := readReplyLine(t, br); got != "END" {
		t.Fatalf("get terminator %q, want END", got)
	}

	sendLine(t, conn, "delete foo")
	if got := readReplyLine(t, br); got != "DELETED" {
		t.Fatalf("delete reply %q, want DELETED", got)
	}

	sendLine(t, conn, "get foo")
	if got := readReplyLine(t, br); got != "END" {
		t.Fatalf("get after delete %q, want END", got)
	}

	sendLine(t, conn, "delete foo")
	if got := readReplyLine(t, br); got != "NOT_FOUND" {
		t.Fatalf("second delete %q, want NOT_FOUND", got)
	}
}

func TestGomemcacheRoundTrip(t *testing.T) {
	addr := startTestServer(t)

	client := memcache.New(addr)
	defer client.Close() //nolint:errcheck

	// raw tier
	require.NoError(t, client.Set(&memcache.Item{Key: "small", Value: []byte("tiny"), Flags: 7}))

	// compressed tier
	big := bytes.Repeat([]byte("compressible cache payload "), 12_000) // ~320 KiB
	require.NoError(t, client.Set(&memcache.Item{Key: "big", Value: big, Flags: 1234}))

	// above the compression ceiling
	huge := bytes.Repeat([]byte("x"), 2<<20)
	require.NoError(t, client.Set(&memcache.Item{Key: "huge", Value: huge}))

	it, err := client.Get("small")
	require.NoError(t, err)
	assert.Equal(t, []byte("tiny"), it.Value)
	assert.Equal(t, uint32(7), it.Flags)

	it, err = client.Get("big")
	require.NoError(t, err)
	assert.Equal(t, big, it.Value, "compression must be invisible to the client")
	assert.Equal(t, uint32(1234), it.Flags)

	it, err = client.Get("huge")
	require.NoError(t, err)
	assert.Equal(t, huge, it.Value)

	require.NoError(t, client.Delete("big"))
	_, err = client.Get("big")
	assert.ErrorIs(t, err, memcache.ErrCacheMiss)

	// conditional writes
	assert.ErrorIs(t, client.Add(&memcache.Item{Key: "small", Value: []byte("nope")}), memcache.ErrNotStored)
	require.NoError(t, client.Add(&memcache.Item{Key: "fresh", Value: []byte("yes")}))

	// counters
	require.NoError(t, client.Set(&memcache.Item{Key: "n", Value: []byte("10")}))
	v, err := client.Increment("n", 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), v)
	v, err = client.Decrement("n", 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)
}

func TestExpiryOverWire(t *testing.T) {
	addr := startTestServer(t)
	conn, br := dialTestServer(t, addr)

	sendLine(t, conn, "set fleeting 0 1 5\r\nvalue")
	if got := readReplyLine(t, br); got != "STORED" {
		t.Fatalf("set reply %q", got)
	}

	sendLine(t, conn, "get fleeting")
	if got := readReplyLine(t, br); got != "VALUE fleeting 0 5" {
		t.Fatalf("pre-expiry get %q", got)
	}
	readReplyBytes(t, br, 5)
	readReplyLine(t, br)

	time.Sleep(1200 * time.Millisecond)

	sendLine(t, conn, "get fleeting")
	if got := readReplyLine(t, br); got != "END" {
		t.Fatalf("post-expiry get %q, want END", got)
	}
}

func setOverWire(t *testing.T, conn net.Conn, br *bufio.Reader, key string, value []byte) {
	t.Helper()
	if _, err := fmt.Fprintf(conn, "set %s 0 0 %d\r\n", key, len(value)); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(value); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write([]byte("\r\n")); err != nil {
		t.Fatal(err)
	}
	if got := readReplyLine(t, br); got != "STORED" {
		t.Fatalf("set %s reply %q, want STORED", key, got)
	}
}

func TestStreamingEndToEnd(t *testing.T) {
	addr := startTestServer(t)
	conn, br := dialTestServer(t, addr)

	const total = 50_000
	const chunkSize = 4096
	original := bytes.Repeat([]byte("streaming payload block "), total/24+1)[:total]
	setOverWire(t, conn, br, "movie", original)

	sendLine(t, conn, fmt.Sprintf("streaming_get movie %d", chunkSize))
	if got := readReplyLine(t, br); got != "STREAM_BEGIN movie 50000 13" {
		t.Fatalf("begin reply %q, want STREAM_BEGIN movie 50000 13", got)
	}

	var assembled []byte
	for i := 0; i < 13; i++ {
		sendLine(t, conn, fmt.Sprintf("streaming_chunk movie %d", i))

		header := readReplyLine(t, br)
		var key string
		var index, size int
		if _, err := fmt.Sscanf(header, "STREAM_DATA %s %d %d", &key, &index, &size); err != nil {
			t.Fatalf("chunk %d header %q: %v", i, header, err)
		}
		if index != i {
			t.Fatalf("chunk index %d, want %d", index, i)
		}

		assembled = append(assembled, readReplyBytes(t, br, size)...)

		if i == 12 {
			if got := readReplyLine(t, br); got != "STREAM_END movie" {
				t.Fatalf("final line %q, want STREAM_END movie", got)
			}
		}
	}

	if !bytes.Equal(assembled, original) {
		t.Fatal("reassembled stream differs from the stored value")
	}
}

func TestStreamingEntryChanged(t *testing.T) {
	addr := startTestServer(t)
	conn, br := dialTestServer(t, addr)

	setOverWire(t, conn, br, "k", bytes.Repeat([]byte("a"), 1000))

	sendLine(t, conn, "streaming_get k 100")
	if got := readReplyLine(t, br); !strings.HasPrefix(got, "STREAM_BEGIN k 1000") {
		t.Fatalf("begin reply %q", got)
	}

	// rewrite invalidates the session on its next fetch, not eagerly
	setOverWire(t, conn, br, "k", []byte("rewritten value"))

	sendLine(t, conn, "streaming_chunk k 0")
	if got := readReplyLine(t, br); got != "STREAM_ERROR entry changed" {
		t.Fatalf("chunk after rewrite %q, want STREAM_ERROR entry changed", got)
	}
}

func TestStreamingSessionMissing(t *testing.T) {
	addr := startTestServer(t)
	conn, br := dialTestServer(t, addr)

	sendLine(t, conn, "streaming_chunk ghost 0")
	if got := readReplyLine(t, br); got != "STREAM_ERROR session expired" {
		t.Fatalf("got %q, want STREAM_ERROR session expired", got)
	}
}

func TestStreamingMissingKey(t *testing.T) {
	addr := startTestServer(t)
	conn, br := dialTestServer(t, addr)

	sendLine(t, conn, "streaming_get ghost 1024")
	if got := readReplyLine(t, br); got != "NOT_FOUND" {
		t.Fatalf("got %q, want NOT_FOUND", got)
	}
}

func TestStreamingEmptyValue(t *testing.T) {
	addr := startTestServer(t)
	conn, br := dialTestServer(t, addr)

	sendLine(t, conn, "set empty 0 0 0\r\n")
	if got := readReplyLine(t, br); got != "STORED" {
		t.Fatalf("set reply %q", got)
	}

	sendLine(t, conn, "streaming_get empty 16")
	if got := readReplyLine(t, br); got != "STREAM_BEGIN empty 0 0" {
		t.Fatalf("got %q, want STREAM_BEGIN empty 0 0", got)
	}
}
