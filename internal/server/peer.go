package server

import (
	"net"
	"sync"

	"github.com/stratumcache/stratum/internal/proto"
)

// Peer represents a connected client. It wraps a network connection
// with the protocol codec and carries the connection-local streaming
// session table (sessions are never shared across connections).
type Peer struct {
	conn     net.Conn
	reader   *proto.Reader
	writer   *proto.Writer
	mu       sync.Mutex
	sessions map[string]uint64 // key -> streaming session id
}

// NewPeer initializes a new client peer from a network connection
func NewPeer(conn net.Conn) *Peer {
	return &Peer{
		conn:   conn,
		reader: proto.NewReader(conn),
		writer: proto.NewWriter(conn),
	}
}

// Reader returns the protocol reader for the connection.
func (p *Peer) Reader() *proto.Reader {
	return p.reader
}

// Writer returns the protocol writer for the connection.
func (p *Peer) Writer() *proto.Writer {
	return p.writer
}

// Flush sends all buffered data to the client.
// This method is thread-safe and can be called from multiple goroutines
func (p *Peer) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writer.Flush()
}

// InputBuffered returns the number of bytes that can be read from the current buffer
func (p *Peer) InputBuffered() int {
	return p.reader.Buffered()
}

// Close terminates the underlying network connection
func (p *Peer) Close() error {
	return p.conn.Close()
}

// Session returns this connection's streaming session id for key.
func (p *Peer) Session(key string) (uint64, bool) {
	if p.sessions == nil {
		return 0, false
	}
	id, ok := p.sessions[key]
	return id, ok
}

// SetSession records a streaming session id for key, replacing any
// previous session over the same key.
func (p *Peer) SetSession(key string, id uint64) {
	if p.sessions == nil {
		p.sessions = make(map[string]uint64)
	}
	p.sessions[key] = id
}

// ClearSession forgets the streaming session for key.
func (p *Peer) ClearSession(key string) {
	delete(p.sessions, key)
}
