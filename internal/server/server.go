package server

import (
	"errors"
	"io"
	"net"

	"github.com/stratumcache/stratum/internal/proto"
	"go.uber.org/zap"
)

// HandleConn runs the command loop for one accepted connection until
// the client disconnects, asks to quit, or breaks protocol framing.
func HandleConn(conn net.Conn, engine *Engine, log *zap.Logger) {
	engine.metrics.ConnOpened()
	defer engine.metrics.ConnClosed()

	if log.Core().Enabled(zap.DebugLevel) {
		log.Debug("client connected", zap.String("addr", conn.RemoteAddr().String()))
	}

	peer := NewPeer(conn)
	defer func() {
		peer.Close() //nolint:errcheck
		if log.Core().Enabled(zap.DebugLevel) {
			log.Debug("client disconnected", zap.String("addr", conn.RemoteAddr().String()))
		}
	}()

	for {
		line, err := peer.Reader().ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("read command failed", zap.Error(err))
			}
			return
		}

		req, err := proto.ParseLine(line)
		if err != nil {
			// blank line, nothing to do
			continue
		}

		if err := engine.Execute(peer, req); err != nil {
			// flush whatever reply was written before closing
			peer.Flush() //nolint:errcheck
			if !errors.Is(err, errQuit) && !errors.Is(err, io.EOF) {
				log.Warn("closing connection", zap.Error(err))
			}
			return
		}

		if peer.InputBuffered() == 0 {
			if err := peer.Flush(); err != nil {
				return
			}
		}
	}
}
