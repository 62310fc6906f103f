package server

import (
	"errors"
	"sync"
	"time"

	"github.com/stratumcache/stratum/internal/compress"
	"github.com/stratumcache/stratum/internal/config"
	"github.com/stratumcache/stratum/internal/metrics"
	"github.com/stratumcache/stratum/internal/proto"
	"github.com/stratumcache/stratum/internal/storage"
	"github.com/stratumcache/stratum/internal/transfer"
	"go.uber.org/zap"
)

// Version is the server version reported by the version command and stats.
const Version = "stratum 0.3.1"

// errQuit signals a clean client-requested disconnect.
var errQuit = errors.New("client quit")

// Engine coordinates the execution of commands and manages the
// background tasks of the store and the transfer table
type Engine struct {
	commands  map[string]command // Registry of available commands
	storage   storage.Storage    // Interface to the underlying KV storage
	transfers *transfer.Manager  // Streaming session table
	engine    *compress.Engine   // Size-tier policy, exposed to stats
	metrics   *metrics.Metrics
	cfg       *config.Config
	stopGC    chan struct{} // Channel for the background GC stop signal
	stopOnce  sync.Once     // Ensures that the stop happens only once
	logger    *zap.Logger
}

// NewEngine initializes the engine, registers the basic commands, and
// if enabled in the config, starts background cleanup of expired keys
// and idle streaming sessions
func NewEngine(s storage.Storage, transfers *transfer.Manager, comp *compress.Engine, m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) *Engine {
	engine := Engine{
		commands:  make(map[string]command),
		storage:   s,
		transfers: transfers,
		engine:    comp,
		metrics:   m,
		cfg:       cfg,
		stopGC:    make(chan struct{}),
		logger:    logger,
	}
	engine.registerBasicCommand()

	if cfg.GC.Enabled {
		go engine.startGCLoop()
	}

	transfers.Start(cfg.Transfer.SweepInterval)

	return &engine
}

// startGCLoop triggers the active expiration mechanism
func (e *Engine) startGCLoop() {
	ticker := time.NewTicker(e.cfg.GC.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// keep sampling while a large share of the checked keys
			// turns out to be expired
			for {
				ratio := e.storage.DeleteExpired(e.cfg.GC.SamplesPerCheck)

				if ratio > 0 {
					e.logger.Debug("GC delete expired", zap.Float64("expired_ratio", ratio))
				}

				if ratio < e.cfg.GC.MatchThreshold {
					break
				}
			}
		case <-e.stopGC:
			e.logger.Info("GC stopped")
			return
		}
	}
}

// register adds a new command to the engine
func (e *Engine) register(name string, cmd command) {
	e.commands[name] = cmd
}

// registerBasicCommand fills the registry with the protocol commands.
// Command names are case-sensitive.
func (e *Engine) registerBasicCommand() {
	e.register("get", commandFunc(get))
	e.register("gets", commandFunc(gets))
	e.register("set", commandFunc(set))
	e.register("add", commandFunc(add))
	e.register("replace", commandFunc(replace))
	e.register("delete", commandFunc(del))
	e.register("incr", commandFunc(incr))
	e.register("decr", commandFunc(decr))
	e.register("streaming_get", commandFunc(streamingGet))
	e.register("streaming_chunk", commandFunc(streamingChunk))
	e.register("stats", commandFunc(stats))
	e.register("version", commandFunc(version))
	e.register("flush_all", commandFunc(flushAll))

	e.register("quit", commandFunc(func(ctx *context) error {
		return errQuit
	}))
}

// Execute finds the command by name and executes it for the given
// connection. Unknown commands answer with the bare ERROR token.
func (e *Engine) Execute(peer *Peer, req proto.Request) error {
	if e.logger.Core().Enabled(zap.DebugLevel) {
		e.logger.Debug("executing command",
			zap.String("cmd", req.Cmd),
			zap.Int("args_count", len(req.Args)),
		)
	}

	cmd, ok := e.commands[req.Cmd]
	if !ok {
		return peer.Writer().Error()
	}

	ctx := &context{
		args:   req.Args,
		peer:   peer,
		engine: e,
	}

	return cmd.execute(ctx)
}

// Shutdown shuts down the engine and its background services correctly
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() {
		if e.cfg.GC.Enabled {
			close(e.stopGC)
		}
		e.transfers.Stop()
		e.logger.Info("background processes stopped")
	})
}
