package server

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/stratumcache/stratum/internal/storage"
	"github.com/stratumcache/stratum/internal/transfer"
	"go.uber.org/zap"
)

// get serves one or more keys. The compression tier is invisible here:
// the store always hands back the original bytes and the reply reports
// the original length.
func get(ctx *context) error {
	w := ctx.peer.Writer()

	if len(ctx.args) == 0 {
		return w.ClientError("get requires at least one key")
	}

	for _, key := range ctx.args {
		flags, value, ok, err := ctx.engine.storage.Get(key)
		ctx.engine.metrics.RecordGet(ok)

		if err != nil {
			// server-controlled data failed to decompress; fatal for
			// this request only
			ctx.engine.logger.Error("internal consistency failure",
				zap.String("key", key), zap.Error(err))
			return w.ServerError("internal consistency failure")
		}

		if !ok {
			continue
		}

		if err := w.Value(key, flags, value); err != nil {
			return err
		}
	}

	return w.End()
}

// gets is get with a cas unique appended to each VALUE header. The
// per-key write generation serves as the cas token: any rewrite bumps
// it, which is exactly the compare-and-swap contract.
func gets(ctx *context) error {
	w := ctx.peer.Writer()

	if len(ctx.args) == 0 {
		return w.ClientError("gets requires at least one key")
	}

	for _, key := range ctx.args {
		meta, ok := ctx.engine.storage.View(key)
		ctx.engine.metrics.RecordGet(ok)

		if !ok {
			continue
		}

		value, ok, err := ctx.engine.storage.Materialize(key, meta.Generation)
		if err != nil {
			ctx.engine.logger.Error("internal consistency failure",
				zap.String("key", key), zap.Error(err))
			return w.ServerError("internal consistency failure")
		}
		if !ok {
			// rewritten between View and Materialize, treat as a miss
			continue
		}

		if err := w.ValueCAS(key, meta.Flags, value, meta.Generation); err != nil {
			return err
		}
	}

	return w.End()
}

func set(ctx *context) error     { return store(ctx, false, false) }
func add(ctx *context) error     { return store(ctx, true, false) }
func replace(ctx *context) error { return store(ctx, false, true) }

// store implements set/add/replace. Framing discipline: once the
// declared byte count parses, the payload is always consumed so a
// malformed command cannot corrupt the next one; when the count itself
// cannot be trusted the connection is closed.
func store(ctx *context, nx, xx bool) error {
	w := ctx.peer.Writer()

	if len(ctx.args) != 4 {
		if err := w.ClientError("bad command line format"); err != nil {
			return err
		}
		return fmt.Errorf("store: %d arguments, payload length unknown", len(ctx.args))
	}

	n, err := strconv.Atoi(ctx.args[3])
	if err != nil || n < 0 {
		if werr := w.ClientError("invalid bytes"); werr != nil {
			return werr
		}
		return fmt.Errorf("store: untrusted payload length %q", ctx.args[3])
	}

	key := ctx.args[0]
	flags, flagsErr := strconv.ParseUint(ctx.args[1], 10, 32)
	exptime, expErr := strconv.ParseInt(ctx.args[2], 10, 64)

	if flagsErr != nil || expErr != nil || exptime < 0 {
		// length is trusted, keep framing intact by draining the payload
		if derr := ctx.peer.Reader().Discard(n); derr != nil {
			return derr
		}
		return w.ClientError("bad command line format")
	}

	if max := ctx.engine.cfg.Limits.MaxItemBytes; max > 0 && n > max {
		if derr := ctx.peer.Reader().Discard(n); derr != nil {
			return derr
		}
		return w.ServerError("object too large for cache")
	}

	data, err := ctx.peer.Reader().ReadPayload(n)
	if err != nil {
		// declared and received byte counts disagree
		w.ClientError("bad data chunk") //nolint:errcheck
		return err
	}

	ttl := exptime
	if ttl == 0 {
		ttl = ctx.engine.cfg.Limits.DefaultTTL
	}

	stored := ctx.engine.storage.Set(key, data, storage.SetOptions{
		Flags: uint32(flags),
		TTL:   time.Duration(ttl) * time.Second,
		NX:    nx,
		XX:    xx,
	})
	ctx.engine.metrics.RecordSet(stored)

	if stored {
		return w.Stored()
	}
	return w.NotStored()
}

// del removes a key. Deleting an absent or expired key answers
// NOT_FOUND and is never an error.
func del(ctx *context) error {
	w := ctx.peer.Writer()

	if len(ctx.args) != 1 {
		return w.ClientError("delete requires key")
	}

	if ctx.engine.storage.Delete(ctx.args[0]) {
		return w.Deleted()
	}
	return w.NotFound()
}

func incr(ctx *context) error { return applyDelta(ctx, true) }
func decr(ctx *context) error { return applyDelta(ctx, false) }

func applyDelta(ctx *context, up bool) error {
	w := ctx.peer.Writer()

	if len(ctx.args) != 2 {
		return w.ClientError("requires key and delta")
	}

	delta, err := strconv.ParseUint(ctx.args[1], 10, 64)
	if err != nil {
		return w.ClientError("invalid numeric delta argument")
	}

	var value uint64
	var found bool
	if up {
		value, found, err = ctx.engine.storage.Incr(ctx.args[0], delta)
	} else {
		value, found, err = ctx.engine.storage.Decr(ctx.args[0], delta)
	}

	if !found {
		return w.NotFound()
	}
	if err != nil {
		return w.ClientError(err.Error())
	}

	return w.Number(value)
}

// streamingGet opens a chunked-retrieval session. The reply carries
// everything the client needs to plan its fetches and is written
// immediately: no payload is materialized here.
func streamingGet(ctx *context) error {
	w := ctx.peer.Writer()

	if len(ctx.args) != 2 {
		return w.ClientError("streaming_get requires key and chunk size")
	}

	key := ctx.args[0]
	chunkSize, err := strconv.Atoi(ctx.args[1])
	if err != nil || chunkSize <= 0 {
		return w.ClientError("invalid chunk size")
	}

	info, ok := ctx.engine.transfers.Begin(key, chunkSize)
	if !ok {
		return w.NotFound()
	}

	if info.ChunkCount > 0 {
		ctx.peer.SetSession(key, info.ID)
	} else {
		// zero-length value, nothing to fetch
		ctx.peer.ClearSession(key)
	}

	return w.StreamBegin(key, info.TotalSize, info.ChunkCount)
}

// streamingChunk serves the next chunk of an open session. Chunks must
// be requested in order; an out-of-order index is answered with a
// client error and leaves the session intact.
func streamingChunk(ctx *context) error {
	w := ctx.peer.Writer()

	if len(ctx.args) != 2 {
		return w.ClientError("streaming_chunk requires key and chunk index")
	}

	key := ctx.args[0]
	index, err := strconv.Atoi(ctx.args[1])
	if err != nil || index < 0 {
		return w.ClientError("invalid chunk index")
	}

	id, ok := ctx.peer.Session(key)
	if !ok {
		return w.StreamError("session expired")
	}

	data, done, err := ctx.engine.transfers.NextChunk(id, index)
	switch {
	case errors.Is(err, transfer.ErrBadChunkIndex):
		return w.ClientError(err.Error())

	case errors.Is(err, transfer.ErrSessionExpired):
		ctx.peer.ClearSession(key)
		ctx.engine.metrics.RecordStreamAbort()
		return w.StreamError("session expired")

	case errors.Is(err, transfer.ErrEntryChanged):
		ctx.peer.ClearSession(key)
		ctx.engine.metrics.RecordStreamAbort()
		return w.StreamError("entry changed")

	case err != nil:
		ctx.engine.logger.Error("internal consistency failure",
			zap.String("key", key), zap.Error(err))
		ctx.peer.ClearSession(key)
		ctx.engine.metrics.RecordStreamAbort()
		return w.ServerError("internal consistency failure")
	}

	if err := w.StreamData(key, index, data); err != nil {
		return err
	}

	if done {
		ctx.peer.ClearSession(key)
		return w.StreamEnd(key)
	}

	return nil
}

// stats reports one STAT line per counter, then END.
func stats(ctx *context) error {
	e := ctx.engine
	w := ctx.peer.Writer()
	m := e.metrics

	lines := []struct {
		name  string
		value string
	}{
		{"uptime", strconv.FormatInt(int64(m.Uptime().Seconds()), 10)},
		{"version", Version},
		{"pointer_size", strconv.Itoa(strconv.IntSize)},
		{"curr_connections", strconv.FormatInt(m.CurrConnections(), 10)},
		{"total_connections", strconv.FormatUint(m.TotalConnections(), 10)},
		{"cmd_get", strconv.FormatUint(m.CmdGet(), 10)},
		{"cmd_set", strconv.FormatUint(m.CmdSet(), 10)},
		{"get_hits", strconv.FormatUint(m.GetHits(), 10)},
		{"get_misses", strconv.FormatUint(m.GetMisses(), 10)},
		{"curr_items", strconv.Itoa(e.storage.Len())},
		{"total_items", strconv.FormatUint(m.TotalItems(), 10)},
		{"bytes", strconv.FormatInt(e.storage.Bytes(), 10)},
		{"evictions", "0"},
		{"compression_min_bytes", strconv.Itoa(e.engine.MinSize())},
		{"compression_max_bytes", strconv.Itoa(e.engine.MaxSize())},
		{"streaming_threshold_bytes", strconv.Itoa(e.cfg.Compression.StreamingThreshold)},
		{"streaming_sessions", strconv.Itoa(e.transfers.Count())},
		{"streaming_aborts", strconv.FormatUint(m.StreamingAborts(), 10)},
	}

	for _, s := range lines {
		if err := w.Stat(s.name, s.value); err != nil {
			return err
		}
	}
	return w.End()
}

func version(ctx *context) error {
	return ctx.peer.Writer().Version(Version)
}

func flushAll(ctx *context) error {
	ctx.engine.storage.FlushAll()
	return ctx.peer.Writer().Ok()
}
