package compress

import (
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// Default tier boundaries. Values below MinSize are not worth the
// compression overhead; values above MaxSize pay too much latency.
const (
	DefaultMinSize = 128
	DefaultMaxSize = 1 << 20 // 1 MiB
)

// ErrCorrupt is returned when a stored compressed payload cannot be
// decompressed back to its recorded size. The engine controls both
// directions, so this only happens on internal state corruption.
var ErrCorrupt = errors.New("corrupt compressed payload")

// Engine decides whether a payload of a given size should be compressed
// and performs LZ4 block compression in both directions.
type Engine struct {
	minSize int
	maxSize int
}

// New creates an engine with the given size window. Non-positive bounds
// fall back to the defaults.
func New(minSize, maxSize int) *Engine {
	if minSize <= 0 {
		minSize = DefaultMinSize
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Engine{minSize: minSize, maxSize: maxSize}
}

// ShouldCompress reports whether a payload of the given size falls into
// the compressed tier: minSize <= size <= maxSize.
func (e *Engine) ShouldCompress(size int) bool {
	return size >= e.minSize && size <= e.maxSize
}

// MinSize returns the lower tier boundary in bytes.
func (e *Engine) MinSize() int { return e.minSize }

// MaxSize returns the upper tier boundary in bytes.
func (e *Engine) MaxSize() int { return e.maxSize }

// Compress compresses src with LZ4. It returns the compressed payload
// and true, or nil and false when compression yields no gain (the
// caller should then store the raw bytes instead).
func (e *Engine) Compress(src []byte) ([]byte, bool) {
	buf := make([]byte, lz4.CompressBlockBound(len(src)))

	var c lz4.Compressor
	n, err := c.CompressBlock(src, buf)
	if err != nil || n == 0 || n >= len(src) {
		// n == 0 means the block is incompressible
		return nil, false
	}

	return buf[:n], true
}

// Decompress restores a payload produced by Compress. rawSize is the
// original length recorded at write time; any disagreement between it
// and the decompressed output is reported as ErrCorrupt.
func (e *Engine) Decompress(src []byte, rawSize int) ([]byte, error) {
	dst := make([]byte, rawSize)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if n != rawSize {
		return nil, fmt.Errorf("%w: decompressed %d bytes, expected %d", ErrCorrupt, n, rawSize)
	}
	return dst, nil
}
