package goflat

import (
	"bytes"
	"io"
	"time"

	"github.com/golang/snappy"
	"github.com/grailbio-labs/goflat/internal/engine"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// CompressionCodec selects the outer envelope Write wraps the byte-exact
// image in. The image format itself (§6 header, fixup tables, payload)
// never changes shape; compression is strictly a transport wrapper a
// Loader strips before running the ordinary fix-up pass.
type CompressionCodec uint8

const (
	// CodecNone writes the image uncompressed; this is the default and
	// the only layout spec.md's byte-exact format describes.
	CodecNone CompressionCodec = iota
	CodecZstd
	CodecSnappy
)

// Config bundles the engine's tunables. The zero value is usable: no
// arena cap beyond a sane default, no timeout, no compression.
type Config struct {
	// ArenaSize bounds total snapshot bytes the engine will allocate
	// during a single flatten. Defaults to 64MiB.
	ArenaSize int64

	// MaxTime bounds the wall-clock budget for draining the work queue.
	// Zero disables the budget.
	MaxTime time.Duration

	// PingTime, if nonzero, logs queue-drain progress at this interval.
	PingTime time.Duration

	// Log receives progress/diagnostic output. Defaults to a discarding
	// logger if nil.
	Log logrus.FieldLogger

	// PtrSize is the width of a pointer on the source being flattened.
	// Defaults to 8.
	PtrSize int64

	// BlockSize tunes the work queue's internal batching. Defaults to
	// the engine package's own default.
	BlockSize int

	// Dedup enables content-addressed chunk deduplication (farm.Hash64)
	// across captured ranges.
	Dedup bool

	// SkipFragments omits the fragment index from the written image.
	SkipFragments bool

	// Compress selects an outer compression envelope for Write.
	Compress CompressionCodec
}

const defaultArenaSize = 64 << 20

// Option mutates a Config; New applies a zero Config plus any Options in
// order.
type Option func(*Config)

// WithArenaSize overrides the snapshot-byte cap.
func WithArenaSize(n int64) Option { return func(c *Config) { c.ArenaSize = n } }

// WithMaxTime sets the queue-drain wall-clock budget.
func WithMaxTime(d time.Duration) Option { return func(c *Config) { c.MaxTime = d } }

// WithPingTime sets the progress-log interval.
func WithPingTime(d time.Duration) Option { return func(c *Config) { c.PingTime = d } }

// WithLogger sets the logger progress/diagnostics are written to.
func WithLogger(l logrus.FieldLogger) Option { return func(c *Config) { c.Log = l } }

// WithPtrSize overrides the source pointer width (default 8).
func WithPtrSize(n int64) Option { return func(c *Config) { c.PtrSize = n } }

// WithDedup enables content-addressed chunk deduplication.
func WithDedup(enabled bool) Option { return func(c *Config) { c.Dedup = enabled } }

// WithSkipFragments omits the fragment index from the written image.
func WithSkipFragments(enabled bool) Option { return func(c *Config) { c.SkipFragments = enabled } }

// WithCompression wraps Write's output in the given codec's envelope.
func WithCompression(codec CompressionCodec) Option { return func(c *Config) { c.Compress = codec } }

// Engine flattens an object graph reachable from a Host into a
// byte-exact, position-independent image. An Engine is not safe for
// concurrent use: one Engine is single-writer for the duration of a
// single flatten.
type Engine struct {
	e   *engine.Engine
	cfg Config
}

// New creates an Engine that reads source memory through host.
func New(host Host, opts ...Option) *Engine {
	cfg := Config{ArenaSize: defaultArenaSize, PtrSize: 8}
	for _, opt := range opts {
		opt(&cfg)
	}
	ecfg := engine.Config{
		MaxTime:   cfg.MaxTime,
		PingTime:  cfg.PingTime,
		Log:       cfg.Log,
		BlockSize: cfg.BlockSize,
		PtrSize:   cfg.PtrSize,
	}
	e := engine.New(host, cfg.ArenaSize, ecfg, cfg.Dedup)
	e.SkipFragments = cfg.SkipFragments
	return &Engine{e: e, cfg: cfg}
}

// ForRoot registers a root at addr (optionally named) and flattens
// everything reachable from it via body. Roots may be added repeatedly
// before a single call to Write; each call drains the work queue its
// body enqueues before returning.
func (eng *Engine) ForRoot(addr SourceAddress, name string, declaredSize int64, body Body) error {
	return eng.e.ForRoot(addr, name, declaredSize, wrapBody(body))
}

// Err returns the engine's sticky error, if any prior ForRoot call
// failed.
func (eng *Engine) Err() error { return eng.e.Err() }

// Write assembles the flattened graph into its on-disk image and writes
// it to w, applying the configured compression envelope (if any).
func (eng *Engine) Write(w io.Writer) error {
	if err := eng.e.Err(); err != nil {
		return errors.Wrap(err, "goflat: flatten failed before write")
	}
	assembled, err := engine.Assemble(eng.e, eng.cfg.PtrSize)
	if err != nil {
		return errors.Wrap(err, "goflat: assemble image")
	}
	if eng.cfg.Compress == CodecNone {
		_, err := assembled.WriteTo(w)
		return errors.Wrap(err, "goflat: write image")
	}

	var raw bytes.Buffer
	if _, err := assembled.WriteTo(&raw); err != nil {
		return errors.Wrap(err, "goflat: write image")
	}
	if _, err := w.Write([]byte{byte(eng.cfg.Compress)}); err != nil {
		return errors.Wrap(err, "goflat: write codec byte")
	}
	switch eng.cfg.Compress {
	case CodecZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return errors.Wrap(err, "goflat: create zstd writer")
		}
		if _, err := enc.Write(raw.Bytes()); err != nil {
			enc.Close()
			return errors.Wrap(err, "goflat: zstd compress image")
		}
		return errors.Wrap(enc.Close(), "goflat: close zstd writer")
	case CodecSnappy:
		enc := snappy.NewBufferedWriter(w)
		if _, err := enc.Write(raw.Bytes()); err != nil {
			enc.Close()
			return errors.Wrap(err, "goflat: snappy compress image")
		}
		return errors.Wrap(enc.Close(), "goflat: close snappy writer")
	default:
		return errors.Errorf("goflat: unknown compression codec %d", eng.cfg.Compress)
	}
}
