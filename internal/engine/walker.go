package engine

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Config bundles the Walker's tunables. All fields have usable zero
// values (no timeout, no progress logging, 8-byte pointers).
type Config struct {
	MaxTime   time.Duration // 0 disables the wall-clock budget
	PingTime  time.Duration // 0 disables progress logging
	Log       logrus.FieldLogger
	BlockSize int
	PtrSize   int64 // defaults to 8
}

// visitEntry records that a traversal has already begun for a given
// source address, and where it ended up (Range/offset). Consulting it
// before re-traversing an address is what guarantees termination on
// arbitrary cyclic graphs: a second pointer into an address already
// being (or already) flattened resolves to the known location instead
// of re-running that object's field recipe.
type visitEntry struct {
	rng RangeID
	off int64
}

// Engine owns all per-dump state: the arena, byte buffer, range map,
// fixup map, work queue, and roots registry, plus the sticky error slot
// every recipe verb consults before doing anything. Engine is
// deliberately not safe for concurrent use: one engine instance is
// single-writer during a dump, matching the historical single-threaded,
// stop-the-world capture model this system is modeled on.
type Engine struct {
	Arena  *LinearArena
	Buffer *ByteBuffer
	Ranges *RangeMap
	Fixups *FixupMap
	Queue  *WorkQueue
	Roots  *Roots

	host Host
	cfg  Config
	err  error

	visiting map[SourceAddress]visitEntry

	// postConvert holds the caller-supplied bit-restamping callback for
	// EmbeddedPointer sites, consulted by the assembler's rewrite pass
	// instead of writing a bare offset.
	postConvert map[SourceAddress]PostConvert

	// SkipFragments mirrors the engine-level flag consulted by the
	// assembler; stored here because acquire_range_for's "lay out
	// contiguous source as contiguous payload" behavior is what makes
	// skip_fragments valid.
	SkipFragments bool
}

// New creates an Engine backed by an arena of arenaSize bytes.
func New(host Host, arenaSize int64, cfg Config, dedup bool) *Engine {
	if cfg.Log == nil {
		l := logrus.New()
		l.Out = discardWriter{}
		cfg.Log = l
	}
	if cfg.PtrSize == 0 {
		cfg.PtrSize = 8
	}
	arena := NewLinearArena(arenaSize)
	buf := NewByteBuffer(arena)
	return &Engine{
		Arena:       arena,
		Buffer:      buf,
		Ranges:      NewRangeMap(buf, dedup),
		Fixups:      NewFixupMap(),
		Queue:       NewWorkQueue(cfg.BlockSize),
		Roots:       NewRoots(),
		host:        host,
		cfg:         cfg,
		visiting:    make(map[SourceAddress]visitEntry),
		postConvert: make(map[SourceAddress]PostConvert),
	}
}

// registerPostConvert records the bit-restamping callback for the
// EmbeddedPointer fixup site at addr.
func (e *Engine) registerPostConvert(addr SourceAddress, post PostConvert) {
	e.postConvert[addr] = post
}

// PostConvertFor returns the bit-restamping callback registered for
// addr, if any.
func (e *Engine) PostConvertFor(addr SourceAddress) (PostConvert, bool) {
	p, ok := e.postConvert[addr]
	return p, ok
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Host returns the Host this engine reads memory through.
func (e *Engine) Host() Host { return e.host }

// PtrSize returns the configured source pointer width.
func (e *Engine) PtrSize() int64 { return e.cfg.PtrSize }

// Err returns the engine's sticky error, if any.
func (e *Engine) Err() error { return e.err }

// fail latches err as the engine's sticky error if none is set yet, and
// returns it; subsequent calls to any verb observe it and become no-ops.
func (e *Engine) fail(err error) error {
	if e.err == nil {
		e.err = err
	}
	return e.err
}

// Cursor identifies the record currently being flattened: its Range,
// the byte offset within that Range where the record starts, and its
// absolute source address. Recipe verbs are methods on Cursor so a
// recipe body can read "here" is Range/offset/address while issuing
// further Aggregate* calls back through the owning Engine.
type Cursor struct {
	E     *Engine
	Range RangeID
	Base  int64
	Addr  SourceAddress
}

// traverseOnce ensures addr is captured as a Range of the given size,
// running body against it exactly once no matter how many times
// traverseOnce is called for the same addr. This is the FixupMap-style
// "AlreadyExists short-circuits re-traversal" guarantee spec.md's §8
// cyclic-graph property relies on, scoped to object identity rather than
// to a single pointer site.
func (e *Engine) traverseOnce(addr SourceAddress, size int64, body func(Cursor) error) (FixupTarget, error) {
	if v, ok := e.visiting[addr]; ok {
		return FixupTarget{Kind: TargetData, TargetRange: v.rng, TargetOffset: v.off}, nil
	}
	if size < 0 {
		return FixupTarget{}, e.fail(&InvariantViolatedError{Reason: "negative size in traverseOnce"})
	}
	if !e.host.AddrRangeValid(addr, size) {
		return FixupTarget{}, &AddressUnreadableError{Addr: addr, Size: size}
	}
	rid, err := e.Ranges.AcquireRangeFor(e.host, addr, size)
	if err != nil {
		return FixupTarget{}, e.fail(err)
	}
	rng, _ := e.Ranges.Get(rid)
	off := addr.Sub(rng.Start)
	e.visiting[addr] = visitEntry{rng: rid, off: off}
	target := FixupTarget{Kind: TargetData, TargetRange: rid, TargetOffset: off}
	if body != nil {
		if err := body(Cursor{E: e, Range: rid, Base: off, Addr: addr}); err != nil {
			return target, e.fail(err)
		}
	}
	return target, nil
}

// ForRoot is the Walker's public entry point: it registers a root named
// name (optional) at addr, runs body synchronously at the root (per
// spec: the root recipe always executes immediately, never deferred
// through the work queue), then pumps the queue to exhaustion draining
// whatever nested Aggregate* calls body made.
//
// If the Host rejects addr, nothing is captured for this root, but the
// root entry is still registered (the image encodes the absence with
// the sentinel offset).
func (e *Engine) ForRoot(addr SourceAddress, name string, declaredSize int64, body func(Cursor) error) error {
	if e.err != nil {
		return e.err
	}
	root, err := e.Roots.Add(addr, name, declaredSize)
	if err != nil {
		return e.fail(err)
	}

	e.Queue.Clear()

	if !e.host.AddrValid(addr) {
		return e.pump()
	}

	target, err := e.traverseOnce(addr, declaredSize, body)
	if err != nil && e.err == nil {
		return e.fail(err)
	}
	if target.Kind == TargetData {
		root.Captured = true
		root.RangeID = target.TargetRange
		root.RangeOff = target.TargetOffset
	}
	return e.pump()
}

// pump is the iter harness: drain the work queue, invoking each job's
// recipe, installing results into the FixupMap via insert_force, and
// enforcing the wall-clock budget / progress ping.
func (e *Engine) pump() error {
	start := time.Now()
	var lastPing time.Time
	if e.cfg.PingTime > 0 {
		lastPing = start
	}

	for {
		if e.err != nil {
			// Cancellation policy: engine error latches the loop and
			// drains remaining jobs without executing them.
			e.Queue.Clear()
			return e.err
		}

		if e.cfg.MaxTime > 0 {
			elapsed := time.Since(start)
			if elapsed > e.cfg.MaxTime {
				e.Queue.Clear()
				return e.fail(&TimeoutError{
					ElapsedMillis: elapsed.Milliseconds(),
					BudgetMillis:  e.cfg.MaxTime.Milliseconds(),
				})
			}
		}
		// The budget is checked once more after the final job, so a last
		// job that overruns it is still reported as a timeout.
		if e.Queue.Empty() {
			break
		}
		if e.cfg.PingTime > 0 && time.Since(lastPing) > e.cfg.PingTime {
			e.cfg.Log.WithFields(logrus.Fields{
				"pending": e.Queue.ElementCount(),
				"ranges":  e.Ranges.Len(),
				"fixups":  len(e.Fixups.All()),
			}).Info("flatten: still draining work queue")
			lastPing = time.Now()
		}

		job, ok := e.Queue.Pop()
		if !ok {
			break
		}

		target, err := job.Recipe(e.host, job.TargetAddr)
		if err != nil {
			e.fail(err)
			continue
		}
		if target == nil {
			// Recipe signaled "stop": nothing further to install.
			continue
		}
		if job.HasSite {
			if _, err := e.Fixups.InsertForce(job.SiteRange, job.SiteOffset, job.SiteAddr, *target); err != nil {
				e.fail(err)
			}
		}
	}
	return e.err
}
