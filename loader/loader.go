// Package loader implements the reader side of a goflat image: mapping
// or copying the payload, running the fix-up pass that turns in-payload
// offsets back into live pointers, and exposing root access.
package loader

import (
	"bytes"
	"io"
	"os"
	"sync"
	"unsafe"

	"github.com/golang/snappy"
	"github.com/grailbio-labs/goflat"
	"github.com/grailbio-labs/goflat/internal/engine"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Mode selects (or reports) the open strategy spec.md §4.I describes.
type Mode uint8

const (
	// ModeAuto tries MMAP_WRITE, then MMAP_COW, then COPY, in order.
	ModeAuto Mode = iota
	ModeMMAPWrite
	ModeMMAPCOW
	ModeCopy
)

func (m Mode) String() string {
	switch m {
	case ModeMMAPWrite:
		return "MMAP_WRITE"
	case ModeMMAPCOW:
		return "MMAP_COW"
	case ModeCopy:
		return "COPY"
	default:
		return "AUTO"
	}
}

// FuncResolver symbolizes a function-pointer fixup's recorded name back
// into a callable code address.
type FuncResolver func(name string) (uintptr, bool)

// Config bundles Open's tunables.
type Config struct {
	// Mode forces a specific open strategy; ModeAuto (the default) tries
	// them in the order spec.md §4.I lists.
	Mode Mode

	// Continuous forces continuous fix-up resolution even when the
	// image carries a fragment index; by default a loaded image with a
	// nonempty fragment index uses chunked resolution.
	Continuous bool

	// Resolver symbolizes function-pointer fixups. Required only if the
	// image contains any; unresolved fixups are left as zero.
	Resolver FuncResolver
}

// Root is one entry from the image's root table: its address in the
// loaded memory region (0 if the root was never captured) and, for
// named roots, its declared size.
type Root struct {
	Addr         uintptr
	Name         string
	Named        bool
	DeclaredSize int64
}

// Loader holds one opened image. Multiple Loaders may open the same
// file concurrently (the file-lock protocol below disciplines the
// single-writer/many-readers case); a single Loader is safe for
// concurrent readers, but replace_variable calls are serialized against
// each other and against root access via mu.
type Loader struct {
	mu sync.Mutex

	file *os.File
	mode Mode

	// payload is the loaded memory region: either an mmap'd slice backed
	// by the file (MMAP_WRITE/MMAP_COW) or an owned copy (COPY).
	payload []byte
	mapped  bool // true if payload is an unix.Mmap region needing Munmap

	base uintptr // address of payload[0]

	header      *engine.Header
	namedRoots  []engine.NamedRootEntry
	rootOffsets []int64 // raw payload offsets parsed from the root table
	roots       []Root
	dataSites  []int64 // payload-relative offsets of data-pointer sites
	fptrSites  []int64
	fragments  []engine.FragmentEntry
	fptrTable  map[int64]string
	payloadOff int64 // byte offset of the raw memory payload within l.payload

	continuous bool
	resolver   FuncResolver

	rootCursor int
	byName     map[string]int

	// pendingWriteLock is true between openMMAPWrite's initial mapping
	// and the post-fixup persist-and-demote step: the exclusive lock is
	// still held and last_load_addr has not yet been written back.
	pendingWriteLock bool
}

// Open loads path using the strategy cfg.Mode selects (or auto-probes),
// runs the fix-up pass, and returns a ready Loader.
func Open(path string, cfg Config) (*Loader, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	readOnly := false
	if err != nil {
		f, err = os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "goflat/loader: open")
		}
		readOnly = true
	}

	l := &Loader{file: f, byName: make(map[string]int), fptrTable: make(map[int64]string)}
	l.continuous = cfg.Continuous
	l.resolver = cfg.Resolver

	codec, compressed, err := peekCompressionTag(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	var openErr error
	if compressed {
		// A compressed image has to be fully decompressed into an owned
		// buffer before anything in it is readable, so none of the
		// mmap-and-fix-up-in-place strategies apply; compression always
		// means copy mode, regardless of cfg.Mode.
		openErr = l.openCompressed(codec)
		l.mode = ModeCopy
	} else {
		mode := cfg.Mode
		if mode == ModeAuto {
			mode = ModeMMAPWrite
			if readOnly {
				mode = ModeMMAPCOW
			}
		}

		switch mode {
		case ModeMMAPWrite:
			openErr = l.openMMAPWrite()
			if openErr != nil {
				mode = ModeMMAPCOW
				openErr = l.openMMAPCOW()
			}
		case ModeMMAPCOW:
			openErr = l.openMMAPCOW()
		case ModeCopy:
			openErr = l.openCopy()
		}
		if openErr != nil && mode != ModeCopy {
			mode = ModeCopy
			openErr = l.openCopy()
		}
		l.mode = mode
	}
	if openErr != nil {
		f.Close()
		return nil, openErr
	}

	if err := l.parseSections(); err != nil {
		l.Unload()
		return nil, err
	}
	if l.mode != ModeMMAPCOW || l.header.LastLoadAddr == 0 {
		if err := l.fixup(); err != nil {
			l.Unload()
			return nil, err
		}
	}
	l.buildRoots()
	if l.pendingWriteLock {
		if err := l.finishMMAPWrite(); err != nil {
			l.Unload()
			return nil, err
		}
	}
	return l, nil
}

// Mode reports the open strategy actually used.
func (l *Loader) Mode() Mode { return l.mode }

func flock(f *os.File, how int) error { return unix.Flock(int(f.Fd()), how) }

// openMMAPWrite implements spec.md §4.I strategy 1: acquire an exclusive
// lock, and only proceed if the header has never been fixed before
// (last_load_addr == 0). The actual fix, persist, demote, and private
// remap happen in finishMMAPWrite once the fix-up pass has run.
func (l *Loader) openMMAPWrite() error {
	if err := flock(l.file, unix.LOCK_EX); err != nil {
		return &goflat.FileLockedError{Path: l.file.Name()}
	}

	st, err := l.file.Stat()
	if err != nil {
		flock(l.file, unix.LOCK_UN)
		return errors.Wrap(err, "goflat/loader: stat")
	}
	size := int(st.Size())

	hdrBuf := make([]byte, engine.HeaderSize)
	if _, err := l.file.ReadAt(hdrBuf, 0); err != nil {
		flock(l.file, unix.LOCK_UN)
		return errors.Wrap(err, "goflat/loader: read header")
	}
	hdr, err := engine.DecodeHeader(hdrBuf)
	if err != nil {
		flock(l.file, unix.LOCK_UN)
		return err
	}
	if hdr.LastLoadAddr != 0 {
		flock(l.file, unix.LOCK_UN)
		return &goflat.UnexpectedOpenModeError{Want: "MMAP_WRITE", Got: "already fixed"}
	}

	data, err := unix.Mmap(int(l.file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		flock(l.file, unix.LOCK_UN)
		return errors.Wrap(err, "goflat/loader: mmap shared")
	}
	l.payload = data
	l.mapped = true
	l.base = uintptr(unsafe.Pointer(&data[0]))
	l.pendingWriteLock = true
	return nil
}

// finishMMAPWrite persists last_load_addr into the file's still-mapped
// header, demotes the lock to shared, and remaps the region private so
// later in-process writes (e.g. replace_variable) don't leak back to
// disk. Subsequent opens of the same file observe last_load_addr set and
// take the MMAP_COW path instead.
func (l *Loader) finishMMAPWrite() error {
	l.header.LastLoadAddr = uint64(l.base)
	l.header.LastMemAddr = uint64(l.base) + uint64(len(l.payload))
	copy(l.payload[:engine.HeaderSize], l.header.Encode())

	if err := unix.Munmap(l.payload); err != nil {
		return errors.Wrap(err, "goflat/loader: munmap before remap")
	}
	data, err := unix.Mmap(int(l.file.Fd()), 0, len(l.payload), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	if err != nil {
		return errors.Wrap(err, "goflat/loader: private remap")
	}
	l.payload = data
	l.base = uintptr(unsafe.Pointer(&data[0]))

	if err := flock(l.file, unix.LOCK_SH); err != nil {
		return errors.Wrap(err, "goflat/loader: demote lock")
	}
	l.pendingWriteLock = false
	return nil
}

// openMMAPCOW implements spec.md §4.I strategy 2: a shared read lock and
// a private mapping. Go's mmap cannot honor last_load_addr as a fixed
// virtual address request portably, so (unlike the C original this
// system is modeled on) a COW open always remaps at a fresh
// kernel-chosen address and re-runs the fix-up pass against it; this is
// behaviorally equivalent (same final pointer graph) even though it
// forgoes the address-reuse optimization.
func (l *Loader) openMMAPCOW() error {
	if err := flock(l.file, unix.LOCK_SH); err != nil {
		return &goflat.FileLockedError{Path: l.file.Name()}
	}
	st, err := l.file.Stat()
	if err != nil {
		flock(l.file, unix.LOCK_UN)
		return errors.Wrap(err, "goflat/loader: stat")
	}
	data, err := unix.Mmap(int(l.file.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	if err != nil {
		flock(l.file, unix.LOCK_UN)
		return errors.Wrap(err, "goflat/loader: mmap private")
	}
	l.payload = data
	l.mapped = true
	l.base = uintptr(unsafe.Pointer(&data[0]))
	return nil
}

// openCopy implements spec.md §4.I strategy 3: copy the whole image into
// an owned buffer and release the lock immediately.
func (l *Loader) openCopy() error {
	if err := flock(l.file, unix.LOCK_SH); err != nil {
		return &goflat.FileLockedError{Path: l.file.Name()}
	}
	defer flock(l.file, unix.LOCK_UN)

	st, err := l.file.Stat()
	if err != nil {
		return errors.Wrap(err, "goflat/loader: stat")
	}
	data := make([]byte, st.Size())
	if _, err := l.file.ReadAt(data, 0); err != nil {
		return errors.Wrap(err, "goflat/loader: read")
	}
	l.payload = data
	l.mapped = false
	l.base = uintptr(unsafe.Pointer(&data[0]))
	return nil
}

// peekCompressionTag reads the first byte of f and reports whether it is
// one of Write's codec tags (engine.go prepends exactly this byte ahead
// of a compressed envelope; an uncompressed image's first byte is
// Magic's low byte, 0x46, which collides with neither tag).
func peekCompressionTag(f *os.File) (goflat.CompressionCodec, bool, error) {
	var b [1]byte
	n, err := f.ReadAt(b[:], 0)
	if err != nil && err != io.EOF {
		return goflat.CodecNone, false, errors.Wrap(err, "goflat/loader: read codec tag")
	}
	if n == 0 {
		return goflat.CodecNone, false, nil
	}
	switch goflat.CompressionCodec(b[0]) {
	case goflat.CodecZstd, goflat.CodecSnappy:
		return goflat.CompressionCodec(b[0]), true, nil
	default:
		return goflat.CodecNone, false, nil
	}
}

// openCompressed strips the leading codec tag and decompresses the rest
// of the file into an owned buffer, undoing whichever envelope
// Engine.Write applied.
func (l *Loader) openCompressed(codec goflat.CompressionCodec) error {
	if err := flock(l.file, unix.LOCK_SH); err != nil {
		return &goflat.FileLockedError{Path: l.file.Name()}
	}
	defer flock(l.file, unix.LOCK_UN)

	raw, err := io.ReadAll(l.file)
	if err != nil {
		return errors.Wrap(err, "goflat/loader: read compressed image")
	}
	if len(raw) == 0 {
		return errors.New("goflat/loader: empty compressed image")
	}
	body := raw[1:]

	var data []byte
	switch codec {
	case goflat.CodecZstd:
		dec, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return errors.Wrap(err, "goflat/loader: create zstd reader")
		}
		defer dec.Close()
		data, err = io.ReadAll(dec)
		if err != nil {
			return errors.Wrap(err, "goflat/loader: zstd decompress image")
		}
	case goflat.CodecSnappy:
		data, err = io.ReadAll(snappy.NewReader(bytes.NewReader(body)))
		if err != nil {
			return errors.Wrap(err, "goflat/loader: snappy decompress image")
		}
	default:
		return errors.Errorf("goflat/loader: unknown compression codec %d", codec)
	}
	if len(data) == 0 {
		return errors.New("goflat/loader: decompressed image is empty")
	}

	l.payload = data
	l.mapped = false
	l.base = uintptr(unsafe.Pointer(&data[0]))
	return nil
}

// buildRoots materializes the Root slice and name index from the parsed
// root-offset and named-root tables, now that the fix-up pass (if any)
// has turned payload offsets into live addresses.
func (l *Loader) buildRoots() {
	l.roots = make([]Root, len(l.rootOffsets))
	for i, off := range l.rootOffsets {
		if off == int64(goflat.NoOffset) {
			continue
		}
		l.roots[i].Addr = l.base + uintptr(l.payloadOff) + uintptr(off)
	}
	for _, nr := range l.namedRoots {
		if int(nr.SeqIndex) < len(l.roots) {
			l.roots[nr.SeqIndex].Name = nr.Name
			l.roots[nr.SeqIndex].Named = true
			l.roots[nr.SeqIndex].DeclaredSize = int64(nr.DeclaredSize)
			l.byName[nr.Name] = int(nr.SeqIndex)
		}
	}
}

// RootNext returns the next root in the stateful cursor, advancing it.
func (l *Loader) RootNext() (Root, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rootCursor >= len(l.roots) {
		return Root{}, false
	}
	r := l.roots[l.rootCursor]
	l.rootCursor++
	return r, true
}

// RootByIndex returns the root at sequence index i.
func (l *Loader) RootByIndex(i int) (Root, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.roots) {
		return Root{}, false
	}
	return l.roots[i], true
}

// RootByName returns the named root registered under name.
func (l *Loader) RootByName(name string) (Root, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.byName[name]
	if !ok {
		return Root{}, false
	}
	return l.roots[i], true
}

// Unload releases the loader's mapping/buffer and any held lock.
func (l *Loader) Unload() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	if l.mapped && l.payload != nil {
		err = unix.Munmap(l.payload)
	}
	l.payload = nil
	if l.file != nil {
		flock(l.file, unix.LOCK_UN)
		if cerr := l.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
