package loader

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/grailbio-labs/goflat"
	"github.com/grailbio-labs/goflat/internal/engine"
	"github.com/pkg/errors"
)

// parseSections reads every table following the header out of the
// already-mapped-or-copied payload: root offsets, named roots,
// data/fptr fixup offset arrays, fragment index, and (at the very end,
// after the raw memory payload) the function-pointer symbol table.
func (l *Loader) parseSections() error {
	if len(l.payload) < engine.HeaderSize {
		return &goflat.TruncatedImageError{Want: engine.HeaderSize, Got: int64(len(l.payload))}
	}
	hdr, err := engine.DecodeHeader(l.payload[:engine.HeaderSize])
	if err != nil {
		return err
	}
	l.header = hdr

	sectionTotal := int64(engine.HeaderSize) +
		int64(hdr.RootAddrCount)*8 +
		int64(hdr.RootAddrExtendedSize) +
		int64(hdr.PtrCount)*8 +
		int64(hdr.FptrCount)*8 +
		int64(hdr.MCount)*16 +
		int64(hdr.MemorySize) +
		int64(hdr.FptrMapSize)
	if sectionTotal > int64(hdr.ImageSize) {
		return &goflat.MemorySizeBiggerThanImageError{SectionTotal: sectionTotal, ImageSize: int64(hdr.ImageSize)}
	}

	r := bytes.NewReader(l.payload[engine.HeaderSize:])

	l.rootOffsets = make([]int64, hdr.RootAddrCount)
	for i := range l.rootOffsets {
		v, err := readI64(r)
		if err != nil {
			return errors.Wrap(err, "goflat/loader: read root offsets")
		}
		l.rootOffsets[i] = v
	}

	l.namedRoots = make([]engine.NamedRootEntry, hdr.RootAddrExtendedCount)
	for i := range l.namedRoots {
		nr, err := engine.ReadNamedRootEntry(r)
		if err != nil {
			return errors.Wrap(err, "goflat/loader: read named roots")
		}
		l.namedRoots[i] = nr
	}

	l.dataSites = make([]int64, hdr.PtrCount)
	for i := range l.dataSites {
		v, err := readI64(r)
		if err != nil {
			return errors.Wrap(err, "goflat/loader: read data fixups")
		}
		l.dataSites[i] = v
	}

	l.fptrSites = make([]int64, hdr.FptrCount)
	for i := range l.fptrSites {
		v, err := readI64(r)
		if err != nil {
			return errors.Wrap(err, "goflat/loader: read fptr fixups")
		}
		l.fptrSites[i] = v
	}

	l.fragments = make([]engine.FragmentEntry, hdr.MCount)
	for i := range l.fragments {
		start, err := readI64(r)
		if err != nil {
			return errors.Wrap(err, "goflat/loader: read fragments")
		}
		size, err := readI64(r)
		if err != nil {
			return errors.Wrap(err, "goflat/loader: read fragments")
		}
		l.fragments[i] = engine.FragmentEntry{Start: goflat.PayloadOffset(start), Size: size}
	}

	payloadStart := len(l.payload) - r.Len()
	payloadEnd := payloadStart + int(hdr.MemorySize)
	if payloadEnd > len(l.payload) {
		return &goflat.TruncatedImageError{Want: int64(payloadEnd), Got: int64(len(l.payload))}
	}
	l.payloadOff = int64(payloadStart)
	if _, err := r.Seek(int64(hdr.MemorySize), 1); err != nil {
		return errors.Wrap(err, "goflat/loader: skip payload")
	}

	fptrCount, err := readI64(r)
	if err != nil {
		return errors.Wrap(err, "goflat/loader: read fptr symbol count")
	}
	for i := int64(0); i < fptrCount; i++ {
		off, err := readI64(r)
		if err != nil {
			return errors.Wrap(err, "goflat/loader: read fptr symbol offset")
		}
		nameLen, err := readI64(r)
		if err != nil {
			return errors.Wrap(err, "goflat/loader: read fptr symbol name length")
		}
		nameBuf := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return errors.Wrap(err, "goflat/loader: read fptr symbol name")
		}
		l.fptrTable[off] = string(nameBuf)
	}
	return nil
}

func readI64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

// payloadBytes returns the slice of l.payload holding the raw memory
// payload (post-tables, pre-fptr-symbol-table).
func (l *Loader) payloadBytes() []byte {
	return l.payload[l.payloadOff : l.payloadOff+int64(l.header.MemorySize)]
}

// fragmentFor returns the fragment index containing payload offset off,
// or -1 if none does (continuous mode never calls this).
func (l *Loader) fragmentFor(off int64) int {
	i := sort.Search(len(l.fragments), func(i int) bool {
		return int64(l.fragments[i].Start)+l.fragments[i].Size > off
	})
	if i < len(l.fragments) && int64(l.fragments[i].Start) <= off {
		return i
	}
	return -1
}

// fixup runs the pass described in spec.md §4.I: for each data-pointer
// site, read the in-payload offset currently stored there, resolve it
// to a live address (continuous: single base; chunked: per-fragment
// base), and write the pointer back. Function-pointer sites are
// resolved by symbol name instead.
func (l *Loader) fixup() error {
	pb := l.payloadBytes()
	useFragments := !l.continuous && len(l.fragments) > 0

	for _, site := range l.dataSites {
		if site < 0 || site+8 > int64(len(pb)) {
			return &goflat.InvalidFixLocationError{Offset: site}
		}
		target := int64(binary.LittleEndian.Uint64(pb[site : site+8]))
		if target < 0 || target > int64(len(pb)) {
			return &goflat.InvalidFixDestinationError{Offset: target}
		}

		var addr uintptr
		if useFragments {
			fi := l.fragmentFor(target)
			if fi < 0 {
				return &goflat.MemoryFragmentDoesNotFitError{Index: fi}
			}
			intra := target - int64(l.fragments[fi].Start)
			addr = l.base + uintptr(l.payloadOff) + uintptr(l.fragments[fi].Start) + uintptr(intra)
		} else {
			addr = l.base + uintptr(l.payloadOff) + uintptr(target)
		}
		binary.LittleEndian.PutUint64(pb[site:site+8], uint64(addr))
	}

	for _, site := range l.fptrSites {
		if site < 0 || site+8 > int64(len(pb)) {
			return &goflat.InvalidFixLocationError{Offset: site}
		}
		if l.resolver == nil {
			binary.LittleEndian.PutUint64(pb[site:site+8], 0)
			continue
		}
		// The fptr_info table is keyed by the site's own payload offset,
		// not by the raw (pre-fixup) bytes captured at the site.
		name, ok := l.fptrTable[site]
		if !ok {
			binary.LittleEndian.PutUint64(pb[site:site+8], 0)
			continue
		}
		addr, ok := l.resolver(name)
		if !ok {
			binary.LittleEndian.PutUint64(pb[site:site+8], 0)
			continue
		}
		binary.LittleEndian.PutUint64(pb[site:site+8], uint64(addr))
	}
	return nil
}
