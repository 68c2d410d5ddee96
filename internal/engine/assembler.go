package engine

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
)

// Assembled holds everything Write needs to emit an image: the
// negotiated header plus the already-serialized sections, so callers
// (the public Engine facade) can choose to write it straight to a sink
// or wrap it in a compression envelope (SPEC_FULL §4.H.1) first.
type Assembled struct {
	Header        Header
	RootOffsets   []PayloadOffset
	NamedRoots    []NamedRootEntry
	DataFixups    []PayloadOffset
	FuncFixups    []PayloadOffset
	Fragments     []FragmentEntry
	Payload       []byte
	FuncSymbols   []FptrInfoEntry
	SkipFragments bool
}

// offsetIndex lets the rewrite pass locate, for any payload offset, the
// chunk whose bytes currently hold it (needed to split a pointer-site
// write across two adjacent chunks in the rare case a fixup site's
// width straddles a chunk boundary).
type offsetIndex struct {
	starts []int64
	chunks []*Chunk
}

func buildOffsetIndex(buf *ByteBuffer) *offsetIndex {
	idx := &offsetIndex{}
	buf.Each(func(c *Chunk) {
		idx.starts = append(idx.starts, c.offset)
		idx.chunks = append(idx.chunks, c)
	})
	return idx
}

func (idx *offsetIndex) writeU64At(offset int64, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return idx.writeBytesAt(offset, buf[:])
}

func (idx *offsetIndex) writeBytesAt(offset int64, data []byte) error {
	remaining := data
	cur := offset
	for len(remaining) > 0 {
		i := sort.Search(len(idx.starts), func(i int) bool { return idx.starts[i] > cur }) - 1
		if i < 0 || i >= len(idx.chunks) {
			return &InvalidFixLocationError{Offset: offset}
		}
		c := idx.chunks[i]
		within := cur - c.offset
		if within < 0 || within > c.Size() {
			return &InvalidFixLocationError{Offset: offset}
		}
		n := c.Size() - within
		if n > int64(len(remaining)) {
			n = int64(len(remaining))
		}
		copy(c.data[within:within+n], remaining[:n])
		remaining = remaining[n:]
		cur += n
	}
	return nil
}

// Assemble runs the ImageAssembler pipeline (spec.md §4.H): assign
// chunk offsets, rewrite data-pointer sites in place, fill the header,
// and return every section ready to emit.
func Assemble(e *Engine, ptrSize int64) (*Assembled, error) {
	if e.err != nil {
		return nil, e.err
	}

	// 1. Layout.
	if err := e.Buffer.AssignOffsets(); err != nil {
		return nil, err
	}
	idx := buildOffsetIndex(e.Buffer)

	// 2. Rewrite data-pointer sites.
	dataSites := e.Fixups.DataSites()
	for _, s := range dataSites {
		siteRange, ok := e.Ranges.Get(s.SiteRange)
		if !ok {
			return nil, &InvariantViolatedError{Reason: "fixup site references unknown range"}
		}
		siteChunk := e.Buffer.Chunk(siteRange.Chunk)
		sitePayloadOffset := siteChunk.offset + s.SiteOffset

		targetRange, ok := e.Ranges.Get(s.Target.TargetRange)
		if !ok {
			return nil, &InvariantViolatedError{Reason: "fixup target references unknown range"}
		}
		targetChunk := e.Buffer.Chunk(targetRange.Chunk)
		targetPayloadOffset := targetChunk.offset + s.Target.TargetOffset

		value := uint64(targetPayloadOffset)
		if post, ok := e.PostConvertFor(s.SiteAddr); ok {
			value = uint64(post(PayloadOffset(targetPayloadOffset)))
		}
		if err := idx.writeU64At(sitePayloadOffset, value); err != nil {
			return nil, err
		}
	}

	payloadSize := e.Buffer.TotalSize()

	// Root offsets, in insertion order.
	roots := e.Roots.All()
	rootOffsets := make([]PayloadOffset, len(roots))
	var namedRoots []NamedRootEntry
	for i, r := range roots {
		if !r.Captured {
			rootOffsets[i] = NoOffset
			continue
		}
		rng, _ := e.Ranges.Get(r.RangeID)
		chunk := e.Buffer.Chunk(rng.Chunk)
		rootOffsets[i] = PayloadOffset(chunk.offset + r.RangeOff)
		if r.Named {
			namedRoots = append(namedRoots, NamedRootEntry{
				Name:         r.Name,
				SeqIndex:     uint64(r.SeqIndex),
				DeclaredSize: uint64(r.DeclaredSize),
			})
		}
	}

	dataFixupOffsets := make([]PayloadOffset, 0, len(dataSites))
	for _, s := range dataSites {
		siteRange, _ := e.Ranges.Get(s.SiteRange)
		siteChunk := e.Buffer.Chunk(siteRange.Chunk)
		dataFixupOffsets = append(dataFixupOffsets, PayloadOffset(siteChunk.offset+s.SiteOffset))
	}

	funcSites := e.Fixups.FuncSites()
	funcFixupOffsets := make([]PayloadOffset, 0, len(funcSites))
	var funcSymbols []FptrInfoEntry
	for _, s := range funcSites {
		siteRange, _ := e.Ranges.Get(s.SiteRange)
		siteChunk := e.Buffer.Chunk(siteRange.Chunk)
		off := PayloadOffset(siteChunk.offset + s.SiteOffset)
		funcFixupOffsets = append(funcFixupOffsets, off)
		if name, ok := e.host.FuncToName(s.Target.FuncAddr); ok {
			funcSymbols = append(funcSymbols, FptrInfoEntry{PayloadOffset: off, Name: name})
		}
	}

	var fragments []FragmentEntry
	if !e.SkipFragments {
		for _, group := range e.Ranges.Fragments() {
			if len(group) == 0 {
				continue
			}
			first, _ := e.Ranges.Get(group[0])
			firstChunk := e.Buffer.Chunk(first.Chunk)
			var size int64
			for _, rid := range group {
				r, _ := e.Ranges.Get(rid)
				size += r.size()
			}
			fragments = append(fragments, FragmentEntry{Start: PayloadOffset(firstChunk.offset), Size: size})
		}
	}

	var namedRootsSize int64
	for _, nr := range namedRoots {
		namedRootsSize += int64(nr.EncodedSize())
	}
	var funcMapSize int64
	funcMapSize += 8 // fptr_count
	for _, s := range funcSymbols {
		funcMapSize += 8 + 8 + int64(len(s.Name))
	}

	h := Header{
		Magic:                 Magic,
		Version:               Version,
		MemorySize:            uint64(payloadSize),
		PtrCount:              uint64(len(dataFixupOffsets)),
		FptrCount:             uint64(len(funcFixupOffsets)),
		RootAddrCount:         uint64(len(rootOffsets)),
		RootAddrExtendedCount: uint64(len(namedRoots)),
		RootAddrExtendedSize:  uint64(namedRootsSize),
		FptrMapSize:           uint64(funcMapSize),
		MCount:                uint64(len(fragments)),
	}

	sectionTotal := int64(HeaderSize) +
		int64(len(rootOffsets))*8 +
		namedRootsSize +
		int64(len(dataFixupOffsets))*8 +
		int64(len(funcFixupOffsets))*8 +
		int64(len(fragments))*16 +
		payloadSize +
		funcMapSize
	h.ImageSize = uint64(sectionTotal)

	return &Assembled{
		Header:        h,
		RootOffsets:   rootOffsets,
		NamedRoots:    namedRoots,
		DataFixups:    dataFixupOffsets,
		FuncFixups:    funcFixupOffsets,
		Fragments:     fragments,
		Payload:       payloadBytes(e.Buffer),
		FuncSymbols:   funcSymbols,
		SkipFragments: e.SkipFragments,
	}, nil
}

func payloadBytes(buf *ByteBuffer) []byte {
	var b bytes.Buffer
	_ = buf.WriteAll(&b)
	return b.Bytes()
}

// WriteTo emits the assembled image in the exact section order spec.md
// §6 describes: header, root offsets, named roots, data fixups, func
// fixups, fragment index (unless skipped), payload, func symbol table.
func (a *Assembled) WriteTo(w io.Writer) (int64, error) {
	var total int64
	n, err := w.Write(a.Header.Encode())
	total += int64(n)
	if err != nil {
		return total, err
	}
	for _, off := range a.RootOffsets {
		if err := putU64(w, uint64(off)); err != nil {
			return total, err
		}
		total += 8
	}
	for _, nr := range a.NamedRoots {
		if err := nr.WriteTo(w); err != nil {
			return total, err
		}
		total += int64(nr.EncodedSize())
	}
	for _, off := range a.DataFixups {
		if err := putU64(w, uint64(off)); err != nil {
			return total, err
		}
		total += 8
	}
	for _, off := range a.FuncFixups {
		if err := putU64(w, uint64(off)); err != nil {
			return total, err
		}
		total += 8
	}
	if !a.SkipFragments {
		for _, f := range a.Fragments {
			if err := putU64(w, uint64(f.Start)); err != nil {
				return total, err
			}
			if err := putU64(w, uint64(f.Size)); err != nil {
				return total, err
			}
			total += 16
		}
	}
	n2, err := w.Write(a.Payload)
	total += int64(n2)
	if err != nil {
		return total, err
	}
	if err := putU64(w, uint64(len(a.FuncSymbols))); err != nil {
		return total, err
	}
	total += 8
	for _, s := range a.FuncSymbols {
		if err := putU64(w, uint64(s.PayloadOffset)); err != nil {
			return total, err
		}
		if err := putU64(w, uint64(len(s.Name))); err != nil {
			return total, err
		}
		if _, err := w.Write([]byte(s.Name)); err != nil {
			return total, err
		}
		total += 16 + int64(len(s.Name))
	}
	return total, nil
}
