package engine

import (
	"sort"

	"github.com/dgryski/go-farm"
)

// RangeID identifies a Range within a RangeMap.
type RangeID uint32

// Range is a half-open [Start, End) interval of SourceAddresses backed
// by exactly one Chunk holding a byte-for-byte snapshot taken at
// flatten time.
type Range struct {
	Start, End SourceAddress
	Chunk      ChunkID
}

func (r Range) size() int64 { return r.End.Sub(r.Start) }

// RangeMap maps half-open source-address ranges to the ByteBuffer chunk
// holding their snapshot. No two ranges ever overlap; adjacent ranges
// may reference distinct chunks.
type RangeMap struct {
	buf    *ByteBuffer
	ranges []Range // sorted by Start, invariant: non-overlapping
	ids    []RangeID
	nextID RangeID
	byID   map[RangeID]int // index into ranges/ids, kept in sync

	hashes       map[uint64][]RangeID // dedup index: content hash -> candidate ranges
	dedupEnabled bool
}

// NewRangeMap creates an empty RangeMap that allocates chunk snapshots
// into buf.
func NewRangeMap(buf *ByteBuffer, dedup bool) *RangeMap {
	return &RangeMap{
		buf:          buf,
		byID:         make(map[RangeID]int),
		hashes:       make(map[uint64][]RangeID),
		dedupEnabled: dedup,
	}
}

// search returns the index of the first range whose Start is >= addr.
func (m *RangeMap) search(addr SourceAddress) int {
	return sort.Search(len(m.ranges), func(i int) bool {
		return m.ranges[i].Start >= addr
	})
}

// FindFirstOverlap returns the id and index of the first Range
// overlapping [lo,hi), or (0, -1, false) if none does.
func (m *RangeMap) FindFirstOverlap(lo, hi SourceAddress) (RangeID, int, bool) {
	// Candidate: the range whose Start is the largest Start <= lo, or
	// the one immediately after lo if none starts at/before it.
	i := m.search(lo)
	if i > 0 && m.ranges[i-1].End > lo {
		i--
	}
	if i < len(m.ranges) && m.ranges[i].Start < hi {
		return m.ids[i], i, true
	}
	return 0, -1, false
}

// FindNextOverlap returns the next Range strictly after the one at
// index idx that still overlaps [lo,hi).
func (m *RangeMap) FindNextOverlap(idx int, lo, hi SourceAddress) (RangeID, int, bool) {
	j := idx + 1
	if j < len(m.ranges) && m.ranges[j].Start < hi {
		return m.ids[j], j, true
	}
	return 0, -1, false
}

// Get returns the Range for id.
func (m *RangeMap) Get(id RangeID) (Range, bool) {
	idx, ok := m.byID[id]
	if !ok {
		return Range{}, false
	}
	return m.ranges[idx], true
}

// insertAt splices a new range at slice index idx, keeping m.ranges,
// m.ids, and m.byID consistent.
func (m *RangeMap) insertAt(idx int, r Range) RangeID {
	id := m.nextID
	m.nextID++
	m.ranges = append(m.ranges, Range{})
	copy(m.ranges[idx+1:], m.ranges[idx:])
	m.ranges[idx] = r
	m.ids = append(m.ids, 0)
	copy(m.ids[idx+1:], m.ids[idx:])
	m.ids[idx] = id
	for i := idx; i < len(m.ids); i++ {
		m.byID[m.ids[i]] = i
	}
	return id
}

// Insert adds r to the map. Callers (acquire_range_for) are responsible
// for guaranteeing r does not overlap an existing Range.
func (m *RangeMap) Insert(r Range) RangeID {
	idx := m.search(r.Start)
	return m.insertAt(idx, r)
}

// Remove deletes the Range with the given id.
func (m *RangeMap) Remove(id RangeID) {
	idx, ok := m.byID[id]
	if !ok {
		return
	}
	m.ranges = append(m.ranges[:idx], m.ranges[idx+1:]...)
	m.ids = append(m.ids[:idx], m.ids[idx+1:]...)
	delete(m.byID, id)
	for i := idx; i < len(m.ids); i++ {
		m.byID[m.ids[i]] = i
	}
}

// snapshot reads size bytes at addr via host into a fresh byte slice.
func snapshot(h Host, addr SourceAddress, size int64) ([]byte, error) {
	buf := make([]byte, size)
	if err := h.ReadAt(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// findDedupTwin looks for an existing chunk with byte-identical
// contents to data, returning its ChunkID if found.
func (m *RangeMap) findDedupTwin(data []byte) (ChunkID, bool) {
	if !m.dedupEnabled {
		return 0, false
	}
	h := farm.Hash64(data)
	for _, rid := range m.hashes[h] {
		idx, ok := m.byID[rid]
		if !ok {
			continue
		}
		c := m.buf.Chunk(m.ranges[idx].Chunk)
		if c != nil && string(c.data) == string(data) {
			return m.ranges[idx].Chunk, true
		}
	}
	return 0, false
}

func (m *RangeMap) recordHash(id RangeID, data []byte) {
	if !m.dedupEnabled {
		return
	}
	h := farm.Hash64(data)
	m.hashes[h] = append(m.hashes[h], id)
}

// AcquireRangeFor is the RangeMap's algorithmic center: it ensures a
// Range (possibly several, stitched from gaps) covers [addr, addr+size)
// and returns the Range containing addr. It is the only routine that
// snapshots source memory; every higher-level recipe verb calls it
// (directly or via the Walker).
func (m *RangeMap) AcquireRangeFor(h Host, addr SourceAddress, size int64) (RangeID, error) {
	end := addr.Add(size)
	firstID, firstIdx, ok := m.FindFirstOverlap(addr, end)
	if !ok {
		return m.acquireNoOverlap(h, addr, end)
	}
	return m.acquireWithOverlap(h, addr, end, firstID, firstIdx)
}

func (m *RangeMap) acquireNoOverlap(h Host, addr, end SourceAddress) (RangeID, error) {
	size := end.Sub(addr)
	data, err := snapshot(h, addr, size)
	if err != nil {
		return 0, err
	}
	// Place the new chunk adjacent (insertion-wise) to the chunk of the
	// nearest neighbor Range: before the successor if one exists, else
	// after the predecessor, else append. This is what lets the
	// assembler lay out source-contiguous regions as one contiguous
	// payload span.
	idx := m.search(addr)
	var cid ChunkID
	if twin, found := m.findDedupTwin(data); found {
		cid = twin
	} else if idx < len(m.ranges) {
		cid, err = m.buf.InsertBefore(m.ranges[idx].Chunk, data)
	} else if idx > 0 {
		cid, err = m.buf.InsertAfter(m.ranges[idx-1].Chunk, data)
	} else {
		cid, err = m.buf.Append(data)
	}
	if err != nil {
		return 0, err
	}
	r := Range{Start: addr, End: end, Chunk: cid}
	id := m.Insert(r)
	m.recordHash(id, data)
	return id, nil
}

func (m *RangeMap) acquireWithOverlap(h Host, addr, end SourceAddress, firstID RangeID, firstIdx int) (RangeID, error) {
	p := addr
	curID, curIdx := firstID, firstIdx
	first := true
	var firstReturned RangeID

	for {
		cur, _ := m.Get(curID)
		if p < cur.Start {
			// Gap [p, cur.Start) inside the query: synthesize a Range
			// over it, chunk inserted before the existing range's chunk.
			gapSize := cur.Start.Sub(p)
			data, err := snapshot(h, p, gapSize)
			if err != nil {
				return 0, err
			}
			var cid ChunkID
			if twin, found := m.findDedupTwin(data); found {
				cid = twin
			} else {
				cid, err = m.buf.InsertBefore(cur.Chunk, data)
				if err != nil {
					return 0, err
				}
			}
			gr := Range{Start: p, End: cur.Start, Chunk: cid}
			gid := m.Insert(gr)
			m.recordHash(gid, data)
			// Re-fetch index of cur since insertion shifted the slice.
			curIdx, _ = m.byID[curID]
			if first {
				firstReturned = gid
				first = false
			}
		}
		if first {
			firstReturned = curID
			first = false
		}
		p = cur.Start.Add(cur.size())
		if p >= end {
			return firstReturned, nil
		}
		nextID, nextIdx, ok := m.FindNextOverlap(curIdx, p, end)
		if !ok {
			break
		}
		curID, curIdx = nextID, nextIdx
	}

	// Trailing gap beyond the last overlap.
	lastRange, _ := m.Get(curID)
	if p < end {
		data, err := snapshot(h, p, end.Sub(p))
		if err != nil {
			return 0, err
		}
		var cid ChunkID
		if twin, found := m.findDedupTwin(data); found {
			cid = twin
		} else {
			cid, err = m.buf.InsertAfter(lastRange.Chunk, data)
			if err != nil {
				return 0, err
			}
		}
		tr := Range{Start: p, End: end, Chunk: cid}
		tid := m.Insert(tr)
		m.recordHash(tid, data)
	}
	return firstReturned, nil
}

// Fragments walks the RangeMap in address order and coalesces
// source-address-contiguous Ranges (prev.End == next.Start) into
// fragments, returning, for each fragment in address order, the
// RangeIDs of all the Ranges it covers.
func (m *RangeMap) Fragments() [][]RangeID {
	var frags [][]RangeID
	var cur []RangeID
	for i, r := range m.ranges {
		if i > 0 && m.ranges[i-1].End != r.Start {
			frags = append(frags, cur)
			cur = nil
		}
		cur = append(cur, m.ids[i])
	}
	if len(cur) > 0 {
		frags = append(frags, cur)
	}
	return frags
}

// Len returns the number of ranges currently tracked.
func (m *RangeMap) Len() int { return len(m.ranges) }

// All returns every Range in address order along with its id.
func (m *RangeMap) All() []struct {
	ID RangeID
	R  Range
} {
	out := make([]struct {
		ID RangeID
		R  Range
	}, len(m.ranges))
	for i, r := range m.ranges {
		out[i].ID = m.ids[i]
		out[i].R = r
	}
	return out
}
