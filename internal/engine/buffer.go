package engine

import (
	"container/list"
	"io"
	"math/bits"
)

// ChunkID identifies a Chunk within a ByteBuffer. Chunks are referenced
// by this handle everywhere else in the engine (RangeMap, FixupMap)
// rather than by pointer, so that the object graph the engine builds up
// internally never itself forms a pointer cycle.
type ChunkID uint32

// Chunk is a contiguous byte buffer with a mutable alignment requirement
// and an image_offset assigned during assembly.
type Chunk struct {
	data      []byte
	alignment uint32 // power of two, default 1
	offset    int64  // assigned by assign_offsets; -1 until then
	padding   bool   // true for chunks synthesized purely to pad alignment
}

// Bytes returns the chunk's backing bytes. Callers may mutate them in
// place (e.g. the assembler's pointer-site rewrite pass).
func (c *Chunk) Bytes() []byte { return c.data }

// Size returns the number of bytes in the chunk.
func (c *Chunk) Size() int64 { return int64(len(c.data)) }

// Offset returns the chunk's assigned payload offset, or -1 if
// assign_offsets has not yet run.
func (c *Chunk) Offset() int64 { return c.offset }

// SetAlignment sets the chunk's alignment requirement. align must be a
// power of two no greater than 128.
func (c *Chunk) SetAlignment(align uint32) error {
	if align == 0 || (align&(align-1)) != 0 || align > 128 {
		return &InvalidAlignmentError{Alignment: align}
	}
	c.alignment = align
	return nil
}

// ByteBuffer is an ordered list of Chunks, doubly linked so that a new
// Chunk can be spliced in before or after any existing one in O(1).
type ByteBuffer struct {
	chunks *list.List // of *Chunk
	byID   map[ChunkID]*list.Element
	nextID ChunkID
	total  int64
	arena  *LinearArena
}

// NewByteBuffer creates an empty ByteBuffer backed by arena for capacity
// accounting.
func NewByteBuffer(arena *LinearArena) *ByteBuffer {
	return &ByteBuffer{
		chunks: list.New(),
		byID:   make(map[ChunkID]*list.Element),
		arena:  arena,
	}
}

func (b *ByteBuffer) newChunk(data []byte) *Chunk {
	cp := make([]byte, len(data))
	copy(cp, data)
	return &Chunk{data: cp, alignment: 1, offset: -1}
}

func (b *ByteBuffer) register(e *list.Element) ChunkID {
	id := b.nextID
	b.nextID++
	b.byID[id] = e
	return id
}

// Append adds a new chunk holding a copy of data at the tail of the
// buffer and returns its id.
func (b *ByteBuffer) Append(data []byte) (ChunkID, error) {
	if err := b.arena.Alloc(int64(len(data)), 1); err != nil {
		return 0, err
	}
	c := b.newChunk(data)
	e := b.chunks.PushBack(c)
	return b.register(e), nil
}

// InsertBefore splices a new chunk holding a copy of data immediately
// before ref.
func (b *ByteBuffer) InsertBefore(ref ChunkID, data []byte) (ChunkID, error) {
	refElem, ok := b.byID[ref]
	if !ok {
		return 0, &InvariantViolatedError{Reason: "InsertBefore: unknown chunk id"}
	}
	if err := b.arena.Alloc(int64(len(data)), 1); err != nil {
		return 0, err
	}
	c := b.newChunk(data)
	e := b.chunks.InsertBefore(c, refElem)
	return b.register(e), nil
}

// InsertAfter splices a new chunk holding a copy of data immediately
// after ref.
func (b *ByteBuffer) InsertAfter(ref ChunkID, data []byte) (ChunkID, error) {
	refElem, ok := b.byID[ref]
	if !ok {
		return 0, &InvariantViolatedError{Reason: "InsertAfter: unknown chunk id"}
	}
	if err := b.arena.Alloc(int64(len(data)), 1); err != nil {
		return 0, err
	}
	c := b.newChunk(data)
	e := b.chunks.InsertAfter(c, refElem)
	return b.register(e), nil
}

// Chunk returns the Chunk for id.
func (b *ByteBuffer) Chunk(id ChunkID) *Chunk {
	e, ok := b.byID[id]
	if !ok {
		return nil
	}
	return e.Value.(*Chunk)
}

// isPow2 reports whether n is a power of two.
func isPow2(n uint32) bool {
	return n != 0 && bits.OnesCount32(n) == 1
}

// AssignOffsets performs the single pass described in the spec: walk the
// chunks in order, inserting zero-filled padding chunks before any chunk
// whose alignment requirement the running offset doesn't satisfy, then
// stamp each chunk's image_offset and advance.
func (b *ByteBuffer) AssignOffsets() error {
	var offset int64
	for e := b.chunks.Front(); e != nil; e = e.Next() {
		c := e.Value.(*Chunk)
		if c.alignment > 128 || !isPow2(c.alignment) {
			return &InvalidAlignmentError{Alignment: c.alignment}
		}
		if c.alignment > 1 {
			aligned := alignUp(offset, int64(c.alignment))
			if aligned != offset {
				padLen := aligned - offset
				pad := &Chunk{data: make([]byte, padLen), alignment: 1, offset: offset, padding: true}
				b.chunks.InsertBefore(pad, e)
				offset = aligned
			}
		}
		c.offset = offset
		offset += c.Size()
	}
	b.total = offset
	return nil
}

// TotalSize returns the payload size computed by the last AssignOffsets
// call (0 before it has run).
func (b *ByteBuffer) TotalSize() int64 { return b.total }

// WriteAll writes every chunk, in buffer order, to w.
func (b *ByteBuffer) WriteAll(w io.Writer) error {
	for e := b.chunks.Front(); e != nil; e = e.Next() {
		c := e.Value.(*Chunk)
		if _, err := w.Write(c.data); err != nil {
			return err
		}
	}
	return nil
}

// Each calls fn for every chunk in buffer order, including synthesized
// padding chunks. Used by the assembler's pointer-rewrite pass
// (buildOffsetIndex).
func (b *ByteBuffer) Each(fn func(*Chunk)) {
	for e := b.chunks.Front(); e != nil; e = e.Next() {
		fn(e.Value.(*Chunk))
	}
}
