package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newRangeMapFixture(dedup bool) (*memHost, *RangeMap) {
	h := newMemHost()
	rm := NewRangeMap(NewByteBuffer(NewLinearArena(1<<20)), dedup)
	return h, rm
}

func TestAcquireRangeForNoOverlap(t *testing.T) {
	h, rm := newRangeMapFixture(false)
	h.put(100, []byte("abcd"))
	id, err := rm.AcquireRangeFor(h, 100, 4)
	require.NoError(t, err)
	r, ok := rm.Get(id)
	require.True(t, ok)
	require.Equal(t, SourceAddress(100), r.Start)
	require.Equal(t, SourceAddress(104), r.End)
}

func TestAcquireRangeForExactRepeat(t *testing.T) {
	h, rm := newRangeMapFixture(false)
	h.put(100, []byte("abcd"))
	id1, err := rm.AcquireRangeFor(h, 100, 4)
	require.NoError(t, err)
	id2, err := rm.AcquireRangeFor(h, 100, 4)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	require.Equal(t, 1, rm.Len())
}

func TestAcquireRangeForGapBetweenRanges(t *testing.T) {
	h, rm := newRangeMapFixture(false)
	data := []byte("0123456789")
	h.put(0, data)
	_, err := rm.AcquireRangeFor(h, 0, 2) // [0,2)
	require.NoError(t, err)
	_, err = rm.AcquireRangeFor(h, 8, 2) // [8,10)
	require.NoError(t, err)
	// Now request the whole span, forcing the gap [2,8) to be synthesized.
	id, err := rm.AcquireRangeFor(h, 0, 10)
	require.NoError(t, err)
	r, ok := rm.Get(id)
	require.True(t, ok)
	require.Equal(t, SourceAddress(0), r.Start)
	require.Equal(t, 3, rm.Len())
}

func TestAcquireRangeForTrailingGap(t *testing.T) {
	h, rm := newRangeMapFixture(false)
	data := []byte("0123456789")
	h.put(0, data)
	_, err := rm.AcquireRangeFor(h, 0, 4) // [0,4)
	require.NoError(t, err)
	_, err = rm.AcquireRangeFor(h, 0, 10) // extends past into trailing gap [4,10)
	require.NoError(t, err)
	require.Equal(t, 2, rm.Len())
}

func TestAcquireRangeForDedup(t *testing.T) {
	h, rm := newRangeMapFixture(true)
	h.put(0, []byte("aaaa"))
	h.put(100, []byte("aaaa"))
	id1, err := rm.AcquireRangeFor(h, 0, 4)
	require.NoError(t, err)
	id2, err := rm.AcquireRangeFor(h, 100, 4)
	require.NoError(t, err)
	r1, _ := rm.Get(id1)
	r2, _ := rm.Get(id2)
	require.Equal(t, r1.Chunk, r2.Chunk)
}

func TestAcquireRangeForNoDedupWhenDisabled(t *testing.T) {
	h, rm := newRangeMapFixture(false)
	h.put(0, []byte("aaaa"))
	h.put(100, []byte("aaaa"))
	id1, err := rm.AcquireRangeFor(h, 0, 4)
	require.NoError(t, err)
	id2, err := rm.AcquireRangeFor(h, 100, 4)
	require.NoError(t, err)
	r1, _ := rm.Get(id1)
	r2, _ := rm.Get(id2)
	require.NotEqual(t, r1.Chunk, r2.Chunk)
}

func TestRangeMapFragments(t *testing.T) {
	h, rm := newRangeMapFixture(false)
	data := []byte("0123456789")
	h.put(0, data)
	_, err := rm.AcquireRangeFor(h, 0, 4)
	require.NoError(t, err)
	_, err = rm.AcquireRangeFor(h, 6, 4) // leaves a gap [4,6) unfilled
	require.NoError(t, err)

	frags := rm.Fragments()
	require.Len(t, frags, 2)
}

func TestAcquireRangeForUnreadable(t *testing.T) {
	h, rm := newRangeMapFixture(false)
	_, err := rm.AcquireRangeFor(h, 0, 4)
	require.Error(t, err)
}
