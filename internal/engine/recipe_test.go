package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlainCapturesBytesOnly(t *testing.T) {
	h := newMemHost()
	h.put(100, []byte("plain-bytes"))
	e := New(h, 1<<20, Config{}, false)

	c, err := e.Plain(100, 11)
	require.NoError(t, err)
	require.Equal(t, SourceAddress(100), c.Addr)
	require.Equal(t, 1, e.Ranges.Len())
}

func TestStructIteratesElements(t *testing.T) {
	h := newMemHost()
	data := make([]byte, 32) // 4 elements of 8 bytes
	for i := range data {
		data[i] = byte(i)
	}
	h.put(0, data)
	e := New(h, 1<<20, Config{}, false)

	var seen []SourceAddress
	err := e.Struct(0, 8, 4, func(c Cursor) error {
		seen = append(seen, c.Addr)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []SourceAddress{0, 8, 16, 24}, seen)
}

func TestStructOverflowRejected(t *testing.T) {
	h := newMemHost()
	e := New(h, 1<<20, Config{}, false)
	err := e.Struct(0, 1<<40, 1<<40, func(Cursor) error { return nil })
	require.Error(t, err)
	var of *OverflowError
	require.ErrorAs(t, err, &of)
}

func TestAggregateStringFullyReadable(t *testing.T) {
	h := newMemHost()
	strAddr := h.put(500, []byte("hello\x00"))
	ptrSite := make([]byte, 8)
	putU64LE(ptrSite, uint64(strAddr))
	h.put(0, ptrSite)

	e := New(h, 1<<20, Config{}, false)
	require.NoError(t, e.ForRoot(0, "root", 8, func(c Cursor) error {
		return c.AggregateString(0)
	}))

	sites := e.Fixups.DataSites()
	require.Len(t, sites, 1)
	rng, _ := e.Ranges.Get(sites[0].Target.TargetRange)
	require.Equal(t, int64(6), rng.End.Sub(rng.Start)) // "hello\0"
}

func TestAggregateStringNilPointerSkipped(t *testing.T) {
	h := newMemHost()
	ptrSite := make([]byte, 8) // all zero -> nil pointer
	h.put(0, ptrSite)

	e := New(h, 1<<20, Config{}, false)
	require.NoError(t, e.ForRoot(0, "root", 8, func(c Cursor) error {
		return c.AggregateString(0)
	}))
	require.Empty(t, e.Fixups.DataSites())
}

func TestAggregateFunctionPointerResolved(t *testing.T) {
	h := newMemHost()
	fnAddr := h.putFunc(0xF00D, "myFunc")
	ptrSite := make([]byte, 8)
	putU64LE(ptrSite, uint64(fnAddr))
	h.put(0, ptrSite)

	e := New(h, 1<<20, Config{}, false)
	require.NoError(t, e.ForRoot(0, "root", 8, func(c Cursor) error {
		return c.AggregateFunctionPointer(0)
	}))

	funcSites := e.Fixups.FuncSites()
	require.Len(t, funcSites, 1)
	require.Equal(t, fnAddr, funcSites[0].Target.FuncAddr)
}

func TestAggregateFunctionPointerNonExecutableSkipped(t *testing.T) {
	h := newMemHost()
	ptrSite := make([]byte, 8)
	putU64LE(ptrSite, 0x1234) // never registered as a func
	h.put(0, ptrSite)

	e := New(h, 1<<20, Config{}, false)
	require.NoError(t, e.ForRoot(0, "root", 8, func(c Cursor) error {
		return c.AggregateFunctionPointer(0)
	}))
	require.Empty(t, e.Fixups.FuncSites())
}

func TestStructShiftedAdjustsTarget(t *testing.T) {
	h := newMemHost()
	// Outer struct starts at 1000; embedded field the pointer names is at
	// 1000+24 (shift=24).
	outer := make([]byte, 32)
	h.put(1000, outer)

	ptrSite := make([]byte, 8)
	putU64LE(ptrSite, uint64(1024)) // points into the middle of outer
	h.put(0, ptrSite)

	e := New(h, 1<<20, Config{}, false)
	require.NoError(t, e.ForRoot(0, "root", 8, func(c Cursor) error {
		return c.StructShifted(0, 32, 24, nil)
	}))

	sites := e.Fixups.DataSites()
	require.Len(t, sites, 1)
	rng, _ := e.Ranges.Get(sites[0].Target.TargetRange)
	require.Equal(t, SourceAddress(1000), rng.Start)
}

func TestStructFlexibleUsesHostBounds(t *testing.T) {
	h := newMemHost()
	obj := h.putObject(2000, make([]byte, 40))
	ptrSite := make([]byte, 8)
	putU64LE(ptrSite, uint64(obj))
	h.put(0, ptrSite)

	e := New(h, 1<<20, Config{}, false)
	require.NoError(t, e.ForRoot(0, "root", 8, func(c Cursor) error {
		return c.StructFlexible(0, nil)
	}))

	sites := e.Fixups.DataSites()
	require.Len(t, sites, 1)
	rng, _ := e.Ranges.Get(sites[0].Target.TargetRange)
	require.Equal(t, int64(40), rng.End.Sub(rng.Start))
}

func TestStorageValidatesInlineField(t *testing.T) {
	h := newMemHost()
	h.put(0, make([]byte, 16))
	e := New(h, 1<<20, Config{}, false)
	require.NoError(t, e.ForRoot(0, "root", 16, func(c Cursor) error {
		return c.Storage(4, 8)
	}))
}

func TestStorageOutOfBoundsFails(t *testing.T) {
	h := newMemHost()
	h.put(0, make([]byte, 4))
	e := New(h, 1<<20, Config{}, false)
	err := e.ForRoot(0, "root", 4, func(c Cursor) error {
		return c.Storage(0, 100)
	})
	require.Error(t, err)
}

func TestEmbeddedPointerAppliesPreAndRecordsPost(t *testing.T) {
	h := newMemHost()
	target := h.put(3000, make([]byte, 8))
	ptrSite := make([]byte, 8)
	// tag the low bit to simulate a colored pointer
	putU64LE(ptrSite, uint64(target)|1)
	h.put(0, ptrSite)

	pre := func(raw SourceAddress) SourceAddress { return SourceAddress(uint64(raw) &^ 1) }
	postCalled := false
	post := func(off PayloadOffset) PayloadOffset {
		postCalled = true
		return off
	}

	e := New(h, 1<<20, Config{}, false)
	require.NoError(t, e.ForRoot(0, "root", 8, func(c Cursor) error {
		return c.EmbeddedPointer(0, 8, pre, post, nil)
	}))

	sites := e.Fixups.DataSites()
	require.Len(t, sites, 1)
	rng, _ := e.Ranges.Get(sites[0].Target.TargetRange)
	require.Equal(t, SourceAddress(3000), rng.Start)

	pc, ok := e.PostConvertFor(sites[0].SiteAddr)
	require.True(t, ok)
	pc(0)
	require.True(t, postCalled)
}

func TestForeachPointerVisitsEachSlot(t *testing.T) {
	h := newMemHost()
	const n = 3
	targets := []SourceAddress{100, 200, 300}
	arr := make([]byte, 8*n)
	for i, tgt := range targets {
		h.put(tgt, make([]byte, 8))
		putU64LE(arr[i*8:i*8+8], uint64(tgt))
	}
	h.put(0, arr)

	e := New(h, 1<<20, Config{}, false)
	require.NoError(t, e.ForRoot(0, "root", int64(len(arr)), func(c Cursor) error {
		return c.ForeachPointer(0, n, 8, nil)
	}))

	require.Len(t, e.Fixups.DataSites(), n)
}

func TestSpecializeInvokesBody(t *testing.T) {
	h := newMemHost()
	h.put(0, make([]byte, 8))
	e := New(h, 1<<20, Config{}, false)
	called := false
	require.NoError(t, e.ForRoot(0, "root", 8, func(c Cursor) error {
		return c.Specialize("tag", func(Cursor) error {
			called = true
			return nil
		})
	}))
	require.True(t, called)
}
