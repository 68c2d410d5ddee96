package goflat

import (
	"bytes"
	"io"
	"testing"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func simpleChainHost() (*memHost, SourceAddress) {
	h := newMemHost()
	n2 := h.put(2000, []byte("leaf-bytes-here"))
	buf := make([]byte, 8)
	putU64LE(buf, uint64(n2))
	n1 := h.put(1000, buf)
	return h, n1
}

func chainBody(c Cursor) error {
	return c.AggregateStruct(0, 15, func(Cursor) error { return nil })
}

func TestEngineForRootAndWriteProducesImage(t *testing.T) {
	h, root := simpleChainHost()
	eng := New(h)
	require.NoError(t, eng.ForRoot(root, "head", 8, chainBody))
	require.NoError(t, eng.Err())

	var buf bytes.Buffer
	require.NoError(t, eng.Write(&buf))
	require.Greater(t, buf.Len(), 0)
}

func TestEngineWriteFailsAfterForRootError(t *testing.T) {
	h, root := simpleChainHost()
	eng := New(h)
	require.NoError(t, eng.ForRoot(root, "head", 8, chainBody))
	err := eng.ForRoot(root, "head", 8, chainBody) // duplicate name
	require.Error(t, err)
	require.Equal(t, err, eng.Err())

	var buf bytes.Buffer
	writeErr := eng.Write(&buf)
	require.Error(t, writeErr)
}

func TestEngineCompressionZstdRoundTrip(t *testing.T) {
	h1, root1 := simpleChainHost()
	e1 := New(h1)
	require.NoError(t, e1.ForRoot(root1, "head", 8, chainBody))
	var raw bytes.Buffer
	require.NoError(t, e1.Write(&raw))

	h2, root2 := simpleChainHost()
	e2 := New(h2, WithCompression(CodecZstd))
	require.NoError(t, e2.ForRoot(root2, "head", 8, chainBody))
	var compressed bytes.Buffer
	require.NoError(t, e2.Write(&compressed))

	body := compressed.Bytes()
	require.Equal(t, byte(CodecZstd), body[0])

	dec, err := zstd.NewReader(bytes.NewReader(body[1:]))
	require.NoError(t, err)
	defer dec.Close()
	decompressed, err := io.ReadAll(dec)
	require.NoError(t, err)
	require.Equal(t, raw.Bytes(), decompressed)
}

func TestEngineCompressionSnappyRoundTrip(t *testing.T) {
	h1, root1 := simpleChainHost()
	e1 := New(h1)
	require.NoError(t, e1.ForRoot(root1, "head", 8, chainBody))
	var raw bytes.Buffer
	require.NoError(t, e1.Write(&raw))

	h2, root2 := simpleChainHost()
	e2 := New(h2, WithCompression(CodecSnappy))
	require.NoError(t, e2.ForRoot(root2, "head", 8, chainBody))
	var compressed bytes.Buffer
	require.NoError(t, e2.Write(&compressed))

	body := compressed.Bytes()
	require.Equal(t, byte(CodecSnappy), body[0])

	decompressed, err := io.ReadAll(snappy.NewReader(bytes.NewReader(body[1:])))
	require.NoError(t, err)
	require.Equal(t, raw.Bytes(), decompressed)
}

func TestEngineDedupShrinksImageForDuplicateContent(t *testing.T) {
	buildHost := func() (*memHost, SourceAddress) {
		h := newMemHost()
		payload := bytes.Repeat([]byte("Z"), 256)
		s1 := h.put(1000, payload)
		s2 := h.put(2000, payload)
		buf := make([]byte, 16)
		putU64LE(buf[0:8], uint64(s1))
		putU64LE(buf[8:16], uint64(s2))
		root := h.put(0, buf)
		return h, root
	}
	body := func(c Cursor) error {
		if err := c.AggregateStruct(0, 256, nil); err != nil {
			return err
		}
		return c.AggregateStruct(8, 256, nil)
	}

	hNoDedup, rootNoDedup := buildHost()
	eNoDedup := New(hNoDedup)
	require.NoError(t, eNoDedup.ForRoot(rootNoDedup, "root", 16, body))
	var noDedupBuf bytes.Buffer
	require.NoError(t, eNoDedup.Write(&noDedupBuf))

	hDedup, rootDedup := buildHost()
	eDedup := New(hDedup, WithDedup(true))
	require.NoError(t, eDedup.ForRoot(rootDedup, "root", 16, body))
	var dedupBuf bytes.Buffer
	require.NoError(t, eDedup.Write(&dedupBuf))

	require.Less(t, dedupBuf.Len(), noDedupBuf.Len())
}
