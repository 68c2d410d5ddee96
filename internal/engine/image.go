package engine

import (
	"encoding/binary"
	"io"
)

// Magic is the fixed 8-byte image signature, the ASCII bytes "FLATTEN\0"
// packed little-endian into a uint64, exactly as spec.md §6 defines.
const Magic uint64 = 0x00_4e_45_54_54_41_4c_46

// Version is the on-disk format version this package reads and writes.
const Version uint32 = 2

// HeaderSize is the fixed byte size of the header section (the 8-byte
// magic, the 4-byte version and 4 bytes of padding, then 11 u64 fields).
const HeaderSize = 104

// Header mirrors the on-disk header exactly as laid out in spec.md §6.
// All multi-byte integers are written in the producing host's native
// byte order; this implementation always uses little-endian, matching
// the overwhelming majority of hosts this package targets (portability
// across byte order is an explicit Non-goal, spec.md §1).
type Header struct {
	Magic                 uint64
	Version               uint32
	LastLoadAddr          uint64
	LastMemAddr           uint64
	ImageSize             uint64
	MemorySize            uint64
	PtrCount              uint64
	FptrCount             uint64
	RootAddrCount         uint64
	RootAddrExtendedCount uint64
	RootAddrExtendedSize  uint64
	FptrMapSize           uint64
	MCount                uint64
}

// Encode writes h in the fixed 104-byte layout.
func (h *Header) Encode() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(b[0:], h.Magic)
	binary.LittleEndian.PutUint32(b[8:], h.Version)
	// b[12:16] padding, left zero.
	binary.LittleEndian.PutUint64(b[16:], h.LastLoadAddr)
	binary.LittleEndian.PutUint64(b[24:], h.LastMemAddr)
	binary.LittleEndian.PutUint64(b[32:], h.ImageSize)
	binary.LittleEndian.PutUint64(b[40:], h.MemorySize)
	binary.LittleEndian.PutUint64(b[48:], h.PtrCount)
	binary.LittleEndian.PutUint64(b[56:], h.FptrCount)
	binary.LittleEndian.PutUint64(b[64:], h.RootAddrCount)
	binary.LittleEndian.PutUint64(b[72:], h.RootAddrExtendedCount)
	binary.LittleEndian.PutUint64(b[80:], h.RootAddrExtendedSize)
	binary.LittleEndian.PutUint64(b[88:], h.FptrMapSize)
	binary.LittleEndian.PutUint64(b[96:], h.MCount)
	return b
}

// DecodeHeader parses a Header from the front of b, which must be at
// least HeaderSize bytes.
func DecodeHeader(b []byte) (*Header, error) {
	if len(b) < HeaderSize {
		return nil, &TruncatedImageError{Want: HeaderSize, Got: int64(len(b))}
	}
	h := &Header{
		Magic:                 binary.LittleEndian.Uint64(b[0:]),
		Version:               binary.LittleEndian.Uint32(b[8:]),
		LastLoadAddr:          binary.LittleEndian.Uint64(b[16:]),
		LastMemAddr:           binary.LittleEndian.Uint64(b[24:]),
		ImageSize:             binary.LittleEndian.Uint64(b[32:]),
		MemorySize:            binary.LittleEndian.Uint64(b[40:]),
		PtrCount:              binary.LittleEndian.Uint64(b[48:]),
		FptrCount:             binary.LittleEndian.Uint64(b[56:]),
		RootAddrCount:         binary.LittleEndian.Uint64(b[64:]),
		RootAddrExtendedCount: binary.LittleEndian.Uint64(b[72:]),
		RootAddrExtendedSize:  binary.LittleEndian.Uint64(b[80:]),
		FptrMapSize:           binary.LittleEndian.Uint64(b[88:]),
		MCount:                binary.LittleEndian.Uint64(b[96:]),
	}
	if h.Magic != Magic {
		return nil, &InvalidMagicError{Got: h.Magic}
	}
	if h.Version != Version {
		return nil, &UnsupportedVersionError{Got: h.Version}
	}
	return h, nil
}

func putU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// NamedRootEntry is the packed on-disk representation of a single named
// root: its padded name, sequence index, and declared size.
type NamedRootEntry struct {
	Name         string
	SeqIndex     uint64
	DeclaredSize uint64
}

// namePadded returns the name's length rounded up to a multiple of 8.
func namePadded(name string) int {
	n := len(name)
	return alignUpInt(n, 8)
}

func alignUpInt(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// EncodedSize returns the number of bytes this entry occupies on disk.
func (e NamedRootEntry) EncodedSize() int {
	return 8 + namePadded(e.Name) + 8 + 8
}

// WriteTo writes the packed entry: usize name_size_with_padding, name
// bytes, zero padding, usize index, usize declared_size.
func (e NamedRootEntry) WriteTo(w io.Writer) error {
	padded := namePadded(e.Name)
	if err := putU64(w, uint64(padded)); err != nil {
		return err
	}
	buf := make([]byte, padded)
	copy(buf, e.Name)
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if err := putU64(w, e.SeqIndex); err != nil {
		return err
	}
	return putU64(w, e.DeclaredSize)
}

// ReadNamedRootEntry reads one packed named-root entry from r.
func ReadNamedRootEntry(r io.Reader) (NamedRootEntry, error) {
	padded, err := readU64(r)
	if err != nil {
		return NamedRootEntry{}, err
	}
	buf := make([]byte, padded)
	if _, err := io.ReadFull(r, buf); err != nil {
		return NamedRootEntry{}, err
	}
	// Trim trailing NUL padding.
	end := len(buf)
	for end > 0 && buf[end-1] == 0 {
		end--
	}
	idx, err := readU64(r)
	if err != nil {
		return NamedRootEntry{}, err
	}
	size, err := readU64(r)
	if err != nil {
		return NamedRootEntry{}, err
	}
	return NamedRootEntry{Name: string(buf[:end]), SeqIndex: idx, DeclaredSize: size}, nil
}

// FragmentEntry is one (start_payload_offset, size) pair in the
// fragment index.
type FragmentEntry struct {
	Start PayloadOffset
	Size  int64
}

// FptrInfoEntry is one symbol entry in the function-pointer symbol
// table.
type FptrInfoEntry struct {
	PayloadOffset PayloadOffset
	Name          string
}
