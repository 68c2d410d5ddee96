package loader_test

import "github.com/grailbio-labs/goflat"

// memHost is a deterministic, in-process Host fixture shared by the
// loader package's round-trip tests.

type memRegion struct {
	start goflat.SourceAddress
	data  []byte
}

type memObject struct {
	start, end goflat.SourceAddress
}

type memHost struct {
	regions []memRegion
	objects map[goflat.SourceAddress]memObject
	funcs   map[goflat.SourceAddress]string
}

func newMemHost() *memHost {
	return &memHost{
		objects: make(map[goflat.SourceAddress]memObject),
		funcs:   make(map[goflat.SourceAddress]string),
	}
}

func (h *memHost) put(addr goflat.SourceAddress, data []byte) goflat.SourceAddress {
	cp := make([]byte, len(data))
	copy(cp, data)
	h.regions = append(h.regions, memRegion{start: addr, data: cp})
	return addr
}

func (h *memHost) putFunc(addr goflat.SourceAddress, name string) goflat.SourceAddress {
	h.funcs[addr] = name
	return addr
}

func (h *memHost) find(addr goflat.SourceAddress) (memRegion, bool) {
	for _, r := range h.regions {
		if addr >= r.start && addr < r.start.Add(int64(len(r.data))) {
			return r, true
		}
	}
	return memRegion{}, false
}

func (h *memHost) AddrValid(addr goflat.SourceAddress) bool {
	_, ok := h.find(addr)
	return ok
}

func (h *memHost) AddrRangeValid(addr goflat.SourceAddress, n int64) bool {
	if n <= 0 {
		return n == 0 && h.AddrValid(addr)
	}
	r, ok := h.find(addr)
	if !ok {
		return false
	}
	off := addr.Sub(r.start)
	return off >= 0 && off+n <= int64(len(r.data))
}

func (h *memHost) TextAddrValid(addr goflat.SourceAddress) bool {
	_, ok := h.funcs[addr]
	return ok
}

func (h *memHost) StringValidLen(addr goflat.SourceAddress) int64 {
	r, ok := h.find(addr)
	if !ok {
		return 0
	}
	off := addr.Sub(r.start)
	if off < 0 || off >= int64(len(r.data)) {
		return 0
	}
	for i := off; i < int64(len(r.data)); i++ {
		if r.data[i] == 0 {
			return i - off + 1
		}
	}
	return int64(len(r.data)) - off
}

func (h *memHost) ReadAt(addr goflat.SourceAddress, buf []byte) error {
	r, ok := h.find(addr)
	if !ok {
		return &goflat.AddressUnreadableError{Addr: addr, Size: int64(len(buf))}
	}
	off := addr.Sub(r.start)
	if off < 0 || off+int64(len(buf)) > int64(len(r.data)) {
		return &goflat.AddressUnreadableError{Addr: addr, Size: int64(len(buf))}
	}
	copy(buf, r.data[off:off+int64(len(buf))])
	return nil
}

func (h *memHost) GetObject(p goflat.SourceAddress) (goflat.SourceAddress, goflat.SourceAddress, bool) {
	o, ok := h.objects[p]
	if !ok {
		return 0, 0, false
	}
	return o.start, o.end, true
}

func (h *memHost) FuncToName(addr goflat.SourceAddress) (string, bool) {
	name, ok := h.funcs[addr]
	return name, ok
}

func putU64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getU64LE(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
