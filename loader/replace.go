package loader

import "encoding/binary"

// ReplaceVariable implements spec.md §4.I's replace_variable: every
// data-pointer site whose currently-fixed-up target falls inside
// [old, old+size) is rewritten to new+(target-old); any root pointer in
// that range is updated the same way. It returns the number of sites
// rewritten (including roots). Used to graft a live host object over a
// loaded read-only region.
func (l *Loader) ReplaceVariable(old, new uintptr, size int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	pb := l.payloadBytes()
	oldEnd := old + uintptr(size)
	count := 0

	for _, site := range l.dataSites {
		if site < 0 || site+8 > int64(len(pb)) {
			continue
		}
		cur := uintptr(binary.LittleEndian.Uint64(pb[site : site+8]))
		if cur < old || cur >= oldEnd {
			continue
		}
		repl := new + (cur - old)
		binary.LittleEndian.PutUint64(pb[site:site+8], uint64(repl))
		count++
	}

	for i := range l.roots {
		cur := l.roots[i].Addr
		if cur == 0 || cur < old || cur >= oldEnd {
			continue
		}
		l.roots[i].Addr = new + (cur - old)
		count++
	}

	return count
}
