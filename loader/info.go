package loader

// Info is a read-only summary of an opened image's header and table
// sizes, useful for inspection tools that don't need live root access.
type Info struct {
	Magic                 uint64
	Version               uint32
	ImageSize             int64
	MemorySize            int64
	PtrCount              int64
	FptrCount             int64
	RootAddrCount         int64
	RootAddrExtendedCount int64
	FragmentCount         int64
}

// Info summarizes the opened image's header.
func (l *Loader) Info() Info {
	return Info{
		Magic:                 l.header.Magic,
		Version:               l.header.Version,
		ImageSize:             int64(l.header.ImageSize),
		MemorySize:            int64(l.header.MemorySize),
		PtrCount:              int64(l.header.PtrCount),
		FptrCount:             int64(l.header.FptrCount),
		RootAddrCount:         int64(l.header.RootAddrCount),
		RootAddrExtendedCount: int64(l.header.RootAddrExtendedCount),
		FragmentCount:         int64(l.header.MCount),
	}
}

// RootCount returns the number of registered roots (named and
// anonymous).
func (l *Loader) RootCount() int { return len(l.roots) }
