package engine

import "fmt"

// Engine-side error kinds. All of them are returned wrapped in the
// engine's single sticky error slot (see Engine.Err); the loader returns
// these directly, without any sticky state.

// OutOfMemoryError reports that the LinearArena or host allocator
// refused an allocation.
type OutOfMemoryError struct {
	Requested int64
	Available int64
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("goflat: out of memory: requested %d, %d available", e.Requested, e.Available)
}

// AddressUnreadableError reports that the Host rejected a required
// access.
type AddressUnreadableError struct {
	Addr SourceAddress
	Size int64
}

func (e *AddressUnreadableError) Error() string {
	return fmt.Sprintf("goflat: address %s (size %d) is not readable", e.Addr, e.Size)
}

// InvalidAlignmentError reports a Chunk alignment request that is not a
// power of two, or exceeds the maximum of 128.
type InvalidAlignmentError struct {
	Alignment uint32
}

func (e *InvalidAlignmentError) Error() string {
	return fmt.Sprintf("goflat: invalid alignment %d (must be a power of two, <= 128)", e.Alignment)
}

// FixupTargetKind discriminates the kind of target recorded at a
// FixupSite.
type FixupTargetKind uint8

const (
	// TargetUnresolved marks a reservation: a pointer site known to
	// exist but not yet resolved to a target.
	TargetUnresolved FixupTargetKind = iota
	// TargetData marks a data pointer resolving to another Range.
	TargetData
	// TargetFunction marks a function pointer resolving to a code
	// address, which the loader resolves by symbol name.
	TargetFunction
)

func (k FixupTargetKind) String() string {
	switch k {
	case TargetUnresolved:
		return "unresolved"
	case TargetData:
		return "data"
	case TargetFunction:
		return "function"
	default:
		return "unknown"
	}
}

// FixupConflictError reports two incompatible targets proposed for the
// same absolute source address.
type FixupConflictError struct {
	Addr     SourceAddress
	Existing FixupTargetKind
	New      FixupTargetKind
}

func (e *FixupConflictError) Error() string {
	return fmt.Sprintf("goflat: conflicting fixups at %s: existing=%s new=%s", e.Addr, e.Existing, e.New)
}

// InvariantViolatedError reports an internal consistency check failure,
// e.g. a reservation address that does not match its pointer site.
type InvariantViolatedError struct {
	Reason string
}

func (e *InvariantViolatedError) Error() string {
	return "goflat: invariant violated: " + e.Reason
}

// TimeoutError reports that the Walker's wall-clock budget (max_time)
// was exhausted before the work queue drained.
type TimeoutError struct {
	ElapsedMillis int64
	BudgetMillis  int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("goflat: timeout: elapsed %dms exceeds budget %dms", e.ElapsedMillis, e.BudgetMillis)
}

// OverflowError reports that a size computation would wrap a machine
// word.
type OverflowError struct {
	Op string
}

func (e *OverflowError) Error() string {
	return "goflat: arithmetic overflow in " + e.Op
}

// AlreadyExistsError reports a duplicate root name, or a repeated
// non-forcing fixup/reservation at a site that already has one.
type AlreadyExistsError struct {
	What string
}

func (e *AlreadyExistsError) Error() string {
	return "goflat: already exists: " + e.What
}

// Loader-side error kinds.

// TruncatedImageError reports that the image file is shorter than its
// own header claims.
type TruncatedImageError struct {
	Want, Got int64
}

func (e *TruncatedImageError) Error() string {
	return fmt.Sprintf("goflat: truncated image: want at least %d bytes, got %d", e.Want, e.Got)
}

// InvalidMagicError reports a header magic mismatch.
type InvalidMagicError struct {
	Got uint64
}

func (e *InvalidMagicError) Error() string {
	return fmt.Sprintf("goflat: invalid magic 0x%x", e.Got)
}

// UnsupportedVersionError reports an image format version this loader
// cannot read.
type UnsupportedVersionError struct {
	Got uint32
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("goflat: unsupported image version %d", e.Got)
}

// MemoryFragmentDoesNotFitError reports a fragment index entry that
// extends past the payload.
type MemoryFragmentDoesNotFitError struct {
	Index int
}

func (e *MemoryFragmentDoesNotFitError) Error() string {
	return fmt.Sprintf("goflat: memory fragment %d does not fit within the payload", e.Index)
}

// InvalidFixLocationError reports a data-fixup offset outside the
// payload.
type InvalidFixLocationError struct {
	Offset int64
}

func (e *InvalidFixLocationError) Error() string {
	return fmt.Sprintf("goflat: invalid fixup location at offset %d", e.Offset)
}

// InvalidFixDestinationError reports a fixup whose recorded target
// offset is outside the payload.
type InvalidFixDestinationError struct {
	Offset int64
}

func (e *InvalidFixDestinationError) Error() string {
	return fmt.Sprintf("goflat: invalid fixup destination at offset %d", e.Offset)
}

// MemorySizeBiggerThanImageError reports that the header's declared
// section sizes sum to more than the image's total size.
type MemorySizeBiggerThanImageError struct {
	SectionTotal, ImageSize int64
}

func (e *MemorySizeBiggerThanImageError) Error() string {
	return fmt.Sprintf("goflat: declared sections total %d bytes, larger than image size %d", e.SectionTotal, e.ImageSize)
}

// FileLockedError reports that the image file's advisory lock could not
// be acquired in the requested mode.
type FileLockedError struct {
	Path string
}

func (e *FileLockedError) Error() string {
	return "goflat: file locked: " + e.Path
}

// UnexpectedOpenModeError reports that the requested open strategy is
// incompatible with the image file's recorded state.
type UnexpectedOpenModeError struct {
	Want, Got string
}

func (e *UnexpectedOpenModeError) Error() string {
	return fmt.Sprintf("goflat: unexpected open mode: want %s, file is %s", e.Want, e.Got)
}
