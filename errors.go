package goflat

import "github.com/grailbio-labs/goflat/internal/engine"

// Error kinds, and FixupTargetKind, are aliases for internal/engine's
// canonical definitions (same reasoning as address.go/host.go: the
// engine implementation and its public facade need to share these
// types, and internal/engine cannot import this package back without
// creating a cycle).
//
// Engine-side kinds are returned wrapped in the engine's single sticky
// error slot (see Engine.Err); the loader returns these directly,
// without any sticky state.

// FixupTargetKind discriminates the kind of target recorded at a
// FixupSite.
type FixupTargetKind = engine.FixupTargetKind

const (
	TargetUnresolved = engine.TargetUnresolved
	TargetData       = engine.TargetData
	TargetFunction   = engine.TargetFunction
)

// OutOfMemoryError reports that the LinearArena or host allocator
// refused an allocation.
type OutOfMemoryError = engine.OutOfMemoryError

// AddressUnreadableError reports that the Host rejected a required
// access.
type AddressUnreadableError = engine.AddressUnreadableError

// InvalidAlignmentError reports a Chunk alignment request that is not a
// power of two, or exceeds the maximum of 128.
type InvalidAlignmentError = engine.InvalidAlignmentError

// FixupConflictError reports two incompatible targets proposed for the
// same absolute source address.
type FixupConflictError = engine.FixupConflictError

// InvariantViolatedError reports an internal consistency check failure,
// e.g. a reservation address that does not match its pointer site.
type InvariantViolatedError = engine.InvariantViolatedError

// TimeoutError reports that the Walker's wall-clock budget (max_time)
// was exhausted before the work queue drained.
type TimeoutError = engine.TimeoutError

// OverflowError reports that a size computation would wrap a machine
// word.
type OverflowError = engine.OverflowError

// AlreadyExistsError reports a duplicate root name, or a repeated
// non-forcing fixup/reservation at a site that already has one.
type AlreadyExistsError = engine.AlreadyExistsError

// Loader-side error kinds.

// TruncatedImageError reports that the image file is shorter than its
// own header claims.
type TruncatedImageError = engine.TruncatedImageError

// InvalidMagicError reports a header magic mismatch.
type InvalidMagicError = engine.InvalidMagicError

// UnsupportedVersionError reports an image format version this loader
// cannot read.
type UnsupportedVersionError = engine.UnsupportedVersionError

// MemoryFragmentDoesNotFitError reports a fragment index entry that
// extends past the payload.
type MemoryFragmentDoesNotFitError = engine.MemoryFragmentDoesNotFitError

// InvalidFixLocationError reports a data-fixup offset outside the
// payload.
type InvalidFixLocationError = engine.InvalidFixLocationError

// InvalidFixDestinationError reports a fixup whose recorded target
// offset is outside the payload.
type InvalidFixDestinationError = engine.InvalidFixDestinationError

// MemorySizeBiggerThanImageError reports that the header's declared
// section sizes sum to more than the image's total size.
type MemorySizeBiggerThanImageError = engine.MemorySizeBiggerThanImageError

// FileLockedError reports that the image file's advisory lock could not
// be acquired in the requested mode.
type FileLockedError = engine.FileLockedError

// UnexpectedOpenModeError reports that the requested open strategy is
// incompatible with the image file's recorded state.
type UnexpectedOpenModeError = engine.UnexpectedOpenModeError
