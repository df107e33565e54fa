package jobqueue

import "errors"

var (
	// ErrLeaseNotFound is returned when a lease id no longer identifies a
	// held lease (expired and reaped, completed, or never issued).
	ErrLeaseNotFound = errors.New("lease not found")

	// ErrJobNotFound is returned by lookups for unknown job ids.
	ErrJobNotFound = errors.New("job not found")

	// ErrUnknownKind is returned when a producer submits a kind outside the
	// canonical scan/analyze/metadata/index/image set.
	ErrUnknownKind = errors.New("unknown job kind")

	// ErrInvalidPriority is returned for priorities outside 0..3.
	ErrInvalidPriority = errors.New("priority out of range")

	// ErrLibraryNotFound is returned when enqueueing against a library id
	// that has no row.
	ErrLibraryNotFound = errors.New("library not found")
)
