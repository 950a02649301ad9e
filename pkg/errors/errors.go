// Package errors provides error wrapping utilities and the provisioning error taxonomy.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Error kinds. Match them with errors.Is.
var (
	ErrInvalidRequest        = stderrors.New("invalid request")
	ErrDiskNotFound          = stderrors.New("disk not found")
	ErrStyleConversionFailed = stderrors.New("partition style conversion failed")
	ErrPartitionCreateFailed = stderrors.New("partition create failed")
	ErrNoVolumeProduced      = stderrors.New("no volume produced")
	ErrAmbiguousVolumeMatch  = stderrors.New("ambiguous volume match")
	ErrUnsupportedFilesystem = stderrors.New("unsupported filesystem")
	ErrFormatFailed          = stderrors.New("format failed")
	ErrJobTimeout            = stderrors.New("job timed out")
	ErrBackendUnavailable    = stderrors.New("storage backend unavailable")
)

// kinds is ordered most specific first: an OpError matches both its own kind
// and the kind of its cause.
var kinds = []error{
	ErrDiskNotFound,
	ErrStyleConversionFailed,
	ErrPartitionCreateFailed,
	ErrNoVolumeProduced,
	ErrAmbiguousVolumeMatch,
	ErrUnsupportedFilesystem,
	ErrFormatFailed,
	ErrJobTimeout,
	ErrBackendUnavailable,
	ErrInvalidRequest,
}

// KindOf returns the error kind err matches, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if stderrors.Is(err, k) {
			return k
		}
	}
	return nil
}

// NoPartition marks an OpError that is not tied to one partition spec.
const NoPartition = -1

// OpError carries the context of a failed provisioning step: which disk, which
// partition spec, what the backend reported and what was attempted.
type OpError struct {
	Op        string
	Kind      error
	DiskIndex int
	Partition int
	Status    uint32
	Size      uint64
	Offset    uint64
	HasOffset bool
	Err       error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Kind != nil {
		b.WriteString(": ")
		b.WriteString(e.Kind.Error())
	}
	fmt.Fprintf(&b, " (disk=%d", e.DiskIndex)
	if e.Partition != NoPartition {
		fmt.Fprintf(&b, " partition=%d", e.Partition)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Size != 0 {
		fmt.Fprintf(&b, " size=%d", e.Size)
	}
	if e.HasOffset {
		fmt.Fprintf(&b, " offset=%d", e.Offset)
	}
	b.WriteString(")")
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the underlying cause.
func (e *OpError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Invalid builds a validation-class error.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Is, As and New are re-exported so callers need a single errors import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func New(text string) error { return stderrors.New(text) }
