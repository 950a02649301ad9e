package request

import (
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/fly-io/diskprov/pkg/errors"
)

const (
	// DefaultMaxPartitions matches the GPT default entry count.
	DefaultMaxPartitions = 128
	// MaxPartitionLabel is the GPT partition name length in UTF-16 code units.
	MaxPartitionLabel = 36
)

// Validator checks requests before any backend call is made.
type Validator struct {
	maxPartitions int

	mu        sync.Mutex
	diskSize  uint64
	requested uint64
}

// NewValidator creates a request validator.
func NewValidator(maxPartitions int) *Validator {
	if maxPartitions <= 0 {
		maxPartitions = DefaultMaxPartitions
	}
	slog.Debug("request_validator_init", "max_partitions", maxPartitions)
	return &Validator{maxPartitions: maxPartitions}
}

// Validate checks the request shape: disk index, sizes, type tokens,
// filesystems and labels.
func (v *Validator) Validate(req *Request) error {
	if req == nil {
		return errors.Invalid("request is nil")
	}
	if req.DiskIndex < 0 {
		return errors.Invalid("disk index %d is negative", req.DiskIndex)
	}
	if len(req.Partitions) == 0 {
		return errors.Invalid("at least one partition is required")
	}
	if len(req.Partitions) > v.maxPartitions {
		return errors.Invalid("%d partitions requested, max %d", len(req.Partitions), v.maxPartitions)
	}

	for i, p := range req.Partitions {
		if err := v.validatePartition(i, p); err != nil {
			slog.Error("request_validation_failed", "partition", i, "error", err)
			return err
		}
	}
	return nil
}

func (v *Validator) validatePartition(i int, p PartitionSpec) error {
	if p.Size == 0 {
		return errors.Invalid("partition %d: size must be positive", i)
	}
	if _, err := ResolvePartitionType(p.Type); err != nil {
		return fmt.Errorf("partition %d: %w", i, err)
	}
	if n := utf8.RuneCountInString(p.Label); n > MaxPartitionLabel {
		return errors.Invalid("partition %d: label is %d characters, max %d", i, n, MaxPartitionLabel)
	}
	if p.Format == nil {
		return nil
	}
	return ValidateFormat(i, *p.Format)
}

// ValidateFormat checks a format spec on its own.
func ValidateFormat(i int, f FormatSpec) error {
	limit, ok := volumeLabelLimits[f.FileSystem]
	if !ok {
		return fmt.Errorf("%w: partition %d: %w: %q", errors.ErrInvalidRequest, i, errors.ErrUnsupportedFilesystem, f.FileSystem)
	}
	if n := utf8.RuneCountInString(f.Label); n > limit {
		return errors.Invalid("partition %d: %s volume label is %d characters, max %d", i, f.FileSystem, n, limit)
	}
	return nil
}

// Reset starts a fit check against a disk of the given size.
func (v *Validator) Reset(diskSize uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.diskSize = diskSize
	v.requested = 0
}

// AddRequested tracks the space claimed by one more partition and checks it
// still fits the disk. A zero disk size skips the check.
func (v *Validator) AddRequested(i int, p PartitionSpec) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	size := uint64(p.Size)
	if v.diskSize == 0 {
		v.requested += size
		return nil
	}
	if p.HasOffset() {
		offset := p.OffsetBytes()
		if offset > v.diskSize || size > v.diskSize-offset {
			slog.Error("request_partition_out_of_range", "partition", i, "offset", offset, "size", size, "disk_size", v.diskSize)
			return errors.Invalid("partition %d: %d bytes at offset %d do not fit disk size %d", i, size, offset, v.diskSize)
		}
	}

	if v.requested > v.diskSize || size > v.diskSize-v.requested {
		slog.Error("request_total_size_exceeded",
			"requested", ByteSize(v.requested).String(),
			"size", ByteSize(size).String(),
			"disk_size", ByteSize(v.diskSize).String())
		return errors.Invalid("partitions request more than the %d bytes the disk holds", v.diskSize)
	}
	v.requested += size
	return nil
}

// CheckFits runs AddRequested over every partition of req.
func (v *Validator) CheckFits(req *Request, diskSize uint64) error {
	v.Reset(diskSize)
	for i, p := range req.Partitions {
		if err := v.AddRequested(i, p); err != nil {
			return err
		}
	}
	return nil
}

// Requested returns the bytes claimed since the last Reset.
func (v *Validator) Requested() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.requested
}
