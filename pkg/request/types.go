// Package request models the provisioning request supplied by the command source:
// which disk, whether to initialise it as GPT, and the ordered partition specs.
package request

import (
	"strings"

	"github.com/fly-io/diskprov/pkg/backend"
	"github.com/fly-io/diskprov/pkg/errors"
)

// Request is one provisioning run.
type Request struct {
	DiskIndex  int             `mapstructure:"disk"`
	GPT        bool            `mapstructure:"gpt"`
	Partitions []PartitionSpec `mapstructure:"partitions"`
}

// PartitionSpec is one partition to carve, in request order.
type PartitionSpec struct {
	Size   ByteSize    `mapstructure:"size"`
	Offset *ByteSize   `mapstructure:"offset"`
	Label  string      `mapstructure:"label"`
	Type   string      `mapstructure:"type"`
	Format *FormatSpec `mapstructure:"format"`
}

// HasOffset reports whether the caller pinned the partition start.
func (p PartitionSpec) HasOffset() bool { return p.Offset != nil }

// OffsetBytes returns the pinned offset, or zero.
func (p PartitionSpec) OffsetBytes() uint64 {
	if p.Offset == nil {
		return 0
	}
	return uint64(*p.Offset)
}

// FormatSpec describes the filesystem to lay down on the partition's volume.
type FormatSpec struct {
	FileSystem Filesystem `mapstructure:"fs"`
	Label      string     `mapstructure:"label"`
	Quick      *bool      `mapstructure:"quick"`
}

// IsQuick defaults to a quick format.
func (f FormatSpec) IsQuick() bool {
	return f.Quick == nil || *f.Quick
}

// Filesystem is the closed set of filesystems a request may ask for.
type Filesystem string

const (
	NTFS  Filesystem = "ntfs"
	FAT32 Filesystem = "fat32"
	ExFAT Filesystem = "exfat"
)

var volumeLabelLimits = map[Filesystem]int{
	NTFS:  32,
	FAT32: 11,
	ExFAT: 15,
}

// ParseFilesystem accepts filesystem names case-insensitively.
func ParseFilesystem(s string) (Filesystem, error) {
	fs := Filesystem(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := volumeLabelLimits[fs]; !ok {
		return "", errors.Wrap(errors.ErrUnsupportedFilesystem, s)
	}
	return fs, nil
}

// BackendCode maps the filesystem to the backend-facing code. Unknown values
// fail before any backend call is made.
func (f Filesystem) BackendCode() (backend.FileSystem, error) {
	switch f {
	case NTFS:
		return backend.FileSystemNTFS, nil
	case FAT32:
		return backend.FileSystemFAT32, nil
	case ExFAT:
		return backend.FileSystemExFAT, nil
	default:
		return "", errors.Wrap(errors.ErrUnsupportedFilesystem, string(f))
	}
}
