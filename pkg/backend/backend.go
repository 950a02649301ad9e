// Package backend defines the capability set the provisioning core consumes from a
// storage subsystem. Every mutating call returns a JobHandle; completion is observed
// through JobStatus or, when the backend offers one, a blocking JobWaiter.
package backend

import "context"

// PartitionStyle is the partition table format of a disk.
type PartitionStyle int

const (
	StyleRaw PartitionStyle = iota
	StyleMBR
	StyleGPT
	StyleUnknown
)

func (s PartitionStyle) String() string {
	switch s {
	case StyleRaw:
		return "raw"
	case StyleMBR:
		return "mbr"
	case StyleGPT:
		return "gpt"
	default:
		return "unknown"
	}
}

// Disk identifies one block device exposed by a backend. Path is backend-private.
type Disk struct {
	Index      int
	Path       string
	Name       string
	Size       uint64
	SectorSize uint
	Online     bool
	ReadOnly   bool
	Style      PartitionStyle
}

// VolumeID is a transient, comparable volume token. It is only meaningful between
// two snapshots of the same disk and must not be kept as a long-lived reference.
type VolumeID string

// FileSystem is the backend-facing filesystem code.
type FileSystem string

const (
	FileSystemNTFS  FileSystem = "NTFS"
	FileSystemFAT32 FileSystem = "FAT32"
	FileSystemExFAT FileSystem = "exFAT"
)

// CreatePartitionParams describes one partition-creation call. Offset and
// Alignment are mutually exclusive: Alignment is only a placement hint for
// auto-placed partitions.
type CreatePartitionParams struct {
	Size      uint64
	Offset    uint64
	HasOffset bool
	Alignment uint64
	TypeGUID  string
	MBRType   byte
	Label     string
}

// FormatParams describes one format-volume call. An empty Label is omitted.
type FormatParams struct {
	FileSystem FileSystem
	Label      string
	Quick      bool
}

// Backend is the storage subsystem consumed by the provisioning core.
type Backend interface {
	ListDisks(ctx context.Context) ([]Disk, error)
	ConvertStyle(ctx context.Context, disk Disk, style PartitionStyle) (JobHandle, error)
	CreatePartition(ctx context.Context, disk Disk, params CreatePartitionParams) (JobHandle, error)
	ListVolumes(ctx context.Context, disk Disk) ([]VolumeID, error)
	FormatVolume(ctx context.Context, volume VolumeID, params FormatParams) (JobHandle, error)
	JobStatus(ctx context.Context, job JobHandle) (JobStatus, error)
	Close() error
}

// JobWaiter is implemented by backends offering a blocking wait that returns the
// job's result code directly.
type JobWaiter interface {
	WaitJob(ctx context.Context, job JobHandle) (code uint32, detail string, err error)
}

// LabelSupport describes how a backend persists partition labels.
type LabelSupport int

const (
	// LabelEmbedded backends take the label in the creation call.
	LabelEmbedded LabelSupport = iota
	// LabelFollowUp backends need a separate PartitionLabeler call.
	LabelFollowUp
	// LabelUnsupported backends cannot persist a label.
	LabelUnsupported
)

// LabelCapable is implemented by backends that do not embed labels at creation.
type LabelCapable interface {
	LabelSupport() LabelSupport
}

// PartitionLabeler sets the label of an existing partition, addressed by the
// volume it produced.
type PartitionLabeler interface {
	SetPartitionLabel(ctx context.Context, disk Disk, volume VolumeID, label string) error
}

// LabelSupportOf reports how b handles partition labels.
func LabelSupportOf(b Backend) LabelSupport {
	if lc, ok := b.(LabelCapable); ok {
		return lc.LabelSupport()
	}
	return LabelEmbedded
}
