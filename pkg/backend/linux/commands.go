//go:build linux

package linux

import (
	"fmt"
	"sort"
	"strings"

	"github.com/anuvu/disko"

	"github.com/fly-io/diskprov/pkg/backend"
)

// Job failure codes reported through JobStatus.ErrorCode.
const (
	StatusFailed         uint32 = 1
	StatusNotEnoughSpace uint32 = 2
	StatusInvalidLayout  uint32 = 3
	StatusDiskNotEmpty   uint32 = 4
	StatusUnsupported    uint32 = 5
)

const (
	defaultAlignment = 1024 * 1024
	maxGPTPartitions = 128
)

// convertArgs wipes any partition table and writes an empty GPT.
func convertArgs(devicePath string) []string {
	return []string{"--clear", devicePath}
}

// mkfsCommand returns the tool and arguments that lay fs on devicePath.
func mkfsCommand(devicePath string, params backend.FormatParams) (string, []string, error) {
	switch params.FileSystem {
	case backend.FileSystemNTFS:
		args := []string{"-F"}
		if params.Quick {
			args = append(args, "-Q")
		}
		if params.Label != "" {
			args = append(args, "-L", params.Label)
		}
		return "mkfs.ntfs", append(args, devicePath), nil
	case backend.FileSystemFAT32:
		args := []string{"-F", "32"}
		if !params.Quick {
			args = append(args, "-c")
		}
		if params.Label != "" {
			args = append(args, "-n", strings.ToUpper(params.Label))
		}
		return "mkfs.vfat", append(args, devicePath), nil
	case backend.FileSystemExFAT:
		var args []string
		if !params.Quick {
			args = append(args, "-f")
		}
		if params.Label != "" {
			args = append(args, "-L", params.Label)
		}
		return "mkfs.exfat", append(args, devicePath), nil
	default:
		return "", nil, fmt.Errorf("no mkfs tool for %q", params.FileSystem)
	}
}

// partitionPath names the block device of partition number on diskPath.
// Disks whose name ends in a digit (nvme0n1, loop0) get a "p" separator.
func partitionPath(diskPath string, number uint) string {
	if diskPath == "" {
		return ""
	}
	last := diskPath[len(diskPath)-1]
	if last >= '0' && last <= '9' {
		return fmt.Sprintf("%sp%d", diskPath, number)
	}
	return fmt.Sprintf("%s%d", diskPath, number)
}

// volumes lists the partition devices of d in partition number order.
func volumes(d disko.Disk) []backend.VolumeID {
	numbers := make([]int, 0, len(d.Partitions))
	for n := range d.Partitions {
		numbers = append(numbers, int(n))
	}
	sort.Ints(numbers)

	out := make([]backend.VolumeID, 0, len(numbers))
	for _, n := range numbers {
		out = append(out, backend.VolumeID(partitionPath(d.Path, uint(n))))
	}
	return out
}

func nextPartitionNumber(d disko.Disk) uint {
	for i := uint(1); i <= maxGPTPartitions; i++ {
		if _, exists := d.Partitions[i]; !exists {
			return i
		}
	}
	return 0
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	if rem := v % align; rem != 0 {
		return v + align - rem
	}
	return v
}

// place picks the byte range of a new partition. Pinned offsets are used as
// given; auto-placed partitions go into the first free space that still fits
// after aligning its start.
func place(free []disko.FreeSpace, params backend.CreatePartitionParams) (start, last uint64, status uint32, detail string) {
	if params.Size == 0 {
		return 0, 0, StatusInvalidLayout, "partition size is zero"
	}
	if params.HasOffset {
		start = params.Offset
		for _, fs := range free {
			if start >= fs.Start && start <= fs.Last && params.Size <= fs.Last-start+1 {
				return start, start + params.Size - 1, 0, ""
			}
		}
		return 0, 0, StatusInvalidLayout, fmt.Sprintf("%d bytes at offset %d are not free", params.Size, start)
	}

	align := params.Alignment
	if align == 0 {
		align = defaultAlignment
	}
	for _, fs := range free {
		start = alignUp(fs.Start, align)
		if start < fs.Start || start > fs.Last {
			continue
		}
		if fs.Last-start+1 >= params.Size {
			return start, start + params.Size - 1, 0, ""
		}
	}
	return 0, 0, StatusNotEnoughSpace, fmt.Sprintf("no free space for %d bytes", params.Size)
}

func styleOf(t disko.TableType) backend.PartitionStyle {
	switch t {
	case disko.GPT:
		return backend.StyleGPT
	case disko.MBR:
		return backend.StyleMBR
	default:
		return backend.StyleRaw
	}
}
