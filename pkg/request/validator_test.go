package request

import (
	"math"
	"strings"
	"testing"

	"github.com/fly-io/diskprov/pkg/errors"
)

const gib = 1024 * MiB

func ptrSize(b ByteSize) *ByteSize { return &b }

func TestValidate_Shape(t *testing.T) {
	v := NewValidator(2)

	tests := []struct {
		name string
		req  *Request
		kind error
	}{
		{"nil request", nil, errors.ErrInvalidRequest},
		{"negative disk", &Request{DiskIndex: -1, Partitions: []PartitionSpec{{Size: MiB}}}, errors.ErrInvalidRequest},
		{"no partitions", &Request{DiskIndex: 1}, errors.ErrInvalidRequest},
		{"too many partitions", &Request{DiskIndex: 1, Partitions: []PartitionSpec{{Size: MiB}, {Size: MiB}, {Size: MiB}}}, errors.ErrInvalidRequest},
		{"zero size", &Request{DiskIndex: 1, Partitions: []PartitionSpec{{Size: 0}}}, errors.ErrInvalidRequest},
		{"unknown type", &Request{DiskIndex: 1, Partitions: []PartitionSpec{{Size: MiB, Type: "efi-system-thing"}}}, errors.ErrInvalidRequest},
		{"long partition label", &Request{DiskIndex: 1, Partitions: []PartitionSpec{{Size: MiB, Label: strings.Repeat("x", 37)}}}, errors.ErrInvalidRequest},
		{"unsupported fs", &Request{DiskIndex: 1, Partitions: []PartitionSpec{{Size: MiB, Format: &FormatSpec{FileSystem: "ext4"}}}}, errors.ErrUnsupportedFilesystem},
		{"long fat32 label", &Request{DiskIndex: 1, Partitions: []PartitionSpec{{Size: MiB, Format: &FormatSpec{FileSystem: FAT32, Label: "TWELVECHARSX"}}}}, errors.ErrInvalidRequest},
	}

	for _, tt := range tests {
		err := v.Validate(tt.req)
		if err == nil {
			t.Errorf("%s: expected error", tt.name)
			continue
		}
		if !errors.Is(err, tt.kind) {
			t.Errorf("%s: expected %v, got: %v", tt.name, tt.kind, err)
		}
	}
}

func TestValidate_UnsupportedFilesystemIsAlsoInvalid(t *testing.T) {
	err := ValidateFormat(0, FormatSpec{FileSystem: "zfs"})
	if !errors.Is(err, errors.ErrInvalidRequest) || !errors.Is(err, errors.ErrUnsupportedFilesystem) {
		t.Errorf("expected both kinds, got: %v", err)
	}
}

func TestValidate_Accepts(t *testing.T) {
	v := NewValidator(0)
	req := &Request{
		DiskIndex: 1,
		GPT:       true,
		Partitions: []PartitionSpec{
			{Size: 10 * 1024 * MiB, Label: "MyPart", Type: "basic", Format: &FormatSpec{FileSystem: NTFS, Label: "Data"}},
			{Size: 100 * MiB, Type: "{C12A7328-F81F-11D2-BA4B-00A0C93EC93B}", Format: &FormatSpec{FileSystem: FAT32, Label: "EFI"}},
			{Size: MiB, Offset: ptrSize(MiB)},
		},
	}
	if err := v.Validate(req); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAddRequested_ExceedsDisk(t *testing.T) {
	v := NewValidator(0)
	v.Reset(500 * MiB)

	if err := v.AddRequested(0, PartitionSpec{Size: 400 * MiB}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := v.AddRequested(1, PartitionSpec{Size: 200 * MiB}); err == nil {
		t.Error("expected error when total requested exceeds disk")
	}
}

func TestAddRequested_OffsetBeyondDisk(t *testing.T) {
	v := NewValidator(0)
	v.Reset(100 * MiB)

	err := v.AddRequested(0, PartitionSpec{Size: 10 * MiB, Offset: ptrSize(95 * MiB)})
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("expected invalid request, got: %v", err)
	}
}

func TestAddRequested_OffsetNearMaxDoesNotWrap(t *testing.T) {
	v := NewValidator(0)
	v.Reset(10 * gib)

	err := v.AddRequested(0, PartitionSpec{Size: 2 * MiB, Offset: ptrSize(math.MaxUint64 - MiB + 1)})
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("expected invalid request, got: %v", err)
	}
	if got := v.Requested(); got != 0 {
		t.Errorf("rejected partition should not count, got %d", got)
	}
}

func TestAddRequested_TotalDoesNotWrap(t *testing.T) {
	v := NewValidator(0)
	v.Reset(10 * gib)

	if err := v.AddRequested(0, PartitionSpec{Size: 4 * gib}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := v.AddRequested(1, PartitionSpec{Size: math.MaxUint64 - 2*gib})
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("expected invalid request, got: %v", err)
	}
}

func TestCheckFits_ResetsBetweenRequests(t *testing.T) {
	v := NewValidator(0)
	req := &Request{Partitions: []PartitionSpec{{Size: 60 * MiB}}}

	if err := v.CheckFits(req, 100*MiB); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := v.CheckFits(req, 100*MiB); err != nil {
		t.Errorf("second check should start from zero, got: %v", err)
	}
	if got := v.Requested(); got != 60*MiB {
		t.Errorf("expected 60MiB requested, got %d", got)
	}
}

func TestCheckFits_UnknownDiskSize(t *testing.T) {
	v := NewValidator(0)
	req := &Request{Partitions: []PartitionSpec{{Size: 1 << 50}}}

	if err := v.CheckFits(req, 0); err != nil {
		t.Errorf("zero disk size should skip the check, got: %v", err)
	}
}
