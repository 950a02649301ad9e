package request

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
	}{
		{"10737418240", 10 * 1024 * MiB},
		{"10G", 10 * 1024 * MiB},
		{"512M", 512 * MiB},
		{"512m", 512 * MiB},
		{"4K", 4096},
		{"1T", 1024 * 1024 * MiB},
		{"1.5 GiB", 1536 * MiB},
		{"1GB", 1000 * 1000 * 1000},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "  ", "G", "ten gigs"} {
		_, err := ParseByteSize(bad)
		assert.Error(t, err, bad)
	}
}

func TestResolvePartitionType(t *testing.T) {
	basic, err := ResolvePartitionType("")
	require.NoError(t, err)
	assert.Equal(t, BasicDataGUID, basic.GUID)

	efi, err := ResolvePartitionType("EFI")
	require.NoError(t, err)
	assert.Equal(t, byte(0xEF), efi.MBR)

	byGUID, err := ResolvePartitionType("{0fc63daf-8483-4772-8e79-3d69d8477de4}")
	require.NoError(t, err)
	assert.Equal(t, "linux", byGUID.Alias)

	custom, err := ResolvePartitionType("A19D880F-05FC-4D3B-A006-743F0F84911E")
	require.NoError(t, err)
	assert.Empty(t, custom.Alias)
	assert.Equal(t, byte(0x07), custom.MBR)

	_, err = ResolvePartitionType("efi-partition")
	assert.Error(t, err)
}
