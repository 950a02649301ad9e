package request

import (
	"strings"
	"unicode"

	"github.com/dustin/go-humanize"

	"github.com/fly-io/diskprov/pkg/errors"
)

// ByteSize is a byte count that decodes from integers or size strings.
type ByteSize uint64

// MiB is one mebibyte.
const MiB = 1024 * 1024

// ParseByteSize parses "10737418240", "10G", "512M" or "1.5 GiB". A bare K, M,
// G or T suffix is binary, as operators write it for disks.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.Invalid("size is empty")
	}

	runes := []rune(s)
	last := unicode.ToUpper(runes[len(runes)-1])
	bareSuffix := len(runes) == 1 || !unicode.IsLetter(runes[len(runes)-2])
	if bareSuffix && strings.ContainsRune("KMGT", last) {
		s = string(runes[:len(runes)-1]) + string(last) + "iB"
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errors.Invalid("invalid size %q", s)
	}
	return ByteSize(n), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}
