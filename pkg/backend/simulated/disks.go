package simulated

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/fly-io/diskprov/pkg/backend"
)

// DefaultDisks is a system disk plus one blank data disk.
func DefaultDisks() []backend.Disk {
	return []backend.Disk{
		{Index: 0, Name: "sim0", Path: "sim://0", Size: 64 << 30, Online: true, Style: backend.StyleGPT},
		{Index: 1, Name: "sim1", Path: "sim://1", Size: 100 << 30, Online: true, Style: backend.StyleRaw},
	}
}

// ParseDisks parses "index:size[:flag...]" entries, e.g. "1:100G:gpt:offline".
// Flags are gpt, mbr, offline and readonly. Sizes use binary suffixes.
func ParseDisks(specs []string) ([]backend.Disk, error) {
	disks := make([]backend.Disk, 0, len(specs))
	seen := make(map[int]bool)
	for _, spec := range specs {
		fields := strings.Split(strings.TrimSpace(spec), ":")
		if len(fields) < 2 {
			return nil, fmt.Errorf("simulated disk %q: want index:size[:flags]", spec)
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("simulated disk %q: bad index", spec)
		}
		if seen[idx] {
			return nil, fmt.Errorf("simulated disk %q: duplicate index %d", spec, idx)
		}
		seen[idx] = true

		sizeText := fields[1]
		if n := len(sizeText); n > 0 && strings.ContainsRune("KMGTkmgt", rune(sizeText[n-1])) {
			sizeText += "iB"
		}
		size, err := humanize.ParseBytes(sizeText)
		if err != nil {
			return nil, fmt.Errorf("simulated disk %q: bad size: %w", spec, err)
		}

		d := backend.Disk{
			Index:  idx,
			Name:   fmt.Sprintf("sim%d", idx),
			Path:   fmt.Sprintf("sim://%d", idx),
			Size:   size,
			Online: true,
			Style:  backend.StyleRaw,
		}
		for _, flag := range fields[2:] {
			switch strings.ToLower(flag) {
			case "gpt":
				d.Style = backend.StyleGPT
			case "mbr":
				d.Style = backend.StyleMBR
			case "offline":
				d.Online = false
			case "readonly":
				d.ReadOnly = true
			default:
				return nil, fmt.Errorf("simulated disk %q: unknown flag %q", spec, flag)
			}
		}
		disks = append(disks, d)
	}
	return disks, nil
}
