//go:build linux

package linux

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/anuvu/disko"
	diskolinux "github.com/anuvu/disko/linux"
	"github.com/juju/clock"
	"golang.org/x/sys/unix"
	utilexec "k8s.io/utils/exec"

	"github.com/fly-io/diskprov/pkg/backend"
	"github.com/fly-io/diskprov/pkg/errors"
)

var requiredTools = []string{"sgdisk", "udevadm", "mkfs.ntfs", "mkfs.vfat", "mkfs.exfat"}

// Open creates the host backend. It needs root and the sgdisk and udevadm tools;
// missing mkfs tools only fail the formats that need them.
func Open(ctx context.Context) (backend.Backend, error) {
	slog.Info("linux_backend_init", "platform", "linux")

	if unix.Geteuid() != 0 {
		slog.Error("linux_backend_requires_root")
		return nil, errors.Wrap(errors.ErrBackendUnavailable, "linux backend requires root privileges")
	}

	exec := utilexec.New()
	for _, tool := range requiredTools {
		if _, err := exec.LookPath(tool); err != nil {
			if strings.HasPrefix(tool, "mkfs.") {
				slog.Warn("mkfs_tool_missing", "tool", tool)
				continue
			}
			slog.Error("tool_missing", "tool", tool, "error", err)
			return nil, errors.Wrap(errors.ErrBackendUnavailable, fmt.Sprintf("%s not found", tool))
		}
	}

	return New(diskolinux.System(), exec, sysfsState, clock.WallClock), nil
}

// sysfsState reads the device state from sysfs and the read-only flag from
// the block device itself.
func sysfsState(d disko.Disk) (online, readOnly bool) {
	online = true
	data, err := os.ReadFile(filepath.Join("/sys/block", d.Name, "device", "state"))
	if err == nil {
		online = strings.TrimSpace(string(data)) == "running"
	}

	readOnly = d.ReadOnly
	f, err := os.Open(d.Path)
	if err != nil {
		return online, readOnly
	}
	defer f.Close()
	if ro, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKROGET); err == nil {
		readOnly = ro != 0
	}
	return online, readOnly
}
