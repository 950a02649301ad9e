package fsm

import (
	"github.com/fly-io/diskprov/pkg/backend"
	"github.com/fly-io/diskprov/pkg/provision"
	"github.com/fly-io/diskprov/pkg/request"
)

// RunRequest is the FSM input
type RunRequest struct {
	RunID   string
	Source  string
	SHA256  string
	Request *request.Request
}

// RunResponse is the FSM output (accumulated across transitions)
type RunResponse struct {
	// From ResolveDisk
	Disk backend.Disk

	// From ConvertStyle
	Converted bool

	// From Partition
	Completed []provision.PartitionResult

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateResolveDisk  = "resolve_disk"
	StateConvertStyle = "convert_style"
	StatePartition    = "partition"
	StateComplete     = "complete"
	StateFailed       = "failed"
)
