package backend

import "fmt"

// CompletionMode tells the supervisor how a job signals completion.
type CompletionMode int

const (
	// CompletionPolled jobs are re-fetched through JobStatus until terminal.
	CompletionPolled CompletionMode = iota
	// CompletionBlocking jobs are awaited through JobWaiter.
	CompletionBlocking
	// CompletionImmediate calls carry their final result in ReturnCode.
	CompletionImmediate
)

func (m CompletionMode) String() string {
	switch m {
	case CompletionPolled:
		return "polled"
	case CompletionBlocking:
		return "blocking"
	case CompletionImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Method return codes shared by management-style backends.
const (
	ReturnSuccess    uint32 = 0
	ReturnJobStarted uint32 = 4096
)

// JobHandle references one backend operation. It is never reused.
type JobHandle struct {
	ID         string
	Op         string
	Mode       CompletionMode
	ReturnCode uint32
	Detail     string
}

// Accepted reports whether an immediate-mode call actually started an
// asynchronous job that must still be waited on.
func (h JobHandle) Accepted() bool {
	return h.ReturnCode == ReturnJobStarted && h.ID != ""
}

// JobState follows the CIM job state numbering: every state above
// JobCompleted is a failure.
type JobState uint16

const (
	JobNew          JobState = 2
	JobStarting     JobState = 3
	JobRunning      JobState = 4
	JobSuspended    JobState = 5
	JobShuttingDown JobState = 6
	JobCompleted    JobState = 7
	JobTerminated   JobState = 8
	JobKilled       JobState = 9
	JobException    JobState = 10
)

// Terminal reports whether the job has finished, successfully or not.
func (s JobState) Terminal() bool { return s >= JobCompleted }

// Failed reports whether the job finished unsuccessfully.
func (s JobState) Failed() bool { return s > JobCompleted }

func (s JobState) String() string {
	switch s {
	case JobNew:
		return "new"
	case JobStarting:
		return "starting"
	case JobRunning:
		return "running"
	case JobSuspended:
		return "suspended"
	case JobShuttingDown:
		return "shutting_down"
	case JobCompleted:
		return "completed"
	case JobTerminated:
		return "terminated"
	case JobKilled:
		return "killed"
	case JobException:
		return "exception"
	default:
		return fmt.Sprintf("state(%d)", uint16(s))
	}
}

// JobStatus is one observation of a polled job. Created optionally names the
// volume the job produced; callers treat it as a hint only.
type JobStatus struct {
	State       JobState
	ErrorCode   uint32
	Description string
	Created     VolumeID
}
