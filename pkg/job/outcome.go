package job

import (
	"fmt"
	"time"

	"github.com/fly-io/diskprov/pkg/backend"
	"github.com/fly-io/diskprov/pkg/errors"
)

// Outcome is the uniform terminal result of a backend job, whatever completion
// shape the backend used.
type Outcome struct {
	Op        string
	JobID     string
	Mode      backend.CompletionMode
	Succeeded bool
	Status    uint32
	Detail    string
	Created   backend.VolumeID
	TimedOut  bool
	Elapsed   time.Duration

	cause error
}

// Err returns nil for a successful outcome and a descriptive error otherwise.
// Timeouts match errors.ErrJobTimeout.
func (o Outcome) Err() error {
	if o.Succeeded {
		return nil
	}
	if o.TimedOut {
		return fmt.Errorf("%w: %s job %s still running after %s", errors.ErrJobTimeout, o.Op, o.JobID, o.Elapsed)
	}
	if o.cause != nil {
		return o.cause
	}
	if o.Detail != "" {
		return fmt.Errorf("%s job %s failed with status %d: %s", o.Op, o.JobID, o.Status, o.Detail)
	}
	return fmt.Errorf("%s job %s failed with status %d", o.Op, o.JobID, o.Status)
}

func success(job backend.JobHandle, created backend.VolumeID) Outcome {
	return Outcome{Op: job.Op, JobID: job.ID, Mode: job.Mode, Succeeded: true, Created: created}
}

func failure(job backend.JobHandle, status uint32, detail string, cause error) Outcome {
	return Outcome{Op: job.Op, JobID: job.ID, Mode: job.Mode, Status: status, Detail: detail, cause: cause}
}

func timedOut(job backend.JobHandle) Outcome {
	return Outcome{Op: job.Op, JobID: job.ID, Mode: job.Mode, TimedOut: true}
}
