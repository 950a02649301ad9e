// Package job waits for backend operations to reach a terminal state and reports
// them as a single Outcome shape.
package job

import (
	"context"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/fly-io/diskprov/pkg/backend"
	"github.com/fly-io/diskprov/pkg/errors"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultTimeout      = 10 * time.Minute
)

// Supervisor awaits jobs issued against one backend.
type Supervisor struct {
	backend      backend.Backend
	clock        clock.Clock
	pollInterval time.Duration
	timeout      time.Duration
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// NewSupervisor creates a supervisor. A non-positive timeout disables it.
func NewSupervisor(b backend.Backend, pollInterval, timeout time.Duration, opts ...Option) *Supervisor {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	s := &Supervisor{
		backend:      b,
		clock:        clock.WallClock,
		pollInterval: pollInterval,
		timeout:      timeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Await blocks until job is terminal, the timeout fires or ctx is done.
func (s *Supervisor) Await(ctx context.Context, job backend.JobHandle) Outcome {
	start := s.clock.Now()
	slog.Debug("job_wait_start", "op", job.Op, "job_id", job.ID, "mode", job.Mode.String())

	var out Outcome
	switch job.Mode {
	case backend.CompletionImmediate:
		if job.Accepted() {
			out = s.poll(ctx, job)
		} else {
			out = immediate(job)
		}
	case backend.CompletionBlocking:
		if waiter, ok := s.backend.(backend.JobWaiter); ok {
			out = s.block(ctx, job, waiter)
		} else {
			out = s.poll(ctx, job)
		}
	default:
		out = s.poll(ctx, job)
	}
	out.Elapsed = s.clock.Now().Sub(start)

	switch {
	case out.Succeeded:
		slog.Info("job_completed", "op", job.Op, "job_id", job.ID, "elapsed", out.Elapsed)
	case out.TimedOut:
		slog.Error("job_timeout", "op", job.Op, "job_id", job.ID, "timeout", s.timeout)
	default:
		slog.Error("job_failed", "op", job.Op, "job_id", job.ID, "status", out.Status, "detail", out.Detail)
	}
	return out
}

func immediate(job backend.JobHandle) Outcome {
	if job.ReturnCode == backend.ReturnSuccess {
		return success(job, "")
	}
	return failure(job, job.ReturnCode, job.Detail, nil)
}

func (s *Supervisor) poll(ctx context.Context, job backend.JobHandle) Outcome {
	deadline := s.deadline()
	for {
		st, err := s.backend.JobStatus(ctx, job)
		if err != nil {
			return failure(job, 0, err.Error(), errors.Wrap(err, "job status query failed"))
		}
		if st.State.Terminal() {
			if st.State.Failed() {
				detail := st.Description
				if detail == "" {
					detail = "job " + st.State.String()
				}
				return failure(job, st.ErrorCode, detail, nil)
			}
			return success(job, st.Created)
		}

		select {
		case <-s.clock.After(s.pollInterval):
		case <-deadline:
			return timedOut(job)
		case <-ctx.Done():
			return failure(job, 0, "wait cancelled", ctx.Err())
		}
	}
}

func (s *Supervisor) block(ctx context.Context, job backend.JobHandle, waiter backend.JobWaiter) Outcome {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		code   uint32
		detail string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		code, detail, err := waiter.WaitJob(waitCtx, job)
		done <- result{code: code, detail: detail, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return failure(job, r.code, r.err.Error(), errors.Wrap(r.err, "job wait failed"))
		}
		if r.code != backend.ReturnSuccess {
			return failure(job, r.code, r.detail, nil)
		}
		return success(job, "")
	case <-s.deadline():
		return timedOut(job)
	case <-ctx.Done():
		return failure(job, 0, "wait cancelled", ctx.Err())
	}
}

// deadline returns nil, which blocks forever, when no timeout is configured.
func (s *Supervisor) deadline() <-chan time.Time {
	if s.timeout <= 0 {
		return nil
	}
	return s.clock.After(s.timeout)
}
