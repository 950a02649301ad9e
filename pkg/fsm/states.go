// Package fsm runs a provisioning request as a journaled superfly/fsm workflow.
// Each state delegates to one step of the provisioning orchestrator and records
// its progress in the run repository.
package fsm

import (
	"context"

	"github.com/superfly/fsm"

	"github.com/fly-io/diskprov/pkg/errors"
)

// Register registers the disk provisioning FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[RunRequest, RunResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[RunRequest, RunResponse](manager, "disk-provision").
		Start(StateResolveDisk, m.handleResolveDisk).
		To(StateConvertStyle, m.handleConvertStyle).
		To(StatePartition, m.handlePartition).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}
