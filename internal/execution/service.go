package execution

import (
	"context"

	"github.com/atlas-desktop/backtest-lab/internal/dispatcher"
	"github.com/atlas-desktop/backtest-lab/internal/tasks"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
)

// Service is the task lifecycle surface used by the API: state-machine
// queries go to the manager, run control goes through the controller.
type Service struct {
	*tasks.Manager
	dispatcher *dispatcher.Dispatcher
	controller *Controller
}

// NewService combines the lifecycle components
func NewService(manager *tasks.Manager, d *dispatcher.Dispatcher, c *Controller) *Service {
	return &Service{Manager: manager, dispatcher: d, controller: c}
}

// Start runs a pending task now instead of waiting for its turn in the queue
func (s *Service) Start(ctx context.Context, id string) (*types.Task, error) {
	return s.dispatcher.Dispatch(ctx, id)
}

// Pause pauses a running task at its next step boundary
func (s *Service) Pause(ctx context.Context, id string) (*types.Task, error) {
	return s.controller.Pause(ctx, id)
}

// Resume continues a paused task from its checkpoint. A paused run holds no
// slot, so Resume fails with ResourceExhausted while every slot is busy.
func (s *Service) Resume(ctx context.Context, id string) (*types.Task, error) {
	return s.controller.Resume(ctx, id)
}

// Cancel cancels a pending, running or paused task
func (s *Service) Cancel(ctx context.Context, id string) (*types.Task, error) {
	task, err := s.controller.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	s.dispatcher.Remove(id)
	return task, nil
}

// QueueDepth returns the number of tasks waiting for a slot
func (s *Service) QueueDepth() int {
	return s.dispatcher.QueueDepth()
}
