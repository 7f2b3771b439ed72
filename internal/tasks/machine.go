// Package tasks implements the task lifecycle state machine.
package tasks

import (
	"github.com/atlas-desktop/backtest-lab/internal/apperrors"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
)

// Operation is a state-machine operation on a task
type Operation string

const (
	OpStart    Operation = "start"
	OpPause    Operation = "pause"
	OpResume   Operation = "resume"
	OpCancel   Operation = "cancel"
	OpComplete Operation = "complete"
	OpFail     Operation = "fail"
)

// transitions maps operation -> from -> to. Anything absent is illegal.
var transitions = map[Operation]map[types.TaskStatus]types.TaskStatus{
	OpStart: {
		types.TaskStatusPending: types.TaskStatusRunning,
	},
	OpPause: {
		types.TaskStatusRunning: types.TaskStatusPaused,
	},
	OpResume: {
		types.TaskStatusPaused: types.TaskStatusRunning,
	},
	OpCancel: {
		types.TaskStatusPending: types.TaskStatusCancelled,
		types.TaskStatusRunning: types.TaskStatusCancelled,
		types.TaskStatusPaused:  types.TaskStatusCancelled,
	},
	OpComplete: {
		types.TaskStatusPending: types.TaskStatusCompleted,
		types.TaskStatusRunning: types.TaskStatusCompleted,
		types.TaskStatusPaused:  types.TaskStatusCompleted,
	},
	OpFail: {
		types.TaskStatusPending: types.TaskStatusFailed,
		types.TaskStatusRunning: types.TaskStatusFailed,
		types.TaskStatusPaused:  types.TaskStatusFailed,
	},
}

// Next returns the status reached by applying op in status from
func Next(from types.TaskStatus, op Operation) (types.TaskStatus, error) {
	if to, ok := transitions[op][from]; ok {
		return to, nil
	}
	return from, apperrors.InvalidTransition("tasks."+string(op), string(op), string(from))
}

// CanApply reports whether op is legal in status from
func CanApply(from types.TaskStatus, op Operation) bool {
	_, ok := transitions[op][from]
	return ok
}

// CanDelete reports whether a task in status s may be deleted
func CanDelete(s types.TaskStatus) bool {
	return s.IsTerminal()
}
