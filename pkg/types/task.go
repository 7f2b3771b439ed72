// Package types provides shared type definitions for the backtest service.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskType identifies the kind of work a task carries
type TaskType string

const (
	TaskTypeBacktest          TaskType = "BACKTEST"
	TaskTypeOptimization      TaskType = "OPTIMIZATION"
	TaskTypeDataImport        TaskType = "DATA_IMPORT"
	TaskTypeDataPreprocessing TaskType = "DATA_PREPROCESSING"
	TaskTypeFactorBacktest    TaskType = "FACTOR_BACKTEST"
	TaskTypeCustomCode        TaskType = "CUSTOM_CODE"
)

// AllTaskTypes lists every known task type
var AllTaskTypes = []TaskType{
	TaskTypeBacktest,
	TaskTypeOptimization,
	TaskTypeDataImport,
	TaskTypeDataPreprocessing,
	TaskTypeFactorBacktest,
	TaskTypeCustomCode,
}

// Priority orders pending tasks; higher runs first
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[Priority]string{
	PriorityLow:    "LOW",
	PriorityNormal: "NORMAL",
	PriorityHigh:   "HIGH",
	PriorityUrgent: "URGENT",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid reports whether p is one of the declared priorities
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority converts a priority name to its value
func ParsePriority(s string) (Priority, bool) {
	for p, name := range priorityNames {
		if name == s {
			return p, true
		}
	}
	return PriorityNormal, false
}

// MarshalJSON encodes the priority by name
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts either the name or the numeric value
func (p *Priority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, ok := ParsePriority(name)
		if !ok {
			return fmt.Errorf("unknown priority %q", name)
		}
		*p = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*p = Priority(n)
	return nil
}

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusPaused    TaskStatus = "PAUSED"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// IsTerminal returns true if no further transition is possible
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// FailureCategory classifies why a task ended FAILED
type FailureCategory string

const (
	FailureEngine              FailureCategory = "ENGINE"
	FailureTimeout             FailureCategory = "TIMEOUT"
	FailureValidation          FailureCategory = "VALIDATION"
	FailureConstraintViolation FailureCategory = "CONSTRAINT_VIOLATION"
	FailureUnsupported         FailureCategory = "UNSUPPORTED"
	FailureInternal            FailureCategory = "INTERNAL"
)

// TaskError is the structured error recorded on a failed task
type TaskError struct {
	Category FailureCategory `json:"category"`
	Code     string          `json:"code"`
	Message  string          `json:"message"`
}

func (e *TaskError) Error() string {
	return string(e.Category) + ": " + e.Message
}

// Task is a unit of asynchronous work with a lifecycle status
type Task struct {
	ID          string          `json:"id"`
	Type        TaskType        `json:"type"`
	Name        string          `json:"name"`
	Params      map[string]any  `json:"params"`
	Priority    Priority        `json:"priority"`
	Status      TaskStatus      `json:"status"`
	Progress    float64         `json:"progress"`
	CurrentStep string          `json:"currentStep,omitempty"`
	ETA         *int64          `json:"eta,omitempty"`
	CreatedBy   string          `json:"createdBy"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *TaskError      `json:"error,omitempty"`
	Version     int64           `json:"version"`
	Seq         int64           `json:"seq"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Clone returns a deep-enough copy for handing out of a store
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Params != nil {
		c.Params = make(map[string]any, len(t.Params))
		for k, v := range t.Params {
			c.Params[k] = v
		}
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.ETA != nil {
		eta := *t.ETA
		c.ETA = &eta
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// RunsBefore orders pending tasks for dispatch: higher priority first,
// then earlier creation, then lower arrival sequence
func (t *Task) RunsBefore(o *Task) bool {
	if t.Priority != o.Priority {
		return t.Priority > o.Priority
	}
	if !t.CreatedAt.Equal(o.CreatedAt) {
		return t.CreatedAt.Before(o.CreatedAt)
	}
	return t.Seq < o.Seq
}

// Matches reports whether the task passes the filter
func (f TaskFilter) Matches(t *Task) bool {
	if len(f.Status) > 0 && !containsStatus(f.Status, t.Status) {
		return false
	}
	if len(f.Type) > 0 && !containsType(f.Type, t.Type) {
		return false
	}
	if f.CreatedBy != "" && f.CreatedBy != t.CreatedBy {
		return false
	}
	return true
}

func containsStatus(list []TaskStatus, s TaskStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsType(list []TaskType, s TaskType) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// TaskFilter narrows a task listing
type TaskFilter struct {
	Status    []TaskStatus `json:"status,omitempty"`
	Type      []TaskType   `json:"type,omitempty"`
	CreatedBy string       `json:"createdBy,omitempty"`
}

// Pagination describes a page request
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

// Normalize applies defaults and bounds
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = 20
	}
	if p.PageSize > 500 {
		p.PageSize = 500
	}
	return p
}

// Offset returns the row offset of the page
func (p Pagination) Offset() int {
	n := p.Normalize()
	return (n.Page - 1) * n.PageSize
}

// TaskPage is one page of tasks
type TaskPage struct {
	Tasks    []*Task `json:"tasks"`
	Total    int64   `json:"total"`
	Page     int     `json:"page"`
	PageSize int     `json:"pageSize"`
}
