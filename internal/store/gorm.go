package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/apperrors"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type taskModel struct {
	Seq         int64          `gorm:"column:seq;primaryKey;autoIncrement"`
	ID          string         `gorm:"column:id;size:64;uniqueIndex"`
	Type        string         `gorm:"column:type;size:32;index"`
	Name        string         `gorm:"column:name"`
	Params      datatypes.JSON `gorm:"column:params;type:TEXT"`
	Priority    int            `gorm:"column:priority;index:idx_tasks_pending,priority:2"`
	Status      string         `gorm:"column:status;size:16;index:idx_tasks_pending,priority:1"`
	Progress    float64        `gorm:"column:progress"`
	CurrentStep string         `gorm:"column:current_step"`
	ETA         *int64         `gorm:"column:eta"`
	CreatedBy   string         `gorm:"column:created_by;index"`
	Result      datatypes.JSON `gorm:"column:result;type:TEXT"`
	Error       datatypes.JSON `gorm:"column:error;type:TEXT"`
	Version     int64          `gorm:"column:version"`
	CreatedAt   int64          `gorm:"column:created_at;index:idx_tasks_pending,priority:3"`
	UpdatedAt   int64          `gorm:"column:updated_at"`
	StartedAt   *int64         `gorm:"column:started_at"`
	CompletedAt *int64         `gorm:"column:completed_at"`
}

func (taskModel) TableName() string { return "tasks" }

type resultModel struct {
	ID        string         `gorm:"column:id;size:64;primaryKey"`
	TaskID    string         `gorm:"column:task_id;size:64;index"`
	Payload   datatypes.JSON `gorm:"column:payload;type:TEXT"`
	CreatedAt int64          `gorm:"column:created_at"`
}

func (resultModel) TableName() string { return "backtest_results" }

type diagnosisModel struct {
	ResultID  string         `gorm:"column:result_id;size:64;primaryKey"`
	ID        string         `gorm:"column:id;size:64"`
	Payload   datatypes.JSON `gorm:"column:payload;type:TEXT"`
	UpdatedAt int64          `gorm:"column:updated_at"`
}

func (diagnosisModel) TableName() string { return "diagnoses" }

// GormStore implements task and result storage using Gorm + SQLite.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore opens (and migrates) the SQLite database at path.
func NewGormStore(path string, maxOpenConns int) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: database path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&taskModel{}, &resultModel{}, &diagnosisModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if maxOpenConns <= 0 {
		maxOpenConns = 2
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxOpenConns)
	return &GormStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Create inserts a new task; Seq comes from the autoincrement key
func (s *GormStore) Create(ctx context.Context, task *types.Task) error {
	task.Version = 1
	m, err := newTaskModel(task)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "store.Create", err)
	}
	m.Seq = 0
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "store.Create", err)
	}
	task.Seq = m.Seq
	return nil
}

// Load returns one task
func (s *GormStore) Load(ctx context.Context, id string) (*types.Task, error) {
	var m taskModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("store.Load", "task", id)
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, "store.Load", err)
	}
	return m.toTask()
}

// Save updates the row WHERE id = ? AND version = ?
func (s *GormStore) Save(ctx context.Context, task *types.Task) error {
	m, err := newTaskModel(task)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "store.Save", err)
	}
	res := s.db.WithContext(ctx).Model(&taskModel{}).
		Where("id = ? AND version = ?", task.ID, task.Version).
		Updates(map[string]interface{}{
			"name":         m.Name,
			"params":       m.Params,
			"priority":     m.Priority,
			"status":       m.Status,
			"progress":     m.Progress,
			"current_step": m.CurrentStep,
			"eta":          m.ETA,
			"result":       m.Result,
			"error":        m.Error,
			"version":      task.Version + 1,
			"updated_at":   m.UpdatedAt,
			"started_at":   m.StartedAt,
			"completed_at": m.CompletedAt,
		})
	if res.Error != nil {
		return apperrors.Wrap(apperrors.KindInternal, "store.Save", res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&taskModel{}).Where("id = ?", task.ID).Count(&count).Error; err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "store.Save", err)
		}
		if count == 0 {
			return apperrors.NotFound("store.Save", "task", task.ID)
		}
		return apperrors.Conflict("store.Save", task.ID, task.Version)
	}
	task.Version++
	return nil
}

// List returns tasks newest first
func (s *GormStore) List(ctx context.Context, filter types.TaskFilter, page types.Pagination) (*types.TaskPage, error) {
	scoped := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&taskModel{})
		if len(filter.Status) > 0 {
			q = q.Where("status IN ?", statusStrings(filter.Status))
		}
		if len(filter.Type) > 0 {
			q = q.Where("type IN ?", typeStrings(filter.Type))
		}
		if filter.CreatedBy != "" {
			q = q.Where("created_by = ?", filter.CreatedBy)
		}
		return q
	}
	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "store.List", err)
	}
	page = page.Normalize()
	var models []taskModel
	if err := scoped().Order("created_at DESC, seq DESC").
		Offset(page.Offset()).Limit(page.PageSize).
		Find(&models).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "store.List", err)
	}
	out := &types.TaskPage{Tasks: make([]*types.Task, 0, len(models)), Total: total, Page: page.Page, PageSize: page.PageSize}
	for i := range models {
		t, err := models[i].toTask()
		if err != nil {
			return nil, err
		}
		out.Tasks = append(out.Tasks, t)
	}
	return out, nil
}

// Delete removes the task row
func (s *GormStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&taskModel{})
	if res.Error != nil {
		return apperrors.Wrap(apperrors.KindInternal, "store.Delete", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NotFound("store.Delete", "task", id)
	}
	return nil
}

// NextPending returns the pending task that should run first
func (s *GormStore) NextPending(ctx context.Context) (*types.Task, error) {
	var m taskModel
	err := s.db.WithContext(ctx).
		Where("status = ?", string(types.TaskStatusPending)).
		Order("priority DESC, created_at ASC, seq ASC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, "store.NextPending", err)
	}
	return m.toTask()
}

// CountByStatus counts tasks in the given status
func (s *GormStore) CountByStatus(ctx context.Context, status types.TaskStatus) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&taskModel{}).Where("status = ?", string(status)).Count(&n).Error; err != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, "store.CountByStatus", err)
	}
	return n, nil
}

// SaveResult inserts a result; results are never overwritten
func (s *GormStore) SaveResult(ctx context.Context, result *types.BacktestResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "store.SaveResult", err)
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&resultModel{
			ID:        result.ID,
			TaskID:    result.TaskID,
			Payload:   datatypes.JSON(payload),
			CreatedAt: result.CompletedAt.UnixNano(),
		})
	if res.Error != nil {
		return apperrors.Wrap(apperrors.KindInternal, "store.SaveResult", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.InvalidOperation("store.SaveResult", "result %s is immutable", result.ID)
	}
	return nil
}

// LoadResult returns one result
func (s *GormStore) LoadResult(ctx context.Context, id string) (*types.BacktestResult, error) {
	var m resultModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("store.LoadResult", "result", id)
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, "store.LoadResult", err)
	}
	var result types.BacktestResult
	if err := json.Unmarshal(m.Payload, &result); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "store.LoadResult", err)
	}
	return &result, nil
}

// SaveDiagnosis upserts the diagnosis keyed by result id
func (s *GormStore) SaveDiagnosis(ctx context.Context, diag *types.DiagnosisResult) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&resultModel{}).Where("id = ?", diag.ResultID).Count(&count).Error; err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "store.SaveDiagnosis", err)
	}
	if count == 0 {
		return apperrors.NotFound("store.SaveDiagnosis", "result", diag.ResultID)
	}
	payload, err := json.Marshal(diag)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "store.SaveDiagnosis", err)
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "result_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"id", "payload", "updated_at"}),
		}).
		Create(&diagnosisModel{
			ResultID:  diag.ResultID,
			ID:        diag.ID,
			Payload:   datatypes.JSON(payload),
			UpdatedAt: time.Now().UnixNano(),
		}).Error
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "store.SaveDiagnosis", err)
	}
	return nil
}

// LoadDiagnosis returns the diagnosis of a result
func (s *GormStore) LoadDiagnosis(ctx context.Context, resultID string) (*types.DiagnosisResult, error) {
	var m diagnosisModel
	if err := s.db.WithContext(ctx).Where("result_id = ?", resultID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("store.LoadDiagnosis", "diagnosis for result", resultID)
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, "store.LoadDiagnosis", err)
	}
	var diag types.DiagnosisResult
	if err := json.Unmarshal(m.Payload, &diag); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "store.LoadDiagnosis", err)
	}
	return &diag, nil
}

func newTaskModel(t *types.Task) (*taskModel, error) {
	params, err := json.Marshal(t.Params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	m := &taskModel{
		Seq:         t.Seq,
		ID:          t.ID,
		Type:        string(t.Type),
		Name:        t.Name,
		Params:      datatypes.JSON(params),
		Priority:    int(t.Priority),
		Status:      string(t.Status),
		Progress:    t.Progress,
		CurrentStep: t.CurrentStep,
		ETA:         t.ETA,
		CreatedBy:   t.CreatedBy,
		Version:     t.Version,
		CreatedAt:   t.CreatedAt.UnixNano(),
		UpdatedAt:   t.UpdatedAt.UnixNano(),
		StartedAt:   unixPtr(t.StartedAt),
		CompletedAt: unixPtr(t.CompletedAt),
	}
	if len(t.Result) > 0 {
		m.Result = datatypes.JSON(t.Result)
	}
	if t.Error != nil {
		data, err := json.Marshal(t.Error)
		if err != nil {
			return nil, fmt.Errorf("encode error: %w", err)
		}
		m.Error = datatypes.JSON(data)
	}
	return m, nil
}

func (m *taskModel) toTask() (*types.Task, error) {
	t := &types.Task{
		ID:          m.ID,
		Type:        types.TaskType(m.Type),
		Name:        m.Name,
		Priority:    types.Priority(m.Priority),
		Status:      types.TaskStatus(m.Status),
		Progress:    m.Progress,
		CurrentStep: m.CurrentStep,
		ETA:         m.ETA,
		CreatedBy:   m.CreatedBy,
		Version:     m.Version,
		Seq:         m.Seq,
		CreatedAt:   time.Unix(0, m.CreatedAt).UTC(),
		UpdatedAt:   time.Unix(0, m.UpdatedAt).UTC(),
		StartedAt:   timePtr(m.StartedAt),
		CompletedAt: timePtr(m.CompletedAt),
	}
	if len(m.Params) > 0 {
		if err := json.Unmarshal(m.Params, &t.Params); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "store.decode", err)
		}
	}
	if len(m.Result) > 0 && string(m.Result) != "null" {
		t.Result = json.RawMessage(m.Result)
	}
	if len(m.Error) > 0 && string(m.Error) != "null" {
		var te types.TaskError
		if err := json.Unmarshal(m.Error, &te); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "store.decode", err)
		}
		t.Error = &te
	}
	return t, nil
}

func statusStrings(list []types.TaskStatus) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}

func typeStrings(list []types.TaskType) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}

func unixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixNano()
	return &v
}

func timePtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(0, *v).UTC()
	return &t
}
