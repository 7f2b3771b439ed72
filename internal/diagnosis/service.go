package diagnosis

import (
	"context"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/events"
	"github.com/atlas-desktop/backtest-lab/internal/metrics"
	"github.com/atlas-desktop/backtest-lab/internal/store"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"go.uber.org/zap"
)

// Service diagnoses stored results and keeps the latest diagnosis per result
type Service struct {
	logger    *zap.Logger
	results   store.ResultRepository
	analyzer  *Analyzer
	evaluator Evaluator
	publisher events.Publisher
	metrics   *metrics.Metrics
	defaults  types.DiagnosisParams
}

// NewService creates a diagnosis service. evaluator may be nil, which leaves
// sensitivity analysis unavailable.
func NewService(
	logger *zap.Logger,
	results store.ResultRepository,
	analyzer *Analyzer,
	evaluator Evaluator,
	publisher events.Publisher,
	m *metrics.Metrics,
	defaults types.DiagnosisParams,
) *Service {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Service{
		logger:    logger.With(zap.String("component", "diagnosis")),
		results:   results,
		analyzer:  analyzer,
		evaluator: evaluator,
		publisher: publisher,
		metrics:   m,
		defaults:  defaults,
	}
}

// Diagnose analyzes a stored result and replaces its previous diagnosis.
// Nil params use the configured defaults.
func (s *Service) Diagnose(ctx context.Context, resultID string, params *types.DiagnosisParams) (*types.DiagnosisResult, error) {
	result, err := s.results.LoadResult(ctx, resultID)
	if err != nil {
		return nil, err
	}

	p := s.defaults
	if params != nil {
		p = *params
	}

	start := time.Now()
	diag, err := s.analyzer.Diagnose(ctx, result, p, s.evaluator)
	if err != nil {
		s.metrics.DiagnosisRun("error")
		return nil, err
	}
	if err := s.results.SaveDiagnosis(ctx, diag); err != nil {
		s.metrics.DiagnosisRun("error")
		return nil, err
	}
	s.metrics.DiagnosisRun("ok")

	s.publisher.Publish(events.NewEvent(events.EventTypeDiagnosis, result.TaskID, diag))
	s.logger.Info("Diagnosis completed",
		zap.String("result_id", resultID),
		zap.String("task_id", result.TaskID),
		zap.Int("suggestions", len(diag.Suggestions)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return diag, nil
}

// Get returns the stored diagnosis of a result
func (s *Service) Get(ctx context.Context, resultID string) (*types.DiagnosisResult, error) {
	return s.results.LoadDiagnosis(ctx, resultID)
}

// Result returns a stored backtest result
func (s *Service) Result(ctx context.Context, resultID string) (*types.BacktestResult, error) {
	return s.results.LoadResult(ctx, resultID)
}
