// Package scheduler drives the periodic intelligence cycle: score unscored
// signals, run anomaly detection, open incidents, sweep forecasts on a
// slower cadence, and reconcile incidents that have normalized.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/signalforgehq/signal-engine/internal/anomaly"
	"github.com/signalforgehq/signal-engine/internal/config"
	"github.com/signalforgehq/signal-engine/internal/incidents"
	"github.com/signalforgehq/signal-engine/internal/metrics"
	"github.com/signalforgehq/signal-engine/internal/models"
	"github.com/signalforgehq/signal-engine/internal/risk"
)

// SignalStore is the slice of the store the scoring pass needs.
type SignalStore interface {
	UnscoredSignals(ctx context.Context, limit int) ([]models.Signal, error)
	ApplyRiskScore(ctx context.Context, signalID int64, score float64, tier models.RiskTier) error
	InsertRiskAssessment(ctx context.Context, assessment *models.RiskAssessment) error
}

// Detector runs the anomaly passes.
type Detector interface {
	RunDetection(ctx context.Context) ([]anomaly.Event, error)
}

// IncidentManager owns the auto-incident lifecycle.
type IncidentManager interface {
	CreateFromAnomalies(ctx context.Context, events []anomaly.Event) ([]models.Incident, error)
	CollectForecastConcerns(ctx context.Context) ([]incidents.Concern, error)
	CreateFromForecasts(ctx context.Context, concerns []incidents.Concern) ([]models.Incident, error)
	ReconcileOpenIncidents(ctx context.Context, anomalyTitles, forecastTitles map[string]struct{}) ([]models.Incident, error)
}

// EmbeddingIndexer receives vectors of freshly scored signals.
type EmbeddingIndexer interface {
	Add(id int64, vector []float64)
}

// Scheduler runs the cycle on a fixed interval from a single goroutine, so
// ticks never overlap; a slow tick simply delays the next one.
type Scheduler struct {
	store    SignalStore
	scorer   *risk.Scorer
	detector Detector
	manager  IncidentManager
	index    EmbeddingIndexer
	cfg      config.SchedulerConfig
	logger   *slog.Logger
	now      func() time.Time

	lastForecast time.Time
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler.
func New(store SignalStore, scorer *risk.Scorer, detector Detector, manager IncidentManager, index EmbeddingIndexer, cfg config.SchedulerConfig, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:    store,
		scorer:   scorer,
		detector: detector,
		manager:  manager,
		index:    index,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks immediately, then on every interval until the context is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("forecast_interval", s.cfg.ForecastInterval))

	s.Tick(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one full cycle. Pass failures are logged and isolated: a failed
// detection or forecast sweep skips its dependents for this cycle but never
// blocks the others.
func (s *Scheduler) Tick(ctx context.Context) {
	tickID := uuid.NewString()
	started := s.now()
	logger := s.logger.With(slog.String("tick_id", tickID))
	outcome := metrics.OutcomeSuccess

	if err := s.scorePass(ctx, logger); err != nil {
		logger.Error("scoring pass failed", slog.Any("error", err))
		outcome = metrics.OutcomeError
	}

	events, detErr := s.detector.RunDetection(ctx)
	if detErr != nil {
		logger.Error("detection degraded", slog.Any("error", detErr))
		outcome = metrics.OutcomeError
	}
	if len(events) > 0 {
		created, err := s.manager.CreateFromAnomalies(ctx, events)
		if err != nil {
			logger.Error("anomaly incident creation failed", slog.Any("error", err))
			outcome = metrics.OutcomeError
		} else if len(created) > 0 {
			logger.Info("anomaly incidents created", slog.Int("count", len(created)))
		}
	}

	// Forecast sweeps are expensive, so they run on their own slower cadence.
	// A nil title set tells reconciliation the sweep did not run this tick.
	var forecastTitles map[string]struct{}
	if s.now().Sub(s.lastForecast) >= s.cfg.ForecastInterval {
		concerns, err := s.manager.CollectForecastConcerns(ctx)
		if err != nil {
			logger.Error("forecast sweep failed", slog.Any("error", err))
			outcome = metrics.OutcomeError
		} else {
			s.lastForecast = s.now()
			forecastTitles = incidents.ForecastTitles(concerns)
			if _, err := s.manager.CreateFromForecasts(ctx, concerns); err != nil {
				logger.Error("forecast incident creation failed", slog.Any("error", err))
				outcome = metrics.OutcomeError
			}
		}
	}

	// A degraded detection run must not auto-resolve anomaly incidents, so
	// reconciliation gets a nil set in that case.
	var anomalyTitles map[string]struct{}
	if detErr == nil {
		anomalyTitles = incidents.AnomalyTitles(events)
	}
	resolved, err := s.manager.ReconcileOpenIncidents(ctx, anomalyTitles, forecastTitles)
	if err != nil {
		logger.Error("reconciliation failed", slog.Any("error", err))
		outcome = metrics.OutcomeError
	} else if len(resolved) > 0 {
		logger.Info("incidents auto-resolved", slog.Int("count", len(resolved)))
	}

	duration := s.now().Sub(started)
	metrics.ObserveTick(duration, outcome)
	logger.Debug("tick complete",
		slog.Duration("duration", duration),
		slog.String("outcome", outcome))
}

// scorePass scores a batch of unscored signals, records the assessment
// history, and feeds embeddings into the similarity index. Per-signal
// failures are logged and skipped.
func (s *Scheduler) scorePass(ctx context.Context, logger *slog.Logger) error {
	batch := s.cfg.ScoringBatch
	if batch <= 0 {
		batch = 50
	}
	signals, err := s.store.UnscoredSignals(ctx, batch)
	if err != nil {
		return err
	}

	for i := range signals {
		sig := &signals[i]
		result := s.scorer.Score(risk.Inputs{
			SentimentScore: sig.SentimentScore,
			Context:        risk.ResolveSourceContext(sig.Source, sig.Metadata),
		})

		if err := s.store.ApplyRiskScore(ctx, sig.ID, result.CompositeScore, result.Tier); err != nil {
			logger.Error("apply risk score failed",
				slog.Int64("signal_id", sig.ID),
				slog.Any("error", err))
			continue
		}
		assessment := &models.RiskAssessment{
			SignalID:              sig.ID,
			CompositeScore:        result.CompositeScore,
			SentimentComponent:    result.SentimentComponent,
			AnomalyComponent:      result.AnomalyComponent,
			TicketVolumeComponent: result.TicketVolumeComponent,
			RevenueComponent:      result.RevenueComponent,
			EngagementComponent:   result.EngagementComponent,
			Tier:                  result.Tier,
			Explanation:           result.Explanation,
		}
		if err := s.store.InsertRiskAssessment(ctx, assessment); err != nil {
			logger.Error("insert risk assessment failed",
				slog.Int64("signal_id", sig.ID),
				slog.Any("error", err))
		}
		if s.index != nil && len(sig.Embedding) > 0 {
			s.index.Add(sig.ID, sig.Embedding)
		}
	}

	if len(signals) > 0 {
		logger.Info("signals scored", slog.Int("count", len(signals)))
	}
	return nil
}
