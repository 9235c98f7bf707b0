// Package anomaly detects statistical anomalies in the signal stream:
// per-source volume spikes, fleet-wide risk score surges, and sentiment
// drift toward negative.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/signalforgehq/signal-engine/internal/metrics"
	"github.com/signalforgehq/signal-engine/internal/models"
)

// Event types emitted by the detector.
const (
	TypeVolumeSpike    = "volume_spike"
	TypeRiskSpike      = "risk_spike"
	TypeSentimentDrift = "sentiment_drift"
)

// Event severities. Sentiment drift never reaches "high"; it jumps from
// moderate straight to critical.
const (
	SeverityModerate = "moderate"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Event is a single detected anomaly.
type Event struct {
	ID                string              `json:"id"`
	Type              string              `json:"type"`
	Severity          string              `json:"severity"`
	Title             string              `json:"title"`
	Description       string              `json:"description"`
	AffectedSource    models.SignalSource `json:"affected_source,omitempty"`
	MetricValue       float64             `json:"metric_value"`
	Threshold         float64             `json:"threshold"`
	AffectedSignalIDs []int64             `json:"affected_signal_ids,omitempty"`
	DetectedAt        time.Time           `json:"detected_at"`
}

// StatsStore provides the aggregate queries the detection passes need.
// Implementations return zero values, not errors, when no rows match.
type StatsStore interface {
	// CountBySource counts signals per source with timestamp in [from, to).
	CountBySource(ctx context.Context, from, to time.Time) (map[models.SignalSource]int, error)
	// RiskStats returns the average risk score and the number of scored
	// signals with timestamp in [from, to).
	RiskStats(ctx context.Context, from, to time.Time) (avg float64, count int, err error)
	// SentimentCounts returns total and negative labeled signal counts with
	// timestamp in [from, to).
	SentimentCounts(ctx context.Context, from, to time.Time) (total, negative int, err error)
	// HighRiskSignalIDs returns ids of signals since from with risk score at
	// least minScore, highest first, capped at limit.
	HighRiskSignalIDs(ctx context.Context, from time.Time, minScore float64, limit int) ([]int64, error)
}

// Detector runs the detection passes and keeps a capped in-memory history of
// emitted events for the dashboard feed.
type Detector struct {
	store  StatsStore
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	events []Event
}

const maxEventHistory = 100

// Option customizes a Detector.
type Option func(*Detector)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// NewDetector creates a Detector over the given stats store.
func NewDetector(store StatsStore, logger *slog.Logger, opts ...Option) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Detector{store: store, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RecentEvents returns the event history, newest first.
func (d *Detector) RecentEvents() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Event, len(d.events))
	for i, ev := range d.events {
		out[len(d.events)-1-i] = ev
	}
	return out
}

// RunDetection executes all passes and returns the newly detected events.
// A failed pass is logged and skipped; its error is joined into the returned
// error so callers can tell a clean empty run from a degraded one. Events
// from successful passes are always recorded and returned.
func (d *Detector) RunDetection(ctx context.Context) ([]Event, error) {
	now := d.now().UTC()

	var newEvents []Event
	var errs []error

	passes := []struct {
		name string
		run  func(context.Context, time.Time) ([]Event, error)
	}{
		{TypeVolumeSpike, d.detectVolumeSpikes},
		{TypeRiskSpike, d.detectRiskSpikes},
		{TypeSentimentDrift, d.detectSentimentDrift},
	}
	for _, pass := range passes {
		events, err := pass.run(ctx, now)
		if err != nil {
			d.logger.Error("anomaly detection pass failed",
				slog.String("pass", pass.name),
				slog.Any("error", err))
			metrics.ObserveDetectionPass(pass.name, metrics.OutcomeError)
			errs = append(errs, fmt.Errorf("%s: %w", pass.name, err))
			continue
		}
		metrics.ObserveDetectionPass(pass.name, metrics.OutcomeSuccess)
		for _, ev := range events {
			metrics.CountAnomalyEvent(ev.Type, ev.Severity)
		}
		newEvents = append(newEvents, events...)
	}

	d.mu.Lock()
	d.events = append(d.events, newEvents...)
	if len(d.events) > maxEventHistory {
		d.events = d.events[len(d.events)-maxEventHistory:]
	}
	d.mu.Unlock()

	return newEvents, errors.Join(errs...)
}

// detectVolumeSpikes compares the last hour's per-source counts against a
// Poisson baseline from the preceding 23 hours. Sources averaging fewer than
// 2 signals/hr are skipped.
func (d *Detector) detectVolumeSpikes(ctx context.Context, now time.Time) ([]Event, error) {
	recent, err := d.store.CountBySource(ctx, now.Add(-time.Hour), now)
	if err != nil {
		return nil, err
	}
	baselineCounts, err := d.store.CountBySource(ctx, now.Add(-24*time.Hour), now.Add(-time.Hour))
	if err != nil {
		return nil, err
	}

	sources := make([]models.SignalSource, 0, len(recent))
	for source := range recent {
		sources = append(sources, source)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	var events []Event
	for _, source := range sources {
		recentCount := recent[source]
		baselineAvg := float64(baselineCounts[source]) / 23.0
		if baselineAvg < 2 {
			continue
		}

		stdDev := math.Max(math.Sqrt(baselineAvg), 1)
		zScore := (float64(recentCount) - baselineAvg) / stdDev
		if zScore < 3.0 {
			continue
		}

		severity := SeverityHigh
		if zScore >= 5.0 {
			severity = SeverityCritical
		}
		events = append(events, Event{
			ID:       fmt.Sprintf("vol-%s-%s", source, now.Format("2006-01-02T15:04")),
			Type:     TypeVolumeSpike,
			Severity: severity,
			Title:    fmt.Sprintf("Volume spike: %s", source),
			Description: fmt.Sprintf(
				"%s source produced %d signals in the last hour, vs %.1f/hr average (z-score: %.1f)",
				source, recentCount, baselineAvg, zScore,
			),
			AffectedSource: source,
			MetricValue:    float64(recentCount),
			Threshold:      baselineAvg + 3*stdDev,
			DetectedAt:     now,
		})
	}
	return events, nil
}

// detectRiskSpikes flags the fleet-wide average risk of the last hour rising
// to at least 1.5x the 23-hour baseline. Requires 3 recent and 5 baseline
// scored signals.
func (d *Detector) detectRiskSpikes(ctx context.Context, now time.Time) ([]Event, error) {
	recentAvg, recentCount, err := d.store.RiskStats(ctx, now.Add(-time.Hour), now)
	if err != nil {
		return nil, err
	}
	if recentCount < 3 {
		return nil, nil
	}

	baselineAvg, baselineCount, err := d.store.RiskStats(ctx, now.Add(-24*time.Hour), now.Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	if baselineCount < 5 || baselineAvg == 0 {
		return nil, nil
	}

	ratio := recentAvg / baselineAvg
	if ratio < 1.5 {
		return nil, nil
	}

	severity := SeverityHigh
	if ratio >= 2.0 {
		severity = SeverityCritical
	}

	signalIDs, err := d.store.HighRiskSignalIDs(ctx, now.Add(-time.Hour), 0.6, 10)
	if err != nil {
		return nil, err
	}

	return []Event{{
		ID:       fmt.Sprintf("risk-%s", now.Format("2006-01-02T15:04")),
		Type:     TypeRiskSpike,
		Severity: severity,
		Title:    "Risk score surge detected",
		Description: fmt.Sprintf(
			"Average risk score jumped to %.1f%% (from %.1f%% baseline), a %.1fx increase",
			recentAvg*100, baselineAvg*100, ratio,
		),
		MetricValue:       recentAvg,
		Threshold:         baselineAvg * 1.5,
		AffectedSignalIDs: signalIDs,
		DetectedAt:        now,
	}}, nil
}

// detectSentimentDrift flags the last 2 hours turning predominantly negative:
// negative ratio at least 0.5 and more than 1.5x the 22-hour baseline ratio.
// Requires 5 labeled signals on both sides.
func (d *Detector) detectSentimentDrift(ctx context.Context, now time.Time) ([]Event, error) {
	recentTotal, recentNeg, err := d.store.SentimentCounts(ctx, now.Add(-2*time.Hour), now)
	if err != nil {
		return nil, err
	}
	if recentTotal < 5 {
		return nil, nil
	}

	baselineTotal, baselineNeg, err := d.store.SentimentCounts(ctx, now.Add(-24*time.Hour), now.Add(-2*time.Hour))
	if err != nil {
		return nil, err
	}
	if baselineTotal < 5 {
		return nil, nil
	}

	recentRatio := float64(recentNeg) / float64(recentTotal)
	baselineRatio := float64(baselineNeg) / float64(baselineTotal)

	if recentRatio < 0.5 || recentRatio <= baselineRatio*1.5 {
		return nil, nil
	}

	severity := SeverityModerate
	if recentRatio >= 0.75 {
		severity = SeverityCritical
	}

	return []Event{{
		ID:       fmt.Sprintf("sent-%s", now.Format("2006-01-02T15:04")),
		Type:     TypeSentimentDrift,
		Severity: severity,
		Title:    "Negative sentiment surge",
		Description: fmt.Sprintf(
			"%.0f%% of recent signals have negative sentiment (vs %.0f%% baseline)",
			recentRatio*100, baselineRatio*100,
		),
		MetricValue: recentRatio,
		Threshold:   baselineRatio * 1.5,
		DetectedAt:  now,
	}}, nil
}
