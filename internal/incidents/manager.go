// Package incidents turns anomaly events and concerning forecasts into
// deduplicated, auto-managed incidents: create, refresh-in-place, and
// resolve once the underlying signals normalize.
package incidents

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/signalforgehq/signal-engine/internal/anomaly"
	"github.com/signalforgehq/signal-engine/internal/forecast"
	"github.com/signalforgehq/signal-engine/internal/metrics"
	"github.com/signalforgehq/signal-engine/internal/models"
)

// Title prefixes double as the dedup namespace for auto-generated incidents.
const (
	AnomalyTitlePrefix  = "[Anomaly] "
	ForecastTitlePrefix = "[Forecast] "
)

const maxRelatedIDs = 200

// IncidentStore persists incidents. OpenIncidentByTitle returns (nil, nil)
// when no open incident carries the title.
type IncidentStore interface {
	OpenIncidentByTitle(ctx context.Context, title string) (*models.Incident, error)
	CreateIncident(ctx context.Context, incident *models.Incident) error
	UpdateIncident(ctx context.Context, incident *models.Incident) error
	// OpenAutoIncidents returns open incidents whose title starts with one of
	// the auto-generated prefixes, newest first.
	OpenAutoIncidents(ctx context.Context) ([]models.Incident, error)
}

// SignalLookup resolves the signal ids an incident should reference.
type SignalLookup interface {
	// MetricSignalIDs returns ids of recent signals carrying the metric name
	// in their metadata, newest first, capped at limit.
	MetricSignalIDs(ctx context.Context, metric string, window time.Duration, limit int) ([]int64, error)
}

// ForecastProvider is the slice of the forecast engine the manager consumes.
type ForecastProvider interface {
	ListMetricNames(ctx context.Context, lookback time.Duration, maxScan int) ([]string, error)
	Generate(ctx context.Context, metric string, horizon int, lookback time.Duration) (forecast.Result, error)
}

// Config bounds the forecast sweep and the reconciliation grace periods.
type Config struct {
	ForecastMaxMetrics int
	ForecastLookback   time.Duration
	ForecastHorizon    int
	AnomalyGrace       time.Duration
	ForecastGrace      time.Duration
}

func (c *Config) applyDefaults() {
	if c.ForecastMaxMetrics <= 0 {
		c.ForecastMaxMetrics = 6
	}
	if c.ForecastLookback <= 0 {
		c.ForecastLookback = 168 * time.Hour
	}
	if c.ForecastHorizon <= 0 {
		c.ForecastHorizon = 8
	}
	if c.AnomalyGrace <= 0 {
		c.AnomalyGrace = 90 * time.Minute
	}
	if c.ForecastGrace <= 0 {
		c.ForecastGrace = 180 * time.Minute
	}
}

// Concern is a forecast judged alarming enough to open an incident for.
type Concern struct {
	MetricName  string
	Title       string
	Direction   string
	Severity    models.IncidentSeverity
	Description string
	Hypothesis  string
	Actions     string
	Forecast    forecast.Result
}

// Manager owns the auto-incident lifecycle.
type Manager struct {
	store      IncidentStore
	signals    SignalLookup
	forecaster ForecastProvider
	rules      *ActionRules
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithActionRules attaches an optional rule pack whose actions are appended
// to anomaly incidents.
func WithActionRules(rules *ActionRules) Option {
	return func(m *Manager) { m.rules = rules }
}

// NewManager creates a Manager.
func NewManager(store IncidentStore, signals SignalLookup, forecaster ForecastProvider, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:      store,
		signals:    signals,
		forecaster: forecaster,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AnomalyTitles returns the dedup titles of the given events.
func AnomalyTitles(events []anomaly.Event) map[string]struct{} {
	titles := make(map[string]struct{}, len(events))
	for _, ev := range events {
		titles[anomalyTitle(ev)] = struct{}{}
	}
	return titles
}

// ForecastTitles returns the dedup titles of the given concerns.
func ForecastTitles(concerns []Concern) map[string]struct{} {
	titles := make(map[string]struct{}, len(concerns))
	for _, c := range concerns {
		titles[c.Title] = struct{}{}
	}
	return titles
}

// CreateFromAnomalies opens an incident per anomaly event, refreshing an
// already-open incident with the same title instead of duplicating it.
func (m *Manager) CreateFromAnomalies(ctx context.Context, events []anomaly.Event) ([]models.Incident, error) {
	var created []models.Incident
	for _, ev := range events {
		title := anomalyTitle(ev)
		description := fmt.Sprintf(
			"%s. Observed value %.3f exceeded threshold %.3f.",
			ev.Description, ev.MetricValue, ev.Threshold,
		)
		severity := mapAnomalySeverity(ev.Severity)
		hypothesis := anomalyHypothesis(ev.Type)
		actions := m.anomalyActions(ev)

		existing, err := m.store.OpenIncidentByTitle(ctx, title)
		if err != nil {
			return created, fmt.Errorf("lookup incident %q: %w", title, err)
		}
		if existing != nil {
			m.refresh(existing, severity, description, hypothesis, actions, ev.AffectedSignalIDs)
			if err := m.store.UpdateIncident(ctx, existing); err != nil {
				return created, fmt.Errorf("refresh incident %d: %w", existing.ID, err)
			}
			metrics.CountIncidentAuto("refreshed", "anomaly")
			continue
		}

		incident := models.Incident{
			Title:               title,
			Description:         description,
			Severity:            severity,
			Status:              models.StatusInvestigating,
			StartTime:           ev.DetectedAt,
			RelatedSignalIDs:    mergeRelatedIDs(nil, ev.AffectedSignalIDs),
			RootCauseHypothesis: hypothesis,
			RecommendedActions:  actions,
		}
		if err := m.store.CreateIncident(ctx, &incident); err != nil {
			return created, fmt.Errorf("create incident %q: %w", title, err)
		}
		metrics.CountIncidentAuto("created", "anomaly")
		created = append(created, incident)
	}
	return created, nil
}

// CollectForecastConcerns sweeps the forecastable metrics and returns the
// ones whose projection crosses a concern threshold.
func (m *Manager) CollectForecastConcerns(ctx context.Context) ([]Concern, error) {
	names, err := m.forecaster.ListMetricNames(ctx, m.cfg.ForecastLookback, 0)
	if err != nil {
		return nil, fmt.Errorf("list metric names: %w", err)
	}
	if len(names) > m.cfg.ForecastMaxMetrics {
		names = names[:m.cfg.ForecastMaxMetrics]
	}

	var concerns []Concern
	for _, metric := range names {
		result, err := m.forecaster.Generate(ctx, metric, m.cfg.ForecastHorizon, m.cfg.ForecastLookback)
		if err != nil {
			m.logger.Warn("forecast generation failed",
				slog.String("metric", metric),
				slog.Any("error", err))
			continue
		}
		if concern, ok := evaluateForecast(metric, result); ok {
			concerns = append(concerns, concern)
		}
	}
	return concerns, nil
}

// CreateFromForecasts opens or refreshes one incident per concern.
func (m *Manager) CreateFromForecasts(ctx context.Context, concerns []Concern) ([]models.Incident, error) {
	var created []models.Incident
	for _, concern := range concerns {
		relatedIDs, err := m.signals.MetricSignalIDs(ctx, concern.MetricName, 48*time.Hour, 20)
		if err != nil {
			return created, fmt.Errorf("related signals for %q: %w", concern.MetricName, err)
		}

		existing, err := m.store.OpenIncidentByTitle(ctx, concern.Title)
		if err != nil {
			return created, fmt.Errorf("lookup incident %q: %w", concern.Title, err)
		}
		if existing != nil {
			m.refresh(existing, concern.Severity, concern.Description, concern.Hypothesis, concern.Actions, relatedIDs)
			if err := m.store.UpdateIncident(ctx, existing); err != nil {
				return created, fmt.Errorf("refresh incident %d: %w", existing.ID, err)
			}
			metrics.CountIncidentAuto("refreshed", "forecast")
			continue
		}

		incident := models.Incident{
			Title:               concern.Title,
			Description:         concern.Description,
			Severity:            concern.Severity,
			Status:              models.StatusInvestigating,
			StartTime:           concern.Forecast.GeneratedAt,
			RelatedSignalIDs:    mergeRelatedIDs(nil, relatedIDs),
			RootCauseHypothesis: concern.Hypothesis,
			RecommendedActions:  concern.Actions,
		}
		if err := m.store.CreateIncident(ctx, &incident); err != nil {
			return created, fmt.Errorf("create incident %q: %w", concern.Title, err)
		}
		metrics.CountIncidentAuto("created", "forecast")
		created = append(created, incident)
	}
	return created, nil
}

// ReconcileOpenIncidents resolves auto-generated incidents whose condition
// is no longer active once the grace period has elapsed. A nil title set
// means that detection type did not run this cycle, so its incidents are
// left untouched rather than falsely resolved.
func (m *Manager) ReconcileOpenIncidents(ctx context.Context, anomalyTitles, forecastTitles map[string]struct{}) ([]models.Incident, error) {
	open, err := m.store.OpenAutoIncidents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open auto incidents: %w", err)
	}

	now := m.now().UTC()
	var resolved []models.Incident
	for i := range open {
		incident := open[i]

		var stale bool
		switch {
		case strings.HasPrefix(incident.Title, strings.TrimSuffix(AnomalyTitlePrefix, " ")) && anomalyTitles != nil:
			_, active := anomalyTitles[incident.Title]
			stale = !active && now.Sub(incident.StartTime) >= m.cfg.AnomalyGrace
		case strings.HasPrefix(incident.Title, strings.TrimSuffix(ForecastTitlePrefix, " ")) && forecastTitles != nil:
			_, active := forecastTitles[incident.Title]
			stale = !active && now.Sub(incident.StartTime) >= m.cfg.ForecastGrace
		}
		if !stale {
			continue
		}

		incident.Status = models.StatusResolved
		incident.EndTime = &now
		note := fmt.Sprintf("Auto-resolved at %s after normalization window.", now.Format(time.RFC3339))
		if incident.RecommendedActions != "" {
			incident.RecommendedActions += "\n" + note
		} else {
			incident.RecommendedActions = note
		}
		if err := m.store.UpdateIncident(ctx, &incident); err != nil {
			return resolved, fmt.Errorf("resolve incident %d: %w", incident.ID, err)
		}
		metrics.CountIncidentAuto("resolved", "reconcile")
		resolved = append(resolved, incident)
	}
	return resolved, nil
}

// refresh updates an open incident in place. Severity is never downgraded,
// the status returns to investigating, and any end time from a premature
// resolution is cleared.
func (m *Manager) refresh(incident *models.Incident, severity models.IncidentSeverity, description, hypothesis, actions string, relatedIDs []int64) {
	incident.Severity = MaxSeverity(incident.Severity, severity)
	incident.Status = models.StatusInvestigating
	incident.EndTime = nil
	incident.Description = description
	incident.RootCauseHypothesis = hypothesis
	incident.RecommendedActions = actions
	incident.RelatedSignalIDs = mergeRelatedIDs(incident.RelatedSignalIDs, relatedIDs)
}

var severityRank = map[models.IncidentSeverity]int{
	models.SeverityLow:      1,
	models.SeverityMedium:   2,
	models.SeverityHigh:     3,
	models.SeverityCritical: 4,
}

// MaxSeverity returns the higher-ranked of two severities. Unknown values
// rank as medium.
func MaxSeverity(existing, incoming models.IncidentSeverity) models.IncidentSeverity {
	existingRank, ok := severityRank[existing]
	if !ok {
		existingRank = 2
	}
	incomingRank, ok := severityRank[incoming]
	if !ok {
		incomingRank = 2
	}
	if existingRank >= incomingRank {
		return existing
	}
	return incoming
}

// mergeRelatedIDs merges, dedups, sorts, and caps the related signal ids.
func mergeRelatedIDs(existing, incoming []int64) []int64 {
	seen := make(map[int64]struct{}, len(existing)+len(incoming))
	merged := make([]int64, 0, len(existing)+len(incoming))
	for _, list := range [][]int64{existing, incoming} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			merged = append(merged, id)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })
	if len(merged) > maxRelatedIDs {
		merged = merged[:maxRelatedIDs]
	}
	return merged
}

func anomalyTitle(ev anomaly.Event) string {
	return AnomalyTitlePrefix + ev.Title
}

func forecastTitle(metric, direction string) string {
	return fmt.Sprintf("%s%s %s trend risk", ForecastTitlePrefix, metric, direction)
}

func mapAnomalySeverity(severity string) models.IncidentSeverity {
	switch severity {
	case anomaly.SeverityCritical:
		return models.SeverityCritical
	case anomaly.SeverityHigh:
		return models.SeverityHigh
	default:
		return models.SeverityMedium
	}
}

func anomalyHypothesis(eventType string) string {
	switch eventType {
	case anomaly.TypeVolumeSpike:
		return "Cross-channel event volume spike suggests emerging operational incident."
	case anomaly.TypeRiskSpike:
		return "Composite risk acceleration indicates correlated high-impact signals."
	default:
		return "Sentiment drift indicates growing user/customer impact perception."
	}
}

func (m *Manager) anomalyActions(ev anomaly.Event) string {
	source := string(ev.AffectedSource)
	if source == "" {
		source = "cross-source"
	}
	actions := []string{
		"1. Correlate top affected signals with recent deployments/incidents.",
		"2. Assign an incident owner and triage impacted components.",
		"3. Increase monitoring frequency until anomaly metrics normalize.",
		fmt.Sprintf("4. Review source `%s` for root-cause evidence.", source),
	}
	for i, extra := range m.rules.ActionsFor(ev) {
		actions = append(actions, fmt.Sprintf("%d. %s", 5+i, extra))
	}
	return strings.Join(actions, "\n")
}

// Metric-name classes for forecast concern thresholds. Metrics where growth
// hurts alert on +8%, metrics where decline hurts on -8%, everything else on
// a ±15% move.
var (
	higherIsBadKeywords = []string{"churn", "latency", "error", "cac", "cost"}
	lowerIsBadKeywords  = []string{"mrr", "arr", "revenue", "throughput", "request_rate", "engagement"}
)

func evaluateForecast(metric string, result forecast.Result) (Concern, bool) {
	if result.Confidence < 0.6 || len(result.ObservedPoints) == 0 || len(result.PredictedValues) == 0 {
		return Concern{}, false
	}

	observedLast := result.ObservedPoints[len(result.ObservedPoints)-1].Value
	predictedLast := result.PredictedValues[len(result.PredictedValues)-1].Value
	if observedLast == 0 {
		return Concern{}, false
	}
	changeRatio := (predictedLast - observedLast) / math.Abs(observedLast)

	lower := strings.ToLower(metric)
	higherIsBad := containsAny(lower, higherIsBadKeywords)
	lowerIsBad := containsAny(lower, lowerIsBadKeywords)

	var direction string
	switch {
	case higherIsBad && changeRatio >= 0.08:
		direction = "increasing"
	case lowerIsBad && changeRatio <= -0.08:
		direction = "declining"
	case !higherIsBad && !lowerIsBad && math.Abs(changeRatio) >= 0.15:
		direction = "increasing"
		if changeRatio < 0 {
			direction = "declining"
		}
	default:
		return Concern{}, false
	}

	severity := models.SeverityHigh
	if math.Abs(changeRatio) >= 0.2 && result.Confidence >= 0.7 {
		severity = models.SeverityCritical
	}

	directionWord := "downward"
	if changeRatio > 0 {
		directionWord = "upward"
	}
	description := fmt.Sprintf(
		"Forecast indicates %s pressure for `%s`. Projected change is %+.1f%% from latest observed value with %.0f%% confidence.",
		directionWord, metric, changeRatio*100, result.Confidence*100,
	)
	hypothesis := fmt.Sprintf(
		"Trend shift in `%s` may be linked to correlated system/support/financial changes.", metric,
	)
	actions := strings.Join([]string{
		"1. Validate forecast against recent anomaly and ticket trends.",
		"2. Run correlation graph on related signals to identify leading indicators.",
		"3. Define mitigation owner and watch thresholds for next cycle.",
	}, "\n")

	return Concern{
		MetricName:  metric,
		Title:       forecastTitle(metric, direction),
		Direction:   direction,
		Severity:    severity,
		Description: description,
		Hypothesis:  hypothesis,
		Actions:     actions,
		Forecast:    result,
	}, true
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
