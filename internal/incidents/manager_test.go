package incidents

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/signalforgehq/signal-engine/internal/anomaly"
	"github.com/signalforgehq/signal-engine/internal/forecast"
	"github.com/signalforgehq/signal-engine/internal/models"
)

type fakeIncidentStore struct {
	incidents []models.Incident
	nextID    int64
}

func (f *fakeIncidentStore) OpenIncidentByTitle(_ context.Context, title string) (*models.Incident, error) {
	for i := len(f.incidents) - 1; i >= 0; i-- {
		if f.incidents[i].Title == title && f.incidents[i].Status.Open() {
			inc := f.incidents[i]
			return &inc, nil
		}
	}
	return nil, nil
}

func (f *fakeIncidentStore) CreateIncident(_ context.Context, incident *models.Incident) error {
	f.nextID++
	incident.ID = f.nextID
	f.incidents = append(f.incidents, *incident)
	return nil
}

func (f *fakeIncidentStore) UpdateIncident(_ context.Context, incident *models.Incident) error {
	for i := range f.incidents {
		if f.incidents[i].ID == incident.ID {
			f.incidents[i] = *incident
			return nil
		}
	}
	return nil
}

func (f *fakeIncidentStore) OpenAutoIncidents(context.Context) ([]models.Incident, error) {
	var open []models.Incident
	for _, inc := range f.incidents {
		if inc.Status.Open() &&
			(strings.HasPrefix(inc.Title, "[Anomaly]") || strings.HasPrefix(inc.Title, "[Forecast]")) {
			open = append(open, inc)
		}
	}
	return open, nil
}

func (f *fakeIncidentStore) byID(id int64) *models.Incident {
	for i := range f.incidents {
		if f.incidents[i].ID == id {
			return &f.incidents[i]
		}
	}
	return nil
}

type fakeLookup struct {
	ids []int64
}

func (f *fakeLookup) MetricSignalIDs(context.Context, string, time.Duration, int) ([]int64, error) {
	return f.ids, nil
}

type fakeForecaster struct {
	names   []string
	results map[string]forecast.Result
}

func (f *fakeForecaster) ListMetricNames(context.Context, time.Duration, int) ([]string, error) {
	return f.names, nil
}

func (f *fakeForecaster) Generate(_ context.Context, metric string, _ int, _ time.Duration) (forecast.Result, error) {
	return f.results[metric], nil
}

func managerAt(store *fakeIncidentStore, lookup SignalLookup, forecaster ForecastProvider, at time.Time) *Manager {
	if lookup == nil {
		lookup = &fakeLookup{}
	}
	if forecaster == nil {
		forecaster = &fakeForecaster{}
	}
	return NewManager(store, lookup, forecaster, Config{}, nil,
		WithClock(func() time.Time { return at }))
}

func volumeEvent(at time.Time) anomaly.Event {
	return anomaly.Event{
		ID:                "vol-reddit-2026-08-23T12:00",
		Type:              anomaly.TypeVolumeSpike,
		Severity:          anomaly.SeverityHigh,
		Title:             "Volume spike: reddit",
		Description:       "reddit source produced 40 signals in the last hour, vs 10.0/hr average (z-score: 9.5)",
		AffectedSource:    models.SourceReddit,
		MetricValue:       40,
		Threshold:         19.5,
		AffectedSignalIDs: []int64{3, 1},
		DetectedAt:        at,
	}
}

func TestCreateFromAnomaliesDedupByTitle(t *testing.T) {
	at := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	store := &fakeIncidentStore{}
	m := managerAt(store, nil, nil, at)

	created, err := m.CreateFromAnomalies(context.Background(), []anomaly.Event{volumeEvent(at)})
	if err != nil {
		t.Fatalf("CreateFromAnomalies: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("expected 1 created, got %d", len(created))
	}
	inc := created[0]
	if inc.Title != "[Anomaly] Volume spike: reddit" {
		t.Fatalf("title = %q", inc.Title)
	}
	if inc.Status != models.StatusInvestigating || inc.Severity != models.SeverityHigh {
		t.Fatalf("status/severity = %s/%s", inc.Status, inc.Severity)
	}
	if !strings.Contains(inc.Description, "Observed value 40.000 exceeded threshold 19.500.") {
		t.Fatalf("description = %q", inc.Description)
	}
	if len(inc.RelatedSignalIDs) != 2 || inc.RelatedSignalIDs[0] != 1 {
		t.Fatalf("related ids should be sorted: %v", inc.RelatedSignalIDs)
	}
	if !strings.Contains(inc.RecommendedActions, "Review source `reddit`") {
		t.Fatalf("actions = %q", inc.RecommendedActions)
	}

	// Second detection of the same condition refreshes instead of duplicating.
	ev := volumeEvent(at.Add(time.Minute))
	ev.Severity = anomaly.SeverityCritical
	ev.AffectedSignalIDs = []int64{7}
	created, err = m.CreateFromAnomalies(context.Background(), []anomaly.Event{ev})
	if err != nil {
		t.Fatalf("CreateFromAnomalies refresh: %v", err)
	}
	if len(created) != 0 {
		t.Fatalf("refresh must not report a new incident, got %d", len(created))
	}
	if len(store.incidents) != 1 {
		t.Fatalf("expected 1 stored incident, got %d", len(store.incidents))
	}
	refreshed := store.byID(inc.ID)
	if refreshed.Severity != models.SeverityCritical {
		t.Fatalf("severity should escalate, got %s", refreshed.Severity)
	}
	want := []int64{1, 3, 7}
	if len(refreshed.RelatedSignalIDs) != 3 {
		t.Fatalf("merged ids = %v, want %v", refreshed.RelatedSignalIDs, want)
	}
	for i, id := range want {
		if refreshed.RelatedSignalIDs[i] != id {
			t.Fatalf("merged ids = %v, want %v", refreshed.RelatedSignalIDs, want)
		}
	}
}

func TestRefreshNeverDowngradesSeverity(t *testing.T) {
	at := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	store := &fakeIncidentStore{}
	m := managerAt(store, nil, nil, at)

	critical := volumeEvent(at)
	critical.Severity = anomaly.SeverityCritical
	if _, err := m.CreateFromAnomalies(context.Background(), []anomaly.Event{critical}); err != nil {
		t.Fatalf("CreateFromAnomalies: %v", err)
	}

	weaker := volumeEvent(at.Add(time.Minute))
	weaker.Severity = anomaly.SeverityModerate
	if _, err := m.CreateFromAnomalies(context.Background(), []anomaly.Event{weaker}); err != nil {
		t.Fatalf("CreateFromAnomalies: %v", err)
	}
	if got := store.incidents[0].Severity; got != models.SeverityCritical {
		t.Fatalf("severity downgraded to %s", got)
	}
}

func TestMaxSeverityUnknownRanksMedium(t *testing.T) {
	if got := MaxSeverity("mystery", models.SeverityLow); got != "mystery" {
		t.Fatalf("unknown vs low = %s", got)
	}
	if got := MaxSeverity("mystery", models.SeverityHigh); got != models.SeverityHigh {
		t.Fatalf("unknown vs high = %s", got)
	}
}

func TestMergeRelatedIDsCap(t *testing.T) {
	existing := make([]int64, 150)
	incoming := make([]int64, 150)
	for i := range existing {
		existing[i] = int64(i)
		incoming[i] = int64(i + 100) // 100..249, overlap 100..149
	}
	merged := mergeRelatedIDs(existing, incoming)
	if len(merged) != maxRelatedIDs {
		t.Fatalf("merged length = %d, want %d", len(merged), maxRelatedIDs)
	}
	if merged[0] != 0 || merged[len(merged)-1] != int64(maxRelatedIDs-1) {
		t.Fatalf("merged should keep the lowest ids after sorting: first=%d last=%d", merged[0], merged[len(merged)-1])
	}
}

func concernForecast(observed, predicted float64, confidence float64, at time.Time) forecast.Result {
	return forecast.Result{
		Method:          forecast.MethodLinearRegression,
		Confidence:      confidence,
		ObservedPoints:  []forecast.Point{{Timestamp: at.Add(-time.Hour), Value: observed}},
		PredictedValues: []forecast.Point{{Timestamp: at.Add(time.Hour), Value: predicted}},
		GeneratedAt:     at,
	}
}

func TestCollectForecastConcernsThresholds(t *testing.T) {
	at := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	forecaster := &fakeForecaster{
		names: []string{"churn_rate", "mrr", "signups", "support_load", "weekly_mrr_projection"},
		results: map[string]forecast.Result{
			"churn_rate":            concernForecast(100, 110, 0.65, at), // +10% on higher-is-bad → high
			"mrr":                   concernForecast(100, 95, 0.8, at),   // -5% on lower-is-bad → below threshold
			"signups":               concernForecast(100, 112, 0.8, at),  // +12% neutral → below ±15%
			"support_load":          concernForecast(100, 130, 0.9, at),  // +30% neutral, conf ≥0.7 → critical
			"weekly_mrr_projection": concernForecast(100, 70, 0.55, at),  // low confidence → skipped
		},
	}
	store := &fakeIncidentStore{}
	m := managerAt(store, nil, forecaster, at)

	concerns, err := m.CollectForecastConcerns(context.Background())
	if err != nil {
		t.Fatalf("CollectForecastConcerns: %v", err)
	}
	if len(concerns) != 2 {
		t.Fatalf("expected 2 concerns, got %+v", concerns)
	}

	churn := concerns[0]
	if churn.MetricName != "churn_rate" || churn.Severity != models.SeverityHigh {
		t.Fatalf("churn concern = %+v", churn)
	}
	if churn.Title != "[Forecast] churn_rate increasing trend risk" {
		t.Fatalf("title = %q", churn.Title)
	}
	if !strings.Contains(churn.Description, "upward pressure for `churn_rate`") ||
		!strings.Contains(churn.Description, "+10.0%") ||
		!strings.Contains(churn.Description, "65% confidence") {
		t.Fatalf("description = %q", churn.Description)
	}

	load := concerns[1]
	if load.MetricName != "support_load" || load.Severity != models.SeverityCritical {
		t.Fatalf("support_load concern = %+v", load)
	}
}

func TestCreateFromForecastsDedup(t *testing.T) {
	at := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	store := &fakeIncidentStore{}
	lookup := &fakeLookup{ids: []int64{9, 4}}
	m := managerAt(store, lookup, nil, at)

	concern, ok := evaluateForecast("churn_rate", concernForecast(100, 125, 0.9, at))
	if !ok {
		t.Fatal("expected a concern")
	}
	if concern.Severity != models.SeverityCritical {
		t.Fatalf("severity = %s, want critical (+25%% at 0.9 confidence)", concern.Severity)
	}

	created, err := m.CreateFromForecasts(context.Background(), []Concern{concern})
	if err != nil {
		t.Fatalf("CreateFromForecasts: %v", err)
	}
	if len(created) != 1 || created[0].Title != concern.Title {
		t.Fatalf("created = %+v", created)
	}
	if len(created[0].RelatedSignalIDs) != 2 || created[0].RelatedSignalIDs[0] != 4 {
		t.Fatalf("related ids = %v", created[0].RelatedSignalIDs)
	}

	created, err = m.CreateFromForecasts(context.Background(), []Concern{concern})
	if err != nil {
		t.Fatalf("CreateFromForecasts second run: %v", err)
	}
	if len(created) != 0 || len(store.incidents) != 1 {
		t.Fatalf("second run should refresh, created=%d stored=%d", len(created), len(store.incidents))
	}
}

func TestReconcileResolvesStaleAfterGrace(t *testing.T) {
	started := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	store := &fakeIncidentStore{}
	m := managerAt(store, nil, nil, started)

	if _, err := m.CreateFromAnomalies(context.Background(), []anomaly.Event{volumeEvent(started)}); err != nil {
		t.Fatalf("CreateFromAnomalies: %v", err)
	}

	// Within the 90 minute grace window nothing resolves.
	m.now = func() time.Time { return started.Add(60 * time.Minute) }
	resolved, err := m.ReconcileOpenIncidents(context.Background(), map[string]struct{}{}, nil)
	if err != nil {
		t.Fatalf("ReconcileOpenIncidents: %v", err)
	}
	if len(resolved) != 0 {
		t.Fatalf("resolved inside grace window: %+v", resolved)
	}

	// Still active conditions survive past the grace window.
	m.now = func() time.Time { return started.Add(2 * time.Hour) }
	active := map[string]struct{}{"[Anomaly] Volume spike: reddit": {}}
	resolved, err = m.ReconcileOpenIncidents(context.Background(), active, nil)
	if err != nil {
		t.Fatalf("ReconcileOpenIncidents: %v", err)
	}
	if len(resolved) != 0 {
		t.Fatalf("active incident was resolved: %+v", resolved)
	}

	// Gone and past grace resolves with a note.
	resolved, err = m.ReconcileOpenIncidents(context.Background(), map[string]struct{}{}, nil)
	if err != nil {
		t.Fatalf("ReconcileOpenIncidents: %v", err)
	}
	if len(resolved) != 1 {
		t.Fatalf("expected 1 resolved, got %+v", resolved)
	}
	inc := store.byID(resolved[0].ID)
	if inc.Status != models.StatusResolved || inc.EndTime == nil {
		t.Fatalf("incident not resolved: %+v", inc)
	}
	if !strings.Contains(inc.RecommendedActions, "Auto-resolved at ") {
		t.Fatalf("missing auto-resolve note: %q", inc.RecommendedActions)
	}
}

func TestReconcileNilTitleSetSkipsType(t *testing.T) {
	started := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	store := &fakeIncidentStore{}
	m := managerAt(store, nil, nil, started)

	if _, err := m.CreateFromAnomalies(context.Background(), []anomaly.Event{volumeEvent(started)}); err != nil {
		t.Fatalf("CreateFromAnomalies: %v", err)
	}

	// Detection did not run this cycle: a nil set must not resolve anything,
	// no matter how stale the incident is.
	m.now = func() time.Time { return started.Add(24 * time.Hour) }
	resolved, err := m.ReconcileOpenIncidents(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("ReconcileOpenIncidents: %v", err)
	}
	if len(resolved) != 0 {
		t.Fatalf("nil title set must skip, resolved %+v", resolved)
	}
}

func TestAnomalyTitles(t *testing.T) {
	at := time.Now()
	titles := AnomalyTitles([]anomaly.Event{volumeEvent(at), volumeEvent(at)})
	if len(titles) != 1 {
		t.Fatalf("duplicate events should collapse, got %v", titles)
	}
	if _, ok := titles["[Anomaly] Volume spike: reddit"]; !ok {
		t.Fatalf("missing expected title: %v", titles)
	}
}
