package anomaly

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/signalforgehq/signal-engine/internal/models"
)

type fakeStats struct {
	recentCounts   map[models.SignalSource]int
	baselineCounts map[models.SignalSource]int
	countErr       error

	recentRiskAvg     float64
	recentRiskCount   int
	baselineRiskAvg   float64
	baselineRiskCount int
	riskErr           error

	recentSentTotal   int
	recentSentNeg     int
	baselineSentTotal int
	baselineSentNeg   int
	sentErr           error

	highRiskIDs []int64
}

func (f *fakeStats) CountBySource(_ context.Context, from, to time.Time) (map[models.SignalSource]int, error) {
	if f.countErr != nil {
		return nil, f.countErr
	}
	if to.Sub(from) <= time.Hour {
		return f.recentCounts, nil
	}
	return f.baselineCounts, nil
}

func (f *fakeStats) RiskStats(_ context.Context, from, to time.Time) (float64, int, error) {
	if f.riskErr != nil {
		return 0, 0, f.riskErr
	}
	if to.Sub(from) <= time.Hour {
		return f.recentRiskAvg, f.recentRiskCount, nil
	}
	return f.baselineRiskAvg, f.baselineRiskCount, nil
}

func (f *fakeStats) SentimentCounts(_ context.Context, from, to time.Time) (int, int, error) {
	if f.sentErr != nil {
		return 0, 0, f.sentErr
	}
	if to.Sub(from) <= 2*time.Hour {
		return f.recentSentTotal, f.recentSentNeg, nil
	}
	return f.baselineSentTotal, f.baselineSentNeg, nil
}

func (f *fakeStats) HighRiskSignalIDs(context.Context, time.Time, float64, int) ([]int64, error) {
	return f.highRiskIDs, nil
}

func fixedClock() func() time.Time {
	at := time.Date(2026, 8, 23, 12, 30, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func TestVolumeSpikeCritical(t *testing.T) {
	// Baseline 230 signals over 23h = 10/hr; recent 40/hr.
	// z = (40-10)/sqrt(10) ≈ 9.5 → critical, threshold ≈ 19.5.
	store := &fakeStats{
		recentCounts:   map[models.SignalSource]int{models.SourceReddit: 40},
		baselineCounts: map[models.SignalSource]int{models.SourceReddit: 230},
	}
	d := NewDetector(store, nil, WithClock(fixedClock()))

	events, err := d.RunDetection(context.Background())
	if err != nil {
		t.Fatalf("RunDetection: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d: %+v", len(events), events)
	}
	ev := events[0]
	if ev.Type != TypeVolumeSpike || ev.Severity != SeverityCritical {
		t.Fatalf("got %s/%s, want volume_spike/critical", ev.Type, ev.Severity)
	}
	if ev.AffectedSource != models.SourceReddit {
		t.Fatalf("affected source = %s", ev.AffectedSource)
	}
	if math.Abs(ev.Threshold-19.4868) > 0.001 {
		t.Fatalf("threshold = %v, want ≈19.487", ev.Threshold)
	}
	if ev.ID != "vol-reddit-2026-08-23T12:30" {
		t.Fatalf("event id = %q", ev.ID)
	}
}

func TestVolumeSpikeHighBelowZ5(t *testing.T) {
	// Baseline 10/hr, recent 22: z = 12/sqrt(10) ≈ 3.8 → high.
	store := &fakeStats{
		recentCounts:   map[models.SignalSource]int{models.SourceNews: 22},
		baselineCounts: map[models.SignalSource]int{models.SourceNews: 230},
	}
	d := NewDetector(store, nil, WithClock(fixedClock()))

	events, err := d.RunDetection(context.Background())
	if err != nil {
		t.Fatalf("RunDetection: %v", err)
	}
	if len(events) != 1 || events[0].Severity != SeverityHigh {
		t.Fatalf("expected one high-severity event, got %+v", events)
	}
}

func TestVolumeSpikeSkipsThinBaseline(t *testing.T) {
	// Baseline under 2/hr carries no statistical weight.
	store := &fakeStats{
		recentCounts:   map[models.SignalSource]int{models.SourceNews: 50},
		baselineCounts: map[models.SignalSource]int{models.SourceNews: 30}, // 1.3/hr
	}
	d := NewDetector(store, nil, WithClock(fixedClock()))

	events, err := d.RunDetection(context.Background())
	if err != nil {
		t.Fatalf("RunDetection: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
}

func TestRiskSpikeCriticalAtDoubleBaseline(t *testing.T) {
	store := &fakeStats{
		recentRiskAvg:     0.5,
		recentRiskCount:   4,
		baselineRiskAvg:   0.2,
		baselineRiskCount: 10,
		highRiskIDs:       []int64{7, 3},
	}
	d := NewDetector(store, nil, WithClock(fixedClock()))

	events, err := d.RunDetection(context.Background())
	if err != nil {
		t.Fatalf("RunDetection: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %+v", events)
	}
	ev := events[0]
	if ev.Type != TypeRiskSpike || ev.Severity != SeverityCritical {
		t.Fatalf("got %s/%s, want risk_spike/critical", ev.Type, ev.Severity)
	}
	if len(ev.AffectedSignalIDs) != 2 {
		t.Fatalf("affected ids = %v", ev.AffectedSignalIDs)
	}
	if math.Abs(ev.Threshold-0.3) > 1e-9 {
		t.Fatalf("threshold = %v, want 0.3", ev.Threshold)
	}
}

func TestRiskSpikeRequiresMinimumSamples(t *testing.T) {
	store := &fakeStats{
		recentRiskAvg:     0.9,
		recentRiskCount:   2, // below minimum of 3
		baselineRiskAvg:   0.2,
		baselineRiskCount: 10,
	}
	d := NewDetector(store, nil, WithClock(fixedClock()))

	events, err := d.RunDetection(context.Background())
	if err != nil {
		t.Fatalf("RunDetection: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}

	store.recentRiskCount = 3
	store.baselineRiskCount = 4 // below minimum of 5
	events, _ = d.RunDetection(context.Background())
	if len(events) != 0 {
		t.Fatalf("thin baseline should not alert, got %+v", events)
	}
}

func TestSentimentDriftSeverities(t *testing.T) {
	store := &fakeStats{
		recentSentTotal:   10,
		recentSentNeg:     6, // 60%
		baselineSentTotal: 100,
		baselineSentNeg:   10, // 10%
	}
	d := NewDetector(store, nil, WithClock(fixedClock()))

	events, err := d.RunDetection(context.Background())
	if err != nil {
		t.Fatalf("RunDetection: %v", err)
	}
	if len(events) != 1 || events[0].Severity != SeverityModerate {
		t.Fatalf("expected moderate sentiment_drift, got %+v", events)
	}

	store.recentSentNeg = 8 // 80% → critical
	events, _ = d.RunDetection(context.Background())
	if len(events) != 1 || events[0].Severity != SeverityCritical {
		t.Fatalf("expected critical sentiment_drift, got %+v", events)
	}
}

func TestSentimentDriftNeedsRatioAndLift(t *testing.T) {
	// 40% negative: below the 0.5 floor even with a huge lift.
	store := &fakeStats{
		recentSentTotal:   10,
		recentSentNeg:     4,
		baselineSentTotal: 100,
		baselineSentNeg:   5,
	}
	d := NewDetector(store, nil, WithClock(fixedClock()))
	events, _ := d.RunDetection(context.Background())
	if len(events) != 0 {
		t.Fatalf("below-floor ratio should not alert, got %+v", events)
	}

	// 55% negative but baseline 50%: lift under 1.5x.
	store.recentSentNeg = 6
	store.baselineSentNeg = 50
	events, _ = d.RunDetection(context.Background())
	if len(events) != 0 {
		t.Fatalf("insufficient lift should not alert, got %+v", events)
	}
}

func TestRunDetectionIsolatesFailedPasses(t *testing.T) {
	store := &fakeStats{
		countErr:          errors.New("db down"),
		recentRiskAvg:     0.5,
		recentRiskCount:   4,
		baselineRiskAvg:   0.2,
		baselineRiskCount: 10,
	}
	d := NewDetector(store, nil, WithClock(fixedClock()))

	events, err := d.RunDetection(context.Background())
	if err == nil {
		t.Fatal("expected joined error from failed volume pass")
	}
	if len(events) != 1 || events[0].Type != TypeRiskSpike {
		t.Fatalf("risk pass should still run, got %+v", events)
	}
}

func TestRecentEventsNewestFirstAndCapped(t *testing.T) {
	store := &fakeStats{
		recentRiskAvg:     0.5,
		recentRiskCount:   4,
		baselineRiskAvg:   0.2,
		baselineRiskCount: 10,
	}
	at := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)
	d := NewDetector(store, nil, WithClock(func() time.Time { return at }))

	for i := 0; i < maxEventHistory+20; i++ {
		if _, err := d.RunDetection(context.Background()); err != nil {
			t.Fatalf("RunDetection: %v", err)
		}
		at = at.Add(time.Minute)
	}

	events := d.RecentEvents()
	if len(events) != maxEventHistory {
		t.Fatalf("history length = %d, want %d", len(events), maxEventHistory)
	}
	if !events[0].DetectedAt.After(events[1].DetectedAt) {
		t.Fatalf("events should be newest first: %v then %v", events[0].DetectedAt, events[1].DetectedAt)
	}
	want := fmt.Sprintf("risk-%s", at.Add(-time.Minute).UTC().Format("2006-01-02T15:04"))
	if events[0].ID != want {
		t.Fatalf("newest event id = %q, want %q", events[0].ID, want)
	}
}
