package correlation

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/signalforgehq/signal-engine/internal/embedding"
	"github.com/signalforgehq/signal-engine/internal/models"
)

type fakeStore struct {
	signals  map[int64]*models.Signal
	near     map[int64][]models.Signal
	entities map[int64][]models.Signal
	getErr   error
}

func (f *fakeStore) GetSignal(_ context.Context, id int64) (*models.Signal, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.signals[id], nil
}

func (f *fakeStore) SignalsNear(_ context.Context, ref *models.Signal, _ time.Duration, _ int) ([]models.Signal, error) {
	return f.near[ref.ID], nil
}

func (f *fakeStore) SignalsWithEntities(_ context.Context, excludeID int64, _ int) ([]models.Signal, error) {
	return f.entities[excludeID], nil
}

type fakeIndex struct {
	matches map[int64][]embedding.Match
}

func (f *fakeIndex) Search(_ []float64, _ int, excludeID int64) []embedding.Match {
	return f.matches[excludeID]
}

func baseTime() time.Time {
	return time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
}

func signal(id int64, source models.SignalSource, at time.Time) *models.Signal {
	return &models.Signal{ID: id, Source: source, Content: "signal content", Timestamp: at}
}

func TestCorrelateMissingSignal(t *testing.T) {
	store := &fakeStore{signals: map[int64]*models.Signal{}}
	c := NewCorrelator(store, nil, nil, time.Minute, nil)

	_, err := c.Correlate(context.Background(), 404, 10, 0)
	if !errors.Is(err, ErrSignalNotFound) {
		t.Fatalf("expected ErrSignalNotFound, got %v", err)
	}
}

func TestCorrelateStoreErrorIsNotAbsence(t *testing.T) {
	store := &fakeStore{getErr: errors.New("db down")}
	c := NewCorrelator(store, nil, nil, time.Minute, nil)

	_, err := c.Correlate(context.Background(), 1, 10, 0)
	if err == nil || errors.Is(err, ErrSignalNotFound) {
		t.Fatalf("store failure must not look like absence, got %v", err)
	}
}

func TestCorrelateEmbeddingOnly(t *testing.T) {
	target := signal(1, models.SourceReddit, baseTime())
	target.Embedding = []float64{1, 0}
	store := &fakeStore{signals: map[int64]*models.Signal{1: target}}
	index := &fakeIndex{matches: map[int64][]embedding.Match{
		1: {{ID: 2, Score: 0.85}, {ID: 3, Score: 0.62}},
	}}
	c := NewCorrelator(store, index, nil, time.Minute, nil)

	results, err := c.Correlate(context.Background(), 1, 10, 0)
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %+v", results)
	}
	if results[0].RelatedSignalID != 2 || results[0].Method != "embedding" {
		t.Fatalf("unexpected first result: %+v", results[0])
	}
	if results[0].Explanation != "Semantic similarity: 85.00%" {
		t.Fatalf("explanation = %q", results[0].Explanation)
	}
	if results[0].Score < results[1].Score {
		t.Fatal("results should be sorted descending")
	}
}

func TestCorrelateTemporalBoostAndMethodJoin(t *testing.T) {
	target := signal(1, models.SourceReddit, baseTime())
	target.Embedding = []float64{1, 0}
	neighbor := signal(2, models.SourceZendesk, baseTime().Add(90*time.Minute))

	store := &fakeStore{
		signals: map[int64]*models.Signal{1: target, 2: neighbor},
		near:    map[int64][]models.Signal{1: {*neighbor}},
	}
	index := &fakeIndex{matches: map[int64][]embedding.Match{
		1: {{ID: 2, Score: 0.6}},
	}}
	c := NewCorrelator(store, index, nil, time.Minute, nil)

	results, err := c.Correlate(context.Background(), 1, 10, 6*time.Hour)
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("boost should merge, not duplicate: %+v", results)
	}
	r := results[0]
	if r.Method != "embedding+temporal" {
		t.Fatalf("method = %q", r.Method)
	}
	// temporal score = 1 - 1.5h/6h = 0.75; boosted = 0.6 + 0.75×0.3 = 0.825.
	if math.Abs(r.Score-0.825) > 1e-9 {
		t.Fatalf("score = %v, want 0.825", r.Score)
	}
	if !strings.Contains(r.Explanation, " | Temporal proximity: 90min apart") {
		t.Fatalf("explanation = %q", r.Explanation)
	}
}

func TestCorrelateTemporalStandalone(t *testing.T) {
	target := signal(1, models.SourceReddit, baseTime())
	neighbor := signal(5, models.SourceStripe, baseTime().Add(-3*time.Hour))

	store := &fakeStore{
		signals: map[int64]*models.Signal{1: target, 5: neighbor},
		near:    map[int64][]models.Signal{1: {*neighbor}},
	}
	c := NewCorrelator(store, nil, nil, time.Minute, nil)

	results, err := c.Correlate(context.Background(), 1, 10, 6*time.Hour)
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %+v", results)
	}
	r := results[0]
	// temporal score = 1 - 3h/6h = 0.5; standalone weight 0.5 → 0.25.
	if math.Abs(r.Score-0.25) > 1e-9 {
		t.Fatalf("score = %v, want 0.25", r.Score)
	}
	if r.Explanation != "Temporal proximity: 180min apart, cross-source (reddit→stripe)" {
		t.Fatalf("explanation = %q", r.Explanation)
	}
}

func TestCorrelateEntityOverlap(t *testing.T) {
	target := signal(1, models.SourceNews, baseTime())
	target.Entities = []models.Entity{{Text: "Acme Corp", Label: "ORG"}, {Text: "Eurozone", Label: "LOC"}}
	other := signal(7, models.SourceReddit, baseTime().Add(-20*time.Hour))
	other.Entities = []models.Entity{{Text: "acme corp", Label: "ORG"}}

	store := &fakeStore{
		signals:  map[int64]*models.Signal{1: target, 7: other},
		entities: map[int64][]models.Signal{1: {*other}},
	}
	c := NewCorrelator(store, nil, nil, time.Minute, nil)

	results, err := c.Correlate(context.Background(), 1, 10, 0)
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %+v", results)
	}
	r := results[0]
	// 1 shared of 2 target entities = 0.5; standalone weight 0.4 → 0.2.
	if math.Abs(r.Score-0.2) > 1e-9 {
		t.Fatalf("score = %v, want 0.2", r.Score)
	}
	if r.Method != "entity" || r.Explanation != "Shared entities: acme corp" {
		t.Fatalf("result = %+v", r)
	}
}

func TestCorrelateScoreCappedAtOne(t *testing.T) {
	target := signal(1, models.SourceReddit, baseTime())
	target.Embedding = []float64{1, 0}
	target.Entities = []models.Entity{{Text: "outage", Label: "EVENT"}}
	other := signal(2, models.SourceZendesk, baseTime())
	other.Entities = []models.Entity{{Text: "outage", Label: "EVENT"}}

	store := &fakeStore{
		signals:  map[int64]*models.Signal{1: target, 2: other},
		near:     map[int64][]models.Signal{1: {*other}},
		entities: map[int64][]models.Signal{1: {*other}},
	}
	index := &fakeIndex{matches: map[int64][]embedding.Match{
		1: {{ID: 2, Score: 0.95}},
	}}
	c := NewCorrelator(store, index, nil, time.Minute, nil)

	results, err := c.Correlate(context.Background(), 1, 10, 6*time.Hour)
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected merged result, got %+v", results)
	}
	r := results[0]
	if r.Score > 1.0 {
		t.Fatalf("score must cap at 1.0, got %v", r.Score)
	}
	if r.Method != "embedding+temporal+entity" {
		t.Fatalf("method = %q", r.Method)
	}
}

func TestCorrelateCapsAtK(t *testing.T) {
	target := signal(1, models.SourceReddit, baseTime())
	target.Embedding = []float64{1, 0}
	matches := make([]embedding.Match, 8)
	signals := map[int64]*models.Signal{1: target}
	for i := range matches {
		id := int64(i + 2)
		matches[i] = embedding.Match{ID: id, Score: 0.9 - float64(i)*0.05}
		signals[id] = signal(id, models.SourceNews, baseTime())
	}
	store := &fakeStore{signals: signals}
	index := &fakeIndex{matches: map[int64][]embedding.Match{1: matches}}
	c := NewCorrelator(store, index, nil, time.Minute, nil)

	results, err := c.Correlate(context.Background(), 1, 3, 0)
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
}

func TestBuildGraphDedupAndBudget(t *testing.T) {
	at := baseTime()
	signals := map[int64]*models.Signal{}
	for id := int64(1); id <= 5; id++ {
		signals[id] = signal(id, models.SourceReddit, at)
	}
	index := &fakeIndex{matches: map[int64][]embedding.Match{
		1: {{ID: 2, Score: 0.9}, {ID: 3, Score: 0.8}},
		2: {{ID: 1, Score: 0.9}, {ID: 4, Score: 0.7}},
		3: {{ID: 5, Score: 0.6}},
	}}
	for id := int64(1); id <= 5; id++ {
		signals[id].Embedding = []float64{1, 0}
	}
	store := &fakeStore{signals: signals}
	c := NewCorrelator(store, index, nil, time.Minute, nil)

	graph, err := c.BuildGraph(context.Background(), 1, 2, 8, 64)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if len(graph.Nodes) != 5 {
		t.Fatalf("expected 5 nodes, got %d", len(graph.Nodes))
	}
	// 1↔2 discovered from both sides must collapse to a single edge.
	var pairCount int
	for _, e := range graph.Edges {
		if (e.Source == 1 && e.Target == 2) || (e.Source == 2 && e.Target == 1) {
			pairCount++
		}
	}
	if pairCount != 1 {
		t.Fatalf("expected 1 deduped edge for pair (1,2), got %d", pairCount)
	}

	// With a budget of 3 the second hop cannot add nodes 4 and 5.
	bounded, err := c.BuildGraph(context.Background(), 1, 2, 8, 3)
	if err != nil {
		t.Fatalf("BuildGraph bounded: %v", err)
	}
	if len(bounded.Nodes) != 3 {
		t.Fatalf("expected 3 nodes under budget, got %d", len(bounded.Nodes))
	}
}

func TestBuildGraphMissingCenter(t *testing.T) {
	store := &fakeStore{signals: map[int64]*models.Signal{}}
	c := NewCorrelator(store, nil, nil, time.Minute, nil)
	if _, err := c.BuildGraph(context.Background(), 99, 1, 8, 64); !errors.Is(err, ErrSignalNotFound) {
		t.Fatalf("expected ErrSignalNotFound, got %v", err)
	}
}
