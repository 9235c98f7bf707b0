// Package correlation discovers relationships between signals with three
// strategies: embedding similarity, temporal proximity, and shared named
// entities. Strategy hits on the same pair merge into one scored result.
package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/signalforgehq/signal-engine/internal/cache"
	"github.com/signalforgehq/signal-engine/internal/embedding"
	"github.com/signalforgehq/signal-engine/internal/metrics"
	"github.com/signalforgehq/signal-engine/internal/models"
	"github.com/signalforgehq/signal-engine/internal/utils"
)

// ErrSignalNotFound is returned when the requested signal does not exist.
var ErrSignalNotFound = errors.New("signal not found")

// SignalStore provides the signal lookups the correlator needs.
// GetSignal returns (nil, nil) when the id does not exist; errors are
// reserved for store failures.
type SignalStore interface {
	GetSignal(ctx context.Context, id int64) (*models.Signal, error)
	// SignalsNear returns signals from other sources with timestamps within
	// the window around ref's timestamp, newest first, capped at limit.
	SignalsNear(ctx context.Context, ref *models.Signal, window time.Duration, limit int) ([]models.Signal, error)
	// SignalsWithEntities returns recent signals carrying extracted entities,
	// newest first, excluding excludeID, capped at limit.
	SignalsWithEntities(ctx context.Context, excludeID int64, limit int) ([]models.Signal, error)
}

// EmbeddingSearcher is the similarity lookup, satisfied by *embedding.Index.
type EmbeddingSearcher interface {
	Search(query []float64, k int, excludeID int64) []embedding.Match
}

const entityCandidateLimit = 100

// Correlator merges the three strategies into ranked correlation results,
// with an optional read-through cache in front of the store work.
type Correlator struct {
	store    SignalStore
	index    EmbeddingSearcher
	cache    cache.Provider
	cacheTTL time.Duration
	graphTTL time.Duration
	logger   *slog.Logger
}

// Option customizes a Correlator.
type Option func(*Correlator)

// WithGraphTTL sets a separate cache TTL for graph expansions, which are
// more expensive to rebuild than flat correlation lists.
func WithGraphTTL(ttl time.Duration) Option {
	return func(c *Correlator) { c.graphTTL = ttl }
}

// NewCorrelator creates a Correlator. A nil provider disables caching.
func NewCorrelator(store SignalStore, index EmbeddingSearcher, provider cache.Provider, cacheTTL time.Duration, logger *slog.Logger, opts ...Option) *Correlator {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Correlator{
		store:    store,
		index:    index,
		cache:    provider,
		cacheTTL: cacheTTL,
		graphTTL: cacheTTL,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Correlate finds up to k signals related to signalID, strongest first.
// Returns ErrSignalNotFound when the signal does not exist.
func (c *Correlator) Correlate(ctx context.Context, signalID int64, k int, window time.Duration) ([]models.CorrelationResult, error) {
	if k <= 0 {
		k = 10
	}
	if window <= 0 {
		window = 6 * time.Hour
	}

	started := time.Now()
	defer func() { metrics.ObserveCorrelationQuery(time.Since(started)) }()

	key := cache.CorrelationKey(signalID, k, int(window.Hours()))
	if payload, err := c.cache.Get(ctx, key); err == nil {
		var cached []models.CorrelationResult
		if err := json.Unmarshal(payload, &cached); err == nil {
			return cached, nil
		}
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Warn("correlation cache read failed", slog.Any("error", err))
	}

	results, err := c.correlate(ctx, signalID, k, window)
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(results); err == nil {
		if err := c.cache.Set(ctx, key, payload, c.cacheTTL); err != nil {
			c.logger.Warn("correlation cache write failed", slog.Any("error", err))
		}
	}
	return results, nil
}

func (c *Correlator) correlate(ctx context.Context, signalID int64, k int, window time.Duration) ([]models.CorrelationResult, error) {
	target, err := c.store.GetSignal(ctx, signalID)
	if err != nil {
		return nil, fmt.Errorf("load signal %d: %w", signalID, err)
	}
	if target == nil {
		return nil, ErrSignalNotFound
	}

	merged := make(map[int64]*models.CorrelationResult)

	if len(target.Embedding) > 0 && c.index != nil {
		for _, match := range c.index.Search(target.Embedding, k+1, signalID) {
			merged[match.ID] = &models.CorrelationResult{
				SignalID:        signalID,
				RelatedSignalID: match.ID,
				Score:           clamp01(match.Score),
				Method:          "embedding",
				Explanation:     fmt.Sprintf("Semantic similarity: %.2f%%", match.Score*100),
			}
		}
	}

	if err := c.applyTemporal(ctx, target, merged, k, window); err != nil {
		return nil, err
	}
	if err := c.applyEntities(ctx, target, merged); err != nil {
		return nil, err
	}

	results := make([]models.CorrelationResult, 0, len(merged))
	for _, r := range merged {
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].RelatedSignalID < results[j].RelatedSignalID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// applyTemporal scores cross-source signals inside the time window. A pair
// already found by embedding search gets a capped boost instead of a second
// entry.
func (c *Correlator) applyTemporal(ctx context.Context, target *models.Signal, merged map[int64]*models.CorrelationResult, k int, window time.Duration) error {
	neighbors, err := c.store.SignalsNear(ctx, target, window, k)
	if err != nil {
		return fmt.Errorf("temporal neighbors for signal %d: %w", target.ID, err)
	}

	for _, sig := range neighbors {
		diff := sig.Timestamp.Sub(target.Timestamp)
		if diff < 0 {
			diff = -diff
		}
		score := 1.0 - diff.Seconds()/window.Seconds()
		minutes := utils.DurationMinutes(target.Timestamp, sig.Timestamp)

		if existing, ok := merged[sig.ID]; ok {
			existing.Score = clamp01(existing.Score + score*0.3)
			existing.Method += "+temporal"
			existing.Explanation += fmt.Sprintf(" | Temporal proximity: %.0fmin apart", minutes)
			continue
		}
		merged[sig.ID] = &models.CorrelationResult{
			SignalID:        target.ID,
			RelatedSignalID: sig.ID,
			Score:           score * 0.5,
			Method:          "temporal",
			Explanation: fmt.Sprintf(
				"Temporal proximity: %.0fmin apart, cross-source (%s→%s)",
				minutes, target.Source, sig.Source,
			),
		}
	}
	return nil
}

// applyEntities scores recent signals sharing named entities with the
// target. The score is the shared fraction of the target's entity set.
func (c *Correlator) applyEntities(ctx context.Context, target *models.Signal, merged map[int64]*models.CorrelationResult) error {
	targetEntities := entityTexts(target.Entities)
	if len(targetEntities) == 0 {
		return nil
	}

	candidates, err := c.store.SignalsWithEntities(ctx, target.ID, entityCandidateLimit)
	if err != nil {
		return fmt.Errorf("entity candidates for signal %d: %w", target.ID, err)
	}

	for _, sig := range candidates {
		shared := intersect(targetEntities, entityTexts(sig.Entities))
		if len(shared) == 0 {
			continue
		}
		score := math.Min(1.0, float64(len(shared))/float64(len(targetEntities)))
		sample := shared
		if len(sample) > 3 {
			sample = sample[:3]
		}
		names := strings.Join(sample, ", ")

		if existing, ok := merged[sig.ID]; ok {
			existing.Score = clamp01(existing.Score + score*0.2)
			existing.Method += "+entity"
			existing.Explanation += " | Shared entities: " + names
			continue
		}
		merged[sig.ID] = &models.CorrelationResult{
			SignalID:        target.ID,
			RelatedSignalID: sig.ID,
			Score:           score * 0.4,
			Method:          "entity",
			Explanation:     "Shared entities: " + names,
		}
	}
	return nil
}

func entityTexts(entities []models.Entity) map[string]struct{} {
	if len(entities) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		if text := strings.ToLower(strings.TrimSpace(e.Text)); text != "" {
			out[text] = struct{}{}
		}
	}
	return out
}

// intersect returns the sorted intersection of two entity text sets.
func intersect(a map[string]struct{}, b map[string]struct{}) []string {
	var shared []string
	for text := range a {
		if _, ok := b[text]; ok {
			shared = append(shared, text)
		}
	}
	sort.Strings(shared)
	return shared
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
