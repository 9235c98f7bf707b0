package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/signalforgehq/signal-engine/internal/cache"
	"github.com/signalforgehq/signal-engine/internal/models"
)

// BuildGraph expands a correlation graph around centerID with breadth-first
// search. depth bounds the number of hops, kPerNode the correlations fetched
// per visited signal, and maxNodes the total node budget; once the budget is
// reached, unseen neighbors are dropped rather than added.
// Returns ErrSignalNotFound when the center signal does not exist.
func (c *Correlator) BuildGraph(ctx context.Context, centerID int64, depth, kPerNode, maxNodes int) (*models.CorrelationGraph, error) {
	if depth <= 0 {
		depth = 1
	}
	if kPerNode <= 0 {
		kPerNode = 8
	}
	if maxNodes <= 0 {
		maxNodes = 64
	}

	key := cache.GraphKey(centerID, depth, kPerNode, maxNodes)
	if payload, err := c.cache.Get(ctx, key); err == nil {
		var cached models.CorrelationGraph
		if err := json.Unmarshal(payload, &cached); err == nil {
			return &cached, nil
		}
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Warn("graph cache read failed", slog.Any("error", err))
	}

	graph, err := c.buildGraph(ctx, centerID, depth, kPerNode, maxNodes)
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(graph); err == nil {
		if err := c.cache.Set(ctx, key, payload, c.graphTTL); err != nil {
			c.logger.Warn("graph cache write failed", slog.Any("error", err))
		}
	}
	return graph, nil
}

func (c *Correlator) buildGraph(ctx context.Context, centerID int64, depth, kPerNode, maxNodes int) (*models.CorrelationGraph, error) {
	center, err := c.store.GetSignal(ctx, centerID)
	if err != nil {
		return nil, fmt.Errorf("load signal %d: %w", centerID, err)
	}
	if center == nil {
		return nil, ErrSignalNotFound
	}

	visited := make(map[int64]bool)
	nodes := make(map[int64]models.GraphNode)
	nodeOrder := []int64{centerID}
	nodes[centerID] = makeNode(center)

	var edges []models.GraphEdge

	queue := []int64{centerID}
	for hop := 0; hop < depth && len(queue) > 0; hop++ {
		var next []int64
		for _, id := range queue {
			if visited[id] {
				continue
			}
			visited[id] = true

			correlations, err := c.correlate(ctx, id, kPerNode, 6*time.Hour)
			if errors.Is(err, ErrSignalNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}

			for _, corr := range correlations {
				related := corr.RelatedSignalID
				if _, known := nodes[related]; !known {
					if len(nodes) >= maxNodes {
						continue
					}
					sig, err := c.store.GetSignal(ctx, related)
					if err != nil {
						return nil, fmt.Errorf("load signal %d: %w", related, err)
					}
					if sig == nil {
						continue
					}
					nodes[related] = makeNode(sig)
					nodeOrder = append(nodeOrder, related)
				}

				edges = append(edges, models.GraphEdge{
					Source:      corr.SignalID,
					Target:      related,
					Weight:      corr.Score,
					Method:      corr.Method,
					Explanation: corr.Explanation,
				})
				if !visited[related] {
					next = append(next, related)
				}
			}
		}
		queue = next
	}

	graph := &models.CorrelationGraph{
		Nodes: make([]models.GraphNode, 0, len(nodes)),
		Edges: dedupeEdges(edges),
	}
	for _, id := range nodeOrder {
		graph.Nodes = append(graph.Nodes, nodes[id])
	}
	return graph, nil
}

// dedupeEdges keeps the highest-weight edge per unordered node pair.
func dedupeEdges(edges []models.GraphEdge) []models.GraphEdge {
	type pair struct{ a, b int64 }
	best := make(map[pair]int, len(edges))
	out := make([]models.GraphEdge, 0, len(edges))

	for _, edge := range edges {
		key := pair{edge.Source, edge.Target}
		if key.a > key.b {
			key.a, key.b = key.b, key.a
		}
		if idx, ok := best[key]; ok {
			if edge.Weight > out[idx].Weight {
				out[idx] = edge
			}
			continue
		}
		best[key] = len(out)
		out = append(out, edge)
	}
	return out
}

func makeNode(sig *models.Signal) models.GraphNode {
	node := models.GraphNode{
		ID:             sig.ID,
		Source:         string(sig.Source),
		Title:          sig.DisplayTitle(),
		RiskTier:       string(sig.RiskTier),
		SentimentLabel: sig.SentimentLabel,
		Timestamp:      sig.Timestamp,
	}
	if sig.RiskScore != nil {
		node.RiskScore = *sig.RiskScore
	}
	if node.RiskTier == "" {
		node.RiskTier = string(models.TierLow)
	}
	if node.SentimentLabel == "" {
		node.SentimentLabel = "neutral"
	}
	return node
}
