package models

import "time"

// CorrelationResult is a scored, method-tagged relationship between two
// signals. Results are request-scoped and never persisted.
type CorrelationResult struct {
	SignalID        int64   `json:"signal_id"`
	RelatedSignalID int64   `json:"related_signal_id"`
	Score           float64 `json:"score"`
	Method          string  `json:"method"`
	Explanation     string  `json:"explanation"`
}

// GraphNode is the summary record a correlation graph resolves a signal to.
type GraphNode struct {
	ID             int64     `json:"id"`
	Source         string    `json:"source"`
	Title          string    `json:"title"`
	RiskScore      float64   `json:"risk_score"`
	RiskTier       string    `json:"risk_tier"`
	SentimentLabel string    `json:"sentiment_label"`
	Timestamp      time.Time `json:"timestamp"`
}

// GraphEdge connects two graph nodes with the strongest correlation found
// between them.
type GraphEdge struct {
	Source      int64   `json:"source"`
	Target      int64   `json:"target"`
	Weight      float64 `json:"weight"`
	Method      string  `json:"method"`
	Explanation string  `json:"explanation"`
}

// CorrelationGraph is a bounded BFS expansion around a center signal.
type CorrelationGraph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}
