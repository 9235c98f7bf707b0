package models

import "time"

// SignalSource enumerates the ingestion channels a signal can originate from.
type SignalSource string

const (
	SourceReddit    SignalSource = "reddit"
	SourceNews      SignalSource = "news"
	SourceZendesk   SignalSource = "zendesk"
	SourceStripe    SignalSource = "stripe"
	SourcePagerDuty SignalSource = "pagerduty"
	SourceSystem    SignalSource = "system"
	SourceFinancial SignalSource = "financial"
	SourceCustom    SignalSource = "custom"
)

// RiskTier buckets a composite risk score into a discrete level.
type RiskTier string

const (
	TierLow      RiskTier = "low"
	TierModerate RiskTier = "moderate"
	TierHigh     RiskTier = "high"
	TierCritical RiskTier = "critical"
)

// Entity is a named entity extracted from signal content by the NLP service.
type Entity struct {
	Text  string `json:"text"`
	Label string `json:"label"`
}

// Signal is a single normalized observation from an external source.
// Ingestion creates it, NLP enrichment and risk scoring mutate it, and it is
// immutable afterwards except for retention deletion.
type Signal struct {
	ID        int64          `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Source    SignalSource   `json:"source"`
	SourceID  string         `json:"source_id,omitempty"`
	Title     string         `json:"title,omitempty"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// NLP-derived fields; nil/empty until enrichment has run.
	SentimentScore *float64  `json:"sentiment_score,omitempty"`
	SentimentLabel string    `json:"sentiment_label,omitempty"`
	Entities       []Entity  `json:"entities,omitempty"`
	Summary        string    `json:"summary,omitempty"`
	Embedding      []float64 `json:"-"`

	// Risk fields; nil/empty until the scoring pass has run.
	RiskScore *float64 `json:"risk_score,omitempty"`
	RiskTier  RiskTier `json:"risk_tier,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Scored reports whether the signal has been through the risk scoring pass.
func (s *Signal) Scored() bool {
	return s.RiskScore != nil
}

// DisplayTitle falls back to truncated content when the signal has no title.
func (s *Signal) DisplayTitle() string {
	if s.Title != "" {
		return s.Title
	}
	runes := []rune(s.Content)
	if len(runes) > 60 {
		runes = runes[:60]
	}
	return string(runes)
}

// RiskAssessment is the append-only scoring history row materialized from a
// RiskResult. One row is written per scoring pass; earlier rows are kept.
type RiskAssessment struct {
	ID                    int64     `json:"id"`
	SignalID              int64     `json:"signal_id"`
	CompositeScore        float64   `json:"composite_score"`
	SentimentComponent    float64   `json:"sentiment_component"`
	AnomalyComponent      float64   `json:"anomaly_component"`
	TicketVolumeComponent float64   `json:"ticket_volume_component"`
	RevenueComponent      float64   `json:"revenue_component"`
	EngagementComponent   float64   `json:"engagement_component"`
	Tier                  RiskTier  `json:"tier"`
	Explanation           string    `json:"explanation"`
	CreatedAt             time.Time `json:"created_at"`
}
