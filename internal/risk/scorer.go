// Package risk computes composite risk scores for signals with a
// human-readable explanation of the contributing components.
package risk

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/signalforgehq/signal-engine/internal/models"
)

// Weights holds the component weights of the composite formula. Callers are
// expected to keep the sum near 1.0; the composite is clamped, not
// renormalized.
type Weights struct {
	Sentiment    float64
	Anomaly      float64
	TicketVolume float64
	Revenue      float64
	Engagement   float64
}

// DefaultWeights returns the stock weighting used when none is configured.
func DefaultWeights() Weights {
	return Weights{
		Sentiment:    0.25,
		Anomaly:      0.25,
		TicketVolume: 0.20,
		Revenue:      0.15,
		Engagement:   0.15,
	}
}

// Result is the outcome of scoring one signal. Component values are the
// post-inference inputs, rounded to four decimals.
type Result struct {
	CompositeScore        float64         `json:"composite_score"`
	Tier                  models.RiskTier `json:"tier"`
	SentimentComponent    float64         `json:"sentiment_component"`
	AnomalyComponent      float64         `json:"anomaly_component"`
	TicketVolumeComponent float64         `json:"ticket_volume_component"`
	RevenueComponent      float64         `json:"revenue_component"`
	EngagementComponent   float64         `json:"engagement_component"`
	Explanation           string          `json:"explanation"`
}

// Inputs carries the normalized component values for one signal. All values
// are on [0,1] with 1 meaning highest risk. Context, when present, lets the
// scorer infer components that the caller did not supply directly.
type Inputs struct {
	SentimentScore    *float64
	AnomalyMagnitude  float64
	TicketVolumeSpike float64
	RevenueDeviation  float64
	EngagementSurge   float64
	Context           *SourceContext
}

// Scorer computes composite risk using a weighted component formula:
//
//	composite = W_sentiment × sentiment_risk
//	          + W_anomaly × anomaly_magnitude
//	          + W_ticket × ticket_volume_spike
//	          + W_revenue × revenue_deviation
//	          + W_engagement × engagement_surge
type Scorer struct {
	weights Weights
}

// NewScorer creates a Scorer. Zero-value weights fall back to the defaults.
func NewScorer(weights Weights) *Scorer {
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	return &Scorer{weights: weights}
}

// Score computes the composite risk for the given inputs.
func (s *Scorer) Score(in Inputs) Result {
	sRisk := NormalizeSentiment(in.SentimentScore)
	aRisk := in.AnomalyMagnitude
	tRisk := in.TicketVolumeSpike
	rRisk := in.RevenueDeviation
	eRisk := in.EngagementSurge

	if ctx := in.Context; ctx != nil {
		aRisk, tRisk, rRisk, eRisk = ctx.apply(aRisk, tRisk, rRisk, eRisk)
	}

	composite := s.weights.Sentiment*sRisk +
		s.weights.Anomaly*aRisk +
		s.weights.TicketVolume*tRisk +
		s.weights.Revenue*rRisk +
		s.weights.Engagement*eRisk
	composite = clamp01(composite)

	tier := ClassifyTier(composite)
	explanation := s.explain(composite, tier, sRisk, aRisk, tRisk, rRisk, eRisk)

	return Result{
		CompositeScore:        round4(composite),
		Tier:                  tier,
		SentimentComponent:    round4(sRisk),
		AnomalyComponent:      round4(aRisk),
		TicketVolumeComponent: round4(tRisk),
		RevenueComponent:      round4(rRisk),
		EngagementComponent:   round4(eRisk),
		Explanation:           explanation,
	}
}

// NormalizeSentiment converts a raw sentiment score on [-1,1] to risk on
// [0,1]. Negative sentiment maps to high risk, missing sentiment to zero.
func NormalizeSentiment(raw *float64) float64 {
	if raw == nil {
		return 0
	}
	return clamp01((1.0 - *raw) / 2.0)
}

// ClassifyTier buckets a composite score into a discrete risk tier.
func ClassifyTier(score float64) models.RiskTier {
	switch {
	case score >= 0.75:
		return models.TierCritical
	case score >= 0.5:
		return models.TierHigh
	case score >= 0.25:
		return models.TierModerate
	default:
		return models.TierLow
	}
}

func (s *Scorer) explain(composite float64, tier models.RiskTier, sentiment, anomaly, ticket, revenue, engagement float64) string {
	type contributor struct {
		name   string
		value  float64
		weight float64
		contr  float64
	}
	components := []contributor{
		{"Sentiment risk", sentiment, s.weights.Sentiment, sentiment * s.weights.Sentiment},
		{"Anomaly magnitude", anomaly, s.weights.Anomaly, anomaly * s.weights.Anomaly},
		{"Ticket volume pressure", ticket, s.weights.TicketVolume, ticket * s.weights.TicketVolume},
		{"Revenue deviation", revenue, s.weights.Revenue, revenue * s.weights.Revenue},
		{"Engagement surge", engagement, s.weights.Engagement, engagement * s.weights.Engagement},
	}

	active := components[:0]
	for _, c := range components {
		if c.value > 0 {
			active = append(active, c)
		}
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].contr > active[j].contr })

	var parts []string
	if len(active) > 0 {
		top := active[0]
		parts = append(parts, fmt.Sprintf(
			"Primary driver: %s (%s × %s weight = %.2f contribution)",
			top.name, percent(top.value), percent(top.weight), top.contr,
		))
	}
	if len(active) > 1 {
		secondary := make([]string, 0, 2)
		for _, c := range active[1:] {
			secondary = append(secondary, fmt.Sprintf("%s (%s)", c.name, percent(c.value)))
			if len(secondary) == 2 {
				break
			}
		}
		parts = append(parts, "Secondary factors: "+strings.Join(secondary, ", "))
	}
	parts = append(parts, fmt.Sprintf("Composite score: %.2f → %s tier", composite, strings.ToUpper(string(tier))))

	return strings.Join(parts, ". ") + "."
}

func percent(v float64) string {
	return fmt.Sprintf("%.0f%%", v*100)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
