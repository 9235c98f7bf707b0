package risk

import (
	"math"
	"strconv"
	"strings"

	"github.com/signalforgehq/signal-engine/internal/models"
)

// SourceContext is the typed view of a signal's source metadata that the
// scorer uses to infer components the caller did not supply. It is resolved
// once per signal by ResolveSourceContext; the scorer never touches raw
// metadata maps.
type SourceContext struct {
	// IsAnomaly marks signals flagged as anomalous by their producer.
	IsAnomaly bool
	// MetricValue is the raw observed value when the producer supplied one.
	MetricValue *float64
	// Urgency is the producer-reported urgency ("high", "medium", "low").
	Urgency string
	// DeltaPct is a percentage change reported for financial/system metrics.
	DeltaPct float64
	// MetricName names the underlying metric for system signals.
	MetricName string

	PagerDuty *PagerDutyHints
	Stripe    *StripeHints
}

// PagerDutyHints carries the PagerDuty-specific fields that floor risk
// components for operational incidents.
type PagerDutyHints struct {
	Status  string
	Urgency string
}

// StripeHints carries the Stripe-specific fields that floor risk components
// for payment events.
type StripeHints struct {
	EventType string
	Amount    float64
}

// ResolveSourceContext extracts a SourceContext from a signal's opaque
// metadata. Non-numeric values where numbers are expected are treated as
// absent. Returns nil when there is no metadata to interpret.
func ResolveSourceContext(source models.SignalSource, metadata map[string]any) *SourceContext {
	if len(metadata) == 0 {
		return nil
	}

	ctx := &SourceContext{
		IsAnomaly:  truthy(metadata["is_anomaly"]),
		Urgency:    strings.ToLower(stringValue(metadata["urgency"])),
		DeltaPct:   toFloat(metadata["delta_pct"]),
		MetricName: strings.ToLower(stringValue(metadata["metric_name"])),
	}
	if raw, ok := metadata["value"]; ok {
		if v, ok := floatValue(raw); ok {
			ctx.MetricValue = &v
		}
	}

	switch source {
	case models.SourcePagerDuty:
		ctx.PagerDuty = &PagerDutyHints{
			Status:  strings.ToLower(stringValue(metadata["status"])),
			Urgency: strings.ToLower(stringValue(metadata["urgency"])),
		}
	case models.SourceStripe:
		ctx.Stripe = &StripeHints{
			EventType: strings.ToLower(stringValue(metadata["event_type"])),
			Amount:    math.Abs(toFloat(metadata["amount"])),
		}
	}
	return ctx
}

// apply infers missing components from the context and applies source
// specific floors. Direct caller-supplied values always win over inference;
// source floors only ever raise a component.
func (c *SourceContext) apply(aRisk, tRisk, rRisk, eRisk float64) (float64, float64, float64, float64) {
	if c.IsAnomaly && aRisk == 0 {
		if c.MetricValue != nil {
			aRisk = math.Min(1.0, *c.MetricValue/100.0)
		} else {
			aRisk = 0.7
		}
	}
	if tRisk == 0 && c.Urgency == "high" {
		tRisk = 0.7
	} else if tRisk == 0 && c.Urgency == "medium" {
		tRisk = 0.4
	}

	if delta := math.Abs(c.DeltaPct); delta > 0 && rRisk == 0 {
		rRisk = math.Min(1.0, delta/10.0)
	}

	if c.MetricName != "" && aRisk == 0 {
		if strings.Contains(c.MetricName, "latency") || strings.Contains(c.MetricName, "error") {
			if c.MetricValue != nil && *c.MetricValue > 0 {
				aRisk = math.Min(1.0, *c.MetricValue/1000.0)
			}
		}
	}

	if pd := c.PagerDuty; pd != nil {
		if pd.Status == "triggered" || pd.Status == "acknowledged" {
			aRisk = math.Max(aRisk, 0.75)
			eRisk = math.Max(eRisk, 0.5)
		}
		switch pd.Urgency {
		case "high":
			tRisk = math.Max(tRisk, 0.85)
			aRisk = math.Max(aRisk, 0.65)
		case "low":
			tRisk = math.Max(tRisk, 0.2)
		}
	}

	if st := c.Stripe; st != nil {
		if containsAny(st.EventType, "failed", "dispute", "fraud", "chargeback") {
			aRisk = math.Max(aRisk, 0.65)
			rRisk = math.Max(rRisk, 0.55)
			tRisk = math.Max(tRisk, 0.5)
		}
		if containsAny(st.EventType, "dispute", "fraud", "chargeback") {
			aRisk = math.Max(aRisk, 0.9)
			rRisk = math.Max(rRisk, 0.8)
			eRisk = math.Max(eRisk, 0.55)
		}
		if st.Amount > 0 {
			rRisk = math.Max(rRisk, math.Min(1.0, st.Amount/20000.0))
		}
	}

	return aRisk, tRisk, rRisk, eRisk
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func stringValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && !strings.EqualFold(t, "false") && t != "0"
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return false
	}
}

func floatValue(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toFloat(v any) float64 {
	f, _ := floatValue(v)
	return f
}
