// Command seed populates a local Postgres with demo signals so the engine
// has something to score, correlate, and forecast during development.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/signalforgehq/signal-engine/internal/config"
	"github.com/signalforgehq/signal-engine/internal/models"
	"github.com/signalforgehq/signal-engine/internal/store"
	"github.com/signalforgehq/signal-engine/internal/utils"
)

func main() {
	var configPath string
	var days int
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.IntVar(&days, "days", 7, "Days of history to generate")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)

	db, err := store.New(cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := db.EnsureSchema(ctx); err != nil {
		logger.Error("failed to ensure schema", slog.Any("error", err))
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(42))
	count := 0
	for _, sig := range demoSignals(time.Now().UTC(), days, rng) {
		sig := sig
		if err := db.InsertSignal(ctx, &sig); err != nil {
			logger.Error("insert failed", slog.String("title", sig.Title), slog.Any("error", err))
			os.Exit(1)
		}
		count++
	}
	logger.Info("seed complete", slog.Int("signals", count))
}

// demoSignals builds a mixed stream: chatter from reddit/zendesk, a stripe
// dispute burst in the last hour, a pagerduty page, and hourly financial and
// system metric series shaped to trend so forecasts have signal.
func demoSignals(now time.Time, days int, rng *rand.Rand) []models.Signal {
	var signals []models.Signal
	hours := days * 24

	for i := hours; i > 0; i-- {
		at := now.Add(-time.Duration(i) * time.Hour)

		// Churn drifts upward over the window, MRR drifts down slightly.
		churn := 2.0 + 1.5*float64(hours-i)/float64(hours) + rng.Float64()*0.2
		signals = append(signals,
			metricSignal(models.SourceFinancial, "churn_rate", churn, at),
			metricSignal(models.SourceFinancial, "mrr", 50000-20*float64(hours-i)+rng.Float64()*200, at),
			metricSignal(models.SourceSystem, "api_latency_p95", 180+40*math.Sin(float64(i)/6)+rng.Float64()*30, at),
		)

		// Background chatter, a few signals per hour across sources.
		if i%3 == 0 {
			sentiment := rng.Float64()*1.4 - 0.7
			label := "neutral"
			if sentiment < -0.2 {
				label = "negative"
			} else if sentiment > 0.2 {
				label = "positive"
			}
			signals = append(signals, models.Signal{
				Source:         models.SourceReddit,
				SourceID:       fmt.Sprintf("t3_demo%d", i),
				Title:          fmt.Sprintf("Thread about checkout flow #%d", i),
				Content:        "Users discussing the new checkout flow.",
				Timestamp:      at,
				SentimentScore: &sentiment,
				SentimentLabel: label,
				Entities:       []models.Entity{{Text: "checkout", Label: "PRODUCT"}},
			})
		}
		if i%5 == 0 {
			negative := -0.5 - rng.Float64()*0.3
			signals = append(signals, models.Signal{
				Source:         models.SourceZendesk,
				SourceID:       fmt.Sprintf("ticket-%d", 9000+i),
				Title:          "Billing page keeps timing out",
				Content:        "Customer reports repeated timeouts on the billing page.",
				Timestamp:      at,
				SentimentScore: &negative,
				SentimentLabel: "negative",
				Metadata:       map[string]any{"urgency": "medium"},
				Entities:       []models.Entity{{Text: "billing", Label: "PRODUCT"}},
			})
		}
	}

	// A dispute burst and a page in the last hour, to trip the detectors.
	for j := 0; j < 3; j++ {
		at := now.Add(-time.Duration(10+j*5) * time.Minute)
		signals = append(signals, models.Signal{
			Source:    models.SourceStripe,
			SourceID:  fmt.Sprintf("evt_demo_%d", j),
			Title:     "Charge dispute opened",
			Content:   "A customer disputed a charge.",
			Timestamp: at,
			Metadata: map[string]any{
				"event_type": "charge.dispute.created",
				"amount":     float64(5000 + j*2500),
			},
			Entities: []models.Entity{{Text: "billing", Label: "PRODUCT"}},
		})
	}
	signals = append(signals, models.Signal{
		Source:    models.SourcePagerDuty,
		SourceID:  "PD-demo-1",
		Title:     "High error rate on payments service",
		Content:   "Error rate above 5% for 10 minutes.",
		Timestamp: now.Add(-20 * time.Minute),
		Metadata:  map[string]any{"status": "triggered", "urgency": "high"},
		Entities:  []models.Entity{{Text: "payments", Label: "SERVICE"}},
	})

	return signals
}

func metricSignal(source models.SignalSource, metric string, value float64, at time.Time) models.Signal {
	return models.Signal{
		Source:    source,
		SourceID:  fmt.Sprintf("%s-%d", metric, at.Unix()),
		Title:     fmt.Sprintf("%s observation", metric),
		Content:   fmt.Sprintf("%s = %.2f", metric, value),
		Timestamp: at,
		Metadata: map[string]any{
			"metric_name": metric,
			"value":       value,
		},
	}
}
