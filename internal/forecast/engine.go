// Package forecast projects metric time series extracted from signal
// metadata. Short series get a naive last-value forecast; everything else a
// least-squares linear projection with an RMSE-derived confidence.
package forecast

import (
	"context"
	"math"
	"sort"
	"time"
)

// Forecast methods.
const (
	MethodInsufficientData = "insufficient_data"
	MethodNaiveLastValue   = "naive_last_value"
	MethodLinearRegression = "linear_regression"
)

// Trend directions.
const (
	TrendRising  = "rising"
	TrendFalling = "falling"
	TrendStable  = "stable"
)

// Point is a single observation or prediction.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Result is a generated forecast. ObservedPoints is the series the model was
// fit on, PredictedValues the horizon projection.
type Result struct {
	MetricName      string    `json:"metric_name"`
	Method          string    `json:"method"`
	Trend           string    `json:"trend"`
	Confidence      float64   `json:"confidence"`
	ObservedPoints  []Point   `json:"observed_points"`
	PredictedValues []Point   `json:"predicted_values"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// SeriesStore loads metric series from stored signal metadata.
type SeriesStore interface {
	// MetricNames lists distinct metric names seen in financial/system
	// signals within the lookback window, sorted ascending.
	MetricNames(ctx context.Context, lookback time.Duration, maxScan int) ([]string, error)
	// MetricSeries returns (timestamp, value) observations for one metric
	// within the lookback window, oldest first.
	MetricSeries(ctx context.Context, metric string, lookback time.Duration) ([]Point, error)
}

// Only the most recent observations feed the fit; older points add noise
// without improving the projection.
const maxSeriesPoints = 240

const defaultHorizon = 8

// Engine generates forecasts over a SeriesStore.
type Engine struct {
	store SeriesStore
	now   func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a forecast engine over the given series store.
func NewEngine(store SeriesStore, opts ...Option) *Engine {
	e := &Engine{store: store, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ListMetricNames returns the forecastable metric names in the window.
func (e *Engine) ListMetricNames(ctx context.Context, lookback time.Duration, maxScan int) ([]string, error) {
	if lookback <= 0 {
		lookback = 168 * time.Hour
	}
	if maxScan <= 0 {
		maxScan = 3000
	}
	return e.store.MetricNames(ctx, lookback, maxScan)
}

// Generate produces a forecast for one metric. An empty series yields an
// insufficient_data result, never an error.
func (e *Engine) Generate(ctx context.Context, metric string, horizon int, lookback time.Duration) (Result, error) {
	if horizon <= 0 {
		horizon = defaultHorizon
	}
	if lookback <= 0 {
		lookback = 168 * time.Hour
	}

	series, err := e.store.MetricSeries(ctx, metric, lookback)
	if err != nil {
		return Result{}, err
	}
	if len(series) > maxSeriesPoints {
		series = series[len(series)-maxSeriesPoints:]
	}

	if len(series) == 0 {
		return Result{
			MetricName:      metric,
			Method:          MethodInsufficientData,
			Trend:           TrendStable,
			Confidence:      0,
			ObservedPoints:  []Point{},
			PredictedValues: []Point{},
			GeneratedAt:     e.now().UTC(),
		}, nil
	}
	if len(series) < 3 {
		return e.naive(metric, series, horizon), nil
	}
	return e.linear(metric, series, horizon), nil
}

func (e *Engine) naive(metric string, series []Point, horizon int) Result {
	last := series[len(series)-1]
	step := estimateStep(series)
	predicted := make([]Point, horizon)
	for i := range predicted {
		predicted[i] = Point{
			Timestamp: last.Timestamp.Add(step * time.Duration(i+1)),
			Value:     last.Value,
		}
	}
	return Result{
		MetricName:      metric,
		Method:          MethodNaiveLastValue,
		Trend:           TrendStable,
		Confidence:      0.45,
		ObservedPoints:  series,
		PredictedValues: predicted,
		GeneratedAt:     e.now().UTC(),
	}
}

func (e *Engine) linear(metric string, series []Point, horizon int) Result {
	base := series[0].Timestamp
	n := float64(len(series))

	var sumX, sumY, sumXX, sumXY float64
	for _, p := range series {
		x := p.Timestamp.Sub(base).Seconds()
		sumX += x
		sumY += p.Value
		sumXX += x * x
		sumXY += x * p.Value
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		// All observations at the same instant; a line is undefined.
		return e.naive(metric, series, horizon)
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	var sumSq, meanY float64
	meanY = sumY / n
	for _, p := range series {
		x := p.Timestamp.Sub(base).Seconds()
		resid := p.Value - (slope*x + intercept)
		sumSq += resid * resid
	}
	rmse := math.Sqrt(sumSq / n)

	var variance float64
	for _, p := range series {
		variance += (p.Value - meanY) * (p.Value - meanY)
	}
	valueScale := math.Max(math.Sqrt(variance/n), 1e-6)

	step := estimateStep(series)
	last := series[len(series)-1]
	predicted := make([]Point, horizon)
	for i := range predicted {
		ts := last.Timestamp.Add(step * time.Duration(i+1))
		x := ts.Sub(base).Seconds()
		predicted[i] = Point{Timestamp: ts, Value: slope*x + intercept}
	}

	trend := TrendStable
	if slope > 0 {
		trend = TrendRising
	} else if slope < 0 {
		trend = TrendFalling
	}

	fitQuality := math.Max(0, 1-rmse/(valueScale*2))
	confidence := math.Min(0.95, math.Max(0.5, 0.5+fitQuality*0.4))

	return Result{
		MetricName:      metric,
		Method:          MethodLinearRegression,
		Trend:           trend,
		Confidence:      math.Round(confidence*1000) / 1000,
		ObservedPoints:  series,
		PredictedValues: predicted,
		GeneratedAt:     e.now().UTC(),
	}
}

// estimateStep derives the prediction cadence from the median positive gap
// between observations, clamped to [1min, 24h].
func estimateStep(series []Point) time.Duration {
	if len(series) < 2 {
		return time.Hour
	}
	var positive []float64
	for i := 1; i < len(series); i++ {
		if delta := series[i].Timestamp.Sub(series[i-1].Timestamp).Seconds(); delta > 0 {
			positive = append(positive, delta)
		}
	}
	if len(positive) == 0 {
		return time.Hour
	}
	sort.Float64s(positive)
	var median float64
	mid := len(positive) / 2
	if len(positive)%2 == 1 {
		median = positive[mid]
	} else {
		median = (positive[mid-1] + positive[mid]) / 2
	}
	median = math.Max(60, math.Min(median, 24*3600))
	return time.Duration(median * float64(time.Second))
}
