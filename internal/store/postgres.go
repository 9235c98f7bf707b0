// Package store is the Postgres persistence layer for signals, risk
// assessment history, and incidents. Queries use database/sql with the
// lib/pq driver; JSON-shaped columns (metadata, entities, embeddings,
// related signal ids) are JSONB.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/signalforgehq/signal-engine/internal/config"
	"github.com/signalforgehq/signal-engine/internal/forecast"
	"github.com/signalforgehq/signal-engine/internal/models"
	"github.com/signalforgehq/signal-engine/internal/utils"
)

// Store wraps the Postgres connection pool.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens a connection pool and verifies connectivity.
func New(cfg config.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, &utils.AppError{Op: "store.New", Msg: "open database", Err: err}
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &utils.AppError{Op: "store.New", Msg: "ping database", Err: err}
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

// NewWithDB wraps an existing handle; used by tests with sqlmock.
func NewWithDB(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the tables and indexes when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id BIGSERIAL PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL,
			source_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			metadata JSONB,
			sentiment_score DOUBLE PRECISION,
			sentiment_label TEXT NOT NULL DEFAULT '',
			entities JSONB,
			summary TEXT NOT NULL DEFAULT '',
			embedding JSONB,
			risk_score DOUBLE PRECISION,
			risk_tier TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_timestamp ON signals (timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_source_timestamp ON signals (source, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_metric_name ON signals ((metadata->>'metric_name'))`,
		`CREATE TABLE IF NOT EXISTS risk_assessments (
			id BIGSERIAL PRIMARY KEY,
			signal_id BIGINT NOT NULL REFERENCES signals(id),
			composite_score DOUBLE PRECISION NOT NULL,
			sentiment_component DOUBLE PRECISION NOT NULL,
			anomaly_component DOUBLE PRECISION NOT NULL,
			ticket_volume_component DOUBLE PRECISION NOT NULL,
			revenue_component DOUBLE PRECISION NOT NULL,
			engagement_component DOUBLE PRECISION NOT NULL,
			tier TEXT NOT NULL,
			explanation TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_risk_assessments_signal ON risk_assessments (signal_id)`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id BIGSERIAL PRIMARY KEY,
			public_id TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ,
			related_signal_ids JSONB NOT NULL DEFAULT '[]',
			root_cause_hypothesis TEXT NOT NULL DEFAULT '',
			recommended_actions TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents (status)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_title ON incidents (title)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &utils.AppError{Op: "store.EnsureSchema", Msg: "apply schema", Err: err}
		}
	}
	return nil
}

const signalColumns = `id, tenant_id, source, source_id, title, content, timestamp, metadata,
	sentiment_score, sentiment_label, entities, summary, embedding, risk_score, risk_tier, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(row rowScanner) (*models.Signal, error) {
	var (
		sig       models.Signal
		metadata  []byte
		entities  []byte
		embedding []byte
		sentiment sql.NullFloat64
		riskScore sql.NullFloat64
	)
	err := row.Scan(
		&sig.ID, &sig.TenantID, &sig.Source, &sig.SourceID, &sig.Title, &sig.Content,
		&sig.Timestamp, &metadata, &sentiment, &sig.SentimentLabel, &entities,
		&sig.Summary, &embedding, &riskScore, &sig.RiskTier, &sig.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if sentiment.Valid {
		sig.SentimentScore = &sentiment.Float64
	}
	if riskScore.Valid {
		sig.RiskScore = &riskScore.Float64
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &sig.Metadata); err != nil {
			return nil, fmt.Errorf("decode signal %d metadata: %w", sig.ID, err)
		}
	}
	if len(entities) > 0 {
		if err := json.Unmarshal(entities, &sig.Entities); err != nil {
			return nil, fmt.Errorf("decode signal %d entities: %w", sig.ID, err)
		}
	}
	if len(embedding) > 0 {
		if err := json.Unmarshal(embedding, &sig.Embedding); err != nil {
			return nil, fmt.Errorf("decode signal %d embedding: %w", sig.ID, err)
		}
	}
	return &sig, nil
}

func (s *Store) querySignals(ctx context.Context, query string, args ...any) ([]models.Signal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []models.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, *sig)
	}
	return signals, rows.Err()
}

// InsertSignal persists a new signal and fills in its id and created_at.
func (s *Store) InsertSignal(ctx context.Context, sig *models.Signal) error {
	metadata, err := json.Marshal(emptyMapIfNil(sig.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	entities, err := json.Marshal(emptySliceIfNil(sig.Entities))
	if err != nil {
		return fmt.Errorf("encode entities: %w", err)
	}
	embedding, err := json.Marshal(emptySliceIfNil(sig.Embedding))
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	return s.db.QueryRowContext(ctx,
		`INSERT INTO signals (tenant_id, source, source_id, title, content, timestamp,
			metadata, sentiment_score, sentiment_label, entities, summary, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id, created_at`,
		sig.TenantID, sig.Source, sig.SourceID, sig.Title, sig.Content, sig.Timestamp,
		metadata, nullableFloat(sig.SentimentScore), sig.SentimentLabel, entities,
		sig.Summary, embedding,
	).Scan(&sig.ID, &sig.CreatedAt)
}

// GetSignal loads one signal, returning (nil, nil) when the id is unknown.
func (s *Store) GetSignal(ctx context.Context, id int64) (*models.Signal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE id = $1`, id)
	sig, err := scanSignal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// SignalsNear returns cross-source signals within the window around the
// reference signal's timestamp, newest first.
func (s *Store) SignalsNear(ctx context.Context, ref *models.Signal, window time.Duration, limit int) ([]models.Signal, error) {
	return s.querySignals(ctx,
		`SELECT `+signalColumns+` FROM signals
		 WHERE id <> $1 AND source <> $2 AND timestamp >= $3 AND timestamp <= $4
		 ORDER BY timestamp DESC LIMIT $5`,
		ref.ID, ref.Source, ref.Timestamp.Add(-window), ref.Timestamp.Add(window), limit)
}

// SignalsWithEntities returns recent signals carrying extracted entities.
func (s *Store) SignalsWithEntities(ctx context.Context, excludeID int64, limit int) ([]models.Signal, error) {
	return s.querySignals(ctx,
		`SELECT `+signalColumns+` FROM signals
		 WHERE id <> $1 AND entities IS NOT NULL AND jsonb_array_length(entities) > 0
		 ORDER BY timestamp DESC LIMIT $2`,
		excludeID, limit)
}

// UnscoredSignals returns signals the risk pass has not touched yet, oldest
// first so backlog drains in arrival order.
func (s *Store) UnscoredSignals(ctx context.Context, limit int) ([]models.Signal, error) {
	return s.querySignals(ctx,
		`SELECT `+signalColumns+` FROM signals
		 WHERE risk_score IS NULL ORDER BY timestamp ASC LIMIT $1`, limit)
}

// ApplyRiskScore writes the scoring outcome onto the signal row.
func (s *Store) ApplyRiskScore(ctx context.Context, signalID int64, score float64, tier models.RiskTier) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE signals SET risk_score = $2, risk_tier = $3 WHERE id = $1`,
		signalID, score, tier)
	return err
}

// InsertRiskAssessment appends one scoring history row.
func (s *Store) InsertRiskAssessment(ctx context.Context, a *models.RiskAssessment) error {
	return s.db.QueryRowContext(ctx,
		`INSERT INTO risk_assessments (signal_id, composite_score, sentiment_component,
			anomaly_component, ticket_volume_component, revenue_component,
			engagement_component, tier, explanation)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at`,
		a.SignalID, a.CompositeScore, a.SentimentComponent, a.AnomalyComponent,
		a.TicketVolumeComponent, a.RevenueComponent, a.EngagementComponent,
		a.Tier, a.Explanation,
	).Scan(&a.ID, &a.CreatedAt)
}

// SignalEmbeddings streams (id, embedding) pairs for index warm-up, newest
// first, capped at limit.
func (s *Store) SignalEmbeddings(ctx context.Context, limit int, fn func(id int64, vector []float64)) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding FROM signals
		 WHERE embedding IS NOT NULL ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  int64
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return err
		}
		var vector []float64
		if err := json.Unmarshal(raw, &vector); err != nil {
			s.logger.Warn("skipping malformed embedding", slog.Int64("signal_id", id))
			continue
		}
		fn(id, vector)
	}
	return rows.Err()
}

// CountBySource counts signals per source with timestamp in [from, to).
func (s *Store) CountBySource(ctx context.Context, from, to time.Time) (map[models.SignalSource]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, COUNT(*) FROM signals
		 WHERE timestamp >= $1 AND timestamp < $2 GROUP BY source`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.SignalSource]int)
	for rows.Next() {
		var (
			source models.SignalSource
			count  int
		)
		if err := rows.Scan(&source, &count); err != nil {
			return nil, err
		}
		counts[source] = count
	}
	return counts, rows.Err()
}

// RiskStats returns the average risk score and scored-signal count in [from, to).
func (s *Store) RiskStats(ctx context.Context, from, to time.Time) (float64, int, error) {
	var (
		avg   float64
		count int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(risk_score), 0), COUNT(*) FROM signals
		 WHERE timestamp >= $1 AND timestamp < $2 AND risk_score IS NOT NULL`,
		from, to).Scan(&avg, &count)
	return avg, count, err
}

// SentimentCounts returns total and negative labeled signal counts in [from, to).
func (s *Store) SentimentCounts(ctx context.Context, from, to time.Time) (int, int, error) {
	var total, negative int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE sentiment_label = 'negative')
		 FROM signals
		 WHERE timestamp >= $1 AND timestamp < $2 AND sentiment_label <> ''`,
		from, to).Scan(&total, &negative)
	return total, negative, err
}

// HighRiskSignalIDs returns ids of recent signals at or above minScore,
// highest risk first.
func (s *Store) HighRiskSignalIDs(ctx context.Context, from time.Time, minScore float64, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM signals
		 WHERE timestamp >= $1 AND risk_score >= $2
		 ORDER BY risk_score DESC LIMIT $3`, from, minScore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MetricNames lists distinct metric names from financial/system signal
// metadata within the lookback window.
func (s *Store) MetricNames(ctx context.Context, lookback time.Duration, maxScan int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT metric FROM (
			SELECT metadata->>'metric_name' AS metric FROM signals
			WHERE timestamp >= $1
			  AND source IN ('financial', 'system')
			  AND metadata ? 'metric_name'
			  AND jsonb_typeof(metadata->'value') = 'number'
			ORDER BY timestamp DESC LIMIT $2
		 ) names WHERE metric <> '' ORDER BY metric`,
		time.Now().UTC().Add(-lookback), maxScan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// MetricSeries returns the (timestamp, value) observations for one metric,
// oldest first.
func (s *Store) MetricSeries(ctx context.Context, metric string, lookback time.Duration) ([]forecast.Point, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, (metadata->>'value')::float8 FROM signals
		 WHERE timestamp >= $1
		   AND source IN ('financial', 'system')
		   AND metadata->>'metric_name' = $2
		   AND jsonb_typeof(metadata->'value') = 'number'
		 ORDER BY timestamp ASC LIMIT 6000`,
		time.Now().UTC().Add(-lookback), metric)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []forecast.Point
	for rows.Next() {
		var p forecast.Point
		if err := rows.Scan(&p.Timestamp, &p.Value); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// MetricSignalIDs returns ids of recent signals carrying the metric name,
// newest first.
func (s *Store) MetricSignalIDs(ctx context.Context, metric string, window time.Duration, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM signals
		 WHERE timestamp >= $1
		   AND source IN ('financial', 'system', 'stripe', 'pagerduty')
		   AND metadata->>'metric_name' = $2
		 ORDER BY timestamp DESC LIMIT $3`,
		time.Now().UTC().Add(-window), metric, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const incidentColumns = `id, public_id, tenant_id, title, description, severity, status,
	start_time, end_time, related_signal_ids, root_cause_hypothesis, recommended_actions, created_at`

func scanIncident(row rowScanner) (*models.Incident, error) {
	var (
		inc     models.Incident
		endTime sql.NullTime
		related []byte
	)
	err := row.Scan(
		&inc.ID, &inc.PublicID, &inc.TenantID, &inc.Title, &inc.Description,
		&inc.Severity, &inc.Status, &inc.StartTime, &endTime, &related,
		&inc.RootCauseHypothesis, &inc.RecommendedActions, &inc.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if endTime.Valid {
		inc.EndTime = &endTime.Time
	}
	if len(related) > 0 {
		if err := json.Unmarshal(related, &inc.RelatedSignalIDs); err != nil {
			return nil, fmt.Errorf("decode incident %d related ids: %w", inc.ID, err)
		}
	}
	return &inc, nil
}

func (s *Store) queryIncidents(ctx context.Context, query string, args ...any) ([]models.Incident, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var incidents []models.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, *inc)
	}
	return incidents, rows.Err()
}

// CreateIncident inserts a new incident, assigning its public id.
func (s *Store) CreateIncident(ctx context.Context, inc *models.Incident) error {
	if inc.PublicID == "" {
		inc.PublicID = uuid.NewString()
	}
	related, err := json.Marshal(emptySliceIfNil(inc.RelatedSignalIDs))
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx,
		`INSERT INTO incidents (public_id, tenant_id, title, description, severity, status,
			start_time, end_time, related_signal_ids, root_cause_hypothesis, recommended_actions)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id, created_at`,
		inc.PublicID, inc.TenantID, inc.Title, inc.Description, inc.Severity, inc.Status,
		inc.StartTime, inc.EndTime, related, inc.RootCauseHypothesis, inc.RecommendedActions,
	).Scan(&inc.ID, &inc.CreatedAt)
}

// UpdateIncident persists the mutable incident fields.
func (s *Store) UpdateIncident(ctx context.Context, inc *models.Incident) error {
	related, err := json.Marshal(emptySliceIfNil(inc.RelatedSignalIDs))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE incidents SET description = $2, severity = $3, status = $4, end_time = $5,
			related_signal_ids = $6, root_cause_hypothesis = $7, recommended_actions = $8
		 WHERE id = $1`,
		inc.ID, inc.Description, inc.Severity, inc.Status, inc.EndTime,
		related, inc.RootCauseHypothesis, inc.RecommendedActions)
	return err
}

// GetIncident loads one incident, returning (nil, nil) when absent.
func (s *Store) GetIncident(ctx context.Context, id int64) (*models.Incident, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id)
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return inc, nil
}

// ListIncidents returns incidents newest first, optionally filtered by
// status, capped at 200.
func (s *Store) ListIncidents(ctx context.Context, status models.IncidentStatus) ([]models.Incident, error) {
	return s.queryIncidents(ctx,
		`SELECT `+incidentColumns+` FROM incidents
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY start_time DESC LIMIT 200`, string(status))
}

// OpenIncidentByTitle finds the most recent open incident with the exact
// title, returning (nil, nil) when there is none.
func (s *Store) OpenIncidentByTitle(ctx context.Context, title string) (*models.Incident, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents
		 WHERE title = $1 AND status IN ('active', 'investigating')
		 ORDER BY start_time DESC LIMIT 1`, title)
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return inc, nil
}

// OpenAutoIncidents returns open auto-generated incidents, newest first.
func (s *Store) OpenAutoIncidents(ctx context.Context) ([]models.Incident, error) {
	return s.queryIncidents(ctx,
		`SELECT `+incidentColumns+` FROM incidents
		 WHERE status IN ('active', 'investigating')
		   AND (title LIKE '[Anomaly]%' OR title LIKE '[Forecast]%')
		 ORDER BY start_time DESC`)
}

func emptySliceIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func emptyMapIfNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nullableFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
