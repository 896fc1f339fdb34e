package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"
)

// Repo 基于 pgxpool 的历史样本与审计存储
type Repo struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string, maxConns int32) (*Repo, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	r := &Repo{pool: pool}
	if err := r.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error {
	r.pool.Close()
	return nil
}

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS samples (
  pair_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  ts_ms BIGINT NOT NULL,
  value DOUBLE PRECISION NOT NULL,
  PRIMARY KEY (pair_id, kind, ts_ms)
);
CREATE INDEX IF NOT EXISTS idx_samples_ts ON samples(ts_ms);

CREATE TABLE IF NOT EXISTS opportunities (
  id BIGSERIAL PRIMARY KEY,
  pair_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  direction INTEGER NOT NULL,
  magnitude DOUBLE PRECISION NOT NULL,
  deviation DOUBLE PRECISION NOT NULL,
  current DOUBLE PRECISION NOT NULL,
  natural DOUBLE PRECISION NOT NULL,
  ts_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_opp_ts ON opportunities(ts_ms);

CREATE TABLE IF NOT EXISTS decisions (
  id TEXT PRIMARY KEY,
  pair_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  policy TEXT NOT NULL,
  grid_level INTEGER NOT NULL,
  payload JSONB NOT NULL,
  ts_ms BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS segments (
  decision_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  pair_id TEXT NOT NULL,
  size DOUBLE PRECISION NOT NULL,
  state TEXT NOT NULL,
  reason TEXT NOT NULL,
  payload JSONB NOT NULL,
  updated_at BIGINT NOT NULL,
  PRIMARY KEY (decision_id, seq)
);

CREATE TABLE IF NOT EXISTS failures (
  id BIGSERIAL PRIMARY KEY,
  pair_id TEXT NOT NULL,
  venue TEXT NOT NULL,
  stage TEXT NOT NULL,
  cause TEXT NOT NULL,
  ts_ms BIGINT NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (r *Repo) Append(ctx context.Context, s model.Sample) error {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO samples(pair_id, kind, ts_ms, value) VALUES($1, $2, $3, $4)
		ON CONFLICT (pair_id, kind, ts_ms) DO NOTHING
	`, string(s.PairID), string(s.Kind), s.Timestamp.UnixMilli(), s.Value)
	if err != nil {
		return fmt.Errorf("postgres: append sample %s: %w", s.PairID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %s at %d", port.ErrDuplicateSample, s.PairID, s.Kind, s.Timestamp.UnixMilli())
	}
	return nil
}

func (r *Repo) Window(ctx context.Context, pair model.PairID, kind model.SampleKind, from, to time.Time) ([]model.Sample, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT ts_ms, value FROM samples
		WHERE pair_id=$1 AND kind=$2 AND ts_ms>=$3 AND ts_ms<=$4
		ORDER BY ts_ms ASC
	`, string(pair), string(kind), from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("postgres: window %s: %w", pair, err)
	}
	defer rows.Close()

	var out []model.Sample
	for rows.Next() {
		var ts int64
		var v float64
		if err := rows.Scan(&ts, &v); err != nil {
			return nil, fmt.Errorf("postgres: scan sample: %w", err)
		}
		out = append(out, model.Sample{PairID: pair, Kind: kind, Timestamp: time.UnixMilli(ts), Value: v})
	}
	return out, rows.Err()
}

func (r *Repo) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM samples WHERE ts_ms<$1`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("postgres: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repo) RecordOpportunity(ctx context.Context, o model.Opportunity) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO opportunities(pair_id, kind, direction, magnitude, deviation, current, natural, ts_ms)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8)
	`, string(o.PairID), string(o.Kind), int(o.Direction), o.Magnitude, o.Deviation, o.Current, o.Natural, o.DetectedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("postgres: insert opportunity %s: %w", o.PairID, err)
	}
	return nil
}

func (r *Repo) RecordDecision(ctx context.Context, order *model.DecisionOrder) error {
	payload, err := json.Marshal(order)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO decisions(id, pair_id, kind, policy, grid_level, payload, ts_ms)
		VALUES($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, order.ID, string(order.PairID), string(order.Kind), string(order.Policy), order.GridLevel, payload, order.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("postgres: insert decision %s: %w", order.ID, err)
	}
	return nil
}

func (r *Repo) RecordSegment(ctx context.Context, pair model.PairID, seg *model.ExecutionSegment) error {
	payload, err := json.Marshal(seg.Legs)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO segments(decision_id, seq, pair_id, size, state, reason, payload, updated_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (decision_id, seq) DO UPDATE SET
		size=EXCLUDED.size, state=EXCLUDED.state, reason=EXCLUDED.reason, payload=EXCLUDED.payload, updated_at=EXCLUDED.updated_at
	`, seg.DecisionOrderID, seg.SequenceNo, string(pair), seg.Size, string(seg.State), seg.Reason, payload, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("postgres: upsert segment %s/%d: %w", seg.DecisionOrderID, seg.SequenceNo, err)
	}
	return nil
}

func (r *Repo) RecordFailure(ctx context.Context, f model.Failure) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO failures(pair_id, venue, stage, cause, ts_ms) VALUES($1, $2, $3, $4, $5)
	`, string(f.PairID), string(f.Venue), f.Stage, f.Cause, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("postgres: insert failure %s: %w", f.PairID, err)
	}
	return nil
}

var (
	_ port.HistoryStore = (*Repo)(nil)
	_ port.Journal      = (*Repo)(nil)
)
