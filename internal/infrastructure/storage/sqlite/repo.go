package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"
)

// Repo 本地 sqlite 存储：历史样本 + 审计日志
type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS samples (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  pair_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  ts_ms INTEGER NOT NULL,
  value REAL NOT NULL,
  UNIQUE(pair_id, kind, ts_ms)
);
CREATE INDEX IF NOT EXISTS idx_samples_ts ON samples(ts_ms);

CREATE TABLE IF NOT EXISTS opportunities (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  pair_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  direction INTEGER NOT NULL,
  magnitude REAL NOT NULL,
  deviation REAL NOT NULL,
  current REAL NOT NULL,
  natural REAL NOT NULL,
  ts_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_opp_pair ON opportunities(pair_id);
CREATE INDEX IF NOT EXISTS idx_opp_ts ON opportunities(ts_ms);

CREATE TABLE IF NOT EXISTS decisions (
  id TEXT PRIMARY KEY,
  pair_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  policy TEXT NOT NULL,
  grid_level INTEGER NOT NULL,
  payload TEXT NOT NULL,
  ts_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_pair ON decisions(pair_id);

CREATE TABLE IF NOT EXISTS segments (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  decision_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  pair_id TEXT NOT NULL,
  size REAL NOT NULL,
  state TEXT NOT NULL,
  reason TEXT NOT NULL,
  payload TEXT NOT NULL,
  updated_at INTEGER NOT NULL,
  UNIQUE(decision_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_segments_pair ON segments(pair_id);

CREATE TABLE IF NOT EXISTS failures (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  pair_id TEXT NOT NULL,
  venue TEXT NOT NULL,
  stage TEXT NOT NULL,
  cause TEXT NOT NULL,
  ts_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failures_ts ON failures(ts_ms);
`)
	return err
}

// Append 追加一个样本；同一 (pair, kind, ts) 只保留第一条
func (r *Repo) Append(ctx context.Context, s model.Sample) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO samples(pair_id, kind, ts_ms, value)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(pair_id, kind, ts_ms) DO NOTHING
	`, string(s.PairID), string(s.Kind), s.Timestamp.UnixMilli(), s.Value)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s %s at %d", port.ErrDuplicateSample, s.PairID, s.Kind, s.Timestamp.UnixMilli())
	}
	return nil
}

func (r *Repo) Window(ctx context.Context, pair model.PairID, kind model.SampleKind, from, to time.Time) ([]model.Sample, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ts_ms, value FROM samples
		WHERE pair_id=? AND kind=? AND ts_ms>=? AND ts_ms<=?
		ORDER BY ts_ms ASC
	`, string(pair), string(kind), from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Sample
	for rows.Next() {
		var ts int64
		var v float64
		if err := rows.Scan(&ts, &v); err != nil {
			return nil, err
		}
		out = append(out, model.Sample{PairID: pair, Kind: kind, Timestamp: time.UnixMilli(ts), Value: v})
	}
	return out, rows.Err()
}

func (r *Repo) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM samples WHERE ts_ms<?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var _ port.HistoryStore = (*Repo)(nil)
