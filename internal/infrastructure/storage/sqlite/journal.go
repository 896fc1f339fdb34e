package sqlite

import (
	"context"
	"encoding/json"
	"time"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"
)

func (r *Repo) RecordOpportunity(ctx context.Context, o model.Opportunity) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO opportunities(pair_id, kind, direction, magnitude, deviation, current, natural, ts_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, string(o.PairID), string(o.Kind), int(o.Direction), o.Magnitude, o.Deviation, o.Current, o.Natural, o.DetectedAt.UnixMilli())
	return err
}

func (r *Repo) RecordDecision(ctx context.Context, order *model.DecisionOrder) error {
	payload, err := json.Marshal(order)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO decisions(id, pair_id, kind, policy, grid_level, payload, ts_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, order.ID, string(order.PairID), string(order.Kind), string(order.Policy), order.GridLevel, string(payload), order.CreatedAt.UnixMilli())
	return err
}

// RecordSegment 记录分段的最新状态，同一分段重复写入时覆盖
func (r *Repo) RecordSegment(ctx context.Context, pair model.PairID, seg *model.ExecutionSegment) error {
	payload, err := json.Marshal(seg.Legs)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO segments(decision_id, seq, pair_id, size, state, reason, payload, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(decision_id, seq) DO UPDATE SET
		size=excluded.size, state=excluded.state, reason=excluded.reason, payload=excluded.payload, updated_at=excluded.updated_at
	`, seg.DecisionOrderID, seg.SequenceNo, string(pair), seg.Size, string(seg.State), seg.Reason, string(payload), time.Now().UnixMilli())
	return err
}

func (r *Repo) RecordFailure(ctx context.Context, f model.Failure) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO failures(pair_id, venue, stage, cause, ts_ms) VALUES(?, ?, ?, ?, ?)
	`, string(f.PairID), string(f.Venue), f.Stage, f.Cause, time.Now().UnixMilli())
	return err
}

// SegmentRow 分段记录
type SegmentRow struct {
	DecisionID string
	Seq        int
	PairID     model.PairID
	Size       float64
	State      model.SegmentState
	Reason     string
	Legs       []*model.OrderLeg
}

// ListSegments 按决策与序号返回某个交易对的分段记录
func (r *Repo) ListSegments(ctx context.Context, pair model.PairID) ([]SegmentRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT decision_id, seq, size, state, reason, payload FROM segments
		WHERE pair_id=? ORDER BY decision_id, seq
	`, string(pair))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SegmentRow
	for rows.Next() {
		row := SegmentRow{PairID: pair}
		var state, payload string
		if err := rows.Scan(&row.DecisionID, &row.Seq, &row.Size, &state, &row.Reason, &payload); err != nil {
			return nil, err
		}
		row.State = model.SegmentState(state)
		if err := json.Unmarshal([]byte(payload), &row.Legs); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// CountOpportunities 统计某交易对记录的机会数
func (r *Repo) CountOpportunities(ctx context.Context, pair model.PairID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM opportunities WHERE pair_id=?`, string(pair)).Scan(&n)
	return n, err
}

var _ port.Journal = (*Repo)(nil)
