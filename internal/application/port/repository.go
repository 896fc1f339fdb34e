package port

import (
	"context"

	"segarb/internal/domain/model"
)

// Journal 审计记录：机会、决策、分段与失败
type Journal interface {
	RecordOpportunity(ctx context.Context, opp model.Opportunity) error
	RecordDecision(ctx context.Context, order *model.DecisionOrder) error
	RecordSegment(ctx context.Context, pair model.PairID, seg *model.ExecutionSegment) error
	RecordFailure(ctx context.Context, f model.Failure) error
}

// StateCache 最新行情状态缓存（供外部看板读取）
type StateCache interface {
	PutPairState(ctx context.Context, st model.PairState) error
	PutBaseline(ctx context.Context, b model.HistoryBaseline) error
}
