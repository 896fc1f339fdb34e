package model

import "time"

// OpportunityKind 机会类型
type OpportunityKind string

const (
	OpportunitySpread  OpportunityKind = "spread"
	OpportunityFunding OpportunityKind = "funding"
)

// Direction of the hedged exposure. DirLongA buys leg A and sells leg B.
type Direction int

const (
	DirNone  Direction = 0
	DirLongA Direction = +1
	DirLongB Direction = -1
)

func (d Direction) String() string {
	switch d {
	case DirLongA:
		return "long_a_short_b"
	case DirLongB:
		return "long_b_short_a"
	}
	return "none"
}

// Opportunity 相对历史基线的异常偏离
type Opportunity struct {
	PairID     PairID          `json:"pair_id"`
	Kind       OpportunityKind `json:"kind"`
	Direction  Direction       `json:"direction"`
	Magnitude  float64         `json:"magnitude"` // |deviation|
	Deviation  float64         `json:"deviation"` // current - natural (signed)
	Current    float64         `json:"current"`
	Natural    float64         `json:"natural"`
	DetectedAt time.Time       `json:"detected_at"`
}
