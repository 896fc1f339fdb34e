package model

// RiskGateResult 单次风控闸门评估结果
type RiskGateResult struct {
	Allowed     bool    `json:"allowed"`
	Reason      string  `json:"reason,omitempty"`
	AdjustedQty float64 `json:"adjusted_qty"`
	Gate        string  `json:"gate,omitempty"`
}

func Allow(qty float64) RiskGateResult {
	return RiskGateResult{Allowed: true, AdjustedQty: qty}
}

func Deny(gate, reason string) RiskGateResult {
	return RiskGateResult{Allowed: false, Gate: gate, Reason: reason}
}

func Adjust(gate string, qty float64, reason string) RiskGateResult {
	return RiskGateResult{Allowed: true, Gate: gate, AdjustedQty: qty, Reason: reason}
}

// Adjusted reports whether the gate shrank the requested quantity.
func (r RiskGateResult) Adjusted(requested float64) bool {
	return r.Allowed && r.AdjustedQty < requested
}

// Failure 需要运维关注的终态失败
type Failure struct {
	PairID PairID  `json:"pair_id"`
	Venue  VenueID `json:"venue,omitempty"`
	Stage  string  `json:"stage"`
	Cause  string  `json:"cause"`
}
