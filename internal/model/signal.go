package model

// SignalRecord 是一次 AI 评估的审计记录。无论是否触发交易，
// 每次评估都会落库。
type SignalRecord struct {
	ID          string  `json:"id"`
	AgentID     string  `json:"agent_id"`
	Symbol      string  `json:"symbol"`
	ShouldTrade bool    `json:"should_trade"`
	Direction   string  `json:"direction,omitempty"`
	Confidence  float64 `json:"confidence"`
	Rationale   string  `json:"rationale"`
	Outcome     string  `json:"outcome"`
	CreatedAt   int64   `json:"created_at"`
}

// 评估结果的处置方式。
const (
	SignalOutcomeOpened        = "opened"
	SignalOutcomeNoSignal      = "no_signal"
	SignalOutcomeLowConfidence = "low_confidence"
	SignalOutcomeSizeTooSmall  = "size_below_minimum"
	SignalOutcomeDailyLimit    = "daily_limit_reached"
	SignalOutcomeOpenFailed    = "open_failed"
)
