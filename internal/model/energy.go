package model

// EnergyLog 是只追加的燃料流水，每条记录保留前后快照。
type EnergyLog struct {
	ID            string  `json:"id"`
	AgentID       string  `json:"agent_id"`
	Reason        string  `json:"reason"`
	Delta         float64 `json:"delta"`
	BalanceBefore float64 `json:"balance_before"`
	BalanceAfter  float64 `json:"balance_after"`
	CreatedAt     int64   `json:"created_at"`
}

// 燃料变动原因。
const (
	EnergyReasonHeartbeat  = "heartbeat"
	EnergyReasonAnalysis   = "analysis"
	EnergyReasonTrade      = "trade"
	EnergyReasonPurchase   = "purchase"
	EnergyReasonProfitFeed = "profit_feed"
	EnergyReasonReferral   = "referral_bonus"
	EnergyReasonDeath      = "death"
)
