package model

// TradeStatus 表示交易在生命周期中的状态，只允许单向迁移。
type TradeStatus string

const (
	TradeOpen      TradeStatus = "open"
	TradeClosed    TradeStatus = "closed"
	TradeCancelled TradeStatus = "cancelled"
)

// Direction 表示持仓方向。
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Trade 是一次由智能体发起的杠杆交易。结算后 ExitPrice 与
// RealizedPnl 才会被写入，且每笔交易只结算一次。
type Trade struct {
	ID            string      `json:"id"`
	AgentID       string      `json:"agent_id"`
	Symbol        string      `json:"symbol"`
	Direction     Direction   `json:"direction"`
	SizeUsd       float64     `json:"size_usd"`
	Leverage      int         `json:"leverage"`
	EntryPrice    float64     `json:"entry_price"`
	ExitPrice     *float64    `json:"exit_price,omitempty"`
	Status        TradeStatus `json:"status"`
	RealizedPnl   float64     `json:"realized_pnl"`
	FeeUsd        float64     `json:"fee_usd"`
	OrderID       string      `json:"order_id"`
	TriggerReason string      `json:"trigger_reason"`
	TriggerData   string      `json:"trigger_data,omitempty"`
	ExitDegraded  bool        `json:"exit_degraded,omitempty"`
	OpenedAt      int64       `json:"opened_at"`
	ClosedAt      int64       `json:"closed_at,omitempty"`
}

// Terminal 判断交易是否已处于终态。
func (t TradeStatus) Terminal() bool {
	return t == TradeClosed || t == TradeCancelled
}

// PnlPct 根据当前标记价格计算杠杆后的浮动盈亏百分比。
func (t *Trade) PnlPct(markPrice float64) float64 {
	if t == nil || t.EntryPrice <= 0 || markPrice <= 0 {
		return 0
	}
	raw := (markPrice - t.EntryPrice) / t.EntryPrice * 100
	if t.Direction == DirectionShort {
		raw = -raw
	}
	leverage := t.Leverage
	if leverage < 1 {
		leverage = 1
	}
	return raw * float64(leverage)
}

// GrossPnlUsd 根据出场价格计算未扣费的已实现盈亏。
func (t *Trade) GrossPnlUsd(exitPrice float64) float64 {
	if t == nil || t.EntryPrice <= 0 || exitPrice <= 0 {
		return 0
	}
	return t.SizeUsd * t.PnlPct(exitPrice) / 100
}
