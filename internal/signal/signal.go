package signal

import (
	"context"

	"PerpAgent/internal/exchange"
	"PerpAgent/internal/model"
)

// ResearchDepth 决定评估时注入多少行情上下文。
type ResearchDepth string

const (
	// DepthNone 只给当前价格。
	DepthNone ResearchDepth = "none"
	// DepthLight 附带少量近期 K 线。
	DepthLight ResearchDepth = "light"
	// DepthDeep 附带完整 K 线窗口与持仓上下文。
	DepthDeep ResearchDepth = "deep"
)

// Request 是一次交易信号评估的全部输入。
type Request struct {
	AgentName     string
	Symbol        string
	Rules         model.StrategyRules
	MarkPrice     float64
	Candles       []exchange.Candle
	OpenPositions []*model.Trade
	Depth         ResearchDepth
}

// Decision 是模型给出的结构化交易决策。
type Decision struct {
	ShouldTrade bool            `json:"should_trade"`
	Direction   model.Direction `json:"direction"`
	SizeUsd     float64         `json:"size_usd"`
	Leverage    int             `json:"leverage"`
	Confidence  float64         `json:"confidence"`
	Rationale   string          `json:"rationale"`
}

// Client 抽象信号评估后端。
type Client interface {
	Evaluate(ctx context.Context, req Request) (*Decision, error)
}
