package exchange

import (
	"context"

	"PerpAgent/internal/model"
)

// MarkPrice 是某合约当前的标记价格。
type MarkPrice struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

// Candle 是一根 K 线。
type Candle struct {
	Symbol    string  `json:"symbol"`
	Interval  string  `json:"interval"`
	OpenTime  int64   `json:"open_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"close_time"`
}

// Position 是交易所侧的一个持仓快照。
type Position struct {
	Symbol     string          `json:"symbol"`
	Direction  model.Direction `json:"direction"`
	SizeUsd    float64         `json:"size_usd"`
	EntryPrice float64         `json:"entry_price"`
	MarkPrice  float64         `json:"mark_price"`
	Leverage   int             `json:"leverage"`
}

// OrderRequest 描述一笔市价单。ReduceOnly 的平仓单不会反向开仓。
type OrderRequest struct {
	Symbol     string          `json:"symbol"`
	Direction  model.Direction `json:"direction"`
	SizeUsd    float64         `json:"size_usd"`
	Leverage   int             `json:"leverage"`
	ReduceOnly bool            `json:"reduce_only"`
}

// OrderResult 是交易所对下单的确认。
type OrderResult struct {
	OrderID   string  `json:"order_id"`
	Symbol    string  `json:"symbol"`
	AvgPrice  float64 `json:"avg_price"`
	FilledUsd float64 `json:"filled_usd"`
	FeeUsd    float64 `json:"fee_usd"`
}

// Fill 是一次成交回报。ClosedPnl 只在平仓成交上非零。
type Fill struct {
	OrderID   string  `json:"order_id"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	SizeUsd   float64 `json:"size_usd"`
	FeeUsd    float64 `json:"fee_usd"`
	ClosedPnl float64 `json:"closed_pnl"`
	Timestamp int64   `json:"timestamp"`
}

// WithdrawRequest 发起向外部链地址的提币。
type WithdrawRequest struct {
	Chain     string  `json:"chain"`
	Address   string  `json:"address"`
	AmountUsd float64 `json:"amount_usd"`
}

// Adapter 抽象永续合约交易所。实现必须在 ctx 取消时尽快返回。
type Adapter interface {
	// GetMarkPrice 查询标记价格。
	GetMarkPrice(ctx context.Context, symbol string) (*MarkPrice, error)
	// GetCandles 查询最近的 K 线。
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	// GetPositions 查询账户当前全部持仓。
	GetPositions(ctx context.Context) ([]Position, error)
	// PlaceMarketOrder 下市价单并返回成交确认。
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	// ClosePosition 以 reduce-only 市价单平掉指定合约仓位。
	ClosePosition(ctx context.Context, symbol string, direction model.Direction, sizeUsd float64) (*OrderResult, error)
	// GetUserFills 查询最近的成交记录，用于结算时回溯成交价。
	GetUserFills(ctx context.Context, limit int) ([]Fill, error)
	// Balance 查询交易所账户可用余额（USD）。
	Balance(ctx context.Context) (float64, error)
	// WithdrawToChain 发起提币并返回交易所侧的提币单号。
	WithdrawToChain(ctx context.Context, req WithdrawRequest) (string, error)
}
