package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"PerpAgent/internal/cache"
	"PerpAgent/internal/exchange"
	"PerpAgent/pkg/logger"
)

// Gateway 在交易所行情接口前加一层 TTL 缓存。同一轮巡检中多个
// 智能体盯同一合约时，只有第一个会真正打到交易所。
type Gateway struct {
	adapter   exchange.Adapter
	cache     cache.Store
	priceTTL  time.Duration
	candleTTL time.Duration
}

// Option 配置 Gateway。
type Option func(*Gateway)

// WithPriceTTL 设置标记价格的缓存时长。
func WithPriceTTL(ttl time.Duration) Option {
	return func(g *Gateway) {
		if ttl > 0 {
			g.priceTTL = ttl
		}
	}
}

// WithCandleTTL 设置 K 线的缓存时长。
func WithCandleTTL(ttl time.Duration) Option {
	return func(g *Gateway) {
		if ttl > 0 {
			g.candleTTL = ttl
		}
	}
}

// NewGateway 创建行情网关。
func NewGateway(adapter exchange.Adapter, store cache.Store, opts ...Option) *Gateway {
	g := &Gateway{
		adapter:   adapter,
		cache:     store,
		priceTTL:  30 * time.Second,
		candleTTL: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// MarkPrice 返回标记价格，命中缓存时不访问交易所。
func (g *Gateway) MarkPrice(ctx context.Context, symbol string) (*exchange.MarkPrice, error) {
	key := "price:" + symbol
	if raw, found, err := g.cache.Get(ctx, key); err == nil && found {
		var price exchange.MarkPrice
		if json.Unmarshal(raw, &price) == nil {
			return &price, nil
		}
	} else if err != nil {
		logger.L().Warn("读取价格缓存失败", "symbol", symbol, "error", err)
	}

	price, err := g.adapter.GetMarkPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(price); err == nil {
		if err := g.cache.Set(ctx, key, raw, g.priceTTL); err != nil {
			logger.L().Warn("写入价格缓存失败", "symbol", symbol, "error", err)
		}
	}
	return price, nil
}

// Candles 返回最近的 K 线，命中缓存时不访问交易所。
func (g *Gateway) Candles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	key := fmt.Sprintf("candles:%s:%s:%d", symbol, interval, limit)
	if raw, found, err := g.cache.Get(ctx, key); err == nil && found {
		var candles []exchange.Candle
		if json.Unmarshal(raw, &candles) == nil {
			return candles, nil
		}
	} else if err != nil {
		logger.L().Warn("读取K线缓存失败", "symbol", symbol, "error", err)
	}

	candles, err := g.adapter.GetCandles(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(candles); err == nil {
		if err := g.cache.Set(ctx, key, raw, g.candleTTL); err != nil {
			logger.L().Warn("写入K线缓存失败", "symbol", symbol, "error", err)
		}
	}
	return candles, nil
}
