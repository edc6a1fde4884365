package market

import (
	"context"
	"testing"
	"time"

	"PerpAgent/internal/cache"
	"PerpAgent/internal/exchange"
	"PerpAgent/internal/model"
)

type countingAdapter struct {
	priceCalls  int
	candleCalls int
}

func (c *countingAdapter) GetMarkPrice(_ context.Context, symbol string) (*exchange.MarkPrice, error) {
	c.priceCalls++
	return &exchange.MarkPrice{Symbol: symbol, Price: 50000}, nil
}

func (c *countingAdapter) GetCandles(_ context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	c.candleCalls++
	candles := make([]exchange.Candle, limit)
	for i := range candles {
		candles[i] = exchange.Candle{Symbol: symbol, Interval: interval, Close: 50000}
	}
	return candles, nil
}

func (c *countingAdapter) GetPositions(context.Context) ([]exchange.Position, error) {
	return nil, nil
}

func (c *countingAdapter) PlaceMarketOrder(context.Context, exchange.OrderRequest) (*exchange.OrderResult, error) {
	return &exchange.OrderResult{}, nil
}

func (c *countingAdapter) ClosePosition(context.Context, string, model.Direction, float64) (*exchange.OrderResult, error) {
	return &exchange.OrderResult{}, nil
}

func (c *countingAdapter) GetUserFills(context.Context, int) ([]exchange.Fill, error) {
	return nil, nil
}

func (c *countingAdapter) Balance(context.Context) (float64, error) { return 0, nil }

func (c *countingAdapter) WithdrawToChain(context.Context, exchange.WithdrawRequest) (string, error) {
	return "", nil
}

func TestMarkPriceCached(t *testing.T) {
	adapter := &countingAdapter{}
	gateway := NewGateway(adapter, cache.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mark, err := gateway.MarkPrice(ctx, "BTC")
		if err != nil {
			t.Fatalf("查询标记价格失败: %v", err)
		}
		if mark.Price != 50000 {
			t.Fatalf("unexpected price: %v", mark.Price)
		}
	}

	if adapter.priceCalls != 1 {
		t.Fatalf("repeated lookups must hit the cache, got %d exchange calls", adapter.priceCalls)
	}

	// 不同标的各自回源一次。
	if _, err := gateway.MarkPrice(ctx, "ETH"); err != nil {
		t.Fatalf("查询标记价格失败: %v", err)
	}
	if adapter.priceCalls != 2 {
		t.Fatalf("expected 2 exchange calls, got %d", adapter.priceCalls)
	}
}

func TestMarkPriceCacheExpiry(t *testing.T) {
	adapter := &countingAdapter{}
	gateway := NewGateway(adapter, cache.NewMemoryStore(), WithPriceTTL(time.Millisecond))
	ctx := context.Background()

	if _, err := gateway.MarkPrice(ctx, "BTC"); err != nil {
		t.Fatalf("查询标记价格失败: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := gateway.MarkPrice(ctx, "BTC"); err != nil {
		t.Fatalf("查询标记价格失败: %v", err)
	}

	if adapter.priceCalls != 2 {
		t.Fatalf("expired entries must refetch, got %d exchange calls", adapter.priceCalls)
	}
}

func TestCandlesCacheKeyedByWindow(t *testing.T) {
	adapter := &countingAdapter{}
	gateway := NewGateway(adapter, cache.NewMemoryStore())
	ctx := context.Background()

	if _, err := gateway.Candles(ctx, "BTC", "1h", 10); err != nil {
		t.Fatalf("查询K线失败: %v", err)
	}
	if _, err := gateway.Candles(ctx, "BTC", "1h", 10); err != nil {
		t.Fatalf("查询K线失败: %v", err)
	}
	// 不同的窗口参数是不同的缓存键。
	if _, err := gateway.Candles(ctx, "BTC", "1h", 50); err != nil {
		t.Fatalf("查询K线失败: %v", err)
	}

	if adapter.candleCalls != 2 {
		t.Fatalf("expected 2 exchange calls, got %d", adapter.candleCalls)
	}
}
