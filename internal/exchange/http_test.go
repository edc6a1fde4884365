package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "PerpAgent/internal/errors"
	"PerpAgent/internal/model"
)

func TestNewHTTPAdapterValidation(t *testing.T) {
	if _, err := NewHTTPAdapter(HTTPConfig{}); err == nil {
		t.Fatalf("expected error when base url is missing")
	}
}

func TestGetMarkPrice(t *testing.T) {
	var captured struct {
		Path          string
		Symbol        string
		Authorization string
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Path = r.URL.Path
		captured.Symbol = r.URL.Query().Get("symbol")
		captured.Authorization = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(MarkPrice{Symbol: "BTC", Price: 50123.5})
	}))
	defer srv.Close()

	adapter, err := NewHTTPAdapter(HTTPConfig{BaseURL: srv.URL, APIKey: "key-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mark, err := adapter.GetMarkPrice(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("查询标记价格失败: %v", err)
	}
	if mark.Price != 50123.5 {
		t.Fatalf("unexpected price: %v", mark.Price)
	}
	if captured.Path != "/v1/mark-price" || captured.Symbol != "BTC" {
		t.Fatalf("unexpected request: %+v", captured)
	}
	if captured.Authorization != "Bearer key-1" {
		t.Fatalf("unexpected auth header: %s", captured.Authorization)
	}
}

func TestGetMarkPriceRejectsInvalidPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(MarkPrice{Symbol: "BTC", Price: 0})
	}))
	defer srv.Close()

	adapter, _ := NewHTTPAdapter(HTTPConfig{BaseURL: srv.URL})
	if _, err := adapter.GetMarkPrice(context.Background(), "BTC"); err == nil {
		t.Fatalf("zero price must be rejected")
	}
}

func TestClosePositionFlipsDirection(t *testing.T) {
	var captured OrderRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("failed to decode order: %v", err)
		}
		_ = json.NewEncoder(w).Encode(OrderResult{OrderID: "ord-1", AvgPrice: 50000})
	}))
	defer srv.Close()

	adapter, _ := NewHTTPAdapter(HTTPConfig{BaseURL: srv.URL})
	result, err := adapter.ClosePosition(context.Background(), "BTC", model.DirectionLong, 250)
	if err != nil {
		t.Fatalf("平仓失败: %v", err)
	}
	if result.OrderID != "ord-1" {
		t.Fatalf("unexpected result: %+v", result)
	}

	// 平多仓是一笔 reduce-only 的空单。
	if captured.Direction != model.DirectionShort || !captured.ReduceOnly {
		t.Fatalf("unexpected close order: %+v", captured)
	}
	if captured.SizeUsd != 250 {
		t.Fatalf("unexpected close size: %v", captured.SizeUsd)
	}
}

func TestDoRetryableStatuses(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", tc.status)
		}))
		adapter, _ := NewHTTPAdapter(HTTPConfig{BaseURL: srv.URL})
		_, err := adapter.GetPositions(context.Background())
		srv.Close()

		if err == nil {
			t.Fatalf("status %d must error", tc.status)
		}
		if got := xerrors.RetryableError(err); got != tc.retryable {
			t.Fatalf("status %d: expected retryable=%v, got %v", tc.status, tc.retryable, got)
		}
	}
}

func TestPlaceMarketOrderValidation(t *testing.T) {
	adapter, _ := NewHTTPAdapter(HTTPConfig{BaseURL: "http://127.0.0.1:0"})

	if _, err := adapter.PlaceMarketOrder(context.Background(), OrderRequest{SizeUsd: 100}); err == nil {
		t.Fatalf("empty symbol must be rejected")
	}
	if _, err := adapter.PlaceMarketOrder(context.Background(), OrderRequest{Symbol: "BTC"}); err == nil {
		t.Fatalf("non-positive size must be rejected")
	}
}
