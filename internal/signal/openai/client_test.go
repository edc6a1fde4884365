package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"PerpAgent/internal/model"
	"PerpAgent/internal/signal"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestEvaluateSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{
					"message": map[string]any{
						"content": `{"should_trade":true,"direction":"long","size_usd":500,"leverage":2,"confidence":75,"rationale":"突破确认"}`,
					},
				},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decision, err := client.Evaluate(context.Background(), signal.Request{
		AgentName: "alpha",
		Symbol:    "BTC",
		MarkPrice: 50000,
		Rules: model.StrategyRules{
			Symbols: []string{"BTC"}, Bias: model.BiasBoth,
			StopLossPct: 5, TakeProfitPct: 10,
			MaxLeverage: 3, MaxPositionSizePct: 50,
		},
		Depth: signal.DepthLight,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !decision.ShouldTrade || decision.Direction != model.DirectionLong || decision.Confidence != 75 {
		t.Fatalf("unexpected decision: %+v", decision)
	}
	if captured.Authorization != "Bearer test" {
		t.Fatalf("unexpected auth header: %s", captured.Authorization)
	}
	if captured.Body["model"] != defaultModelName {
		t.Fatalf("unexpected model: %v", captured.Body["model"])
	}
}

func TestEvaluateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := client.Evaluate(context.Background(), signal.Request{Symbol: "BTC"}); err == nil {
		t.Fatalf("expected error on 5xx response")
	}
}

func TestParseDecisionExtractsJSONFromProse(t *testing.T) {
	content := "Based on the current setup, here is my call:\n" +
		`{"should_trade":true,"direction":"short","size_usd":200,"leverage":1,"confidence":62,"rationale":"弱势反弹"}` +
		"\nStay cautious out there."

	decision, err := ParseDecision(content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.ShouldTrade || decision.Direction != model.DirectionShort || decision.SizeUsd != 200 {
		t.Fatalf("unexpected decision: %+v", decision)
	}
}

func TestParseDecisionFailSafe(t *testing.T) {
	// 模型给不出结构化输出时按无信号处理，不让巡检失败。
	for _, content := range []string{
		"I cannot make a trading decision right now.",
		"{broken json",
		"",
	} {
		decision, err := ParseDecision(content)
		if err != nil {
			t.Fatalf("parse must not fail on %q: %v", content, err)
		}
		if decision.ShouldTrade {
			t.Fatalf("unparseable content must not trade: %q", content)
		}
	}
}

func TestParseDecisionClampsConfidence(t *testing.T) {
	decision, err := ParseDecision(`{"should_trade":false,"confidence":180}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Confidence != 100 {
		t.Fatalf("confidence must clamp to 100, got %v", decision.Confidence)
	}

	decision, err = ParseDecision(`{"should_trade":false,"confidence":-5}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Confidence != 0 {
		t.Fatalf("confidence must clamp to 0, got %v", decision.Confidence)
	}
}

func TestParseDecisionRejectsInvalidDirection(t *testing.T) {
	decision, err := ParseDecision(`{"should_trade":true,"direction":"sideways","confidence":90}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.ShouldTrade {
		t.Fatalf("invalid direction must downgrade to no-signal: %+v", decision)
	}
	if !strings.Contains(decision.Rationale, "非法交易方向") {
		t.Fatalf("rationale must note the downgrade: %q", decision.Rationale)
	}
}

func TestParseDecisionBalancedBraces(t *testing.T) {
	// 字符串里的大括号不会干扰配平。
	content := `result: {"should_trade":false,"rationale":"range {50k} holds"} trailing`
	decision, err := ParseDecision(content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Rationale != "range {50k} holds" {
		t.Fatalf("unexpected rationale: %q", decision.Rationale)
	}
}
