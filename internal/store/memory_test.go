package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"PerpAgent/internal/model"
)

func newTestAgent(id string) *model.Agent {
	return &model.Agent{
		ID:      id,
		OwnerID: "owner-1",
		Name:    "test-agent",
		Status:  model.AgentActive,
		Rules: model.StrategyRules{
			Symbols:            []string{"BTC"},
			Bias:               model.BiasBoth,
			StopLossPct:        5,
			TakeProfitPct:      10,
			MaxLeverage:        3,
			MaxPositionSizePct: 50,
		},
	}
}

func TestMemoryStoreAgentLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.CreateAgent(ctx, newTestAgent("a1")); err != nil {
		t.Fatalf("创建智能体失败: %v", err)
	}
	if err := store.CreateAgent(ctx, newTestAgent("a1")); !errors.Is(err, ErrAgentConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}
	if _, err := store.GetAgent(ctx, "missing"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	agent, err := store.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("查询智能体失败: %v", err)
	}
	agent.EnergyBalance = 42
	if err := store.UpdateAgent(ctx, agent); err != nil {
		t.Fatalf("更新智能体失败: %v", err)
	}

	again, _ := store.GetAgent(ctx, "a1")
	if again.EnergyBalance != 42 {
		t.Fatalf("expected persisted energy 42, got %v", again.EnergyBalance)
	}

	active, err := store.ListAgentsByStatus(ctx, model.AgentActive)
	if err != nil || len(active) != 1 {
		t.Fatalf("expected 1 active agent, got %d (%v)", len(active), err)
	}
}

func TestMemoryStoreSettleTradeOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	trade := &model.Trade{
		ID:         "t1",
		AgentID:    "a1",
		Symbol:     "BTC",
		Direction:  model.DirectionLong,
		SizeUsd:    100,
		Leverage:   2,
		EntryPrice: 50000,
		Status:     model.TradeOpen,
	}
	if err := store.CreateTrade(ctx, trade); err != nil {
		t.Fatalf("创建交易失败: %v", err)
	}

	ok, err := store.SettleTrade(ctx, "t1", 51000, 3.2, 0.8, false)
	if err != nil || !ok {
		t.Fatalf("first settle should succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = store.SettleTrade(ctx, "t1", 52000, 99, 1, false)
	if err != nil {
		t.Fatalf("repeat settle should be a no-op, got %v", err)
	}
	if ok {
		t.Fatalf("repeat settle must not win the status guard")
	}

	settled, err := store.GetTrade(ctx, "t1")
	if err != nil {
		t.Fatalf("查询交易失败: %v", err)
	}
	if settled.Status != model.TradeClosed || settled.RealizedPnl != 3.2 {
		t.Fatalf("first settle values must stick: %+v", settled)
	}
	if settled.ExitPrice == nil || *settled.ExitPrice != 51000 {
		t.Fatalf("unexpected exit price: %v", settled.ExitPrice)
	}

	if _, err := store.SettleTrade(ctx, "missing", 1, 1, 0, false); !errors.Is(err, ErrTradeNotFound) {
		t.Fatalf("expected trade not found, got %v", err)
	}
}

func TestMemoryStoreCancelAndCount(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now().Unix()
	trades := []*model.Trade{
		{ID: "t1", AgentID: "a1", Symbol: "BTC", Status: model.TradeOpen, OpenedAt: now},
		{ID: "t2", AgentID: "a1", Symbol: "ETH", Status: model.TradeOpen, OpenedAt: now - 90000},
		{ID: "t3", AgentID: "a2", Symbol: "BTC", Status: model.TradeOpen, OpenedAt: now},
	}
	for _, trade := range trades {
		if err := store.CreateTrade(ctx, trade); err != nil {
			t.Fatalf("创建交易 %s 失败: %v", trade.ID, err)
		}
	}

	count, err := store.CountTradesSince(ctx, "a1", now-3600)
	if err != nil || count != 1 {
		t.Fatalf("expected 1 recent trade for a1, got %d (%v)", count, err)
	}

	cancelled, err := store.CancelOpenTrades(ctx, "a1")
	if err != nil || cancelled != 2 {
		t.Fatalf("expected 2 cancelled trades, got %d (%v)", cancelled, err)
	}

	open, err := store.ListOpenTrades(ctx, "")
	if err != nil || len(open) != 1 || open[0].ID != "t3" {
		t.Fatalf("only a2 trade should remain open: %+v (%v)", open, err)
	}
}

func TestMemoryStoreTransactionDedup(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := &model.Transaction{ID: "x1", UserID: "u1", Type: model.TxDeposit, AmountUsd: 100, TxHash: "0xabc"}
	if err := store.AppendTransaction(ctx, first); err != nil {
		t.Fatalf("首次入账失败: %v", err)
	}

	dup := &model.Transaction{ID: "x2", UserID: "u1", Type: model.TxDeposit, AmountUsd: 100, TxHash: "0xabc"}
	if err := store.AppendTransaction(ctx, dup); !errors.Is(err, ErrDuplicateTxHash) {
		t.Fatalf("expected duplicate hash rejection, got %v", err)
	}

	debit := &model.Transaction{ID: "x3", UserID: "u1", Type: model.TxWithdrawal, AmountUsd: -30}
	if err := store.AppendTransaction(ctx, debit); err != nil {
		t.Fatalf("出账失败: %v", err)
	}

	balance, err := store.FreeBalance(ctx, "u1")
	if err != nil || balance != 70 {
		t.Fatalf("expected balance 70, got %v (%v)", balance, err)
	}
}

func TestMemoryStoreSettleTransactionOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	pending := &model.Transaction{
		ID: "x1", UserID: "u1", Type: model.TxPayout, AmountUsd: -50,
		Status: model.TxStatusPending, TxHash: "payout:req-1",
	}
	if err := store.AppendTransaction(ctx, pending); err != nil {
		t.Fatalf("入账失败: %v", err)
	}

	// pending 也占用可用余额。
	balance, _ := store.FreeBalance(ctx, "u1")
	if balance != -50 {
		t.Fatalf("pending debit must reserve funds, got %v", balance)
	}

	got, err := store.GetTransactionByHash(ctx, "payout:req-1")
	if err != nil || got.Status != model.TxStatusPending {
		t.Fatalf("expected pending transaction, got %+v (%v)", got, err)
	}
	if _, err := store.GetTransactionByHash(ctx, "payout:nope"); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}

	ok, err := store.SettleTransaction(ctx, "payout:req-1")
	if err != nil || !ok {
		t.Fatalf("first settle should win, got ok=%v err=%v", ok, err)
	}
	ok, err = store.SettleTransaction(ctx, "payout:req-1")
	if err != nil || ok {
		t.Fatalf("second settle must lose the status guard, got ok=%v err=%v", ok, err)
	}

	got, _ = store.GetTransactionByHash(ctx, "payout:req-1")
	if got.Status != model.TxStatusSettled {
		t.Fatalf("expected settled, got %s", got.Status)
	}

	// 没写状态的流水默认已结清。
	plain := &model.Transaction{ID: "x2", UserID: "u1", Type: model.TxDeposit, AmountUsd: 100, TxHash: "0xdef"}
	if err := store.AppendTransaction(ctx, plain); err != nil {
		t.Fatalf("入账失败: %v", err)
	}
	got, _ = store.GetTransactionByHash(ctx, "0xdef")
	if got.Status != model.TxStatusSettled {
		t.Fatalf("default status must be settled, got %s", got.Status)
	}
}

func TestMemoryStoreInvestmentWithdrawOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	inv := &model.Investment{ID: "i1", UserID: "u1", AgentID: "a1", AmountUsd: 100, SharePct: 25, Status: model.InvestmentActive}
	if err := store.CreateInvestment(ctx, inv); err != nil {
		t.Fatalf("创建入股失败: %v", err)
	}

	ok, err := store.WithdrawInvestment(ctx, "i1")
	if err != nil || !ok {
		t.Fatalf("first withdraw should win, got ok=%v err=%v", ok, err)
	}
	ok, err = store.WithdrawInvestment(ctx, "i1")
	if err != nil || ok {
		t.Fatalf("second withdraw must lose the status guard, got ok=%v err=%v", ok, err)
	}

	active, err := store.ListActiveInvestments(ctx, "a1")
	if err != nil || len(active) != 0 {
		t.Fatalf("expected no active investments, got %d (%v)", len(active), err)
	}
}
