package metabolism

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	xerrors "PerpAgent/internal/errors"
	"PerpAgent/internal/model"
	"PerpAgent/internal/store"
)

type capturedEvent struct {
	Kind    string
	Payload []byte
}

type fakePublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (f *fakePublisher) Publish(_ context.Context, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, capturedEvent{Kind: kind, Payload: raw})
	return nil
}

func (f *fakePublisher) byKind(kind string) []capturedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []capturedEvent
	for _, ev := range f.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func seedAgent(t *testing.T, st *store.MemoryStore, agent *model.Agent) {
	t.Helper()
	if err := st.CreateAgent(context.Background(), agent); err != nil {
		t.Fatalf("创建智能体失败: %v", err)
	}
}

func TestBurnNeverGoesNegative(t *testing.T) {
	st := store.NewMemoryStore()
	engine := NewEngine(st, store.NewKeyedLocks())
	ctx := context.Background()

	seedAgent(t, st, &model.Agent{
		ID: "a1", OwnerID: "u1", Status: model.AgentActive, EnergyBalance: 3,
	})

	result, err := engine.Burn(ctx, "a1", model.EnergyReasonAnalysis, 10)
	if err != nil {
		t.Fatalf("燃料消耗失败: %v", err)
	}
	if result.Agent.EnergyBalance != 0 {
		t.Fatalf("energy must floor at zero, got %v", result.Agent.EnergyBalance)
	}
	if !result.IsDead {
		t.Fatalf("agent below the survival line must die")
	}
}

func TestHeartbeatStampsCheckTime(t *testing.T) {
	st := store.NewMemoryStore()
	engine := NewEngine(st, store.NewKeyedLocks())
	ctx := context.Background()

	seedAgent(t, st, &model.Agent{
		ID: "a1", OwnerID: "u1", Status: model.AgentActive, EnergyBalance: 10,
	})

	result, err := engine.Heartbeat(ctx, "a1", 1)
	if err != nil {
		t.Fatalf("心跳失败: %v", err)
	}
	if result.IsDead {
		t.Fatalf("agent must survive the heartbeat: %+v", result)
	}

	agent, _ := st.GetAgent(ctx, "a1")
	if agent.EnergyBalance != 9 {
		t.Fatalf("expected energy 9, got %v", agent.EnergyBalance)
	}
	if agent.LastCheckAt == 0 {
		t.Fatalf("heartbeat must stamp the check time")
	}
}

func TestBurnAtSurvivalLine(t *testing.T) {
	st := store.NewMemoryStore()
	engine := NewEngine(st, store.NewKeyedLocks(), WithMinEnergyToLive(1))
	ctx := context.Background()

	seedAgent(t, st, &model.Agent{
		ID: "a1", OwnerID: "u1", Status: model.AgentActive, EnergyBalance: 2,
	})

	// 2 - 1 = 1, 恰好在存活线上。
	result, err := engine.Burn(ctx, "a1", model.EnergyReasonHeartbeat, 1)
	if err != nil {
		t.Fatalf("燃料消耗失败: %v", err)
	}
	if result.IsDead {
		t.Fatalf("balance equal to the survival line must survive")
	}

	// 1 - 1 = 0 < 1, 死亡。
	result, err = engine.Burn(ctx, "a1", model.EnergyReasonHeartbeat, 1)
	if err != nil {
		t.Fatalf("燃料消耗失败: %v", err)
	}
	if !result.IsDead {
		t.Fatalf("balance below the survival line must trigger death")
	}
}

func TestDeathSequence(t *testing.T) {
	st := store.NewMemoryStore()
	publisher := &fakePublisher{}
	engine := NewEngine(st, store.NewKeyedLocks(), WithPublisher(publisher))
	ctx := context.Background()

	seedAgent(t, st, &model.Agent{
		ID: "a1", OwnerID: "u1", Status: model.AgentActive,
		EnergyBalance: 5, CapitalBalance: 250,
	})
	if err := st.CreateTrade(ctx, &model.Trade{
		ID: "t1", AgentID: "a1", Symbol: "BTC", Status: model.TradeOpen,
	}); err != nil {
		t.Fatalf("创建交易失败: %v", err)
	}

	if err := engine.DeathSequence(ctx, "a1"); err != nil {
		t.Fatalf("死亡流程失败: %v", err)
	}

	agent, _ := st.GetAgent(ctx, "a1")
	if agent.Status != model.AgentDead || agent.DiedAt == 0 {
		t.Fatalf("agent must be marked dead: %+v", agent)
	}
	if agent.EnergyBalance != 0 || agent.CapitalBalance != 0 {
		t.Fatalf("dead agent must hold no balances: %+v", agent)
	}

	open, _ := st.ListOpenTrades(ctx, "a1")
	if len(open) != 0 {
		t.Fatalf("open trades must be cancelled on death, %d remain", len(open))
	}

	txs, err := st.ListTransactions(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("查询流水失败: %v", err)
	}
	if len(txs) != 1 || txs[0].Type != model.TxCapitalReturn || txs[0].AmountUsd != 250 {
		t.Fatalf("owner must receive the remaining capital: %+v", txs)
	}

	if events := publisher.byKind(EventAgentDied); len(events) != 1 {
		t.Fatalf("expected 1 death event, got %d", len(events))
	}

	// 重复执行是空操作，不会再次返还本金。
	if err := engine.DeathSequence(ctx, "a1"); err != nil {
		t.Fatalf("重复死亡流程应为空操作: %v", err)
	}
	txs, _ = st.ListTransactions(ctx, "u1", 10)
	if len(txs) != 1 {
		t.Fatalf("repeat death must not duplicate the capital return, got %d txs", len(txs))
	}
	if events := publisher.byKind(EventAgentDied); len(events) != 1 {
		t.Fatalf("repeat death must not publish again, got %d events", len(events))
	}
}

func TestBurnSharesWithReferrer(t *testing.T) {
	st := store.NewMemoryStore()
	publisher := &fakePublisher{}
	engine := NewEngine(st, store.NewKeyedLocks(),
		WithPublisher(publisher), WithReferralBurnShare(0.05))
	ctx := context.Background()

	seedAgent(t, st, &model.Agent{
		ID: "a1", OwnerID: "u1", ReferrerID: "ref-1",
		Status: model.AgentActive, EnergyBalance: 100,
	})

	if _, err := engine.Burn(ctx, "a1", model.EnergyReasonTrade, 20); err != nil {
		t.Fatalf("燃料消耗失败: %v", err)
	}

	events := publisher.byKind(EventReferralBurnShare)
	if len(events) != 1 {
		t.Fatalf("expected 1 burn-share event, got %d", len(events))
	}
	var payload ReferralBurnPayload
	if err := json.Unmarshal(events[0].Payload, &payload); err != nil {
		t.Fatalf("解析事件失败: %v", err)
	}
	if payload.ReferrerID != "ref-1" || payload.AmountUsd != 1 {
		t.Fatalf("unexpected burn-share payload: %+v", payload)
	}
}

func TestCreditRejectsTerminalAgents(t *testing.T) {
	st := store.NewMemoryStore()
	engine := NewEngine(st, store.NewKeyedLocks())
	ctx := context.Background()

	seedAgent(t, st, &model.Agent{ID: "a1", OwnerID: "u1", Status: model.AgentDead})

	err := engine.Recharge(ctx, "a1", 10)
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict on dead agent recharge, got %v", err)
	}
}

func TestFeedFromProfit(t *testing.T) {
	st := store.NewMemoryStore()
	engine := NewEngine(st, store.NewKeyedLocks())
	ctx := context.Background()

	seedAgent(t, st, &model.Agent{
		ID: "a1", OwnerID: "u1", Status: model.AgentActive, EnergyBalance: 10,
	})

	fuel, err := engine.FeedFromProfit(ctx, "a1", 96, 0.10)
	if err != nil {
		t.Fatalf("盈利转燃料失败: %v", err)
	}
	if fuel != 9.6 {
		t.Fatalf("expected 9.6 fuel, got %v", fuel)
	}

	agent, _ := st.GetAgent(ctx, "a1")
	if agent.EnergyBalance != 19.6 {
		t.Fatalf("expected energy 19.6, got %v", agent.EnergyBalance)
	}

	// 亏损不产生燃料。
	fuel, err = engine.FeedFromProfit(ctx, "a1", -50, 0.10)
	if err != nil || fuel != 0 {
		t.Fatalf("losses must not feed fuel, got %v (%v)", fuel, err)
	}
}
