package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"PerpAgent/internal/ledger"
	"PerpAgent/internal/metabolism"
	"PerpAgent/internal/model"
	"PerpAgent/internal/settle"
	"PerpAgent/internal/store"
)

func newDispatcherFixture(t *testing.T) (*Dispatcher, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	locks := store.NewKeyedLocks()
	lgr := ledger.New(st, locks)
	meta := metabolism.NewEngine(st, locks)
	return NewDispatcher(st, lgr, meta), st
}

func envelopeFor(t *testing.T, kind string, payload any) string {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("序列化事件失败: %v", err)
	}
	envelope, err := json.Marshal(Envelope{Kind: kind, Payload: raw})
	if err != nil {
		t.Fatalf("序列化信封失败: %v", err)
	}
	return string(envelope)
}

func TestDispatcherBurnShare(t *testing.T) {
	dispatcher, st := newDispatcherFixture(t)
	ctx := context.Background()

	raw := envelopeFor(t, metabolism.EventReferralBurnShare, metabolism.ReferralBurnPayload{
		AgentID: "a1", ReferrerID: "ref-1", AmountUsd: 1.5,
	})
	if err := dispatcher.Handle(ctx, raw); err != nil {
		t.Fatalf("处理事件失败: %v", err)
	}

	balance, err := st.FreeBalance(ctx, "ref-1")
	if err != nil || balance != 1.5 {
		t.Fatalf("referrer must be credited 1.5, got %v (%v)", balance, err)
	}
}

func TestDispatcherFuelBonusPicksWeakestAgent(t *testing.T) {
	dispatcher, st := newDispatcherFixture(t)
	ctx := context.Background()

	agents := []*model.Agent{
		{ID: "strong", OwnerID: "ref-1", Status: model.AgentActive, EnergyBalance: 50},
		{ID: "weak", OwnerID: "ref-1", Status: model.AgentActive, EnergyBalance: 2},
		{ID: "dead", OwnerID: "ref-1", Status: model.AgentDead, EnergyBalance: 0},
	}
	for _, agent := range agents {
		if err := st.CreateAgent(ctx, agent); err != nil {
			t.Fatalf("创建智能体失败: %v", err)
		}
	}

	raw := envelopeFor(t, settle.EventReferralFuelBonus, settle.ReferralFuelPayload{
		ReferrerID: "ref-1", AgentID: "other", Fuel: 10,
	})
	if err := dispatcher.Handle(ctx, raw); err != nil {
		t.Fatalf("处理事件失败: %v", err)
	}

	weak, _ := st.GetAgent(ctx, "weak")
	if weak.EnergyBalance != 12 {
		t.Fatalf("bonus must land on the weakest alive agent, got %v", weak.EnergyBalance)
	}
	strong, _ := st.GetAgent(ctx, "strong")
	if strong.EnergyBalance != 50 {
		t.Fatalf("other agents must be untouched, got %v", strong.EnergyBalance)
	}
}

func TestDispatcherSwallowsBadEvents(t *testing.T) {
	dispatcher, _ := newDispatcherFixture(t)
	ctx := context.Background()

	// 解码失败与未知类型都不应让消费循环退出。
	for _, raw := range []string{
		"not json",
		envelopeFor(t, "unknown.kind", map[string]string{"x": "y"}),
	} {
		if err := dispatcher.Handle(ctx, raw); err != nil {
			t.Fatalf("dispatcher must swallow %q: %v", raw, err)
		}
	}
}

func TestMemoryQueueRoundTrip(t *testing.T) {
	queue := NewMemoryQueue(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var received []string
	done := make(chan struct{})

	go func() {
		_ = queue.Consume(ctx, 2, func(_ context.Context, raw string) error {
			mu.Lock()
			received = append(received, raw)
			if len(received) == 3 {
				close(done)
			}
			mu.Unlock()
			return nil
		})
	}()

	emitter := NewEmitter(queue)
	for i := 0; i < 3; i++ {
		if err := emitter.Publish(ctx, "test.kind", map[string]int{"seq": i}); err != nil {
			t.Fatalf("投递事件失败: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("事件未能及时消费")
	}

	mu.Lock()
	defer mu.Unlock()
	var envelope Envelope
	if err := json.Unmarshal([]byte(received[0]), &envelope); err != nil {
		t.Fatalf("解码信封失败: %v", err)
	}
	if envelope.Kind != "test.kind" {
		t.Fatalf("unexpected kind: %s", envelope.Kind)
	}
}

func TestMemoryQueueClosedPublish(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Close(); err != nil {
		t.Fatalf("关闭队列失败: %v", err)
	}
	if err := queue.Publish(context.Background(), "x"); err == nil {
		t.Fatalf("publish after close must fail")
	}
}
