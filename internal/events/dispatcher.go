package events

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"PerpAgent/internal/ledger"
	"PerpAgent/internal/metabolism"
	"PerpAgent/internal/model"
	"PerpAgent/internal/settle"
	"PerpAgent/internal/store"
	"PerpAgent/pkg/logger"
)

// Dispatcher 消费事件队列并执行异步副作用。处理失败只记日志，
// 事件副作用都设计为可丢失的尽力而为。
type Dispatcher struct {
	store      store.Store
	ledger     *ledger.Ledger
	metabolism *metabolism.Engine
}

// NewDispatcher 创建事件分发器。
func NewDispatcher(st store.Store, lgr *ledger.Ledger, meta *metabolism.Engine) *Dispatcher {
	return &Dispatcher{store: st, ledger: lgr, metabolism: meta}
}

// Handle 解码并分发一条事件。
func (d *Dispatcher) Handle(ctx context.Context, raw string) error {
	var envelope Envelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		logger.L().Warn("丢弃无法解码的事件", "error", err)
		return nil
	}

	switch envelope.Kind {
	case metabolism.EventReferralBurnShare:
		return d.handleBurnShare(ctx, envelope.Payload)
	case settle.EventReferralFuelBonus:
		return d.handleFuelBonus(ctx, envelope.Payload)
	case metabolism.EventAgentDied:
		return d.handleAgentDied(envelope.Payload)
	default:
		logger.L().Warn("未知事件类型", "kind", envelope.Kind)
		return nil
	}
}

// handleBurnShare 把燃料消耗分成记入推荐人的可用余额。
func (d *Dispatcher) handleBurnShare(ctx context.Context, payload json.RawMessage) error {
	var event metabolism.ReferralBurnPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		logger.L().Warn("解码燃料分成事件失败", "error", err)
		return nil
	}
	if event.ReferrerID == "" || event.AmountUsd <= 0 {
		return nil
	}
	err := d.ledger.Record(ctx, &model.Transaction{
		ID:        uuid.NewString(),
		UserID:    event.ReferrerID,
		AgentID:   event.AgentID,
		Type:      model.TxReferralReward,
		AmountUsd: event.AmountUsd,
		Memo:      "燃料消耗分成",
	})
	if err != nil {
		logger.L().Warn("记录燃料分成失败",
			"referrer_id", event.ReferrerID, "error", err)
	}
	return nil
}

// handleFuelBonus 把推荐奖励燃料发给推荐人最弱的存活智能体。
func (d *Dispatcher) handleFuelBonus(ctx context.Context, payload json.RawMessage) error {
	var event settle.ReferralFuelPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		logger.L().Warn("解码推荐奖励事件失败", "error", err)
		return nil
	}
	if event.ReferrerID == "" || event.Fuel <= 0 {
		return nil
	}

	agents, err := d.store.ListAgentsByOwner(ctx, event.ReferrerID)
	if err != nil {
		logger.L().Warn("查询推荐人智能体失败",
			"referrer_id", event.ReferrerID, "error", err)
		return nil
	}

	var weakest *model.Agent
	for _, agent := range agents {
		if !agent.Alive() {
			continue
		}
		if weakest == nil || agent.EnergyBalance < weakest.EnergyBalance {
			weakest = agent
		}
	}
	if weakest == nil {
		return nil
	}

	if err := d.metabolism.GrantReferralBonus(ctx, weakest.ID, event.Fuel); err != nil {
		logger.L().Warn("发放推荐奖励燃料失败",
			"agent_id", weakest.ID, "error", err)
		return nil
	}
	logger.L().Info("发放推荐奖励燃料",
		"referrer_id", event.ReferrerID,
		"agent_id", weakest.ID,
		"fuel", event.Fuel)
	return nil
}

func (d *Dispatcher) handleAgentDied(payload json.RawMessage) error {
	var event metabolism.DeathPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		logger.L().Warn("解码死亡事件失败", "error", err)
		return nil
	}
	logger.Audit().Info("agent_lifecycle",
		"event", "died",
		"agent_id", event.AgentID,
		"owner_id", event.OwnerID,
		"died_at", event.DiedAt)
	return nil
}
