package metabolism

import (
	"context"
	"time"

	"github.com/google/uuid"

	xerrors "PerpAgent/internal/errors"
	"PerpAgent/internal/model"
	"PerpAgent/internal/store"
	"PerpAgent/pkg/logger"
)

// Publisher 向事件队列投递异步副作用。投递失败只记日志，
// 绝不阻塞或中断燃料结算。
type Publisher interface {
	Publish(ctx context.Context, kind string, payload any) error
}

// 队列事件类型。
const (
	EventReferralBurnShare = "referral.burn_share"
	EventAgentDied         = "agent.died"
)

// ReferralBurnPayload 是燃料消耗分成事件的内容。
type ReferralBurnPayload struct {
	AgentID    string  `json:"agent_id"`
	ReferrerID string  `json:"referrer_id"`
	AmountUsd  float64 `json:"amount_usd"`
}

// DeathPayload 是智能体死亡事件的内容。
type DeathPayload struct {
	AgentID string `json:"agent_id"`
	OwnerID string `json:"owner_id"`
	DiedAt  int64  `json:"died_at"`
}

// BurnResult 描述一次燃料消耗的结果。
type BurnResult struct {
	Agent  *model.Agent
	IsDead bool
}

// Engine 管理智能体的燃料收支与死亡判定。
type Engine struct {
	store     store.Store
	locks     *store.KeyedLocks
	publisher Publisher

	minEnergyToLive   float64
	referralBurnShare float64
}

// Option 配置 Engine。
type Option func(*Engine)

// WithPublisher 注入事件队列。
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithMinEnergyToLive 设置存活所需的最低燃料。
func WithMinEnergyToLive(v float64) Option {
	return func(e *Engine) {
		if v > 0 {
			e.minEnergyToLive = v
		}
	}
}

// WithReferralBurnShare 设置推荐人从每次燃料消耗中抽取的比例。
func WithReferralBurnShare(v float64) Option {
	return func(e *Engine) {
		if v >= 0 {
			e.referralBurnShare = v
		}
	}
}

// NewEngine 创建燃料引擎。
func NewEngine(st store.Store, locks *store.KeyedLocks, opts ...Option) *Engine {
	e := &Engine{
		store:             st,
		locks:             locks,
		minEnergyToLive:   1,
		referralBurnShare: 0.05,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Burn 扣减燃料并在余额跌破存活线时触发死亡流程。
// 流水先落库，死亡判定后做。
func (e *Engine) Burn(ctx context.Context, agentID, reason string, amount float64) (*BurnResult, error) {
	if amount < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "燃料消耗量不能为负")
	}

	unlock := e.locks.Lock(agentID)
	defer unlock()

	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.Alive() {
		return &BurnResult{Agent: agent, IsDead: agent.Status == model.AgentDead}, nil
	}
	return e.burnLocked(ctx, agent, reason, amount)
}

// Heartbeat 记录一次巡检：盖上检查时间戳并扣巡检燃料。时间戳和
// 燃料扣减在同一把锁内写回同一行，不会覆盖并发的本金或燃料变更。
func (e *Engine) Heartbeat(ctx context.Context, agentID string, amount float64) (*BurnResult, error) {
	if amount < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "燃料消耗量不能为负")
	}

	unlock := e.locks.Lock(agentID)
	defer unlock()

	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.Alive() {
		return &BurnResult{Agent: agent, IsDead: agent.Status == model.AgentDead}, nil
	}
	agent.LastCheckAt = time.Now().Unix()
	return e.burnLocked(ctx, agent, model.EnergyReasonHeartbeat, amount)
}

// burnLocked 要求调用方已持有该智能体的锁，且 agent 为存活态。
func (e *Engine) burnLocked(ctx context.Context, agent *model.Agent, reason string, amount float64) (*BurnResult, error) {
	agentID := agent.ID
	before := agent.EnergyBalance
	after := before - amount
	if after < 0 {
		after = 0
	}
	agent.EnergyBalance = after
	if err := e.store.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}

	if err := e.store.AppendEnergyLog(ctx, &model.EnergyLog{
		ID:            uuid.NewString(),
		AgentID:       agentID,
		Reason:        reason,
		Delta:         -amount,
		BalanceBefore: before,
		BalanceAfter:  after,
	}); err != nil {
		return nil, err
	}

	e.shareToReferrer(ctx, agent, amount)

	if after < e.minEnergyToLive {
		if err := e.deathSequenceLocked(ctx, agent); err != nil {
			return nil, err
		}
		return &BurnResult{Agent: agent, IsDead: true}, nil
	}
	return &BurnResult{Agent: agent, IsDead: false}, nil
}

// FeedFromProfit 把正收益的固定比例转为燃料。rate 由调用方给出，
// 因为吸血比例属于结算策略而非燃料策略。
func (e *Engine) FeedFromProfit(ctx context.Context, agentID string, netProfitUsd, rate float64) (float64, error) {
	if netProfitUsd <= 0 || rate <= 0 {
		return 0, nil
	}
	fuel := netProfitUsd * rate
	if err := e.credit(ctx, agentID, fuel, model.EnergyReasonProfitFeed); err != nil {
		return 0, err
	}
	return fuel, nil
}

// Recharge 为智能体充值燃料。
func (e *Engine) Recharge(ctx context.Context, agentID string, fuel float64) error {
	if fuel <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "充值燃料必须为正")
	}
	return e.credit(ctx, agentID, fuel, model.EnergyReasonPurchase)
}

// GrantReferralBonus 给推荐奖励燃料。
func (e *Engine) GrantReferralBonus(ctx context.Context, agentID string, fuel float64) error {
	if fuel <= 0 {
		return nil
	}
	return e.credit(ctx, agentID, fuel, model.EnergyReasonReferral)
}

func (e *Engine) credit(ctx context.Context, agentID string, fuel float64, reason string) error {
	unlock := e.locks.Lock(agentID)
	defer unlock()

	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status == model.AgentDead || agent.Status == model.AgentClosed {
		return xerrors.New(xerrors.CodeConflict, "智能体已终结，无法充值燃料")
	}

	before := agent.EnergyBalance
	agent.EnergyBalance = before + fuel
	if err := e.store.UpdateAgent(ctx, agent); err != nil {
		return err
	}
	return e.store.AppendEnergyLog(ctx, &model.EnergyLog{
		ID:            uuid.NewString(),
		AgentID:       agentID,
		Reason:        reason,
		Delta:         fuel,
		BalanceBefore: before,
		BalanceAfter:  agent.EnergyBalance,
	})
}

// CheckDeath 报告智能体当前是否低于存活线。
func (e *Engine) CheckDeath(ctx context.Context, agentID string) (bool, error) {
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	if agent.Status == model.AgentDead {
		return true, nil
	}
	return agent.EnergyBalance < e.minEnergyToLive, nil
}

// DeathSequence 执行死亡流程。已死亡的智能体直接返回。
func (e *Engine) DeathSequence(ctx context.Context, agentID string) error {
	unlock := e.locks.Lock(agentID)
	defer unlock()

	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	return e.deathSequenceLocked(ctx, agent)
}

// deathSequenceLocked 要求调用方已持有该智能体的锁。
func (e *Engine) deathSequenceLocked(ctx context.Context, agent *model.Agent) error {
	if agent.Status == model.AgentDead {
		return nil
	}

	cancelled, err := e.store.CancelOpenTrades(ctx, agent.ID)
	if err != nil {
		return err
	}

	capital := agent.CapitalBalance
	energyBefore := agent.EnergyBalance

	agent.Status = model.AgentDead
	agent.DiedAt = nowUnix()
	agent.EnergyBalance = 0
	agent.CapitalBalance = 0
	if err := e.store.UpdateAgent(ctx, agent); err != nil {
		return err
	}

	if energyBefore != 0 {
		if err := e.store.AppendEnergyLog(ctx, &model.EnergyLog{
			ID:            uuid.NewString(),
			AgentID:       agent.ID,
			Reason:        model.EnergyReasonDeath,
			Delta:         -energyBefore,
			BalanceBefore: energyBefore,
			BalanceAfter:  0,
		}); err != nil {
			return err
		}
	}

	if capital > 0 {
		if err := e.store.AppendTransaction(ctx, &model.Transaction{
			ID:        uuid.NewString(),
			UserID:    agent.OwnerID,
			AgentID:   agent.ID,
			Type:      model.TxCapitalReturn,
			AmountUsd: capital,
			Memo:      "智能体死亡，返还剩余本金",
		}); err != nil {
			return err
		}
	}

	logger.L().Warn("智能体死亡",
		"agent_id", agent.ID,
		"cancelled_trades", cancelled,
		"returned_capital", capital)
	logger.Audit().Info("agent_death", "agent_id", agent.ID, "capital", capital)

	e.publish(ctx, EventAgentDied, DeathPayload{
		AgentID: agent.ID,
		OwnerID: agent.OwnerID,
		DiedAt:  agent.DiedAt,
	})
	return nil
}

// shareToReferrer 把燃料消耗的分成投递到队列，失败只记日志。
func (e *Engine) shareToReferrer(ctx context.Context, agent *model.Agent, burned float64) {
	if e.publisher == nil || agent.ReferrerID == "" || burned <= 0 || e.referralBurnShare <= 0 {
		return
	}
	e.publish(ctx, EventReferralBurnShare, ReferralBurnPayload{
		AgentID:    agent.ID,
		ReferrerID: agent.ReferrerID,
		AmountUsd:  burned * e.referralBurnShare,
	})
}

func nowUnix() int64 {
	return time.Now().Unix()
}

func (e *Engine) publish(ctx context.Context, kind string, payload any) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, kind, payload); err != nil {
		logger.L().Warn("投递事件失败", "kind", kind, "error", err)
	}
}
