package settle

import (
	"context"
	"fmt"
	"sort"

	"PerpAgent/internal/exchange"
	"PerpAgent/internal/ledger"
	"PerpAgent/internal/metabolism"
	"PerpAgent/internal/model"
	"PerpAgent/internal/observability/metrics"
	"PerpAgent/internal/store"
	"PerpAgent/pkg/logger"
)

// 队列事件类型。
const EventReferralFuelBonus = "referral.fuel_bonus"

// ReferralFuelPayload 是推荐人燃料奖励事件的内容。
type ReferralFuelPayload struct {
	ReferrerID string  `json:"referrer_id"`
	AgentID    string  `json:"agent_id"`
	Fuel       float64 `json:"fuel"`
}

// Report 汇总一轮对账的结果。
type Report struct {
	Scanned int
	Settled int
	Errors  []error
}

// Reconciler 对账器：找出交易所侧已被动平掉、账本上仍 open 的
// 交易，补结算并分配盈亏。
type Reconciler struct {
	store      store.Store
	adapter    exchange.Adapter
	ledger     *ledger.Ledger
	metabolism *metabolism.Engine
	publisher  metabolism.Publisher

	performanceFeeRate float64
	creatorFeeSplit    float64
	vampireFeedRate    float64
	referralFuelBonus  float64
	fillLookback       int
}

// Option 配置 Reconciler。
type Option func(*Reconciler)

// WithPublisher 注入事件队列。
func WithPublisher(p metabolism.Publisher) Option {
	return func(r *Reconciler) { r.publisher = p }
}

// WithFeeRates 设置业绩费比例与创作者分成比例。
func WithFeeRates(performance, creatorSplit float64) Option {
	return func(r *Reconciler) {
		if performance >= 0 {
			r.performanceFeeRate = performance
		}
		if creatorSplit >= 0 {
			r.creatorFeeSplit = creatorSplit
		}
	}
}

// WithVampireFeedRate 设置正收益转燃料的比例。
func WithVampireFeedRate(rate float64) Option {
	return func(r *Reconciler) {
		if rate >= 0 {
			r.vampireFeedRate = rate
		}
	}
}

// WithReferralFuelBonus 设置推荐人获得的固定燃料奖励。
func WithReferralFuelBonus(fuel float64) Option {
	return func(r *Reconciler) {
		if fuel >= 0 {
			r.referralFuelBonus = fuel
		}
	}
}

// NewReconciler 创建对账器。
func NewReconciler(st store.Store, adapter exchange.Adapter, lgr *ledger.Ledger, meta *metabolism.Engine, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:              st,
		adapter:            adapter,
		ledger:             lgr,
		metabolism:         meta,
		performanceFeeRate: 0.20,
		creatorFeeSplit:    0.50,
		vampireFeedRate:    0.10,
		referralFuelBonus:  10,
		fillLookback:       200,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SettleClosedPositions 扫描全部 open 交易，结算在交易所侧已经
// 消失的仓位。单笔失败不影响其余交易。
func (r *Reconciler) SettleClosedPositions(ctx context.Context) (*Report, error) {
	trades, err := r.store.ListOpenTrades(ctx, "")
	if err != nil {
		return nil, err
	}

	report := &Report{Scanned: len(trades)}
	if len(trades) == 0 {
		return report, nil
	}

	positions, err := r.adapter.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(positions))
	for _, pos := range positions {
		live[pos.Symbol+"/"+string(pos.Direction)] = true
	}

	var fills []exchange.Fill
	for _, trade := range trades {
		if live[trade.Symbol+"/"+string(trade.Direction)] {
			continue
		}
		if fills == nil {
			fills, err = r.adapter.GetUserFills(ctx, r.fillLookback)
			if err != nil {
				report.Errors = append(report.Errors, err)
				break
			}
		}
		if err := r.settleTrade(ctx, trade, fills); err != nil {
			report.Errors = append(report.Errors,
				fmt.Errorf("结算交易 %s 失败: %w", trade.ID, err))
			continue
		}
		report.Settled++
	}

	metrics.ObserveSettlement(report.Settled, len(report.Errors))
	if report.Settled > 0 || len(report.Errors) > 0 {
		logger.L().Info("结算轮完成",
			"scanned", report.Scanned,
			"settled", report.Settled,
			"errors", len(report.Errors))
	}
	return report, nil
}

// settleTrade 结算单笔交易。状态守卫的 CAS 保证重复扫描是空操作。
func (r *Reconciler) settleTrade(ctx context.Context, trade *model.Trade, fills []exchange.Fill) error {
	exitPrice, degraded := r.resolveExitPrice(ctx, trade, fills)

	gross := trade.GrossPnlUsd(exitPrice)
	fee := 0.0
	if gross > 0 {
		fee = gross * r.performanceFeeRate
	}
	net := gross - fee

	ok, err := r.store.SettleTrade(ctx, trade.ID, exitPrice, net, fee, degraded)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	agent, err := r.store.GetAgent(ctx, trade.AgentID)
	if err != nil {
		return err
	}

	if err := r.ledger.RecordTradeOutcome(ctx, trade.AgentID, net,
		fmt.Sprintf("结算 %s %s", trade.Symbol, trade.Direction)); err != nil {
		return err
	}
	if creatorShare := fee * r.creatorFeeSplit; creatorShare > 0 {
		if err := r.ledger.AccrueCreatorEarnings(ctx, trade.AgentID, creatorShare); err != nil {
			return err
		}
	}

	if net > 0 {
		fuel, err := r.metabolism.FeedFromProfit(ctx, trade.AgentID, net, r.vampireFeedRate)
		if err != nil {
			logger.L().Warn("盈利转燃料失败", "agent_id", trade.AgentID, "error", err)
		} else if fuel > 0 {
			logger.L().Info("盈利转燃料", "agent_id", trade.AgentID, "fuel", fuel)
		}
		r.rewardReferrer(ctx, agent)
	}

	logger.Audit().Info("trade_settled",
		"trade_id", trade.ID,
		"agent_id", trade.AgentID,
		"exit_price", exitPrice,
		"net_pnl", net,
		"fee", fee,
		"degraded", degraded)
	return nil
}

// resolveExitPrice 按可信度从高到低确定退出价:
// 订单成交价 > 最近平仓成交 > 当前标记价格 > 入场价(降级标记)。
func (r *Reconciler) resolveExitPrice(ctx context.Context, trade *model.Trade, fills []exchange.Fill) (float64, bool) {
	if trade.OrderID != "" {
		for _, fill := range fills {
			if fill.OrderID == trade.OrderID && fill.Price > 0 {
				return fill.Price, false
			}
		}
	}

	var candidates []exchange.Fill
	for _, fill := range fills {
		if fill.Symbol == trade.Symbol && fill.ClosedPnl != 0 && fill.Price > 0 {
			candidates = append(candidates, fill)
		}
	}
	if len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].Timestamp > candidates[j].Timestamp
		})
		return candidates[0].Price, false
	}

	if mark, err := r.adapter.GetMarkPrice(ctx, trade.Symbol); err == nil && mark.Price > 0 {
		return mark.Price, false
	}

	return trade.EntryPrice, true
}

// rewardReferrer 给被推荐交易者的推荐人投递燃料奖励事件。
// 奖励落到推荐人最弱的存活智能体上，由消费者决定。
func (r *Reconciler) rewardReferrer(ctx context.Context, agent *model.Agent) {
	if r.publisher == nil || agent.ReferrerID == "" || r.referralFuelBonus <= 0 {
		return
	}
	err := r.publisher.Publish(ctx, EventReferralFuelBonus, ReferralFuelPayload{
		ReferrerID: agent.ReferrerID,
		AgentID:    agent.ID,
		Fuel:       r.referralFuelBonus,
	})
	if err != nil {
		logger.L().Warn("投递推荐奖励事件失败", "referrer_id", agent.ReferrerID, "error", err)
	}
}
