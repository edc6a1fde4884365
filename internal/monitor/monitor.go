package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "PerpAgent/internal/errors"
	"PerpAgent/internal/exchange"
	"PerpAgent/internal/market"
	"PerpAgent/internal/metabolism"
	"PerpAgent/internal/model"
	"PerpAgent/internal/observability/alerting"
	"PerpAgent/internal/observability/metrics"
	"PerpAgent/internal/signal"
	"PerpAgent/internal/store"
	"PerpAgent/pkg/logger"
)

// CheckReport 汇总对单个智能体的一次巡检。
type CheckReport struct {
	AgentID       string        `json:"agent_id"`
	Skipped       bool          `json:"skipped"`
	WaitRemaining time.Duration `json:"wait_remaining,omitempty"`
	Died          bool          `json:"died"`
	ClosedTrades  int           `json:"closed_trades"`
	OpenedTrades  int           `json:"opened_trades"`
	Evaluations   int           `json:"evaluations"`
	Errors        []string      `json:"errors,omitempty"`
}

// SweepReport 汇总一轮全量巡检。
type SweepReport struct {
	Checked int
	Skipped int
	Died    int
	Opened  int
	Closed  int
	Errors  []error
}

// Orchestrator 驱动智能体的交易生命周期: 心跳扣费、止损止盈、
// 信号评估与开仓。
type Orchestrator struct {
	store      store.Store
	market     *market.Gateway
	adapter    exchange.Adapter
	evaluator  signal.Client
	metabolism *metabolism.Engine
	alerter    alerting.Dispatcher

	workers             int
	heartbeatBurn       float64
	confidenceThreshold float64
	minTradeSizeUsd     float64
	maxTradeSizeUsd     float64
}

// Option 配置 Orchestrator。
type Option func(*Orchestrator)

// WithWorkers 设置全量巡检的并发度。
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithAlerter 注入告警分发器。
func WithAlerter(d alerting.Dispatcher) Option {
	return func(o *Orchestrator) { o.alerter = d }
}

// WithHeartbeatBurn 设置每次巡检的心跳燃料消耗。
func WithHeartbeatBurn(v float64) Option {
	return func(o *Orchestrator) {
		if v > 0 {
			o.heartbeatBurn = v
		}
	}
}

// WithConfidenceThreshold 设置开仓所需的最低置信度。
func WithConfidenceThreshold(v float64) Option {
	return func(o *Orchestrator) {
		if v > 0 {
			o.confidenceThreshold = v
		}
	}
}

// WithTradeSizeBounds 设置单笔交易金额的上下限。
func WithTradeSizeBounds(minUsd, maxUsd float64) Option {
	return func(o *Orchestrator) {
		if minUsd > 0 {
			o.minTradeSizeUsd = minUsd
		}
		if maxUsd > 0 {
			o.maxTradeSizeUsd = maxUsd
		}
	}
}

// NewOrchestrator 创建巡检编排器。
func NewOrchestrator(
	st store.Store,
	gateway *market.Gateway,
	adapter exchange.Adapter,
	evaluator signal.Client,
	meta *metabolism.Engine,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		store:               st,
		market:              gateway,
		adapter:             adapter,
		evaluator:           evaluator,
		metabolism:          meta,
		workers:             8,
		heartbeatBurn:       1,
		confidenceThreshold: 60,
		minTradeSizeUsd:     10,
		maxTradeSizeUsd:     100000,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CheckAgent 对单个智能体执行一次完整巡检。
func (o *Orchestrator) CheckAgent(ctx context.Context, agentID string) (*CheckReport, error) {
	agent, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.Alive() {
		return nil, xerrors.New(xerrors.CodeConflict, "智能体不在活跃状态")
	}

	report := &CheckReport{AgentID: agentID}

	// 节流: 等级决定巡检频率，窗口内的重复调用无副作用。
	interval := agent.Tier.MinCheckInterval()
	if agent.LastCheckAt > 0 {
		elapsed := time.Since(time.Unix(agent.LastCheckAt, 0))
		if elapsed < interval {
			report.Skipped = true
			report.WaitRemaining = interval - elapsed
			return report, nil
		}
	}

	burn, err := o.metabolism.Heartbeat(ctx, agentID, o.heartbeatBurn)
	if err != nil {
		return nil, err
	}
	if burn.IsDead {
		report.Died = true
		return report, nil
	}
	agent = burn.Agent

	closed, errs := o.enforceStops(ctx, agent)
	report.ClosedTrades = closed
	report.Errors = append(report.Errors, errs...)

	opened, evaluated, errs := o.evaluateSymbols(ctx, agent)
	report.OpenedTrades = opened
	report.Evaluations = evaluated
	report.Errors = append(report.Errors, errs...)

	return report, nil
}

// enforceStops 检查全部持仓的止损止盈。止损优先于止盈。
func (o *Orchestrator) enforceStops(ctx context.Context, agent *model.Agent) (int, []string) {
	trades, err := o.store.ListOpenTrades(ctx, agent.ID)
	if err != nil {
		return 0, []string{err.Error()}
	}

	var closed int
	var errs []string
	for _, trade := range trades {
		mark, err := o.market.MarkPrice(ctx, trade.Symbol)
		if err != nil {
			errs = append(errs, fmt.Sprintf("查询 %s 价格失败: %v", trade.Symbol, err))
			continue
		}

		pnlPct := trade.PnlPct(mark.Price)
		var reason string
		switch {
		case agent.Rules.StopLossPct > 0 && pnlPct <= -agent.Rules.StopLossPct:
			reason = "stop_loss"
		case agent.Rules.TakeProfitPct > 0 && pnlPct >= agent.Rules.TakeProfitPct:
			reason = "take_profit"
		default:
			continue
		}

		if _, err := o.adapter.ClosePosition(ctx, trade.Symbol, trade.Direction, trade.SizeUsd); err != nil {
			errs = append(errs, fmt.Sprintf("平仓 %s 失败: %v", trade.ID, err))
			continue
		}
		closed++
		logger.L().Info("触发离场",
			"agent_id", agent.ID,
			"trade_id", trade.ID,
			"reason", reason,
			"pnl_pct", pnlPct)
	}
	return closed, errs
}

// evaluateSymbols 逐个评估关注的合约并按决策开仓。
// 每次评估都会写入审计记录，无论结果如何。
func (o *Orchestrator) evaluateSymbols(ctx context.Context, agent *model.Agent) (int, int, []string) {
	openTrades, err := o.store.ListOpenTrades(ctx, agent.ID)
	if err != nil {
		return 0, 0, []string{err.Error()}
	}
	held := make(map[string]bool, len(openTrades))
	for _, trade := range openTrades {
		held[trade.Symbol] = true
	}

	dayStart := time.Now().UTC().Truncate(24 * time.Hour).Unix()
	tradedToday, err := o.store.CountTradesSince(ctx, agent.ID, dayStart)
	if err != nil {
		return 0, 0, []string{err.Error()}
	}

	var opened, evaluated int
	var errs []string
	for _, symbol := range agent.Rules.Symbols {
		if held[symbol] {
			continue
		}

		outcome, err := o.evaluateSymbol(ctx, agent, symbol, openTrades, tradedToday)
		if err != nil {
			errs = append(errs, fmt.Sprintf("评估 %s 失败: %v", symbol, err))
			continue
		}
		evaluated++
		if outcome == model.SignalOutcomeOpened {
			opened++
			tradedToday++
		}
	}
	return opened, evaluated, errs
}

func (o *Orchestrator) evaluateSymbol(ctx context.Context, agent *model.Agent, symbol string, openTrades []*model.Trade, tradedToday int) (string, error) {
	mark, err := o.market.MarkPrice(ctx, symbol)
	if err != nil {
		return "", err
	}

	depth := signal.ResearchDepth(agent.Tier.ResearchDepth)
	var candles []exchange.Candle
	if depth != signal.DepthNone {
		limit := 10
		if depth == signal.DepthDeep {
			limit = 50
		}
		candles, err = o.market.Candles(ctx, symbol, "1h", limit)
		if err != nil {
			return "", err
		}
	}

	decision, err := o.evaluator.Evaluate(ctx, signal.Request{
		AgentName:     agent.Name,
		Symbol:        symbol,
		Rules:         agent.Rules,
		MarkPrice:     mark.Price,
		Candles:       candles,
		OpenPositions: openTrades,
		Depth:         depth,
	})
	if err != nil {
		return "", err
	}

	outcome := o.decideOutcome(agent, decision, tradedToday)
	record := &model.SignalRecord{
		ID:          uuid.NewString(),
		AgentID:     agent.ID,
		Symbol:      symbol,
		ShouldTrade: decision.ShouldTrade,
		Direction:   string(decision.Direction),
		Confidence:  decision.Confidence,
		Rationale:   decision.Rationale,
		Outcome:     outcome,
	}

	if outcome == model.SignalOutcomeOpened {
		if err := o.openTrade(ctx, agent, symbol, mark.Price, decision, record); err != nil {
			record.Outcome = model.SignalOutcomeOpenFailed
			if persistErr := o.store.AppendSignalRecord(ctx, record); persistErr != nil {
				logger.L().Warn("写入信号记录失败", "agent_id", agent.ID, "error", persistErr)
			}
			return "", err
		}
	}

	if err := o.store.AppendSignalRecord(ctx, record); err != nil {
		logger.L().Warn("写入信号记录失败", "agent_id", agent.ID, "error", err)
	}
	return record.Outcome, nil
}

// decideOutcome 把模型决策与风控约束合并为最终动作。
func (o *Orchestrator) decideOutcome(agent *model.Agent, decision *signal.Decision, tradedToday int) string {
	if !decision.ShouldTrade {
		return model.SignalOutcomeNoSignal
	}
	if decision.Confidence < o.confidenceThreshold {
		return model.SignalOutcomeLowConfidence
	}
	if agent.Rules.MaxDailyTrades > 0 && tradedToday >= agent.Rules.MaxDailyTrades {
		return model.SignalOutcomeDailyLimit
	}
	if o.tradeSize(agent) < o.minTradeSizeUsd {
		return model.SignalOutcomeSizeTooSmall
	}
	return model.SignalOutcomeOpened
}

// tradeSize 按本金与仓位上限计算下单金额，并夹在全局上下限内。
func (o *Orchestrator) tradeSize(agent *model.Agent) float64 {
	pct := agent.Rules.MaxPositionSizePct
	if pct <= 0 {
		pct = 100
	}
	size := agent.CapitalBalance * pct / 100
	if size > o.maxTradeSizeUsd {
		size = o.maxTradeSizeUsd
	}
	return size
}

func (o *Orchestrator) openTrade(ctx context.Context, agent *model.Agent, symbol string, markPrice float64, decision *signal.Decision, record *model.SignalRecord) error {
	size := o.tradeSize(agent)
	leverage := decision.Leverage
	if leverage < 1 {
		leverage = 1
	}
	if agent.Rules.MaxLeverage > 0 && leverage > agent.Rules.MaxLeverage {
		leverage = agent.Rules.MaxLeverage
	}

	result, err := o.adapter.PlaceMarketOrder(ctx, exchange.OrderRequest{
		Symbol:    symbol,
		Direction: decision.Direction,
		SizeUsd:   size,
		Leverage:  leverage,
	})
	if err != nil {
		return err
	}

	entry := result.AvgPrice
	if entry <= 0 {
		entry = markPrice
	}
	triggerData, _ := json.Marshal(decision)

	trade := &model.Trade{
		ID:            uuid.NewString(),
		AgentID:       agent.ID,
		Symbol:        symbol,
		Direction:     decision.Direction,
		SizeUsd:       size,
		Leverage:      leverage,
		EntryPrice:    entry,
		Status:        model.TradeOpen,
		OrderID:       result.OrderID,
		TriggerReason: "signal",
		TriggerData:   string(triggerData),
	}
	if err := o.store.CreateTrade(ctx, trade); err != nil {
		return err
	}

	logger.L().Info("开仓",
		"agent_id", agent.ID,
		"trade_id", trade.ID,
		"symbol", symbol,
		"direction", decision.Direction,
		"size_usd", size,
		"confidence", decision.Confidence)
	logger.Audit().Info("trade_opened",
		"agent_id", agent.ID,
		"trade_id", trade.ID,
		"symbol", symbol,
		"size_usd", size)
	return nil
}

// CheckAllActiveAgents 并发巡检全部活跃智能体。
func (o *Orchestrator) CheckAllActiveAgents(ctx context.Context) (*SweepReport, error) {
	agents, err := o.store.ListAgentsByStatus(ctx, model.AgentActive)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{}
	if len(agents) == 0 {
		return report, nil
	}
	started := time.Now()

	jobs := make(chan *model.Agent)
	var mu sync.Mutex
	var wg sync.WaitGroup

	workers := o.workers
	if workers > len(agents) {
		workers = len(agents)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for agent := range jobs {
				checked, err := o.CheckAgent(ctx, agent.ID)
				if err != nil && o.alerter != nil && xerrors.ShouldAlert(err) {
					if alertErr := o.alerter.Notify(ctx, alerting.FromError(err, agent.ID, "")); alertErr != nil {
						logger.L().Warn("发送告警失败", "agent_id", agent.ID, "error", alertErr)
					}
				}
				mu.Lock()
				if err != nil {
					report.Errors = append(report.Errors,
						fmt.Errorf("巡检智能体 %s 失败: %w", agent.ID, err))
					mu.Unlock()
					continue
				}
				report.Checked++
				if checked.Skipped {
					report.Skipped++
				}
				if checked.Died {
					report.Died++
				}
				report.Opened += checked.OpenedTrades
				report.Closed += checked.ClosedTrades
				for _, msg := range checked.Errors {
					report.Errors = append(report.Errors,
						fmt.Errorf("智能体 %s: %s", agent.ID, msg))
				}
				mu.Unlock()
			}
		}()
	}

	for _, agent := range agents {
		select {
		case jobs <- agent:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return report, ctx.Err()
		}
	}
	close(jobs)
	wg.Wait()

	metrics.ObserveSweep(report.Checked, report.Skipped, report.Opened,
		report.Closed, report.Died, len(report.Errors), time.Since(started))
	logger.L().Info("巡检轮完成",
		"total", len(agents),
		"checked", report.Checked,
		"skipped", report.Skipped,
		"died", report.Died,
		"opened", report.Opened,
		"closed", report.Closed,
		"errors", len(report.Errors))
	return report, nil
}
