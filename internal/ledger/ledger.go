package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	xerrors "PerpAgent/internal/errors"
	"PerpAgent/internal/model"
	"PerpAgent/internal/store"
	"PerpAgent/pkg/logger"
)

// Ledger 是资金流的唯一记账入口。所有涉及某个智能体余额的
// 操作都通过按智能体加锁串行化。
type Ledger struct {
	store store.Store
	locks *store.KeyedLocks

	investExitFeeRate float64
}

// Option 配置 Ledger。
type Option func(*Ledger)

// WithInvestExitFeeRate 设置入股退出手续费比例。
func WithInvestExitFeeRate(rate float64) Option {
	return func(l *Ledger) {
		if rate >= 0 {
			l.investExitFeeRate = rate
		}
	}
}

// New 创建账本。
func New(st store.Store, locks *store.KeyedLocks, opts ...Option) *Ledger {
	l := &Ledger{
		store:             st,
		locks:             locks,
		investExitFeeRate: 0.01,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record 追加一条流水。带 TxHash 的流水重复入账时返回
// store.ErrDuplicateTxHash，调用方据此实现幂等。
func (l *Ledger) Record(ctx context.Context, tx *model.Transaction) error {
	if tx == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "transaction 不能为空")
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	return l.store.AppendTransaction(ctx, tx)
}

// FreeBalance 返回用户可自由支配的余额。
func (l *Ledger) FreeBalance(ctx context.Context, userID string) (float64, error) {
	return l.store.FreeBalance(ctx, userID)
}

// Deposit 记录链上入金。同一笔链上交易只会入账一次。
func (l *Ledger) Deposit(ctx context.Context, userID string, amountUsd float64, txHash string) error {
	if amountUsd <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "入金金额必须为正")
	}
	err := l.Record(ctx, &model.Transaction{
		UserID:    userID,
		Type:      model.TxDeposit,
		AmountUsd: amountUsd,
		TxHash:    txHash,
	})
	if err == store.ErrDuplicateTxHash {
		logger.L().Info("重复入金已忽略", "user_id", userID, "tx_hash", txHash)
		return nil
	}
	return err
}

// Withdraw 记录出金，余额不足时拒绝。
func (l *Ledger) Withdraw(ctx context.Context, userID string, amountUsd float64, txHash string) error {
	if amountUsd <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "出金金额必须为正")
	}
	return l.RecordDebit(ctx, &model.Transaction{
		UserID:    userID,
		Type:      model.TxWithdrawal,
		AmountUsd: -amountUsd,
		TxHash:    txHash,
	})
}

// RecordDebit 扣减用户可用余额。余额校验与落账在同一把用户锁内
// 完成，并发扣款不会透支。AmountUsd 必须为负。
func (l *Ledger) RecordDebit(ctx context.Context, tx *model.Transaction) error {
	if tx == nil || tx.AmountUsd >= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "扣款流水的金额必须为负")
	}
	unlock := l.locks.Lock(userKey(tx.UserID))
	defer unlock()

	balance, err := l.store.FreeBalance(ctx, tx.UserID)
	if err != nil {
		return err
	}
	if balance < -tx.AmountUsd {
		return xerrors.New(xerrors.CodeInsufficientFunds, "可用余额不足")
	}
	return l.Record(ctx, tx)
}

// PoolAccount 返回智能体资金池在账本中的账户名。资金池流水记在
// 这个账户下，不影响任何用户的可用余额。
func PoolAccount(agentID string) string {
	return "agent:" + agentID
}

// PlatformAccount 是平台收取的各类手续费在账本中的账户名。
const PlatformAccount = "platform"

func userKey(userID string) string {
	return "user:" + userID
}

// CreditCapital 给智能体的交易本金入账并落流水。
func (l *Ledger) CreditCapital(ctx context.Context, agentID string, amountUsd float64, txType model.TransactionType, memo string) error {
	unlock := l.locks.Lock(agentID)
	defer unlock()
	return l.creditCapitalLocked(ctx, agentID, amountUsd, txType, memo)
}

func (l *Ledger) creditCapitalLocked(ctx context.Context, agentID string, amountUsd float64, txType model.TransactionType, memo string) error {
	agent, err := l.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	before := agent.CapitalBalance
	after := before + amountUsd
	if after < 0 {
		after = 0
	}
	agent.CapitalBalance = after
	if err := l.store.UpdateAgent(ctx, agent); err != nil {
		return err
	}
	return l.Record(ctx, &model.Transaction{
		UserID:        PoolAccount(agentID),
		AgentID:       agentID,
		Type:          txType,
		AmountUsd:     amountUsd,
		BalanceBefore: &before,
		BalanceAfter:  &after,
		Memo:          memo,
	})
}

// AccrueCreatorEarnings 累计创作者分成，等待领取。
func (l *Ledger) AccrueCreatorEarnings(ctx context.Context, agentID string, amountUsd float64) error {
	if amountUsd <= 0 {
		return nil
	}
	unlock := l.locks.Lock(agentID)
	defer unlock()

	agent, err := l.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	agent.CreatorEarnings += amountUsd
	return l.store.UpdateAgent(ctx, agent)
}

// ClaimCreatorEarnings 把累计分成一次性转入创作者的可用余额。
func (l *Ledger) ClaimCreatorEarnings(ctx context.Context, agentID string) (float64, error) {
	unlock := l.locks.Lock(agentID)
	defer unlock()

	agent, err := l.store.GetAgent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	amount := agent.CreatorEarnings
	if amount <= 0 {
		return 0, nil
	}

	agent.CreatorEarnings = 0
	if err := l.store.UpdateAgent(ctx, agent); err != nil {
		return 0, err
	}

	creator := agent.CreatorID
	if creator == "" {
		creator = agent.OwnerID
	}
	if err := l.Record(ctx, &model.Transaction{
		UserID:    creator,
		AgentID:   agentID,
		Type:      model.TxCreatorClaim,
		AmountUsd: amount,
	}); err != nil {
		return 0, err
	}
	return amount, nil
}

// Stake 用户入股智能体。份额按入股时的资金池占比一次性确定，
// 之后不随盈亏重算。
func (l *Ledger) Stake(ctx context.Context, userID, agentID string, amountUsd float64) (*model.Investment, error) {
	if amountUsd <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "入股金额必须为正")
	}

	unlock := l.locks.Lock(agentID)
	defer unlock()

	agent, err := l.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.Alive() {
		return nil, xerrors.New(xerrors.CodeConflict, "智能体不在可入股状态")
	}

	poolBefore := agent.CapitalBalance
	sharePct := amountUsd / (poolBefore + amountUsd) * 100

	if err := l.RecordDebit(ctx, &model.Transaction{
		UserID:    userID,
		AgentID:   agentID,
		Type:      model.TxInvestment,
		AmountUsd: -amountUsd,
	}); err != nil {
		return nil, err
	}

	inv := &model.Investment{
		ID:        uuid.NewString(),
		UserID:    userID,
		AgentID:   agentID,
		AmountUsd: amountUsd,
		SharePct:  sharePct,
		Status:    model.InvestmentActive,
		CreatedAt: time.Now().Unix(),
	}
	if err := l.store.CreateInvestment(ctx, inv); err != nil {
		// 补偿已扣的入股款，避免钱走了股没成。
		if refundErr := l.Record(ctx, &model.Transaction{
			UserID:    userID,
			AgentID:   agentID,
			Type:      model.TxInvestment,
			AmountUsd: amountUsd,
			Memo:      "入股失败回退",
		}); refundErr != nil {
			logger.L().Error("入股失败且回退未落账",
				"user_id", userID, "agent_id", agentID, "error", refundErr)
		}
		return nil, err
	}

	if err := l.creditCapitalLocked(ctx, agentID, amountUsd, model.TxInvestment, "入股注资"); err != nil {
		return nil, err
	}
	return inv, nil
}

// WithdrawStake 退股。按当前资金池与入股份额结算，扣除退出费。
// 状态守卫保证并发退股只有一次生效。
func (l *Ledger) WithdrawStake(ctx context.Context, investmentID string) (float64, error) {
	inv, err := l.store.GetInvestment(ctx, investmentID)
	if err != nil {
		return 0, err
	}

	unlock := l.locks.Lock(inv.AgentID)
	defer unlock()

	ok, err := l.store.WithdrawInvestment(ctx, investmentID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, xerrors.New(xerrors.CodeConflict, "入股已退出")
	}

	agent, err := l.store.GetAgent(ctx, inv.AgentID)
	if err != nil {
		return 0, err
	}

	gross := agent.CapitalBalance * inv.SharePct / 100
	net := gross * (1 - l.investExitFeeRate)
	if net < 0 {
		net = 0
	}

	if gross > 0 {
		if err := l.creditCapitalLocked(ctx, inv.AgentID, -gross, model.TxInvestWithdraw, "入股退出"); err != nil {
			return 0, err
		}
	}
	if fee := gross - net; fee > 0 {
		if err := l.Record(ctx, &model.Transaction{
			UserID:    PlatformAccount,
			AgentID:   inv.AgentID,
			Type:      model.TxExitFee,
			AmountUsd: fee,
			Memo:      "退股手续费",
		}); err != nil {
			return 0, err
		}
	}
	if err := l.Record(ctx, &model.Transaction{
		UserID:    inv.UserID,
		AgentID:   inv.AgentID,
		Type:      model.TxInvestWithdraw,
		AmountUsd: net,
	}); err != nil {
		return 0, err
	}
	return net, nil
}

// PurchaseEnergy 用可用余额购买燃料，返回换得的燃料数量。
// 1 USD 兑换 1 燃料。
func (l *Ledger) PurchaseEnergy(ctx context.Context, userID, agentID string, amountUsd float64) (float64, error) {
	if amountUsd <= 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "购买金额必须为正")
	}
	if err := l.RecordDebit(ctx, &model.Transaction{
		UserID:    userID,
		AgentID:   agentID,
		Type:      model.TxEnergyPurchase,
		AmountUsd: -amountUsd,
	}); err != nil {
		return 0, err
	}
	return amountUsd, nil
}

// RecordTradeOutcome 把一笔已结算交易的净盈亏计入智能体：本金
// 入账（亏穿按零封底）、胜率与累计盈亏一并更新，整个读改写持有
// 智能体锁，结算与燃料消耗不会互相覆盖。
func (l *Ledger) RecordTradeOutcome(ctx context.Context, agentID string, netPnlUsd float64, memo string) error {
	unlock := l.locks.Lock(agentID)
	defer unlock()

	agent, err := l.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}

	before := agent.CapitalBalance
	after := before + netPnlUsd
	if after < 0 {
		after = 0
	}
	agent.CapitalBalance = after
	agent.TotalTrades++
	if netPnlUsd > 0 {
		agent.WinningTrades++
	}
	agent.TotalPnlUsd += netPnlUsd
	if err := l.store.UpdateAgent(ctx, agent); err != nil {
		return err
	}

	return l.Record(ctx, &model.Transaction{
		UserID:        PoolAccount(agentID),
		AgentID:       agentID,
		Type:          model.TxTradePnl,
		AmountUsd:     netPnlUsd,
		BalanceBefore: &before,
		BalanceAfter:  &after,
		Memo:          memo,
	})
}

// TransactionByHash 按链上或业务哈希取流水。
func (l *Ledger) TransactionByHash(ctx context.Context, txHash string) (*model.Transaction, error) {
	return l.store.GetTransactionByHash(ctx, txHash)
}

// SettleTransaction 把 pending 流水置为 settled。已结清时返回 false。
func (l *Ledger) SettleTransaction(ctx context.Context, txHash string) (bool, error) {
	return l.store.SettleTransaction(ctx, txHash)
}
