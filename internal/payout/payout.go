package payout

import (
	"context"
	"math/big"
	"time"

	"github.com/google/uuid"

	xerrors "PerpAgent/internal/errors"
	"PerpAgent/internal/exchange"
	"PerpAgent/internal/ledger"
	"PerpAgent/internal/model"
	"PerpAgent/internal/observability/metrics"
	"PerpAgent/internal/store"
	"PerpAgent/pkg/logger"
)

// Chain 是流水线依赖的链上操作子集，便于测试替身。
type Chain interface {
	Name() string
	Address() string
	USDCBalance(ctx context.Context) (*big.Int, error)
	TransferUSDC(ctx context.Context, to string, units *big.Int) (string, error)
	ApproveBridge(ctx context.Context, units *big.Int) (string, error)
	BridgeSend(ctx context.Context, to string, units *big.Int) (string, error)
}

// Receipt 是一次出款的最终凭证。
type Receipt struct {
	RequestID string `json:"request_id"`
	TxHash    string `json:"tx_hash"`
	Chain     string `json:"chain"`
}

// Pipeline 把交易所余额搬到目标链并付给收款人。每一跳之前都
// 重新确认"这里是否已经够了"，崩溃后重跑会从实际缺口继续。
// 出款分两段落账: 入口先冻结一条 pending 扣款，链上转账成功后
// 才结清，转账失败时留着 pending 记录供同一请求安全重试。
type Pipeline struct {
	ledger     *ledger.Ledger
	adapter    exchange.Adapter
	settlement Chain
	target     Chain
	locks      *store.KeyedLocks

	arrivalTimeout time.Duration
	bridgeTimeout  time.Duration
	pollInterval   time.Duration
}

// Option 配置 Pipeline。
type Option func(*Pipeline)

// WithArrivalTimeout 设置等待提币到账的上限。
func WithArrivalTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.arrivalTimeout = d
		}
	}
}

// WithBridgeTimeout 设置等待跨链到账的上限。
func WithBridgeTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.bridgeTimeout = d
		}
	}
}

// WithPollInterval 设置余额轮询间隔。
func WithPollInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// NewPipeline 创建出款流水线。settlement 是交易所提币的落地链，
// target 是收款人所在链。两者相同时不会走桥。
func NewPipeline(lgr *ledger.Ledger, adapter exchange.Adapter, settlement, target Chain, locks *store.KeyedLocks, opts ...Option) *Pipeline {
	p := &Pipeline{
		ledger:         lgr,
		adapter:        adapter,
		settlement:     settlement,
		target:         target,
		locks:          locks,
		arrivalTimeout: 5 * time.Minute,
		bridgeTimeout:  20 * time.Minute,
		pollInterval:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ErrStillPending 表示资金仍在途，重试同一 requestID 是安全的。
var ErrStillPending = xerrors.New(xerrors.CodeTimeout,
	"出款仍在途，可使用相同请求重试", xerrors.WithRetryable(true))

// Payout 执行一次幂等出款。同一 requestID 只会实际付款一次。
func (p *Pipeline) Payout(ctx context.Context, requestID, userID, toAddress string, amountUsd float64) (*Receipt, error) {
	receipt, err := p.payout(ctx, requestID, userID, toAddress, amountUsd)
	switch {
	case err == nil:
		metrics.ObservePayout("delivered")
	case xerrors.CodeOf(err) == xerrors.CodeTimeout:
		metrics.ObservePayout("pending")
	case xerrors.CodeOf(err) == xerrors.CodeConflict:
		metrics.ObservePayout("duplicate")
	default:
		metrics.ObservePayout("failed")
	}
	return receipt, err
}

func (p *Pipeline) payout(ctx context.Context, requestID, userID, toAddress string, amountUsd float64) (*Receipt, error) {
	if requestID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "requestID 不能为空")
	}
	if amountUsd <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "出款金额必须为正")
	}

	// 任何链上动作之前先冻结账本额度。余额不足在这里就被拒绝，
	// 不会出现钱包付了、账上没扣的半程出款。
	if err := p.reserve(ctx, requestID, userID, toAddress, amountUsd); err != nil {
		return nil, err
	}

	units := UsdToUnits(amountUsd)

	// 快路径: 目标链热钱包余额已够。
	if ok, err := p.hasEnough(ctx, p.target, units); err != nil {
		return nil, err
	} else if ok {
		return p.deliver(ctx, requestID, toAddress, units)
	}

	// 慢路径第一跳: 把交易所余额提到结算链。
	if ok, err := p.hasEnough(ctx, p.settlement, units); err != nil {
		return nil, err
	} else if !ok {
		withdrawID, err := p.adapter.WithdrawToChain(ctx, exchange.WithdrawRequest{
			Chain:     p.settlement.Name(),
			Address:   p.settlement.Address(),
			AmountUsd: amountUsd,
		})
		if err != nil {
			return nil, err
		}
		logger.L().Info("已发起交易所提币",
			"request_id", requestID, "withdraw_id", withdrawID)
		if err := p.waitForBalance(ctx, p.settlement, units, p.arrivalTimeout); err != nil {
			return nil, err
		}
	}

	// 第二跳: 跨链桥到目标链。
	if _, err := p.settlement.ApproveBridge(ctx, units); err != nil {
		return nil, err
	}
	bridgeTx, err := p.settlement.BridgeSend(ctx, p.target.Address(), units)
	if err != nil {
		return nil, err
	}
	logger.L().Info("已发起跨链", "request_id", requestID, "bridge_tx", bridgeTx)

	if err := p.waitForBalance(ctx, p.target, units, p.bridgeTimeout); err != nil {
		return nil, err
	}

	return p.deliver(ctx, requestID, toAddress, units)
}

// payoutHash 是出款请求在账本里的业务哈希，同时用作并发锁的键。
func payoutHash(requestID string) string {
	return "payout:" + requestID
}

// reserve 为出款冻结账本额度。首次请求校验可用余额并落一条
// pending 扣款；已结清的请求在这里被拒绝；pending 的请求说明
// 额度早已冻结，直接放行重试。
func (p *Pipeline) reserve(ctx context.Context, requestID, userID, toAddress string, amountUsd float64) error {
	hash := payoutHash(requestID)
	unlock := p.locks.Lock(hash)
	defer unlock()

	existing, err := p.ledger.TransactionByHash(ctx, hash)
	switch {
	case err == nil:
		if existing.Status == model.TxStatusSettled {
			return xerrors.New(xerrors.CodeConflict, "该出款请求已投递")
		}
		return nil
	case xerrors.CodeOf(err) != store.CodeTransactionNotFound:
		return err
	}

	return p.ledger.RecordDebit(ctx, &model.Transaction{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      model.TxPayout,
		AmountUsd: -amountUsd,
		Status:    model.TxStatusPending,
		TxHash:    hash,
		Memo:      "链上出款 " + toAddress,
	})
}

// deliver 执行最终付款。转账成功后把 pending 扣款结清；转账
// 失败时保留 pending 记录，同一 requestID 重试会再次走到这里。
func (p *Pipeline) deliver(ctx context.Context, requestID, toAddress string, units *big.Int) (*Receipt, error) {
	hash := payoutHash(requestID)
	unlock := p.locks.Lock(hash)
	defer unlock()

	existing, err := p.ledger.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if existing.Status == model.TxStatusSettled {
		return nil, xerrors.New(xerrors.CodeConflict, "该出款请求已投递")
	}

	txHash, err := p.target.TransferUSDC(ctx, toAddress, units)
	if err != nil {
		return nil, err
	}
	if _, err := p.ledger.SettleTransaction(ctx, hash); err != nil {
		// 钱已付出而结清失败，绝不能再付一次。留给对账人工处理。
		logger.L().Error("出款扣款结清失败",
			"request_id", requestID, "tx_hash", txHash, "error", err)
	}
	receipt := &Receipt{
		RequestID: requestID,
		TxHash:    txHash,
		Chain:     p.target.Name(),
	}
	logger.Audit().Info("payout_delivered",
		"request_id", requestID,
		"chain", receipt.Chain,
		"tx_hash", txHash,
		"amount_units", units.String())
	return receipt, nil
}

func (p *Pipeline) hasEnough(ctx context.Context, chain Chain, units *big.Int) (bool, error) {
	balance, err := chain.USDCBalance(ctx)
	if err != nil {
		return false, err
	}
	return balance.Cmp(units) >= 0, nil
}

// waitForBalance 轮询链上余额直到达到目标或超时。超时返回
// ErrStillPending: 资金没有丢，只是还没到。
func (p *Pipeline) waitForBalance(ctx context.Context, chain Chain, units *big.Int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		ok, err := p.hasEnough(ctx, chain, units)
		if err != nil {
			logger.L().Warn("轮询链上余额失败", "chain", chain.Name(), "error", err)
		} else if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrStillPending
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
