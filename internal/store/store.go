package store

import (
	"context"

	xerrors "PerpAgent/internal/errors"
	"PerpAgent/internal/model"
)

// Store 抽象了智能体、交易、燃料流水、账本与入股数据的持久化接口。
// 实现方必须保证 SettleTrade 与 WithdrawInvestment 的状态迁移原子性。
type Store interface {
	CreateAgent(ctx context.Context, agent *model.Agent) error
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	UpdateAgent(ctx context.Context, agent *model.Agent) error
	ListAgentsByStatus(ctx context.Context, status model.AgentStatus) ([]*model.Agent, error)
	ListAgentsByOwner(ctx context.Context, ownerID string) ([]*model.Agent, error)

	CreateTrade(ctx context.Context, trade *model.Trade) error
	GetTrade(ctx context.Context, id string) (*model.Trade, error)
	// ListOpenTrades 返回账本上仍为 open 的交易；agentID 为空时返回全部。
	ListOpenTrades(ctx context.Context, agentID string) ([]*model.Trade, error)
	// SettleTrade 以状态守卫的方式将交易从 open 迁移到 closed。
	// 已处于终态时返回 false 且不做任何修改，这是结算幂等性的根基。
	SettleTrade(ctx context.Context, id string, exitPrice, realizedPnl, feeUsd float64, degraded bool) (bool, error)
	// CancelOpenTrades 将智能体的全部 open 交易标记为 cancelled，返回条数。
	CancelOpenTrades(ctx context.Context, agentID string) (int, error)
	// CountTradesSince 统计智能体自 since(Unix 秒) 以来开过的交易数。
	CountTradesSince(ctx context.Context, agentID string, since int64) (int, error)

	AppendEnergyLog(ctx context.Context, log *model.EnergyLog) error

	// AppendTransaction 追加账本流水。带 TxHash 的流水重复入账时
	// 返回 ErrDuplicateTxHash。
	AppendTransaction(ctx context.Context, tx *model.Transaction) error
	// FreeBalance 返回用户自由余额投影（全部流水的有符号和，
	// pending 流水视同已占用）。
	FreeBalance(ctx context.Context, userID string) (float64, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]*model.Transaction, error)
	// GetTransactionByHash 按外部哈希查询流水，不存在时返回
	// ErrTransactionNotFound。
	GetTransactionByHash(ctx context.Context, txHash string) (*model.Transaction, error)
	// SettleTransaction 以状态守卫的方式将流水从 pending 迁移到
	// settled，已结清或不存在时返回 false。
	SettleTransaction(ctx context.Context, txHash string) (bool, error)

	CreateInvestment(ctx context.Context, inv *model.Investment) error
	GetInvestment(ctx context.Context, id string) (*model.Investment, error)
	ListActiveInvestments(ctx context.Context, agentID string) ([]*model.Investment, error)
	// WithdrawInvestment 以状态守卫的方式将入股从 active 迁移到
	// withdrawn，已退出时返回 false。
	WithdrawInvestment(ctx context.Context, id string) (bool, error)

	AppendSignalRecord(ctx context.Context, record *model.SignalRecord) error
	LatestSignals(ctx context.Context, agentID string, limit int) ([]*model.SignalRecord, error)

	Close() error
}

var (
	// ErrAgentNotFound 表示指定的智能体不存在。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
	// ErrTradeNotFound 表示指定的交易不存在。
	ErrTradeNotFound = xerrors.New(CodeTradeNotFound, "trade not found")
	// ErrInvestmentNotFound 表示指定的入股不存在。
	ErrInvestmentNotFound = xerrors.New(CodeInvestmentNotFound, "investment not found")
	// ErrDuplicateTxHash 表示同一外部交易哈希重复入账。
	ErrDuplicateTxHash = xerrors.New(CodeDuplicateTxHash, "transaction hash already settled")
	// ErrTransactionNotFound 表示指定哈希的流水不存在。
	ErrTransactionNotFound = xerrors.New(CodeTransactionNotFound, "transaction not found")
	// ErrAgentConflict 表示智能体 ID 冲突。
	ErrAgentConflict = xerrors.New(xerrors.CodeConflict, "agent already exists")
)

const (
	CodeAgentNotFound       xerrors.Code = "AGENT_NOT_FOUND"
	CodeTradeNotFound       xerrors.Code = "TRADE_NOT_FOUND"
	CodeInvestmentNotFound  xerrors.Code = "INVESTMENT_NOT_FOUND"
	CodeDuplicateTxHash     xerrors.Code = "DUPLICATE_TX_HASH"
	CodeTransactionNotFound xerrors.Code = "TRANSACTION_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:   "agent not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTradeNotFound, xerrors.Attributes{
		Message:   "trade not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvestmentNotFound, xerrors.Attributes{
		Message:   "investment not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDuplicateTxHash, xerrors.Attributes{
		Message:   "transaction hash already settled",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTransactionNotFound, xerrors.Attributes{
		Message:   "transaction not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}
