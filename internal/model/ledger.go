package model

// TransactionType 标记账本流水的业务类型。
type TransactionType string

const (
	TxMint           TransactionType = "mint"
	TxDeposit        TransactionType = "deposit"
	TxWithdrawal     TransactionType = "withdrawal"
	TxInvestment     TransactionType = "investment"
	TxInvestWithdraw TransactionType = "invest_withdraw"
	TxTradePnl       TransactionType = "trade_pnl"
	TxPerformanceFee TransactionType = "performance_fee"
	TxCreatorClaim   TransactionType = "creator_claim"
	TxReferralReward TransactionType = "referral_reward"
	TxEnergyPurchase TransactionType = "energy_purchase"
	TxCapitalReturn  TransactionType = "capital_return"
	TxExitFee        TransactionType = "exit_fee"
	TxPayout         TransactionType = "payout"
)

// TransactionStatus 表示流水的结清状态。pending 用于出款这类
// 先占额度、外部动作完成后才结清的两阶段流水。
type TransactionStatus string

const (
	TxStatusPending TransactionStatus = "pending"
	TxStatusSettled TransactionStatus = "settled"
)

// Transaction 是只追加的账本条目：每条记录一个已发生的资金事实。
// TxHash 可选，用于外部交易去重，同一哈希至多入账一次。
type Transaction struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	AgentID       string            `json:"agent_id,omitempty"`
	Type          TransactionType   `json:"type"`
	AmountUsd     float64           `json:"amount_usd"`
	Status        TransactionStatus `json:"status,omitempty"`
	TxHash        string            `json:"tx_hash,omitempty"`
	BalanceBefore *float64          `json:"balance_before,omitempty"`
	BalanceAfter  *float64          `json:"balance_after,omitempty"`
	Memo          string            `json:"memo,omitempty"`
	CreatedAt     int64             `json:"created_at"`
}

// InvestmentStatus 表示第三方入股的状态。
type InvestmentStatus string

const (
	InvestmentActive    InvestmentStatus = "active"
	InvestmentWithdrawn InvestmentStatus = "withdrawn"
)

// Investment 是第三方对某个智能体资金池的入股。份额比例在
// 入金时一次性确定：amount / poolAfterDeposit。
type Investment struct {
	ID          string           `json:"id"`
	UserID      string           `json:"user_id"`
	AgentID     string           `json:"agent_id"`
	AmountUsd   float64          `json:"amount_usd"`
	SharePct    float64          `json:"share_pct"`
	Status      InvestmentStatus `json:"status"`
	CreatedAt   int64            `json:"created_at"`
	WithdrawnAt int64            `json:"withdrawn_at,omitempty"`
}
