package store

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "PerpAgent/internal/errors"
	"PerpAgent/internal/model"
)

// MemoryStore 以内存方式保存全部实体，主要用于测试与本地开发。
type MemoryStore struct {
	mu          sync.RWMutex
	agents      map[string]*model.Agent
	trades      map[string]*model.Trade
	energyLogs  []*model.EnergyLog
	txs         []*model.Transaction
	txByHash    map[string]*model.Transaction
	investments map[string]*model.Investment
	signals     []*model.SignalRecord
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:      make(map[string]*model.Agent),
		trades:      make(map[string]*model.Trade),
		txByHash:    make(map[string]*model.Transaction),
		investments: make(map[string]*model.Investment),
	}
}

// CreateAgent 实现 Store 接口。
func (m *MemoryStore) CreateAgent(_ context.Context, agent *model.Agent) error {
	if agent == nil || agent.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.ID]; ok {
		return ErrAgentConflict
	}
	now := time.Now().Unix()
	if agent.CreatedAt == 0 {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	clone := *agent
	m.agents[agent.ID] = &clone
	return nil
}

// GetAgent 返回智能体快照。
func (m *MemoryStore) GetAgent(_ context.Context, id string) (*model.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	clone := *agent
	return &clone, nil
}

// UpdateAgent 覆盖写入智能体状态。
func (m *MemoryStore) UpdateAgent(_ context.Context, agent *model.Agent) error {
	if agent == nil || agent.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.ID]; !ok {
		return ErrAgentNotFound
	}
	agent.UpdatedAt = time.Now().Unix()
	clone := *agent
	m.agents[agent.ID] = &clone
	return nil
}

// ListAgentsByStatus 返回指定状态的全部智能体。
func (m *MemoryStore) ListAgentsByStatus(_ context.Context, status model.AgentStatus) ([]*model.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []*model.Agent
	for _, agent := range m.agents {
		if agent.Status == status {
			clone := *agent
			results = append(results, &clone)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results, nil
}

// ListAgentsByOwner 返回指定拥有者的全部智能体。
func (m *MemoryStore) ListAgentsByOwner(_ context.Context, ownerID string) ([]*model.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []*model.Agent
	for _, agent := range m.agents {
		if agent.OwnerID == ownerID {
			clone := *agent
			results = append(results, &clone)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results, nil
}

// CreateTrade 落库新交易。
func (m *MemoryStore) CreateTrade(_ context.Context, trade *model.Trade) error {
	if trade == nil || trade.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "trade 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if trade.OpenedAt == 0 {
		trade.OpenedAt = time.Now().Unix()
	}
	clone := *trade
	m.trades[trade.ID] = &clone
	return nil
}

// GetTrade 返回交易快照。
func (m *MemoryStore) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	trade, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return cloneTrade(trade), nil
}

// ListOpenTrades 返回 open 状态的交易。
func (m *MemoryStore) ListOpenTrades(_ context.Context, agentID string) ([]*model.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []*model.Trade
	for _, trade := range m.trades {
		if trade.Status != model.TradeOpen {
			continue
		}
		if agentID != "" && trade.AgentID != agentID {
			continue
		}
		results = append(results, cloneTrade(trade))
	}
	sort.Slice(results, func(i, j int) bool { return results[i].OpenedAt < results[j].OpenedAt })
	return results, nil
}

// SettleTrade 状态守卫的原子结算迁移。
func (m *MemoryStore) SettleTrade(_ context.Context, id string, exitPrice, realizedPnl, feeUsd float64, degraded bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trade, ok := m.trades[id]
	if !ok {
		return false, ErrTradeNotFound
	}
	if trade.Status != model.TradeOpen {
		return false, nil
	}
	trade.Status = model.TradeClosed
	trade.ExitPrice = &exitPrice
	trade.RealizedPnl = realizedPnl
	trade.FeeUsd = feeUsd
	trade.ExitDegraded = degraded
	trade.ClosedAt = time.Now().Unix()
	return true, nil
}

// CancelOpenTrades 取消智能体的全部 open 交易。
func (m *MemoryStore) CancelOpenTrades(_ context.Context, agentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancelled := 0
	now := time.Now().Unix()
	for _, trade := range m.trades {
		if trade.AgentID == agentID && trade.Status == model.TradeOpen {
			trade.Status = model.TradeCancelled
			trade.ClosedAt = now
			cancelled++
		}
	}
	return cancelled, nil
}

// CountTradesSince 统计智能体自 since 以来开过的交易数。
func (m *MemoryStore) CountTradesSince(_ context.Context, agentID string, since int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, trade := range m.trades {
		if trade.AgentID == agentID && trade.OpenedAt >= since {
			count++
		}
	}
	return count, nil
}

// AppendEnergyLog 追加燃料流水。
func (m *MemoryStore) AppendEnergyLog(_ context.Context, log *model.EnergyLog) error {
	if log == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "energy log 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if log.CreatedAt == 0 {
		log.CreatedAt = time.Now().Unix()
	}
	clone := *log
	m.energyLogs = append(m.energyLogs, &clone)
	return nil
}

// AppendTransaction 追加账本流水，按哈希去重。
func (m *MemoryStore) AppendTransaction(_ context.Context, tx *model.Transaction) error {
	if tx == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "transaction 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.TxHash != "" {
		if _, ok := m.txByHash[tx.TxHash]; ok {
			return ErrDuplicateTxHash
		}
	}
	if tx.Status == "" {
		tx.Status = model.TxStatusSettled
	}
	if tx.CreatedAt == 0 {
		tx.CreatedAt = time.Now().Unix()
	}
	clone := *tx
	m.txs = append(m.txs, &clone)
	if clone.TxHash != "" {
		m.txByHash[clone.TxHash] = &clone
	}
	return nil
}

// GetTransactionByHash 按外部哈希查询流水。
func (m *MemoryStore) GetTransactionByHash(_ context.Context, txHash string) (*model.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txByHash[txHash]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	clone := *tx
	return &clone, nil
}

// SettleTransaction 状态守卫的 pending→settled 迁移。
func (m *MemoryStore) SettleTransaction(_ context.Context, txHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txByHash[txHash]
	if !ok {
		return false, ErrTransactionNotFound
	}
	if tx.Status != model.TxStatusPending {
		return false, nil
	}
	tx.Status = model.TxStatusSettled
	return true, nil
}

// FreeBalance 返回用户全部流水的有符号和。
func (m *MemoryStore) FreeBalance(_ context.Context, userID string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0.0
	for _, tx := range m.txs {
		if tx.UserID == userID {
			total += tx.AmountUsd
		}
	}
	return total, nil
}

// ListTransactions 返回用户最近的流水，按时间倒序。
func (m *MemoryStore) ListTransactions(_ context.Context, userID string, limit int) ([]*model.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []*model.Transaction
	for i := len(m.txs) - 1; i >= 0; i-- {
		if m.txs[i].UserID != userID {
			continue
		}
		clone := *m.txs[i]
		results = append(results, &clone)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

// CreateInvestment 落库新入股。
func (m *MemoryStore) CreateInvestment(_ context.Context, inv *model.Investment) error {
	if inv == nil || inv.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "investment 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv.CreatedAt == 0 {
		inv.CreatedAt = time.Now().Unix()
	}
	clone := *inv
	m.investments[inv.ID] = &clone
	return nil
}

// GetInvestment 返回入股快照。
func (m *MemoryStore) GetInvestment(_ context.Context, id string) (*model.Investment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.investments[id]
	if !ok {
		return nil, ErrInvestmentNotFound
	}
	clone := *inv
	return &clone, nil
}

// ListActiveInvestments 返回智能体的全部活跃入股。
func (m *MemoryStore) ListActiveInvestments(_ context.Context, agentID string) ([]*model.Investment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []*model.Investment
	for _, inv := range m.investments {
		if inv.AgentID == agentID && inv.Status == model.InvestmentActive {
			clone := *inv
			results = append(results, &clone)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].CreatedAt < results[j].CreatedAt })
	return results, nil
}

// WithdrawInvestment 状态守卫的退出迁移。
func (m *MemoryStore) WithdrawInvestment(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.investments[id]
	if !ok {
		return false, ErrInvestmentNotFound
	}
	if inv.Status != model.InvestmentActive {
		return false, nil
	}
	inv.Status = model.InvestmentWithdrawn
	inv.WithdrawnAt = time.Now().Unix()
	return true, nil
}

// AppendSignalRecord 追加信号审计记录。
func (m *MemoryStore) AppendSignalRecord(_ context.Context, record *model.SignalRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "signal record 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}
	clone := *record
	m.signals = append(m.signals, &clone)
	return nil
}

// LatestSignals 返回智能体最近的评估记录，按时间倒序。
func (m *MemoryStore) LatestSignals(_ context.Context, agentID string, limit int) ([]*model.SignalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []*model.SignalRecord
	for i := len(m.signals) - 1; i >= 0; i-- {
		if m.signals[i].AgentID != agentID {
			continue
		}
		clone := *m.signals[i]
		results = append(results, &clone)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func cloneTrade(trade *model.Trade) *model.Trade {
	clone := *trade
	if trade.ExitPrice != nil {
		price := *trade.ExitPrice
		clone.ExitPrice = &price
	}
	return &clone
}

var _ Store = (*MemoryStore)(nil)
