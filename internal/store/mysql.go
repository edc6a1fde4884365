package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "PerpAgent/internal/errors"
	"PerpAgent/internal/model"
)

// MySQLStore 使用 MySQL 持久化全部实体。
type MySQLStore struct {
	db *sql.DB
}

// MySQLConfig 描述连接池参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewMySQLStore 创建连接池并初始化数据表。
func NewMySQLStore(cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 20
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 10 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS agents (
        id VARCHAR(64) PRIMARY KEY,
        owner_id VARCHAR(64) NOT NULL,
        creator_id VARCHAR(64) NOT NULL DEFAULT '',
        referrer_id VARCHAR(64) NOT NULL DEFAULT '',
        name VARCHAR(255) NOT NULL DEFAULT '',
        rules TEXT NOT NULL,
        tier TEXT NOT NULL,
        status VARCHAR(16) NOT NULL,
        capital_balance DOUBLE NOT NULL DEFAULT 0,
        energy_balance DOUBLE NOT NULL DEFAULT 0,
        creator_earnings DOUBLE NOT NULL DEFAULT 0,
        total_trades INT NOT NULL DEFAULT 0,
        winning_trades INT NOT NULL DEFAULT 0,
        total_pnl_usd DOUBLE NOT NULL DEFAULT 0,
        last_check_at BIGINT NOT NULL DEFAULT 0,
        died_at BIGINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_agent_status (status),
        INDEX idx_agent_owner (owner_id)
)`,
		`CREATE TABLE IF NOT EXISTS trades (
        id VARCHAR(64) PRIMARY KEY,
        agent_id VARCHAR(64) NOT NULL,
        symbol VARCHAR(32) NOT NULL,
        direction VARCHAR(8) NOT NULL,
        size_usd DOUBLE NOT NULL,
        leverage INT NOT NULL DEFAULT 1,
        entry_price DOUBLE NOT NULL,
        exit_price DOUBLE NULL,
        status VARCHAR(16) NOT NULL,
        realized_pnl DOUBLE NOT NULL DEFAULT 0,
        fee_usd DOUBLE NOT NULL DEFAULT 0,
        order_id VARCHAR(64) NOT NULL DEFAULT '',
        trigger_reason VARCHAR(255) NOT NULL DEFAULT '',
        trigger_data TEXT,
        exit_degraded TINYINT(1) NOT NULL DEFAULT 0,
        opened_at BIGINT NOT NULL,
        closed_at BIGINT NOT NULL DEFAULT 0,
        INDEX idx_trade_agent (agent_id),
        INDEX idx_trade_status (status)
)`,
		`CREATE TABLE IF NOT EXISTS energy_logs (
        id VARCHAR(64) PRIMARY KEY,
        agent_id VARCHAR(64) NOT NULL,
        reason VARCHAR(64) NOT NULL,
        delta DOUBLE NOT NULL,
        balance_before DOUBLE NOT NULL,
        balance_after DOUBLE NOT NULL,
        created_at BIGINT NOT NULL,
        INDEX idx_energy_agent (agent_id, created_at)
)`,
		`CREATE TABLE IF NOT EXISTS transactions (
        id VARCHAR(64) PRIMARY KEY,
        user_id VARCHAR(64) NOT NULL,
        agent_id VARCHAR(64) NOT NULL DEFAULT '',
        type VARCHAR(32) NOT NULL,
        amount_usd DOUBLE NOT NULL,
        status VARCHAR(16) NOT NULL DEFAULT 'settled',
        tx_hash VARCHAR(128) NULL,
        balance_before DOUBLE NULL,
        balance_after DOUBLE NULL,
        memo VARCHAR(255) NOT NULL DEFAULT '',
        created_at BIGINT NOT NULL,
        UNIQUE INDEX idx_tx_hash (tx_hash),
        INDEX idx_tx_user (user_id, created_at)
)`,
		`CREATE TABLE IF NOT EXISTS investments (
        id VARCHAR(64) PRIMARY KEY,
        user_id VARCHAR(64) NOT NULL,
        agent_id VARCHAR(64) NOT NULL,
        amount_usd DOUBLE NOT NULL,
        share_pct DOUBLE NOT NULL,
        status VARCHAR(16) NOT NULL,
        created_at BIGINT NOT NULL,
        withdrawn_at BIGINT NOT NULL DEFAULT 0,
        INDEX idx_invest_agent (agent_id, status)
)`,
		`CREATE TABLE IF NOT EXISTS signal_records (
        id VARCHAR(64) PRIMARY KEY,
        agent_id VARCHAR(64) NOT NULL,
        symbol VARCHAR(32) NOT NULL,
        should_trade TINYINT(1) NOT NULL DEFAULT 0,
        direction VARCHAR(8) NOT NULL DEFAULT '',
        confidence DOUBLE NOT NULL DEFAULT 0,
        rationale TEXT,
        outcome VARCHAR(32) NOT NULL DEFAULT '',
        created_at BIGINT NOT NULL,
        INDEX idx_signal_agent (agent_id, created_at)
)`,
	}
	for _, schema := range schemas {
		if _, err := s.db.Exec(schema); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化数据表失败")
		}
	}
	return nil
}

// CreateAgent 插入新的智能体。
func (s *MySQLStore) CreateAgent(ctx context.Context, agent *model.Agent) error {
	if agent == nil || strings.TrimSpace(agent.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	rules, err := json.Marshal(agent.Rules)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码策略配置失败")
	}
	tier, err := json.Marshal(agent.Tier)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码等级配置失败")
	}
	now := time.Now().Unix()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	const stmt = `INSERT INTO agents
        (id, owner_id, creator_id, referrer_id, name, rules, tier, status, capital_balance, energy_balance,
         creator_earnings, total_trades, winning_trades, total_pnl_usd, last_check_at, died_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		agent.ID, agent.OwnerID, agent.CreatorID, agent.ReferrerID, agent.Name,
		string(rules), string(tier), agent.Status,
		agent.CapitalBalance, agent.EnergyBalance, agent.CreatorEarnings,
		agent.TotalTrades, agent.WinningTrades, agent.TotalPnlUsd,
		agent.LastCheckAt, agent.DiedAt, agent.CreatedAt, agent.UpdatedAt,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrAgentConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入智能体失败")
	}
	return nil
}

const agentColumns = `id, owner_id, creator_id, referrer_id, name, rules, tier, status, capital_balance,
        energy_balance, creator_earnings, total_trades, winning_trades, total_pnl_usd, last_check_at, died_at, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*model.Agent, error) {
	var agent model.Agent
	var rules, tier string
	if err := row.Scan(
		&agent.ID, &agent.OwnerID, &agent.CreatorID, &agent.ReferrerID, &agent.Name,
		&rules, &tier, &agent.Status,
		&agent.CapitalBalance, &agent.EnergyBalance, &agent.CreatorEarnings,
		&agent.TotalTrades, &agent.WinningTrades, &agent.TotalPnlUsd,
		&agent.LastCheckAt, &agent.DiedAt, &agent.CreatedAt, &agent.UpdatedAt,
	); err != nil {
		return nil, err
	}
	parsed, err := model.ParseStrategyRules([]byte(rules))
	if err != nil {
		return nil, err
	}
	agent.Rules = parsed
	if err := json.Unmarshal([]byte(tier), &agent.Tier); err != nil {
		return nil, err
	}
	return &agent, nil
}

// GetAgent 查询指定智能体。历史落库的宽松策略字段在此处迁移一次。
func (s *MySQLStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体失败")
	}
	return agent, nil
}

// UpdateAgent 覆盖写入智能体状态。
func (s *MySQLStore) UpdateAgent(ctx context.Context, agent *model.Agent) error {
	if agent == nil || strings.TrimSpace(agent.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	rules, err := json.Marshal(agent.Rules)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码策略配置失败")
	}
	tier, err := json.Marshal(agent.Tier)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码等级配置失败")
	}
	agent.UpdatedAt = time.Now().Unix()

	const stmt = `UPDATE agents SET owner_id = ?, creator_id = ?, referrer_id = ?, name = ?, rules = ?, tier = ?,
        status = ?, capital_balance = ?, energy_balance = ?, creator_earnings = ?, total_trades = ?,
        winning_trades = ?, total_pnl_usd = ?, last_check_at = ?, died_at = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		agent.OwnerID, agent.CreatorID, agent.ReferrerID, agent.Name, string(rules), string(tier),
		agent.Status, agent.CapitalBalance, agent.EnergyBalance, agent.CreatorEarnings,
		agent.TotalTrades, agent.WinningTrades, agent.TotalPnlUsd,
		agent.LastCheckAt, agent.DiedAt, agent.UpdatedAt, agent.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新智能体失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.GetAgent(ctx, agent.ID); getErr != nil {
			return getErr
		}
	}
	return nil
}

func (s *MySQLStore) listAgents(ctx context.Context, where string, args ...any) ([]*model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体列表失败")
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析智能体记录失败")
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历智能体失败")
	}
	return agents, nil
}

// ListAgentsByStatus 返回指定状态的全部智能体。
func (s *MySQLStore) ListAgentsByStatus(ctx context.Context, status model.AgentStatus) ([]*model.Agent, error) {
	return s.listAgents(ctx, "status = ?", string(status))
}

// ListAgentsByOwner 返回指定拥有者的全部智能体。
func (s *MySQLStore) ListAgentsByOwner(ctx context.Context, ownerID string) ([]*model.Agent, error) {
	return s.listAgents(ctx, "owner_id = ?", ownerID)
}

// CreateTrade 落库新交易。
func (s *MySQLStore) CreateTrade(ctx context.Context, trade *model.Trade) error {
	if trade == nil || strings.TrimSpace(trade.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "trade 不能为空")
	}
	if trade.OpenedAt == 0 {
		trade.OpenedAt = time.Now().Unix()
	}
	const stmt = `INSERT INTO trades
        (id, agent_id, symbol, direction, size_usd, leverage, entry_price, status, realized_pnl, fee_usd,
         order_id, trigger_reason, trigger_data, exit_degraded, opened_at, closed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?, 0, ?, 0)`
	if _, err := s.db.ExecContext(ctx, stmt,
		trade.ID, trade.AgentID, trade.Symbol, trade.Direction, trade.SizeUsd, trade.Leverage,
		trade.EntryPrice, trade.Status, trade.OrderID, trade.TriggerReason, trade.TriggerData,
		trade.OpenedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入交易失败")
	}
	return nil
}

const tradeColumns = `id, agent_id, symbol, direction, size_usd, leverage, entry_price, exit_price, status,
        realized_pnl, fee_usd, order_id, trigger_reason, trigger_data, exit_degraded, opened_at, closed_at`

func scanTrade(row interface{ Scan(...any) error }) (*model.Trade, error) {
	var trade model.Trade
	var exitPrice sql.NullFloat64
	var triggerData sql.NullString
	if err := row.Scan(
		&trade.ID, &trade.AgentID, &trade.Symbol, &trade.Direction, &trade.SizeUsd, &trade.Leverage,
		&trade.EntryPrice, &exitPrice, &trade.Status, &trade.RealizedPnl, &trade.FeeUsd,
		&trade.OrderID, &trade.TriggerReason, &triggerData, &trade.ExitDegraded,
		&trade.OpenedAt, &trade.ClosedAt,
	); err != nil {
		return nil, err
	}
	if exitPrice.Valid {
		price := exitPrice.Float64
		trade.ExitPrice = &price
	}
	trade.TriggerData = triggerData.String
	return &trade, nil
}

// GetTrade 查询指定交易。
func (s *MySQLStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id)
	trade, err := scanTrade(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易失败")
	}
	return trade, nil
}

// ListOpenTrades 返回 open 状态的交易。
func (s *MySQLStore) ListOpenTrades(ctx context.Context, agentID string) ([]*model.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE status = ?`
	args := []any{string(model.TradeOpen)}
	if agentID != "" {
		query += " AND agent_id = ?"
		args = append(args, agentID)
	}
	query += " ORDER BY opened_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询未结算交易失败")
	}
	defer rows.Close()

	var trades []*model.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易记录失败")
		}
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易失败")
	}
	return trades, nil
}

// SettleTrade 以状态守卫的 UPDATE 完成 open→closed 迁移，
// 并发重复结算只有一方能影响到行。
func (s *MySQLStore) SettleTrade(ctx context.Context, id string, exitPrice, realizedPnl, feeUsd float64, degraded bool) (bool, error) {
	const stmt = `UPDATE trades SET status = ?, exit_price = ?, realized_pnl = ?, fee_usd = ?, exit_degraded = ?, closed_at = ?
        WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		model.TradeClosed, exitPrice, realizedPnl, feeUsd, degraded, time.Now().Unix(),
		id, model.TradeOpen,
	)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "结算交易失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.GetTrade(ctx, id); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

// CancelOpenTrades 取消智能体的全部 open 交易。
func (s *MySQLStore) CancelOpenTrades(ctx context.Context, agentID string) (int, error) {
	const stmt = `UPDATE trades SET status = ?, closed_at = ? WHERE agent_id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, model.TradeCancelled, time.Now().Unix(), agentID, model.TradeOpen)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "取消交易失败")
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// CountTradesSince 统计智能体自 since 以来开过的交易数。
func (s *MySQLStore) CountTradesSince(ctx context.Context, agentID string, since int64) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trades WHERE agent_id = ? AND opened_at >= ?`, agentID, since)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计交易数失败")
	}
	return count, nil
}

// AppendEnergyLog 追加燃料流水。
func (s *MySQLStore) AppendEnergyLog(ctx context.Context, log *model.EnergyLog) error {
	if log == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "energy log 不能为空")
	}
	if log.CreatedAt == 0 {
		log.CreatedAt = time.Now().Unix()
	}
	const stmt = `INSERT INTO energy_logs (id, agent_id, reason, delta, balance_before, balance_after, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		log.ID, log.AgentID, log.Reason, log.Delta, log.BalanceBefore, log.BalanceAfter, log.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入燃料流水失败")
	}
	return nil
}

// AppendTransaction 追加账本流水。tx_hash 上的唯一索引保证同一
// 外部哈希至多入账一次。
func (s *MySQLStore) AppendTransaction(ctx context.Context, tx *model.Transaction) error {
	if tx == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "transaction 不能为空")
	}
	if tx.Status == "" {
		tx.Status = model.TxStatusSettled
	}
	if tx.CreatedAt == 0 {
		tx.CreatedAt = time.Now().Unix()
	}
	var hash any
	if strings.TrimSpace(tx.TxHash) != "" {
		hash = tx.TxHash
	}
	const stmt = `INSERT INTO transactions
        (id, user_id, agent_id, type, amount_usd, status, tx_hash, balance_before, balance_after, memo, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		tx.ID, tx.UserID, tx.AgentID, tx.Type, tx.AmountUsd, tx.Status, hash,
		tx.BalanceBefore, tx.BalanceAfter, tx.Memo, tx.CreatedAt,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrDuplicateTxHash
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入账本流水失败")
	}
	return nil
}

// FreeBalance 返回用户全部流水的有符号和。
func (s *MySQLStore) FreeBalance(ctx context.Context, userID string) (float64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_usd), 0) FROM transactions WHERE user_id = ?`, userID)
	var total float64
	if err := row.Scan(&total); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询余额失败")
	}
	return total, nil
}

// ListTransactions 返回用户最近的流水。
func (s *MySQLStore) ListTransactions(ctx context.Context, userID string, limit int) ([]*model.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+txColumns+`
         FROM transactions WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账本流水失败")
	}
	defer rows.Close()

	var txs []*model.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析账本流水失败")
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历账本流水失败")
	}
	return txs, nil
}

const txColumns = `id, user_id, agent_id, type, amount_usd, status, tx_hash, balance_before, balance_after, memo, created_at`

func scanTransaction(row interface{ Scan(...any) error }) (*model.Transaction, error) {
	var tx model.Transaction
	var hash sql.NullString
	var before, after sql.NullFloat64
	if err := row.Scan(&tx.ID, &tx.UserID, &tx.AgentID, &tx.Type, &tx.AmountUsd,
		&tx.Status, &hash, &before, &after, &tx.Memo, &tx.CreatedAt); err != nil {
		return nil, err
	}
	tx.TxHash = hash.String
	if before.Valid {
		v := before.Float64
		tx.BalanceBefore = &v
	}
	if after.Valid {
		v := after.Float64
		tx.BalanceAfter = &v
	}
	return &tx, nil
}

// GetTransactionByHash 按外部哈希查询流水。
func (s *MySQLStore) GetTransactionByHash(ctx context.Context, txHash string) (*model.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE tx_hash = ?`, txHash)
	tx, err := scanTransaction(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账本流水失败")
	}
	return tx, nil
}

// SettleTransaction 以状态守卫的 UPDATE 完成 pending→settled 迁移。
func (s *MySQLStore) SettleTransaction(ctx context.Context, txHash string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET status = ? WHERE tx_hash = ? AND status = ?`,
		model.TxStatusSettled, txHash, model.TxStatusPending)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "结清账本流水失败")
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, getErr := s.GetTransactionByHash(ctx, txHash); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

// CreateInvestment 落库新入股。
func (s *MySQLStore) CreateInvestment(ctx context.Context, inv *model.Investment) error {
	if inv == nil || strings.TrimSpace(inv.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "investment 不能为空")
	}
	if inv.CreatedAt == 0 {
		inv.CreatedAt = time.Now().Unix()
	}
	const stmt = `INSERT INTO investments (id, user_id, agent_id, amount_usd, share_pct, status, created_at, withdrawn_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, 0)`
	if _, err := s.db.ExecContext(ctx, stmt,
		inv.ID, inv.UserID, inv.AgentID, inv.AmountUsd, inv.SharePct, inv.Status, inv.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入入股记录失败")
	}
	return nil
}

// GetInvestment 查询指定入股。
func (s *MySQLStore) GetInvestment(ctx context.Context, id string) (*model.Investment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, agent_id, amount_usd, share_pct, status, created_at, withdrawn_at
         FROM investments WHERE id = ?`, id)
	var inv model.Investment
	if err := row.Scan(&inv.ID, &inv.UserID, &inv.AgentID, &inv.AmountUsd, &inv.SharePct,
		&inv.Status, &inv.CreatedAt, &inv.WithdrawnAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvestmentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询入股记录失败")
	}
	return &inv, nil
}

// ListActiveInvestments 返回智能体的全部活跃入股。
func (s *MySQLStore) ListActiveInvestments(ctx context.Context, agentID string) ([]*model.Investment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, agent_id, amount_usd, share_pct, status, created_at, withdrawn_at
         FROM investments WHERE agent_id = ? AND status = ? ORDER BY created_at`, agentID, model.InvestmentActive)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询入股列表失败")
	}
	defer rows.Close()

	var invs []*model.Investment
	for rows.Next() {
		var inv model.Investment
		if err := rows.Scan(&inv.ID, &inv.UserID, &inv.AgentID, &inv.AmountUsd, &inv.SharePct,
			&inv.Status, &inv.CreatedAt, &inv.WithdrawnAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析入股记录失败")
		}
		invs = append(invs, &inv)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历入股记录失败")
	}
	return invs, nil
}

// WithdrawInvestment 状态守卫的退出迁移。
func (s *MySQLStore) WithdrawInvestment(ctx context.Context, id string) (bool, error) {
	const stmt = `UPDATE investments SET status = ?, withdrawn_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		model.InvestmentWithdrawn, time.Now().Unix(), id, model.InvestmentActive)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "退出入股失败")
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, getErr := s.GetInvestment(ctx, id); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

// AppendSignalRecord 追加信号审计记录。
func (s *MySQLStore) AppendSignalRecord(ctx context.Context, record *model.SignalRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "signal record 不能为空")
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}
	const stmt = `INSERT INTO signal_records (id, agent_id, symbol, should_trade, direction, confidence, rationale, outcome, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		record.ID, record.AgentID, record.Symbol, record.ShouldTrade, record.Direction,
		record.Confidence, record.Rationale, record.Outcome, record.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入信号记录失败")
	}
	return nil
}

// LatestSignals 返回智能体最近的评估记录。
func (s *MySQLStore) LatestSignals(ctx context.Context, agentID string, limit int) ([]*model.SignalRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, symbol, should_trade, direction, confidence, rationale, outcome, created_at
         FROM signal_records WHERE agent_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询信号记录失败")
	}
	defer rows.Close()

	var records []*model.SignalRecord
	for rows.Next() {
		var record model.SignalRecord
		var rationale sql.NullString
		if err := rows.Scan(&record.ID, &record.AgentID, &record.Symbol, &record.ShouldTrade,
			&record.Direction, &record.Confidence, &rationale, &record.Outcome, &record.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析信号记录失败")
		}
		record.Rationale = rationale.String
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历信号记录失败")
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
