package model

import "time"

// AgentStatus 表示智能体在生命周期中的状态。
type AgentStatus string

const (
	AgentDraft  AgentStatus = "draft"
	AgentActive AgentStatus = "active"
	AgentPaused AgentStatus = "paused"
	AgentDead   AgentStatus = "dead"
	AgentClosed AgentStatus = "closed"
)

// IsValidAgentStatus 检查给定的状态是否为支持的枚举值。
func IsValidAgentStatus(status AgentStatus) bool {
	switch status {
	case AgentDraft, AgentActive, AgentPaused, AgentDead, AgentClosed:
		return true
	default:
		return false
	}
}

// CanTransition 校验状态机的单向迁移。dead 与 closed 为终态。
func (s AgentStatus) CanTransition(next AgentStatus) bool {
	switch s {
	case AgentDraft:
		return next == AgentActive || next == AgentClosed
	case AgentActive:
		return next == AgentPaused || next == AgentDead || next == AgentClosed
	case AgentPaused:
		return next == AgentActive || next == AgentDead || next == AgentClosed
	default:
		return false
	}
}

// Tier 描述智能体的成本与能力等级：检查频率、AI 研究深度与燃烧速率。
type Tier struct {
	Level           int     `json:"level"`
	ChecksPerHour   int     `json:"checks_per_hour"`
	BurnRatePerHour float64 `json:"burn_rate_per_hour"`
	ResearchDepth   string  `json:"research_depth"`
}

// MinCheckInterval 返回该等级两次检查之间的最小间隔。
func (t Tier) MinCheckInterval() time.Duration {
	checks := t.ChecksPerHour
	if checks <= 0 {
		checks = 1
	}
	return time.Duration(3600/checks) * time.Second
}

// Agent 是自治交易实体：拥有独立的资金池、燃料余额与策略。
type Agent struct {
	ID              string        `json:"id"`
	OwnerID         string        `json:"owner_id"`
	CreatorID       string        `json:"creator_id"`
	ReferrerID      string        `json:"referrer_id,omitempty"`
	Name            string        `json:"name"`
	Rules           StrategyRules `json:"rules"`
	Tier            Tier          `json:"tier"`
	Status          AgentStatus   `json:"status"`
	CapitalBalance  float64       `json:"capital_balance"`
	EnergyBalance   float64       `json:"energy_balance"`
	CreatorEarnings float64       `json:"creator_earnings"`
	TotalTrades     int           `json:"total_trades"`
	WinningTrades   int           `json:"winning_trades"`
	TotalPnlUsd     float64       `json:"total_pnl_usd"`
	LastCheckAt     int64         `json:"last_check_at"`
	DiedAt          int64         `json:"died_at,omitempty"`
	CreatedAt       int64         `json:"created_at"`
	UpdatedAt       int64         `json:"updated_at"`
}

// Alive 判断智能体是否仍可参与巡检。
func (a *Agent) Alive() bool {
	return a != nil && a.Status == AgentActive
}
