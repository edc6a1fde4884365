package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DirectionBias 表示策略的方向偏好。
type DirectionBias string

const (
	BiasLong  DirectionBias = "long"
	BiasShort DirectionBias = "short"
	BiasBoth  DirectionBias = "both"
)

// StrategyRules 是经过校验的策略配置。历史数据中的宽松字段
// 只在读取时迁移一次，落库后不再重复推断。
type StrategyRules struct {
	Symbols            []string      `json:"symbols"`
	Bias               DirectionBias `json:"bias"`
	StopLossPct        float64       `json:"stop_loss_pct"`
	TakeProfitPct      float64       `json:"take_profit_pct"`
	MaxLeverage        int           `json:"max_leverage"`
	MaxPositionSizePct float64       `json:"max_position_size_pct"`
	MaxDailyTrades     int           `json:"max_daily_trades"`
}

// Validate 校验策略配置的数值边界。
func (r StrategyRules) Validate() error {
	if len(r.Symbols) == 0 {
		return fmt.Errorf("策略未配置交易标的")
	}
	if r.StopLossPct <= 0 || r.StopLossPct > 100 {
		return fmt.Errorf("止损比例非法: %v", r.StopLossPct)
	}
	if r.TakeProfitPct <= 0 {
		return fmt.Errorf("止盈比例非法: %v", r.TakeProfitPct)
	}
	if r.MaxLeverage < 1 || r.MaxLeverage > 50 {
		return fmt.Errorf("杠杆倍数非法: %d", r.MaxLeverage)
	}
	if r.MaxPositionSizePct <= 0 || r.MaxPositionSizePct > 100 {
		return fmt.Errorf("最大仓位比例非法: %v", r.MaxPositionSizePct)
	}
	switch r.Bias {
	case BiasLong, BiasShort, BiasBoth:
	default:
		return fmt.Errorf("方向偏好非法: %s", r.Bias)
	}
	return nil
}

// legacyRules 对应早期版本落库的宽松策略结构：可选字段、
// 自由文本资产描述、百分比以 0-1 小数存储等。
type legacyRules struct {
	Symbols        []string `json:"symbols"`
	Asset          string   `json:"asset"`
	Assets         string   `json:"assets"`
	Direction      string   `json:"direction"`
	Bias           string   `json:"bias"`
	StopLoss       *float64 `json:"stop_loss"`
	StopLossPct    *float64 `json:"stop_loss_pct"`
	TakeProfit     *float64 `json:"take_profit"`
	TakeProfitPct  *float64 `json:"take_profit_pct"`
	MaxLeverage    *int     `json:"max_leverage"`
	Leverage       *int     `json:"leverage"`
	PositionPct    *float64 `json:"position_pct"`
	MaxPositionPct *float64 `json:"max_position_size_pct"`
	MaxDailyTrades *int     `json:"max_daily_trades"`
}

// ParseStrategyRules 将任意版本的策略 JSON 解析为当前结构。
// 迁移在读取时执行一次，调用方应缓存结果。
func ParseStrategyRules(raw []byte) (StrategyRules, error) {
	var rules StrategyRules
	if err := json.Unmarshal(raw, &rules); err == nil {
		if verr := rules.Validate(); verr == nil {
			return rules, nil
		}
	}

	var legacy legacyRules
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return StrategyRules{}, fmt.Errorf("解析策略配置失败: %w", err)
	}
	migrated := migrateLegacyRules(legacy)
	if err := migrated.Validate(); err != nil {
		return StrategyRules{}, fmt.Errorf("迁移后的策略配置非法: %w", err)
	}
	return migrated, nil
}

func migrateLegacyRules(legacy legacyRules) StrategyRules {
	rules := StrategyRules{
		Symbols: legacy.Symbols,
		Bias:    BiasBoth,
	}
	if len(rules.Symbols) == 0 {
		rules.Symbols = inferSymbols(legacy.Asset + " " + legacy.Assets)
	}

	bias := strings.ToLower(strings.TrimSpace(firstNonEmpty(legacy.Bias, legacy.Direction)))
	switch {
	case strings.Contains(bias, "short"), strings.Contains(bias, "sell"):
		rules.Bias = BiasShort
	case strings.Contains(bias, "long"), strings.Contains(bias, "buy"):
		rules.Bias = BiasLong
	}

	rules.StopLossPct = pickPct(legacy.StopLossPct, legacy.StopLoss, 5)
	rules.TakeProfitPct = pickPct(legacy.TakeProfitPct, legacy.TakeProfit, 10)

	if legacy.MaxLeverage != nil && *legacy.MaxLeverage > 0 {
		rules.MaxLeverage = *legacy.MaxLeverage
	} else if legacy.Leverage != nil && *legacy.Leverage > 0 {
		rules.MaxLeverage = *legacy.Leverage
	} else {
		rules.MaxLeverage = 1
	}

	rules.MaxPositionSizePct = pickPct(legacy.MaxPositionPct, legacy.PositionPct, 10)

	if legacy.MaxDailyTrades != nil && *legacy.MaxDailyTrades > 0 {
		rules.MaxDailyTrades = *legacy.MaxDailyTrades
	} else {
		rules.MaxDailyTrades = 10
	}
	return rules
}

// pickPct 兼容 0-1 小数与 0-100 百分比两种历史写法。
func pickPct(primary, fallback *float64, def float64) float64 {
	value := def
	if primary != nil && *primary > 0 {
		value = *primary
	} else if fallback != nil && *fallback > 0 {
		value = *fallback
	}
	if value > 0 && value < 1 {
		value *= 100
	}
	return value
}

var knownSymbols = []string{"BTC", "ETH", "SOL", "DOGE", "AVAX", "ARB", "OP", "LINK"}

// inferSymbols 从自由文本中提取已知的交易标的。
func inferSymbols(text string) []string {
	upper := strings.ToUpper(text)
	var symbols []string
	for _, sym := range knownSymbols {
		if strings.Contains(upper, sym) {
			symbols = append(symbols, sym)
		}
	}
	if len(symbols) == 0 {
		symbols = []string{"BTC"}
	}
	return symbols
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
