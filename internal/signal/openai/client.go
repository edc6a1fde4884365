package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "PerpAgent/internal/errors"
	"PerpAgent/internal/signal"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 OpenAI 大模型评估交易信号。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Evaluate 调用模型并解析结构化决策。模型输出中混杂的自然语言
// 会被剥离，只取第一个完整 JSON 对象。
func (c *Client) Evaluate(ctx context.Context, req signal.Request) (*signal.Decision, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignalFailure, err, "构建 OpenAI 请求失败")
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignalFailure, err, "请求 OpenAI 失败",
			xerrors.WithRetryable(true))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(xerrors.CodeSignalFailure,
			fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			xerrors.WithRetryable(resp.StatusCode >= http.StatusInternalServerError))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignalFailure, err, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeSignalFailure, "OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodeSignalFailure, "OpenAI 响应内容为空")
	}

	return ParseDecision(content)
}

// ParseDecision 从模型回复中提取并校验决策 JSON。模型拒绝给出
// 合法结构时按无信号处理，而不是让巡检失败。
func ParseDecision(content string) (*signal.Decision, error) {
	raw := extractJSON(content)
	if raw == "" {
		return &signal.Decision{ShouldTrade: false, Rationale: truncate(content)}, nil
	}

	var decision signal.Decision
	if err := json.Unmarshal([]byte(raw), &decision); err != nil {
		return &signal.Decision{ShouldTrade: false, Rationale: truncate(content)}, nil
	}

	if decision.Confidence < 0 {
		decision.Confidence = 0
	}
	if decision.Confidence > 100 {
		decision.Confidence = 100
	}
	if decision.ShouldTrade && decision.Direction != "long" && decision.Direction != "short" {
		decision.ShouldTrade = false
		decision.Rationale = strings.TrimSpace("非法交易方向，按无信号处理: " + decision.Rationale)
	}
	return &decision, nil
}

// extractJSON 定位回复中第一个配平的 JSON 对象。
func extractJSON(content string) string {
	start := strings.IndexByte(content, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		ch := content[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return content[start : i+1]
				}
			}
		}
	}
	return ""
}

func (c *Client) buildPayload(req signal.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := []message{
		{
			Role:    "system",
			Content: systemPrompt,
		},
		{
			Role:    "user",
			Content: buildUserPrompt(req),
		},
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": 0.2,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignalFailure, err, "序列化 OpenAI 请求失败")
	}
	return encoded, nil
}

const systemPrompt = "" +
	"You are a disciplined perpetual futures analyst. " +
	"Always respond with a compact JSON object: " +
	"{\"should_trade\": bool, \"direction\": \"long\"|\"short\", \"size_usd\": number, " +
	"\"leverage\": int, \"confidence\": number 0-100, \"rationale\": string}. " +
	"Set should_trade to false unless the setup clearly matches the strategy."

func buildUserPrompt(req signal.Request) string {
	var builder strings.Builder
	builder.WriteString("## 策略\n")
	builder.WriteString(fmt.Sprintf("智能体: %s\n", strings.TrimSpace(req.AgentName)))
	builder.WriteString(fmt.Sprintf("合约: %s\n", req.Symbol))
	builder.WriteString(fmt.Sprintf("方向偏好: %s\n", req.Rules.Bias))
	builder.WriteString(fmt.Sprintf("止损: %.2f%% | 止盈: %.2f%% | 最大杠杆: %d\n",
		req.Rules.StopLossPct, req.Rules.TakeProfitPct, req.Rules.MaxLeverage))

	builder.WriteString("\n## 行情\n")
	builder.WriteString(fmt.Sprintf("标记价格: %.6f\n", req.MarkPrice))
	if req.Depth != signal.DepthNone && len(req.Candles) > 0 {
		limit := len(req.Candles)
		if req.Depth == signal.DepthLight && limit > 10 {
			limit = 10
		}
		builder.WriteString("最近K线 (open/high/low/close):\n")
		for _, candle := range req.Candles[len(req.Candles)-limit:] {
			builder.WriteString(fmt.Sprintf("%.4f %.4f %.4f %.4f\n",
				candle.Open, candle.High, candle.Low, candle.Close))
		}
	}

	if req.Depth == signal.DepthDeep && len(req.OpenPositions) > 0 {
		builder.WriteString("\n## 当前持仓\n")
		for _, trade := range req.OpenPositions {
			builder.WriteString(fmt.Sprintf("%s %s $%.2f @ %.6f\n",
				trade.Symbol, trade.Direction, trade.SizeUsd, trade.EntryPrice))
		}
	}

	builder.WriteString("\n请依据策略给出是否开仓的结构化决策。")
	return builder.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 200 {
		return string([]rune(text)[:200]) + "..."
	}
	return text
}

var _ signal.Client = (*Client)(nil)
