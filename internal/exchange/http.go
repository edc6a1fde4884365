package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xerrors "PerpAgent/internal/errors"
	"PerpAgent/internal/model"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultCandleLimit = 50
)

// HTTPConfig 描述了调用交易所 REST API 所需的信息。
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPAdapter 通过 HTTP 访问永续合约交易所。
type HTTPAdapter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPAdapter 根据配置创建交易所客户端。
func NewHTTPAdapter(cfg HTTPConfig) (*HTTPAdapter, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供交易所 BaseURL")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &HTTPAdapter{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// GetMarkPrice 查询标记价格。
func (a *HTTPAdapter) GetMarkPrice(ctx context.Context, symbol string) (*MarkPrice, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "symbol 不能为空")
	}

	var out MarkPrice
	query := url.Values{"symbol": {symbol}}
	if err := a.get(ctx, "/v1/mark-price", query, &out); err != nil {
		return nil, err
	}
	if out.Price <= 0 {
		return nil, xerrors.New(xerrors.CodeExchangeFailure,
			fmt.Sprintf("交易所返回非法标记价格: %s=%f", symbol, out.Price))
	}
	return &out, nil
}

// GetCandles 查询最近的 K 线。
func (a *HTTPAdapter) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "symbol 不能为空")
	}
	if limit <= 0 {
		limit = defaultCandleLimit
	}

	var out []Candle
	query := url.Values{
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	if err := a.get(ctx, "/v1/candles", query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetPositions 查询账户当前全部持仓。
func (a *HTTPAdapter) GetPositions(ctx context.Context) ([]Position, error) {
	var out []Position
	if err := a.get(ctx, "/v1/positions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PlaceMarketOrder 下市价单。
func (a *HTTPAdapter) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if strings.TrimSpace(req.Symbol) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "symbol 不能为空")
	}
	if req.SizeUsd <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "下单金额必须为正")
	}

	var out OrderResult
	if err := a.post(ctx, "/v1/orders", req, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.OrderID) == "" {
		return nil, xerrors.New(xerrors.CodeExchangeFailure, "交易所未返回订单号")
	}
	return &out, nil
}

// ClosePosition 以 reduce-only 市价单平仓，方向取持仓的反向。
func (a *HTTPAdapter) ClosePosition(ctx context.Context, symbol string, direction model.Direction, sizeUsd float64) (*OrderResult, error) {
	opposite := model.DirectionShort
	if direction == model.DirectionShort {
		opposite = model.DirectionLong
	}
	return a.PlaceMarketOrder(ctx, OrderRequest{
		Symbol:     symbol,
		Direction:  opposite,
		SizeUsd:    sizeUsd,
		ReduceOnly: true,
	})
}

// GetUserFills 查询最近的成交记录。
func (a *HTTPAdapter) GetUserFills(ctx context.Context, limit int) ([]Fill, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Fill
	query := url.Values{"limit": {strconv.Itoa(limit)}}
	if err := a.get(ctx, "/v1/fills", query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Balance 查询账户可用余额。
func (a *HTTPAdapter) Balance(ctx context.Context) (float64, error) {
	var out struct {
		AvailableUsd float64 `json:"available_usd"`
	}
	if err := a.get(ctx, "/v1/balance", nil, &out); err != nil {
		return 0, err
	}
	return out.AvailableUsd, nil
}

// WithdrawToChain 发起提币。
func (a *HTTPAdapter) WithdrawToChain(ctx context.Context, req WithdrawRequest) (string, error) {
	if strings.TrimSpace(req.Address) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "提币地址不能为空")
	}
	if req.AmountUsd <= 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "提币金额必须为正")
	}

	var out struct {
		WithdrawID string `json:"withdraw_id"`
	}
	if err := a.post(ctx, "/v1/withdrawals", req, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.WithdrawID) == "" {
		return "", xerrors.New(xerrors.CodeExchangeFailure, "交易所未返回提币单号")
	}
	return out.WithdrawID, nil
}

func (a *HTTPAdapter) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := a.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeExchangeFailure, err, "构建交易所请求失败")
	}
	return a.do(req, out)
}

func (a *HTTPAdapter) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeExchangeFailure, err, "序列化交易所请求失败")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeExchangeFailure, err, "构建交易所请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req, out)
}

func (a *HTTPAdapter) do(req *http.Request, out any) error {
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeExchangeFailure, err, "请求交易所失败",
			xerrors.WithRetryable(true))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		retryable := resp.StatusCode >= http.StatusInternalServerError ||
			resp.StatusCode == http.StatusTooManyRequests
		return xerrors.New(xerrors.CodeExchangeFailure,
			fmt.Sprintf("交易所返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			xerrors.WithRetryable(retryable))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeExchangeFailure, err, "解析交易所响应失败")
	}
	return nil
}

var _ Adapter = (*HTTPAdapter)(nil)
