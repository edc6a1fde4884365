package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	xerrors "PerpAgent/internal/errors"
	"PerpAgent/internal/market"
	"PerpAgent/internal/model"
	"PerpAgent/internal/monitor"
	"PerpAgent/internal/payout"
	"PerpAgent/internal/settle"
	"PerpAgent/internal/store"
	"PerpAgent/pkg/logger"
)

// Server 暴露巡检与结算的 REST 接口。
type Server struct {
	addr       string
	cronSecret string

	store      store.Store
	market     *market.Gateway
	monitor    *monitor.Orchestrator
	reconciler *settle.Reconciler
	payouts    *payout.Pipeline
	limiter    *ipLimiter
}

// Config 描述 API 服务的参数。
type Config struct {
	Address      string
	CronSecret   string
	MonitorRPS   float64
	MonitorBurst int
}

// NewServer 构造 API 服务实例。
func NewServer(cfg Config, st store.Store, gateway *market.Gateway, orch *monitor.Orchestrator, rec *settle.Reconciler) *Server {
	return &Server{
		addr:       cfg.Address,
		cronSecret: cfg.CronSecret,
		store:      st,
		market:     gateway,
		monitor:    orch,
		reconciler: rec,
		limiter:    newIPLimiter(cfg.MonitorRPS, cfg.MonitorBurst),
	}
}

// WithPayouts 挂载出款流水线。未配置链时出款端点返回 503。
func (s *Server) WithPayouts(p *payout.Pipeline) *Server {
	s.payouts = p
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/agents/", s.limiter.rateLimit(s.handleAgents))
	mux.HandleFunc("/cron/monitor", s.requireCronSecret(s.handleCronMonitor))
	mux.HandleFunc("/cron/settle", s.requireCronSecret(s.handleCronSettle))
	mux.HandleFunc("/payouts", s.requireCronSecret(s.handlePayout))
	mux.HandleFunc("/healthz", s.handleHealth)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.L().Info("API 服务已启动", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// handleAgents 路由 /agents/{id}/monitor 与 /agents/{id}/feed。
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/agents/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, "路径格式应为 /agents/{id}/monitor 或 /agents/{id}/feed", http.StatusNotFound)
		return
	}
	agentID, action := parts[0], parts[1]

	switch {
	case action == "monitor" && r.Method == http.MethodPost:
		s.handleMonitor(w, r, agentID)
	case action == "feed" && r.Method == http.MethodGet:
		s.handleFeed(w, r, agentID)
	default:
		http.Error(w, "不支持的操作", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request, agentID string) {
	report, err := s.monitor.CheckAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// feedResponse 是轮询端点的展示快照。
type feedResponse struct {
	Agent      *model.Agent          `json:"agent"`
	Positions  []*model.Trade        `json:"positions"`
	Signals    []*model.SignalRecord `json:"signals"`
	MarkPrices map[string]float64    `json:"mark_prices"`
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request, agentID string) {
	ctx := r.Context()
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		writeError(w, err)
		return
	}

	positions, err := s.store.ListOpenTrades(ctx, agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	signals, err := s.store.LatestSignals(ctx, agentID, 20)
	if err != nil {
		writeError(w, err)
		return
	}

	prices := make(map[string]float64, len(agent.Rules.Symbols))
	for _, symbol := range agent.Rules.Symbols {
		mark, err := s.market.MarkPrice(ctx, symbol)
		if err != nil {
			logger.L().Warn("行情快照缺少价格", "symbol", symbol, "error", err)
			continue
		}
		prices[symbol] = mark.Price
	}

	writeJSON(w, http.StatusOK, feedResponse{
		Agent:      agent,
		Positions:  positions,
		Signals:    signals,
		MarkPrices: prices,
	})
}

func (s *Server) handleCronMonitor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	report, err := s.monitor.CheckAllActiveAgents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checked": report.Checked,
		"skipped": report.Skipped,
		"died":    report.Died,
		"opened":  report.Opened,
		"closed":  report.Closed,
		"errors":  errorStrings(report.Errors),
	})
}

func (s *Server) handleCronSettle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	report, err := s.reconciler.SettleClosedPositions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scanned": report.Scanned,
		"settled": report.Settled,
		"errors":  errorStrings(report.Errors),
	})
}

// payoutRequest 描述一次出款。RequestID 由调用方生成并保证唯一，
// 重试必须复用同一个 ID。
type payoutRequest struct {
	RequestID string  `json:"request_id"`
	UserID    string  `json:"user_id"`
	ToAddress string  `json:"to_address"`
	AmountUsd float64 `json:"amount_usd"`
}

func (s *Server) handlePayout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.payouts == nil {
		http.Error(w, "出款管道未配置", http.StatusServiceUnavailable)
		return
	}

	var req payoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	receipt, err := s.payouts.Payout(r.Context(), req.RequestID, req.UserID, req.ToAddress, req.AmountUsd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireCronSecret 校验共享密钥头。未配置密钥时拒绝所有请求。
func (s *Server) requireCronSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cronSecret == "" {
			http.Error(w, "未配置调度密钥", http.StatusServiceUnavailable)
			return
		}
		provided := r.Header.Get("X-Cron-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cronSecret)) != 1 {
			http.Error(w, "密钥校验失败", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeNotFound, store.CodeAgentNotFound, store.CodeTradeNotFound, store.CodeInvestmentNotFound:
		status = http.StatusNotFound
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case xerrors.CodeConflict, store.CodeDuplicateTxHash:
		status = http.StatusConflict
	case xerrors.CodeInsufficientFunds:
		status = http.StatusPaymentRequired
	case xerrors.CodeTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{
		"code":  string(xerrors.CodeOf(err)),
		"error": err.Error(),
	})
}

func errorStrings(errs []error) []string {
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		out = append(out, err.Error())
	}
	return out
}
