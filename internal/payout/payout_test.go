package payout

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	xerrors "PerpAgent/internal/errors"
	"PerpAgent/internal/exchange"
	"PerpAgent/internal/ledger"
	"PerpAgent/internal/store"
)

type stubChain struct {
	mu          sync.Mutex
	name        string
	address     string
	balance     *big.Int
	transfers   []string
	approvals   int
	onBridge    func(to string, units *big.Int)
	transferErr error
}

func newStubChain(name string, balanceUsd float64) *stubChain {
	return &stubChain{name: name, address: "0x" + name, balance: UsdToUnits(balanceUsd)}
}

func (s *stubChain) Name() string    { return s.name }
func (s *stubChain) Address() string { return s.address }

func (s *stubChain) USDCBalance(context.Context) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.balance), nil
}

func (s *stubChain) credit(units *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance.Add(s.balance, units)
}

func (s *stubChain) TransferUSDC(_ context.Context, to string, units *big.Int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transferErr != nil {
		err := s.transferErr
		s.transferErr = nil
		return "", err
	}
	s.balance.Sub(s.balance, units)
	s.transfers = append(s.transfers, to)
	return "0xtransfer", nil
}

func (s *stubChain) ApproveBridge(context.Context, *big.Int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals++
	return "0xapprove", nil
}

func (s *stubChain) BridgeSend(_ context.Context, to string, units *big.Int) (string, error) {
	s.mu.Lock()
	s.balance.Sub(s.balance, units)
	bridge := s.onBridge
	s.mu.Unlock()
	if bridge != nil {
		bridge(to, units)
	}
	return "0xbridge", nil
}

type stubWithdrawAdapter struct {
	exchange.Adapter
	onWithdraw func(req exchange.WithdrawRequest)
	withdraws  int
}

func (s *stubWithdrawAdapter) WithdrawToChain(_ context.Context, req exchange.WithdrawRequest) (string, error) {
	s.withdraws++
	if s.onWithdraw != nil {
		s.onWithdraw(req)
	}
	return "wd-1", nil
}

func newTestPipeline(t *testing.T, adapter exchange.Adapter, settlement, target Chain) (*Pipeline, *ledger.Ledger) {
	t.Helper()
	locks := store.NewKeyedLocks()
	lgr := ledger.New(store.NewMemoryStore(), locks)
	// 给测试用户一笔入金，出款前账上有钱。
	if err := lgr.Deposit(context.Background(), "u1", 100, "0xseed"); err != nil {
		t.Fatalf("入金失败: %v", err)
	}
	pipeline := NewPipeline(lgr, adapter, settlement, target, locks,
		WithPollInterval(5*time.Millisecond),
		WithArrivalTimeout(100*time.Millisecond),
		WithBridgeTimeout(100*time.Millisecond))
	return pipeline, lgr
}

func TestPayoutFastPath(t *testing.T) {
	settlement := newStubChain("arbitrum", 0)
	target := newStubChain("base", 100)
	pipeline, lgr := newTestPipeline(t, &stubWithdrawAdapter{}, settlement, target)
	ctx := context.Background()

	receipt, err := pipeline.Payout(ctx, "req-1", "u1", "0xrecipient", 50)
	if err != nil {
		t.Fatalf("出款失败: %v", err)
	}
	if receipt.Chain != "base" || receipt.TxHash != "0xtransfer" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if len(target.transfers) != 1 || target.transfers[0] != "0xrecipient" {
		t.Fatalf("expected a single transfer to the recipient, got %v", target.transfers)
	}
	if settlement.approvals != 0 {
		t.Fatalf("fast path must not touch the bridge")
	}

	balance, _ := lgr.FreeBalance(ctx, "u1")
	if balance != 50 {
		t.Fatalf("payout must debit the ledger, got %v", balance)
	}
}

func TestPayoutRequiresLedgerBalance(t *testing.T) {
	settlement := newStubChain("arbitrum", 0)
	target := newStubChain("base", 100)
	pipeline, lgr := newTestPipeline(t, &stubWithdrawAdapter{}, settlement, target)
	ctx := context.Background()

	// 账上只有 100，热钱包里的钱不是这个用户的。
	_, err := pipeline.Payout(ctx, "req-1", "u1", "0xrecipient", 150)
	if xerrors.CodeOf(err) != xerrors.CodeInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if len(target.transfers) != 0 {
		t.Fatalf("rejected payout must not move funds, got %v", target.transfers)
	}
	balance, _ := lgr.FreeBalance(ctx, "u1")
	if balance != 100 {
		t.Fatalf("rejected payout must leave the ledger untouched, got %v", balance)
	}

	// 没有入金记录的用户直接拒绝。
	_, err = pipeline.Payout(ctx, "req-2", "u-broke", "0xrecipient", 50)
	if xerrors.CodeOf(err) != xerrors.CodeInsufficientFunds {
		t.Fatalf("expected insufficient funds for empty account, got %v", err)
	}
	balance, _ = lgr.FreeBalance(ctx, "u-broke")
	if balance != 0 {
		t.Fatalf("empty account must stay at zero, got %v", balance)
	}
}

func TestPayoutRetryAfterTransferFailure(t *testing.T) {
	settlement := newStubChain("arbitrum", 0)
	target := newStubChain("base", 100)
	target.transferErr = errors.New("rpc unavailable")
	pipeline, lgr := newTestPipeline(t, &stubWithdrawAdapter{}, settlement, target)
	ctx := context.Background()

	// 转账瞬时失败: 扣款停在 pending，没有真的付出去。
	if _, err := pipeline.Payout(ctx, "req-1", "u1", "0xrecipient", 50); err == nil {
		t.Fatalf("expected transfer failure to surface")
	}
	if len(target.transfers) != 0 {
		t.Fatalf("failed transfer must not record a delivery")
	}
	// pending 扣款占住额度。
	balance, _ := lgr.FreeBalance(ctx, "u1")
	if balance != 50 {
		t.Fatalf("pending debit must reserve the amount, got %v", balance)
	}

	// 同一请求重试必须完成投递，而不是永远撞重复。
	receipt, err := pipeline.Payout(ctx, "req-1", "u1", "0xrecipient", 50)
	if err != nil {
		t.Fatalf("重试出款失败: %v", err)
	}
	if receipt.TxHash != "0xtransfer" || len(target.transfers) != 1 {
		t.Fatalf("retry must deliver exactly once: %+v (%v)", receipt, target.transfers)
	}
	balance, _ = lgr.FreeBalance(ctx, "u1")
	if balance != 50 {
		t.Fatalf("retry must not debit twice, got %v", balance)
	}
}

func TestPayoutDeliversOnce(t *testing.T) {
	settlement := newStubChain("arbitrum", 0)
	target := newStubChain("base", 100)
	pipeline, _ := newTestPipeline(t, &stubWithdrawAdapter{}, settlement, target)
	ctx := context.Background()

	if _, err := pipeline.Payout(ctx, "req-1", "u1", "0xrecipient", 50); err != nil {
		t.Fatalf("首次出款失败: %v", err)
	}

	_, err := pipeline.Payout(ctx, "req-1", "u1", "0xrecipient", 50)
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict on replayed request, got %v", err)
	}
	if len(target.transfers) != 1 {
		t.Fatalf("same request id must pay at most once, got %d transfers", len(target.transfers))
	}
}

func TestPayoutSlowPath(t *testing.T) {
	settlement := newStubChain("arbitrum", 0)
	target := newStubChain("base", 0)
	// 跨链桥把资金搬到目标链。
	settlement.onBridge = func(_ string, units *big.Int) { target.credit(units) }
	adapter := &stubWithdrawAdapter{}
	// 交易所提币在轮询窗口内到账。
	adapter.onWithdraw = func(req exchange.WithdrawRequest) {
		settlement.credit(UsdToUnits(req.AmountUsd))
	}
	pipeline, _ := newTestPipeline(t, adapter, settlement, target)
	ctx := context.Background()

	receipt, err := pipeline.Payout(ctx, "req-1", "u1", "0xrecipient", 50)
	if err != nil {
		t.Fatalf("出款失败: %v", err)
	}
	if receipt.Chain != "base" {
		t.Fatalf("delivery must land on the target chain: %+v", receipt)
	}
	if adapter.withdraws != 1 || settlement.approvals != 1 {
		t.Fatalf("slow path must withdraw and bridge exactly once: withdraws=%d approvals=%d",
			adapter.withdraws, settlement.approvals)
	}
	if len(target.transfers) != 1 {
		t.Fatalf("expected final transfer on target, got %d", len(target.transfers))
	}
}

func TestPayoutPendingThenResumed(t *testing.T) {
	settlement := newStubChain("arbitrum", 100)
	target := newStubChain("base", 0)
	pipeline, _ := newTestPipeline(t, &stubWithdrawAdapter{}, settlement, target)
	ctx := context.Background()

	// 桥迟迟不到账: 返回在途错误，资金没有丢。
	_, err := pipeline.Payout(ctx, "req-1", "u1", "0xrecipient", 50)
	if !errors.Is(err, ErrStillPending) {
		t.Fatalf("expected still-pending, got %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("still-pending must be retryable")
	}
	if len(target.transfers) != 0 {
		t.Fatalf("pending payout must not transfer")
	}

	// 资金随后到账, 同一请求重试完成投递。
	target.credit(UsdToUnits(50))
	receipt, err := pipeline.Payout(ctx, "req-1", "u1", "0xrecipient", 50)
	if err != nil {
		t.Fatalf("重试出款失败: %v", err)
	}
	if receipt.TxHash != "0xtransfer" || len(target.transfers) != 1 {
		t.Fatalf("retry must deliver exactly once: %+v (%v)", receipt, target.transfers)
	}
}

func TestPayoutValidation(t *testing.T) {
	pipeline, _ := newTestPipeline(t, &stubWithdrawAdapter{}, newStubChain("a", 0), newStubChain("b", 0))
	ctx := context.Background()

	if _, err := pipeline.Payout(ctx, "", "u1", "0x1", 10); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("empty request id must be rejected, got %v", err)
	}
	if _, err := pipeline.Payout(ctx, "req-1", "u1", "0x1", 0); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("non-positive amount must be rejected, got %v", err)
	}
}

func TestUnitConversion(t *testing.T) {
	units := UsdToUnits(12.5)
	if units.Cmp(big.NewInt(12_500_000)) != 0 {
		t.Fatalf("expected 12500000 units, got %s", units)
	}
	if UnitsToUsd(units) != 12.5 {
		t.Fatalf("round trip must be exact for 6-decimal amounts")
	}
	if got := UnitsToUsd(UsdToUnits(0)); got != 0 {
		t.Fatalf("zero must map to zero, got %v", got)
	}
}
