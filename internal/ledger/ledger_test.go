package ledger

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	xerrors "PerpAgent/internal/errors"
	"PerpAgent/internal/model"
	"PerpAgent/internal/store"
)

func newTestLedger(t *testing.T) (*Ledger, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return New(st, store.NewKeyedLocks()), st
}

func seedActiveAgent(t *testing.T, st *store.MemoryStore, id string, capital float64) {
	t.Helper()
	err := st.CreateAgent(context.Background(), &model.Agent{
		ID: id, OwnerID: "owner-1", CreatorID: "creator-1",
		Status: model.AgentActive, CapitalBalance: capital,
	})
	if err != nil {
		t.Fatalf("创建智能体失败: %v", err)
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestDepositIdempotent(t *testing.T) {
	lgr, _ := newTestLedger(t)
	ctx := context.Background()

	if err := lgr.Deposit(ctx, "u1", 100, "0xdead"); err != nil {
		t.Fatalf("首次入金失败: %v", err)
	}
	// 同一笔链上交易重复通知，静默忽略。
	if err := lgr.Deposit(ctx, "u1", 100, "0xdead"); err != nil {
		t.Fatalf("重复入金应被忽略: %v", err)
	}

	balance, err := lgr.FreeBalance(ctx, "u1")
	if err != nil || balance != 100 {
		t.Fatalf("expected balance 100, got %v (%v)", balance, err)
	}
}

func TestWithdrawChecksBalance(t *testing.T) {
	lgr, _ := newTestLedger(t)
	ctx := context.Background()

	if err := lgr.Deposit(ctx, "u1", 50, "0x1"); err != nil {
		t.Fatalf("入金失败: %v", err)
	}

	err := lgr.Withdraw(ctx, "u1", 80, "")
	if xerrors.CodeOf(err) != xerrors.CodeInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	if err := lgr.Withdraw(ctx, "u1", 30, ""); err != nil {
		t.Fatalf("出金失败: %v", err)
	}
	balance, _ := lgr.FreeBalance(ctx, "u1")
	if balance != 20 {
		t.Fatalf("expected balance 20, got %v", balance)
	}
}

func TestWithdrawConcurrentOverdraw(t *testing.T) {
	lgr, _ := newTestLedger(t)
	ctx := context.Background()

	if err := lgr.Deposit(ctx, "u1", 100, "0x1"); err != nil {
		t.Fatalf("入金失败: %v", err)
	}

	// 十个并发出金各要 60，只够付一笔。
	var wg sync.WaitGroup
	var succeeded int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lgr.Withdraw(ctx, "u1", 60, ""); err == nil {
				atomic.AddInt32(&succeeded, 1)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("exactly one withdrawal must win, got %d", succeeded)
	}
	balance, _ := lgr.FreeBalance(ctx, "u1")
	if balance != 40 {
		t.Fatalf("expected balance 40, got %v", balance)
	}
}

func TestStakeSharePct(t *testing.T) {
	lgr, st := newTestLedger(t)
	ctx := context.Background()

	seedActiveAgent(t, st, "a1", 300)
	if err := lgr.Deposit(ctx, "u1", 500, "0x1"); err != nil {
		t.Fatalf("入金失败: %v", err)
	}

	inv, err := lgr.Stake(ctx, "u1", "a1", 100)
	if err != nil {
		t.Fatalf("入股失败: %v", err)
	}
	// 100 / (300 + 100) = 25%，入股后不再重算。
	if !almostEqual(inv.SharePct, 25) {
		t.Fatalf("expected share 25%%, got %v", inv.SharePct)
	}

	agent, _ := st.GetAgent(ctx, "a1")
	if agent.CapitalBalance != 400 {
		t.Fatalf("pool must grow to 400, got %v", agent.CapitalBalance)
	}
	balance, _ := lgr.FreeBalance(ctx, "u1")
	if balance != 400 {
		t.Fatalf("staker balance must drop to 400, got %v", balance)
	}
}

func TestStakeRequiresFreeBalance(t *testing.T) {
	lgr, st := newTestLedger(t)
	ctx := context.Background()

	seedActiveAgent(t, st, "a1", 0)
	_, err := lgr.Stake(ctx, "u1", "a1", 100)
	if xerrors.CodeOf(err) != xerrors.CodeInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestWithdrawStake(t *testing.T) {
	lgr, st := newTestLedger(t)
	ctx := context.Background()

	seedActiveAgent(t, st, "a1", 300)
	if err := lgr.Deposit(ctx, "u1", 100, "0x1"); err != nil {
		t.Fatalf("入金失败: %v", err)
	}
	inv, err := lgr.Stake(ctx, "u1", "a1", 100)
	if err != nil {
		t.Fatalf("入股失败: %v", err)
	}

	// 资金池涨到 800，25% 份额 = 200，扣 1% 退出费 = 198。
	agent, _ := st.GetAgent(ctx, "a1")
	agent.CapitalBalance = 800
	if err := st.UpdateAgent(ctx, agent); err != nil {
		t.Fatalf("更新资金池失败: %v", err)
	}

	net, err := lgr.WithdrawStake(ctx, inv.ID)
	if err != nil {
		t.Fatalf("退股失败: %v", err)
	}
	if !almostEqual(net, 198) {
		t.Fatalf("expected net 198, got %v", net)
	}

	agent, _ = st.GetAgent(ctx, "a1")
	if agent.CapitalBalance != 600 {
		t.Fatalf("pool must shrink by the gross share, got %v", agent.CapitalBalance)
	}

	// 毛额与净额之差 2 记到平台手续费账户。
	feeBalance, _ := lgr.FreeBalance(ctx, PlatformAccount)
	if !almostEqual(feeBalance, 2) {
		t.Fatalf("exit fee must land on the platform account, got %v", feeBalance)
	}

	// 并发或重复退股只有一次生效。
	_, err = lgr.WithdrawStake(ctx, inv.ID)
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict on repeat withdraw, got %v", err)
	}
}

func TestPoolAccountDoesNotTouchUserBalance(t *testing.T) {
	lgr, st := newTestLedger(t)
	ctx := context.Background()

	seedActiveAgent(t, st, "a1", 100)
	if err := lgr.CreditCapital(ctx, "a1", 50, model.TxTradePnl, "结算"); err != nil {
		t.Fatalf("资金池入账失败: %v", err)
	}

	// 资金池流水记在池账户下，所有者的可用余额不受影响。
	balance, _ := lgr.FreeBalance(ctx, "owner-1")
	if balance != 0 {
		t.Fatalf("pool credits must not leak into the owner balance, got %v", balance)
	}
	poolBalance, _ := lgr.FreeBalance(ctx, PoolAccount("a1"))
	if poolBalance != 50 {
		t.Fatalf("expected pool account balance 50, got %v", poolBalance)
	}
}

func TestCreditCapitalFloorsAtZero(t *testing.T) {
	lgr, st := newTestLedger(t)
	ctx := context.Background()

	seedActiveAgent(t, st, "a1", 30)
	if err := lgr.CreditCapital(ctx, "a1", -80, model.TxTradePnl, "爆仓"); err != nil {
		t.Fatalf("资金池入账失败: %v", err)
	}

	agent, _ := st.GetAgent(ctx, "a1")
	if agent.CapitalBalance != 0 {
		t.Fatalf("capital must floor at zero, got %v", agent.CapitalBalance)
	}
}

func TestRecordTradeOutcome(t *testing.T) {
	lgr, st := newTestLedger(t)
	ctx := context.Background()

	seedActiveAgent(t, st, "a1", 30)
	if err := lgr.RecordTradeOutcome(ctx, "a1", -80, "爆仓"); err != nil {
		t.Fatalf("记录亏损失败: %v", err)
	}
	if err := lgr.RecordTradeOutcome(ctx, "a1", 50, "反弹"); err != nil {
		t.Fatalf("记录盈利失败: %v", err)
	}

	agent, _ := st.GetAgent(ctx, "a1")
	// 亏 80 把 30 的池子打到 0 封底，再赚 50。
	if agent.CapitalBalance != 50 {
		t.Fatalf("expected capital 50, got %v", agent.CapitalBalance)
	}
	if agent.TotalTrades != 2 || agent.WinningTrades != 1 || !almostEqual(agent.TotalPnlUsd, -30) {
		t.Fatalf("unexpected stats: %+v", agent)
	}
}

func TestClaimCreatorEarnings(t *testing.T) {
	lgr, st := newTestLedger(t)
	ctx := context.Background()

	seedActiveAgent(t, st, "a1", 0)
	if err := lgr.AccrueCreatorEarnings(ctx, "a1", 12); err != nil {
		t.Fatalf("累计分成失败: %v", err)
	}

	amount, err := lgr.ClaimCreatorEarnings(ctx, "a1")
	if err != nil || amount != 12 {
		t.Fatalf("expected claim 12, got %v (%v)", amount, err)
	}

	balance, _ := lgr.FreeBalance(ctx, "creator-1")
	if balance != 12 {
		t.Fatalf("creator must receive the claim, got %v", balance)
	}

	agent, _ := st.GetAgent(ctx, "a1")
	if agent.CreatorEarnings != 0 {
		t.Fatalf("earnings must reset after claim, got %v", agent.CreatorEarnings)
	}
}
