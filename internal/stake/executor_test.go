package stake

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ashureev/tripstake/internal/domain"
	"github.com/ashureev/tripstake/internal/ledger"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	agentAccount  = "0x00000000000000000000000000000000000000ff"
	escrowAccount = "0x00000000000000000000000000000000000000e5"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func wallet(i int) string {
	return fmt.Sprintf("0x%040x", i)
}

// fakeRecorder keeps every Begin and Settle call in order.
type fakeRecorder struct {
	mu      sync.Mutex
	begun   map[string]domain.ExecutionRecord
	settled map[string]domain.ExecutionRecord
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		begun:   make(map[string]domain.ExecutionRecord),
		settled: make(map[string]domain.ExecutionRecord),
	}
}

func (f *fakeRecorder) Begin(_ context.Context, rec domain.ExecutionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begun[rec.ID] = rec
	return nil
}

func (f *fakeRecorder) Settle(_ context.Context, rec domain.ExecutionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.begun[rec.ID]; !ok {
		return fmt.Errorf("settle before begin: %s", rec.ID)
	}
	f.settled[rec.ID] = rec
	return nil
}

func plan(amount uint64, participants ...string) Plan {
	return Plan{
		PoolID:       "goa",
		TripID:       "trip-1",
		Amount:       uint256.NewInt(amount),
		FiatAmount:   decimal.NewFromInt(31),
		Participants: participants,
	}
}

func newExecutor(l ledger.Ledger, fanOut int) *Executor {
	return NewExecutor(l, Config{AgentAccount: agentAccount, EscrowAccount: escrowAccount, FanOut: fanOut, RPS: 1000}, nil, discard)
}

func TestExecuteIsolatesParticipantFailures(t *testing.T) {
	t.Parallel()

	led := ledger.NewMemory(escrowAccount)
	ok, unapproved, poor := wallet(1), wallet(2), wallet(3)
	led.Fund(ok, uint256.NewInt(100))
	led.Approve(ok, agentAccount, uint256.NewInt(100))
	led.Fund(unapproved, uint256.NewInt(100))
	led.Fund(poor, uint256.NewInt(10))
	led.Approve(poor, agentAccount, uint256.NewInt(100))

	rec := newFakeRecorder()
	res := newExecutor(led, 3).Execute(context.Background(), plan(50, ok, unapproved, poor), rec)

	require.Len(t, res.Records, 3)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, res.Failed)

	assert.Equal(t, domain.ExecutionSuccess, res.Records[0].Status)
	assert.NotEmpty(t, res.Records[0].TransactionRef)
	assert.Equal(t, "50", res.Records[0].Amount)
	assert.Equal(t, domain.KindNotApproved, res.Records[1].ErrorKind)
	assert.Equal(t, domain.KindInsufficientFunds, res.Records[2].ErrorKind)

	for _, r := range res.Records {
		assert.Equal(t, domain.ExecutionPending, rec.begun[r.ID].Status, "begun as pending")
		assert.Equal(t, r.Status, rec.settled[r.ID].Status)
		assert.NotNil(t, r.SettledAt)
		assert.Equal(t, 1, r.Attempt)
	}
	assert.Equal(t, int64(1), led.Submitted(), "unapproved participant never reaches the ledger")
}

func TestExecuteManyParticipants(t *testing.T) {
	t.Parallel()

	led := ledger.NewMemory(escrowAccount)
	var parts []string
	for i := 1; i <= 12; i++ {
		w := wallet(i)
		parts = append(parts, w)
		led.Fund(w, uint256.NewInt(10))
		led.Approve(w, agentAccount, uint256.NewInt(10))
	}

	res := newExecutor(led, 4).Execute(context.Background(), plan(10, parts...), newFakeRecorder())
	assert.Equal(t, 12, res.Succeeded)
	assert.Equal(t, int64(12), led.Submitted())
	for i, r := range res.Records {
		assert.Equal(t, parts[i], r.ParticipantID, "records keep participant order")
	}
}

func TestExecuteIgnoresCancellation(t *testing.T) {
	t.Parallel()

	led := ledger.NewMemory(escrowAccount)
	led.Fund(wallet(1), uint256.NewInt(10))
	led.Approve(wallet(1), agentAccount, uint256.NewInt(10))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := newExecutor(led, 1).Execute(ctx, plan(10, wallet(1)), newFakeRecorder())
	assert.Equal(t, 1, res.Succeeded)
}

func TestRetryOne(t *testing.T) {
	t.Parallel()

	led := ledger.NewMemory(escrowAccount)
	w := wallet(1)
	led.Fund(w, uint256.NewInt(100))
	exec := newExecutor(led, 1)
	rec := newFakeRecorder()

	first := exec.Execute(context.Background(), plan(50, w), rec).Records[0]
	require.Equal(t, domain.ExecutionFailed, first.Status)

	failed, err := exec.RetryOne(context.Background(), plan(50, w), w, []domain.ExecutionRecord{first}, rec)
	require.Error(t, err)
	assert.Equal(t, domain.KindNotApproved, domain.KindOf(err))
	assert.Equal(t, 2, failed.Attempt)

	led.Approve(w, agentAccount, uint256.NewInt(50))
	prior := []domain.ExecutionRecord{first, failed}
	ok, err := exec.RetryOne(context.Background(), plan(50, w), "0X"+w[2:], prior, rec)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionSuccess, ok.Status)
	assert.Equal(t, 3, ok.Attempt)

	again, err := exec.RetryOne(context.Background(), plan(50, w), w, append(prior, ok), rec)
	require.NoError(t, err)
	assert.Equal(t, ok.ID, again.ID)
	assert.Equal(t, int64(1), led.Submitted())
}

func TestMemo(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "trip:abc", Memo("abc"))
}
