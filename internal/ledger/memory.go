package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/tripstake/internal/domain"
	"github.com/holiman/uint256"
)

// Memory is an in-process ledger used for development and tests. It keeps
// balances, allowances and per-owner escrow balances for any number of
// escrow accounts.
type Memory struct {
	mu         sync.Mutex
	balances   map[string]*uint256.Int
	allowances map[string]map[string]*uint256.Int
	escrows    map[string]map[string]*uint256.Int
	rejected   map[string]string
	seq        atomic.Uint64
	submitted  atomic.Int64
}

// NewMemory creates an empty ledger. escrowAccounts are the accounts whose
// inbound transfers are tracked per owner.
func NewMemory(escrowAccounts ...string) *Memory {
	m := &Memory{
		balances:   make(map[string]*uint256.Int),
		allowances: make(map[string]map[string]*uint256.Int),
		escrows:    make(map[string]map[string]*uint256.Int),
		rejected:   make(map[string]string),
	}
	for _, e := range escrowAccounts {
		m.escrows[domain.NormalizeAddress(e)] = make(map[string]*uint256.Int)
	}
	return m
}

var _ Ledger = (*Memory)(nil)

// Fund credits account with amount.
func (m *Memory) Fund(account string, amount *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account = domain.NormalizeAddress(account)
	m.balances[account] = new(uint256.Int).Add(m.balanceLocked(account), amount)
}

// Approve sets owner's allowance to spender.
func (m *Memory) Approve(owner, spender string, amount *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, spender = domain.NormalizeAddress(owner), domain.NormalizeAddress(spender)
	if m.allowances[owner] == nil {
		m.allowances[owner] = make(map[string]*uint256.Int)
	}
	m.allowances[owner][spender] = amount.Clone()
}

// RejectFrom makes every transfer from account fail with LedgerRejected.
func (m *Memory) RejectFrom(account, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[domain.NormalizeAddress(account)] = reason
}

// Submitted returns the number of successfully applied transfers.
func (m *Memory) Submitted() int64 {
	return m.submitted.Load()
}

// SubmitTransfer applies t atomically.
func (m *Memory) SubmitTransfer(ctx context.Context, t Transfer) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if t.Amount == nil || t.Amount.IsZero() {
		return "", fmt.Errorf("transfer amount must be positive: %w", domain.ErrLedgerRejected)
	}

	from, to := domain.NormalizeAddress(t.From), domain.NormalizeAddress(t.To)
	spender := domain.NormalizeAddress(t.Spender)
	beneficiary := domain.NormalizeAddress(t.Beneficiary)

	m.mu.Lock()
	defer m.mu.Unlock()

	if reason, ok := m.rejected[from]; ok {
		return "", fmt.Errorf("%s: %w", reason, domain.ErrLedgerRejected)
	}

	var allowance *uint256.Int
	if spender != "" && spender != from {
		allowance = m.allowances[from][spender]
		if allowance == nil || allowance.Lt(t.Amount) {
			return "", fmt.Errorf("allowance from %s to %s below %s: %w", from, spender, FormatUnits(t.Amount), domain.ErrNotApproved)
		}
	}

	balance := m.balanceLocked(from)
	if balance.Lt(t.Amount) {
		return "", fmt.Errorf("balance of %s is %s, need %s: %w", from, FormatUnits(balance), FormatUnits(t.Amount), domain.ErrInsufficientFunds)
	}

	if held, ok := m.escrows[from]; ok {
		if beneficiary == "" {
			return "", fmt.Errorf("escrow transfer needs a beneficiary: %w", domain.ErrLedgerRejected)
		}
		owed := held[beneficiary]
		if owed == nil || owed.Lt(t.Amount) {
			return "", fmt.Errorf("escrow holds %s for %s, need %s: %w", FormatUnits(owed), beneficiary, FormatUnits(t.Amount), domain.ErrLedgerRejected)
		}
		held[beneficiary] = new(uint256.Int).Sub(owed, t.Amount)
	}
	if held, ok := m.escrows[to]; ok {
		owner := from
		if beneficiary != "" {
			owner = beneficiary
		}
		prev := held[owner]
		if prev == nil {
			prev = new(uint256.Int)
		}
		held[owner] = new(uint256.Int).Add(prev, t.Amount)
	}

	if allowance != nil {
		m.allowances[from][spender] = new(uint256.Int).Sub(allowance, t.Amount)
	}
	m.balances[from] = new(uint256.Int).Sub(balance, t.Amount)
	m.balances[to] = new(uint256.Int).Add(m.balanceLocked(to), t.Amount)
	m.submitted.Add(1)

	return fmt.Sprintf("0x%016x%016x", time.Now().UnixNano(), m.seq.Add(1)), nil
}

// Balance implements Ledger.
func (m *Memory) Balance(_ context.Context, account string) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(domain.NormalizeAddress(account)).Clone(), nil
}

// Allowance implements Ledger.
func (m *Memory) Allowance(_ context.Context, owner, spender string) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.allowances[domain.NormalizeAddress(owner)][domain.NormalizeAddress(spender)]
	if v == nil {
		return new(uint256.Int), nil
	}
	return v.Clone(), nil
}

// EscrowBalance implements Ledger.
func (m *Memory) EscrowBalance(_ context.Context, escrow, owner string) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.escrows[domain.NormalizeAddress(escrow)][domain.NormalizeAddress(owner)]
	if v == nil {
		return new(uint256.Int), nil
	}
	return v.Clone(), nil
}

func (m *Memory) balanceLocked(account string) *uint256.Int {
	if v, ok := m.balances[account]; ok {
		return v
	}
	return new(uint256.Int)
}
