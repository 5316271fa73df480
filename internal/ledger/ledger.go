// Package ledger is the boundary to the distributed ledger that holds
// participant funds and the trip escrow.
package ledger

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
)

// Transfer moves Amount base units from From to To. When Spender is set
// and differs from From, the transfer draws on From's allowance to
// Spender. Transfers out of an escrow account name the Beneficiary whose
// escrowed balance is debited; transfers into escrow credit From.
type Transfer struct {
	From        string
	To          string
	Spender     string
	Beneficiary string
	Amount      *uint256.Int
	Memo        string
}

// Ledger is the set of operations the engine needs. Each call is atomic at
// the ledger layer; the engine never rolls back.
//
// Errors are classified with domain.ErrInsufficientFunds,
// domain.ErrNotApproved and domain.ErrLedgerRejected where the ledger can tell.
type Ledger interface {
	// SubmitTransfer submits a transfer and returns its transaction reference.
	SubmitTransfer(ctx context.Context, t Transfer) (string, error)

	// Balance returns the spendable balance of account.
	Balance(ctx context.Context, account string) (*uint256.Int, error)

	// Allowance returns how much spender may move on owner's behalf.
	Allowance(ctx context.Context, owner, spender string) (*uint256.Int, error)

	// EscrowBalance returns owner's balance held by the escrow account.
	EscrowBalance(ctx context.Context, escrow, owner string) (*uint256.Int, error)
}

// FormatUnits renders a base-unit amount as a decimal integer string.
func FormatUnits(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.ToBig().String()
}

// ParseUnits parses a decimal integer string of base units.
func ParseUnits(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse token amount %q: %w", s, err)
	}
	return v, nil
}
