package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"rentledger/protocol"
)

var (
	// ErrInsufficientBalance signals a debit larger than the balance at call
	// time.
	ErrInsufficientBalance = fmt.Errorf("escrow: insufficient balance: %w", protocol.ErrPrecondition)
	// ErrInvalidAmount signals a zero or negative amount.
	ErrInvalidAmount = fmt.Errorf("escrow: amount must be positive: %w", protocol.ErrPrecondition)
)

// defaultPayoutBudget is the fixed resource allowance for the external
// payout call. Deliberately generous enough for the receiving party to run
// its own logic mid-transfer.
const defaultPayoutBudget = 500 * time.Millisecond

// PayoutSink performs the external funds transfer out of escrow. It is an
// opaque, possibly-failing collaborator; the view it receives is bound to
// the withdrawing transaction so re-entrant reads observe the already
// reduced balance.
type PayoutSink interface {
	Pay(ctx context.Context, to protocol.Address, amount int64, view Reentrant) error
}

// Reentrant is the restricted handle handed to a payout sink while the
// transfer is in flight.
type Reentrant interface {
	// Balance reports the party's escrow balance as the in-flight
	// transaction sees it.
	Balance(ctx context.Context, party protocol.Address) (int64, error)
}

// Ledger is a per-agreement-instance withdrawable balance store. Balances
// are keyed by (agreement id, party); no cross-party movement happens except
// through explicit payment-in and redemption.
type Ledger struct {
	budget time.Duration
}

// NewLedger creates a ledger with the default payout budget.
func NewLedger() *Ledger {
	return &Ledger{budget: defaultPayoutBudget}
}

// NewLedgerWithBudget overrides the payout time allowance.
func NewLedgerWithBudget(budget time.Duration) *Ledger {
	if budget <= 0 {
		budget = defaultPayoutBudget
	}
	return &Ledger{budget: budget}
}

// Credit adds amount to the party's balance inside the caller's transaction.
func (l *Ledger) Credit(ctx context.Context, tx pgx.Tx, agreementID string, party protocol.Address, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	const q = `
INSERT INTO escrow_balances (agreement_id, party, amount)
VALUES ($1, $2, $3)
ON CONFLICT (agreement_id, party) DO UPDATE
SET amount = escrow_balances.amount + EXCLUDED.amount
`
	if _, err := tx.Exec(ctx, q, agreementID, string(party), amount); err != nil {
		return fmt.Errorf("escrow: credit %s: %w", party, err)
	}
	return nil
}

// Balance reads the party's balance inside the caller's transaction. Missing
// rows read as zero.
func (l *Ledger) Balance(ctx context.Context, tx pgx.Tx, agreementID string, party protocol.Address) (int64, error) {
	var amount int64
	err := tx.QueryRow(ctx,
		`SELECT amount FROM escrow_balances WHERE agreement_id = $1 AND party = $2`,
		agreementID, string(party),
	).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("escrow: read balance %s: %w", party, err)
	}
	return amount, nil
}

// Move reassigns escrowed funds between two parties of the same agreement
// instance without leaving the system. Only explicit settlement policies
// (e.g. prorated early termination) may call this; ordinary flow is
// payment-in and redemption.
func (l *Ledger) Move(ctx context.Context, tx pgx.Tx, agreementID string, from, to protocol.Address, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	tag, err := tx.Exec(ctx, `
UPDATE escrow_balances
SET amount = amount - $3
WHERE agreement_id = $1 AND party = $2 AND amount >= $3
`, agreementID, string(from), amount)
	if err != nil {
		return fmt.Errorf("escrow: move debit %s: %w", from, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}
	return l.Credit(ctx, tx, agreementID, to, amount)
}

// Withdraw debits the party's balance and only then attempts the external
// payout. The decrement-before-transfer order is an economic correctness
// contract: a re-entrant call running during the payout observes the reduced
// balance and cannot double-spend. On payout failure the whole enclosing
// transaction must be rolled back by the caller, so the balance remains for
// a later resubmission.
func (l *Ledger) Withdraw(ctx context.Context, tx pgx.Tx, agreementID string, party protocol.Address, amount int64, sink PayoutSink) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	tag, err := tx.Exec(ctx, `
UPDATE escrow_balances
SET amount = amount - $3
WHERE agreement_id = $1 AND party = $2 AND amount >= $3
`, agreementID, string(party), amount)
	if err != nil {
		return fmt.Errorf("escrow: debit %s: %w", party, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}

	payCtx, cancel := context.WithTimeout(ctx, l.budget)
	defer cancel()

	view := &txView{ledger: l, tx: tx, agreementID: agreementID}
	if err := sink.Pay(payCtx, party, amount, view); err != nil {
		return fmt.Errorf("escrow: payout of %d to %s: %w", amount, party, errors.Join(protocol.ErrTransferFailed, err))
	}
	return nil
}

// txView exposes the withdrawing transaction's balance state to the sink.
type txView struct {
	ledger      *Ledger
	tx          pgx.Tx
	agreementID string
}

func (v *txView) Balance(ctx context.Context, party protocol.Address) (int64, error) {
	return v.ledger.Balance(ctx, v.tx, v.agreementID, party)
}
