// Package fakes holds in-memory stand-ins for the external collaborators
// the registry and agreement services talk to.
package fakes

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"rentledger/escrow"
	"rentledger/protocol"
)

// Addr builds a deterministic well-formed party address from a single byte.
func Addr(b byte) protocol.Address {
	return protocol.Address(strings.Repeat(fmt.Sprintf("%02x", b), protocol.AddressLen))
}

// Clock is a settable time source shared by the services under test.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Transfer records one base ledger custody move.
type Transfer struct {
	AssetID  int64
	From, To protocol.Address
}

// AssetLedger is an in-memory base asset ledger.
type AssetLedger struct {
	mu          sync.Mutex
	Owners      map[int64]protocol.Address
	Approvals   map[int64]protocol.Address
	Operators   map[protocol.Address]map[protocol.Address]bool
	Transfers   []Transfer
	TransferErr error
}

func NewAssetLedger() *AssetLedger {
	return &AssetLedger{
		Owners:    make(map[int64]protocol.Address),
		Approvals: make(map[int64]protocol.Address),
		Operators: make(map[protocol.Address]map[protocol.Address]bool),
	}
}

// SetOwner seeds the ledger's custody record for an asset.
func (l *AssetLedger) SetOwner(assetID int64, owner protocol.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Owners[assetID] = owner
}

// Approve sets the per-asset approved delegate.
func (l *AssetLedger) Approve(assetID int64, delegate protocol.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Approvals[assetID] = delegate
}

// SetOperator grants or revokes blanket operator rights.
func (l *AssetLedger) SetOperator(owner, delegate protocol.Address, on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Operators[owner] == nil {
		l.Operators[owner] = make(map[protocol.Address]bool)
	}
	l.Operators[owner][delegate] = on
}

func (l *AssetLedger) OwnerOf(ctx context.Context, assetID int64) (protocol.Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Owners[assetID], nil
}

func (l *AssetLedger) ApprovedFor(ctx context.Context, assetID int64) (protocol.Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Approvals[assetID], nil
}

func (l *AssetLedger) IsOperatorFor(ctx context.Context, owner, delegate protocol.Address) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Operators[owner][delegate], nil
}

func (l *AssetLedger) Transfer(ctx context.Context, assetID int64, from, to protocol.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.TransferErr != nil {
		return l.TransferErr
	}
	l.Owners[assetID] = to
	l.Transfers = append(l.Transfers, Transfer{AssetID: assetID, From: from, To: to})
	return nil
}

// Payout records one external escrow payout.
type Payout struct {
	To     protocol.Address
	Amount int64
}

// Sink is an in-memory payout sink. Err makes every payout fail; OnPay, when
// set, replaces the default behavior entirely (used to probe re-entrant
// reads mid-transfer).
type Sink struct {
	mu      sync.Mutex
	Payouts []Payout
	Err     error
	OnPay   func(ctx context.Context, to protocol.Address, amount int64, view escrow.Reentrant) error
}

func (s *Sink) Pay(ctx context.Context, to protocol.Address, amount int64, view escrow.Reentrant) error {
	if s.OnPay != nil {
		return s.OnPay(ctx, to, amount, view)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Payouts = append(s.Payouts, Payout{To: to, Amount: amount})
	return nil
}

// Paid sums all recorded payouts to one party.
func (s *Sink) Paid(to protocol.Address) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, p := range s.Payouts {
		if p.To == to {
			total += p.Amount
		}
	}
	return total
}

// YieldClaim records one forwarded claim against the yield source.
type YieldClaim struct {
	Owner   protocol.Address
	AssetID int64
	Amount  int64
}

// YieldSource is an in-memory yield collaborator. Pending is what
// ClaimableAmount reports; a successful Claim resets it to AfterClaim, so a
// nonzero AfterClaim simulates a source that leaves residue behind.
type YieldSource struct {
	mu         sync.Mutex
	Pending    int64
	AfterClaim int64
	Claims     []YieldClaim
	ClaimErr   error
}

func (y *YieldSource) ClaimableAmount(ctx context.Context, owner protocol.Address, assetID int64) (int64, error) {
	y.mu.Lock()
	defer y.mu.Unlock()
	return y.Pending, nil
}

func (y *YieldSource) Claim(ctx context.Context, owner protocol.Address, assetID int64, amount int64, proof []byte) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.ClaimErr != nil {
		return y.ClaimErr
	}
	y.Claims = append(y.Claims, YieldClaim{Owner: owner, AssetID: assetID, Amount: amount})
	y.Pending = y.AfterClaim
	return nil
}
