package test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"rentledger/escrow"
	"rentledger/protocol"
	"rentledger/registry"
	"rentledger/rental"
	"rentledger/test/fakes"
	"rentledger/test/infra"
)

// TestConcurrentStart races several payers for the same open rental offer.
// Row locks must serialize the attempts so exactly one payer wins, the others
// fail the pending check, and the escrow is credited exactly once.
func TestConcurrentStart(t *testing.T) {
	ctx := context.Background()
	pool := infra.SetupDB(t)

	secret := []byte("concurrency-secret")
	clk := fakes.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	base := fakes.NewAssetLedger()
	sink := &fakes.Sink{}

	dir := registry.NewDirectory()
	reg := registry.NewService("main", pool, dir, base, secret).WithClock(clk.Now)
	rentals := rental.NewService(pool, reg, escrow.NewLedger(), sink, secret).WithClock(clk.Now)
	dir.Register(rental.Kind, rentals)

	owner := fakes.Addr(0x61)
	const (
		assetID = int64(901)
		fee     = int64(1000)
	)
	base.SetOwner(assetID, owner)
	if _, err := reg.Register(ctx, assetID, owner); err != nil {
		t.Fatalf("register asset: %v", err)
	}
	rec, err := rentals.Create(ctx, rental.CreateParams{
		AssetID:      assetID,
		Fee:          fee,
		DurationSecs: 3600,
		ExpiresAt:    clk.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create rental: %v", err)
	}
	if err := reg.SetAgreement(ctx, assetID, protocol.AgreementRef{Kind: rental.Kind, ID: rec.ID}, owner); err != nil {
		t.Fatalf("link agreement: %v", err)
	}

	const payers = 8
	var (
		mu      sync.Mutex
		winners []protocol.Address
	)
	var g errgroup.Group
	for i := 0; i < payers; i++ {
		payer := fakes.Addr(byte(0x70 + i))
		g.Go(func() error {
			err := rentals.Start(ctx, rec.ID, payer, fee)
			switch {
			case err == nil:
				mu.Lock()
				winners = append(winners, payer)
				mu.Unlock()
				return nil
			case errors.Is(err, rental.ErrNotPending):
				return nil
			default:
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected start failure: %v", err)
	}

	if len(winners) != 1 {
		t.Fatalf("winners = %d, want exactly 1", len(winners))
	}
	got, err := rentals.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get rental: %v", err)
	}
	if got.Status != protocol.StatusActive || got.Renter != winners[0] {
		t.Fatalf("rental = %s/%s, want active/%s", got.Status, got.Renter, winners[0])
	}
	asset, err := reg.Get(ctx, assetID)
	if err != nil {
		t.Fatalf("get asset: %v", err)
	}
	if asset.CurrentHolder != winners[0] {
		t.Fatalf("holder = %s, want winner %s", asset.CurrentHolder, winners[0])
	}
	if bal, _ := rentals.Balance(ctx, rec.ID, owner); bal != fee {
		t.Fatalf("owner escrow = %d, want a single fee %d", bal, fee)
	}
}

// TestConcurrentRedeem races full-balance redemptions. The conditional
// decrement makes over-withdrawal impossible: one call drains the balance,
// every other call fails the funds check.
func TestConcurrentRedeem(t *testing.T) {
	ctx := context.Background()
	pool := infra.SetupDB(t)

	secret := []byte("concurrency-secret")
	clk := fakes.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	base := fakes.NewAssetLedger()
	sink := &fakes.Sink{}

	dir := registry.NewDirectory()
	reg := registry.NewService("main", pool, dir, base, secret).WithClock(clk.Now)
	rentals := rental.NewService(pool, reg, escrow.NewLedger(), sink, secret).WithClock(clk.Now)
	dir.Register(rental.Kind, rentals)

	owner := fakes.Addr(0x62)
	renter := fakes.Addr(0x63)
	const (
		assetID = int64(902)
		fee     = int64(1000)
	)
	base.SetOwner(assetID, owner)
	if _, err := reg.Register(ctx, assetID, owner); err != nil {
		t.Fatalf("register asset: %v", err)
	}
	rec, err := rentals.Create(ctx, rental.CreateParams{
		AssetID:      assetID,
		Renter:       renter,
		Fee:          fee,
		DurationSecs: 60,
		ExpiresAt:    clk.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create rental: %v", err)
	}
	if err := reg.SetAgreement(ctx, assetID, protocol.AgreementRef{Kind: rental.Kind, ID: rec.ID}, owner); err != nil {
		t.Fatalf("link agreement: %v", err)
	}
	if err := rentals.Start(ctx, rec.ID, renter, fee); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.Advance(61 * time.Second)
	if err := reg.StopAgreement(ctx, assetID, renter); err != nil {
		t.Fatalf("stop: %v", err)
	}

	const attempts = 4
	var succeeded int64
	var mu sync.Mutex
	var g errgroup.Group
	for i := 0; i < attempts; i++ {
		g.Go(func() error {
			err := rentals.Redeem(ctx, rec.ID, owner, fee)
			switch {
			case err == nil:
				mu.Lock()
				succeeded++
				mu.Unlock()
				return nil
			case errors.Is(err, escrow.ErrInsufficientBalance):
				return nil
			default:
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected redeem failure: %v", err)
	}

	if succeeded != 1 {
		t.Fatalf("successful redemptions = %d, want exactly 1", succeeded)
	}
	if sink.Paid(owner) != fee {
		t.Fatalf("total paid out = %d, want %d", sink.Paid(owner), fee)
	}
	if bal, _ := rentals.Balance(ctx, rec.ID, owner); bal != 0 {
		t.Fatalf("residual balance = %d, want 0", bal)
	}
}
