package scholarship_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"rentledger/escrow"
	"rentledger/protocol"
	"rentledger/registry"
	"rentledger/scholarship"
	"rentledger/test/fakes"
	"rentledger/test/infra"
)

func TestScholarshipIntegration(t *testing.T) {
	ctx := context.Background()
	pool := infra.SetupDB(t)

	secret := []byte("scholarship-itest-secret")
	clk := fakes.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	base := fakes.NewAssetLedger()
	sink := &fakes.Sink{}
	yield := &fakes.YieldSource{}

	dir := registry.NewDirectory()
	reg := registry.NewService("main", pool, dir, base, secret).WithClock(clk.Now)
	schols := scholarship.NewService(pool, reg, escrow.NewLedger(), sink, yield, secret).WithClock(clk.Now)
	dir.Register(scholarship.Kind, schols)

	owner := fakes.Addr(0x51)
	scholar := fakes.Addr(0x52)

	const (
		assetID  = int64(701)
		duration = int64(604800)
		sharePPT = int64(250) // scholar keeps a quarter of every claim
	)
	base.SetOwner(assetID, owner)
	if _, err := reg.Register(ctx, assetID, owner); err != nil {
		t.Fatalf("register asset: %v", err)
	}

	rec, err := schols.Create(ctx, scholarship.CreateParams{
		AssetID:      assetID,
		Beneficiary:  scholar,
		SharePPT:     sharePPT,
		Fee:          0,
		DurationSecs: duration,
		ExpiresAt:    clk.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create scholarship: %v", err)
	}
	ref := protocol.AgreementRef{Kind: scholarship.Kind, ID: rec.ID}
	if err := reg.SetAgreement(ctx, assetID, ref, owner); err != nil {
		t.Fatalf("link agreement: %v", err)
	}

	t.Run("zero-fee start hands possession to the scholar", func(t *testing.T) {
		// Exact-payment rule holds even at zero.
		if err := schols.Start(ctx, rec.ID, scholar, 1); !errors.Is(err, scholarship.ErrWrongFee) {
			t.Fatalf("nonzero payment error = %v, want ErrWrongFee", err)
		}
		if err := schols.Start(ctx, rec.ID, owner, 0); !errors.Is(err, scholarship.ErrWrongCaller) {
			t.Fatalf("non-beneficiary start error = %v, want ErrWrongCaller", err)
		}

		if err := schols.Start(ctx, rec.ID, scholar, 0); err != nil {
			t.Fatalf("start: %v", err)
		}
		asset, _ := reg.Get(ctx, assetID)
		if asset.CurrentHolder != scholar {
			t.Fatalf("holder = %s, want scholar %s", asset.CurrentHolder, scholar)
		}
	})

	t.Run("forwarded claim splits by parts per thousand", func(t *testing.T) {
		if err := schols.ForwardClaim(ctx, rec.ID, scholar, 1000, []byte("proof-1")); err != nil {
			t.Fatalf("forward claim: %v", err)
		}

		if bal, _ := schols.Balance(ctx, rec.ID, scholar); bal != 250 {
			t.Fatalf("scholar escrow = %d, want 250", bal)
		}
		if bal, _ := schols.Balance(ctx, rec.ID, owner); bal != 750 {
			t.Fatalf("owner escrow = %d, want 750", bal)
		}

		claims, err := schols.Claims(ctx, rec.ID)
		if err != nil {
			t.Fatalf("list claims: %v", err)
		}
		if len(claims) != 1 || claims[0].Amount != 1000 || claims[0].BeneficiaryShare != 250 {
			t.Fatalf("claim history = %+v", claims)
		}
		if len(yield.Claims) != 1 || yield.Claims[0].Owner != owner {
			t.Fatalf("yield source claims = %+v, want one on the owner's behalf", yield.Claims)
		}
	})

	t.Run("pending yield blocks forwarding", func(t *testing.T) {
		yield.Pending = 5
		err := schols.ForwardClaim(ctx, rec.ID, scholar, 1000, []byte("proof-2"))
		if !errors.Is(err, scholarship.ErrPendingYield) {
			t.Fatalf("pending-before error = %v, want ErrPendingYield", err)
		}
		yield.Pending = 0

		// A source that leaves residue behind is refused too, and the split
		// never lands.
		yield.AfterClaim = 7
		err = schols.ForwardClaim(ctx, rec.ID, scholar, 1000, []byte("proof-3"))
		if !errors.Is(err, scholarship.ErrPendingYield) {
			t.Fatalf("pending-after error = %v, want ErrPendingYield", err)
		}
		yield.AfterClaim = 0
		yield.Pending = 0

		if bal, _ := schols.Balance(ctx, rec.ID, scholar); bal != 250 {
			t.Fatalf("scholar escrow moved on a refused claim: %d", bal)
		}
		claims, _ := schols.Claims(ctx, rec.ID)
		if len(claims) != 1 {
			t.Fatalf("claim history grew on a refused claim: %d entries", len(claims))
		}
	})

	t.Run("settlement after the scholarship window", func(t *testing.T) {
		if err := schols.Redeem(ctx, rec.ID, scholar, 250); !errors.Is(err, scholarship.ErrNotFinished) {
			t.Fatalf("early redeem error = %v, want ErrNotFinished", err)
		}

		clk.Advance(time.Duration(duration)*time.Second + time.Second)
		if err := reg.StopAgreement(ctx, assetID, scholar); err != nil {
			t.Fatalf("stop: %v", err)
		}
		asset, _ := reg.Get(ctx, assetID)
		if asset.CurrentHolder != owner {
			t.Fatalf("holder after stop = %s, want owner", asset.CurrentHolder)
		}

		// Claims only run inside the active window.
		if err := schols.ForwardClaim(ctx, rec.ID, scholar, 100, nil); !errors.Is(err, scholarship.ErrNotActive) {
			t.Fatalf("claim after stop error = %v, want ErrNotActive", err)
		}

		if err := schols.Redeem(ctx, rec.ID, scholar, 250); err != nil {
			t.Fatalf("scholar redeem: %v", err)
		}
		if err := schols.Redeem(ctx, rec.ID, owner, 750); err != nil {
			t.Fatalf("owner redeem: %v", err)
		}
		if sink.Paid(scholar) != 250 || sink.Paid(owner) != 750 {
			t.Fatalf("payouts = %d/%d, want 250/750", sink.Paid(scholar), sink.Paid(owner))
		}

		stranger := fakes.Addr(0x53)
		if err := schols.Redeem(ctx, rec.ID, stranger, 1); !errors.Is(err, scholarship.ErrWrongCaller) {
			t.Fatalf("stranger redeem error = %v, want ErrWrongCaller", err)
		}
	})
}
