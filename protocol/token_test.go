package protocol

import (
	"errors"
	"testing"
	"time"
)

func TestCallTokenRoundTrip(t *testing.T) {
	secret := []byte("token-test-secret")
	minter := NewTokenMinter("main", secret)
	verifier := NewTokenVerifier("main", secret)

	tok, err := minter.Mint(HookStart, 42, time.Now())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := verifier.Verify(tok, HookStart, 42); err != nil {
		t.Fatalf("verify: %v", err)
	}

	if err := verifier.Verify(tok, HookStop, 42); err == nil {
		t.Fatal("token accepted for a different hook")
	} else if !errors.Is(err, ErrBadCallToken) {
		t.Fatalf("wrong hook error = %v", err)
	}
	if err := verifier.Verify(tok, HookStart, 43); err == nil {
		t.Fatal("token accepted for a different asset")
	}
	if err := verifier.Verify("not-a-token", HookStart, 42); err == nil {
		t.Fatal("garbage token accepted")
	}
}

func TestCallTokenKeepsLargeAssetIDExact(t *testing.T) {
	secret := []byte("token-test-secret")
	minter := NewTokenMinter("main", secret)
	verifier := NewTokenVerifier("main", secret)

	// Neighbouring ids past 2^53 collapse to the same float64; the string
	// claim must keep them apart.
	const id = int64(1)<<60 + 1
	tok, err := minter.Mint(HookStart, id, time.Now())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := verifier.Verify(tok, HookStart, id); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := verifier.Verify(tok, HookStart, id+1); !errors.Is(err, ErrBadCallToken) {
		t.Fatalf("neighbouring id error = %v, want ErrBadCallToken", err)
	}
}

func TestCallTokenRejectsForeignRegistry(t *testing.T) {
	secret := []byte("token-test-secret")
	minter := NewTokenMinter("east", secret)
	verifier := NewTokenVerifier("west", secret)

	tok, err := minter.Mint(HookStart, 7, time.Now())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := verifier.Verify(tok, HookStart, 7); !errors.Is(err, ErrBadCallToken) {
		t.Fatalf("foreign registry token error = %v, want ErrBadCallToken", err)
	}

	// Same registry name, different secret.
	other := NewTokenVerifier("east", []byte("another-secret"))
	if err := other.Verify(tok, HookStart, 7); !errors.Is(err, ErrBadCallToken) {
		t.Fatalf("wrong secret token error = %v, want ErrBadCallToken", err)
	}
}

func TestCallTokenExpires(t *testing.T) {
	secret := []byte("token-test-secret")
	minter := NewTokenMinter("main", secret)
	verifier := NewTokenVerifier("main", secret)

	tok, err := minter.Mint(HookStop, 1, time.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := verifier.Verify(tok, HookStop, 1); !errors.Is(err, ErrBadCallToken) {
		t.Fatalf("stale token error = %v, want ErrBadCallToken", err)
	}
}
