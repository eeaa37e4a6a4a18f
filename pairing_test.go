package orion

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestPairingFlow(t *testing.T) {
	store := newMemStore()
	p := NewPairingManager(store, nil)
	ctx := context.Background()

	code, err := p.GenerateCode(ctx, "u1", "telegram")
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if len(code) != 6 || strings.Trim(code, "0123456789") != "" {
		t.Fatalf("code = %q, want 6 digits", code)
	}

	token, err := p.Confirm(ctx, code)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if len(token) != 128 {
		t.Fatalf("token length = %d, want 128 hex chars", len(token))
	}

	dt, err := p.Validate(ctx, token, "192.168.1.10:51234")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if dt.UserID != "u1" || dt.Channel != "telegram" {
		t.Errorf("token record = %+v", dt)
	}
}

func TestPairingCodeSingleUse(t *testing.T) {
	store := newMemStore()
	p := NewPairingManager(store, nil)
	ctx := context.Background()

	code, _ := p.GenerateCode(ctx, "u1", "telegram")
	if _, err := p.Confirm(ctx, code); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Confirm(ctx, code); err == nil {
		t.Fatal("second confirm of same code must fail")
	}
}

func TestPairingCodeExpiry(t *testing.T) {
	store := newMemStore()
	p := NewPairingManager(store, nil)
	ctx := context.Background()

	store.StorePairingSession(ctx, PairingSession{
		Code: "123456", UserID: "u1", Channel: "telegram",
		ExpiresAt: time.Now().Add(-time.Minute).Unix(),
	})
	if _, err := p.Confirm(ctx, "123456"); err == nil {
		t.Fatal("expired code must fail")
	}
}

func TestPairingRawTokenNeverStored(t *testing.T) {
	store := newMemStore()
	p := NewPairingManager(store, nil)
	ctx := context.Background()

	code, _ := p.GenerateCode(ctx, "u1", "telegram")
	token, _ := p.Confirm(ctx, code)

	for hash := range store.tokens {
		if hash == token {
			t.Fatal("raw token stored verbatim")
		}
		if len(hash) != 64 {
			t.Errorf("stored hash length = %d, want 64 hex chars", len(hash))
		}
	}
}

func TestPairingValidateRejectsRevoked(t *testing.T) {
	store := newMemStore()
	p := NewPairingManager(store, nil)
	ctx := context.Background()

	code, _ := p.GenerateCode(ctx, "u1", "telegram")
	token, _ := p.Confirm(ctx, code)
	if err := p.Revoke(ctx, token); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Validate(ctx, token, "10.0.0.1:1"); err == nil {
		t.Fatal("revoked token must fail validation")
	}
}

func TestPairingFailureThrottle(t *testing.T) {
	store := newMemStore()
	p := NewPairingManager(store, nil)
	ctx := context.Background()

	// Five bad attempts from the same host, rotating ports.
	for i := 0; i < 5; i++ {
		if _, err := p.Validate(ctx, "bogus", "203.0.113.7:40000"); err == nil {
			t.Fatal("bogus token validated")
		}
	}
	if _, err := p.Validate(ctx, "bogus", "203.0.113.7:40001"); err != ErrPairingThrottled {
		t.Fatalf("got %v, want ErrPairingThrottled", err)
	}

	// A different host is unaffected.
	if _, err := p.Validate(ctx, "bogus", "203.0.113.8:40000"); err == ErrPairingThrottled {
		t.Fatal("throttle leaked across client prefixes")
	}

	// A throttled host cannot validate even a real token.
	code, _ := p.GenerateCode(ctx, "u1", "telegram")
	token, _ := p.Confirm(ctx, code)
	if _, err := p.Validate(ctx, token, "203.0.113.7:40002"); err != ErrPairingThrottled {
		t.Fatalf("got %v, want ErrPairingThrottled for real token from throttled host", err)
	}
}
