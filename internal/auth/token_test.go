package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMintVerifyRoundTrip(t *testing.T) {
	//1.- Mint a token and verify it against the same channel.
	keeper, err := NewTokenKeeper("shared-secret", 0)
	if err != nil {
		t.Fatalf("NewTokenKeeper failed: %v", err)
	}
	base := time.Unix(1_700_000_000, 0)
	keeper.WithClock(func() time.Time { return base })

	token, err := keeper.Mint("rig-7", "camera", time.Minute)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	claims, err := keeper.Verify(token, "camera")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.Producer != "rig-7" || claims.Channel != "camera" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !claims.ExpiresAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("unexpected expiry: %v", claims.ExpiresAt)
	}
}

func TestVerifyRejectsWrongChannel(t *testing.T) {
	keeper, _ := NewTokenKeeper("shared-secret", 0)
	token, err := keeper.Mint("rig-7", "camera", time.Minute)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if _, err := keeper.Verify(token, "depth"); !errors.Is(err, ErrChannelMismatch) {
		t.Fatalf("expected channel mismatch, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	keeper, _ := NewTokenKeeper("shared-secret", 0)
	base := time.Unix(1_700_000_000, 0)
	keeper.WithClock(func() time.Time { return base })
	token, err := keeper.Mint("rig-7", "camera", time.Second)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	keeper.WithClock(func() time.Time { return base.Add(time.Hour) })
	if _, err := keeper.Verify(token, "camera"); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expiry error, got %v", err)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	keeper, _ := NewTokenKeeper("shared-secret", 0)
	token, err := keeper.Mint("rig-7", "camera", time.Minute)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	//1.- Flip a payload byte; the signature must no longer match.
	parts := strings.Split(token, ".")
	mutated := parts[0] + "." + parts[1][:len(parts[1])-2] + "zz" + "." + parts[2]
	if _, err := keeper.Verify(mutated, "camera"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if _, err := keeper.Verify("not-a-token", "camera"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token for malformed input, got %v", err)
	}
}

func TestKeeperRequiresSecret(t *testing.T) {
	if _, err := NewTokenKeeper("  ", 0); err == nil {
		t.Fatalf("expected empty secret rejection")
	}
}
