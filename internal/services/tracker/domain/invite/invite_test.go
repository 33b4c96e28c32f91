package invite

import (
	"errors"
	"testing"
	"time"
)

func TestValidateCode(t *testing.T) {
	t.Parallel()

	if err := ValidateCode("AB12CD"); err != nil {
		t.Fatalf("expected AB12CD to validate, got %v", err)
	}
	for _, code := range []string{"ab12cd", "AB12C", "AB12CD1", "", "AB 2CD", "AB12C!"} {
		if err := ValidateCode(code); !errors.Is(err, ErrMalformedCode) {
			t.Fatalf("expected %q to be rejected, got %v", code, err)
		}
	}
}

func TestGenerateCodeMatchesPattern(t *testing.T) {
	t.Parallel()

	for i := 0; i < 32; i++ {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("generate code: %v", err)
		}
		if err := ValidateCode(code); err != nil {
			t.Fatalf("generated code %q failed validation: %v", code, err)
		}
	}
}

func TestCreateAppliesDefaultExpiration(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	code, err := Create(CreateInput{SubmissiveID: "user-sub"}, func() time.Time { return now }, func() (string, error) { return "inv-1", nil })
	if err != nil {
		t.Fatalf("create invite code: %v", err)
	}
	if code.ID != "inv-1" {
		t.Fatalf("unexpected id %q", code.ID)
	}
	if got := code.ExpiresAt.Sub(code.CreatedAt); got != DefaultExpiration {
		t.Fatalf("expected 24h expiration, got %v", got)
	}
	if !code.Active(now.Add(23 * time.Hour)) {
		t.Fatal("expected code to be active before expiry")
	}
	if code.Active(now.Add(25 * time.Hour)) {
		t.Fatal("expected code to be inactive after expiry")
	}
}

func TestCreateRequiresSubmissive(t *testing.T) {
	t.Parallel()

	if _, err := Create(CreateInput{}, nil, nil); !errors.Is(err, ErrEmptySubmissiveID) {
		t.Fatalf("expected empty submissive error, got %v", err)
	}
}

func TestActiveRejectsUsedAndRevoked(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	code := InviteCode{ExpiresAt: now.Add(time.Hour)}
	if !code.Active(now) {
		t.Fatal("expected fresh code to be active")
	}

	used := now
	code.UsedAt = &used
	if code.Active(now) {
		t.Fatal("expected used code to be inactive")
	}

	code.UsedAt = nil
	code.RevokedAt = &used
	if code.Active(now) {
		t.Fatal("expected revoked code to be inactive")
	}
}
