package auth

import (
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestAdminVerifyPlainSecret(t *testing.T) {
	admin := NewAdmin("s3cret", "")
	if !admin.Enabled() {
		t.Fatal("expected admin to be enabled")
	}
	if err := admin.Verify("s3cret"); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if err := admin.Verify(" s3cret "); err != nil {
		t.Fatalf("Verify() with padding error = %v", err)
	}
	for _, candidate := range []string{"", "s3cre", "s3cret!", "S3CRET"} {
		if err := admin.Verify(candidate); !errors.Is(err, ErrInvalidAdminSecret) {
			t.Fatalf("Verify(%q) error = %v, want ErrInvalidAdminSecret", candidate, err)
		}
	}
}

func TestAdminVerifyHashTakesPrecedence(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword() error = %v", err)
	}
	admin := NewAdmin("plain", string(hash))
	if err := admin.Verify("hashed"); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if err := admin.Verify("plain"); !errors.Is(err, ErrInvalidAdminSecret) {
		t.Fatalf("Verify(plain) error = %v, want ErrInvalidAdminSecret", err)
	}
}

func TestAdminDisabledRefusesEverything(t *testing.T) {
	admin := NewAdmin("  ", "")
	if admin.Enabled() {
		t.Fatal("expected admin to be disabled")
	}
	if err := admin.Verify("anything"); !errors.Is(err, ErrAdminDisabled) {
		t.Fatalf("Verify() error = %v, want ErrAdminDisabled", err)
	}
}

func TestHashSecretRoundTrip(t *testing.T) {
	hash, err := HashSecret("rotate-me")
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}
	if err := NewAdmin("", hash).Verify("rotate-me"); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if _, err := HashSecret(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
