// Package auth guards administrative proposal operations with a shared secret.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrAdminDisabled      = errors.New("admin secret not configured")
	ErrInvalidAdminSecret = errors.New("invalid admin secret")
)

// Admin verifies the secret presented by administrative callers. A bcrypt
// hash takes precedence over a plain secret when both are configured.
type Admin struct {
	secret []byte
	hash   []byte
}

func NewAdmin(secret, hash string) Admin {
	a := Admin{}
	if s := strings.TrimSpace(secret); s != "" {
		a.secret = []byte(s)
	}
	if h := strings.TrimSpace(hash); h != "" {
		a.hash = []byte(h)
	}
	return a
}

// Enabled reports whether any secret is configured. Without one every
// administrative call is refused.
func (a Admin) Enabled() bool {
	return len(a.secret) > 0 || len(a.hash) > 0
}

func (a Admin) Verify(candidate string) error {
	if !a.Enabled() {
		return ErrAdminDisabled
	}
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return ErrInvalidAdminSecret
	}
	if len(a.hash) > 0 {
		if err := bcrypt.CompareHashAndPassword(a.hash, []byte(candidate)); err != nil {
			return ErrInvalidAdminSecret
		}
		return nil
	}
	// Compare digests so the comparison time does not depend on length.
	want := sha256.Sum256(a.secret)
	got := sha256.Sum256([]byte(candidate))
	if !hmac.Equal(want[:], got[:]) {
		return ErrInvalidAdminSecret
	}
	return nil
}

// HashSecret returns the bcrypt hash to put in ADMIN_SECRET_HASH.
func HashSecret(secret string) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("secret is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}
