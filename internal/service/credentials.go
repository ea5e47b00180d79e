package service

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// PasswordMode selects how new credentials are stored.
type PasswordMode string

const (
	// PasswordPlaintext stores and compares passwords as given. It matches the
	// format of every existing store and snapshot.
	PasswordPlaintext PasswordMode = "plaintext"
	// PasswordBcrypt stores bcrypt hashes and upgrades plaintext rows on login.
	PasswordBcrypt PasswordMode = "bcrypt"
)

// PasswordVerifier encodes and checks stored credentials. Hashed rows are
// always accepted, so a store can move between modes.
type PasswordVerifier struct {
	mode PasswordMode
	cost int
}

func NewPasswordVerifier(mode PasswordMode) (*PasswordVerifier, error) {
	switch PasswordMode(strings.ToLower(strings.TrimSpace(string(mode)))) {
	case "", PasswordPlaintext:
		return &PasswordVerifier{mode: PasswordPlaintext, cost: bcrypt.DefaultCost}, nil
	case PasswordBcrypt:
		return &PasswordVerifier{mode: PasswordBcrypt, cost: bcrypt.DefaultCost}, nil
	default:
		return nil, fmt.Errorf("unknown password mode %q", mode)
	}
}

func (v *PasswordVerifier) Mode() PasswordMode {
	return v.mode
}

// Encode returns the stored form of a new password.
func (v *PasswordVerifier) Encode(plain string) (string, error) {
	if v.mode == PasswordPlaintext {
		return plain, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), v.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether plain matches stored, and whether stored should be
// rewritten in the current mode.
func (v *PasswordVerifier) Verify(stored, plain string) (ok, upgrade bool) {
	if isBcryptHash(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(plain)) == nil, false
	}
	ok = subtle.ConstantTimeCompare([]byte(stored), []byte(plain)) == 1
	return ok, ok && v.mode == PasswordBcrypt
}

func isBcryptHash(s string) bool {
	return len(s) == 60 && (strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$"))
}
