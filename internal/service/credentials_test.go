package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestPasswordVerifier(t *testing.T) {
	plain, err := NewPasswordVerifier("")
	require.NoError(t, err)
	assert.Equal(t, PasswordPlaintext, plain.Mode())

	hashed, err := NewPasswordVerifier("BCRYPT")
	require.NoError(t, err)
	assert.Equal(t, PasswordBcrypt, hashed.Mode())

	_, err = NewPasswordVerifier("rot13")
	assert.Error(t, err)

	stored, err := plain.Encode("admin123")
	require.NoError(t, err)
	assert.Equal(t, "admin123", stored)

	hash, err := hashed.Encode("admin123")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$2"))

	tests := []struct {
		name        string
		v           *PasswordVerifier
		stored      string
		plain       string
		wantOK      bool
		wantUpgrade bool
	}{
		{"plaintext match", plain, "admin123", "admin123", true, false},
		{"plaintext mismatch", plain, "admin123", "admin12", false, false},
		{"hash accepted in plaintext mode", plain, hash, "admin123", true, false},
		{"plaintext row upgraded in bcrypt mode", hashed, "admin123", "admin123", true, true},
		{"wrong password never upgrades", hashed, "admin123", "nope", false, false},
		{"hash match", hashed, hash, "admin123", true, false},
		{"hash mismatch", hashed, hash, "nope", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, upgrade := tt.v.Verify(tt.stored, tt.plain)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantUpgrade, upgrade)
		})
	}
}

func TestLogin_UpgradesPlaintextRowsInBcryptMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	verifier, err := NewPasswordVerifier(PasswordBcrypt)
	require.NoError(t, err)
	verifier.cost = bcrypt.MinCost
	sessions := NewSessionService(f.manager, f.kv, SessionConfig{Passwords: verifier, Logger: f.logger})

	ok, err := sessions.Login(ctx, "admin", "admin123")
	require.NoError(t, err)
	require.True(t, ok)

	rs, err := f.manager.Query(ctx, `SELECT password FROM users WHERE username = 'admin'`)
	require.NoError(t, err)
	stored := rs.Rows[0][0].(string)
	assert.NotEqual(t, "admin123", stored)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored), []byte("admin123")))

	ok, err = sessions.Login(ctx, "admin", "admin123")
	require.NoError(t, err)
	assert.True(t, ok, "hashed row still accepts the password")
}
