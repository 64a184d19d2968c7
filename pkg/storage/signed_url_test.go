package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignedURLSignerGenerateAndParse(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Hour)
	token, expiresAt, err := signer.Generate("photo", "session-1.user@school", "sessions/s1/u1/a.jpg")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.False(t, expiresAt.IsZero())

	grant, err := signer.Parse(token, "photo", false)
	require.NoError(t, err)
	assert.Equal(t, "session-1.user@school", grant.Subject)
	assert.Equal(t, "sessions/s1/u1/a.jpg", grant.Path)
	assert.WithinDuration(t, expiresAt, grant.ExpiresAt, time.Second)
}

func TestSignedURLSignerScopeMismatch(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Hour)
	token, _, err := signer.Generate("upload", "s1:u1", "")
	require.NoError(t, err)

	_, err = signer.Parse(token, "photo", false)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	grant, err := signer.Parse(token, "upload", false)
	require.NoError(t, err)
	assert.Empty(t, grant.Path)
}

func TestSignedURLSignerTampered(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Hour)
	token, _, err := signer.Generate("photo", "s1", "sessions/s1/u1/a.jpg")
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	parts[2] = encode("sessions/s2/u9/b.jpg")
	_, err = signer.Parse(strings.Join(parts, "."), "photo", false)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	other := NewSignedURLSigner("other", time.Hour)
	_, err = other.Parse(token, "photo", false)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = signer.Parse("garbage", "photo", false)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestSignedURLSignerExpired(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Minute)
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	signer.now = func() time.Time { return base }
	token, _, err := signer.Generate("photo", "s1", "sessions/s1/u1/a.jpg")
	require.NoError(t, err)

	signer.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = signer.Parse(token, "photo", false)
	assert.ErrorIs(t, err, ErrTokenExpired)

	grant, err := signer.Parse(token, "photo", true)
	require.NoError(t, err)
	assert.Equal(t, "s1", grant.Subject)
}
