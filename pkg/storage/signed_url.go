package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Token errors.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Grant is the payload bound into a signed token.
type Grant struct {
	Scope     string
	Subject   string
	Path      string
	ExpiresAt time.Time
}

// SignedURLSigner creates and validates short-lived HMAC tokens for photo
// downloads and upload slots.
type SignedURLSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSignedURLSigner constructs a signer with the provided secret and TTL.
func NewSignedURLSigner(secret string, ttl time.Duration) *SignedURLSigner {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SignedURLSigner{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// TTL reports the lifetime of issued tokens.
func (s *SignedURLSigner) TTL() time.Duration {
	return s.ttl
}

// Generate returns a token binding scope, subject and path until the signer's TTL elapses.
func (s *SignedURLSigner) Generate(scope, subject, relPath string) (string, time.Time, error) {
	if scope == "" || subject == "" {
		return "", time.Time{}, fmt.Errorf("scope and subject required")
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("signing secret missing")
	}
	expiresAt := s.now().Add(s.ttl).Truncate(time.Second)
	parts := []string{
		encode(scope),
		encode(subject),
		encode(relPath),
		strconv.FormatInt(expiresAt.Unix(), 10),
	}
	payload := strings.Join(parts, ".")
	return payload + "." + s.sign(payload), expiresAt, nil
}

// Parse validates a token for the expected scope and returns its grant.
// When allowExpired is true, the timestamp check is skipped.
func (s *SignedURLSigner) Parse(token, scope string, allowExpired bool) (*Grant, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 5 {
		return nil, ErrTokenInvalid
	}
	payload := strings.Join(parts[:4], ".")
	if !hmac.Equal([]byte(s.sign(payload)), []byte(parts[4])) {
		return nil, ErrTokenInvalid
	}

	decoded := make([]string, 3)
	for i := range decoded {
		raw, err := base64.RawURLEncoding.DecodeString(parts[i])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}
		decoded[i] = string(raw)
	}
	if decoded[0] != scope {
		return nil, ErrTokenInvalid
	}
	expUnix, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	grant := &Grant{Scope: decoded[0], Subject: decoded[1], Path: decoded[2], ExpiresAt: time.Unix(expUnix, 0).UTC()}
	if !allowExpired && s.now().After(grant.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	return grant, nil
}

func (s *SignedURLSigner) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func encode(v string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(v))
}
