package service

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const resetPurpose = "password_reset"

var errEmptySecret = errors.New("reset token secret is empty")

// ResetClaims is the payload of a password-reset token. Fingerprint binds
// the token to the password hash it was issued against, so the token stops
// working once the password changes.
type ResetClaims struct {
	Purpose     string `json:"purpose"`
	Fingerprint string `json:"fp"`
	jwt.RegisteredClaims
}

// ResetTokens issues and verifies HS256 password-reset tokens.
type ResetTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewResetTokens creates a token issuer. A non-positive ttl means one hour.
func NewResetTokens(secret string, ttl time.Duration) *ResetTokens {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ResetTokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for userID bound to passwordHash.
func (t *ResetTokens) Issue(userID int64, passwordHash string) (string, time.Time, error) {
	if len(t.secret) == 0 {
		return "", time.Time{}, errEmptySecret
	}

	now := t.now()
	expires := now.Add(t.ttl)
	claims := &ResetClaims{
		Purpose:     resetPurpose,
		Fingerprint: fingerprint(passwordHash),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign reset token: %w", err)
	}
	return signed, expires, nil
}

// Parse validates signature, expiry and purpose and returns the user id and
// password fingerprint carried by the token.
func (t *ResetTokens) Parse(token string) (int64, string, error) {
	claims := &ResetClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Purpose != resetPurpose {
		return 0, "", ErrInvalidToken
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, "", ErrInvalidToken
	}
	return id, claims.Fingerprint, nil
}

// Matches reports whether fp was issued against passwordHash.
func (t *ResetTokens) Matches(fp, passwordHash string) bool {
	return fp != "" && fp == fingerprint(passwordHash)
}

func fingerprint(passwordHash string) string {
	sum := sha256.Sum256([]byte(passwordHash))
	return hex.EncodeToString(sum[:8])
}
