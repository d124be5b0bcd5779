// auth.go handles account authentication for the exchange's REST/WS API.
//
// Where the teacher's internal/exchange/auth.go derived Polymarket L2 HMAC
// credentials from an L1 EIP-712 wallet signature, this Auth issues and
// verifies our own JWT session tokens from a login (username + bcrypt hash)
// — same struct shape (an Auth type wrapping a secret plus Sign/Validate-ish
// methods), entirely different cryptography since there's no external CLOB
// to authenticate against.
package server

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"
)

// Auth issues and validates JWT session tokens for trading accounts.
type Auth struct {
	secret     []byte
	expiry     time.Duration
	bcryptCost int
}

// NewAuth creates an Auth instance from server config.
func NewAuth(secret string, expiry time.Duration, bcryptCost int) *Auth {
	return &Auth{secret: []byte(secret), expiry: expiry, bcryptCost: bcryptCost}
}

// Claims is the JWT payload identifying the authenticated account.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// IssueToken signs a new session token for userID.
func (a *Auth) IssueToken(userID string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a session token, returning its claims.
func (a *Auth) ValidateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("auth: invalid token")
	}
	return claims, nil
}

// HashPassword bcrypt-hashes a plaintext password for storage.
func (a *Auth) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password against its stored bcrypt hash.
func (a *Auth) CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
