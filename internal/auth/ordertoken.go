// Package auth issues and checks the order tokens buyers show to sellers
// when collecting a paid purchase.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for tokens that are malformed, expired or
// signed with another key.
var ErrInvalidToken = errors.New("invalid order token")

const issuer = "marketplace-core"

// OrderClaims identifies the purchase an order token was issued for.
type OrderClaims struct {
	PurchaseID int64 `json:"purchase_id"`
	UserID     int64 `json:"user_id"`
	jwt.RegisteredClaims
}

// OrderTokens signs order tokens with an HMAC secret.
type OrderTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewOrderTokens creates a signer whose tokens live for ttl
func NewOrderTokens(secret string, ttl time.Duration, now func() time.Time) *OrderTokens {
	if now == nil {
		now = time.Now
	}
	return &OrderTokens{secret: []byte(secret), ttl: ttl, now: now}
}

// Issue creates a token for the purchase and returns it with its expiry.
func (o *OrderTokens) Issue(purchaseID, userID int64) (string, time.Time, error) {
	issuedAt := o.now()
	expiresAt := issuedAt.Add(o.ttl)

	claims := OrderClaims{
		PurchaseID: purchaseID,
		UserID:     userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   strconv.FormatInt(purchaseID, 10),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(o.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing order token: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse validates a token and returns its claims.
func (o *OrderTokens) Parse(tokenStr string) (*OrderClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &OrderClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return o.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(o.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*OrderClaims)
	if !ok || !token.Valid || claims.PurchaseID == 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
