package payoutgw

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenTTL = 10 * time.Minute

// ServiceClaims identify the settlement engine to the gateway.
type ServiceClaims struct {
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// SignServiceToken issues an HS256 bearer token for clientID.
func SignServiceToken(clientID string, secret []byte, now time.Time, ttl time.Duration) (string, time.Time, error) {
	if clientID == "" {
		return "", time.Time{}, errors.New("payoutgw: empty client id")
	}
	if len(secret) == 0 {
		return "", time.Time{}, errors.New("payoutgw: empty signing secret")
	}
	if ttl <= 0 {
		ttl = tokenTTL
	}
	expires := now.Add(ttl)
	claims := ServiceClaims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "settlement-engine",
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// ParseServiceToken validates a bearer token issued by SignServiceToken.
func ParseServiceToken(tokenString string, secret []byte) (*ServiceClaims, error) {
	if tokenString == "" {
		return nil, errors.New("payoutgw: empty token")
	}
	if len(secret) == 0 {
		return nil, errors.New("payoutgw: empty secret")
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	claims := &ServiceClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("payoutgw: invalid signing method")
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("payoutgw: invalid token")
	}
	if claims.ClientID == "" {
		return nil, errors.New("payoutgw: missing client_id")
	}
	return claims, nil
}
