package crypto

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// SessionVerifier validates HMAC-signed session tokens issued by the CRM's
// auth service.
type SessionVerifier struct {
	secret []byte
}

func NewSessionVerifier(secret string) (*SessionVerifier, error) {
	if secret == "" {
		return nil, errors.New("crypto: session secret cannot be empty")
	}
	return &SessionVerifier{secret: []byte(secret)}, nil
}

func (v *SessionVerifier) VerifyToken(tokenStr string) (*SessionClaims, error) {
	claims := &SessionClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("crypto: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("crypto: token verification failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("crypto: token invalid")
	}

	return claims, nil
}
