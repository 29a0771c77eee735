package sasl

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrBearerInvalid is returned by ParseBearerAssertion for any token that
// fails signature verification, is expired, or carries no subject.
var ErrBearerInvalid = errors.New("sasl: invalid bearer assertion")

// bearerClaims is the minimal claim set the IMAP core's AUTHENTICATE
// BEARER mechanism trusts: the subject names the mailbox user, optionally
// qualified as user@domain the same way LOGIN usernames are.
type bearerClaims struct {
	jwt.RegisteredClaims
}

// ParseBearerAssertion verifies tokenString against secret (HS256) and
// returns the subject claim to use as the login identity. It never
// contacts a backend; the caller decides what a verified subject is
// allowed to do.
func ParseBearerAssertion(tokenString, secret string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &bearerClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("sasl: unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBearerInvalid, err)
	}
	claims, ok := token.Claims.(*bearerClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrBearerInvalid
	}
	return claims.Subject, nil
}
