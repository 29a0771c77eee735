package sasl

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret, subject string, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestParseBearerAssertion(t *testing.T) {
	const secret = "test-signing-secret"
	valid := signToken(t, secret, "alice@example.com", time.Now().Add(time.Hour))

	subject, err := ParseBearerAssertion(valid, secret)
	if err != nil {
		t.Fatalf("ParseBearerAssertion: %v", err)
	}
	if subject != "alice@example.com" {
		t.Errorf("subject = %q", subject)
	}
}

func TestParseBearerAssertionRejections(t *testing.T) {
	const secret = "test-signing-secret"
	cases := []struct {
		name  string
		token string
	}{
		{"wrong secret", signToken(t, "other-secret", "alice@example.com", time.Now().Add(time.Hour))},
		{"expired", signToken(t, secret, "alice@example.com", time.Now().Add(-time.Hour))},
		{"empty subject", signToken(t, secret, "", time.Now().Add(time.Hour))},
		{"garbage", "not.a.jwt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseBearerAssertion(tc.token, secret); !errors.Is(err, ErrBearerInvalid) {
				t.Errorf("expected ErrBearerInvalid, got %v", err)
			}
		})
	}
}
