package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningSecret = "unit-test-signing-secret"
	testIssuer        = "battlemap-auth"
	testCookieName    = "app_session"
)

func newTestValidator(t *testing.T, clock func() time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signToken(t *testing.T, secret, issuer string, issuedAt time.Time, lifetime time.Duration) string {
	t.Helper()
	claims := SessionClaims{
		UserID:          "user-a",
		UserDisplayName: "Alice",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-a",
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(lifetime)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func TestValidateTokenAcceptsWellFormedToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	validator := newTestValidator(t, func() time.Time { return now })
	token := signToken(t, testSigningSecret, testIssuer, now, time.Hour)

	claims, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("expected valid token, got %v", err)
	}
	if claims.UserID != "user-a" || claims.UserDisplayName != "Alice" {
		t.Fatalf("unexpected claims: %#v", claims)
	}
}

func TestValidateTokenRejectsExpiredToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	validator := newTestValidator(t, func() time.Time { return now })
	token := signToken(t, testSigningSecret, testIssuer, now.Add(-2*time.Hour), time.Hour)

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired-token error, got %v", err)
	}
}

func TestValidateTokenRejectsWrongIssuer(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	validator := newTestValidator(t, func() time.Time { return now })
	token := signToken(t, testSigningSecret, "someone-else", now, time.Hour)

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid-token error, got %v", err)
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	validator := newTestValidator(t, func() time.Time { return now })
	token := signToken(t, "some-other-secret", testIssuer, now, time.Hour)

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid-token error, got %v", err)
	}
}

func TestValidateTokenRejectsMissingSubject(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	validator := newTestValidator(t, func() time.Time { return now })

	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrMissingSessionSubject) {
		t.Fatalf("expected missing-subject error, got %v", err)
	}
}

func TestValidateTokenRejectsEmptyString(t *testing.T) {
	validator := newTestValidator(t, time.Now)
	if _, err := validator.ValidateToken("  "); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing-token error, got %v", err)
	}
}

func TestValidateRequestSourceOrder(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	validator := newTestValidator(t, func() time.Time { return now })
	token := signToken(t, testSigningSecret, testIssuer, now, time.Hour)

	bearer := httptest.NewRequest(http.MethodGet, "/maps/m1", nil)
	bearer.Header.Set("Authorization", "Bearer "+token)
	if _, err := validator.ValidateRequest(bearer); err != nil {
		t.Fatalf("expected bearer token to validate, got %v", err)
	}

	cookie := httptest.NewRequest(http.MethodGet, "/maps/m1", nil)
	cookie.AddCookie(&http.Cookie{Name: testCookieName, Value: token})
	if _, err := validator.ValidateRequest(cookie); err != nil {
		t.Fatalf("expected cookie token to validate, got %v", err)
	}

	query := httptest.NewRequest(http.MethodGet, "/maps/m1/stream?access_token="+token, nil)
	if _, err := validator.ValidateRequest(query); err != nil {
		t.Fatalf("expected query token to validate, got %v", err)
	}

	// A malformed bearer header wins over a valid cookie; the sources are
	// ordered, not merged.
	both := httptest.NewRequest(http.MethodGet, "/maps/m1", nil)
	both.Header.Set("Authorization", "Bearer not-a-token")
	both.AddCookie(&http.Cookie{Name: testCookieName, Value: token})
	if _, err := validator.ValidateRequest(both); err == nil {
		t.Fatal("expected the bearer header to take precedence")
	}

	bare := httptest.NewRequest(http.MethodGet, "/maps/m1", nil)
	if _, err := validator.ValidateRequest(bare); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing-token error, got %v", err)
	}
}
