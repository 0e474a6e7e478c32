package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewService("my-jwt-secret")

	token, err := svc.GenerateToken("agent-7", "planner")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-7", claims.UserID)
	assert.Equal(t, "planner", claims.Username)
	assert.Equal(t, "agent-7", claims.Subject)
	assert.Equal(t, issuer, claims.Issuer)
	assert.WithinDuration(t, time.Now().Add(defaultTTL), claims.ExpiresAt.Time, 5*time.Second)
}

func TestGenerateTokenRequiresUserID(t *testing.T) {
	_, err := NewService("s").GenerateToken("", "nobody")
	assert.Error(t, err)
}

func TestGenerateTokenWithTTL(t *testing.T) {
	svc := NewService("secret")
	token, err := svc.GenerateTokenWithTTL("uid-456", "bob", 2*time.Hour)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), claims.ExpiresAt.Time, 5*time.Second)
	assert.WithinDuration(t, time.Now(), claims.IssuedAt.Time, 5*time.Second)
}

func TestValidateTokenRejects(t *testing.T) {
	svc := NewService("secret")

	expired, err := svc.GenerateTokenWithTTL("u", "u", -time.Hour)
	require.NoError(t, err)

	otherSecret, err := NewService("other").GenerateToken("u", "u")
	require.NoError(t, err)

	foreignIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: "u",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID:           "u",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	wrongAlg, err := jwt.NewWithClaims(jwt.SigningMethodHS512, &Claims{
		UserID: "u",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	cases := map[string]string{
		"empty":          "",
		"garbage":        "not.a.jwt",
		"expired":        expired,
		"wrong secret":   otherSecret,
		"foreign issuer": foreignIssuer,
		"no expiry":      noExpiry,
		"wrong alg":      wrongAlg,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.ValidateToken(token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	cases := []struct {
		name   string
		header string
		cookie string
		want   string
	}{
		{"bearer", "Bearer abc", "", "abc"},
		{"lowercase scheme", "bearer  abc ", "", "abc"},
		{"basic ignored", "Basic Zm9v", "", ""},
		{"cookie fallback", "", "from-cookie", "from-cookie"},
		{"header wins", "Bearer hdr", "from-cookie", "hdr"},
		{"none", "", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			if tc.cookie != "" {
				r.AddCookie(&http.Cookie{Name: CookieName, Value: tc.cookie})
			}
			assert.Equal(t, tc.want, TokenFromRequest(r))
		})
	}
}

func TestIdentify(t *testing.T) {
	svc := NewService("secret")
	token, err := svc.GenerateToken("viewer-1", "ana")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/ws", nil)
	assert.Equal(t, "", svc.Identify(r), "anonymous")

	r.Header.Set("Authorization", "Bearer "+token)
	assert.Equal(t, "viewer-1", svc.Identify(r))

	r.Header.Set("Authorization", "Bearer tampered"+token)
	assert.Equal(t, "", svc.Identify(r), "a bad token is anonymous, not an error")
}
