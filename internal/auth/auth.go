// Package auth verifies session tokens and resolves them to a user
// identity. Producers must present one; viewers may connect without.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CookieName is the session cookie shared with the CRUD front end.
const CookieName = "rolegraph_token"

const (
	issuer     = "rolegraph"
	defaultTTL = 24 * time.Hour
	clockSkew  = 30 * time.Second
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type Service struct {
	jwtSecret []byte
	tokenTTL  time.Duration
	parser    *jwt.Parser
}

func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  defaultTTL,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithLeeway(clockSkew),
			jwt.WithExpirationRequired(),
		),
	}
}

func (s *Service) GenerateToken(userID, username string) (string, error) {
	return s.GenerateTokenWithTTL(userID, username, s.tokenTTL)
}

func (s *Service) GenerateTokenWithTTL(userID, username string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("token requires a user id")
	}
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

// ValidateToken checks signature, issuer and expiry. Every failure is
// reported as ErrInvalidToken.
func (s *Service) ValidateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := s.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// falling back to the session cookie.
func TokenFromRequest(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		scheme, token, ok := strings.Cut(authHeader, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(CookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// Identify returns the user id for the request, or "" for an anonymous
// caller. A bad token is treated the same as no token.
func (s *Service) Identify(r *http.Request) string {
	tokenStr := TokenFromRequest(r)
	if tokenStr == "" {
		return ""
	}
	claims, err := s.ValidateToken(tokenStr)
	if err != nil {
		return ""
	}
	return claims.UserID
}
