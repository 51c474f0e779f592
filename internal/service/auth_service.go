package service

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wahub-labs/wa-device-hub/internal/config"
	"golang.org/x/crypto/bcrypt"
)

// ErrBadCredentials is returned for wrong operator credentials or tokens.
var ErrBadCredentials = errors.New("invalid username or password")

const tokenTTL = 12 * time.Hour

// AuthService guards the hub's API with a single operator account. When
// disabled it waves everything through, so small single-tenant deployments
// can skip the login flow entirely.
type AuthService struct {
	enabled  bool
	username string
	password string
	secret   []byte
}

// Claims is the JWT payload issued to a logged-in operator.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// NewAuthService builds the service from the auth config section, falling
// back to development defaults for anything left blank.
func NewAuthService(cfg *config.Config) *AuthService {
	pick := func(v, fallback string) string {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
		return fallback
	}
	return &AuthService{
		enabled:  cfg.Auth.Enabled,
		username: pick(cfg.Auth.Username, "admin"),
		password: pick(cfg.Auth.Password, "admin123"),
		secret:   []byte(pick(cfg.Auth.JWTSecret, "wa-device-hub-default-secret")),
	}
}

// Enabled reports whether authentication is enforced.
func (a *AuthService) Enabled() bool {
	return a != nil && a.enabled
}

// Username returns the configured operator username.
func (a *AuthService) Username() string {
	if a == nil {
		return ""
	}
	return a.username
}

// Authenticate checks operator credentials and issues a signed token. With
// auth disabled it returns an empty token and no error.
func (a *AuthService) Authenticate(username, password string) (string, error) {
	if !a.Enabled() {
		return "", nil
	}
	if !a.checkUsername(username) || !a.checkPassword(password) {
		return "", ErrBadCredentials
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Username: a.username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "wa-device-hub",
			Subject:   a.username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	})
	return token.SignedString(a.secret)
}

// Validate parses and verifies a token, returning its claims.
func (a *AuthService) Validate(token string) (*Claims, error) {
	if !a.Enabled() {
		return &Claims{Username: "anonymous"}, nil
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{},
		func(*jwt.Token) (interface{}, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrBadCredentials
	}
	return claims, nil
}

func (a *AuthService) checkUsername(input string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(input)), []byte(a.username)) == 1
}

// checkPassword accepts either a bcrypt hash or a plain secret in config.
func (a *AuthService) checkPassword(input string) bool {
	if strings.HasPrefix(a.password, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(a.password), []byte(input)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(input), []byte(a.password)) == 1
}
