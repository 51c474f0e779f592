package service_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wahub-labs/wa-device-hub/internal/config"
	"github.com/wahub-labs/wa-device-hub/internal/service"
	"golang.org/x/crypto/bcrypt"
)

func authConfig(enabled bool, username, password, secret string) *config.Config {
	cfg := &config.Config{}
	cfg.Auth.Enabled = enabled
	cfg.Auth.Username = username
	cfg.Auth.Password = password
	cfg.Auth.JWTSecret = secret
	return cfg
}

func TestAuthDisabledPassesThrough(t *testing.T) {
	auth := service.NewAuthService(authConfig(false, "", "", ""))

	require.False(t, auth.Enabled())
	token, err := auth.Authenticate("anyone", "anything")
	require.NoError(t, err)
	require.Empty(t, token)

	claims, err := auth.Validate("not-even-a-token")
	require.NoError(t, err)
	require.Equal(t, "anonymous", claims.Username)
}

func TestAuthenticateAndValidate(t *testing.T) {
	auth := service.NewAuthService(authConfig(true, "operator", "hunter2", "test-secret"))

	token, err := auth.Authenticate("operator", "hunter2")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := auth.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "operator", claims.Username)

	_, err = auth.Authenticate("operator", "wrong")
	require.Error(t, err)
	_, err = auth.Authenticate("intruder", "hunter2")
	require.Error(t, err)
	_, err = auth.Validate("garbage.token.here")
	require.Error(t, err)
}

func TestAuthenticateBcryptPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	auth := service.NewAuthService(authConfig(true, "operator", string(hash), "test-secret"))

	token, err := auth.Authenticate("operator", "hunter2")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = auth.Authenticate("operator", "wrong")
	require.Error(t, err)
}

func TestTokenSignedWithDifferentSecretRejected(t *testing.T) {
	issuer := service.NewAuthService(authConfig(true, "operator", "hunter2", "secret-a"))
	verifier := service.NewAuthService(authConfig(true, "operator", "hunter2", "secret-b"))

	token, err := issuer.Authenticate("operator", "hunter2")
	require.NoError(t, err)

	_, err = verifier.Validate(token)
	require.Error(t, err)
}
