package services

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velora/feedrank/internal/config"
	"github.com/velora/feedrank/pkg/models"
)

func newTestAuthService() *AuthService {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.TokenTTL = time.Hour
	return NewAuthService(cfg, logger, nil)
}

func TestTokenRoundTrip(t *testing.T) {
	auth := newTestAuthService()
	viewerID := uuid.New()

	token, err := auth.GenerateToken(viewerID, models.ScopeViewer)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, viewerID, claims.ViewerID)
	assert.Equal(t, models.ScopeViewer, claims.Scope)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	auth := newTestAuthService()

	_, err := auth.ValidateToken("not-a-token")
	assert.Error(t, err)

	_, err = auth.ValidateToken("")
	assert.Error(t, err)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	auth := newTestAuthService()
	token, err := auth.GenerateToken(uuid.New(), models.ScopeOperator)
	require.NoError(t, err)

	other := newTestAuthService()
	other.jwtSecret = []byte("different-secret")

	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.TokenTTL = -time.Hour
	auth := NewAuthService(cfg, logger, nil)

	token, err := auth.GenerateToken(uuid.New(), models.ScopeViewer)
	require.NoError(t, err)

	_, err = auth.ValidateToken(token)
	assert.Error(t, err)
}

func TestRevokeTokenWithoutRedis(t *testing.T) {
	auth := newTestAuthService()
	assert.NoError(t, auth.RevokeToken(uuid.New()))
}
