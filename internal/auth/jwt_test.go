package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "unit-test-secret"

func TestTokenRoundtrip(t *testing.T) {
	userID := uuid.New()
	token, err := GenerateToken(userID, "dev@example.com", true, testSecret, time.Hour)
	require.NoError(t, err)

	claims, err := ValidateToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "dev@example.com", claims.Email)
	assert.True(t, claims.IsAdmin)
	assert.Equal(t, userID.String(), claims.Subject)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	token, err := GenerateToken(uuid.New(), "", false, testSecret, time.Hour)
	require.NoError(t, err)

	_, err = ValidateToken(token, "other-secret")
	assert.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	token, err := GenerateToken(uuid.New(), "", false, testSecret, -time.Minute)
	require.NoError(t, err)

	_, err = ValidateToken(token, testSecret)
	assert.Error(t, err)
}

func TestValidateRejectsGarbage(t *testing.T) {
	_, err := ValidateToken("not.a.token", testSecret)
	assert.Error(t, err)
}
