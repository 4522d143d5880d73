package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	InitJWT("test-secret-0123456789", time.Hour)

	token, err := GenerateToken(7, "Front Desk", "staff")
	require.NoError(t, err)

	claims, err := ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, uint(7), claims.UserID)
	assert.Equal(t, "Front Desk", claims.Name)
	assert.Equal(t, "staff", claims.Role)

	BlacklistToken(token, time.Now().Add(time.Hour))
	_, err = ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseToken_RejectsOtherSecret(t *testing.T) {
	InitJWT("first-secret-0123456789", time.Hour)
	token, err := GenerateToken(1, "Admin", "admin")
	require.NoError(t, err)

	InitJWT("second-secret-0123456789", time.Hour)
	_, err = ParseToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestFormatUSD(t *testing.T) {
	assert.Equal(t, "$9,999.99", FormatUSD(999999))
	assert.Equal(t, "$10,000.00", FormatUSD(1000000))
	assert.Equal(t, "$0.05", FormatUSD(5))
	assert.Equal(t, "-$40.00", FormatUSD(-4000))
}
