package websocket

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCustomClaims_Validate(t *testing.T) {
	claims := &CustomClaims{}
	assert.NoError(t, claims.Validate(nil))
}

func TestNewAuth0JWTValidator_Success(t *testing.T) {
	validator, err := NewAuth0JWTValidator("test.auth0.com", "https://api.settlement.test")
	assert.NoError(t, err)
	assert.NotNil(t, validator)
	assert.NotNil(t, validator.validator)
}

func TestAuth0JWTValidator_ValidateToken_InvalidJWT(t *testing.T) {
	validator, err := NewAuth0JWTValidator("test.auth0.com", "https://api.settlement.test")
	assert.NoError(t, err)

	subject, err := validator.ValidateToken("invalid-token")
	assert.Error(t, err)
	assert.Empty(t, subject)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}
