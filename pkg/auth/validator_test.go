package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
)

var testSecret = []byte("test-signing-secret")

func mintToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	assert.NoError(t, err)
	return signed
}

func TestJWTValidatorValid(t *testing.T) {
	validator := NewJWTValidator(JWTConfig{Secret: testSecret})

	now := time.Now()
	signed := mintToken(t, testSecret, jwt.MapClaims{
		"sub":   "user-1",
		"tid":   "tenant-1",
		"sid":   "session-1",
		"email": "user-1@example.com",
		"scope": []string{"graph:read", "graph:write"},
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})

	payload, err := validator.Validate(context.Background(), signed)
	assert.NoError(t, err)
	assert.Equal(t, "user-1", payload.UserID)
	assert.Equal(t, "tenant-1", payload.TenantID)
	assert.Equal(t, "session-1", payload.SessionID)
	assert.Equal(t, "user-1@example.com", payload.Email)
	assert.Equal(t, []string{"graph:read", "graph:write"}, payload.Scopes)
	assert.False(t, payload.ExpiresAt.IsZero())
}

func TestJWTValidatorOptionalClaims(t *testing.T) {
	validator := NewJWTValidator(JWTConfig{Secret: testSecret})

	signed := mintToken(t, testSecret, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	payload, err := validator.Validate(context.Background(), signed)
	assert.NoError(t, err)
	assert.Equal(t, "user-1", payload.UserID)
	assert.Empty(t, payload.TenantID)
	assert.Empty(t, payload.SessionID)
}

func TestJWTValidatorRejections(t *testing.T) {
	validator := NewJWTValidator(JWTConfig{Secret: testSecret, Issuer: "memory-cloud"})
	future := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{
			name:    "empty token",
			token:   "",
			wantErr: ErrMissingCredentials,
		},
		{
			name:    "garbage",
			token:   "not-a-jwt",
			wantErr: ErrTokenMalformed,
		},
		{
			name: "expired",
			token: mintToken(t, testSecret, jwt.MapClaims{
				"sub": "user-1", "iss": "memory-cloud",
				"exp": time.Now().Add(-time.Hour).Unix(),
			}),
			wantErr: ErrTokenExpired,
		},
		{
			name: "wrong secret",
			token: mintToken(t, []byte("other-secret"), jwt.MapClaims{
				"sub": "user-1", "iss": "memory-cloud", "exp": future,
			}),
			wantErr: ErrInvalidCredentials,
		},
		{
			name: "wrong issuer",
			token: mintToken(t, testSecret, jwt.MapClaims{
				"sub": "user-1", "iss": "someone-else", "exp": future,
			}),
			wantErr: ErrInvalidCredentials,
		},
		{
			name: "missing subject",
			token: mintToken(t, testSecret, jwt.MapClaims{
				"iss": "memory-cloud", "exp": future,
			}),
			wantErr: ErrTokenMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validator.Validate(context.Background(), tt.token)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestJWTValidatorRejectsNonHMAC(t *testing.T) {
	validator := NewJWTValidator(JWTConfig{Secret: testSecret})

	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	assert.NoError(t, err)

	_, err = validator.Validate(context.Background(), signed)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestStaticTokenValidator(t *testing.T) {
	validator := NewStaticTokenValidator("local-secret", "local", "local")

	payload, err := validator.Validate(context.Background(), "local-secret")
	assert.NoError(t, err)
	assert.Equal(t, "local", payload.UserID)
	assert.Equal(t, "local", payload.TenantID)

	_, err = validator.Validate(context.Background(), "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = validator.Validate(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingCredentials)
}
