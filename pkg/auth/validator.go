package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenPayload is what a credential validator derives from a valid
// token. TenantID, SessionID, Email, and Scopes are optional; a
// missing tenant defaults to the user's own id downstream.
type TokenPayload struct {
	UserID    string
	TenantID  string
	SessionID string
	Email     string
	Scopes    []string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// CredentialValidator turns an opaque bearer token into a payload or
// rejects it with one of the auth sentinels.
type CredentialValidator interface {
	Validate(ctx context.Context, token string) (*TokenPayload, error)
}

// JWTConfig configures the HS256 validator.
type JWTConfig struct {
	// Secret is the shared HMAC key.
	Secret []byte

	// Issuer, when set, must match the iss claim.
	Issuer string

	// TenantClaim is the claim carrying the tenant id.
	// Default: "tid"
	TenantClaim string

	// SessionClaim is the claim carrying the session id.
	// Default: "sid"
	SessionClaim string
}

// JWTValidator validates HMAC-signed bearer tokens from the identity
// provider. The subject claim is the user id.
type JWTValidator struct {
	config JWTConfig
}

func NewJWTValidator(config JWTConfig) *JWTValidator {
	if config.TenantClaim == "" {
		config.TenantClaim = "tid"
	}
	if config.SessionClaim == "" {
		config.SessionClaim = "sid"
	}
	return &JWTValidator{config: config}
}

func (v *JWTValidator) Validate(_ context.Context, tokenString string) (*TokenPayload, error) {
	if tokenString == "" {
		return nil, ErrMissingCredentials
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.config.Secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrTokenMalformed
		default:
			return nil, ErrInvalidCredentials
		}
	}
	if !token.Valid {
		return nil, ErrInvalidCredentials
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrTokenMalformed
	}

	if v.config.Issuer != "" {
		if iss, _ := claims["iss"].(string); iss != v.config.Issuer {
			return nil, ErrInvalidCredentials
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrTokenMalformed
	}

	payload := &TokenPayload{UserID: sub}
	if tid, ok := claims[v.config.TenantClaim].(string); ok {
		payload.TenantID = tid
	}
	if sid, ok := claims[v.config.SessionClaim].(string); ok {
		payload.SessionID = sid
	}
	if email, ok := claims["email"].(string); ok {
		payload.Email = email
	}
	if scopes, ok := claims["scope"].([]interface{}); ok {
		for _, s := range scopes {
			if scope, ok := s.(string); ok {
				payload.Scopes = append(payload.Scopes, scope)
			}
		}
	}
	if exp, ok := claims["exp"].(float64); ok {
		payload.ExpiresAt = time.Unix(int64(exp), 0)
	}
	if iat, ok := claims["iat"].(float64); ok {
		payload.IssuedAt = time.Unix(int64(iat), 0)
	}

	return payload, nil
}

// StaticTokenValidator accepts exactly one preconfigured token and
// maps it to a fixed identity. Used for local stdio deployments where
// no identity provider is in the path.
type StaticTokenValidator struct {
	token    string
	userID   string
	tenantID string
}

func NewStaticTokenValidator(token, userID, tenantID string) *StaticTokenValidator {
	return &StaticTokenValidator{token: token, userID: userID, tenantID: tenantID}
}

func (v *StaticTokenValidator) Validate(_ context.Context, token string) (*TokenPayload, error) {
	if token == "" {
		return nil, ErrMissingCredentials
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(v.token)) != 1 {
		return nil, ErrInvalidCredentials
	}
	return &TokenPayload{
		UserID:   v.userID,
		TenantID: v.tenantID,
		IssuedAt: time.Now(),
	}, nil
}

var (
	_ CredentialValidator = (*JWTValidator)(nil)
	_ CredentialValidator = (*StaticTokenValidator)(nil)
)
