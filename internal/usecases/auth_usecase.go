package usecases

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"zapia_ai/internal/entities"
)

// IdentityClaims is the session token issued by the identity provider.
type IdentityClaims struct {
	OrgID   string `json:"org_id,omitempty"`
	OrgRole string `json:"org_role,omitempty"`
	jwt.RegisteredClaims
}

// AuthUsecase verifies identity tokens at the edge. Users and organizations
// live in the identity provider; this service only trusts its signature.
type AuthUsecase struct {
	jwtSecret []byte
}

func NewAuthUsecase(secret string) *AuthUsecase {
	return &AuthUsecase{jwtSecret: []byte(secret)}
}

// Verify parses an HS256 token and returns the caller's identity. The tenant
// id is derived from the organization the same way provisioning derives it.
func (uc *AuthUsecase) Verify(tokenString string) (entities.Identity, error) {
	if len(uc.jwtSecret) == 0 {
		return entities.Identity{}, fmt.Errorf("%w: token verification not configured", entities.ErrUnauthorized)
	}
	var claims IdentityClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return uc.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return entities.Identity{}, fmt.Errorf("%w: %v", entities.ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return entities.Identity{}, fmt.Errorf("%w: token has no subject", entities.ErrUnauthorized)
	}

	id := entities.Identity{UserID: claims.Subject, Role: claims.OrgRole}
	if claims.OrgID != "" {
		id.TenantID = TenantIDForOrg(claims.OrgID)
		if !entities.ValidTenantID(id.TenantID) {
			return entities.Identity{}, fmt.Errorf("%w: %w", entities.ErrUnauthorized, entities.ErrInvalidTenantID)
		}
	}
	return id, nil
}

// Issue signs a token for identity, used by operators to call the settings API.
func (uc *AuthUsecase) Issue(identity entities.Identity, ttl time.Duration) (string, error) {
	if len(uc.jwtSecret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, IdentityClaims{
		OrgID:   identity.TenantID,
		OrgRole: identity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	tokenString, err := token.SignedString(uc.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}
