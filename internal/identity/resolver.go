// Package identity adapts the external identity provider to the thin seam
// the entitlement core needs: credential → account, email → account.
package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/entitlement/pkg/entitlement"
	"github.com/golang-jwt/jwt/v5"
)

// Identity is a verified caller.
type Identity struct {
	AccountID string
	Email     string
}

// Resolver verifies a bearer credential.
type Resolver interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// Claims is the token shape issued by the identity service.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// TokenResolver verifies HMAC-signed session tokens.
type TokenResolver struct {
	signingKey []byte
	issuer     string
}

// NewTokenResolver wires a TokenResolver.
func NewTokenResolver(signingKey []byte, issuer string) (*TokenResolver, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("%w: empty signing key", entitlement.ErrInvalidServiceConfig)
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, fmt.Errorf("%w: empty issuer", entitlement.ErrInvalidServiceConfig)
	}
	return &TokenResolver{signingKey: signingKey, issuer: issuer}, nil
}

// Verify parses and validates the credential, returning the caller identity.
func (resolver *TokenResolver) Verify(_ context.Context, credential string) (Identity, error) {
	if strings.TrimSpace(credential) == "" {
		return Identity{}, fmt.Errorf("%w: missing credential", entitlement.ErrUnauthenticated)
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(credential, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
		}
		return resolver.signingKey, nil
	}, jwt.WithIssuer(resolver.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", entitlement.ErrUnauthenticated, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", entitlement.ErrUnauthenticated)
	}
	return Identity{AccountID: claims.Subject, Email: claims.Email}, nil
}

// StaticDirectory is a fixed email → account mapping, injected from
// configuration. The production directory lives in the identity service;
// this seam carries only what the webhook fallback and admin grants need.
type StaticDirectory struct {
	byEmail map[string]string
}

// NewStaticDirectory normalizes keys to lower case.
func NewStaticDirectory(byEmail map[string]string) *StaticDirectory {
	normalized := make(map[string]string, len(byEmail))
	for email, accountID := range byEmail {
		email = strings.ToLower(strings.TrimSpace(email))
		accountID = strings.TrimSpace(accountID)
		if email == "" || accountID == "" {
			continue
		}
		normalized[email] = accountID
	}
	return &StaticDirectory{byEmail: normalized}
}

// AccountIDByEmail resolves one email.
func (directory *StaticDirectory) AccountIDByEmail(_ context.Context, email string) (string, error) {
	accountID, found := directory.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !found {
		return "", fmt.Errorf("%w: no account for email", entitlement.ErrAccountNotFound)
	}
	return accountID, nil
}
