// Package vault hands the execution engine broker-session credentials
// per user, shaped as a JWT so a real implementation can delegate to any
// broker that issues signed session tokens.
package vault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tradsys/execution-core/internal/execution/domain"
)

// SessionClaims is the shape of a broker session token.
type SessionClaims struct {
	UserID string `json:"user_id"`
	Broker string `json:"broker"`
	jwt.RegisteredClaims
}

// Credential is what CredentialVault hands back for a (user, broker)
// pair: a signed session token plus its decoded claims, so callers don't
// need to re-parse it just to read the expiry.
type Credential struct {
	Token  string
	Claims SessionClaims
}

// Expired reports whether the credential's session has lapsed.
func (c Credential) Expired(now time.Time) bool {
	return c.Claims.ExpiresAt != nil && now.After(c.Claims.ExpiresAt.Time)
}

// CredentialVault resolves broker session credentials for a user.
type CredentialVault interface {
	Get(ctx context.Context, userID, broker string) (Credential, error)
	Put(ctx context.Context, userID, broker string, ttl time.Duration) (Credential, error)
	Revoke(ctx context.Context, userID, broker string) error
}

// ReferenceVault is an in-memory CredentialVault that self-signs session
// tokens with an HMAC key, for local runs and tests. A production vault
// would instead proxy to the broker's own OAuth/session endpoint.
type ReferenceVault struct {
	mu      sync.RWMutex
	secret  []byte
	stored  map[string]Credential
}

func credentialKey(userID, broker string) string { return userID + ":" + broker }

// NewReferenceVault constructs a ReferenceVault signing tokens with secret.
func NewReferenceVault(secret []byte) *ReferenceVault {
	return &ReferenceVault{secret: secret, stored: make(map[string]Credential)}
}

func (v *ReferenceVault) Get(ctx context.Context, userID, broker string) (Credential, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cred, ok := v.stored[credentialKey(userID, broker)]
	if !ok {
		return Credential{}, domain.ErrBrokerNotConnected
	}
	if cred.Expired(time.Now()) {
		return Credential{}, domain.ErrBrokerNotConnected
	}
	return cred, nil
}

func (v *ReferenceVault) Put(ctx context.Context, userID, broker string, ttl time.Duration) (Credential, error) {
	now := time.Now()
	claims := SessionClaims{
		UserID: userID,
		Broker: broker,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return Credential{}, fmt.Errorf("vault: signing session token: %w", err)
	}

	cred := Credential{Token: signed, Claims: claims}
	v.mu.Lock()
	v.stored[credentialKey(userID, broker)] = cred
	v.mu.Unlock()
	return cred, nil
}

func (v *ReferenceVault) Revoke(ctx context.Context, userID, broker string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.stored, credentialKey(userID, broker))
	return nil
}
