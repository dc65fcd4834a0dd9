package interfaces

import (
	"context"
	"time"

	"collabhub/pkg/types"
)

// Claims is what the coordinator learns from a verified credential.
type Claims struct {
	IdentityID string
	Expiry     time.Time
}

// CredentialVerifier checks a previously issued credential. Issuance is not
// part of the coordinator.
type CredentialVerifier interface {
	Verify(token string) (*Claims, error)
}

// IdentityStore loads identities. Missing identities return ErrNotFound.
type IdentityStore interface {
	GetIdentity(ctx context.Context, identityID string) (*types.Identity, error)
}

// AccessController knows project and sheet ownership and membership
// ARCHITECTURAL DISCOVERY: One entry point for both room kinds keeps the
// access gate free of per-kind branching
type AccessController interface {
	CheckAccess(ctx context.Context, identityID, role string, kind types.RoomKind, resourceID string, level types.AccessLevel) (types.AccessDecision, error)
}
