// Package access authenticates connections and authorizes room joins.
package access

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"collabhub/pkg/interfaces"
	"collabhub/pkg/types"
)

// Gate combines credential verification, identity lookup and access control
// ARCHITECTURAL DISCOVERY: No decision is cached. Membership changes in the
// record store take effect on the very next join
type Gate struct {
	verifier   interfaces.CredentialVerifier
	identities interfaces.IdentityStore
	controller interfaces.AccessController
	logger     *zap.Logger
}

// NewGate creates an access gate
func NewGate(verifier interfaces.CredentialVerifier, identities interfaces.IdentityStore, controller interfaces.AccessController, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		verifier:   verifier,
		identities: identities,
		controller: controller,
		logger:     logger.Named("access"),
	}
}

// Authenticate verifies token and loads the identity behind it. Every failure
// wraps types.ErrAuth.
func (g *Gate) Authenticate(ctx context.Context, token string) (*types.Identity, error) {
	claims, err := g.verifier.Verify(token)
	if err != nil {
		if !errors.Is(err, types.ErrAuth) {
			err = fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		return nil, err
	}

	identity, err := g.identities.GetIdentity(ctx, claims.IdentityID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, ErrUnknownIdentity
		}
		// FUNCTIONAL DISCOVERY: A store outage still refuses the connection,
		// but is logged so it can be told apart from bad credentials
		g.logger.Error("identity lookup failed", zap.String("identity_id", claims.IdentityID), zap.Error(err))
		return nil, fmt.Errorf("%w: identity lookup failed: %v", types.ErrAuth, err)
	}
	if identity == nil {
		return nil, ErrUnknownIdentity
	}
	if !identity.Active {
		return nil, ErrInactiveIdentity
	}
	return identity, nil
}

// Authorize asks the access controller whether identity may join the room at
// level. A deny wraps types.ErrAccessDenied with the controller's reason.
func (g *Gate) Authorize(ctx context.Context, identity *types.Identity, kind types.RoomKind, roomID string, level types.AccessLevel) error {
	if identity == nil {
		return types.ErrAuth
	}

	decision, err := g.controller.CheckAccess(ctx, identity.ID, identity.Role, kind, roomID, level)
	if err != nil {
		g.logger.Error("access check failed",
			zap.String("identity_id", identity.ID),
			zap.String("room", string(types.NewRoomKey(kind, roomID))),
			zap.Error(err))
		return fmt.Errorf("%w: access check unavailable", types.ErrAccessDenied)
	}
	if !decision.Allowed {
		reason := decision.Reason
		if reason == "" {
			reason = "not permitted"
		}
		return fmt.Errorf("%w: %s", types.ErrAccessDenied, reason)
	}
	return nil
}
