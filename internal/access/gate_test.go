package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"collabhub/pkg/interfaces"
	"collabhub/pkg/types"
)

const testSecret = "site-office-secret"

// mockStore implements IdentityStore and AccessController
type mockStore struct {
	identities map[string]*types.Identity
	decisions  map[string]types.AccessDecision // "kind:room:identity:level"
	lookupErr  error
	checkErr   error
	checks     int
}

func newMockStore() *mockStore {
	return &mockStore{
		identities: make(map[string]*types.Identity),
		decisions:  make(map[string]types.AccessDecision),
	}
}

func (m *mockStore) GetIdentity(ctx context.Context, id string) (*types.Identity, error) {
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	identity, ok := m.identities[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return identity, nil
}

func (m *mockStore) CheckAccess(ctx context.Context, identityID, role string, kind types.RoomKind, resourceID string, level types.AccessLevel) (types.AccessDecision, error) {
	m.checks++
	if m.checkErr != nil {
		return types.AccessDecision{}, m.checkErr
	}
	key := string(kind) + ":" + resourceID + ":" + identityID + ":" + string(level)
	decision, ok := m.decisions[key]
	if !ok {
		return types.AccessDecision{Allowed: false, Reason: "not a member"}, nil
	}
	return decision, nil
}

func newTestGate(t *testing.T, store *mockStore) *Gate {
	t.Helper()
	verifier, err := NewJWTVerifier(testSecret, "", 0)
	require.NoError(t, err)
	return NewGate(verifier, store, store, zaptest.NewLogger(t))
}

func TestAuthenticate(t *testing.T) {
	store := newMockStore()
	store.identities["u1"] = &types.Identity{ID: "u1", Name: "Ana", Role: types.RoleManager, Active: true}
	store.identities["u2"] = &types.Identity{ID: "u2", Name: "Ben", Role: types.RoleMember, Active: false}
	gate := newTestGate(t, store)

	valid, err := SignToken(testSecret, "", "u1", time.Hour)
	require.NoError(t, err)
	inactive, err := SignToken(testSecret, "", "u2", time.Hour)
	require.NoError(t, err)
	unknown, err := SignToken(testSecret, "", "ghost", time.Hour)
	require.NoError(t, err)
	expired, err := SignToken(testSecret, "", "u1", -time.Minute)
	require.NoError(t, err)
	wrongKey, err := SignToken("another-secret", "", "u1", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"valid", valid, nil},
		{"missing", "", ErrMissingToken},
		{"malformed", "not-a-jwt", ErrInvalidToken},
		{"wrong key", wrongKey, ErrInvalidToken},
		{"expired", expired, ErrTokenExpired},
		{"unknown identity", unknown, ErrUnknownIdentity},
		{"inactive identity", inactive, ErrInactiveIdentity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			identity, err := gate.Authenticate(context.Background(), tt.token)
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, "Ana", identity.Name)
				return
			}
			assert.Nil(t, identity)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, types.ErrAuth, "every authentication failure is an auth error")
		})
	}
}

func TestAuthenticate_StoreFailureIsAuthError(t *testing.T) {
	store := newMockStore()
	store.lookupErr = errors.New("database is locked")
	gate := newTestGate(t, store)

	token, err := SignToken(testSecret, "", "u1", time.Hour)
	require.NoError(t, err)

	_, err = gate.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, types.ErrAuth)
}

func TestVerify_RejectsNonHMAC(t *testing.T) {
	verifier, err := NewJWTVerifier(testSecret, "", 0)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = verifier.Verify(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RequiresExpiryAndSubject(t *testing.T) {
	verifier, err := NewJWTVerifier(testSecret, "", 0)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u1"}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = verifier.Verify(noExpiry)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = verifier.Verify(noSubject)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Issuer(t *testing.T) {
	verifier, err := NewJWTVerifier(testSecret, "buildsite-api", 0)
	require.NoError(t, err)

	good, err := SignToken(testSecret, "buildsite-api", "u1", time.Hour)
	require.NoError(t, err)
	claims, err := verifier.Verify(good)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.IdentityID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.Expiry, 5*time.Second)

	other, err := SignToken(testSecret, "someone-else", "u1", time.Hour)
	require.NoError(t, err)
	_, err = verifier.Verify(other)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewJWTVerifier_EmptySecret(t *testing.T) {
	_, err := NewJWTVerifier("", "", 0)
	assert.ErrorIs(t, err, ErrEmptySecret)

	_, err = SignToken("", "", "u1", time.Hour)
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestAuthorize(t *testing.T) {
	store := newMockStore()
	store.decisions["sheet:s1:u1:edit"] = types.AccessDecision{Allowed: true}
	store.decisions["project:p1:u1:view"] = types.AccessDecision{Allowed: true}
	store.decisions["sheet:s1:u2:edit"] = types.AccessDecision{Allowed: false, Reason: "viewer role cannot edit"}
	gate := newTestGate(t, store)

	u1 := &types.Identity{ID: "u1", Role: types.RoleMember, Active: true}
	u2 := &types.Identity{ID: "u2", Role: types.RoleViewer, Active: true}
	ctx := context.Background()

	assert.NoError(t, gate.Authorize(ctx, u1, types.RoomSheet, "s1", types.LevelEdit))
	assert.NoError(t, gate.Authorize(ctx, u1, types.RoomProject, "p1", types.LevelView))

	err := gate.Authorize(ctx, u2, types.RoomSheet, "s1", types.LevelEdit)
	assert.ErrorIs(t, err, types.ErrAccessDenied)
	assert.Contains(t, err.Error(), "viewer role cannot edit")

	assert.ErrorIs(t, gate.Authorize(ctx, u1, types.RoomProject, "p2", types.LevelView), types.ErrAccessDenied)
	assert.ErrorIs(t, gate.Authorize(ctx, nil, types.RoomProject, "p1", types.LevelView), types.ErrAuth)
}

func TestAuthorize_NeverCaches(t *testing.T) {
	store := newMockStore()
	store.decisions["project:p1:u1:view"] = types.AccessDecision{Allowed: true}
	gate := newTestGate(t, store)
	u1 := &types.Identity{ID: "u1", Role: types.RoleMember, Active: true}

	require.NoError(t, gate.Authorize(context.Background(), u1, types.RoomProject, "p1", types.LevelView))

	// Membership revoked in the record store
	delete(store.decisions, "project:p1:u1:view")
	assert.ErrorIs(t, gate.Authorize(context.Background(), u1, types.RoomProject, "p1", types.LevelView), types.ErrAccessDenied)
	assert.Equal(t, 2, store.checks)
}

func TestAuthorize_ControllerFailureDenies(t *testing.T) {
	store := newMockStore()
	store.checkErr = errors.New("connection refused")
	gate := newTestGate(t, store)

	err := gate.Authorize(context.Background(), &types.Identity{ID: "u1"}, types.RoomSheet, "s1", types.LevelView)
	assert.ErrorIs(t, err, types.ErrAccessDenied)
	assert.NotContains(t, err.Error(), "connection refused")
}
