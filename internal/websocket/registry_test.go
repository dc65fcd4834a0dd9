package websocket

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabhub/internal/testutil"
	"collabhub/pkg/types"
)

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry()

	assert.ErrorIs(t, r.Register(nil), ErrNilConnection)
	assert.ErrorIs(t, r.Register(testutil.NewFakeConn("c0", nil)), ErrConnectionNotAuthenticated)

	conn := testutil.NewFakeConn("c1", testutil.NewUser("u1", "Ana", types.RoleMember))
	require.NoError(t, r.Register(conn))
	assert.ErrorIs(t, r.Register(conn), ErrDuplicateConnection)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_SeveralConnectionsPerIdentity(t *testing.T) {
	r := NewRegistry()
	ana := testutil.NewUser("u1", "Ana", types.RoleMember)

	laptop := testutil.NewFakeConn("c1", ana)
	phone := testutil.NewFakeConn("c2", ana)
	other := testutil.NewFakeConn("c3", testutil.NewUser("u2", "Ben", types.RoleMember))
	require.NoError(t, r.Register(laptop))
	require.NoError(t, r.Register(phone))
	require.NoError(t, r.Register(other))

	conns := r.ForIdentity("u1")
	require.Len(t, conns, 2)
	assert.False(t, laptop.IsClosed(), "a second connection never replaces the first")

	stats := r.GetStats()
	assert.Equal(t, 3, stats["total_connections"])
	assert.Equal(t, 2, stats["unique_identities"])
}

func TestRegistry_UnregisterIdempotent(t *testing.T) {
	r := NewRegistry()
	conn := testutil.NewFakeConn("c1", testutil.NewUser("u1", "Ana", types.RoleMember))
	require.NoError(t, r.Register(conn))

	assert.True(t, r.Unregister("c1"))
	assert.False(t, r.Unregister("c1"))
	assert.False(t, r.Unregister("never-registered"))

	_, ok := r.Lookup("c1")
	assert.False(t, ok)
	assert.Empty(t, r.ForIdentity("u1"))
	assert.Equal(t, 0, r.GetStats()["unique_identities"])
}

func TestRegistry_LookupAllSkipsGone(t *testing.T) {
	r := NewRegistry()
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("c%d", i)
		require.NoError(t, r.Register(testutil.NewFakeConn(id, testutil.NewUser("u"+id, id, types.RoleMember))))
	}
	r.Unregister("c2")

	conns := r.LookupAll([]string{"c1", "c2", "c3", "c4"})
	require.Len(t, conns, 2)
	ids := []string{conns[0].ID(), conns[1].ID()}
	assert.ElementsMatch(t, []string{"c1", "c3"}, ids)
	assert.Len(t, r.All(), 2)
}

func TestRegistry_ConcurrentRegistrationAndUnregistration(t *testing.T) {
	r := NewRegistry()
	const n = 100

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			conn := testutil.NewFakeConn(id, testutil.NewUser(fmt.Sprintf("u%d", i%10), id, types.RoleMember))
			if err := r.Register(conn); err != nil {
				t.Errorf("register %s: %v", id, err)
				return
			}
			_, _ = r.Lookup(id)
			_ = r.ForIdentity(conn.Identity().ID)
			if i%2 == 0 {
				r.Unregister(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n/2, r.Count())
	assert.Equal(t, 5, r.GetStats()["unique_identities"])
}
