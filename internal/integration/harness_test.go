package integration

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"collabhub/internal/access"
	"collabhub/internal/app"
	"collabhub/internal/config"
	"collabhub/internal/database"
	"collabhub/pkg/types"
)

const testSecret = "integration-secret"

// harness runs a full application on a loopback port with a seeded store:
//
//	p1 owned by alice; bob edits, carol (viewer role) views
//	s1 in p1 owned by alice
//	dave has no memberships
type harness struct {
	t       *testing.T
	baseURL string
	wsURL   string
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "collabhub.db")
	cfg.Auth.JWTSecret = testSecret
	cfg.HTTP.ShutdownTimeout = 2 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	application, err := app.NewApplication(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	seed(t, application.Store())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- application.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("application stopped with error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("application did not shut down")
		}
	})

	addr := ln.Addr().String()
	return &harness{
		t:       t,
		baseURL: "http://" + addr,
		wsURL:   "ws://" + addr + app.WebSocketPath,
	}
}

func seed(t *testing.T, store *database.Manager) {
	t.Helper()
	ctx := context.Background()

	users := []*types.Identity{
		{ID: "alice", Name: "Alice Moreno", Role: types.RoleManager, Active: true},
		{ID: "bob", Name: "Bob Okafor", Role: types.RoleMember, Active: true},
		{ID: "carol", Name: "Carol Jensen", Role: types.RoleViewer, Active: true},
		{ID: "dave", Name: "Dave Lin", Role: types.RoleMember, Active: true},
	}
	for _, u := range users {
		require.NoError(t, store.CreateUser(ctx, u))
	}
	require.NoError(t, store.CreateProject(ctx, &database.Project{ID: "p1", Name: "Harbor Tower", OwnerID: "alice"}))
	require.NoError(t, store.AddProjectMember(ctx, "p1", "bob", types.LevelEdit))
	require.NoError(t, store.AddProjectMember(ctx, "p1", "carol", types.LevelView))
	require.NoError(t, store.CreateSheet(ctx, &database.Sheet{ID: "s1", ProjectID: "p1", OwnerID: "alice", Name: "Concrete takeoff"}))
}

func (h *harness) token(identityID string) string {
	h.t.Helper()
	token, err := access.SignToken(testSecret, "", identityID, time.Hour)
	require.NoError(h.t, err)
	return token
}

// dial opens a websocket for identityID and returns the handshake response
// status alongside any error.
func (h *harness) dial(identityID string) (*client, int, error) {
	header := http.Header{}
	if identityID != "" {
		header.Set("Authorization", "Bearer "+h.token(identityID))
	}
	ws, resp, err := websocket.DefaultDialer.Dial(h.wsURL, header)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if err != nil {
		return nil, status, err
	}
	c := &client{t: h.t, ws: ws}
	h.t.Cleanup(func() { _ = ws.Close() })
	return c, status, nil
}

func (h *harness) connect(identityID string) *client {
	h.t.Helper()
	c, _, err := h.dial(identityID)
	require.NoError(h.t, err)
	return c
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func (c *client) send(event string, data interface{}) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(map[string]interface{}{"event": event, "data": data}))
}

func (c *client) next(timeout time.Duration) (frame, error) {
	var f frame
	if err := c.ws.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return f, err
	}
	err := c.ws.ReadJSON(&f)
	return f, err
}

// expect reads until event arrives, skipping unrelated frames, and decodes
// its data into v when v is non-nil.
func (c *client) expect(event string, v interface{}) {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		f, err := c.next(time.Until(deadline))
		require.NoError(c.t, err, "waiting for %s", event)
		if f.Event != event {
			continue
		}
		if v != nil {
			require.NoError(c.t, json.Unmarshal(f.Data, v))
		}
		return
	}
}

// expectError reads until an error event arrives and returns its code.
func (c *client) expectError() string {
	c.t.Helper()
	var payload types.ErrorPayload
	c.expect(types.EventError, &payload)
	return payload.Code
}

// expectSilence asserts that no event outside ignore arrives within d.
// A timed-out read leaves the websocket unusable, so this must be the last
// read on c.
func (c *client) expectSilence(d time.Duration, ignore ...string) {
	c.t.Helper()
	deadline := time.Now().Add(d)
	for {
		f, err := c.next(time.Until(deadline))
		if err != nil {
			var netErr net.Error
			require.True(c.t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected read error: %v", err)
			return
		}
		require.Contains(c.t, ignore, f.Event, "unexpected event with data %s", f.Data)
	}
}
