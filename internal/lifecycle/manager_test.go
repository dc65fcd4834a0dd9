package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"collabhub/internal/collab"
	"collabhub/internal/metrics"
	"collabhub/internal/presence"
	"collabhub/internal/ratelimit"
	"collabhub/internal/router"
	fakes "collabhub/internal/testutil"
	"collabhub/internal/websocket"
	"collabhub/pkg/types"
)

// mockGate grants per identity and room; anything not granted is denied
type mockGate struct {
	mu     sync.Mutex
	grants map[string]types.AccessLevel // "kind:room:identity" -> level
	calls  int
}

func newMockGate() *mockGate {
	return &mockGate{grants: make(map[string]types.AccessLevel)}
}

func (g *mockGate) grant(kind types.RoomKind, roomID, identityID string, level types.AccessLevel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grants[fmt.Sprintf("%s:%s:%s", kind, roomID, identityID)] = level
}

func (g *mockGate) Authorize(ctx context.Context, identity *types.Identity, kind types.RoomKind, roomID string, level types.AccessLevel) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	granted, ok := g.grants[fmt.Sprintf("%s:%s:%s", kind, roomID, identity.ID)]
	if !ok || !granted.Allows(level) {
		return fmt.Errorf("%w: %s access to %s %s not granted", types.ErrAccessDenied, level, kind, roomID)
	}
	return nil
}

type mockHistory struct {
	messages []*types.ChatMessage
	err      error
}

func (m *mockHistory) SaveChatMessage(ctx context.Context, message *types.ChatMessage) (string, error) {
	return "m-new", nil
}

func (m *mockHistory) RecentChatMessages(ctx context.Context, projectID string, limit int) ([]*types.ChatMessage, error) {
	if m.err != nil {
		return nil, m.err
	}
	if len(m.messages) > limit {
		return m.messages[len(m.messages)-limit:], nil
	}
	return m.messages, nil
}

type fixture struct {
	manager  *Manager
	gate     *mockGate
	arena    *websocket.Registry
	presence *presence.Registry
	collab   *collab.Store
	limiter  *ratelimit.RateLimiter
	history  *mockHistory
	clock    *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &fixture{
		gate:     newMockGate(),
		arena:    websocket.NewRegistry(),
		presence: presence.NewRegistry(),
		history:  &mockHistory{},
		clock:    clock.NewMock(),
	}
	f.collab = collab.NewStore(collab.WithClock(f.clock))
	f.clock.Set(time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC))
	f.limiter = ratelimit.NewRateLimiter(ratelimit.DefaultConfig(), ratelimit.WithClock(f.clock))

	broadcaster := router.NewBroadcaster(f.presence, f.arena, logger)
	r := router.NewRouter(broadcaster, f.collab, f.limiter, f.history, logger, router.WithClock(f.clock))
	f.manager = NewManager(Dependencies{
		Gate:        f.gate,
		Arena:       f.arena,
		Presence:    f.presence,
		Collab:      f.collab,
		Broadcaster: broadcaster,
		Router:      r,
		Limiter:     f.limiter,
		Messages:    f.history,
		Metrics:     metrics.NewCollector(),
		Logger:      logger,
	}, WithClock(f.clock), WithHistoryLimit(2))
	return f
}

func (f *fixture) connect(t *testing.T, connID, userID string) *fakes.FakeConn {
	t.Helper()
	conn := fakes.NewFakeConn(connID, fakes.NewUser(userID, "User "+userID, types.RoleMember))
	require.NoError(t, f.manager.Connect(conn))
	return conn
}

func (f *fixture) send(t *testing.T, conn *fakes.FakeConn, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	f.manager.HandleEvent(context.Background(), conn, &types.Envelope{Event: event, Data: raw})
	f.clock.Add(time.Millisecond)
}

func errorCodes(conn *fakes.FakeConn) []string {
	var codes []string
	for _, ev := range conn.EventsNamed(types.EventError) {
		codes = append(codes, ev.Data.(types.ErrorPayload).Code)
	}
	return codes
}

func memberIDs(members []types.Participant) []string {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ConnectionID)
	}
	return ids
}

func TestJoinProject_AnnouncesAndSnapshots(t *testing.T) {
	f := newFixture(t)
	f.gate.grant(types.RoomProject, "p1", "u1", types.LevelView)
	f.gate.grant(types.RoomProject, "p1", "u2", types.LevelEdit)
	f.history.messages = []*types.ChatMessage{
		{ID: "m1", ProjectID: "p1", Message: "old"},
		{ID: "m2", ProjectID: "p1", Message: "newer"},
		{ID: "m3", ProjectID: "p1", Message: "newest"},
	}

	u1 := f.connect(t, "c1", "u1")
	u2 := f.connect(t, "c2", "u2")

	f.send(t, u1, types.EventJoinProject, map[string]string{"projectId": "p1"})
	joined := u1.EventsNamed(types.EventJoinedProject)
	require.Len(t, joined, 1)
	snapshot := joined[0].Data.(types.ProjectJoined)
	assert.Equal(t, []string{"c1"}, memberIDs(snapshot.Members))
	require.Len(t, snapshot.RecentMessages, 2, "history is capped at the configured limit")
	assert.Equal(t, "m3", snapshot.RecentMessages[1].ID)

	f.send(t, u2, types.EventJoinProject, map[string]string{"projectId": "p1"})

	announced := u1.EventsNamed(types.EventUserJoined)
	require.Len(t, announced, 1)
	presenceEv := announced[0].Data.(types.PresenceEvent)
	assert.Equal(t, "p1", presenceEv.ProjectID)
	assert.Equal(t, "c2", presenceEv.ConnectionID)
	assert.Equal(t, "u2", presenceEv.User.ID)

	snapshot = u2.EventsNamed(types.EventJoinedProject)[0].Data.(types.ProjectJoined)
	assert.Equal(t, []string{"c1", "c2"}, memberIDs(snapshot.Members))
	assert.Empty(t, u2.EventsNamed(types.EventUserJoined), "joiner is not told about itself")
	assert.Equal(t, "p1", u2.Rooms().ProjectID)
}

func TestJoinProject_DeniedLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	f.gate.grant(types.RoomProject, "p1", "u1", types.LevelView)
	u1 := f.connect(t, "c1", "u1")

	f.send(t, u1, types.EventJoinProject, map[string]string{"projectId": "p1"})
	f.send(t, u1, types.EventJoinProject, map[string]string{"projectId": "p2"})

	assert.Equal(t, []string{types.CodeProjectAccessDenied}, errorCodes(u1))
	assert.Equal(t, "p1", u1.Rooms().ProjectID, "still in the old project")
	assert.True(t, f.presence.Contains(types.NewRoomKey(types.RoomProject, "p1"), "c1"))
	assert.Empty(t, f.presence.Members(types.NewRoomKey(types.RoomProject, "p2")))
}

func TestJoinProject_SwitchLeavesOldRoom(t *testing.T) {
	f := newFixture(t)
	for _, p := range []string{"p1", "p2"} {
		f.gate.grant(types.RoomProject, p, "u1", types.LevelView)
		f.gate.grant(types.RoomProject, p, "u2", types.LevelView)
	}
	u1 := f.connect(t, "c1", "u1")
	u2 := f.connect(t, "c2", "u2")
	f.send(t, u1, types.EventJoinProject, map[string]string{"projectId": "p1"})
	f.send(t, u2, types.EventJoinProject, map[string]string{"projectId": "p1"})

	f.send(t, u1, types.EventJoinProject, map[string]string{"projectId": "p2"})

	left := u2.EventsNamed(types.EventUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "p1", left[0].Data.(types.PresenceEvent).ProjectID)
	assert.False(t, f.presence.Contains(types.NewRoomKey(types.RoomProject, "p1"), "c1"))
	assert.True(t, f.presence.Contains(types.NewRoomKey(types.RoomProject, "p2"), "c1"))
	assert.Equal(t, "p2", u1.Rooms().ProjectID)
}

func TestJoinProject_RejoinResendsSnapshotOnly(t *testing.T) {
	f := newFixture(t)
	f.gate.grant(types.RoomProject, "p1", "u1", types.LevelView)
	f.gate.grant(types.RoomProject, "p1", "u2", types.LevelView)
	u1 := f.connect(t, "c1", "u1")
	u2 := f.connect(t, "c2", "u2")
	f.send(t, u1, types.EventJoinProject, map[string]string{"projectId": "p1"})
	f.send(t, u2, types.EventJoinProject, map[string]string{"projectId": "p1"})
	u1.Reset()

	f.send(t, u2, types.EventJoinProject, map[string]string{"projectId": "p1"})

	assert.Empty(t, u1.Events(), "no duplicate user_joined")
	assert.Len(t, u2.EventsNamed(types.EventJoinedProject), 2)
	assert.Equal(t, 3, f.gate.calls, "every join re-authorizes")
}

func TestLeaveProject(t *testing.T) {
	f := newFixture(t)
	f.gate.grant(types.RoomProject, "p1", "u1", types.LevelView)
	f.gate.grant(types.RoomProject, "p1", "u2", types.LevelView)
	u1 := f.connect(t, "c1", "u1")
	u2 := f.connect(t, "c2", "u2")
	f.send(t, u1, types.EventJoinProject, map[string]string{"projectId": "p1"})
	f.send(t, u2, types.EventJoinProject, map[string]string{"projectId": "p1"})

	f.send(t, u1, types.EventLeaveProject, map[string]string{"projectId": "p9"})
	assert.Equal(t, []string{types.CodeNotInRoom}, errorCodes(u1))
	assert.Empty(t, u2.EventsNamed(types.EventUserLeft))

	f.manager.HandleEvent(context.Background(), u1, &types.Envelope{Event: types.EventLeaveProject})
	assert.Len(t, u2.EventsNamed(types.EventUserLeft), 1)
	assert.Empty(t, u1.Rooms().ProjectID)

	f.send(t, u1, types.EventLeaveProject, map[string]string{})
	assert.Len(t, u2.EventsNamed(types.EventUserLeft), 1, "leaving twice is a no-op")
	assert.Len(t, errorCodes(u1), 1)
}

func TestJoinSheet_ViewerCannotJoinAtEdit(t *testing.T) {
	f := newFixture(t)
	f.gate.grant(types.RoomSheet, "s1", "u1", types.LevelEdit)
	f.gate.grant(types.RoomSheet, "s1", "viewer", types.LevelView)
	u1 := f.connect(t, "c1", "u1")
	viewer := fakes.NewFakeConn("c2", fakes.NewUser("viewer", "Vera", types.RoleViewer))
	require.NoError(t, f.manager.Connect(viewer))

	f.send(t, u1, types.EventJoinSheet, map[string]string{"sheetId": "s1"})
	u1.Reset()
	before := f.presence.Members(types.NewRoomKey(types.RoomSheet, "s1"))

	f.send(t, viewer, types.EventJoinSheet, map[string]string{"sheetId": "s1", "level": "edit"})

	assert.Equal(t, []string{types.CodeSheetAccessDenied}, errorCodes(viewer))
	assert.Empty(t, viewer.EventsNamed(types.EventCollaborationState))
	assert.Equal(t, before, f.presence.Members(types.NewRoomKey(types.RoomSheet, "s1")), "presence unchanged")
	assert.Empty(t, u1.Events(), "nobody hears about a denied join")
	assert.Empty(t, viewer.Rooms().SheetID)
}

func TestJoinSheet_ViewLevelCannotEdit(t *testing.T) {
	f := newFixture(t)
	f.gate.grant(types.RoomSheet, "s1", "u1", types.LevelEdit)
	f.gate.grant(types.RoomSheet, "s1", "viewer", types.LevelView)
	u1 := f.connect(t, "c1", "u1")
	viewer := f.connect(t, "c2", "viewer")

	f.send(t, u1, types.EventJoinSheet, map[string]string{"sheetId": "s1"})
	f.send(t, viewer, types.EventJoinSheet, map[string]string{"sheetId": "s1", "level": "view"})
	require.Len(t, viewer.EventsNamed(types.EventCollaborationState), 1)
	assert.Equal(t, types.LevelView, viewer.Rooms().SheetLevel)
	assert.Equal(t, types.LevelEdit, u1.Rooms().SheetLevel, "level defaults to edit")

	f.send(t, viewer, types.EventCellEdit, map[string]interface{}{"sheetId": "s1", "cellId": "A1", "value": 1})
	assert.Equal(t, []string{types.CodeEditNotAllowed}, errorCodes(viewer))
	assert.Empty(t, u1.EventsNamed(types.EventCellEdited))

	// View-level participants still share cursors
	f.send(t, viewer, types.EventCursorMove, map[string]interface{}{"sheetId": "s1", "x": 4, "y": 2})
	assert.Len(t, u1.EventsNamed(types.EventCursorMoved), 1)
}

func TestJoinSheet_SnapshotIncludesExistingCursor(t *testing.T) {
	f := newFixture(t)
	f.gate.grant(types.RoomSheet, "s1", "u1", types.LevelEdit)
	f.gate.grant(types.RoomSheet, "s1", "u2", types.LevelEdit)
	u1 := f.connect(t, "c1", "u1")
	u2 := f.connect(t, "c2", "u2")

	f.send(t, u1, types.EventJoinSheet, map[string]string{"sheetId": "s1"})
	f.send(t, u1, types.EventCursorMove, map[string]interface{}{"sheetId": "s1", "x": 10, "y": 20})
	f.send(t, u2, types.EventJoinSheet, map[string]string{"sheetId": "s1"})

	states := u2.EventsNamed(types.EventCollaborationState)
	require.Len(t, states, 1)
	snap := states[0].Data.(types.CollaborationState)
	assert.Equal(t, []string{"c1", "c2"}, memberIDs(snap.Participants))
	require.Len(t, snap.Cursors, 1)
	assert.Equal(t, types.CursorEntry{ConnectionID: "c1", User: u1.Identity().Summary(), X: 10, Y: 20}, snap.Cursors[0])

	joined := u1.EventsNamed(types.EventUserJoinedSheet)
	require.Len(t, joined, 1)
	assert.Equal(t, "s1", joined[0].Data.(types.PresenceEvent).SheetID)
}

func TestJoinSheet_SwitchDropsOldState(t *testing.T) {
	f := newFixture(t)
	for _, s := range []string{"s1", "s2"} {
		f.gate.grant(types.RoomSheet, s, "u1", types.LevelEdit)
		f.gate.grant(types.RoomSheet, s, "u2", types.LevelEdit)
	}
	u1 := f.connect(t, "c1", "u1")
	u2 := f.connect(t, "c2", "u2")
	f.send(t, u1, types.EventJoinSheet, map[string]string{"sheetId": "s1"})
	f.send(t, u2, types.EventJoinSheet, map[string]string{"sheetId": "s1"})
	f.send(t, u1, types.EventCursorMove, map[string]interface{}{"sheetId": "s1", "x": 1, "y": 1})

	f.send(t, u1, types.EventJoinSheet, map[string]string{"sheetId": "s2"})

	assert.Len(t, u2.EventsNamed(types.EventUserLeftSheet), 1)
	assert.Empty(t, f.collab.Snapshot("s1").Cursors)
	assert.Equal(t, []string{"c2"}, memberIDs(f.collab.Snapshot("s1").Participants))
	assert.Equal(t, []string{"c1"}, memberIDs(f.collab.Snapshot("s2").Participants))
}

func TestLeaveSheet_ReleasesContainer(t *testing.T) {
	f := newFixture(t)
	f.gate.grant(types.RoomSheet, "s1", "u1", types.LevelEdit)
	u1 := f.connect(t, "c1", "u1")
	f.send(t, u1, types.EventJoinSheet, map[string]string{"sheetId": "s1"})
	require.Equal(t, 1, f.collab.Stats()["active_sheets"])

	f.send(t, u1, types.EventLeaveSheet, map[string]string{"sheetId": "s1"})
	assert.Equal(t, 0, f.collab.Stats()["active_sheets"])
	assert.Empty(t, u1.Rooms().SheetID)
	assert.Empty(t, errorCodes(u1))
}

func TestDisconnect_ExactlyOneLeaveAndCleanSnapshot(t *testing.T) {
	f := newFixture(t)
	for _, u := range []string{"u1", "u2", "u3"} {
		f.gate.grant(types.RoomSheet, "s1", u, types.LevelEdit)
		f.gate.grant(types.RoomProject, "p1", u, types.LevelView)
	}
	u1 := f.connect(t, "c1", "u1")
	u2 := f.connect(t, "c2", "u2")
	f.send(t, u1, types.EventJoinProject, map[string]string{"projectId": "p1"})
	f.send(t, u1, types.EventJoinSheet, map[string]string{"sheetId": "s1"})
	f.send(t, u2, types.EventJoinProject, map[string]string{"projectId": "p1"})
	f.send(t, u2, types.EventJoinSheet, map[string]string{"sheetId": "s1"})
	f.send(t, u1, types.EventCursorMove, map[string]interface{}{"sheetId": "s1", "x": 5, "y": 5})
	f.send(t, u1, types.EventCellEdit, map[string]interface{}{"sheetId": "s1", "cellId": "A1", "value": 1})

	f.manager.Disconnect(u1)
	f.manager.Disconnect(u1)

	assert.Len(t, u2.EventsNamed(types.EventUserLeftSheet), 1)
	assert.Len(t, u2.EventsNamed(types.EventUserLeft), 1)
	_, stillRegistered := f.arena.Lookup("c1")
	assert.False(t, stillRegistered)
	assert.Equal(t, 0, f.limiter.Stats()["tracked_connections"], "c1's event counter is released")

	u3 := f.connect(t, "c3", "u3")
	f.send(t, u3, types.EventJoinSheet, map[string]string{"sheetId": "s1"})
	snap := u3.EventsNamed(types.EventCollaborationState)[0].Data.(types.CollaborationState)
	assert.Equal(t, []string{"c2", "c3"}, memberIDs(snap.Participants))
	assert.Empty(t, snap.Cursors)
}

func TestDisconnect_PartialState(t *testing.T) {
	f := newFixture(t)
	f.gate.grant(types.RoomSheet, "s1", "u2", types.LevelEdit)
	u1 := f.connect(t, "c1", "u1")
	u2 := f.connect(t, "c2", "u2")
	f.send(t, u2, types.EventJoinSheet, map[string]string{"sheetId": "s1"})

	// Presence and collab hold c1 but its rooms were never recorded
	key := types.NewRoomKey(types.RoomSheet, "s1")
	f.presence.Join(key, presence.Member{ConnectionID: "c1", User: u1.Identity().Summary()})
	f.collab.Join("s1", "c1", u1.Identity().Summary())

	f.manager.Disconnect(u1)

	assert.False(t, f.presence.Contains(key, "c1"))
	assert.Equal(t, []string{"c2"}, memberIDs(f.collab.Snapshot("s1").Participants))
	assert.Len(t, u2.EventsNamed(types.EventUserLeftSheet), 1)
}

func TestDisconnect_NeverJoined(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "c1", "u1")

	assert.NotPanics(t, func() { f.manager.Disconnect(u1) })
	assert.Equal(t, 0, f.arena.Count())
}

func TestJoin_ValidationErrors(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "c1", "u1")

	f.send(t, u1, types.EventJoinProject, map[string]string{"projectId": "bad id"})
	f.send(t, u1, types.EventJoinSheet, map[string]string{"sheetId": "s1", "level": "owner"})
	f.manager.HandleEvent(context.Background(), u1, &types.Envelope{Event: types.EventJoinSheet})

	assert.Equal(t, []string{types.CodeValidation, types.CodeValidation, types.CodeValidation}, errorCodes(u1))
	assert.Equal(t, 0, f.gate.calls, "invalid joins never reach the access controller")
}

func TestJoinProject_HistoryFailureStillJoins(t *testing.T) {
	f := newFixture(t)
	f.history.err = errors.New("no such table: chat_messages")
	f.gate.grant(types.RoomProject, "p1", "u1", types.LevelView)
	u1 := f.connect(t, "c1", "u1")

	f.send(t, u1, types.EventJoinProject, map[string]string{"projectId": "p1"})

	joined := u1.EventsNamed(types.EventJoinedProject)
	require.Len(t, joined, 1)
	snapshot := joined[0].Data.(types.ProjectJoined)
	assert.NotNil(t, snapshot.RecentMessages)
	assert.Empty(t, snapshot.RecentMessages)
	assert.Empty(t, errorCodes(u1))
}

func TestHandleEvent_RouterErrorsReachSenderOnly(t *testing.T) {
	f := newFixture(t)
	f.gate.grant(types.RoomSheet, "s1", "u1", types.LevelEdit)
	f.gate.grant(types.RoomSheet, "s1", "u2", types.LevelEdit)
	u1 := f.connect(t, "c1", "u1")
	u2 := f.connect(t, "c2", "u2")
	f.send(t, u1, types.EventJoinSheet, map[string]string{"sheetId": "s1"})
	f.send(t, u2, types.EventJoinSheet, map[string]string{"sheetId": "s1"})
	u2.Reset()

	f.send(t, u1, "teleport", map[string]string{})
	f.send(t, u1, types.EventCursorMove, map[string]interface{}{"sheetId": "s1"})

	assert.Equal(t, []string{types.CodeUnknownEvent, types.CodeValidation}, errorCodes(u1))
	assert.Empty(t, u2.Events())
}
