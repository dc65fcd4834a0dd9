// Package lifecycle drives a connection through its states: connected,
// joined to a project and/or sheet, and disconnected.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"collabhub/internal/collab"
	"collabhub/internal/metrics"
	"collabhub/internal/presence"
	"collabhub/internal/router"
	"collabhub/pkg/interfaces"
	"collabhub/pkg/types"
)

// Authorizer decides room joins.
type Authorizer interface {
	Authorize(ctx context.Context, identity *types.Identity, kind types.RoomKind, roomID string, level types.AccessLevel) error
}

// Arena owns the live connections.
type Arena interface {
	Register(conn interfaces.Connection) error
	Unregister(connID string) bool
}

// Releaser forgets per-connection rate counters.
type Releaser interface {
	Release(connID string)
}

// Dependencies are the collaborators of a Manager.
type Dependencies struct {
	Gate        Authorizer
	Arena       Arena
	Presence    *presence.Registry
	Collab      *collab.Store
	Broadcaster *router.Broadcaster
	Router      interfaces.EventRouter
	Limiter     Releaser
	Messages    interfaces.MessageStore // Optional; supplies chat history on project join
	Metrics     *metrics.Collector
	Logger      *zap.Logger
}

// Manager implements websocket.SessionHandler
// ARCHITECTURAL DISCOVERY: Joins and leaves are handled here, domain events
// are handed to the router. Both run on the connection's read loop, so one
// connection never races itself
type Manager struct {
	deps         Dependencies
	historyLimit int
	clock        clock.Clock
	logger       *zap.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock swaps the time source for presence timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithHistoryLimit sets how many recent chat messages accompany joined_project.
func WithHistoryLimit(n int) Option {
	return func(m *Manager) { m.historyLimit = n }
}

// NewManager creates a lifecycle manager
func NewManager(deps Dependencies, opts ...Option) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	m := &Manager{
		deps:         deps,
		historyLimit: 50,
		clock:        clock.New(),
		logger:       deps.Logger.Named("lifecycle"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect registers a freshly authenticated connection.
func (m *Manager) Connect(conn interfaces.Connection) error {
	if err := m.deps.Arena.Register(conn); err != nil {
		return fmt.Errorf("register connection: %w", err)
	}
	m.deps.Metrics.ConnectionOpened()
	m.logger.Info("connection opened",
		zap.String("conn_id", conn.ID()),
		zap.String("identity_id", conn.Identity().ID),
		zap.String("origin", conn.RemoteAddr()))
	return nil
}

// HandleEvent processes one inbound event. Any failure is reported to the
// sender as an error event and leaves shared state untouched.
func (m *Manager) HandleEvent(ctx context.Context, conn interfaces.Connection, envelope *types.Envelope) {
	var err error
	switch envelope.Event {
	case types.EventJoinProject:
		err = m.JoinProject(ctx, conn, envelope.Data)
	case types.EventLeaveProject:
		err = m.LeaveProject(conn, envelope.Data)
	case types.EventJoinSheet:
		err = m.JoinSheet(ctx, conn, envelope.Data)
	case types.EventLeaveSheet:
		err = m.LeaveSheet(conn, envelope.Data)
	default:
		// Router records its own metrics
		if routeErr := m.deps.Router.Route(ctx, conn, envelope); routeErr != nil {
			m.deps.Broadcaster.SendError(conn, routeErr)
		}
		return
	}

	if err != nil {
		m.deps.Metrics.Event(envelope.Event, metrics.ResultRejected)
		m.deps.Broadcaster.SendError(conn, err)
		return
	}
	m.deps.Metrics.Event(envelope.Event, metrics.ResultOK)
}

func (m *Manager) sender(conn interfaces.Connection) types.Sender {
	return types.Sender{
		User:         conn.Identity().Summary(),
		ConnectionID: conn.ID(),
		Timestamp:    m.clock.Now().UTC(),
	}
}

func (m *Manager) member(conn interfaces.Connection) presence.Member {
	return presence.Member{
		ConnectionID: conn.ID(),
		User:         conn.Identity().Summary(),
		JoinedAt:     m.clock.Now().UTC(),
	}
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return types.ErrMissingPayload
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", types.ErrMalformedEvent, err)
	}
	return nil
}

// decodeOptional accepts an absent payload for leave events.
func decodeOptional(data json.RawMessage, v interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return decode(data, v)
}

// denied wraps an authorization failure in the room-specific wire code.
func denied(code string, err error) error {
	if errors.Is(err, types.ErrAccessDenied) || errors.Is(err, types.ErrAuth) {
		return types.NewCodedError(code, err)
	}
	return err
}

// JoinProject subscribes conn to a project room
// FUNCTIONAL DISCOVERY: Authorization happens before any state changes, so a
// denied join leaves the connection in whatever room it was already in
func (m *Manager) JoinProject(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error {
	var req types.ProjectRoomRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}

	if err := m.deps.Gate.Authorize(ctx, conn.Identity(), types.RoomProject, req.ProjectID, types.LevelView); err != nil {
		return denied(types.CodeProjectAccessDenied, err)
	}

	key := types.NewRoomKey(types.RoomProject, req.ProjectID)
	current := conn.Rooms().ProjectID
	rejoin := current == req.ProjectID && m.deps.Presence.Contains(key, conn.ID())
	if current != "" && current != req.ProjectID {
		m.leaveProject(conn, current)
	}

	m.deps.Presence.Join(key, m.member(conn))
	conn.SetProjectRoom(req.ProjectID)

	if !rejoin {
		m.deps.Broadcaster.Room(key, conn.ID(), types.EventUserJoined, types.PresenceEvent{
			ProjectID: req.ProjectID,
			Sender:    m.sender(conn),
		})
	}

	members := m.deps.Presence.Members(key)
	snapshot := types.ProjectJoined{
		ProjectID:      req.ProjectID,
		Members:        make([]types.Participant, 0, len(members)),
		RecentMessages: m.recentMessages(ctx, req.ProjectID),
	}
	for _, member := range members {
		snapshot.Members = append(snapshot.Members, member.Participant())
	}
	if err := conn.Send(types.EventJoinedProject, snapshot); err != nil {
		m.logger.Warn("failed to deliver project snapshot", zap.String("conn_id", conn.ID()), zap.Error(err))
	}

	m.logger.Debug("joined project", zap.String("conn_id", conn.ID()), zap.String("project_id", req.ProjectID))
	return nil
}

// recentMessages loads chat history for a joiner. History is best effort:
// a store failure yields an empty list rather than a failed join.
func (m *Manager) recentMessages(ctx context.Context, projectID string) []*types.ChatMessage {
	if m.deps.Messages == nil || m.historyLimit <= 0 {
		return []*types.ChatMessage{}
	}
	messages, err := m.deps.Messages.RecentChatMessages(ctx, projectID, m.historyLimit)
	if err != nil {
		m.logger.Warn("chat history unavailable", zap.String("project_id", projectID), zap.Error(err))
		return []*types.ChatMessage{}
	}
	if messages == nil {
		messages = []*types.ChatMessage{}
	}
	return messages
}

// LeaveProject unsubscribes conn from its project room. Leaving when not in a
// project is a no-op; naming a project other than the joined one is rejected.
func (m *Manager) LeaveProject(conn interfaces.Connection, data json.RawMessage) error {
	var req types.ProjectRoomRequest
	if err := decodeOptional(data, &req); err != nil {
		return err
	}

	current := conn.Rooms().ProjectID
	if req.ProjectID != "" && req.ProjectID != current {
		return types.NewCodedError(types.CodeNotInRoom, router.ErrNotInRoom)
	}
	if current == "" {
		return nil
	}
	m.leaveProject(conn, current)
	return nil
}

func (m *Manager) leaveProject(conn interfaces.Connection, projectID string) {
	key := types.NewRoomKey(types.RoomProject, projectID)
	wasMember := m.deps.Presence.Leave(key, conn.ID())
	conn.SetProjectRoom("")

	if wasMember {
		m.deps.Broadcaster.Room(key, conn.ID(), types.EventUserLeft, types.PresenceEvent{
			ProjectID: projectID,
			Sender:    m.sender(conn),
		})
	}
}

// JoinSheet subscribes conn to a sheet room at the requested level
// ARCHITECTURAL DISCOVERY: The snapshot is taken after the participant state
// exists, so any cursor update racing the join is either in the snapshot or
// delivered to the joiner as a cursor_moved afterwards
func (m *Manager) JoinSheet(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error {
	var req types.SheetRoomRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}

	if err := m.deps.Gate.Authorize(ctx, conn.Identity(), types.RoomSheet, req.SheetID, req.Level); err != nil {
		return denied(types.CodeSheetAccessDenied, err)
	}

	key := types.NewRoomKey(types.RoomSheet, req.SheetID)
	current := conn.Rooms().SheetID
	rejoin := current == req.SheetID && m.deps.Presence.Contains(key, conn.ID())
	if current != "" && current != req.SheetID {
		m.leaveSheet(conn, current)
	}

	m.deps.Presence.Join(key, m.member(conn))
	m.deps.Collab.Join(req.SheetID, conn.ID(), conn.Identity().Summary())
	conn.SetSheetRoom(req.SheetID, req.Level)

	if err := conn.Send(types.EventCollaborationState, m.deps.Collab.Snapshot(req.SheetID)); err != nil {
		m.logger.Warn("failed to deliver collaboration snapshot", zap.String("conn_id", conn.ID()), zap.Error(err))
	}

	if !rejoin {
		m.deps.Broadcaster.Room(key, conn.ID(), types.EventUserJoinedSheet, types.PresenceEvent{
			SheetID: req.SheetID,
			Sender:  m.sender(conn),
		})
	}

	m.logger.Debug("joined sheet",
		zap.String("conn_id", conn.ID()),
		zap.String("sheet_id", req.SheetID),
		zap.String("level", string(req.Level)))
	return nil
}

// LeaveSheet unsubscribes conn from its sheet room and drops its
// collaboration state.
func (m *Manager) LeaveSheet(conn interfaces.Connection, data json.RawMessage) error {
	var req types.SheetRoomRequest
	if err := decodeOptional(data, &req); err != nil {
		return err
	}

	current := conn.Rooms().SheetID
	if req.SheetID != "" && req.SheetID != current {
		return types.NewCodedError(types.CodeNotInRoom, router.ErrNotInRoom)
	}
	if current == "" {
		return nil
	}
	m.leaveSheet(conn, current)
	return nil
}

func (m *Manager) leaveSheet(conn interfaces.Connection, sheetID string) {
	key := types.NewRoomKey(types.RoomSheet, sheetID)
	m.deps.Collab.RemoveConnection(sheetID, conn.ID())
	wasMember := m.deps.Presence.Leave(key, conn.ID())
	conn.SetSheetRoom("", "")

	if wasMember {
		m.deps.Broadcaster.Room(key, conn.ID(), types.EventUserLeftSheet, types.PresenceEvent{
			SheetID: sheetID,
			Sender:  m.sender(conn),
		})
	}
}

// Disconnect releases everything conn holds. It runs at most once per
// connection and tolerates partially joined state
// FUNCTIONAL DISCOVERY: Rooms are taken from the presence index rather than
// the connection, so a crash between a presence add and the room bookkeeping
// still gets cleaned up
func (m *Manager) Disconnect(conn interfaces.Connection) {
	if !conn.BeginCleanup() {
		return
	}
	connID := conn.ID()

	rooms := conn.Rooms()
	if rooms.SheetID != "" {
		m.deps.Collab.RemoveConnection(rooms.SheetID, connID)
	}

	left := m.deps.Presence.RemoveConnection(connID)
	sender := m.sender(conn)

	for _, key := range left {
		if key.Kind() != types.RoomSheet {
			continue
		}
		m.deps.Collab.RemoveConnection(key.ID(), connID)
		m.deps.Broadcaster.Room(key, connID, types.EventUserLeftSheet, types.PresenceEvent{SheetID: key.ID(), Sender: sender})
	}
	for _, key := range left {
		if key.Kind() != types.RoomProject {
			continue
		}
		m.deps.Broadcaster.Room(key, connID, types.EventUserLeft, types.PresenceEvent{ProjectID: key.ID(), Sender: sender})
	}

	conn.SetSheetRoom("", "")
	conn.SetProjectRoom("")

	if m.deps.Limiter != nil {
		m.deps.Limiter.Release(connID)
	}
	if m.deps.Arena.Unregister(connID) {
		m.deps.Metrics.ConnectionClosed()
	}

	m.logger.Info("connection closed",
		zap.String("conn_id", connID),
		zap.String("identity_id", conn.Identity().ID),
		zap.Int("rooms_left", len(left)))
}
