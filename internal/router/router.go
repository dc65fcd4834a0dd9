// Package router relays domain events from one connection to the other
// members of its project or sheet room.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"collabhub/internal/collab"
	"collabhub/internal/metrics"
	"collabhub/pkg/interfaces"
	"collabhub/pkg/types"
)

// EventLimiter admits rate-sensitive events per connection.
type EventLimiter interface {
	AdmitEvent(connID string) bool
}

// Router implements the EventRouter interface
// ARCHITECTURAL DISCOVERY: Every event runs the same pipeline:
// rate limit -> validate -> apply -> broadcast. Failures stop the pipeline
// and are reported to the sender only
type Router struct {
	broadcaster *Broadcaster
	collab      *collab.Store
	limiter     EventLimiter
	messages    interfaces.MessageStore
	clock       clock.Clock
	metrics     *metrics.Collector
	logger      *zap.Logger
}

var _ interfaces.EventRouter = (*Router)(nil)

// Option customizes a Router.
type Option func(*Router)

// WithClock swaps the time source for server timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Router) { r.clock = c }
}

// WithMetrics records per-event outcomes.
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Router) { r.metrics = m }
}

// NewRouter creates a new event router
// FUNCTIONAL DISCOVERY: Dependency injection enables testing with mock components
func NewRouter(broadcaster *Broadcaster, store *collab.Store, limiter EventLimiter, messages interfaces.MessageStore, logger *zap.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		broadcaster: broadcaster,
		collab:      store,
		limiter:     limiter,
		messages:    messages,
		clock:       clock.New(),
		logger:      logger.Named("router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route handles one inbound event to completion.
func (r *Router) Route(ctx context.Context, conn interfaces.Connection, envelope *types.Envelope) error {
	err := r.route(ctx, conn, envelope)
	if err != nil {
		r.metrics.Event(envelope.Event, metrics.ResultRejected)
		r.logger.Debug("event rejected",
			zap.String("conn_id", conn.ID()),
			zap.String("event", envelope.Event),
			zap.Error(err))
		return err
	}
	r.metrics.Event(envelope.Event, metrics.ResultOK)
	return nil
}

func (r *Router) route(ctx context.Context, conn interfaces.Connection, envelope *types.Envelope) error {
	if !types.IsRoutedEvent(envelope.Event) {
		return types.ErrUnknownEvent
	}

	// TECHNICAL DISCOVERY: Rate limiting runs before decoding, so a flood of
	// malformed events still spends the sender's budget
	if types.IsRateSensitive(envelope.Event) && !r.limiter.AdmitEvent(conn.ID()) {
		return types.NewCodedError(types.CodeRateLimit, types.ErrRateLimited)
	}

	switch envelope.Event {
	case types.EventCursorMove:
		return r.cursorMove(conn, envelope.Data)
	case types.EventCellEdit:
		return r.cellEdit(conn, envelope.Data)
	case types.EventSelectionChange:
		return r.selectionChange(conn, envelope.Data)
	case types.EventTypingStart:
		return r.typing(conn, envelope.Data, true)
	case types.EventTypingStop:
		return r.typing(conn, envelope.Data, false)
	case types.EventChatMessage:
		return r.chatMessage(ctx, conn, envelope.Data)
	case types.EventFileUploaded:
		return r.fileUploaded(conn, envelope.Data)
	case types.EventProjectUpdate:
		return r.projectUpdate(conn, envelope.Data)
	default:
		return types.ErrUnknownEvent
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

func (r *Router) sender(conn interfaces.Connection) types.Sender {
	return types.Sender{
		User:         conn.Identity().Summary(),
		ConnectionID: conn.ID(),
		Timestamp:    r.clock.Now().UTC(),
	}
}

// requireSheet checks that conn has joined sheetID and returns the granted level.
func requireSheet(conn interfaces.Connection, sheetID string) (types.AccessLevel, error) {
	rooms := conn.Rooms()
	if rooms.SheetID == "" || rooms.SheetID != sheetID {
		return "", types.NewCodedError(types.CodeNotInRoom, ErrNotInRoom)
	}
	return rooms.SheetLevel, nil
}

func requireProject(conn interfaces.Connection, projectID string) error {
	rooms := conn.Rooms()
	if rooms.ProjectID == "" || rooms.ProjectID != projectID {
		return types.NewCodedError(types.CodeNotInRoom, ErrNotInRoom)
	}
	return nil
}

// collabError maps a store miss to the same not-in-room error a stale room
// check would give.
func collabError(err error) error {
	if errors.Is(err, collab.ErrNotParticipant) {
		return types.NewCodedError(types.CodeNotInRoom, ErrNotInRoom)
	}
	return err
}

func (r *Router) cursorMove(conn interfaces.Connection, data json.RawMessage) error {
	var req types.CursorMove
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if _, err := requireSheet(conn, req.SheetID); err != nil {
		return err
	}

	pos := types.CursorPosition{X: *req.X, Y: *req.Y}
	if err := r.collab.SetCursor(req.SheetID, conn.ID(), pos); err != nil {
		return collabError(err)
	}

	r.broadcaster.Room(types.NewRoomKey(types.RoomSheet, req.SheetID), conn.ID(), types.EventCursorMoved, types.CursorMoved{
		SheetID: req.SheetID,
		X:       pos.X,
		Y:       pos.Y,
		Sender:  r.sender(conn),
	})
	return nil
}

// cellEdit relays an edit without storing it
// FUNCTIONAL DISCOVERY: No conflict resolution; concurrent edits to one cell
// are relayed in arrival order and the last one wins on every client
func (r *Router) cellEdit(conn interfaces.Connection, data json.RawMessage) error {
	var req types.CellEdit
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	level, err := requireSheet(conn, req.SheetID)
	if err != nil {
		return err
	}
	if !level.Allows(types.LevelEdit) {
		return types.NewCodedError(types.CodeEditNotAllowed, ErrEditNotAllowed)
	}

	r.broadcaster.Room(types.NewRoomKey(types.RoomSheet, req.SheetID), conn.ID(), types.EventCellEdited, types.CellEdited{
		SheetID:       req.SheetID,
		CellID:        req.CellID,
		Value:         req.Value,
		PreviousValue: req.PreviousValue,
		Sender:        r.sender(conn),
	})
	return nil
}

func (r *Router) selectionChange(conn interfaces.Connection, data json.RawMessage) error {
	var req types.SelectionChange
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if _, err := requireSheet(conn, req.SheetID); err != nil {
		return err
	}

	if err := r.collab.SetSelection(req.SheetID, conn.ID(), *req.Range); err != nil {
		return collabError(err)
	}

	r.broadcaster.Room(types.NewRoomKey(types.RoomSheet, req.SheetID), conn.ID(), types.EventSelectionChanged, types.SelectionChanged{
		SheetID: req.SheetID,
		Range:   *req.Range,
		Sender:  r.sender(conn),
	})
	return nil
}

func (r *Router) typing(conn interfaces.Connection, data json.RawMessage, active bool) error {
	var req types.TypingRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := req.Validate(active); err != nil {
		return err
	}
	if _, err := requireSheet(conn, req.SheetID); err != nil {
		return err
	}

	if err := r.collab.SetTyping(req.SheetID, conn.ID(), req.CellID, active); err != nil {
		return collabError(err)
	}

	event := types.EventUserTyping
	if !active {
		event = types.EventUserStoppedTyping
	}
	r.broadcaster.Room(types.NewRoomKey(types.RoomSheet, req.SheetID), conn.ID(), event, types.TypingEvent{
		SheetID: req.SheetID,
		CellID:  req.CellID,
		Sender:  r.sender(conn),
	})
	return nil
}

// chatMessage persists before broadcasting
// ARCHITECTURAL DISCOVERY: Persist-then-route; a message that failed to save
// is never seen by anyone
func (r *Router) chatMessage(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error {
	var req types.ChatMessageRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if err := requireProject(conn, req.ProjectID); err != nil {
		return err
	}

	sender := r.sender(conn)
	record := &types.ChatMessage{
		ProjectID: req.ProjectID,
		UserID:    sender.User.ID,
		UserName:  sender.User.Name,
		Message:   req.Message,
		CreatedAt: sender.Timestamp,
	}
	id, err := r.messages.SaveChatMessage(ctx, record)
	if err != nil {
		r.logger.Error("failed to persist chat message",
			zap.String("conn_id", conn.ID()),
			zap.String("project_id", req.ProjectID),
			zap.Error(err))
		return fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}

	r.broadcaster.Room(types.NewRoomKey(types.RoomProject, req.ProjectID), conn.ID(), types.EventChatMessage, types.ChatMessageEvent{
		ID:        id,
		ProjectID: req.ProjectID,
		Message:   req.Message,
		Sender:    sender,
	})
	return nil
}

// relayObject checks that a pass-through payload is a JSON object without
// decoding it into a Go value.
func relayObject(raw json.RawMessage) error {
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return ErrInvalidRelayPayload
	}
	return nil
}

func (r *Router) fileUploaded(conn interfaces.Connection, data json.RawMessage) error {
	var req types.FileUploadedRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if err := relayObject(req.File); err != nil {
		return err
	}
	if err := requireProject(conn, req.ProjectID); err != nil {
		return err
	}

	r.logger.Debug("file uploaded",
		zap.String("project_id", req.ProjectID),
		zap.String("file_name", gjson.GetBytes(req.File, "name").String()))

	r.broadcaster.Room(types.NewRoomKey(types.RoomProject, req.ProjectID), conn.ID(), types.EventFileUploaded, types.ProjectRelayEvent{
		ProjectID: req.ProjectID,
		File:      req.File,
		Sender:    r.sender(conn),
	})
	return nil
}

func (r *Router) projectUpdate(conn interfaces.Connection, data json.RawMessage) error {
	var req types.ProjectUpdateRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if err := relayObject(req.Update); err != nil {
		return err
	}
	if err := requireProject(conn, req.ProjectID); err != nil {
		return err
	}

	r.broadcaster.Room(types.NewRoomKey(types.RoomProject, req.ProjectID), conn.ID(), types.EventProjectUpdate, types.ProjectRelayEvent{
		ProjectID: req.ProjectID,
		Update:    req.Update,
		Sender:    r.sender(conn),
	})
	return nil
}
