package types

import (
	"encoding/json"
	"strings"
	"time"
)

// ARCHITECTURAL DISCOVERY: Event names are the wire vocabulary shared with the
// browser client; they are defined once here and never built from strings elsewhere
const (
	EventJoinProject     = "join_project"
	EventLeaveProject    = "leave_project"
	EventJoinSheet       = "join_sheet"
	EventLeaveSheet      = "leave_sheet"
	EventCursorMove      = "cursor_move"
	EventCellEdit        = "cell_edit"
	EventSelectionChange = "selection_change"
	EventTypingStart     = "typing_start"
	EventTypingStop      = "typing_stop"
	EventChatMessage     = "chat_message"
	EventFileUploaded    = "file_uploaded"
	EventProjectUpdate   = "project_update"
)

// Server to client only
const (
	EventUserJoined          = "user_joined"
	EventUserLeft            = "user_left"
	EventJoinedProject       = "joined_project"
	EventUserJoinedSheet     = "user_joined_sheet"
	EventUserLeftSheet       = "user_left_sheet"
	EventCollaborationState  = "collaboration_state"
	EventCursorMoved         = "cursor_moved"
	EventCellEdited          = "cell_edited"
	EventSelectionChanged    = "selection_changed"
	EventUserTyping          = "user_typing"
	EventUserStoppedTyping   = "user_stopped_typing"
	EventError               = "error"
	EventNotification        = "notification"
	EventProjectNotification = "project_notification"
)

// Identity roles as issued by the record store
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleMember  = "member"
	RoleViewer  = "viewer"
)

// AccessLevel is the permission a join request asks for.
type AccessLevel string

const (
	LevelView  AccessLevel = "view"
	LevelEdit  AccessLevel = "edit"
	LevelAdmin AccessLevel = "admin"
)

// Rank orders levels so that a higher rank implies every lower one.
// Unknown levels rank zero and therefore never satisfy a check.
func (l AccessLevel) Rank() int {
	switch l {
	case LevelView:
		return 1
	case LevelEdit:
		return 2
	case LevelAdmin:
		return 3
	default:
		return 0
	}
}

// Allows reports whether a grant at level l satisfies required.
func (l AccessLevel) Allows(required AccessLevel) bool {
	return l.Rank() > 0 && l.Rank() >= required.Rank()
}

// IsValid reports whether l is one of view, edit, admin.
func (l AccessLevel) IsValid() bool {
	return l.Rank() > 0
}

// RoomKind distinguishes the broad project room from the narrow sheet room.
type RoomKind string

const (
	RoomProject RoomKind = "project"
	RoomSheet   RoomKind = "sheet"
)

// RoomKey names an implicit room. Rooms have no lifetime of their own;
// a key only groups the connections currently subscribed to it.
type RoomKey string

// NewRoomKey builds the key for a room of the given kind.
func NewRoomKey(kind RoomKind, id string) RoomKey {
	return RoomKey(string(kind) + ":" + id)
}

// Kind returns the room kind encoded in the key.
func (k RoomKey) Kind() RoomKind {
	kind, _, _ := strings.Cut(string(k), ":")
	return RoomKind(kind)
}

// ID returns the room id encoded in the key.
func (k RoomKey) ID() string {
	_, id, _ := strings.Cut(string(k), ":")
	return id
}

// Identity is the authenticated user behind a connection.
// FUNCTIONAL DISCOVERY: Loaded once at authentication and treated as immutable
// for the lifetime of the connection
type Identity struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Active bool   `json:"active"`
}

// Summary returns the public view of the identity attached to relayed events.
func (i *Identity) Summary() UserSummary {
	if i == nil {
		return UserSummary{}
	}
	return UserSummary{ID: i.ID, Name: i.Name, Role: i.Role}
}

// ConnectionRooms is the room membership of one connection: at most one
// project room and at most one sheet room.
type ConnectionRooms struct {
	ProjectID  string
	SheetID    string
	SheetLevel AccessLevel
}

type UserSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// AccessDecision is the answer of the access-control collaborator.
type AccessDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Envelope is the inbound wire frame: an event name plus its raw payload.
// ARCHITECTURAL DISCOVERY: Data stays raw until the event name selects a payload type
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundEvent is the frame written to clients.
type OutboundEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Sender enriches every relayed event with who sent it and when the server saw it.
type Sender struct {
	User         UserSummary `json:"user"`
	ConnectionID string      `json:"connectionId"`
	Timestamp    time.Time   `json:"timestamp"`
}

// Inbound payloads

type ProjectRoomRequest struct {
	ProjectID string `json:"projectId"`
}

type SheetRoomRequest struct {
	SheetID string      `json:"sheetId"`
	Level   AccessLevel `json:"level,omitempty"`
}

// CursorMove uses pointers so that a missing coordinate is distinguishable from zero.
type CursorMove struct {
	SheetID string   `json:"sheetId"`
	X       *float64 `json:"x"`
	Y       *float64 `json:"y"`
}

type CellEdit struct {
	SheetID       string          `json:"sheetId"`
	CellID        string          `json:"cellId"`
	Value         json.RawMessage `json:"value"`
	PreviousValue json.RawMessage `json:"previousValue,omitempty"`
}

type SelectionChange struct {
	SheetID string          `json:"sheetId"`
	Range   *SelectionRange `json:"range"`
}

type TypingRequest struct {
	SheetID string `json:"sheetId"`
	CellID  string `json:"cellId"`
}

type ChatMessageRequest struct {
	ProjectID string `json:"projectId"`
	Message   string `json:"message"`
}

type FileUploadedRequest struct {
	ProjectID string          `json:"projectId"`
	File      json.RawMessage `json:"file"`
}

type ProjectUpdateRequest struct {
	ProjectID string          `json:"projectId"`
	Update    json.RawMessage `json:"update"`
}

// Collaboration state

type CursorPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// SelectionRange is a rectangular cell range, stored normalized so start <= end.
type SelectionRange struct {
	StartRow int `json:"startRow"`
	StartCol int `json:"startCol"`
	EndRow   int `json:"endRow"`
	EndCol   int `json:"endCol"`
}

type TypingState struct {
	CellID string    `json:"cellId"`
	Since  time.Time `json:"since"`
}

// ParticipantState is the ephemeral per-connection state inside one sheet room.
type ParticipantState struct {
	ConnectionID string          `json:"connectionId"`
	User         UserSummary     `json:"user"`
	JoinedAt     time.Time       `json:"joinedAt"`
	Cursor       *CursorPosition `json:"cursor,omitempty"`
	Selection    *SelectionRange `json:"selection,omitempty"`
	Typing       *TypingState    `json:"typing,omitempty"`
}

type Participant struct {
	ConnectionID string      `json:"connectionId"`
	User         UserSummary `json:"user"`
	JoinedAt     time.Time   `json:"joinedAt"`
}

type CursorEntry struct {
	ConnectionID string      `json:"connectionId"`
	User         UserSummary `json:"user"`
	X            float64     `json:"x"`
	Y            float64     `json:"y"`
}

type SelectionEntry struct {
	ConnectionID string         `json:"connectionId"`
	User         UserSummary    `json:"user"`
	Range        SelectionRange `json:"range"`
}

type TypingEntry struct {
	ConnectionID string      `json:"connectionId"`
	User         UserSummary `json:"user"`
	CellID       string      `json:"cellId"`
}

// CollaborationState is the snapshot handed to a newly joined sheet connection.
type CollaborationState struct {
	SheetID      string           `json:"sheetId"`
	Participants []Participant    `json:"participants"`
	Cursors      []CursorEntry    `json:"cursors"`
	Selections   []SelectionEntry `json:"selections"`
	Typing       []TypingEntry    `json:"typing"`
}

// Outbound payloads

type PresenceEvent struct {
	ProjectID string `json:"projectId,omitempty"`
	SheetID   string `json:"sheetId,omitempty"`
	Sender
}

type ProjectJoined struct {
	ProjectID      string         `json:"projectId"`
	Members        []Participant  `json:"members"`
	RecentMessages []*ChatMessage `json:"recentMessages"`
}

type CursorMoved struct {
	SheetID string  `json:"sheetId"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Sender
}

type CellEdited struct {
	SheetID       string          `json:"sheetId"`
	CellID        string          `json:"cellId"`
	Value         json.RawMessage `json:"value"`
	PreviousValue json.RawMessage `json:"previousValue,omitempty"`
	Sender
}

type SelectionChanged struct {
	SheetID string         `json:"sheetId"`
	Range   SelectionRange `json:"range"`
	Sender
}

type TypingEvent struct {
	SheetID string `json:"sheetId"`
	CellID  string `json:"cellId,omitempty"`
	Sender
}

type ChatMessageEvent struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Message   string `json:"message"`
	Sender
}

type ProjectRelayEvent struct {
	ProjectID string          `json:"projectId"`
	File      json.RawMessage `json:"file,omitempty"`
	Update    json.RawMessage `json:"update,omitempty"`
	Sender
}

// ChatMessage is the persisted form of a project chat message.
type ChatMessage struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Notification is relayed verbatim by the notification dispatcher.
type Notification struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Message          string    `json:"message"`
	Type             string    `json:"type"`
	Priority         string    `json:"priority"`
	Timestamp        time.Time `json:"timestamp"`
	RelatedProjectID string    `json:"relatedProjectId,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// IsRateSensitive reports whether an event counts against the per-connection
// event budget. Presence pings (cursor, selection, typing) are exempt.
func IsRateSensitive(event string) bool {
	switch event {
	case EventCellEdit, EventChatMessage, EventFileUploaded, EventProjectUpdate:
		return true
	default:
		return false
	}
}

// IsRoutedEvent reports whether an event is handled by the event router
// rather than by the connection lifecycle.
func IsRoutedEvent(event string) bool {
	switch event {
	case EventCursorMove, EventCellEdit, EventSelectionChange, EventTypingStart,
		EventTypingStop, EventChatMessage, EventFileUploaded, EventProjectUpdate:
		return true
	default:
		return false
	}
}
