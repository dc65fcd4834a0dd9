package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func float(v float64) *float64 { return &v }

func TestAccessLevel_Allows(t *testing.T) {
	tests := []struct {
		granted  AccessLevel
		required AccessLevel
		want     bool
	}{
		{LevelView, LevelView, true},
		{LevelView, LevelEdit, false},
		{LevelEdit, LevelView, true},
		{LevelEdit, LevelEdit, true},
		{LevelEdit, LevelAdmin, false},
		{LevelAdmin, LevelEdit, true},
		{AccessLevel("owner"), LevelView, false},
		{AccessLevel(""), AccessLevel(""), false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_allows_%s", tt.granted, tt.required), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.granted.Allows(tt.required))
		})
	}
}

func TestRoomKey(t *testing.T) {
	key := NewRoomKey(RoomSheet, "sheet-42")
	assert.Equal(t, RoomKey("sheet:sheet-42"), key)
	assert.Equal(t, RoomSheet, key.Kind())
	assert.Equal(t, "sheet-42", key.ID())

	project := NewRoomKey(RoomProject, "p1")
	assert.Equal(t, RoomProject, project.Kind())
	assert.NotEqual(t, key, NewRoomKey(RoomProject, "sheet-42"))
}

func TestIsValidRoomID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"object id", "64f1c2a9e4b0a1b2c3d4e5f6", true},
		{"uuid", "0b8f3a52-6f0e-4a1a-9a57-0d3c0c6f1a2b", true},
		{"underscore", "sheet_7", true},
		{"64 chars", strings.Repeat("a", 64), true},
		{"empty", "", false},
		{"too long", strings.Repeat("a", 65), false},
		{"colon", "sheet:7", false},
		{"space", "sheet 7", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidRoomID(tt.id))
		})
	}
}

func TestSheetRoomRequest_DefaultsToEdit(t *testing.T) {
	req := SheetRoomRequest{SheetID: "sheet-7"}
	require.NoError(t, req.Validate())
	assert.Equal(t, LevelEdit, req.Level)

	req = SheetRoomRequest{SheetID: "sheet-7", Level: "owner"}
	assert.ErrorIs(t, req.Validate(), ErrInvalidLevel)
}

func TestCursorMove_Validate(t *testing.T) {
	tests := []struct {
		name    string
		move    CursorMove
		wantErr error
	}{
		{"valid", CursorMove{SheetID: "s1", X: float(10), Y: float(20)}, nil},
		{"zero coordinates are valid", CursorMove{SheetID: "s1", X: float(0), Y: float(0)}, nil},
		{"missing x", CursorMove{SheetID: "s1", Y: float(20)}, ErrMissingCoordinate},
		{"missing y", CursorMove{SheetID: "s1", X: float(10)}, ErrMissingCoordinate},
		{"bad sheet", CursorMove{SheetID: "", X: float(1), Y: float(1)}, ErrInvalidRoomID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.move.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestCursorMove_DecodeDistinguishesMissingFromZero(t *testing.T) {
	var move CursorMove
	require.NoError(t, json.Unmarshal([]byte(`{"sheetId":"s1","x":0}`), &move))
	assert.ErrorIs(t, move.Validate(), ErrMissingCoordinate)

	require.NoError(t, json.Unmarshal([]byte(`{"sheetId":"s1","x":0,"y":0}`), &move))
	assert.NoError(t, move.Validate())
}

func TestSelectionChange_Validate(t *testing.T) {
	sel := SelectionChange{SheetID: "s1", Range: &SelectionRange{StartRow: 5, StartCol: 3, EndRow: 1, EndCol: 0}}
	require.NoError(t, sel.Validate())
	assert.Equal(t, SelectionRange{StartRow: 1, StartCol: 0, EndRow: 5, EndCol: 3}, *sel.Range)

	neg := SelectionChange{SheetID: "s1", Range: &SelectionRange{StartRow: -1}}
	assert.ErrorIs(t, neg.Validate(), ErrInvalidRange)

	missing := SelectionChange{SheetID: "s1"}
	assert.ErrorIs(t, missing.Validate(), ErrMissingPayload)
}

func TestTypingRequest_Validate(t *testing.T) {
	start := TypingRequest{SheetID: "s1"}
	assert.ErrorIs(t, start.Validate(true), ErrInvalidCellID)

	stop := TypingRequest{SheetID: "s1"}
	assert.NoError(t, stop.Validate(false))

	bad := TypingRequest{SheetID: "s1", CellID: "A 1"}
	assert.ErrorIs(t, bad.Validate(false), ErrInvalidCellID)
}

func TestChatMessageRequest_Validate(t *testing.T) {
	assert.NoError(t, (&ChatMessageRequest{ProjectID: "p1", Message: "pour scheduled for 7am"}).Validate())
	assert.ErrorIs(t, (&ChatMessageRequest{ProjectID: "p1"}).Validate(), ErrEmptyMessage)
	assert.ErrorIs(t, (&ChatMessageRequest{ProjectID: "p1", Message: strings.Repeat("x", 5001)}).Validate(), ErrEmptyMessage)
}

func TestCellEdit_ContentTooLarge(t *testing.T) {
	edit := CellEdit{SheetID: "s1", CellID: "A1", Value: json.RawMessage(`"` + strings.Repeat("x", 65536) + `"`)}
	assert.ErrorIs(t, edit.Validate(), ErrContentTooLarge)
}

func TestNotification_ValidateDefaults(t *testing.T) {
	n := Notification{Title: "Inspection", Message: "Framing inspection passed"}
	require.NoError(t, n.Validate())
	assert.Equal(t, "info", n.Type)
	assert.Equal(t, "normal", n.Priority)

	assert.ErrorIs(t, (&Notification{Title: "x"}).Validate(), ErrMissingPayload)
}

func TestErrorPayloadFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"event error keeps code", NewCodedError(CodeSheetAccessDenied, ErrAccessDenied), CodeSheetAccessDenied},
		{"rate limited", fmt.Errorf("conn c1: %w", ErrRateLimited), CodeRateLimit},
		{"validation", ErrInvalidRoomID, CodeValidation},
		{"unknown event", ErrUnknownEvent, CodeUnknownEvent},
		{"persistence", fmt.Errorf("%w: disk full", ErrPersistence), CodePersistence},
		{"access denied", ErrAccessDenied, CodeAccessDenied},
		{"other", errors.New("boom"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, ErrorPayloadFor(tt.err).Code)
		})
	}

	assert.Equal(t, "internal error", ErrorPayloadFor(errors.New("secret detail")).Message)
}

func TestSenderFlattensIntoRelayedEvents(t *testing.T) {
	ev := CursorMoved{SheetID: "s1", X: 10, Y: 20, Sender: Sender{User: UserSummary{ID: "u1", Name: "Ana"}, ConnectionID: "c1"}}
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "c1", decoded["connectionId"])
	assert.Equal(t, float64(10), decoded["x"])
	assert.Contains(t, decoded, "user")
	assert.Contains(t, decoded, "timestamp")
}

func TestEventClassification(t *testing.T) {
	for _, ev := range []string{EventCellEdit, EventChatMessage, EventFileUploaded, EventProjectUpdate} {
		assert.True(t, IsRateSensitive(ev), ev)
		assert.True(t, IsRoutedEvent(ev), ev)
	}
	for _, ev := range []string{EventCursorMove, EventSelectionChange, EventTypingStart, EventTypingStop} {
		assert.False(t, IsRateSensitive(ev), ev)
		assert.True(t, IsRoutedEvent(ev), ev)
	}
	for _, ev := range []string{EventJoinProject, EventLeaveSheet, "bogus"} {
		assert.False(t, IsRoutedEvent(ev), ev)
	}
}

func TestCodedError_WrapsKindAndKeepsWireEventName(t *testing.T) {
	err := fmt.Errorf("join s1: %w", NewCodedError(CodeNotInRoom, ErrValidation))

	var coded *CodedError
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, CodeNotInRoom, coded.Code)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, ErrorPayload{Message: ErrValidation.Error(), Code: CodeNotInRoom}, ErrorPayloadFor(err))

	assert.Equal(t, "error", EventError)
}
