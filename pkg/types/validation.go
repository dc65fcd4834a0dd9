package types

import (
	"regexp"
	"unicode/utf8"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var (
	roomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	cellIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_:-]+$`)
)

const (
	maxIDLength      = 64
	maxMessageLength = 5000
	maxPayloadBytes  = 65536
)

// IsValidRoomID checks project and sheet identifiers.
func IsValidRoomID(id string) bool {
	if len(id) < 1 || len(id) > maxIDLength {
		return false
	}
	return roomIDRegex.MatchString(id)
}

// IsValidCellID checks spreadsheet cell identifiers such as "B12" or "r3:c4".
func IsValidCellID(id string) bool {
	if len(id) < 1 || len(id) > maxIDLength {
		return false
	}
	return cellIDRegex.MatchString(id)
}

func (r *ProjectRoomRequest) Validate() error {
	if !IsValidRoomID(r.ProjectID) {
		return ErrInvalidRoomID
	}
	return nil
}

// Validate defaults an empty level to edit: sheet rooms exist for co-editing.
func (r *SheetRoomRequest) Validate() error {
	if !IsValidRoomID(r.SheetID) {
		return ErrInvalidRoomID
	}
	if r.Level == "" {
		r.Level = LevelEdit
	}
	if !r.Level.IsValid() {
		return ErrInvalidLevel
	}
	return nil
}

func (c *CursorMove) Validate() error {
	if !IsValidRoomID(c.SheetID) {
		return ErrInvalidRoomID
	}
	if c.X == nil || c.Y == nil {
		return ErrMissingCoordinate
	}
	return nil
}

func (c *CellEdit) Validate() error {
	if !IsValidRoomID(c.SheetID) {
		return ErrInvalidRoomID
	}
	if !IsValidCellID(c.CellID) {
		return ErrInvalidCellID
	}
	if len(c.Value)+len(c.PreviousValue) > maxPayloadBytes {
		return ErrContentTooLarge
	}
	return nil
}

// Validate rejects negative coordinates and normalizes a range dragged
// backwards so that start <= end on both axes.
func (s *SelectionChange) Validate() error {
	if !IsValidRoomID(s.SheetID) {
		return ErrInvalidRoomID
	}
	if s.Range == nil {
		return ErrMissingPayload
	}
	r := s.Range
	if r.StartRow < 0 || r.StartCol < 0 || r.EndRow < 0 || r.EndCol < 0 {
		return ErrInvalidRange
	}
	if r.StartRow > r.EndRow {
		r.StartRow, r.EndRow = r.EndRow, r.StartRow
	}
	if r.StartCol > r.EndCol {
		r.StartCol, r.EndCol = r.EndCol, r.StartCol
	}
	return nil
}

// Validate requires a cell for typing_start; typing_stop may omit it.
func (t *TypingRequest) Validate(requireCell bool) error {
	if !IsValidRoomID(t.SheetID) {
		return ErrInvalidRoomID
	}
	if requireCell || t.CellID != "" {
		if !IsValidCellID(t.CellID) {
			return ErrInvalidCellID
		}
	}
	return nil
}

func (c *ChatMessageRequest) Validate() error {
	if !IsValidRoomID(c.ProjectID) {
		return ErrInvalidRoomID
	}
	n := utf8.RuneCountInString(c.Message)
	if n < 1 || n > maxMessageLength {
		return ErrEmptyMessage
	}
	return nil
}

func (f *FileUploadedRequest) Validate() error {
	if !IsValidRoomID(f.ProjectID) {
		return ErrInvalidRoomID
	}
	if len(f.File) == 0 {
		return ErrMissingPayload
	}
	if len(f.File) > maxPayloadBytes {
		return ErrContentTooLarge
	}
	return nil
}

func (p *ProjectUpdateRequest) Validate() error {
	if !IsValidRoomID(p.ProjectID) {
		return ErrInvalidRoomID
	}
	if len(p.Update) == 0 {
		return ErrMissingPayload
	}
	if len(p.Update) > maxPayloadBytes {
		return ErrContentTooLarge
	}
	return nil
}

// Validate fills in server-side defaults for a notification pushed by an
// outside system. Title and message are required.
func (n *Notification) Validate() error {
	if n.Title == "" || n.Message == "" {
		return ErrMissingPayload
	}
	if n.Type == "" {
		n.Type = "info"
	}
	if n.Priority == "" {
		n.Priority = "normal"
	}
	return nil
}
