// Package collab holds the ephemeral per-sheet collaboration state:
// cursors, selections and typing targets of every joined connection.
package collab

import (
	"sort"
	"sync"

	"github.com/benbjohnson/clock"

	"collabhub/pkg/types"
)

// room is the container for one sheet
// TECHNICAL DISCOVERY: Per-room mutex keeps cursor traffic on one sheet from
// contending with every other sheet
type room struct {
	mu           sync.Mutex
	participants map[string]*types.ParticipantState // connID -> state
}

// Store is keyed sheet id -> connection id -> participant state
// ARCHITECTURAL DISCOVERY: Two lock levels. The map lock is held (read) for the
// full duration of every room operation, so a room can only be deleted while
// no one else is inside it
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*room
	clock clock.Clock
}

// Option customizes a Store.
type Option func(*Store)

// WithClock swaps the time source used for join and typing timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// NewStore creates an empty collaboration store
func NewStore(opts ...Option) *Store {
	s := &Store{
		rooms: make(map[string]*room),
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Join creates the sheet container if needed and initializes an empty
// participant state for connID. Joining again keeps the existing state.
func (s *Store) Join(sheetID, connID string, user types.UserSummary) types.ParticipantState {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[sheetID]
	if !ok {
		r = &room{participants: make(map[string]*types.ParticipantState)}
		s.rooms[sheetID] = r
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.participants[connID]
	if !ok {
		state = &types.ParticipantState{
			ConnectionID: connID,
			User:         user,
			JoinedAt:     s.clock.Now(),
		}
		r.participants[connID] = state
	}
	return *state
}

// withParticipant runs fn on connID's state under the room lock.
func (s *Store) withParticipant(sheetID, connID string, fn func(*types.ParticipantState)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[sheetID]
	if !ok {
		return ErrNotParticipant
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.participants[connID]
	if !ok {
		return ErrNotParticipant
	}
	fn(state)
	return nil
}

// SetCursor records connID's latest cursor position.
func (s *Store) SetCursor(sheetID, connID string, pos types.CursorPosition) error {
	return s.withParticipant(sheetID, connID, func(p *types.ParticipantState) {
		p.Cursor = &pos
	})
}

// SetSelection records connID's latest selection range.
func (s *Store) SetSelection(sheetID, connID string, sel types.SelectionRange) error {
	return s.withParticipant(sheetID, connID, func(p *types.ParticipantState) {
		p.Selection = &sel
	})
}

// SetTyping sets or clears connID's typing target
// FUNCTIONAL DISCOVERY: One target per connection; a new typing_start replaces
// the previous cell and typing_stop clears it regardless of cell
func (s *Store) SetTyping(sheetID, connID, cellID string, active bool) error {
	now := s.clock.Now()
	return s.withParticipant(sheetID, connID, func(p *types.ParticipantState) {
		if !active {
			p.Typing = nil
			return
		}
		p.Typing = &types.TypingState{CellID: cellID, Since: now}
	})
}

// Snapshot returns a consistent copy of the sheet's state read under one
// room lock. An unknown sheet yields an empty snapshot.
func (s *Store) Snapshot(sheetID string) types.CollaborationState {
	snap := types.CollaborationState{
		SheetID:      sheetID,
		Participants: []types.Participant{},
		Cursors:      []types.CursorEntry{},
		Selections:   []types.SelectionEntry{},
		Typing:       []types.TypingEntry{},
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[sheetID]
	if !ok {
		return snap
	}

	r.mu.Lock()
	states := make([]types.ParticipantState, 0, len(r.participants))
	for _, p := range r.participants {
		states = append(states, *p)
	}
	r.mu.Unlock()

	sort.Slice(states, func(i, j int) bool {
		if !states[i].JoinedAt.Equal(states[j].JoinedAt) {
			return states[i].JoinedAt.Before(states[j].JoinedAt)
		}
		return states[i].ConnectionID < states[j].ConnectionID
	})

	for _, p := range states {
		snap.Participants = append(snap.Participants, types.Participant{
			ConnectionID: p.ConnectionID,
			User:         p.User,
			JoinedAt:     p.JoinedAt,
		})
		if p.Cursor != nil {
			snap.Cursors = append(snap.Cursors, types.CursorEntry{
				ConnectionID: p.ConnectionID, User: p.User, X: p.Cursor.X, Y: p.Cursor.Y,
			})
		}
		if p.Selection != nil {
			snap.Selections = append(snap.Selections, types.SelectionEntry{
				ConnectionID: p.ConnectionID, User: p.User, Range: *p.Selection,
			})
		}
		if p.Typing != nil {
			snap.Typing = append(snap.Typing, types.TypingEntry{
				ConnectionID: p.ConnectionID, User: p.User, CellID: p.Typing.CellID,
			})
		}
	}
	return snap
}

// Participant returns a copy of connID's state in sheetID.
func (s *Store) Participant(sheetID, connID string) (types.ParticipantState, bool) {
	var out types.ParticipantState
	err := s.withParticipant(sheetID, connID, func(p *types.ParticipantState) {
		out = *p
	})
	return out, err == nil
}

// RemoveConnection deletes connID's state from sheetID and drops the sheet
// container once its last participant is gone. It reports whether state existed.
func (s *Store) RemoveConnection(sheetID, connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[sheetID]
	if !ok {
		return false
	}

	r.mu.Lock()
	_, existed := r.participants[connID]
	delete(r.participants, connID)
	empty := len(r.participants) == 0
	r.mu.Unlock()

	if empty {
		delete(s.rooms, sheetID)
	}
	return existed
}

// Stats returns store statistics for monitoring
func (s *Store) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	participants := 0
	for _, r := range s.rooms {
		r.mu.Lock()
		participants += len(r.participants)
		r.mu.Unlock()
	}
	return map[string]int{
		"active_sheets": len(s.rooms),
		"participants":  participants,
	}
}
