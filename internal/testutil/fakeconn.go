// Package testutil holds fakes shared by package tests.
package testutil

import (
	"errors"
	"sync"
	"time"

	"collabhub/pkg/interfaces"
	"collabhub/pkg/types"
)

// ErrFakeClosed is returned by Send after Close.
var ErrFakeClosed = errors.New("fake connection closed")

// SentEvent is one event captured by FakeConn.
type SentEvent struct {
	Event string
	Data  interface{}
}

// FakeConn is an in-memory interfaces.Connection that records everything sent to it.
type FakeConn struct {
	id        string
	identity  *types.Identity
	addr      string
	createdAt time.Time

	mu       sync.Mutex
	rooms    types.ConnectionRooms
	events   []SentEvent
	closed   bool
	cleaning bool
	notify   chan struct{}
}

var _ interfaces.Connection = (*FakeConn)(nil)

// NewFakeConn creates a fake connection for identity.
func NewFakeConn(id string, identity *types.Identity) *FakeConn {
	return &FakeConn{
		id:        id,
		identity:  identity,
		addr:      "127.0.0.1",
		createdAt: time.Now(),
		notify:    make(chan struct{}, 1),
	}
}

// NewUser is shorthand for an active identity with the given role.
func NewUser(id, name, role string) *types.Identity {
	return &types.Identity{ID: id, Name: name, Role: role, Active: true}
}

func (f *FakeConn) ID() string                { return f.id }
func (f *FakeConn) Identity() *types.Identity { return f.identity }
func (f *FakeConn) RemoteAddr() string        { return f.addr }
func (f *FakeConn) CreatedAt() time.Time      { return f.createdAt }

func (f *FakeConn) Send(event string, data interface{}) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrFakeClosed
	}
	f.events = append(f.events, SentEvent{Event: event, Data: data})
	f.mu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}
	return nil
}

func (f *FakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *FakeConn) Rooms() types.ConnectionRooms {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms
}

func (f *FakeConn) SetProjectRoom(projectID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms.ProjectID = projectID
}

func (f *FakeConn) SetSheetRoom(sheetID string, level types.AccessLevel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms.SheetID = sheetID
	f.rooms.SheetLevel = level
	if sheetID == "" {
		f.rooms.SheetLevel = ""
	}
}

func (f *FakeConn) BeginCleanup() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cleaning {
		return false
	}
	f.cleaning = true
	return true
}

// IsClosed reports whether Close was called.
func (f *FakeConn) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Events returns a copy of everything sent so far.
func (f *FakeConn) Events() []SentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentEvent, len(f.events))
	copy(out, f.events)
	return out
}

// EventsNamed returns the sent events with the given name, in send order.
func (f *FakeConn) EventsNamed(name string) []SentEvent {
	var out []SentEvent
	for _, ev := range f.Events() {
		if ev.Event == name {
			out = append(out, ev)
		}
	}
	return out
}

// Last returns the most recent event, or false when nothing was sent.
func (f *FakeConn) Last() (SentEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return SentEvent{}, false
	}
	return f.events[len(f.events)-1], true
}

// Reset forgets recorded events.
func (f *FakeConn) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
}

// WaitFor blocks until an event named name has been sent or timeout passes.
func (f *FakeConn) WaitFor(name string, timeout time.Duration) (SentEvent, bool) {
	deadline := time.After(timeout)
	for {
		if evs := f.EventsNamed(name); len(evs) > 0 {
			return evs[0], true
		}
		select {
		case <-f.notify:
		case <-deadline:
			return SentEvent{}, false
		}
	}
}
