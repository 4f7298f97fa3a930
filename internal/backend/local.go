// Package backend provides the membership store implementations: an
// in-process variant for single-instance deployment and a Redis-backed
// variant for horizontal scaling.
package backend

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"github.com/presenceio/relay/internal/presence"
	"github.com/presenceio/relay/pkg/protocol"
)

// Local keeps all membership and subscriber state in process memory.
// Broadcasts have no cross-process effect.
type Local struct {
	mu    sync.Mutex
	rooms map[string]*localRoom
}

type localRoom struct {
	users map[string]*protocol.User
	subs  []*localSub // registration order
}

type localSub struct {
	store  *Local
	roomID string
	h      presence.Handler
	closed bool
}

// NewLocal creates an empty in-process store.
func NewLocal() *Local {
	return &Local{rooms: make(map[string]*localRoom)}
}

// Join implements presence.Store.
func (s *Local) Join(_ context.Context, roomID, userID string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.room(roomID)
	r.users[userID] = &protocol.User{
		ID:       userID,
		RoomID:   roomID,
		Metadata: maps.Clone(metadata),
	}
	return nil
}

// Leave implements presence.Store.
func (s *Local) Leave(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	delete(r.users, userID)
	s.release(roomID, r)
	return nil
}

// Update implements presence.Store.
func (s *Local) Update(_ context.Context, roomID, userID string, upd presence.UserUpdate) (*protocol.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil, nil
	}
	u, ok := r.users[userID]
	if !ok {
		return nil, nil
	}
	if upd.Cursor != nil {
		c := *upd.Cursor
		u.Cursor = &c
	}
	if upd.Typing != nil {
		u.Typing = *upd.Typing
	}
	snapshot := snapshotUser(u)
	return &snapshot, nil
}

// Users implements presence.Store.
func (s *Local) Users(_ context.Context, roomID string) ([]protocol.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil, nil
	}
	users := make([]protocol.User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, snapshotUser(u))
	}
	return users, nil
}

// Subscribe implements presence.Store.
func (s *Local) Subscribe(_ context.Context, roomID string, h presence.Handler) (presence.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.room(roomID)
	sub := &localSub{store: s, roomID: roomID, h: h}
	r.subs = append(r.subs, sub)
	return sub, nil
}

// Broadcast implements presence.Store. Handlers run synchronously in
// registration order; a panicking handler must not starve the rest.
func (s *Local) Broadcast(_ context.Context, roomID string, payload []byte) error {
	s.mu.Lock()
	var handlers []presence.Handler
	if r, ok := s.rooms[roomID]; ok {
		handlers = make([]presence.Handler, 0, len(r.subs))
		for _, sub := range r.subs {
			handlers = append(handlers, sub.h)
		}
	}
	s.mu.Unlock()

	for _, h := range handlers {
		invoke(h, payload)
	}
	return nil
}

// SubscriberCount reports the number of live subscriptions for a room.
func (s *Local) SubscriberCount(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return len(r.subs)
	}
	return 0
}

func (sub *localSub) Close() error {
	s := sub.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.closed {
		return nil
	}
	sub.closed = true

	r, ok := s.rooms[sub.roomID]
	if !ok {
		return nil
	}
	for i, candidate := range r.subs {
		if candidate == sub {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			break
		}
	}
	s.release(sub.roomID, r)
	return nil
}

// room returns the named room, creating it lazily. Caller holds s.mu.
func (s *Local) room(roomID string) *localRoom {
	r, ok := s.rooms[roomID]
	if !ok {
		r = &localRoom{users: make(map[string]*protocol.User)}
		s.rooms[roomID] = r
	}
	return r
}

// release drops the room once nothing references it. Caller holds s.mu.
func (s *Local) release(roomID string, r *localRoom) {
	if len(r.users) == 0 && len(r.subs) == 0 {
		delete(s.rooms, roomID)
	}
}

// snapshotUser returns a detached copy so callers cannot reach store
// state through the Metadata map or the Cursor pointer.
func snapshotUser(u *protocol.User) protocol.User {
	c := *u
	c.Metadata = maps.Clone(u.Metadata)
	if u.Cursor != nil {
		pos := *u.Cursor
		c.Cursor = &pos
	}
	return c
}

func invoke(h presence.Handler, payload []byte) {
	defer func() {
		if v := recover(); v != nil {
			slog.Error("subscriber panicked", "panic", v)
		}
	}()
	h(payload)
}
