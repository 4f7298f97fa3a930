// Package relay implements the presence relay server: it accepts WebSocket
// connections, drives the per-connection protocol state machine, and fans
// presence traffic out through a pluggable backend store.
package relay

import (
	"context"
	"sync"

	"github.com/presenceio/relay/internal/presence"
)

// Binding is the association between one live connection and the single
// (user, room) pair it currently occupies.
type Binding struct {
	UserID string
	RoomID string
	sub    presence.Subscription
}

// Registry tracks the binding of every live connection and keeps store
// membership and room subscriptions in lock-step: a connection is
// subscribed to a room iff it is joined to it.
type Registry struct {
	store presence.Store

	mu       sync.Mutex
	bindings map[any]*Binding
}

// NewRegistry creates a registry mediating against the given store.
func NewRegistry(store presence.Store) *Registry {
	return &Registry{
		store:    store,
		bindings: make(map[any]*Binding),
	}
}

// Binding returns the connection's current binding, or nil when unbound.
func (r *Registry) Binding(key any) *Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bindings[key]
}

// Bind joins the user to the room and subscribes h for its broadcasts.
// The caller must have unbound any previous binding first.
func (r *Registry) Bind(ctx context.Context, key any, roomID, userID string, metadata map[string]any, h presence.Handler) error {
	if err := r.store.Join(ctx, roomID, userID, metadata); err != nil {
		return err
	}
	sub, err := r.store.Subscribe(ctx, roomID, h)
	if err != nil {
		// Roll the join back so membership and subscription stay in
		// lock-step even on a half-failed bind.
		r.store.Leave(ctx, roomID, userID)
		return err
	}

	r.mu.Lock()
	r.bindings[key] = &Binding{UserID: userID, RoomID: roomID, sub: sub}
	r.mu.Unlock()
	return nil
}

// Unbind removes the connection's binding, leaving the room and dropping
// its subscription. It returns the removed binding, or nil when the
// connection was not bound.
func (r *Registry) Unbind(ctx context.Context, key any) (*Binding, error) {
	r.mu.Lock()
	b := r.bindings[key]
	delete(r.bindings, key)
	r.mu.Unlock()

	if b == nil {
		return nil, nil
	}
	b.sub.Close()
	if err := r.store.Leave(ctx, b.RoomID, b.UserID); err != nil {
		return b, err
	}
	return b, nil
}
