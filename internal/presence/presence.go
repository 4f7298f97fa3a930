// Package presence defines the room membership domain model and the
// pluggable store contract shared by the relay server and its backends.
package presence

import (
	"context"

	"github.com/presenceio/relay/pkg/protocol"
)

// UserUpdate is a partial update merged into an existing User. Nil fields
// are left untouched.
type UserUpdate struct {
	Cursor *protocol.Position
	Typing *bool
}

// Handler receives one broadcast payload for a subscribed room.
type Handler func(payload []byte)

// Subscription is a live room subscription. Close deregisters the handler;
// closing twice is a no-op.
type Subscription interface {
	Close() error
}

// Store is the membership and fan-out backend. Implementations must
// serialize conflicting mutations for the same room: an Update racing a
// Leave must never resurrect a removed user.
type Store interface {
	// Join upserts a user into the room with a cleared cursor and typing
	// flag. Joining an occupied slot replaces its metadata.
	Join(ctx context.Context, roomID, userID string, metadata map[string]any) error

	// Leave removes the user. The room's resources are released when its
	// last member leaves.
	Leave(ctx context.Context, roomID, userID string) error

	// Update merges upd into the user's record and returns the refreshed
	// User. It returns (nil, nil) when the user is absent: absence is a
	// no-op, never a ghost entry.
	Update(ctx context.Context, roomID, userID string, upd UserUpdate) (*protocol.User, error)

	// Users returns the current membership snapshot, in no particular order.
	Users(ctx context.Context, roomID string) ([]protocol.User, error)

	// Subscribe registers h for broadcasts targeting the room. Multiple
	// subscriptions for one room share a single underlying channel.
	Subscribe(ctx context.Context, roomID string, h Handler) (Subscription, error)

	// Broadcast delivers payload to every subscriber of the room, across
	// processes for distributed implementations. Delivery to any one
	// subscriber is best-effort and must not block the others.
	Broadcast(ctx context.Context, roomID string, payload []byte) error
}
