package backend_test

import (
	"context"
	"sync"
	"testing"

	"github.com/presenceio/relay/internal/backend"
	"github.com/presenceio/relay/internal/presence"
	"github.com/presenceio/relay/pkg/protocol"
)

func TestLocal_JoinLeaveMembership(t *testing.T) {
	ctx := context.Background()
	store := backend.NewLocal()

	for _, id := range []string{"u1", "u2", "u3"} {
		if err := store.Join(ctx, "r1", id, nil); err != nil {
			t.Fatalf("Join(%s) error = %v", id, err)
		}
	}
	if err := store.Leave(ctx, "r1", "u2"); err != nil {
		t.Fatalf("Leave(u2) error = %v", err)
	}

	users, err := store.Users(ctx, "r1")
	if err != nil {
		t.Fatalf("Users() error = %v", err)
	}
	got := make(map[string]bool)
	for _, u := range users {
		got[u.ID] = true
	}
	if len(got) != 2 || !got["u1"] || !got["u3"] {
		t.Errorf("Users() = %v, want {u1, u3}", got)
	}
}

func TestLocal_ConcurrentJoinLeaveDistinctUsers(t *testing.T) {
	ctx := context.Background()
	store := backend.NewLocal()

	var wg sync.WaitGroup
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			store.Join(ctx, "r1", id, nil)
		}(id)
	}
	wg.Wait()

	// Half of them leave concurrently.
	for _, id := range ids[:4] {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			store.Leave(ctx, "r1", id)
		}(id)
	}
	wg.Wait()

	users, err := store.Users(ctx, "r1")
	if err != nil {
		t.Fatalf("Users() error = %v", err)
	}
	if len(users) != 4 {
		t.Errorf("len(Users()) = %d, want 4", len(users))
	}
}

func TestLocal_JoinIsUpsertWithClearedState(t *testing.T) {
	ctx := context.Background()
	store := backend.NewLocal()

	store.Join(ctx, "r1", "u1", map[string]any{"name": "old"})
	typing := true
	if _, err := store.Update(ctx, "r1", "u1", presence.UserUpdate{Typing: &typing}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	// Rejoin resets cursor/typing and replaces metadata.
	store.Join(ctx, "r1", "u1", map[string]any{"name": "new"})

	users, _ := store.Users(ctx, "r1")
	if len(users) != 1 {
		t.Fatalf("len(Users()) = %d, want 1", len(users))
	}
	if users[0].Typing {
		t.Error("Typing = true after rejoin, want false")
	}
	if users[0].Cursor != nil {
		t.Errorf("Cursor = %v after rejoin, want nil", users[0].Cursor)
	}
	if users[0].Metadata["name"] != "new" {
		t.Errorf("Metadata[name] = %v, want new", users[0].Metadata["name"])
	}
}

func TestLocal_UpdateAbsentUserIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := backend.NewLocal()
	store.Join(ctx, "r1", "u1", nil)

	typing := true
	user, err := store.Update(ctx, "r1", "ghost", presence.UserUpdate{Typing: &typing})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if user != nil {
		t.Errorf("Update(absent) = %v, want nil", user)
	}

	users, _ := store.Users(ctx, "r1")
	if len(users) != 1 {
		t.Errorf("membership size changed: %d, want 1", len(users))
	}
}

func TestLocal_UpdateMergesFields(t *testing.T) {
	ctx := context.Background()
	store := backend.NewLocal()
	store.Join(ctx, "r1", "u1", nil)

	pos := protocol.Position{X: 10, Y: 20}
	user, err := store.Update(ctx, "r1", "u1", presence.UserUpdate{Cursor: &pos})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if user.Cursor == nil || user.Cursor.X != 10 {
		t.Fatalf("Cursor = %v, want {10 20}", user.Cursor)
	}

	// A typing-only update must not clobber the cursor.
	typing := true
	user, err = store.Update(ctx, "r1", "u1", presence.UserUpdate{Typing: &typing})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if !user.Typing {
		t.Error("Typing = false, want true")
	}
	if user.Cursor == nil || user.Cursor.Y != 20 {
		t.Errorf("Cursor = %v, want {10 20} preserved", user.Cursor)
	}
}

func TestLocal_SubscribeBroadcastRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := backend.NewLocal()

	var calls [][]byte
	sub, err := store.Subscribe(ctx, "r1", func(payload []byte) {
		calls = append(calls, payload)
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := store.Broadcast(ctx, "r1", []byte("one")); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if len(calls) != 1 || string(calls[0]) != "one" {
		t.Fatalf("calls = %q, want [one]", calls)
	}

	sub.Close()
	if err := store.Broadcast(ctx, "r1", []byte("two")); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if len(calls) != 1 {
		t.Errorf("callback fired after unsubscribe: %q", calls)
	}
	if got := store.SubscriberCount("r1"); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}

	// Re-subscribing re-establishes delivery.
	if _, err := store.Subscribe(ctx, "r1", func(payload []byte) {
		calls = append(calls, payload)
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	store.Broadcast(ctx, "r1", []byte("three"))
	if len(calls) != 2 || string(calls[1]) != "three" {
		t.Errorf("calls = %q, want delivery after re-subscribe", calls)
	}
}

func TestLocal_BroadcastDoesNotReachOtherRooms(t *testing.T) {
	ctx := context.Background()
	store := backend.NewLocal()

	fired := false
	store.Subscribe(ctx, "r2", func([]byte) { fired = true })
	store.Broadcast(ctx, "r1", []byte("x"))
	if fired {
		t.Error("subscriber of r2 received broadcast for r1")
	}
}

func TestLocal_PanickingSubscriberDoesNotStopDelivery(t *testing.T) {
	ctx := context.Background()
	store := backend.NewLocal()

	var order []string
	store.Subscribe(ctx, "r1", func([]byte) {
		order = append(order, "first")
		panic("boom")
	})
	store.Subscribe(ctx, "r1", func([]byte) {
		order = append(order, "second")
	})

	if err := store.Broadcast(ctx, "r1", []byte("x")); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("delivery order = %v, want [first second] in registration order", order)
	}
}

func TestLocal_EmptyRoomIsReleased(t *testing.T) {
	ctx := context.Background()
	store := backend.NewLocal()

	store.Join(ctx, "r1", "u1", nil)
	store.Leave(ctx, "r1", "u1")

	users, err := store.Users(ctx, "r1")
	if err != nil {
		t.Fatalf("Users() error = %v", err)
	}
	if len(users) != 0 {
		t.Errorf("Users() = %v, want empty after last leave", users)
	}
	if got := store.SubscriberCount("r1"); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0 for released room", got)
	}
}

func TestLocal_SnapshotsDoNotAliasStoreState(t *testing.T) {
	ctx := context.Background()
	store := backend.NewLocal()

	meta := map[string]any{"name": "ada"}
	if err := store.Join(ctx, "r1", "u1", meta); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	meta["name"] = "changed by caller"

	users, err := store.Users(ctx, "r1")
	if err != nil || len(users) != 1 {
		t.Fatalf("Users() = %v, %v, want one user", users, err)
	}
	if got := users[0].Metadata["name"]; got != "ada" {
		t.Errorf("metadata name = %v, caller mutation reached the store", got)
	}

	users[0].Metadata["name"] = "changed by consumer"
	x := 7.0
	store.Update(ctx, "r1", "u1", presence.UserUpdate{Cursor: &protocol.Position{X: x, Y: 1}})
	again, err := store.Users(ctx, "r1")
	if err != nil || len(again) != 1 {
		t.Fatalf("Users() = %v, %v, want one user", again, err)
	}
	if got := again[0].Metadata["name"]; got != "ada" {
		t.Errorf("metadata name = %v, snapshot mutation reached the store", got)
	}

	again[0].Cursor.X = 99
	final, _ := store.Users(ctx, "r1")
	if final[0].Cursor.X != x {
		t.Errorf("cursor x = %v, snapshot cursor aliases the store", final[0].Cursor.X)
	}
}
