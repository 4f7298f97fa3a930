package backend

import (
	"errors"
	"testing"

	"github.com/presenceio/relay/internal/presence"
)

func TestRedisKeyLayout(t *testing.T) {
	s := NewRedis(nil, "presence:")

	if got, want := s.userKey("r1", "u1"), "presence:room:r1:user:u1"; got != want {
		t.Errorf("userKey = %q, want %q", got, want)
	}
	if got, want := s.membersKey("r1"), "presence:room:r1:members"; got != want {
		t.Errorf("membersKey = %q, want %q", got, want)
	}
	if got, want := s.channel("r1"), "presence:channel:r1"; got != want {
		t.Errorf("channel = %q, want %q", got, want)
	}
}

func TestRedisRoomOfRoundTrip(t *testing.T) {
	s := NewRedis(nil, "p:")
	for _, roomID := range []string{"r1", "room:with:colons", ""} {
		if got := s.roomOf(s.channel(roomID)); got != roomID {
			t.Errorf("roomOf(channel(%q)) = %q", roomID, got)
		}
	}
}

func TestWrapStoreError(t *testing.T) {
	if wrap("join", nil) != nil {
		t.Error("wrap(nil) should be nil")
	}

	cause := errors.New("connection refused")
	err := wrap("join", cause)

	var storeErr *presence.StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("wrap() = %T, want *presence.StoreError", err)
	}
	if storeErr.Op != "join" {
		t.Errorf("Op = %q, want join", storeErr.Op)
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped error lost its cause")
	}
}
