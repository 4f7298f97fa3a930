package relay

import (
	"bytes"
	"testing"
)

func TestBroadcastEnvelopeRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"update","user":{"id":"u1","roomId":"r1","typing":true}}`)

	sealed, err := sealBroadcast("u1", payload)
	if err != nil {
		t.Fatalf("sealBroadcast() error = %v", err)
	}

	exclude, got, err := openBroadcast(sealed)
	if err != nil {
		t.Fatalf("openBroadcast() error = %v", err)
	}
	if exclude != "u1" {
		t.Errorf("exclude = %q, want u1", exclude)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %s, want %s", got, payload)
	}
	// The marker must never survive into what a connection receives.
	if bytes.Contains(got, []byte("exclude")) {
		t.Error("exclusion marker leaked into delivered payload")
	}
}

func TestBroadcastEnvelopeNoExclusion(t *testing.T) {
	sealed, err := sealBroadcast("", []byte(`{"type":"presence","users":[]}`))
	if err != nil {
		t.Fatalf("sealBroadcast() error = %v", err)
	}
	exclude, _, err := openBroadcast(sealed)
	if err != nil {
		t.Fatalf("openBroadcast() error = %v", err)
	}
	if exclude != "" {
		t.Errorf("exclude = %q, want empty", exclude)
	}
}

func TestOpenBroadcastMalformed(t *testing.T) {
	if _, _, err := openBroadcast([]byte("not json")); err == nil {
		t.Error("openBroadcast(garbage) expected error")
	}
}
