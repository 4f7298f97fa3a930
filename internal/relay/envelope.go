package relay

import (
	"encoding/json"
	"fmt"
)

// envelope is the process-internal broadcast framing. Exclude names an
// identity the delivering process must skip; it is stripped before the
// payload reaches any connection and never appears on the wire.
type envelope struct {
	Exclude string          `json:"exclude,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func sealBroadcast(exclude string, payload []byte) ([]byte, error) {
	data, err := json.Marshal(envelope{Exclude: exclude, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to seal broadcast: %w", err)
	}
	return data, nil
}

func openBroadcast(data []byte) (exclude string, payload []byte, err error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return "", nil, fmt.Errorf("failed to open broadcast: %w", err)
	}
	return e.Exclude, e.Payload, nil
}
