package session

import (
	"context"
	"fmt"
	"sync"

	"nhooyr.io/websocket"
)

// Transport is an open message-framed connection to the relay. It delivers
// whole frames reliably once open; framing and reconnection live above it.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// Dialer opens a transport to url. Inbound frames are delivered to
// onMessage; onClose fires exactly once when the transport dies, however
// it dies.
type Dialer func(url string, onMessage func(data []byte), onClose func(err error)) (Transport, error)

// wsTransport adapts nhooyr.io/websocket to the Transport interface.
type wsTransport struct {
	conn *websocket.Conn
	once sync.Once
}

// WebSocketDialer returns the production WebSocket dialer.
func WebSocketDialer() Dialer {
	return func(url string, onMessage func([]byte), onClose func(error)) (Transport, error) {
		conn, _, err := websocket.Dial(context.Background(), url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to server: %w", err)
		}
		t := &wsTransport{conn: conn}

		go func() {
			for {
				_, data, err := conn.Read(context.Background())
				if err != nil {
					onClose(err)
					return
				}
				onMessage(data)
			}
		}()
		return t, nil
	}
}

func (t *wsTransport) Send(data []byte) error {
	return t.conn.Write(context.Background(), websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	var err error
	t.once.Do(func() {
		err = t.conn.Close(websocket.StatusNormalClosure, "")
	})
	return err
}
