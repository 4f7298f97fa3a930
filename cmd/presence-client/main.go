package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/presenceio/relay/internal/session"
	"github.com/presenceio/relay/pkg/protocol"
)

func main() {
	serverURL := flag.String("server", "ws://localhost:8080/ws", "Relay WebSocket URL")
	room := flag.String("room", "default", "Room to join")
	name := flag.String("name", "", "Display name")
	flag.Parse()

	if *name == "" {
		log.Fatal("Display name is required. Use -name flag")
	}

	s := session.New(*serverURL, session.Options{
		RoomID:            *room,
		Metadata:          map[string]any{"name": *name},
		HeartbeatInterval: 30 * time.Second,
		ThrottleCursor:    50 * time.Millisecond,
		Reconnect:         true,
	})
	defer s.Disconnect()

	s.On(protocol.TypeConnected, func(protocol.ServerMessage) {
		fmt.Printf("*** connected to %s ***\n", *serverURL)
	})
	s.On(protocol.TypeDisconnected, func(protocol.ServerMessage) {
		fmt.Println("*** disconnected ***")
	})
	s.On(protocol.TypePresence, func(msg protocol.ServerMessage) {
		p := msg.(protocol.Presence)
		names := make([]string, 0, len(p.Users))
		for _, u := range p.Users {
			names = append(names, displayName(u))
		}
		fmt.Printf("*** in room: %s ***\n", strings.Join(names, ", "))
	})
	s.On(protocol.TypeUpdate, func(msg protocol.ServerMessage) {
		u := msg.(protocol.Update).User
		if u.Typing {
			fmt.Printf("*** %s is typing ***\n", displayName(u))
		}
	})
	s.On(protocol.TypeCustom, func(msg protocol.ServerMessage) {
		c := msg.(protocol.Custom)
		var text string
		json.Unmarshal(c.Data, &text)
		who := "someone"
		if c.User != nil {
			who = displayName(*c.User)
		}
		fmt.Printf("[%s]: %s\n", who, text)
	})
	s.On(protocol.TypeError, func(msg protocol.ServerMessage) {
		fmt.Printf("*** error: %s ***\n", msg.(protocol.Error).Error)
	})

	fmt.Println("Type messages (or '/room <id>' to switch, '/quit' to exit):")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "/quit" {
			break
		}
		if after, ok := strings.CutPrefix(text, "/room "); ok {
			s.JoinRoom(strings.TrimSpace(after))
			continue
		}

		s.Typing(false)
		data, _ := json.Marshal(text)
		s.Send("chat", data)
	}

	if err := scanner.Err(); err != nil {
		log.Printf("Error reading input: %v", err)
	}

	s.LeaveRoom()
	log.Println("Disconnected from server")
}

func displayName(u protocol.User) string {
	if name, ok := u.Metadata["name"].(string); ok && name != "" {
		return name
	}
	if len(u.ID) > 8 {
		return u.ID[:8]
	}
	return u.ID
}
