// Command demo-client is a manual smoke-test harness for a running signaling
// server. It opens a websocket, joins a room as a named participant, prints
// every event it receives, and sends a chat line once a peer shows up.
//
// Usage:
//
//	go run ./e2e/demo-client -url ws://127.0.0.1:8080/ws -room room-42 -name Alice -role patient
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:8080/ws", "signaling websocket URL")
	roomID := flag.String("room", "room-42", "room to join")
	userID := flag.String("user", "demo-user", "user id")
	name := flag.String("name", "Demo", "display name")
	role := flag.String("role", "patient", "user role")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", *url, err)
		os.Exit(1)
	}
	defer conn.Close()

	send(conn, "join-room", map[string]any{
		"roomId":   *roomID,
		"userId":   *userID,
		"userName": *name,
		"userRole": *role,
	})
	fmt.Printf("joined %s as %s (%s)\n", *roomID, *name, *role)

	go func() {
		<-ctx.Done()
		send(conn, "leave-room", nil)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	greeted := false
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Fprintf(os.Stderr, "read: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("<- %-18s %s\n", env.Event, env.Data)

		if env.Event == "user-joined" && !greeted {
			greeted = true
			send(conn, "chat-message", map[string]any{
				"roomId":  *roomID,
				"message": fmt.Sprintf("hello from %s", *name),
			})
		}
	}
}

func send(conn *websocket.Conn, event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	_ = conn.WriteJSON(envelope{Event: event, Data: raw})
}
