package signaling

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NNMC-Mexel/telemed-sub000/internal/metrics"
	"github.com/NNMC-Mexel/telemed-sub000/internal/room"
)

const testReadTimeout = 2 * time.Second

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(Config{
		Registry:             room.NewRegistry(),
		Metrics:              metrics.New(),
		IdleTimeout:          10 * time.Second,
		PingInterval:         5 * time.Second,
		MaxMessageBytes:      64 * 1024,
		MaxMessagesPerSecond: 1000,
		SendQueueLength:      16,
		Now: func() time.Time {
			return time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
		},
	})
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	frame, err := encodeEvent(event, data)
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(testReadTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return env
}

func expectEvent(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	env := readEvent(t, conn)
	if env.Event != event {
		t.Fatalf("got event %q, want %q (data=%s)", env.Event, event, env.Data)
	}
	return env.Data
}

// expectSilence asserts that no frame arrives within the window. Letting the
// read deadline expire poisons the connection (gorilla caches read errors),
// so this must be the last read a test performs on conn.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no message, got %s", data)
	}
}

func join(t *testing.T, conn *websocket.Conn, roomID, userID, userName, userRole string) []participantSummary {
	t.Helper()
	sendEvent(t, conn, evtJoinRoom, joinRoomRequest{
		RoomID: roomID, UserID: userID, UserName: userName, UserRole: userRole,
	})
	data := expectEvent(t, conn, evtRoomParticipants)
	var snapshot []participantSummary
	if err := json.Unmarshal(data, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snapshot
}

// waitRooms polls the registry until it holds want rooms. Cleanup after a
// socket close is asynchronous, so tests cannot assert it immediately.
func waitRooms(t *testing.T, s *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(testReadTimeout)
	for time.Now().Before(deadline) {
		if s.Registry().Len() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("registry has %d rooms, want %d", s.Registry().Len(), want)
}

func TestConsultationLifecycle(t *testing.T) {
	s, ts := newTestServer(t)

	alice := dialWS(t, ts)
	snapshot := join(t, alice, "room-42", "u-alice", "Alice", "patient")
	if len(snapshot) != 0 {
		t.Fatalf("first joiner got snapshot %+v, want empty", snapshot)
	}
	waitRooms(t, s, 1)

	bob := dialWS(t, ts)
	snapshot = join(t, bob, "room-42", "u-bob", "Dr. Bob", "doctor")
	if len(snapshot) != 1 {
		t.Fatalf("second joiner got %d peers, want 1", len(snapshot))
	}
	if snapshot[0].Name != "Alice" || snapshot[0].Role != "patient" {
		t.Fatalf("unexpected peer %+v", snapshot[0])
	}
	aliceSocketID := snapshot[0].SocketID

	var joined userJoinedEvent
	if err := json.Unmarshal(expectEvent(t, alice, evtUserJoined), &joined); err != nil {
		t.Fatal(err)
	}
	if joined.UserName != "Dr. Bob" || joined.UserRole != "doctor" {
		t.Fatalf("unexpected user-joined %+v", joined)
	}
	bobSocketID := joined.SocketID

	// Bob opens negotiation with Alice. The offer body passes through
	// untouched, stamped with Bob's socket id.
	offer := json.RawMessage(`{"type":"offer","sdp":"v=0 fake"}`)
	sendEvent(t, bob, evtOffer, targetedSignal{TargetSocketID: aliceSocketID, Offer: offer})

	var relayed relayedSignal
	if err := json.Unmarshal(expectEvent(t, alice, evtOffer), &relayed); err != nil {
		t.Fatal(err)
	}
	if relayed.SenderSocketID != bobSocketID {
		t.Fatalf("senderSocketId = %q, want %q", relayed.SenderSocketID, bobSocketID)
	}
	if string(relayed.Offer) != string(offer) {
		t.Fatalf("offer body changed: %s", relayed.Offer)
	}

	// Alice hangs up by dropping the socket. Bob learns, the room survives.
	_ = alice.Close()
	var left userLeftEvent
	if err := json.Unmarshal(expectEvent(t, bob, evtUserLeft), &left); err != nil {
		t.Fatal(err)
	}
	if left.SocketID != aliceSocketID || left.UserName != "Alice" {
		t.Fatalf("unexpected user-left %+v", left)
	}
	waitRooms(t, s, 1)

	// Bob leaves too; the empty room is pruned.
	_ = bob.Close()
	waitRooms(t, s, 0)
}

func TestRelayIsTargetedNotBroadcast(t *testing.T) {
	_, ts := newTestServer(t)

	a := dialWS(t, ts)
	join(t, a, "room-1", "u-a", "A", "patient")

	b := dialWS(t, ts)
	snap := join(t, b, "room-1", "u-b", "B", "doctor")
	expectEvent(t, a, evtUserJoined)

	c := dialWS(t, ts)
	join(t, c, "room-1", "u-c", "C", "doctor")
	expectEvent(t, a, evtUserJoined)
	expectEvent(t, b, evtUserJoined)

	sendEvent(t, b, evtICECandidate, targetedSignal{
		TargetSocketID: snap[0].SocketID,
		Candidate:      json.RawMessage(`{"candidate":"candidate:1 1 udp 2122260223 10.0.0.5 50000 typ host"}`),
	})

	var relayed relayedSignal
	if err := json.Unmarshal(expectEvent(t, a, evtICECandidate), &relayed); err != nil {
		t.Fatal(err)
	}
	if relayed.Candidate == nil {
		t.Fatal("candidate body missing")
	}
	expectSilence(t, c)
}

func TestRoomsAreIsolated(t *testing.T) {
	_, ts := newTestServer(t)

	a := dialWS(t, ts)
	join(t, a, "clinic-1", "u-a", "A", "patient")

	b := dialWS(t, ts)
	join(t, b, "clinic-2", "u-b", "B", "patient")

	c := dialWS(t, ts)
	join(t, c, "clinic-1", "u-c", "C", "doctor")

	// Only the clinic-1 occupant hears about the new arrival and the chat.
	expectEvent(t, a, evtUserJoined)
	sendEvent(t, c, evtChatMessage, chatMessageRequest{Message: "hello clinic-1"})
	expectEvent(t, a, evtChatMessage)

	// The clinic-2 occupant saw none of it.
	expectSilence(t, b)
}

func TestChatMessageStamped(t *testing.T) {
	_, ts := newTestServer(t)

	a := dialWS(t, ts)
	join(t, a, "room-7", "u-a", "Alice", "patient")
	b := dialWS(t, ts)
	join(t, b, "room-7", "u-b", "Dr. Bob", "doctor")
	aJoined := expectEvent(t, a, evtUserJoined)
	var joined userJoinedEvent
	if err := json.Unmarshal(aJoined, &joined); err != nil {
		t.Fatal(err)
	}

	sendEvent(t, b, evtChatMessage, chatMessageRequest{Message: "BP looks fine", SenderName: "ignored"})

	var msg chatMessageEvent
	if err := json.Unmarshal(expectEvent(t, a, evtChatMessage), &msg); err != nil {
		t.Fatal(err)
	}
	want := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	if msg.ID != want.UnixMilli() {
		t.Fatalf("id = %d, want %d", msg.ID, want.UnixMilli())
	}
	if msg.Timestamp != want.Format(time.RFC3339) {
		t.Fatalf("timestamp = %q, want %q", msg.Timestamp, want.Format(time.RFC3339))
	}
	// The declared join name wins over whatever the chat payload claims.
	if msg.SenderName != "Dr. Bob" {
		t.Fatalf("senderName = %q, want %q", msg.SenderName, "Dr. Bob")
	}
	if msg.SenderID != joined.SocketID {
		t.Fatalf("senderId = %q, want %q", msg.SenderID, joined.SocketID)
	}

	// The sender does not hear its own message back.
	expectSilence(t, b)
}

func TestMediaToggleBroadcast(t *testing.T) {
	_, ts := newTestServer(t)

	a := dialWS(t, ts)
	join(t, a, "room-9", "u-a", "A", "patient")
	b := dialWS(t, ts)
	join(t, b, "room-9", "u-b", "B", "doctor")
	expectEvent(t, a, evtUserJoined)

	sendEvent(t, b, evtMediaToggle, mediaToggleRequest{Type: "video", Enabled: false})

	var toggle userMediaToggleEvent
	if err := json.Unmarshal(expectEvent(t, a, evtUserMediaToggle), &toggle); err != nil {
		t.Fatal(err)
	}
	if toggle.Type != "video" || toggle.Enabled {
		t.Fatalf("unexpected toggle %+v", toggle)
	}
	expectSilence(t, b)
}

func TestSignalsBeforeJoinDropped(t *testing.T) {
	s, ts := newTestServer(t)

	conn := dialWS(t, ts)
	sendEvent(t, conn, evtOffer, targetedSignal{TargetSocketID: "nobody", Offer: json.RawMessage(`{}`)})
	sendEvent(t, conn, evtChatMessage, chatMessageRequest{Message: "into the void"})
	sendEvent(t, conn, evtLeaveRoom, nil)
	expectSilence(t, conn)

	deadline := time.Now().Add(testReadTimeout)
	for time.Now().Before(deadline) && s.Metrics().Get(metrics.DroppedUnbound) < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := s.Metrics().Get(metrics.DroppedUnbound); got != 3 {
		t.Fatalf("dropped_unbound = %d, want 3", got)
	}
	if s.Registry().Len() != 0 {
		t.Fatal("unbound traffic must not create rooms")
	}
}

func TestJoinWithoutRoomIDDropped(t *testing.T) {
	s, ts := newTestServer(t)

	conn := dialWS(t, ts)
	sendEvent(t, conn, evtJoinRoom, joinRoomRequest{UserID: "u-a", UserName: "A"})
	sendEvent(t, conn, evtJoinRoom, joinRoomRequest{RoomID: "   ", UserID: "u-a"})
	expectSilence(t, conn)
	if s.Registry().Len() != 0 {
		t.Fatalf("registry has %d rooms, want 0", s.Registry().Len())
	}
}

func TestRelayToDepartedTargetDroppedSilently(t *testing.T) {
	s, ts := newTestServer(t)

	a := dialWS(t, ts)
	join(t, a, "room-3", "u-a", "A", "patient")

	b := dialWS(t, ts)
	snap := join(t, b, "room-3", "u-b", "B", "doctor")
	expectEvent(t, a, evtUserJoined)
	target := snap[0].SocketID

	_ = a.Close()
	expectEvent(t, b, evtUserLeft)

	sendEvent(t, b, evtAnswer, targetedSignal{TargetSocketID: target, Answer: json.RawMessage(`{"type":"answer"}`)})
	expectSilence(t, b)

	deadline := time.Now().Add(testReadTimeout)
	for time.Now().Before(deadline) && s.Metrics().Get(metrics.RelayDroppedGone) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := s.Metrics().Get(metrics.RelayDroppedGone); got != 1 {
		t.Fatalf("relay_dropped_target_gone = %d, want 1", got)
	}
}

func TestExplicitLeaveThenRejoin(t *testing.T) {
	s, ts := newTestServer(t)

	a := dialWS(t, ts)
	join(t, a, "room-5", "u-a", "A", "patient")
	b := dialWS(t, ts)
	join(t, b, "room-5", "u-b", "B", "doctor")
	expectEvent(t, a, evtUserJoined)

	sendEvent(t, b, evtLeaveRoom, nil)
	expectEvent(t, a, evtUserLeft)

	// A second leave on an already unbound connection is a no-op drop, and
	// the connection survives and can join again. Ordering is the check
	// here: if the extra leave had broadcast anything, a would read it
	// before the rejoin's user-joined.
	sendEvent(t, b, evtLeaveRoom, nil)

	snap := join(t, b, "room-5", "u-b", "B", "doctor")
	if len(snap) != 1 {
		t.Fatalf("rejoin snapshot has %d peers, want 1", len(snap))
	}
	expectEvent(t, a, evtUserJoined)
	waitRooms(t, s, 1)
}

func TestJoinWhileInAnotherRoomLeavesFirst(t *testing.T) {
	s, ts := newTestServer(t)

	a := dialWS(t, ts)
	join(t, a, "room-a", "u-a", "A", "patient")
	mover := dialWS(t, ts)
	join(t, mover, "room-a", "u-m", "M", "doctor")
	expectEvent(t, a, evtUserJoined)

	snap := join(t, mover, "room-b", "u-m", "M", "doctor")
	if len(snap) != 0 {
		t.Fatalf("snapshot in new room has %d peers, want 0", len(snap))
	}
	expectEvent(t, a, evtUserLeft)
	waitRooms(t, s, 2)
}

func TestOriginRejected(t *testing.T) {
	s := NewServer(Config{
		AllowedOrigins:       []string{"https://app.example.com"},
		IdleTimeout:          10 * time.Second,
		PingInterval:         5 * time.Second,
		MaxMessageBytes:      64 * 1024,
		MaxMessagesPerSecond: 100,
		SendQueueLength:      16,
	})
	ts := httptest.NewServer(s)
	defer ts.Close()
	defer s.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	hdr := map[string][]string{"Origin": {"https://evil.example.net"}}
	if _, resp, err := websocket.DefaultDialer.Dial(url, hdr); err == nil {
		t.Fatal("dial from disallowed origin succeeded")
	} else if resp != nil && resp.StatusCode != 403 {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}

	hdr["Origin"] = []string{"https://app.example.com"}
	conn, _, err := websocket.DefaultDialer.Dial(url, hdr)
	if err != nil {
		t.Fatalf("dial from allowed origin: %v", err)
	}
	_ = conn.Close()
}
