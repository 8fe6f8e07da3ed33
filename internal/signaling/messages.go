package signaling

import "encoding/json"

// Inbound event names (client -> server).
const (
	evtJoinRoom     = "join-room"
	evtOffer        = "offer"
	evtAnswer       = "answer"
	evtICECandidate = "ice-candidate"
	evtChatMessage  = "chat-message"
	evtMediaToggle  = "media-toggle"
	evtLeaveRoom    = "leave-room"
)

// Outbound event names (server -> client). Offer/answer/candidate relays keep
// their inbound names.
const (
	evtRoomParticipants = "room-participants"
	evtUserJoined       = "user-joined"
	evtUserLeft         = "user-left"
	evtUserMediaToggle  = "user-media-toggle"
)

// envelope is the wire framing for every message in both directions: a named
// event carrying a JSON payload.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Event: event, Data: raw})
}

type joinRoomRequest struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	UserRole string `json:"userRole"`
}

// targetedSignal is the inbound shape shared by offer, answer and
// ice-candidate. The negotiation payloads are opaque: the server never
// inspects SDP or candidate contents.
type targetedSignal struct {
	TargetSocketID string          `json:"targetSocketId"`
	Offer          json.RawMessage `json:"offer,omitempty"`
	Answer         json.RawMessage `json:"answer,omitempty"`
	Candidate      json.RawMessage `json:"candidate,omitempty"`
}

// relayedSignal is the outbound shape for offer/answer/ice-candidate: the
// original payload annotated with the sender's socket id.
type relayedSignal struct {
	Offer          json.RawMessage `json:"offer,omitempty"`
	Answer         json.RawMessage `json:"answer,omitempty"`
	Candidate      json.RawMessage `json:"candidate,omitempty"`
	SenderSocketID string          `json:"senderSocketId"`
}

type chatMessageRequest struct {
	// RoomID is accepted for wire compatibility but ignored: chat is scoped
	// to the room the connection is bound to.
	RoomID     string `json:"roomId"`
	Message    string `json:"message"`
	SenderName string `json:"senderName"`
}

type chatMessageEvent struct {
	ID         int64  `json:"id"`
	Message    string `json:"message"`
	SenderName string `json:"senderName"`
	SenderID   string `json:"senderId"`
	Timestamp  string `json:"timestamp"`
}

type mediaToggleRequest struct {
	RoomID  string `json:"roomId"`
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

type userMediaToggleEvent struct {
	SocketID string `json:"socketId"`
	Type     string `json:"type"`
	Enabled  bool   `json:"enabled"`
}

type userJoinedEvent struct {
	SocketID string `json:"socketId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	UserRole string `json:"userRole"`
}

type userLeftEvent struct {
	SocketID string `json:"socketId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// participantSummary is the room-participants snapshot entry sent privately
// to a new joiner.
type participantSummary struct {
	SocketID string `json:"socketId"`
	ID       string `json:"id"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}
