// Package signaling implements the websocket protocol that brokers WebRTC
// consultations: room membership, presence, point-to-point negotiation relay,
// and in-call chat.
//
// The server is a dumb relay. SDP offers/answers and ICE candidates pass
// through as opaque JSON; delivery is best-effort with no retries or queues
// beyond a small per-client send buffer. WebRTC renegotiates around lost
// signaling on its own.
package signaling

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/NNMC-Mexel/telemed-sub000/internal/metrics"
	"github.com/NNMC-Mexel/telemed-sub000/internal/origin"
	"github.com/NNMC-Mexel/telemed-sub000/internal/ratelimit"
	"github.com/NNMC-Mexel/telemed-sub000/internal/room"
)

type Config struct {
	Registry *room.Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	AllowedOrigins []string

	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueLength      int

	// Clock feeds the per-connection rate limiter; Now stamps chat messages.
	// Both default to real time and exist for tests.
	Clock ratelimit.Clock
	Now   func() time.Time
}

// Server upgrades inbound HTTP requests to websocket connections and runs the
// signaling protocol on them. It implements http.Handler.
type Server struct {
	cfg      Config
	log      *slog.Logger
	registry *room.Registry
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*client
	closed bool
}

func NewServer(cfg Config) *Server {
	if cfg.Registry == nil {
		cfg.Registry = room.NewRegistry()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = 50
	}
	if cfg.SendQueueLength <= 0 {
		cfg.SendQueueLength = 64
	}

	allowed := cfg.AllowedOrigins
	return &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		registry: cfg.Registry,
		metrics:  cfg.Metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				header := strings.TrimSpace(r.Header.Get("Origin"))
				if header == "" {
					// Non-browser clients (monitoring, tests) send no Origin.
					return true
				}
				normalized, host, ok := origin.Normalize(header)
				return ok && origin.Allowed(normalized, host, r.Host, allowed)
			},
		},
		conns: make(map[string]*client),
	}
}

// Registry exposes the room registry for the operational HTTP surface.
func (s *Server) Registry() *room.Registry { return s.registry }

// Metrics exposes the counter registry for the /metrics endpoint.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		return
	}

	socketID := uuid.NewString()
	c := newClient(socketID, conn, s.log.With("socket_id", socketID), s.cfg.SendQueueLength)

	if !s.register(c) {
		writeClose(conn, websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
		return
	}

	s.metrics.Inc(metrics.ConnectionsAccepted)
	c.log.Debug("connection accepted", "remote_addr", r.RemoteAddr)

	go c.writePump(s.cfg.PingInterval)
	s.readLoop(c)
}

// Close tears down all live connections. New upgrades are refused afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.conns))
	for _, c := range s.conns {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
		_ = c.conn.Close()
	}
}

func (s *Server) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c.socketID] = c
	return true
}

func (s *Server) unregister(socketID string) {
	s.mu.Lock()
	delete(s.conns, socketID)
	s.mu.Unlock()
}

func (s *Server) lookup(socketID string) (*client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[socketID]
	return c, ok
}

// readLoop is the connection's event loop. All room mutations for this
// connection happen here, so the disconnect cleanup in the defer is the same
// code path as an explicit leave and runs exactly once.
func (s *Server) readLoop(c *client) {
	defer func() {
		s.unregister(c.socketID)
		s.leaveCurrentRoom(c)
		c.close()
		_ = c.conn.Close()
		s.metrics.Inc(metrics.ConnectionsClosed)
		c.log.Debug("connection closed")
	}()

	c.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	limiter := ratelimit.NewTokenBucket(s.cfg.Clock,
		int64(s.cfg.MaxMessagesPerSecond), int64(s.cfg.MaxMessagesPerSecond))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read failed", "err", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		if !limiter.Allow() {
			s.metrics.Inc(metrics.DroppedRateLimited)
			c.log.Warn("message rate limit exceeded")
			writeClose(c.conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		s.dispatch(c, data)
	}
}

func (s *Server) dispatch(c *client, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		s.metrics.Inc(metrics.DroppedMalformed)
		c.log.Debug("malformed message dropped", "err", err)
		return
	}

	switch env.Event {
	case evtJoinRoom:
		s.handleJoin(c, env.Data)
	case evtOffer, evtAnswer, evtICECandidate:
		s.handleSignal(c, env.Event, env.Data)
	case evtChatMessage:
		s.handleChat(c, env.Data)
	case evtMediaToggle:
		s.handleMediaToggle(c, env.Data)
	case evtLeaveRoom:
		s.handleLeave(c)
	default:
		s.metrics.Inc(metrics.DroppedMalformed)
		c.log.Debug("unknown event dropped", "event", env.Event)
	}
}

func (s *Server) handleJoin(c *client, data json.RawMessage) {
	var req joinRoomRequest
	if err := json.Unmarshal(data, &req); err != nil || strings.TrimSpace(req.RoomID) == "" {
		// A join without a room id must not register anything.
		s.metrics.Inc(metrics.DroppedMalformed)
		c.log.Debug("join without room id dropped")
		return
	}

	// A connection is in at most one room; switching rooms implies a full
	// leave of the old one, departure broadcast included.
	if c.roomID != "" && c.roomID != req.RoomID {
		s.leaveCurrentRoom(c)
	}

	p := room.Participant{
		SocketID: c.socketID,
		UserID:   req.UserID,
		UserName: req.UserName,
		UserRole: req.UserRole,
	}
	others, created := s.registry.Join(req.RoomID, p)
	c.roomID = req.RoomID
	c.participant = p

	if created {
		s.metrics.Inc(metrics.RoomsCreated)
	}
	s.metrics.Inc(metrics.ParticipantsJoined)

	snapshot := make([]participantSummary, 0, len(others))
	for _, other := range others {
		snapshot = append(snapshot, participantSummary{
			SocketID: other.SocketID,
			ID:       other.UserID,
			Name:     other.UserName,
			Role:     other.UserRole,
		})
	}
	s.sendTo(c, evtRoomParticipants, snapshot)

	s.broadcast(req.RoomID, c.socketID, evtUserJoined, userJoinedEvent{
		SocketID: c.socketID,
		UserID:   req.UserID,
		UserName: req.UserName,
		UserRole: req.UserRole,
	})

	c.log.Info("participant joined",
		"room_id", req.RoomID,
		"user_id", req.UserID,
		"user_role", req.UserRole,
		"peers", len(others),
	)
}

// handleSignal relays offer/answer/ice-candidate to one target connection.
// The payload is forwarded untouched, annotated with the sender's socket id.
func (s *Server) handleSignal(c *client, event string, data json.RawMessage) {
	if c.roomID == "" {
		s.metrics.Inc(metrics.DroppedUnbound)
		c.log.Debug("signal before join dropped", "event", event)
		return
	}

	var req targetedSignal
	if err := json.Unmarshal(data, &req); err != nil || req.TargetSocketID == "" {
		s.metrics.Inc(metrics.DroppedMalformed)
		c.log.Debug("signal without target dropped", "event", event)
		return
	}

	// The target must still be in the sender's room; anything else (left,
	// disconnected, never existed, different room) is the same silent drop.
	if !s.inRoom(c.roomID, req.TargetSocketID) {
		s.metrics.Inc(metrics.RelayDroppedGone)
		c.log.Debug("relay target gone", "event", event, "target", req.TargetSocketID)
		return
	}
	target, ok := s.lookup(req.TargetSocketID)
	if !ok {
		s.metrics.Inc(metrics.RelayDroppedGone)
		return
	}

	out := relayedSignal{SenderSocketID: c.socketID}
	switch event {
	case evtOffer:
		out.Offer = req.Offer
	case evtAnswer:
		out.Answer = req.Answer
	case evtICECandidate:
		out.Candidate = req.Candidate
	}

	frame, err := encodeEvent(event, out)
	if err != nil {
		s.metrics.Inc(metrics.DroppedMalformed)
		return
	}
	if !target.enqueue(frame) {
		s.metrics.Inc(metrics.SendQueueOverflow)
		c.log.Warn("relay dropped: target send queue full", "target", req.TargetSocketID)
		return
	}
	s.metrics.Inc(metrics.SignalsRelayed)
}

func (s *Server) handleChat(c *client, data json.RawMessage) {
	if c.roomID == "" {
		s.metrics.Inc(metrics.DroppedUnbound)
		c.log.Debug("chat before join dropped")
		return
	}

	var req chatMessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.metrics.Inc(metrics.DroppedMalformed)
		return
	}

	senderName := c.participant.UserName
	if senderName == "" {
		senderName = req.SenderName
	}

	now := s.cfg.Now()
	s.broadcast(c.roomID, c.socketID, evtChatMessage, chatMessageEvent{
		ID:         now.UnixMilli(),
		Message:    req.Message,
		SenderName: senderName,
		SenderID:   c.socketID,
		Timestamp:  now.UTC().Format(time.RFC3339),
	})
	s.metrics.Inc(metrics.ChatMessages)
}

func (s *Server) handleMediaToggle(c *client, data json.RawMessage) {
	if c.roomID == "" {
		s.metrics.Inc(metrics.DroppedUnbound)
		c.log.Debug("media toggle before join dropped")
		return
	}

	var req mediaToggleRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.metrics.Inc(metrics.DroppedMalformed)
		return
	}

	s.broadcast(c.roomID, c.socketID, evtUserMediaToggle, userMediaToggleEvent{
		SocketID: c.socketID,
		Type:     req.Type,
		Enabled:  req.Enabled,
	})
	s.metrics.Inc(metrics.MediaToggles)
}

func (s *Server) handleLeave(c *client) {
	if c.roomID == "" {
		s.metrics.Inc(metrics.DroppedUnbound)
		return
	}
	s.leaveCurrentRoom(c)
}

// leaveCurrentRoom removes the connection from its room, broadcasts the
// departure, and lets the registry prune the room if it emptied. Safe to call
// when the connection is not in a room.
func (s *Server) leaveCurrentRoom(c *client) {
	if c.roomID == "" {
		return
	}
	roomID := c.roomID
	c.roomID = ""
	c.participant = room.Participant{}

	p, removed, destroyed := s.registry.Leave(roomID, c.socketID)
	if !removed {
		return
	}

	s.metrics.Inc(metrics.ParticipantsLeft)
	if destroyed {
		s.metrics.Inc(metrics.RoomsDestroyed)
	}

	s.broadcast(roomID, c.socketID, evtUserLeft, userLeftEvent{
		SocketID: c.socketID,
		UserID:   p.UserID,
		UserName: p.UserName,
	})

	c.log.Info("participant left", "room_id", roomID, "room_destroyed", destroyed)
}

// inRoom reports whether target is currently a member of the room.
func (s *Server) inRoom(roomID, targetSocketID string) bool {
	for _, p := range s.registry.Others(roomID, "") {
		if p.SocketID == targetSocketID {
			return true
		}
	}
	return false
}

// broadcast fans an event out to every room participant except the excluded
// socket. Delivery is fire-and-forget: a full send queue drops the frame for
// that client instead of blocking the caller.
func (s *Server) broadcast(roomID, excludingSocketID, event string, data any) {
	frame, err := encodeEvent(event, data)
	if err != nil {
		s.log.Error("broadcast encode failed", "event", event, "err", err)
		return
	}

	for _, p := range s.registry.Others(roomID, excludingSocketID) {
		target, ok := s.lookup(p.SocketID)
		if !ok {
			continue
		}
		if !target.enqueue(frame) {
			s.metrics.Inc(metrics.SendQueueOverflow)
			s.log.Warn("broadcast frame dropped: send queue full",
				"event", event, "socket_id", p.SocketID)
		}
	}
}

// sendTo delivers an event privately to one connection.
func (s *Server) sendTo(c *client, event string, data any) {
	frame, err := encodeEvent(event, data)
	if err != nil {
		s.log.Error("send encode failed", "event", event, "err", err)
		return
	}
	if !c.enqueue(frame) {
		s.metrics.Inc(metrics.SendQueueOverflow)
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
