package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/lesson-room/internal/logging"
	"github.com/mossy-p/lesson-room/internal/middleware"
	"github.com/mossy-p/lesson-room/internal/models"
	"github.com/mossy-p/lesson-room/internal/redis"
	"github.com/mossy-p/lesson-room/internal/roster"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
	storeTimeout   = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Room fans envelopes out to the connections in one lesson room.
type Room struct {
	ID    string
	Peers map[string]*Client
	mu    sync.RWMutex
}

// Client represents a WebSocket client connection. ID is the participant
// id from the token, so a reconnect replaces the previous connection.
type Client struct {
	ID     string
	RoomID string
	Conn   *websocket.Conn
	Send   chan []byte

	mu     sync.Mutex
	closed bool
}

// Hub owns the live rooms and persists what passes through them.
type Hub struct {
	store Store
	log   zerolog.Logger
	rooms map[string]*Room
	mu    sync.RWMutex
}

func NewHub(store Store) *Hub {
	return &Hub{
		store: store,
		log:   logging.Component("relay"),
		rooms: make(map[string]*Room),
	}
}

// HandleSignaling upgrades an authenticated roster member to the room's
// relay connection.
func (s *Server) HandleSignaling(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	ctx := c.Request.Context()
	room, err := s.store.Admit(ctx, c.Param("roomId"), userID)
	switch {
	case errors.Is(err, redis.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, redis.ErrRoomFull):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return
	}

	if err := s.roster.Authorize(ctx, room.ID, userID); err != nil {
		if errors.Is(err, roster.ErrNotParticipant) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Not a participant of this room"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check access"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.hub.log.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := &Client{
		ID:     userID,
		RoomID: room.ID,
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
	}
	s.hub.Join(room, client)
}

// Join registers the client, announces it and starts its pumps.
func (h *Hub) Join(meta *models.RoomMetadata, client *Client) {
	room := h.getOrCreateRoom(meta.ID)
	if previous := room.addClient(client); previous != nil {
		h.log.Info().Str("peer", client.ID).Str("room", room.ID).Msg("Replacing previous connection")
		previous.close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	if err := h.store.AddPeer(ctx, room.ID, client.ID); err != nil {
		h.log.Warn().Err(err).Str("room", room.ID).Msg("Failed to record presence")
	}
	cancel()

	h.log.Info().
		Str("peer", client.ID).
		Str("room", room.ID).
		Str("code", meta.Code).
		Int("participants", meta.ParticipantCount+1).
		Int("max", meta.MaxParticipants).
		Msg("Peer joined room")

	joinMsg := models.Envelope{
		ID:        uuid.New().String(),
		Channel:   models.ChannelPresence,
		RoomID:    room.ID,
		From:      client.ID,
		CreatedAt: time.Now(),
		Presence:  models.PresenceJoin,
	}
	client.sendMessage(joinMsg)
	room.broadcastMessage(joinMsg, client.ID)

	go client.writePump()
	go h.readPump(room, client)
}

// CloseRoom disconnects everyone in the room.
func (h *Hub) CloseRoom(roomID string) {
	h.mu.Lock()
	room, ok := h.rooms[roomID]
	delete(h.rooms, roomID)
	h.mu.Unlock()
	if !ok {
		return
	}

	room.mu.RLock()
	defer room.mu.RUnlock()
	for _, client := range room.Peers {
		client.close()
	}
}

func (h *Hub) getOrCreateRoom(roomID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, exists := h.rooms[roomID]
	if !exists {
		room = &Room{
			ID:    roomID,
			Peers: make(map[string]*Client),
		}
		h.rooms[roomID] = room
		h.log.Debug().Str("room", roomID).Msg("Created new room")
	}
	return room
}

// addClient stores the client and returns the connection it replaced, if any.
func (r *Room) addClient(client *Client) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous := r.Peers[client.ID]
	r.Peers[client.ID] = client
	return previous
}

// removeClient drops the client if it is still the registered connection
// for its id and reports whether the room is now empty.
func (r *Room) removeClient(client *Client) (removed, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Peers[client.ID] == client {
		delete(r.Peers, client.ID)
		removed = true
	}
	return removed, len(r.Peers) == 0
}

func (h *Hub) dropRoomIfEmpty(room *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room.mu.RLock()
	empty := len(room.Peers) == 0
	room.mu.RUnlock()
	if empty && h.rooms[room.ID] == room {
		delete(h.rooms, room.ID)
		h.log.Debug().Str("room", room.ID).Msg("Removed empty room")
	}
}

func (r *Room) broadcastMessage(msg models.Envelope, excludePeerID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for peerID, client := range r.Peers {
		if peerID == excludePeerID {
			continue
		}
		if !client.trySend(data) {
			// a peer that cannot keep up is dropped; it rejoins and
			// recovers from the stored history
			client.close()
		}
	}
}

func (h *Hub) readPump(room *Room, c *Client) {
	defer func() {
		removed, _ := room.removeClient(c)
		c.close()
		if !removed {
			return
		}
		h.dropRoomIfEmpty(room)

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := h.store.RemovePeer(ctx, c.RoomID, c.ID); err != nil {
			h.log.Warn().Err(err).Str("room", c.RoomID).Msg("Failed to clear presence")
		}
		cancel()

		room.broadcastMessage(models.Envelope{
			ID:        uuid.New().String(),
			Channel:   models.ChannelPresence,
			RoomID:    c.RoomID,
			From:      c.ID,
			CreatedAt: time.Now(),
			Presence:  models.PresenceLeave,
		}, c.ID)

		h.log.Info().Str("peer", c.ID).Str("room", c.RoomID).Msg("Peer left room")
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("peer", c.ID).Msg("WebSocket error")
			}
			break
		}

		var msg models.Envelope
		if err := json.Unmarshal(message, &msg); err != nil {
			h.log.Warn().Err(err).Str("peer", c.ID).Msg("Failed to parse message")
			c.sendError(c.RoomID, "malformed envelope")
			continue
		}

		h.relay(room, c, msg)
	}
}

// relay stamps an envelope with its sender, persists what late joiners
// need and fans it out to everyone else in the room.
func (h *Hub) relay(room *Room, c *Client, msg models.Envelope) {
	msg.From = c.ID
	msg.RoomID = c.RoomID
	msg.CreatedAt = time.Now()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	switch msg.Channel {
	case models.ChannelSignal:
		if msg.Signal == nil || !msg.Signal.Kind.Valid() {
			c.sendError(c.RoomID, "unknown signal kind")
			return
		}
		if err := h.store.AppendSignal(ctx, msg); err != nil {
			h.log.Error().Err(err).Str("room", c.RoomID).Msg("Failed to store signal")
			c.sendError(c.RoomID, "signal not stored")
		}

	case models.ChannelWhiteboard:
		ev := msg.Whiteboard
		if ev == nil {
			c.sendError(c.RoomID, "missing whiteboard event")
			return
		}
		ev.UserID = c.ID
		switch {
		case ev.Type == models.WhiteboardClear:
			h.log.Info().Str("peer", c.ID).Str("room", c.RoomID).Msg("Whiteboard cleared")
			if err := h.store.ClearStrokes(ctx, c.RoomID); err != nil {
				h.log.Error().Err(err).Str("room", c.RoomID).Msg("Failed to clear stroke log")
				c.sendError(c.RoomID, "clear not stored")
			}
		case ev.Durable():
			if _, err := h.store.AppendStroke(ctx, msg); err != nil {
				h.log.Error().Err(err).Str("room", c.RoomID).Msg("Failed to store stroke")
				c.sendError(c.RoomID, "stroke not stored")
			}
		case ev.Type != models.WhiteboardStroke || ev.Stroke == nil:
			c.sendError(c.RoomID, "unknown whiteboard event")
			return
		}

	default:
		h.log.Warn().Str("channel", string(msg.Channel)).Str("peer", c.ID).Msg("Unknown message channel")
		c.sendError(c.RoomID, "unknown channel")
		return
	}

	room.broadcastMessage(msg, c.ID)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendMessage(msg models.Envelope) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// trySend queues data without blocking. It reports false when the buffer
// is full or the client is closed.
func (c *Client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) sendError(roomID, text string) {
	c.sendMessage(models.Envelope{
		ID:        uuid.New().String(),
		Channel:   models.ChannelError,
		RoomID:    roomID,
		CreatedAt: time.Now(),
		Error:     text,
	})
}

// close stops the write pump, which closes the connection and unblocks
// the read pump.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}
