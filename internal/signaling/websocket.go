package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/lesson-room/internal/logging"
	"github.com/mossy-p/lesson-room/internal/models"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	redialMin = 250 * time.Millisecond
	redialMax = 15 * time.Second
)

// WSTransport talks to the relay server: one websocket per room for live
// traffic, plain HTTP for history. Subscriptions belong to the transport,
// not the socket, so they survive a dropped connection; while a room has
// subscribers a lost socket is redialled with backoff.
type WSTransport struct {
	baseURL string
	token   string
	http    *http.Client
	dialer  *websocket.Dialer
	log     zerolog.Logger
	done    chan struct{}

	mu     sync.Mutex
	rooms  map[string]*wsRoom
	subs   map[string]map[models.Channel]map[int]Handler
	nextID int
	closed bool
}

type wsRoom struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	done chan struct{}
}

// NewWSTransport creates a transport for the relay at baseURL (http or
// https) authenticating with a participant token.
func NewWSTransport(baseURL, token string) *WSTransport {
	return &WSTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:     logging.Component("transport"),
		done:    make(chan struct{}),
		rooms:   make(map[string]*wsRoom),
		subs:    make(map[string]map[models.Channel]map[int]Handler),
	}
}

func (t *WSTransport) Publish(ctx context.Context, env models.Envelope) error {
	room, err := t.room(ctx, env.RoomID)
	if err != nil {
		return err
	}

	room.writeMu.Lock()
	defer room.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	room.conn.SetWriteDeadline(deadline)
	if err := room.conn.WriteJSON(env); err != nil {
		return transportError(err, "publish")
	}
	return nil
}

func (t *WSTransport) Subscribe(ctx context.Context, roomID string, channel models.Channel, h Handler) (func(), error) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	if t.subs[roomID] == nil {
		t.subs[roomID] = make(map[models.Channel]map[int]Handler)
	}
	if t.subs[roomID][channel] == nil {
		t.subs[roomID][channel] = make(map[int]Handler)
	}
	t.subs[roomID][channel][id] = h
	t.mu.Unlock()

	unsubscribe := func() {
		t.mu.Lock()
		delete(t.subs[roomID][channel], id)
		t.mu.Unlock()
	}
	if _, err := t.room(ctx, roomID); err != nil {
		unsubscribe()
		return nil, err
	}
	return unsubscribe, nil
}

// Connected reports whether the socket to roomID is currently up.
func (t *WSTransport) Connected(roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.rooms[roomID]
	if !ok {
		return false
	}
	select {
	case <-room.done:
		return false
	default:
		return true
	}
}

func (t *WSTransport) History(ctx context.Context, roomID string, q Query) ([]models.Envelope, error) {
	params := url.Values{}
	if q.Channel != "" {
		params.Set("channel", string(q.Channel))
	}
	if len(q.Kinds) > 0 {
		kinds := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			kinds[i] = string(k)
		}
		params.Set("kind", strings.Join(kinds, ","))
	}

	endpoint := fmt.Sprintf("%s/api/rooms/%s/history?%s", t.baseURL, url.PathEscape(roomID), params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build history request")
	}
	req.Header.Set("Authorization", "Bearer "+t.token)

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, transportError(err, "history")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden, http.StatusUnauthorized:
		return nil, ErrForbidden
	default:
		return nil, transportError(fmt.Errorf("status %d", resp.StatusCode), "history")
	}

	var out []models.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, transportError(err, "decode history")
	}
	return out, nil
}

// Close drops every room connection.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	rooms := t.rooms
	t.rooms = make(map[string]*wsRoom)
	t.mu.Unlock()

	for _, room := range rooms {
		room.close()
	}
	return nil
}

// LeaveRoom closes the connection to one room and drops its subscribers.
func (t *WSTransport) LeaveRoom(roomID string) {
	t.mu.Lock()
	room := t.rooms[roomID]
	delete(t.rooms, roomID)
	delete(t.subs, roomID)
	t.mu.Unlock()
	if room != nil {
		room.close()
	}
}

func (t *WSTransport) room(ctx context.Context, roomID string) (*wsRoom, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if room, ok := t.rooms[roomID]; ok {
		select {
		case <-room.done:
			delete(t.rooms, roomID)
		default:
			return room, nil
		}
	}

	wsURL := "ws" + strings.TrimPrefix(t.baseURL, "http") + "/ws/signal/" + url.PathEscape(roomID) +
		"?token=" + url.QueryEscape(t.token)
	conn, resp, err := t.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			return nil, ErrForbidden
		}
		return nil, transportError(err, "dial")
	}

	room := &wsRoom{
		id:   roomID,
		conn: conn,
		done: make(chan struct{}),
	}
	t.rooms[roomID] = room
	go t.readLoop(room)
	go room.pingLoop()
	t.log.Debug().Str("room", roomID).Msg("Connected to relay")
	return room, nil
}

func (t *WSTransport) readLoop(room *wsRoom) {
	lost := false
	defer func() {
		room.close()
		if lost {
			go t.redial(room.id)
		}
	}()

	room.conn.SetReadDeadline(time.Now().Add(pongWait))
	room.conn.SetPongHandler(func(string) error {
		room.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env models.Envelope
		if err := room.conn.ReadJSON(&env); err != nil {
			select {
			case <-room.done:
			default:
				lost = true
				t.log.Warn().Err(err).Str("room", room.id).Msg("Relay connection lost")
			}
			return
		}
		// any inbound frame proves the link is alive
		room.conn.SetReadDeadline(time.Now().Add(pongWait))

		if env.Channel == models.ChannelError {
			t.log.Warn().Str("room", room.id).Str("error", env.Error).Msg("Relay rejected envelope")
			continue
		}

		for _, h := range t.handlers(room.id, env.Channel) {
			h(env)
		}
	}
}

func (t *WSTransport) handlers(roomID string, channel models.Channel) []Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handler, 0, len(t.subs[roomID][channel]))
	for _, h := range t.subs[roomID][channel] {
		out = append(out, h)
	}
	return out
}

// wanted reports whether anyone still listens on roomID.
func (t *WSTransport) wanted(roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	for _, hs := range t.subs[roomID] {
		if len(hs) > 0 {
			return true
		}
	}
	return false
}

// redial reconnects a room whose socket dropped, doubling the wait after
// each failed attempt. It gives up once nobody listens on the room or the
// relay refuses the identity.
func (t *WSTransport) redial(roomID string) {
	wait := redialMin
	for {
		timer := time.NewTimer(wait)
		select {
		case <-t.done:
			timer.Stop()
			return
		case <-timer.C:
		}
		if !t.wanted(roomID) {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		_, err := t.room(ctx, roomID)
		cancel()
		switch {
		case err == nil:
			t.log.Info().Str("room", roomID).Msg("Reconnected to relay")
			return
		case errors.Is(err, ErrClosed), errors.Is(err, ErrForbidden):
			t.log.Warn().Err(err).Str("room", roomID).Msg("Giving up on relay")
			return
		}
		t.log.Debug().Err(err).Str("room", roomID).Dur("wait", wait).Msg("Redial failed")
		wait = min(wait*2, redialMax)
	}
}

func (r *wsRoom) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.writeMu.Lock()
			err := r.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			r.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (r *wsRoom) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
		return
	default:
	}
	close(r.done)
	r.writeMu.Lock()
	r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	r.writeMu.Unlock()
	r.conn.Close()
}
