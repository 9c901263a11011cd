package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/lesson-room/internal/models"
	"github.com/mossy-p/lesson-room/internal/serial"
	"github.com/pkg/errors"
)

var errInjected = errors.New("injected relay failure")

// Memory is an in-process relay with the same contract as the websocket
// relay: it stamps senders, keeps the signal history and the durable
// stroke log, and never echoes an envelope to its author. Delivery is
// asynchronous. Pause and Resume let callers force interleavings, and
// SetDuplicate delivers every envelope twice.
type Memory struct {
	mu        sync.Mutex
	rooms     map[string]*memRoom
	paused    bool
	pending   []delivery
	duplicate bool
	failing   bool
	closed    bool
}

type memRoom struct {
	signals []models.Envelope
	strokes []models.Envelope
	seen    map[string]bool
	subs    map[*subscription]struct{}
}

type delivery struct {
	sub *subscription
	env models.Envelope
}

func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]*memRoom)}
}

// Endpoint returns the transport as seen by participant userID.
func (m *Memory) Endpoint(userID string) Transport {
	return &memEndpoint{relay: m, userID: userID}
}

// Pause holds deliveries until Resume is called.
func (m *Memory) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
}

// Resume delivers everything held since Pause, in reverse order when
// reverse is set, and resumes immediate delivery.
func (m *Memory) Resume(reverse bool) {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.paused = false
	m.mu.Unlock()

	if reverse {
		for i, j := 0, len(pending)-1; i < j; i, j = i+1, j-1 {
			pending[i], pending[j] = pending[j], pending[i]
		}
	}
	for _, d := range pending {
		d.sub.enqueue(d.env)
	}
}

// SetDuplicate makes every delivery happen twice.
func (m *Memory) SetDuplicate(on bool) {
	m.mu.Lock()
	m.duplicate = on
	m.mu.Unlock()
}

// SetFailing makes Publish and History fail with ErrTransport.
func (m *Memory) SetFailing(on bool) {
	m.mu.Lock()
	m.failing = on
	m.mu.Unlock()
}

// Connected is false while the relay is failing or closed.
func (m *Memory) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.failing && !m.closed
}

// Close stops every subscription.
func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	var subs []*subscription
	for _, room := range m.rooms {
		for s := range room.subs {
			subs = append(subs, s)
		}
		room.subs = map[*subscription]struct{}{}
	}
	m.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

func (m *Memory) room(roomID string) *memRoom {
	room, ok := m.rooms[roomID]
	if !ok {
		room = &memRoom{seen: make(map[string]bool), subs: make(map[*subscription]struct{})}
		m.rooms[roomID] = room
	}
	return room
}

func (m *Memory) publish(from string, env models.Envelope) error {
	env.From = from
	env.CreatedAt = time.Now()
	if env.ID == "" {
		env.ID = uuid.New().String()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.failing {
		m.mu.Unlock()
		return transportError(errInjected, "publish")
	}

	room := m.room(env.RoomID)
	switch env.Channel {
	case models.ChannelSignal:
		room.signals = append(room.signals, env)
	case models.ChannelWhiteboard:
		if env.Whiteboard != nil {
			ev := *env.Whiteboard
			ev.UserID = from
			env.Whiteboard = &ev
			switch {
			case env.Whiteboard.Type == models.WhiteboardClear:
				room.strokes = nil
				room.seen = make(map[string]bool)
			case env.Whiteboard.Durable() && !room.seen[env.Whiteboard.Stroke.ID]:
				room.seen[env.Whiteboard.Stroke.ID] = true
				room.strokes = append(room.strokes, env)
			}
		}
	}

	copies := 1
	if m.duplicate {
		copies = 2
	}
	var now []delivery
	for sub := range room.subs {
		if sub.userID == from || sub.channel != env.Channel {
			continue
		}
		for i := 0; i < copies; i++ {
			d := delivery{sub: sub, env: env}
			if m.paused {
				m.pending = append(m.pending, d)
			} else {
				now = append(now, d)
			}
		}
	}
	m.mu.Unlock()

	for _, d := range now {
		d.sub.enqueue(d.env)
	}
	return nil
}

func (m *Memory) history(roomID string, q Query) ([]models.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, transportError(errInjected, "history")
	}

	room := m.room(roomID)
	if q.Channel == models.ChannelWhiteboard {
		return append([]models.Envelope(nil), room.strokes...), nil
	}

	want := make(map[models.SignalKind]bool, len(q.Kinds))
	for _, k := range q.Kinds {
		want[k] = true
	}
	var out []models.Envelope
	for _, env := range room.signals {
		if len(want) == 0 || want[env.Kind()] {
			out = append(out, env)
		}
	}
	return out, nil
}

type memEndpoint struct {
	relay  *Memory
	userID string
}

func (e *memEndpoint) Publish(_ context.Context, env models.Envelope) error {
	return e.relay.publish(e.userID, env)
}

func (e *memEndpoint) Subscribe(_ context.Context, roomID string, channel models.Channel, h Handler) (func(), error) {
	sub := newSubscription(e.userID, channel, h)

	e.relay.mu.Lock()
	if e.relay.closed {
		e.relay.mu.Unlock()
		return nil, ErrClosed
	}
	room := e.relay.room(roomID)
	room.subs[sub] = struct{}{}
	e.relay.mu.Unlock()

	return func() {
		e.relay.mu.Lock()
		delete(room.subs, sub)
		e.relay.mu.Unlock()
		sub.stop()
	}, nil
}

func (e *memEndpoint) Connected(string) bool {
	return e.relay.Connected()
}

func (e *memEndpoint) History(_ context.Context, roomID string, q Query) ([]models.Envelope, error) {
	return e.relay.history(roomID, q)
}

// subscription delivers envelopes to one handler in enqueue order on its
// own goroutine.
type subscription struct {
	userID  string
	channel models.Channel
	handler Handler
	queue   *serial.Queue
}

func newSubscription(userID string, channel models.Channel, h Handler) *subscription {
	return &subscription{userID: userID, channel: channel, handler: h, queue: serial.New()}
}

func (s *subscription) enqueue(env models.Envelope) {
	s.queue.Post(func() { s.handler(env) })
}

func (s *subscription) stop() {
	s.queue.Stop()
}
