// Package whiteboard keeps a room's shared drawing convergent across
// participants. Committed strokes are inserted once by id and rendered in
// (createdAt, id) order, so every board that has seen the same strokes
// shows the same pixels no matter how they arrived.
package whiteboard

import (
	"context"
	"image"
	"image/png"
	"io"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/lesson-room/internal/logging"
	"github.com/mossy-p/lesson-room/internal/models"
	"github.com/mossy-p/lesson-room/internal/signaling"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	// ErrAlreadySynced is returned by Start when the board is already live.
	ErrAlreadySynced = errors.New("whiteboard already synced")
	// ErrUnknownStroke is returned by Resend for an id not in the log.
	ErrUnknownStroke = errors.New("stroke not in log")
)

// Toolbar is the local drawing state applied to the next stroke.
type Toolbar struct {
	Color string
	Width float64
	Tool  models.Tool
}

var DefaultToolbar = Toolbar{Color: "black", Width: 3, Tool: models.ToolPen}

type Config struct {
	RoomID    string
	Self      string
	Transport signaling.Transport
	Width     int
	Height    int

	// Clock and NewID default to time.Now and uuid.NewString.
	Clock func() time.Time
	NewID func() string
}

// Board is one participant's view of a room whiteboard.
type Board struct {
	roomID    string
	self      string
	transport signaling.Transport
	clock     func() time.Time
	newID     func() string
	log       zerolog.Logger

	mu      sync.Mutex
	toolbar Toolbar
	strokes []*models.Stroke
	ids     map[string]bool
	canvas  *Canvas

	// drawing is the local stroke while the pointer is down. Points before
	// visibleFrom were wiped by a clear and are not repainted on redraw.
	drawing     *models.Stroke
	visibleFrom int
	// dirty is set while the canvas holds preview paint that is not in
	// the log.
	dirty       bool
	// clears counts clears applied, so Start can tell that a fetched
	// history predates one.
	clears      uint64
	unsubscribe func()
	listeners   []func(models.WhiteboardEvent)
}

func NewBoard(cfg Config) *Board {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Board{
		roomID:    cfg.RoomID,
		self:      cfg.Self,
		transport: cfg.Transport,
		clock:     cfg.Clock,
		newID:     cfg.NewID,
		log:       logging.Component("whiteboard").With().Str("room", cfg.RoomID).Str("peer", cfg.Self).Logger(),
		toolbar:   DefaultToolbar,
		ids:       make(map[string]bool),
		canvas:    NewCanvas(cfg.Width, cfg.Height),
	}
}

// Start subscribes to the room's whiteboard channel and then loads the
// stored strokes. Subscribing first leaves no gap; the overlap is removed
// by id. A history fetched while a clear was applied is discarded, since
// every stroke in it was stored before that clear.
func (b *Board) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.unsubscribe != nil {
		b.mu.Unlock()
		return ErrAlreadySynced
	}
	b.mu.Unlock()

	unsubscribe, err := b.transport.Subscribe(ctx, b.roomID, models.ChannelWhiteboard, b.deliver)
	if err != nil {
		return err
	}
	b.mu.Lock()
	clears := b.clears
	b.mu.Unlock()

	history, err := b.transport.History(ctx, b.roomID, signaling.Query{Channel: models.ChannelWhiteboard})
	if err != nil {
		unsubscribe()
		return err
	}

	b.mu.Lock()
	b.unsubscribe = unsubscribe
	if b.clears != clears {
		b.log.Debug().Int("strokes", len(history)).Msg("History predates a clear")
		history = nil
	}
	loaded := 0
	for _, env := range history {
		if env.Whiteboard == nil || !env.Whiteboard.Durable() {
			continue
		}
		if b.insert(env.Whiteboard.Stroke, false) {
			loaded++
		}
	}
	b.redraw()
	b.mu.Unlock()

	b.log.Info().Int("strokes", loaded).Msg("Whiteboard synced")
	return nil
}

// Stop unsubscribes. The log and canvas are kept.
func (b *Board) Stop() {
	b.mu.Lock()
	unsubscribe := b.unsubscribe
	b.unsubscribe = nil
	b.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Synced reports whether the board is receiving the room's events. It is
// false while a transport that reports its link is disconnected.
func (b *Board) Synced() bool {
	b.mu.Lock()
	live := b.unsubscribe != nil
	b.mu.Unlock()
	if m, ok := b.transport.(signaling.Monitor); ok && live {
		return m.Connected(b.roomID)
	}
	return live
}

// OnEvent registers a callback for every remote event applied.
func (b *Board) OnEvent(fn func(models.WhiteboardEvent)) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

func (b *Board) Toolbar() Toolbar {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.toolbar
}

func (b *Board) SetColor(c string) {
	b.mu.Lock()
	b.toolbar.Color = c
	b.mu.Unlock()
}

func (b *Board) SetWidth(w float64) {
	b.mu.Lock()
	b.toolbar.Width = w
	b.mu.Unlock()
}

func (b *Board) SetTool(t models.Tool) {
	b.mu.Lock()
	b.toolbar.Tool = t
	b.mu.Unlock()
}

// PointerDown begins a stroke with the current toolbar. A stroke already in
// progress is abandoned.
func (b *Board) PointerDown(p models.Point) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drawing = &models.Stroke{
		ID:        b.newID(),
		Points:    []models.Point{p},
		Color:     b.toolbar.Color,
		Width:     b.toolbar.Width,
		Tool:      b.toolbar.Tool,
		CreatedAt: b.clock().UnixMilli(),
	}
	b.visibleFrom = 0
}

// PointerMove extends the stroke in progress, paints the new segment and
// broadcasts it as a live preview. Live previews are best effort, so a
// failed publish is only logged.
func (b *Board) PointerMove(ctx context.Context, p models.Point) {
	b.mu.Lock()
	s := b.drawing
	if s == nil {
		b.mu.Unlock()
		return
	}
	s.Points = append(s.Points, p)
	n := len(s.Points)
	tail := slices.Clone(s.Points[n-2:])
	b.canvas.Paint(s, tail)
	b.dirty = true
	live := models.Stroke{
		ID:        models.LiveStrokePrefix + "-" + s.ID,
		Points:    tail,
		Color:     s.Color,
		Width:     s.Width,
		Tool:      s.Tool,
		CreatedAt: s.CreatedAt,
	}
	b.mu.Unlock()

	if err := b.publish(ctx, models.WhiteboardEvent{Type: models.WhiteboardStroke, Stroke: &live}); err != nil {
		b.log.Debug().Err(err).Msg("Live segment dropped")
	}
}

// PointerUp commits the stroke in progress and broadcasts it. A tap (fewer
// than two points) is discarded and returns nil. When the broadcast fails
// the stroke is still in the local log and can be sent again with Resend.
func (b *Board) PointerUp(ctx context.Context) (*models.Stroke, error) {
	b.mu.Lock()
	s := b.drawing
	b.drawing = nil
	if s == nil || len(s.Points) < 2 {
		b.mu.Unlock()
		return nil, nil
	}
	b.insert(s, true)
	committed := clone(s)
	b.mu.Unlock()

	return committed, b.publish(ctx, models.WhiteboardEvent{Type: models.WhiteboardStroke, Stroke: committed})
}

// Resend broadcasts a committed stroke again.
func (b *Board) Resend(ctx context.Context, id string) error {
	b.mu.Lock()
	i := slices.IndexFunc(b.strokes, func(s *models.Stroke) bool { return s.ID == id })
	if i < 0 {
		b.mu.Unlock()
		return ErrUnknownStroke
	}
	s := clone(b.strokes[i])
	b.mu.Unlock()
	return b.publish(ctx, models.WhiteboardEvent{Type: models.WhiteboardStroke, Stroke: s})
}

// Clear wipes the board locally and for everyone in the room.
func (b *Board) Clear(ctx context.Context) error {
	b.mu.Lock()
	b.clear()
	b.mu.Unlock()
	return b.publish(ctx, models.WhiteboardEvent{Type: models.WhiteboardClear})
}

// Apply merges a remote event. Events authored by this participant are
// ignored; durable strokes are inserted at most once.
func (b *Board) Apply(ev models.WhiteboardEvent) {
	if ev.UserID == b.self {
		return
	}

	b.mu.Lock()
	switch ev.Type {
	case models.WhiteboardClear:
		b.clear()
		b.log.Info().Str("by", ev.UserID).Msg("Whiteboard cleared")
	case models.WhiteboardStroke:
		switch {
		case ev.Stroke == nil:
			b.mu.Unlock()
			return
		case ev.Stroke.Live():
			b.canvas.Paint(ev.Stroke, ev.Stroke.Points)
			b.dirty = true
		default:
			if !b.insert(ev.Stroke, true) {
				b.mu.Unlock()
				return
			}
		}
	default:
		b.mu.Unlock()
		b.log.Warn().Str("type", string(ev.Type)).Msg("Unknown whiteboard event")
		return
	}
	listeners := slices.Clone(b.listeners)
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// Strokes returns the committed log in render order.
func (b *Board) Strokes() []models.Stroke {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Stroke, len(b.strokes))
	for i, s := range b.strokes {
		out[i] = *clone(s)
	}
	return out
}

// Snapshot copies the canvas pixels.
func (b *Board) Snapshot() *image.RGBA {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canvas.Snapshot()
}

// PNG encodes the canvas.
func (b *Board) PNG(w io.Writer) error {
	return errors.Wrap(png.Encode(w, b.Snapshot()), "encode whiteboard")
}

// Resize changes the drawing surface, keeping what is already painted.
func (b *Board) Resize(width, height int) {
	b.mu.Lock()
	b.canvas = b.canvas.Resized(width, height)
	b.mu.Unlock()
}

func (b *Board) deliver(env models.Envelope) {
	if env.Whiteboard == nil {
		return
	}
	ev := *env.Whiteboard
	if ev.UserID == "" {
		ev.UserID = env.From
	}
	b.Apply(ev)
}

func (b *Board) publish(ctx context.Context, ev models.WhiteboardEvent) error {
	ev.UserID = b.self
	return b.transport.Publish(ctx, models.NewWhiteboard(b.roomID, ev))
}

// insert adds a durable stroke unless its id is known or it is a tap. When
// paint is set the canvas is brought up to date: the new stroke alone when
// it sorts last onto a clean canvas, a full redraw otherwise. Callers hold
// b.mu.
func (b *Board) insert(s *models.Stroke, paint bool) bool {
	if len(s.Points) < 2 || b.ids[s.ID] {
		return false
	}
	s = clone(s)
	b.ids[s.ID] = true
	i := sort.Search(len(b.strokes), func(i int) bool { return s.Less(b.strokes[i]) })
	b.strokes = slices.Insert(b.strokes, i, s)
	if !paint {
		return true
	}
	if i == len(b.strokes)-1 && !b.dirty {
		b.canvas.Paint(s, s.Points)
	} else {
		b.redraw()
	}
	return true
}

// redraw repaints the log from an empty canvas, followed by whatever of the
// local stroke in progress is still visible. Callers hold b.mu.
func (b *Board) redraw() {
	b.canvas.Wipe()
	for _, s := range b.strokes {
		b.canvas.Paint(s, s.Points)
	}
	b.dirty = b.drawing != nil
	if b.dirty {
		b.canvas.Paint(b.drawing, b.drawing.Points[b.visibleFrom:])
	}
}

// clear drops the log and wipes the canvas. A stroke in progress survives
// and is committed on pointer-up. Callers hold b.mu.
func (b *Board) clear() {
	b.clears++
	b.strokes = nil
	b.ids = make(map[string]bool)
	b.canvas.Wipe()
	b.dirty = false
	if b.drawing != nil {
		b.visibleFrom = len(b.drawing.Points)
	}
}

func clone(s *models.Stroke) *models.Stroke {
	c := *s
	c.Points = slices.Clone(s.Points)
	return &c
}
