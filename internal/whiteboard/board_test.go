package whiteboard

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mossy-p/lesson-room/internal/models"
	"github.com/mossy-p/lesson-room/internal/signaling"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/colornames"
)

const size = 64

func line(id string, createdAt int64, col string, width float64, pts ...models.Point) *models.Stroke {
	return &models.Stroke{ID: id, Points: pts, Color: col, Width: width, Tool: models.ToolPen, CreatedAt: createdAt}
}

func from(user string, s *models.Stroke) models.WhiteboardEvent {
	return models.WhiteboardEvent{Type: models.WhiteboardStroke, Stroke: s, UserID: user}
}

// crossing strokes overlap at the centre of the board.
func crossing() []*models.Stroke {
	return []*models.Stroke{
		line("a", 1, "red", 6, models.Point{X: 0, Y: 32.5}, models.Point{X: 64, Y: 32.5}),
		line("b", 2, "blue", 6, models.Point{X: 32.5, Y: 0}, models.Point{X: 32.5, Y: 64}),
		line("c", 2, "#008000", 6, models.Point{X: 0, Y: 0}, models.Point{X: 64, Y: 64}),
	}
}

func offline(self string) *Board {
	return NewBoard(Config{RoomID: "room-1", Self: self, Width: size, Height: size})
}

func samePixels(t *testing.T, want, got *image.RGBA) {
	t.Helper()
	require.Equal(t, want.Bounds(), got.Bounds())
	assert.True(t, bytes.Equal(want.Pix, got.Pix), "canvases differ")
}

func blank(b *Board) bool {
	want := NewCanvas(size, size).Snapshot()
	return bytes.Equal(want.Pix, b.Snapshot().Pix)
}

func TestParseColor(t *testing.T) {
	tests := []struct {
		in   string
		want color.RGBA
	}{
		{in: "red", want: colornames.Red},
		{in: " Blue ", want: colornames.Blue},
		{in: "#ff8000", want: color.RGBA{R: 0xff, G: 0x80, A: 0xff}},
		{in: "#0f0", want: color.RGBA{G: 0xff, A: 0xff}},
		{in: "#12345", want: colornames.Black},
		{in: "#gggggg", want: colornames.Black},
		{in: "not a colour", want: colornames.Black},
		{in: "", want: colornames.Black},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseColor(tt.in))
		})
	}
}

func TestArrivalOrderDoesNotChangePixels(t *testing.T) {
	s := crossing()
	ref := offline("alice")
	for _, st := range s {
		ref.Apply(from("bob", st))
	}
	want := ref.Snapshot()

	centre := want.RGBAAt(32, 32)
	assert.Greater(t, centre.G, centre.R)
	assert.Greater(t, centre.G, centre.B)

	orders := [][]int{{0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, order := range orders {
		b := offline("alice")
		for _, i := range order {
			b.Apply(from("bob", s[i]))
		}
		samePixels(t, want, b.Snapshot())
		assert.Equal(t, ref.Strokes(), b.Strokes())
	}
}

func TestDuplicateStrokesAreInsertedOnce(t *testing.T) {
	s := crossing()
	once, twice := offline("alice"), offline("alice")

	once.Apply(from("bob", s[0]))
	once.Apply(from("bob", s[1]))

	twice.Apply(from("bob", s[0]))
	twice.Apply(from("bob", s[1]))
	twice.Apply(from("bob", s[0]))
	twice.Apply(from("carol", s[1]))

	assert.Len(t, twice.Strokes(), 2)
	samePixels(t, once.Snapshot(), twice.Snapshot())
}

func TestInsertedStrokeIsCopied(t *testing.T) {
	b := offline("alice")
	s := crossing()[0]
	b.Apply(from("bob", s))
	s.Points[0].X = 50

	assert.Equal(t, 0.0, b.Strokes()[0].Points[0].X)
}

func TestLiveStrokesArePaintedNotStored(t *testing.T) {
	s := crossing()[0]
	live := *s
	live.ID = models.LiveStrokePrefix + "-" + s.ID

	b := offline("alice")
	b.Apply(from("bob", &live))
	assert.Empty(t, b.Strokes())
	assert.False(t, blank(b))

	b.Apply(from("bob", s))
	require.Len(t, b.Strokes(), 1)

	clean := offline("alice")
	clean.Apply(from("bob", s))
	samePixels(t, clean.Snapshot(), b.Snapshot())
}

func TestOwnEventsAreIgnored(t *testing.T) {
	b := offline("alice")
	b.Apply(from("alice", crossing()[0]))
	b.Apply(models.WhiteboardEvent{Type: models.WhiteboardClear, UserID: "alice"})

	assert.Empty(t, b.Strokes())
	assert.True(t, blank(b))
}

func TestTapsAreDropped(t *testing.T) {
	b := offline("alice")
	b.Apply(from("bob", line("tap", 1, "red", 4, models.Point{X: 10, Y: 10})))
	b.Apply(from("bob", &models.Stroke{ID: "empty"}))

	assert.Empty(t, b.Strokes())
	assert.True(t, blank(b))
}

func TestEraserPaintsBackground(t *testing.T) {
	b := offline("alice")
	b.Apply(from("bob", line("ink", 1, "red", 6, models.Point{X: 0, Y: 32.5}, models.Point{X: 64, Y: 32.5})))
	ink := b.Snapshot().RGBAAt(32, 32)
	assert.Greater(t, ink.R, ink.G)

	rub := line("rub", 2, "red", 12, models.Point{X: 0, Y: 32.5}, models.Point{X: 64, Y: 32.5})
	rub.Tool = models.ToolEraser
	b.Apply(from("bob", rub))

	got := b.Snapshot().RGBAAt(32, 32)
	assert.GreaterOrEqual(t, got.G, uint8(250))
	assert.GreaterOrEqual(t, got.B, uint8(250))
}

func TestRemoteClearWipesLog(t *testing.T) {
	b := offline("alice")
	for _, s := range crossing() {
		b.Apply(from("bob", s))
	}
	var events int
	b.OnEvent(func(models.WhiteboardEvent) { events++ })

	b.Apply(models.WhiteboardEvent{Type: models.WhiteboardClear, UserID: "bob"})

	assert.Empty(t, b.Strokes())
	assert.True(t, blank(b))
	assert.Equal(t, 1, events)

	// A stroke seen before the clear is accepted again afterwards.
	b.Apply(from("bob", crossing()[0]))
	assert.Len(t, b.Strokes(), 1)
}

func TestResizeKeepsPixels(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
	}{
		{name: "grow", width: 128, height: 96},
		{name: "shrink", width: 40, height: 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := offline("alice")
			b.Apply(from("bob", crossing()[2]))
			before := b.Snapshot()

			b.Resize(tt.width, tt.height)
			after := b.Snapshot()

			require.Equal(t, image.Rect(0, 0, tt.width, tt.height), after.Bounds())
			for y := 0; y < tt.height; y++ {
				for x := 0; x < tt.width; x++ {
					want := Background
					if x < size && y < size {
						want = before.RGBAAt(x, y)
					}
					require.Equal(t, want, after.RGBAAt(x, y), "pixel %d,%d", x, y)
				}
			}
			assert.Len(t, b.Strokes(), 1)
		})
	}
}

func TestPNG(t *testing.T) {
	b := offline("alice")
	b.Apply(from("bob", crossing()[0]))

	var buf bytes.Buffer
	require.NoError(t, b.PNG(&buf))
	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, size, size), img.Bounds())
}

func TestToolbarAppliesToNextStroke(t *testing.T) {
	b := offline("alice")
	assert.Equal(t, DefaultToolbar, b.Toolbar())

	b.SetColor("#123456")
	b.SetWidth(8)
	b.SetTool(models.ToolEraser)
	assert.Equal(t, Toolbar{Color: "#123456", Width: 8, Tool: models.ToolEraser}, b.Toolbar())
}

type room struct {
	relay *signaling.Memory
	tick  atomic.Int64
}

func newRoom(t *testing.T) *room {
	r := &room{relay: signaling.NewMemory()}
	t.Cleanup(r.relay.Close)
	return r
}

func (r *room) join(t *testing.T, user string) *Board {
	t.Helper()
	b := NewBoard(Config{
		RoomID:    "room-1",
		Self:      user,
		Transport: r.relay.Endpoint(user),
		Width:     size,
		Height:    size,
		Clock:     func() time.Time { return time.UnixMilli(r.tick.Add(1)) },
	})
	require.NoError(t, b.Start(t.Context()))
	t.Cleanup(b.Stop)
	return b
}

func drawStroke(t *testing.T, b *Board, pts ...models.Point) *models.Stroke {
	t.Helper()
	b.PointerDown(pts[0])
	for _, p := range pts[1:] {
		b.PointerMove(t.Context(), p)
	}
	s, err := b.PointerUp(t.Context())
	require.NoError(t, err)
	return s
}

func strokes(b *Board, n int) func() bool {
	return func() bool { return len(b.Strokes()) == n }
}

func TestStrokesReachOtherBoards(t *testing.T) {
	r := newRoom(t)
	alice, bob := r.join(t, "alice"), r.join(t, "bob")
	assert.True(t, alice.Synced())

	s := drawStroke(t, alice, models.Point{X: 5, Y: 5}, models.Point{X: 30, Y: 40}, models.Point{X: 60, Y: 10})
	require.NotNil(t, s)
	assert.False(t, s.Live())

	require.Eventually(t, strokes(bob, 1), time.Second, 5*time.Millisecond)
	assert.Equal(t, alice.Strokes(), bob.Strokes())
	samePixels(t, alice.Snapshot(), bob.Snapshot())
}

func TestConcurrentDrawersConverge(t *testing.T) {
	r := newRoom(t)
	alice, bob := r.join(t, "alice"), r.join(t, "bob")

	// Each board commits its own strokes before seeing the other's, so
	// alice receives bob's earlier stroke after her later one.
	r.relay.SetDuplicate(true)
	r.relay.Pause()
	drawStroke(t, alice, models.Point{X: 0, Y: 20}, models.Point{X: 64, Y: 40})
	drawStroke(t, bob, models.Point{X: 0, Y: 40}, models.Point{X: 64, Y: 20})
	drawStroke(t, alice, models.Point{X: 20, Y: 0}, models.Point{X: 40, Y: 64})
	r.relay.Resume(false)

	require.Eventually(t, strokes(alice, 3), time.Second, 5*time.Millisecond)
	require.Eventually(t, strokes(bob, 3), time.Second, 5*time.Millisecond)
	assert.Equal(t, alice.Strokes(), bob.Strokes())
	samePixels(t, alice.Snapshot(), bob.Snapshot())
}

func TestTapIsNotBroadcast(t *testing.T) {
	r := newRoom(t)
	alice, bob := r.join(t, "alice"), r.join(t, "bob")
	var seen atomic.Int32
	bob.OnEvent(func(models.WhiteboardEvent) { seen.Add(1) })

	alice.PointerDown(models.Point{X: 10, Y: 10})
	s, err := alice.PointerUp(t.Context())
	require.NoError(t, err)
	assert.Nil(t, s)

	assert.Empty(t, alice.Strokes())
	assert.True(t, blank(alice))
	assert.Never(t, func() bool { return seen.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestClearWhileDrawing(t *testing.T) {
	r := newRoom(t)
	alice, bob := r.join(t, "alice"), r.join(t, "bob")

	drawStroke(t, bob, models.Point{X: 0, Y: 0}, models.Point{X: 64, Y: 64})
	require.Eventually(t, strokes(alice, 1), time.Second, 5*time.Millisecond)

	cleared := make(chan struct{}, 1)
	alice.OnEvent(func(ev models.WhiteboardEvent) {
		if ev.Type == models.WhiteboardClear {
			cleared <- struct{}{}
		}
	})

	alice.PointerDown(models.Point{X: 10, Y: 10})
	alice.PointerMove(t.Context(), models.Point{X: 20, Y: 20})
	require.NoError(t, bob.Clear(t.Context()))
	select {
	case <-cleared:
	case <-time.After(time.Second):
		t.Fatal("clear not delivered")
	}
	assert.Empty(t, alice.Strokes())

	alice.PointerMove(t.Context(), models.Point{X: 30, Y: 10})
	s, err := alice.PointerUp(t.Context())
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Len(t, s.Points, 3)

	require.Eventually(t, strokes(bob, 1), time.Second, 5*time.Millisecond)
	assert.Equal(t, s.ID, bob.Strokes()[0].ID)
	assert.Len(t, bob.Strokes()[0].Points, 3)
	samePixels(t, alice.Snapshot(), bob.Snapshot())
}

func TestLateJoinerLoadsHistory(t *testing.T) {
	r := newRoom(t)
	alice := r.join(t, "alice")
	drawStroke(t, alice, models.Point{X: 0, Y: 20}, models.Point{X: 64, Y: 40})
	drawStroke(t, alice, models.Point{X: 20, Y: 0}, models.Point{X: 40, Y: 64})

	carol := r.join(t, "carol")
	assert.Equal(t, alice.Strokes(), carol.Strokes())
	samePixels(t, alice.Snapshot(), carol.Snapshot())
}

func TestStartTwice(t *testing.T) {
	r := newRoom(t)
	alice := r.join(t, "alice")
	assert.ErrorIs(t, alice.Start(t.Context()), ErrAlreadySynced)

	alice.Stop()
	assert.False(t, alice.Synced())
}

func TestSyncedFollowsTransportLink(t *testing.T) {
	r := newRoom(t)
	alice := r.join(t, "alice")
	require.True(t, alice.Synced())

	r.relay.SetFailing(true)
	assert.False(t, alice.Synced())

	r.relay.SetFailing(false)
	assert.True(t, alice.Synced())
}

func TestFailedCommitCanBeResent(t *testing.T) {
	r := newRoom(t)
	alice, bob := r.join(t, "alice"), r.join(t, "bob")

	r.relay.SetFailing(true)
	alice.PointerDown(models.Point{X: 0, Y: 0})
	alice.PointerMove(t.Context(), models.Point{X: 30, Y: 30})
	s, err := alice.PointerUp(t.Context())
	require.ErrorIs(t, err, signaling.ErrTransport)
	require.NotNil(t, s)
	assert.Len(t, alice.Strokes(), 1)

	r.relay.SetFailing(false)
	require.NoError(t, alice.Resend(t.Context(), s.ID))
	require.Eventually(t, strokes(bob, 1), time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, alice.Resend(t.Context(), "missing"), ErrUnknownStroke)
}

// clearDuringHistory returns a history snapshot taken before another
// participant clears the board, and only once that clear has reached the
// board being started.
type clearDuringHistory struct {
	signaling.Transport
	clearer signaling.Transport
	applied chan struct{}
}

func (c *clearDuringHistory) History(ctx context.Context, roomID string, q signaling.Query) ([]models.Envelope, error) {
	snapshot, err := c.Transport.History(ctx, roomID, q)
	if err != nil {
		return nil, err
	}
	clear := models.NewWhiteboard(roomID, models.WhiteboardEvent{Type: models.WhiteboardClear, UserID: "carol"})
	if err := c.clearer.Publish(ctx, clear); err != nil {
		return nil, err
	}
	select {
	case <-c.applied:
	case <-time.After(time.Second):
		return nil, context.DeadlineExceeded
	}
	return snapshot, nil
}

func TestClearDuringHistoryFetchWins(t *testing.T) {
	r := newRoom(t)
	alice := r.join(t, "alice")
	drawStroke(t, alice, models.Point{X: 0, Y: 20}, models.Point{X: 64, Y: 40})
	drawStroke(t, alice, models.Point{X: 20, Y: 0}, models.Point{X: 40, Y: 64})

	applied := make(chan struct{}, 1)
	bob := NewBoard(Config{
		RoomID: "room-1",
		Self:   "bob",
		Transport: &clearDuringHistory{
			Transport: r.relay.Endpoint("bob"),
			clearer:   r.relay.Endpoint("carol"),
			applied:   applied,
		},
		Width:  size,
		Height: size,
	})
	bob.OnEvent(func(ev models.WhiteboardEvent) {
		if ev.Type == models.WhiteboardClear {
			applied <- struct{}{}
		}
	})
	require.NoError(t, bob.Start(t.Context()))
	t.Cleanup(bob.Stop)

	assert.Empty(t, bob.Strokes())
	assert.True(t, blank(bob))
	require.Eventually(t, strokes(alice, 0), time.Second, 5*time.Millisecond)
}

func TestLogFieldsMatchOtherComponents(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	r := newRoom(t)
	r.join(t, "alice")

	var synced map[string]any
	for _, l := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(l), &entry))
		if entry["message"] == "Whiteboard synced" {
			synced = entry
		}
	}
	require.NotNil(t, synced, "sync not logged")
	assert.Equal(t, "whiteboard", synced["component"])
	assert.Equal(t, "room-1", synced["room"])
	assert.Equal(t, "alice", synced["peer"])
	assert.NotContains(t, synced, "room_id")
}
