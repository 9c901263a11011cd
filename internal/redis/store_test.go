package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/lesson-room/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := NewStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRoomLifecycle(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	room := models.RoomMetadata{ID: "0f9a2c1e-room", Code: "ABCD23", CreatorID: "tutor", MaxParticipants: 2}
	require.NoError(t, store.CreateRoom(ctx, room))
	assert.Equal(t, time.Hour, mr.TTL("room:0f9a2c1e-room"))

	byID, err := store.Room(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, "tutor", byID.CreatorID)

	byCode, err := store.Room(ctx, "ABCD23")
	require.NoError(t, err)
	assert.Equal(t, room.ID, byCode.ID)

	require.NoError(t, store.AddPeer(ctx, room.ID, "tutor"))
	_, err = store.Admit(ctx, room.ID, "student")
	require.NoError(t, err)

	require.NoError(t, store.AddPeer(ctx, room.ID, "student"))
	_, err = store.Admit(ctx, room.ID, "mallory")
	assert.ErrorIs(t, err, ErrRoomFull)

	// a dropped connection that has not been cleared yet keeps its seat
	_, err = store.Admit(ctx, "ABCD23", "student")
	require.NoError(t, err)

	require.NoError(t, store.RemovePeer(ctx, room.ID, "student"))
	got, err := store.Room(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ParticipantCount)

	require.NoError(t, store.DeleteRoom(ctx, got))
	_, err = store.Room(ctx, room.ID)
	assert.ErrorIs(t, err, ErrRoomNotFound)
	_, err = store.Room(ctx, "ABCD23")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestSignalsFilteredByKind(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, kind := range []models.SignalKind{models.SignalKindOffer, models.SignalKindCandidate, models.SignalKindAnswer, models.SignalKindCandidate} {
		env, err := models.NewSignal("room-1", "alice", kind, map[string]string{"k": string(kind)})
		require.NoError(t, err)
		require.NoError(t, store.AppendSignal(ctx, env))
	}

	all, err := store.Signals(ctx, "room-1")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	candidates, err := store.Signals(ctx, "room-1", models.SignalKindCandidate)
	require.NoError(t, err)
	assert.Len(t, candidates, 2)

	offers, err := store.Signals(ctx, "room-1", models.SignalKindOffer, models.SignalKindAnswer)
	require.NoError(t, err)
	require.Len(t, offers, 2)
	assert.Equal(t, models.SignalKindOffer, offers[0].Kind())
	assert.Equal(t, models.SignalKindAnswer, offers[1].Kind())
}

func TestStrokeLogDeduplicatesAndClears(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	stroke := &models.Stroke{ID: "abc123", Points: []models.Point{{X: 1, Y: 1}, {X: 2, Y: 2}}, Color: "#000000", Width: 2, Tool: models.ToolPen}
	env := models.NewWhiteboard("room-1", models.WhiteboardEvent{Type: models.WhiteboardStroke, Stroke: stroke, UserID: "alice"})

	added, err := store.AppendStroke(ctx, env)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = store.AppendStroke(ctx, env)
	require.NoError(t, err)
	assert.False(t, added)

	strokes, err := store.Strokes(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, strokes, 1)
	assert.Equal(t, "abc123", strokes[0].Whiteboard.Stroke.ID)

	live := models.NewWhiteboard("room-1", models.WhiteboardEvent{Type: models.WhiteboardStroke, Stroke: &models.Stroke{ID: "live-abc123"}, UserID: "alice"})
	_, err = store.AppendStroke(ctx, live)
	assert.Error(t, err)

	require.NoError(t, store.ClearStrokes(ctx, "room-1"))
	strokes, err = store.Strokes(ctx, "room-1")
	require.NoError(t, err)
	assert.Empty(t, strokes)

	// a stroke broadcast after a clear is stored again
	added, err = store.AppendStroke(ctx, env)
	require.NoError(t, err)
	assert.True(t, added)
}

func TestFailedStrokeAppendCanBeRetried(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	stroke := &models.Stroke{ID: "def456", Points: []models.Point{{X: 1, Y: 1}, {X: 3, Y: 3}}, Color: "#ff0000", Width: 4, Tool: models.ToolPen}
	env := models.NewWhiteboard("room-1", models.WhiteboardEvent{Type: models.WhiteboardStroke, Stroke: stroke, UserID: "alice"})

	// the log key holds the wrong type, so the push fails
	require.NoError(t, mr.Set("room:room-1:strokes", "corrupt"))
	_, err := store.AppendStroke(ctx, env)
	require.Error(t, err)

	ok, err := mr.SIsMember("room:room-1:stroke-ids", "def456")
	require.NoError(t, err)
	assert.False(t, ok, "id must not stay indexed without its stroke")

	mr.Del("room:room-1:strokes")
	added, err := store.AppendStroke(ctx, env)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, time.Hour, mr.TTL("room:room-1:strokes"))
	assert.Equal(t, time.Hour, mr.TTL("room:room-1:stroke-ids"))

	strokes, err := store.Strokes(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, strokes, 1)
	assert.Equal(t, "def456", strokes[0].Whiteboard.Stroke.ID)
}
