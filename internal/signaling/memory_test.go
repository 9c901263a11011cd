package signaling

import (
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/lesson-room/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	envs []models.Envelope
}

func (c *collector) handle(env models.Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
}

func (c *collector) all() []models.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Envelope(nil), c.envs...)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func offer(t *testing.T, sdp string) models.Envelope {
	t.Helper()
	env, err := models.NewSignal("room-1", "", models.SignalKindOffer, map[string]string{"type": "offer", "sdp": sdp})
	require.NoError(t, err)
	return env
}

func stroke(id string) models.Envelope {
	return models.NewWhiteboard("room-1", models.WhiteboardEvent{
		Type:   models.WhiteboardStroke,
		Stroke: &models.Stroke{ID: id, Points: []models.Point{{X: 0, Y: 0}, {X: 1, Y: 1}}},
	})
}

func TestMemoryNoEcho(t *testing.T) {
	relay := NewMemory()
	defer relay.Close()
	alice, bob := relay.Endpoint("alice"), relay.Endpoint("bob")

	var atAlice, atBob collector
	_, err := alice.Subscribe(t.Context(), "room-1", models.ChannelSignal, atAlice.handle)
	require.NoError(t, err)
	_, err = bob.Subscribe(t.Context(), "room-1", models.ChannelSignal, atBob.handle)
	require.NoError(t, err)

	require.NoError(t, alice.Publish(t.Context(), offer(t, "v=0")))

	require.Eventually(t, func() bool { return atBob.len() == 1 }, time.Second, 5*time.Millisecond)
	got := atBob.all()[0]
	assert.Equal(t, "alice", got.From)
	assert.NotEmpty(t, got.ID)
	assert.Never(t, func() bool { return atAlice.len() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestMemoryChannelsAreIndependent(t *testing.T) {
	relay := NewMemory()
	defer relay.Close()
	alice, bob := relay.Endpoint("alice"), relay.Endpoint("bob")

	var signals, board collector
	_, err := bob.Subscribe(t.Context(), "room-1", models.ChannelSignal, signals.handle)
	require.NoError(t, err)
	_, err = bob.Subscribe(t.Context(), "room-1", models.ChannelWhiteboard, board.handle)
	require.NoError(t, err)

	require.NoError(t, alice.Publish(t.Context(), stroke("s1")))

	require.Eventually(t, func() bool { return board.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "alice", board.all()[0].Whiteboard.UserID)
	assert.Zero(t, signals.len())
}

func TestMemoryDuplicateAndReorder(t *testing.T) {
	relay := NewMemory()
	defer relay.Close()
	alice, bob := relay.Endpoint("alice"), relay.Endpoint("bob")

	var got collector
	_, err := bob.Subscribe(t.Context(), "room-1", models.ChannelWhiteboard, got.handle)
	require.NoError(t, err)

	relay.SetDuplicate(true)
	relay.Pause()
	require.NoError(t, alice.Publish(t.Context(), stroke("s1")))
	require.NoError(t, alice.Publish(t.Context(), stroke("s2")))
	assert.Zero(t, got.len())
	relay.Resume(true)

	require.Eventually(t, func() bool { return got.len() == 4 }, time.Second, 5*time.Millisecond)
	envs := got.all()
	assert.Equal(t, "s2", envs[0].Whiteboard.Stroke.ID)
	assert.Equal(t, "s1", envs[3].Whiteboard.Stroke.ID)
}

func TestMemoryHistory(t *testing.T) {
	relay := NewMemory()
	defer relay.Close()
	alice := relay.Endpoint("alice")
	ctx := t.Context()

	require.NoError(t, alice.Publish(ctx, offer(t, "first")))
	cand, err := models.NewSignal("room-1", "", models.SignalKindCandidate, map[string]string{"candidate": "c1"})
	require.NoError(t, err)
	require.NoError(t, alice.Publish(ctx, cand))
	require.NoError(t, alice.Publish(ctx, stroke("s1")))
	require.NoError(t, alice.Publish(ctx, stroke("s1")))
	require.NoError(t, alice.Publish(ctx, models.NewWhiteboard("room-1", models.WhiteboardEvent{
		Type: models.WhiteboardStroke, Stroke: &models.Stroke{ID: "live-s2"},
	})))

	tests := []struct {
		name  string
		query Query
		want  int
	}{
		{name: "all signals", query: Query{Channel: models.ChannelSignal}, want: 2},
		{name: "offers only", query: Query{Channel: models.ChannelSignal, Kinds: []models.SignalKind{models.SignalKindOffer}}, want: 1},
		{name: "durable strokes deduped", query: Query{Channel: models.ChannelWhiteboard}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envs, err := alice.History(ctx, "room-1", tt.query)
			require.NoError(t, err)
			assert.Len(t, envs, tt.want)
		})
	}

	require.NoError(t, alice.Publish(ctx, models.NewWhiteboard("room-1", models.WhiteboardEvent{Type: models.WhiteboardClear})))
	envs, err := alice.History(ctx, "room-1", Query{Channel: models.ChannelWhiteboard})
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestMemoryFailures(t *testing.T) {
	relay := NewMemory()
	alice := relay.Endpoint("alice")

	relay.SetFailing(true)
	err := alice.Publish(t.Context(), offer(t, "v=0"))
	assert.ErrorIs(t, err, ErrTransport)
	_, err = alice.History(t.Context(), "room-1", Query{})
	assert.ErrorIs(t, err, ErrTransport)

	relay.SetFailing(false)
	relay.Close()
	assert.ErrorIs(t, alice.Publish(t.Context(), offer(t, "v=0")), ErrClosed)
	_, err = alice.Subscribe(t.Context(), "room-1", models.ChannelSignal, func(models.Envelope) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryUnsubscribe(t *testing.T) {
	relay := NewMemory()
	defer relay.Close()
	alice, bob := relay.Endpoint("alice"), relay.Endpoint("bob")

	var got collector
	unsubscribe, err := bob.Subscribe(t.Context(), "room-1", models.ChannelSignal, got.handle)
	require.NoError(t, err)
	unsubscribe()

	require.NoError(t, alice.Publish(t.Context(), offer(t, "v=0")))
	assert.Never(t, func() bool { return got.len() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}
