package signaling_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/mossy-p/lesson-room/internal/handlers"
	"github.com/mossy-p/lesson-room/internal/middleware"
	"github.com/mossy-p/lesson-room/internal/models"
	"github.com/mossy-p/lesson-room/internal/redis"
	"github.com/mossy-p/lesson-room/internal/roster"
	"github.com/mossy-p/lesson-room/internal/signaling"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

// startRelay runs the relay server and returns its URL plus a room with
// "tutor" and "student" on the roster.
func startRelay(t *testing.T) (string, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	store := redis.NewStore(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), time.Hour)
	t.Cleanup(func() { store.Close() })

	rs, err := roster.Open(filepath.Join(t.TempDir(), "roster.db"))
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })

	srv := httptest.NewServer(handlers.NewServer(store, rs, testSecret).Router([]string{"*"}))
	t.Cleanup(srv.Close)

	var body bytes.Buffer
	require.NoError(t, json.NewEncoder(&body).Encode(models.CreateRoomRequest{}))
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/rooms", &body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, "tutor"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created models.CreateRoomResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	require.NoError(t, rs.Add(t.Context(), created.RoomID, "student", "student"))
	return srv.URL, created.RoomID
}

func token(t *testing.T, user string) string {
	t.Helper()
	tok, err := middleware.IssueToken(testSecret, user, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestRemoteAuthorizer(t *testing.T) {
	url, roomID := startRelay(t)

	tests := []struct {
		name    string
		user    string
		room    string
		wantErr error
	}{
		{name: "tutor", user: "tutor", room: roomID},
		{name: "student", user: "student", room: roomID},
		{name: "stranger", user: "mallory", room: roomID, wantErr: signaling.ErrForbidden},
		{name: "unknown room", user: "tutor", room: "nope", wantErr: signaling.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := signaling.NewRemoteAuthorizer(url, token(t, tt.user)).Authorize(t.Context(), tt.room)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	err := signaling.NewRemoteAuthorizer("http://127.0.0.1:1", token(t, "tutor")).Authorize(t.Context(), roomID)
	assert.ErrorIs(t, err, signaling.ErrTransport)
}

func TestWSTransport(t *testing.T) {
	url, roomID := startRelay(t)
	ctx := t.Context()

	tutor := signaling.NewWSTransport(url, token(t, "tutor"))
	defer tutor.Close()
	student := signaling.NewWSTransport(url, token(t, "student"))
	defer student.Close()

	echoed := make(chan models.Envelope, 8)
	_, err := tutor.Subscribe(ctx, roomID, models.ChannelSignal, func(env models.Envelope) { echoed <- env })
	require.NoError(t, err)
	joined := make(chan struct{}, 1)
	_, err = tutor.Subscribe(ctx, roomID, models.ChannelPresence, func(env models.Envelope) {
		if env.From == "student" && env.Presence == models.PresenceJoin {
			joined <- struct{}{}
		}
	})
	require.NoError(t, err)

	signals := make(chan models.Envelope, 8)
	strokes := make(chan models.Envelope, 8)
	_, err = student.Subscribe(ctx, roomID, models.ChannelSignal, func(env models.Envelope) { signals <- env })
	require.NoError(t, err)
	_, err = student.Subscribe(ctx, roomID, models.ChannelWhiteboard, func(env models.Envelope) { strokes <- env })
	require.NoError(t, err)

	// the relay registers a connection just after the upgrade completes
	select {
	case <-joined:
	case <-time.After(3 * time.Second):
		t.Fatal("student never joined")
	}

	offer, err := models.NewSignal(roomID, "tutor", models.SignalKindOffer, map[string]string{"type": "offer", "sdp": "v=0"})
	require.NoError(t, err)
	require.NoError(t, tutor.Publish(ctx, offer))

	select {
	case got := <-signals:
		assert.Equal(t, "tutor", got.From)
		assert.Equal(t, models.SignalKindOffer, got.Kind())
	case <-time.After(3 * time.Second):
		t.Fatal("offer not delivered")
	}

	require.NoError(t, tutor.Publish(ctx, models.NewWhiteboard(roomID, models.WhiteboardEvent{
		Type:   models.WhiteboardStroke,
		Stroke: &models.Stroke{ID: "s1", Points: []models.Point{{X: 0, Y: 0}, {X: 4, Y: 4}}, Color: "black", Width: 2},
	})))
	select {
	case got := <-strokes:
		assert.Equal(t, "tutor", got.Whiteboard.UserID)
	case <-time.After(3 * time.Second):
		t.Fatal("stroke not delivered")
	}

	assert.Empty(t, echoed)

	history, err := student.History(ctx, roomID, signaling.Query{
		Channel: models.ChannelSignal,
		Kinds:   []models.SignalKind{models.SignalKindOffer},
	})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "tutor", history[0].From)

	board, err := student.History(ctx, roomID, signaling.Query{Channel: models.ChannelWhiteboard})
	require.NoError(t, err)
	require.Len(t, board, 1)
	assert.Equal(t, "s1", board[0].Whiteboard.Stroke.ID)
}

func TestWSTransportForbidden(t *testing.T) {
	url, roomID := startRelay(t)

	stranger := signaling.NewWSTransport(url, token(t, "mallory"))
	defer stranger.Close()

	_, err := stranger.Subscribe(t.Context(), roomID, models.ChannelSignal, func(models.Envelope) {})
	assert.ErrorIs(t, err, signaling.ErrForbidden)
	_, err = stranger.History(t.Context(), roomID, signaling.Query{})
	assert.ErrorIs(t, err, signaling.ErrForbidden)

	require.NoError(t, stranger.Close())
	assert.ErrorIs(t, stranger.Publish(t.Context(), models.Envelope{RoomID: roomID}), signaling.ErrClosed)
}

func TestLogin(t *testing.T) {
	url, _ := startRelay(t)

	token, user, err := signaling.Login(t.Context(), url, "student", "anything")
	require.NoError(t, err)
	assert.Equal(t, "student", user)
	subject, err := middleware.TokenSubject(token)
	require.NoError(t, err)
	assert.Equal(t, "student", subject)

	_, _, err = signaling.Login(t.Context(), url, "", "")
	assert.ErrorIs(t, err, signaling.ErrTransport)
}

func TestWSTransportRedialKeepsSubscriptions(t *testing.T) {
	url, roomID := startRelay(t)
	ctx := t.Context()

	tutor := signaling.NewWSTransport(url, token(t, "tutor"))
	defer tutor.Close()
	student := signaling.NewWSTransport(url, token(t, "student"))
	defer student.Close()

	joined := make(chan struct{}, 4)
	_, err := tutor.Subscribe(ctx, roomID, models.ChannelPresence, func(env models.Envelope) {
		if env.From == "student" && env.Presence == models.PresenceJoin {
			joined <- struct{}{}
		}
	})
	require.NoError(t, err)

	signals := make(chan models.Envelope, 8)
	_, err = student.Subscribe(ctx, roomID, models.ChannelSignal, func(env models.Envelope) { signals <- env })
	require.NoError(t, err)

	waitJoin := func() {
		t.Helper()
		select {
		case <-joined:
		case <-time.After(5 * time.Second):
			t.Fatal("student never joined")
		}
	}
	waitJoin()
	assert.True(t, student.Connected(roomID))

	signaling.DropConnection(student, roomID)
	require.Eventually(t, func() bool { return !student.Connected(roomID) }, 3*time.Second, 2*time.Millisecond)

	// the relay sees the new connection as a fresh join
	waitJoin()
	require.Eventually(t, func() bool { return student.Connected(roomID) }, 3*time.Second, 10*time.Millisecond)

	offer, err := models.NewSignal(roomID, "tutor", models.SignalKindOffer, map[string]string{"type": "offer", "sdp": "v=0"})
	require.NoError(t, err)
	require.NoError(t, tutor.Publish(ctx, offer))

	select {
	case got := <-signals:
		assert.Equal(t, "tutor", got.From)
		assert.Equal(t, models.SignalKindOffer, got.Kind())
	case <-time.After(3 * time.Second):
		t.Fatal("handler lost across the reconnect")
	}
}
