// Command participant joins a lesson room headlessly with synthetic
// camera and microphone, and logs what happens until interrupted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mossy-p/lesson-room/config"
	"github.com/mossy-p/lesson-room/internal/logging"
	"github.com/mossy-p/lesson-room/internal/media"
	"github.com/mossy-p/lesson-room/internal/middleware"
	"github.com/mossy-p/lesson-room/internal/models"
	"github.com/mossy-p/lesson-room/internal/negotiation"
	"github.com/mossy-p/lesson-room/internal/room"
	"github.com/mossy-p/lesson-room/internal/signaling"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

func main() {
	roomID := flag.String("room", "", "room id to enter")
	role := flag.String("role", string(room.RoleCaller), "caller or joiner")
	user := flag.String("user", "", "log in as this user when TOKEN is unset")
	draw := flag.Bool("draw", false, "draw a stroke on the whiteboard after entering")
	export := flag.String("png", "", "write the whiteboard to this file when leaving")
	flag.Parse()

	cfg := config.Load()
	logging.Setup(cfg.Environment, cfg.LogLevel)
	if *roomID == "" {
		log.Fatal().Msg("-room is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	token, self := cfg.Participant.Token, ""
	var err error
	if token == "" {
		token, self, err = signaling.Login(ctx, cfg.Participant.ServerURL, *user, *user)
	} else {
		self, err = middleware.TokenSubject(token)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to obtain identity")
	}

	transport := signaling.NewWSTransport(cfg.Participant.ServerURL, token)
	defer transport.Close()

	session := room.New(room.Config{
		RoomID:     *roomID,
		Self:       self,
		Transport:  transport,
		Authorizer: signaling.NewRemoteAuthorizer(cfg.Participant.ServerURL, token),
		Devices:    media.NewSyntheticDevices(self),
		NewPeer:    negotiation.NewPionFactory(cfg.STUNURLs),

		OnRemoteTrack: drain,
	})
	session.Board().OnEvent(func(ev models.WhiteboardEvent) {
		e := log.Info().Str("from", ev.UserID).Str("type", string(ev.Type))
		if ev.Stroke != nil {
			e = e.Str("stroke", ev.Stroke.ID).Int("points", len(ev.Stroke.Points))
		}
		e.Msg("Whiteboard event")
	})

	if err := session.EnterRoom(ctx, room.Role(*role)); err != nil {
		log.Fatal().Err(err).Str("outcome", room.Outcome(err)).Msg("Failed to enter room")
	}
	if err := session.MediaError(); err != nil {
		log.Warn().Err(err).Str("outcome", room.Outcome(err)).Msg("Entered with degraded media")
	}
	if *draw {
		sketch(ctx, session)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-ticker.C:
			e := log.Info().
				Str("call", string(session.CallState())).
				Bool("connected", session.Connected()).
				Int("remote_tracks", len(session.RemoteTracks())).
				Int("strokes", len(session.Board().Strokes())).
				Bool("whiteboard_synced", session.WhiteboardSynced())
			if err := session.Err(); err != nil {
				e = e.Str("outcome", room.Outcome(err))
			}
			e.Msg("Status")
		}
	}

	if err := session.LeaveRoom(); err != nil {
		log.Warn().Err(err).Msg("Failed to leave room")
	}
	if *export != "" {
		writePNG(session, *export)
	}
	log.Info().Msg("Bye")
}

// drain reads a remote track so its buffers never fill.
func drain(track *webrtc.TrackRemote) {
	log.Info().Str("kind", track.Kind().String()).Str("codec", track.Codec().MimeType).Msg("Remote track")
	go func() {
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
		}
	}()
}

// sketch draws a zigzag across the top of the board.
func sketch(ctx context.Context, session *room.Session) {
	board := session.Board()
	board.SetColor("crimson")
	board.PointerDown(models.Point{X: 40, Y: 40})
	for i := 1; i <= 10; i++ {
		y := 40.0
		if i%2 == 1 {
			y = 120
		}
		board.PointerMove(ctx, models.Point{X: 40 + float64(i)*60, Y: y})
	}
	if _, err := board.PointerUp(ctx); err != nil {
		log.Warn().Err(err).Msg("Stroke not sent")
	}
}

func writePNG(session *room.Session, path string) {
	f, err := os.Create(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Failed to create file")
		return
	}
	defer f.Close()
	if err := session.Board().PNG(f); err != nil {
		log.Error().Err(err).Str("path", path).Msg("Failed to write whiteboard")
		return
	}
	log.Info().Str("path", path).Msg("Whiteboard saved")
}
