// Package room is what the presentation layer drives: entering and
// leaving a lesson room, the call inside it and the shared whiteboard.
package room

import (
	"context"
	"sync"

	"github.com/mossy-p/lesson-room/internal/logging"
	"github.com/mossy-p/lesson-room/internal/media"
	"github.com/mossy-p/lesson-room/internal/negotiation"
	"github.com/mossy-p/lesson-room/internal/signaling"
	"github.com/mossy-p/lesson-room/internal/whiteboard"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	// ErrUnauthorized means the identity is not a participant of the room.
	ErrUnauthorized = errors.New("not a participant of this room")
	// ErrAlreadyEntered is returned by EnterRoom while a call is active.
	ErrAlreadyEntered = errors.New("already in the room")
	// ErrNotEntered is returned by operations that need an active call.
	ErrNotEntered = errors.New("not in the room")
	// ErrDisconnected reports that the media transport failed or dropped.
	ErrDisconnected = errors.New("disconnected")
)

// Role decides which side of the negotiation this participant takes.
type Role string

const (
	// RoleCaller starts the call and yields when offers collide.
	RoleCaller Role = "caller"
	// RoleJoiner joins a started call and never yields.
	RoleJoiner Role = "joiner"
)

func (r Role) Valid() bool {
	return r == RoleCaller || r == RoleJoiner
}

// Authorizer answers whether the local identity may take part in a room.
// *signaling.RemoteAuthorizer implements it.
type Authorizer interface {
	Authorize(ctx context.Context, roomID string) error
}

type Config struct {
	RoomID     string
	Self       string
	Transport  signaling.Transport
	Authorizer Authorizer
	Devices    media.Devices
	NewPeer    negotiation.PeerFactory

	// OnRemoteTrack, when set, sees every track the other side sends.
	OnRemoteTrack func(*webrtc.TrackRemote)

	BoardWidth  int
	BoardHeight int
}

// Session is one participant's presence in one room. The whiteboard
// outlives calls: leaving stops syncing it but keeps what was drawn.
type Session struct {
	cfg   Config
	log   zerolog.Logger
	board *whiteboard.Board

	mu       sync.Mutex
	call     *negotiation.Call
	media    *media.Controller
	mediaErr error
}

func New(cfg Config) *Session {
	if cfg.BoardWidth <= 0 || cfg.BoardHeight <= 0 {
		cfg.BoardWidth, cfg.BoardHeight = 1280, 720
	}
	return &Session{
		cfg: cfg,
		log: logging.Component("room").With().Str("room", cfg.RoomID).Str("peer", cfg.Self).Logger(),
		board: whiteboard.NewBoard(whiteboard.Config{
			RoomID:    cfg.RoomID,
			Self:      cfg.Self,
			Transport: cfg.Transport,
			Width:     cfg.BoardWidth,
			Height:    cfg.BoardHeight,
		}),
	}
}

// EnterRoom opens local media, checks the identity against the room and
// then starts or joins the call. Missing devices degrade the call instead
// of failing it; see MediaError. On any failure local media is released
// before returning.
func (s *Session) EnterRoom(ctx context.Context, role Role) error {
	if !role.Valid() {
		return errors.Errorf("unknown role %q", role)
	}

	s.mu.Lock()
	if s.call != nil {
		s.mu.Unlock()
		return ErrAlreadyEntered
	}

	ctrl := media.NewController(s.cfg.Devices)
	mediaErr := ctrl.Acquire(ctx)
	if mediaErr != nil {
		s.log.Warn().Err(mediaErr).Msg("Entering with degraded media")
	}

	if err := s.cfg.Authorizer.Authorize(ctx, s.cfg.RoomID); err != nil {
		s.mu.Unlock()
		ctrl.Release()
		if errors.Is(err, signaling.ErrForbidden) {
			s.log.Warn().Msg("Entry refused")
			return errors.Wrap(ErrUnauthorized, s.cfg.RoomID)
		}
		return errors.Wrap(err, "authorize")
	}

	call := negotiation.NewCall(negotiation.Config{
		RoomID:    s.cfg.RoomID,
		Self:      s.cfg.Self,
		Transport: s.cfg.Transport,
		NewPeer:   s.cfg.NewPeer,
		Media:     ctrl,
	})
	call.OnStateChange(func(st negotiation.State) {
		s.log.Info().Str("state", string(st)).Msg("Call state changed")
	})
	if s.cfg.OnRemoteTrack != nil {
		call.OnTrack(s.cfg.OnRemoteTrack)
	}
	s.call, s.media, s.mediaErr = call, ctrl, mediaErr
	s.mu.Unlock()

	begin := call.Start
	if role == RoleJoiner {
		begin = call.Join
	}
	if err := begin(ctx); err != nil {
		s.mu.Lock()
		if s.call == call {
			s.call, s.media, s.mediaErr = nil, nil, nil
		}
		s.mu.Unlock()
		call.End()
		return errors.Wrapf(err, "%s call", role)
	}

	if !s.board.Synced() {
		if err := s.board.Start(ctx); err != nil && !errors.Is(err, whiteboard.ErrAlreadySynced) {
			s.log.Warn().Err(err).Msg("Whiteboard not synced")
		}
	}
	s.log.Info().Str("role", string(role)).Msg("Entered room")
	return nil
}

// LeaveRoom ends the call and releases local media. The whiteboard stops
// syncing but its strokes stay, both here and in the room.
func (s *Session) LeaveRoom() error {
	s.mu.Lock()
	call := s.call
	s.call, s.media, s.mediaErr = nil, nil, nil
	s.mu.Unlock()
	if call == nil {
		return ErrNotEntered
	}

	call.End()
	s.board.Stop()
	s.log.Info().Msg("Left room")
	return nil
}

func (s *Session) active() (*negotiation.Call, *media.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil {
		return nil, nil, ErrNotEntered
	}
	return s.call, s.media, nil
}

// Connected reports whether the media transport to the other side is up.
func (s *Session) Connected() bool {
	call, _, err := s.active()
	return err == nil && call.Connected()
}

// CallState is the negotiation state, or idle outside a call.
func (s *Session) CallState() negotiation.State {
	call, _, err := s.active()
	if err != nil {
		return negotiation.StateIdle
	}
	return call.State()
}

// Err reports ErrDisconnected when the media transport or the relay link
// has failed or dropped. The call is left running; reconnecting media is up
// to the caller.
func (s *Session) Err() error {
	call, _, err := s.active()
	if err != nil {
		return err
	}
	if m, ok := s.cfg.Transport.(signaling.Monitor); ok && !m.Connected(s.cfg.RoomID) {
		return ErrDisconnected
	}
	switch call.TransportState() {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		return ErrDisconnected
	}
	return nil
}

// MediaError is the device error the current call degraded around.
func (s *Session) MediaError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mediaErr
}

// LocalTracks returns the local capture state.
func (s *Session) LocalTracks() media.State {
	_, ctrl, err := s.active()
	if err != nil {
		return media.State{}
	}
	return ctrl.State()
}

// RemoteTracks returns the tracks received from the other side.
func (s *Session) RemoteTracks() []*webrtc.TrackRemote {
	call, _, err := s.active()
	if err != nil {
		return nil
	}
	return call.RemoteTracks()
}

func (s *Session) ToggleVideo(on bool) error {
	_, ctrl, err := s.active()
	if err != nil {
		return err
	}
	return ctrl.ToggleVideo(on)
}

func (s *Session) ToggleAudio(on bool) error {
	_, ctrl, err := s.active()
	if err != nil {
		return err
	}
	return ctrl.ToggleAudio(on)
}

func (s *Session) StartScreenShare(ctx context.Context) error {
	_, ctrl, err := s.active()
	if err != nil {
		return err
	}
	return ctrl.StartScreenShare(ctx)
}

func (s *Session) StopScreenShare() error {
	_, ctrl, err := s.active()
	if err != nil {
		return err
	}
	return ctrl.StopScreenShare()
}

// Board is the room's whiteboard. It is usable before entering and after
// leaving, but only syncs while in the room.
func (s *Session) Board() *whiteboard.Board { return s.board }

func (s *Session) WhiteboardSynced() bool { return s.board.Synced() }

// Outcome is the short message shown to the user for err, or "" for nil.
func Outcome(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, media.ErrDeviceUnavailable):
		return "device unavailable"
	case errors.Is(err, ErrDisconnected):
		return "disconnected"
	default:
		return "could not start/join call"
	}
}
