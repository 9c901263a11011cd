package media

import (
	"context"
	"sync"

	"github.com/mossy-p/lesson-room/internal/logging"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Sender is the outgoing side of one transceiver. *webrtc.RTPSender
// implements it.
type Sender interface {
	Track() webrtc.TrackLocal
	ReplaceTrack(track webrtc.TrackLocal) error
}

// TrackAdder attaches a new outgoing track to a peer connection.
type TrackAdder interface {
	AddTrack(track webrtc.TrackLocal) (Sender, error)
}

// State is a snapshot of the local capture state.
type State struct {
	Camera     *LocalTrack
	Microphone *LocalTrack
	Screen     *LocalTrack
	VideoOn    bool
	AudioOn    bool
}

// Controller maps local intent (camera, mic, screen share) onto the
// tracks a peer connection sends. Every call takes effect on the sender
// before it returns.
type Controller struct {
	devices Devices
	log     zerolog.Logger

	mu          sync.Mutex
	camera      *LocalTrack
	mic         *LocalTrack
	screen      *LocalTrack
	videoOn     bool
	audioOn     bool
	peer        TrackAdder
	videoSender Sender
	audioSender Sender
	renegotiate func()
	released    bool
}

func NewController(devices Devices) *Controller {
	return &Controller{devices: devices, log: logging.Component("media")}
}

// Acquire opens the camera and microphone, degrading to audio only and
// then to no media. A degraded result is reported as ErrDeviceUnavailable
// but leaves the controller usable.
func (c *Controller) Acquire(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return errors.New("media controller released")
	}
	if c.camera != nil || c.mic != nil {
		return nil
	}

	tracks, err := c.devices.UserMedia(ctx, Constraints{Video: true, Audio: true})
	if err != nil {
		c.log.Warn().Err(err).Msg("Camera unavailable, falling back to audio only")
		var audioErr error
		tracks, audioErr = c.devices.UserMedia(ctx, Constraints{Audio: true})
		if audioErr != nil {
			c.log.Warn().Err(audioErr).Msg("Microphone unavailable, joining without media")
			return errors.Wrap(ErrDeviceUnavailable, "no capture devices")
		}
	}

	for _, t := range tracks {
		switch t.Source() {
		case SourceCamera:
			c.camera, c.videoOn = t, true
		case SourceMicrophone:
			c.mic, c.audioOn = t, true
		}
	}
	if err != nil {
		return errors.Wrap(ErrDeviceUnavailable, "camera")
	}
	return nil
}

// Attach adds the current tracks to peer. renegotiate is called when a
// later change needs a new transceiver and so a fresh offer.
func (c *Controller) Attach(peer TrackAdder, renegotiate func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peer = peer
	c.renegotiate = renegotiate

	if c.mic != nil {
		sender, err := peer.AddTrack(c.mic)
		if err != nil {
			return errors.Wrap(err, "add audio track")
		}
		c.audioSender = sender
	}

	video := c.camera
	if c.screen != nil {
		video = c.screen
	}
	if video != nil {
		sender, err := peer.AddTrack(video)
		if err != nil {
			return errors.Wrap(err, "add video track")
		}
		c.videoSender = sender
	}
	return nil
}

// Detach forgets the peer connection and its senders, ahead of attaching
// to a replacement. The tracks keep running.
func (c *Controller) Detach() {
	c.mu.Lock()
	c.peer, c.renegotiate = nil, nil
	c.videoSender, c.audioSender = nil, nil
	c.mu.Unlock()
}

// ToggleVideo enables or disables the camera track in place.
func (c *Controller) ToggleVideo(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.camera == nil {
		if on {
			return errors.Wrap(ErrDeviceUnavailable, "camera")
		}
		return nil
	}

	c.camera.SetEnabled(on)
	c.videoOn = on
	// the camera may have been left off the sender by a screen share
	if on && c.screen == nil && c.videoSender != nil && c.videoSender.Track() != webrtc.TrackLocal(c.camera) {
		if err := c.videoSender.ReplaceTrack(c.camera); err != nil {
			return errors.Wrap(err, "restore camera")
		}
	}
	return nil
}

// ToggleAudio enables or disables the microphone track in place.
func (c *Controller) ToggleAudio(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mic == nil {
		if on {
			return errors.Wrap(ErrDeviceUnavailable, "microphone")
		}
		return nil
	}
	c.mic.SetEnabled(on)
	c.audioOn = on
	return nil
}

// StartScreenShare replaces the outgoing video with a display capture.
// If the capture ends from the OS side the camera comes back.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return errors.New("media controller released")
	}
	if c.screen != nil {
		return nil
	}

	screen, err := c.devices.DisplayMedia(ctx)
	if err != nil {
		return errors.Wrap(err, "screen share")
	}

	switch {
	case c.videoSender != nil:
		if err := c.videoSender.ReplaceTrack(screen); err != nil {
			screen.Stop()
			return errors.Wrap(err, "replace video track")
		}
	case c.peer != nil:
		// no video transceiver yet, so the session has to be renegotiated
		sender, err := c.peer.AddTrack(screen)
		if err != nil {
			screen.Stop()
			return errors.Wrap(err, "add screen track")
		}
		c.videoSender = sender
		if c.renegotiate != nil {
			c.renegotiate()
		}
	}

	c.screen = screen
	screen.OnEnded(func() { c.screenEnded(screen) })
	c.log.Info().Msg("Screen share started")
	return nil
}

// StopScreenShare stops the display capture and puts the camera back on
// the sender if it is enabled.
func (c *Controller) StopScreenShare() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopScreenLocked()
}

func (c *Controller) screenEnded(screen *LocalTrack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.screen != screen {
		return
	}
	c.log.Info().Msg("Screen share ended by the capture source")
	if err := c.stopScreenLocked(); err != nil {
		c.log.Warn().Err(err).Msg("Failed to restore camera")
	}
}

func (c *Controller) stopScreenLocked() error {
	if c.screen == nil {
		return nil
	}
	c.screen.Stop()
	c.screen = nil

	if c.videoSender == nil {
		return nil
	}
	var next webrtc.TrackLocal
	if c.camera != nil && c.videoOn {
		next = c.camera
	}
	if err := c.videoSender.ReplaceTrack(next); err != nil {
		return errors.Wrap(err, "replace video track")
	}
	return nil
}

// Release stops every track. It is safe to call from any state and more
// than once.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	for _, t := range []*LocalTrack{c.camera, c.mic, c.screen} {
		if t != nil {
			t.Stop()
		}
	}
	c.peer, c.renegotiate = nil, nil
	c.videoSender, c.audioSender = nil, nil
	c.log.Debug().Msg("Local media released")
}

// State returns the current capture state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Camera:     c.camera,
		Microphone: c.mic,
		Screen:     c.screen,
		VideoOn:    c.videoOn,
		AudioOn:    c.audioOn,
	}
}

// VideoTrack returns the track currently on the video sender, or nil.
func (c *Controller) VideoTrack() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.videoSender == nil {
		return nil
	}
	return c.videoSender.Track()
}
