package media

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// ErrDeviceUnavailable means a capture device was denied or missing.
var ErrDeviceUnavailable = errors.New("device unavailable")

// Constraints selects the kinds requested from UserMedia.
type Constraints struct {
	Video bool
	Audio bool
}

// Devices is the capture backend. UserMedia fails as a whole when any
// requested kind is unavailable.
type Devices interface {
	UserMedia(ctx context.Context, c Constraints) ([]*LocalTrack, error)
	DisplayMedia(ctx context.Context) (*LocalTrack, error)
}

var (
	videoCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	audioCodec = webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}
)

const (
	videoFrame     = 33 * time.Millisecond
	audioFrame     = 20 * time.Millisecond
	videoFrameSize = 1200
	audioFrameSize = 160
)

// SyntheticDevices generates noise frames instead of reading hardware.
// Availability of each device can be switched off to exercise the
// degraded paths.
type SyntheticDevices struct {
	streamID string

	mu         sync.Mutex
	camera     bool
	microphone bool
	screen     bool
	displays   []*LocalTrack
	opened     []*LocalTrack
}

func NewSyntheticDevices(streamID string) *SyntheticDevices {
	return &SyntheticDevices{streamID: streamID, camera: true, microphone: true, screen: true}
}

// SetAvailable switches devices on or off.
func (d *SyntheticDevices) SetAvailable(camera, microphone, screen bool) {
	d.mu.Lock()
	d.camera, d.microphone, d.screen = camera, microphone, screen
	d.mu.Unlock()
}

func (d *SyntheticDevices) UserMedia(ctx context.Context, c Constraints) ([]*LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	camera, microphone := d.camera, d.microphone
	d.mu.Unlock()

	if c.Video && !camera {
		return nil, errors.Wrap(ErrDeviceUnavailable, "camera")
	}
	if c.Audio && !microphone {
		return nil, errors.Wrap(ErrDeviceUnavailable, "microphone")
	}

	var tracks []*LocalTrack
	if c.Audio {
		t, err := d.start(SourceMicrophone, audioCodec, audioFrame, audioFrameSize)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := d.start(SourceCamera, videoCodec, videoFrame, videoFrameSize)
		if err != nil {
			for _, started := range tracks {
				started.Stop()
			}
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func (d *SyntheticDevices) DisplayMedia(ctx context.Context) (*LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	screen := d.screen
	d.mu.Unlock()
	if !screen {
		return nil, errors.Wrap(ErrDeviceUnavailable, "screen")
	}

	t, err := d.start(SourceScreen, videoCodec, videoFrame, videoFrameSize)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.displays = append(d.displays, t)
	d.mu.Unlock()
	return t, nil
}

// LastDisplay returns the most recent screen capture, or nil.
func (d *SyntheticDevices) LastDisplay() *LocalTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.displays) == 0 {
		return nil
	}
	return d.displays[len(d.displays)-1]
}

func (d *SyntheticDevices) start(source Source, codec webrtc.RTPCodecCapability, frame time.Duration, size int) (*LocalTrack, error) {
	t, err := NewLocalTrack(source, codec, fmt.Sprintf("%s-%s", source, d.streamID), d.streamID)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.opened = append(d.opened, t)
	d.mu.Unlock()
	go generate(t, frame, size)
	return t, nil
}

// Live counts captures opened and not yet stopped.
func (d *SyntheticDevices) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, t := range d.opened {
		if !t.Stopped() {
			n++
		}
	}
	return n
}

func generate(t *LocalTrack, frame time.Duration, size int) {
	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	buf := make([]byte, size)
	for {
		select {
		case <-t.Done():
			return
		case <-ticker.C:
			rand.Read(buf)
			if err := t.Write(buf, frame); errors.Is(err, ErrStopped) {
				return
			}
		}
	}
}
