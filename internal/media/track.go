// Package media owns local capture: camera, microphone and screen tracks,
// their enabled state, and which of them the peer connection is sending.
package media

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"
)

// ErrStopped is returned when writing to a released track.
var ErrStopped = errors.New("track stopped")

// Source is the device a local track was captured from.
type Source string

const (
	SourceCamera     Source = "camera"
	SourceMicrophone Source = "microphone"
	SourceScreen     Source = "screen"
)

// LocalTrack is an outgoing capture track. A disabled track keeps flowing
// but carries zeroed samples (silence or a black frame), so toggling it
// never touches the session description.
type LocalTrack struct {
	*webrtc.TrackLocalStaticSample
	source Source

	mu      sync.Mutex
	enabled bool
	stopped bool
	onEnded []func()
	done    chan struct{}
}

// NewLocalTrack creates an enabled track for codec.
func NewLocalTrack(source Source, codec webrtc.RTPCodecCapability, id, streamID string) (*LocalTrack, error) {
	sample, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s track", source)
	}
	return &LocalTrack{
		TrackLocalStaticSample: sample,
		source:                 source,
		enabled:                true,
		done:                   make(chan struct{}),
	}, nil
}

func (t *LocalTrack) Source() Source { return t.source }

func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *LocalTrack) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *LocalTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Done is closed once the track is stopped or ended.
func (t *LocalTrack) Done() <-chan struct{} { return t.done }

// OnEnded registers fn to run when the capture source ends the track on
// its own, e.g. the user stopping a screen share from the OS. Stop does
// not trigger it.
func (t *LocalTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// Stop releases the track. It is safe to call more than once.
func (t *LocalTrack) Stop() {
	t.finish()
}

// End stops the track from the capture side and runs the OnEnded callbacks.
func (t *LocalTrack) End() {
	if !t.finish() {
		return
	}
	t.mu.Lock()
	callbacks := t.onEnded
	t.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

func (t *LocalTrack) finish() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	close(t.done)
	return true
}

// Write sends one captured frame. Disabled tracks send a zeroed frame of
// the same size.
func (t *LocalTrack) Write(data []byte, duration time.Duration) error {
	t.mu.Lock()
	enabled, stopped := t.enabled, t.stopped
	t.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if !enabled {
		data = make([]byte, len(data))
	}
	return t.WriteSample(pionmedia.Sample{Data: data, Duration: duration})
}
