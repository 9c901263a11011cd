package negotiation

import (
	"github.com/mossy-p/lesson-room/internal/media"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// Peer is the part of *webrtc.PeerConnection the engine drives.
type Peer interface {
	media.TrackAdder

	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// PeerFactory opens a fresh peer connection for one call.
type PeerFactory func() (Peer, error)

type pionPeer struct {
	*webrtc.PeerConnection
}

// AddTrack adds track and drains the sender's RTCP so interceptors keep
// running.
func (p *pionPeer) AddTrack(track webrtc.TrackLocal) (media.Sender, error) {
	sender, err := p.PeerConnection.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

// NewPionFactory returns a factory for pion peer connections using the
// default codecs and the given STUN servers.
func NewPionFactory(stunURLs []string) PeerFactory {
	return newPionFactory(stunURLs, webrtc.SettingEngine{})
}

func newPionFactory(stunURLs []string, settings webrtc.SettingEngine) PeerFactory {
	return func() (Peer, error) {
		mediaEngine := &webrtc.MediaEngine{}
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, errors.Wrap(err, "register codecs")
		}

		config := webrtc.Configuration{}
		if len(stunURLs) > 0 {
			config.ICEServers = []webrtc.ICEServer{{URLs: stunURLs}}
		}

		api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settings))
		pc, err := api.NewPeerConnection(config)
		if err != nil {
			return nil, errors.Wrap(err, "create peer connection")
		}
		return &pionPeer{PeerConnection: pc}, nil
	}
}
