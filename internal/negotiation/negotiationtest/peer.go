// Package negotiationtest provides an in-memory peer connection for
// exercising the negotiation engine without a network.
package negotiationtest

import (
	"fmt"
	"sync"

	"github.com/mossy-p/lesson-room/internal/media"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// Peer follows pion's signaling state machine closely enough for the
// engine, rollback included: pion rejects it, so this does too. It reports
// itself connected once an exchange completes.
type Peer struct {
	name string

	mu         sync.Mutex
	state      webrtc.SignalingState
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	offers     int
	answers    int
	remoteSets int
	candidates []string
	senders    []*Sender
	connected  bool
	closed     bool

	onState func(webrtc.PeerConnectionState)
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

type Sender struct {
	mu    sync.Mutex
	track webrtc.TrackLocal
}

func (s *Sender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Sender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	s.track = track
	s.mu.Unlock()
	return nil
}

// Network records every peer it hands out.
type Network struct {
	mu    sync.Mutex
	peers []*Peer
}

// New opens a peer for the named participant.
func (n *Network) New(name string) *Peer {
	p := &Peer{name: name, state: webrtc.SignalingStateStable}
	n.mu.Lock()
	n.peers = append(n.peers, p)
	n.mu.Unlock()
	return p
}

// Last is the most recently opened peer.
func (n *Network) Last() *Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[len(n.peers)-1]
}

func (p *Peer) AddTrack(track webrtc.TrackLocal) (media.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &Sender{track: track}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *Peer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, errors.New("closed")
	}
	p.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer %s %d", p.name, p.offers)}, nil
}

func (p *Peer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer %s %d", p.name, p.answers)}, nil
}

func (p *Peer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	switch {
	case desc.Type == webrtc.SDPTypeOffer && p.state == webrtc.SignalingStateStable:
		p.state = webrtc.SignalingStateHaveLocalOffer
	case desc.Type == webrtc.SDPTypeAnswer && p.state == webrtc.SignalingStateHaveRemoteOffer:
		p.state = webrtc.SignalingStateStable
	default:
		p.mu.Unlock()
		return errors.Errorf("set local %s in %s", desc.Type, p.state)
	}
	p.local = &desc
	p.mu.Unlock()
	p.maybeConnect()
	return nil
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	switch {
	case desc.Type == webrtc.SDPTypeOffer && p.state == webrtc.SignalingStateStable:
		p.state = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && p.state == webrtc.SignalingStateHaveLocalOffer:
		p.state = webrtc.SignalingStateStable
	default:
		p.mu.Unlock()
		return errors.Errorf("set remote %s in %s", desc.Type, p.state)
	}
	p.remote = &desc
	p.remoteSets++
	p.mu.Unlock()
	p.maybeConnect()
	return nil
}

func (p *Peer) maybeConnect() {
	p.mu.Lock()
	ready := !p.connected && !p.closed && p.local != nil && p.remote != nil && p.state == webrtc.SignalingStateStable
	if ready {
		p.connected = true
	}
	onState, onTrack := p.onState, p.onTrack
	p.mu.Unlock()

	if ready {
		if onState != nil {
			onState(webrtc.PeerConnectionStateConnected)
		}
		if onTrack != nil {
			onTrack(&webrtc.TrackRemote{}, nil)
		}
	}
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c.Candidate)
	return nil
}

func (p *Peer) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *Peer) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *Peer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) OnICECandidate(func(*webrtc.ICECandidate)) {}

func (p *Peer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

func (p *Peer) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.mu.Lock()
	p.onTrack = f
	p.mu.Unlock()
}

func (p *Peer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.state = webrtc.SignalingStateClosed
	onState := p.onState
	p.mu.Unlock()
	if onState != nil {
		onState(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

// Stats counts the offers and answers this peer made.
func (p *Peer) Stats() (offers, answers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers, p.answers
}

// Candidates are the remote ICE candidates applied so far.
func (p *Peer) Candidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.candidates...)
}

// RemoteSets counts applied remote descriptions.
func (p *Peer) RemoteSets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSets
}

func (p *Peer) Senders() []*Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Sender(nil), p.senders...)
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
