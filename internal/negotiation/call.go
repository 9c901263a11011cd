// Package negotiation runs the offer/answer/ICE exchange for one call over
// the room's signaling channel. Simultaneous offers are settled by a fixed
// politeness rule: the caller yields, the joiner never does.
package negotiation

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/mossy-p/lesson-room/internal/logging"
	"github.com/mossy-p/lesson-room/internal/media"
	"github.com/mossy-p/lesson-room/internal/models"
	"github.com/mossy-p/lesson-room/internal/serial"
	"github.com/mossy-p/lesson-room/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned by operations on an ended call.
	ErrClosed = errors.New("call ended")
	// ErrInProgress is returned when a call is started or joined twice.
	ErrInProgress = errors.New("call already in progress")
)

// State is the call's position in its lifecycle.
type State string

const (
	StateIdle          State = "idle"
	StateNegotiating   State = "negotiating"
	StateConnected     State = "connected"
	StateRenegotiating State = "renegotiating"
	StateClosed        State = "closed"
)

// offerFreshness bounds how old a stored offer can be and still be answered
// by someone entering the room.
const offerFreshness = 30 * time.Second

// LocalMedia is the capture side the call borrows tracks from.
// *media.Controller implements it.
type LocalMedia interface {
	Acquire(ctx context.Context) error
	Attach(peer media.TrackAdder, renegotiate func()) error
	Detach()
	Release()
}

type Config struct {
	RoomID    string
	Self      string
	Transport signaling.Transport
	NewPeer   PeerFactory
	// Media is optional; without it the call only receives.
	Media LocalMedia
}

// Call owns the peer connection for one call attempt. The connection is
// replaced when the polite side has to drop an offer it already set, since
// pion cannot roll a local offer back. Handling is serialized: transport
// deliveries, peer callbacks and the exported methods all run under the
// same lock, and replies are published before it is released.
type Call struct {
	cfg    Config
	log    zerolog.Logger
	events *serial.Queue
	ctx    context.Context
	cancel context.CancelFunc

	mu                 sync.Mutex
	state              State
	politeness         Politeness
	peer               Peer
	makingOffer        bool
	offerOutstanding   bool
	ignoreOffer        bool
	staleBefore        time.Time
	renegotiatePending bool
	pending            []webrtc.ICECandidateInit
	pendingSeen        map[string]bool
	handled            map[string]bool
	transport          webrtc.PeerConnectionState
	unsubscribe        func()
	remote             []*webrtc.TrackRemote
	mediaErr           error
	stateListeners     []func(State)
	trackListeners     []func(*webrtc.TrackRemote)
}

func NewCall(cfg Config) *Call {
	ctx, cancel := context.WithCancel(context.Background())
	return &Call{
		cfg:         cfg,
		log:         logging.Component("negotiation").With().Str("room", cfg.RoomID).Str("peer", cfg.Self).Logger(),
		events:      serial.New(),
		ctx:         ctx,
		cancel:      cancel,
		state:       StateIdle,
		transport:   webrtc.PeerConnectionStateNew,
		pendingSeen: make(map[string]bool),
		handled:     make(map[string]bool),
	}
}

// Start begins the call as the polite side: it answers a pending offer if
// one is waiting in the room, otherwise it publishes its own.
func (c *Call) Start(ctx context.Context) error {
	return c.begin(ctx, Polite)
}

// Join enters the call as the impolite side: it answers the latest
// unanswered offer in the room and applies the ICE candidates already
// sent. With no offer waiting it offers itself.
func (c *Call) Join(ctx context.Context) error {
	return c.begin(ctx, Impolite)
}

func (c *Call) begin(ctx context.Context, p Politeness) error {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	default:
		c.mu.Unlock()
		return ErrInProgress
	}

	c.politeness = p
	c.log.Info().Stringer("politeness", p).Msg("Call starting")
	c.setState(StateNegotiating)

	peer, err := c.cfg.NewPeer()
	if err != nil {
		c.mu.Unlock()
		return errors.Wrap(err, "open peer connection")
	}
	c.peer = peer
	c.wire(peer)

	if c.cfg.Media != nil {
		if err := c.cfg.Media.Acquire(ctx); err != nil {
			c.mediaErr = err
			c.log.Warn().Err(err).Msg("Continuing with degraded media")
		}
		if err := c.cfg.Media.Attach(peer, c.requestRenegotiation); err != nil {
			c.log.Warn().Err(err).Msg("Failed to attach local media")
		}
	}
	c.mu.Unlock()

	// subscribe before reading history so nothing falls between the two
	unsubscribe, err := c.cfg.Transport.Subscribe(c.ctx, c.cfg.RoomID, models.ChannelSignal, c.deliver)
	if err != nil {
		return errors.Wrap(err, "subscribe to signals")
	}
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		unsubscribe()
		return ErrClosed
	}
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	history, err := c.cfg.Transport.History(ctx, c.cfg.RoomID, signaling.Query{Channel: models.ChannelSignal})
	if err != nil {
		return errors.Wrap(err, "read signal history")
	}
	offer, candidates := backlog(history, c.cfg.Self, time.Now())

	var out []models.Envelope
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if offer != nil {
		c.log.Debug().Str("offer", offer.ID).Int("candidates", len(candidates)).Msg("Replaying stored offer")
		out = append(out, c.handle(*offer)...)
		for _, cand := range candidates {
			c.handle(cand)
		}
	}
	if c.peer.RemoteDescription() == nil && c.peer.SignalingState() == webrtc.SignalingStateStable {
		env, err := c.offer()
		if err != nil {
			c.mu.Unlock()
			return errors.Wrap(err, "create offer")
		}
		out = append(out, env)
	}
	defer c.mu.Unlock()
	return c.publish(ctx, out)
}

// End closes the peer connection and releases local media. It is safe to
// call from any state; only the first call has an effect.
func (c *Call) End() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.setState(StateClosed)
	peer, unsubscribe := c.peer, c.unsubscribe
	c.peer, c.unsubscribe = nil, nil
	c.pending = nil
	c.mu.Unlock()

	c.cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
	if c.cfg.Media != nil {
		c.cfg.Media.Release()
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			c.log.Warn().Err(err).Msg("Failed to close peer connection")
		}
	}
	c.events.Post(c.events.Stop)
	c.log.Info().Msg("Call ended")
}

// Renegotiate publishes a fresh offer, or defers it until the exchange in
// flight settles.
func (c *Call) Renegotiate(ctx context.Context) error {
	c.mu.Lock()
	if c.peer == nil || c.state == StateClosed || c.state == StateIdle {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.makingOffer || c.peer.SignalingState() != webrtc.SignalingStateStable {
		c.renegotiatePending = true
		c.mu.Unlock()
		return nil
	}
	defer c.mu.Unlock()
	env, err := c.offer()
	if err != nil {
		return errors.Wrap(err, "create offer")
	}
	return c.publish(ctx, []models.Envelope{env})
}

func (c *Call) requestRenegotiation() {
	c.events.Post(func() {
		if err := c.Renegotiate(c.ctx); err != nil && !errors.Is(err, ErrClosed) {
			c.log.Warn().Err(err).Msg("Renegotiation failed")
		}
	})
}

// deliver is the transport handler.
func (c *Call) deliver(env models.Envelope) {
	if env.From == c.cfg.Self || env.Signal == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.publish(c.ctx, c.handle(env)); err != nil {
		c.log.Warn().Err(err).Msg("Failed to publish reply")
	}
}

// handle applies one signal and returns what must be published in reply.
// Callers hold c.mu.
func (c *Call) handle(env models.Envelope) []models.Envelope {
	if c.peer == nil || c.state == StateClosed {
		return nil
	}
	if env.ID != "" {
		if c.handled[env.ID] {
			return nil
		}
		c.handled[env.ID] = true
	}

	var out []models.Envelope
	switch env.Kind() {
	case models.SignalKindOffer:
		out = c.onOffer(env)
	case models.SignalKindAnswer:
		c.onAnswer(env)
	case models.SignalKindCandidate:
		c.onCandidate(env)
	default:
		c.log.Warn().Str("kind", string(env.Kind())).Msg("Unknown signal kind")
		return nil
	}

	if c.renegotiatePending && !c.makingOffer && c.peer.SignalingState() == webrtc.SignalingStateStable {
		c.renegotiatePending = false
		next, err := c.offer()
		if err != nil {
			c.log.Warn().Err(err).Msg("Deferred renegotiation failed")
		} else {
			out = append(out, next)
		}
	}
	return out
}

func (c *Call) onOffer(env models.Envelope) []models.Envelope {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(env.Signal.Payload, &desc); err != nil || desc.Type != webrtc.SDPTypeOffer {
		c.log.Warn().Err(err).Str("from", env.From).Msg("Dropping malformed offer")
		return nil
	}

	switch {
	case !env.Signal.Restart && !c.staleBefore.IsZero() && !env.CreatedAt.After(c.staleBefore):
		c.log.Debug().Str("from", env.From).Msg("Ignoring offer from before the restart")
		return nil
	case env.Signal.Restart:
		c.ignoreOffer = false
		c.staleBefore = env.CreatedAt
		if c.peer.LocalDescription() != nil || c.peer.RemoteDescription() != nil {
			c.log.Info().Str("from", env.From).Msg("Other side restarted, replacing peer connection")
			if err := c.replacePeer(); err != nil {
				c.log.Warn().Err(err).Msg("Failed to replace peer connection")
				return nil
			}
			c.dropPending()
		}
	default:
		action := decideOffer(c.politeness, c.makingOffer, c.peer.SignalingState())
		c.ignoreOffer = action == ignoreOffer
		switch action {
		case ignoreOffer:
			c.log.Debug().Str("from", env.From).Msg("Ignoring colliding offer")
			return nil
		case discardAndAccept:
			if c.peer.RemoteDescription() != nil {
				// the other side's offer belongs to the session we are
				// about to drop, so it cannot be answered from a new one
				c.log.Info().Str("from", env.From).Msg("Offers collided mid-session, restarting")
				c.staleBefore = env.CreatedAt
				return c.restart()
			}
			c.log.Debug().Str("from", env.From).Msg("Discarding local offer")
			if err := c.replacePeer(); err != nil {
				c.log.Warn().Err(err).Msg("Failed to replace peer connection")
				return nil
			}
		}
	}

	if err := c.peer.SetRemoteDescription(desc); err != nil {
		c.log.Warn().Err(err).Str("from", env.From).Msg("Failed to apply offer")
		return nil
	}
	if c.state == StateConnected {
		c.setState(StateRenegotiating)
	}
	c.flushCandidates()

	answer, err := c.peer.CreateAnswer(nil)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to create answer")
		return nil
	}
	if err := c.peer.SetLocalDescription(answer); err != nil {
		c.log.Warn().Err(err).Msg("Failed to set local answer")
		return nil
	}
	c.settled()

	reply, err := models.NewSignal(c.cfg.RoomID, c.cfg.Self, models.SignalKindAnswer, answer)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to encode answer")
		return nil
	}
	return []models.Envelope{reply}
}

func (c *Call) onAnswer(env models.Envelope) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(env.Signal.Payload, &desc); err != nil || desc.Type != webrtc.SDPTypeAnswer {
		c.log.Warn().Err(err).Str("from", env.From).Msg("Dropping malformed answer")
		return
	}
	if !shouldApplyAnswer(c.offerOutstanding, c.peer.SignalingState()) {
		c.log.Debug().Str("from", env.From).Msg("Ignoring answer with no offer outstanding")
		return
	}
	if err := c.peer.SetRemoteDescription(desc); err != nil {
		c.log.Warn().Err(err).Str("from", env.From).Msg("Failed to apply answer")
		return
	}
	c.offerOutstanding = false
	c.flushCandidates()
	c.settled()
}

func (c *Call) onCandidate(env models.Envelope) {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(env.Signal.Payload, &cand); err != nil || cand.Candidate == "" {
		c.log.Warn().Err(err).Str("from", env.From).Msg("Dropping malformed ICE candidate")
		return
	}

	if c.peer.RemoteDescription() == nil {
		if !c.pendingSeen[cand.Candidate] {
			c.pendingSeen[cand.Candidate] = true
			c.pending = append(c.pending, cand)
		}
		return
	}
	c.addCandidate(cand)
}

func (c *Call) flushCandidates() {
	pending := c.pending
	c.pending = nil
	c.pendingSeen = make(map[string]bool)
	for _, cand := range pending {
		c.addCandidate(cand)
	}
}

func (c *Call) addCandidate(cand webrtc.ICECandidateInit) {
	if err := c.peer.AddICECandidate(cand); err != nil {
		// candidates for an offer we ignored are expected to fail
		if c.ignoreOffer {
			c.log.Debug().Err(err).Msg("Dropped ICE candidate")
			return
		}
		c.log.Warn().Err(err).Msg("Failed to add ICE candidate")
	}
}

// offer creates and sets a local offer. Callers hold c.mu.
func (c *Call) offer() (models.Envelope, error) {
	c.makingOffer = true
	defer func() { c.makingOffer = false }()

	desc, err := c.peer.CreateOffer(nil)
	if err != nil {
		return models.Envelope{}, err
	}
	if err := c.peer.SetLocalDescription(desc); err != nil {
		return models.Envelope{}, err
	}
	c.offerOutstanding = true
	if c.state == StateConnected {
		c.setState(StateRenegotiating)
	}
	return models.NewSignal(c.cfg.RoomID, c.cfg.Self, models.SignalKindOffer, desc)
}

// replacePeer closes the current peer connection and continues on a fresh
// one with local media attached. Buffered remote candidates are kept.
// Callers hold c.mu.
func (c *Call) replacePeer() error {
	peer, err := c.cfg.NewPeer()
	if err != nil {
		return errors.Wrap(err, "open peer connection")
	}
	old := c.peer
	c.peer = peer
	c.makingOffer, c.offerOutstanding = false, false
	c.transport = webrtc.PeerConnectionStateNew
	c.remote = nil
	if c.state == StateConnected || c.state == StateRenegotiating {
		c.setState(StateNegotiating)
	}
	c.wire(peer)

	if c.cfg.Media != nil {
		c.cfg.Media.Detach()
		if err := c.cfg.Media.Attach(peer, c.requestRenegotiation); err != nil {
			c.log.Warn().Err(err).Msg("Failed to attach local media")
		}
	}
	if err := old.Close(); err != nil {
		c.log.Debug().Err(err).Msg("Failed to close replaced peer connection")
	}
	return nil
}

// restart replaces the peer connection and offers from the new one with
// the restart flag set. Callers hold c.mu.
func (c *Call) restart() []models.Envelope {
	if err := c.replacePeer(); err != nil {
		c.log.Warn().Err(err).Msg("Failed to replace peer connection")
		return nil
	}
	c.dropPending()
	env, err := c.offer()
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to create restart offer")
		return nil
	}
	env.Signal.Restart = true
	return []models.Envelope{env}
}

// dropPending forgets buffered candidates gathered for a connection that
// no longer exists.
func (c *Call) dropPending() {
	c.pending = nil
	c.pendingSeen = make(map[string]bool)
}

// settled moves to connected once no exchange is in flight on a live
// transport.
func (c *Call) settled() {
	if c.state != StateNegotiating && c.state != StateRenegotiating {
		return
	}
	if c.transport == webrtc.PeerConnectionStateConnected && c.peer.SignalingState() == webrtc.SignalingStateStable {
		c.setState(StateConnected)
	}
}

// wire routes peer callbacks through the event queue. Callbacks from a
// peer that has since been replaced are dropped.
func (c *Call) wire(peer Peer) {
	peer.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		env, err := models.NewSignal(c.cfg.RoomID, c.cfg.Self, models.SignalKindCandidate, cand.ToJSON())
		if err != nil {
			c.log.Warn().Err(err).Msg("Failed to encode ICE candidate")
			return
		}
		c.events.Post(func() {
			// under c.mu so a candidate never overtakes the offer or
			// answer whose gathering produced it
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.peer != peer {
				return
			}
			if err := c.cfg.Transport.Publish(c.ctx, env); err != nil && c.ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("Failed to publish ICE candidate")
			}
		})
	})

	peer.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.events.Post(func() { c.onTransportState(peer, s) })
	})

	peer.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.events.Post(func() {
			c.mu.Lock()
			if c.state == StateClosed || c.peer != peer {
				c.mu.Unlock()
				return
			}
			c.remote = append(c.remote, track)
			listeners := slices.Clone(c.trackListeners)
			c.mu.Unlock()

			c.log.Info().Str("track", track.ID()).Msg("Remote track received")
			for _, fn := range listeners {
				fn(track)
			}
		})
	})
}

func (c *Call) onTransportState(peer Peer, s webrtc.PeerConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || c.peer != peer {
		return
	}
	c.transport = s
	c.log.Debug().Stringer("transport", s).Msg("Connection state changed")

	switch s {
	case webrtc.PeerConnectionStateConnected:
		c.settled()
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		if c.state == StateConnected || c.state == StateRenegotiating {
			c.log.Warn().Stringer("transport", s).Msg("Peer connection lost")
			c.setState(StateNegotiating)
		}
	}
}

// setState records s and notifies listeners in order. Callers hold c.mu.
func (c *Call) setState(s State) {
	if c.state == s {
		return
	}
	c.log.Debug().Str("from", string(c.state)).Str("to", string(s)).Msg("Call state")
	c.state = s
	listeners := slices.Clone(c.stateListeners)
	c.events.Post(func() {
		for _, fn := range listeners {
			fn(s)
		}
	})
}

// publish sends envs in order. Callers hold c.mu so that nothing produced
// later can overtake them.
func (c *Call) publish(ctx context.Context, envs []models.Envelope) error {
	for _, env := range envs {
		if err := c.cfg.Transport.Publish(ctx, env); err != nil {
			return errors.Wrapf(err, "publish %s", env.Kind())
		}
	}
	return nil
}

// OnStateChange registers fn for every later state transition.
func (c *Call) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.stateListeners = append(c.stateListeners, fn)
	c.mu.Unlock()
}

// OnTrack registers fn for every remote track that arrives.
func (c *Call) OnTrack(fn func(*webrtc.TrackRemote)) {
	c.mu.Lock()
	c.trackListeners = append(c.trackListeners, fn)
	c.mu.Unlock()
}

func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the media transport is up.
func (c *Call) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != StateClosed && c.transport == webrtc.PeerConnectionStateConnected
}

// TransportState is the peer connection's own state.
func (c *Call) TransportState() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

func (c *Call) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer == nil {
		return webrtc.SignalingStateClosed
	}
	return c.peer.SignalingState()
}

func (c *Call) Politeness() Politeness {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.politeness
}

// RemoteTracks returns the tracks received so far.
func (c *Call) RemoteTracks() []*webrtc.TrackRemote {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.remote)
}

// MediaError is the device error the call degraded around, if any.
func (c *Call) MediaError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mediaErr
}

// backlog picks the newest offer from someone else that nobody has
// answered yet, plus the ICE candidates other participants have sent.
func backlog(history []models.Envelope, self string, now time.Time) (*models.Envelope, []models.Envelope) {
	history = slices.Clone(history)
	slices.SortStableFunc(history, func(a, b models.Envelope) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	idx := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Kind() == models.SignalKindOffer && history[i].From != self {
			idx = i
			break
		}
	}
	if idx < 0 || now.Sub(history[idx].CreatedAt) > offerFreshness {
		return nil, nil
	}
	offer := history[idx]
	for _, env := range history[idx+1:] {
		if env.Kind() == models.SignalKindAnswer && env.From != offer.From {
			return nil, nil
		}
	}

	var candidates []models.Envelope
	for _, env := range history {
		if env.Kind() == models.SignalKindCandidate && env.From != self {
			candidates = append(candidates, env)
		}
	}
	return &offer, candidates
}
