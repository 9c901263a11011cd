package negotiation

import "github.com/pion/webrtc/v4"

// Politeness decides who yields when both sides offer at once. The caller
// is polite and the joiner impolite for the whole session.
type Politeness int

const (
	Polite Politeness = iota
	Impolite
)

func (p Politeness) String() string {
	if p == Polite {
		return "polite"
	}
	return "impolite"
}

// offerAction is what to do with an incoming offer.
type offerAction int

const (
	acceptOffer offerAction = iota
	ignoreOffer
	discardAndAccept
)

// decideOffer resolves an incoming offer against the local negotiation
// state. A collision is any moment our own offer is in flight.
func decideOffer(p Politeness, makingOffer bool, state webrtc.SignalingState) offerAction {
	collision := makingOffer || state != webrtc.SignalingStateStable
	switch {
	case !collision:
		return acceptOffer
	case p == Impolite:
		return ignoreOffer
	default:
		return discardAndAccept
	}
}

// shouldApplyAnswer reports whether an incoming answer completes an offer
// we are still waiting on. Anything else is late or duplicated.
func shouldApplyAnswer(offerOutstanding bool, state webrtc.SignalingState) bool {
	return offerOutstanding && state == webrtc.SignalingStateHaveLocalOffer
}
