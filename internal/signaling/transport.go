// Package signaling is the participant side of the room relay. It moves
// envelopes between participants that cannot reach each other directly.
// Delivery is at-least-once with no ordering guarantee; consumers must be
// idempotent.
package signaling

import (
	"context"

	"github.com/mossy-p/lesson-room/internal/models"
	"github.com/pkg/errors"
)

var (
	// ErrTransport marks a publish, subscribe or history failure. It is
	// recoverable; retrying is left to the caller.
	ErrTransport = errors.New("signaling transport unavailable")
	// ErrClosed is returned once the transport has been closed.
	ErrClosed = errors.New("signaling transport closed")
	// ErrForbidden is returned when the relay refuses the identity.
	ErrForbidden = errors.New("not a participant of this room")
)

// Handler receives envelopes for one room channel. Handlers run on the
// transport's delivery goroutine and must not block for long.
type Handler func(models.Envelope)

// Query selects stored envelopes. An empty Kinds list means every kind.
type Query struct {
	Channel models.Channel
	Kinds   []models.SignalKind
}

// Transport is the room-scoped relay as seen by one participant. Envelopes
// published by the participant are never delivered back to it.
type Transport interface {
	Publish(ctx context.Context, env models.Envelope) error
	Subscribe(ctx context.Context, roomID string, channel models.Channel, h Handler) (unsubscribe func(), err error)
	History(ctx context.Context, roomID string, q Query) ([]models.Envelope, error)
}

// Monitor is implemented by transports whose link to the relay can drop.
// Envelopes relayed while the link is down are not delivered.
type Monitor interface {
	Connected(roomID string) bool
}

func transportError(err error, op string) error {
	return errors.Wrapf(ErrTransport, "%s: %v", op, err)
}
