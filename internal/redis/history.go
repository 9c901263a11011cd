package redis

import (
	"context"
	"encoding/json"

	"github.com/mossy-p/lesson-room/internal/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// appendStroke indexes the stroke id and pushes the envelope in one step.
// A failed push removes the id again so the stroke can be retried.
var appendStroke = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
	return 0
end
local pushed = redis.pcall('RPUSH', KEYS[2], ARGV[2])
if type(pushed) == 'table' and pushed.err then
	redis.call('SREM', KEYS[1], ARGV[1])
	return pushed
end
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('EXPIRE', KEYS[2], ARGV[3])
return 1
`)

// AppendSignal appends a negotiation envelope to the room's history. The
// history is never rewritten; it expires with the room.
func (s *Store) AppendSignal(ctx context.Context, env models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal signal")
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, signalsKey(env.RoomID), data)
	pipe.Expire(ctx, signalsKey(env.RoomID), s.ttl)
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "append signal")
}

// Signals returns the room's signal history oldest-first, restricted to
// the given kinds (all kinds when none are given).
func (s *Store) Signals(ctx context.Context, roomID string, kinds ...models.SignalKind) ([]models.Envelope, error) {
	raw, err := s.client.LRange(ctx, signalsKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read signals")
	}

	want := make(map[models.SignalKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}

	out := make([]models.Envelope, 0, len(raw))
	for _, item := range raw {
		var env models.Envelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			return nil, errors.Wrap(err, "decode signal")
		}
		if len(want) > 0 && !want[env.Kind()] {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// AppendStroke adds a durable stroke envelope to the room's stroke log.
// A stroke id already in the log is not appended again; the returned bool
// reports whether the stroke was new.
func (s *Store) AppendStroke(ctx context.Context, env models.Envelope) (bool, error) {
	if env.Whiteboard == nil || !env.Whiteboard.Durable() {
		return false, errors.New("not a durable stroke")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return false, errors.Wrap(err, "marshal stroke")
	}

	keys := []string{strokeIDsKey(env.RoomID), strokesKey(env.RoomID)}
	added, err := appendStroke.Run(ctx, s.client, keys, env.Whiteboard.Stroke.ID, data, int64(s.ttl.Seconds())).Int()
	if err != nil {
		return false, errors.Wrap(err, "append stroke")
	}
	return added == 1, nil
}

// Strokes returns the durable strokes stored since the last clear.
func (s *Store) Strokes(ctx context.Context, roomID string) ([]models.Envelope, error) {
	raw, err := s.client.LRange(ctx, strokesKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read strokes")
	}

	out := make([]models.Envelope, 0, len(raw))
	for _, item := range raw {
		var env models.Envelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			return nil, errors.Wrap(err, "decode stroke")
		}
		out = append(out, env)
	}
	return out, nil
}

// ClearStrokes empties the stroke log.
func (s *Store) ClearStrokes(ctx context.Context, roomID string) error {
	return errors.Wrap(s.client.Del(ctx, strokesKey(roomID), strokeIDsKey(roomID)).Err(), "clear strokes")
}
