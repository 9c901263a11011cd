package redis

import (
	"context"
	"encoding/json"

	"github.com/mossy-p/lesson-room/internal/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RoomCodeLength is the length of the short shareable room code.
const RoomCodeLength = 6

// CreateRoom stores room metadata by ID and the code-to-ID mapping.
func (s *Store) CreateRoom(ctx context.Context, room models.RoomMetadata) error {
	data, err := json.Marshal(room)
	if err != nil {
		return errors.Wrap(err, "marshal room")
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, roomKey(room.ID), data, s.ttl)
	pipe.Set(ctx, codeKey(room.Code), room.ID, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "store room")
	}
	return nil
}

// Room gets room information by code or ID, with the live participant count.
func (s *Store) Room(ctx context.Context, identifier string) (*models.RoomMetadata, error) {
	roomID := identifier

	// Check if it's a code (6 chars) vs UUID
	if len(identifier) == RoomCodeLength {
		id, err := s.client.Get(ctx, codeKey(identifier)).Result()
		if err == redis.Nil {
			return nil, ErrRoomNotFound
		}
		if err != nil {
			return nil, errors.Wrap(err, "resolve room code")
		}
		roomID = id
	}

	data, err := s.client.Get(ctx, roomKey(roomID)).Result()
	if err == redis.Nil {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get room")
	}

	var room models.RoomMetadata
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return nil, errors.Wrap(err, "failed to parse room data")
	}

	count, err := s.client.SCard(ctx, peersKey(roomID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "count peers")
	}
	room.ParticipantCount = int(count)

	return &room, nil
}

// Admit resolves a room and checks that it has a free seat for peerID.
// A peer still listed in the presence set is reconnecting and keeps its
// seat.
func (s *Store) Admit(ctx context.Context, identifier, peerID string) (*models.RoomMetadata, error) {
	room, err := s.Room(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if room.MaxParticipants <= 0 || room.ParticipantCount < room.MaxParticipants {
		return room, nil
	}

	present, err := s.client.SIsMember(ctx, peersKey(room.ID), peerID).Result()
	if err != nil {
		return nil, errors.Wrap(err, "check presence")
	}
	if !present {
		return nil, ErrRoomFull
	}
	return room, nil
}

// DeleteRoom removes every key belonging to the room.
func (s *Store) DeleteRoom(ctx context.Context, room *models.RoomMetadata) error {
	err := s.client.Del(ctx,
		roomKey(room.ID),
		codeKey(room.Code),
		peersKey(room.ID),
		signalsKey(room.ID),
		strokesKey(room.ID),
		strokeIDsKey(room.ID),
	).Err()
	return errors.Wrap(err, "delete room")
}

// AddPeer records a live connection in the room's presence set.
func (s *Store) AddPeer(ctx context.Context, roomID, peerID string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, peersKey(roomID), peerID)
	pipe.Expire(ctx, peersKey(roomID), s.ttl)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "add peer")
}

// RemovePeer drops a connection from the presence set.
func (s *Store) RemovePeer(ctx context.Context, roomID, peerID string) error {
	return errors.Wrap(s.client.SRem(ctx, peersKey(roomID), peerID).Err(), "remove peer")
}
