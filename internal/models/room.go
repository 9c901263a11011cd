package models

import "time"

// RoomMetadata stores information about a room
type RoomMetadata struct {
	ID               string    `json:"id"`
	Code             string    `json:"code"`      // Short, shareable room code (e.g., "ABCD23")
	CreatorID        string    `json:"creatorId"` // User ID from JWT who created the room
	CreatedAt        time.Time `json:"createdAt"`
	MaxParticipants  int       `json:"maxParticipants"`
	ParticipantCount int       `json:"participantCount"`
}

// CreateRoomRequest is the request body for creating a room
type CreateRoomRequest struct {
	MaxParticipants int `json:"maxParticipants" binding:"omitempty,min=2,max=16"`
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

// AddParticipantRequest adds a user to a room's roster.
type AddParticipantRequest struct {
	UserID string `json:"userId" binding:"required"`
	Role   string `json:"role" binding:"omitempty,oneof=tutor student observer"`
}
