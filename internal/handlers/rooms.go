package handlers

import (
	"crypto/rand"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mossy-p/lesson-room/internal/middleware"
	"github.com/mossy-p/lesson-room/internal/models"
	"github.com/mossy-p/lesson-room/internal/redis"
	"github.com/mossy-p/lesson-room/internal/roster"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultMaxParticipants = 2
	codeChars              = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

// CreateRoom creates a new room and puts its creator on the roster.
func (s *Server) CreateRoom(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateRoomRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	// a lesson is one tutor and one student unless told otherwise
	if req.MaxParticipants == 0 {
		req.MaxParticipants = defaultMaxParticipants
	}

	room := models.RoomMetadata{
		ID:              uuid.New().String(),
		Code:            generateRoomCode(),
		CreatorID:       userID,
		CreatedAt:       time.Now(),
		MaxParticipants: req.MaxParticipants,
	}

	ctx := c.Request.Context()
	if err := s.store.CreateRoom(ctx, room); err != nil {
		log.Error().Err(err).Str("room", room.ID).Msg("Failed to store room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}
	if err := s.roster.Add(ctx, room.ID, userID, "tutor"); err != nil {
		log.Error().Err(err).Str("room", room.ID).Msg("Failed to add creator to roster")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	log.Info().Str("room", room.ID).Str("code", room.Code).Str("user", userID).Msg("Room created")

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: room.ID,
		Code:   room.Code,
	})
}

// GetRoom gets room information by code or ID (public)
func (s *Server) GetRoom(c *gin.Context) {
	room, ok := s.resolveRoom(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, room)
}

// DeleteRoom deletes a room with its history, stroke log and roster
// (creator only).
func (s *Server) DeleteRoom(c *gin.Context) {
	room, userID, ok := s.creatorOnly(c, "Only the room creator can delete the room")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := s.store.DeleteRoom(ctx, room); err != nil {
		log.Error().Err(err).Str("room", room.ID).Msg("Failed to delete room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}
	if err := s.roster.DeleteRoom(ctx, room.ID); err != nil {
		log.Warn().Err(err).Str("room", room.ID).Msg("Failed to delete roster")
	}
	s.hub.CloseRoom(room.ID)

	log.Info().Str("room", room.ID).Str("user", userID).Msg("Room deleted")

	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// AddParticipant puts a user on the room roster (creator only).
func (s *Server) AddParticipant(c *gin.Context) {
	room, _, ok := s.creatorOnly(c, "Only the room creator can add participants")
	if !ok {
		return
	}

	var req models.AddParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.roster.Add(c.Request.Context(), room.ID, req.UserID, req.Role); err != nil {
		log.Error().Err(err).Str("room", room.ID).Msg("Failed to add participant")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to add participant"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"roomId": room.ID, "userId": req.UserID})
}

// ListParticipants returns the roster to anyone on it.
func (s *Server) ListParticipants(c *gin.Context) {
	room, _, ok := s.participantOnly(c)
	if !ok {
		return
	}
	list, err := s.roster.Participants(c.Request.Context(), room.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list participants"})
		return
	}
	if list == nil {
		list = []roster.Participant{}
	}
	c.JSON(http.StatusOK, list)
}

// CheckAccess answers 204 when the caller may enter the room.
func (s *Server) CheckAccess(c *gin.Context) {
	if _, _, ok := s.participantOnly(c); !ok {
		return
	}
	c.Status(http.StatusNoContent)
}

// History returns a room's stored envelopes oldest-first. channel=signal
// (default) reads the negotiation history, optionally filtered by a
// comma-separated kind list; channel=whiteboard reads the durable strokes
// since the last clear.
func (s *Server) History(c *gin.Context) {
	room, _, ok := s.participantOnly(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var (
		out []models.Envelope
		err error
	)
	switch models.Channel(c.DefaultQuery("channel", string(models.ChannelSignal))) {
	case models.ChannelSignal:
		var kinds []models.SignalKind
		for _, k := range strings.Split(c.Query("kind"), ",") {
			if k == "" {
				continue
			}
			kind := models.SignalKind(k)
			if !kind.Valid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown kind " + k})
				return
			}
			kinds = append(kinds, kind)
		}
		out, err = s.store.Signals(ctx, room.ID, kinds...)
	case models.ChannelWhiteboard:
		out, err = s.store.Strokes(ctx, room.ID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown channel"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("room", room.ID).Msg("Failed to read history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read history"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) resolveRoom(c *gin.Context) (*models.RoomMetadata, bool) {
	room, err := s.store.Room(c.Request.Context(), c.Param("roomId"))
	if errors.Is(err, redis.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return nil, false
	}
	if err != nil {
		log.Error().Err(err).Str("room", c.Param("roomId")).Msg("Failed to load room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return nil, false
	}
	return room, true
}

func (s *Server) creatorOnly(c *gin.Context, denied string) (*models.RoomMetadata, string, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return nil, "", false
	}
	room, ok := s.resolveRoom(c)
	if !ok {
		return nil, "", false
	}
	if room.CreatorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": denied})
		return nil, "", false
	}
	return room, userID, true
}

func (s *Server) participantOnly(c *gin.Context) (*models.RoomMetadata, string, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return nil, "", false
	}
	room, ok := s.resolveRoom(c)
	if !ok {
		return nil, "", false
	}
	if err := s.roster.Authorize(c.Request.Context(), room.ID, userID); err != nil {
		if errors.Is(err, roster.ErrNotParticipant) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Not a participant of this room"})
		} else {
			log.Error().Err(err).Str("room", room.ID).Msg("Roster check failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check access"})
		}
		return nil, "", false
	}
	return room, userID, true
}

// generateRoomCode generates a random room code
func generateRoomCode() string {
	code := make([]byte, redis.RoomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
