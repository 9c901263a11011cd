package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/lesson-room/internal/middleware"
	"github.com/mossy-p/lesson-room/internal/models"
	"github.com/mossy-p/lesson-room/internal/roster"
)

// Store is the relay state the handlers need. *redis.Store implements it.
type Store interface {
	Ping(ctx context.Context) error
	CreateRoom(ctx context.Context, room models.RoomMetadata) error
	Room(ctx context.Context, identifier string) (*models.RoomMetadata, error)
	Admit(ctx context.Context, identifier, peerID string) (*models.RoomMetadata, error)
	DeleteRoom(ctx context.Context, room *models.RoomMetadata) error
	AddPeer(ctx context.Context, roomID, peerID string) error
	RemovePeer(ctx context.Context, roomID, peerID string) error
	AppendSignal(ctx context.Context, env models.Envelope) error
	Signals(ctx context.Context, roomID string, kinds ...models.SignalKind) ([]models.Envelope, error)
	AppendStroke(ctx context.Context, env models.Envelope) (bool, error)
	Strokes(ctx context.Context, roomID string) ([]models.Envelope, error)
	ClearStrokes(ctx context.Context, roomID string) error
}

// Roster answers who may take part in a room. *roster.Store implements it.
type Roster interface {
	Add(ctx context.Context, roomID, userID, role string) error
	Authorize(ctx context.Context, roomID, userID string) error
	Participants(ctx context.Context, roomID string) ([]roster.Participant, error)
	DeleteRoom(ctx context.Context, roomID string) error
}

// Server bundles the relay's dependencies and its websocket hub.
type Server struct {
	store     Store
	roster    Roster
	hub       *Hub
	jwtSecret string
	tokenTTL  time.Duration
}

func NewServer(store Store, roster Roster, jwtSecret string) *Server {
	return &Server{
		store:     store,
		roster:    roster,
		hub:       NewHub(store),
		jwtSecret: jwtSecret,
		tokenTTL:  24 * time.Hour,
	}
}

// Router wires every relay endpoint onto a gin engine.
func (s *Server) Router(allowedOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(allowedOrigins))

	router.GET("/health", s.Health)

	auth := middleware.JWTAuth(s.jwtSecret)

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", s.Login)

		apiGroup.POST("/rooms", auth, s.CreateRoom)
		apiGroup.GET("/rooms/:roomId", s.GetRoom)
		apiGroup.DELETE("/rooms/:roomId", auth, s.DeleteRoom)

		apiGroup.GET("/rooms/:roomId/participants", auth, s.ListParticipants)
		apiGroup.POST("/rooms/:roomId/participants", auth, s.AddParticipant)
		apiGroup.GET("/rooms/:roomId/access", auth, s.CheckAccess)
		apiGroup.GET("/rooms/:roomId/history", auth, s.History)
	}

	wsGroup := router.Group("/ws")
	{
		// accepts room code or ID
		wsGroup.GET("/signal/:roomId", auth, s.HandleSignaling)
	}

	return router
}

// Health reports liveness and Redis reachability.
func (s *Server) Health(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
