package main

import (
	"github.com/mossy-p/lesson-room/config"
	"github.com/mossy-p/lesson-room/internal/handlers"
	"github.com/mossy-p/lesson-room/internal/logging"
	"github.com/mossy-p/lesson-room/internal/redis"
	"github.com/mossy-p/lesson-room/internal/roster"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration
	cfg := config.Load()
	logging.Setup(cfg.Environment, cfg.LogLevel)

	// Connect to Redis
	store, err := redis.Connect(cfg.Redis, cfg.RoomTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer store.Close()
	log.Info().Str("host", cfg.Redis.Host).Msg("Redis connection established")

	// Open the room roster
	participants, err := roster.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("Failed to open roster")
	}
	defer participants.Close()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewServer(store, participants, cfg.JWTSecret).Router(cfg.AllowedOrigins)

	log.Info().Str("port", cfg.Port).Msg("Starting lesson room relay")
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
}
