package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/lesson-room/internal/middleware"
	"github.com/rs/zerolog/log"
)

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Login issues a participant token.
// For demo purposes, accepts any username/password combination; credential
// checks belong to the hosted identity provider.
func (s *Server) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	userID := req.Username

	tokenString, err := middleware.IssueToken(s.jwtSecret, userID, s.tokenTTL)
	if err != nil {
		log.Error().Err(err).Str("user", userID).Msg("Failed to sign token")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to generate token",
		})
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		Token:  tokenString,
		UserID: userID,
	})
}
