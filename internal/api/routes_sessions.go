package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/starrelay-project/starrelay/internal/handlers"
	"github.com/starrelay-project/starrelay/internal/network"
)

// handleListSessions returns every tracked session, oldest first.
func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.deps.Sessions.All()
	infos := make([]network.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	c.JSON(http.StatusOK, gin.H{
		"count":    len(infos),
		"sessions": infos,
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, ok := s.deps.Sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "id": c.Param("id")})
		return
	}
	c.JSON(http.StatusOK, sess.Info())
}

// handleKickSession disconnects a session with an optional reason.
func (s *Server) handleKickSession(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	id := c.Param("id")
	if err := s.deps.Moderator.Kick(c.Request.Context(), id, body.Reason); err != nil {
		if errors.Is(err, handlers.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "id": id})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	operator, _ := c.Get("operator")
	log.Info().
		Str("session_id", id).
		Str("reason", body.Reason).
		Interface("operator", operator).
		Msg("API: session kicked")

	c.JSON(http.StatusOK, gin.H{"status": "kicked", "id": id})
}
