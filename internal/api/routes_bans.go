package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/starrelay-project/starrelay/internal/db"
)

func (s *Server) handleListBans(c *gin.Context) {
	bans, err := s.deps.Moderator.Bans(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("API: failed to list bans")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list bans"})
		return
	}
	if bans == nil {
		bans = []db.Ban{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(bans), "bans": bans})
}

// handleAddBan stores a ban and kicks matching sessions.
func (s *Server) handleAddBan(c *gin.Context) {
	var body struct {
		IP          string `json:"ip"`
		UUID        string `json:"uuid"`
		Reason      string `json:"reason"`
		DurationSec int64  `json:"duration_sec" binding:"min=0"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.IP == "" && body.UUID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ip or uuid is required"})
		return
	}

	operator, _ := c.Get("operator")
	ban := db.Ban{
		IP:       body.IP,
		UUID:     body.UUID,
		Reason:   body.Reason,
		BannedBy: "api",
	}
	if body.DurationSec > 0 {
		expires := time.Now().Add(time.Duration(body.DurationSec) * time.Second)
		ban.ExpiresAt = &expires
	}

	id, kicked, err := s.deps.Moderator.Ban(c.Request.Context(), ban)
	if err != nil {
		log.Error().Err(err).Msg("API: failed to add ban")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add ban"})
		return
	}

	log.Info().
		Int64("ban_id", id).
		Interface("operator", operator).
		Msg("API: ban added")

	c.JSON(http.StatusCreated, gin.H{"id": id, "kicked": kicked})
}

// handleRemoveBan removes a ban by id, or every ban on an IP or UUID.
func (s *Server) handleRemoveBan(c *gin.Context) {
	target := c.Param("target")
	removed, err := s.deps.Moderator.Unban(c.Request.Context(), target)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no matching ban", "target": target})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("target", target).Msg("API: failed to remove ban")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove ban"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "removed", "removed": removed})
}
