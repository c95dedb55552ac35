package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/starrelay-project/starrelay/internal/events"
	"github.com/starrelay-project/starrelay/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "starrelay",
		"version": Version,
	})
}

// handleStatus returns session counts without requiring a token.
func (s *Server) handleStatus(c *gin.Context) {
	authenticated := 0
	for _, sess := range s.deps.Sessions.All() {
		if sess.Player().Authenticated() {
			authenticated++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions":      s.deps.Sessions.Count(),
		"authenticated": authenticated,
		"uptime_sec":    int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleSystem returns host information and current load.
func (s *Server) handleSystem(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"system": util.GetSystemInfo(),
		"usage":  util.GetUsage(s.deps.DiskPath),
	})
}

// handleGetConfig returns the configuration with secrets redacted.
func (s *Server) handleGetConfig(c *gin.Context) {
	apiCfg := s.cfg.GetAPI()
	if apiCfg.AuthToken != "" {
		apiCfg.AuthToken = "********"
	}
	c.JSON(http.StatusOK, gin.H{
		"proxy":    s.cfg.GetProxy(),
		"database": s.cfg.GetDatabase(),
		"api":      apiCfg,
		"mqtt":     s.cfg.GetMQTT(),
		"logging":  s.cfg.GetLogging(),
	})
}

// handleSetProxyOption updates one proxy option and saves the file. Options
// read at accept time apply to new sessions only.
func (s *Server) handleSetProxyOption(c *gin.Context) {
	var body struct {
		Key   string      `json:"key" binding:"required"`
		Value interface{} `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.cfg.UpdateProxyField(body.Key, body.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.cfg.Save(); err != nil {
		log.Error().Err(err).Msg("API: failed to save config")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	s.emit(c, events.EventConfigChanged, events.ConfigChangedPayload{
		Section: "proxy",
		Key:     body.Key,
		Value:   body.Value,
	})

	log.Info().Str("key", body.Key).Interface("value", body.Value).Msg("API: proxy option updated")
	c.JSON(http.StatusOK, gin.H{"status": "updated", "proxy": s.cfg.GetProxy()})
}
