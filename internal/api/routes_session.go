package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tablelink-project/tablelink/internal/protocol"
	"github.com/tablelink-project/tablelink/internal/session"
	"github.com/tablelink-project/tablelink/internal/util"
)

type connectRequest struct {
	UserID string `json:"user_id"`
}

type sendRequest struct {
	Type    protocol.Tag    `json:"type" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

type joinRequest struct {
	Position *int `json:"position"`
}

type navigationRequest struct {
	Page     string `json:"page" binding:"required"`
	Position *int   `json:"position"`
}

type actionRequest struct {
	Payload json.RawMessage `json:"payload" binding:"required"`
}

func (s *Server) handlePing(c *gin.Context) {
	s.hostOnce.Do(func() { s.host = util.GetSystemInfo() })

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "tablelink",
		"version": s.version,
		"state":   s.session.Snapshot().State,
		"host":    s.host,
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleConnect(c *gin.Context) {
	var req connectRequest
	// The body is optional.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = s.defaultUserID
	}

	if err := s.session.Connect(userID); err != nil {
		s.fail(c, err)
		return
	}

	s.logger.Info().Str("user_id", userID).Msg("API: connect requested")
	c.JSON(http.StatusAccepted, s.session.Snapshot())
}

func (s *Server) handleDisconnect(c *gin.Context) {
	s.session.Disconnect()
	s.logger.Info().Msg("API: disconnect requested")
	c.JSON(http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleLogout(c *gin.Context) {
	sess, err := s.session.Logout()
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info().Str("session_id", sess.SessionID).Msg("API: logged out")
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	env := protocol.Envelope{Type: req.Type, Payload: req.Payload}
	if err := s.session.Send(env); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent", "type": req.Type})
}

func (s *Server) handleNavigation(c *gin.Context) {
	var req navigationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := s.session.TrackNavigation(req.Page, req.Position)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (s *Server) handleJoinTable(c *gin.Context) {
	tableID := c.Param("id")

	var req joinRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if err := s.session.JoinTable(tableID, req.Position); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "joined", "table_id": tableID})
}

func (s *Server) handleLeaveTable(c *gin.Context) {
	if err := s.session.LeaveTable(); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

func (s *Server) handleGameAction(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.session.GameAction(req.Payload); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

// fail maps session errors onto HTTP status codes.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotOpen), errors.Is(err, session.ErrNoTable):
		status = http.StatusConflict
	case errors.Is(err, session.ErrNoUser), errors.Is(err, session.ErrReservedTag):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("API: request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
