package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-roulette/internal/middleware"
	"github.com/mossy-p/webrtc-roulette/internal/models"
	"github.com/mossy-p/webrtc-roulette/internal/moderation"
)

// Moderation serves the endpoints behind moderation.HTTPClient. Every
// route requires JWTAuth; the client id always comes from the token.
type Moderation struct {
	Store moderation.Checker
	Log   *zap.Logger
}

// Status reports whether the caller may search.
func (h *Moderation) Status(c *gin.Context) {
	clientID := c.GetString(middleware.ClientIDKey)
	st, err := h.Store.Status(c.Request.Context(), clientID)
	if err != nil {
		h.Log.Error("read moderation status", zap.String("client", clientID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Moderation status unavailable"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// Connected records that the caller is now in a session with peerId.
func (h *Moderation) Connected(c *gin.Context) {
	clientID := c.GetString(middleware.ClientIDKey)
	req, ok := bindPresence(c)
	if !ok {
		return
	}
	if err := h.Store.MarkConnected(c.Request.Context(), clientID, req.PeerID); err != nil {
		h.Log.Error("mark connected", zap.String("client", clientID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record presence"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Disconnected records the end of the caller's session and its reason.
func (h *Moderation) Disconnected(c *gin.Context) {
	clientID := c.GetString(middleware.ClientIDKey)
	req, ok := bindPresence(c)
	if !ok {
		return
	}
	if req.Reason == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}
	reason := models.DisconnectReason(req.Reason)
	if err := h.Store.MarkDisconnected(c.Request.Context(), clientID, req.PeerID, reason); err != nil {
		h.Log.Error("mark disconnected", zap.String("client", clientID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record presence"})
		return
	}
	c.Status(http.StatusNoContent)
}

func bindPresence(c *gin.Context) (models.PresenceRequest, bool) {
	var req models.PresenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, false
	}
	if req.PeerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "peerId is required"})
		return req, false
	}
	return req, true
}
