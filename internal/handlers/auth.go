package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-roulette/internal/middleware"
	"github.com/mossy-p/webrtc-roulette/internal/models"
)

// Login hands out an anonymous identity: a fresh client id and a token
// bound to it. No credentials are involved.
func Login(jwtSecret string, ttl time.Duration, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := uuid.NewString()
		token, err := middleware.IssueToken(jwtSecret, clientID, ttl, time.Now())
		if err != nil {
			log.Error("sign token", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}
		log.Debug("issued identity", zap.String("client", clientID))
		c.JSON(http.StatusOK, models.LoginResponse{
			Token:    token,
			ClientID: clientID,
		})
	}
}
