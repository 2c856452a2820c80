package handlers

import (
	"net/http"
	"strconv"

	"marketplace-svc/apperr"
	"marketplace-svc/middleware"
	"marketplace-svc/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondError maps a service error onto the response. Server errors are
// logged in full and answered with a generic message.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("trace_id", middleware.GetTraceID(c.Request.Context())),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": apperr.PublicMessage(err), "code": apperr.CodeOf(err)})
}

func paramID(c *gin.Context, name, label string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + label + " ID"})
		return 0, false
	}
	return id, true
}

// buyerID returns the caller's buyer profile id. Callers without one get 403.
func buyerID(c *gin.Context) (int64, bool) {
	claims := middleware.CurrentUser(c)
	if claims == nil || claims.BuyerID == nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "Buyer profile required"})
		return 0, false
	}
	return *claims.BuyerID, true
}

func actor(c *gin.Context) models.Actor {
	claims := middleware.CurrentUser(c)
	if claims == nil {
		return models.Actor{}
	}
	return models.Actor{UserID: claims.UserID, Role: claims.Role}
}
