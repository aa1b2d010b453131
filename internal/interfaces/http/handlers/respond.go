// internal/interfaces/http/handlers/respond.go
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/your-org/pharmacy-backend/internal/interfaces/http/middleware"
	"github.com/your-org/pharmacy-backend/internal/pkg/apperror"
)

// respondError renders a typed business error; anything else is a 500
func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	kind := apperror.KindOf(err)
	status := apperror.StatusCode(err)

	if kind == apperror.KindInternal {
		_ = c.Error(err)
		logger.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
		c.JSON(status, gin.H{
			"error": "Internal server error",
			"kind":  kind,
		})
		return
	}

	body := gin.H{
		"error": err.Error(),
		"kind":  kind,
	}

	var (
		ve    *apperror.ValidationError
		stock *apperror.InsufficientStockError
		dup   *apperror.DuplicateCommitError
		tr    *apperror.InvalidTransitionError
	)
	switch {
	case errors.As(err, &ve):
		body["field"] = ve.Field
		body["attempts_left"] = ve.AttemptsLeft
	case errors.As(err, &stock):
		body["item_id"] = stock.ItemID
		body["requested"] = stock.Requested
		body["available"] = stock.Available
	case errors.As(err, &dup):
		if dup.OrderNumber != "" {
			body["order_id"] = dup.OrderID
			body["order_number"] = dup.OrderNumber
		}
	case errors.As(err, &tr):
		body["from"] = tr.From
		body["to"] = tr.To
	}

	c.JSON(status, body)
}

func respondOK(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"message": message,
		"data":    data,
	})
}

// respondPriced is respondOK for payloads carrying money amounts
func respondPriced(c *gin.Context, status int, message, currency string, data interface{}) {
	c.JSON(status, gin.H{
		"message":  message,
		"currency": currency,
		"data":     data,
	})
}

func badRequest(c *gin.Context, message string, err error) {
	body := gin.H{"error": message}
	if err != nil {
		body["details"] = err.Error()
	}
	c.JSON(http.StatusBadRequest, body)
}

// currentUser reads the caller id set by the auth middleware
func currentUser(c *gin.Context) (int64, bool) {
	userID, ok := middleware.GetUserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return 0, false
	}
	return userID, true
}

func parseID(c *gin.Context, param string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(param), 10, 32)
	if err != nil || id == 0 {
		badRequest(c, "Invalid "+param, nil)
		return 0, false
	}
	return uint(id), true
}
