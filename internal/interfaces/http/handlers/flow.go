// internal/interfaces/http/handlers/flow.go
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/your-org/pharmacy-backend/internal/domain/conversation"
	"github.com/your-org/pharmacy-backend/internal/domain/session"
	"github.com/your-org/pharmacy-backend/internal/interfaces/http/middleware"
)

// staffFlows may only be started by staff
var staffFlows = map[session.FlowType]bool{
	session.FlowAddItemSingle: true,
	session.FlowAddItemBulk:   true,
}

// AdvanceFlowRequest carries one user input
type AdvanceFlowRequest struct {
	Input string `json:"input" binding:"max=65536"`
}

// FlowHandler handles conversational flow endpoints
type FlowHandler struct {
	conversation *conversation.Service
	logger       *logrus.Logger
}

// NewFlowHandler creates a new flow handler
func NewFlowHandler(conv *conversation.Service, logger *logrus.Logger) *FlowHandler {
	return &FlowHandler{conversation: conv, logger: logger}
}

// BeginFlow handles POST /flows/:flow
func (h *FlowHandler) BeginFlow(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	flow := session.FlowType(c.Param("flow"))
	if staffFlows[flow] && !middleware.IsStaffFromContext(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Staff access required"})
		return
	}

	prompt, err := h.conversation.BeginFlow(c.Request.Context(), userID, flow)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "Flow started",
		"data":    prompt,
	})
}

// AdvanceFlow handles POST /flows/advance
func (h *FlowHandler) AdvanceFlow(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req AdvanceFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request data", err)
		return
	}

	outcome, err := h.conversation.AdvanceFlow(c.Request.Context(), userID, req.Input)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	message := "Input accepted"
	if outcome.Committed() {
		message = "Flow completed"
	}
	respondOK(c, message, outcome)
}

// CurrentFlow handles GET /flows/current
func (h *FlowHandler) CurrentFlow(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	prompt, err := h.conversation.CurrentFlow(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, "Flow retrieved successfully", prompt)
}

// CancelFlow handles DELETE /flows
func (h *FlowHandler) CancelFlow(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	if err := h.conversation.CancelFlow(c.Request.Context(), userID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Flow cancelled"})
}
