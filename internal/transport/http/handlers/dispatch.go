package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arklim/ipc-gateway/internal/core/domain"
	"github.com/arklim/ipc-gateway/internal/gateway"
)

// DispatchHandler is the single entry point for command invocations.
type DispatchHandler struct {
	gateway *gateway.Gateway
}

func NewDispatchHandler(gw *gateway.Gateway) *DispatchHandler {
	return &DispatchHandler{gateway: gw}
}

// Dispatch validates and executes one command.
func (h *DispatchHandler) Dispatch(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "missing session token"))
		return
	}

	var req DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
		return
	}

	result := h.gateway.Dispatch(c.Request.Context(), gateway.Request{
		Token:     token,
		Origin:    c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Command:   req.Command,
		Args:      req.Args,
		RawSize:   int(c.Request.ContentLength),
	})

	if result.Denial != nil {
		respondDenial(c, result.Denial)
		return
	}
	if result.Err != nil {
		c.JSON(http.StatusBadGateway, NewErrorResponse(c, "command execution failed"))
		return
	}

	c.JSON(http.StatusOK, DispatchResponse{Output: result.Output})
}

// respondDenial maps a pipeline denial to an HTTP response. The body always
// carries the machine-readable reason.
func respondDenial(c *gin.Context, denial *domain.Denial) {
	resp := NewErrorResponse(c, gateway.Explain(denial))
	resp.Reason = string(denial.Reason)
	resp.Field = denial.Field
	resp.Rule = denial.Rule
	if denial.RetryAfter > 0 {
		resp.RetryAfterMs = denial.RetryAfter.Milliseconds()
	}

	status := http.StatusForbidden
	switch denial.Reason {
	case domain.DenialSessionExpired:
		status = http.StatusUnauthorized
	case domain.DenialUnknownCommand:
		status = http.StatusNotFound
	case domain.DenialValidationFailed:
		status = http.StatusUnprocessableEntity
	case domain.DenialRateLimited:
		status = http.StatusTooManyRequests
		seconds := int64(denial.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", fmt.Sprintf("%d", seconds))
	case domain.DenialValidationTimeout:
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, resp)
}
