package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
)

// ErrorResponse represents a denial or failure payload. Reason carries the
// machine-readable denial code; field and rule are set for validation
// failures, retry_after_ms for rate limits.
type ErrorResponse struct {
	Error        string `json:"error"`
	Reason       string `json:"reason,omitempty"`
	Field        string `json:"field,omitempty"`
	Rule         string `json:"rule,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
}

// NewErrorResponse creates an error response with the request identifier
// from context.
func NewErrorResponse(c *gin.Context, errorMsg string) ErrorResponse {
	requestID, _ := c.Get("request_id")
	requestIDStr, _ := requestID.(string)

	return ErrorResponse{
		Error:     errorMsg,
		RequestID: requestIDStr,
	}
}

// MessageResponse represents a simple message payload.
type MessageResponse struct {
	Message string `json:"message"`
}

// HealthResponse reports liveness.
type HealthResponse struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// CreateSessionRequest defines the handshake payload. Permissions name the
// capabilities (or permission groups) the backend grants this client.
type CreateSessionRequest struct {
	ClientLabel string   `json:"client_label" binding:"required"`
	Permissions []string `json:"permissions"`
}

// CreateSessionResponse returns the session identity and the opaque token.
// The token appears here exactly once; it is stored hashed server-side.
type CreateSessionResponse struct {
	SessionID string    `json:"session_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// VerifySecondFactorRequest carries a TOTP code.
type VerifySecondFactorRequest struct {
	Code string `json:"code" binding:"required"`
}

// EnrollSecondFactorResponse returns the provisioned TOTP secret and its
// otpauth URL. Like the session token, the secret appears here exactly once.
type EnrollSecondFactorResponse struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// RefreshSessionResponse returns the rotated token.
type RefreshSessionResponse struct {
	Token string `json:"token"`
}

// DispatchRequest is one command invocation.
type DispatchRequest struct {
	Command string         `json:"command" binding:"required"`
	Args    map[string]any `json:"args"`
}

// DispatchResponse wraps the executor output for an allowed command.
type DispatchResponse struct {
	Output any `json:"output"`
}
