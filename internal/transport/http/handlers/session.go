package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/arklim/ipc-gateway/internal/core/domain"
	"github.com/arklim/ipc-gateway/internal/session"
)

// SessionHandler exposes the session lifecycle endpoints.
type SessionHandler struct {
	sessions *session.Manager
}

func NewSessionHandler(sessions *session.Manager) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// bearerToken extracts the opaque session token from the Authorization
// header.
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// Create performs the handshake and returns the session token.
func (h *SessionHandler) Create(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
		return
	}

	sess, token, err := h.sessions.Create(
		c.Request.Context(),
		c.ClientIP(),
		c.Request.UserAgent(),
		req.ClientLabel,
		req.Permissions,
	)
	if err != nil {
		var denial *domain.Denial
		if errors.As(err, &denial) && denial.Reason == domain.DenialRateLimited {
			respondDenial(c, denial)
			return
		}
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, "session creation failed"))
		return
	}

	c.JSON(http.StatusCreated, CreateSessionResponse{
		SessionID: sess.ID,
		Token:     token,
		ExpiresAt: sess.ExpiresAt,
	})
}

// Verify completes a second-factor step for the session.
func (h *SessionHandler) Verify(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "missing session token"))
		return
	}

	var req VerifySecondFactorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
		return
	}

	if denial := h.sessions.VerifySecondFactor(token, req.Code); denial != nil {
		respondDenial(c, denial)
		return
	}

	c.JSON(http.StatusOK, MessageResponse{Message: "second factor verified"})
}

// Enroll provisions a TOTP secret for the session's client and returns the
// otpauth URL for the client to register. A label can only enroll once.
func (h *SessionHandler) Enroll(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "missing session token"))
		return
	}

	secret, url, denial := h.sessions.EnrollSecondFactor(token)
	if denial != nil {
		respondDenial(c, denial)
		return
	}

	c.JSON(http.StatusOK, EnrollSecondFactorResponse{
		Secret: secret,
		URL:    url,
	})
}

// Refresh rotates the session token. The previous token stops working
// immediately.
func (h *SessionHandler) Refresh(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "missing session token"))
		return
	}

	newToken, denial := h.sessions.Refresh(token)
	if denial != nil {
		respondDenial(c, denial)
		return
	}

	c.JSON(http.StatusOK, RefreshSessionResponse{Token: newToken})
}

// Terminate ends the session.
func (h *SessionHandler) Terminate(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "missing session token"))
		return
	}

	if !h.sessions.Terminate(token, "client logout") {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "session not found"))
		return
	}

	c.JSON(http.StatusOK, MessageResponse{Message: "session terminated"})
}
