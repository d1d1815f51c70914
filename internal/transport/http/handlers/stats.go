package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arklim/ipc-gateway/internal/audit"
	"github.com/arklim/ipc-gateway/internal/ratelimit"
	"github.com/arklim/ipc-gateway/internal/session"
)

// StatsResponse summarizes live gateway state for operators.
type StatsResponse struct {
	Sessions      session.Stats `json:"sessions"`
	RateLimitKeys int           `json:"rate_limit_keys"`
	AuditRecorded uint64        `json:"audit_events_recorded"`
	AuditDropped  uint64        `json:"audit_events_dropped"`
}

// StatsHandler exposes gateway counters.
type StatsHandler struct {
	sessions *session.Manager
	limiter  *ratelimit.Limiter
	recorder *audit.Recorder
}

func NewStatsHandler(sessions *session.Manager, limiter *ratelimit.Limiter, recorder *audit.Recorder) *StatsHandler {
	return &StatsHandler{sessions: sessions, limiter: limiter, recorder: recorder}
}

func (h *StatsHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, StatsResponse{
		Sessions:      h.sessions.Stats(),
		RateLimitKeys: h.limiter.Len(),
		AuditRecorded: h.recorder.Seq(),
		AuditDropped:  h.recorder.Dropped(),
	})
}
