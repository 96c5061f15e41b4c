// Package transport is the inbound half of the wire schema: a Gin
// router exposing the seven RPCs of spec.md §4.2/§6 plus a health
// check, wired to the domain packages that actually decide what to do
// with each request.
//
// Grounded on the teacher's internal/api (Handler struct holding every
// collaborator, Register mounting route groups, Logger/Recovery
// middleware) generalized from the KV endpoints to the risk-report
// endpoints and switched from log.Printf to zap for structured output.
package transport

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"riskreplica/internal/cluster"
	"riskreplica/internal/elector"
	"riskreplica/internal/failuredetector"
	"riskreplica/internal/join"
	"riskreplica/internal/replicator"
	"riskreplica/internal/rerr"
	"riskreplica/internal/store"
	"riskreplica/internal/wire"
)

// Handler holds every collaborator a request might need.
type Handler struct {
	store      *store.Store
	replicator *replicator.Replicator
	membership *cluster.Membership
	detector   *failuredetector.Detector
	join       *join.Coordinator
	logger     *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(st *store.Store, repl *replicator.Replicator, membership *cluster.Membership, detector *failuredetector.Detector, joinCoord *join.Coordinator, logger *zap.Logger) *Handler {
	return &Handler{store: st, replicator: repl, membership: membership, detector: detector, join: joinCoord, logger: logger}
}

// Register mounts every route on engine.
func (h *Handler) Register(engine *gin.Engine) {
	engine.POST("/reports", h.SubmitReport)
	engine.GET("/reports/:patientID", h.ListReports)
	engine.GET("/leader", h.LeaderInfo)

	internal := engine.Group("/internal")
	internal.POST("/heartbeat", h.Heartbeat)
	internal.POST("/election", h.Election)
	internal.POST("/replicate", h.Replicate)
	internal.POST("/join", h.Join)
}

// SubmitReport handles POST /reports — the client write path of
// spec.md §4.6. Only the believed leader accepts writes; anyone else
// returns the leader's address for the client to retry against.
func (h *Handler) SubmitReport(c *gin.Context) {
	var rw wire.ReportWire
	if err := c.ShouldBindJSON(&rw); err != nil {
		c.JSON(http.StatusBadRequest, wire.Response{Success: false, Message: err.Error()})
		return
	}

	if !h.membership.IsLeader() {
		c.JSON(http.StatusConflict, wire.Response{
			Success:       false,
			Message:       "not leader",
			LeaderAddress: h.membership.CurrentLeader(),
		})
		return
	}

	report := rw.ToModel()
	if err := report.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, wire.Response{Success: false, Message: err.Error()})
		return
	}

	alertSent, err := h.replicator.HandleWrite(c.Request.Context(), report)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, rerr.ErrInvalidTier) || errors.Is(err, rerr.ErrMalformedInput) {
			status = http.StatusBadRequest
		}
		h.logger.Error("handle write failed", zap.String("patient_id", report.PatientID), zap.Error(err))
		c.JSON(status, wire.Response{Success: false, Message: err.Error()})
		return
	}

	self, _ := h.membership.Self()
	c.JSON(http.StatusOK, wire.Response{
		Success:       true,
		AlertSent:     &alertSent,
		LeaderAddress: self.Address,
	})
}

// ListReports handles GET /reports/:patientID. Any replica serves
// reads per spec.md §4.8 — there is no leader requirement.
func (h *Handler) ListReports(c *gin.Context) {
	patientID := c.Param("patientID")
	count := 0
	if raw := c.Query("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, wire.ListReportsResponse{Success: false, Message: "invalid count"})
			return
		}
		count = n
	}

	reports, err := h.store.ListByPatient(c.Request.Context(), patientID, count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, wire.ListReportsResponse{Success: false, Message: err.Error()})
		return
	}

	out := make([]wire.ReportWire, len(reports))
	for i, r := range reports {
		out[i] = wire.ReportFromModel(r)
	}
	c.JSON(http.StatusOK, wire.ListReportsResponse{Success: true, Reports: out})
}

// LeaderInfo handles GET /leader, used by clients for discovery
// (spec.md §4.8) and by a joining replica to learn the full membership
// after being admitted (spec.md §4.7).
func (h *Handler) LeaderInfo(c *gin.Context) {
	c.JSON(http.StatusOK, wire.LeaderInfoResponse{
		Success:       true,
		LeaderAddress: h.membership.CurrentLeader(),
		SelfID:        h.membership.SelfID(),
		Nodes:         h.membership.All(),
	})
}

// Heartbeat handles POST /internal/heartbeat (spec.md §4.4).
func (h *Handler) Heartbeat(c *gin.Context) {
	var req wire.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, wire.Response{Success: false, Message: err.Error()})
		return
	}
	h.detector.OnHeartbeatReceived(req)
	c.JSON(http.StatusOK, wire.Response{Success: true})
}

// Election handles POST /internal/election (spec.md §4.5 step 4): any
// reachable replica unconditionally grants the vote.
func (h *Handler) Election(c *gin.Context) {
	var req wire.ElectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, wire.Response{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, elector.RespondToVote(h.membership))
}

// Replicate handles POST /internal/replicate (spec.md §4.6 step 6).
func (h *Handler) Replicate(c *gin.Context) {
	var req wire.ReplicateOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, wire.Response{Success: false, Message: err.Error()})
		return
	}
	if err := h.replicator.ApplyOperation(c.Request.Context(), req); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, rerr.ErrMalformedInput) {
			status = http.StatusBadRequest
		}
		c.JSON(status, wire.Response{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, wire.Response{Success: true})
}

// Join handles POST /internal/join (spec.md §4.7 steps 1-4).
func (h *Handler) Join(c *gin.Context) {
	var req wire.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, wire.JoinResponse{Success: false, Message: err.Error()})
		return
	}
	resp, err := h.join.HandleJoin(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, rerr.ErrNotLeader) {
			status = http.StatusConflict
		}
		c.JSON(status, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Logger logs every request's method, path, status, and latency through
// a zap logger.
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// Recovery converts a panic into a 500 response and logs it, rather
// than letting Gin's default recovery crash the process.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered", zap.Any("error", err))
				c.AbortWithStatusJSON(http.StatusInternalServerError, wire.Response{
					Success: false,
					Message: "internal server error",
				})
			}
		}()
		c.Next()
	}
}
