package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"audit-ledger/internal/audit"
	"audit-ledger/internal/ledger"
	"audit-ledger/internal/rbac"
	"audit-ledger/internal/reporting"
	"audit-ledger/internal/risk"
	"audit-ledger/pkg/logger"
	"audit-ledger/pkg/utils"

	"github.com/gin-gonic/gin"
)

// AuditService is the ledger surface the handlers need. *ledger.Ledger implements it.
type AuditService interface {
	RecordEvent(ctx context.Context, e audit.AuditEvent) (audit.AuditLogRecord, error)
	ListRecords(ctx context.Context, f audit.RecordFilter) ([]audit.AuditLogRecord, error)
	Head(ctx context.Context) (audit.ChainHead, error)
	GetBaseline(ctx context.Context, userID string) (risk.Baseline, error)
	ResetBaseline(ctx context.Context, userID string) error
	RebuildBaseline(ctx context.Context, userID string) (risk.Baseline, error)
	Verify(ctx context.Context, rng audit.VerifyRange) (audit.IntegrityCheckResult, error)
}

// SlotLimiter bounds concurrent verification runs. *utils.SlotLimiter implements it.
type SlotLimiter interface {
	Acquire(ctx context.Context) (func(context.Context) error, error)
}

var _ SlotLimiter = (*utils.SlotLimiter)(nil)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Ledger  AuditService
	Reports *reporting.Service

	// Optional.
	VerifySlots SlotLimiter
}

// Register mounts the ledger routes on an authenticated group.
func (h Handlers) Register(v1 *gin.RouterGroup) {
	a := v1.Group("/audit")

	a.POST("/events", rbac.RequireAnyRole(rbac.Writers...), h.RecordEvent)

	read := a.Group("")
	read.Use(rbac.RequireAnyRole(rbac.Auditors...))
	{
		read.GET("/records", h.ListRecords)
		read.GET("/head", h.Head)
		read.GET("/verify", h.Verify)
		read.GET("/summary", h.SecuritySummary)
		read.GET("/baselines/:user_id", h.GetBaseline)
		read.DELETE("/baselines/:user_id", h.ResetBaseline)
		read.POST("/baselines/:user_id/rebuild", h.RebuildBaseline)
	}
}

func (h Handlers) RecordEvent(c *gin.Context) {
	var e audit.AuditEvent
	if err := c.ShouldBindJSON(&e); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	rec, err := h.Ledger.RecordEvent(c.Request.Context(), e)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h Handlers) ListRecords(c *gin.Context) {
	f, err := parseRecordFilter(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	recs, err := h.Ledger.ListRecords(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"records": recs}
	if f.Ascending && len(recs) > 0 {
		resp["next_after"] = recs[len(recs)-1].SequenceNumber
	}
	c.JSON(http.StatusOK, resp)
}

func (h Handlers) Head(c *gin.Context) {
	head, err := h.Ledger.Head(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, head)
}

func (h Handlers) Verify(c *gin.Context) {
	from, err := queryUint(c, "from")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	to, err := queryUint(c, "to")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if to != 0 && to < max(from, 1) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must not be below from"})
		return
	}

	if h.VerifySlots != nil {
		release, err := h.VerifySlots.Acquire(c.Request.Context())
		if errors.Is(err, utils.ErrNoSlot) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "verification already running, retry later"})
			return
		}
		if err != nil {
			// The limiter is advisory; verification itself only reads.
			logger.FromGin(c).Warn("verify slot unavailable", "err", err)
		} else {
			defer func() {
				if err := release(context.WithoutCancel(c.Request.Context())); err != nil {
					logger.FromGin(c).Warn("verify slot release failed", "err", err)
				}
			}()
		}
	}

	res, err := h.Ledger.Verify(c.Request.Context(), audit.VerifyRange{From: from, To: to})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h Handlers) SecuritySummary(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	var err error
	if from, err = queryTime(c, "from", from); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if to, err = queryTime(c, "to", to); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := h.Reports.SecuritySummary(c.Request.Context(), reporting.SecuritySummaryRequest{
		Range:  reporting.TimeRange{From: from, To: to},
		UserID: c.Query("user_id"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) GetBaseline(c *gin.Context) {
	b, err := h.Ledger.GetBaseline(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h Handlers) ResetBaseline(c *gin.Context) {
	if err := h.Ledger.ResetBaseline(c.Request.Context(), c.Param("user_id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) RebuildBaseline(c *gin.Context) {
	b, err := h.Ledger.RebuildBaseline(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func writeError(c *gin.Context, err error) {
	var verr *audit.ValidationError
	var perr *audit.PersistenceError
	switch {
	case errors.As(err, &verr):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, reporting.ErrInvalidRequest), errors.Is(err, audit.ErrInvalidRange):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrBaselineNotFound), errors.Is(err, audit.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.As(err, &perr), errors.Is(err, risk.ErrBaselineUnavailable):
		logger.FromGin(c).Error("audit request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "audit store unavailable", "request_id": logger.RequestID(c)})
	default:
		logger.FromGin(c).Error("audit request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error", "request_id": logger.RequestID(c)})
	}
}

func parseRecordFilter(c *gin.Context) (audit.RecordFilter, error) {
	f := audit.RecordFilter{
		UserID:    c.Query("user_id"),
		EventType: audit.EventType(c.Query("event_type")),
		Action:    audit.Action(c.Query("action")),
		Ascending: c.Query("order") == "asc",
	}
	if f.EventType != "" && !f.EventType.Valid() {
		return f, errors.New("unknown event_type")
	}
	if f.Action != "" && !f.Action.Valid() {
		return f, errors.New("unknown action")
	}
	var err error
	if f.MinRiskScore, err = queryInt(c, "min_risk"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(c, "limit"); err != nil {
		return f, err
	}
	if f.AfterSequence, err = queryUint(c, "after"); err != nil {
		return f, err
	}
	if f.Since, err = queryTime(c, "since", time.Time{}); err != nil {
		return f, err
	}
	if f.Until, err = queryTime(c, "until", time.Time{}); err != nil {
		return f, err
	}
	return f, nil
}

func queryInt(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

func queryUint(c *gin.Context, key string) (uint64, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	// Sequence numbers are stored as BIGINT.
	n, err := strconv.ParseUint(v, 10, 63)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer between 0 and %d", key, audit.MaxSequence)
	}
	return n, nil
}

func queryTime(c *gin.Context, key string, def time.Time) (time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, errors.New(key + " must be an RFC 3339 timestamp")
	}
	return t, nil
}
