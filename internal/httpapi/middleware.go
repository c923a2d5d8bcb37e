package httpapi

import (
	"context"
	"net/http"
	"strings"

	"audit-ledger/internal/audit"
	"audit-ledger/internal/auth"
	"audit-ledger/internal/rbac"
	"audit-ledger/pkg/logger"

	"github.com/gin-gonic/gin"
)

const headerSessionID = "X-Session-Id"

// EventRecorder is the write side used by AuditRequests.
type EventRecorder interface {
	RecordEvent(ctx context.Context, e audit.AuditEvent) (audit.AuditLogRecord, error)
}

type RequestAuditOptions struct {
	// SkipPaths are route patterns (or raw paths) that are never recorded.
	SkipPaths []string
	// PHIPrefixes mark routes that serve protected health information.
	PHIPrefixes []string
}

// DefaultSkipPaths keeps health checks, scrapes and event ingestion out of the ledger.
var DefaultSkipPaths = []string{"/healthz", "/metrics", "/v1/audit/events"}

// AuditRequests records every handled request as an AuditEvent once the
// response status is known. Failures to record are logged; the response is
// already committed by then.
func AuditRequests(rec EventRecorder, opts RequestAuditOptions) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(opts.SkipPaths))
	for _, p := range opts.SkipPaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if _, ok := skip[path]; ok {
			return
		}

		e := requestEvent(c, path, hasPrefix(path, opts.PHIPrefixes))
		if _, err := rec.RecordEvent(context.WithoutCancel(c.Request.Context()), e); err != nil {
			logger.FromGin(c).Error("request audit failed", "path", path, "status", e.StatusCode, "err", err)
		}
	}
}

func requestEvent(c *gin.Context, path string, phi bool) audit.AuditEvent {
	status := c.Writer.Status()
	// Both are empty when the token was missing or rejected.
	ctx := c.Request.Context()
	userID, _ := auth.UserID(ctx)
	role, _ := auth.Role(ctx)

	e := audit.AuditEvent{
		UserID:             userID,
		Action:             methodAction(c.Request.Method),
		Resource:           path,
		IPAddress:          c.ClientIP(),
		UserAgent:          c.Request.UserAgent(),
		SessionID:          c.GetHeader(headerSessionID),
		DataClassification: audit.ClassificationInternal,
		StatusCode:         status,
	}
	if len(c.Params) > 0 {
		e.ResourceID = c.Params[0].Value
	}

	switch {
	case userID == "":
		e.EventType = audit.EventTypeSystemEvent
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			e.EventType = audit.EventTypeSecurityEvent
			e.Action = audit.ActionLoginFailed
		}
	case status == http.StatusForbidden:
		e.EventType = audit.EventTypeSecurityEvent
	case rbac.IsAdministrative(role):
		e.EventType = audit.EventTypeAdminAction
	case phi:
		e.EventType = audit.EventTypeDataAccess
	default:
		e.EventType = audit.EventTypeUserAction
	}
	if phi {
		e.PHIAccessed = true
		e.DataClassification = audit.ClassificationRestricted
	}
	return e
}

func methodAction(method string) audit.Action {
	switch method {
	case http.MethodPost:
		return audit.ActionCreate
	case http.MethodPut, http.MethodPatch:
		return audit.ActionUpdate
	case http.MethodDelete:
		return audit.ActionDelete
	default:
		return audit.ActionRead
	}
}

func hasPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
