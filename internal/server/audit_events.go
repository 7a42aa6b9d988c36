package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/siteforge/siteforge/internal/audit/domain"
	"github.com/siteforge/siteforge/pkg/db/pagination"
)

type listAuditEventsQuery struct {
	pagination.Pagination
	EntityType string `form:"entity_type"`
	EntityID   string `form:"entity_id"`
	Action     string `form:"action"`
	ActorType  string `form:"actor_type"`
	StartAt    string `form:"start_at"`
	EndAt      string `form:"end_at"`
}

func (s *Server) ListAuditEvents(c *gin.Context) {
	var query listAuditEventsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	req := auditdomain.ListAuditEventsRequest{
		Pagination: query.Pagination,
		EntityType: strings.TrimSpace(query.EntityType),
		EntityID:   strings.TrimSpace(query.EntityID),
		Action:     strings.TrimSpace(query.Action),
		ActorType:  strings.TrimSpace(query.ActorType),
	}

	if raw := strings.TrimSpace(query.StartAt); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, newValidationError("start_at", "invalid_time", "start_at must be RFC3339"))
			return
		}
		req.StartAt = &parsed
	}
	if raw := strings.TrimSpace(query.EndAt); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, newValidationError("end_at", "invalid_time", "end_at must be RFC3339"))
			return
		}
		req.EndAt = &parsed
	}

	resp, err := s.auditSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetAuditHistory(c *gin.Context) {
	events, err := s.auditSvc.History(c.Request.Context(), auditdomain.HistoryRequest{
		EntityType: c.Param("entity_type"),
		EntityID:   c.Param("entity_id"),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"audit_events": events})
}
