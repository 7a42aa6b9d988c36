package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/siteforge/siteforge/internal/audit/domain"
	"github.com/siteforge/siteforge/internal/auditctx"
	"github.com/siteforge/siteforge/internal/clock"
	"github.com/siteforge/siteforge/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Record appends one audit event on the given transaction handle. An insert
// failure is returned to the caller so the surrounding transaction rolls back;
// audit loss is a correctness failure, not a best-effort log.
func (s *Service) Record(ctx context.Context, tx *gorm.DB, req auditdomain.RecordRequest) error {
	if strings.TrimSpace(string(req.Action)) == "" {
		return auditdomain.ErrInvalidAction
	}
	entityType := strings.TrimSpace(req.EntityType)
	entityID := strings.TrimSpace(req.EntityID)
	if entityType == "" || entityID == "" {
		return auditdomain.ErrInvalidEntity
	}
	if tx == nil {
		tx = s.db
	}

	actorType, actorID := s.resolveActor(ctx, req.ActorType, req.ActorID)

	payload := map[string]any{}
	for key, value := range req.Metadata {
		if key == "" {
			continue
		}
		payload[key] = value
	}
	if requestID := auditctx.RequestIDFromContext(ctx); requestID != "" {
		payload["request_id"] = requestID
	}

	oldValue, err := marshalValue(req.OldValue)
	if err != nil {
		return err
	}
	newValue, err := marshalValue(req.NewValue)
	if err != nil {
		return err
	}

	entry := auditdomain.AuditEvent{
		ID:         s.genID.Generate(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     req.Action,
		ActorType:  actorType,
		ActorID:    actorID,
		OldValue:   oldValue,
		NewValue:   newValue,
		Metadata:   datatypes.JSONMap(payload),
		CreatedAt:  s.clock.Now(),
	}
	if ip := auditctx.IPAddressFromContext(ctx); ip != "" {
		entry.IPAddress = &ip
	}
	if ua := auditctx.UserAgentFromContext(ctx); ua != "" {
		entry.UserAgent = &ua
	}

	if err := s.repo.Insert(ctx, tx, &entry); err != nil {
		s.log.Error("failed to write audit event",
			zap.String("entity_type", entityType),
			zap.String("action", string(req.Action)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// History returns the full trail for one entity, oldest first.
func (s *Service) History(ctx context.Context, req auditdomain.HistoryRequest) ([]auditdomain.AuditEvent, error) {
	entityType := strings.TrimSpace(req.EntityType)
	entityID := strings.TrimSpace(req.EntityID)
	if entityType == "" || entityID == "" {
		return nil, auditdomain.ErrInvalidEntity
	}

	items, err := s.repo.History(ctx, s.db, entityType, entityID)
	if err != nil {
		return nil, err
	}

	events := make([]auditdomain.AuditEvent, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		events = append(events, *item)
	}
	return events, nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListAuditEventsRequest) (auditdomain.ListAuditEventsResponse, error) {
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListAuditEventsResponse{}, auditdomain.ErrInvalidTimeRange
	}

	var cursor *auditdomain.AuditCursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return auditdomain.ListAuditEventsResponse{}, auditdomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return auditdomain.ListAuditEventsResponse{}, auditdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return auditdomain.ListAuditEventsResponse{}, auditdomain.ErrInvalidPageToken
		}
		cursor = &auditdomain.AuditCursor{
			ID:        id,
			CreatedAt: createdAt,
		}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	items, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Action:     req.Action,
		ActorType:  req.ActorType,
		StartAt:    req.StartAt,
		EndAt:      req.EndAt,
		Cursor:     cursor,
		Limit:      pageSize,
	})
	if err != nil {
		return auditdomain.ListAuditEventsResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(item *auditdomain.AuditEvent) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	events := make([]auditdomain.AuditEvent, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		events = append(events, *item)
	}

	resp := auditdomain.ListAuditEventsResponse{AuditEvents: events}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) resolveActor(ctx context.Context, actorType string, actorID *string) (string, *string) {
	actorType = strings.TrimSpace(actorType)
	if actorType == "" {
		if ctxType, ctxID := auditctx.ActorFromContext(ctx); ctxType != "" {
			actorType = ctxType
			if actorID == nil || strings.TrimSpace(*actorID) == "" {
				if ctxID != "" {
					actorID = &ctxID
				}
			}
		}
	}
	if actorType == "" {
		actorType = string(auditdomain.ActorTypeSystem)
	}

	return actorType, normalizePointer(actorID)
}

func marshalValue(value any) (datatypes.JSON, error) {
	if value == nil {
		return nil, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func normalizePointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
