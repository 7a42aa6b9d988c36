package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/siteforge/siteforge/internal/audit/domain"
	auditrepo "github.com/siteforge/siteforge/internal/audit/repository"
	auditservice "github.com/siteforge/siteforge/internal/audit/service"
	"github.com/siteforge/siteforge/internal/auditctx"
	"github.com/siteforge/siteforge/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type harness struct {
	node  *snowflake.Node
	clock *clock.FakeClock
	audit domain.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dsn := fmt.Sprintf("file:audit_svc_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.AuditEvent{}))

	node, err := snowflake.NewNode(11)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	return &harness{
		node:  node,
		clock: fake,
		audit: auditservice.NewService(auditservice.Params{
			DB:    db,
			Log:   zap.NewNop(),
			GenID: node,
			Clock: fake,
			Repo:  auditrepo.Provide(),
		}),
	}
}

func (h *harness) record(t *testing.T, ctx context.Context, entityID string, action domain.Action) {
	t.Helper()
	require.NoError(t, h.audit.Record(ctx, nil, domain.RecordRequest{
		EntityType: domain.EntityTypeProject,
		EntityID:   entityID,
		Action:     action,
	}))
}

func TestRecordValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.audit.Record(ctx, nil, domain.RecordRequest{
		EntityType: domain.EntityTypeProject,
		EntityID:   "1",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidAction)

	err = h.audit.Record(ctx, nil, domain.RecordRequest{
		Action: domain.ActionCreated,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidEntity)
}

func TestHistoryIsOldestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entityID := h.node.Generate().String()

	h.record(t, ctx, entityID, domain.ActionCreated)
	h.clock.Advance(time.Second)
	h.record(t, ctx, entityID, domain.ActionStatusChanged)
	h.clock.Advance(time.Second)
	h.record(t, ctx, entityID, domain.ActionStatusChanged)

	history, err := h.audit.History(ctx, domain.HistoryRequest{
		EntityType: domain.EntityTypeProject,
		EntityID:   entityID,
	})
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, domain.ActionCreated, history[0].Action)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].CreatedAt.Before(history[i-1].CreatedAt))
	}
}

func TestRecordPicksUpActorFromContext(t *testing.T) {
	h := newHarness(t)
	entityID := h.node.Generate().String()

	ctx := auditctx.WithActor(context.Background(), "user", "cust-42")
	h.record(t, ctx, entityID, domain.ActionCreated)

	history, err := h.audit.History(context.Background(), domain.HistoryRequest{
		EntityType: domain.EntityTypeProject,
		EntityID:   entityID,
	})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "user", history[0].ActorType)
	require.NotNil(t, history[0].ActorID)
	assert.Equal(t, "cust-42", *history[0].ActorID)
}

func TestRecordDefaultsToSystemActor(t *testing.T) {
	h := newHarness(t)
	entityID := h.node.Generate().String()

	h.record(t, context.Background(), entityID, domain.ActionCreated)

	history, err := h.audit.History(context.Background(), domain.HistoryRequest{
		EntityType: domain.EntityTypeProject,
		EntityID:   entityID,
	})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, string(domain.ActorTypeSystem), history[0].ActorType)
	assert.Nil(t, history[0].ActorID)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entityID := h.node.Generate().String()

	for i := 0; i < 5; i++ {
		h.record(t, ctx, entityID, domain.ActionStatusChanged)
		h.clock.Advance(time.Second)
	}

	req := domain.ListAuditEventsRequest{
		EntityType: domain.EntityTypeProject,
		EntityID:   entityID,
	}
	req.PageSize = 2

	page1, err := h.audit.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, page1.AuditEvents, 2)
	assert.True(t, page1.HasMore)
	require.NotEmpty(t, page1.NextPageToken)

	req.PageToken = page1.NextPageToken
	page2, err := h.audit.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, page2.AuditEvents, 2)
	assert.True(t, page2.HasMore)

	req.PageToken = page2.NextPageToken
	page3, err := h.audit.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, page3.AuditEvents, 1)
	assert.False(t, page3.HasMore)

	var all []domain.AuditEvent
	all = append(all, page1.AuditEvents...)
	all = append(all, page2.AuditEvents...)
	all = append(all, page3.AuditEvents...)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i].CreatedAt.Before(all[i-1].CreatedAt), "newest first across pages")
	}
}

func TestListRejectsBadPageToken(t *testing.T) {
	h := newHarness(t)

	req := domain.ListAuditEventsRequest{}
	req.PageToken = "not-base64!!"
	_, err := h.audit.List(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrInvalidPageToken)
}

func TestListRejectsInvertedTimeRange(t *testing.T) {
	h := newHarness(t)

	start := h.clock.Now()
	end := start.Add(-time.Hour)
	_, err := h.audit.List(context.Background(), domain.ListAuditEventsRequest{
		StartAt: &start,
		EndAt:   &end,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTimeRange)
}

func TestListFiltersByAction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entityID := h.node.Generate().String()

	h.record(t, ctx, entityID, domain.ActionCreated)
	h.clock.Advance(time.Second)
	h.record(t, ctx, entityID, domain.ActionStatusChanged)

	resp, err := h.audit.List(ctx, domain.ListAuditEventsRequest{
		EntityType: domain.EntityTypeProject,
		EntityID:   entityID,
		Action:     string(domain.ActionCreated),
	})
	require.NoError(t, err)
	require.Len(t, resp.AuditEvents, 1)
	assert.Equal(t, domain.ActionCreated, resp.AuditEvents[0].Action)
}
