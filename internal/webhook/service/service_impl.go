package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/siteforge/siteforge/internal/audit/domain"
	"github.com/siteforge/siteforge/internal/clock"
	deploymentdomain "github.com/siteforge/siteforge/internal/deployment/domain"
	"github.com/siteforge/siteforge/internal/observability/metrics"
	projectdomain "github.com/siteforge/siteforge/internal/project/domain"
	"github.com/siteforge/siteforge/internal/webhook/domain"
	"github.com/siteforge/siteforge/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Repo         domain.Repository
	Interpreters []domain.Interpreter `group:"webhook.interpreters"`
	Audit        auditdomain.Service
	Projects     projectdomain.Service
	Deployments  deploymentdomain.Service
	Metrics      *metrics.Metrics `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	repo         domain.Repository
	interpreters map[string]domain.Interpreter
	audit        auditdomain.Service
	projects     projectdomain.Service
	deployments  deploymentdomain.Service
	metrics      *metrics.Metrics
}

func NewService(p Params) domain.Service {
	interpreters := make(map[string]domain.Interpreter, len(p.Interpreters))
	for _, interpreter := range p.Interpreters {
		if interpreter == nil {
			continue
		}
		interpreters[strings.ToLower(interpreter.Source())] = interpreter
	}
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("webhook.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		repo:         p.Repo,
		interpreters: interpreters,
		audit:        p.Audit,
		projects:     p.Projects,
		deployments:  p.Deployments,
		metrics:      p.Metrics,
	}
}

// Ingest runs the delivery pipeline: persist the raw event, verify the
// signature, interpret, execute the directive, record the outcome. Every
// outcome is terminal; the row is the replay protection.
func (s *Service) Ingest(ctx context.Context, req domain.IngestRequest) (domain.IngestResponse, error) {
	source := strings.ToLower(strings.TrimSpace(req.Source))
	interpreter := s.interpreters[source]

	deliveryID := extractDeliveryID(req)
	dedupKey := buildDedupKey(source, deliveryID, req.Payload)

	now := s.clock.Now()
	event := domain.WebhookEvent{
		ID:         s.genID.Generate(),
		Source:     source,
		DedupKey:   dedupKey,
		Signature:  strings.TrimSpace(req.Signature),
		ReceivedAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if deliveryID != "" {
		event.DeliveryID = &deliveryID
	}
	if json.Valid(req.Payload) {
		event.Payload = datatypes.JSON(req.Payload)
	}

	if err := s.repo.Insert(ctx, s.db, &event); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return s.duplicate(ctx, source, dedupKey)
		}
		return domain.IngestResponse{}, err
	}

	var (
		eventType string
		result    string
		execErr   error
	)
	if interpreter == nil {
		result, execErr = domain.ResultUnknownSource, domain.ErrUnknownSource
	} else {
		eventType, result, execErr = s.process(ctx, interpreter, req)
	}

	var errMsg *string
	if execErr != nil {
		msg := execErr.Error()
		errMsg = &msg
	}
	// The processed mark and its audit entry commit together; a row never
	// flips to processed without the trail recording it.
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.repo.MarkProcessed(ctx, tx, event.ID, eventType, result, errMsg, s.clock.Now()); err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, auditdomain.RecordRequest{
			EntityType: auditdomain.EntityTypeWebhookEvent,
			EntityID:   event.ID.String(),
			Action:     auditdomain.ActionWebhookReceived,
			NewValue:   map[string]any{"source": source, "event_type": eventType, "result": result},
		})
	})
	if err != nil {
		return domain.IngestResponse{}, err
	}

	s.metrics.RecordWebhookEvent(ctx, source, result)
	s.log.Info("webhook delivery processed",
		zap.String("source", source),
		zap.String("event_type", eventType),
		zap.String("result", result),
	)

	return domain.IngestResponse{EventID: event.ID.String(), Result: result}, nil
}

func (s *Service) duplicate(ctx context.Context, source, dedupKey string) (domain.IngestResponse, error) {
	s.metrics.RecordWebhookEvent(ctx, source, domain.ResultDuplicate)

	existing, err := s.repo.FindByDedupKey(ctx, s.db, dedupKey)
	if err != nil {
		return domain.IngestResponse{}, err
	}
	resp := domain.IngestResponse{Result: domain.ResultDuplicate}
	if existing != nil {
		resp.EventID = existing.ID.String()
	}
	return resp, nil
}

func (s *Service) process(ctx context.Context, interpreter domain.Interpreter, req domain.IngestRequest) (string, string, error) {
	if err := interpreter.Verify(ctx, req.Payload, req.Headers); err != nil {
		return "", domain.ResultInvalidSignature, err
	}

	parsed, err := interpreter.Interpret(ctx, req.Payload)
	if err != nil {
		return "", domain.ResultInvalidPayload, err
	}

	result, err := s.execute(ctx, parsed.Directive)
	return parsed.EventType, result, err
}

func (s *Service) execute(ctx context.Context, directive domain.Directive) (string, error) {
	switch directive.Type {
	case domain.DirectiveTransition:
		_, err := s.projects.RequestTransition(ctx, projectdomain.TransitionRequest{
			ProjectID: directive.ProjectID,
			Command:   directive.Command,
		})
		switch {
		case err == nil:
			return domain.ResultProcessed, nil
		case errors.Is(err, projectdomain.ErrProjectNotFound), errors.Is(err, projectdomain.ErrInvalidProject):
			return domain.ResultUnmatchedTarget, err
		case errors.Is(err, projectdomain.ErrInvalidTransition):
			return domain.Rejected("invalid_transition"), err
		case errors.Is(err, projectdomain.ErrConflict):
			return domain.Rejected("version_conflict"), err
		default:
			return "", err
		}

	case domain.DirectiveCompleteDeployment:
		_, err := s.deployments.RecordCompletion(ctx, *directive.Completion)
		switch {
		case err == nil:
			return domain.ResultProcessed, nil
		case errors.Is(err, deploymentdomain.ErrDeploymentNotFound), errors.Is(err, deploymentdomain.ErrInvalidDeployment):
			return domain.ResultUnmatchedTarget, err
		default:
			return "", err
		}

	case domain.DirectiveAppendLogs:
		err := s.deployments.AppendLogs(ctx, directive.DeploymentID, directive.Logs)
		switch {
		case err == nil:
			return domain.ResultProcessed, nil
		case errors.Is(err, deploymentdomain.ErrDeploymentNotFound), errors.Is(err, deploymentdomain.ErrInvalidDeployment):
			return domain.ResultUnmatchedTarget, err
		case errors.Is(err, deploymentdomain.ErrDeploymentCompleted):
			return domain.Rejected("deployment_completed"), err
		default:
			return "", err
		}

	default:
		return domain.ResultInvalidPayload, domain.ErrInvalidPayload
	}
}

func (s *Service) Get(ctx context.Context, rawID string) (domain.WebhookEvent, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(rawID))
	if err != nil || id == 0 {
		return domain.WebhookEvent{}, domain.ErrEventNotFound
	}
	event, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.WebhookEvent{}, err
	}
	if event == nil {
		return domain.WebhookEvent{}, domain.ErrEventNotFound
	}
	return *event, nil
}

func extractDeliveryID(req domain.IngestRequest) string {
	if req.Headers != nil {
		if id := strings.TrimSpace(req.Headers.Get("X-Delivery-ID")); id != "" {
			return id
		}
	}
	// Best-effort peek: both configured sources carry an id in the body.
	var peek struct {
		DeliveryID string `json:"delivery_id"`
		EventID    string `json:"event_id"`
	}
	if err := json.Unmarshal(req.Payload, &peek); err == nil {
		if id := strings.TrimSpace(peek.DeliveryID); id != "" {
			return id
		}
		if id := strings.TrimSpace(peek.EventID); id != "" {
			return id
		}
	}
	return ""
}

// buildDedupKey prefers the sender's delivery id; without one, identical
// payload bytes from the same source dedup on a content hash.
func buildDedupKey(source, deliveryID string, payload []byte) string {
	if deliveryID != "" {
		return fmt.Sprintf("%s:%s", source, deliveryID)
	}
	sum := sha256.Sum256(append([]byte(source+"|"), payload...))
	return fmt.Sprintf("%s:sha256:%s", source, hex.EncodeToString(sum[:]))
}
