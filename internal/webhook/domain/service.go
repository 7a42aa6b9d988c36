package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	deploymentdomain "github.com/siteforge/siteforge/internal/deployment/domain"
	projectdomain "github.com/siteforge/siteforge/internal/project/domain"
	"gorm.io/gorm"
)

type IngestRequest struct {
	Source    string
	Signature string
	Headers   http.Header
	Payload   []byte
}

type IngestResponse struct {
	EventID string `json:"event_id"`
	Result  string `json:"result"`
}

// Service ingests webhook deliveries: persist, verify, dedup, interpret,
// dispatch. All outcomes are terminal and acknowledged.
type Service interface {
	Ingest(ctx context.Context, req IngestRequest) (IngestResponse, error)
	Get(ctx context.Context, id string) (WebhookEvent, error)
}

// DirectiveType says what an interpreted delivery asks the system to do.
type DirectiveType string

const (
	DirectiveTransition         DirectiveType = "transition"
	DirectiveCompleteDeployment DirectiveType = "complete_deployment"
	DirectiveAppendLogs         DirectiveType = "append_logs"
)

// Directive is the interpreter's output: one domain action extracted from a
// source-specific payload.
type Directive struct {
	Type DirectiveType

	// DirectiveTransition
	ProjectID string
	Command   projectdomain.Command

	// DirectiveCompleteDeployment / DirectiveAppendLogs
	Completion   *deploymentdomain.CompletionRequest
	DeploymentID string
	Logs         string
}

// ParsedEvent carries the interpreted delivery: its type, the sender's
// delivery id when present, and the directive to execute.
type ParsedEvent struct {
	EventType  string
	DeliveryID string
	Directive  Directive
}

// Interpreter translates one source's deliveries into directives. The set of
// interpreters is closed at construction.
type Interpreter interface {
	Source() string
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Interpret(ctx context.Context, payload []byte) (*ParsedEvent, error)
}

// Repository persists webhook events on the handle it is given.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *WebhookEvent) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*WebhookEvent, error)
	FindByDedupKey(ctx context.Context, db *gorm.DB, dedupKey string) (*WebhookEvent, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, eventType, result string, errMsg *string, at time.Time) error
}

var (
	ErrUnknownSource    = errors.New("unknown_source")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrEventNotFound    = errors.New("webhook_event_not_found")
)
