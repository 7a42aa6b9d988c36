// Package deployer interprets deliveries from the deploy provider: run
// completions and log chunks, correlated by the deployment id echoed back from
// the launch request.
package deployer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	deploymentdomain "github.com/siteforge/siteforge/internal/deployment/domain"
	webhookdomain "github.com/siteforge/siteforge/internal/webhook/domain"
)

const SourceName = "deployer"

type Interpreter struct {
	secret string
}

func New(secret string) *Interpreter {
	return &Interpreter{secret: strings.TrimSpace(secret)}
}

func (i *Interpreter) Source() string { return SourceName }

// Verify checks the hex HMAC-SHA256 of the raw payload carried in X-Signature.
func (i *Interpreter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if i.secret == "" {
		return webhookdomain.ErrInvalidSignature
	}
	signature := strings.TrimSpace(headers.Get("X-Signature"))
	if signature == "" {
		return webhookdomain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(i.secret))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return webhookdomain.ErrInvalidSignature
	}
	return nil
}

type deployerEvent struct {
	Type         string `json:"type"`
	DeliveryID   string `json:"delivery_id"`
	DeploymentID string `json:"deployment_id"`
	URL          string `json:"url"`
	Logs         string `json:"logs"`
	CompletedAt  int64  `json:"completed_at"`
}

func (i *Interpreter) Interpret(ctx context.Context, payload []byte) (*webhookdomain.ParsedEvent, error) {
	var event deployerEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, webhookdomain.ErrInvalidPayload
	}
	eventType := strings.TrimSpace(event.Type)
	deploymentID := strings.TrimSpace(event.DeploymentID)
	if eventType == "" || deploymentID == "" {
		return nil, webhookdomain.ErrInvalidPayload
	}

	parsed := &webhookdomain.ParsedEvent{
		EventType:  eventType,
		DeliveryID: strings.TrimSpace(event.DeliveryID),
	}

	switch eventType {
	case "deploy.succeeded", "deploy.failed":
		completion := &deploymentdomain.CompletionRequest{
			DeploymentID: deploymentID,
			Success:      eventType == "deploy.succeeded",
			CompletedAt:  timestamp(event.CompletedAt),
		}
		if url := strings.TrimSpace(event.URL); url != "" {
			completion.URL = &url
		}
		if event.Logs != "" {
			logs := event.Logs
			completion.Logs = &logs
		}
		parsed.Directive = webhookdomain.Directive{
			Type:       webhookdomain.DirectiveCompleteDeployment,
			Completion: completion,
		}
	case "deploy.log":
		if event.Logs == "" {
			return nil, webhookdomain.ErrInvalidPayload
		}
		parsed.Directive = webhookdomain.Directive{
			Type:         webhookdomain.DirectiveAppendLogs,
			DeploymentID: deploymentID,
			Logs:         event.Logs,
		}
	default:
		return nil, webhookdomain.ErrInvalidPayload
	}

	return parsed, nil
}

func timestamp(unix int64) time.Time {
	if unix == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unix, 0).UTC()
}
