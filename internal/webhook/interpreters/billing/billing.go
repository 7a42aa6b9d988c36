// Package billing interprets deliveries from the billing system: payment
// confirmations and subscription suspensions/resumptions, each mapped to a
// project transition command.
package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	projectdomain "github.com/siteforge/siteforge/internal/project/domain"
	webhookdomain "github.com/siteforge/siteforge/internal/webhook/domain"
)

const SourceName = "billing"

type Interpreter struct {
	secret string
}

func New(secret string) *Interpreter {
	return &Interpreter{secret: strings.TrimSpace(secret)}
}

func (i *Interpreter) Source() string { return SourceName }

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

type billingEvent struct {
	Type      string `json:"type"`
	EventID   string `json:"event_id"`
	ProjectID string `json:"project_id"`
}

func (i *Interpreter) Interpret(ctx context.Context, payload []byte) (*webhookdomain.ParsedEvent, error) {
	var event billingEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, webhookdomain.ErrInvalidPayload
	}
	eventType := strings.TrimSpace(event.Type)
	projectID := strings.TrimSpace(event.ProjectID)
	if eventType == "" || projectID == "" {
		return nil, webhookdomain.ErrInvalidPayload
	}

	var command projectdomain.Command
	switch eventType {
	case "payment.confirmed":
		command = projectdomain.CommandConfirmPayment
	case "subscription.suspended":
		command = projectdomain.CommandSuspend
	case "subscription.resumed":
		command = projectdomain.CommandResume
	default:
		return nil, webhookdomain.ErrInvalidPayload
	}

	return &webhookdomain.ParsedEvent{
		EventType:  eventType,
		DeliveryID: strings.TrimSpace(event.EventID),
		Directive: webhookdomain.Directive{
			Type:      webhookdomain.DirectiveTransition,
			ProjectID: projectID,
			Command:   command,
		},
	}, nil
}
