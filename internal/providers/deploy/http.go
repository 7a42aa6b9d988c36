package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// HTTPProvider hands runs to a builder service over HTTP. The builder answers
// with its run reference and reports the outcome later on the webhook surface.
type HTTPProvider struct {
	name    string
	baseURL string
	token   string
	client  *http.Client
	log     *zap.Logger
}

type HTTPProviderConfig struct {
	Name    string
	BaseURL string
	Token   string
}

func NewHTTPProvider(cfg HTTPProviderConfig, log *zap.Logger) *HTTPProvider {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	if name == "" {
		name = "builder"
	}
	return &HTTPProvider{
		name:    name,
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:   strings.TrimSpace(cfg.Token),
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log.Named("providers.deploy"),
	}
}

func (p *HTTPProvider) Name() string { return p.name }

type deployResponse struct {
	Ref string `json:"ref"`
}

func (p *HTTPProvider) Deploy(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", Permanent("encode deploy request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/deploys", bytes.NewReader(body))
	if err != nil {
		return "", Permanent("build deploy request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", Transient("deploy request failed", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", Transient("read deploy response", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", Transient(fmt.Sprintf("builder returned %d", resp.StatusCode), nil)
	default:
		p.log.Warn("builder rejected deploy",
			zap.Int("status_code", resp.StatusCode),
			zap.String("deployment_id", req.DeploymentID),
		)
		return "", Permanent(fmt.Sprintf("builder returned %d", resp.StatusCode), nil)
	}

	var decoded deployResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", Permanent("decode deploy response", err)
	}
	if strings.TrimSpace(decoded.Ref) == "" {
		return "", Permanent("builder response missing ref", nil)
	}
	return decoded.Ref, nil
}
