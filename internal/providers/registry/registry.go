// Package registry looks company records up in an external CNPJ-style
// registry. Lookup failures for unknown or rejected ids are reported in-band,
// not as errors; only transport problems surface as errors.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/siteforge/siteforge/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Result is the structured lookup outcome. Success=false with ErrorMessage is
// a normal answer for an unknown or invalid id.
type Result struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
	RegistryID   string `json:"registry_id"`
	Name         string `json:"name,omitempty"`
	TradeName    string `json:"trade_name,omitempty"`
	Status       string `json:"status,omitempty"`
	OpenedAt     string `json:"opened_at,omitempty"`
}

type Lookup interface {
	Lookup(ctx context.Context, registryID string) (Result, error)
}

var ErrInvalidRegistryID = errors.New("invalid_registry_id")

type Client struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

type Config struct {
	BaseURL string
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
		log:     log.Named("providers.registry"),
	}
}

type registryResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Name     string `json:"nome"`
	Fantasia string `json:"fantasia"`
	Situacao string `json:"situacao"`
	Abertura string `json:"abertura"`
}

func (c *Client) Lookup(ctx context.Context, registryID string) (Result, error) {
	id := normalize(registryID)
	if !validChecksum(id) {
		return Result{
			Success:      false,
			ErrorMessage: "invalid registry id",
			RegistryID:   id,
		}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+id, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("registry lookup returned %d", resp.StatusCode)
	}

	var decoded registryResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Result{}, err
	}
	if !strings.EqualFold(decoded.Status, "OK") {
		message := strings.TrimSpace(decoded.Message)
		if message == "" {
			message = "registry rejected the lookup"
		}
		return Result{
			Success:      false,
			ErrorMessage: message,
			RegistryID:   id,
		}, nil
	}

	return Result{
		Success:    true,
		RegistryID: id,
		Name:       strings.TrimSpace(decoded.Name),
		TradeName:  strings.TrimSpace(decoded.Fantasia),
		Status:     strings.TrimSpace(decoded.Situacao),
		OpenedAt:   strings.TrimSpace(decoded.Abertura),
	}, nil
}

func normalize(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// validChecksum verifies the two CNPJ check digits over the 14-digit id.
func validChecksum(id string) bool {
	if len(id) != 14 {
		return false
	}
	same := true
	for i := 1; i < len(id); i++ {
		if id[i] != id[0] {
			same = false
			break
		}
	}
	if same {
		return false
	}

	digits := make([]int, 14)
	for i, r := range id {
		digits[i] = int(r - '0')
	}

	first := checkDigit(digits[:12], []int{5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2})
	if digits[12] != first {
		return false
	}
	second := checkDigit(digits[:13], []int{6, 5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2})
	return digits[13] == second
}

func checkDigit(digits, weights []int) int {
	sum := 0
	for i, digit := range digits {
		sum += digit * weights[i]
	}
	remainder := sum % 11
	if remainder < 2 {
		return 0
	}
	return 11 - remainder
}

func provideLookup(cfg config.Config, log *zap.Logger) Lookup {
	return NewClient(Config{BaseURL: cfg.RegistryLookupURL}, log)
}

var Module = fx.Module("providers.registry",
	fx.Provide(provideLookup),
)
