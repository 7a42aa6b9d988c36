// Package deploy contains the outbound deployment provider adapters. A
// provider accepts a build request and returns its own reference for the run;
// the outcome arrives later on the webhook surface.
package deploy

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Request describes one run handed to a provider.
type Request struct {
	DeploymentID string `json:"deployment_id"`
	ProjectID    string `json:"project_id"`
	ProjectSlug  string `json:"project_slug,omitempty"`
	Version      string `json:"version"`
	Environment  string `json:"environment"`
	CommitRef    string `json:"commit_ref,omitempty"`
}

// Provider launches a deployment run on an external builder.
type Provider interface {
	Name() string

	// Deploy starts the run and returns the provider's reference for it.
	Deploy(ctx context.Context, req Request) (string, error)
}

var ErrProviderNotFound = errors.New("provider_not_found")

// Error classifies a provider failure. Transient failures are retried with
// backoff; permanent ones fail the run immediately.
type Error struct {
	message   string
	transient bool
	cause     error
}

func (e *Error) Error() string { return e.message }
func (e *Error) Unwrap() error { return e.cause }

func Transient(message string, cause error) error {
	return &Error{message: message, transient: true, cause: cause}
}

func Permanent(message string, cause error) error {
	return &Error{message: message, transient: false, cause: cause}
}

// IsTransient reports whether err is worth retrying. Unknown errors (network
// failures, timeouts) are treated as transient.
func IsTransient(err error) bool {
	var providerErr *Error
	if errors.As(err, &providerErr) {
		return providerErr.transient
	}
	return true
}

// Registry holds the configured providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

func (r *Registry) Register(provider Provider) {
	if provider == nil {
		return
	}
	name := strings.ToLower(strings.TrimSpace(provider.Name()))
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = provider
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return provider, nil
}
