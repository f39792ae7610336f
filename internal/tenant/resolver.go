package tenant

import (
	"context"
	"errors"
	"sync"
)

// Enterprise is the tenant an event's token resolves to, with the recipient
// channels that should receive human notifications for its calls.
type Enterprise struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Channels []string `json:"channels"`
}

// ErrUnknownTenant means the token is syntactically fine but maps to no
// known enterprise. Such events are still accepted for audit; they just
// produce no notifications.
var ErrUnknownTenant = errors.New("tenant: unknown token")

// Resolver maps an opaque event token onto an enterprise. The real
// implementation lives with enterprise configuration management, which is an
// external collaborator; the engine only depends on this contract.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Enterprise, error)
}

// MemoryResolver is a static in-process resolver for tests and single-tenant
// deployments.
type MemoryResolver struct {
	mu      sync.RWMutex
	byToken map[string]Enterprise
}

func NewMemoryResolver() *MemoryResolver {
	return &MemoryResolver{byToken: make(map[string]Enterprise)}
}

func (r *MemoryResolver) Register(token string, e Enterprise) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byToken[token] = e
}

func (r *MemoryResolver) Resolve(ctx context.Context, token string) (Enterprise, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byToken[token]
	if !ok {
		return Enterprise{}, ErrUnknownTenant
	}
	return e, nil
}
