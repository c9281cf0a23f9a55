// Package dispatch selects the agent for an inbound call. Selection reads the
// shared presence store so every instance sees one consistent pool, and the
// round-robin cursor lives in the store so concurrent dispatches across
// instances do not pick the same agent index.
package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/upranked/call-dispatch-service/internal/domain"
	"github.com/upranked/call-dispatch-service/internal/repository"
	"github.com/upranked/call-dispatch-service/internal/store"
	"github.com/upranked/call-dispatch-service/pkg/logger"
)

// AgentPool is the slice of presence-store behaviour the engine needs.
type AgentPool interface {
	ListFreeAgents(ctx context.Context, organizationID string) ([]*domain.AgentPresence, error)
	NextCursorIndex(ctx context.Context, pool string, size int) (int, error)
	LookupRoute(ctx context.Context, calledNumber string) (organizationID string, found bool, err error)
	CacheRoute(ctx context.Context, calledNumber, organizationID string) error
}

// Engine resolves called numbers to organizations and picks agents
// round-robin from the organization pool, falling back to the global pool.
type Engine struct {
	pool          AgentPool
	subscriptions repository.SubscriptionRepository
}

// NewEngine wires the engine to the presence store and the subscription
// repository. subscriptions may be nil when no durable database is attached;
// resolution then relies on the cache alone.
func NewEngine(pool AgentPool, subscriptions repository.SubscriptionRepository) *Engine {
	return &Engine{pool: pool, subscriptions: subscriptions}
}

// ResolveOrganization maps a called number to its owning organization.
// Results, including misses, are cached with a short TTL so the database is
// not consulted for every call. An empty return means the number belongs to
// no organization and the call dispatches from the global pool.
func (e *Engine) ResolveOrganization(ctx context.Context, calledNumber string) (string, error) {
	orgID, found, err := e.pool.LookupRoute(ctx, calledNumber)
	if err != nil {
		return "", err
	}
	if found {
		return orgID, nil
	}

	orgID = ""
	if e.subscriptions != nil {
		sub, err := e.subscriptions.GetActiveByNumber(ctx, calledNumber)
		if err != nil {
			return "", err
		}
		if sub != nil {
			orgID = sub.OrganizationID
		}
	}

	if err := e.pool.CacheRoute(ctx, calledNumber, orgID); err != nil {
		// Cache failure only costs the next lookup; the resolution stands.
		logger.Base().Warn("failed to cache route",
			zap.String("called_number", calledNumber), zap.Error(err))
	}
	return orgID, nil
}

// SelectAgent picks the next free agent for an organization. When the
// organization pool is empty the global pool is tried; when both are empty
// it returns nil with no error and the caller declines the call.
func (e *Engine) SelectAgent(ctx context.Context, organizationID string) (*domain.AgentPresence, error) {
	if organizationID != "" {
		agent, err := e.pickFrom(ctx, organizationID, organizationID)
		if err != nil {
			return nil, err
		}
		if agent != nil {
			return agent, nil
		}
		logger.Base().Info("organization pool empty, falling back to global pool",
			zap.String("organization_id", organizationID))
	}
	return e.pickFrom(ctx, "", store.GlobalPool)
}

// CallerIDForOrganization returns the organization's registered number, used
// as the caller ID on outbound dials. Returns empty when the organization has
// no active subscription.
func (e *Engine) CallerIDForOrganization(ctx context.Context, organizationID string) (string, error) {
	if e.subscriptions == nil || organizationID == "" {
		return "", nil
	}
	sub, err := e.subscriptions.GetActiveByOrganization(ctx, organizationID)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return "", nil
	}
	if sub.CallerIDNumber != "" {
		return sub.CallerIDNumber, nil
	}
	return sub.PurchasedNumber, nil
}

// pickFrom lists the free agents for a pool and advances that pool's cursor.
func (e *Engine) pickFrom(ctx context.Context, organizationID, cursorPool string) (*domain.AgentPresence, error) {
	agents, err := e.pool.ListFreeAgents(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, nil
	}

	idx, err := e.pool.NextCursorIndex(ctx, cursorPool, len(agents))
	if err != nil {
		return nil, err
	}
	return agents[idx], nil
}
