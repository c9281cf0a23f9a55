package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/upranked/call-dispatch-service/internal/domain"
	"github.com/upranked/call-dispatch-service/pkg/logger"
)

// Key prefixes and TTLs. All instances share one keyspace; the store is the
// single source of cross-instance truth.
const (
	agentKeyPrefix  = "agent:"
	callKeyPrefix   = "call:"
	routeKeyPrefix  = "route:"
	cursorKeyPrefix = "rr:"

	// BroadcastChannel carries cross-instance relay messages.
	BroadcastChannel = "dispatch:broadcast"

	// GlobalPool is the cursor key suffix for the organization-less pool.
	GlobalPool = "global"

	PresenceTTL     = 1 * time.Hour
	ActiveCallTTL   = 2 * time.Hour
	RoutingCacheTTL = 300 * time.Second
	cursorTTL       = 1 * time.Hour

	// routeNone is the negative-lookup sentinel cached for numbers with no
	// active subscription, so misses are not re-queried for every call.
	routeNone = "none"
)

// ErrNotFound is returned when a key does not exist. Any other error means
// availability unknown; callers must not treat it as absence.
var ErrNotFound = errors.New("store: key not found")

// Config holds Redis connection configuration.
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// PresenceStore wraps the shared Redis keyspace holding agent presence,
// active calls, round-robin cursors and the routing cache.
type PresenceStore struct {
	client *redis.Client
}

// NewPresenceStore connects to Redis and verifies the connection.
func NewPresenceStore(cfg *Config) (*PresenceStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &PresenceStore{client: client}, nil
}

// Ping checks store availability.
func (s *PresenceStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *PresenceStore) Close() error {
	return s.client.Close()
}

// --- Agent presence ---

// SetAgent writes a presence record, refreshing its last-activity timestamp
// and idle TTL.
func (s *PresenceStore) SetAgent(ctx context.Context, p *domain.AgentPresence) error {
	p.LastActivity = time.Now().UTC()
	data, err := domain.EncodePresence(p)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, agentKeyPrefix+p.AgentID, data, PresenceTTL).Err()
}

// GetAgent reads a presence record, returning ErrNotFound when absent.
func (s *PresenceStore) GetAgent(ctx context.Context, agentID string) (*domain.AgentPresence, error) {
	val, err := s.client.Get(ctx, agentKeyPrefix+agentID).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return domain.DecodePresence([]byte(val))
}

// DeleteAgent removes a presence record.
func (s *PresenceStore) DeleteAgent(ctx context.Context, agentID string) error {
	return s.client.Del(ctx, agentKeyPrefix+agentID).Err()
}

// UpdateAgentStatus transitions an agent's status, refreshing last activity
// and the TTL. Last writer wins; every status writer goes through here.
func (s *PresenceStore) UpdateAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus) error {
	p, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	p.Status = status
	return s.SetAgent(ctx, p)
}

// ListAgents returns every known presence record, sorted by agent id.
// Records that fail to decode are skipped and logged; a scan error aborts.
func (s *PresenceStore) ListAgents(ctx context.Context) ([]*domain.AgentPresence, error) {
	return s.scanAgents(ctx, func(*domain.AgentPresence) bool { return true })
}

// ListFreeAgents returns free agents, optionally scoped to an organization.
// An empty organizationID matches every free agent (the global pool). The
// result is sorted by agent id so the round-robin cursor walks a stable ring.
func (s *PresenceStore) ListFreeAgents(ctx context.Context, organizationID string) ([]*domain.AgentPresence, error) {
	return s.scanAgents(ctx, func(p *domain.AgentPresence) bool {
		if p.Status != domain.AgentStatusFree {
			return false
		}
		return organizationID == "" || p.OrganizationID == organizationID
	})
}

func (s *PresenceStore) scanAgents(ctx context.Context, keep func(*domain.AgentPresence) bool) ([]*domain.AgentPresence, error) {
	var agents []*domain.AgentPresence

	iter := s.client.Scan(ctx, 0, agentKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := s.client.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				continue // expired between scan and get
			}
			return nil, fmt.Errorf("scan agents: %w", err)
		}
		p, err := domain.DecodePresence([]byte(val))
		if err != nil {
			logger.Base().Warn("skipping corrupt presence record", zap.String("key", key), zap.Error(err))
			continue
		}
		if keep(p) {
			agents = append(agents, p)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan agents: %w", err)
	}

	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
	return agents, nil
}

// --- Active calls ---

// SetActiveCall writes the ephemeral record of a routed call.
func (s *PresenceStore) SetActiveCall(ctx context.Context, c *domain.ActiveCall) error {
	data, err := domain.EncodeActiveCall(c)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, callKeyPrefix+c.CallID, data, ActiveCallTTL).Err()
}

// GetActiveCall looks up an active call by carrier call id.
func (s *PresenceStore) GetActiveCall(ctx context.Context, callID string) (*domain.ActiveCall, error) {
	val, err := s.client.Get(ctx, callKeyPrefix+callID).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get active call %s: %w", callID, err)
	}
	return domain.DecodeActiveCall([]byte(val))
}

// RemoveActiveCall deletes the ephemeral record on terminal transition.
func (s *PresenceStore) RemoveActiveCall(ctx context.Context, callID string) error {
	return s.client.Del(ctx, callKeyPrefix+callID).Err()
}

// ListActiveCalls returns every in-flight call record.
func (s *PresenceStore) ListActiveCalls(ctx context.Context) ([]*domain.ActiveCall, error) {
	var calls []*domain.ActiveCall

	iter := s.client.Scan(ctx, 0, callKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		val, err := s.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("scan calls: %w", err)
		}
		c, err := domain.DecodeActiveCall([]byte(val))
		if err != nil {
			logger.Base().Warn("skipping corrupt call record", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		calls = append(calls, c)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan calls: %w", err)
	}
	return calls, nil
}

// --- Round-robin cursors ---

// NextCursorIndex atomically advances the round-robin cursor for a pool and
// maps it onto a list of the given size. The cursor is a hint, not a strict
// ring index: the pool composition can change between increments, so the
// value is reduced modulo the current size at selection time. INCR keeps
// concurrent dispatches from selecting the same index.
func (s *PresenceStore) NextCursorIndex(ctx context.Context, pool string, size int) (int, error) {
	if size <= 0 {
		return 0, fmt.Errorf("cursor pool %s: empty list", pool)
	}
	key := cursorKeyPrefix + pool
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("advance cursor %s: %w", pool, err)
	}
	s.client.Expire(ctx, key, cursorTTL)
	return int((n - 1) % int64(size)), nil
}

// --- Routing cache ---

// CacheRoute stores the number-to-organization mapping, including the
// explicit negative sentinel for numbers with no organization.
func (s *PresenceStore) CacheRoute(ctx context.Context, calledNumber, organizationID string) error {
	val := organizationID
	if val == "" {
		val = routeNone
	}
	return s.client.Set(ctx, routeKeyPrefix+calledNumber, val, RoutingCacheTTL).Err()
}

// LookupRoute consults the routing cache. found reports whether the cache
// held an entry at all; a cached negative lookup returns ("", true, nil).
func (s *PresenceStore) LookupRoute(ctx context.Context, calledNumber string) (organizationID string, found bool, err error) {
	val, err := s.client.Get(ctx, routeKeyPrefix+calledNumber).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup route %s: %w", calledNumber, err)
	}
	if val == routeNone {
		return "", true, nil
	}
	return val, true, nil
}

// --- Pub/sub ---

// Publish sends a raw payload on a named channel, fanning out to every
// subscribed instance.
func (s *PresenceStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

// Subscribe listens on a named channel and invokes handler for each message.
// The subscription runs until ctx is cancelled.
func (s *PresenceStore) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error {
	pubsub := s.client.Subscribe(ctx, channel)

	// Confirm the subscription before returning so callers can rely on it.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	return nil
}

// --- Stats ---

// SystemStats is an aggregate snapshot for health and admin endpoints.
type SystemStats struct {
	TotalAgents int       `json:"total_agents"`
	FreeAgents  int       `json:"free_agents"`
	BusyAgents  int       `json:"busy_agents"`
	ActiveCalls int       `json:"active_calls"`
	Timestamp   time.Time `json:"timestamp"`
}

// Stats scans the keyspace and aggregates agent and call counts.
func (s *PresenceStore) Stats(ctx context.Context) (*SystemStats, error) {
	agents, err := s.ListAgents(ctx)
	if err != nil {
		return nil, err
	}

	stats := &SystemStats{Timestamp: time.Now().UTC()}
	for _, a := range agents {
		stats.TotalAgents++
		switch a.Status {
		case domain.AgentStatusFree:
			stats.FreeAgents++
		case domain.AgentStatusBusy:
			stats.BusyAgents++
		}
	}

	calls := 0
	iter := s.client.Scan(ctx, 0, callKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		calls++
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("count calls: %w", err)
	}
	stats.ActiveCalls = calls
	return stats, nil
}
