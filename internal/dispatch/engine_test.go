package dispatch

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upranked/call-dispatch-service/internal/domain"
)

// fakePool is an in-memory AgentPool with per-pool cursors.
type fakePool struct {
	agents  []*domain.AgentPresence
	cursors map[string]int64
	routes  map[string]string
	listErr error
}

func newFakePool(agents ...*domain.AgentPresence) *fakePool {
	return &fakePool{
		agents:  agents,
		cursors: make(map[string]int64),
		routes:  make(map[string]string),
	}
}

func (f *fakePool) ListFreeAgents(_ context.Context, organizationID string) ([]*domain.AgentPresence, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*domain.AgentPresence
	for _, a := range f.agents {
		if a.Status != domain.AgentStatusFree {
			continue
		}
		if organizationID == "" || a.OrganizationID == organizationID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (f *fakePool) NextCursorIndex(_ context.Context, pool string, size int) (int, error) {
	f.cursors[pool]++
	return int((f.cursors[pool] - 1) % int64(size)), nil
}

func (f *fakePool) LookupRoute(_ context.Context, calledNumber string) (string, bool, error) {
	v, ok := f.routes[calledNumber]
	return v, ok, nil
}

func (f *fakePool) CacheRoute(_ context.Context, calledNumber, organizationID string) error {
	f.routes[calledNumber] = organizationID
	return nil
}

type fakeSubscriptions struct {
	byNumber map[string]*domain.Subscription
	err      error
	lookups  int
}

func (f *fakeSubscriptions) GetActiveByNumber(_ context.Context, number string) (*domain.Subscription, error) {
	f.lookups++
	if f.err != nil {
		return nil, f.err
	}
	return f.byNumber[number], nil
}

func (f *fakeSubscriptions) GetActiveByOrganization(_ context.Context, orgID string) (*domain.Subscription, error) {
	for _, s := range f.byNumber {
		if s.OrganizationID == orgID {
			return s, nil
		}
	}
	return nil, nil
}

func freeAgent(id, org string) *domain.AgentPresence {
	return &domain.AgentPresence{AgentID: id, Status: domain.AgentStatusFree, OrganizationID: org}
}

func TestSelectAgent_RoundRobinVisitsEachAgentOnce(t *testing.T) {
	pool := newFakePool(freeAgent("a1", "org1"), freeAgent("a2", "org1"), freeAgent("a3", "org1"))
	e := NewEngine(pool, nil)

	seen := make(map[string]int)
	for i := 0; i < 3; i++ {
		agent, err := e.SelectAgent(context.Background(), "org1")
		require.NoError(t, err)
		require.NotNil(t, agent)
		seen[agent.AgentID]++
	}

	assert.Len(t, seen, 3, "three selections over three agents hit each exactly once")
	for id, count := range seen {
		assert.Equal(t, 1, count, "agent %s", id)
	}
}

func TestSelectAgent_WrapsAroundTheRing(t *testing.T) {
	pool := newFakePool(freeAgent("a1", "org1"), freeAgent("a2", "org1"))
	e := NewEngine(pool, nil)

	var order []string
	for i := 0; i < 4; i++ {
		agent, err := e.SelectAgent(context.Background(), "org1")
		require.NoError(t, err)
		order = append(order, agent.AgentID)
	}
	assert.Equal(t, []string{"a1", "a2", "a1", "a2"}, order)
}

func TestSelectAgent_FallsBackToGlobalPool(t *testing.T) {
	pool := newFakePool(freeAgent("g1", "other-org"))
	e := NewEngine(pool, nil)

	agent, err := e.SelectAgent(context.Background(), "org1")
	require.NoError(t, err)
	require.NotNil(t, agent)
	assert.Equal(t, "g1", agent.AgentID)
}

func TestSelectAgent_OrgPoolPreferredOverGlobal(t *testing.T) {
	pool := newFakePool(freeAgent("mine", "org1"), freeAgent("theirs", "org2"))
	e := NewEngine(pool, nil)

	agent, err := e.SelectAgent(context.Background(), "org1")
	require.NoError(t, err)
	assert.Equal(t, "mine", agent.AgentID)
}

func TestSelectAgent_NoAgentsAnywhere(t *testing.T) {
	e := NewEngine(newFakePool(), nil)

	agent, err := e.SelectAgent(context.Background(), "org1")
	require.NoError(t, err)
	assert.Nil(t, agent, "empty pools select nothing without error")
}

func TestSelectAgent_BusyAgentsExcluded(t *testing.T) {
	busy := &domain.AgentPresence{AgentID: "b1", Status: domain.AgentStatusBusy, OrganizationID: "org1"}
	pool := newFakePool(busy, freeAgent("f1", "org1"))
	e := NewEngine(pool, nil)

	for i := 0; i < 3; i++ {
		agent, err := e.SelectAgent(context.Background(), "org1")
		require.NoError(t, err)
		assert.Equal(t, "f1", agent.AgentID)
	}
}

func TestSelectAgent_ListErrorPropagates(t *testing.T) {
	pool := newFakePool()
	pool.listErr = errors.New("store unavailable")
	e := NewEngine(pool, nil)

	_, err := e.SelectAgent(context.Background(), "org1")
	assert.Error(t, err)
}

func TestResolveOrganization_SubscriptionLookupAndCache(t *testing.T) {
	pool := newFakePool()
	subs := &fakeSubscriptions{byNumber: map[string]*domain.Subscription{
		"+15550001111": {OrganizationID: "org1", PurchasedNumber: "+15550001111"},
	}}
	e := NewEngine(pool, subs)

	orgID, err := e.ResolveOrganization(context.Background(), "+15550001111")
	require.NoError(t, err)
	assert.Equal(t, "org1", orgID)
	assert.Equal(t, 1, subs.lookups)

	// Second resolution served from the cache.
	orgID, err = e.ResolveOrganization(context.Background(), "+15550001111")
	require.NoError(t, err)
	assert.Equal(t, "org1", orgID)
	assert.Equal(t, 1, subs.lookups)
}

func TestResolveOrganization_NegativeLookupCached(t *testing.T) {
	pool := newFakePool()
	subs := &fakeSubscriptions{byNumber: map[string]*domain.Subscription{}}
	e := NewEngine(pool, subs)

	orgID, err := e.ResolveOrganization(context.Background(), "+15559990000")
	require.NoError(t, err)
	assert.Empty(t, orgID)
	assert.Equal(t, 1, subs.lookups)

	// The miss is cached too; the database is not hit again.
	orgID, err = e.ResolveOrganization(context.Background(), "+15559990000")
	require.NoError(t, err)
	assert.Empty(t, orgID)
	assert.Equal(t, 1, subs.lookups)
}

func TestResolveOrganization_NoDatabase(t *testing.T) {
	e := NewEngine(newFakePool(), nil)

	orgID, err := e.ResolveOrganization(context.Background(), "+15550001111")
	require.NoError(t, err)
	assert.Empty(t, orgID)
}

func TestResolveOrganization_DatabaseErrorPropagates(t *testing.T) {
	subs := &fakeSubscriptions{err: errors.New("connection refused")}
	e := NewEngine(newFakePool(), subs)

	_, err := e.ResolveOrganization(context.Background(), "+15550001111")
	assert.Error(t, err)
}

func TestCallerIDForOrganization(t *testing.T) {
	subs := &fakeSubscriptions{byNumber: map[string]*domain.Subscription{
		"+15550001111": {OrganizationID: "org1", PurchasedNumber: "+15550001111"},
		"+15550002222": {OrganizationID: "org2", PurchasedNumber: "+15550002222", CallerIDNumber: "+15557770000"},
	}}
	e := NewEngine(newFakePool(), subs)

	number, err := e.CallerIDForOrganization(context.Background(), "org1")
	require.NoError(t, err)
	assert.Equal(t, "+15550001111", number, "purchased number when no dedicated caller id")

	number, err = e.CallerIDForOrganization(context.Background(), "org2")
	require.NoError(t, err)
	assert.Equal(t, "+15557770000", number, "dedicated caller id wins")

	number, err = e.CallerIDForOrganization(context.Background(), "org3")
	require.NoError(t, err)
	assert.Empty(t, number)
}

func TestCallerIDForOrganization_NoDatabase(t *testing.T) {
	e := NewEngine(newFakePool(), nil)

	number, err := e.CallerIDForOrganization(context.Background(), "org1")
	require.NoError(t, err)
	assert.Empty(t, number)
}
