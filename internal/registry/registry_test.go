package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upranked/call-dispatch-service/internal/domain"
	"github.com/upranked/call-dispatch-service/pkg/metrics"
)

type fakePresence struct {
	mu        sync.Mutex
	agents    map[string]*domain.AgentPresence
	published [][]byte
	handler   func([]byte)
}

func newFakePresence() *fakePresence {
	return &fakePresence{agents: make(map[string]*domain.AgentPresence)}
}

func (f *fakePresence) SetAgent(_ context.Context, p *domain.AgentPresence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.agents[p.AgentID] = &cp
	return nil
}

func (f *fakePresence) DeleteAgent(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.agents, agentID)
	return nil
}

func (f *fakePresence) Publish(_ context.Context, _ string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, payload)
	return nil
}

func (f *fakePresence) Subscribe(_ context.Context, _ string, handler func([]byte)) error {
	f.handler = handler
	return nil
}

func (f *fakePresence) has(agentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.agents[agentID]
	return ok
}

func (f *fakePresence) status(agentID string) domain.AgentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.agents[agentID]; ok {
		return p.Status
	}
	return ""
}

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	fail   bool
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) lastMessage(t *testing.T) *domain.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.frames)
	var msg domain.Message
	require.NoError(t, json.Unmarshal(c.frames[len(c.frames)-1], &msg))
	return &msg
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestRegistry() (*SessionRegistry, *fakePresence) {
	presence := newFakePresence()
	return NewSessionRegistry("instance-a", presence, nil, metrics.New()), presence
}

func register(t *testing.T, r *SessionRegistry, agentID, sessionID string, conn Conn) {
	t.Helper()
	err := r.Register(context.Background(), agentID, sessionID, conn, &domain.AgentPresence{
		AgentID: agentID,
		Status:  domain.AgentStatusFree,
	})
	require.NoError(t, err)
}

func TestRegister_MarksAgentFreeWithInstance(t *testing.T) {
	r, presence := newTestRegistry()
	register(t, r, "agent-1", "sess-1", &fakeConn{})

	assert.True(t, r.HasLocal("agent-1"))
	p := presence.agents["agent-1"]
	require.NotNil(t, p)
	assert.Equal(t, domain.AgentStatusFree, p.Status)
	assert.Equal(t, "instance-a", p.InstanceID)
	assert.Equal(t, "sess-1", p.SessionID)
}

func TestRegister_LastRegistrationWins(t *testing.T) {
	r, _ := newTestRegistry()
	old := &fakeConn{}
	register(t, r, "agent-1", "sess-1", old)

	replacement := &fakeConn{}
	register(t, r, "agent-1", "sess-2", replacement)

	assert.True(t, old.isClosed(), "replaced connection is closed")
	assert.Equal(t, 1, r.LocalCount())

	// Messages go to the replacement.
	msg, _ := domain.NewMessage(domain.MsgPong, nil)
	require.NoError(t, r.SendToAgent(context.Background(), "agent-1", msg))
	assert.NotEmpty(t, replacement.frames)
}

func TestRegister_SameConnectionIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry()
	conn := &fakeConn{}
	register(t, r, "agent-1", "sess-1", conn)
	register(t, r, "agent-1", "sess-1", conn)

	assert.False(t, conn.isClosed())
	assert.Equal(t, 1, r.LocalCount())
}

func TestSendToAgent_LocalDelivery(t *testing.T) {
	r, presence := newTestRegistry()
	conn := &fakeConn{}
	register(t, r, "agent-1", "sess-1", conn)

	msg, err := domain.NewMessage(domain.MsgIncomingCall, domain.IncomingCallPayload{CallID: "CA1"})
	require.NoError(t, err)
	require.NoError(t, r.SendToAgent(context.Background(), "agent-1", msg))

	got := conn.lastMessage(t)
	assert.Equal(t, domain.MsgIncomingCall, got.Type)
	assert.Empty(t, got.TargetAgent, "local frames carry no relay envelope")
	assert.Empty(t, presence.published, "local delivery does not publish")
}

func TestSendToAgent_RemoteAgentRelayed(t *testing.T) {
	r, presence := newTestRegistry()

	msg, err := domain.NewMessage(domain.MsgIncomingCall, domain.IncomingCallPayload{CallID: "CA1"})
	require.NoError(t, err)
	require.NoError(t, r.SendToAgent(context.Background(), "elsewhere", msg))

	require.Len(t, presence.published, 1)
	var relayed domain.Message
	require.NoError(t, json.Unmarshal(presence.published[0], &relayed))
	assert.Equal(t, "elsewhere", relayed.TargetAgent)
	assert.Equal(t, domain.MsgIncomingCall, relayed.Type)
}

func TestSendToAgent_WriteFailureTearsDownSession(t *testing.T) {
	r, presence := newTestRegistry()
	conn := &fakeConn{fail: true}
	register(t, r, "agent-1", "sess-1", conn)

	msg, _ := domain.NewMessage(domain.MsgPong, nil)
	err := r.SendToAgent(context.Background(), "agent-1", msg)
	assert.Error(t, err)
	assert.False(t, r.HasLocal("agent-1"))
	assert.False(t, presence.has("agent-1"), "failed session leaves no presence behind")
}

func TestUnregister_RemovesPresence(t *testing.T) {
	r, presence := newTestRegistry()
	conn := &fakeConn{}
	register(t, r, "agent-1", "sess-1", conn)
	require.True(t, presence.has("agent-1"))

	r.Unregister(context.Background(), "agent-1", conn)

	assert.False(t, r.HasLocal("agent-1"))
	assert.True(t, conn.isClosed())
	assert.False(t, presence.has("agent-1"),
		"presence is removed on disconnect, not left to expire")
}

func TestUnregister_StaleConnectionIsNoOp(t *testing.T) {
	r, presence := newTestRegistry()
	old := &fakeConn{}
	register(t, r, "agent-1", "sess-1", old)
	replacement := &fakeConn{}
	register(t, r, "agent-1", "sess-2", replacement)

	// The old connection's deferred cleanup fires after replacement; it must
	// not tear down the new session.
	r.Unregister(context.Background(), "agent-1", old)

	assert.True(t, r.HasLocal("agent-1"))
	assert.Equal(t, domain.AgentStatusFree, presence.status("agent-1"))
}

func TestBroadcast_DeliversToLocalTarget(t *testing.T) {
	r, presence := newTestRegistry()
	require.NoError(t, r.Start(context.Background()))

	conn := &fakeConn{}
	register(t, r, "agent-1", "sess-1", conn)

	relay := domain.Message{Type: domain.MsgCallEnded, TargetAgent: "agent-1"}
	payload, _ := json.Marshal(&relay)
	presence.handler(payload)

	got := conn.lastMessage(t)
	assert.Equal(t, domain.MsgCallEnded, got.Type)
	assert.Empty(t, got.TargetAgent)
}

func TestBroadcast_IgnoresRemoteTargets(t *testing.T) {
	r, presence := newTestRegistry()
	require.NoError(t, r.Start(context.Background()))

	conn := &fakeConn{}
	register(t, r, "agent-1", "sess-1", conn)
	before := len(conn.frames)

	relay := domain.Message{Type: domain.MsgCallEnded, TargetAgent: "someone-else"}
	payload, _ := json.Marshal(&relay)
	presence.handler(payload)

	assert.Len(t, conn.frames, before, "frames for other agents are not delivered here")
}

func TestSnapshot(t *testing.T) {
	r, _ := newTestRegistry()
	register(t, r, "agent-1", "sess-1", &fakeConn{})
	register(t, r, "agent-2", "sess-2", &fakeConn{})

	infos := r.Snapshot()
	require.Len(t, infos, 2)
	ids := map[string]bool{}
	for _, info := range infos {
		ids[info.AgentID] = true
		assert.NotEmpty(t, info.SessionID)
		assert.False(t, info.ConnectedAt.IsZero())
	}
	assert.True(t, ids["agent-1"])
	assert.True(t, ids["agent-2"])
}
