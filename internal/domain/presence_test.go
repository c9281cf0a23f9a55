package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidAgentStatus(t *testing.T) {
	assert.True(t, ValidAgentStatus(AgentStatusFree))
	assert.True(t, ValidAgentStatus(AgentStatusBusy))
	assert.True(t, ValidAgentStatus(AgentStatusOffline))
	assert.False(t, ValidAgentStatus("away"))
	assert.False(t, ValidAgentStatus(""))
}

func TestDecodePresence_RoundTrip(t *testing.T) {
	p := &AgentPresence{
		AgentID:        "agent-1",
		Status:         AgentStatusFree,
		OrganizationID: "org1",
		InstanceID:     "dispatch-1",
		SessionID:      "sess-1",
		SIPUsername:    "sip_agent_1",
		LastActivity:   time.Now().UTC().Truncate(time.Second),
	}

	data, err := EncodePresence(p)
	require.NoError(t, err)

	decoded, err := DecodePresence(data)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func TestDecodePresence_RejectsCorruptRecords(t *testing.T) {
	_, err := DecodePresence([]byte("{not json"))
	assert.Error(t, err)

	_, err = DecodePresence([]byte(`{"status":"free"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent_id")

	_, err = DecodePresence([]byte(`{"agent_id":"agent-1","status":"away"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid status")
}

func TestDecodeActiveCall_RejectsIncompleteRecords(t *testing.T) {
	_, err := DecodeActiveCall([]byte(`{"agent_id":"agent-1","status":"routing"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "call_id")

	_, err = DecodeActiveCall([]byte(`{"call_id":"CA100","status":"routing"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent_id")
}

func TestDecodeActiveCall_RoundTrip(t *testing.T) {
	c := &ActiveCall{
		CallID:       "CA100",
		CallerNumber: "+15550001111",
		CalledNumber: "+15552223333",
		AgentID:      "agent-1",
		Status:       ActiveCallRouting,
		InstanceID:   "dispatch-1",
		RoutedAt:     time.Now().UTC().Truncate(time.Second),
	}

	data, err := EncodeActiveCall(c)
	require.NoError(t, err)

	decoded, err := DecodeActiveCall(data)
	require.NoError(t, err)
	assert.Equal(t, c, decoded)
}

func TestTerminalCallStatus(t *testing.T) {
	for _, s := range []CallStatus{CallStatusCompleted, CallStatusBusy, CallStatusFailed, CallStatusNoAnswer, CallStatusCanceled} {
		assert.True(t, TerminalCallStatus(s), string(s))
	}
	assert.False(t, TerminalCallStatus(CallStatusInitiated))
	assert.False(t, TerminalCallStatus("ringing"))
}
