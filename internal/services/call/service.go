// Package call implements the call lifecycle: admission of inbound carrier
// webhooks, round-robin routing to an agent, terminal status handling and the
// periodic reconciliation sweep that frees agents orphaned by missed
// callbacks.
package call

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upranked/call-dispatch-service/internal/config"
	"github.com/upranked/call-dispatch-service/internal/domain"
	"github.com/upranked/call-dispatch-service/internal/repository"
	"github.com/upranked/call-dispatch-service/internal/resilience"
	"github.com/upranked/call-dispatch-service/internal/store"
	"github.com/upranked/call-dispatch-service/pkg/logger"
	"github.com/upranked/call-dispatch-service/pkg/metrics"
)

// Store is the slice of presence-store behaviour the lifecycle needs.
type Store interface {
	GetAgent(ctx context.Context, agentID string) (*domain.AgentPresence, error)
	UpdateAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus) error
	ListAgents(ctx context.Context) ([]*domain.AgentPresence, error)
	SetActiveCall(ctx context.Context, c *domain.ActiveCall) error
	GetActiveCall(ctx context.Context, callID string) (*domain.ActiveCall, error)
	RemoveActiveCall(ctx context.Context, callID string) error
	ListActiveCalls(ctx context.Context) ([]*domain.ActiveCall, error)
}

// Selector resolves organizations and picks agents.
type Selector interface {
	ResolveOrganization(ctx context.Context, calledNumber string) (string, error)
	SelectAgent(ctx context.Context, organizationID string) (*domain.AgentPresence, error)
	CallerIDForOrganization(ctx context.Context, organizationID string) (string, error)
}

// Notifier delivers messages to agents wherever they are attached.
type Notifier interface {
	SendToAgent(ctx context.Context, agentID string, msg *domain.Message) error
}

// InboundCall is the parsed inbound-call webhook.
type InboundCall struct {
	CallID       string
	CallerNumber string
	CalledNumber string
}

// DialOutcome is the parsed dial-status webhook posted when the agent leg
// ends.
type DialOutcome struct {
	CallID          string
	AgentID         string
	DialStatus      string
	DurationSeconds string
}

// Service implements the call lifecycle state machine. All transitions on a
// durable record happen under a per-call lock; terminal records accept no
// further transitions, so duplicate carrier callbacks are no-ops.
type Service struct {
	cfg      *config.Config
	store    Store
	selector Selector
	notifier Notifier
	records  repository.CallRecordRepository
	profiles repository.AgentProfileRepository
	health   *resilience.HealthMonitor
	breaker  *resilience.Breaker
	metrics  *metrics.Metrics

	locksMu   sync.Mutex
	callLocks map[string]*callLock
}

type callLock struct {
	mu   sync.Mutex
	refs int
}

// NewService wires the lifecycle manager. records and profiles may be nil
// when no durable database is attached.
func NewService(
	cfg *config.Config,
	st Store,
	selector Selector,
	notifier Notifier,
	records repository.CallRecordRepository,
	profiles repository.AgentProfileRepository,
	health *resilience.HealthMonitor,
	breaker *resilience.Breaker,
	m *metrics.Metrics,
) *Service {
	return &Service{
		cfg:       cfg,
		store:     st,
		selector:  selector,
		notifier:  notifier,
		records:   records,
		profiles:  profiles,
		health:    health,
		breaker:   breaker,
		metrics:   m,
		callLocks: make(map[string]*callLock),
	}
}

// HandleInboundCall admits an inbound call and returns the TwiML the carrier
// should execute. Every path returns valid TwiML; routing failures decline
// the call rather than surfacing an HTTP error to the carrier.
func (s *Service) HandleInboundCall(ctx context.Context, in *InboundCall) string {
	logger.Base().Info("incoming call",
		zap.String("call_id", in.CallID),
		zap.String("caller", in.CallerNumber),
		zap.String("called", in.CalledNumber))

	if !s.health.Healthy() {
		logger.Base().Error("declining call, backends unhealthy", zap.String("call_id", in.CallID))
		s.metrics.IncCalls("backend_unhealthy")
		return declineTwiML(msgTechnicalDifficulties)
	}

	s.metrics.IncCalls("incoming")

	var (
		orgID string
		agent *domain.AgentPresence
	)
	err := s.breaker.Execute(func() error {
		var err error
		orgID, err = s.selector.ResolveOrganization(ctx, in.CalledNumber)
		if err != nil {
			return err
		}
		agent, err = s.selector.SelectAgent(ctx, orgID)
		return err
	})
	if err != nil {
		if errors.Is(err, resilience.ErrBreakerOpen) {
			logger.Base().Error("declining call, dispatch breaker open", zap.String("call_id", in.CallID))
		} else {
			logger.Base().Error("dispatch failed", zap.String("call_id", in.CallID), zap.Error(err))
		}
		s.metrics.IncCalls("error")
		return declineTwiML(msgTechnicalDifficulties)
	}

	if agent == nil {
		logger.Base().Warn("no agents available", zap.String("call_id", in.CallID))
		s.metrics.IncCalls("no_agent")
		return declineTwiML(msgAllAgentsBusy)
	}

	if err := s.routeToAgent(ctx, in, orgID, agent); err != nil {
		logger.Base().Error("failed to route call",
			zap.String("call_id", in.CallID),
			zap.String("agent_id", agent.AgentID),
			zap.Error(err))
		// Undo the busy mark so the agent is not stranded.
		s.releaseAgent(ctx, agent.AgentID)
		s.metrics.IncCalls("error")
		return declineTwiML(msgTechnicalDifficulties)
	}

	s.metrics.ActiveCalls.Add(1)
	logger.Base().Info("call routed",
		zap.String("call_id", in.CallID),
		zap.String("agent_id", agent.AgentID),
		zap.String("organization_id", orgID))

	return s.connectTwiML(in, agent)
}

// routeToAgent marks the agent busy, records the in-flight call in the store
// and the durable log, and notifies the agent's client.
func (s *Service) routeToAgent(ctx context.Context, in *InboundCall, orgID string, agent *domain.AgentPresence) error {
	if err := s.store.UpdateAgentStatus(ctx, agent.AgentID, domain.AgentStatusBusy); err != nil {
		return fmt.Errorf("mark agent busy: %w", err)
	}
	if s.profiles != nil {
		if err := s.profiles.UpdateStatus(ctx, agent.AgentID, domain.AgentStatusBusy); err != nil {
			logger.Base().Warn("failed to persist busy status",
				zap.String("agent_id", agent.AgentID), zap.Error(err))
		}
	}

	now := time.Now().UTC()
	active := &domain.ActiveCall{
		CallID:         in.CallID,
		CallerNumber:   in.CallerNumber,
		CalledNumber:   in.CalledNumber,
		OrganizationID: orgID,
		AgentID:        agent.AgentID,
		Status:         domain.ActiveCallRouting,
		InstanceID:     s.cfg.InstanceID,
		RoutedAt:       now,
	}
	if err := s.store.SetActiveCall(ctx, active); err != nil {
		return fmt.Errorf("record active call: %w", err)
	}

	if s.records != nil {
		record := &domain.CallRecord{
			ID:             uuid.New().String(),
			CallID:         in.CallID,
			CallerNumber:   in.CallerNumber,
			CalledNumber:   in.CalledNumber,
			OrganizationID: orgID,
			AgentID:        agent.AgentID,
			Status:         domain.CallStatusInitiated,
			InstanceID:     s.cfg.InstanceID,
			StartedAt:      now,
		}
		if err := s.records.Create(ctx, record); err != nil {
			logger.Base().Warn("failed to create call record",
				zap.String("call_id", in.CallID), zap.Error(err))
		}
	}

	payload := domain.IncomingCallPayload{
		CallID:         in.CallID,
		CallerNumber:   in.CallerNumber,
		CalledNumber:   in.CalledNumber,
		OrganizationID: orgID,
		Timestamp:      now.Format(time.RFC3339),
	}
	msg, err := domain.NewMessage(domain.MsgIncomingCall, payload)
	if err != nil {
		return err
	}
	if err := s.notifier.SendToAgent(ctx, agent.AgentID, msg); err != nil {
		// The dial still proceeds; the SIP client rings regardless.
		logger.Base().Warn("failed to notify agent of incoming call",
			zap.String("agent_id", agent.AgentID), zap.Error(err))
	}
	return nil
}

// HandleDialOutcome processes the carrier's dial-status callback. Terminal
// statuses finalize the durable record, remove the in-flight record and free
// the agent; the agent is freed even when an earlier step fails. Duplicate
// callbacks for an already-terminal call are no-ops.
func (s *Service) HandleDialOutcome(ctx context.Context, out *DialOutcome) error {
	status := domain.CallStatus(out.DialStatus)
	if !domain.TerminalCallStatus(status) {
		logger.Base().Debug("ignoring non-terminal dial status",
			zap.String("call_id", out.CallID), zap.String("status", out.DialStatus))
		return nil
	}

	unlock := s.lockCall(out.CallID)
	defer unlock()

	var record *domain.CallRecord
	if s.records != nil {
		var err error
		record, err = s.records.GetByCallID(ctx, out.CallID)
		if err != nil {
			// Proceed as if the record were missing; skipping the whole
			// transition would leave the agent stuck busy.
			logger.Base().Error("failed to load call record",
				zap.String("call_id", out.CallID), zap.Error(err))
			record = nil
		}
		if record != nil && domain.TerminalCallStatus(record.Status) {
			logger.Base().Info("ignoring duplicate terminal callback",
				zap.String("call_id", out.CallID),
				zap.String("status", string(record.Status)))
			return nil
		}
	}

	active, err := s.store.GetActiveCall(ctx, out.CallID)
	if err != nil && err != store.ErrNotFound {
		// Availability unknown; proceed without the record so the agent is
		// still released below.
		logger.Base().Error("failed to load active call",
			zap.String("call_id", out.CallID), zap.Error(err))
		active = nil
	}
	if s.records == nil && active == nil && err == store.ErrNotFound {
		// Without a durable log the in-flight record is the only dedupe
		// authority: its definite absence means the call already terminated.
		logger.Base().Info("ignoring terminal callback for unknown call",
			zap.String("call_id", out.CallID))
		return nil
	}

	// The agent goes back to free no matter what happens below.
	defer func() {
		s.releaseAgent(ctx, out.AgentID)
		s.recordOutcome(ctx, out.AgentID, status)
		s.notifyCallEnded(ctx, out.AgentID, out.CallID, string(status))
		s.metrics.ActiveCalls.Add(-1)
	}()

	now := time.Now().UTC()
	if err := s.finalizeRecord(ctx, record, active, out, status, now); err != nil {
		return err
	}

	if active != nil {
		if err := s.store.RemoveActiveCall(ctx, out.CallID); err != nil {
			logger.Base().Warn("failed to remove active call",
				zap.String("call_id", out.CallID), zap.Error(err))
		}
	}

	logger.Base().Info("call ended",
		zap.String("call_id", out.CallID),
		zap.String("agent_id", out.AgentID),
		zap.String("status", string(status)))
	return nil
}

func (s *Service) finalizeRecord(ctx context.Context, record *domain.CallRecord, active *domain.ActiveCall, out *DialOutcome, status domain.CallStatus, now time.Time) error {
	if s.records == nil {
		return nil
	}

	if record == nil {
		// The admission-time insert was lost; rebuild what we can so the
		// durable log still sees the call.
		record = &domain.CallRecord{
			ID:         uuid.New().String(),
			CallID:     out.CallID,
			AgentID:    out.AgentID,
			InstanceID: s.cfg.InstanceID,
			StartedAt:  now,
		}
		if active != nil {
			record.CallerNumber = active.CallerNumber
			record.CalledNumber = active.CalledNumber
			record.OrganizationID = active.OrganizationID
			record.StartedAt = active.RoutedAt
		}
		logger.Base().Warn("no durable record for terminating call, creating one",
			zap.String("call_id", out.CallID))
	}

	record.Status = status
	record.CompletedAt = &now
	record.DurationSeconds = callDuration(out.DurationSeconds, active, record, now)

	if err := s.records.Finalize(ctx, record); err != nil {
		return fmt.Errorf("finalize call record %s: %w", out.CallID, err)
	}
	return nil
}

// callDuration prefers the carrier-reported duration, then elapsed time since
// routing, then elapsed time since the durable record started.
func callDuration(reported string, active *domain.ActiveCall, record *domain.CallRecord, now time.Time) int {
	if reported != "" {
		if n, err := strconv.Atoi(reported); err == nil && n >= 0 {
			return n
		}
	}
	if active != nil && !active.RoutedAt.IsZero() {
		return int(now.Sub(active.RoutedAt).Seconds())
	}
	if !record.StartedAt.IsZero() {
		return int(now.Sub(record.StartedAt).Seconds())
	}
	return 0
}

func (s *Service) releaseAgent(ctx context.Context, agentID string) {
	if err := s.store.UpdateAgentStatus(ctx, agentID, domain.AgentStatusFree); err != nil && err != store.ErrNotFound {
		logger.Base().Error("failed to free agent",
			zap.String("agent_id", agentID), zap.Error(err))
	}
	if s.profiles != nil {
		if err := s.profiles.UpdateStatus(ctx, agentID, domain.AgentStatusFree); err != nil {
			logger.Base().Warn("failed to persist free status",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}
}

func (s *Service) recordOutcome(ctx context.Context, agentID string, status domain.CallStatus) {
	success := status == domain.CallStatusCompleted
	if success {
		s.metrics.IncCalls("completed")
	} else {
		s.metrics.IncCalls("dropped")
	}
	if s.profiles != nil {
		if err := s.profiles.IncrementCallCounter(ctx, agentID, success); err != nil {
			logger.Base().Warn("failed to update call counters",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}
}

func (s *Service) notifyCallEnded(ctx context.Context, agentID, callID, status string) {
	payload := domain.CallEndedPayload{
		CallID:    callID,
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	msg, err := domain.NewMessage(domain.MsgCallEnded, payload)
	if err != nil {
		return
	}
	if err := s.notifier.SendToAgent(ctx, agentID, msg); err != nil {
		logger.Base().Warn("failed to notify agent of call end",
			zap.String("agent_id", agentID), zap.Error(err))
	}
}

// HandleOutboundDial builds the TwiML for an agent-initiated outbound call.
// The caller ID is the organization's registered number; an agent whose
// organization has none cannot present a number and the dial is declined.
func (s *Service) HandleOutboundDial(ctx context.Context, agentID, toNumber string) string {
	if toNumber == "" {
		logger.Base().Warn("outbound dial without destination", zap.String("agent_id", agentID))
		return declineTwiML(msgNoDestination)
	}

	var orgID string
	if s.profiles != nil {
		profile, err := s.profiles.GetByUserID(ctx, agentID)
		if err != nil {
			logger.Base().Error("failed to load agent profile for outbound dial",
				zap.String("agent_id", agentID), zap.Error(err))
			return declineTwiML(msgTechnicalDifficulties)
		}
		if profile != nil {
			orgID = profile.OrganizationID
		}
	}

	callerID, err := s.selector.CallerIDForOrganization(ctx, orgID)
	if err != nil {
		logger.Base().Error("failed to resolve outbound caller id",
			zap.String("agent_id", agentID),
			zap.String("organization_id", orgID),
			zap.Error(err))
		return declineTwiML(msgTechnicalDifficulties)
	}
	if callerID == "" {
		logger.Base().Warn("no registered caller id for outbound dial",
			zap.String("agent_id", agentID), zap.String("organization_id", orgID))
		return declineTwiML(msgNoCallerID)
	}

	logger.Base().Info("outbound dial",
		zap.String("agent_id", agentID),
		zap.String("to", toNumber),
		zap.String("caller_id", callerID))
	return s.outboundTwiML(callerID, toNumber)
}

// HandleClientProgress processes the agent-leg status callback. When the
// agent leg answers, the parent call's in-flight record moves from routing to
// connected by direct key lookup on the parent call id.
func (s *Service) HandleClientProgress(ctx context.Context, parentCallID, clientStatus string) error {
	if clientStatus != "in-progress" || parentCallID == "" {
		return nil
	}

	active, err := s.store.GetActiveCall(ctx, parentCallID)
	if err != nil {
		if err == store.ErrNotFound {
			logger.Base().Warn("client answered unknown call", zap.String("call_id", parentCallID))
			return nil
		}
		return err
	}
	if active.Status == domain.ActiveCallConnected {
		return nil
	}

	active.Status = domain.ActiveCallConnected
	if err := s.store.SetActiveCall(ctx, active); err != nil {
		return fmt.Errorf("mark call connected: %w", err)
	}
	logger.Base().Info("call connected", zap.String("call_id", parentCallID))
	return nil
}

// HandleRecordingStatus attaches a completed recording to the durable record.
func (s *Service) HandleRecordingStatus(ctx context.Context, callID, recordingSID, recordingURL, status string) error {
	if s.records == nil || status != "completed" || recordingURL == "" {
		return nil
	}
	if err := s.records.AttachRecording(ctx, callID, recordingSID, recordingURL); err != nil {
		logger.Base().Warn("failed to attach recording",
			zap.String("call_id", callID),
			zap.String("recording_sid", recordingSID),
			zap.Error(err))
		return err
	}
	return nil
}

// Reconcile frees busy agents no active call references. A missed terminal
// callback otherwise leaves the agent busy until the presence TTL expires.
func (s *Service) Reconcile(ctx context.Context) error {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	calls, err := s.store.ListActiveCalls(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	engaged := make(map[string]bool, len(calls))
	for _, c := range calls {
		engaged[c.AgentID] = true
	}

	for _, a := range agents {
		if a.Status != domain.AgentStatusBusy || engaged[a.AgentID] {
			continue
		}
		logger.Base().Warn("freeing orphaned busy agent", zap.String("agent_id", a.AgentID))
		s.releaseAgent(ctx, a.AgentID)
	}
	return nil
}

// RunReconciler sweeps on an interval until ctx is cancelled. Intended to run
// as a supervised goroutine.
func (s *Service) RunReconciler(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reconcile(ctx); err != nil {
				logger.Base().Error("reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}

// lockCall serializes terminal transitions per call id. Entries are reference
// counted so a late arrival always finds the mutex its predecessors hold; the
// entry is dropped once the last holder releases it.
func (s *Service) lockCall(callID string) func() {
	s.locksMu.Lock()
	l, ok := s.callLocks[callID]
	if !ok {
		l = &callLock{}
		s.callLocks[callID] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.callLocks, callID)
		}
		s.locksMu.Unlock()
	}
}
