package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opspulse/oncall/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecutionStore is an in-memory ExecutionStore with the same
// compare-and-set semantics as the SQL implementation.
type fakeExecutionStore struct {
	mu              sync.Mutex
	executions      map[string]*db.ExecutionLog
	events          []db.TimelineEvent
	cancelRequested map[string]bool
	nextEventID     int
}

func newFakeExecutionStore() *fakeExecutionStore {
	return &fakeExecutionStore{
		executions:      make(map[string]*db.ExecutionLog),
		cancelRequested: make(map[string]bool),
	}
}

func (f *fakeExecutionStore) CreateExecution(projectID, policyID, triggeredBy string) (db.ExecutionLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	execution := db.ExecutionLog{
		ID:          fmt.Sprintf("exec-%d", len(f.executions)+1),
		ProjectID:   projectID,
		PolicyID:    policyID,
		TriggeredBy: triggeredBy,
		Status:      db.ExecutionStatusScheduled,
		CreatedAt:   time.Now(),
	}
	f.executions[execution.ID] = &execution
	copied := execution
	return copied, nil
}

func (f *fakeExecutionStore) cas(id, from, to, reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	execution, ok := f.executions[id]
	if !ok || execution.Status != from {
		return false
	}
	execution.Status = to
	execution.StatusReason = reason
	return true
}

func (f *fakeExecutionStore) StartExecution(id string) (bool, error) {
	return f.cas(id, db.ExecutionStatusScheduled, db.ExecutionStatusStarted, ""), nil
}

func (f *fakeExecutionStore) CompleteExecution(id, reason string) (bool, error) {
	return f.cas(id, db.ExecutionStatusStarted, db.ExecutionStatusCompleted, reason), nil
}

func (f *fakeExecutionStore) FailExecution(id, reason string) (bool, error) {
	return f.cas(id, db.ExecutionStatusStarted, db.ExecutionStatusError, reason), nil
}

func (f *fakeExecutionStore) AppendEvent(event db.TimelineEvent) (db.TimelineEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextEventID++
	if event.ID == "" {
		event.ID = fmt.Sprintf("event-%d", f.nextEventID)
	}
	if event.Status == "" {
		event.Status = db.TimelineStatusScheduled
	}
	event.CreatedAt = time.Now()
	f.events = append(f.events, event)
	return event, nil
}

func (f *fakeExecutionStore) AcknowledgeEvents(executionID, userID string, at time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for i := range f.events {
		e := &f.events[i]
		if e.ExecutionID == executionID && e.UserID == userID && e.Status == db.TimelineStatusScheduled {
			e.Status = db.TimelineStatusAcknowledged
			e.IsAcknowledged = true
			ackAt := at
			e.AcknowledgedAt = &ackAt
			count++
		}
	}
	return count, nil
}

func (f *fakeExecutionStore) SkipPendingEvents(executionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for i := range f.events {
		e := &f.events[i]
		if e.ExecutionID == executionID && e.Status == db.TimelineStatusScheduled {
			e.Status = db.TimelineStatusSkipped
			count++
		}
	}
	return count, nil
}

func (f *fakeExecutionStore) TimeoutPendingEvents(executionID, ruleID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for i := range f.events {
		e := &f.events[i]
		if e.ExecutionID == executionID && e.RuleID == ruleID && e.Status == db.TimelineStatusScheduled {
			e.Status = db.TimelineStatusError
			e.Message = "no acknowledgment before escalation timeout"
			count++
		}
	}
	return count, nil
}

func (f *fakeExecutionStore) MarkEventError(eventID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.events {
		e := &f.events[i]
		if e.ID == eventID && e.Status == db.TimelineStatusScheduled {
			e.Status = db.TimelineStatusError
			e.Message = message
		}
	}
	return nil
}

func (f *fakeExecutionStore) IsAcknowledged(executionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.ExecutionID == executionID && e.Status == db.TimelineStatusAcknowledged {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeExecutionStore) IsCancelRequested(id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelRequested[id], nil
}

func (f *fakeExecutionStore) status(id string) (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	execution := f.executions[id]
	return execution.Status, execution.StatusReason
}

func (f *fakeExecutionStore) eventsFor(executionID string) []db.TimelineEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.TimelineEvent
	for _, e := range f.events {
		if e.ExecutionID == executionID {
			out = append(out, e)
		}
	}
	return out
}

type fakePolicyStore struct {
	policy db.EscalationPolicy
}

func (f *fakePolicyStore) GetPolicyWithRules(id string) (db.EscalationPolicy, error) {
	if id != f.policy.ID {
		return db.EscalationPolicy{}, fmt.Errorf("policy not found: %s", id)
	}
	return f.policy, nil
}

type fakeResolver struct {
	results map[string]*db.OnDutyResult
}

func (f *fakeResolver) ResolveOnCallUser(scheduleID string, at time.Time) (*db.OnDutyResult, error) {
	return f.results[scheduleID], nil
}

type fakeDirectory struct {
	members map[string][]string
	users   map[string]db.User
}

func (f *fakeDirectory) MembersOf(teamID string) ([]string, error) {
	return f.members[teamID], nil
}

func (f *fakeDirectory) GetUser(userID string) (db.User, error) {
	if user, ok := f.users[userID]; ok {
		return user, nil
	}
	return db.User{ID: userID}, nil
}

type sentNotification struct {
	Channel string
	UserID  string
}

type fakeDispatcher struct {
	mu      sync.Mutex
	sent    []sentNotification
	failFor map[string]bool // user IDs whose sends fail
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, channel string, user db.User, note Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[user.ID] {
		return fmt.Errorf("provider rejected notification")
	}
	f.sent = append(f.sent, sentNotification{Channel: channel, UserID: user.ID})
	return nil
}

func (f *fakeDispatcher) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeAcks struct {
	ch chan string
}

func newFakeAcks() *fakeAcks {
	return &fakeAcks{ch: make(chan string, 4)}
}

func (f *fakeAcks) Publish(ctx context.Context, executionID, userID string) error {
	f.ch <- userID
	return nil
}

func (f *fakeAcks) Subscribe(ctx context.Context, executionID string) (<-chan string, func(), error) {
	return f.ch, func() {}, nil
}

type fakeLocks struct {
	mu    sync.Mutex
	held  map[string]string
	busy  bool
	freed []string
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: make(map[string]string)}
}

func (f *fakeLocks) Acquire(ctx context.Context, policyID, executionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return false, nil
	}
	if _, taken := f.held[policyID]; taken {
		return false, nil
	}
	f.held[policyID] = executionID
	return true, nil
}

func (f *fakeLocks) Release(ctx context.Context, policyID, executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[policyID] == executionID {
		delete(f.held, policyID)
		f.freed = append(f.freed, policyID)
	}
	return nil
}

// newTestEngine wires an engine over in-memory fakes and returns the
// pieces tests poke at.
func newTestEngine(policy db.EscalationPolicy) (*EscalationEngine, *fakeExecutionStore, *fakeDispatcher, *fakeAcks, *fakeLocks) {
	store := newFakeExecutionStore()
	dispatcher := &fakeDispatcher{failFor: make(map[string]bool)}
	acks := newFakeAcks()
	locks := newFakeLocks()
	engine := NewEscalationEngine(
		store,
		&fakePolicyStore{policy: policy},
		&fakeResolver{results: map[string]*db.OnDutyResult{}},
		&fakeDirectory{members: map[string][]string{}, users: map[string]db.User{}},
		dispatcher,
		acks,
		locks,
	)
	return engine, store, dispatcher, acks, locks
}

func testPolicy(rules ...db.EscalationRule) db.EscalationPolicy {
	return db.EscalationPolicy{
		ID:        "policy-1",
		ProjectID: "project-1",
		Name:      "critical paging",
		IsActive:  true,
		Rules:     rules,
	}
}

func TestRunExecution_ExhaustsRulesWithoutAck(t *testing.T) {
	policy := testPolicy(
		db.EscalationRule{ID: "rule-1", PolicyID: "policy-1", Order: 0, UserIDs: []string{"alice"}, Channels: []string{db.ChannelPush}},
		db.EscalationRule{ID: "rule-2", PolicyID: "policy-1", Order: 1, UserIDs: []string{"bob"}, Channels: []string{db.ChannelPush}},
	)
	engine, store, dispatcher, _, locks := newTestEngine(policy)

	execution, err := store.CreateExecution("project-1", "policy-1", "incident-9")
	require.NoError(t, err)
	_, err = locks.Acquire(context.Background(), policy.ID, execution.ID)
	require.NoError(t, err)

	engine.runExecution(context.Background(), policy, execution, Notification{ExecutionID: execution.ID, PolicyName: policy.Name})

	status, reason := store.status(execution.ID)
	assert.Equal(t, db.ExecutionStatusError, status)
	assert.Equal(t, "escalation exhausted without acknowledgment", reason)

	events := store.eventsFor(execution.ID)
	require.Len(t, events, 2)
	assert.Equal(t, "alice", events[0].UserID)
	assert.Equal(t, db.TimelineStatusError, events[0].Status)
	assert.Equal(t, "bob", events[1].UserID)
	assert.Equal(t, db.TimelineStatusError, events[1].Status)

	// Both sends eventually go out, and the lock is released.
	require.Eventually(t, func() bool { return dispatcher.sentCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"policy-1"}, locks.freed)
}

func TestRunExecution_AckCompletesAndSkipsPending(t *testing.T) {
	policy := testPolicy(
		db.EscalationRule{
			ID: "rule-1", PolicyID: "policy-1", Order: 0,
			UserIDs: []string{"alice", "bob"}, EscalateAfterMinutes: 5,
			Channels: []string{db.ChannelPush},
		},
	)
	engine, store, _, acks, locks := newTestEngine(policy)

	execution, err := store.CreateExecution("project-1", "policy-1", "incident-1")
	require.NoError(t, err)
	_, err = locks.Acquire(context.Background(), policy.ID, execution.ID)
	require.NoError(t, err)

	// Signal is queued before the run reaches its wait, so the select
	// picks it up instead of the 5 minute timer.
	require.NoError(t, acks.Publish(context.Background(), execution.ID, "bob"))

	engine.runExecution(context.Background(), policy, execution, Notification{ExecutionID: execution.ID})

	status, reason := store.status(execution.ID)
	assert.Equal(t, db.ExecutionStatusCompleted, status)
	assert.Equal(t, "acknowledged by bob", reason)

	byUser := map[string]string{}
	for _, e := range store.eventsFor(execution.ID) {
		byUser[e.UserID] = e.Status
	}
	assert.Equal(t, db.TimelineStatusAcknowledged, byUser["bob"])
	assert.Equal(t, db.TimelineStatusSkipped, byUser["alice"])
}

func TestRunExecution_EmptyRuleRecordsErrorAndAdvances(t *testing.T) {
	policy := testPolicy(
		db.EscalationRule{ID: "rule-1", PolicyID: "policy-1", Order: 0, TeamIDs: []string{"empty-team"}, EscalateAfterMinutes: 5, Channels: []string{db.ChannelPush}},
		db.EscalationRule{ID: "rule-2", PolicyID: "policy-1", Order: 1, UserIDs: []string{"carol"}, Channels: []string{db.ChannelPush}},
	)
	engine, store, _, _, locks := newTestEngine(policy)

	execution, err := store.CreateExecution("project-1", "policy-1", "")
	require.NoError(t, err)
	_, err = locks.Acquire(context.Background(), policy.ID, execution.ID)
	require.NoError(t, err)

	start := time.Now()
	engine.runExecution(context.Background(), policy, execution, Notification{ExecutionID: execution.ID})

	// The empty first rule must not consume its 5 minute wait.
	assert.Less(t, time.Since(start), time.Minute)

	events := store.eventsFor(execution.ID)
	require.Len(t, events, 2)
	assert.Equal(t, "no recipients resolved for this rule", events[0].Message)
	assert.Equal(t, db.TimelineStatusError, events[0].Status)
	assert.Equal(t, "carol", events[1].UserID)
}

func TestRunExecution_CancelStopsBeforeDispatch(t *testing.T) {
	policy := testPolicy(
		db.EscalationRule{ID: "rule-1", PolicyID: "policy-1", Order: 0, UserIDs: []string{"alice"}, Channels: []string{db.ChannelPush}},
	)
	engine, store, dispatcher, _, locks := newTestEngine(policy)

	execution, err := store.CreateExecution("project-1", "policy-1", "")
	require.NoError(t, err)
	store.cancelRequested[execution.ID] = true
	_, err = locks.Acquire(context.Background(), policy.ID, execution.ID)
	require.NoError(t, err)

	engine.runExecution(context.Background(), policy, execution, Notification{ExecutionID: execution.ID})

	status, reason := store.status(execution.ID)
	assert.Equal(t, db.ExecutionStatusCompleted, status)
	assert.Equal(t, "canceled", reason)
	assert.Empty(t, store.eventsFor(execution.ID))
	assert.Zero(t, dispatcher.sentCount())
}

func TestRunExecution_RepeatCyclesDeduplicateTargets(t *testing.T) {
	// Alice appears both directly and through the team; each cycle must
	// page her exactly once, and RepeatTimes=1 means two cycles.
	policy := testPolicy(
		db.EscalationRule{
			ID: "rule-1", PolicyID: "policy-1", Order: 0,
			UserIDs: []string{"alice"}, TeamIDs: []string{"team-1"},
			RepeatTimes: 1, Channels: []string{db.ChannelPush},
		},
	)
	engine, store, _, _, locks := newTestEngine(policy)
	engine.Directory = &fakeDirectory{
		members: map[string][]string{"team-1": {"alice"}},
		users:   map[string]db.User{},
	}

	execution, err := store.CreateExecution("project-1", "policy-1", "")
	require.NoError(t, err)
	_, err = locks.Acquire(context.Background(), policy.ID, execution.ID)
	require.NoError(t, err)

	engine.runExecution(context.Background(), policy, execution, Notification{ExecutionID: execution.ID})

	events := store.eventsFor(execution.ID)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, "alice", e.UserID)
	}
}

func TestRunExecution_ScheduleTargetCarriesProvenance(t *testing.T) {
	policy := testPolicy(
		db.EscalationRule{ID: "rule-1", PolicyID: "policy-1", Order: 0, ScheduleIDs: []string{"sched-1"}, Channels: []string{db.ChannelPush}},
	)
	engine, store, _, _, locks := newTestEngine(policy)
	engine.OnCall = &fakeResolver{results: map[string]*db.OnDutyResult{
		"sched-1": {UserID: "dave", ScheduleID: "sched-1", LayerID: "layer-7"},
	}}

	execution, err := store.CreateExecution("project-1", "policy-1", "")
	require.NoError(t, err)
	_, err = locks.Acquire(context.Background(), policy.ID, execution.ID)
	require.NoError(t, err)

	engine.runExecution(context.Background(), policy, execution, Notification{ExecutionID: execution.ID})

	events := store.eventsFor(execution.ID)
	require.Len(t, events, 1)
	assert.Equal(t, "dave", events[0].UserID)
	assert.Equal(t, "sched-1", events[0].ScheduleID)
	assert.Equal(t, "layer-7", events[0].LayerID)
}

func TestTriggerEscalation_LockBusyLeavesScheduled(t *testing.T) {
	policy := testPolicy(
		db.EscalationRule{ID: "rule-1", PolicyID: "policy-1", Order: 0, UserIDs: []string{"alice"}, Channels: []string{db.ChannelPush}},
	)
	engine, store, _, _, locks := newTestEngine(policy)
	locks.busy = true

	resp, err := engine.TriggerEscalation(context.Background(), "policy-1", db.TriggerEscalationRequest{TriggeredBy: "incident-3"})
	require.NoError(t, err)
	assert.Equal(t, db.ExecutionStatusScheduled, resp.Status)

	status, _ := store.status(resp.ExecutionID)
	assert.Equal(t, db.ExecutionStatusScheduled, status)
}

func TestTriggerEscalation_RejectsInactivePolicy(t *testing.T) {
	policy := testPolicy(
		db.EscalationRule{ID: "rule-1", PolicyID: "policy-1", Order: 0, UserIDs: []string{"alice"}, Channels: []string{db.ChannelPush}},
	)
	policy.IsActive = false
	engine, _, _, _, _ := newTestEngine(policy)

	_, err := engine.TriggerEscalation(context.Background(), "policy-1", db.TriggerEscalationRequest{})
	assert.Error(t, err)
}

func TestAcknowledge_WithoutPendingEventRecordsAndCompletes(t *testing.T) {
	policy := testPolicy(
		db.EscalationRule{ID: "rule-1", PolicyID: "policy-1", Order: 0, UserIDs: []string{"alice"}, Channels: []string{db.ChannelPush}},
	)
	engine, store, _, _, _ := newTestEngine(policy)

	execution, err := store.CreateExecution("project-1", "policy-1", "")
	require.NoError(t, err)
	_, err = store.StartExecution(execution.ID)
	require.NoError(t, err)
	_, err = store.AppendEvent(db.TimelineEvent{ExecutionID: execution.ID, RuleID: "rule-1", UserID: "alice"})
	require.NoError(t, err)

	// Carol acknowledges even though she was never paged.
	require.NoError(t, engine.Acknowledge(context.Background(), execution.ID, "carol"))

	status, reason := store.status(execution.ID)
	assert.Equal(t, db.ExecutionStatusCompleted, status)
	assert.Equal(t, "acknowledged by carol", reason)

	events := store.eventsFor(execution.ID)
	require.Len(t, events, 2)
	assert.Equal(t, db.TimelineStatusSkipped, events[0].Status)
	assert.Equal(t, db.TimelineStatusAcknowledged, events[1].Status)
	assert.Equal(t, "carol", events[1].UserID)
}

func TestRunExecution_DispatchFailureMarksEventError(t *testing.T) {
	policy := testPolicy(
		db.EscalationRule{ID: "rule-1", PolicyID: "policy-1", Order: 0, UserIDs: []string{"alice"}, Channels: []string{db.ChannelPush}},
	)
	engine, store, dispatcher, _, locks := newTestEngine(policy)
	dispatcher.failFor["alice"] = true

	execution, err := store.CreateExecution("project-1", "policy-1", "")
	require.NoError(t, err)
	_, err = locks.Acquire(context.Background(), policy.ID, execution.ID)
	require.NoError(t, err)

	engine.runExecution(context.Background(), policy, execution, Notification{ExecutionID: execution.ID})

	// The failed dispatch and the zero-wait timeout race to mark the
	// event; either way it ends in Error with a recorded message.
	require.Eventually(t, func() bool {
		events := store.eventsFor(execution.ID)
		return len(events) == 1 && events[0].Status == db.TimelineStatusError && events[0].Message != ""
	}, time.Second, 5*time.Millisecond)
}

func TestResume_RunsScheduledExecution(t *testing.T) {
	policy := testPolicy(
		db.EscalationRule{ID: "rule-1", PolicyID: "policy-1", Order: 0, UserIDs: []string{"alice"}, Channels: []string{db.ChannelPush}},
	)
	engine, store, _, _, _ := newTestEngine(policy)

	execution, err := store.CreateExecution("project-1", "policy-1", "incident-5")
	require.NoError(t, err)

	require.NoError(t, engine.Resume(context.Background(), execution))

	require.Eventually(t, func() bool {
		status, _ := store.status(execution.ID)
		return status == db.ExecutionStatusError
	}, time.Second, 5*time.Millisecond)
	_, reason := store.status(execution.ID)
	assert.Equal(t, "escalation exhausted without acknowledgment", reason)
}
