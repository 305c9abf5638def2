package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/opspulse/oncall/db"
)

// Notification is the payload the engine hands to dispatchers for every
// recipient of a rule cycle.
type Notification struct {
	ExecutionID string
	PolicyName  string
	Title       string
	Description string
}

// ExecutionStore is the slice of ExecutionService the engine needs.
type ExecutionStore interface {
	CreateExecution(projectID, policyID, triggeredBy string) (db.ExecutionLog, error)
	StartExecution(id string) (bool, error)
	CompleteExecution(id, reason string) (bool, error)
	FailExecution(id, reason string) (bool, error)
	AppendEvent(event db.TimelineEvent) (db.TimelineEvent, error)
	AcknowledgeEvents(executionID, userID string, at time.Time) (int, error)
	SkipPendingEvents(executionID string) (int, error)
	TimeoutPendingEvents(executionID, ruleID string) (int, error)
	MarkEventError(eventID, message string) error
	IsAcknowledged(executionID string) (bool, error)
	IsCancelRequested(id string) (bool, error)
}

type PolicyStore interface {
	GetPolicyWithRules(id string) (db.EscalationPolicy, error)
}

type OnCallResolver interface {
	ResolveOnCallUser(scheduleID string, at time.Time) (*db.OnDutyResult, error)
}

// Directory expands team targets and looks up user contact details.
type Directory interface {
	MembersOf(teamID string) ([]string, error)
	GetUser(userID string) (db.User, error)
}

// Dispatcher delivers one notification over one channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, channel string, user db.User, note Notification) error
}

// AckSource carries acknowledgment signals between the API and the
// engine goroutine running the execution.
type AckSource interface {
	Publish(ctx context.Context, executionID, userID string) error
	Subscribe(ctx context.Context, executionID string) (<-chan string, func(), error)
}

// PolicyLocker serializes concurrent executions of the same policy.
type PolicyLocker interface {
	Acquire(ctx context.Context, policyID, executionID string) (bool, error)
	Release(ctx context.Context, policyID, executionID string) error
}

// EscalationEngine walks a policy's rules in order, notifying each rule's
// recipients and waiting for an acknowledgment before moving on. One
// goroutine per running execution; all durable state lives in the store.
type EscalationEngine struct {
	Executions ExecutionStore
	Policies   PolicyStore
	OnCall     OnCallResolver
	Directory  Directory
	Dispatcher Dispatcher
	Acks       AckSource
	Locks      PolicyLocker
}

func NewEscalationEngine(
	executions ExecutionStore,
	policies PolicyStore,
	onCall OnCallResolver,
	directory Directory,
	dispatcher Dispatcher,
	acks AckSource,
	locks PolicyLocker,
) *EscalationEngine {
	return &EscalationEngine{
		Executions: executions,
		Policies:   policies,
		OnCall:     onCall,
		Directory:  directory,
		Dispatcher: dispatcher,
		Acks:       acks,
		Locks:      locks,
	}
}

// TriggerEscalation creates an execution for the policy and starts running
// it if the policy lock is free. A lost lock race leaves the execution in
// Scheduled; the sweeper resumes it once the current run releases.
func (e *EscalationEngine) TriggerEscalation(ctx context.Context, policyID string, req db.TriggerEscalationRequest) (db.TriggerEscalationResponse, error) {
	var resp db.TriggerEscalationResponse

	policy, err := e.Policies.GetPolicyWithRules(policyID)
	if err != nil {
		return resp, err
	}
	if !policy.IsActive {
		return resp, fmt.Errorf("escalation policy %s is inactive", policyID)
	}
	if len(policy.Rules) == 0 {
		return resp, fmt.Errorf("escalation policy %s has no rules", policyID)
	}

	execution, err := e.Executions.CreateExecution(policy.ProjectID, policy.ID, req.TriggeredBy)
	if err != nil {
		return resp, err
	}
	resp.ExecutionID = execution.ID
	resp.Status = execution.Status

	acquired, err := e.Locks.Acquire(ctx, policy.ID, execution.ID)
	if err != nil {
		return resp, err
	}
	if !acquired {
		log.Printf("Policy %s busy, execution %s queued for the sweeper", policy.ID, execution.ID)
		return resp, nil
	}

	note := Notification{
		ExecutionID: execution.ID,
		PolicyName:  policy.Name,
		Title:       req.Title,
		Description: req.Description,
	}
	go e.runExecution(context.Background(), policy, execution, note)
	resp.Status = db.ExecutionStatusStarted
	return resp, nil
}

// Resume picks up a Scheduled execution left behind by a lost lock race
// or a crashed engine instance.
func (e *EscalationEngine) Resume(ctx context.Context, execution db.ExecutionLog) error {
	policy, err := e.Policies.GetPolicyWithRules(execution.PolicyID)
	if err != nil {
		return err
	}

	acquired, err := e.Locks.Acquire(ctx, policy.ID, execution.ID)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}

	note := Notification{
		ExecutionID: execution.ID,
		PolicyName:  policy.Name,
		Title:       fmt.Sprintf("Escalation for policy %s", policy.Name),
		Description: execution.TriggeredBy,
	}
	go e.runExecution(context.Background(), policy, execution, note)
	return nil
}

// Acknowledge records that userID acknowledged the execution and signals
// the running engine goroutine. The database write happens first so the
// acknowledgment survives even if no goroutine is listening.
func (e *EscalationEngine) Acknowledge(ctx context.Context, executionID, userID string) error {
	now := time.Now()
	moved, err := e.Executions.AcknowledgeEvents(executionID, userID, now)
	if err != nil {
		return err
	}
	if moved == 0 {
		// The acknowledging user had no pending notification of their
		// own; record the acknowledgment as its own event so the
		// timeline still shows who stopped the escalation.
		acknowledgedAt := now
		_, err := e.Executions.AppendEvent(db.TimelineEvent{
			ExecutionID:    executionID,
			UserID:         userID,
			Status:         db.TimelineStatusAcknowledged,
			IsAcknowledged: true,
			AcknowledgedAt: &acknowledgedAt,
			Message:        "acknowledged without a pending notification",
		})
		if err != nil {
			return err
		}
	}
	if _, err := e.Executions.SkipPendingEvents(executionID); err != nil {
		return err
	}
	// No-op when the engine goroutine wins the race or the run has not
	// started yet; the goroutine (or the sweeper) finishes the job.
	if _, err := e.Executions.CompleteExecution(executionID, "acknowledged by "+userID); err != nil {
		return err
	}
	if err := e.Acks.Publish(ctx, executionID, userID); err != nil {
		log.Printf("Failed to publish acknowledgment for execution %s: %v", executionID, err)
	}
	return nil
}

// dispatchTarget is one resolved recipient of a rule cycle.
type dispatchTarget struct {
	UserID     string
	ScheduleID string
	LayerID    string
}

func (e *EscalationEngine) runExecution(ctx context.Context, policy db.EscalationPolicy, execution db.ExecutionLog, note Notification) {
	defer func() {
		if err := e.Locks.Release(ctx, policy.ID, execution.ID); err != nil {
			log.Printf("Failed to release policy lock for %s: %v", policy.ID, err)
		}
	}()

	claimed, err := e.Executions.StartExecution(execution.ID)
	if err != nil {
		log.Printf("Failed to start execution %s: %v", execution.ID, err)
		return
	}
	if !claimed {
		// Someone else started it, or an acknowledgment already
		// completed it while it sat in Scheduled.
		return
	}

	ackCh, cancelAcks, err := e.Acks.Subscribe(ctx, execution.ID)
	if err != nil {
		log.Printf("Failed to subscribe to acknowledgments for execution %s: %v", execution.ID, err)
		_, _ = e.Executions.FailExecution(execution.ID, "could not subscribe to acknowledgments")
		return
	}
	defer cancelAcks()

	log.Printf("Execution %s started for policy %s (%d rules)", execution.ID, policy.ID, len(policy.Rules))

	for _, rule := range policy.Rules {
		cycles := rule.RepeatTimes + 1
		for cycle := 0; cycle < cycles; cycle++ {
			stop, err := e.checkBoundary(execution.ID)
			if err != nil {
				log.Printf("Execution %s boundary check failed: %v", execution.ID, err)
			}
			if stop {
				return
			}

			targets := e.resolveTargets(rule)
			if len(targets) == 0 {
				_, err := e.Executions.AppendEvent(db.TimelineEvent{
					ExecutionID: execution.ID,
					RuleID:      rule.ID,
					RuleOrder:   rule.Order,
					Status:      db.TimelineStatusError,
					Message:     "no recipients resolved for this rule",
				})
				if err != nil {
					log.Printf("Failed to record empty rule for execution %s: %v", execution.ID, err)
				}
				// Nothing to wait for, advance immediately.
				continue
			}

			e.dispatchCycle(ctx, rule, targets, note)

			timer := time.NewTimer(time.Duration(rule.EscalateAfterMinutes) * time.Minute)
			select {
			case userID, ok := <-ackCh:
				timer.Stop()
				if !ok {
					// Signal channel closed underneath us; fall back to
					// the database at the next boundary.
					continue
				}
				e.finishAcknowledged(execution.ID, userID)
				return
			case <-timer.C:
				if _, err := e.Executions.TimeoutPendingEvents(execution.ID, rule.ID); err != nil {
					log.Printf("Failed to time out events for execution %s: %v", execution.ID, err)
				}
			case <-ctx.Done():
				timer.Stop()
				_, _ = e.Executions.FailExecution(execution.ID, "engine stopped before completion")
				return
			}
		}
	}

	if _, err := e.Executions.FailExecution(execution.ID, "escalation exhausted without acknowledgment"); err != nil {
		log.Printf("Failed to mark execution %s exhausted: %v", execution.ID, err)
	}
	log.Printf("Execution %s exhausted all rules without acknowledgment", execution.ID)
}

// checkBoundary runs the per-cycle safety checks: a cancel request or an
// acknowledgment that arrived through the database rather than the
// signal channel. Returns true when the run must stop.
func (e *EscalationEngine) checkBoundary(executionID string) (bool, error) {
	canceled, err := e.Executions.IsCancelRequested(executionID)
	if err != nil {
		return false, err
	}
	if canceled {
		_, _ = e.Executions.SkipPendingEvents(executionID)
		_, _ = e.Executions.CompleteExecution(executionID, "canceled")
		log.Printf("Execution %s canceled", executionID)
		return true, nil
	}

	acknowledged, err := e.Executions.IsAcknowledged(executionID)
	if err != nil {
		return false, err
	}
	if acknowledged {
		_, _ = e.Executions.SkipPendingEvents(executionID)
		_, _ = e.Executions.CompleteExecution(executionID, "acknowledged")
		return true, nil
	}
	return false, nil
}

func (e *EscalationEngine) finishAcknowledged(executionID, userID string) {
	if _, err := e.Executions.AcknowledgeEvents(executionID, userID, time.Now()); err != nil {
		log.Printf("Failed to record acknowledgment on execution %s: %v", executionID, err)
	}
	if _, err := e.Executions.SkipPendingEvents(executionID); err != nil {
		log.Printf("Failed to skip pending events on execution %s: %v", executionID, err)
	}
	if _, err := e.Executions.CompleteExecution(executionID, "acknowledged by "+userID); err != nil {
		log.Printf("Failed to complete execution %s: %v", executionID, err)
	}
	log.Printf("Execution %s acknowledged by %s", executionID, userID)
}

// resolveTargets expands a rule's user, team and schedule targets into a
// deduplicated recipient list for one cycle. Schedules resolve at this
// instant, so consecutive cycles can page different people as the
// rotation hands off. A schedule with no one on duty contributes nothing.
func (e *EscalationEngine) resolveTargets(rule db.EscalationRule) []dispatchTarget {
	seen := make(map[string]bool)
	var targets []dispatchTarget

	add := func(t dispatchTarget) {
		if t.UserID == "" || seen[t.UserID] {
			return
		}
		seen[t.UserID] = true
		targets = append(targets, t)
	}

	for _, userID := range rule.UserIDs {
		add(dispatchTarget{UserID: userID})
	}
	for _, teamID := range rule.TeamIDs {
		members, err := e.Directory.MembersOf(teamID)
		if err != nil {
			log.Printf("Failed to expand team %s: %v", teamID, err)
			continue
		}
		for _, userID := range members {
			add(dispatchTarget{UserID: userID})
		}
	}
	for _, scheduleID := range rule.ScheduleIDs {
		onDuty, err := e.OnCall.ResolveOnCallUser(scheduleID, time.Now())
		if err != nil {
			log.Printf("Failed to resolve on-call for schedule %s: %v", scheduleID, err)
			continue
		}
		if onDuty == nil {
			continue
		}
		add(dispatchTarget{UserID: onDuty.UserID, ScheduleID: scheduleID, LayerID: onDuty.LayerID})
	}
	return targets
}

// dispatchCycle records a Scheduled event per recipient and channel, then
// fires the actual sends asynchronously so a slow provider never delays
// the acknowledgment wait.
func (e *EscalationEngine) dispatchCycle(ctx context.Context, rule db.EscalationRule, targets []dispatchTarget, note Notification) {
	for _, target := range targets {
		user, err := e.Directory.GetUser(target.UserID)
		if err != nil {
			log.Printf("Failed to load user %s: %v", target.UserID, err)
			user = db.User{ID: target.UserID}
		}
		for _, channel := range rule.Channels {
			event, err := e.Executions.AppendEvent(db.TimelineEvent{
				ExecutionID: note.ExecutionID,
				RuleID:      rule.ID,
				RuleOrder:   rule.Order,
				UserID:      target.UserID,
				ScheduleID:  target.ScheduleID,
				LayerID:     target.LayerID,
				Channel:     channel,
				Status:      db.TimelineStatusScheduled,
			})
			if err != nil {
				log.Printf("Failed to append timeline event for user %s: %v", target.UserID, err)
				continue
			}
			go func(eventID, channel string, user db.User) {
				if err := e.Dispatcher.Dispatch(ctx, channel, user, note); err != nil {
					log.Printf("Failed to dispatch %s notification to %s: %v", channel, user.ID, err)
					if markErr := e.Executions.MarkEventError(eventID, err.Error()); markErr != nil {
						log.Printf("Failed to mark event %s errored: %v", eventID, markErr)
					}
				}
			}(event.ID, channel, user)
		}
	}
}
