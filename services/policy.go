package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/opspulse/oncall/db"
)

type PolicyService struct {
	PG *sql.DB
}

func NewPolicyService(pg *sql.DB) *PolicyService {
	return &PolicyService{PG: pg}
}

// CreatePolicy creates an escalation policy with its ordered rules. Rule
// configuration is validated here; the engine assumes rules it loads are
// well formed.
func (s *PolicyService) CreatePolicy(projectID string, req db.CreatePolicyRequest, createdBy string) (db.EscalationPolicy, error) {
	policy := db.EscalationPolicy{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		Name:        req.Name,
		Description: req.Description,
		IsActive:    true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		CreatedBy:   createdBy,
	}

	rules, err := buildRules(policy.ID, req.Rules)
	if err != nil {
		return policy, err
	}

	tx, err := s.PG.Begin()
	if err != nil {
		return policy, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO escalation_policies (id, project_id, name, description, is_active, created_at, updated_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		policy.ID, policy.ProjectID, policy.Name, policy.Description,
		policy.IsActive, policy.CreatedAt, policy.UpdatedAt, policy.CreatedBy)
	if err != nil {
		return policy, fmt.Errorf("failed to insert escalation policy: %w", err)
	}

	for _, rule := range rules {
		if err := insertRule(tx, rule); err != nil {
			return policy, err
		}
	}

	if err := tx.Commit(); err != nil {
		return policy, fmt.Errorf("failed to commit transaction: %w", err)
	}

	policy.Rules = rules
	log.Printf("Created escalation policy %s with %d rules", policy.Name, len(rules))
	return policy, nil
}

// UpdatePolicy replaces a policy's metadata and its full rule set.
func (s *PolicyService) UpdatePolicy(policyID string, req db.CreatePolicyRequest) (db.EscalationPolicy, error) {
	policy, err := s.GetPolicyWithRules(policyID)
	if err != nil {
		return db.EscalationPolicy{}, err
	}
	policy.Name = req.Name
	policy.Description = req.Description
	policy.UpdatedAt = time.Now()

	rules, err := buildRules(policy.ID, req.Rules)
	if err != nil {
		return policy, err
	}

	tx, err := s.PG.Begin()
	if err != nil {
		return policy, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		UPDATE escalation_policies SET name = $2, description = $3, updated_at = $4 WHERE id = $1`,
		policy.ID, policy.Name, policy.Description, policy.UpdatedAt)
	if err != nil {
		return policy, fmt.Errorf("failed to update escalation policy: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM escalation_rules WHERE policy_id = $1`, policy.ID); err != nil {
		return policy, fmt.Errorf("failed to delete existing rules: %w", err)
	}
	for _, rule := range rules {
		if err := insertRule(tx, rule); err != nil {
			return policy, err
		}
	}

	if err := tx.Commit(); err != nil {
		return policy, fmt.Errorf("failed to commit transaction: %w", err)
	}
	policy.Rules = rules
	return policy, nil
}

// GetPolicyWithRules retrieves a policy and its rules ordered by rule order.
func (s *PolicyService) GetPolicyWithRules(id string) (db.EscalationPolicy, error) {
	var policy db.EscalationPolicy
	err := s.PG.QueryRow(`
		SELECT id, project_id, name, description, is_active, created_at, updated_at, COALESCE(created_by, '')
		FROM escalation_policies
		WHERE id = $1`, id).Scan(
		&policy.ID, &policy.ProjectID, &policy.Name, &policy.Description,
		&policy.IsActive, &policy.CreatedAt, &policy.UpdatedAt, &policy.CreatedBy)
	if err != nil {
		if err == sql.ErrNoRows {
			return policy, fmt.Errorf("escalation policy not found: %s", id)
		}
		return policy, fmt.Errorf("failed to get escalation policy: %w", err)
	}

	rows, err := s.PG.Query(`
		SELECT id, policy_id, rule_order, user_ids::text, team_ids::text, schedule_ids::text,
		       escalate_after_minutes, repeat_times, channels::text, created_at
		FROM escalation_rules
		WHERE policy_id = $1
		ORDER BY rule_order ASC`, id)
	if err != nil {
		return policy, fmt.Errorf("failed to query escalation rules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rule db.EscalationRule
		var userIDs, teamIDs, scheduleIDs, channels string
		err := rows.Scan(
			&rule.ID, &rule.PolicyID, &rule.Order, &userIDs, &teamIDs, &scheduleIDs,
			&rule.EscalateAfterMinutes, &rule.RepeatTimes, &channels, &rule.CreatedAt)
		if err != nil {
			return policy, fmt.Errorf("failed to scan escalation rule: %w", err)
		}
		if err := unmarshalStrings(userIDs, &rule.UserIDs); err != nil {
			return policy, err
		}
		if err := unmarshalStrings(teamIDs, &rule.TeamIDs); err != nil {
			return policy, err
		}
		if err := unmarshalStrings(scheduleIDs, &rule.ScheduleIDs); err != nil {
			return policy, err
		}
		if err := unmarshalStrings(channels, &rule.Channels); err != nil {
			return policy, err
		}
		policy.Rules = append(policy.Rules, rule)
	}
	return policy, nil
}

// ListPolicies returns the policies of a project.
func (s *PolicyService) ListPolicies(projectID string) ([]db.EscalationPolicy, error) {
	rows, err := s.PG.Query(`
		SELECT id, project_id, name, description, is_active, created_at, updated_at, COALESCE(created_by, '')
		FROM escalation_policies
		WHERE project_id = $1
		ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalation policies: %w", err)
	}
	defer rows.Close()

	var policies []db.EscalationPolicy
	for rows.Next() {
		var policy db.EscalationPolicy
		err := rows.Scan(
			&policy.ID, &policy.ProjectID, &policy.Name, &policy.Description,
			&policy.IsActive, &policy.CreatedAt, &policy.UpdatedAt, &policy.CreatedBy)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation policy: %w", err)
		}
		policies = append(policies, policy)
	}
	return policies, nil
}

// DeletePolicy removes a policy and its rules.
func (s *PolicyService) DeletePolicy(id string) error {
	tx, err := s.PG.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM escalation_rules WHERE policy_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete rules: %w", err)
	}
	result, err := tx.Exec(`DELETE FROM escalation_policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete escalation policy: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("escalation policy not found: %s", id)
	}
	return tx.Commit()
}

func buildRules(policyID string, reqs []db.CreateRuleRequest) ([]db.EscalationRule, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("policy requires at least one rule")
	}
	seenOrder := make(map[int]bool)
	rules := make([]db.EscalationRule, 0, len(reqs))
	for _, req := range reqs {
		if seenOrder[req.Order] {
			return nil, fmt.Errorf("duplicate rule order %d", req.Order)
		}
		seenOrder[req.Order] = true
		if req.EscalateAfterMinutes < 0 {
			return nil, fmt.Errorf("rule %d: escalate_after_minutes must not be negative", req.Order)
		}
		if req.RepeatTimes < 0 {
			return nil, fmt.Errorf("rule %d: repeat_times must not be negative", req.Order)
		}
		for _, ch := range req.Channels {
			switch ch {
			case db.ChannelPush, db.ChannelEmail, db.ChannelSMS, db.ChannelCall:
			default:
				return nil, fmt.Errorf("rule %d: unknown channel %q", req.Order, ch)
			}
		}

		rule := db.EscalationRule{
			ID:                   uuid.New().String(),
			PolicyID:             policyID,
			Order:                req.Order,
			UserIDs:              req.UserIDs,
			TeamIDs:              req.TeamIDs,
			ScheduleIDs:          req.ScheduleIDs,
			EscalateAfterMinutes: req.EscalateAfterMinutes,
			RepeatTimes:          req.RepeatTimes,
			Channels:             req.Channels,
			CreatedAt:            time.Now(),
		}
		if len(rule.Channels) == 0 {
			rule.Channels = []string{db.ChannelPush}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func insertRule(tx *sql.Tx, rule db.EscalationRule) error {
	userIDs, _ := json.Marshal(rule.UserIDs)
	teamIDs, _ := json.Marshal(rule.TeamIDs)
	scheduleIDs, _ := json.Marshal(rule.ScheduleIDs)
	channels, err := json.Marshal(rule.Channels)
	if err != nil {
		return fmt.Errorf("failed to marshal rule channels: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO escalation_rules (
			id, policy_id, rule_order, user_ids, team_ids, schedule_ids,
			escalate_after_minutes, repeat_times, channels, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rule.ID, rule.PolicyID, rule.Order, string(userIDs), string(teamIDs), string(scheduleIDs),
		rule.EscalateAfterMinutes, rule.RepeatTimes, string(channels), rule.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert escalation rule: %w", err)
	}
	return nil
}

func unmarshalStrings(raw string, into *[]string) error {
	if raw == "" || raw == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), into); err != nil {
		return fmt.Errorf("failed to parse list column: %w", err)
	}
	return nil
}
