package db

import "time"

// ===========================
// USER & TEAM MODELS
// ===========================

type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone,omitempty"`
	Role      string    `json:"role"` // admin, member, viewer
	FCMToken  string    `json:"fcm_token,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Team is a named set of users inside a project. Escalation rules can
// target a team; the engine expands it to the current member list at
// dispatch time.
type Team struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type TeamMember struct {
	TeamID  string    `json:"team_id"`
	UserID  string    `json:"user_id"`
	AddedAt time.Time `json:"added_at"`
}

// ===========================
// ON-CALL SCHEDULE MODELS
// ===========================

// Schedule groups an ordered set of layers for one project. The schedule's
// time zone governs restriction-window evaluation for every layer.
type Schedule struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	TimeZone    string    `json:"time_zone"` // IANA name, e.g. "America/New_York"
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CreatedBy   string    `json:"created_by,omitempty"`

	// Populated on detail reads
	Layers []ScheduleLayer `json:"layers,omitempty"`
}

// ScheduleLayer is one rotation tier inside a schedule. Lower Order means
// higher priority: an in-restriction higher layer completely masks the
// layers below it.
type ScheduleLayer struct {
	ID            string    `json:"id"`
	ScheduleID    string    `json:"schedule_id"`
	Name          string    `json:"name"`
	Order         int       `json:"order"`          // unique per schedule
	StartsAt      time.Time `json:"starts_at"`      // rotation anchor
	HandOffTime   string    `json:"hand_off_time"`  // "HH:MM", time-of-day the rotation advances
	RotationUnit  string    `json:"rotation_unit"`  // hour, day, week, month
	RotationCount int       `json:"rotation_count"` // e.g. 2 + week = every 2 weeks

	// Rotation order of users within the layer.
	UserIDs []string `json:"user_ids"`

	// Allowed duty windows. Empty = unrestricted.
	RestrictionTimes []RestrictionWindow `json:"restriction_times,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RestrictionWindow is a recurring weekday/time-of-day range during which
// the layer is eligible to hold duty. EndMinute < StartMinute means the
// window wraps past midnight into the following day.
type RestrictionWindow struct {
	Weekday     int `json:"weekday"`      // 0 = Sunday ... 6 = Saturday
	StartMinute int `json:"start_minute"` // minutes since local midnight
	EndMinute   int `json:"end_minute"`
}

// Rotation unit constants
const (
	RotationUnitHour  = "hour"
	RotationUnitDay   = "day"
	RotationUnitWeek  = "week"
	RotationUnitMonth = "month"
)

// OnDutyResult is the resolved on-call answer for one instant. A nil
// result on the service layer means no one is on call - a valid state,
// not an error.
type OnDutyResult struct {
	UserID      string    `json:"user_id"`
	UserName    string    `json:"user_name,omitempty"`
	UserEmail   string    `json:"user_email,omitempty"`
	ScheduleID  string    `json:"schedule_id"`
	LayerID     string    `json:"layer_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// SchedulePreviewEntry is one future hand-off window with its resolved user.
type SchedulePreviewEntry struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	UserID      string    `json:"user_id"`
	UserName    string    `json:"user_name,omitempty"`
	LayerID     string    `json:"layer_id"`
	NoOneOnCall bool      `json:"no_one_on_call,omitempty"`
}

// ===========================
// ESCALATION POLICY MODELS
// ===========================

type EscalationPolicy struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CreatedBy   string    `json:"created_by,omitempty"`

	Rules []EscalationRule `json:"rules,omitempty"`
}

// EscalationRule is one step of a policy: who to notify and how long to
// wait for an acknowledgment before repeating or advancing.
type EscalationRule struct {
	ID       string `json:"id"`
	PolicyID string `json:"policy_id"`
	Order    int    `json:"order"` // unique per policy, walked ascending

	// Targets; any combination. Schedules resolve through the on-call
	// resolver at dispatch time, teams expand to current members.
	UserIDs     []string `json:"user_ids,omitempty"`
	TeamIDs     []string `json:"team_ids,omitempty"`
	ScheduleIDs []string `json:"schedule_ids,omitempty"`

	EscalateAfterMinutes int `json:"escalate_after_minutes"`
	RepeatTimes          int `json:"repeat_times"` // extra cycles of this rule before advancing

	Channels []string `json:"channels"` // push, email, sms, call

	CreatedAt time.Time `json:"created_at"`
}

// Notification channel constants
const (
	ChannelPush  = "push"
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelCall  = "call"
)

// ===========================
// EXECUTION MODELS
// ===========================

// ExecutionLog tracks one escalation run for a triggering event. Soft
// delete only: finished logs are an immutable audit trail.
type ExecutionLog struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	PolicyID     string     `json:"policy_id"`
	TriggeredBy  string     `json:"triggered_by,omitempty"` // incident/alert id or free-form context
	Status       string     `json:"status"`                 // scheduled, started, completed, error
	StatusReason string     `json:"status_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// Execution log status constants
const (
	ExecutionStatusScheduled = "scheduled"
	ExecutionStatusStarted   = "started"
	ExecutionStatusCompleted = "completed"
	ExecutionStatusError     = "error"
)

// TimelineEvent is one recorded notification attempt inside an execution.
// Rows are append-only; the only allowed mutation is the status moving to
// a terminal per-event state, and never away from acknowledged.
type TimelineEvent struct {
	ID          string `json:"id"`
	ExecutionID string `json:"execution_id"`
	RuleID      string `json:"rule_id"`
	RuleOrder   int    `json:"rule_order"`
	UserID      string `json:"user_id,omitempty"`

	// Set when the user was resolved through a schedule.
	ScheduleID string `json:"schedule_id,omitempty"`
	LayerID    string `json:"layer_id,omitempty"`

	Channel        string     `json:"channel,omitempty"`
	Status         string     `json:"status"` // scheduled, acknowledged, skipped, error
	Message        string     `json:"message,omitempty"`
	IsAcknowledged bool       `json:"is_acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// Timeline event status constants
const (
	TimelineStatusScheduled    = "scheduled"
	TimelineStatusAcknowledged = "acknowledged"
	TimelineStatusSkipped      = "skipped"
	TimelineStatusError        = "error"
)

// ===========================
// API KEY MODELS
// ===========================

// APIKey authenticates integration callers of the trigger webhook. The
// secret is bcrypt-hashed at rest; only the key id travels in clear.
type APIKey struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"project_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// ===========================
// REQUEST/RESPONSE DTOs
// ===========================

type CreateScheduleRequest struct {
	Name        string               `json:"name" binding:"required"`
	Description string               `json:"description"`
	TimeZone    string               `json:"time_zone"`
	Layers      []CreateLayerRequest `json:"layers"`
}

type CreateLayerRequest struct {
	Name             string              `json:"name"`
	Order            int                 `json:"order"`
	StartsAt         time.Time           `json:"starts_at" binding:"required"`
	HandOffTime      string              `json:"hand_off_time"`
	RotationUnit     string              `json:"rotation_unit" binding:"required"`
	RotationCount    int                 `json:"rotation_count"`
	UserIDs          []string            `json:"user_ids"`
	RestrictionTimes []RestrictionWindow `json:"restriction_times"`
}

type CreatePolicyRequest struct {
	Name        string              `json:"name" binding:"required"`
	Description string              `json:"description"`
	Rules       []CreateRuleRequest `json:"rules" binding:"required"`
}

type CreateRuleRequest struct {
	Order                int      `json:"order"`
	UserIDs              []string `json:"user_ids"`
	TeamIDs              []string `json:"team_ids"`
	ScheduleIDs          []string `json:"schedule_ids"`
	EscalateAfterMinutes int      `json:"escalate_after_minutes"`
	RepeatTimes          int      `json:"repeat_times"`
	Channels             []string `json:"channels"`
}

type TriggerEscalationRequest struct {
	TriggeredBy string `json:"triggered_by"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type TriggerEscalationResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

type AcknowledgeRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type ExecutionTimelineResponse struct {
	Execution    ExecutionLog    `json:"execution"`
	Events       []TimelineEvent `json:"events"`
	Acknowledged bool            `json:"acknowledged"`
}
