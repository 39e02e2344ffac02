package stores

import (
	"time"
)

// EventLevel represents the severity level of a journal event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// GoalRecord is a goal as last recorded
type GoalRecord struct {
	ID              string            `json:"id"`
	Description     string            `json:"description"`
	OriginalRequest string            `json:"original_request"`
	Status          string            `json:"status"`
	Priority        int               `json:"priority"`
	ParentID        *string           `json:"parent_id,omitempty"`
	AttemptCount    int               `json:"attempt_count"`
	MaxAttempts     int               `json:"max_attempts"`
	Parameters      map[string]string `json:"parameters,omitempty"`
	FailureReasons  []string          `json:"failure_reasons,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// PlanRecord is a plan as last recorded. Document holds the full plan as JSON.
type PlanRecord struct {
	ID        string    `json:"id"`
	GoalID    string    `json:"goal_id"`
	Status    string    `json:"status"`
	StepCount int       `json:"step_count"`
	Rationale string    `json:"rationale"`
	Document  string    `json:"document"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StepRecord is one step execution. Retries of a step produce one record each.
type StepRecord struct {
	ID          int64         `json:"id"`
	PlanID      string        `json:"plan_id"`
	StepID      string        `json:"step_id"`
	Description string        `json:"description"`
	Tool        string        `json:"tool"`
	Status      string        `json:"status"`
	Summary     string        `json:"summary"`
	Error       string        `json:"error,omitempty"`
	RetryCount  int           `json:"retry_count"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

// ModificationRecord is one change made to a world entity
type ModificationRecord struct {
	ID         int64     `json:"id"`
	EntityID   string    `json:"entity_id"`
	Type       string    `json:"type"`
	GoalID     *string   `json:"goal_id,omitempty"`
	StepID     string    `json:"step_id"`
	ModifiedAt time.Time `json:"modified_at"`
}

// EventRecord is one controller event
type EventRecord struct {
	ID        int64      `json:"id"`
	GoalID    *string    `json:"goal_id,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"created_at"`
}

// GoalFilter selects goals for ListGoals. Zero fields match everything.
type GoalFilter struct {
	Status string
	Since  time.Time
	Limit  int
	Offset int
}

// GoalHistory is everything recorded for one goal
type GoalHistory struct {
	Goal          *GoalRecord           `json:"goal"`
	Plans         []*PlanRecord         `json:"plans"`
	Steps         []*StepRecord         `json:"steps"`
	Modifications []*ModificationRecord `json:"modifications"`
	Events        []*EventRecord        `json:"events"`
}

// Stats summarizes the journal
type Stats struct {
	Goals         int            `json:"goals"`
	GoalsByStatus map[string]int `json:"goals_by_status"`
	Steps         int            `json:"steps"`
	Modifications int            `json:"modifications"`
}
