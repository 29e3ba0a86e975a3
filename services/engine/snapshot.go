package engine

import (
	"time"
)

// Task-level states reported in a snapshot. "completed" is durable; the
// other three describe what the most recent verification observed.
const (
	TaskCompleted   = "completed"
	TaskUnsatisfied = "unsatisfied"
	TaskUnresolved  = "unresolved"
	TaskPending     = "pending"
	TaskError       = "error"
)

// StatusNotStarted is reported for an address that never checked in on the
// quest. It only exists in snapshots; the store has no such row.
const StatusNotStarted = "not-started"

type TaskState struct {
	TaskID      string     `json:"task_id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Snapshot is the full progress picture for one (user, quest) pair.
type Snapshot struct {
	QuestID        string      `json:"quest_id"`
	UserAddress    string      `json:"user_address"`
	Status         string      `json:"status"`
	CompletedTasks int         `json:"completed_tasks"`
	TotalTasks     int         `json:"total_tasks"`
	Tasks          []TaskState `json:"tasks"`
	GrantReference string      `json:"grant_reference,omitempty"`
	RewardPending  bool        `json:"reward_pending,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}
