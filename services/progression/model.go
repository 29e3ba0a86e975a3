package progression

import (
	"time"

	"gorm.io/datatypes"
)

// RecordStatus moves forward only: in-progress, then completed, then
// reward-issued. No write path ever moves a record back.
type RecordStatus string

const (
	StatusInProgress   RecordStatus = "in-progress"
	StatusCompleted    RecordStatus = "completed"
	StatusRewardIssued RecordStatus = "reward-issued"
)

// Record tracks one user's standing on one quest. The composite unique index
// makes the pair the identity; concurrent first-touch creation is resolved by
// the constraint, not by application locks.
type Record struct {
	ID             string       `gorm:"column:id;primaryKey" json:"id"`
	UserAddress    string       `gorm:"column:user_address;uniqueIndex:idx_record_user_quest;not null" json:"user_address"`
	QuestID        string       `gorm:"column:quest_id;uniqueIndex:idx_record_user_quest;index;not null" json:"quest_id"`
	Status         RecordStatus `gorm:"column:status;not null;default:in-progress" json:"status"`
	CompletedAt    *time.Time   `gorm:"column:completed_at" json:"completed_at,omitempty"`
	RewardIssuedAt *time.Time   `gorm:"column:reward_issued_at" json:"reward_issued_at,omitempty"`
	CreatedAt      time.Time    `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Record) TableName() string {
	return "progression_records"
}

// TaskCompletion is an append-only fact: this address satisfied this task,
// with the chain evidence observed at that moment. Re-verification of a
// completed task is a no-op.
type TaskCompletion struct {
	ID          string         `gorm:"column:id;primaryKey" json:"id"`
	UserAddress string         `gorm:"column:user_address;uniqueIndex:idx_completion_user_quest_task;not null" json:"user_address"`
	QuestID     string         `gorm:"column:quest_id;uniqueIndex:idx_completion_user_quest_task;index;not null" json:"quest_id"`
	TaskID      string         `gorm:"column:task_id;uniqueIndex:idx_completion_user_quest_task;not null" json:"task_id"`
	Evidence    datatypes.JSON `gorm:"column:evidence" json:"evidence,omitempty"`
	CompletedAt time.Time      `gorm:"column:completed_at;autoCreateTime" json:"completed_at"`
}

func (TaskCompletion) TableName() string {
	return "task_completions"
}
