package reward

import (
	"time"
)

// Grant is the durable proof that a quest reward was handed out. The
// composite unique index on (user_address, quest_id) is the final backstop
// against double issuance, whatever the callers race on.
type Grant struct {
	ID          string    `gorm:"column:id;primaryKey" json:"id"`
	Reference   string    `gorm:"column:reference;uniqueIndex" json:"reference"`
	UserAddress string    `gorm:"column:user_address;uniqueIndex:idx_grant_user_quest;not null" json:"user_address"`
	QuestID     string    `gorm:"column:quest_id;uniqueIndex:idx_grant_user_quest;index;not null" json:"quest_id"`
	Kind        string    `gorm:"column:kind" json:"kind"`
	Amount      int64     `gorm:"column:amount" json:"amount"`
	Source      string    `gorm:"column:source" json:"source"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (Grant) TableName() string {
	return "reward_grants"
}

const (
	SourceCheck     = "check"
	SourceReconcile = "reconcile"
)
