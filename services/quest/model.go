package quest

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// RuleKind is the closed set of verification rules a task can carry.
// Verification dispatches exhaustively over these; unknown kinds are a
// configuration error surfaced to admin tooling.
type RuleKind string

const (
	RuleBalanceAtLeast     RuleKind = "balance-at-least"
	RuleContractCallEquals RuleKind = "contract-call-equals"
	RuleEventEmitted       RuleKind = "event-emitted"
)

// Quest is published metadata. Administrative edits never retroactively
// alter recorded completions.
type Quest struct {
	ID           string     `gorm:"column:id;primaryKey" json:"id"`
	Name         string     `gorm:"column:name;not null" json:"name"`
	Description  string     `gorm:"column:description;type:text" json:"description"`
	Category     string     `gorm:"column:category" json:"category"`
	Issuer       string     `gorm:"column:issuer;index" json:"issuer"`
	StartTime    *time.Time `gorm:"column:start_time" json:"start_time,omitempty"`
	Expiry       *time.Time `gorm:"column:expiry" json:"expiry,omitempty"`
	Disabled     bool       `gorm:"column:disabled;default:false" json:"disabled"`
	Hidden       bool       `gorm:"column:hidden;default:false" json:"hidden"`
	RewardKind   string     `gorm:"column:reward_kind" json:"reward_kind"`
	RewardAmount int64      `gorm:"column:reward_amount" json:"reward_amount"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`

	Tasks []Task `gorm:"foreignKey:QuestID" json:"tasks,omitempty"`
}

// Active reports whether the quest accepts verification at now. Stored
// progress remains readable for inactive quests.
func (q *Quest) Active(now time.Time) bool {
	if q.Disabled {
		return false
	}
	if q.StartTime != nil && now.Before(*q.StartTime) {
		return false
	}
	if q.Expiry != nil && now.After(*q.Expiry) {
		return false
	}
	return true
}

// Task is a single verifiable condition within a quest. Position orders
// tasks for presentation only; completion is order-independent.
type Task struct {
	ID         string         `gorm:"column:id;primaryKey" json:"id"`
	QuestID    string         `gorm:"column:quest_id;index;not null" json:"quest_id"`
	Position   int            `gorm:"column:position" json:"position"`
	Name       string         `gorm:"column:name" json:"name"`
	RuleKind   RuleKind       `gorm:"column:rule_kind;not null" json:"rule_kind"`
	RuleParams datatypes.JSON `gorm:"column:rule_params" json:"rule_params"`
	CreatedAt  time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// BalanceRuleParams parameterizes balance-at-least. Token empty means the
// native asset. Threshold is a decimal string; chain values routinely exceed
// 64-bit range.
type BalanceRuleParams struct {
	Token     string `json:"token,omitempty"`
	Threshold string `json:"threshold"`
}

// CallRuleParams parameterizes contract-call-equals. Calldata and Expected
// are 0x-hex strings; Expected compares against the call's return data
// interpreted as a big-endian integer.
type CallRuleParams struct {
	Contract string `json:"contract"`
	Calldata string `json:"calldata"`
	Expected string `json:"expected"`
}

// EventRuleParams parameterizes event-emitted within a block range. ToBlock
// zero means latest.
type EventRuleParams struct {
	Contract  string `json:"contract"`
	Topic     string `json:"topic"`
	FromBlock uint64 `json:"from_block"`
	ToBlock   uint64 `json:"to_block,omitempty"`
}

func (t *Task) BalanceRule() (*BalanceRuleParams, error) {
	var p BalanceRuleParams
	if err := json.Unmarshal(t.RuleParams, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *Task) CallRule() (*CallRuleParams, error) {
	var p CallRuleParams
	if err := json.Unmarshal(t.RuleParams, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *Task) EventRule() (*EventRuleParams, error) {
	var p EventRuleParams
	if err := json.Unmarshal(t.RuleParams, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
