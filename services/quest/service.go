package quest

import (
	"context"
	"encoding/json"
	"time"

	"questplane/pkg/db/option"
	"questplane/pkg/errutil"
	"questplane/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	quests repository.Repository[Quest]
	tasks  repository.Repository[Task]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,

		quests: repository.ProvideStore[Quest](p.DB),
		tasks:  repository.ProvideStore[Task](p.DB),
	}
}

// Get returns the quest with its tasks in presentation order. Inactive and
// hidden quests are still returned; activity gating happens at verification.
func (s *Service) Get(ctx context.Context, questID string) (*Quest, error) {
	if questID == "" {
		return nil, errutil.BadRequest("quest_id is required", nil)
	}

	q, err := s.quests.FindOne(ctx, &Quest{ID: questID})
	if err != nil {
		return nil, errutil.Internal("failed to fetch quest", err, errutil.WithErr(err))
	}
	if q == nil {
		return nil, errutil.NotFound("quest not found", nil)
	}

	tasks, err := s.tasks.Find(ctx, &Task{QuestID: questID}, option.WithSortBy(option.QuerySortBy{
		SortBy: "position",
		Allow:  map[string]bool{"position": true},
	}))
	if err != nil {
		return nil, errutil.Internal("failed to fetch quest tasks", err, errutil.WithErr(err))
	}

	q.Tasks = make([]Task, 0, len(tasks))
	for _, t := range tasks {
		q.Tasks = append(q.Tasks, *t)
	}
	return q, nil
}

// Tasks returns the verifiable tasks of a quest without the quest envelope.
func (s *Service) Tasks(ctx context.Context, questID string) ([]*Task, error) {
	return s.tasks.Find(ctx, &Task{QuestID: questID}, option.WithSortBy(option.QuerySortBy{
		SortBy: "position",
		Allow:  map[string]bool{"position": true},
	}))
}

type ListQuery struct {
	Category      string
	IncludeHidden bool
}

// List returns published quests, newest first. Hidden quests only show up
// when explicitly requested by admin tooling.
func (s *Service) List(ctx context.Context, query ListQuery) ([]*Quest, error) {
	filter := &Quest{Category: query.Category}

	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{OrderBy: "desc"}),
	}
	if !query.IncludeHidden {
		opts = append(opts, option.ApplyOperator(option.Condition{
			Field:    "hidden",
			Operator: option.EQ,
			Value:    false,
		}))
	}

	return s.quests.Find(ctx, filter, opts...)
}

type TaskInput struct {
	Name       string          `json:"name"`
	RuleKind   RuleKind        `json:"rule_kind"`
	RuleParams json.RawMessage `json:"rule_params"`
}

type CreateRequest struct {
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	Category     string      `json:"category"`
	Issuer       string      `json:"issuer"`
	StartTime    *time.Time  `json:"start_time"`
	Expiry       *time.Time  `json:"expiry"`
	Hidden       bool        `json:"hidden"`
	RewardKind   string      `json:"reward_kind"`
	RewardAmount int64       `json:"reward_amount"`
	Tasks        []TaskInput `json:"tasks"`
}

// Create publishes a quest and its tasks. Rule params are validated for
// well-formedness here; on-chain plausibility is not checked.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Quest, error) {
	if req.Name == "" || req.Issuer == "" {
		return nil, errutil.BadRequest("name and issuer are required", nil)
	}
	if len(req.Tasks) == 0 {
		return nil, errutil.BadRequest("at least one task is required", nil)
	}

	q := &Quest{
		ID:           s.node.Generate().String(),
		Name:         req.Name,
		Description:  req.Description,
		Category:     req.Category,
		Issuer:       req.Issuer,
		StartTime:    req.StartTime,
		Expiry:       req.Expiry,
		Hidden:       req.Hidden,
		RewardKind:   req.RewardKind,
		RewardAmount: req.RewardAmount,
	}

	tasks := make([]*Task, 0, len(req.Tasks))
	for i, in := range req.Tasks {
		if err := validateRule(in.RuleKind, in.RuleParams); err != nil {
			return nil, err
		}
		tasks = append(tasks, &Task{
			ID:         s.node.Generate().String(),
			QuestID:    q.ID,
			Position:   i,
			Name:       in.Name,
			RuleKind:   in.RuleKind,
			RuleParams: datatypes.JSON(in.RuleParams),
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.quests.WithTrx(tx).Create(ctx, q); err != nil {
			return err
		}
		return s.tasks.WithTrx(tx).BatchCreate(ctx, tasks)
	})
	if err != nil {
		return nil, errutil.Internal("failed to create quest", err, errutil.WithErr(err))
	}

	zap.L().Info("quest created",
		zap.String("quest_id", q.ID),
		zap.String("issuer", q.Issuer),
		zap.Int("tasks", len(tasks)),
	)

	for _, t := range tasks {
		q.Tasks = append(q.Tasks, *t)
	}
	return q, nil
}

type UpdateRequest struct {
	Name        *string    `json:"name"`
	Description *string    `json:"description"`
	Category    *string    `json:"category"`
	StartTime   *time.Time `json:"start_time"`
	Expiry      *time.Time `json:"expiry"`
	Disabled    *bool      `json:"disabled"`
	Hidden      *bool      `json:"hidden"`
}

// Update applies a partial edit to quest metadata. Only the publishing
// issuer may edit a quest; recorded completions are never touched.
func (s *Service) Update(ctx context.Context, issuer, questID string, req UpdateRequest) (*Quest, error) {
	q, err := s.quests.FindOne(ctx, &Quest{ID: questID})
	if err != nil {
		return nil, errutil.Internal("failed to fetch quest", err, errutil.WithErr(err))
	}
	if q == nil {
		return nil, errutil.NotFound("quest not found", nil)
	}
	if issuer == "" || q.Issuer != issuer {
		return nil, errutil.Forbidden("quest belongs to another issuer", nil)
	}

	patch := map[string]interface{}{}
	if req.Name != nil {
		patch["name"] = *req.Name
	}
	if req.Description != nil {
		patch["description"] = *req.Description
	}
	if req.Category != nil {
		patch["category"] = *req.Category
	}
	if req.StartTime != nil {
		patch["start_time"] = *req.StartTime
	}
	if req.Expiry != nil {
		patch["expiry"] = *req.Expiry
	}
	if req.Disabled != nil {
		patch["disabled"] = *req.Disabled
	}
	if req.Hidden != nil {
		patch["hidden"] = *req.Hidden
	}
	if len(patch) == 0 {
		return q, nil
	}

	if err := s.quests.Update(ctx, questID, patch); err != nil {
		return nil, errutil.Internal("failed to update quest", err, errutil.WithErr(err))
	}

	return s.quests.FindOne(ctx, &Quest{ID: questID})
}

func validateRule(kind RuleKind, params json.RawMessage) error {
	switch kind {
	case RuleBalanceAtLeast:
		var p BalanceRuleParams
		if err := json.Unmarshal(params, &p); err != nil || p.Threshold == "" {
			return errutil.ValidationFailed("balance-at-least requires a threshold", err)
		}
	case RuleContractCallEquals:
		var p CallRuleParams
		if err := json.Unmarshal(params, &p); err != nil || p.Contract == "" || p.Calldata == "" || p.Expected == "" {
			return errutil.ValidationFailed("contract-call-equals requires contract, calldata and expected", err)
		}
	case RuleEventEmitted:
		var p EventRuleParams
		if err := json.Unmarshal(params, &p); err != nil || p.Contract == "" || p.Topic == "" {
			return errutil.ValidationFailed("event-emitted requires contract and topic", err)
		}
	default:
		return errutil.ValidationFailed("unknown rule kind: "+string(kind), nil)
	}
	return nil
}
