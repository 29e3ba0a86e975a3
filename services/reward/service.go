package reward

import (
	"context"
	"errors"
	"strings"

	"questplane/pkg/errutil"
	"questplane/pkg/repository"
	"questplane/pkg/sequence"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Dispatcher pushes an issued grant to whatever pays it out. Dispatch must
// tolerate redelivery of the same grant.
type Dispatcher interface {
	Dispatch(ctx context.Context, grant *Grant) error
}

// logDispatcher is the default sink: the grant row is the source of truth,
// payout integration happens downstream of the log stream.
type logDispatcher struct{}

func (logDispatcher) Dispatch(ctx context.Context, grant *Grant) error {
	zap.L().Info("reward grant dispatched",
		zap.String("grant_id", grant.ID),
		zap.String("reference", grant.Reference),
		zap.String("user_address", grant.UserAddress),
		zap.String("quest_id", grant.QuestID),
		zap.String("kind", grant.Kind),
		zap.Int64("amount", grant.Amount),
	)
	return nil
}

func NewLogDispatcher() Dispatcher {
	return logDispatcher{}
}

type Service struct {
	node       *snowflake.Node
	seq        sequence.Generator
	dispatcher Dispatcher

	grants repository.Repository[Grant]
}

type ServiceParams struct {
	fx.In
	DB         *gorm.DB
	Node       *snowflake.Node
	Seq        sequence.Generator
	Dispatcher Dispatcher
}

func NewService(p ServiceParams) *Service {
	return &Service{
		node:       p.Node,
		seq:        p.Seq,
		dispatcher: p.Dispatcher,

		grants: repository.ProvideStore[Grant](p.DB),
	}
}

type IssueRequest struct {
	UserAddress string
	QuestID     string
	Kind        string
	Amount      int64
	Source      string
}

// Issue records a grant for (user, quest). It is idempotent: a repeat call
// returns the existing grant unchanged, and a concurrent race is settled by
// the unique constraint rather than by the winner's timing.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Grant, error) {
	if req.UserAddress == "" || req.QuestID == "" {
		return nil, errutil.BadRequest("user_address and quest_id are required", nil)
	}

	existing, err := s.grants.FindOne(ctx, &Grant{UserAddress: req.UserAddress, QuestID: req.QuestID})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	ref, err := s.seq.NextGrantRef(ctx, req.QuestID)
	if err != nil {
		return nil, errutil.Internal("failed to allocate grant reference", err, errutil.WithErr(err))
	}

	grant := &Grant{
		ID:          s.node.Generate().String(),
		Reference:   ref,
		UserAddress: req.UserAddress,
		QuestID:     req.QuestID,
		Kind:        req.Kind,
		Amount:      req.Amount,
		Source:      req.Source,
	}

	if err := s.grants.Create(ctx, grant); err != nil {
		if !isDuplicate(err) {
			return nil, err
		}
		// Lost the race; the stored grant wins.
		return s.grants.FindOne(ctx, &Grant{UserAddress: req.UserAddress, QuestID: req.QuestID})
	}

	if err := s.dispatcher.Dispatch(ctx, grant); err != nil {
		// The grant row already exists; dispatch retries ride on the
		// reconciliation sweep, not on this request.
		zap.L().Error("grant dispatch failed",
			zap.String("grant_id", grant.ID),
			zap.Error(err),
		)
	}

	return grant, nil
}

// Get returns the grant for (user, quest), or nil when none was issued.
func (s *Service) Get(ctx context.Context, userAddress, questID string) (*Grant, error) {
	return s.grants.FindOne(ctx, &Grant{UserAddress: userAddress, QuestID: questID})
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint failed")
}
