package engine

import (
	"context"
	"errors"
	"time"

	"questplane/pkg/config"
	"questplane/pkg/db/pagination"
	"questplane/pkg/errutil"
	"questplane/pkg/sequence"
	"questplane/services/progression"
	"questplane/services/quest"
	"questplane/services/reward"
	"questplane/services/verifier"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// verifyConcurrency caps parallel chain queries per check so one request
// with many tasks cannot monopolize the node connection.
const verifyConcurrency = 4

// reconcileGrace keeps the sweep off records completed moments ago; the
// originating request is usually still issuing their grant.
const reconcileGrace = time.Minute

// TaskVerifier evaluates one task for one address. *verifier.Verifier
// satisfies it.
type TaskVerifier interface {
	Verify(ctx context.Context, task *quest.Task, address common.Address) (verifier.Verdict, error)
}

// RewardIssuer hands out grants idempotently. *reward.Service satisfies it.
type RewardIssuer interface {
	Issue(ctx context.Context, req reward.IssueRequest) (*reward.Grant, error)
	Get(ctx context.Context, userAddress, questID string) (*reward.Grant, error)
}

type Service struct {
	cfg      *config.Config
	quests   *quest.Service
	store    *progression.Store
	verifier TaskVerifier
	rewards  RewardIssuer
	seq      sequence.Generator
}

type ServiceParams struct {
	fx.In
	Config   *config.Config
	Quests   *quest.Service
	Store    *progression.Store
	Verifier *verifier.Verifier
	Rewards  *reward.Service
	Seq      sequence.Generator
}

func NewService(p ServiceParams) *Service {
	return &Service{
		cfg:      p.Config,
		quests:   p.Quests,
		store:    p.Store,
		verifier: p.Verifier,
		rewards:  p.Rewards,
		seq:      p.Seq,
	}
}

// NewServiceWith wires the orchestrator from parts directly; used by tests.
func NewServiceWith(cfg *config.Config, quests *quest.Service, store *progression.Store, v TaskVerifier, r RewardIssuer, seq sequence.Generator) *Service {
	return &Service{cfg: cfg, quests: quests, store: store, verifier: v, rewards: r, seq: seq}
}

// CheckProgress verifies every still-open task for the address and persists
// whatever became true. Already-completed tasks are never re-verified, so a
// task once satisfied stays satisfied regardless of later chain state. When
// the last task closes, the reward is issued before the record is marked, so
// a crash in between is healed by replay instead of losing the grant.
func (s *Service) CheckProgress(ctx context.Context, questID, address string) (*Snapshot, error) {
	if !common.IsHexAddress(address) {
		checksTotal.WithLabelValues("rejected").Inc()
		return nil, errutil.BadRequest("address is not a valid hex address", nil)
	}
	userAddress := common.HexToAddress(address).Hex()

	q, err := s.quests.Get(ctx, questID)
	if err != nil {
		checksTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if !q.Active(time.Now()) {
		checksTotal.WithLabelValues("rejected").Inc()
		return nil, errutil.UnprocessableEntity("quest is not accepting verification", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Engine.RequestTimeout)
	defer cancel()

	rec, err := s.store.GetOrCreate(ctx, userAddress, questID)
	if err != nil {
		return nil, err
	}

	done, err := s.store.CompletedTaskIDs(ctx, userAddress, questID)
	if err != nil {
		return nil, err
	}

	// Fan out verification for open tasks only; persistence happens after
	// the fan-in so sqlite and postgres see the same sequential writes.
	verdicts := make([]verifier.Verdict, len(q.Tasks))
	verrs := make([]error, len(q.Tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(verifyConcurrency)
	account := common.HexToAddress(userAddress)

	for i := range q.Tasks {
		if _, ok := done[q.Tasks[i].ID]; ok {
			continue
		}
		i := i
		g.Go(func() error {
			verdicts[i], verrs[i] = s.verifier.Verify(gctx, &q.Tasks[i], account)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Persistence survives a verification timeout: whatever was satisfied
	// before the deadline is still recorded, the rest stays unresolved.
	pctx := context.WithoutCancel(ctx)

	states := make([]TaskState, 0, len(q.Tasks))
	for i := range q.Tasks {
		t := &q.Tasks[i]

		if completion, ok := done[t.ID]; ok {
			at := completion.CompletedAt
			states = append(states, TaskState{TaskID: t.ID, Name: t.Name, Status: TaskCompleted, CompletedAt: &at})
			continue
		}

		if errors.Is(verrs[i], context.DeadlineExceeded) || errors.Is(verrs[i], context.Canceled) {
			taskVerdictsTotal.WithLabelValues(TaskUnresolved).Inc()
			states = append(states, TaskState{TaskID: t.ID, Name: t.Name, Status: TaskUnresolved, Reason: "verification timed out"})
			continue
		}

		if verrs[i] != nil {
			taskVerdictsTotal.WithLabelValues(TaskError).Inc()
			zap.L().Error("task verification failed",
				zap.String("quest_id", questID),
				zap.String("task_id", t.ID),
				zap.Error(verrs[i]),
			)
			states = append(states, TaskState{TaskID: t.ID, Name: t.Name, Status: TaskError, Reason: verrs[i].Error()})
			continue
		}

		switch verdicts[i].Status {
		case verifier.StatusSatisfied:
			taskVerdictsTotal.WithLabelValues(TaskCompleted).Inc()
			rec, err = s.store.RecordCompletion(pctx, userAddress, questID, t.ID, verdicts[i].Evidence, int64(len(q.Tasks)))
			if err != nil {
				return nil, err
			}
			now := time.Now()
			states = append(states, TaskState{TaskID: t.ID, Name: t.Name, Status: TaskCompleted, CompletedAt: &now})
		case verifier.StatusUnsatisfied:
			taskVerdictsTotal.WithLabelValues(TaskUnsatisfied).Inc()
			states = append(states, TaskState{TaskID: t.ID, Name: t.Name, Status: TaskUnsatisfied, Reason: verdicts[i].Reason})
		default:
			// Unresolved, or a verdict the deadline cut off mid-flight.
			reason := verdicts[i].Reason
			if reason == "" {
				reason = "verification timed out"
			}
			taskVerdictsTotal.WithLabelValues(TaskUnresolved).Inc()
			states = append(states, TaskState{TaskID: t.ID, Name: t.Name, Status: TaskUnresolved, Reason: reason})
		}
	}

	// An issuance failure never hides recorded progress: the record stays
	// completed, the snapshot reports the reward as pending, and the
	// reconciliation sweep retries the grant.
	grant, err := s.settleReward(pctx, q, rec, reward.SourceCheck)
	if err != nil {
		zap.L().Error("reward issuance failed",
			zap.String("quest_id", questID),
			zap.String("user_address", userAddress),
			zap.Error(err),
		)
		grant = nil
	}

	checksTotal.WithLabelValues("processed").Inc()
	return s.buildSnapshot(q, rec, states, grant), nil
}

// GetProgress is the read-only view: stored state only, no chain traffic.
// It stays available for disabled and expired quests.
func (s *Service) GetProgress(ctx context.Context, questID, address string) (*Snapshot, error) {
	if !common.IsHexAddress(address) {
		return nil, errutil.BadRequest("address is not a valid hex address", nil)
	}
	userAddress := common.HexToAddress(address).Hex()

	q, err := s.quests.Get(ctx, questID)
	if err != nil {
		return nil, err
	}

	rec, err := s.store.Get(ctx, userAddress, questID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		snap := &Snapshot{
			QuestID:     questID,
			UserAddress: userAddress,
			Status:      StatusNotStarted,
			TotalTasks:  len(q.Tasks),
			Tasks:       make([]TaskState, 0),
		}
		return snap, nil
	}

	done, err := s.store.CompletedTaskIDs(ctx, userAddress, questID)
	if err != nil {
		return nil, err
	}

	states := make([]TaskState, 0, len(q.Tasks))
	for i := range q.Tasks {
		t := &q.Tasks[i]
		if completion, ok := done[t.ID]; ok {
			at := completion.CompletedAt
			states = append(states, TaskState{TaskID: t.ID, Name: t.Name, Status: TaskCompleted, CompletedAt: &at})
		} else {
			states = append(states, TaskState{TaskID: t.ID, Name: t.Name, Status: TaskPending})
		}
	}

	var grant *reward.Grant
	if rec.Status == progression.StatusRewardIssued {
		if grant, err = s.rewards.Get(ctx, userAddress, questID); err != nil {
			return nil, err
		}
	}

	return s.buildSnapshot(q, rec, states, grant), nil
}

// Participants reports completion counts and the earliest finishers.
func (s *Service) Participants(ctx context.Context, questID string, firstN int) (int64, []*progression.Record, error) {
	if _, err := s.quests.Get(ctx, questID); err != nil {
		return 0, nil, err
	}
	return s.store.Participants(ctx, questID, firstN)
}

// Finishers returns one page of completed records in finish order.
func (s *Service) Finishers(ctx context.Context, questID string, page pagination.Pagination) ([]*progression.Record, *pagination.PageInfo, error) {
	if _, err := s.quests.Get(ctx, questID); err != nil {
		return nil, nil, err
	}

	limit := page.Limit
	if limit <= 0 {
		limit = 25
	}

	var cursor *pagination.Cursor
	if page.Cursor != "" {
		var err error
		if cursor, err = pagination.DecodeCursor(page.Cursor); err != nil {
			return nil, nil, errutil.BadRequest("malformed cursor", err, errutil.WithErr(err))
		}
	}

	rows, err := s.store.ListFinishers(ctx, questID, cursor, limit)
	if err != nil {
		return nil, nil, err
	}

	rows, info := pagination.BuildCursorPageInfo(rows, limit, func(rec *progression.Record) string {
		at := ""
		if rec.CompletedAt != nil {
			at = rec.CompletedAt.UTC().Format(time.RFC3339Nano)
		}
		next, _ := pagination.EncodeCursor(pagination.Cursor{CompletedAt: at, ID: rec.ID})
		return next
	})
	return rows, info, nil
}

// Reconcile sweeps completed-but-unrewarded records and re-drives issuance.
// An empty questID sweeps every quest. Safe to run concurrently with live
// checks: both sides converge on the same grant row.
func (s *Service) Reconcile(ctx context.Context, questID string) (int, error) {
	reconcileSweepsTotal.Inc()

	sweepRef, err := s.seq.NextSweepRef(ctx)
	if err != nil {
		return 0, err
	}

	var quests []*quest.Quest
	if questID != "" {
		q, err := s.quests.Get(ctx, questID)
		if err != nil {
			return 0, err
		}
		quests = append(quests, q)
	} else {
		if quests, err = s.quests.List(ctx, quest.ListQuery{IncludeHidden: true}); err != nil {
			return 0, err
		}
	}

	cutoff := time.Now().Add(-reconcileGrace)
	issued := 0

	for _, q := range quests {
		stalled, err := s.store.Stalled(ctx, q.ID, cutoff, s.cfg.Reconcile.BatchSize)
		if err != nil {
			return issued, err
		}

		for _, rec := range stalled {
			grant, err := s.settleReward(ctx, q, rec, reward.SourceReconcile)
			if err != nil {
				zap.L().Error("reconcile failed for record",
					zap.String("sweep", sweepRef),
					zap.String("quest_id", q.ID),
					zap.String("user_address", rec.UserAddress),
					zap.Error(err),
				)
				continue
			}
			if grant != nil {
				issued++
			}
		}
	}

	zap.L().Info("reconciliation sweep finished",
		zap.String("sweep", sweepRef),
		zap.String("quest_id", questID),
		zap.Int("issued", issued),
	)
	return issued, nil
}

// settleReward drives a completed record to reward-issued. Issue goes first:
// it is idempotent under the grant's unique constraint, so replaying after a
// crash between the two writes converges instead of double-paying.
func (s *Service) settleReward(ctx context.Context, q *quest.Quest, rec *progression.Record, source string) (*reward.Grant, error) {
	switch rec.Status {
	case progression.StatusRewardIssued:
		return s.rewards.Get(ctx, rec.UserAddress, q.ID)
	case progression.StatusCompleted:
	default:
		return nil, nil
	}

	grant, err := s.rewards.Issue(ctx, reward.IssueRequest{
		UserAddress: rec.UserAddress,
		QuestID:     q.ID,
		Kind:        q.RewardKind,
		Amount:      q.RewardAmount,
		Source:      source,
	})
	if err != nil {
		return nil, err
	}

	claimed, err := s.store.MarkRewardIssued(ctx, rec.UserAddress, q.ID)
	if err != nil {
		return nil, err
	}
	if claimed {
		grantsIssuedTotal.WithLabelValues(source).Inc()
	}
	// Losing the guarded update means a concurrent caller claimed first.
	// The grant exists either way and status only moves forward, so the
	// record is reward-issued for winner and loser alike.
	rec.Status = progression.StatusRewardIssued

	return grant, nil
}

func (s *Service) buildSnapshot(q *quest.Quest, rec *progression.Record, states []TaskState, grant *reward.Grant) *Snapshot {
	completed := 0
	for _, st := range states {
		if st.Status == TaskCompleted {
			completed++
		}
	}

	snap := &Snapshot{
		QuestID:        q.ID,
		UserAddress:    rec.UserAddress,
		Status:         string(rec.Status),
		CompletedTasks: completed,
		TotalTasks:     len(q.Tasks),
		Tasks:          states,
		CompletedAt:    rec.CompletedAt,
	}
	if grant != nil {
		snap.GrantReference = grant.Reference
	}
	if rec.Status == progression.StatusCompleted {
		snap.RewardPending = true
	}
	return snap
}
