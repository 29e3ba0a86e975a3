package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"questplane/pkg/config"
	"questplane/pkg/db/pagination"
	"questplane/services/progression"
	"questplane/services/quest"
	"questplane/services/reward"
	"questplane/services/testutil"
	"questplane/services/verifier"

	"github.com/bwmarrin/snowflake"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const userAddr = "0x00000000000000000000000000000000000000Aa"

type stubSequence struct {
	n atomic.Int64
}

func (s *stubSequence) NextGrantRef(ctx context.Context, questID string) (string, error) {
	return fmt.Sprintf("GRT-TEST-%03d", s.n.Add(1)), nil
}

func (s *stubSequence) NextSweepRef(ctx context.Context) (string, error) {
	return fmt.Sprintf("SWP-TEST-%03d", s.n.Add(1)), nil
}

// failingSequence simulates the reference allocator's redis being down.
type failingSequence struct{}

func (failingSequence) NextGrantRef(ctx context.Context, questID string) (string, error) {
	return "", fmt.Errorf("redis: connection refused")
}

func (failingSequence) NextSweepRef(ctx context.Context) (string, error) {
	return "", fmt.Errorf("redis: connection refused")
}

type countingDispatcher struct {
	mu     sync.Mutex
	grants []*reward.Grant
}

func (d *countingDispatcher) Dispatch(ctx context.Context, grant *reward.Grant) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.grants = append(d.grants, grant)
	return nil
}

func (d *countingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.grants)
}

// scriptedVerifier returns a per-task verdict and counts invocations.
type scriptedVerifier struct {
	mu       sync.Mutex
	verdicts map[string]verifier.Verdict
	errs     map[string]error
	calls    map[string]int
}

func newScriptedVerifier() *scriptedVerifier {
	return &scriptedVerifier{
		verdicts: make(map[string]verifier.Verdict),
		errs:     make(map[string]error),
		calls:    make(map[string]int),
	}
}

func (f *scriptedVerifier) set(taskID string, v verifier.Verdict) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verdicts[taskID] = v
}

func (f *scriptedVerifier) setErr(taskID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[taskID] = err
}

func (f *scriptedVerifier) callCount(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[taskID]
}

func (f *scriptedVerifier) Verify(ctx context.Context, task *quest.Task, address common.Address) (verifier.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[task.ID]++
	if err, ok := f.errs[task.ID]; ok {
		return verifier.Verdict{}, err
	}
	if v, ok := f.verdicts[task.ID]; ok {
		return v, nil
	}
	return verifier.Verdict{Status: verifier.StatusUnsatisfied, Reason: "unscripted"}, nil
}

type fixture struct {
	svc        *Service
	cfg        *config.Config
	db         *gorm.DB
	quests     *quest.Service
	store      *progression.Store
	rewards    *reward.Service
	verifier   *scriptedVerifier
	dispatcher *countingDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&quest.Quest{}, &quest.Task{},
		&progression.Record{}, &progression.TaskCompletion{},
		&reward.Grant{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Engine.RequestTimeout = 10 * time.Second
	cfg.Reconcile.BatchSize = 100

	questSvc := quest.NewService(quest.ServiceParams{DB: db, Node: node})
	store := progression.NewStore(progression.StoreParams{DB: db, Node: node})
	dispatcher := &countingDispatcher{}
	seq := &stubSequence{}
	rewardSvc := reward.NewService(reward.ServiceParams{DB: db, Node: node, Seq: seq, Dispatcher: dispatcher})
	scripted := newScriptedVerifier()

	return &fixture{
		svc:        NewServiceWith(cfg, questSvc, store, scripted, rewardSvc, seq),
		cfg:        cfg,
		db:         db,
		quests:     questSvc,
		store:      store,
		rewards:    rewardSvc,
		verifier:   scripted,
		dispatcher: dispatcher,
	}
}

func (f *fixture) createQuest(t *testing.T, taskCount int) *quest.Quest {
	t.Helper()

	params, err := json.Marshal(quest.BalanceRuleParams{Threshold: "1"})
	require.NoError(t, err)

	tasks := make([]quest.TaskInput, 0, taskCount)
	for i := 0; i < taskCount; i++ {
		tasks = append(tasks, quest.TaskInput{
			Name:       fmt.Sprintf("task %d", i+1),
			RuleKind:   quest.RuleBalanceAtLeast,
			RuleParams: params,
		})
	}

	q, err := f.quests.Create(context.Background(), quest.CreateRequest{
		Name:         "hold the line",
		Issuer:       "issuer-1",
		RewardKind:   "points",
		RewardAmount: 100,
		Tasks:        tasks,
	})
	require.NoError(t, err)
	return q
}

func satisfiedVerdict(t *testing.T) verifier.Verdict {
	t.Helper()
	ev, err := json.Marshal(verifier.Evidence{Rule: quest.RuleBalanceAtLeast, BlockNumber: 42, Observed: "5", Expected: "1"})
	require.NoError(t, err)
	return verifier.Verdict{Status: verifier.StatusSatisfied, Evidence: ev}
}

func TestCheckProgressCompletesAndIssuesReward(t *testing.T) {
	f := newFixture(t)
	q := f.createQuest(t, 2)

	for _, task := range q.Tasks {
		f.verifier.set(task.ID, satisfiedVerdict(t))
	}

	snap, err := f.svc.CheckProgress(context.Background(), q.ID, userAddr)
	require.NoError(t, err)
	require.Equal(t, string(progression.StatusRewardIssued), snap.Status)
	require.Equal(t, 2, snap.CompletedTasks)
	require.NotEmpty(t, snap.GrantReference)
	require.Equal(t, 1, f.dispatcher.count())
}

func TestCheckProgressPersistsPartialProgress(t *testing.T) {
	f := newFixture(t)
	q := f.createQuest(t, 2)

	f.verifier.set(q.Tasks[0].ID, satisfiedVerdict(t))
	f.verifier.set(q.Tasks[1].ID, verifier.Verdict{Status: verifier.StatusUnresolved, Reason: "chain node unreachable"})

	snap, err := f.svc.CheckProgress(context.Background(), q.ID, userAddr)
	require.NoError(t, err)
	require.Equal(t, string(progression.StatusInProgress), snap.Status)
	require.Equal(t, 1, snap.CompletedTasks)
	require.Equal(t, TaskUnresolved, snap.Tasks[1].Status)
	require.Zero(t, f.dispatcher.count())

	// Node recovers; next check finishes the quest.
	f.verifier.set(q.Tasks[1].ID, satisfiedVerdict(t))

	snap, err = f.svc.CheckProgress(context.Background(), q.ID, userAddr)
	require.NoError(t, err)
	require.Equal(t, string(progression.StatusRewardIssued), snap.Status)
	require.Equal(t, 2, snap.CompletedTasks)
	require.Equal(t, 1, f.dispatcher.count())
}

func TestCompletedTaskIsNeverReverified(t *testing.T) {
	f := newFixture(t)
	q := f.createQuest(t, 2)

	f.verifier.set(q.Tasks[0].ID, satisfiedVerdict(t))
	f.verifier.set(q.Tasks[1].ID, verifier.Verdict{Status: verifier.StatusUnsatisfied, Reason: "balance below threshold"})

	_, err := f.svc.CheckProgress(context.Background(), q.ID, userAddr)
	require.NoError(t, err)
	require.Equal(t, 1, f.verifier.callCount(q.Tasks[0].ID))

	// Chain state regressed; the recorded completion must hold.
	f.verifier.set(q.Tasks[0].ID, verifier.Verdict{Status: verifier.StatusUnsatisfied, Reason: "balance below threshold"})

	snap, err := f.svc.CheckProgress(context.Background(), q.ID, userAddr)
	require.NoError(t, err)
	require.Equal(t, 1, snap.CompletedTasks)
	require.Equal(t, TaskCompleted, snap.Tasks[0].Status)
	require.Equal(t, 1, f.verifier.callCount(q.Tasks[0].ID))
}

func TestRepeatCheckAfterRewardIsIdempotent(t *testing.T) {
	f := newFixture(t)
	q := f.createQuest(t, 1)
	f.verifier.set(q.Tasks[0].ID, satisfiedVerdict(t))

	first, err := f.svc.CheckProgress(context.Background(), q.ID, userAddr)
	require.NoError(t, err)
	require.NotEmpty(t, first.GrantReference)

	second, err := f.svc.CheckProgress(context.Background(), q.ID, userAddr)
	require.NoError(t, err)
	require.Equal(t, first.GrantReference, second.GrantReference)
	require.Equal(t, 1, f.dispatcher.count())
}

func TestConcurrentChecksIssueSingleGrant(t *testing.T) {
	f := newFixture(t)
	q := f.createQuest(t, 1)
	f.verifier.set(q.Tasks[0].ID, satisfiedVerdict(t))

	const racers = 4
	var wg sync.WaitGroup
	snaps := make([]*Snapshot, racers)
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snaps[i], errs[i] = f.svc.CheckProgress(context.Background(), q.ID, userAddr)
		}(i)
	}
	wg.Wait()

	// Winner and losers alike report the settled state.
	for i := 0; i < racers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, string(progression.StatusRewardIssued), snaps[i].Status)
		require.NotEmpty(t, snaps[i].GrantReference)
	}

	var grants int64
	require.NoError(t, f.db.Model(&reward.Grant{}).
		Where("user_address = ? AND quest_id = ?", common.HexToAddress(userAddr).Hex(), q.ID).
		Count(&grants).Error)
	require.Equal(t, int64(1), grants)
	require.Equal(t, 1, f.dispatcher.count())
}

func TestClaimRaceLoserReportsRewardIssued(t *testing.T) {
	f := newFixture(t)
	q := f.createQuest(t, 1)
	ctx := context.Background()
	user := common.HexToAddress(userAddr).Hex()

	_, err := f.store.GetOrCreate(ctx, user, q.ID)
	require.NoError(t, err)
	rec, err := f.store.RecordCompletion(ctx, user, q.ID, q.Tasks[0].ID, nil, 1)
	require.NoError(t, err)

	// The loser's view of the record, captured before the winner claims.
	stale := *rec

	winnerGrant, err := f.svc.settleReward(ctx, q, rec, reward.SourceCheck)
	require.NoError(t, err)
	require.NotNil(t, winnerGrant)
	require.Equal(t, progression.StatusRewardIssued, rec.Status)

	loserGrant, err := f.svc.settleReward(ctx, q, &stale, reward.SourceCheck)
	require.NoError(t, err)
	require.NotNil(t, loserGrant)
	require.Equal(t, winnerGrant.ID, loserGrant.ID)
	require.Equal(t, progression.StatusRewardIssued, stale.Status)
	require.Equal(t, 1, f.dispatcher.count())
}

func TestIssuanceFailureDoesNotHideProgress(t *testing.T) {
	f := newFixture(t)
	q := f.createQuest(t, 1)
	f.verifier.set(q.Tasks[0].ID, satisfiedVerdict(t))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	brokenRewards := reward.NewService(reward.ServiceParams{
		DB: f.db, Node: node, Seq: failingSequence{}, Dispatcher: f.dispatcher,
	})
	broken := NewServiceWith(f.cfg, f.quests, f.store, f.verifier, brokenRewards, failingSequence{})

	snap, err := broken.CheckProgress(context.Background(), q.ID, userAddr)
	require.NoError(t, err)
	require.Equal(t, string(progression.StatusCompleted), snap.Status)
	require.Equal(t, 1, snap.CompletedTasks)
	require.True(t, snap.RewardPending)
	require.Empty(t, snap.GrantReference)
	require.Zero(t, f.dispatcher.count())

	// The next check through a healthy issuer settles the grant.
	snap, err = f.svc.CheckProgress(context.Background(), q.ID, userAddr)
	require.NoError(t, err)
	require.Equal(t, string(progression.StatusRewardIssued), snap.Status)
	require.False(t, snap.RewardPending)
	require.NotEmpty(t, snap.GrantReference)
	require.Equal(t, 1, f.dispatcher.count())
}

func TestRuleErrorDoesNotBlockOtherTasks(t *testing.T) {
	f := newFixture(t)
	q := f.createQuest(t, 2)

	f.verifier.set(q.Tasks[0].ID, satisfiedVerdict(t))
	f.verifier.setErr(q.Tasks[1].ID, fmt.Errorf("unknown rule kind: proof-of-humanity"))

	snap, err := f.svc.CheckProgress(context.Background(), q.ID, userAddr)
	require.NoError(t, err)
	require.Equal(t, 1, snap.CompletedTasks)
	require.Equal(t, TaskCompleted, snap.Tasks[0].Status)
	require.Equal(t, TaskError, snap.Tasks[1].Status)
}

func TestCheckRefusedForInactiveQuest(t *testing.T) {
	f := newFixture(t)
	q := f.createQuest(t, 1)
	f.verifier.set(q.Tasks[0].ID, satisfiedVerdict(t))

	// Record some progress, then disable the quest.
	_, err := f.svc.CheckProgress(context.Background(), q.ID, userAddr)
	require.NoError(t, err)

	disabled := true
	_, err = f.quests.Update(context.Background(), "issuer-1", q.ID, quest.UpdateRequest{Disabled: &disabled})
	require.NoError(t, err)

	_, err = f.svc.CheckProgress(context.Background(), q.ID, userAddr)
	require.Error(t, err)

	// Stored progress stays readable.
	snap, err := f.svc.GetProgress(context.Background(), q.ID, userAddr)
	require.NoError(t, err)
	require.Equal(t, 1, snap.CompletedTasks)
}

func TestCheckRejectsMalformedAddress(t *testing.T) {
	f := newFixture(t)
	q := f.createQuest(t, 1)

	_, err := f.svc.CheckProgress(context.Background(), q.ID, "not-an-address")
	require.Error(t, err)
}

func TestGetProgressForUnknownUser(t *testing.T) {
	f := newFixture(t)
	q := f.createQuest(t, 2)

	snap, err := f.svc.GetProgress(context.Background(), q.ID, userAddr)
	require.NoError(t, err)
	require.Equal(t, StatusNotStarted, snap.Status)
	require.Equal(t, 0, snap.CompletedTasks)
	require.Equal(t, 2, snap.TotalTasks)
}

func TestReconcileIssuesStalledReward(t *testing.T) {
	f := newFixture(t)
	q := f.createQuest(t, 1)
	ctx := context.Background()
	user := common.HexToAddress(userAddr).Hex()

	// Completed record whose grant never landed.
	_, err := f.store.GetOrCreate(ctx, user, q.ID)
	require.NoError(t, err)
	_, err = f.store.RecordCompletion(ctx, user, q.ID, q.Tasks[0].ID, nil, 1)
	require.NoError(t, err)

	// Age the record past the sweep grace period.
	old := time.Now().Add(-time.Hour)
	require.NoError(t, f.db.Model(&progression.Record{}).
		Where("user_address = ? AND quest_id = ?", user, q.ID).
		Update("updated_at", old).Error)

	issued, err := f.svc.Reconcile(ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, 1, issued)
	require.Equal(t, 1, f.dispatcher.count())

	rec, err := f.store.Get(ctx, user, q.ID)
	require.NoError(t, err)
	require.Equal(t, progression.StatusRewardIssued, rec.Status)

	// A second sweep finds nothing to do.
	issued, err = f.svc.Reconcile(ctx, q.ID)
	require.NoError(t, err)
	require.Zero(t, issued)
}

func TestReconcileConvergesAfterPartialIssue(t *testing.T) {
	f := newFixture(t)
	q := f.createQuest(t, 1)
	ctx := context.Background()
	user := common.HexToAddress(userAddr).Hex()

	_, err := f.store.GetOrCreate(ctx, user, q.ID)
	require.NoError(t, err)
	_, err = f.store.RecordCompletion(ctx, user, q.ID, q.Tasks[0].ID, nil, 1)
	require.NoError(t, err)

	// Grant landed but the status flip was lost.
	grant, err := f.rewards.Issue(ctx, reward.IssueRequest{
		UserAddress: user, QuestID: q.ID, Kind: "points", Amount: 100, Source: reward.SourceCheck,
	})
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, f.db.Model(&progression.Record{}).
		Where("user_address = ? AND quest_id = ?", user, q.ID).
		Update("updated_at", old).Error)

	issued, err := f.svc.Reconcile(ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, 1, issued)

	// Same grant, no double dispatch.
	after, err := f.rewards.Get(ctx, user, q.ID)
	require.NoError(t, err)
	require.Equal(t, grant.ID, after.ID)
	require.Equal(t, 1, f.dispatcher.count())

	rec, err := f.store.Get(ctx, user, q.ID)
	require.NoError(t, err)
	require.Equal(t, progression.StatusRewardIssued, rec.Status)
}

func TestFinishersPagination(t *testing.T) {
	f := newFixture(t)
	q := f.createQuest(t, 1)
	ctx := context.Background()

	addrs := []string{
		"0x0000000000000000000000000000000000000001",
		"0x0000000000000000000000000000000000000002",
		"0x0000000000000000000000000000000000000003",
	}
	for _, a := range addrs {
		user := common.HexToAddress(a).Hex()
		_, err := f.store.GetOrCreate(ctx, user, q.ID)
		require.NoError(t, err)
		_, err = f.store.RecordCompletion(ctx, user, q.ID, q.Tasks[0].ID, nil, 1)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	page1, info, err := f.svc.Finishers(ctx, q.ID, pagination.Pagination{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.True(t, info.HasMore)
	require.NotEmpty(t, info.NextCursor)

	page2, info2, err := f.svc.Finishers(ctx, q.ID, pagination.Pagination{Limit: 2, Cursor: info.NextCursor})
	require.NoError(t, err)
	require.Len(t, page2, 1)
	require.False(t, info2.HasMore)

	// Finish order, no overlap between pages.
	require.NotEqual(t, page1[0].UserAddress, page2[0].UserAddress)
	require.NotEqual(t, page1[1].UserAddress, page2[0].UserAddress)
}

func TestParticipantsAfterCompletion(t *testing.T) {
	f := newFixture(t)
	q := f.createQuest(t, 1)
	f.verifier.set(q.Tasks[0].ID, satisfiedVerdict(t))

	_, err := f.svc.CheckProgress(context.Background(), q.ID, userAddr)
	require.NoError(t, err)

	count, firsts, err := f.svc.Participants(context.Background(), q.ID, 3)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
	require.Len(t, firsts, 1)
	require.Equal(t, common.HexToAddress(userAddr).Hex(), firsts[0].UserAddress)
}
