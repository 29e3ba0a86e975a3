package progression

import (
	"context"
	"errors"
	"strings"
	"time"

	"questplane/pkg/db/option"
	"questplane/pkg/db/pagination"
	"questplane/pkg/errutil"
	"questplane/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db   *gorm.DB
	node *snowflake.Node

	records     repository.Repository[Record]
	completions repository.Repository[TaskCompletion]
}

type StoreParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewStore(p StoreParams) *Store {
	return &Store{
		db:   p.DB,
		node: p.Node,

		records:     repository.ProvideStore[Record](p.DB),
		completions: repository.ProvideStore[TaskCompletion](p.DB),
	}
}

// GetOrCreate returns the record for (user, quest), creating it on first
// touch. A losing racer re-reads the winner's row instead of failing.
func (s *Store) GetOrCreate(ctx context.Context, userAddress, questID string) (*Record, error) {
	rec, err := s.records.FindOne(ctx, &Record{UserAddress: userAddress, QuestID: questID})
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}

	rec = &Record{
		ID:          s.node.Generate().String(),
		UserAddress: userAddress,
		QuestID:     questID,
		Status:      StatusInProgress,
	}
	if err := s.records.Create(ctx, rec); err != nil {
		if !isDuplicate(err) {
			return nil, err
		}
		return s.records.FindOne(ctx, &Record{UserAddress: userAddress, QuestID: questID})
	}
	return rec, nil
}

// Get returns the record for (user, quest), or nil when the user never
// started the quest.
func (s *Store) Get(ctx context.Context, userAddress, questID string) (*Record, error) {
	return s.records.FindOne(ctx, &Record{UserAddress: userAddress, QuestID: questID})
}

// CompletedTaskIDs returns the task IDs this address has already satisfied.
func (s *Store) CompletedTaskIDs(ctx context.Context, userAddress, questID string) (map[string]*TaskCompletion, error) {
	rows, err := s.completions.Find(ctx, &TaskCompletion{UserAddress: userAddress, QuestID: questID})
	if err != nil {
		return nil, err
	}

	out := make(map[string]*TaskCompletion, len(rows))
	for _, row := range rows {
		out[row.TaskID] = row
	}
	return out, nil
}

// RecordCompletion persists a satisfied task and, when it was the last
// outstanding one, flips the record to completed. The insert and the status
// transition share one transaction so a crash between them cannot lose the
// completion. Replays of an already-recorded task are no-ops.
func (s *Store) RecordCompletion(ctx context.Context, userAddress, questID, taskID string, evidence []byte, totalTasks int64) (*Record, error) {
	var rec *Record

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		completion := &TaskCompletion{
			ID:          s.node.Generate().String(),
			UserAddress: userAddress,
			QuestID:     questID,
			TaskID:      taskID,
			Evidence:    datatypes.JSON(evidence),
		}
		// ON CONFLICT DO NOTHING keeps a replayed task from aborting the
		// transaction; the first recorded evidence is immutable.
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_address"}, {Name: "quest_id"}, {Name: "task_id"}},
			DoNothing: true,
		}).Create(completion).Error; err != nil {
			return err
		}

		locked, err := s.records.WithTrx(tx).FindOne(ctx,
			&Record{UserAddress: userAddress, QuestID: questID},
			option.WithLockingUpdate(),
		)
		if err != nil {
			return err
		}
		if locked == nil {
			return errutil.Internal("progression record missing for completion", nil)
		}
		rec = locked

		done, err := s.completions.WithTrx(tx).Count(ctx, &TaskCompletion{UserAddress: userAddress, QuestID: questID})
		if err != nil {
			return err
		}

		if done >= totalTasks && rec.Status == StatusInProgress {
			now := time.Now()
			if err := tx.Model(&Record{}).
				Where("id = ? AND status = ?", rec.ID, StatusInProgress).
				Updates(map[string]interface{}{
					"status":       StatusCompleted,
					"completed_at": now,
				}).Error; err != nil {
				return err
			}
			rec.Status = StatusCompleted
			rec.CompletedAt = &now

			zap.L().Info("quest completed",
				zap.String("user_address", userAddress),
				zap.String("quest_id", questID),
			)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkRewardIssued is the exactly-once gate for reward issuance. The guarded
// update only succeeds for the single caller that observes status=completed;
// everyone else sees zero rows affected and backs off.
func (s *Store) MarkRewardIssued(ctx context.Context, userAddress, questID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Record{}).
		Where("user_address = ? AND quest_id = ? AND status = ?", userAddress, questID, StatusCompleted).
		Updates(map[string]interface{}{
			"status":           StatusRewardIssued,
			"reward_issued_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Stalled returns records stuck in completed: the quest was finished but the
// reward grant never landed. The reconciliation sweep feeds on these.
func (s *Store) Stalled(ctx context.Context, questID string, olderThan time.Time, limit int) ([]*Record, error) {
	return s.records.Find(ctx,
		&Record{QuestID: questID, Status: StatusCompleted},
		option.ApplyOperator(option.Condition{Field: "updated_at", Operator: option.LT, Value: olderThan}),
		option.WithSortBy(option.QuerySortBy{SortBy: "updated_at"}),
		option.WithLimit(limit),
	)
}

// Participants reports how many addresses finished the quest and who got
// there first.
func (s *Store) Participants(ctx context.Context, questID string, firstN int) (int64, []*Record, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Record{}).
		Where("quest_id = ? AND status IN ?", questID, []RecordStatus{StatusCompleted, StatusRewardIssued}).
		Count(&count).Error; err != nil {
		return 0, nil, err
	}

	var firsts []*Record
	if firstN > 0 {
		if err := s.db.WithContext(ctx).
			Where("quest_id = ? AND status IN ?", questID, []RecordStatus{StatusCompleted, StatusRewardIssued}).
			Order("completed_at ASC").
			Limit(firstN).
			Find(&firsts).Error; err != nil {
			return 0, nil, err
		}
	}

	return count, firsts, nil
}

// ListFinishers pages through completed records in finish order. The keyset
// cursor on (completed_at, id) keeps the listing stable while new finishers
// keep arriving. Over-fetches one row so the caller can tell whether more
// pages remain.
func (s *Store) ListFinishers(ctx context.Context, questID string, cursor *pagination.Cursor, limit int) ([]*Record, error) {
	db := s.db.WithContext(ctx).
		Where("quest_id = ? AND status IN ?", questID, []RecordStatus{StatusCompleted, StatusRewardIssued})

	if cursor != nil && cursor.CompletedAt != "" {
		after, err := time.Parse(time.RFC3339Nano, cursor.CompletedAt)
		if err != nil {
			return nil, errutil.BadRequest("malformed cursor timestamp", err, errutil.WithErr(err))
		}
		db = db.Where("(completed_at, id) > (?, ?)", after, cursor.ID)
	}

	var out []*Record
	if err := db.Order("completed_at ASC, id ASC").Limit(limit + 1).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// isDuplicate detects a unique-constraint violation across the drivers we
// run against.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint failed")
}
