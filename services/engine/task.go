package engine

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
)

const TypeRewardReconcile = "reward:reconcile"

type ReconcilePayload struct {
	QuestID string `json:"quest_id,omitempty"`
}

// NewReconcileTask enqueues a sweep. An empty quest ID sweeps everything.
func NewReconcileTask(questID string) (*asynq.Task, error) {
	payload, err := json.Marshal(ReconcilePayload{QuestID: questID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRewardReconcile, payload), nil
}

func registerTaskHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(TypeRewardReconcile, svc.handleReconcileTask)
}

func (s *Service) handleReconcileTask(ctx context.Context, t *asynq.Task) error {
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}

	_, err := s.Reconcile(ctx, payload.QuestID)
	return err
}
