package join

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrJoinNotReady is the transient error the dispatcher treats like any
// handler error, i.e. reschedule.
var ErrJoinNotReady = errors.New("join: not ready")

// EnqueueFunc lets JoinWaitHandler emit a follow-up outbox message without
// importing internal/outbox directly (avoids a join->outbox->join import
// cycle, since outbox messages can themselves name a join).
type EnqueueFunc func(ctx context.Context, topic, payload string) error

// WaitPayload is the expected shape of a join-wait outbox message payload.
type WaitPayload struct {
	JoinID uuid.UUID `json:"joinId"`
}

// JoinWaitHandler consumes an outbox message naming a joinId and advances
// the join to its terminal status once all expected steps have reported.
type JoinWaitHandler struct {
	store               *Store
	failIfAnyStepFailed bool
	onCompleteTopic     string
	onFailTopic         string
	enqueue             EnqueueFunc
}

// NewJoinWaitHandler constructs a handler bound to a join store. Empty
// onCompleteTopic/onFailTopic skip the corresponding follow-up enqueue.
func NewJoinWaitHandler(store *Store, failIfAnyStepFailed bool, onCompleteTopic, onFailTopic string, enqueue EnqueueFunc) *JoinWaitHandler {
	return &JoinWaitHandler{
		store:               store,
		failIfAnyStepFailed: failIfAnyStepFailed,
		onCompleteTopic:     onCompleteTopic,
		onFailTopic:         onFailTopic,
		enqueue:             enqueue,
	}
}

// Handle implements the dispatch.Handler contract.
func (h *JoinWaitHandler) Handle(ctx context.Context, payload string) error {
	var p WaitPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return fmt.Errorf("join: parse wait payload: %w", err)
	}

	j, err := h.store.Get(ctx, p.JoinID)
	if err != nil {
		return err
	}

	if j.CompletedSteps+j.FailedSteps < j.ExpectedSteps {
		return ErrJoinNotReady
	}

	if h.failIfAnyStepFailed && j.FailedSteps > 0 {
		if err := h.store.UpdateStatus(ctx, p.JoinID, StatusFailed); err != nil {
			return err
		}

		return h.maybeEnqueue(ctx, h.onFailTopic, payload)
	}

	if err := h.store.UpdateStatus(ctx, p.JoinID, StatusCompleted); err != nil {
		return err
	}

	return h.maybeEnqueue(ctx, h.onCompleteTopic, payload)
}

func (h *JoinWaitHandler) maybeEnqueue(ctx context.Context, topic, payload string) error {
	if topic == "" || h.enqueue == nil {
		return nil
	}

	return h.enqueue(ctx, topic, payload)
}
