package agent

import (
	"context"
	"fmt"

	"hive/internal/bus"
	"hive/internal/capability"
	"hive/internal/log"
	"hive/internal/message"
	"hive/internal/store"
)

// WorkFunc produces a worker's artifact content for a delegated task.
// Returning an error makes the worker report TASK_FAILED instead of writing
// an artifact.
type WorkFunc func(ctx context.Context, taskID, payload string) ([]byte, error)

// Worker executes delegated tasks. On DELEGATED_TASK it runs its WorkFunc,
// writes the artifact to the shared store under {id}_{taskID}_spec.md, and
// reports TASK_COMPLETE to the router. On any failure it reports
// TASK_FAILED with the reason.
type Worker struct {
	*Runtime

	caps     capability.Set
	bus      *bus.Bus
	store    store.Store
	routerID string
	work     WorkFunc
}

// NewWorker builds a worker agent.
func NewWorker(id string, caps capability.Set, b *bus.Bus, s store.Store, routerID string, work WorkFunc) *Worker {
	w := &Worker{
		caps:     caps,
		bus:      b,
		store:    s,
		routerID: routerID,
		work:     work,
	}
	w.Runtime = NewRuntime(id, b, func(ctx context.Context) {
		b.Subscribe(id, message.TypeDelegatedTask, w.handleDelegated)
	})
	return w
}

// Capabilities returns the worker's advertised capability tags.
func (w *Worker) Capabilities() capability.Set {
	return w.caps
}

func (w *Worker) handleDelegated(ctx context.Context, msg message.Message) error {
	log.Info(log.CatAgent, "worker received task", "agent", w.ID(), "task", msg.TaskID)

	content, err := w.work(ctx, msg.TaskID, msg.Payload)
	if err != nil {
		log.ErrorErr(log.CatAgent, "work failed", err, "agent", w.ID(), "task", msg.TaskID)
		return w.bus.Publish(ctx, w.routerID, message.TaskFailed(w.ID(), msg.TaskID, err.Error()))
	}

	key := fmt.Sprintf("%s_%s_spec.md", w.ID(), msg.TaskID)
	if err := w.store.Write(key, content); err != nil {
		log.ErrorErr(log.CatAgent, "artifact write failed", err, "agent", w.ID(), "task", msg.TaskID)
		return w.bus.Publish(ctx, w.routerID, message.TaskFailed(w.ID(), msg.TaskID, fmt.Sprintf("artifact write failed: %v", err)))
	}

	log.Info(log.CatAgent, "artifact written", "agent", w.ID(), "task", msg.TaskID, "key", key)
	return w.bus.Publish(ctx, w.routerID, message.TaskComplete(w.ID(), msg.TaskID))
}
