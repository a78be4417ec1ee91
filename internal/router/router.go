// Package router implements the librarian: the routing agent that matches
// submitted tasks to capable workers, consolidates finished artifacts into
// the ledger, and drives every task to a terminal state.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"hive/internal/agent"
	"hive/internal/bus"
	"hive/internal/capability"
	"hive/internal/ledger"
	"hive/internal/log"
	"hive/internal/message"
	"hive/internal/queue"
	"hive/internal/store"
	"hive/internal/task"
	"hive/internal/tracing"
)

// DefaultDelegationTimeout bounds how long a task may sit delegated without
// a completion signal before the sweeper fails it. Zero disables the sweep.
const DefaultDelegationTimeout = 2 * time.Minute

// DefaultRetryBackoff is the wait before the single ledger append retry.
const DefaultRetryBackoff = 250 * time.Millisecond

// Router is the librarian agent.
//
// Each worker runs at most one delegated task at a time; further tasks
// routed to a busy worker queue in FIFO order and are delegated as the
// worker frees up.
type Router struct {
	*agent.Runtime

	bus      *bus.Bus
	registry task.Registry
	store    store.Store
	ledger   *ledger.Ledger
	tracer   trace.Tracer

	timeout time.Duration
	backoff time.Duration

	// routing state. Handlers never hold mu across a bus publish because a
	// synchronous publish can re-enter the router on the same goroutine.
	mu      sync.Mutex
	workers map[string]capability.Set
	active  map[string]string // worker ID -> delegated task ID
	queues  map[string]*queue.TaskQueue
	taskMu  map[string]*sync.Mutex // per-task terminal-decision locks
}

// Option configures a Router.
type Option func(*Router)

// WithTracer attaches a tracer for lifecycle spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Router) {
		r.tracer = t
	}
}

// WithDelegationTimeout overrides the sweep timeout. Zero disables sweeping.
func WithDelegationTimeout(d time.Duration) Option {
	return func(r *Router) {
		r.timeout = d
	}
}

// WithRetryBackoff overrides the ledger retry backoff.
func WithRetryBackoff(d time.Duration) Option {
	return func(r *Router) {
		r.backoff = d
	}
}

// New builds the router with the given identity.
func New(id string, b *bus.Bus, reg task.Registry, s store.Store, l *ledger.Ledger, opts ...Option) *Router {
	r := &Router{
		bus:      b,
		registry: reg,
		store:    s,
		ledger:   l,
		tracer:   noop.NewTracerProvider().Tracer("noop"),
		timeout:  DefaultDelegationTimeout,
		backoff:  DefaultRetryBackoff,
		workers:  make(map[string]capability.Set),
		active:   make(map[string]string),
		queues:   make(map[string]*queue.TaskQueue),
		taskMu:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.Runtime = agent.NewRuntime(id, b, func(ctx context.Context) {
		b.Subscribe(id, message.TypeNewTask, r.handleNewTask)
		b.Subscribe(id, message.TypeTaskComplete, r.handleComplete)
		b.Subscribe(id, message.TypeTaskFailed, r.handleFailed)
	})
	return r
}

// RegisterWorker adds a worker to the routing table. The router never
// delegates to itself, so registering the router's own ID is ignored.
func (r *Router) RegisterWorker(id string, caps capability.Set) {
	if id == r.ID() {
		log.Warn(log.CatRouter, "refusing to register router as worker", "agent", id)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[id] = caps
	if r.queues[id] == nil {
		r.queues[id] = queue.NewTaskQueue(0)
	}
	log.Info(log.CatRouter, "worker registered", "agent", id, "capabilities", caps.Tags())
}

// delegation is a decided handoff, published after the state lock releases.
type delegation struct {
	agentID string
	taskID  string
	payload string
}

func (r *Router) handleNewTask(ctx context.Context, msg message.Message) error {
	ctx, span := r.tracer.Start(ctx, tracing.SpanRoute, trace.WithAttributes(
		attribute.String(tracing.AttrTaskID, msg.TaskID),
		attribute.Int(tracing.AttrPayloadLen, len(msg.Payload)),
	))
	defer span.End()

	d, err := r.route(ctx, msg.TaskID, msg.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if d != nil {
		span.SetAttributes(attribute.String(tracing.AttrAgentID, d.agentID))
		return r.delegate(ctx, *d)
	}
	return nil
}

// route decides where a task goes. It either picks and reserves a worker,
// queues the task behind a busy worker, or fails the task when no worker is
// capable. The returned delegation, if any, must be published by the caller.
func (r *Router) route(ctx context.Context, taskID, payload string) (*delegation, error) {
	r.mu.Lock()

	agentID, ok := r.selectWorkerLocked(payload)
	if !ok {
		r.mu.Unlock()
		routeErr := &NoCapableAgentError{TaskID: taskID}
		log.Warn(log.CatRouter, "no capable agent", "task", taskID)
		if _, err := r.registry.Transition(ctx, taskID, task.StateFailed, task.WithFailureReason(routeErr.Error())); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if _, busy := r.active[agentID]; busy {
		err := r.queues[agentID].Enqueue(queue.PendingTask{
			TaskID:     taskID,
			Payload:    payload,
			EnqueuedAt: time.Now(),
		})
		r.mu.Unlock()
		if err != nil {
			failErr := fmt.Sprintf("worker %s queue full", agentID)
			if _, terr := r.registry.Transition(ctx, taskID, task.StateFailed, task.WithFailureReason(failErr)); terr != nil {
				return nil, terr
			}
			return nil, nil
		}
		log.Info(log.CatRouter, "task queued behind busy worker", "task", taskID, "agent", agentID)
		return nil, nil
	}

	r.active[agentID] = taskID
	r.mu.Unlock()

	if _, err := r.registry.Transition(ctx, taskID, task.StateDelegated, task.WithAssignee(agentID)); err != nil {
		r.mu.Lock()
		delete(r.active, agentID)
		r.mu.Unlock()
		return nil, err
	}
	return &delegation{agentID: agentID, taskID: taskID, payload: payload}, nil
}

// selectWorkerLocked picks the worker for a payload: the lexicographically
// smallest capability tag occurring in the payload wins, then the
// lexicographically smallest worker advertising that tag breaks ties.
func (r *Router) selectWorkerLocked(payload string) (string, bool) {
	var known []capability.Tag
	for _, caps := range r.workers {
		known = append(known, caps.Tags()...)
	}

	tag, ok := capability.Match(payload, known)
	if !ok {
		return "", false
	}

	var candidates []string
	for id, caps := range r.workers {
		if caps.Has(tag) {
			candidates = append(candidates, id)
		}
	}
	sort.Strings(candidates)
	return candidates[0], true
}

// lockTask serializes terminal decisions for one task. Consolidation and the
// timeout sweep both drive a delegated task to a terminal state; holding the
// task lock across the whole read, append, delete, transition sequence keeps
// consolidation a single logical operation, and every holder re-reads the
// task state before acting. The lock is never held across a bus publish.
func (r *Router) lockTask(id string) func() {
	r.mu.Lock()
	m := r.taskMu[id]
	if m == nil {
		m = new(sync.Mutex)
		r.taskMu[id] = m
	}
	r.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (r *Router) delegate(ctx context.Context, d delegation) error {
	log.Info(log.CatRouter, "delegating task", "task", d.taskID, "agent", d.agentID)
	return r.bus.Publish(ctx, d.agentID, message.DelegatedTask(r.ID(), d.taskID, d.payload))
}

func (r *Router) handleComplete(ctx context.Context, msg message.Message) error {
	ctx, span := r.tracer.Start(ctx, tracing.SpanConsolidate, trace.WithAttributes(
		attribute.String(tracing.AttrTaskID, msg.TaskID),
		attribute.String(tracing.AttrAgentID, msg.AgentID),
	))
	defer span.End()

	unlock := r.lockTask(msg.TaskID)

	t, err := r.registry.Get(ctx, msg.TaskID)
	if err != nil {
		unlock()
		log.Warn(log.CatRouter, "completion for unknown task", "task", msg.TaskID, "agent", msg.AgentID)
		return nil
	}
	if t.State.IsTerminal() || t.AssignedTo != msg.AgentID {
		unlock()
		// late or duplicate signal, e.g. after a timeout already failed it
		log.Warn(log.CatRouter, "stale completion ignored", "task", msg.TaskID, "agent", msg.AgentID, "state", t.State)
		return nil
	}

	if err := r.consolidate(ctx, t, msg.AgentID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if _, terr := r.registry.Transition(ctx, msg.TaskID, task.StateFailed, task.WithFailureReason(err.Error())); terr != nil {
			unlock()
			return terr
		}
	}
	unlock()

	return r.releaseWorker(ctx, msg.AgentID)
}

// consolidate moves a finished artifact into the ledger: read, append,
// delete, then mark the task completed. The artifact is removed only after
// the ledger append succeeds, so a crash between steps re-consolidates
// idempotently on recovery rather than losing work.
func (r *Router) consolidate(ctx context.Context, t task.Task, agentID string) error {
	key := t.ArtifactKey()

	content, err := r.store.Read(key)
	if err == store.ErrNotFound {
		// the completion signal can land before the artifact is visible;
		// one re-read after the backoff, then give up
		select {
		case <-time.After(r.backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		content, err = r.store.Read(key)
		if err == store.ErrNotFound {
			return &ArtifactMissingError{TaskID: t.ID, AgentID: agentID, Key: key}
		}
	}
	if err != nil {
		return fmt.Errorf("read artifact %s: %w", key, err)
	}

	if err := r.appendWithRetry(ctx, t.ID, agentID, content); err != nil {
		// artifact stays in the store so nothing is lost
		return &LedgerWriteError{TaskID: t.ID, Err: err}
	}

	if err := r.store.Delete(key); err != nil && err != store.ErrNotFound {
		// ledger already has the content; a leftover artifact is harmless
		log.Warn(log.CatRouter, "artifact cleanup failed", "task", t.ID, "key", key, "error", err)
	}

	if _, err := r.registry.Transition(ctx, t.ID, task.StateCompleted); err != nil {
		return err
	}
	log.Info(log.CatRouter, "task completed", "task", t.ID, "agent", agentID)
	return nil
}

func (r *Router) appendWithRetry(ctx context.Context, taskID, agentID string, content []byte) error {
	err := r.ledger.Append(ctx, taskID, agentID, content)
	if err == nil {
		return nil
	}
	log.Warn(log.CatRouter, "ledger append failed, retrying", "task", taskID, "error", err)

	select {
	case <-time.After(r.backoff):
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.ledger.Append(ctx, taskID, agentID, content)
}

func (r *Router) handleFailed(ctx context.Context, msg message.Message) error {
	ctx, span := r.tracer.Start(ctx, tracing.SpanFail, trace.WithAttributes(
		attribute.String(tracing.AttrTaskID, msg.TaskID),
		attribute.String(tracing.AttrAgentID, msg.AgentID),
	))
	defer span.End()

	unlock := r.lockTask(msg.TaskID)

	t, err := r.registry.Get(ctx, msg.TaskID)
	if err != nil {
		unlock()
		log.Warn(log.CatRouter, "failure for unknown task", "task", msg.TaskID, "agent", msg.AgentID)
		return nil
	}
	if t.State.IsTerminal() || t.AssignedTo != msg.AgentID {
		unlock()
		log.Warn(log.CatRouter, "stale failure ignored", "task", msg.TaskID, "agent", msg.AgentID, "state", t.State)
		return nil
	}

	reason := msg.Reason
	if reason == "" {
		reason = "worker reported failure"
	}
	if _, err := r.registry.Transition(ctx, msg.TaskID, task.StateFailed, task.WithFailureReason(reason)); err != nil {
		unlock()
		return err
	}
	unlock()
	log.Warn(log.CatRouter, "task failed", "task", msg.TaskID, "agent", msg.AgentID, "reason", reason)

	return r.releaseWorker(ctx, msg.AgentID)
}

// releaseWorker frees a worker after a terminal signal and delegates the
// next queued task, if any.
func (r *Router) releaseWorker(ctx context.Context, agentID string) error {
	r.mu.Lock()
	delete(r.active, agentID)

	q := r.queues[agentID]
	if q == nil {
		r.mu.Unlock()
		return nil
	}
	next, ok := q.Dequeue()
	if !ok {
		r.mu.Unlock()
		return nil
	}
	r.active[agentID] = next.TaskID
	r.mu.Unlock()

	if _, err := r.registry.Transition(ctx, next.TaskID, task.StateDelegated, task.WithAssignee(agentID)); err != nil {
		r.mu.Lock()
		delete(r.active, agentID)
		r.mu.Unlock()
		return err
	}
	return r.delegate(ctx, delegation{agentID: agentID, taskID: next.TaskID, payload: next.Payload})
}

// SweepTimeouts fails every delegated task whose last state change is older
// than the delegation timeout, then frees the worker for its queue. Returns
// the IDs of the tasks it failed.
func (r *Router) SweepTimeouts(ctx context.Context) ([]string, error) {
	if r.timeout <= 0 {
		return nil, nil
	}

	all, err := r.registry.All(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-r.timeout)
	var failed []string
	for _, t := range all {
		if t.State != task.StateDelegated || t.UpdatedAt.After(cutoff) {
			continue
		}

		// a consolidation may be mid-flight for this task; the lock waits it
		// out, and the re-read below sees its terminal state
		unlock := r.lockTask(t.ID)
		fresh, err := r.registry.Get(ctx, t.ID)
		if err != nil || fresh.State != task.StateDelegated || fresh.UpdatedAt.After(cutoff) {
			unlock()
			continue
		}

		reason := fmt.Sprintf("delegation to %s timed out after %s", fresh.AssignedTo, r.timeout)
		if _, err := r.registry.Transition(ctx, t.ID, task.StateFailed, task.WithFailureReason(reason)); err != nil {
			unlock()
			log.ErrorErr(log.CatRouter, "timeout transition failed", err, "task", t.ID)
			continue
		}
		unlock()
		log.Warn(log.CatRouter, "delegation timed out", "task", t.ID, "agent", fresh.AssignedTo)
		failed = append(failed, t.ID)

		if err := r.releaseWorker(ctx, fresh.AssignedTo); err != nil {
			log.ErrorErr(log.CatRouter, "release after timeout failed", err, "agent", fresh.AssignedTo)
		}
	}
	return failed, nil
}

// RunSweeper periodically sweeps delegation timeouts until ctx is done.
// No-op when the timeout is disabled.
func (r *Router) RunSweeper(ctx context.Context, interval time.Duration) {
	if r.timeout <= 0 {
		return
	}
	if interval <= 0 {
		interval = r.timeout / 4
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.SweepTimeouts(ctx); err != nil {
				log.ErrorErr(log.CatRouter, "timeout sweep failed", err)
			}
		}
	}
}

// Recover reconciles registry state after a restart. Submitted tasks are
// routed again. Delegated tasks whose artifact already exists are
// consolidated; the rest keep waiting for their worker or the timeout sweep.
func (r *Router) Recover(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, tracing.SpanRecover)
	defer span.End()

	all, err := r.registry.All(ctx)
	if err != nil {
		return err
	}

	for _, t := range all {
		switch t.State {
		case task.StateSubmitted:
			log.Info(log.CatRouter, "recovering submitted task", "task", t.ID)
			d, err := r.route(ctx, t.ID, t.Payload)
			if err != nil {
				return err
			}
			if d != nil {
				if err := r.delegate(ctx, *d); err != nil {
					return err
				}
			}

		case task.StateDelegated:
			ok, err := r.store.Exists(t.ArtifactKey())
			if err != nil {
				return err
			}
			if ok {
				log.Info(log.CatRouter, "recovering finished artifact", "task", t.ID)
				unlock := r.lockTask(t.ID)
				if err := r.consolidate(ctx, t, t.AssignedTo); err != nil {
					log.ErrorErr(log.CatRouter, "recovery consolidation failed", err, "task", t.ID)
				}
				unlock()
				continue
			}
			// still in flight: reserve the worker so new work queues behind it
			r.mu.Lock()
			r.active[t.AssignedTo] = t.ID
			if r.queues[t.AssignedTo] == nil {
				r.queues[t.AssignedTo] = queue.NewTaskQueue(0)
			}
			r.mu.Unlock()
			log.Info(log.CatRouter, "delegated task still pending after restart", "task", t.ID, "agent", t.AssignedTo)

		case task.StateCompleted:
			// a crash between ledger append and artifact delete leaves the
			// artifact behind; sweep it so exactly one record remains
			ok, err := r.store.Exists(t.ArtifactKey())
			if err != nil {
				return err
			}
			if ok {
				if err := r.store.Delete(t.ArtifactKey()); err != nil {
					log.Warn(log.CatRouter, "could not remove leftover artifact", "task", t.ID, "error", err)
				}
			}
		}
	}
	return nil
}

// ActiveTask returns the task currently delegated to a worker, if any.
func (r *Router) ActiveTask(agentID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.active[agentID]
	return id, ok
}

// QueuedCount returns how many tasks wait behind a worker.
func (r *Router) QueuedCount(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[agentID]
	if q == nil {
		return 0
	}
	return q.Len()
}
