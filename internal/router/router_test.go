package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"hive/internal/agent"
	"hive/internal/bus"
	"hive/internal/capability"
	"hive/internal/ledger"
	"hive/internal/message"
	"hive/internal/store"
	"hive/internal/task"
)

type fixture struct {
	bus      *bus.Bus
	registry *task.MemoryRegistry
	store    *store.MemStore
	ledger   *ledger.Ledger
	router   *Router
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		bus:      bus.New(),
		registry: task.NewMemoryRegistry(),
		store:    store.NewMemStore(),
	}
	f.ledger = ledger.New(f.store)
	opts = append([]Option{WithRetryBackoff(time.Millisecond)}, opts...)
	f.router = New("librarian", f.bus, f.registry, f.store, f.ledger, opts...)
	require.NoError(t, f.router.Start(context.Background()))
	t.Cleanup(func() {
		f.router.Stop()
		f.bus.Close()
	})
	return f
}

// submit creates a registry task and announces it to the router.
func (f *fixture) submit(t *testing.T, payload string) task.Task {
	t.Helper()
	ctx := context.Background()
	created, err := f.registry.Create(ctx, payload)
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(ctx, "librarian", message.NewTask("manager", created.ID, payload)))
	return created
}

func (f *fixture) state(t *testing.T, id string) task.Task {
	t.Helper()
	got, err := f.registry.Get(context.Background(), id)
	require.NoError(t, err)
	return got
}

func TestRouteDelegatesToCapableWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var delivered []message.Message
	f.bus.Subscribe("probe", message.TypeDelegatedTask, func(ctx context.Context, msg message.Message) error {
		delivered = append(delivered, msg)
		return nil
	})
	f.router.RegisterWorker("probe", capability.NewSet("probe", "research"))

	created := f.submit(t, "probe the staging endpoint")

	require.Len(t, delivered, 1)
	require.Equal(t, created.ID, delivered[0].TaskID)

	got, err := f.registry.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, task.StateDelegated, got.State)
	require.Equal(t, "probe", got.AssignedTo)
}

func TestRoutePicksSmallestTagThenSmallestAgent(t *testing.T) {
	f := newFixture(t)

	var target string
	for _, id := range []string{"zulu", "alpha", "mike"} {
		id := id
		f.bus.Subscribe(id, message.TypeDelegatedTask, func(ctx context.Context, msg message.Message) error {
			target = id
			return nil
		})
	}
	f.router.RegisterWorker("zulu", capability.NewSet("analysis"))
	f.router.RegisterWorker("alpha", capability.NewSet("analysis"))
	f.router.RegisterWorker("mike", capability.NewSet("writing"))

	// both tags occur; analysis < writing, then alpha < zulu
	f.submit(t, "writing up the analysis")
	require.Equal(t, "alpha", target)
}

func TestRoutingIndependentOfRegistrationOrder(t *testing.T) {
	workers := []struct {
		id   string
		caps capability.Set
	}{
		{"ant", capability.NewSet("probe")},
		{"bee", capability.NewSet("probe", "research")},
		{"cow", capability.NewSet("research")},
	}

	rapid.Check(t, func(rt *rapid.T) {
		b := bus.New()
		defer b.Close()
		reg := task.NewMemoryRegistry()
		s := store.NewMemStore()
		r := New("librarian", b, reg, s, ledger.New(s))
		ctx := context.Background()
		require.NoError(rt, r.Start(ctx))
		defer r.Stop()

		order := []int{0, 1, 2}
		for i := len(order) - 1; i > 0; i-- {
			j := rapid.IntRange(0, i).Draw(rt, "j")
			order[i], order[j] = order[j], order[i]
		}
		for _, i := range order {
			w := workers[i]
			b.Subscribe(w.id, message.TypeDelegatedTask, func(ctx context.Context, msg message.Message) error {
				return nil
			})
			r.RegisterWorker(w.id, w.caps)
		}

		created, err := reg.Create(ctx, "probe the research archive")
		require.NoError(rt, err)
		require.NoError(rt, b.Publish(ctx, "librarian", message.NewTask("manager", created.ID, created.Payload)))

		// probe < research, then ant < bee, regardless of registration order
		got, err := reg.Get(ctx, created.ID)
		require.NoError(rt, err)
		require.Equal(rt, "ant", got.AssignedTo)
	})
}

func TestRouteFailsWhenNoCapableAgent(t *testing.T) {
	f := newFixture(t)
	f.router.RegisterWorker("probe", capability.NewSet("probe"))

	created := f.submit(t, "deploy the service")

	got := f.state(t, created.ID)
	require.Equal(t, task.StateFailed, got.State)
	require.Contains(t, got.FailureReason, "no capable agent")
}

func TestRouteNeverDelegatesToSelf(t *testing.T) {
	f := newFixture(t)
	f.router.RegisterWorker("librarian", capability.NewSet("probe"))

	created := f.submit(t, "probe something")
	require.Equal(t, task.StateFailed, f.state(t, created.ID).State)
}

func TestFullLifecycleWithRealWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := agent.NewProbe(f.bus, f.store, "librarian")
	require.NoError(t, w.Start(ctx))
	f.router.RegisterWorker(w.ID(), w.Capabilities())

	created := f.submit(t, "probe the production endpoint")

	// bus dispatch is synchronous, so the whole lifecycle already ran
	require.Equal(t, task.StateCompleted, f.state(t, created.ID).State)

	entries, err := f.ledger.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, created.ID, entries[0].TaskID)
	require.Equal(t, "probe", entries[0].AgentID)

	// artifact consumed after consolidation
	ok, err := f.store.Exists("probe_" + created.ID + "_spec.md")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBusyWorkerQueuesFIFO(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// manual worker that never replies on its own
	var received []message.Message
	f.bus.Subscribe("probe", message.TypeDelegatedTask, func(ctx context.Context, msg message.Message) error {
		received = append(received, msg)
		return nil
	})
	f.router.RegisterWorker("probe", capability.NewSet("probe"))

	first := f.submit(t, "probe alpha")
	second := f.submit(t, "probe beta")
	third := f.submit(t, "probe gamma")

	require.Len(t, received, 1, "busy worker gets one task at a time")
	require.Equal(t, task.StateDelegated, f.state(t, first.ID).State)
	require.Equal(t, task.StateSubmitted, f.state(t, second.ID).State)
	require.Equal(t, 2, f.router.QueuedCount("probe"))

	// finish the first task; the second should be delegated automatically
	require.NoError(t, f.store.Write("probe_"+first.ID+"_spec.md", []byte("done")))
	require.NoError(t, f.bus.Publish(ctx, "librarian", message.TaskComplete("probe", first.ID)))

	require.Len(t, received, 2)
	require.Equal(t, second.ID, received[1].TaskID)
	require.Equal(t, task.StateCompleted, f.state(t, first.ID).State)
	require.Equal(t, task.StateDelegated, f.state(t, second.ID).State)
	require.Equal(t, task.StateSubmitted, f.state(t, third.ID).State)
	require.Equal(t, 1, f.router.QueuedCount("probe"))
}

func TestWorkerFailureReleasesQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var received []message.Message
	f.bus.Subscribe("probe", message.TypeDelegatedTask, func(ctx context.Context, msg message.Message) error {
		received = append(received, msg)
		return nil
	})
	f.router.RegisterWorker("probe", capability.NewSet("probe"))

	first := f.submit(t, "probe alpha")
	second := f.submit(t, "probe beta")

	require.NoError(t, f.bus.Publish(ctx, "librarian", message.TaskFailed("probe", first.ID, "sensor offline")))

	got := f.state(t, first.ID)
	require.Equal(t, task.StateFailed, got.State)
	require.Equal(t, "sensor offline", got.FailureReason)

	require.Len(t, received, 2)
	require.Equal(t, second.ID, received[1].TaskID)
}

func TestCompletionWithMissingArtifactFailsTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.bus.Subscribe("probe", message.TypeDelegatedTask, func(ctx context.Context, msg message.Message) error {
		return nil
	})
	f.router.RegisterWorker("probe", capability.NewSet("probe"))

	created := f.submit(t, "probe alpha")
	require.NoError(t, f.bus.Publish(ctx, "librarian", message.TaskComplete("probe", created.ID)))

	got := f.state(t, created.ID)
	require.Equal(t, task.StateFailed, got.State)
	require.Contains(t, got.FailureReason, "missing from store")
}

func TestStaleCompletionIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.bus.Subscribe("probe", message.TypeDelegatedTask, func(ctx context.Context, msg message.Message) error {
		return nil
	})
	f.router.RegisterWorker("probe", capability.NewSet("probe"))

	created := f.submit(t, "probe alpha")
	require.NoError(t, f.bus.Publish(ctx, "librarian", message.TaskFailed("probe", created.ID, "timeout")))
	require.Equal(t, task.StateFailed, f.state(t, created.ID).State)

	// late completion after the task already failed must not resurrect it
	require.NoError(t, f.store.Write("probe_"+created.ID+"_spec.md", []byte("late")))
	require.NoError(t, f.bus.Publish(ctx, "librarian", message.TaskComplete("probe", created.ID)))
	require.Equal(t, task.StateFailed, f.state(t, created.ID).State)
}

func TestCompletionFromWrongAgentIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.bus.Subscribe("probe", message.TypeDelegatedTask, func(ctx context.Context, msg message.Message) error {
		return nil
	})
	f.router.RegisterWorker("probe", capability.NewSet("probe"))

	created := f.submit(t, "probe alpha")
	require.NoError(t, f.bus.Publish(ctx, "librarian", message.TaskComplete("impostor", created.ID)))
	require.Equal(t, task.StateDelegated, f.state(t, created.ID).State)
}

// flakyStore fails the first N ledger appends to exercise the retry path.
type flakyStore struct {
	*store.MemStore
	failures int
}

func (s *flakyStore) Append(key string, data []byte) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("disk full")
	}
	return s.MemStore.Append(key, data)
}

func TestLedgerAppendRetriesOnce(t *testing.T) {
	flaky := &flakyStore{MemStore: store.NewMemStore(), failures: 1}
	b := bus.New()
	defer b.Close()
	registry := task.NewMemoryRegistry()
	l := ledger.New(flaky)
	r := New("librarian", b, registry, flaky, l, WithRetryBackoff(time.Millisecond))
	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	defer r.Stop()

	b.Subscribe("probe", message.TypeDelegatedTask, func(ctx context.Context, msg message.Message) error {
		return nil
	})
	r.RegisterWorker("probe", capability.NewSet("probe"))

	created, err := registry.Create(ctx, "probe alpha")
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "librarian", message.NewTask("manager", created.ID, "probe alpha")))
	require.NoError(t, flaky.Write("probe_"+created.ID+"_spec.md", []byte("report")))

	require.NoError(t, b.Publish(ctx, "librarian", message.TaskComplete("probe", created.ID)))

	got, err := registry.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, task.StateCompleted, got.State)
}

func TestLedgerFailurePreservesArtifact(t *testing.T) {
	flaky := &flakyStore{MemStore: store.NewMemStore(), failures: 10}
	b := bus.New()
	defer b.Close()
	registry := task.NewMemoryRegistry()
	l := ledger.New(flaky)
	r := New("librarian", b, registry, flaky, l, WithRetryBackoff(time.Millisecond))
	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	defer r.Stop()

	b.Subscribe("probe", message.TypeDelegatedTask, func(ctx context.Context, msg message.Message) error {
		return nil
	})
	r.RegisterWorker("probe", capability.NewSet("probe"))

	created, err := registry.Create(ctx, "probe alpha")
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "librarian", message.NewTask("manager", created.ID, "probe alpha")))

	key := "probe_" + created.ID + "_spec.md"
	require.NoError(t, flaky.Write(key, []byte("report")))
	require.NoError(t, b.Publish(ctx, "librarian", message.TaskComplete("probe", created.ID)))

	got, err := registry.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, task.StateFailed, got.State)
	require.Contains(t, got.FailureReason, "ledger write failed")

	// the worker's artifact survives for manual recovery
	ok, err := flaky.Exists(key)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSweepTimeoutsFailsStaleDelegations(t *testing.T) {
	f := newFixture(t, WithDelegationTimeout(time.Millisecond))
	ctx := context.Background()

	f.bus.Subscribe("probe", message.TypeDelegatedTask, func(ctx context.Context, msg message.Message) error {
		return nil
	})
	f.router.RegisterWorker("probe", capability.NewSet("probe"))

	created := f.submit(t, "probe alpha")
	queued := f.submit(t, "probe beta")
	require.Equal(t, task.StateDelegated, f.state(t, created.ID).State)

	time.Sleep(5 * time.Millisecond)

	failed, err := f.router.SweepTimeouts(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{created.ID}, failed)

	got := f.state(t, created.ID)
	require.Equal(t, task.StateFailed, got.State)
	require.Contains(t, got.FailureReason, "timed out")

	// the queued task takes over the freed worker
	require.Equal(t, task.StateDelegated, f.state(t, queued.ID).State)
}

// slowStore holds the first read of one key until released, keeping a
// consolidation mid-flight.
type slowStore struct {
	*store.MemStore
	key     string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowStore) Read(key string) ([]byte, error) {
	if key == s.key {
		s.once.Do(func() {
			close(s.entered)
			<-s.release
		})
	}
	return s.MemStore.Read(key)
}

func TestSweepWaitsForConsolidationInFlight(t *testing.T) {
	slow := &slowStore{
		MemStore: store.NewMemStore(),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	b := bus.New()
	defer b.Close()
	registry := task.NewMemoryRegistry()
	l := ledger.New(slow)
	r := New("librarian", b, registry, slow, l,
		WithDelegationTimeout(time.Millisecond), WithRetryBackoff(time.Millisecond))
	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	defer r.Stop()

	b.Subscribe("probe", message.TypeDelegatedTask, func(ctx context.Context, msg message.Message) error {
		return nil
	})
	r.RegisterWorker("probe", capability.NewSet("probe"))

	created, err := registry.Create(ctx, "probe alpha")
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "librarian", message.NewTask("manager", created.ID, "probe alpha")))

	key := "probe_" + created.ID + "_spec.md"
	slow.key = key
	require.NoError(t, slow.Write(key, []byte("report")))
	time.Sleep(5 * time.Millisecond) // delegation is now older than the timeout

	completed := make(chan error, 1)
	go func() {
		completed <- b.Publish(ctx, "librarian", message.TaskComplete("probe", created.ID))
	}()
	<-slow.entered

	// consolidation holds the task lock between the state check and the
	// ledger append; a sweep arriving now must wait, then see it completed
	type sweepResult struct {
		failed []string
		err    error
	}
	swept := make(chan sweepResult, 1)
	go func() {
		failed, err := r.SweepTimeouts(ctx)
		swept <- sweepResult{failed, err}
	}()
	time.Sleep(2 * time.Millisecond)
	close(slow.release)

	require.NoError(t, <-completed)
	res := <-swept
	require.NoError(t, res.err)
	require.Empty(t, res.failed)

	got, err := registry.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, task.StateCompleted, got.State)

	entries, err := l.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	ok, err := slow.Exists(key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSweepDisabledWithZeroTimeout(t *testing.T) {
	f := newFixture(t, WithDelegationTimeout(0))
	ctx := context.Background()

	f.bus.Subscribe("probe", message.TypeDelegatedTask, func(ctx context.Context, msg message.Message) error {
		return nil
	})
	f.router.RegisterWorker("probe", capability.NewSet("probe"))

	created := f.submit(t, "probe alpha")
	time.Sleep(5 * time.Millisecond)

	failed, err := f.router.SweepTimeouts(ctx)
	require.NoError(t, err)
	require.Empty(t, failed)
	require.Equal(t, task.StateDelegated, f.state(t, created.ID).State)
}

func TestRecoverReroutesSubmittedTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// task submitted before a crash: in the registry, never announced
	created, err := f.registry.Create(ctx, "probe alpha")
	require.NoError(t, err)

	var received []message.Message
	f.bus.Subscribe("probe", message.TypeDelegatedTask, func(ctx context.Context, msg message.Message) error {
		received = append(received, msg)
		return nil
	})
	f.router.RegisterWorker("probe", capability.NewSet("probe"))

	require.NoError(t, f.router.Recover(ctx))

	require.Len(t, received, 1)
	require.Equal(t, created.ID, received[0].TaskID)
	require.Equal(t, task.StateDelegated, f.state(t, created.ID).State)
}

func TestRecoverConsolidatesFinishedArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// delegated before a crash, artifact written but never consolidated
	created, err := f.registry.Create(ctx, "probe alpha")
	require.NoError(t, err)
	_, err = f.registry.Transition(ctx, created.ID, task.StateDelegated, task.WithAssignee("probe"))
	require.NoError(t, err)
	require.NoError(t, f.store.Write("probe_"+created.ID+"_spec.md", []byte("report")))

	require.NoError(t, f.router.Recover(ctx))

	require.Equal(t, task.StateCompleted, f.state(t, created.ID).State)
	entries, err := f.ledger.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRecoverKeepsInFlightDelegation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.registry.Create(ctx, "probe alpha")
	require.NoError(t, err)
	_, err = f.registry.Transition(ctx, created.ID, task.StateDelegated, task.WithAssignee("probe"))
	require.NoError(t, err)

	require.NoError(t, f.router.Recover(ctx))

	require.Equal(t, task.StateDelegated, f.state(t, created.ID).State)
	active, ok := f.router.ActiveTask("probe")
	require.True(t, ok)
	require.Equal(t, created.ID, active)
}

func TestRecoverRemovesLeftoverArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// crashed between ledger append and artifact delete
	created, err := f.registry.Create(ctx, "probe alpha")
	require.NoError(t, err)
	_, err = f.registry.Transition(ctx, created.ID, task.StateDelegated, task.WithAssignee("probe"))
	require.NoError(t, err)
	require.NoError(t, f.ledger.Append(ctx, created.ID, "probe", []byte("report")))
	_, err = f.registry.Transition(ctx, created.ID, task.StateCompleted)
	require.NoError(t, err)
	require.NoError(t, f.store.Write("probe_"+created.ID+"_spec.md", []byte("report")))

	require.NoError(t, f.router.Recover(ctx))

	ok, err := f.store.Exists("probe_" + created.ID + "_spec.md")
	require.NoError(t, err)
	require.False(t, ok)
	entries, err := f.ledger.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
