package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"hive/internal/bus"
	"hive/internal/capability"
	"hive/internal/message"
	"hive/internal/store"
)

func TestRuntimeLifecycle(t *testing.T) {
	b := bus.New()
	defer b.Close()

	r := NewRuntime("probe", b, nil)
	require.Equal(t, StateStopped, r.State())

	require.NoError(t, r.Start(context.Background()))
	require.Equal(t, StateRunning, r.State())

	require.NoError(t, r.Stop())
	require.Equal(t, StateStopped, r.State())
}

func TestRuntimeStartIdempotent(t *testing.T) {
	b := bus.New()
	defer b.Close()

	registrations := 0
	r := NewRuntime("probe", b, func(ctx context.Context) { registrations++ })

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Start(context.Background()))
	require.Equal(t, 1, registrations)
}

func TestRuntimeStopIdempotent(t *testing.T) {
	b := bus.New()
	defer b.Close()

	r := NewRuntime("probe", b, nil)
	require.NoError(t, r.Stop())
	require.Equal(t, StateStopped, r.State())
}

func TestStopRemovesBusHandlers(t *testing.T) {
	b := bus.New()
	defer b.Close()
	ctx := context.Background()

	w := NewWorker("probe", capability.NewSet("probe"), b, store.NewMemStore(), "librarian", ProbeWork)
	require.NoError(t, w.Start(ctx))
	require.Equal(t, 1, b.HandlerCount("probe", message.TypeDelegatedTask))

	require.NoError(t, w.Stop())
	require.Zero(t, b.HandlerCount("probe", message.TypeDelegatedTask))

	// delegating to the stopped worker is a silent drop
	require.NoError(t, b.Publish(ctx, "probe", message.DelegatedTask("librarian", "TASK-001", "probe x")))
}

func TestWorkerWritesArtifactAndReportsComplete(t *testing.T) {
	b := bus.New()
	defer b.Close()
	ctx := context.Background()
	s := store.NewMemStore()

	var reported []message.Message
	b.Subscribe("librarian", message.TypeTaskComplete, func(ctx context.Context, msg message.Message) error {
		reported = append(reported, msg)
		return nil
	})

	w := NewProbe(b, s, "librarian")
	require.NoError(t, w.Start(ctx))

	require.NoError(t, b.Publish(ctx, "probe", message.DelegatedTask("librarian", "TASK-001", "probe the endpoint")))

	require.Len(t, reported, 1)
	require.Equal(t, "TASK-001", reported[0].TaskID)
	require.Equal(t, "probe", reported[0].AgentID)

	artifact, err := s.Read("probe_TASK-001_spec.md")
	require.NoError(t, err)
	require.Contains(t, string(artifact), "TASK-001")
	require.Contains(t, string(artifact), "probe the endpoint")
}

func TestWorkerReportsFailure(t *testing.T) {
	b := bus.New()
	defer b.Close()
	ctx := context.Background()
	s := store.NewMemStore()

	var failures []message.Message
	b.Subscribe("librarian", message.TypeTaskFailed, func(ctx context.Context, msg message.Message) error {
		failures = append(failures, msg)
		return nil
	})

	broken := func(ctx context.Context, taskID, payload string) ([]byte, error) {
		return nil, errors.New("sensor offline")
	}
	w := NewWorker("probe", capability.NewSet("probe"), b, s, "librarian", broken)
	require.NoError(t, w.Start(ctx))

	require.NoError(t, b.Publish(ctx, "probe", message.DelegatedTask("librarian", "TASK-001", "probe x")))

	require.Len(t, failures, 1)
	require.Equal(t, "sensor offline", failures[0].Reason)

	// no artifact on failure
	ok, err := s.Exists("probe_TASK-001_spec.md")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestProbeFailDirective(t *testing.T) {
	b := bus.New()
	defer b.Close()
	ctx := context.Background()
	s := store.NewMemStore()

	var failures []message.Message
	b.Subscribe("librarian", message.TypeTaskFailed, func(ctx context.Context, msg message.Message) error {
		failures = append(failures, msg)
		return nil
	})

	w := NewProbe(b, s, "librarian")
	require.NoError(t, w.Start(ctx))

	require.NoError(t, b.Publish(ctx, "probe", message.DelegatedTask("librarian", "TASK-001", "fail: sensor offline")))

	require.Len(t, failures, 1)
	require.Equal(t, "sensor offline", failures[0].Reason)
}

func TestWorkerCapabilities(t *testing.T) {
	b := bus.New()
	defer b.Close()

	w := NewProbe(b, store.NewMemStore(), "librarian")
	require.True(t, w.Capabilities().Has(capability.Tag("probe")))
	require.True(t, w.Capabilities().Has(capability.Tag("research")))
}
