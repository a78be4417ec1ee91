// Package agent provides the runtime lifecycle shared by every agent and the
// worker implementation that executes delegated tasks.
package agent

import (
	"context"
	"sync"

	"hive/internal/bus"
	"hive/internal/log"
)

// State is an agent's runtime lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Agent is anything the manager can start and stop.
type Agent interface {
	ID() string
	Start(ctx context.Context) error
	Stop() error
	State() State
}

// Runtime implements the lifecycle half of Agent. Concrete agents embed it
// and supply their bus subscriptions via the register callback.
//
// Start and Stop are idempotent: starting a running agent and stopping a
// stopped one are no-ops. While an agent is stopped it has no bus handlers,
// so messages addressed to it are dropped by the bus.
type Runtime struct {
	id  string
	bus *bus.Bus

	// register installs the agent's bus handlers. Called once per Start.
	register func(ctx context.Context)

	mu    sync.Mutex
	state State
}

// NewRuntime builds a Runtime for the given agent identity.
func NewRuntime(id string, b *bus.Bus, register func(ctx context.Context)) *Runtime {
	return &Runtime{
		id:       id,
		bus:      b,
		register: register,
		state:    StateStopped,
	}
}

func (r *Runtime) ID() string {
	return r.id
}

func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start registers the agent's handlers and marks it running.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateStopped {
		r.mu.Unlock()
		return nil
	}
	r.state = StateStarting
	r.mu.Unlock()

	if r.register != nil {
		r.register(ctx)
	}

	r.mu.Lock()
	r.state = StateRunning
	r.mu.Unlock()

	log.Info(log.CatAgent, "agent started", "agent", r.id)
	return nil
}

// Stop removes the agent's handlers and marks it stopped.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return nil
	}
	r.state = StateStopping
	r.mu.Unlock()

	r.bus.UnsubscribeAll(r.id)

	r.mu.Lock()
	r.state = StateStopped
	r.mu.Unlock()

	log.Info(log.CatAgent, "agent stopped", "agent", r.id)
	return nil
}
