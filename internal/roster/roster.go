// Package roster loads the agent roster from YAML. The roster names every
// agent the manager starts at bootstrap, along with its role and capability
// tags. The roster is read once at startup; edits while running take effect
// on the next start.
package roster

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"hive/internal/capability"
)

// Role describes what part an agent plays in the system.
type Role string

const (
	// RoleRouter receives new tasks and delegates them by capability.
	RoleRouter Role = "router"
	// RoleWorker executes delegated tasks and writes spec artifacts.
	RoleWorker Role = "worker"
)

// AgentSpec is one roster entry.
type AgentSpec struct {
	// ID is the agent's unique identity on the bus.
	ID string `yaml:"id"`

	// Role is router or worker.
	Role Role `yaml:"role"`

	// Capabilities are the tags a worker advertises for routing.
	// Ignored for routers.
	Capabilities []string `yaml:"capabilities,omitempty"`
}

// CapabilitySet returns the entry's normalized capability tags.
func (a AgentSpec) CapabilitySet() capability.Set {
	return capability.NewSet(a.Capabilities...)
}

// Roster is the parsed agent roster.
type Roster struct {
	Agents []AgentSpec `yaml:"agents"`
}

// Load reads and validates a roster YAML file.
func Load(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates roster YAML.
func Parse(data []byte) (*Roster, error) {
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks the roster's structural invariants: unique non-empty IDs,
// known roles, exactly one router, and at least one worker with at least one
// capability tag.
func (r *Roster) Validate() error {
	if len(r.Agents) == 0 {
		return fmt.Errorf("roster: no agents defined")
	}

	seen := make(map[string]bool, len(r.Agents))
	routers := 0
	workers := 0
	for i, a := range r.Agents {
		if a.ID == "" {
			return fmt.Errorf("roster: agent %d has empty id", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("roster: duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true

		switch a.Role {
		case RoleRouter:
			routers++
		case RoleWorker:
			workers++
			if len(a.CapabilitySet()) == 0 {
				return fmt.Errorf("roster: worker %q has no capabilities", a.ID)
			}
		default:
			return fmt.Errorf("roster: agent %q has unknown role %q", a.ID, a.Role)
		}
	}

	if routers != 1 {
		return fmt.Errorf("roster: expected exactly one router, found %d", routers)
	}
	if workers == 0 {
		return fmt.Errorf("roster: no workers defined")
	}
	return nil
}

// Router returns the roster's router entry.
func (r *Roster) Router() AgentSpec {
	for _, a := range r.Agents {
		if a.Role == RoleRouter {
			return a
		}
	}
	return AgentSpec{}
}

// Workers returns the roster's worker entries in declaration order.
func (r *Roster) Workers() []AgentSpec {
	var out []AgentSpec
	for _, a := range r.Agents {
		if a.Role == RoleWorker {
			out = append(out, a)
		}
	}
	return out
}

// Default returns the built-in roster used when no roster file exists:
// one librarian router and one probe worker.
func Default() *Roster {
	return &Roster{
		Agents: []AgentSpec{
			{ID: "librarian", Role: RoleRouter},
			{ID: "probe", Role: RoleWorker, Capabilities: []string{"probe", "research"}},
		},
	}
}

// WriteDefault writes the built-in roster to path in YAML form.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default roster: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write default roster: %w", err)
	}
	return nil
}
