// Package agent holds the registry of tool agents and their session pools.
package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Starsky227/LingYiProject/internal/backend"
	"github.com/Starsky227/LingYiProject/internal/events"
)

// ErrNotFound indicates the specified agent is not registered.
var ErrNotFound = errors.New("agent not found")

// ErrInvalidDescriptor indicates a descriptor that cannot be registered.
var ErrInvalidDescriptor = errors.New("invalid agent descriptor")

// Descriptor describes one registered tool agent.
type Descriptor struct {
	ID           string
	Name         string
	Description  string
	Capabilities []string // operation names; empty means any operation is accepted

	// ConcurrencyLimit caps simultaneous sessions. Zero means unbounded.
	ConcurrencyLimit int
	// Reusable agents keep released sessions idle for the next task.
	Reusable bool

	// Entry opens sessions. It is supplied by whatever discovered the agent.
	Entry backend.Opener
	// Source records where the descriptor came from ("builtin" or a manifest path).
	Source string

	generation uint64
}

// Supports reports whether the agent accepts op.
func (d Descriptor) Supports(op string) bool {
	return len(d.Capabilities) == 0 || slices.Contains(d.Capabilities, op)
}

// Generation identifies one registration of the descriptor. Re-registering the
// same ID yields a new generation.
func (d Descriptor) Generation() uint64 {
	return d.generation
}

func (d Descriptor) validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDescriptor)
	}
	if d.Entry == nil {
		return fmt.Errorf("%w: agent %q has no entry", ErrInvalidDescriptor, d.ID)
	}
	if d.ConcurrencyLimit < 0 {
		return fmt.Errorf("%w: agent %q has negative concurrency limit", ErrInvalidDescriptor, d.ID)
	}
	return nil
}

func (d Descriptor) clone() Descriptor {
	d.Capabilities = slices.Clone(d.Capabilities)
	return d
}

// Registry is a thread-safe map of agent descriptors keyed by ID. It never
// touches the filesystem; loaders feed it descriptors.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]Descriptor
	nextGen uint64
	logger  *slog.Logger
	bus     *events.EventBus
}

// NewRegistry creates an empty registry. bus may be nil.
func NewRegistry(logger *slog.Logger, bus *events.EventBus) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents: make(map[string]Descriptor),
		logger: logger,
		bus:    bus,
	}
}

// Register adds or atomically replaces the descriptor with d.ID.
func (r *Registry) Register(d Descriptor) error {
	if err := d.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	_, replaced := r.agents[d.ID]
	r.nextGen++
	d = d.clone()
	d.generation = r.nextGen
	r.agents[d.ID] = d
	total := len(r.agents)
	r.mu.Unlock()

	r.logger.Info("agent registered",
		"agent_id", d.ID,
		"capabilities", d.Capabilities,
		"concurrency_limit", d.ConcurrencyLimit,
		"replaced", replaced,
		"total_agents", total,
	)
	r.bus.Publish(events.TopicAgent, events.AgentRegisteredEvent{
		AgentID:   d.ID,
		Replaced:  replaced,
		Timestamp: time.Now(),
	})
	return nil
}

// Lookup returns the descriptor for id or ErrNotFound.
func (r *Registry) Lookup(id string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.agents[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d.clone(), nil
}

// List returns all descriptors sorted by ID.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.agents))
	for _, d := range r.agents {
		out = append(out, d.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Unregister removes the descriptor with id. It reports whether one existed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	_, ok := r.agents[id]
	delete(r.agents, id)
	total := len(r.agents)
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.logger.Info("agent removed", "agent_id", id, "total_agents", total)
	r.bus.Publish(events.TopicAgent, events.AgentRemovedEvent{AgentID: id, Timestamp: time.Now()})
	return true
}

// Replace swaps the whole set of descriptors whose Source satisfies owned for ds,
// in one step. Descriptors not owned are kept. All of ds is validated first; on
// error nothing changes.
func (r *Registry) Replace(ds []Descriptor, owned func(Descriptor) bool) error {
	seen := make(map[string]bool, len(ds))
	for _, d := range ds {
		if err := d.validate(); err != nil {
			return err
		}
		if seen[d.ID] {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidDescriptor, d.ID)
		}
		seen[d.ID] = true
	}

	r.mu.Lock()
	var removed []string
	for id, d := range r.agents {
		if owned(d) && !seen[id] {
			delete(r.agents, id)
			removed = append(removed, id)
		}
	}
	replaced := make(map[string]bool, len(ds))
	for _, d := range ds {
		_, replaced[d.ID] = r.agents[d.ID]
		r.nextGen++
		d = d.clone()
		d.generation = r.nextGen
		r.agents[d.ID] = d
	}
	total := len(r.agents)
	r.mu.Unlock()

	sort.Strings(removed)
	r.logger.Info("agents replaced", "registered", len(ds), "removed", len(removed), "total_agents", total)

	now := time.Now()
	for _, id := range removed {
		r.bus.Publish(events.TopicAgent, events.AgentRemovedEvent{AgentID: id, Timestamp: now})
	}
	for _, d := range ds {
		r.bus.Publish(events.TopicAgent, events.AgentRegisteredEvent{AgentID: d.ID, Replaced: replaced[d.ID], Timestamp: now})
	}
	return nil
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
