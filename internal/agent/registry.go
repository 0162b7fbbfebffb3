// ABOUTME: Registry of known agents with one mutex per agent
// ABOUTME: Session and queue state for an agent is only mutated while that agent's lock is held

package agent

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/coven-dispatch/internal/store"
)

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

type entry struct {
	mu    sync.Mutex
	agent *store.Agent // nil until the first handshake registers it
}

// Registry tracks every known agent. Each agent has its own lock; no
// operation holds two agent locks at once.
type Registry struct {
	entries *Table[entry]
	logger  *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: NewTable[entry](),
		logger:  logger.With("component", "agents"),
	}
}

// Locked is exclusive access to one agent. It must be released with Unlock.
type Locked struct {
	id string
	e  *entry
}

// ID returns the agent id.
func (l *Locked) ID() string {
	return l.id
}

// Agent returns the registry's record, or nil for an agent that has not
// registered yet. The record may be modified while the lock is held.
func (l *Locked) Agent() *store.Agent {
	return l.e.agent
}

// Set replaces the record.
func (l *Locked) Set(a *store.Agent) {
	l.e.agent = a
}

// Unlock releases the agent.
func (l *Locked) Unlock() {
	l.e.mu.Unlock()
}

// Lock acquires a registered agent. It returns false for unknown ids without
// allocating anything, so unauthenticated traffic cannot grow the table.
func (r *Registry) Lock(id string) (*Locked, bool) {
	e, ok := r.entries.Get(id)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	if e.agent == nil {
		e.mu.Unlock()
		return nil, false
	}
	return &Locked{id: id, e: e}, true
}

// LockOrCreate acquires an agent, creating an empty entry for a new id.
// Agent() is nil on the returned handle until Set is called.
func (r *Registry) LockOrCreate(id string) *Locked {
	e := r.entries.GetOrCreate(id, func() *entry { return &entry{} })
	e.mu.Lock()
	return &Locked{id: id, e: e}
}

// Get returns a copy of the agent record.
func (r *Registry) Get(id string) (store.Agent, bool) {
	l, ok := r.Lock(id)
	if !ok {
		return store.Agent{}, false
	}
	defer l.Unlock()
	return *l.Agent(), true
}

// IDs returns the ids of all registered agents, sorted.
func (r *Registry) IDs() []string {
	return r.filterIDs(func(*store.Agent) bool { return true })
}

// ActiveIDs returns the ids of agents in the active state, sorted. Each agent
// is examined under its own lock, one at a time.
func (r *Registry) ActiveIDs() []string {
	return r.filterIDs(func(a *store.Agent) bool { return a.State == store.AgentActive })
}

func (r *Registry) filterIDs(keep func(*store.Agent) bool) []string {
	var ids []string
	for _, id := range r.entries.Keys() {
		l, ok := r.Lock(id)
		if !ok {
			continue
		}
		if keep(l.Agent()) {
			ids = append(ids, id)
		}
		l.Unlock()
	}
	sort.Strings(ids)
	return ids
}

// List returns copies of all agent records, sorted by id.
func (r *Registry) List() []store.Agent {
	var agents []store.Agent
	for _, id := range r.entries.Keys() {
		l, ok := r.Lock(id)
		if !ok {
			continue
		}
		agents = append(agents, *l.Agent())
		l.Unlock()
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// CountByState returns the number of agents in each state.
func (r *Registry) CountByState() map[store.AgentState]int {
	counts := make(map[store.AgentState]int)
	for _, a := range r.List() {
		counts[a.State]++
	}
	return counts
}

// Load replaces in-memory records with agents read from the store.
func (r *Registry) Load(agents []*store.Agent) {
	for _, a := range agents {
		cp := *a
		l := r.LockOrCreate(a.ID)
		l.Set(&cp)
		l.Unlock()
	}
	r.logger.Info("agents loaded", "count", len(agents))
}
