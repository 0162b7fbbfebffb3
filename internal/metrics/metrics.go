// ABOUTME: Prometheus collectors for handshakes, authentication, commands and agents
// ABOUTME: Registered on the default registry via promauto and served at the metrics path

package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/2389/coven-dispatch/internal/store"
)

var (
	// Sessions

	Handshakes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_handshakes_total",
			Help: "Total number of completed agent handshakes",
		},
	)

	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_auth_failures_total",
			Help: "Total number of rejected agent requests by reason",
		},
		[]string{"reason"},
	)

	Rotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_session_rotations_total",
			Help: "Total number of session key rotations",
		},
	)

	// Commands

	Commands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_commands_total",
			Help: "Total number of command state changes by resulting state",
		},
		[]string{"state"},
	)

	DuplicateResults = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_duplicate_results_total",
			Help: "Total number of result reports for already concluded commands",
		},
	)

	// Agents

	Agents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_agents",
			Help: "Current number of known agents by lifecycle state",
		},
		[]string{"state"},
	)
)

var agentStates = []store.AgentState{
	store.AgentPendingAuth,
	store.AgentActive,
	store.AgentRevoked,
	store.AgentExpired,
}

// StateCounter reports how many agents are in each lifecycle state.
type StateCounter interface {
	CountByState() map[store.AgentState]int
}

// Collector periodically refreshes gauges that are cheaper to sample than to
// maintain on every transition.
type Collector struct {
	source   StateCounter
	interval time.Duration
	logger   *slog.Logger
}

// NewCollector creates a Collector sampling source every interval.
func NewCollector(source StateCounter, interval time.Duration, logger *slog.Logger) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		source:   source,
		interval: interval,
		logger:   logger.With("component", "metrics"),
	}
}

// Collect samples once.
func (c *Collector) Collect() {
	counts := c.source.CountByState()
	for _, s := range agentStates {
		Agents.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// Run samples until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("metrics collector stopped")
			return nil
		case <-ticker.C:
			c.Collect()
		}
	}
}
