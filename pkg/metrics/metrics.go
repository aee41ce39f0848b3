// Package metrics exposes prometheus metrics for a peer: connections, sync
// traffic, resolution outcomes, key rotations, invitations and the lockbox
// cache.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"teamtrust/pkg/history"
	"teamtrust/pkg/team"
	"teamtrust/pkg/types"
)

// Metrics tracks peer-wide metrics. A nil *Metrics records nothing.
type Metrics struct {
	// Connection metrics
	ConnectionsActive  prometheus.Gauge
	ConnectionAttempts prometheus.Counter
	ConnectionFailures *prometheus.CounterVec
	StateTransitions   *prometheus.CounterVec

	// Sync metrics
	LinksSent     prometheus.Counter
	LinksReceived prometheus.Counter
	SyncLatency   prometheus.Histogram

	// Resolution metrics
	Resolutions      prometheus.Counter
	HistoryLinks     prometheus.Gauge
	MembersActive    prometheus.Gauge
	DiscardedActions prometheus.Gauge
	ConcurrentMerges prometheus.Counter
	MergeBranchLinks *prometheus.HistogramVec

	// Key metrics
	KeyRotations  *prometheus.CounterVec
	KeyGeneration *prometheus.GaugeVec
	LockboxHits   prometheus.Gauge
	LockboxMisses prometheus.Gauge

	// Invitation metrics
	InvitationsCreated  prometheus.Counter
	InvitationsAdmitted prometheus.Counter
	InvitationsRejected prometheus.Counter
}

// New creates and registers the metrics. A nil registry means the default
// registerer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "teamtrust_connections_active",
			Help: "Number of connections currently open",
		}),
		ConnectionAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "teamtrust_connection_attempts_total",
			Help: "Total number of connections started",
		}),
		ConnectionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teamtrust_connection_failures_total",
			Help: "Connections that ended in an error, by error kind",
		}, []string{"kind"}),
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teamtrust_connection_transitions_total",
			Help: "Connection state transitions, by target state",
		}, []string{"state"}),

		LinksSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "teamtrust_sync_links_sent_total",
			Help: "Total number of history links sent to peers",
		}),
		LinksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "teamtrust_sync_links_received_total",
			Help: "Total number of new history links received from peers",
		}),
		SyncLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "teamtrust_sync_latency_seconds",
			Help:    "Time from a connection being accepted to both sides agreeing on heads",
			Buckets: prometheus.DefBuckets,
		}),

		Resolutions: factory.NewCounter(prometheus.CounterOpts{
			Name: "teamtrust_resolutions_total",
			Help: "Total number of committed history resolutions",
		}),
		HistoryLinks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "teamtrust_history_links",
			Help: "Number of links in the resolved history",
		}),
		MembersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "teamtrust_members_active",
			Help: "Number of active team members",
		}),
		DiscardedActions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "teamtrust_discarded_actions",
			Help: "Number of actions discarded by the last resolution",
		}),
		ConcurrentMerges: factory.NewCounter(prometheus.CounterOpts{
			Name: "teamtrust_concurrent_merges_total",
			Help: "Merges where both sides held links the other lacked",
		}),
		MergeBranchLinks: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "teamtrust_merge_branch_links",
			Help:    "Links past the common ancestor on each side of a merge",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"side"}),

		KeyRotations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teamtrust_key_rotations_total",
			Help: "Key rotations observed, by scope",
		}, []string{"scope"}),
		KeyGeneration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "teamtrust_key_generation",
			Help: "Current key generation, by scope",
		}, []string{"scope"}),
		LockboxHits: factory.NewGauge(prometheus.GaugeOpts{
			Name: "teamtrust_lockbox_cache_hits",
			Help: "Lockbox openings served from the cache",
		}),
		LockboxMisses: factory.NewGauge(prometheus.GaugeOpts{
			Name: "teamtrust_lockbox_cache_misses",
			Help: "Lockbox openings that needed decryption",
		}),

		InvitationsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "teamtrust_invitations_created_total",
			Help: "Total number of invitations created",
		}),
		InvitationsAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "teamtrust_invitations_admitted_total",
			Help: "Total number of invitees admitted",
		}),
		InvitationsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "teamtrust_invitations_rejected_total",
			Help: "Total number of invitation proofs rejected",
		}),
	}
}

// Handler serves the metrics of gatherer, or of the default registry if nil
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Resolved records the shape of a committed resolution
func (m *Metrics) Resolved(res *team.Resolution) {
	if m == nil {
		return
	}
	m.Resolutions.Inc()
	m.HistoryLinks.Set(float64(len(res.Sequence) + len(res.Discarded)))
	m.MembersActive.Set(float64(len(res.State.ActiveMembers())))
	m.DiscardedActions.Set(float64(len(res.Discarded)))
	for _, keys := range res.State.Keys {
		scope := keys.Scope()
		if scope.Type == types.KeyTypeTeam || scope.Type == types.KeyTypeRole {
			m.KeyGeneration.WithLabelValues(scope.String()).Set(float64(keys.Generation))
		}
	}
}

// Merged records how far the local and remote branches of a merge reached
// past their common ancestor
func (m *Metrics) Merged(d history.Divergence) {
	if m == nil {
		return
	}
	m.MergeBranchLinks.WithLabelValues("local").Observe(float64(len(d.BranchA)))
	m.MergeBranchLinks.WithLabelValues("remote").Observe(float64(len(d.BranchB)))
	if len(d.BranchA) > 0 && len(d.BranchB) > 0 {
		m.ConcurrentMerges.Inc()
	}
}

// Rotated counts a key rotation
func (m *Metrics) Rotated(scope types.KeyScope, generation int) {
	if m == nil {
		return
	}
	m.KeyRotations.WithLabelValues(scope.String()).Inc()
	m.KeyGeneration.WithLabelValues(scope.String()).Set(float64(generation))
}

// CacheStats mirrors the lockbox cache counters
func (m *Metrics) CacheStats(hits, misses uint64) {
	if m == nil {
		return
	}
	m.LockboxHits.Set(float64(hits))
	m.LockboxMisses.Set(float64(misses))
}

func (m *Metrics) ConnectionStarted() {
	if m == nil {
		return
	}
	m.ConnectionAttempts.Inc()
	m.ConnectionsActive.Inc()
}

func (m *Metrics) ConnectionEnded(kind string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
	if kind != "" {
		m.ConnectionFailures.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) StateEntered(state string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) LinksExchanged(sent, received int) {
	if m == nil {
		return
	}
	m.LinksSent.Add(float64(sent))
	m.LinksReceived.Add(float64(received))
}

func (m *Metrics) Synced(d time.Duration) {
	if m == nil {
		return
	}
	m.SyncLatency.Observe(d.Seconds())
}

func (m *Metrics) InvitationCreated() {
	if m == nil {
		return
	}
	m.InvitationsCreated.Inc()
}

func (m *Metrics) InvitationChecked(admitted bool) {
	if m == nil {
		return
	}
	if admitted {
		m.InvitationsAdmitted.Inc()
	} else {
		m.InvitationsRejected.Inc()
	}
}
