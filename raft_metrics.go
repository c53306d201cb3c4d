package raft

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsHolder holds metrics from the nodes perspective.
//
// Aim to track;
// - errors
// - utilisation
// - saturation
//
// http://www.brendangregg.com/usemethod.html
//
// Centralising the metrics: the key advantage of having the metrics for the package in one place is that it becomes
// easier to present a consistent set of metrics. Consistent metrics make for better operations and debugging.
//
type metricsHolder struct {
	registry *prometheus.Registry
	// Are we tracking expensive metrics?
	detailed bool
	//
	// Metrics
	stateGauge       prometheus.Gauge
	termGauge        prometheus.Gauge
	electionTimeouts prometheus.Counter
	pollRounds       prometheus.Counter
	pollOutcomes     *prometheus.CounterVec
}

// Poll outcome labels for the pollOutcomes counter vector.
const (
	pollOutcomeAccepted     = "accepted"
	pollOutcomeRejected     = "rejected"
	pollOutcomeTermMismatch = "term_mismatch"
	pollOutcomeFailed       = "failed"
)

// Set up a metricsHolder to collect metrics for a given node.
func initMetrics(registry *prometheus.Registry, namespace string, detailed bool, nodeIndex int32) *metricsHolder {

	if registry == nil {
		var ok bool
		registry, ok = prometheus.DefaultRegisterer.(*prometheus.Registry)
		if !ok {
			return nil
		}
	}

	mh := &metricsHolder{
		detailed: detailed,
		registry: registry,
	}

	// We include a const label to indicate which node index in the cluster is originating the metric. In production
	// environments the node could typically be inferred from labels added externally as part of the deployment (e.g.
	// kubernetes prometheus operator jobLabel). Incorporating a label tied to the config provides an unambiguous,
	// possibly redundant target label in the metrics.
	constLabels := map[string]string{"nodeIndex": fmt.Sprint(nodeIndex)}

	mh.stateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "raft",
		Name:        "role",
		Help:        "role indicates which state node is in at sampling time: follower, candidate or leader (1,2,3 respectively).",
		ConstLabels: constLabels,
	})

	mh.termGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "raft",
		Name:        "term",
		Help:        "term is the current election epoch as observed by the local node.",
		ConstLabels: constLabels,
	})

	mh.electionTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "raft",
		Name:        "election_timeouts_total",
		Help:        "election_timeouts_total counts election timer expiries with no leader contact.",
		ConstLabels: constLabels,
	})

	mh.pollRounds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "raft",
		Name:        "poll_rounds_total",
		Help:        "poll_rounds_total counts pre-vote rounds initiated by the local node.",
		ConstLabels: constLabels,
	})

	mh.pollOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "raft",
		Name:        "poll_outcomes_total",
		Help:        "poll_outcomes_total counts per-member poll results by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})

	registry.MustRegister(mh.stateGauge, mh.termGauge, mh.electionTimeouts, mh.pollRounds, mh.pollOutcomes)

	return mh
}

// Helpers below are safe on a nil holder so instrumentation points do not need to test
// whether metrics collection is enabled.

func (mh *metricsHolder) setRole(state nodeState) {
	if mh == nil {
		return
	}
	switch state {
	case follower:
		mh.stateGauge.Set(1)
	case candidate:
		mh.stateGauge.Set(2)
	case leader:
		mh.stateGauge.Set(3)
	}
}

func (mh *metricsHolder) setTerm(term int64) {
	if mh == nil {
		return
	}
	mh.termGauge.Set(float64(term))
}

func (mh *metricsHolder) incElectionTimeouts() {
	if mh == nil {
		return
	}
	mh.electionTimeouts.Inc()
}

func (mh *metricsHolder) incPollRounds() {
	if mh == nil {
		return
	}
	mh.pollRounds.Inc()
}

func (mh *metricsHolder) incPollOutcome(outcome string) {
	if mh == nil {
		return
	}
	mh.pollOutcomes.WithLabelValues(outcome).Inc()
}
