package raft

import (
	"go.uber.org/atomic"
)

// quorum tracks affirmative and negative responses against a majority threshold and fires its
// completion callback exactly once, whatever order responses (or duplicates) arrive in. A
// fresh quorum is constructed per poll or vote round and discarded once resolved.
//
// Counters are only mutated from the raftEngine goroutine; the resolved flag is an atomic
// check-and-set so the exactly-once property holds even if a resolution check races a late
// classification on another path.
type quorum struct {
	// threshold is the number of successes needed to resolve elected.
	threshold int
	// total is the fixed responder count for the round, local node included. Once enough
	// failures accumulate that threshold is out of reach, the quorum resolves not elected
	// without waiting for responses which can no longer matter.
	total      int
	succeeded  int
	failed     int
	resolved   *atomic.Bool
	onResolved func(elected bool)
}

// newQuorum returns a tracker requiring threshold successes out of total responders.
// onResolved is invoked exactly once, from whichever succeed/fail call settles the outcome.
func newQuorum(threshold, total int, onResolved func(elected bool)) *quorum {
	return &quorum{
		threshold:  threshold,
		total:      total,
		resolved:   atomic.NewBool(false),
		onResolved: onResolved,
	}
}

// succeed registers an affirmative response. Calls after resolution are ignored.
func (q *quorum) succeed() {
	if q.resolved.Load() {
		return
	}
	q.succeeded++
	if q.succeeded >= q.threshold && q.resolved.CAS(false, true) {
		q.onResolved(true)
	}
}

// fail registers a negative response or an unreachable responder. Calls after resolution are
// ignored.
func (q *quorum) fail() {
	if q.resolved.Load() {
		return
	}
	q.failed++
	if q.total-q.failed < q.threshold && q.resolved.CAS(false, true) {
		q.onResolved(false)
	}
}

func (q *quorum) isResolved() bool {
	return q.resolved.Load()
}
