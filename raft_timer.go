package raft

import (
	"math/rand"
	"time"
)

// timerPhase distinguishes what an expiry of the single election timer slot means: either the
// leader has gone quiet (start a poll round), or an outstanding poll round has failed to
// resolve within its deadline (abandon it and start over).
type timerPhase int

const (
	phaseElection timerPhase = iota
	phasePollDeadline
)

func (p timerPhase) String() string {
	switch p {
	case phaseElection:
		return "election"
	case phasePollDeadline:
		return "pollDeadline"
	}
	return "illegal"
}

// timerFired is delivered to the raftEngine goroutine when the scheduled callback runs. The
// generation stamp lets the engine discard expiries belonging to a timer which has since been
// cancelled or rearmed.
type timerFired struct {
	generation int64
	phase      timerPhase
}

// electionTimer owns the single-slot scheduled callback used by the follower state. Arming
// always cancels whatever was pending first, so at most one scheduled callback exists at any
// instant. All methods must be invoked from the raftEngine goroutine; expiries are marshalled
// back onto that goroutine through the fires channel rather than acted on in the timer
// goroutine.
type electionTimer struct {
	fires chan timerFired
	// generation is bumped on every arm/cancel; a fire with a stale generation is ignored by
	// the engine. Only the engine goroutine touches it.
	generation int64
	pending    *time.Timer
}

func newElectionTimer() *electionTimer {
	return &electionTimer{
		// Buffered so the expiry goroutine never blocks: with at most one callback pending,
		// the channel can hold the worst case of a current fire plus a few stale ones.
		fires: make(chan timerFired, 8),
	}
}

// arm schedules an election expiry after a delay drawn uniformly from [base, 2*base). The
// randomisation prevents split-vote storms when multiple followers lose the leader together.
// Returns the delay picked, for logging.
func (t *electionTimer) arm(base time.Duration) time.Duration {
	delay := randomiseDuration(base)
	t.schedule(delay, phaseElection)
	return delay
}

// armPollDeadline schedules a poll-deadline expiry after exactly d: the window within which a
// majority of the cluster must answer a poll round. No jitter; the round either resolves or is
// abandoned wholesale.
func (t *electionTimer) armPollDeadline(d time.Duration) {
	t.schedule(d, phasePollDeadline)
}

func (t *electionTimer) schedule(delay time.Duration, phase timerPhase) {
	t.cancel()
	generation := t.generation
	t.pending = time.AfterFunc(delay, func() {
		select {
		case t.fires <- timerFired{generation: generation, phase: phase}:
		default:
			// Channel full implies a backlog of stale fires the engine has yet to discard;
			// this fire is itself already superseded.
		}
	})
}

// cancel is idempotent; no-op if nothing is pending. A callback which already fired but has
// not been drained yet is neutralised by the generation bump.
func (t *electionTimer) cancel() {
	t.generation++
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

// live reports whether a delivered expiry belongs to the currently armed timer.
func (t *electionTimer) live(f timerFired) bool {
	return f.generation == t.generation
}

func randomiseDuration(t time.Duration) time.Duration {
	return time.Duration(int64(t) + rand.Int63n(int64(t)))
}
