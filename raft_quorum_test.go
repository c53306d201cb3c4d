package raft

import (
	"testing"
)

// Five voting members: majority of 3, local support counts as the first success, so two remote
// accepts settle the round.
func TestQuorumMajorityOfFive(t *testing.T) {

	outcomes := []bool{}
	q := newQuorum(3, 5, func(elected bool) {
		outcomes = append(outcomes, elected)
	})

	q.succeed() // local node
	if q.isResolved() {
		t.Fatal("quorum resolved after a single success out of five")
	}

	q.succeed()
	if q.isResolved() {
		t.Fatal("quorum resolved one success short of threshold")
	}

	q.succeed()
	if !q.isResolved() {
		t.Fatal("quorum not resolved at threshold")
	}

	if len(outcomes) != 1 || !outcomes[0] {
		t.Fatalf("expected exactly one elected outcome, got %v", outcomes)
	}
}

// Three voting members: majority of 2. With local support in the bank, two remote rejections
// leave the threshold unreachable and must resolve not elected.
func TestQuorumRejectedByThree(t *testing.T) {

	outcomes := []bool{}
	q := newQuorum(2, 3, func(elected bool) {
		outcomes = append(outcomes, elected)
	})

	q.succeed() // local node
	q.fail()
	if q.isResolved() {
		t.Fatal("quorum resolved while threshold still reachable")
	}

	q.fail()
	if !q.isResolved() {
		t.Fatal("quorum not resolved with threshold out of reach")
	}

	if len(outcomes) != 1 || outcomes[0] {
		t.Fatalf("expected exactly one not-elected outcome, got %v", outcomes)
	}
}

// Whatever arrives after resolution, the callback must not fire again and the verdict must not
// change.
func TestQuorumResolvesExactlyOnce(t *testing.T) {

	fired := 0
	q := newQuorum(2, 5, func(elected bool) {
		fired++
		if !elected {
			t.Fatal("unexpected not-elected outcome")
		}
	})

	q.succeed()
	q.succeed()

	// Late and duplicate responses from stragglers.
	q.succeed()
	q.fail()
	q.fail()
	q.fail()
	q.succeed()

	if fired != 1 {
		t.Fatalf("resolution callback fired %d times", fired)
	}
}

// A mixed arrival order must make no difference: failures before the deciding success do not
// resolve the round as long as the threshold is reachable.
func TestQuorumMixedArrivalOrder(t *testing.T) {

	var elected, decided bool
	q := newQuorum(3, 5, func(e bool) {
		decided = true
		elected = e
	})

	q.fail()
	q.succeed()
	q.fail()
	if decided {
		t.Fatal("quorum decided with 3 of 5 responses and threshold still reachable")
	}

	q.succeed()
	q.succeed()
	if !decided || !elected {
		t.Fatalf("expected elected resolution, decided=%v elected=%v", decided, elected)
	}
}
