package raft

import (
	"testing"
	"time"
)

func TestRandomiseDurationRange(t *testing.T) {

	base := time.Millisecond * 100
	for i := 0; i < 1000; i++ {
		d := randomiseDuration(base)
		if d < base || d >= 2*base {
			t.Fatalf("jittered timeout %v outside [%v, %v)", d, base, 2*base)
		}
	}
}

func TestElectionTimerFires(t *testing.T) {

	et := newElectionTimer()
	defer et.cancel()

	et.arm(time.Millisecond * 10)

	select {
	case f := <-et.fires:
		if !et.live(f) {
			t.Fatal("fresh expiry reported as stale")
		}
		if f.phase != phaseElection {
			t.Fatalf("expected election phase, got %v", f.phase)
		}
	case <-time.After(time.Second):
		t.Fatal("timer failed to fire")
	}
}

func TestElectionTimerCancelledExpiryIsStale(t *testing.T) {

	et := newElectionTimer()

	et.arm(time.Millisecond)
	// Give the callback a chance to run before neutralising it.
	time.Sleep(time.Millisecond * 50)
	et.cancel()

	select {
	case f := <-et.fires:
		if et.live(f) {
			t.Fatal("expiry from cancelled timer reported as live")
		}
	case <-time.After(time.Millisecond * 100):
		// Fine too; Stop won the race and the callback never ran.
	}
}

// Rearming must supersede the previous slot: only the latest generation is live, whichever
// order the expiries drain in.
func TestElectionTimerRearmSupersedes(t *testing.T) {

	et := newElectionTimer()
	defer et.cancel()

	et.arm(time.Millisecond)
	time.Sleep(time.Millisecond * 50)
	et.armPollDeadline(time.Millisecond)

	deadline := time.After(time.Second)
	for {
		select {
		case f := <-et.fires:
			if !et.live(f) {
				continue
			}
			if f.phase != phasePollDeadline {
				t.Fatalf("live expiry carries superseded phase %v", f.phase)
			}
			return
		case <-deadline:
			t.Fatal("rearmed timer failed to fire")
		}
	}
}

func TestElectionTimerCancelIdempotent(t *testing.T) {

	et := newElectionTimer()

	// Must be safe with nothing pending, and repeatedly.
	et.cancel()
	et.cancel()

	et.arm(time.Millisecond * 10)
	et.cancel()
	et.cancel()
}
