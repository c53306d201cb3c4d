package raft

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/eligere/raft/internal/raft_pb"
)

func TestCandidateIgnoresErroredRepliesFromEarlierCycle(t *testing.T) {

	re := testEngineWithFakeClients(t,
		[]string{":8088", ":8089", ":8090", ":8091", ":8092"}, 0, time.Second*2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	next := make(chan stateFn, 1)
	go func() { next <- re.candidateStateFn(ctx) }()

	// Candidate declares term 1 and fans the vote out.
	awaitRoundFanout(t, re, []int32{1, 2, 3, 4})

	// Errored replies left over from an earlier cycle's fan-out; enough of them to settle the
	// ballot as lost if they were counted against it.
	for voter := int32(1); voter <= 3; voter++ {
		re.returnsVoteChan <- &voteContainer{
			request: &raft_pb.VoteRequest{Term: 0, CandidateId: re.node.index, To: voter},
			err:     fmt.Errorf("connection refused"),
		}
	}

	// Two live grants complete the majority for the current term.
	for voter := int32(1); voter <= 2; voter++ {
		re.returnsVoteChan <- &voteContainer{
			request: &raft_pb.VoteRequest{Term: 1, CandidateId: re.node.index, To: voter},
			reply:   &raft_pb.VoteResponse{Term: 1, VoterId: voter, VoteGranted: true},
		}
	}

	select {
	case s := <-next:
		if s == nil {
			t.Fatal("candidate wound down instead of winning the election")
		}
	case <-time.After(time.Second * 2):
		t.Fatal("stale errored replies settled the ballot before the live grants were counted")
	}

	if got := re.currentTerm.Load(); got != 1 {
		t.Fatalf("expected election won in term 1, got %v", got)
	}
	if got := re.votedFor.Load(); got != re.node.index {
		t.Fatalf("candidate vote not retained, votedFor %v", got)
	}
}
