package raft

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/eligere/raft/internal/raft_pb"
	"go.uber.org/atomic"
)

// testEngineGet builds a node with a real engine and log DB, but no messaging goroutines; the
// handlers under test round-trip containers synchronously.
func testEngineGet(t *testing.T, nodes []string, index int32) *raftEngine {
	t.Helper()

	db := fmt.Sprintf("test/boltdb.engine.%d", index)
	os.MkdirAll("test", 0777)
	os.Remove(db)

	n := &Node{
		index:              index,
		logger:             testLoggerGet().Sugar(),
		messaging:          &raftMessaging{clients: map[int32]*raftClient{}},
		fatalErrorFeedback: make(chan error, 1),
		fatalErrorCount:    atomic.NewInt32(0),
		config: &NodeConfig{
			Nodes:           nodes,
			LogDB:           db,
			ElectionTimeout: defaultElectionTimeout,
		}}

	err := initRaftEngine(context.Background(), n)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(n.engine.shutdownLogDB)

	return n.engine
}

func sendPoll(re *raftEngine, term, lastLogIndex, lastLogTerm int64) *raft_pb.PollResponse {
	container := &pollContainer{
		request: &raft_pb.PollRequest{
			Term:         term,
			CandidateId:  1,
			LastLogIndex: lastLogIndex,
			LastLogTerm:  lastLogTerm,
			To:           re.node.index,
		},
		returnChan: make(chan *pollContainer, 1),
	}
	re.handleRxedPoll(container)
	return (<-container.returnChan).reply
}

func sendVote(re *raftEngine, candidate int32, term, lastLogIndex, lastLogTerm int64) *raft_pb.VoteResponse {
	container := &voteContainer{
		request: &raft_pb.VoteRequest{
			Term:         term,
			CandidateId:  candidate,
			LastLogIndex: lastLogIndex,
			LastLogTerm:  lastLogTerm,
			To:           re.node.index,
		},
		returnChan: make(chan *voteContainer, 1),
	}
	re.handleRxedVote(container)
	return (<-container.returnChan).reply
}

func TestPollNeverMovesOwnTermForward(t *testing.T) {

	re := testEngineGet(t, []string{":8088", ":8089", ":8090"}, 0)
	re.updateCurrentTerm(5)

	// Poll at our own term with an up to date log: accepted, term untouched.
	reply := sendPoll(re, 5, 0, 0)
	if !reply.Accepted {
		t.Fatal("poll at current term with fresh log not accepted")
	}
	if re.currentTerm.Load() != 5 || reply.Term != 5 {
		t.Fatalf("poll moved term, local %v reply %v", re.currentTerm.Load(), reply.Term)
	}

	// Stale poll: rejected, and the reply tells the poller our term.
	reply = sendPoll(re, 3, 0, 0)
	if reply.Accepted {
		t.Fatal("stale poll accepted")
	}
	if reply.Term != 5 {
		t.Fatalf("stale poll reply carries term %v, expected 5", reply.Term)
	}
}

func TestPollAdoptsHigherTermWithoutGranting(t *testing.T) {

	re := testEngineGet(t, []string{":8088", ":8089", ":8090"}, 0)
	re.updateCurrentTerm(5)
	re.updateVotedFor(2)

	reply := sendPoll(re, 9, 0, 0)
	if !reply.Accepted {
		t.Fatal("poll from future term with fresh log not accepted")
	}
	if re.currentTerm.Load() != 9 {
		t.Fatalf("higher poll term not adopted, term %v", re.currentTerm.Load())
	}
	// New term wipes the vote; the poll itself must not have planted one.
	if re.votedFor.Load() != notVotedThisTerm {
		t.Fatalf("poll planted a vote, votedFor %v", re.votedFor.Load())
	}
}

func TestPollRejectsStaleLog(t *testing.T) {

	re := testEngineGet(t, []string{":8088", ":8089", ":8090"}, 0)
	re.updateCurrentTerm(5)

	for i := int64(1); i <= 3; i++ {
		if err := re.logAddEntry(&raft_pb.LogEntry{Sequence: i, Term: 5}); err != nil {
			t.Fatal(err)
		}
	}

	// Candidate tail behind ours in term.
	if reply := sendPoll(re, 5, 10, 4); reply.Accepted {
		t.Fatal("accepted poll from candidate with older tail term")
	}
	// Same tail term, shorter log.
	if reply := sendPoll(re, 5, 2, 5); reply.Accepted {
		t.Fatal("accepted poll from candidate with shorter log")
	}
	// Same tail term, same length.
	if reply := sendPoll(re, 5, 3, 5); !reply.Accepted {
		t.Fatal("rejected poll from candidate with matching log")
	}
	// Newer tail term beats longer log.
	if reply := sendPoll(re, 5, 1, 6); !reply.Accepted {
		t.Fatal("rejected poll from candidate with newer tail term")
	}
}

func TestVoteGrantedOncePerTerm(t *testing.T) {

	re := testEngineGet(t, []string{":8088", ":8089", ":8090"}, 0)

	reply := sendVote(re, 1, 3, 0, 0)
	if !reply.VoteGranted {
		t.Fatal("first vote in term not granted")
	}
	if re.votedFor.Load() != 1 {
		t.Fatalf("votedFor not persisted, got %v", re.votedFor.Load())
	}

	// Competing candidate, same term: no second grant.
	reply = sendVote(re, 2, 3, 0, 0)
	if reply.VoteGranted {
		t.Fatal("second vote granted in same term")
	}

	// Same candidate again in a newer term: fresh grant.
	reply = sendVote(re, 2, 4, 0, 0)
	if !reply.VoteGranted {
		t.Fatal("vote not granted in fresh term")
	}
}

func TestAppendConsistencyCheck(t *testing.T) {

	re := testEngineGet(t, []string{":8088", ":8089", ":8090"}, 0)

	send := func(term, prevIndex, prevTerm, committed int64, entries ...*raft_pb.LogEntry) *raft_pb.AppendResponse {
		container := &appendContainer{
			request: &raft_pb.AppendRequest{
				Term:           term,
				LeaderId:       1,
				PrevLogIndex:   prevIndex,
				PrevLogTerm:    prevTerm,
				CommittedIndex: committed,
				LogEntry:       entries,
				To:             re.node.index,
			},
			returnChan: make(chan *appendContainer, 1),
		}
		re.handleRxedAppend(container, true)
		return (<-container.returnChan).reply
	}

	// Start of log: no previous entry to match.
	reply := send(1, 0, 0, 0,
		&raft_pb.LogEntry{Sequence: 1, Term: 1},
		&raft_pb.LogEntry{Sequence: 2, Term: 1})
	if !reply.Ack {
		t.Fatal("append at start of log not acked")
	}
	if re.currentLeader.Load() != 1 {
		t.Fatalf("leader hint not set, got %v", re.currentLeader.Load())
	}

	// Gap: previous entry missing.
	reply = send(1, 5, 1, 0, &raft_pb.LogEntry{Sequence: 6, Term: 1})
	if reply.Ack {
		t.Fatal("append past a gap acked")
	}

	// Continuation with commit advance. Leader committed beyond what it shipped; our commit
	// must cap at what we actually hold.
	reply = send(1, 2, 1, 10, &raft_pb.LogEntry{Sequence: 3, Term: 1})
	if !reply.Ack {
		t.Fatal("append continuation not acked")
	}
	if got := re.commitIndex.Load(); got != 3 {
		t.Fatalf("expected commitIndex capped at 3, got %v", got)
	}

	// Stale leader: nak carries our term.
	re.updateCurrentTerm(4)
	reply = send(2, 3, 1, 0)
	if reply.Ack {
		t.Fatal("append from stale leader acked")
	}
	if reply.Term != 4 {
		t.Fatalf("stale append reply carries term %v, expected 4", reply.Term)
	}
}

func TestConfigureAppliesMembership(t *testing.T) {

	re := testEngineGet(t, []string{":8088", ":8089", ":8090"}, 0)

	container := &configureContainer{
		request: &raft_pb.ConfigureRequest{
			Term:           2,
			LeaderId:       1,
			VotingMembers:  []string{":8088", ":8089"},
			PassiveMembers: []string{":8090"},
			To:             re.node.index,
		},
		returnChan: make(chan *configureContainer, 1),
	}

	if re.handleRxedConfigure(container, true) != accepted {
		t.Fatal("configure from live leader not accepted")
	}
	reply := <-container.returnChan
	if !reply.reply.Ack {
		t.Fatal("configure not acked")
	}

	if got := re.cluster.quorumSize(); got != 2 {
		t.Fatalf("expected quorum of 2 after demotion, got %v", got)
	}
	if re.currentLeader.Load() != 1 {
		t.Fatalf("configure did not record leader, got %v", re.currentLeader.Load())
	}
}

func TestPollReplyClassification(t *testing.T) {

	re := testEngineGet(t, []string{":8088", ":8089", ":8090", ":8091", ":8092"}, 0)
	re.updateCurrentTerm(3)

	rearmed := 0
	rearm := func() { rearmed++ }

	startRound := func() *pollRound {
		re.roundCounter++
		round := &pollRound{id: re.roundCounter}
		round.quorum = newQuorum(re.cluster.quorumSize(), 5, func(elected bool) {
			round.decided = true
			round.elected = elected
		})
		round.quorum.succeed() // local support
		re.currentRound = round
		return round
	}

	reply := func(round int64, voter int32, term int64, acc bool, err error) *pollContainer {
		return &pollContainer{
			request: &raft_pb.PollRequest{Term: re.currentTerm.Load(), CandidateId: re.node.index, To: voter},
			reply:   &raft_pb.PollResponse{Term: term, VoterId: voter, Accepted: acc},
			err:     err,
			roundID: round,
		}
	}

	// Two remote accepts on top of local support resolve a 5 member round elected.
	round := startRound()
	if next := re.handlePollReply(reply(round.id, 1, 3, true, nil), rearm); next != nil {
		t.Fatal("round resolved one accept short of majority")
	}
	if next := re.handlePollReply(reply(round.id, 2, 3, true, nil), rearm); next == nil {
		t.Fatal("majority accepts did not resolve round elected")
	}
	if re.currentRound != nil {
		t.Fatal("resolved round still current")
	}

	// Stale round id: provably from an abandoned round, ignored entirely.
	round = startRound()
	if next := re.handlePollReply(reply(round.id-1, 1, 3, true, nil), rearm); next != nil {
		t.Fatal("stale round reply resolved current round")
	}
	if round.decided {
		t.Fatal("stale round reply counted against current round")
	}

	// Reply carrying a higher term: adopt it, count the response against the round, stay
	// follower.
	if next := re.handlePollReply(reply(round.id, 1, 7, true, nil), rearm); next != nil {
		t.Fatal("higher term poll reply promoted node")
	}
	if re.currentTerm.Load() != 7 {
		t.Fatalf("higher reply term not adopted, term %v", re.currentTerm.Load())
	}

	// Remaining voters reject; round resolves not elected and the election timer is rearmed.
	re.handlePollReply(reply(round.id, 2, 7, false, nil), rearm)
	re.handlePollReply(reply(round.id, 3, 7, false, nil), rearm)
	if next := re.handlePollReply(reply(round.id, 4, 7, false, nil), rearm); next != nil {
		t.Fatal("rejected round promoted node")
	}
	if rearmed != 1 {
		t.Fatalf("expected exactly one rearm on lost round, got %d", rearmed)
	}

	// Unreachable members count as failures.
	round = startRound()
	for voter := int32(1); voter <= 3; voter++ {
		re.handlePollReply(reply(round.id, voter, 0, false, fmt.Errorf("connection refused")), rearm)
	}
	if !round.decided || round.elected {
		t.Fatalf("unreachable majority should resolve not elected, decided=%v elected=%v",
			round.decided, round.elected)
	}
}
