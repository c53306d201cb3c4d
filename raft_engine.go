package raft

import (
	"context"
	"sync"

	"github.com/eligere/raft/internal/raft_pb"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/atomic"
)

// NodeState: describes the state of the raft node.
type nodeState int

const (
	// Node is follower according to Raft spec. This is the initial state of the node coming up.
	follower nodeState = iota
	// Node is candidate according to Raft spec, during election phase.
	candidate
	// Node is leader in current term according to Raft spec.
	leader
)

func (state nodeState) String() string {
	switch state {
	case follower:
		return "follower"
	case candidate:
		return "candidate"
	case leader:
		return "leader"
	}
	return "illegal"
}

// stateFn variation of state machine; or a variation at least, as described by r@golang.org here:
// https://talks.golang.org/2011/lex.slide
// Each state is represented as a function which has access to the engine channels bringing in
// external events; namely timers or messages.
type stateFn func(context.Context) stateFn

const noLeader = -1
const notVotedThisTerm = -1

// raftEngine is the object at the heart of the raft state machine, the spider at the centre of the web.
// Progression through the raft state machine happens from the raftEngine.run() goroutine: that one
// goroutine serialises every state mutation, timer expiry and RPC completion. The messaging side
// goroutines are not intelligent and simply relieve the raftEngine from the mundane (and, more
// importantly, blocking) interactions with other cluster nodes.
type raftEngine struct {
	node  *Node
	state nodeState
	// Persisted log and node state.
	logDB *bolt.DB
	// Persisted state on all nodes. Mutated only on the engine goroutine; atomics so accessors
	// and client side goroutines can read without synchronising with the engine.
	currentTerm *atomic.Int64
	votedFor    *atomic.Int32
	// Volatile state on all nodes.
	commitIndex *atomic.Int64
	// Who does the local node think is the current leader. Set in the context of the raftEngine
	// goroutine but accessible from an application accessor.
	currentLeader *atomic.Int32
	// Cluster membership as currently known; voting snapshot taken per poll round.
	cluster *clusterState
	// The single-slot election/poll-deadline timer. Owned by the engine goroutine.
	timer *electionTimer
	//
	// Channels... the same channels are used irrespective of state. It is the state function which
	// decides what to do with the content in the channel.
	//
	// The first set bring in external requests terminated by the gRPC server (inbound prefix).
	// These requests are handled synchronously and answered over the container's returnChan.
	// The second set bring in the asynchronous responses from the gRPC client goroutines.
	//
	inboundAppendChan    chan *appendContainer
	inboundVoteChan      chan *voteContainer
	inboundPollChan      chan *pollContainer
	inboundConfigureChan chan *configureContainer
	inboundInstallChan   chan *installContainer
	// The returns channels are used to return results asynchronously from the gRPC client goroutines.
	returnsPollChan   chan *pollContainer
	returnsVoteChan   chan *voteContainer
	returnsAppendChan chan *appendContainer
	//
	// Poll round bookkeeping, only ever touched on the engine goroutine. roundCounter increases
	// monotonically; a response stamped with any other round identity than the current one is
	// provably stale and discarded.
	roundCounter int64
	currentRound *pollRound
}

func (re *raftEngine) logKV() []interface{} {
	return []interface{}{
		"localNodeIndex", re.node.index,
		"currentTerm", re.currentTerm.Load(),
		"commitIndex", re.commitIndex.Load(),
		"state", re.state,
		"votedFor", re.votedFor.Load(),
		"currentLeader", re.currentLeader.Load()}
}

type pollContainer struct {
	request    *raft_pb.PollRequest
	err        error
	reply      *raft_pb.PollResponse
	returnChan chan *pollContainer
	// roundID and member stamp responses ferried back by client goroutines; unused on the
	// inbound (server) side.
	roundID int64
	member  member
}

type voteContainer struct {
	request    *raft_pb.VoteRequest
	err        error
	reply      *raft_pb.VoteResponse
	returnChan chan *voteContainer
	member     member
}

type appendContainer struct {
	request    *raft_pb.AppendRequest
	err        error
	reply      *raft_pb.AppendResponse
	returnChan chan *appendContainer
	member     member
}

type configureContainer struct {
	request    *raft_pb.ConfigureRequest
	err        error
	reply      *raft_pb.ConfigureResponse
	returnChan chan *configureContainer
}

type installContainer struct {
	request    *raft_pb.InstallRequest
	err        error
	reply      *raft_pb.InstallResponse
	returnChan chan *installContainer
}

func initRaftEngine(ctx context.Context, n *Node) error {

	re := &raftEngine{
		node:                 n,
		inboundAppendChan:    make(chan *appendContainer, n.config.ChannelDepth.ServerEvents),
		inboundVoteChan:      make(chan *voteContainer, n.config.ChannelDepth.ServerEvents),
		inboundPollChan:      make(chan *pollContainer, n.config.ChannelDepth.ServerEvents),
		inboundConfigureChan: make(chan *configureContainer, n.config.ChannelDepth.ServerEvents),
		inboundInstallChan:   make(chan *installContainer, n.config.ChannelDepth.ServerEvents),
		returnsPollChan:      make(chan *pollContainer, n.config.ChannelDepth.ServerEvents),
		returnsVoteChan:      make(chan *voteContainer, n.config.ChannelDepth.ServerEvents),
		returnsAppendChan:    make(chan *appendContainer, n.config.ChannelDepth.ServerEvents),
		currentTerm:          atomic.NewInt64(0),
		votedFor:             atomic.NewInt32(notVotedThisTerm),
		commitIndex:          atomic.NewInt64(0),
		currentLeader:        atomic.NewInt32(noLeader),
		cluster:              initClusterState(n),
		timer:                newElectionTimer(),
	}

	n.engine = re

	return re.initLogDB(ctx, n)
}

// raftEngine.run runs the core of the raft algorithm. We have an event loop which handles the
// state of the raft node, and which receives events; both timeouts and messages.
func (re *raftEngine) run(ctx context.Context, wg *sync.WaitGroup, n *Node) {

	n.logger.Infow("raftEngine, start running", re.logKV()...)

	defer wg.Done()

	for s := re.followerStateFn(ctx); s != nil; {
		s = s(ctx)
		n.logger.Debugw("raftEngine leaving state", re.logKV()...)
	}

	re.timer.cancel()

	n.logger.Infow("raftEngine, stop LogDB", re.logKV()...)
	re.shutdownLogDB()

	n.logger.Infow("raftEngine, stop running", re.logKV()...)
}

type termComparisonResult int

const (
	sameTerm termComparisonResult = iota
	newTerm
	staleTerm
)

func (re *raftEngine) updateCurrentTerm(term int64) {
	re.currentTerm.Store(term)
	re.node.metrics.setTerm(term)
}

func (re *raftEngine) updateVotedFor(candidate int32) {
	re.votedFor.Store(candidate)
	re.saveNodePersistedData()
}

// replaceTermIfNewer will test current against received term. There are three possible outcomes;
// rxed term is newer, in which case current term is updated. Otherwise, received term could be older
// or the same as current term. In all cases, return value indicates identified case.
//
// Term regression is impossible by construction; only increases are ever adopted, and an
// increase clears votedFor and the leader hint and updates the persisted state.
func (re *raftEngine) replaceTermIfNewer(rxTerm int64) termComparisonResult {
	switch {
	case rxTerm > re.currentTerm.Load():
		re.updateCurrentTerm(rxTerm)
		re.currentLeader.Store(noLeader)
		re.updateVotedFor(notVotedThisTerm)
		re.node.logger.Debugw("raftEngine declaring new currentTerm", re.logKV()...)

		return newTerm
	case rxTerm < re.currentTerm.Load():
		return staleTerm
	default:
		return sameTerm
	}
}

// logAtLeastAsUpToDate implements the log comparison of the election safety argument: a
// candidate's log is acceptable if its tail term is newer than ours, or matches ours with at
// least as high an index.
func (re *raftEngine) logAtLeastAsUpToDate(lastLogIndex, lastLogTerm int64) bool {

	localTerm, localIndex, err := re.logLastTermAndIndex()
	if err != nil {
		// Fatal error is already signalled; refuse the credential on the way down.
		return false
	}

	if lastLogTerm != localTerm {
		return lastLogTerm > localTerm
	}
	return lastLogIndex >= localIndex
}

// handleRxedPoll services a non-binding pre-vote from a would-be candidate. We indicate whether
// we would vote for the candidate, but we grant nothing: votedFor is untouched and our term
// never increases on account of a poll. This is what lets a partitioned node sound out the
// cluster on every timeout without forcing the real leader through spurious term inflation.
func (re *raftEngine) handleRxedPoll(msg *pollContainer) {

	accepted := false

	switch re.replaceTermIfNewer(msg.request.Term) {
	case staleTerm:
		// candidate is behind; do not encourage it.
	case sameTerm, newTerm:
		accepted = re.logAtLeastAsUpToDate(msg.request.LastLogIndex, msg.request.LastLogTerm)
	}

	msg.reply = &raft_pb.PollResponse{
		Term:     re.currentTerm.Load(),
		VoterId:  re.node.index,
		Accepted: accepted,
	}
	msg.returnChan <- msg
}

// handleRxedVote services a binding vote request. Returns true if we granted the vote, which
// the caller uses to reset its election timer (having voted, this node should not itself time
// out into a competing candidacy immediately).
func (re *raftEngine) handleRxedVote(msg *voteContainer) bool {

	var grant bool

	switch re.replaceTermIfNewer(msg.request.Term) {

	case staleTerm:
		// do not grant vote

	case sameTerm, newTerm:

		if re.votedFor.Load() == notVotedThisTerm &&
			re.logAtLeastAsUpToDate(msg.request.LastLogIndex, msg.request.LastLogTerm) {
			re.updateVotedFor(msg.request.CandidateId)
			grant = true
		}
	}

	msg.reply = &raft_pb.VoteResponse{
		Term:        re.currentTerm.Load(),
		VoterId:     re.node.index,
		VoteGranted: grant,
	}
	msg.returnChan <- msg

	return grant
}

type appendRequestOutcome int

const (
	senderStale appendRequestOutcome = iota
	rejected
	accepted
)

// handleRxedAppend services a replication request from a leader. okInTerm indicates whether an
// append in the current term is proof of a legitimate leader (true everywhere except at a
// leader, which only yields to a newer term).
func (re *raftEngine) handleRxedAppend(msg *appendContainer, okInTerm bool) appendRequestOutcome {
	var outcome appendRequestOutcome
	var err error
	var ack bool

	checkTerm := re.replaceTermIfNewer(msg.request.Term)
	switch checkTerm {

	case staleTerm:
		// we have to fail append entry indicating our later term.
		outcome = senderStale

	case sameTerm, newTerm:

		outcome = rejected
		latestSequenceAdded := int64(0)

		if okInTerm || checkTerm == newTerm {

			re.currentLeader.Store(msg.request.LeaderId)

			// Check we have all previous entries (prevLogIndex is in our log with the right
			// term); accept if so, reject otherwise.
			matched := msg.request.PrevLogIndex == 0
			if !matched {
				var prevLe *raft_pb.LogEntry
				prevLe, err = re.logGetEntry(msg.request.PrevLogIndex)
				if err == nil && prevLe != nil && prevLe.Term == msg.request.PrevLogTerm {
					matched = true
				}
			}

			if err == nil && matched {
				//
				// Looks like we're in business. Append all new entries, and purge any
				// conflicting tail if we encounter a term/sequence discrepancy.
				outcome = accepted
				ack = true

				for _, newLe := range msg.request.LogEntry {
					var existingLe *raft_pb.LogEntry
					existingLe, err = re.logGetEntry(newLe.Sequence)
					if err == nil {
						if existingLe == nil {
							err = re.logAddEntry(newLe)
						} else if existingLe.Term != newLe.Term {
							err = re.logPurgeTailEntries(existingLe.Sequence)
							if err == nil {
								err = re.logAddEntry(newLe)
							}
						}
					}
					if err != nil {
						break
					}

					latestSequenceAdded = newLe.Sequence
				}
			} else if err == nil {
				re.node.logger.Debugw("append rejected update, previous entry mismatch", re.logKV()...)
			}

			if err != nil {
				re.node.signalFatalError(err)
			}
		}

		if err == nil && ack {
			newCommitted := msg.request.CommittedIndex
			if latestSequenceAdded != 0 && latestSequenceAdded < newCommitted {
				newCommitted = latestSequenceAdded
			}
			if re.commitIndex.Load() < newCommitted {
				// Updates only happen on this goroutine, so it is ok to simply store the new value.
				re.commitIndex.Store(newCommitted)
				re.node.logger.Debugw("append handler updated commitIndex", re.logKV()...)
			}
		}

	}

	msg.reply = &raft_pb.AppendResponse{
		Term:    re.currentTerm.Load(),
		VoterId: re.node.index,
		Ack:     ack,
	}
	msg.err = err
	msg.returnChan <- msg

	return outcome
}

// handleRxedConfigure services a membership snapshot pushed by the leader. A non-stale
// configure is proof of live leader activity; callers reset their election timer on it.
// okInTerm has the same meaning as on handleRxedAppend.
func (re *raftEngine) handleRxedConfigure(msg *configureContainer, okInTerm bool) appendRequestOutcome {

	outcome := senderStale
	var ack bool

	checkTerm := re.replaceTermIfNewer(msg.request.Term)
	switch checkTerm {
	case staleTerm:
	case sameTerm, newTerm:
		if okInTerm || checkTerm == newTerm {
			outcome = accepted
			ack = true
			re.currentLeader.Store(msg.request.LeaderId)
			re.cluster.applyConfiguration(msg.request.VotingMembers, msg.request.PassiveMembers)
			re.node.logger.Debugw("configure applied membership snapshot",
				append(re.logKV(), "voting", msg.request.VotingMembers, "passive", msg.request.PassiveMembers)...)
		} else {
			outcome = rejected
		}
	}

	msg.reply = &raft_pb.ConfigureResponse{
		Term: re.currentTerm.Load(),
		Ack:  ack,
	}
	msg.returnChan <- msg

	return outcome
}

// handleRxedInstall acknowledges a snapshot chunk from the leader. Snapshot state transfer is
// handled by the storage layer above this package; at this level a non-stale install is simply
// treated as proof of live leader activity. okInTerm has the same meaning as on
// handleRxedAppend.
func (re *raftEngine) handleRxedInstall(msg *installContainer, okInTerm bool) appendRequestOutcome {

	outcome := senderStale
	var ack bool

	checkTerm := re.replaceTermIfNewer(msg.request.Term)
	switch checkTerm {
	case staleTerm:
	case sameTerm, newTerm:
		if okInTerm || checkTerm == newTerm {
			outcome = accepted
			ack = true
			re.currentLeader.Store(msg.request.LeaderId)
		} else {
			outcome = rejected
		}
	}

	msg.reply = &raft_pb.InstallResponse{
		Term: re.currentTerm.Load(),
		Ack:  ack,
	}
	msg.returnChan <- msg

	return outcome
}
