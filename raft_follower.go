package raft

import (
	"context"

	"github.com/eligere/raft/internal/raft_pb"
)

// pollRound is the engine-goroutine bookkeeping for one outstanding pre-vote round. The id is
// stamped onto every request fanned out for the round; replies carrying any other id belong to
// an abandoned round and are discarded. decided/elected are set by the quorum callback, which
// runs synchronously on the engine goroutine inside reply classification.
type pollRound struct {
	id      int64
	quorum  *quorum
	decided bool
	elected bool
}

// followerStateFn describes the behaviour of the node while in follower state. A follower
// watches for leader liveness, answers requests, and on leader timeout runs non-binding poll
// rounds. Only a poll round which a majority accepts promotes the node to candidate; this is
// what keeps a partitioned node from inflating its term on every timeout while it is cut off
// from the cluster.
func (re *raftEngine) followerStateFn(ctx context.Context) stateFn {

	re.node.logger.Debugw("raftEngine entering state", "new", follower)
	re.state = follower
	re.node.metrics.setRole(follower)

	defer func() {
		re.abandonPollRound("leaving follower state")
		re.timer.cancel()
	}()

	rearm := func() {
		period := re.timer.arm(re.node.config.ElectionTimeout)
		re.node.logger.Debugw("raftEngine follower, extending leader timeout",
			append(re.logKV(), "period", period.String())...)
	}
	rearm()

	for {
		select {

		case f := <-re.timer.fires:

			if !re.timer.live(f) {
				// Expiry from a timer slot which has since been rearmed or cancelled.
				continue
			}

			switch f.phase {

			case phaseElection:
				re.node.logger.Debugw("raftEngine follower, leader timeout", re.logKV()...)
				re.node.metrics.incElectionTimeouts()
				if next := re.beginPollRound(ctx); next != nil {
					return next
				}

			case phasePollDeadline:
				re.abandonPollRound("deadline expired without resolution")
				rearm()
			}

		case msg := <-re.inboundAppendChan:

			outcome := re.handleRxedAppend(msg, true)
			switch outcome {
			case senderStale:
				re.node.logger.Debugw(
					"raftEngine follower, ignoring Append request from stale remote client",
					append(re.logKV(), "remoteNodeIndex", msg.request.LeaderId)...)
			case rejected, accepted:
				// Proof of a live leader; any outstanding poll round is moot.
				re.abandonPollRound("leader active")
				rearm()
				if outcome == accepted && len(msg.request.LogEntry) > 0 {
					re.forwardToPassiveMembers(ctx, msg.request)
				}
			}

		case msg := <-re.inboundVoteChan:

			if re.handleRxedVote(msg) {
				// Having cast a binding vote, stand down from any poll of our own and give the
				// candidate a full timeout to win.
				re.abandonPollRound("vote cast in election")
				rearm()
				re.node.logger.Debugw(
					"raftEngine follower, cast vote in election",
					append(re.logKV(), "remoteNodeIndex", msg.request.CandidateId)...)
			} else {
				re.node.logger.Debugw(
					"raftEngine follower, did NOT vote on Vote request from remote client",
					append(re.logKV(), "remoteNodeIndex", msg.request.CandidateId)...)
			}

		case msg := <-re.inboundPollChan:

			// Polls are non-binding and never extend the leader timeout; a node which merely
			// asks whether it could win does not prove a leader is alive.
			re.handleRxedPoll(msg)

		case msg := <-re.inboundConfigureChan:

			if re.handleRxedConfigure(msg, true) == accepted {
				re.abandonPollRound("leader active")
				rearm()
			}

		case msg := <-re.inboundInstallChan:

			if re.handleRxedInstall(msg, true) == accepted {
				re.abandonPollRound("leader active")
				rearm()
			}

		case msg := <-re.returnsPollChan:

			if next := re.handlePollReply(msg, rearm); next != nil {
				return next
			}

		case msg := <-re.returnsVoteChan:
			re.node.logger.Debugw(
				"raftEngine follower, ignoring Vote replies from remote client",
				append(re.logKV(), "remoteNodeIndex", msg.request.To)...)

		case msg := <-re.returnsAppendChan:
			re.node.logger.Debugw(
				"raftEngine follower, ignoring Append replies from remote client",
				append(re.logKV(), "remoteNodeIndex", msg.request.To)...)

		case <-ctx.Done():
			re.node.logger.Debugw(
				"raftEngine follower, received shutdown", re.logKV()...)
			return nil
		}
	}
}

// beginPollRound starts a fresh pre-vote round: snapshot the voting membership, read the log
// tail credential once, seed the quorum with the local node's own support, and fan the poll out
// to every remote voting member. Returns the next state function if the round resolves
// immediately (no remote voting members), nil to stay in follower and await replies.
func (re *raftEngine) beginPollRound(ctx context.Context) stateFn {

	if !re.cluster.localIsVoting() {
		// Demoted to passive by a Configure push; a passive member holds no vote, not even its
		// own, so there is no round to run.
		re.node.logger.Debugw("raftEngine follower, passive member does not poll", re.logKV()...)
		re.timer.arm(re.node.config.ElectionTimeout)
		return nil
	}

	voting := re.cluster.votingMembers()
	if len(voting) == 0 {
		// Sole voting member; nobody to ask, and nobody to object.
		re.node.logger.Debugw("raftEngine follower, no remote voting members, standing for election",
			re.logKV()...)
		re.timer.cancel()
		return re.candidateStateFn
	}

	lastTerm, lastIndex, err := re.logLastTermAndIndex()
	if err != nil {
		// Fatal error already signalled; wind down the state machine.
		return nil
	}

	re.roundCounter++
	round := &pollRound{id: re.roundCounter}
	round.quorum = newQuorum(re.cluster.quorumSize(), len(voting)+1, func(elected bool) {
		round.decided = true
		round.elected = elected
	})
	re.currentRound = round
	re.node.metrics.incPollRounds()

	// The whole round lives or dies within one base timeout; no jitter on the deadline.
	re.timer.armPollDeadline(re.node.config.ElectionTimeout)

	// The local node supports its own candidacy.
	round.quorum.succeed()

	currentTerm := re.currentTerm.Load()
	for _, m := range voting {
		client, ok := re.node.messaging.clients[m.index]
		if !ok {
			re.node.logger.Errorw("raftEngine follower, no client for voting member",
				append(re.logKV(), "remoteNodeIndex", m.index, raftErrKeyword, RaftErrorOutOfBoundsClient)...)
			round.quorum.fail()
			continue
		}
		postMessageToClientWithFlush(ctx, client, &pollEvent{
			client: client,
			container: pollContainer{
				request: &raft_pb.PollRequest{
					Term:         currentTerm,
					CandidateId:  re.node.index,
					LastLogIndex: lastIndex,
					LastLogTerm:  lastTerm,
					To:           m.index,
				},
				returnChan: re.returnsPollChan,
				roundID:    round.id,
				member:     m,
			},
		})
	}

	if round.decided {
		// Can only happen when fan-out itself burned through the quorum, e.g. no clients.
		re.currentRound = nil
		re.timer.cancel()
		if round.elected {
			return re.candidateStateFn
		}
		re.timer.arm(re.node.config.ElectionTimeout)
		return nil
	}

	re.node.logger.Debugw("raftEngine follower, poll round started",
		append(re.logKV(), "round", round.id, "polled", len(voting),
			"lastLogIndex", lastIndex, "lastLogTerm", lastTerm)...)

	return nil
}

// handlePollReply classifies one poll reply against the current round and acts on resolution.
// Returns the next state function when the round resolves elected, nil otherwise.
func (re *raftEngine) handlePollReply(msg *pollContainer, rearm func()) stateFn {

	round := re.currentRound
	if round == nil || msg.roundID != round.id {
		re.node.logger.Debugw(
			"raftEngine follower, discarding poll reply from abandoned round",
			append(re.logKV(), "remoteNodeIndex", msg.request.To, "round", msg.roundID)...)
		return nil
	}

	if msg.err != nil {
		// Unreachable member counts against the round; no retry, the next round will ask again.
		re.node.logger.Debugw(
			"raftEngine follower, poll reply error from remote client",
			append(re.logKV(), "remoteNodeIndex", msg.request.To, raftErrKeyword, msg.err)...)
		re.node.metrics.incPollOutcome(pollOutcomeFailed)
		round.quorum.fail()
	} else {

		// Adopt a higher term from the reply, but stay follower; a poll never promotes and
		// never demotes, it only informs.
		re.replaceTermIfNewer(msg.reply.Term)

		switch {
		case !msg.reply.Accepted:
			re.node.metrics.incPollOutcome(pollOutcomeRejected)
			round.quorum.fail()
		case msg.reply.Term != re.currentTerm.Load():
			// Accepted in some other term than ours is no support at all.
			re.node.metrics.incPollOutcome(pollOutcomeTermMismatch)
			round.quorum.fail()
		default:
			re.node.metrics.incPollOutcome(pollOutcomeAccepted)
			round.quorum.succeed()
		}
	}

	if !round.decided {
		return nil
	}

	re.currentRound = nil
	re.timer.cancel()

	if round.elected {
		re.node.logger.Debugw("raftEngine follower, poll round won, standing for election",
			append(re.logKV(), "round", round.id)...)
		return re.candidateStateFn
	}

	re.node.logger.Debugw("raftEngine follower, poll round lost",
		append(re.logKV(), "round", round.id)...)
	rearm()
	return nil
}

// abandonPollRound drops the current round, if any. Replies still in flight will carry the old
// round id and be discarded on arrival.
func (re *raftEngine) abandonPollRound(reason string) {
	if re.currentRound == nil {
		return
	}
	re.node.logger.Debugw("raftEngine follower, abandoning poll round",
		append(re.logKV(), "round", re.currentRound.id, "reason", reason)...)
	re.currentRound = nil
}
