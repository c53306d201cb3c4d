package raft

import (
	"context"

	"github.com/eligere/raft/internal/raft_pb"
)

// candidateStateFn implements the behaviour of the node while in candidate state. A node only
// arrives here after winning a poll round (or finding itself alone), so the term increment
// below is very likely to stick rather than merely disrupt a healthy cluster.
func (re *raftEngine) candidateStateFn(ctx context.Context) stateFn {

	re.node.logger.Debugw("raftEngine entering state", "new", candidate)
	re.state = candidate
	re.node.metrics.setRole(candidate)

	defer re.timer.cancel()

	for {
		// Time to declare a new currentTerm, and vote for myself in it.
		re.replaceTermIfNewer(re.currentTerm.Load() + 1)
		re.updateVotedFor(re.node.index)
		re.node.logger.Debugw("raftEngine candidate, declared new term", re.logKV()...)

		lastTerm, lastIndex, err := re.logLastTermAndIndex()
		if err != nil {
			return nil
		}

		voting := re.cluster.votingMembers()

		var decided, elected bool
		ballot := newQuorum(re.cluster.quorumSize(), len(voting)+1, func(e bool) {
			decided = true
			elected = e
		})
		ballot.succeed()
		if decided {
			// Sole voting member; our own vote settles it.
			if elected {
				return re.leaderStateFn
			}
			return re.followerStateFn
		}

		currentTerm := re.currentTerm.Load()
		for _, m := range voting {
			client, ok := re.node.messaging.clients[m.index]
			if !ok {
				re.node.logger.Errorw("raftEngine candidate, no client for voting member",
					append(re.logKV(), "remoteNodeIndex", m.index, raftErrKeyword, RaftErrorOutOfBoundsClient)...)
				ballot.fail()
				continue
			}
			postMessageToClientWithFlush(ctx, client, &voteEvent{
				client: client,
				container: voteContainer{
					request: &raft_pb.VoteRequest{
						Term:         currentTerm,
						CandidateId:  re.node.index,
						LastLogIndex: lastIndex,
						LastLogTerm:  lastTerm,
						To:           m.index,
					},
					returnChan: re.returnsVoteChan,
					member:     m,
				},
			})
		}

		period := re.timer.arm(re.node.config.ElectionTimeout)
		re.node.logger.Debugw("raftEngine candidate, extending election timeout",
			append(re.logKV(), "period", period.String())...)

	innerLoop:
		for {
			select {

			case f := <-re.timer.fires:
				if !re.timer.live(f) {
					continue
				}
				re.node.logger.Debugw("raftEngine candidate, restart election cycle on timeout",
					re.logKV()...)
				re.node.metrics.incElectionTimeouts()
				break innerLoop

			case msg := <-re.inboundAppendChan:

				outcome := re.handleRxedAppend(msg, true)
				switch outcome {
				case senderStale:
					// continue here... waiting for outcome of election.
					re.node.logger.Debugw(
						"raftEngine candidate, ignoring Append request from stale remote client",
						append(re.logKV(), "remoteNodeIndex", msg.request.LeaderId)...)
				default: // election completed... return to follower state.
					re.node.logger.Debugw(
						"raftEngine candidate, Append request results in new leader for the term",
						append(re.logKV(), "remoteNodeIndex", msg.request.LeaderId)...)
					return re.followerStateFn
				}

			case msg := <-re.inboundVoteChan:

				if re.handleRxedVote(msg) {
					// Vote will only be granted if we moved to a new term (otherwise we'd have
					// voted for ourselves already). In this case, we simply move back down to
					// follower.
					re.node.logger.Debugw(
						"raftEngine candidate, cast vote in election",
						append(re.logKV(), "remoteNodeIndex", msg.request.CandidateId)...)
					return re.followerStateFn
				}
				re.node.logger.Debugw(
					"raftEngine candidate, did NOT vote on Vote request from remote client",
					append(re.logKV(), "remoteNodeIndex", msg.request.CandidateId)...)

			case msg := <-re.inboundPollChan:
				// Answer honestly even mid-candidacy; polls cost us nothing.
				re.handleRxedPoll(msg)

			case msg := <-re.inboundConfigureChan:
				if re.handleRxedConfigure(msg, true) == accepted {
					return re.followerStateFn
				}

			case msg := <-re.inboundInstallChan:
				if re.handleRxedInstall(msg, true) == accepted {
					return re.followerStateFn
				}

			case msg := <-re.returnsVoteChan:

				if msg.err != nil {
					if msg.request.Term != re.currentTerm.Load() {
						// Errored reply left over from an earlier cycle's fan-out; not this
						// ballot's business.
						re.node.logger.Debugw(
							"raftEngine candidate, ignoring errored Vote reply from stale election cycle",
							append(re.logKV(), "remoteNodeIndex", msg.request.To, raftErrKeyword, msg.err)...)
						continue
					}
					// We believe we failed to reach the specific client. We do not retry; if
					// necessary there will be another election cycle on timeout.
					re.node.logger.Debugw(
						"raftEngine candidate, Vote reply error from remote client",
						append(re.logKV(), "remoteNodeIndex", msg.request.To, raftErrKeyword, msg.err)...)
					ballot.fail()
					continue
				}

				switch re.replaceTermIfNewer(msg.reply.Term) {
				case staleTerm:
					re.node.logger.Debugw(
						"raftEngine candidate, ignoring Vote reply from stale remote client",
						append(re.logKV(), "remoteNodeIndex", msg.reply.VoterId)...)
					continue

				case newTerm:
					re.node.logger.Debugw(
						"raftEngine candidate, received Vote reply from client in a future term",
						append(re.logKV(), "remoteNodeIndex", msg.reply.VoterId)...)
					return re.followerStateFn

				case sameTerm:
					if msg.reply.VoteGranted {
						ballot.succeed()
					} else {
						ballot.fail()
					}
				}

				if decided && elected {
					return re.leaderStateFn
				}
				// A decided loss simply waits out the timer and tries a fresh term.

			case msg := <-re.returnsPollChan:
				re.node.logger.Debugw(
					"raftEngine candidate, ignoring poll reply from abandoned round",
					append(re.logKV(), "remoteNodeIndex", msg.request.To)...)

			case msg := <-re.returnsAppendChan:
				re.node.logger.Debugw(
					"raftEngine candidate, ignoring Append replies from remote client",
					append(re.logKV(), "remoteNodeIndex", msg.request.To)...)

			case <-ctx.Done():
				re.node.logger.Debugw(
					"raftEngine candidate, received shutdown", re.logKV()...)
				return nil
			}
		}
	}
}
