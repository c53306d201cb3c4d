package raft

import (
	"context"
	"time"

	"github.com/eligere/raft/internal/raft_pb"
)

// keepalivePeriod is the interval at which a leader reasserts itself with empty Append
// requests. Comfortably inside the shortest possible follower timeout so a healthy leader is
// never timed out.
func (n *Node) keepalivePeriod() time.Duration {
	return n.config.ElectionTimeout / 5
}

// leaderStateFn implements the behaviour of the node while in leader state: assert leadership
// with a configuration push, keep asserting it with keepalives, and fall back to follower the
// moment a newer term shows up anywhere.
func (re *raftEngine) leaderStateFn(ctx context.Context) stateFn {

	re.node.logger.Debugw("raftEngine entering state", "new", leader)
	re.state = leader
	re.node.metrics.setRole(leader)
	re.currentLeader.Store(re.node.index)

	// First thing a fresh leader does is push its view of the membership to everyone.
	re.sendConfiguration(ctx)

	keepalive := time.NewTicker(re.node.keepalivePeriod())
	defer keepalive.Stop()

	for {
		select {

		case <-keepalive.C:
			re.sendKeepalives(ctx)

		case msg := <-re.inboundAppendChan:

			// A leader only yields to a strictly newer term; a same-term Append would mean two
			// leaders in one term, which elections make impossible.
			termBefore := re.currentTerm.Load()
			re.handleRxedAppend(msg, false)
			if re.currentTerm.Load() > termBefore {
				re.node.logger.Debugw(
					"raftEngine leader, Append request results in new term",
					append(re.logKV(), "remoteNodeIndex", msg.request.LeaderId)...)
				return re.followerStateFn
			}
			re.node.logger.Debugw(
				"raftEngine leader, ignoring Append request from remote client",
				append(re.logKV(), "remoteNodeIndex", msg.request.LeaderId)...)

		case msg := <-re.inboundVoteChan:

			if re.handleRxedVote(msg) {
				// Vote will only be granted if we moved to a new term (otherwise we'd have voted
				// for ourselves already). In that case we simply move back down to follower.
				re.node.logger.Debugw(
					"raftEngine leader, cast vote in election with new term",
					append(re.logKV(), "remoteNodeIndex", msg.request.CandidateId)...)
				return re.followerStateFn
			}
			re.node.logger.Debugw(
				"raftEngine leader, did NOT vote on Vote request from remote client",
				append(re.logKV(), "remoteNodeIndex", msg.request.CandidateId)...)

		case msg := <-re.inboundPollChan:
			// The poller learns our term from the reply and stands down.
			re.handleRxedPoll(msg)

		case msg := <-re.inboundConfigureChan:
			if re.handleRxedConfigure(msg, false) == accepted {
				return re.followerStateFn
			}

		case msg := <-re.inboundInstallChan:
			if re.handleRxedInstall(msg, false) == accepted {
				return re.followerStateFn
			}

		case msg := <-re.returnsAppendChan:

			if msg.err != nil {
				re.node.logger.Debugw(
					"raftEngine leader, Append reply from remote client with error",
					append(re.logKV(), "remoteNodeIndex", msg.request.To, raftErrKeyword, msg.err)...)
				continue
			}

			switch re.replaceTermIfNewer(msg.reply.Term) {
			case staleTerm, sameTerm:
			case newTerm:
				re.node.logger.Debugw(
					"raftEngine leader, received Append reply from client in a future term",
					append(re.logKV(), "remoteNodeIndex", msg.request.To)...)
				return re.followerStateFn
			}

		case msg := <-re.returnsVoteChan:

			if msg.err != nil {
				// Presumably a timeout on a vote to a client we lost connectivity to; we are
				// leader already so it does not matter.
				re.node.logger.Debugw(
					"raftEngine leader, ignoring Vote reply from remote client with error",
					append(re.logKV(), "remoteNodeIndex", msg.request.To, raftErrKeyword, msg.err)...)
				continue
			}

			switch re.replaceTermIfNewer(msg.reply.Term) {
			case staleTerm, sameTerm:
				// Straggler votes from the election we already won.
			case newTerm:
				re.node.logger.Debugw(
					"raftEngine leader, received Vote reply from client in a future term",
					append(re.logKV(), "remoteNodeIndex", msg.reply.VoterId)...)
				return re.followerStateFn
			}

		case msg := <-re.returnsPollChan:
			re.node.logger.Debugw(
				"raftEngine leader, ignoring poll reply from abandoned round",
				append(re.logKV(), "remoteNodeIndex", msg.request.To)...)

		case <-ctx.Done():
			re.node.logger.Debugw(
				"raftEngine leader, received shutdown", re.logKV()...)
			return nil
		}
	}
}

// sendKeepalives dispatches an empty Append to every remote member, passive observers
// included. Replies come back on returnsAppendChan and only matter for their term.
func (re *raftEngine) sendKeepalives(ctx context.Context) {

	currentTerm := re.currentTerm.Load()
	committed := re.commitIndex.Load()

	for _, m := range re.cluster.remoteMembers() {
		client, ok := re.node.messaging.clients[m.index]
		if !ok {
			continue
		}
		postMessageToClientWithFlush(ctx, client, &appendEvent{
			client: client,
			container: appendContainer{
				request: &raft_pb.AppendRequest{
					Term:           currentTerm,
					LeaderId:       re.node.index,
					CommittedIndex: committed,
					To:             m.index,
				},
				returnChan: re.returnsAppendChan,
				member:     m,
			},
		})
	}
}

// sendConfiguration pushes the local membership view to every remote member. Replies are
// handled like any other Append-family reply, purely for term discovery.
func (re *raftEngine) sendConfiguration(ctx context.Context) {

	voting, passive := re.cluster.memberAddresses()
	currentTerm := re.currentTerm.Load()

	for _, m := range re.cluster.remoteMembers() {
		client, ok := re.node.messaging.clients[m.index]
		if !ok {
			continue
		}
		postMessageToClientWithFlush(ctx, client, &configureEvent{
			client: client,
			container: configureContainer{
				request: &raft_pb.ConfigureRequest{
					Term:           currentTerm,
					LeaderId:       re.node.index,
					VotingMembers:  voting,
					PassiveMembers: passive,
					To:             m.index,
				},
				returnChan: nil,
			},
		})
	}
}
