package raft

import (
	"context"

	"github.com/eligere/raft/internal/raft_pb"
)

// forwardToPassiveMembers relays entries a follower just accepted from the leader on to the
// passive observers. Observers never vote and the leader never talks to them directly; they
// learn the log second hand from whichever followers hold them in their membership view.
// Fire and forget per observer; a dropped relay is healed by the next accepted Append.
func (re *raftEngine) forwardToPassiveMembers(ctx context.Context, rxed *raft_pb.AppendRequest) {

	passive := re.cluster.passiveMembers()
	if len(passive) == 0 {
		return
	}

	currentTerm := re.currentTerm.Load()
	committed := re.commitIndex.Load()

	for _, m := range passive {
		client, ok := re.node.messaging.clients[m.index]
		if !ok {
			re.node.logger.Debugw("raftEngine follower, no client for passive member",
				append(re.logKV(), "remoteNodeIndex", m.index)...)
			continue
		}

		request := &raft_pb.AppendRequest{
			Term:           currentTerm,
			LeaderId:       re.currentLeader.Load(),
			PrevLogIndex:   rxed.PrevLogIndex,
			PrevLogTerm:    rxed.PrevLogTerm,
			CommittedIndex: committed,
			LogEntry:       rxed.LogEntry,
			To:             m.index,
		}

		// Plain post, no flush; entry relays must not wipe each other out of the queue.
		if !client.eventChan.postMessage(ctx, &appendEvent{
			client: client,
			container: appendContainer{
				request: request,
				member:  m,
			},
		}) {
			re.node.logger.Debugw("raftEngine follower, passive member relay queue full, entry relay dropped",
				append(re.logKV(), "remoteNodeIndex", m.index)...)
		}
	}

	re.node.logger.Debugw("raftEngine follower, relayed entries to passive members",
		append(re.logKV(), "passiveMembers", len(passive), "entries", len(rxed.LogEntry))...)
}
