package raft

import (
	"sync"

	"go.uber.org/zap"
)

// member describes one remote cluster member as known to the local node. index keys into the
// messaging clients map; voting distinguishes full members from passive observers.
type member struct {
	index   int32
	address string
	voting  bool
}

// clusterState tracks cluster membership as currently known to the local node. The initial
// membership comes from configuration; a leader can replace it at runtime through Configure
// requests. Mutation happens only on the raftEngine goroutine; accessors return snapshots so
// a poll round operates on a consistent voting set even if membership changes mid-round.
type clusterState struct {
	mu sync.RWMutex
	// All members ever named in configuration, keyed by address. Configure requests can only
	// toggle members between voting and passive; they cannot conjure connections to addresses
	// we never set up clients for.
	known map[string]*member
	// localAddress is excluded from fan-out snapshots.
	localAddress string
	logger       *zap.SugaredLogger
}

func initClusterState(n *Node) *clusterState {

	cs := &clusterState{
		known:        map[string]*member{},
		localAddress: n.config.Nodes[n.index],
		logger:       n.logger,
	}

	for i, address := range n.config.Nodes {
		cs.known[address] = &member{index: int32(i), address: address, voting: true}
	}
	for i, address := range n.config.Observers {
		cs.known[address] = &member{index: int32(len(n.config.Nodes) + i), address: address, voting: false}
	}

	return cs
}

// votingMembers returns a snapshot of the remote voting members; the local node is excluded
// since it never sends RPCs to itself.
func (cs *clusterState) votingMembers() []member {

	cs.mu.RLock()
	defer cs.mu.RUnlock()

	members := make([]member, 0, len(cs.known))
	for _, m := range cs.known {
		if m.voting && m.address != cs.localAddress {
			members = append(members, *m)
		}
	}
	return members
}

// passiveMembers returns a snapshot of the passive observers which receive entry fan-out but
// never vote.
func (cs *clusterState) passiveMembers() []member {

	cs.mu.RLock()
	defer cs.mu.RUnlock()

	members := make([]member, 0, len(cs.known))
	for _, m := range cs.known {
		if !m.voting {
			members = append(members, *m)
		}
	}
	return members
}

// remoteMembers returns a snapshot of every remote member, voting and passive alike; the
// recipients of a leader's keepalives and configuration pushes.
func (cs *clusterState) remoteMembers() []member {

	cs.mu.RLock()
	defer cs.mu.RUnlock()

	members := make([]member, 0, len(cs.known))
	for _, m := range cs.known {
		if m.address != cs.localAddress {
			members = append(members, *m)
		}
	}
	return members
}

// memberAddresses returns the voting and passive address lists as carried on a Configure
// request, local node included.
func (cs *clusterState) memberAddresses() (voting, passive []string) {

	cs.mu.RLock()
	defer cs.mu.RUnlock()

	for _, m := range cs.known {
		if m.voting {
			voting = append(voting, m.address)
		} else {
			passive = append(passive, m.address)
		}
	}
	return voting, passive
}

// localIsVoting reports whether the local node is currently a full voting member. A Configure
// push can demote the local node to passive at runtime.
func (cs *clusterState) localIsVoting() bool {

	cs.mu.RLock()
	defer cs.mu.RUnlock()

	m, ok := cs.known[cs.localAddress]
	return ok && m.voting
}

// quorumSize returns the majority threshold over the full voting membership, local node
// included: floor(N/2)+1.
func (cs *clusterState) quorumSize() int {

	cs.mu.RLock()
	defer cs.mu.RUnlock()

	voting := 0
	for _, m := range cs.known {
		if m.voting {
			voting++
		}
	}
	return voting>>1 + 1
}

// applyConfiguration reconciles membership against a leader-provided snapshot. Addresses we
// have no client for are logged and skipped; tearing up connections to brand new members is
// a bootstrap concern, not an election one.
func (cs *clusterState) applyConfiguration(votingMembers, passiveMembers []string) {

	cs.mu.Lock()
	defer cs.mu.Unlock()

	apply := func(addresses []string, voting bool) {
		for _, address := range addresses {
			m, ok := cs.known[address]
			if !ok {
				cs.logger.Warnw("clusterState, ignoring configured member with no client",
					"address", address, "voting", voting)
				continue
			}
			m.voting = voting
		}
	}

	apply(votingMembers, true)
	apply(passiveMembers, false)
}
