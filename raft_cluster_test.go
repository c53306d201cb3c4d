package raft

import (
	"testing"
)

func testClusterNode(t *testing.T, nodes, observers []string, index int32) *Node {
	t.Helper()
	return &Node{
		index:  index,
		logger: testLoggerGet().Sugar(),
		config: &NodeConfig{
			Nodes:     nodes,
			Observers: observers,
		},
	}
}

func TestClusterStateMembership(t *testing.T) {

	cs := initClusterState(testClusterNode(t,
		[]string{":8088", ":8089", ":8090"}, []string{":9001", ":9002"}, 0))

	voting := cs.votingMembers()
	if len(voting) != 2 {
		t.Fatalf("expected 2 remote voting members, got %d", len(voting))
	}
	for _, m := range voting {
		if m.address == ":8088" {
			t.Fatal("local node must not appear in remote voting snapshot")
		}
		if !m.voting {
			t.Fatalf("member %v in voting snapshot not marked voting", m.address)
		}
	}

	passive := cs.passiveMembers()
	if len(passive) != 2 {
		t.Fatalf("expected 2 passive members, got %d", len(passive))
	}
	// Observer indices continue past the Nodes list.
	for _, m := range passive {
		if m.index < 3 {
			t.Fatalf("passive member %v carries voting index %d", m.address, m.index)
		}
	}

	if got := cs.quorumSize(); got != 2 {
		t.Fatalf("expected quorum of 2 for 3 voting members, got %d", got)
	}
}

func TestClusterStateQuorumSizes(t *testing.T) {

	cases := []struct {
		voting int
		expect int
	}{
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 3},
		{5, 3},
		{7, 4},
	}

	for _, tc := range cases {
		nodes := make([]string, tc.voting)
		for i := range nodes {
			nodes[i] = string(rune('a' + i))
		}
		cs := initClusterState(testClusterNode(t, nodes, nil, 0))
		if got := cs.quorumSize(); got != tc.expect {
			t.Errorf("%d voting members: expected quorum %d, got %d", tc.voting, tc.expect, got)
		}
	}
}

func TestClusterStateApplyConfiguration(t *testing.T) {

	cs := initClusterState(testClusterNode(t,
		[]string{":8088", ":8089", ":8090"}, []string{":9001"}, 0))

	// Demote one voting member, promote the observer, and name an address we have never heard
	// of; the latter must be skipped without side effects.
	cs.applyConfiguration(
		[]string{":8088", ":8089", ":9001", ":6666"},
		[]string{":8090"})

	if got := cs.quorumSize(); got != 2 {
		t.Fatalf("expected quorum of 2 after reconfiguration, got %d", got)
	}

	for _, m := range cs.votingMembers() {
		if m.address == ":8090" {
			t.Fatal("demoted member still in voting snapshot")
		}
	}

	foundPromoted := false
	for _, m := range cs.passiveMembers() {
		if m.address == ":9001" {
			t.Fatal("promoted observer still in passive snapshot")
		}
	}
	for _, m := range cs.votingMembers() {
		if m.address == ":9001" {
			foundPromoted = true
		}
	}
	if !foundPromoted {
		t.Fatal("promoted observer missing from voting snapshot")
	}
}
