// Package raft_pb carries the wire types exchanged between cluster replicas.
//
// The bindings are maintained by hand against raft.proto: the message set is
// small and stable, and hand-maintained bindings keep the build free of a
// protoc step. Field tags follow proto3 encoding rules so the messages remain
// wire-compatible with any standard protobuf peer.
package raft_pb

import (
	"github.com/golang/protobuf/proto"
)

type LogEntry struct {
	Sequence int64  `protobuf:"varint,1,opt,name=sequence,proto3" json:"sequence,omitempty"`
	Term     int64  `protobuf:"varint,2,opt,name=term,proto3" json:"term,omitempty"`
	Data     []byte `protobuf:"bytes,3,opt,name=data,proto3" json:"data,omitempty"`
}

func (m *LogEntry) Reset()         { *m = LogEntry{} }
func (m *LogEntry) String() string { return proto.CompactTextString(m) }
func (*LogEntry) ProtoMessage()    {}

func (m *LogEntry) GetSequence() int64 {
	if m != nil {
		return m.Sequence
	}
	return 0
}

func (m *LogEntry) GetTerm() int64 {
	if m != nil {
		return m.Term
	}
	return 0
}

// PersistedState is the node state which must survive restarts; it is stored
// alongside the log rather than sent on the wire.
type PersistedState struct {
	CurrentTerm int64 `protobuf:"varint,1,opt,name=current_term,json=currentTerm,proto3" json:"current_term,omitempty"`
	VotedFor    int32 `protobuf:"varint,2,opt,name=voted_for,json=votedFor,proto3" json:"voted_for,omitempty"`
}

func (m *PersistedState) Reset()         { *m = PersistedState{} }
func (m *PersistedState) String() string { return proto.CompactTextString(m) }
func (*PersistedState) ProtoMessage()    {}

type PollRequest struct {
	Term         int64 `protobuf:"varint,1,opt,name=term,proto3" json:"term,omitempty"`
	CandidateId  int32 `protobuf:"varint,2,opt,name=candidate_id,json=candidateId,proto3" json:"candidate_id,omitempty"`
	LastLogIndex int64 `protobuf:"varint,3,opt,name=last_log_index,json=lastLogIndex,proto3" json:"last_log_index,omitempty"`
	LastLogTerm  int64 `protobuf:"varint,4,opt,name=last_log_term,json=lastLogTerm,proto3" json:"last_log_term,omitempty"`
	To           int32 `protobuf:"varint,5,opt,name=to,proto3" json:"to,omitempty"`
}

func (m *PollRequest) Reset()         { *m = PollRequest{} }
func (m *PollRequest) String() string { return proto.CompactTextString(m) }
func (*PollRequest) ProtoMessage()    {}

type PollResponse struct {
	Term     int64 `protobuf:"varint,1,opt,name=term,proto3" json:"term,omitempty"`
	VoterId  int32 `protobuf:"varint,2,opt,name=voter_id,json=voterId,proto3" json:"voter_id,omitempty"`
	Accepted bool  `protobuf:"varint,3,opt,name=accepted,proto3" json:"accepted,omitempty"`
}

func (m *PollResponse) Reset()         { *m = PollResponse{} }
func (m *PollResponse) String() string { return proto.CompactTextString(m) }
func (*PollResponse) ProtoMessage()    {}

type VoteRequest struct {
	Term         int64 `protobuf:"varint,1,opt,name=term,proto3" json:"term,omitempty"`
	CandidateId  int32 `protobuf:"varint,2,opt,name=candidate_id,json=candidateId,proto3" json:"candidate_id,omitempty"`
	LastLogIndex int64 `protobuf:"varint,3,opt,name=last_log_index,json=lastLogIndex,proto3" json:"last_log_index,omitempty"`
	LastLogTerm  int64 `protobuf:"varint,4,opt,name=last_log_term,json=lastLogTerm,proto3" json:"last_log_term,omitempty"`
	To           int32 `protobuf:"varint,5,opt,name=to,proto3" json:"to,omitempty"`
}

func (m *VoteRequest) Reset()         { *m = VoteRequest{} }
func (m *VoteRequest) String() string { return proto.CompactTextString(m) }
func (*VoteRequest) ProtoMessage()    {}

type VoteResponse struct {
	Term        int64 `protobuf:"varint,1,opt,name=term,proto3" json:"term,omitempty"`
	VoterId     int32 `protobuf:"varint,2,opt,name=voter_id,json=voterId,proto3" json:"voter_id,omitempty"`
	VoteGranted bool  `protobuf:"varint,3,opt,name=vote_granted,json=voteGranted,proto3" json:"vote_granted,omitempty"`
}

func (m *VoteResponse) Reset()         { *m = VoteResponse{} }
func (m *VoteResponse) String() string { return proto.CompactTextString(m) }
func (*VoteResponse) ProtoMessage()    {}

type AppendRequest struct {
	Term           int64       `protobuf:"varint,1,opt,name=term,proto3" json:"term,omitempty"`
	LeaderId       int32       `protobuf:"varint,2,opt,name=leader_id,json=leaderId,proto3" json:"leader_id,omitempty"`
	PrevLogIndex   int64       `protobuf:"varint,3,opt,name=prev_log_index,json=prevLogIndex,proto3" json:"prev_log_index,omitempty"`
	PrevLogTerm    int64       `protobuf:"varint,4,opt,name=prev_log_term,json=prevLogTerm,proto3" json:"prev_log_term,omitempty"`
	CommittedIndex int64       `protobuf:"varint,5,opt,name=committed_index,json=committedIndex,proto3" json:"committed_index,omitempty"`
	LogEntry       []*LogEntry `protobuf:"bytes,6,rep,name=log_entry,json=logEntry,proto3" json:"log_entry,omitempty"`
	To             int32       `protobuf:"varint,7,opt,name=to,proto3" json:"to,omitempty"`
}

func (m *AppendRequest) Reset()         { *m = AppendRequest{} }
func (m *AppendRequest) String() string { return proto.CompactTextString(m) }
func (*AppendRequest) ProtoMessage()    {}

func (m *AppendRequest) GetLogEntry() []*LogEntry {
	if m != nil {
		return m.LogEntry
	}
	return nil
}

type AppendResponse struct {
	Term    int64 `protobuf:"varint,1,opt,name=term,proto3" json:"term,omitempty"`
	VoterId int32 `protobuf:"varint,2,opt,name=voter_id,json=voterId,proto3" json:"voter_id,omitempty"`
	Ack     bool  `protobuf:"varint,3,opt,name=ack,proto3" json:"ack,omitempty"`
}

func (m *AppendResponse) Reset()         { *m = AppendResponse{} }
func (m *AppendResponse) String() string { return proto.CompactTextString(m) }
func (*AppendResponse) ProtoMessage()    {}

type ConfigureRequest struct {
	Term           int64    `protobuf:"varint,1,opt,name=term,proto3" json:"term,omitempty"`
	LeaderId       int32    `protobuf:"varint,2,opt,name=leader_id,json=leaderId,proto3" json:"leader_id,omitempty"`
	VotingMembers  []string `protobuf:"bytes,3,rep,name=voting_members,json=votingMembers,proto3" json:"voting_members,omitempty"`
	PassiveMembers []string `protobuf:"bytes,4,rep,name=passive_members,json=passiveMembers,proto3" json:"passive_members,omitempty"`
	To             int32    `protobuf:"varint,5,opt,name=to,proto3" json:"to,omitempty"`
}

func (m *ConfigureRequest) Reset()         { *m = ConfigureRequest{} }
func (m *ConfigureRequest) String() string { return proto.CompactTextString(m) }
func (*ConfigureRequest) ProtoMessage()    {}

type ConfigureResponse struct {
	Term int64 `protobuf:"varint,1,opt,name=term,proto3" json:"term,omitempty"`
	Ack  bool  `protobuf:"varint,2,opt,name=ack,proto3" json:"ack,omitempty"`
}

func (m *ConfigureResponse) Reset()         { *m = ConfigureResponse{} }
func (m *ConfigureResponse) String() string { return proto.CompactTextString(m) }
func (*ConfigureResponse) ProtoMessage()    {}

type InstallRequest struct {
	Term          int64  `protobuf:"varint,1,opt,name=term,proto3" json:"term,omitempty"`
	LeaderId      int32  `protobuf:"varint,2,opt,name=leader_id,json=leaderId,proto3" json:"leader_id,omitempty"`
	SnapshotIndex int64  `protobuf:"varint,3,opt,name=snapshot_index,json=snapshotIndex,proto3" json:"snapshot_index,omitempty"`
	SnapshotTerm  int64  `protobuf:"varint,4,opt,name=snapshot_term,json=snapshotTerm,proto3" json:"snapshot_term,omitempty"`
	Data          []byte `protobuf:"bytes,5,opt,name=data,proto3" json:"data,omitempty"`
	Done          bool   `protobuf:"varint,6,opt,name=done,proto3" json:"done,omitempty"`
	To            int32  `protobuf:"varint,7,opt,name=to,proto3" json:"to,omitempty"`
}

func (m *InstallRequest) Reset()         { *m = InstallRequest{} }
func (m *InstallRequest) String() string { return proto.CompactTextString(m) }
func (*InstallRequest) ProtoMessage()    {}

type InstallResponse struct {
	Term int64 `protobuf:"varint,1,opt,name=term,proto3" json:"term,omitempty"`
	Ack  bool  `protobuf:"varint,2,opt,name=ack,proto3" json:"ack,omitempty"`
}

func (m *InstallResponse) Reset()         { *m = InstallResponse{} }
func (m *InstallResponse) String() string { return proto.CompactTextString(m) }
func (*InstallResponse) ProtoMessage()    {}
