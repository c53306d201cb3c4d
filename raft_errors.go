package raft

import (
	werrors "github.com/pkg/errors"
)

// For the same reason as we centralise metrics, we also centralise errors: to make it
// as easy as possible to keep errors consistent.
//
// For errors originating within the raft package, we use raft sentinel errors (which can
// be processed programmatically) as cause; wrapped with message and context in order to
// satisfy the need to translate errors into logs upstream.
//
// For errors originating in downstream packages of raft, raft wraps the original error,
// with a raft-recognisable message. When processing the cause of an error returned by
// raft, a client can do one of a couple of ways...
//
// A. if simply logging a message, than the error can be treated like any other error.
// B. if wishing to test an error returned by raft package against a sentinel error,
//    simply call errors.Cause() on it and compare it to sentinel values.
//

// Keyword for error field in logger...
const raftErrKeyword = "err"
const raftSentinel = "errCode: "

// Error implements the error interface and represents sentinel errors for the raft package (as per https://dave.cheney.net/2016/04/07/constant-errors).
type Error string

func (e Error) Error() string { return string(e) }

// RaftErrorBadMakeNodeOption is returned (extracted using errors.Cause(err)) if options
// provided at start up fail to apply.
const RaftErrorBadMakeNodeOption = Error(raftSentinel + "bad MakeNode option")

// RaftErrorMissingNodeConfig is returned (extracted using errors.Cause(err)) if NodeConfig options
// provided at start are expected but missing.
const RaftErrorMissingNodeConfig = Error(raftSentinel + "node config insufficient")

// RaftErrorMissingLogger is returned (extracted using errors.Cause(err)) if we fail to set up
// logging at start up.
const RaftErrorMissingLogger = Error(raftSentinel + "no logger setup")

// RaftErrorServerNotSetup is the sentinel returned (extracted using errors.Cause(err)) if
// local address (server side) is not set up when expected.
const RaftErrorServerNotSetup = Error(raftSentinel + "local server side not set up yet")

// RaftErrorClientConnectionUnrecoverable is the sentinel returned (extracted using errors.Cause(err)) if
// client gRPC connection to remote node failed.
const RaftErrorClientConnectionUnrecoverable = Error(
	raftSentinel + "gRPC client connection failed in an unrecoverable way. Check NodeConfig is correct.")

// RaftErrorOutOfBoundsClient is returned (extracted using errors.Cause(err)) if logic produces a member
// index for a remote node which does not exist.
const RaftErrorOutOfBoundsClient = Error(raftSentinel + "member index outside bounds of known cluster members")

// RaftErrorNodePersistentData is returned (extracted using errors.Cause(err)) if we fail a bolt operation on the
// persistent node data in BoltDB.
const RaftErrorNodePersistentData = Error(raftSentinel + "node persistent data failed")

// raftErrorf is a simple wrapper which ensures that all raft errors are prefixed
// consistently, and that we always either wrap a root cause error bubbling up from
// packages beneath raft, or a sentinel error from above.
func raftErrorf(rootCause error, format string, args ...interface{}) error {
	return werrors.WithMessagef(rootCause, "raft: "+format, args...)
}
