/*

Package raft implements the follower-side election core of a raft-derived
consensus protocol: randomized election timeouts, a majority pre-vote ("poll")
round which avoids disturbing a stable leader with needless term increments,
and the role transitions which move a replica between follower, candidate and
leader.

For an overview of the package see: https://github.com/eligere/raft/blob/master/README.md

*/
package raft
