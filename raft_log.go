package raft

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/eligere/raft/internal/raft_pb"
	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// logSerialisedKey returns the []byte key for a log entry sequence. We want this byte slice
// to provide ordering of the log (so we can use cursors to iterate over log entries in index
// order). Protobuf varint encoding does not produce a byte stream whose lexical order matches
// the value of the int64 so we do not use the protobuf encoding here.
func logSerialisedKey(sequence int64) []byte {
	var key bytes.Buffer
	binary.Write(&key, binary.BigEndian, sequence)
	return key.Bytes()
}

func sequenceFromSerialisedKey(b []byte) (int64, error) {
	var sequence int64
	buf := bytes.NewBuffer(b)
	err := binary.Read(buf, binary.BigEndian, &sequence)
	return sequence, err
}

func logEntryFromSerialised(b []byte) (*raft_pb.LogEntry, error) {

	var l raft_pb.LogEntry
	err := proto.Unmarshal(b, &l)

	return &l, err
}

func (re *raftEngine) logAddEntry(le *raft_pb.LogEntry) error {

	var err error
	defer func() {
		if err != nil {
			err = raftErrorf(err, "adding an entry to the log failed, catastrophic failure")
			re.node.logger.Errorw("persist entry to raft log",
				append(re.logKV(), raftErrKeyword, err)...)
			re.node.signalFatalError(err)
		}
	}()

	var val []byte
	key := logSerialisedKey(le.Sequence)
	val, err = proto.Marshal(le)
	if err != nil {
		return err
	}

	err = re.logDB.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(dbBucketLog)).Put(key, val)
	})

	return err
}

// logGetEntries returns up to a maximum of maxEntries entries from the log starting at
// startIndex.
func (re *raftEngine) logGetEntries(startIndex int64, maxEntries int32) ([]*raft_pb.LogEntry, error) {

	var err error
	defer func() {
		if err != nil {
			err = raftErrorf(err, "fetch entries from log failed, catastrophic failure")
			re.node.logger.Errorw("fetch entries from raft log",
				append(re.logKV(), raftErrKeyword, err)...)
			re.node.signalFatalError(err)
		}
	}()

	results := make([]*raft_pb.LogEntry, 0, maxEntries)
	key := logSerialisedKey(startIndex)

	err = re.logDB.View(func(tx *bolt.Tx) error {

		var err error

		iterator := tx.Bucket([]byte(dbBucketLog)).Cursor()
		for k, v := iterator.Seek(key); k != nil; k, v = iterator.Next() {

			var le *raft_pb.LogEntry
			le, err = logEntryFromSerialised(v)
			if err != nil {
				break
			}
			results = append(results, le)
			if int32(len(results)) == maxEntries {
				break
			}
		}

		return err
	})

	return results, err
}

func (re *raftEngine) logGetEntry(index int64) (*raft_pb.LogEntry, error) {

	key := logSerialisedKey(index)

	var le *raft_pb.LogEntry

	err := re.logDB.View(func(tx *bolt.Tx) error {
		var err error
		data := tx.Bucket([]byte(dbBucketLog)).Get(key)
		if data != nil {
			le, err = logEntryFromSerialised(data)
		}
		return err
	})

	if err != nil {
		err = raftErrorf(err, "single entry from log failed to deserialise, corrupted data in bbolt db?")
		re.node.logger.Errorw("fetch single entry from raft log",
			append(re.logKV(), raftErrKeyword, err)...)
		re.node.signalFatalError(err)
	}

	return le, err
}

// logLastIndex returns the sequence of the last entry in the log, or 0 when the log is empty.
func (re *raftEngine) logLastIndex() (int64, error) {

	var index int64

	err := re.logDB.View(func(tx *bolt.Tx) error {

		k, _ := tx.Bucket([]byte(dbBucketLog)).Cursor().Last()
		if k != nil {
			var err error
			index, err = sequenceFromSerialisedKey(k)
			return err
		}
		return nil
	})

	if err != nil {
		err = raftErrorf(err, "fetch last index from log failed")
		re.node.logger.Errorw("fetch last index from raft log",
			append(re.logKV(), raftErrKeyword, err)...)
		re.node.signalFatalError(err)
	}

	return index, err
}

// logLastTermAndIndex returns the credential carried on poll and vote requests: the sequence
// and term of the tail of the log. An empty log yields (0, 0) without ever loading an entry.
func (re *raftEngine) logLastTermAndIndex() (term, index int64, err error) {

	index, err = re.logLastIndex()
	if err != nil || index == 0 {
		return 0, index, err
	}

	le, err := re.logGetEntry(index)
	if err != nil {
		return 0, 0, err
	}
	if le == nil {
		err = raftErrorf(RaftErrorNodePersistentData, "log tail at %d vanished mid read", index)
		re.node.signalFatalError(err)
		return 0, 0, err
	}

	return le.Term, index, nil
}

// logPurgeTailEntries deletes all entries from the startIndex and above, startIndex included.
func (re *raftEngine) logPurgeTailEntries(startIndex int64) error {

	key := logSerialisedKey(startIndex)

	err := re.logDB.Update(func(tx *bolt.Tx) error {

		var err error

		iterator := tx.Bucket([]byte(dbBucketLog)).Cursor()
		for k, _ := iterator.Seek(key); k != nil; k, _ = iterator.Next() {
			err = iterator.Delete()
			if err != nil {
				break
			}
		}

		return err
	})

	if err != nil {
		err = raftErrorf(err, "purge tail entries in log failed")
		re.node.logger.Errorw("purge tail entries from raft log",
			append(re.logKV(), raftErrKeyword, err)...)
		re.node.signalFatalError(err)
	}

	return err
}

// Bolt bucket names for logs and other persisted metadata.
const (
	dbBucketLog               = "Log"
	dbBucketNodePersistedData = "NodePersistedData"
)

func (re *raftEngine) nodePersistedDataGetSerialisedKey() []byte {
	return []byte(fmt.Sprintf("NodePersistedData[%d]", re.node.index))
}

// saveNodePersistedData saves node data which needs to be persisted into appropriate bucket in bbolt. This happens
// whenever we update any field in the persisted data. If this fails, we shut down asap... catastrophic failure.
func (re *raftEngine) saveNodePersistedData() error {

	key := re.nodePersistedDataGetSerialisedKey()

	ps := raft_pb.PersistedState{
		VotedFor:    re.votedFor.Load(),
		CurrentTerm: re.currentTerm.Load()}

	data, err := proto.Marshal(&ps)
	if err == nil {
		err = re.logDB.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte(dbBucketNodePersistedData)).Put(key, data)
		})
	}

	if err != nil {
		err = raftErrorf(err, "failed to save node persisted data")
		re.node.logger.Errorw("saving node persisted data",
			append(re.logKV(), raftErrKeyword, err)...)
		re.node.signalFatalError(err)
	}

	return err
}

// loadNodePersistedData loads persisted data from BoltDB into the raftEngine structure.
// This happens at initialisation.
func (re *raftEngine) loadNodePersistedData() error {

	err := re.logDB.View(func(tx *bolt.Tx) error {

		bucket := tx.Bucket([]byte(dbBucketNodePersistedData))
		stream := bucket.Get(re.nodePersistedDataGetSerialisedKey())

		if stream == nil {
			return raftErrorf(RaftErrorNodePersistentData, "node persistent data missing for node %d",
				re.node.index)
		}

		ps := raft_pb.PersistedState{}
		err := proto.Unmarshal(stream, &ps)
		if err == nil {
			re.updateCurrentTerm(ps.CurrentTerm)
			re.votedFor.Store(ps.VotedFor)
		}

		return err
	})

	if err != nil && errors.Cause(err) == RaftErrorNodePersistentData {
		// First boot of this node; initialise persisted state and save it.
		re.updateCurrentTerm(0)
		re.votedFor.Store(notVotedThisTerm)
		return re.saveNodePersistedData()
	}

	if err != nil {
		re.node.logger.Errorw("loading node persistent data, failed",
			append(re.logKV(), raftErrKeyword, err)...)
		re.node.signalFatalError(err)
	}

	return err
}

func (re *raftEngine) initLogDB(ctx context.Context, n *Node) error {

	f := n.config.LogDB

	opts := *bolt.DefaultOptions
	// Time to block trying to achieve flock on DB. We do not expect contention here, so we
	// provide an arbitrary small amount of time to avoid blocking indefinitely if a lock is
	// held on the DB (like when we try and run multiple instances of the same node).
	opts.Timeout = time.Second * 3

	n.logger.Debugw("opening bolt DB for persistence", n.logKV()...)
	var ldb *bolt.DB
	var err error

	ldb, err = bolt.Open(f, 0666, &opts)
	if err != nil {
		err = raftErrorf(err,
			"open bbolt DB for log entries failed (is another process using the DB?)")
		n.logger.Errorw("initialising DB for log entries", append(n.logKV(), raftErrKeyword, err)...)
		return err
	}

	err = ldb.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{dbBucketLog, dbBucketNodePersistedData} {
			_, err := tx.CreateBucketIfNotExists([]byte(bucket))
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		err = raftErrorf(err, "creating bbolt DB buckets failed")
		n.logger.Errorw("creating buckets for persisted data", append(n.logKV(), raftErrKeyword, err)...)
		return err
	}

	re.logDB = ldb

	return re.loadNodePersistedData()
}

func (re *raftEngine) shutdownLogDB() {
	if re.logDB != nil {
		err := re.logDB.Close()
		if err != nil {
			err = raftErrorf(err, "logDB shutdown, bboltdb complained")
			re.node.logger.Errorw("closing raft log DB", append(re.logKV(), raftErrKeyword, err)...)
		}
	}
}
