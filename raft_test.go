package raft

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
)

func testLoggerGet() *zap.Logger {

	loggerCfg := DefaultZapLoggerConfig()
	loggerCfg.Level.SetLevel(zapcore.DebugLevel)
	logger, _ := loggerCfg.Build()

	return logger
}

func TestNodeConfigValidate(t *testing.T) {

	dialOptions := func(l, r string) []grpc.DialOption {
		return []grpc.DialOption{grpc.WithInsecure()}
	}

	testCases := []struct {
		name string
		cfg  NodeConfig
		ok   bool
	}{
		{
			"NEGATIVE no nodes",
			NodeConfig{LogDB: "test/boltdb.validate", ClientDialOptionsFn: dialOptions},
			false,
		},
		{
			"NEGATIVE no log DB",
			NodeConfig{Nodes: []string{":8088"}, ClientDialOptionsFn: dialOptions},
			false,
		},
		{
			"NEGATIVE no explicit security option",
			NodeConfig{Nodes: []string{":8088"}, LogDB: "test/boltdb.validate"},
			false,
		},
		{
			"minimal config",
			NodeConfig{Nodes: []string{":8088"}, LogDB: "test/boltdb.validate",
				ClientDialOptionsFn: dialOptions},
			true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.validate()
			if tc.ok != (err == nil) {
				t.Fatalf("expected ok=%v, got err [%v]", tc.ok, err)
			}
			if err != nil {
				if errors.Cause(err) != RaftErrorMissingNodeConfig {
					t.Fatalf("expected RaftErrorMissingNodeConfig cause, got [%v]", err)
				}
				return
			}
			// Defaults must be filled in on successful validation.
			if tc.cfg.ElectionTimeout != defaultElectionTimeout {
				t.Errorf("default election timeout not applied, got %v", tc.cfg.ElectionTimeout)
			}
			if tc.cfg.RPCTimeout != defaultElectionTimeout/2 {
				t.Errorf("default RPC timeout not applied, got %v", tc.cfg.RPCTimeout)
			}
			if tc.cfg.ChannelDepth.ServerEvents != 32 || tc.cfg.ChannelDepth.ClientEvents != 32 {
				t.Errorf("default channel depths not applied, got %+v", tc.cfg.ChannelDepth)
			}
		})
	}
}

func TestInitLogging(t *testing.T) {

	n := &Node{}
	err := initLogging(n)
	if err != nil {
		t.Fatal(err)
	}
	if n.logger == nil {
		t.Fatal("initLogging returned without a logger and without an error")
	}

	// WithLogger(nil) disables logging without leaving a nil logger behind.
	n = &Node{}
	err = WithLogger(nil, false)(n)
	if err != nil {
		t.Fatal(err)
	}
	err = initLogging(n)
	if err != nil || n.logger == nil {
		t.Fatalf("expected noop logger, got [%v, %v]", n.logger, err)
	}
}

func TestWrapperErrorRendering(t *testing.T) {
	err := raftErrorf(
		RaftErrorBadMakeNodeOption, "testing error and sentinel, [%v,%v]",
		37, 64)
	fmt.Println("normal rendering: ", err)
	fmt.Printf("detail rendering: %+v\n", err)
	if errors.Cause(err) != RaftErrorBadMakeNodeOption {
		t.Fatal("cause does not unwrap to sentinel")
	}
}

// A single node cluster has nobody to poll and nobody to vote: it should elect itself leader
// off its first election timeout.
func TestSingleNodeClusterElectsItself(t *testing.T) {

	os.MkdirAll("test", 0777)
	os.Remove("test/boltdb.single")

	nc := NodeConfig{
		Nodes:           []string{":8087"},
		LogDB:           "test/boltdb.single",
		ElectionTimeout: time.Millisecond * 100,
		ClientDialOptionsFn: func(l, r string) []grpc.DialOption {
			return []grpc.DialOption{grpc.WithInsecure()}
		}}

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg.Add(1)
	n, err := MakeNode(ctx, &wg, nc, 0,
		WithLogger(testLoggerGet(), false),
		WithMetrics(prometheus.NewRegistry(), "test_single", true))
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second * 5)
	for n.LeaderHint() != 0 {
		select {
		case <-deadline:
			t.Fatalf("single node failed to elect itself, leader hint %v", n.LeaderHint())
		case <-time.After(time.Millisecond * 50):
		}
	}

	cancel()
	wg.Wait()
}

// A lone member of a three node cluster must keep polling and never promote itself; with no
// majority reachable the pre-vote can never pass, and its term must not creep up.
func TestLoneFollowerNeverPromotes(t *testing.T) {

	os.MkdirAll("test", 0777)
	os.Remove("test/boltdb.lone")

	nc := NodeConfig{
		Nodes:           []string{":8084", ":8085", ":8086"},
		LogDB:           "test/boltdb.lone",
		ElectionTimeout: time.Millisecond * 100,
		ClientDialOptionsFn: func(l, r string) []grpc.DialOption {
			return []grpc.DialOption{grpc.WithInsecure()}
		}}

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg.Add(1)
	n, err := MakeNode(ctx, &wg, nc, 0, WithLogger(testLoggerGet(), false))
	if err != nil {
		t.Fatal(err)
	}

	// Long enough for several election timeouts and abandoned poll rounds.
	time.Sleep(time.Second * 2)

	if n.LeaderHint() != noLeader {
		t.Fatalf("partitioned node claims leader %v", n.LeaderHint())
	}
	if got := n.engine.currentTerm.Load(); got != 0 {
		t.Fatalf("partitioned node inflated its term to %v without ever winning a poll", got)
	}

	cancel()
	wg.Wait()
}

func TestSignalFatalError(t *testing.T) {

	nc := NodeConfig{
		Nodes:           []string{":8083"},
		LogDB:           "test/boltdb.fatal",
		ElectionTimeout: time.Millisecond * 100,
		ClientDialOptionsFn: func(l, r string) []grpc.DialOption {
			return []grpc.DialOption{grpc.WithInsecure()}
		}}

	os.MkdirAll("test", 0777)
	os.Remove("test/boltdb.fatal")

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg.Add(1)
	n, err := MakeNode(ctx, &wg, nc, 0, WithLogger(testLoggerGet(), false))
	if err != nil {
		t.Fatal(err)
	}

	// Make sure we do not block even if channel is not drained.
	for i := 0; i < 3; i++ {
		n.signalFatalError(fmt.Errorf("testing signal fatal error %d", i))
	}

	select {
	case <-n.FatalErrorChannel():
	case <-time.After(time.Second):
		t.Fatal("failed to signal fatal error in time")
	}

	cancel()
	wg.Wait()
}

// ExampleMakeNode provides a simple example of how we kick off the raft package, and how
// asynchronous fatal errors can be received and handled.
func ExampleMakeNode() {

	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())

	//
	// At a minimum, config needs to describe the cluster members, the file to persist term and
	// log entries in, and whether to use TLS in raft exchanges. We adopt the same stance as the
	// grpc library; no TLS has to be explicitly requested and we do not default to it.
	cfg := NewNodeConfig()
	cfg.Nodes = []string{"node1.example.com:443", "node2.example.com:443", "node3.example.com:443"}
	cfg.LogDB = "mydb.bbolt"
	cfg.ClientDialOptionsFn = func(local, remote string) []grpc.DialOption {
		return []grpc.DialOption{grpc.WithInsecure()}
	}

	wg.Add(1)
	localIndex := int32(2) // say, if we are node3.example.com
	n, err := MakeNode(ctx, &wg, cfg, localIndex)
	if err != nil {

		switch errors.Cause(err) {
		case RaftErrorBadMakeNodeOption:
			//
			// Handle specific sentinel in whichever way we see fit.
			// ...
		default:
			// Root cause is not a sentinel.
		}
		// err itself renders the full context not just the sentinel.
		fmt.Println(err)

	} else {

		// Handle any fatal signals from below as appropriate; either by starting a new instance
		// or exiting and letting the orchestrator handle the failure.
		fatalSignal := n.FatalErrorChannel()

		select {
		case err := <-fatalSignal:
			fmt.Println(err)

		case <-ctx.Done():
			//...
		}

	}

	cancel()
	wg.Wait()
}
