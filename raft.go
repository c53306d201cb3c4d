package raft

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
)

// NodeConfig is, well, configuration for the local node. Package expects configuration to be passed in when starting
// up the node using MakeNode.
type NodeConfig struct {
	// Raft cluster node addresses, in the form address:port. Nodes should include all the voting member
	// addresses including the local one. This makes configuration easy in that all nodes can share the
	// same configuration. Only nodes listed here participate in elections and pre-vote polls.
	Nodes []string
	//
	// Observers are passive cluster members, in the form address:port. They receive replicated entries
	// fanned out by whichever voting node serves them, but never vote and never count towards quorum.
	Observers []string
	//
	// LogDB names the file used to persist the replicated log and node state (current term, voted for)
	// across restarts, through BoltDB.
	LogDB string
	//
	// ElectionTimeout is the base election timeout. The effective timeout for any one cycle is drawn
	// uniformly from [ElectionTimeout, 2*ElectionTimeout) to avoid split-vote storms when multiple
	// followers time out together. Defaults to one second if unset.
	ElectionTimeout time.Duration
	//
	// RPCTimeout bounds any single RPC exchange with a remote node. Defaults to half the election
	// timeout if unset.
	RPCTimeout time.Duration
	//
	// Pass in method which provides dial options to use when connecting as gRPC client with other nodes as servers.
	// Exposing this configuration allows application to determine whether, for example, to use TLS in raft exchanges.
	// The callback passes in the local node and remote node (as in Nodes above) for which we are setting up client
	// connection.
	ClientDialOptionsFn func(local, remote string) []grpc.DialOption
	// Pass in method which provides server side grpc options. These will be merged in with default options, with
	// default options overridden if provided in configuration. The callback passes in the local node address.
	ServerOptionsFn func(local string) []grpc.ServerOption
	//
	// Channel depths, if not set will default to sensible values.
	ChannelDepth struct {
		ServerEvents int32
		ClientEvents int32
	}
}

// NewNodeConfig returns a NodeConfig structure initialised with sensible defaults where possible. Caller
// will need to set up Nodes as a minimum before using NodeConfig in MakeNode.
func NewNodeConfig() NodeConfig {

	nc := NodeConfig{}

	return nc
}

const defaultElectionTimeout = time.Second

// NodeConfig.validate: provides validation function for the configuration presented by user. Defaults are also
// set if necessary.
func (cfg *NodeConfig) validate() error {

	if len(cfg.Nodes) == 0 {
		return raftErrorf(
			RaftErrorMissingNodeConfig,
			"no endpoints specified in Nodes, expect at least the local one "+
				"e.g. 'n1.example.com:443','n2.example.com:443','n3.example.com:443'")
	}

	if cfg.LogDB == "" {
		return raftErrorf(
			RaftErrorMissingNodeConfig,
			"no file name specified in LogDB, persisted term and log entries need a home")
	}

	if cfg.ClientDialOptionsFn == nil {
		return raftErrorf(
			RaftErrorMissingNodeConfig,
			"no dial options method is provided in ClientDialOptionsFn, either TLS or grpc.WithInsecure() "+
				"option must be provided. Raft does NOT default to insecure unless explicitly requested by application")
	}

	if cfg.ElectionTimeout == 0 {
		cfg.ElectionTimeout = defaultElectionTimeout
	}

	if cfg.RPCTimeout == 0 {
		cfg.RPCTimeout = cfg.ElectionTimeout / 2
	}

	if cfg.ChannelDepth.ClientEvents == 0 {
		cfg.ChannelDepth.ClientEvents = 32
	}

	if cfg.ChannelDepth.ServerEvents == 0 {
		cfg.ChannelDepth.ServerEvents = 32
	}

	return nil
}

// Node tracks the state and configuration of this local node. Public access to services provided by node are
// concurrency safe. Node structure carries the state of the local running raft instance.
type Node struct {
	// Readonly state provided when the Node is created.
	config *NodeConfig
	// Immutable index of the local node within config.Nodes.
	index int32
	// Stable per-process identity, carried in logs to disambiguate restarts of the same member.
	instanceID string
	// Server and client side state for messaging (independent of role). Messaging lives largely in raft_grpc.go.
	messaging *raftMessaging
	// The engine at the heart of the state machine; set up in initRaftEngine.
	engine *raftEngine
	// fatalErrorFeedback feeds back fatal errors to the client.
	// Do not push into channel directly; use signalFatalError().
	fatalErrorFeedback chan error
	// We also remember we have taken a fatal error, in order to avoid graceful shutdown attempt.
	fatalErrorCount *atomic.Int32
	// Track rootCancel function used to clean up autonomously on fatal errors.
	cancel context.CancelFunc
	// metrics structure associated with this node, nil if metrics collection is disabled.
	metrics *metricsHolder
	// logger for Node, configurable through WithLogger option.
	logger *zap.SugaredLogger
	// verboseLogging redirects underlying grpc middleware logging to zap, and adds payload level
	// logging interceptors. Noisy.
	verboseLogging bool
}

// FatalErrorChannel returns an error channel which is used by the raft Node to signal an unrecoverable failure
// asynchronously to the application. Such errors are expected to occur with vanishingly small probability.
// When a fatal error is registered, raft package will stop operating, and will mark the root wait group done.
func (n *Node) FatalErrorChannel() chan error {
	return n.fatalErrorFeedback
}

// LeaderHint returns the index of the node the local node believes is leader, or -1 when no
// leader is known (e.g. mid election).
func (n *Node) LeaderHint() int32 {
	return n.engine.currentLeader.Load()
}

func (n *Node) logKV() []interface{} {

	kv := []interface{}{"obj", "Node", "instanceID", n.instanceID}

	if n.messaging.server != nil {
		kv = append(kv, n.messaging.server.logKV()...)
	}

	kv = append(kv, "clients", len(n.messaging.clients), "fatalErrorCount", n.fatalErrorCount.Load())

	return kv
}

// signalFatalError allows package to indicate fatal error to user. This will typically be followed by the client
// shutting down by cancelling context. If the buffered channel is full, we would just skip asking yet again.
func (n *Node) signalFatalError(err error) {

	n.fatalErrorCount.Inc()

	select {
	case n.fatalErrorFeedback <- err:
		n.logger.Errorw("raft, signalling fatal error", raftErrKeyword, err.Error())
		if n.cancel != nil {
			n.cancel()
		}
	default:
		// If pushing to fatalErrorFeedback would block, then we don't bother. Because we are using a buffered channel,
		// if we get here it means that the channel is busy already - one fatal error is as good as many.
		n.logger.Errorw("raft, skipped signalling fatal error, signalled already", raftErrKeyword, err.Error())
	}
}

// NodeOption operator, operates on node to manage configuration.
type NodeOption func(*Node) error

// WithLogger option is invoked by the application to provide a customised zap logger option, or to disable logging.
// The NodeOption returned by WithLogger is passed in to MakeNode to control logging; e.g. to provide a preconfigured
// application logger. If logger passed in is nil, raft will disable logging.
//
// If WithLogger generated NodeOption is not passed in, package uses its own configured zap logger.
//
// grpcLogToZap controls whether raft package redirects underlying grpc middleware logging to zap log. This is noisy,
// and unless in depth gRPC troubleshooting is required, grpcLogToZap should be set to false.
func WithLogger(logger *zap.Logger, grpcLogToZap bool) NodeOption {
	return func(n *Node) error {
		if logger != nil {
			n.logger = logger.Sugar()
		} else {
			n.logger = zap.NewNop().Sugar()
		}
		n.verboseLogging = grpcLogToZap

		return nil
	}
}

// WithMetrics option used with MakeNode to specify metrics registry we should count in. namespace prefixes
// the metric names. detailed indicates whether detailed (and more expensive) metrics are tracked (e.g. grpc
// latency distribution). If nil is passed in for the registry, the default registry
// prometheus.DefaultRegisterer is used. Do note that the package does not setup serving metrics; that is up
// to the application. If the WithMetrics NodeOption is not passed in to MakeNode, metrics collection is
// disabled.
func WithMetrics(registry *prometheus.Registry, namespace string, detailed bool) NodeOption {
	return func(n *Node) error {
		n.metrics = initMetrics(registry, namespace, detailed, n.index)
		return nil
	}
}

// MakeNode starts the local raft node according to configuration provided.
//
// Node is returned, and public methods associated with Node can be used to interact with Node from multiple go
// routines.
//
// Context can be cancelled to signal exit. WaitGroup wg should have 1 added to it prior to calling MakeNode and
// should be waited on by the caller before exiting following cancellation. Whether MakeNode returns successfully or
// not, WaitGroup will be marked Done() by the time the Node has cleaned up.
//
// If a fatal error is encountered over the node lifetime this will be signalled over the FatalErrorChannel.
// Following receipt of a fatal error, caller should cancel context and wait for wait group before exiting.
//
// MakeNode also accepts logging and metrics options (see WithMetrics and WithLogger).
func MakeNode(
	ctx context.Context,
	wg *sync.WaitGroup,
	cfg NodeConfig,
	localIndex int32,
	opts ...NodeOption) (*Node, error) {

	err := cfg.validate()
	if err != nil {
		wg.Done()
		return nil, err
	}

	if localIndex < 0 || localIndex >= int32(len(cfg.Nodes)) {
		wg.Done()
		return nil, raftErrorf(
			RaftErrorBadMakeNodeOption, "localIndex %d out of bounds of %d configured Nodes",
			localIndex, len(cfg.Nodes))
	}

	n := &Node{
		index:      localIndex,
		instanceID: uuid.New().String(),
		messaging:  &raftMessaging{},
		// A single fatal error is sufficient to do the job. Create buffered channel of 1. This matters,
		// because when we signal, were we to block, we would skip enqueuing signal on the basis we know at
		// least one signal is pending. And one signal would be enough.
		fatalErrorFeedback: make(chan error, 1),
		fatalErrorCount:    atomic.NewInt32(0),
	}

	for _, opt := range opts {
		err := opt(n)
		if err != nil {
			// It is too early and logging may not be set up yet. Simply return error.
			wg.Done()
			return nil, raftErrorf(RaftErrorBadMakeNodeOption, "applied option err [%v]", err)
		}
	}

	err = initLogging(n)
	if err != nil {
		// We failed to initialise logging. We cannot log (obviously), so we simply return the error and bail.
		wg.Done()
		return nil, raftErrorf(err, "init logging failed")
	}

	n.logger.Info("raft package, starting up (logging can be customised or disabled using WithLogger option)")

	n.config = &cfg

	err = initRaftEngine(ctx, n)
	if err != nil {
		wg.Done()
		return nil, err
	}

	err = initMessaging(ctx, n)
	if err != nil {
		wg.Done()
		return nil, err
	}

	//
	// We are ready to run. We allocate our own context in order to handle shutdown on fatal
	// errors autonomously.
	rootCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	// Use an internal workgroup we can wait on so we can clean up (e.g. flush the logger) on exit.
	var rootWg sync.WaitGroup

	rootWg.Add(1)
	runMessaging(rootCtx, &rootWg, n)

	rootWg.Add(1)
	go n.engine.run(rootCtx, &rootWg, n)

	// Wait for owner shutdown or internal shutdown, wait for clean shutdown, then return.
	go func() {

		select {
		case <-rootCtx.Done():
			n.logger.Info("raft package internal shutdown triggered")

		case <-ctx.Done():
			n.logger.Info("raft package owner is requesting a shutdown")
		}

		// cancel() will signal exit to all the goroutines spawned by raft package. These will in turn mark
		// wait group done and let the owner eventually proceed.
		cancel()
		rootWg.Wait()
		// flush the logger to make sure we get all the logs
		n.logger.Sync()
		wg.Done()
	}()

	return n, nil
}

//
// DefaultZapLoggerConfig provides a production logger configuration (logs Info and above, JSON to stderr, with
// stacktrace, caller and sampling disabled) which can be customised by application to produce its own logger based
// on the raft configuration. Any logger provided by the application will also have its name extended by the raft
// package to clearly identify that log message comes from raft. For example, if the application log is named
// "foo", then the raft logs will be labelled with key "logger" value "foo.raft".
func DefaultZapLoggerConfig() zap.Config {

	lcfg := zap.NewProductionConfig()
	lcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	lcfg.DisableStacktrace = false
	lcfg.DisableCaller = true
	lcfg.Sampling = nil

	return lcfg
}

// initLogging ensures that n.logger points at something even if it is pointing to a noop logger.
// By default, we log to an opinionated pre-configured log. The WithLogger option can override configuration
// or disable logging completely.
func initLogging(n *Node) error {

	if n.logger == nil {
		logger, err := DefaultZapLoggerConfig().Build()
		if err != nil {
			return raftErrorf(err, "failed to set up logging")
		}
		n.logger = logger.Sugar()
	}

	// We must, absolutely must, never return without a logger and without an error.
	if n.logger == nil {
		return raftErrorf(
			RaftErrorMissingLogger, "tried to set up a logger, but failed, zap did not indicate why")
	}

	// Set logger name. This will end up being concatenated to any preexisting log name. E.g. if the application
	// provides its log named 'myapp', then logger field in logs from raft will be 'myapp.raft'.
	n.logger = n.logger.Named("raft")

	return nil
}
