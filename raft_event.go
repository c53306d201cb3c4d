package raft

import (
	"context"
)

// Generic events... note how we carry *all* the context in the event; i.e. when we produce
// an event we know all the context necessary to dispose of the event. This is useful in the flow
// between the raftEngine and gRPC clients (which are not smart and simply push whatever message
// they have been given).
type event interface {
	// Handle is what does the business for an event. Do note, that handle is primarily called in the context
	// of the client goroutine but may be called in other contexts while discard eligible is enabled.
	handle(ctx context.Context)
	// Used to generate consistent k/v for logging.
	logKV() []interface{}
}

// eventFlushUndo is a wrapper event carrying another event, and which decrements the flush atomic
// counter on the client. The effect of the latter operation is typically to make the client stop
// discarding events (or get the client closer to that point).
type eventFlushUndo struct {
	fec          *flushableEventChannel
	wrappedEvent event
}

func (e *eventFlushUndo) handle(ctx context.Context) {
	// Decrement flush (always), and invoke original event.
	e.fec.updateFlush(false)

	if e.wrappedEvent != nil {
		// Note... we may still be in discard mode, because some subsequent event enqueues also requested discards.
		// In that case inner handler will correctly discard.
		e.wrappedEvent.handle(ctx)
	}
}

func (e *eventFlushUndo) logKV() []interface{} {
	return append([]interface{}{"obj", "requestFlushUndo(wrapper)"}, e.wrappedEvent.logKV()...)
}

// pollEvent pushes one non-binding poll request to a remote voting member. Whatever happens,
// exactly one stamped container comes back on the returns channel; an unreachable member is a
// reply too, just one carrying an error.
type pollEvent struct {
	client    *raftClient
	container pollContainer
}

func (e *pollEvent) handle(ctx context.Context) {

	if e.client.eventChan.discardEligibleEvent() {
		return // client in flush mode.
	}

	ctx, cancel := context.WithTimeout(ctx, e.client.node.config.RPCTimeout)
	defer cancel()
	e.container.reply, e.container.err = e.client.grpcClient.Poll(ctx, e.container.request)
	select {
	case e.container.returnChan <- &e.container:
	case <-ctx.Done():
		e.client.node.logger.Debugw("poll discarded, shutting down", e.logKV()...)
	}
}

func (e *pollEvent) logKV() []interface{} {
	return append([]interface{}{"obj", "pollEvent", "request", *e.container.request,
		"round", e.container.roundID}, e.client.logKV()...)
}

type voteEvent struct {
	client    *raftClient
	container voteContainer
}

func (e *voteEvent) handle(ctx context.Context) {

	if e.client.eventChan.discardEligibleEvent() {
		return // client in flush mode.
	}

	ctx, cancel := context.WithTimeout(ctx, e.client.node.config.RPCTimeout)
	defer cancel()
	e.container.reply, e.container.err = e.client.grpcClient.Vote(ctx, e.container.request)
	select {
	case e.container.returnChan <- &e.container:
	case <-ctx.Done():
		e.client.node.logger.Debugw("vote request discarded, shutting down", e.logKV()...)
	}
}

func (e *voteEvent) logKV() []interface{} {
	return append([]interface{}{"obj", "voteEvent", "request", *e.container.request}, e.client.logKV()...)
}

// appendEvent carries a fully formed Append request: a leader keepalive, or a follower
// forwarding accepted entries to a passive observer.
type appendEvent struct {
	client    *raftClient
	container appendContainer
}

func (e *appendEvent) handle(ctx context.Context) {

	if e.client.eventChan.discardEligibleEvent() {
		return // client in flush mode.
	}

	ctx, cancel := context.WithTimeout(ctx, e.client.node.config.RPCTimeout)
	defer cancel()
	e.container.reply, e.container.err = e.client.grpcClient.Append(ctx, e.container.request)
	if e.container.returnChan == nil {
		if e.container.err != nil {
			e.client.node.logger.Debugw("append dropped by remote client", e.logKV()...)
		}
		return
	}
	select {
	case e.container.returnChan <- &e.container:
	case <-ctx.Done():
		e.client.node.logger.Debugw("append discarded, shutting down", e.logKV()...)
	}
}

func (e *appendEvent) logKV() []interface{} {
	return append([]interface{}{"obj", "appendEvent", "request", *e.container.request}, e.client.logKV()...)
}

// configureEvent pushes the leader's membership snapshot to one remote member. Fire and
// forget; the next keepalive or configure push is the retry.
type configureEvent struct {
	client    *raftClient
	container configureContainer
}

func (e *configureEvent) handle(ctx context.Context) {

	if e.client.eventChan.discardEligibleEvent() {
		return // client in flush mode.
	}

	ctx, cancel := context.WithTimeout(ctx, e.client.node.config.RPCTimeout)
	defer cancel()
	e.container.reply, e.container.err = e.client.grpcClient.Configure(ctx, e.container.request)
	if e.container.err != nil {
		e.client.node.logger.Debugw("configure push dropped by remote client", e.logKV()...)
	}
	if e.container.returnChan == nil {
		return
	}
	select {
	case e.container.returnChan <- &e.container:
	case <-ctx.Done():
	}
}

func (e *configureEvent) logKV() []interface{} {
	return append([]interface{}{"obj", "configureEvent", "request", *e.container.request}, e.client.logKV()...)
}
