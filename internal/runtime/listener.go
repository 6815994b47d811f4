package runtime

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/herlink/internal/runtime/logging"
	"github.com/drblury/herlink/transport"
)

// Listener runs the reception pipeline for one queue. A Client runs
// ProcessorCount listeners per enabled queue kind, each on its own goroutine.
type Listener struct {
	name    string
	kind    QueueKind
	queue   string
	client  *Client
	stats   *ListenerStats
	logger  logging.ServiceLogger
	running atomic.Bool
}

// ListenerInfo describes a listener for the status API.
type ListenerInfo struct {
	Name    string                `json:"name"`
	Kind    string                `json:"kind"`
	Queue   string                `json:"queue"`
	Running bool                  `json:"running"`
	Stats   ListenerStatsSnapshot `json:"stats"`
}

func newListener(c *Client, kind QueueKind, queue string, index int) *Listener {
	name := fmt.Sprintf("%s-%d", kind, index)
	return &Listener{
		name:   name,
		kind:   kind,
		queue:  queue,
		client: c,
		stats:  newListenerStats(),
		logger: c.Logger.With(logging.LogFields{"listener": name, "queue": queue}),
	}
}

func (l *Listener) Name() string    { return l.name }
func (l *Listener) Kind() QueueKind { return l.kind }
func (l *Listener) Queue() string   { return l.queue }

// Info returns the listener state.
func (l *Listener) Info() ListenerInfo {
	return ListenerInfo{
		Name:    l.name,
		Kind:    l.kind.String(),
		Queue:   l.queue,
		Running: l.running.Load(),
		Stats:   l.stats.Snapshot(),
	}
}

// Run processes messages until ctx is cancelled. After a failed receive it
// pauses for the configured receive failure delay before trying again.
func (l *Listener) Run(ctx context.Context) {
	l.running.Store(true)
	defer l.running.Store(false)

	l.logger.Info("Starting listener", logging.LogFields{"kind": l.kind.String()})
	defer l.logger.Info("Listener stopped", nil)

	for ctx.Err() == nil {
		err := l.ReadAndProcess(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		l.stats.onReceiveFailure(l.client.clock.Now(), err)
		l.client.metrics.recordReceiveFailure(l.kind)
		l.logger.Error("Failed to receive message", err, logging.LogFields{
			"retry_in": l.client.Conf.ReceiveFailureDelay.String(),
		})
		select {
		case <-ctx.Done():
			return
		case <-l.client.clock.After(l.client.Conf.ReceiveFailureDelay):
		}
	}
}

// ReadAndProcess runs one receive cycle. Only receive failures are returned;
// the outcome of processing a message is settled on the message itself.
func (l *Listener) ReadAndProcess(ctx context.Context) error {
	raw, err := l.receive(ctx)
	if err != nil || raw == nil {
		return err
	}
	// A started cycle runs to completion even when the listener is stopped.
	l.process(context.WithoutCancel(ctx), raw)
	return nil
}

func (l *Listener) receive(ctx context.Context) (transport.RawMessage, error) {
	receivers := l.client.receivers
	rcv, err := receivers.Acquire(ctx, l.queue)
	if err != nil {
		return nil, fmt.Errorf("acquire receiver for %s: %w", l.queue, err)
	}
	defer receivers.Release(l.queue)

	raw, err := rcv.Receive(ctx, l.client.Conf.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", l.queue, err)
	}
	return raw, nil
}

func (l *Listener) process(ctx context.Context, raw transport.RawMessage) {
	c := l.client
	startedAt := c.clock.Now()
	msg := newIncomingMessage(l.kind, l.queue, raw.Header(), raw.Body())

	ctx, span := c.tracer.Start(ctx, "herlink.receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("herlink.queue_kind", l.kind.String()),
			attribute.String("herlink.queue", l.queue),
			attribute.String("herlink.message_id", msg.MessageID),
			attribute.String("herlink.message_function", msg.MessageFunction),
			attribute.Int("herlink.from_her_id", msg.FromHerID),
			attribute.Int("herlink.to_her_id", msg.ToHerID),
		),
	)
	defer span.End()

	l.stats.onReceived(startedAt)
	c.metrics.recordReceived(l.kind)

	if lockExpired(msg.LockedUntil, startedAt) {
		// Another consumer may already own the message.
		l.logger.Debug("Dropping message with expired lock", msg.logFields())
		l.stats.onDropped()
		c.metrics.recordDropped(l.kind, "lock_expired")
		span.SetAttributes(attribute.Bool("herlink.lock_expired", true))
		return
	}

	c.hooks.processingStarting(ctx, msg)

	err := l.handle(ctx, raw, msg)
	if err == nil {
		err = c.executor.Run(ctx, "complete "+l.queue, raw.Complete)
		if err == nil {
			elapsed := c.clock.Now().Sub(startedAt)
			l.stats.onCompleted(elapsed)
			c.metrics.recordCompleted(l.kind, elapsed)
			c.hooks.processingCompleted(ctx, msg)
			return
		}
		err = fmt.Errorf("complete message %s: %w", msg.MessageID, err)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	l.fail(ctx, raw, msg, startedAt, err)
}
