// Package bridge exposes a watermill Publisher/Subscriber pair as a transport.LinkFactory.
//
// Watermill brokers have no message locks, so the lock is emulated as the
// receive time plus Options.LockDuration. Rejected and dead-lettered messages
// are published to "<queue><DeadLetterSuffix>" with the reason in metadata and
// then acknowledged.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/herlink/transport"
)

const (
	// DefaultDeadLetterSuffix is appended to a queue name to form its dead-letter queue.
	DefaultDeadLetterSuffix = "_dl"
	// DefaultLockDuration is used when Options.LockDuration is not set.
	DefaultLockDuration = time.Minute

	reasonRejected = "rejected"
)

var (
	// ErrSubscriptionClosed is returned by Receive after the underlying subscription ended.
	ErrSubscriptionClosed = errors.New("bridge: subscription closed")
	// ErrFactoryClosed is returned when links are requested from a closed factory.
	ErrFactoryClosed = errors.New("bridge: link factory closed")
)

// Options configures a bridged link factory.
type Options struct {
	Publisher    message.Publisher
	Subscriber   message.Subscriber
	Capabilities transport.Capabilities
	LockDuration time.Duration
	// DeadLetterSuffix defaults to DefaultDeadLetterSuffix.
	DeadLetterSuffix string
	Logger           watermill.LoggerAdapter
	// Closers are closed after the publisher and subscriber, e.g. a shared connection.
	Closers []io.Closer
	Now     func() time.Time
}

// Factory is a transport.LinkFactory over watermill.
type Factory struct {
	pub     message.Publisher
	sub     message.Subscriber
	caps    transport.Capabilities
	lock    time.Duration
	dlq     string
	logger  watermill.LoggerAdapter
	closers []io.Closer
	now     func() time.Time

	mu     sync.Mutex
	closed bool
}

// New validates opts and returns a link factory.
func New(opts Options) (*Factory, error) {
	if opts.Publisher == nil || opts.Subscriber == nil {
		return nil, errors.New("bridge: publisher and subscriber are required")
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = DefaultLockDuration
	}
	if opts.DeadLetterSuffix == "" {
		opts.DeadLetterSuffix = DefaultDeadLetterSuffix
	}
	if opts.Logger == nil {
		opts.Logger = watermill.NopLogger{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Factory{
		pub:     opts.Publisher,
		sub:     opts.Subscriber,
		caps:    opts.Capabilities,
		lock:    opts.LockDuration,
		dlq:     opts.DeadLetterSuffix,
		logger:  opts.Logger,
		closers: opts.Closers,
		now:     opts.Now,
	}, nil
}

// Capabilities returns the capabilities passed in Options.
func (f *Factory) Capabilities() transport.Capabilities {
	return f.caps
}

// CreateReceiver subscribes to queue. The subscription lives until the receiver is closed.
func (f *Factory) CreateReceiver(ctx context.Context, queue string, credit int) (transport.Receiver, error) {
	if f.isClosed() {
		return nil, ErrFactoryClosed
	}
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch, err := f.sub.Subscribe(subCtx, queue)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", queue, err)
	}
	f.logger.Debug("Bridge receiver attached", watermill.LogFields{"queue": queue, "credit": credit})
	return &receiver{
		factory:    f,
		queue:      queue,
		messages:   ch,
		cancel:     cancel,
		deliveries: map[string]int{},
	}, nil
}

// CreateSender returns a sender publishing to queue.
func (f *Factory) CreateSender(ctx context.Context, queue string) (transport.Sender, error) {
	if f.isClosed() {
		return nil, ErrFactoryClosed
	}
	return &sender{factory: f, queue: queue}, nil
}

// Close closes the publisher, the subscriber and any extra closers once.
func (f *Factory) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	var errs []error
	if err := f.pub.Close(); err != nil {
		errs = append(errs, err)
	}
	// gochannel hands out one value as both publisher and subscriber.
	if any(f.sub) != any(f.pub) {
		if err := f.sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range f.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Factory) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Factory) publish(ctx context.Context, queue string, msg *message.Message) error {
	msg.SetContext(ctx)
	return f.pub.Publish(queue, msg)
}

type sender struct {
	factory *Factory
	queue   string
}

func (s *sender) Send(ctx context.Context, out *transport.OutgoingMessage) error {
	if out == nil {
		return errors.New("bridge: nil message")
	}
	id := out.MessageID
	if id == "" {
		id = watermill.NewULID()
	}
	msg := message.NewMessage(id, out.Body)
	for k, v := range transport.EncodeMetadata(out) {
		msg.Metadata.Set(k, v)
	}
	msg.Metadata.Set(transport.MetaEnqueuedTime, s.factory.now().UTC().Format(transport.TimestampLayout))
	if err := s.factory.publish(ctx, s.queue, msg); err != nil {
		return fmt.Errorf("publish %s: %w", s.queue, err)
	}
	return nil
}

func (s *sender) Close(context.Context) error {
	return nil
}

type receiver struct {
	factory  *Factory
	queue    string
	messages <-chan *message.Message
	cancel   context.CancelFunc

	mu         sync.Mutex
	deliveries map[string]int
}

func (r *receiver) Receive(ctx context.Context, timeout time.Duration) (transport.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case msg, ok := <-r.messages:
		if !ok {
			return nil, ErrSubscriptionClosed
		}
		return r.wrap(msg), nil
	}
}

func (r *receiver) wrap(msg *message.Message) *rawMessage {
	receivedAt := r.factory.now()
	h := transport.DecodeMetadata(msg.Metadata)
	if h.MessageID == "" {
		h.MessageID = msg.UUID
	}
	if h.EnqueuedTime.IsZero() {
		h.EnqueuedTime = receivedAt
	}
	h.LockedUntil = receivedAt.Add(r.factory.lock)

	r.mu.Lock()
	r.deliveries[msg.UUID]++
	h.DeliveryCount = r.deliveries[msg.UUID]
	r.mu.Unlock()

	return &rawMessage{receiver: r, msg: msg, header: h}
}

func (r *receiver) forget(uuid string) {
	r.mu.Lock()
	delete(r.deliveries, uuid)
	r.mu.Unlock()
}

func (r *receiver) Close(context.Context) error {
	r.cancel()
	return nil
}

type rawMessage struct {
	receiver *receiver
	msg      *message.Message
	header   transport.Header
}

func (m *rawMessage) Header() transport.Header { return m.header }
func (m *rawMessage) Body() []byte             { return m.msg.Payload }

func (m *rawMessage) Complete(context.Context) error {
	m.receiver.forget(m.msg.UUID)
	m.msg.Ack()
	return nil
}

func (m *rawMessage) Release(context.Context) error {
	m.msg.Nack()
	return nil
}

func (m *rawMessage) Reject(ctx context.Context) error {
	return m.DeadLetter(ctx, reasonRejected, "")
}

func (m *rawMessage) DeadLetter(ctx context.Context, reason, description string) error {
	dead := m.msg.Copy()
	dead.Metadata.Set(transport.MetaDeadLetterReason, reason)
	if description != "" {
		dead.Metadata.Set(transport.MetaDeadLetterDescription, description)
	}
	dead.Metadata.Set(transport.MetaDeliveryCount, strconv.Itoa(m.header.DeliveryCount))

	queue := m.receiver.queue + m.receiver.factory.dlq
	// On failure the message stays unsettled so the call can be retried.
	if err := m.receiver.factory.publish(ctx, queue, dead); err != nil {
		return fmt.Errorf("dead-letter to %s: %w", queue, err)
	}
	m.receiver.forget(m.msg.UUID)
	m.msg.Ack()
	return nil
}
