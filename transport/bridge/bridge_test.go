package bridge

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/herlink/transport"
)

func newChannelFactory(t *testing.T, now func() time.Time) *Factory {
	t.Helper()
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	f, err := New(Options{
		Publisher:    pubSub,
		Subscriber:   pubSub,
		Capabilities: transport.ChannelCapabilities,
		LockDuration: 30 * time.Second,
		Now:          now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close(context.Background()) })
	return f
}

func TestNewRequiresPublisherAndSubscriber(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestSendReceiveRoundTripsHeaders(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := newChannelFactory(t, func() time.Time { return now })
	ctx := context.Background()

	rcv, err := f.CreateReceiver(ctx, "93238_async", 1)
	require.NoError(t, err)
	snd, err := f.CreateSender(ctx, "93238_async")
	require.NoError(t, err)

	ts := time.Date(2024, 5, 1, 11, 59, 0, 0, time.UTC)
	require.NoError(t, snd.Send(ctx, &transport.OutgoingMessage{
		MessageID:            "msg-1",
		CorrelationID:        "corr-1",
		MessageFunction:      "DIALOG_INNBYGGER_EKONTAKT",
		FromHerID:            93252,
		ToHerID:              93238,
		ContentType:          "text/plain",
		ApplicationTimestamp: ts,
		Body:                 []byte("<hello/>"),
	}))

	raw, err := rcv.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, raw)

	h := raw.Header()
	assert.Equal(t, "msg-1", h.MessageID)
	assert.Equal(t, "corr-1", h.CorrelationID)
	assert.Equal(t, "DIALOG_INNBYGGER_EKONTAKT", h.MessageFunction)
	assert.Equal(t, 93252, h.FromHerID)
	assert.Equal(t, 93238, h.ToHerID)
	assert.Equal(t, "text/plain", h.ContentType)
	assert.Equal(t, ts, h.ApplicationTimestamp)
	assert.Equal(t, now, h.EnqueuedTime)
	assert.Equal(t, now.Add(30*time.Second), h.LockedUntil)
	assert.Equal(t, 1, h.DeliveryCount)
	assert.Equal(t, []byte("<hello/>"), raw.Body())

	require.NoError(t, raw.Complete(ctx))
}

func TestReceiveTimesOutWithNilMessage(t *testing.T) {
	f := newChannelFactory(t, nil)
	rcv, err := f.CreateReceiver(context.Background(), "idle", 1)
	require.NoError(t, err)

	raw, err := rcv.Receive(context.Background(), 10*time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, raw)
}

func TestReceiveHonorsContext(t *testing.T) {
	f := newChannelFactory(t, nil)
	rcv, err := f.CreateReceiver(context.Background(), "idle", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = rcv.Receive(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReleaseRedeliversAndCountsDeliveries(t *testing.T) {
	f := newChannelFactory(t, nil)
	ctx := context.Background()
	rcv, err := f.CreateReceiver(ctx, "q", 1)
	require.NoError(t, err)
	snd, err := f.CreateSender(ctx, "q")
	require.NoError(t, err)

	require.NoError(t, snd.Send(ctx, &transport.OutgoingMessage{MessageID: "m", Body: []byte("x")}))

	first, err := rcv.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NoError(t, first.Release(ctx))

	second, err := rcv.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "m", second.Header().MessageID)
	assert.Equal(t, 2, second.Header().DeliveryCount)
	require.NoError(t, second.Complete(ctx))
}

func TestDeadLetterPublishesToSuffixQueue(t *testing.T) {
	f := newChannelFactory(t, nil)
	ctx := context.Background()
	rcv, err := f.CreateReceiver(ctx, "q", 1)
	require.NoError(t, err)
	dlq, err := f.CreateReceiver(ctx, "q_dl", 1)
	require.NoError(t, err)
	snd, err := f.CreateSender(ctx, "q")
	require.NoError(t, err)

	require.NoError(t, snd.Send(ctx, &transport.OutgoingMessage{MessageID: "m", Body: []byte("x")}))
	raw, err := rcv.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, raw)
	require.NoError(t, raw.DeadLetter(ctx, "transport:invalid-field-value", "One or more fields are missing"))

	dead, err := dlq.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, dead)
	assert.Equal(t, "m", dead.Header().MessageID)
	assert.Equal(t, "transport:invalid-field-value", dead.Header().Properties[transport.MetaDeadLetterReason])
	assert.Equal(t, "One or more fields are missing", dead.Header().Properties[transport.MetaDeadLetterDescription])
	require.NoError(t, dead.Complete(ctx))

	none, err := rcv.Receive(ctx, 20*time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, none, "dead-lettered message is acknowledged on the source queue")
}

func TestRejectUsesRejectedReason(t *testing.T) {
	f := newChannelFactory(t, nil)
	ctx := context.Background()
	rcv, err := f.CreateReceiver(ctx, "q", 1)
	require.NoError(t, err)
	dlq, err := f.CreateReceiver(ctx, "q_dl", 1)
	require.NoError(t, err)
	snd, err := f.CreateSender(ctx, "q")
	require.NoError(t, err)

	require.NoError(t, snd.Send(ctx, &transport.OutgoingMessage{Body: []byte("x")}))
	raw, err := rcv.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, raw)
	assert.NotEmpty(t, raw.Header().MessageID, "ULID assigned when none given")
	require.NoError(t, raw.Reject(ctx))

	dead, err := dlq.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, dead)
	assert.Equal(t, "rejected", dead.Header().Properties[transport.MetaDeadLetterReason])
	require.NoError(t, dead.Complete(ctx))
}

type failingPublisher struct {
	err    error
	closed int
}

func (p *failingPublisher) Publish(string, ...*message.Message) error { return p.err }
func (p *failingPublisher) Close() error                              { p.closed++; return nil }

type stubSubscriber struct {
	closed int
}

func (s *stubSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}

func (s *stubSubscriber) Close() error { s.closed++; return nil }

func TestSendWrapsPublishError(t *testing.T) {
	boom := errors.New("broker down")
	f, err := New(Options{Publisher: &failingPublisher{err: boom}, Subscriber: &stubSubscriber{}})
	require.NoError(t, err)

	snd, err := f.CreateSender(context.Background(), "q")
	require.NoError(t, err)
	err = snd.Send(context.Background(), &transport.OutgoingMessage{Body: []byte("x")})
	assert.ErrorIs(t, err, boom)
}

type flakyPublisher struct {
	mu        sync.Mutex
	failures  int
	published []*message.Message
}

func (p *flakyPublisher) Publish(_ string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker down")
	}
	p.published = append(p.published, msgs...)
	return nil
}

func (p *flakyPublisher) Close() error { return nil }

type feedSubscriber struct {
	feed chan *message.Message
}

func (s feedSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return s.feed, nil
}

func (s feedSubscriber) Close() error { return nil }

func TestDeadLetterFailureLeavesMessageUnsettled(t *testing.T) {
	pub := &flakyPublisher{failures: 1}
	feed := make(chan *message.Message, 1)
	f, err := New(Options{Publisher: pub, Subscriber: feedSubscriber{feed: feed}})
	require.NoError(t, err)
	ctx := context.Background()

	rcv, err := f.CreateReceiver(ctx, "q", 1)
	require.NoError(t, err)
	msg := message.NewMessage("m", []byte("x"))
	feed <- msg
	raw, err := rcv.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, raw)

	require.Error(t, raw.DeadLetter(ctx, "transport:internal-error", ""))
	select {
	case <-msg.Acked():
		t.Fatal("message acked after failed dead-letter")
	case <-msg.Nacked():
		t.Fatal("message nacked after failed dead-letter")
	default:
	}

	require.NoError(t, raw.DeadLetter(ctx, "transport:internal-error", ""))
	select {
	case <-msg.Acked():
	default:
		t.Fatal("message not acked after dead-letter")
	}
	require.Len(t, pub.published, 1)
	assert.Equal(t, "transport:internal-error", pub.published[0].Metadata.Get(transport.MetaDeadLetterReason))
}

type closerFunc func() error

func (c closerFunc) Close() error { return c() }

func TestCloseIsIdempotentAndClosesEverything(t *testing.T) {
	pub := &failingPublisher{}
	sub := &stubSubscriber{}
	extra := 0
	f, err := New(Options{
		Publisher:  pub,
		Subscriber: sub,
		Closers:    []io.Closer{closerFunc(func() error { extra++; return nil })},
	})
	require.NoError(t, err)

	require.NoError(t, f.Close(context.Background()))
	require.NoError(t, f.Close(context.Background()))
	assert.Equal(t, 1, pub.closed)
	assert.Equal(t, 1, sub.closed)
	assert.Equal(t, 1, extra)

	_, err = f.CreateReceiver(context.Background(), "q", 1)
	assert.ErrorIs(t, err, ErrFactoryClosed)
	_, err = f.CreateSender(context.Background(), "q")
	assert.ErrorIs(t, err, ErrFactoryClosed)
}

func TestClosedSubscriptionSurfacesError(t *testing.T) {
	f := newChannelFactory(t, nil)
	rcv, err := f.CreateReceiver(context.Background(), "q", 1)
	require.NoError(t, err)
	require.NoError(t, rcv.Close(context.Background()))

	require.Eventually(t, func() bool {
		_, err := rcv.Receive(context.Background(), 10*time.Millisecond)
		return errors.Is(err, ErrSubscriptionClosed)
	}, time.Second, 10*time.Millisecond)
}
