package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/herlink/internal/runtime/config"
	errspkg "github.com/drblury/herlink/internal/runtime/errors"
	"github.com/drblury/herlink/internal/runtime/faults"
	"github.com/drblury/herlink/internal/runtime/logging"
	"github.com/drblury/herlink/transport"
)

func TestNewClient_RequiredArguments(t *testing.T) {
	ctx := context.Background()
	deps := Dependencies{CollaborationRegistry: &fakeCollaboration{}, LinkFactory: newFakeLinks()}

	_, err := NewClient(ctx, nil, logging.Nop(), deps)
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = NewClient(ctx, &config.Config{HerID: ownHerID}, nil, deps)
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	_, err = NewClient(ctx, &config.Config{HerID: ownHerID}, logging.Nop(), Dependencies{LinkFactory: newFakeLinks()})
	assert.ErrorIs(t, err, errspkg.ErrRegistryRequired)
}

func TestNewClient_InvalidConfig(t *testing.T) {
	_, err := NewClient(context.Background(), &config.Config{Transport: "channel"}, logging.Nop(), Dependencies{
		CollaborationRegistry: &fakeCollaboration{},
		LinkFactory:           newFakeLinks(),
	})

	var cve errspkg.ConfigValidationError
	require.ErrorAs(t, err, &cve)
	assert.Contains(t, err.Error(), "herId")
}

func TestNewClient_MissingHandlers(t *testing.T) {
	conf := &config.Config{HerID: ownHerID, Transport: "channel"}
	conf.Listeners.Synchronous.Disabled = true

	_, err := NewClient(context.Background(), conf, logging.Nop(), Dependencies{
		CollaborationRegistry: &fakeCollaboration{},
		LinkFactory:           newFakeLinks(),
	})
	require.ErrorIs(t, err, errspkg.ErrHandlerRequired)
	assert.Contains(t, err.Error(), "asynchronous listener")
	assert.Contains(t, err.Error(), "synchronous reply listener")
	assert.NotContains(t, err.Error(), "handler is required: synchronous listener")
}

func TestNewClient_ListenersPerKind(t *testing.T) {
	env := newTestEnv(t, func(conf *config.Config, _ *Dependencies) {
		conf.Listeners.Asynchronous.ProcessorCount = 2
		conf.Listeners.SynchronousReply.Disabled = true
	})

	var names []string
	for _, l := range env.client.Listeners() {
		names = append(names, l.Name())
	}
	assert.Equal(t, []string{"asynchronous-0", "asynchronous-1", "synchronous-0", "error-0"}, names)
	assert.Equal(t, "93238_sync", env.listener(t, QueueKindSynchronous).Queue())
}

func TestClient_StartProcessesAndStops(t *testing.T) {
	processed := make(chan *IncomingMessage, 1)
	env := newTestEnv(t, asyncHandler(func(_ context.Context, msg *IncomingMessage) error {
		processed <- msg
		return nil
	}))
	raw := newRaw(nil)
	env.links.push("93238_async", raw)

	require.NoError(t, env.client.Start(context.Background()))
	assert.ErrorIs(t, env.client.Start(context.Background()), errspkg.ErrClientStarted)

	select {
	case msg := <-processed:
		assert.Equal(t, "msg-1", msg.MessageID)
	case <-time.After(5 * time.Second):
		t.Fatal("message was not processed")
	}
	assert.Eventually(t, func() bool { return raw.settled().completed == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, env.client.Stop(context.Background()))
	require.NoError(t, env.client.Stop(context.Background()))

	for _, l := range env.client.Listeners() {
		assert.False(t, l.Info().Running, l.Name())
	}
	assert.True(t, env.client.receivers.Snapshot().Closed)
	assert.True(t, env.client.senders.Snapshot().Closed)
	env.links.mu.Lock()
	assert.True(t, env.links.closed)
	env.links.mu.Unlock()
}

func TestClient_RunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, env.client.Run(ctx))
	assert.True(t, env.client.receivers.Snapshot().Closed)
}

func TestListener_ReceiveFailureWaitsBeforeRetry(t *testing.T) {
	env := newTestEnv(t)
	env.links.mu.Lock()
	env.links.receiveErr = errors.New("broker unreachable")
	env.links.mu.Unlock()

	l := env.listener(t, QueueKindError)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx)
	}()

	failures := func() uint64 { return l.Info().Stats.ReceiveFailures }
	require.Eventually(t, func() bool { return failures() == 1 }, 5*time.Second, 5*time.Millisecond)

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, env.clock.BlockUntilContext(waitCtx, 1))
	assert.Equal(t, uint64(1), failures())
	env.clock.Advance(config.DefaultReceiveFailureDelay)
	require.Eventually(t, func() bool { return failures() == 2 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(env.client.metrics.receiveFailures.WithLabelValues("error")))
}

func TestClient_Send(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	assert.ErrorIs(t, env.client.Send(ctx, "", &transport.OutgoingMessage{}), errspkg.ErrQueueRequired)

	out := &transport.OutgoingMessage{MessageFunction: "APPREC", ToHerID: senderHerID, Body: []byte("<AppRec/>")}
	require.NoError(t, env.client.Send(ctx, "8142_async", out))

	sent := env.links.sentTo("8142_async")
	require.Len(t, sent, 1)
	assert.NotEmpty(t, sent[0].MessageID)
	assert.Equal(t, ownHerID, sent[0].FromHerID)
	assert.Equal(t, testStart, sent[0].ApplicationTimestamp)
	assert.Equal(t, "8142_async", sent[0].To)
}

func TestClient_SendRetriesSenderOpenOnce(t *testing.T) {
	links := &flakySenders{fakeLinks: newFakeLinks(), openErr: faults.New(faults.ServerBusy, errors.New("server busy"))}
	env := newTestEnv(t, func(conf *config.Config, deps *Dependencies) {
		conf.Retry.MaxRetryCount = 2
		deps.LinkFactory = links
	})

	err := env.drive(t, func() error {
		return env.client.Send(context.Background(), "8142_async", &transport.OutgoingMessage{Body: []byte("<AppRec/>")})
	})
	assert.Equal(t, faults.ServerBusy, faults.KindOf(err))
	opens, sends := links.counts()
	assert.Equal(t, 3, opens, "one open per attempt, not per nested attempt")
	assert.Zero(t, sends)
	assert.Zero(t, env.client.senders.Snapshot().Entries[0].Active)
}

func TestClient_SendRetriesSendOnOpenSender(t *testing.T) {
	links := &flakySenders{fakeLinks: newFakeLinks(), sendFailures: 2}
	env := newTestEnv(t, func(conf *config.Config, deps *Dependencies) {
		conf.Retry.MaxRetryCount = 2
		deps.LinkFactory = links
	})

	err := env.drive(t, func() error {
		return env.client.Send(context.Background(), "8142_async", &transport.OutgoingMessage{Body: []byte("<AppRec/>")})
	})
	require.NoError(t, err)
	opens, sends := links.counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 3, sends)
	assert.Len(t, links.sentTo("8142_async"), 1)
}

func TestClient_ReplyWithoutAddress(t *testing.T) {
	env := newTestEnv(t, func(_ *config.Config, deps *Dependencies) { deps.AddressRegistry = nil })

	req := newIncomingMessage(QueueKindSynchronous, "93238_sync", validHeader(), nil)
	_, err := env.client.replyQueue(context.Background(), req)
	assert.ErrorIs(t, err, errspkg.ErrNoReplyAddress)

	req.ReplyTo = "explicit"
	queue, err := env.client.replyQueue(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "explicit", queue)
}
