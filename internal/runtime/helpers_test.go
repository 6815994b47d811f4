package runtime

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"io"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/herlink/internal/runtime/certs"
	"github.com/drblury/herlink/internal/runtime/config"
	"github.com/drblury/herlink/internal/runtime/faults"
	"github.com/drblury/herlink/internal/runtime/logging"
	"github.com/drblury/herlink/internal/runtime/registry"
	"github.com/drblury/herlink/transport"
)

const (
	ownHerID     = 93238
	senderHerID  = 8142
	senderErrorQ = "8142_error"
	senderReplyQ = "8142_syncreply"
	protectedCT  = "application/pkcs7-mime; smime-type=enveloped-data"
)

var testStart = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// fakeRaw records how a message was settled.
type fakeRaw struct {
	header transport.Header
	body   []byte

	mu           sync.Mutex
	completed    int
	rejected     int
	released     int
	deadLettered int
	reason       string
}

func (m *fakeRaw) Header() transport.Header { return m.header }
func (m *fakeRaw) Body() []byte             { return m.body }

func (m *fakeRaw) Complete(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed++
	return nil
}

func (m *fakeRaw) Reject(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected++
	return nil
}

func (m *fakeRaw) Release(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released++
	return nil
}

func (m *fakeRaw) DeadLetter(_ context.Context, reason, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLettered++
	m.reason = reason
	return nil
}

type settlement struct {
	completed, rejected, released, deadLettered int
}

func (m *fakeRaw) settled() settlement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return settlement{m.completed, m.rejected, m.released, m.deadLettered}
}

// fakeLinks is an in-memory LinkFactory. Receive pops from the queue and
// returns nil when it is empty.
type fakeLinks struct {
	mu         sync.Mutex
	queues     map[string][]*fakeRaw
	sent       map[string][]*transport.OutgoingMessage
	receiveErr error
	closed     bool
}

func newFakeLinks() *fakeLinks {
	return &fakeLinks{
		queues: make(map[string][]*fakeRaw),
		sent:   make(map[string][]*transport.OutgoingMessage),
	}
}

func (f *fakeLinks) push(queue string, raw *fakeRaw) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[queue] = append(f.queues[queue], raw)
}

func (f *fakeLinks) sentTo(queue string) []*transport.OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*transport.OutgoingMessage(nil), f.sent[queue]...)
}

func (f *fakeLinks) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, msgs := range f.sent {
		n += len(msgs)
	}
	return n
}

func (f *fakeLinks) CreateReceiver(_ context.Context, queue string, _ int) (transport.Receiver, error) {
	return &fakeReceiver{links: f, queue: queue}, nil
}

func (f *fakeLinks) CreateSender(_ context.Context, queue string) (transport.Sender, error) {
	return &fakeSender{links: f, queue: queue}, nil
}

func (f *fakeLinks) Capabilities() transport.Capabilities {
	return transport.Capabilities{Name: "fake", SupportsNativeLock: true, SupportsRelease: true}
}

func (f *fakeLinks) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeReceiver struct {
	links *fakeLinks
	queue string
}

// Receive waits briefly on an empty queue so running listeners do not spin.
func (r *fakeReceiver) Receive(ctx context.Context, _ time.Duration) (transport.RawMessage, error) {
	if raw, err := r.pop(); raw != nil || err != nil {
		return raw, err
	}
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Millisecond):
	}
	return nil, nil
}

func (r *fakeReceiver) pop() (transport.RawMessage, error) {
	f := r.links
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	pending := f.queues[r.queue]
	if len(pending) == 0 {
		return nil, nil
	}
	f.queues[r.queue] = pending[1:]
	return pending[0], nil
}

func (r *fakeReceiver) Close(context.Context) error { return nil }

type fakeSender struct {
	links *fakeLinks
	queue string
}

func (s *fakeSender) Send(_ context.Context, msg *transport.OutgoingMessage) error {
	s.links.mu.Lock()
	defer s.links.mu.Unlock()
	copied := *msg
	s.links.sent[s.queue] = append(s.links.sent[s.queue], &copied)
	return nil
}

func (s *fakeSender) Close(context.Context) error { return nil }

// flakySenders counts sender opens. Opens fail with openErr; senders fail
// their first sendFailures sends with a retryable fault.
type flakySenders struct {
	*fakeLinks
	openErr      error
	sendFailures int

	mu    sync.Mutex
	opens int
	sends int
}

func (f *flakySenders) CreateSender(ctx context.Context, queue string) (transport.Sender, error) {
	f.mu.Lock()
	f.opens++
	f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	snd, err := f.fakeLinks.CreateSender(ctx, queue)
	if err != nil {
		return nil, err
	}
	return &flakySender{Sender: snd, links: f}, nil
}

func (f *flakySenders) counts() (opens, sends int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.sends
}

type flakySender struct {
	transport.Sender
	links *flakySenders
}

func (s *flakySender) Send(ctx context.Context, msg *transport.OutgoingMessage) error {
	s.links.mu.Lock()
	s.links.sends++
	fail := s.links.sends <= s.links.sendFailures
	s.links.mu.Unlock()
	if fail {
		return faults.New(faults.ServerBusy, errors.New("server busy"))
	}
	return s.Sender.Send(ctx, msg)
}

// drive advances the clock until run returns, so retry backoff waits elapse.
func (e *testEnv) drive(t *testing.T, run func() error) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- run() }()

	var err error
	require.Eventually(t, func() bool {
		select {
		case err = <-done:
			return true
		default:
			e.clock.Advance(time.Minute)
			return false
		}
	}, 5*time.Second, time.Millisecond)
	return err
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields logging.LogFields
}

type logStore struct {
	mu      sync.Mutex
	entries []logEntry
}

// recordingLogger keeps every entry; loggers derived with With share the store.
type recordingLogger struct {
	store  *logStore
	fields logging.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{store: &logStore{}}
}

func (l *recordingLogger) With(fields logging.LogFields) logging.ServiceLogger {
	merged := make(logging.LogFields, len(l.fields)+len(fields))
	maps.Copy(merged, l.fields)
	maps.Copy(merged, fields)
	return &recordingLogger{store: l.store, fields: merged}
}

func (l *recordingLogger) record(level, msg string, err error, fields logging.LogFields) {
	merged := make(logging.LogFields, len(l.fields)+len(fields))
	maps.Copy(merged, l.fields)
	maps.Copy(merged, fields)
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	l.store.entries = append(l.store.entries, logEntry{level: level, msg: msg, err: err, fields: merged})
}

func (l *recordingLogger) Trace(msg string, fields logging.LogFields) { l.record("trace", msg, nil, fields) }
func (l *recordingLogger) Debug(msg string, fields logging.LogFields) { l.record("debug", msg, nil, fields) }
func (l *recordingLogger) Info(msg string, fields logging.LogFields)  { l.record("info", msg, nil, fields) }
func (l *recordingLogger) Warn(msg string, fields logging.LogFields)  { l.record("warn", msg, nil, fields) }
func (l *recordingLogger) Error(msg string, err error, fields logging.LogFields) {
	l.record("error", msg, err, fields)
}

func (l *recordingLogger) count(msg string) int {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	n := 0
	for _, e := range l.store.entries {
		if e.msg == msg {
			n++
		}
	}
	return n
}

// fakeCollaboration answers every lookup with the configured profile.
type fakeCollaboration struct {
	mu           sync.Mutex
	byID         *registry.Profile
	byIDErr      error
	counterparty *registry.Profile
	protocol     *registry.Profile
	calls        int
}

func (r *fakeCollaboration) FindAgreementByID(context.Context, string, int) (*registry.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.byID, r.byIDErr
}

func (r *fakeCollaboration) FindAgreementForCounterparty(context.Context, int, int) (*registry.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.counterparty, nil
}

func (r *fakeCollaboration) FindProtocolForCounterparty(context.Context, int) (*registry.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.protocol, nil
}

func (r *fakeCollaboration) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeAddresses map[int]*registry.CommunicationParty

func (a fakeAddresses) FindCommunicationParty(_ context.Context, herID int) (*registry.CommunicationParty, error) {
	if p, ok := a[herID]; ok {
		return p, nil
	}
	return nil, errors.New("party not found")
}

// fakeProtection "protects" by prefixing the payload.
type fakeProtection struct {
	mu          sync.Mutex
	unprotected int
}

const protectionPrefix = "protected:"

func (p *fakeProtection) ContentType() string { return protectedCT }

func (p *fakeProtection) Protect(_ context.Context, data io.Reader, _ *x509.Certificate) (io.Reader, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(append([]byte(protectionPrefix), b...)), nil
}

func (p *fakeProtection) Unprotect(_ context.Context, data io.Reader, _ *x509.Certificate) (io.Reader, error) {
	p.mu.Lock()
	p.unprotected++
	p.mu.Unlock()
	b, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(bytes.TrimPrefix(b, []byte(protectionPrefix))), nil
}

func (p *fakeProtection) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unprotected
}

// stubValidator returns flags for every certificate.
type stubValidator struct{ flags certs.ErrorFlags }

func (v stubValidator) Validate(context.Context, *x509.Certificate, x509.KeyUsage) certs.ErrorFlags {
	return v.flags
}

type testEnv struct {
	client        *Client
	links         *fakeLinks
	logger        *recordingLogger
	clock         *clockwork.FakeClock
	collaboration *fakeCollaboration
	protection    *fakeProtection
	registry      *prometheus.Registry
}

type testOption func(conf *config.Config, deps *Dependencies)

func withHooks(h Hooks) testOption {
	return func(_ *config.Config, deps *Dependencies) { deps.Hooks = deps.Hooks.Merge(h) }
}

func newTestEnv(t *testing.T, opts ...testOption) *testEnv {
	t.Helper()
	env := &testEnv{
		links:  newFakeLinks(),
		logger: newRecordingLogger(),
		clock:  clockwork.NewFakeClockAt(testStart),
		collaboration: &fakeCollaboration{
			counterparty: &registry.Profile{CpaID: "cpa-1", HerID: senderHerID, Name: "counterparty"},
		},
		protection: &fakeProtection{},
		registry:   prometheus.NewRegistry(),
	}
	conf := &config.Config{HerID: ownHerID, Transport: "channel"}
	deps := Dependencies{
		CollaborationRegistry: env.collaboration,
		AddressRegistry: fakeAddresses{senderHerID: {
			HerID:                     senderHerID,
			ErrorQueueName:            senderErrorQ,
			SynchronousReplyQueueName: senderReplyQ,
		}},
		Protection:           env.protection,
		CertificateValidator: stubValidator{},
		LinkFactory:          env.links,
		Clock:                env.clock,
		Registerer:           env.registry,
		Hooks: Hooks{
			OnAsynchronousMessageReceived: func(context.Context, *IncomingMessage) error { return nil },
			OnSynchronousMessageReceived: func(context.Context, *IncomingMessage) (*etree.Document, error) {
				doc := etree.NewDocument()
				doc.CreateElement("Pong")
				return doc, nil
			},
			OnSynchronousReplyMessageReceived: func(context.Context, *IncomingMessage) error { return nil },
		},
	}
	for _, opt := range opts {
		opt(conf, &deps)
	}

	client, err := NewClient(context.Background(), conf, env.logger, deps)
	require.NoError(t, err)
	env.client = client
	t.Cleanup(func() {
		_ = client.Stop(context.Background())
	})
	return env
}

func (e *testEnv) listener(t *testing.T, kind QueueKind) *Listener {
	t.Helper()
	for _, l := range e.client.Listeners() {
		if l.Kind() == kind {
			return l
		}
	}
	t.Fatalf("no %s listener", kind)
	return nil
}

// deliver pushes raw onto the listener's queue and runs one cycle.
func (e *testEnv) deliver(t *testing.T, kind QueueKind, raw *fakeRaw) {
	t.Helper()
	l := e.listener(t, kind)
	e.links.push(l.Queue(), raw)
	require.NoError(t, l.ReadAndProcess(context.Background()))
}

func validHeader() transport.Header {
	return transport.Header{
		MessageID:            "msg-1",
		MessageFunction:      "DIALOG_INNBYGGER_EKONTAKT",
		FromHerID:            senderHerID,
		ToHerID:              ownHerID,
		ContentType:          ContentTypeText,
		CpaID:                "cpa-1",
		ApplicationTimestamp: testStart,
		LockedUntil:          testStart.Add(time.Minute),
		DeliveryCount:        1,
	}
}

func newRaw(mutate func(h *transport.Header)) *fakeRaw {
	h := validHeader()
	if mutate != nil {
		mutate(&h)
	}
	return &fakeRaw{header: h, body: []byte("<Ping><Value>1</Value></Ping>")}
}
