package runtime

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/herlink/internal/runtime/certs"
	"github.com/drblury/herlink/internal/runtime/clock"
	configpkg "github.com/drblury/herlink/internal/runtime/config"
	errspkg "github.com/drblury/herlink/internal/runtime/errors"
	"github.com/drblury/herlink/internal/runtime/logging"
	"github.com/drblury/herlink/internal/runtime/pool"
	"github.com/drblury/herlink/internal/runtime/registry"
	"github.com/drblury/herlink/internal/runtime/retry"
	transportpkg "github.com/drblury/herlink/internal/runtime/transport"
	"github.com/drblury/herlink/transport"
)

const (
	tracerName        = "github.com/drblury/herlink"
	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Dependencies holds the collaborators of a Client. CollaborationRegistry is
// required; the rest fall back to defaults or disable the related feature.
type Dependencies struct {
	CollaborationRegistry registry.CollaborationRegistry
	// AddressRegistry resolves error and reply queues. Without it errors
	// cannot be reported to senders.
	AddressRegistry registry.AddressRegistry
	// Protection is required as soon as a protected message arrives.
	Protection registry.MessageProtection
	// CertificateValidator defaults to an X509 validator without revocation checks.
	CertificateValidator certs.Validator

	DecryptionCertificate *x509.Certificate
	// LegacyDecryptionCertificate is the previous certificate during rotation.
	LegacyDecryptionCertificate *x509.Certificate

	Hooks Hooks

	// TransportFactory builds the link factory from the configuration.
	TransportFactory transportpkg.Factory
	// LinkFactory, when set, is used as is and TransportFactory is ignored.
	LinkFactory transport.LinkFactory

	Clock clock.Clock
	// Registerer enables the Prometheus collectors even when metrics are not
	// enabled in the configuration.
	Registerer     prometheus.Registerer
	TracerProvider trace.TracerProvider
}

// Client receives from the configured queues and sends replies and error
// reports. Create it with NewClient and run it with Start or Run.
type Client struct {
	Conf   *configpkg.Config
	Logger logging.ServiceLogger

	clock     clock.Clock
	links     transport.LinkFactory
	executor  *retry.Executor
	receivers *pool.Pool[transport.Receiver]
	senders   *pool.Pool[transport.Sender]
	watcher   *lockWatcher
	listeners []*Listener

	collaboration        registry.CollaborationRegistry
	addresses            registry.AddressRegistry
	protection           registry.MessageProtection
	validator            certs.Validator
	decryptionCert       *x509.Certificate
	legacyDecryptionCert *x509.Certificate

	hooks     Hooks
	metrics   *Metrics
	tracer    trace.Tracer
	resources *resourceSampler

	httpRouters   map[int]chi.Router
	httpServers   []*http.Server
	httpServersMu sync.Mutex

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewClient validates conf and opens the link factory. Listeners are
// created for every enabled queue kind but only run after Start.
func NewClient(ctx context.Context, conf *configpkg.Config, log logging.ServiceLogger, deps Dependencies) (*Client, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if deps.CollaborationRegistry == nil {
		return nil, errspkg.ErrRegistryRequired
	}
	conf.ApplyDefaults()
	if err := errspkg.NewConfigValidationError(conf.Validate()); err != nil {
		return nil, err
	}
	if err := checkHandlers(conf, deps.Hooks); err != nil {
		return nil, err
	}

	log.Info("Creating herlink client", logging.LogFields{
		"her_id":    conf.HerID,
		"transport": conf.Transport,
		"config":    conf,
	})

	clk := clock.OrReal(deps.Clock)
	c := &Client{
		Conf:                 conf,
		Logger:               log,
		clock:                clk,
		collaboration:        deps.CollaborationRegistry,
		addresses:            deps.AddressRegistry,
		protection:           deps.Protection,
		validator:            deps.CertificateValidator,
		decryptionCert:       deps.DecryptionCertificate,
		legacyDecryptionCert: deps.LegacyDecryptionCertificate,
		hooks:                deps.Hooks,
		resources:            newResourceSampler(clk),
	}
	if c.validator == nil {
		c.validator = &certs.X509Validator{Clock: clk}
	}

	tp := deps.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	c.tracer = tp.Tracer(tracerName)

	registerer := deps.Registerer
	if registerer == nil && conf.Metrics.Enabled {
		registerer = prometheus.DefaultRegisterer
	}
	var poolMetrics *pool.Metrics
	if registerer != nil {
		c.metrics = NewMetrics(registerer)
		poolMetrics = pool.NewMetrics(registerer)
		if err := errors.Join(c.metrics.Register(), poolMetrics.Register()); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	c.links = deps.LinkFactory
	if c.links == nil {
		factory := deps.TransportFactory
		if factory == nil {
			factory = transportpkg.DefaultFactory()
		}
		links, err := factory.Build(ctx, conf, logging.NewWatermillAdapter(log))
		if err != nil {
			return nil, fmt.Errorf("build %s transport: %w", conf.Transport, err)
		}
		c.links = links
	}

	c.executor = retry.NewExecutor(conf.RetryPolicy(), log, clk)
	poolOptions := func(name string) pool.Options {
		return pool.Options{
			Name:            name,
			Capacity:        conf.Pool.Capacity,
			TTL:             conf.Pool.TTL,
			MaxTrimPerSweep: conf.Pool.MaxTrimPerSweep,
			SweepInterval:   conf.Pool.SweepInterval,
			Executor:        c.executor,
			Logger:          log,
			Clock:           clk,
			Metrics:         poolMetrics,
		}
	}
	c.receivers = pool.New[transport.Receiver](func(ctx context.Context, queue string) (transport.Receiver, error) {
		return c.links.CreateReceiver(ctx, queue, conf.Credit)
	}, poolOptions("receivers"))
	c.senders = pool.New[transport.Sender](c.links.CreateSender, poolOptions("senders"))
	c.watcher = newLockWatcher(clk, c.executor, log, c.metrics)

	c.addListeners(QueueKindAsynchronous, conf.Queues.Asynchronous, conf.Listeners.Asynchronous)
	c.addListeners(QueueKindSynchronous, conf.Queues.Synchronous, conf.Listeners.Synchronous)
	c.addListeners(QueueKindSynchronousReply, conf.Queues.SynchronousReply, conf.Listeners.SynchronousReply)
	c.addListeners(QueueKindError, conf.Queues.Error, conf.Listeners.Error)

	if conf.Metrics.Enabled {
		c.RegisterHTTPHandler(conf.Metrics.Port, "/metrics", metricsHandler(registerer))
	}
	if conf.Status.Enabled {
		c.registerStatusRoutes()
	}
	return c, nil
}

func checkHandlers(conf *configpkg.Config, hooks Hooks) error {
	var errs []error
	if !conf.Listeners.Asynchronous.Disabled && hooks.OnAsynchronousMessageReceived == nil {
		errs = append(errs, fmt.Errorf("%w: asynchronous listener", errspkg.ErrHandlerRequired))
	}
	if !conf.Listeners.Synchronous.Disabled && hooks.OnSynchronousMessageReceived == nil {
		errs = append(errs, fmt.Errorf("%w: synchronous listener", errspkg.ErrHandlerRequired))
	}
	if !conf.Listeners.SynchronousReply.Disabled && hooks.OnSynchronousReplyMessageReceived == nil {
		errs = append(errs, fmt.Errorf("%w: synchronous reply listener", errspkg.ErrHandlerRequired))
	}
	return errors.Join(errs...)
}

func (c *Client) addListeners(kind QueueKind, queue string, lc configpkg.ListenerConfig) {
	if lc.Disabled {
		return
	}
	for i := 0; i < lc.ProcessorCount; i++ {
		c.listeners = append(c.listeners, newListener(c, kind, queue, i))
	}
}

func metricsHandler(registerer prometheus.Registerer) http.Handler {
	if g, ok := registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// Listeners returns the listeners of the client.
func (c *Client) Listeners() []*Listener {
	return append([]*Listener(nil), c.listeners...)
}

// Start runs the listeners, the pool sweeps and the HTTP servers in the
// background. It returns immediately; call Stop to shut down.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errspkg.ErrClientStarted
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.Logger.Info("Starting herlink client", logging.LogFields{
		"her_id":    c.Conf.HerID,
		"listeners": len(c.listeners),
	})

	c.startHTTPServers()
	c.goRun(func() { c.receivers.Run(runCtx) })
	c.goRun(func() { c.senders.Run(runCtx) })
	for _, l := range c.listeners {
		c.goRun(func() { l.Run(runCtx) })
	}
	return nil
}

func (c *Client) goRun(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Stop cancels the listeners and waits for their current cycle, then cancels
// pending lock releases and closes every link. ctx bounds the wait.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var errs []error
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for listeners: %w", ctx.Err()))
	}

	c.watcher.Stop()
	errs = append(errs,
		c.receivers.Shutdown(ctx),
		c.senders.Shutdown(ctx),
		c.links.Close(ctx),
		c.stopHTTPServers(ctx),
	)

	err := errors.Join(errs...)
	if err != nil {
		c.Logger.Error("Herlink client stopped with errors", err, nil)
	} else {
		c.Logger.Info("Herlink client stopped", nil)
	}
	return err
}

// Run starts the client and blocks until ctx is cancelled, then stops it.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return c.Stop(stopCtx)
}

// RegisterHTTPHandler mounts handler on the server for port. Servers start
// with the client.
func (c *Client) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	c.router(port).Handle(pattern, handler)
}

func (c *Client) router(port int) chi.Router {
	c.httpServersMu.Lock()
	defer c.httpServersMu.Unlock()

	if c.httpRouters == nil {
		c.httpRouters = make(map[int]chi.Router)
	}
	r, ok := c.httpRouters[port]
	if !ok {
		r = chi.NewRouter()
		c.httpRouters[port] = r
	}
	return r
}

func (c *Client) startHTTPServers() {
	c.httpServersMu.Lock()
	defer c.httpServersMu.Unlock()

	for port, r := range c.httpRouters {
		addr := fmt.Sprintf(":%d", port)
		srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: readHeaderTimeout}
		c.httpServers = append(c.httpServers, srv)
		c.Logger.Info("Starting HTTP server", logging.LogFields{"address": addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.Logger.Error("Failed to start HTTP server", err, logging.LogFields{"address": addr})
			}
		}()
	}
}

func (c *Client) stopHTTPServers(ctx context.Context) error {
	c.httpServersMu.Lock()
	servers := c.httpServers
	c.httpServers = nil
	c.httpServersMu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown HTTP server %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errs...)
}
