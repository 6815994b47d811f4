// Package amqp1 provides an AMQP 1.0 link factory for herlink on top of github.com/Azure/go-amqp.
//
// One connection and one session are shared by every link the factory opens.
// Links re-attach on their next use after a link, session or connection error;
// session and connection errors also drop the shared session (and connection)
// so the next attach dials again.
package amqp1

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/herlink/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "amqp1"

// DefaultLockDuration is the emulated lock when the config does not set one.
const DefaultLockDuration = time.Minute

var (
	// ErrFactoryClosed is returned when links are requested from a closed factory.
	ErrFactoryClosed = errors.New("amqp1: link factory closed")
	// ErrLinkClosed is returned by a receiver or sender after Close.
	ErrLinkClosed = errors.New("amqp1: link closed")
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AMQP1RabbitMQCapabilities)
}

// Options configures the AMQP 1.0 link factory.
type Options struct {
	// URL is amqp:// or amqps:// with optional user:password for SASL PLAIN.
	URL          string
	Dialect      Dialect
	ContainerID  string
	LockDuration time.Duration
	Logger       watermill.LoggerAdapter
	Now          func() time.Time
}

// Factory implements transport.LinkFactory over one AMQP 1.0 connection.
type Factory struct {
	addr     string
	connOpts *amqp.ConnOptions
	dialect  Dialect
	lock     time.Duration
	logger   watermill.LoggerAdapter
	now      func() time.Time

	mu     sync.Mutex
	conn   Connection
	sess   Session
	closed bool
}

// Build creates a new AMQP 1.0 link factory from config.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.LinkFactory, error) {
	dialect, err := DialectByName(cfg.GetAMQPDialect())
	if err != nil {
		return nil, err
	}
	return New(Options{
		URL:          cfg.GetAMQPURL(),
		Dialect:      dialect,
		ContainerID:  cfg.GetAMQPContainerID(),
		LockDuration: cfg.GetLockDuration(),
		Logger:       logger,
	})
}

// New parses the broker URL and returns a factory. The connection is dialed on first use.
func New(opts Options) (*Factory, error) {
	addr, connOpts, err := connOptions(opts.URL, opts.ContainerID)
	if err != nil {
		return nil, err
	}
	if opts.Dialect.Address == nil {
		opts.Dialect = RabbitMQ
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = DefaultLockDuration
	}
	if opts.Logger == nil {
		opts.Logger = watermill.NopLogger{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Factory{
		addr:     addr,
		connOpts: connOpts,
		dialect:  opts.Dialect,
		lock:     opts.LockDuration,
		logger:   opts.Logger,
		now:      opts.Now,
	}, nil
}

func connOptions(raw, containerID string) (string, *amqp.ConnOptions, error) {
	if raw == "" {
		return "", nil, errors.New("amqp1: url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, fmt.Errorf("amqp1: parse url: %w", err)
	}
	opts := &amqp.ConnOptions{ContainerID: containerID}
	switch u.Scheme {
	case "amqp":
	case "amqps":
		opts.TLSConfig = &tls.Config{ServerName: u.Hostname(), MinVersion: tls.VersionTLS12}
	default:
		return "", nil, fmt.Errorf("amqp1: unsupported scheme %q", u.Scheme)
	}
	if u.User != nil {
		password, _ := u.User.Password()
		opts.SASLType = amqp.SASLTypePlain(u.User.Username(), password)
		u.User = nil
	} else {
		opts.SASLType = amqp.SASLTypeAnonymous()
	}
	return u.String(), opts, nil
}

// Capabilities returns the dialect's capabilities.
func (f *Factory) Capabilities() transport.Capabilities {
	return f.dialect.Capabilities
}

// CreateReceiver attaches a receiving link to queue with the given credit.
func (f *Factory) CreateReceiver(ctx context.Context, queue string, credit int) (transport.Receiver, error) {
	if credit <= 0 {
		credit = 1
	}
	r := &receiver{factory: f, queue: queue, address: f.dialect.Address(queue), credit: credit}
	if _, _, err := r.current(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// CreateSender attaches a sending link to queue.
func (f *Factory) CreateSender(ctx context.Context, queue string) (transport.Sender, error) {
	s := &sender{factory: f, queue: queue, address: f.dialect.Address(queue)}
	if _, _, err := s.current(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close ends the shared session and connection. Links opened from f stop working.
func (f *Factory) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true

	var errs []error
	if f.sess != nil {
		if err := f.sess.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		f.sess = nil
	}
	if f.conn != nil {
		if err := f.conn.Close(); err != nil {
			errs = append(errs, err)
		}
		f.conn = nil
	}
	return errors.Join(errs...)
}

func (f *Factory) session(ctx context.Context) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFactoryClosed
	}
	if f.sess != nil {
		return f.sess, nil
	}
	if f.conn == nil {
		conn, err := DialFunc(ctx, f.addr, f.connOpts)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", f.addr, err)
		}
		f.logger.Info("AMQP connection established", watermill.LogFields{
			"address": f.addr,
			"dialect": f.dialect.Name,
		})
		f.conn = conn
	}
	sess, err := f.conn.NewSession(ctx)
	if err != nil {
		var connErr *amqp.ConnError
		if errors.As(err, &connErr) {
			_ = f.conn.Close()
			f.conn = nil
		}
		return nil, fmt.Errorf("begin session: %w", err)
	}
	f.sess = sess
	return sess, nil
}

// invalidate drops sess (and the connection for connection errors) if it is still current.
func (f *Factory) invalidate(sess Session, err error) {
	var sessErr *amqp.SessionError
	var connErr *amqp.ConnError
	isConn := errors.As(err, &connErr)
	if !isConn && !errors.As(err, &sessErr) {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sess != sess {
		return
	}
	f.sess = nil
	if isConn && f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
	f.logger.Info("AMQP session dropped", watermill.LogFields{
		"error":      err.Error(),
		"connection": isConn,
	})
}

func isLinkFailure(err error) bool {
	var linkErr *amqp.LinkError
	var sessErr *amqp.SessionError
	var connErr *amqp.ConnError
	return errors.As(err, &linkErr) || errors.As(err, &sessErr) || errors.As(err, &connErr)
}

type receiver struct {
	factory *Factory
	queue   string
	address string
	credit  int

	mu     sync.Mutex
	link   LinkReceiver
	sess   Session
	closed bool
}

func (r *receiver) current(ctx context.Context) (LinkReceiver, Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil, ErrLinkClosed
	}
	if r.link != nil {
		return r.link, r.sess, nil
	}
	sess, err := r.factory.session(ctx)
	if err != nil {
		return nil, nil, err
	}
	link, err := sess.NewReceiver(ctx, r.address, &amqp.ReceiverOptions{Credit: int32(r.credit)})
	if err != nil {
		r.factory.invalidate(sess, err)
		return nil, nil, fmt.Errorf("attach receiver %s: %w", r.address, err)
	}
	r.link, r.sess = link, sess
	return link, sess, nil
}

func (r *receiver) fail(link LinkReceiver, sess Session, err error) {
	if !isLinkFailure(err) {
		return
	}
	r.mu.Lock()
	if r.link == link {
		r.link, r.sess = nil, nil
	}
	r.mu.Unlock()

	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = link.Close(closeCtx)
	r.factory.invalidate(sess, err)
	r.factory.logger.Info("AMQP receiver detached, re-attaching on next receive", watermill.LogFields{
		"queue": r.queue,
		"error": err.Error(),
	})
}

func (r *receiver) Receive(ctx context.Context, timeout time.Duration) (transport.RawMessage, error) {
	link, sess, err := r.current(ctx)
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := link.Receive(rctx, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		r.fail(link, sess, err)
		return nil, fmt.Errorf("receive %s: %w", r.queue, err)
	}
	return &rawMessage{
		receiver: r,
		link:     link,
		sess:     sess,
		msg:      msg,
		header:   headerFrom(msg, r.factory.dialect, r.factory.now(), r.factory.lock),
	}, nil
}

func (r *receiver) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.link == nil {
		return nil
	}
	err := r.link.Close(ctx)
	r.link, r.sess = nil, nil
	return err
}

type sender struct {
	factory *Factory
	queue   string
	address string

	mu     sync.Mutex
	link   LinkSender
	sess   Session
	closed bool
}

func (s *sender) current(ctx context.Context) (LinkSender, Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrLinkClosed
	}
	if s.link != nil {
		return s.link, s.sess, nil
	}
	sess, err := s.factory.session(ctx)
	if err != nil {
		return nil, nil, err
	}
	link, err := sess.NewSender(ctx, s.address, nil)
	if err != nil {
		s.factory.invalidate(sess, err)
		return nil, nil, fmt.Errorf("attach sender %s: %w", s.address, err)
	}
	s.link, s.sess = link, sess
	return link, sess, nil
}

func (s *sender) Send(ctx context.Context, out *transport.OutgoingMessage) error {
	if out == nil {
		return errors.New("amqp1: nil message")
	}
	link, sess, err := s.current(ctx)
	if err != nil {
		return err
	}
	if err := link.Send(ctx, newMessage(out), nil); err != nil {
		if isLinkFailure(err) {
			s.mu.Lock()
			if s.link == link {
				s.link, s.sess = nil, nil
			}
			s.mu.Unlock()
			s.factory.invalidate(sess, err)
		}
		return fmt.Errorf("send %s: %w", s.queue, err)
	}
	return nil
}

func (s *sender) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.link == nil {
		return nil
	}
	err := s.link.Close(ctx)
	s.link, s.sess = nil, nil
	return err
}
