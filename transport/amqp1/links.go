package amqp1

import (
	"context"

	"github.com/Azure/go-amqp"
)

// Connection is the subset of *amqp.Conn the factory uses.
type Connection interface {
	NewSession(ctx context.Context) (Session, error)
	Close() error
}

// Session is the subset of *amqp.Session the factory uses.
type Session interface {
	NewReceiver(ctx context.Context, source string, opts *amqp.ReceiverOptions) (LinkReceiver, error)
	NewSender(ctx context.Context, target string, opts *amqp.SenderOptions) (LinkSender, error)
	Close(ctx context.Context) error
}

// LinkReceiver is the subset of *amqp.Receiver the factory uses.
type LinkReceiver interface {
	Receive(ctx context.Context, opts *amqp.ReceiveOptions) (*amqp.Message, error)
	AcceptMessage(ctx context.Context, msg *amqp.Message) error
	RejectMessage(ctx context.Context, msg *amqp.Message, e *amqp.Error) error
	ModifyMessage(ctx context.Context, msg *amqp.Message, opts *amqp.ModifyMessageOptions) error
	Close(ctx context.Context) error
}

// LinkSender is the subset of *amqp.Sender the factory uses.
type LinkSender interface {
	Send(ctx context.Context, msg *amqp.Message, opts *amqp.SendOptions) error
	Close(ctx context.Context) error
}

// DialFunc allows overriding the connection creation for testing.
var DialFunc = func(ctx context.Context, addr string, opts *amqp.ConnOptions) (Connection, error) {
	conn, err := amqp.Dial(ctx, addr, opts)
	if err != nil {
		return nil, err
	}
	return connAdapter{conn: conn}, nil
}

type connAdapter struct {
	conn *amqp.Conn
}

func (c connAdapter) NewSession(ctx context.Context) (Session, error) {
	sess, err := c.conn.NewSession(ctx, nil)
	if err != nil {
		return nil, err
	}
	return sessionAdapter{sess: sess}, nil
}

func (c connAdapter) Close() error {
	return c.conn.Close()
}

type sessionAdapter struct {
	sess *amqp.Session
}

func (s sessionAdapter) NewReceiver(ctx context.Context, source string, opts *amqp.ReceiverOptions) (LinkReceiver, error) {
	r, err := s.sess.NewReceiver(ctx, source, opts)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s sessionAdapter) NewSender(ctx context.Context, target string, opts *amqp.SenderOptions) (LinkSender, error) {
	snd, err := s.sess.NewSender(ctx, target, opts)
	if err != nil {
		return nil, err
	}
	return snd, nil
}

func (s sessionAdapter) Close(ctx context.Context) error {
	return s.sess.Close(ctx)
}
