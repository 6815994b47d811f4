package runtime

import (
	"context"

	"github.com/beevik/etree"

	"github.com/drblury/herlink/internal/runtime/logging"
)

// Hooks holds the application callbacks of a Client.
//
// The Received callbacks deliver messages per queue kind; a listener whose
// callback is nil cannot be started, except the error queue listener which
// only logs. The notification hooks are optional.
type Hooks struct {
	// OnAsynchronousMessageReceived handles a message from the asynchronous queue.
	OnAsynchronousMessageReceived func(ctx context.Context, msg *IncomingMessage) error
	// OnSynchronousMessageReceived handles a request and returns the reply
	// document. A nil reply is an error.
	OnSynchronousMessageReceived func(ctx context.Context, msg *IncomingMessage) (*etree.Document, error)
	// OnSynchronousReplyMessageReceived handles a reply to a request sent by this node.
	OnSynchronousReplyMessageReceived func(ctx context.Context, msg *IncomingMessage) error
	// OnErrorMessageReceived handles an error report from a counterparty.
	OnErrorMessageReceived func(ctx context.Context, msg *IncomingMessage) error

	// OnProcessingStarting is called once the message lock was found valid,
	// before header validation.
	OnProcessingStarting func(ctx context.Context, msg *IncomingMessage)
	// OnProcessingCompleted is called after the message was completed.
	OnProcessingCompleted func(ctx context.Context, msg *IncomingMessage)
	// OnHandledException is called after a reportable error was reported and
	// the message dead-lettered.
	OnHandledException func(ctx context.Context, msg *IncomingMessage, err error)
	// OnUnhandledException is called for any other error. The message is
	// released once its lock expires.
	OnUnhandledException func(ctx context.Context, msg *IncomingMessage, err error)
}

// Merge combines two Hooks. Notification hooks from both are called, those
// of h first. Received callbacks of other replace those of h when set.
func (h Hooks) Merge(other Hooks) Hooks {
	merged := Hooks{
		OnAsynchronousMessageReceived:     h.OnAsynchronousMessageReceived,
		OnSynchronousMessageReceived:      h.OnSynchronousMessageReceived,
		OnSynchronousReplyMessageReceived: h.OnSynchronousReplyMessageReceived,
		OnErrorMessageReceived:            h.OnErrorMessageReceived,
		OnProcessingStarting:              chainMessageHooks(h.OnProcessingStarting, other.OnProcessingStarting),
		OnProcessingCompleted:             chainMessageHooks(h.OnProcessingCompleted, other.OnProcessingCompleted),
		OnHandledException:                chainErrorHooks(h.OnHandledException, other.OnHandledException),
		OnUnhandledException:              chainErrorHooks(h.OnUnhandledException, other.OnUnhandledException),
	}
	if other.OnAsynchronousMessageReceived != nil {
		merged.OnAsynchronousMessageReceived = other.OnAsynchronousMessageReceived
	}
	if other.OnSynchronousMessageReceived != nil {
		merged.OnSynchronousMessageReceived = other.OnSynchronousMessageReceived
	}
	if other.OnSynchronousReplyMessageReceived != nil {
		merged.OnSynchronousReplyMessageReceived = other.OnSynchronousReplyMessageReceived
	}
	if other.OnErrorMessageReceived != nil {
		merged.OnErrorMessageReceived = other.OnErrorMessageReceived
	}
	return merged
}

func chainMessageHooks(a, b func(context.Context, *IncomingMessage)) func(context.Context, *IncomingMessage) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, msg *IncomingMessage) {
		a(ctx, msg)
		b(ctx, msg)
	}
}

func chainErrorHooks(a, b func(context.Context, *IncomingMessage, error)) func(context.Context, *IncomingMessage, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, msg *IncomingMessage, err error) {
		a(ctx, msg, err)
		b(ctx, msg, err)
	}
}

func (h *Hooks) processingStarting(ctx context.Context, msg *IncomingMessage) {
	if h.OnProcessingStarting != nil {
		h.OnProcessingStarting(ctx, msg)
	}
}

func (h *Hooks) processingCompleted(ctx context.Context, msg *IncomingMessage) {
	if h.OnProcessingCompleted != nil {
		h.OnProcessingCompleted(ctx, msg)
	}
}

func (h *Hooks) handledException(ctx context.Context, msg *IncomingMessage, err error) {
	if h.OnHandledException != nil {
		h.OnHandledException(ctx, msg, err)
	}
}

func (h *Hooks) unhandledException(ctx context.Context, msg *IncomingMessage, err error) {
	if h.OnUnhandledException != nil {
		h.OnUnhandledException(ctx, msg, err)
	}
}

// LoggingHooks returns notification hooks that log message lifecycle events.
func LoggingHooks(logger logging.ServiceLogger) Hooks {
	return Hooks{
		OnProcessingStarting: func(ctx context.Context, msg *IncomingMessage) {
			logger.Debug("Message processing starting", msg.logFields())
		},
		OnProcessingCompleted: func(ctx context.Context, msg *IncomingMessage) {
			logger.Info("Message processing completed", msg.logFields())
		},
		OnHandledException: func(ctx context.Context, msg *IncomingMessage, err error) {
			logger.Warn("Message rejected", withError(msg.logFields(), err))
		},
		OnUnhandledException: func(ctx context.Context, msg *IncomingMessage, err error) {
			logger.Error("Message processing failed", err, msg.logFields())
		},
	}
}

func withError(fields logging.LogFields, err error) logging.LogFields {
	fields["error"] = err.Error()
	return fields
}
