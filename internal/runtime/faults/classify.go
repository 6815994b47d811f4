package faults

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/Azure/go-amqp"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Service Bus specific AMQP conditions.
const (
	condServerBusy            amqp.ErrCond = "com.microsoft:server-busy"
	condTimeout               amqp.ErrCond = "com.microsoft:timeout"
	condEntityAlreadyExists   amqp.ErrCond = "com.microsoft:entity-already-exists"
	condSessionCannotBeLocked amqp.ErrCond = "com.microsoft:session-cannot-be-locked"
	condMessageLockLost       amqp.ErrCond = "com.microsoft:message-lock-lost"
	condSessionLockLost       amqp.ErrCond = "com.microsoft:session-lock-lost"
	condEntityDisabled        amqp.ErrCond = "com.microsoft:entity-disabled"
	condArgumentOutOfRange    amqp.ErrCond = "com.microsoft:argument-out-of-range"
)

var amqpConditions = map[amqp.ErrCond]Kind{
	amqp.ErrCondNotFound:              NotFound,
	amqp.ErrCondUnauthorizedAccess:    Unauthorized,
	amqp.ErrCondNotAllowed:            NotAllowed,
	amqp.ErrCondResourceLimitExceeded: QuotaExceeded,
	amqp.ErrCondMessageSizeExceeded:   MessageSizeExceeded,
	amqp.ErrCondResourceLocked:        SessionCannotBeLocked,
	amqp.ErrCondConnectionForced:      CommunicationError,
	amqp.ErrCondDetachForced:          CommunicationError,
	amqp.ErrCondStolen:                CommunicationError,
	amqp.ErrCondFramingError:          CommunicationError,
	condServerBusy:                    ServerBusy,
	condTimeout:                       Timeout,
	condEntityAlreadyExists:           EntityAlreadyExists,
	condSessionCannotBeLocked:         SessionCannotBeLocked,
	condMessageLockLost:               MessageLockLost,
	condSessionLockLost:               MessageLockLost,
	condEntityDisabled:                NotAllowed,
	condArgumentOutOfRange:            Uncategorized,
}

var amqp091Codes = map[int]Kind{
	amqp091.NotFound:           NotFound,
	amqp091.AccessRefused:      Unauthorized,
	amqp091.NotAllowed:         NotAllowed,
	amqp091.ResourceLocked:     SessionCannotBeLocked,
	amqp091.PreconditionFailed: NotAllowed,
	amqp091.ContentTooLarge:    MessageSizeExceeded,
	amqp091.ResourceError:      ServerBusy,
	amqp091.ConnectionForced:   CommunicationError,
	amqp091.ChannelError:       CommunicationError,
	amqp091.FrameError:         CommunicationError,
}

// Classify translates err into a ClassifiedError. Errors that are already
// classified are returned unchanged; unknown errors are Uncategorized and
// not retryable. Classify(nil) returns nil.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return New(Timeout, err)
	case errors.Is(err, context.Canceled):
		return New(Canceled, err)
	}

	if kind, ok := classifyAMQP(err); ok {
		return New(kind, err)
	}
	if kind, ok := classifyAMQP091(err); ok {
		return New(kind, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return New(Timeout, err)
		}
		return New(CommunicationError, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return New(CommunicationError, err)
	}

	return New(Uncategorized, err)
}

func classifyAMQP(err error) (Kind, bool) {
	var remote *amqp.Error
	if errors.As(err, &remote) {
		return conditionKind(remote.Condition), true
	}

	var linkErr *amqp.LinkError
	if errors.As(err, &linkErr) {
		if linkErr.RemoteErr != nil {
			return conditionKind(linkErr.RemoteErr.Condition), true
		}
		return CommunicationError, true
	}
	var sessionErr *amqp.SessionError
	if errors.As(err, &sessionErr) {
		if sessionErr.RemoteErr != nil {
			return conditionKind(sessionErr.RemoteErr.Condition), true
		}
		return CommunicationError, true
	}
	var connErr *amqp.ConnError
	if errors.As(err, &connErr) {
		if connErr.RemoteErr != nil {
			return conditionKind(connErr.RemoteErr.Condition), true
		}
		return CommunicationError, true
	}
	return Uncategorized, false
}

func conditionKind(cond amqp.ErrCond) Kind {
	if kind, ok := amqpConditions[cond]; ok {
		return kind
	}
	return Uncategorized
}

func classifyAMQP091(err error) (Kind, bool) {
	if errors.Is(err, amqp091.ErrClosed) {
		return CommunicationError, true
	}
	var amqpErr *amqp091.Error
	if !errors.As(err, &amqpErr) {
		return Uncategorized, false
	}
	if kind, ok := amqp091Codes[amqpErr.Code]; ok {
		return kind, true
	}
	if amqpErr.Recover {
		return CommunicationError, true
	}
	return Uncategorized, true
}
