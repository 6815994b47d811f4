package amqp1

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/go-amqp"

	"github.com/drblury/herlink/transport"
)

type rawMessage struct {
	receiver *receiver
	link     LinkReceiver
	sess     Session
	msg      *amqp.Message
	header   transport.Header
}

func (m *rawMessage) Header() transport.Header { return m.header }
func (m *rawMessage) Body() []byte             { return bodyOf(m.msg) }

func (m *rawMessage) Complete(ctx context.Context) error {
	return m.settle("complete", m.link.AcceptMessage(ctx, m.msg))
}

func (m *rawMessage) Reject(ctx context.Context) error {
	return m.settle("reject", m.link.RejectMessage(ctx, m.msg, nil))
}

// Release returns the message with delivery-failed set so it counts toward the redelivery limit.
func (m *rawMessage) Release(ctx context.Context) error {
	return m.settle("release", m.link.ModifyMessage(ctx, m.msg, &amqp.ModifyMessageOptions{DeliveryFailed: true}))
}

func (m *rawMessage) DeadLetter(ctx context.Context, reason, description string) error {
	if !m.receiver.factory.dialect.Capabilities.SupportsNativeDeadLetter {
		return m.settle("dead-letter", m.link.RejectMessage(ctx, m.msg, nil))
	}
	e := &amqp.Error{
		Condition:   amqp.ErrCond(deadLetterCondition),
		Description: description,
		Info: map[string]any{
			deadLetterReasonKey:      reason,
			deadLetterDescriptionKey: description,
		},
	}
	return m.settle("dead-letter", m.link.RejectMessage(ctx, m.msg, e))
}

func (m *rawMessage) settle(op string, err error) error {
	if err == nil {
		return nil
	}
	m.receiver.fail(m.link, m.sess, err)
	return fmt.Errorf("%s %s: %w", op, m.header.MessageID, err)
}

func headerFrom(msg *amqp.Message, d Dialect, receivedAt time.Time, lock time.Duration) transport.Header {
	h := transport.Header{Properties: map[string]any{}}
	if p := msg.Properties; p != nil {
		h.MessageID = idString(p.MessageID)
		h.CorrelationID = idString(p.CorrelationID)
		h.MessageFunction = deref(p.Subject)
		h.ContentType = deref(p.ContentType)
		h.ReplyTo = deref(p.ReplyTo)
		h.To = deref(p.To)
	}
	transport.ApplyApplicationProperties(&h, msg.ApplicationProperties)

	h.DeliveryCount = 1
	if msg.Header != nil {
		// AMQP counts prior failed deliveries only.
		h.DeliveryCount += int(msg.Header.DeliveryCount)
	}

	h.EnqueuedTime = annotationTime(msg.Annotations, transport.AnnotationEnqueuedTime)
	if h.EnqueuedTime.IsZero() {
		h.EnqueuedTime = receivedAt
	}
	if d.Capabilities.SupportsNativeLock {
		h.LockedUntil = annotationTime(msg.Annotations, transport.AnnotationLockedUntil)
	}
	if h.LockedUntil.IsZero() {
		h.LockedUntil = receivedAt.Add(lock)
	}
	return h
}

func newMessage(out *transport.OutgoingMessage) *amqp.Message {
	props := &amqp.MessageProperties{
		Subject:     ptr(out.MessageFunction),
		ContentType: ptr(out.ContentType),
		ReplyTo:     ptr(out.ReplyTo),
		To:          ptr(out.To),
	}
	if out.MessageID != "" {
		props.MessageID = out.MessageID
	}
	if out.CorrelationID != "" {
		props.CorrelationID = out.CorrelationID
	}
	return &amqp.Message{
		Header:                &amqp.MessageHeader{Durable: true, TTL: out.TimeToLive},
		Properties:            props,
		ApplicationProperties: transport.ApplicationProperties(out),
		Data:                  [][]byte{out.Body},
	}
}

// bodyOf accepts data sections and the string/binary value bodies older senders produce.
func bodyOf(msg *amqp.Message) []byte {
	if len(msg.Data) > 0 {
		return msg.GetData()
	}
	switch v := msg.Value.(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return nil
	}
}

func annotationTime(a amqp.Annotations, key string) time.Time {
	for k, v := range a {
		if fmt.Sprint(k) != key {
			continue
		}
		switch t := v.(type) {
		case time.Time:
			return t
		case int64:
			return time.UnixMilli(t)
		}
	}
	return time.Time{}
}

func idString(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
