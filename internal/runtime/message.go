package runtime

import (
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/drblury/herlink/internal/runtime/certs"
	"github.com/drblury/herlink/internal/runtime/logging"
	"github.com/drblury/herlink/internal/runtime/registry"
	"github.com/drblury/herlink/transport"
)

// QueueKind identifies which of the four node queues a listener serves.
type QueueKind int

const (
	QueueKindAsynchronous QueueKind = iota
	QueueKindSynchronous
	QueueKindSynchronousReply
	QueueKindError
)

var queueKindNames = []string{"asynchronous", "synchronous", "synchronous_reply", "error"}

func (k QueueKind) String() string {
	if int(k) < len(queueKindNames) && k >= 0 {
		return queueKindNames[k]
	}
	return "unknown"
}

// Content types carried by unprotected messages. Every other content type is
// treated as signed and encrypted.
const (
	ContentTypeText = "text/plain"
	ContentTypeSoap = "application/soap+xml"
)

func isUnprotected(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	switch strings.ToLower(strings.TrimSpace(mediaType)) {
	case ContentTypeText, ContentTypeSoap:
		return true
	default:
		return false
	}
}

// IncomingMessage is the per-receive view of a message handed to hooks and
// handlers. It is built from the transport header before any validation, so
// fields may be empty when the header was incomplete.
type IncomingMessage struct {
	QueueKind QueueKind
	Queue     string

	MessageID            string
	CorrelationID        string
	MessageFunction      string
	FromHerID            int
	ToHerID              int
	ContentType          string
	CpaID                string
	ReplyTo              string
	ApplicationTimestamp time.Time
	EnqueuedTime         time.Time
	LockedUntil          time.Time
	DeliveryCount        int
	Properties           map[string]any

	// Body is the payload as received, before any decryption.
	Body []byte
	// Payload is the parsed document. It stays nil for protected messages on
	// the error queue, which are never decrypted.
	Payload *etree.Document
	// Protected reports whether the payload was decrypted and verified.
	Protected bool
	Profile   *registry.Profile

	DecryptionErrors       certs.ErrorFlags
	LegacyDecryptionErrors certs.ErrorFlags
	SignatureErrors        certs.ErrorFlags
}

func newIncomingMessage(kind QueueKind, queue string, h transport.Header, body []byte) *IncomingMessage {
	return &IncomingMessage{
		QueueKind:            kind,
		Queue:                queue,
		MessageID:            h.MessageID,
		CorrelationID:        h.CorrelationID,
		MessageFunction:      h.MessageFunction,
		FromHerID:            h.FromHerID,
		ToHerID:              h.ToHerID,
		ContentType:          h.ContentType,
		CpaID:                h.CpaID,
		ReplyTo:              h.ReplyTo,
		ApplicationTimestamp: h.ApplicationTimestamp,
		EnqueuedTime:         h.EnqueuedTime,
		LockedUntil:          h.LockedUntil,
		DeliveryCount:        h.DeliveryCount,
		Properties:           h.Properties,
		Body:                 body,
	}
}

// ErrorCondition returns the condition of a message received on the error queue.
func (m *IncomingMessage) ErrorCondition() string {
	return m.property(transport.KeyErrorCondition)
}

// ErrorDescription returns the description of a message received on the error queue.
func (m *IncomingMessage) ErrorDescription() string {
	return m.property(transport.KeyErrorDescription)
}

func (m *IncomingMessage) property(key string) string {
	v, ok := m.Properties[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (m *IncomingMessage) logFields() logging.LogFields {
	return logging.LogFields{
		"queue":            m.Queue,
		"queue_kind":       m.QueueKind.String(),
		"message_id":       m.MessageID,
		"message_function": m.MessageFunction,
		"from_her_id":      m.FromHerID,
		"to_her_id":        m.ToHerID,
		"delivery_count":   m.DeliveryCount,
	}
}
