package transport

import (
	"fmt"
	"maps"
	"strconv"
	"time"
)

// Application property keys carried on the wire.
const (
	KeyFromHerID            = "fromHerId"
	KeyToHerID              = "toHerId"
	KeyApplicationTimestamp = "applicationTimeStamp"
	KeyCpaID                = "cpaId"
	KeyErrorCondition       = "errorCondition"
	KeyErrorDescription     = "errorDescription"
	KeyErrorConditionData   = "errorConditionData"
)

// Message annotations read from Service Bus style brokers.
const (
	AnnotationEnqueuedTime = "x-opt-enqueued-time"
	AnnotationLockedUntil  = "x-opt-locked-until"
)

// Metadata keys used when a transport only carries string metadata.
const (
	MetaMessageID       = "messageId"
	MetaCorrelationID   = "correlationId"
	MetaMessageFunction = "label"
	MetaContentType     = "contentType"
	MetaReplyTo         = "replyTo"
	MetaTo              = "to"
	MetaEnqueuedTime    = "enqueuedTime"
	MetaDeliveryCount   = "deliveryCount"

	MetaDeadLetterReason      = "deadLetterReason"
	MetaDeadLetterDescription = "deadLetterErrorDescription"
)

// TimestampLayout is the wire format of applicationTimeStamp.
const TimestampLayout = time.RFC3339Nano

// ApplicationProperties renders the herlink application properties of msg.
func ApplicationProperties(msg *OutgoingMessage) map[string]any {
	props := make(map[string]any, len(msg.Properties)+4)
	maps.Copy(props, msg.Properties)
	props[KeyFromHerID] = strconv.Itoa(msg.FromHerID)
	props[KeyToHerID] = strconv.Itoa(msg.ToHerID)
	if !msg.ApplicationTimestamp.IsZero() {
		props[KeyApplicationTimestamp] = msg.ApplicationTimestamp.UTC().Format(TimestampLayout)
	}
	if msg.CpaID != "" {
		props[KeyCpaID] = msg.CpaID
	}
	return props
}

// ApplyApplicationProperties fills the herlink fields of h from props.
// Unknown keys are kept in h.Properties.
func ApplyApplicationProperties(h *Header, props map[string]any) {
	if h.Properties == nil {
		h.Properties = make(map[string]any, len(props))
	}
	for k, v := range props {
		switch k {
		case KeyFromHerID:
			h.FromHerID = intValue(v)
		case KeyToHerID:
			h.ToHerID = intValue(v)
		case KeyApplicationTimestamp:
			h.ApplicationTimestamp = timeValue(v)
		case KeyCpaID:
			h.CpaID = stringValue(v)
		default:
			h.Properties[k] = v
		}
	}
}

// EncodeMetadata flattens an outgoing message into string metadata.
func EncodeMetadata(msg *OutgoingMessage) map[string]string {
	md := map[string]string{
		MetaMessageID:       msg.MessageID,
		MetaCorrelationID:   msg.CorrelationID,
		MetaMessageFunction: msg.MessageFunction,
		MetaContentType:     msg.ContentType,
		MetaReplyTo:         msg.ReplyTo,
		MetaTo:              msg.To,
	}
	for k, v := range ApplicationProperties(msg) {
		md[k] = stringValue(v)
	}
	for k, v := range md {
		if v == "" {
			delete(md, k)
		}
	}
	return md
}

// DecodeMetadata is the inverse of EncodeMetadata.
func DecodeMetadata(md map[string]string) Header {
	h := Header{Properties: map[string]any{}}
	props := make(map[string]any, len(md))
	for k, v := range md {
		switch k {
		case MetaMessageID:
			h.MessageID = v
		case MetaCorrelationID:
			h.CorrelationID = v
		case MetaMessageFunction:
			h.MessageFunction = v
		case MetaContentType:
			h.ContentType = v
		case MetaReplyTo:
			h.ReplyTo = v
		case MetaTo:
			h.To = v
		case MetaEnqueuedTime:
			h.EnqueuedTime = timeValue(v)
		case MetaDeliveryCount:
			h.DeliveryCount = intValue(v)
		default:
			props[k] = v
		}
	}
	ApplyApplicationProperties(&h, props)
	return h
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case time.Time:
		return t.UTC().Format(TimestampLayout)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func intValue(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int32:
		return int(t)
	case int64:
		return int(t)
	case uint32:
		return int(t)
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func timeValue(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		ts, err := time.Parse(TimestampLayout, t)
		if err != nil {
			return time.Time{}
		}
		return ts
	default:
		return time.Time{}
	}
}
