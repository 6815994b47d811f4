package errors

import (
	sterrors "errors"
	"fmt"
	"strconv"

	"github.com/drblury/herlink/internal/runtime/certs"
)

// Wire error conditions sent to a counterparty's error queue.
const (
	ConditionInvalidFieldValue     = "transport:invalid-field-value"
	ConditionNotWellFormedXML      = "transport:not-well-formed-xml"
	ConditionUnsupportedMessage    = "transport:unsupported-message"
	ConditionInternalError         = "transport:internal-error"
	ConditionInvalidCertificate    = "transport:invalid-certificate"
	ConditionExpiredCertificate    = "transport:expired-certificate"
	ConditionRevokedCertificate    = "transport:revoked-certificate"
	ConditionSpoofingAttack        = "abuse:spoofing-attack"
	DescriptionMissingFields       = "One or more fields are missing"
	DescriptionPayloadDeserializer = "Unable to deserialize payload"
)

// Reportable is implemented by protocol errors that are sent back to the
// sender of the offending message.
type Reportable interface {
	error
	ErrorCondition() string
	Description() string
	Details() []string
}

// AsReportable returns the first Reportable in err's chain.
func AsReportable(err error) (Reportable, bool) {
	var r Reportable
	if sterrors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// HeaderValidationError lists header fields that are missing or invalid.
type HeaderValidationError struct {
	Fields []string
}

func (e *HeaderValidationError) Error() string {
	return fmt.Sprintf("herlink: invalid message header: missing %v", e.Fields)
}
func (e *HeaderValidationError) ErrorCondition() string { return ConditionInvalidFieldValue }
func (e *HeaderValidationError) Description() string    { return DescriptionMissingFields }
func (e *HeaderValidationError) Details() []string      { return e.Fields }

// XMLSchemaValidationError is raised when a payload does not match its schema.
type XMLSchemaValidationError struct {
	Message string
	Errors  []string
}

func (e *XMLSchemaValidationError) Error() string {
	return "herlink: xml schema validation failed: " + e.Message
}
func (e *XMLSchemaValidationError) ErrorCondition() string { return ConditionNotWellFormedXML }
func (e *XMLSchemaValidationError) Description() string    { return e.Message }
func (e *XMLSchemaValidationError) Details() []string      { return e.Errors }

// PayloadDeserializationError is raised when a payload cannot be parsed,
// neither as XML nor through the legacy string path.
type PayloadDeserializationError struct {
	Err error
}

func (e *PayloadDeserializationError) Error() string {
	return "herlink: payload deserialization failed: " + e.Err.Error()
}
func (e *PayloadDeserializationError) Unwrap() error           { return e.Err }
func (e *PayloadDeserializationError) ErrorCondition() string { return ConditionNotWellFormedXML }
func (e *PayloadDeserializationError) Description() string    { return DescriptionPayloadDeserializer }
func (e *PayloadDeserializationError) Details() []string      { return nil }

// ReceivedDataMismatchError signals that a payload value disagrees with
// what the receiver expected, for example a patient id.
type ReceivedDataMismatchError struct {
	Message  string
	Field    string
	Expected string
	Received string
}

func (e *ReceivedDataMismatchError) Error() string {
	return fmt.Sprintf("herlink: %s (expected %q, received %q)", e.Message, e.Expected, e.Received)
}
func (e *ReceivedDataMismatchError) ErrorCondition() string { return ConditionInvalidFieldValue }
func (e *ReceivedDataMismatchError) Description() string    { return e.Message }
func (e *ReceivedDataMismatchError) Details() []string {
	return []string{e.Field, e.Expected, e.Received}
}

// UnsupportedMessageError is returned by a handler that does not accept a
// message function.
type UnsupportedMessageError struct {
	MessageFunction string
}

func (e *UnsupportedMessageError) Error() string {
	return "herlink: unsupported message function " + strconv.Quote(e.MessageFunction)
}
func (e *UnsupportedMessageError) ErrorCondition() string { return ConditionUnsupportedMessage }
func (e *UnsupportedMessageError) Description() string {
	return "Unsupported message: " + e.MessageFunction
}
func (e *UnsupportedMessageError) Details() []string { return nil }

// SenderHerIDMismatchError is raised when the sender in the header does not
// match the sender named inside the payload.
type SenderHerIDMismatchError struct {
	Header  int
	Payload int
}

func (e *SenderHerIDMismatchError) Error() string {
	return fmt.Sprintf("herlink: sender HerId mismatch: header %d, payload %d", e.Header, e.Payload)
}
func (e *SenderHerIDMismatchError) ErrorCondition() string { return ConditionSpoofingAttack }
func (e *SenderHerIDMismatchError) Description() string {
	return "Sender HerId in header does not match the message content"
}
func (e *SenderHerIDMismatchError) Details() []string {
	return []string{strconv.Itoa(e.Header), strconv.Itoa(e.Payload)}
}

// NotifySenderError lets an application report an arbitrary condition back
// to the sender. An empty Condition reports transport:internal-error.
type NotifySenderError struct {
	Condition      string
	Message        string
	AdditionalData []string
}

func (e *NotifySenderError) Error() string { return "herlink: " + e.Message }
func (e *NotifySenderError) ErrorCondition() string {
	if e.Condition == "" {
		return ConditionInternalError
	}
	return e.Condition
}
func (e *NotifySenderError) Description() string { return e.Message }
func (e *NotifySenderError) Details() []string   { return e.AdditionalData }

// CertificateError reports a problem with a counterparty certificate.
type CertificateError struct {
	Flags certs.ErrorFlags
	Usage string
}

func (e *CertificateError) Error() string {
	return fmt.Sprintf("herlink: certificate error (%s): %s", e.Flags, e.Description())
}

func (e *CertificateError) ErrorCondition() string {
	if e.Flags.Multiple() {
		return ConditionInvalidCertificate
	}
	switch e.Flags {
	case certs.StartDate, certs.EndDate:
		return ConditionExpiredCertificate
	case certs.Revoked, certs.RevokedUnknown:
		return ConditionRevokedCertificate
	default:
		return ConditionInvalidCertificate
	}
}

func (e *CertificateError) Description() string {
	if e.Flags.Multiple() {
		return "More than one error with certificate"
	}
	switch e.Flags {
	case certs.StartDate:
		return "Invalid start date"
	case certs.EndDate:
		return "Invalid end date"
	case certs.Usage:
		return "Invalid usage"
	case certs.Revoked:
		return "Certificate has been revoked"
	case certs.RevokedUnknown:
		return "Unable to determine revocation status"
	case certs.Missing:
		return "Certificate is missing"
	default:
		return "Invalid certificate"
	}
}

func (e *CertificateError) Details() []string {
	if e.Usage == "" {
		return nil
	}
	return []string{e.Usage}
}
