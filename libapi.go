package herlink

import (
	runtimepkg "github.com/drblury/herlink/internal/runtime"
	"github.com/drblury/herlink/internal/runtime/certs"
	configpkg "github.com/drblury/herlink/internal/runtime/config"
	errspkg "github.com/drblury/herlink/internal/runtime/errors"
	"github.com/drblury/herlink/internal/runtime/faults"
	idspkg "github.com/drblury/herlink/internal/runtime/ids"
	jsoncodec "github.com/drblury/herlink/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/herlink/internal/runtime/logging"
	"github.com/drblury/herlink/internal/runtime/pool"
	"github.com/drblury/herlink/internal/runtime/registry"
	"github.com/drblury/herlink/internal/runtime/retry"
	"github.com/drblury/herlink/internal/runtime/xmlpayload"
	"github.com/drblury/herlink/transport"
)

type (
	Config         = configpkg.Config
	AMQPConfig     = configpkg.AMQPConfig
	KafkaConfig    = configpkg.KafkaConfig
	AWSConfig      = configpkg.AWSConfig
	QueueNames     = configpkg.QueueNames
	ListenerConfig = configpkg.ListenerConfig
	RetryConfig    = configpkg.RetryConfig
	PoolConfig     = configpkg.PoolConfig

	Client          = runtimepkg.Client
	Dependencies    = runtimepkg.Dependencies
	Hooks           = runtimepkg.Hooks
	IncomingMessage = runtimepkg.IncomingMessage
	QueueKind       = runtimepkg.QueueKind
	ListenerInfo    = runtimepkg.ListenerInfo
	StatusInfo      = runtimepkg.StatusInfo
	PoolSnapshot    = pool.Snapshot
	RetryPolicy     = retry.Policy

	OutgoingMessage  = transport.OutgoingMessage
	LinkFactory      = transport.LinkFactory
	TransportBuilder = transport.Builder

	Profile               = registry.Profile
	CommunicationParty    = registry.CommunicationParty
	CollaborationRegistry = registry.CollaborationRegistry
	AddressRegistry       = registry.AddressRegistry
	MessageProtection     = registry.MessageProtection

	CertificateValidator  = certs.Validator
	CertificateErrorFlags = certs.ErrorFlags
	CertificateRevocation = certs.RevocationChecker
	OCSPChecker           = certs.OCSPChecker
	X509Validator         = certs.X509Validator
	ReportableError       = errspkg.Reportable
	ConfigValidationError = errspkg.ConfigValidationError
	HeaderValidationError = errspkg.HeaderValidationError
	XMLSchemaError        = errspkg.XMLSchemaValidationError
	PayloadError          = errspkg.PayloadDeserializationError
	ReceivedDataError     = errspkg.ReceivedDataMismatchError
	UnsupportedMessage    = errspkg.UnsupportedMessageError
	SenderHerIDMismatch   = errspkg.SenderHerIDMismatchError
	NotifySenderError     = errspkg.NotifySenderError
	CertificateError      = errspkg.CertificateError
	FaultKind             = faults.Kind
	ClassifiedError       = faults.ClassifiedError

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]
)

const (
	QueueKindAsynchronous     = runtimepkg.QueueKindAsynchronous
	QueueKindSynchronous      = runtimepkg.QueueKindSynchronous
	QueueKindSynchronousReply = runtimepkg.QueueKindSynchronousReply
	QueueKindError            = runtimepkg.QueueKindError

	ConditionInvalidFieldValue  = errspkg.ConditionInvalidFieldValue
	ConditionNotWellFormedXML   = errspkg.ConditionNotWellFormedXML
	ConditionUnsupportedMessage = errspkg.ConditionUnsupportedMessage
	ConditionInternalError      = errspkg.ConditionInternalError
	ConditionInvalidCertificate = errspkg.ConditionInvalidCertificate
	ConditionExpiredCertificate = errspkg.ConditionExpiredCertificate
	ConditionRevokedCertificate = errspkg.ConditionRevokedCertificate
	ConditionSpoofingAttack     = errspkg.ConditionSpoofingAttack
)

var (
	NewClient    = runtimepkg.NewClient
	LoggingHooks = runtimepkg.LoggingHooks

	LoadConfig     = configpkg.Load
	ParseConfig    = configpkg.Parse
	ValidateConfig = configpkg.ValidateConfig

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NopLogger                 = loggingpkg.Nop

	NewX509Validator = certs.NewX509Validator
	NewOCSPChecker   = certs.NewOCSPChecker
	AsReportable     = errspkg.AsReportable
	FaultKindOf      = faults.KindOf
	IsRetryable      = faults.IsRetryable
	DefaultRetry     = retry.DefaultPolicy

	PlaceholderProfile = registry.PlaceholderProfile

	ParsePayload     = xmlpayload.Parse
	SerializePayload = xmlpayload.Serialize

	CreateULID    = idspkg.CreateULID
	CreateULIDAt  = idspkg.CreateULIDAt
	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	RegisterTransport = transport.Register
	BuildTransport    = transport.Build
	TransportNames    = transport.Names

	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrTransportRequired  = errspkg.ErrTransportRequired
	ErrQueueRequired      = errspkg.ErrQueueRequired
	ErrHerIDRequired      = errspkg.ErrHerIDRequired
	ErrRegistryRequired   = errspkg.ErrRegistryRequired
	ErrHandlerRequired    = errspkg.ErrHandlerRequired
	ErrProtectionRequired = errspkg.ErrProtectionRequired
	ErrPoolClosed         = errspkg.ErrPoolClosed
	ErrNilReply           = errspkg.ErrNilReply
	ErrNoReplyAddress     = errspkg.ErrNoReplyAddress
	ErrHandlerPanic       = errspkg.ErrHandlerPanic
	ErrClientStarted      = errspkg.ErrClientStarted
)

// NewEntryServiceLogger adapts a logrus-style entry logger.
func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
