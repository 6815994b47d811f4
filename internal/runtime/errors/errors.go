package errors

import sterrors "errors"

var (
	ErrConfigRequired     = sterrors.New("herlink: configuration is required")
	ErrLoggerRequired     = sterrors.New("herlink: logger is required")
	ErrTransportRequired  = sterrors.New("herlink: transport is required")
	ErrQueueRequired      = sterrors.New("herlink: queue name is required")
	ErrHerIDRequired      = sterrors.New("herlink: own HerId is required")
	ErrRegistryRequired   = sterrors.New("herlink: collaboration registry is required")
	ErrHandlerRequired    = sterrors.New("herlink: message handler is required")
	ErrProtectionRequired = sterrors.New("herlink: message protection is required for protected content")
	ErrPoolClosed         = sterrors.New("herlink: entity pool is shut down")
	ErrNilReply           = sterrors.New("herlink: synchronous handler returned no reply")
	ErrNoReplyAddress     = sterrors.New("herlink: no reply address for synchronous message")
	ErrHandlerPanic       = sterrors.New("herlink: message handler panicked")
	ErrClientStarted      = sterrors.New("herlink: client already started")
)

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "herlink: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
