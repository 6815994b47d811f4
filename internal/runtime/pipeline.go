package runtime

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/drblury/herlink/internal/runtime/certs"
	errspkg "github.com/drblury/herlink/internal/runtime/errors"
	"github.com/drblury/herlink/internal/runtime/ids"
	"github.com/drblury/herlink/internal/runtime/logging"
	"github.com/drblury/herlink/internal/runtime/registry"
	"github.com/drblury/herlink/internal/runtime/xmlpayload"
	"github.com/drblury/herlink/transport"
)

// Key usages checked before decrypting a protected payload.
const (
	decryptionKeyUsage = x509.KeyUsageDataEncipherment
	signatureKeyUsage  = x509.KeyUsageContentCommitment
)

// Header field names reported in HeaderValidationError.
const (
	fieldToHerID                = "ToHerId"
	fieldLabel                  = "Label"
	fieldApplicationTimestamp   = "ApplicationTimestamp"
	fieldContentType            = "ContentType"
	errorConditionDataSeparator = ";"
)

func (l *Listener) handle(ctx context.Context, raw transport.RawMessage, msg *IncomingMessage) error {
	if err := validateHeader(msg); err != nil {
		return err
	}
	if err := l.resolveProfile(ctx, msg); err != nil {
		return err
	}
	if err := l.readPayload(ctx, msg); err != nil {
		return err
	}
	return l.deliver(ctx, msg)
}

// validateHeader requires the fields every message must carry. FromHerID is
// optional; without it errors cannot be reported back.
func validateHeader(msg *IncomingMessage) error {
	var missing []string
	if msg.ToHerID <= 0 {
		missing = append(missing, fieldToHerID)
	}
	if msg.MessageFunction == "" {
		missing = append(missing, fieldLabel)
	}
	if msg.ApplicationTimestamp.IsZero() {
		missing = append(missing, fieldApplicationTimestamp)
	}
	if msg.ContentType == "" {
		missing = append(missing, fieldContentType)
	}
	if len(missing) > 0 {
		return &errspkg.HeaderValidationError{Fields: missing}
	}
	return nil
}

func (l *Listener) resolveProfile(ctx context.Context, msg *IncomingMessage) error {
	c := l.client
	if c.Conf.IsExcluded(msg.MessageFunction) {
		msg.Profile = registry.PlaceholderProfile(msg.FromHerID)
		return nil
	}
	// Error messages may echo our own messages encrypted for the counterparty.
	if l.kind == QueueKindError {
		return nil
	}

	if msg.CpaID != "" {
		profile, err := c.collaboration.FindAgreementByID(ctx, msg.CpaID, msg.ToHerID)
		switch {
		case err != nil:
			l.logger.Warn("Agreement lookup by id failed, falling back to counterparty", withError(msg.logFields(), err))
		case profile != nil:
			msg.Profile = profile
			return nil
		}
	}

	profile, err := c.collaboration.FindAgreementForCounterparty(ctx, msg.ToHerID, msg.FromHerID)
	if err != nil {
		return fmt.Errorf("find agreement for counterparty %d: %w", msg.FromHerID, err)
	}
	if profile == nil {
		profile, err = c.collaboration.FindProtocolForCounterparty(ctx, msg.FromHerID)
		if err != nil {
			return fmt.Errorf("find protocol for counterparty %d: %w", msg.FromHerID, err)
		}
	}
	if profile == nil {
		profile = registry.PlaceholderProfile(msg.FromHerID)
	}
	msg.Profile = profile
	return nil
}

func (l *Listener) readPayload(ctx context.Context, msg *IncomingMessage) error {
	if isUnprotected(msg.ContentType) {
		return parsePayload(msg, msg.Body)
	}
	if l.kind == QueueKindError {
		return nil
	}

	c := l.client
	l.checkLocalCertificates(ctx, msg)

	var signer *x509.Certificate
	if msg.Profile != nil {
		signer = msg.Profile.SignatureCertificate
	}
	msg.SignatureErrors = c.validator.Validate(ctx, signer, signatureKeyUsage)
	if msg.SignatureErrors != certs.None {
		l.logger.Error("Remote signature certificate is not valid", nil, withCertificateFlags(msg.logFields(), msg.SignatureErrors))
		return &errspkg.CertificateError{Flags: msg.SignatureErrors, Usage: "NonRepudiation"}
	}

	if c.protection == nil {
		return errspkg.ErrProtectionRequired
	}
	plain, err := c.protection.Unprotect(ctx, bytes.NewReader(msg.Body), signer)
	if err != nil {
		return fmt.Errorf("unprotect message %s: %w", msg.MessageID, err)
	}
	data, err := io.ReadAll(plain)
	if err != nil {
		return fmt.Errorf("read unprotected payload: %w", err)
	}
	msg.Protected = true
	return parsePayload(msg, data)
}

// checkLocalCertificates logs problems with our own decryption certificates.
// They never abort processing; decryption reports the real failure.
func (l *Listener) checkLocalCertificates(ctx context.Context, msg *IncomingMessage) {
	c := l.client
	msg.DecryptionErrors = c.validator.Validate(ctx, c.decryptionCert, decryptionKeyUsage)
	if msg.DecryptionErrors != certs.None {
		l.logger.Error("Local decryption certificate is not valid", nil, withCertificateFlags(msg.logFields(), msg.DecryptionErrors))
	}
	if c.legacyDecryptionCert == nil {
		return
	}
	msg.LegacyDecryptionErrors = c.validator.Validate(ctx, c.legacyDecryptionCert, decryptionKeyUsage)
	if msg.LegacyDecryptionErrors != certs.None {
		l.logger.Warn("Legacy decryption certificate is not valid", withCertificateFlags(msg.logFields(), msg.LegacyDecryptionErrors))
	}
}

func withCertificateFlags(fields logging.LogFields, flags certs.ErrorFlags) logging.LogFields {
	fields["certificate_errors"] = flags.String()
	return fields
}

func parsePayload(msg *IncomingMessage, data []byte) error {
	doc, err := xmlpayload.Parse(data)
	if err != nil {
		return &errspkg.PayloadDeserializationError{Err: err}
	}
	msg.Payload = doc
	return nil
}

// deliver hands msg to the callback for the listener's queue kind. Panics
// are returned as errors wrapping errors.ErrHandlerPanic.
func (l *Listener) deliver(ctx context.Context, msg *IncomingMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errspkg.ErrHandlerPanic, r)
		}
	}()

	hooks := &l.client.hooks
	switch l.kind {
	case QueueKindAsynchronous:
		return hooks.OnAsynchronousMessageReceived(ctx, msg)
	case QueueKindSynchronous:
		reply, err := hooks.OnSynchronousMessageReceived(ctx, msg)
		if err != nil {
			return err
		}
		if reply == nil {
			return errspkg.ErrNilReply
		}
		return l.client.sendReply(ctx, msg, reply)
	case QueueKindSynchronousReply:
		return hooks.OnSynchronousReplyMessageReceived(ctx, msg)
	case QueueKindError:
		fields := msg.logFields()
		fields["error_condition"] = msg.ErrorCondition()
		fields["error_description"] = msg.ErrorDescription()
		l.logger.Warn("Error message received", fields)
		if hooks.OnErrorMessageReceived != nil {
			return hooks.OnErrorMessageReceived(ctx, msg)
		}
		return nil
	default:
		return fmt.Errorf("unknown queue kind %d", l.kind)
	}
}

// fail settles a message whose processing returned err. Reportable errors
// are reported to the sender and the message is dead-lettered. Any other
// error leaves the message locked until the lock watcher releases it.
func (l *Listener) fail(ctx context.Context, raw transport.RawMessage, msg *IncomingMessage, startedAt time.Time, err error) {
	c := l.client
	elapsed := c.clock.Now().Sub(startedAt)

	rep, ok := errspkg.AsReportable(err)
	if !ok {
		l.logger.Error("Unknown error while processing message", err, msg.logFields())
		c.watcher.ReleaseAfter(raw, msg)
		l.stats.onUnhandled(c.clock.Now(), elapsed, err)
		c.metrics.recordUnhandled(l.kind, elapsed)
		c.hooks.unhandledException(ctx, msg, err)
		return
	}

	fields := msg.logFields()
	fields["error_condition"] = rep.ErrorCondition()
	l.logger.Warn("Rejecting message: "+rep.Description(), withError(fields, err))

	if l.kind != QueueKindError {
		l.report(ctx, msg, rep)
	}
	if dlErr := c.executor.Run(ctx, "dead-letter "+l.queue, func(ctx context.Context) error {
		return raw.DeadLetter(ctx, rep.ErrorCondition(), rep.Description())
	}); dlErr != nil {
		l.logger.Error("Failed to dead-letter message", dlErr, msg.logFields())
	}

	l.stats.onReported(c.clock.Now(), elapsed, err)
	c.metrics.recordReported(l.kind, rep.ErrorCondition(), elapsed)
	c.hooks.handledException(ctx, msg, err)
}

// report sends rep to the error queue of the message's sender.
func (l *Listener) report(ctx context.Context, msg *IncomingMessage, rep errspkg.Reportable) {
	c := l.client
	fields := msg.logFields()
	fields["error_condition"] = rep.ErrorCondition()

	if msg.FromHerID <= 0 || c.addresses == nil {
		l.logger.Warn("Cannot report error, sender unknown", fields)
		return
	}
	party, err := c.addresses.FindCommunicationParty(ctx, msg.FromHerID)
	if err != nil || party == nil || party.ErrorQueueName == "" {
		if err == nil {
			err = fmt.Errorf("no error queue registered for %d", msg.FromHerID)
		}
		l.logger.Error("Cannot report error, error queue unknown", err, fields)
		return
	}

	props := map[string]any{
		transport.KeyErrorCondition:   rep.ErrorCondition(),
		transport.KeyErrorDescription: rep.Description(),
	}
	if details := rep.Details(); len(details) > 0 {
		props[transport.KeyErrorConditionData] = strings.Join(details, errorConditionDataSeparator)
	}
	out := &transport.OutgoingMessage{
		MessageID:       ids.CreateULIDAt(c.clock.Now()),
		CorrelationID:   msg.MessageID,
		MessageFunction: msg.MessageFunction,
		FromHerID:       msg.ToHerID,
		ToHerID:         msg.FromHerID,
		ContentType:     msg.ContentType,
		CpaID:           msg.CpaID,
		Properties:      props,
		Body:            msg.Body,
	}
	if err := c.Send(ctx, party.ErrorQueueName, out); err != nil {
		l.logger.Error("Failed to report error to sender", err, fields)
		return
	}
	l.logger.Info("Reported error to sender", logging.LogFields{
		"error_queue":     party.ErrorQueueName,
		"error_condition": rep.ErrorCondition(),
		"message_id":      msg.MessageID,
	})
}
