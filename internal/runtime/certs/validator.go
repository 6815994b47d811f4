package certs

import (
	"context"
	"crypto/x509"

	"github.com/drblury/herlink/internal/runtime/clock"
)

// Validator checks a certificate for the given key usage.
type Validator interface {
	Validate(ctx context.Context, cert *x509.Certificate, usage x509.KeyUsage) ErrorFlags
}

// RevocationStatus is the outcome of a revocation lookup.
type RevocationStatus int

const (
	StatusGood RevocationStatus = iota
	StatusRevoked
	StatusUnknown
)

// RevocationChecker looks up whether a certificate has been revoked.
type RevocationChecker interface {
	CheckRevocation(ctx context.Context, cert *x509.Certificate) (RevocationStatus, error)
}

// X509Validator checks validity dates, key usage and, when a
// RevocationChecker is configured, revocation status.
type X509Validator struct {
	Clock      clock.Clock
	Revocation RevocationChecker
}

// NewX509Validator returns a validator using the real clock.
func NewX509Validator(revocation RevocationChecker) *X509Validator {
	return &X509Validator{Clock: clock.Real(), Revocation: revocation}
}

func (v *X509Validator) Validate(ctx context.Context, cert *x509.Certificate, usage x509.KeyUsage) ErrorFlags {
	if cert == nil {
		return Missing
	}

	flags := None
	now := clock.OrReal(v.Clock).Now()
	if now.Before(cert.NotBefore) {
		flags |= StartDate
	}
	if now.After(cert.NotAfter) {
		flags |= EndDate
	}
	if usage != 0 && cert.KeyUsage&usage != usage {
		flags |= Usage
	}

	if v.Revocation != nil {
		status, err := v.Revocation.CheckRevocation(ctx, cert)
		switch {
		case err != nil, status == StatusUnknown:
			flags |= RevokedUnknown
		case status == StatusRevoked:
			flags |= Revoked
		}
	}
	return flags
}
