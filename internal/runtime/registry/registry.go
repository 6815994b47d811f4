// Package registry declares the collaborators the client consumes but does
// not implement: counterparty profile lookups, address lookups and message
// protection.
package registry

import (
	"context"
	"crypto/x509"
	"io"
)

// Profile describes what a counterparty supports and which certificates it
// uses. It is resolved from a collaboration agreement (CPA) or, when no
// agreement exists, from the counterparty's protocol profile.
type Profile struct {
	CpaID                 string
	HerID                 int
	Name                  string
	SignatureCertificate  *x509.Certificate
	EncryptionCertificate *x509.Certificate
	// Placeholder is set on profiles synthesized without a registry lookup.
	Placeholder bool
}

// DummyProfileName names profiles synthesized for counterparties the
// registry does not know.
const DummyProfileName = "DummyCollaborationProtocolProfile"

// PlaceholderProfile returns a profile for herID with no certificates.
func PlaceholderProfile(herID int) *Profile {
	return &Profile{HerID: herID, Name: DummyProfileName, Placeholder: true}
}

// CollaborationRegistry resolves counterparty profiles. A nil profile with
// a nil error means nothing was found.
type CollaborationRegistry interface {
	FindAgreementByID(ctx context.Context, id string, recipientHerID int) (*Profile, error)
	FindAgreementForCounterparty(ctx context.Context, recipientHerID, counterpartyHerID int) (*Profile, error)
	FindProtocolForCounterparty(ctx context.Context, counterpartyHerID int) (*Profile, error)
}

// CommunicationParty holds the queue addresses of a counterparty.
type CommunicationParty struct {
	HerID                     int
	Name                      string
	AsynchronousQueueName     string
	SynchronousQueueName      string
	SynchronousReplyQueueName string
	ErrorQueueName            string
}

// AddressRegistry resolves counterparty queue addresses.
type AddressRegistry interface {
	FindCommunicationParty(ctx context.Context, herID int) (*CommunicationParty, error)
}

// MessageProtection signs and encrypts outgoing payloads and decrypts and
// verifies incoming ones.
type MessageProtection interface {
	// ContentType is the content type stamped on protected messages.
	ContentType() string
	Protect(ctx context.Context, data io.Reader, encryptionCert *x509.Certificate) (io.Reader, error)
	Unprotect(ctx context.Context, data io.Reader, signingCert *x509.Certificate) (io.Reader, error)
}
