package certs

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/drblury/herlink/internal/runtime/clock"
)

var (
	ErrNoOCSPServer = errors.New("certs: certificate has no OCSP server")
	ErrNoIssuer     = errors.New("certs: issuer certificate not found")
)

// OCSPChecker implements RevocationChecker against the OCSP responder named
// in the certificate. Responses are cached per serial number until their
// NextUpdate (or CacheTTL when the responder does not set one).
type OCSPChecker struct {
	Issuers    []*x509.Certificate
	HTTPClient *http.Client
	CacheTTL   time.Duration
	Clock      clock.Clock

	mu    sync.Mutex
	cache map[string]cachedStatus
}

type cachedStatus struct {
	status  RevocationStatus
	expires time.Time
}

// NewOCSPChecker returns a checker trusting the given issuers.
func NewOCSPChecker(issuers ...*x509.Certificate) *OCSPChecker {
	return &OCSPChecker{
		Issuers:    issuers,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		CacheTTL:   time.Hour,
	}
}

func (c *OCSPChecker) CheckRevocation(ctx context.Context, cert *x509.Certificate) (RevocationStatus, error) {
	if cert == nil {
		return StatusUnknown, errors.New("certs: certificate is nil")
	}
	now := clock.OrReal(c.Clock).Now()
	key := cert.SerialNumber.String()

	c.mu.Lock()
	if cached, ok := c.cache[key]; ok && now.Before(cached.expires) {
		c.mu.Unlock()
		return cached.status, nil
	}
	c.mu.Unlock()

	if len(cert.OCSPServer) == 0 {
		return StatusUnknown, ErrNoOCSPServer
	}
	issuer := c.findIssuer(cert)
	if issuer == nil {
		return StatusUnknown, ErrNoIssuer
	}

	req, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return StatusUnknown, fmt.Errorf("certs: create ocsp request: %w", err)
	}
	raw, err := c.post(ctx, cert.OCSPServer[0], req)
	if err != nil {
		return StatusUnknown, err
	}
	resp, err := ocsp.ParseResponseForCert(raw, cert, issuer)
	if err != nil {
		return StatusUnknown, fmt.Errorf("certs: parse ocsp response: %w", err)
	}

	status := StatusUnknown
	switch resp.Status {
	case ocsp.Good:
		status = StatusGood
	case ocsp.Revoked:
		status = StatusRevoked
	}

	expires := now.Add(c.CacheTTL)
	if !resp.NextUpdate.IsZero() {
		expires = resp.NextUpdate
	}
	c.mu.Lock()
	if c.cache == nil {
		c.cache = make(map[string]cachedStatus)
	}
	c.cache[key] = cachedStatus{status: status, expires: expires}
	c.mu.Unlock()

	return status, nil
}

func (c *OCSPChecker) findIssuer(cert *x509.Certificate) *x509.Certificate {
	for _, issuer := range c.Issuers {
		if len(cert.AuthorityKeyId) > 0 && bytes.Equal(cert.AuthorityKeyId, issuer.SubjectKeyId) {
			return issuer
		}
		if cert.CheckSignatureFrom(issuer) == nil {
			return issuer
		}
	}
	return nil
}

func (c *OCSPChecker) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("Accept", "application/ocsp-response")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("certs: ocsp request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("certs: ocsp responder returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
