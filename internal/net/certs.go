package net

import (
	"crypto/x509"
	"fmt"
	"os"

	"github.com/kabukky/httpscerts"
)

// CertManager holds the certificates a node trusts when it dials peers over
// TLS. It starts from the system pool so peers with public certificates work
// without extra setup.
type CertManager struct {
	pool *x509.CertPool
}

// NewCertManager returns a cert manager filled with the trusted certificates
// of the running system.
func NewCertManager() *CertManager {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	return &CertManager{pool}
}

// Pool returns the pool of trusted certificates.
func (p *CertManager) Pool() *x509.CertPool {
	return p.pool
}

// Add appends the PEM certificate at certPath to the pool.
func (p *CertManager) Add(certPath string) error {
	b, err := os.ReadFile(certPath)
	if err != nil {
		return err
	}
	if !p.pool.AppendCertsFromPEM(b) {
		return fmt.Errorf("peer cert: failed to append certificate %s", certPath)
	}
	return nil
}

// EnsureSelfSigned writes a self-signed certificate for host at certPath and
// keyPath unless a valid pair is already there.
func EnsureSelfSigned(certPath, keyPath, host string) error {
	if httpscerts.Check(certPath, keyPath) == nil {
		return nil
	}
	return httpscerts.Generate(certPath, keyPath, host)
}
