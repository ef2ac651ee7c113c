// Package tlsroots loads trust roots for outbound TLS and keeps the
// Storage API serving certificate current when its files are replaced.
package tlsroots

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// ErrNoCertificates is returned for PEM input without a CERTIFICATE block.
var ErrNoCertificates = errors.New("tlsroots: no certificates in PEM data")

// Pool is a set of trusted roots.
type Pool struct {
	pool  *x509.CertPool
	added int
}

// NewPool starts from the system roots, or from an empty pool on
// platforms that do not expose them.
func NewPool() *Pool {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	return &Pool{pool: pool}
}

// NewEmptyPool starts without system roots.
func NewEmptyPool() *Pool {
	return &Pool{pool: x509.NewCertPool()}
}

// AddPEM adds every certificate in data and returns how many were added.
func (p *Pool) AddPEM(data []byte) (int, error) {
	n := 0
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return n, fmt.Errorf("tlsroots: parse certificate: %w", err)
		}
		p.pool.AddCert(cert)
		n++
	}
	if n == 0 {
		return 0, ErrNoCertificates
	}
	p.added += n
	return n, nil
}

// AddFile adds the certificates of a PEM file.
func (p *Pool) AddFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("tlsroots: %w", err)
	}
	if _, err := p.AddPEM(data); err != nil {
		return fmt.Errorf("%w (%s)", err, path)
	}
	return nil
}

// Added reports how many certificates were added on top of the base pool.
func (p *Pool) Added() int { return p.added }

// CertPool returns the underlying pool.
func (p *Pool) CertPool() *x509.CertPool { return p.pool }

// ClientConfig returns a client TLS config trusting this pool.
func (p *Pool) ClientConfig() *tls.Config {
	return &tls.Config{RootCAs: p.pool, MinVersion: tls.VersionTLS12}
}

// ClientConfig builds a client TLS config that trusts the system roots
// plus the CA files given.
func ClientConfig(caFiles ...string) (*tls.Config, error) {
	p := NewPool()
	for _, f := range caFiles {
		if f == "" {
			continue
		}
		if err := p.AddFile(f); err != nil {
			return nil, err
		}
	}
	return p.ClientConfig(), nil
}
