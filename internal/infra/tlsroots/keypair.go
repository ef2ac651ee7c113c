package tlsroots

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long a KeyPair waits after the last file event
// before reloading. Certificate renewals usually rewrite both files.
const DefaultSettle = 300 * time.Millisecond

// KeyPair serves a certificate loaded from disk and reloads it when the
// files change. A failed reload keeps the previous certificate.
type KeyPair struct {
	certFile string
	keyFile  string
	settle   time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	cert     *tls.Certificate
	notAfter time.Time
	reloads  int
}

// KeyPairOption configures a KeyPair.
type KeyPairOption func(*KeyPair)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) KeyPairOption {
	return func(k *KeyPair) { k.logger = l }
}

// WithSettle sets the reload delay.
func WithSettle(d time.Duration) KeyPairOption {
	return func(k *KeyPair) { k.settle = d }
}

// LoadKeyPair loads certFile and keyFile.
func LoadKeyPair(certFile, keyFile string, opts ...KeyPairOption) (*KeyPair, error) {
	k := &KeyPair{
		certFile: certFile,
		keyFile:  keyFile,
		settle:   DefaultSettle,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(k)
	}
	if err := k.load(); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *KeyPair) load() error {
	cert, err := tls.LoadX509KeyPair(k.certFile, k.keyFile)
	if err != nil {
		return fmt.Errorf("tlsroots: load key pair: %w", err)
	}
	leaf := cert.Leaf
	if leaf == nil {
		if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return fmt.Errorf("tlsroots: parse leaf: %w", err)
		}
	}
	k.mu.Lock()
	k.cert = &cert
	k.notAfter = leaf.NotAfter
	k.reloads++
	k.mu.Unlock()
	if time.Until(leaf.NotAfter) < 7*24*time.Hour {
		k.logger.Warn("certificate expires soon", "cert_file", k.certFile, "not_after", leaf.NotAfter)
	}
	return nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (k *KeyPair) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.cert, nil
}

// NotAfter returns the expiry of the current certificate.
func (k *KeyPair) NotAfter() time.Time {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.notAfter
}

// Loads counts successful loads, the initial one included.
func (k *KeyPair) Loads() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.reloads
}

// ServerConfig returns a server TLS config backed by this key pair.
func (k *KeyPair) ServerConfig() *tls.Config {
	return &tls.Config{GetCertificate: k.GetCertificate, MinVersion: tls.VersionTLS12}
}

// Run watches the certificate and key directories until ctx is done.
// Directories are watched rather than files so that rename-based
// replacement is seen.
func (k *KeyPair) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tlsroots: create watcher: %w", err)
	}
	defer w.Close()

	certPath, _ := filepath.Abs(k.certFile)
	keyPath, _ := filepath.Abs(k.keyFile)
	for _, dir := range uniqueDirs(certPath, keyPath) {
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("tlsroots: watch %s: %w", dir, err)
		}
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name, _ := filepath.Abs(ev.Name)
			if name != certPath && name != keyPath {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(k.settle)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			k.logger.Warn("certificate watch error", "error", err)
		case <-timer.C:
			if err := k.load(); err != nil {
				k.logger.Error("certificate reload failed, keeping previous", "cert_file", k.certFile, "error", err)
				continue
			}
			k.logger.Info("certificate reloaded", "cert_file", k.certFile, "not_after", k.NotAfter())
		}
	}
}

func uniqueDirs(paths ...string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range paths {
		d := filepath.Dir(p)
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}
