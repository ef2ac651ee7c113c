package tlsroots

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// writeKeyPair writes a self-signed certificate for cn and returns its PEM.
func writeKeyPair(t *testing.T, certFile, keyFile, cn string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(30 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if keyFile != "" {
		if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if certFile != "" {
		if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return certPEM
}

func TestPool_AddPEM(t *testing.T) {
	one := writeKeyPair(t, "", "", "a")
	two := append(writeKeyPair(t, "", "", "b"), one...)

	tests := []struct {
		name    string
		data    []byte
		want    int
		wantErr error
	}{
		{"Single", one, 1, nil},
		{"Bundle", two, 2, nil},
		{"KeyOnly", pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: []byte{1}}), 0, ErrNoCertificates},
		{"Garbage", []byte("not pem"), 0, ErrNoCertificates},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewEmptyPool()
			n, err := p.AddPEM(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if n != tt.want || p.Added() != tt.want {
				t.Errorf("added %d (%d), want %d", n, p.Added(), tt.want)
			}
		})
	}

	t.Run("BadDER", func(t *testing.T) {
		bad := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte("junk")})
		if _, err := NewEmptyPool().AddPEM(bad); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestClientConfig(t *testing.T) {
	dir := t.TempDir()
	ca := filepath.Join(dir, "ca.pem")
	writeKeyPair(t, ca, "", "backend-ca")

	cfg, err := ClientConfig(ca, "")
	if err != nil {
		t.Fatalf("ClientConfig() error = %v", err)
	}
	if cfg.RootCAs == nil {
		t.Error("RootCAs not set")
	}

	if _, err := ClientConfig(filepath.Join(dir, "missing.pem")); err == nil {
		t.Error("expected error for missing CA file")
	}
}

func TestKeyPair_Load(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := filepath.Join(dir, "tls.crt"), filepath.Join(dir, "tls.key")
	writeKeyPair(t, certFile, keyFile, "node")

	kp, err := LoadKeyPair(certFile, keyFile)
	if err != nil {
		t.Fatalf("LoadKeyPair() error = %v", err)
	}
	cert, err := kp.ServerConfig().GetCertificate(nil)
	if err != nil || cert == nil {
		t.Fatalf("GetCertificate() = %v, %v", cert, err)
	}
	if kp.NotAfter().Before(time.Now()) {
		t.Errorf("NotAfter = %v", kp.NotAfter())
	}

	if _, err := LoadKeyPair(filepath.Join(dir, "none.crt"), keyFile); err == nil {
		t.Error("expected error for missing certificate")
	}
}

func TestKeyPair_Run(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := filepath.Join(dir, "tls.crt"), filepath.Join(dir, "tls.key")
	writeKeyPair(t, certFile, keyFile, "first")

	kp, err := LoadKeyPair(certFile, keyFile, WithSettle(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	first, _ := kp.GetCertificate(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- kp.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run() error = %v", err)
		}
	}()

	// Let the watcher register before writing.
	time.Sleep(100 * time.Millisecond)
	writeKeyPair(t, certFile, keyFile, "second")

	deadline := time.Now().Add(3 * time.Second)
	for kp.Loads() < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if kp.Loads() < 2 {
		t.Fatal("certificate was not reloaded")
	}
	second, _ := kp.GetCertificate(nil)
	if second == first {
		t.Error("GetCertificate still returns the first certificate")
	}
}

func TestKeyPair_RunKeepsPreviousOnBadWrite(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := filepath.Join(dir, "tls.crt"), filepath.Join(dir, "tls.key")
	writeKeyPair(t, certFile, keyFile, "node")

	kp, err := LoadKeyPair(certFile, keyFile, WithSettle(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- kp.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(certFile, []byte("truncated"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	if cert, _ := kp.GetCertificate(nil); cert == nil {
		t.Error("certificate dropped after failed reload")
	}
	if kp.Loads() != 1 {
		t.Errorf("Loads() = %d, want 1", kp.Loads())
	}
}
