package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRunServesUntilCancelled(t *testing.T) {
	srv, err := New(newTestHandler(t), Config{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bound := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx, func(addr net.Addr) { bound <- addr })
	}()

	var addr net.Addr
	select {
	case addr = <-bound:
	case <-time.After(time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + addr.String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServeWithTLS(t *testing.T) {
	certFile, keyFile := writeSelfSignedCert(t)
	httpServer := &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bound := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, httpServer, TLSConfig{CertFile: certFile, KeyFile: keyFile}, time.Second, func(net.Addr) { close(bound) })
	}()

	select {
	case <-bound:
	case <-time.After(time.Second):
		t.Fatal("server did not start")
	}
	if httpServer.TLSConfig == nil || len(httpServer.TLSConfig.Certificates) != 1 {
		t.Fatal("certificate not installed")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServeReportsBindFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	httpServer := &http.Server{Addr: listener.Addr().String(), Handler: http.NewServeMux()}
	called := false
	err = serve(context.Background(), httpServer, TLSConfig{}, time.Second, func(net.Addr) { called = true })
	if err == nil {
		t.Fatal("expected bind error")
	}
	if called {
		t.Fatal("onListen called for a failed bind")
	}
}

func TestServeRejectsHalfTLSConfig(t *testing.T) {
	httpServer := &http.Server{Addr: "127.0.0.1:0"}
	if err := serve(context.Background(), httpServer, TLSConfig{CertFile: "cert.pem"}, time.Second, nil); err == nil {
		t.Fatal("expected error for cert without key")
	}
}

func writeSelfSignedCert(t *testing.T) (string, string) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}
