package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

const defaultShutdownTimeout = 10 * time.Second

// serve binds httpServer's address, reports the bound address through
// onListen and serves until ctx is cancelled. Shutdown drains in-flight
// requests for at most timeout; completion callbacks may still be waiting
// on a video send at that point.
func serve(ctx context.Context, httpServer *http.Server, certs TLSConfig, timeout time.Duration, onListen func(net.Addr)) error {
	if httpServer == nil {
		return fmt.Errorf("http server is required")
	}
	if (certs.CertFile == "") != (certs.KeyFile == "") {
		return fmt.Errorf("both TLS cert file and key file must be provided")
	}
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}

	ln, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", httpServer.Addr, err)
	}

	if certs.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(certs.CertFile, certs.KeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("load TLS key pair: %w", err)
		}
		tlsCfg := httpServer.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		} else {
			tlsCfg = tlsCfg.Clone()
		}
		tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
		httpServer.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	}

	if onListen != nil {
		onListen(ln.Addr())
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	shutdownErr := httpServer.Shutdown(shutdownCtx)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-shutdownCtx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return shutdownCtx.Err()
	}
	return shutdownErr
}
