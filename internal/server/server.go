package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"adgate/internal/api"
	"adgate/internal/observability/logging"
	"adgate/internal/observability/metrics"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr     string
	TLS      TLSConfig
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Security SecurityConfig
	// ShutdownTimeout bounds graceful shutdown; zero means ten seconds.
	ShutdownTimeout time.Duration
}

type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	tls             TLSConfig
	shutdownTimeout time.Duration
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("api handler is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/watch", handler.Watch)
	mux.HandleFunc("/complete", handler.Complete)
	mux.HandleFunc("/session", handler.Session)
	mux.HandleFunc("/resend", handler.Resend)
	mux.HandleFunc("/telegram/webhook", handler.Webhook)
	mux.HandleFunc("/admin/login", handler.AdminLogin)
	mux.HandleFunc("/admin/logout", handler.AdminLogout)
	mux.HandleFunc("/admin/videos", handler.AdminVideos)
	mux.HandleFunc("/admin/videos/", handler.AdminVideoByID)
	mux.HandleFunc("/admin/ads", handler.AdminAds)
	mux.HandleFunc("/admin/ads/", handler.AdminAdByID)
	mux.HandleFunc("/admin/stats", handler.AdminStats)
	mux.HandleFunc("/admin/users", handler.AdminUsers)

	handlerChain := http.Handler(mux)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(handlerChain)
	handlerChain = requestIDMiddleware(handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Completion callbacks wait on the video send.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	tlsCfg := TLSConfig{
		CertFile: strings.TrimSpace(cfg.TLS.CertFile),
		KeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}
	if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &Server{
		httpServer:      httpServer,
		logger:          logger,
		tls:             tlsCfg,
		shutdownTimeout: cfg.ShutdownTimeout,
	}, nil
}

// Handler returns the fully wrapped handler chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled and then shuts down gracefully. onListen,
// when set, receives the bound address before the first request is accepted.
func (s *Server) Run(ctx context.Context, onListen func(net.Addr)) error {
	return serve(ctx, s.httpServer, s.tls, s.shutdownTimeout, func(addr net.Addr) {
		s.logger.Info("http server listening", "addr", addr.String(), "tls", s.tls.CertFile != "")
		if onListen != nil {
			onListen(addr)
		}
	})
}
