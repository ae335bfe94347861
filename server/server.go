package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
)

type Config struct {
	Port            string        `envconfig:"HTTP_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"20s"`

	// mTLS for deployments where only the CRM gateway may connect.
	MTLSEnabled    bool   `envconfig:"MTLS_ENABLED" default:"false"`
	MTLSCACert     string `envconfig:"MTLS_CA_CERT"`
	MTLSServerCert string `envconfig:"MTLS_SERVER_CERT"`
	MTLSServerKey  string `envconfig:"MTLS_SERVER_KEY"`
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	router  *chi.Mux
	httpSrv *http.Server
}

func New(cfg Config, logger *slog.Logger, router *chi.Mux) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
	}
}

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully within ShutdownTimeout.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	if s.cfg.MTLSEnabled {
		s.logger.Info("Enabling mTLS for HTTP Server")
		tlsConfig, err := loadMTLSConfig(s.cfg.MTLSCACert)
		if err != nil {
			return fmt.Errorf("failed to load mTLS config: %w", err)
		}
		s.httpSrv.TLSConfig = tlsConfig
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server starting", "port", s.cfg.Port, "mtls", s.cfg.MTLSEnabled)
		var err error
		if s.cfg.MTLSEnabled {
			err = s.httpSrv.ListenAndServeTLS(s.cfg.MTLSServerCert, s.cfg.MTLSServerKey)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down server...")
		return s.shutdown()
	case err := <-errChan:
		return err
	}
}

func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP shutdown error", "error", err)
		return err
	}
	return nil
}

func loadMTLSConfig(caPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("could not read CA cert: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to append CA cert")
	}

	return &tls.Config{
		ClientCAs:  caCertPool,
		ClientAuth: tls.RequireAndVerifyClientCert,
		MinVersion: tls.VersionTLS12,
	}, nil
}
