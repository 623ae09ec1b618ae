package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/quic-go/quic-go/http3"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
	maxHeaderBytes    = 1 << 20
	shutdownTimeout   = 5 * time.Second
)

// Run serves plain HTTP, plus HTTPS and optionally HTTP/3 when a TLS domain
// is configured, and runs the janitor. It blocks until ctx is cancelled or a
// listener fails. Responses are drained for up to shutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	go s.runJanitor(ctx)

	handler := s.Handler()
	errCh := make(chan error, 3)

	httpServer := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}

	var httpsServer *http.Server
	var h3Server *http3.Server
	if s.cfg.TLSDomain != "" {
		tlsConfig, manager, err := s.tlsSetup()
		if err != nil {
			return err
		}
		if manager != nil {
			// ACME http-01 challenges share the plain listener.
			httpServer.Handler = manager.HTTPHandler(handler)
		}

		httpsHandler := handler
		if s.cfg.HTTP3 {
			h3Server = &http3.Server{
				Addr:      s.cfg.ListenHTTPS,
				Handler:   handler,
				TLSConfig: http3.ConfigureTLSConfig(tlsConfig.Clone()),
			}
			httpsHandler = advertiseHTTP3(h3Server, handler)
		}
		httpsServer = &http.Server{
			Addr:              s.cfg.ListenHTTPS,
			Handler:           httpsHandler,
			ReadHeaderTimeout: readHeaderTimeout,
			IdleTimeout:       idleTimeout,
			MaxHeaderBytes:    maxHeaderBytes,
			TLSConfig:         tlsConfig,
			ErrorLog:          log.New(newHTTPSErrorLogWriter(s.log, manager != nil), "", 0),
		}
		go func() {
			s.log.Info("starting HTTPS server", "addr", s.cfg.ListenHTTPS, "domain", s.cfg.TLSDomain, "acme", manager != nil)
			if err := httpsServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()
		if h3Server != nil {
			go func() {
				s.log.Info("starting HTTP/3 server", "addr", s.cfg.ListenHTTPS)
				if err := h3Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("http3 server: %w", err)
				}
			}()
		}
	}

	go func() {
		s.log.Info("starting HTTP server", "addr", s.cfg.Listen, "upstream", s.cfg.Upstream)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if err := shutdownServer(httpServer, shutdownTimeout); err != nil && runErr == nil {
		runErr = err
	}
	if httpsServer != nil {
		if err := shutdownServer(httpsServer, shutdownTimeout); err != nil && runErr == nil {
			runErr = err
		}
	}
	if h3Server != nil {
		_ = h3Server.Close()
	}
	return runErr
}

// advertiseHTTP3 adds the Alt-Svc header announcing the QUIC listener.
func advertiseHTTP3(h3 *http3.Server, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h3.SetQUICHeaders(w.Header())
		next.ServeHTTP(w, r)
	})
}
