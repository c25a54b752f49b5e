package gitserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gliderlabs/ssh"
	"go.uber.org/zap"

	"github.com/JoeGlenn1213/lgh/pkg/config"
)

// Server manages the HTTP listener and the optional SSH listener.
type Server struct {
	cfg        *config.Config
	handler    http.Handler
	sshServer  *SSHServer
	httpServer *http.Server
	httpAddr   net.Addr
	sshAddr    net.Addr
	errs       chan error
	wg         sync.WaitGroup
	mu         sync.Mutex
	started    bool
}

// NewServer creates the listeners' owner. sshServer may be nil.
func NewServer(cfg *config.Config, handler http.Handler, sshServer *SSHServer) *Server {
	return &Server{
		cfg:       cfg,
		handler:   handler,
		sshServer: sshServer,
		errs:      make(chan error, 2),
	}
}

// Start binds the listeners and serves in the background. Bind failures are
// returned directly; later serve failures are reported on Err.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("git servers already started")
	}

	httpListener, err := net.Listen("tcp", s.cfg.Server.GetServerAddress())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Server.GetServerAddress(), err)
	}

	var sshListener net.Listener
	if s.sshServer != nil {
		sshAddress := net.JoinHostPort(s.cfg.Server.Bind, strconv.Itoa(s.cfg.Ssh.Port))
		sshListener, err = net.Listen("tcp", sshAddress)
		if err != nil {
			httpListener.Close()
			return fmt.Errorf("listen on %s: %w", sshAddress, err)
		}
		s.sshAddr = sshListener.Addr()
	}

	s.httpAddr = httpListener.Addr()
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("HTTP Git server error", zap.Error(err))
			s.errs <- err
		}
	}()

	if sshListener != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.sshServer.Serve(sshListener); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
				zap.L().Error("SSH Git server error", zap.Error(err))
				s.errs <- err
			}
		}()
	}

	s.started = true
	fields := []zap.Field{zap.String("http_addr", s.httpAddr.String())}
	if s.sshAddr != nil {
		fields = append(fields, zap.String("ssh_addr", s.sshAddr.String()))
	}
	zap.L().Info("Git servers started", fields...)

	return nil
}

// Err reports listeners that stopped serving on their own.
func (s *Server) Err() <-chan error {
	return s.errs
}

// HTTPAddr returns the bound HTTP address once started.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}

func (s *Server) SSHAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sshAddr
}

// Shutdown stops the SSH listener, when one is configured, and drains the
// HTTP server within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	zap.L().Info("Shutting down Git servers...")

	var errs []error
	if s.sshServer != nil {
		if err := s.sshServer.Shutdown(ctx); err != nil {
			zap.L().Error("SSH server shutdown error", zap.Error(err))
			errs = append(errs, err)
		}
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		zap.L().Error("HTTP Git server shutdown error", zap.Error(err))
		errs = append(errs, err)
	}

	s.wg.Wait()
	s.started = false

	zap.L().Info("Git servers stopped")
	return errors.Join(errs...)
}
