// Package localserver serves the Storage API and node administration on a
// unix socket. Access is governed by the socket's file mode, so no bearer
// token is required.
package localserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// SocketMode is the permission set on the socket file.
const SocketMode os.FileMode = 0o660

// Server is the local admin listener.
type Server struct {
	path    string
	httpSrv *http.Server
	logger  *slog.Logger
	running atomic.Bool
}

// New creates a server for the socket at path.
func New(path string, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		path: path,
		httpSrv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
		logger: logger,
	}
}

// Listen creates the socket. A stale socket file from a previous run is
// removed; a live one is an error.
func (s *Server) Listen() (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return nil, fmt.Errorf("localserver: %w", err)
	}
	if _, err := os.Stat(s.path); err == nil {
		if c, err := net.DialTimeout("unix", s.path, 200*time.Millisecond); err == nil {
			c.Close()
			return nil, fmt.Errorf("localserver: %s is in use by another node", s.path)
		}
		if err := os.Remove(s.path); err != nil {
			return nil, fmt.Errorf("localserver: remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return nil, fmt.Errorf("localserver: %w", err)
	}
	if err := os.Chmod(s.path, SocketMode); err != nil {
		ln.Close()
		return nil, fmt.Errorf("localserver: chmod socket: %w", err)
	}
	return ln, nil
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.running.Store(true)
	s.logger.Info("local admin socket listening", "path", s.path)
	err := s.httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe combines Listen and Serve.
func (s *Server) ListenAndServe() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown drains in-flight requests and removes the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.running.Swap(false) {
		return nil
	}
	err := s.httpSrv.Shutdown(ctx)
	if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}
