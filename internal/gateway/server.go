package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/routegate/internal/config"
	"github.com/wudi/routegate/internal/logging"
)

// Server wraps the gateway with HTTP server functionality
type Server struct {
	gateway    *Gateway
	httpServer *http.Server
	configPath string
	watcher    *config.Watcher

	mu            sync.Mutex
	reloadHistory []ReloadResult
}

// NewServer creates a new gateway server.
// configPath is the path to the YAML config file (used for reload); it may
// be empty.
func NewServer(cfg *config.Config, configPath string, opts Options) (*Server, error) {
	gw, err := New(cfg, opts)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway:    gw,
		configPath: configPath,
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			Handler:      gw,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
	}
	return s, nil
}

// Start begins serving on ln, or on the configured address when ln is nil,
// and starts the config file watcher when a config path is set.
func (s *Server) Start(ln net.Listener) error {
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.httpServer.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
		}
	}

	if s.configPath != "" {
		w, err := config.NewWatcher(s.configPath)
		if err != nil {
			logging.Warn("config watcher disabled", zap.Error(err))
		} else {
			w.OnChange(func(cfg *config.Config) {
				s.apply(s.gateway.Reload(cfg))
			})
			if err := w.Start(); err != nil {
				logging.Warn("config watcher disabled", zap.Error(err))
				w.Stop()
			} else {
				s.watcher = w
			}
		}
	}

	logging.Info("starting gateway", zap.String("address", ln.Addr().String()))
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Error("gateway server error", zap.Error(err))
		}
	}()
	return nil
}

// Run starts the server and handles graceful shutdown.
// SIGHUP triggers a config reload; SIGINT/SIGTERM triggers shutdown.
func (s *Server) Run() error {
	if err := s.Start(nil); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(quit)

	for sig := range quit {
		switch sig {
		case syscall.SIGHUP:
			result := s.ReloadConfig()
			if result.Success {
				logging.Info("config reloaded",
					zap.Int("changes", len(result.Changes)),
					zap.Strings("details", result.Changes),
				)
			} else {
				logging.Error("config reload failed", zap.String("error", result.Error))
			}
		default:
			logging.Info("shutting down gracefully", zap.String("signal", sig.String()))
			return s.Shutdown(s.gateway.Config().Server.ShutdownTimeout)
		}
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones up to timeout
// and releases the gateway.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.watcher != nil {
		s.watcher.Stop()
	}

	var shutdownErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Error("gateway server shutdown error", zap.Error(err))
		shutdownErr = err
	}

	if err := s.gateway.Close(); err != nil {
		logging.Error("gateway close error", zap.Error(err))
		if shutdownErr == nil {
			shutdownErr = err
		}
	}

	logging.Info("server shutdown complete")
	return shutdownErr
}

// ReloadConfig loads a new config from the config path and performs a hot reload.
func (s *Server) ReloadConfig() ReloadResult {
	if s.configPath == "" {
		return ReloadResult{
			Timestamp: time.Now(),
			Error:     "no config path configured",
		}
	}

	newCfg, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		s.gateway.metrics.RecordReload(false)
		return s.apply(ReloadResult{
			Timestamp: time.Now(),
			Error:     fmt.Sprintf("config load failed: %v", err),
		})
	}
	return s.apply(s.gateway.Reload(newCfg))
}

func (s *Server) apply(result ReloadResult) ReloadResult {
	s.mu.Lock()
	s.reloadHistory = appendReloadHistory(s.reloadHistory, result)
	s.mu.Unlock()
	return result
}

// ReloadHistory returns the most recent reload results, oldest first.
func (s *Server) ReloadHistory() []ReloadResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ReloadResult, len(s.reloadHistory))
	copy(out, s.reloadHistory)
	return out
}

// appendReloadHistory appends a result and keeps last 50 entries.
func appendReloadHistory(history []ReloadResult, result ReloadResult) []ReloadResult {
	history = append(history, result)
	if len(history) > 50 {
		history = history[len(history)-50:]
	}
	return history
}

// Gateway returns the underlying gateway
func (s *Server) Gateway() *Gateway {
	return s.gateway
}
