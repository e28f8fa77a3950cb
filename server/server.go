// Package server exposes YOLO model instances over HTTP. Clients drive it with named
// methods (createInstance, loadModel, predictSingleImage, ...) and stream camera frames
// over a websocket.
package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/yolobridge/pkg/nnload"
	"github.com/cyclopcam/yolobridge/pkg/yolo"
	"github.com/cyclopcam/yolobridge/server/instances"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

type Server struct {
	Log       logs.Log
	Config    Config
	Loader    *nnload.Loader
	Instances *instances.Manager

	signalIn     chan os.Signal
	shutdownOnce sync.Once
	httpServer   *http.Server
	httpRouter   *httprouter.Router
	wsUpgrader   websocket.Upgrader
	fetchClient  *http.Client
	methods      map[string]methodFunc
}

// NewServer creates a server from a config file
func NewServer(log logs.Log, configFile string) (*Server, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	return NewServerWithConfig(log, *cfg, nil), nil
}

// NewServerWithConfig creates a server. If loader is nil, then models are loaded with TFLite,
// from the directories in cfg.
func NewServerWithConfig(log logs.Log, cfg Config, loader *nnload.Loader) *Server {
	if loader == nil {
		loader = nnload.NewLoader(log, cfg.Dirs)
	}
	s := &Server{
		Log:       log,
		Config:    cfg,
		Loader:    loader,
		Instances: instances.NewManager(log),
		fetchClient: &http.Client{
			Timeout: time.Duration(cfg.FetchTimeout) * time.Second,
		},
	}
	// Clients are native apps and local tools, not browsers
	s.wsUpgrader.CheckOrigin = func(r *http.Request) bool { return true }
	s.setupMethods()
	s.setupHttpRoutes()
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpRouter
}

// ListenHTTP blocks until the server is shut down
func (s *Server) ListenHTTP() error {
	s.Log.Infof("Listening on %v", s.Config.Listen)
	s.httpServer = &http.Server{
		Addr:    s.Config.Listen,
		Handler: s.httpRouter,
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) ListenForKillSignals() {
	s.Log.Infof("ListenForKillSignals starting")
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. ListenForKillSignals will exit after shutdown", sig.String())
			s.Shutdown()
		} else {
			s.Log.Infof("signalIn closed. ListenForKillSignals will exit now")
		}
	}()
}

// Shutdown stops the HTTP server and closes all models. It is safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.Log.Infof("Shutdown")
		if s.signalIn != nil {
			signal.Stop(s.signalIn)
			close(s.signalIn)
		}
		if s.httpServer != nil {
			s.Log.Infof("Closing HTTP server")
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.Log.Warnf("HTTP server shutdown error: %v", err)
			}
		}
		s.Log.Infof("Closing models")
		s.Instances.Close()
		s.Log.Infof("Shutdown complete")
	})
}

// Apply the server-wide default thresholds to a newly loaded model
func (s *Server) applyDefaultThresholds(y *yolo.YOLO) error {
	if s.Config.ConfidenceThreshold != 0 {
		if err := y.SetConfidenceThreshold(s.Config.ConfidenceThreshold); err != nil {
			return err
		}
	}
	if s.Config.IoUThreshold != 0 {
		if err := y.SetIoUThreshold(s.Config.IoUThreshold); err != nil {
			return err
		}
	}
	if s.Config.NumItemsThreshold != 0 {
		if err := y.SetNumItemsThreshold(s.Config.NumItemsThreshold); err != nil {
			return err
		}
	}
	return nil
}
