package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/teranos/drover/am"
	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/sym"
)

// getState returns the current server state
func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

// setState atomically updates the server state
func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.log.Infow("Server state changed", "new_state", stateString(newState))
}

// stateString returns human-readable state name
func stateString(state ServerState) string {
	switch state {
	case ServerStateStarting:
		return "starting"
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Start loads persisted state and launches queues, drivers and the config
// watcher. It does not listen; see ListenAndServe.
func (s *Server) Start() error {
	if s.getState() != ServerStateStarting {
		return errors.NewIllegalTransitionf("server cannot start from state %s", stateString(s.getState()))
	}

	configs, err := s.store.Agents(s.ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load agents")
	}
	s.agents.Sync(configs)

	if err := s.timeline.Update(s.ctx); err != nil {
		// Integrity violations halt only the affected pipelines
		s.log.Warnw("Timeline loaded with errors", "error", err)
	}

	for _, q := range s.queues {
		q.Start(s.ctx)
	}
	s.pollDriver.Start()
	s.agentDriver.Start()
	s.log.Infow(fmt.Sprintf("%s Material polling started", sym.Pulse),
		"interval", s.pollDriver.Interval(),
		"agents", len(configs))

	s.startConfigWatcher()
	s.setState(ServerStateRunning)
	return nil
}

// startConfigWatcher reloads live settings when the primary config file
// changes. A missing config file leaves the watcher off.
func (s *Server) startConfigWatcher() {
	path := am.PrimaryConfigPath()
	if path == "" {
		return
	}
	watcher, err := am.NewConfigWatcher(path)
	if err != nil {
		s.log.Warnw("Config watcher unavailable", "path", path, "error", err)
		return
	}
	watcher.OnReload(s.applyConfig)
	watcher.Start()
	am.SetGlobalWatcher(watcher)
	s.configWatcher = watcher
	s.log.Infow("Config watcher started", "path", path)
}

// ListenAndServe serves the API and the agent gateway on port until Stop
func (s *Server) ListenAndServe(port int) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Infow(fmt.Sprintf("HTTP server listening on port %d", port))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "failed to listen on port %d", port)
	}
	return nil
}

// Stop gracefully shuts down the server and cleans up resources
func (s *Server) Stop() error {
	if st := s.getState(); st == ServerStateDraining || st == ServerStateStopped {
		return nil
	}
	s.log.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	// Stop producers before consumers so nothing posts to a closed queue
	s.pollDriver.Stop()
	s.agentDriver.Stop()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warnw("HTTP shutdown incomplete", "error", err)
		}
		cancel()
	}
	s.gateway.Close()

	done := make(chan struct{})
	go func() {
		for _, q := range s.queues {
			q.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
		s.log.Infow("Queue consumers stopped cleanly")
	case <-time.After(ShutdownTimeout):
		s.log.Warnw("Queue shutdown timed out, forcing exit",
			"timeout", ShutdownTimeout,
		)
	}
	s.cancel()

	if s.configWatcher != nil {
		if err := s.configWatcher.Stop(); err != nil {
			s.log.Warnw("Failed to stop config watcher", "error", err)
		} else {
			s.log.Infow("Config watcher stopped")
		}
	}

	s.setState(ServerStateStopped)
	s.log.Infow("Server shutdown complete")
	return nil
}
