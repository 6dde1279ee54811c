// Package server wires the drover core into a daemon: queues, the update
// coordinator and its workers, the timeline, the agent registry and its
// websocket gateway, and a small JSON API.
package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/drover/agent"
	"github.com/teranos/drover/agent/remote"
	"github.com/teranos/drover/am"
	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/health"
	"github.com/teranos/drover/logger"
	"github.com/teranos/drover/material"
	"github.com/teranos/drover/mdu"
	"github.com/teranos/drover/pulse/backoff"
	"github.com/teranos/drover/pulse/broadcast"
	"github.com/teranos/drover/pulse/queue"
	"github.com/teranos/drover/pulse/schedule"
	"github.com/teranos/drover/store"
	"github.com/teranos/drover/timeline"
	"github.com/teranos/drover/updater"
)

// Listener categories registered on the broadcaster, in delivery order
const (
	categoryBackoff    = "backoff"
	categoryDependency = "dependency-retrigger"
	categoryTimeline   = "timeline-rebuild"
)

// Server is the drover daemon
type Server struct {
	cfg   *am.Config
	store *store.Store
	log   *zap.SugaredLogger

	health      *health.Service
	backoff     *backoff.Policy
	broadcaster *broadcast.Broadcaster
	queues      []*queue.Queue[mdu.UpdateMessage]
	coordinator *mdu.Coordinator
	worker      *updater.Worker
	timeline    *timeline.Timeline
	agents      *agent.Registry
	gateway     *remote.Gateway

	pollDriver  *schedule.Driver
	agentDriver *schedule.Driver

	configWatcher *am.ConfigWatcher
	httpServer    *http.Server
	adminToken    atomic.Value // string; empty disables admin endpoints

	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32
}

// New wires a server over a migrated store. Nothing runs until Start.
func New(cfg *am.Config, st *store.Store, log *zap.SugaredLogger) (*Server, error) {
	if cfg == nil {
		return nil, errors.NewInvalidRequestError("server requires a configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	if log == nil {
		log = logger.Logger
	}
	log = log.Named("server")

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		store:  st,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
	s.setState(ServerStateStarting)
	s.adminToken.Store(cfg.Server.AdminToken)

	s.health = health.NewService(log)
	s.backoff = backoff.NewPolicy(backoffConfig(cfg), log)
	s.broadcaster = broadcast.New(log)

	scm := queue.New[mdu.UpdateMessage]("scm", cfg.Pulse.QueueBuffer, log)
	dep := queue.New[mdu.UpdateMessage]("dependency", cfg.Pulse.QueueBuffer, log)
	configRepo := queue.New[mdu.UpdateMessage]("config-repo", cfg.Pulse.QueueBuffer, log)
	s.queues = []*queue.Queue[mdu.UpdateMessage]{scm, dep, configRepo}

	s.coordinator = mdu.New(mdu.Options{
		Config:          st,
		Backoff:         s.backoff,
		Health:          s.health,
		Broadcaster:     s.broadcaster,
		SCMQueue:        scm,
		DependencyQueue: dep,
		ConfigQueue:     configRepo,
		Authorizer:      mdu.AuthorizerFunc(func(user string) bool { return user == adminUser }),
		HungThreshold:   cfg.HungThreshold(),
		NotifyPerMinute: cfg.MDU.NotifyPerMinute,
		Logger:          log,
	})

	s.worker = updater.NewWorker(updater.WorkerOptions{
		Store:     st,
		Completer: s.coordinator,
		Logger:    log,
	})
	s.worker.Register(material.KindGit, updater.GitUpdater{Known: st.KnownModification})
	s.worker.Register(material.KindDependency, updater.DependencyUpdater{Stages: st})
	addWorkers(scm, s.worker, cfg.Pulse.SCMWorkers)
	addWorkers(dep, s.worker, cfg.Pulse.DependencyWorkers)
	addWorkers(configRepo, s.worker, cfg.Pulse.ConfigWorkers)

	s.timeline = timeline.New(st, st, log)

	s.broadcaster.Register(categoryBackoff, mdu.BackoffListener{Policy: s.backoff})
	s.broadcaster.Register(categoryDependency, mdu.DependencyRetrigger{Coordinator: s.coordinator}, broadcast.KindCompleted)
	s.broadcaster.Register(categoryTimeline, timeline.RebuildListener{Timeline: s.timeline}, broadcast.KindCompleted)

	agents, err := agent.NewRegistry(agent.RegistryOptions{
		Instance: agent.Options{
			HeartbeatTimeout: cfg.HeartbeatTimeout(),
			Listener:         agent.StatusChangeFunc(s.onAgentStatusChange),
		},
		Health:           s.health,
		MinAgentVersion:  cfg.Server.MinAgentVersion,
		StuckCancelAfter: cfg.StuckCancelAfter(),
		LowDiskSpace:     cfg.Agents.LowDiskSpaceMB * 1024 * 1024,
		Logger:           log,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.agents = agents
	s.gateway = remote.NewGateway(agents, log)

	s.pollDriver = schedule.NewDriverWithContext(ctx, "material-poll", cfg.PollInterval(),
		func(ctx context.Context) { s.coordinator.OnTimer(ctx) }, log)
	s.agentDriver = schedule.NewDriverWithContext(ctx, "agent-watchdog",
		time.Duration(cfg.Agents.RefreshIntervalSeconds)*time.Second,
		func(context.Context) {
			s.agents.RefreshAll()
			s.agents.CheckStuckCancels()
		}, log)

	return s, nil
}

func addWorkers(q *queue.Queue[mdu.UpdateMessage], w *updater.Worker, n int) {
	if n <= 0 {
		n = 1
	}
	for range n {
		q.AddListener(w)
	}
}

// backoffConfig converts the am settings
func backoffConfig(cfg *am.Config) backoff.Config {
	return backoff.Config{
		DefaultInterval: time.Duration(cfg.Backoff.DefaultIntervalSeconds) * time.Second,
		Base:            time.Duration(cfg.Backoff.BaseSeconds) * time.Second,
		Factor:          cfg.Backoff.Factor,
		Max:             time.Duration(cfg.Backoff.MaxIntervalSeconds) * time.Second,
	}
}

func (s *Server) onAgentStatusChange(snap agent.Snapshot) {
	logger.AddAgentSymbol(s.log).Infow("Agent status changed",
		logger.FieldAgentUUID, snap.UUID,
		logger.FieldHostname, snap.Hostname,
		logger.FieldStatus, snap.Status)
}

// applyConfig pushes reloadable settings into running components
func (s *Server) applyConfig(cfg *am.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.backoff.SetConfig(backoffConfig(cfg))
	s.coordinator.SetHungThreshold(cfg.HungThreshold())
	s.coordinator.SetNotifyPerMinute(cfg.MDU.NotifyPerMinute)
	s.pollDriver.SetInterval(cfg.PollInterval())
	s.adminToken.Store(cfg.Server.AdminToken)
	s.log.Infow("Configuration reloaded", "config", cfg.String())
	return nil
}

// Coordinator exposes the material update coordinator
func (s *Server) Coordinator() *mdu.Coordinator {
	return s.coordinator
}

// Agents exposes the agent registry
func (s *Server) Agents() *agent.Registry {
	return s.agents
}

// Timeline exposes the run timeline
func (s *Server) Timeline() *timeline.Timeline {
	return s.timeline
}

// Health exposes the health service
func (s *Server) Health() *health.Service {
	return s.health
}
