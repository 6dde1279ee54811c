// Package health keeps operator-visible server health entries, one per scope.
package health

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/drover/logger"
)

// Severity of a health entry
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ScopeKind groups scopes by the entity they describe
type ScopeKind string

const (
	ScopeGlobal         ScopeKind = "global"
	ScopeMaterialUpdate ScopeKind = "material_update"
	ScopeAgent          ScopeKind = "agent"
)

// Scope identifies the entity a health entry is about
type Scope struct {
	Kind ScopeKind
	Key  string
}

// ForMaterialUpdate scopes an entry to updates of one material
func ForMaterialUpdate(fingerprint string) Scope {
	return Scope{Kind: ScopeMaterialUpdate, Key: fingerprint}
}

// ForAgent scopes an entry to one agent
func ForAgent(uuid string) Scope {
	return Scope{Kind: ScopeAgent, Key: uuid}
}

// Global scopes an entry to the whole server
func Global() Scope {
	return Scope{Kind: ScopeGlobal}
}

func (s Scope) String() string {
	if s.Key == "" {
		return string(s.Kind)
	}
	return string(s.Kind) + ":" + s.Key
}

// State is one health entry
type State struct {
	Scope       Scope
	Severity    Severity
	Message     string
	Description string
	At          time.Time
	Expiry      time.Duration // zero keeps the entry until removed
}

// Warning builds a warning entry
func Warning(scope Scope, message, description string) State {
	return State{Scope: scope, Severity: SeverityWarning, Message: message, Description: description}
}

// Error builds an error entry
func Error(scope Scope, message, description string) State {
	return State{Scope: scope, Severity: SeverityError, Message: message, Description: description}
}

// Reporter is the collaborator the scheduling core reports to
type Reporter interface {
	Update(state State)
	RemoveByScope(scope Scope)
}

// Service is the in-memory Reporter
type Service struct {
	mu      sync.RWMutex
	states  map[Scope]State
	timeNow func() time.Time
	log     *zap.SugaredLogger
}

// NewService creates a service with real time
func NewService(log *zap.SugaredLogger) *Service {
	return NewServiceWithClock(log, time.Now)
}

// NewServiceWithClock creates a service with injectable clock (for testing)
func NewServiceWithClock(log *zap.SugaredLogger, timeNow func() time.Time) *Service {
	if log == nil {
		log = logger.Logger
	}
	return &Service{
		states:  make(map[Scope]State),
		timeNow: timeNow,
		log:     logger.AddHealthSymbol(log.Named("health")),
	}
}

// Update replaces the entry for state.Scope
func (s *Service) Update(state State) {
	if state.At.IsZero() {
		state.At = s.timeNow()
	}

	s.mu.Lock()
	s.states[state.Scope] = state
	s.mu.Unlock()

	s.log.Warnw(state.Message,
		"scope", state.Scope.String(),
		"severity", state.Severity,
		"description", state.Description)
}

// RemoveByScope drops the entry for scope, if any
func (s *Service) RemoveByScope(scope Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, scope)
}

// Get returns the live entry for scope
func (s *Service) Get(scope Scope) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[scope]
	if !ok || s.expired(st) {
		return State{}, false
	}
	return st, true
}

// All returns live entries, oldest first
func (s *Service) All() []State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]State, 0, len(s.states))
	for _, st := range s.states {
		if !s.expired(st) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].Scope.String() < out[j].Scope.String()
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

// expired must be called with lock held
func (s *Service) expired(st State) bool {
	return st.Expiry > 0 && !s.timeNow().Before(st.At.Add(st.Expiry))
}
