// Package broadcast fans material update results out to listeners.
//
// Delivery is synchronous and in registration order. A listener that returns
// an error or panics is logged with its category and skipped; the remaining
// listeners still receive the event.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/logger"
	"github.com/teranos/drover/material"
)

// Kind is the outcome of a material update
type Kind string

const (
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindSkipped   Kind = "skipped"
)

// Event reports the outcome of one material update
type Event struct {
	MessageID string
	Kind      Kind
	Material  material.Material
	Reason    string // failure description; empty otherwise
	At        time.Time
}

// Fingerprint of the updated material
func (e Event) Fingerprint() string {
	return e.Material.Fingerprint()
}

// Listener reacts to update outcomes
type Listener interface {
	OnEvent(ctx context.Context, e Event) error
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(ctx context.Context, e Event) error

// OnEvent calls f(ctx, e)
func (f ListenerFunc) OnEvent(ctx context.Context, e Event) error {
	return f(ctx, e)
}

type registration struct {
	category string
	listener Listener
	kinds    map[Kind]bool // nil means every kind
}

func (r registration) wants(k Kind) bool {
	return r.kinds == nil || r.kinds[k]
}

// Broadcaster owns the listener registry
type Broadcaster struct {
	mu   sync.RWMutex
	regs []registration
	log  *zap.SugaredLogger
}

// New creates an empty broadcaster
func New(log *zap.SugaredLogger) *Broadcaster {
	if log == nil {
		log = logger.Logger
	}
	return &Broadcaster{log: logger.AddPulseSymbol(log.Named("broadcast"))}
}

// Register adds a listener under category. With no kinds the listener
// receives every event.
func (b *Broadcaster) Register(category string, l Listener, kinds ...Kind) {
	reg := registration{category: category, listener: l}
	if len(kinds) > 0 {
		reg.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			reg.kinds[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs = append(b.regs, reg)
}

// Categories lists registered categories in registration order
func (b *Broadcaster) Categories() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.regs))
	for _, r := range b.regs {
		out = append(out, r.category)
	}
	return out
}

// Publish delivers e to every interested listener and returns how many faulted
func (b *Broadcaster) Publish(ctx context.Context, e Event) int {
	b.mu.RLock()
	regs := make([]registration, len(b.regs))
	copy(regs, b.regs)
	b.mu.RUnlock()

	faults := 0
	for _, r := range regs {
		if !r.wants(e.Kind) {
			continue
		}
		if err := deliver(ctx, r.listener, e); err != nil {
			faults++
			b.log.Errorw("Listener failed",
				"category", r.category,
				"kind", e.Kind,
				logger.FieldMaterial, e.Material.DisplayName(),
				logger.FieldError, err)
		}
	}
	return faults
}

func deliver(ctx context.Context, l Listener, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("listener panicked: %v", r)
			err = errors.WithDetail(err, fmt.Sprintf("Event: %s %s", e.Kind, e.MessageID))
		}
	}()
	return l.OnEvent(ctx, e)
}
