// Package sink defines the external emitter contract (spec §6):
// emit(batch) -> error, synchronous, opaque to the dispatcher core.
// C7 (internal/emitter) resolves an EmitKey's emitterId to one of
// these and calls it once per flush.
package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/mycelian/docdispatch/internal/model"
)

// Batch is one flush's worth of grouped metadata for a single emitter
// (spec §6: "emit(batch: List<(emitKey, metadataList)>)").
type Batch []model.EmitGroup

// Emitter delivers a batch to one destination.
type Emitter interface {
	// ID is the opaque emitterId this instance answers for.
	ID() string

	// Emit delivers batch. It must throw (return non-nil) on both
	// transient and permanent failure — the caller does not
	// distinguish the two (spec §6).
	Emit(ctx context.Context, batch Batch) error
}

// Registry maps emitterId to a concrete Emitter.
type Registry struct {
	mu      sync.RWMutex
	sinks   map[string]Emitter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]Emitter)}
}

// Register adds e, keyed by e.ID().
func (r *Registry) Register(e Emitter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[e.ID()] = e
}

// Resolve looks up the Emitter for emitterId.
func (r *Registry) Resolve(emitterID string) (Emitter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sinks[emitterID]
	if !ok {
		return nil, fmt.Errorf("sink: no emitter registered for id %q", emitterID)
	}
	return e, nil
}

// Emit resolves emitterId and delivers batch.
func (r *Registry) Emit(ctx context.Context, emitterID string, batch Batch) error {
	e, err := r.Resolve(emitterID)
	if err != nil {
		return err
	}
	return e.Emit(ctx, batch)
}
