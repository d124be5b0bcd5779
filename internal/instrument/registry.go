// Package instrument is the exchange's tradable-contract registry: the
// admin-managed source of truth for price ticks, margin rates, and daily
// price limits that internal/risk and internal/settlement both consult.
//
// Grounded on internal/matching/engine.go's map-plus-RWMutex registry
// shape (generalized here from per-instrument order books to
// per-instrument trading parameters).
package instrument

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"qaexchange/pkg/types"
)

// Registry is a concurrent-safe map of instrument ID to its trading
// parameters, satisfying both internal/risk.InstrumentView and
// internal/settlement.InstrumentRegistry.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]types.Instrument
}

// New creates an empty instrument registry.
func New() *Registry {
	return &Registry{byID: make(map[string]types.Instrument)}
}

// Create registers a new tradable instrument, or returns an error if one
// with the same ID already exists — admin instrument creation is
// append-only, never a silent overwrite.
func (r *Registry) Create(inst types.Instrument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[inst.InstrumentID]; ok {
		return fmt.Errorf("instrument: %s already exists", inst.InstrumentID)
	}
	r.byID[inst.InstrumentID] = inst
	return nil
}

// Update replaces an existing instrument's trading parameters (e.g. daily
// price limits refreshed each morning), failing if it doesn't yet exist.
func (r *Registry) Update(inst types.Instrument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[inst.InstrumentID]; !ok {
		return fmt.Errorf("instrument: %s not found", inst.InstrumentID)
	}
	r.byID[inst.InstrumentID] = inst
	return nil
}

// SetTrading flips an instrument's trading flag, e.g. halting it for an
// emergency pause without removing its registry entry.
func (r *Registry) SetTrading(instrumentID string, trading bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.byID[instrumentID]
	if !ok {
		return fmt.Errorf("instrument: %s not found", instrumentID)
	}
	inst.IsTrading = trading
	r.byID[instrumentID] = inst
	return nil
}

// Get returns instrumentID's trading parameters.
func (r *Registry) Get(instrumentID string) (types.Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byID[instrumentID]
	return inst, ok
}

// All returns every registered instrument, in no particular order.
func (r *Registry) All() []types.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Instrument, 0, len(r.byID))
	for _, inst := range r.byID {
		out = append(out, inst)
	}
	return out
}

// MarginRate is the plain-function callback shape internal/account.NewBook
// expects, returning zero for an unknown instrument (the account book then
// freezes zero margin for it rather than trusting a made-up rate).
func (r *Registry) MarginRate(instrumentID string) decimal.Decimal {
	inst, ok := r.Get(instrumentID)
	if !ok {
		return decimal.Zero
	}
	return inst.MarginRate
}
