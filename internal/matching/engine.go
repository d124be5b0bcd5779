package matching

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"qaexchange/pkg/types"
)

// Engine owns one Book per instrument, the same slot-map-plus-RWMutex shape
// the teacher used for market slots in internal/engine/engine.go, here
// keyed by instrument instead of market.
type Engine struct {
	mu     sync.RWMutex
	books  map[string]*Book
}

// NewEngine creates an empty matching engine.
func NewEngine() *Engine {
	return &Engine{books: make(map[string]*Book)}
}

// RegisterInstrument creates a book for instrument if one doesn't exist yet.
func (e *Engine) RegisterInstrument(instrument string) *Book {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.books[instrument]; ok {
		return b
	}
	b := NewBook(instrument)
	e.books[instrument] = b
	return b
}

// Book returns the book for instrument, or nil if it isn't registered.
func (e *Engine) Book(instrument string) (*Book, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.books[instrument]
	return b, ok
}

// Submit routes an order to its instrument's book.
func (e *Engine) Submit(order *types.Order, stp bool) ([]*types.Trade, error) {
	b, ok := e.Book(order.Instrument)
	if !ok {
		return nil, fmt.Errorf("matching: unknown instrument %s", order.Instrument)
	}
	return b.Submit(order, stp)
}

// Cancel routes a cancel to the named instrument's book.
func (e *Engine) Cancel(instrument, exchangeOrderID string) (*types.Order, bool, error) {
	b, ok := e.Book(instrument)
	if !ok {
		return nil, false, fmt.Errorf("matching: unknown instrument %s", instrument)
	}
	o, ok := b.Cancel(exchangeOrderID)
	return o, ok, nil
}

// QuiesceAll pauses every registered book for settlement.
func (e *Engine) QuiesceAll() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, b := range e.books {
		b.Quiesce()
	}
}

// ResumeAll resumes every registered book after settlement.
func (e *Engine) ResumeAll() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, b := range e.books {
		b.Resume()
	}
}

// LastPrice returns the last traded price for instrument, used by
// internal/account's mark-to-market callback.
func (e *Engine) LastPrice(instrument string) (decimal.Decimal, bool) {
	b, exists := e.Book(instrument)
	if !exists {
		return decimal.Zero, false
	}
	return b.LastPrice()
}

// Instruments returns every registered instrument ID.
func (e *Engine) Instruments() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.books))
	for k := range e.books {
		out = append(out, k)
	}
	return out
}
