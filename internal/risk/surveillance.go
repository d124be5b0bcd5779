package risk

import (
	"math"
	"sync"
	"time"

	"qaexchange/pkg/types"
)

// FlowEvent is one fill recorded against an account's rolling surveillance
// window — the exchange-side analogue of the teacher's Fill struct.
type FlowEvent struct {
	Instrument string
	Direction  types.Direction
	Timestamp  time.Time
}

// FlowMetrics mirrors the teacher's ToxicityMetrics shape, renamed for an
// exchange's perspective: it isn't "getting picked off" but "is this
// account's flow abnormal enough to flag for audit".
type FlowMetrics struct {
	DirectionalImbalance float64 // [0,1]: share of fills in the dominant direction
	FillVelocity         float64 // fills per minute
	AbnormalityScore     float64 // [0,1] composite score
	ShouldFlag           bool
}

// AccountFlowTracker watches one account's recent fills in a rolling
// window to detect abnormal directional bursts — e.g. rapid one-sided
// fills against the same counterparty, which may indicate wash trading or
// a compromised account. Grounded file-for-file on the teacher's
// FlowTracker (internal/strategy/flow_tracker.go): AddFill/evictStaleLocked/
// CalculateToxicity survive with the same rolling-window shape;
// GetSpreadMultiplier (a market-maker's own quoting response) is dropped
// since an exchange doesn't quote — ShouldFlag replaces "widen my spread"
// with "write an audit record".
type AccountFlowTracker struct {
	mu sync.RWMutex

	windowDuration time.Duration
	events         []FlowEvent

	abnormalityThreshold float64
}

// NewAccountFlowTracker creates a tracker with the given window and
// flagging threshold.
func NewAccountFlowTracker(windowDuration time.Duration, abnormalityThreshold float64) *AccountFlowTracker {
	return &AccountFlowTracker{
		windowDuration:       windowDuration,
		events:               make([]FlowEvent, 0, 64),
		abnormalityThreshold: abnormalityThreshold,
	}
}

// AddFill records a fill and evicts entries that have aged out of the window.
func (ft *AccountFlowTracker) AddFill(ev FlowEvent) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.events = append(ft.events, ev)
	ft.evictStaleLocked()
}

func (ft *AccountFlowTracker) evictStaleLocked() {
	if len(ft.events) == 0 {
		return
	}
	cutoff := time.Now().Add(-ft.windowDuration)
	validIdx := -1
	for i, ev := range ft.events {
		if ev.Timestamp.After(cutoff) {
			validIdx = i
			break
		}
	}
	if validIdx == -1 {
		ft.events = ft.events[:0]
		return
	}
	if validIdx > 0 {
		ft.events = ft.events[validIdx:]
	}
}

// CalculateFlow computes the directional-imbalance/fill-velocity metrics
// for the current window.
func (ft *AccountFlowTracker) CalculateFlow() FlowMetrics {
	ft.mu.Lock()
	ft.evictStaleLocked()
	ft.mu.Unlock()

	ft.mu.RLock()
	defer ft.mu.RUnlock()

	if len(ft.events) == 0 {
		return FlowMetrics{}
	}

	var buyCount, sellCount int
	for _, ev := range ft.events {
		if ev.Direction == types.DirectionBuy {
			buyCount++
		} else {
			sellCount++
		}
	}
	total := len(ft.events)
	dominant := math.Max(float64(buyCount), float64(sellCount))
	imbalance := dominant / float64(total)

	if total < 2 {
		return FlowMetrics{
			DirectionalImbalance: imbalance,
			AbnormalityScore:     imbalance * 0.6,
			ShouldFlag:           imbalance > ft.abnormalityThreshold,
		}
	}

	windowMinutes := ft.windowDuration.Minutes()
	velocity := float64(total) / windowMinutes
	velocityFactor := math.Min(velocity/3.0, 1.0)

	score := 0.6*imbalance + 0.4*velocityFactor
	return FlowMetrics{
		DirectionalImbalance: imbalance,
		FillVelocity:         velocity,
		AbnormalityScore:     score,
		ShouldFlag:           score > ft.abnormalityThreshold,
	}
}

// Surveillance tracks one AccountFlowTracker per (account, instrument) pair
// and exposes a single per-fill entry point, RecordFill. The order router
// does not call it.
type Surveillance struct {
	mu       sync.Mutex
	trackers map[string]*AccountFlowTracker

	window    time.Duration
	threshold float64
}

// NewSurveillance creates a surveillance registry.
func NewSurveillance(window time.Duration, threshold float64) *Surveillance {
	return &Surveillance{
		trackers:  make(map[string]*AccountFlowTracker),
		window:    window,
		threshold: threshold,
	}
}

// RecordFill feeds one fill into the account's tracker and reports whether
// the resulting flow should be flagged for audit.
func (s *Surveillance) RecordFill(userID, instrument string, dir types.Direction) FlowMetrics {
	key := userID + "|" + instrument
	s.mu.Lock()
	t, ok := s.trackers[key]
	if !ok {
		t = NewAccountFlowTracker(s.window, s.threshold)
		s.trackers[key] = t
	}
	s.mu.Unlock()

	t.AddFill(FlowEvent{Instrument: instrument, Direction: dir, Timestamp: time.Now()})
	return t.CalculateFlow()
}
