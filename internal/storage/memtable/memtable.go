// Package memtable implements the two in-memory buffer variants spec.md
// §4.7.2 requires: an OLTP ordered index for point/range queries (keyed by
// instrument, timestamp, sequence) and an OLAP columnar buffer (Arrow
// arrays) that accumulates the same records for later flush to a Parquet
// SSTable.
//
// Grounded on internal/matching/book.go's google/btree.BTreeG ordered-set
// usage (generalized here from resting orders keyed by price-time to log
// records keyed by instrument-time-sequence), and the teacher pack's
// NimbleMarkets-dbn-go internal/file/parquet_writer.go Arrow/Parquet
// column-builder idiom for the OLAP half.
package memtable

import (
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/btree"

	"qaexchange/pkg/types"
	"qaexchange/internal/storage/wal"
)

// Entry is one record buffered in the OLTP memtable, keyed for ordering by
// (Instrument, TimestampNS, Sequence).
type Entry struct {
	Instrument  string
	TimestampNS int64
	Sequence    uint64
	Kind        wal.Kind
	Record      wal.Record
}

func less(a, b *Entry) bool {
	if a.Instrument != b.Instrument {
		return a.Instrument < b.Instrument
	}
	if a.TimestampNS != b.TimestampNS {
		return a.TimestampNS < b.TimestampNS
	}
	return a.Sequence < b.Sequence
}

// OLTP is a concurrent-safe ordered index over buffered records, the
// in-memory analogue of the row SSTable. Point/range queries are O(log n);
// readers take the same RWMutex writers do since btree.BTreeG is not
// internally synchronized.
type OLTP struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*Entry]
	n    int
}

// NewOLTP creates an empty OLTP memtable.
func NewOLTP() *OLTP {
	return &OLTP{tree: btree.NewG(32, less)}
}

// Insert adds one record to the memtable. Callers assign Sequence from the
// WAL so ordering here matches durability order.
func (m *OLTP) Insert(e *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.ReplaceOrInsert(e)
	m.n++
}

// Len returns the number of buffered entries, checked against the flush
// threshold by the owning flusher.
func (m *OLTP) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.n
}

// Get performs a point lookup for an exact (instrument, ts, seq) key.
func (m *OLTP) Get(instrument string, ts int64, seq uint64) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := &Entry{Instrument: instrument, TimestampNS: ts, Sequence: seq}
	found, ok := m.tree.Get(key)
	return found, ok
}

// Range calls fn for every entry of instrument with TimestampNS in
// [start, end), in ascending order, stopping early if fn returns false.
func (m *OLTP) Range(instrument string, start, end int64, fn func(*Entry) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lo := &Entry{Instrument: instrument, TimestampNS: start}
	m.tree.AscendGreaterOrEqual(lo, func(e *Entry) bool {
		if e.Instrument != instrument || e.TimestampNS >= end {
			return false
		}
		return fn(e)
	})
}

// Snapshot returns every buffered entry in key order — used by the flusher
// when sealing this memtable into a row SSTable.
func (m *OLTP) Snapshot() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Entry, 0, m.n)
	m.tree.Ascend(func(e *Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// OLAPSchema is the columnar layout every OLAP memtable/SSTable shares: a
// denormalized wide record covering order, trade, and tick payloads so a
// single Parquet file can answer analytical queries across record kinds.
// Columns irrelevant to a given Kind are left null.
var OLAPSchema = arrow.NewSchema([]arrow.Field{
	{Name: "kind", Type: arrow.PrimitiveTypes.Uint8},
	{Name: "sequence", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "timestamp_ns", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	{Name: "instrument_id", Type: arrow.BinaryTypes.String},
	{Name: "user_id", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "price", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "volume", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
}, nil)

// OLAP buffers the same logged records in Arrow column builders, flushed
// less often than the OLTP side (spec.md §4.7.2) directly into Parquet row
// groups via internal/storage/sstable.
type OLAP struct {
	mu      sync.Mutex
	alloc   memory.Allocator
	builder *array.RecordBuilder
	n       int
}

// NewOLAP creates an empty OLAP column buffer.
func NewOLAP() *OLAP {
	alloc := memory.NewGoAllocator()
	return &OLAP{alloc: alloc, builder: array.NewRecordBuilder(alloc, OLAPSchema)}
}

// AppendOrder buffers one order-insert record in columnar form.
func (o *OLAP) AppendOrder(order *types.Order, seq uint64, tsNS int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	price, _ := order.LimitPrice.Float64()
	vol, _ := order.Volume.Float64()
	o.appendRowLocked(uint8(wal.KindOrderInsert), seq, tsNS, order.Instrument, order.UserID, price, vol)
}

// AppendTrade buffers one trade-executed record in columnar form.
func (o *OLAP) AppendTrade(trade *types.Trade, tsNS int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	price, _ := trade.Price.Float64()
	vol, _ := trade.Volume.Float64()
	o.appendRowLocked(uint8(wal.KindTradeExecuted), trade.Sequence, tsNS, trade.Instrument, trade.BuyUser, price, vol)
}

func (o *OLAP) appendRowLocked(kind uint8, seq uint64, tsNS int64, instrument, userID string, price, volume float64) {
	o.builder.Field(0).(*array.Uint8Builder).Append(kind)
	o.builder.Field(1).(*array.Uint64Builder).Append(seq)
	o.builder.Field(2).(*array.Int64Builder).Append(tsNS)
	o.builder.Field(3).(*array.StringBuilder).Append(instrument)
	if userID == "" {
		o.builder.Field(4).(*array.StringBuilder).AppendNull()
	} else {
		o.builder.Field(4).(*array.StringBuilder).Append(userID)
	}
	o.builder.Field(5).(*array.Float64Builder).Append(price)
	o.builder.Field(6).(*array.Float64Builder).Append(volume)
	o.n++
}

// Len returns the number of buffered rows.
func (o *OLAP) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.n
}

// Seal builds an immutable Arrow record from everything buffered so far and
// resets the builder for the next memtable generation. The caller owns the
// returned record and must Release() it once done (e.g. after the Parquet
// writer consumes it).
func (o *OLAP) Seal() arrow.Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec := o.builder.NewRecord()
	o.n = 0
	return rec
}
