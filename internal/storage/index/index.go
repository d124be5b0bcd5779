// Package index maintains the three composite secondary indices spec.md
// §4.7.6 requires over every sealed SSTable: a time-series ordered index
// for range scans, an interned-string instrument index, and a record-type
// bitmask for O(1) type filtering.
//
// Grounded on internal/matching/book.go's google/btree.BTreeG ordered-set
// usage, generalized here from price-time order keys to (timestamp, seq)
// index keys.
package index

import (
	"sync"

	"github.com/google/btree"

	"qaexchange/internal/storage/sstable"
	"qaexchange/internal/storage/wal"
)

// Location pinpoints one record inside a sealed SSTable file.
type Location struct {
	FileID string
	Offset int64
}

type tsEntry struct {
	ts  int64
	seq uint64
	loc Location
}

func tsLess(a, b *tsEntry) bool {
	if a.ts != b.ts {
		return a.ts < b.ts
	}
	return a.seq < b.seq
}

// TimeSeries is an ordered map timestamp -> {file_id, offset} supporting
// O(log n + k) range queries.
type TimeSeries struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*tsEntry]
}

// NewTimeSeries creates an empty time-series index.
func NewTimeSeries() *TimeSeries {
	return &TimeSeries{tree: btree.NewG(32, tsLess)}
}

// Put records that the entry at (ts, seq) lives at loc.
func (t *TimeSeries) Put(ts int64, seq uint64, loc Location) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tree.ReplaceOrInsert(&tsEntry{ts: ts, seq: seq, loc: loc})
}

// Range calls fn for every (ts, loc) pair with ts in [start, end), ascending.
func (t *TimeSeries) Range(start, end int64, fn func(ts int64, loc Location) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	lo := &tsEntry{ts: start}
	t.tree.AscendGreaterOrEqual(lo, func(e *tsEntry) bool {
		if e.ts >= end {
			return false
		}
		return fn(e.ts, e.loc)
	})
}

// Instrument is a hot-string-deduplicating registry mapping each
// instrument ID to the set of file IDs holding records for it. Interning
// keeps repeated instrument strings from being allocated once per index
// entry across potentially millions of records.
type Instrument struct {
	mu      sync.RWMutex
	interned map[string]string
	files    map[string]map[string]struct{} // interned instrument -> file IDs
}

// NewInstrument creates an empty instrument index.
func NewInstrument() *Instrument {
	return &Instrument{interned: make(map[string]string), files: make(map[string]map[string]struct{})}
}

func (ix *Instrument) intern(s string) string {
	if v, ok := ix.interned[s]; ok {
		return v
	}
	ix.interned[s] = s
	return s
}

// Add records that fileID contains records for instrument.
func (ix *Instrument) Add(instrument, fileID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	key := ix.intern(instrument)
	set, ok := ix.files[key]
	if !ok {
		set = make(map[string]struct{})
		ix.files[key] = set
	}
	set[fileID] = struct{}{}
}

// Files returns every file ID known to hold records for instrument.
func (ix *Instrument) Files(instrument string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	set, ok := ix.files[instrument]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	return out
}

// RecordType is a per-file bitmask of which wal.Kind values appear in it,
// giving O(1) type-filtering ("does file X contain any TradeExecuted
// records") without scanning.
type RecordType struct {
	mu    sync.RWMutex
	masks map[string]uint16
}

// NewRecordType creates an empty record-type bitmask index.
func NewRecordType() *RecordType {
	return &RecordType{masks: make(map[string]uint16)}
}

// Mark sets kind's bit in fileID's mask.
func (rt *RecordType) Mark(fileID string, kind wal.Kind) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.masks[fileID] |= 1 << uint16(kind)
}

// HasKind reports whether fileID's mask includes kind.
func (rt *RecordType) HasKind(fileID string, kind wal.Kind) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.masks[fileID]&(1<<uint16(kind)) != 0
}

// Mask returns fileID's full bitmask, or 0 if unknown.
func (rt *RecordType) Mask(fileID string) uint16 {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.masks[fileID]
}

// Composite bundles all three indices as the single object the recovery
// and query packages wire against.
type Composite struct {
	TimeSeries *TimeSeries
	Instrument *Instrument
	RecordType *RecordType
}

// New creates an empty composite index.
func New() *Composite {
	return &Composite{TimeSeries: NewTimeSeries(), Instrument: NewInstrument(), RecordType: NewRecordType()}
}

// IndexRowFile registers every record location from a sealed row SSTable
// (identified by fileID) into all three indices in one pass — the step
// spec.md §4.7.7's recovery procedure calls "rebuild secondary indices
// from SSTable metadata".
func (c *Composite) IndexRowFile(fileID string, entries []sstable.IndexedEntry) {
	for _, e := range entries {
		c.TimeSeries.Put(e.TimestampNS, e.Sequence, Location{FileID: fileID, Offset: e.Offset})
		c.RecordType.Mark(fileID, e.Kind)
		c.Instrument.Add(e.Instrument, fileID)
	}
}
