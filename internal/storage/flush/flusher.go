// Package flush wires the live write path spec.md §2 diagrams as
// "WAL -> MemTable -> SSTable(row) -> ... -> Compaction": every record the
// WAL durably appends is inserted into an OLTP memtable, and the memtable
// is sealed into a row SSTable once it reaches the configured record
// threshold or a checkpoint is appended, per spec.md §4.7.2's flush
// contract. Sealed files are handed to compaction's L0 and the composite
// secondary index in the same pass.
//
// A fresh OLTP memtable takes over writes before the sealed one is sorted
// and written. The seal itself runs synchronously inside Observe, so the
// WAL Append call that triggers it does not return until the row SSTable
// is written and registered; the WAL's write lock is not held meanwhile.
package flush

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"qaexchange/internal/storage/compaction"
	"qaexchange/internal/storage/index"
	"qaexchange/internal/storage/memtable"
	"qaexchange/internal/storage/sstable"
	"qaexchange/internal/storage/wal"
)

// DefaultMaxRecords is used when the caller doesn't configure a memtable
// size threshold.
const DefaultMaxRecords = 10000

// Flusher buffers WAL records into an OLTP memtable and seals it into row
// SSTables. Register Observe as the WAL's OnAppend hook.
type Flusher struct {
	mu          sync.Mutex
	rowDir      string
	maxRecords  int
	current     *memtable.OLTP
	nextFileSeq uint64

	compactor *compaction.Manager
	idx       *index.Composite
	logger    zerolog.Logger
}

// New creates a Flusher that seals row SSTables under rowDir, registering
// each with compactor's L0 and idx's secondary indices. compactor and idx
// may be nil in tests that only care about the memtable half.
func New(rowDir string, maxRecords int, compactor *compaction.Manager, idx *index.Composite, logger zerolog.Logger) *Flusher {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &Flusher{
		rowDir:     rowDir,
		maxRecords: maxRecords,
		current:    memtable.NewOLTP(),
		compactor:  compactor,
		idx:        idx,
		logger:     logger.With().Str("component", "flush").Logger(),
	}
}

// Observe is the wal.WAL.OnAppend callback: it buffers rec into the active
// memtable (for the record kinds the row SSTable covers) and triggers a
// seal on the size threshold. A Checkpoint record forces an immediate seal
// regardless of size, per spec.md §4.7.2's "OR a checkpoint is requested".
func (f *Flusher) Observe(rec wal.Record) {
	if rec.Kind == wal.KindCheckpoint {
		if err := f.Seal(); err != nil {
			f.logger.Error().Err(err).Msg("checkpoint-triggered seal failed")
		}
		return
	}

	instrument, ok := instrumentOf(rec)
	if !ok {
		return
	}

	f.mu.Lock()
	cur := f.current
	f.mu.Unlock()

	cur.Insert(&memtable.Entry{
		Instrument:  instrument,
		TimestampNS: rec.TimestampNS,
		Sequence:    rec.Sequence,
		Kind:        rec.Kind,
		Record:      rec,
	})

	if cur.Len() >= f.maxRecords {
		if err := f.Seal(); err != nil {
			f.logger.Error().Err(err).Msg("size-triggered seal failed")
		}
	}
}

// instrumentOf extracts the instrument ID carried in rec's fixed-layout
// payload for the record kinds the row memtable buffers. Other kinds
// (UserRegister, AccountBind, Checkpoint, ...) carry no per-instrument key
// and are not buffered here.
func instrumentOf(rec wal.Record) (string, bool) {
	switch rec.Kind {
	case wal.KindOrderInsert:
		p, err := wal.DecodeOrderInsert(rec)
		if err != nil {
			return "", false
		}
		return wal.InstrumentFromFixed(p.Instrument), true
	case wal.KindTradeExecuted:
		p, err := wal.DecodeTradeExecuted(rec)
		if err != nil {
			return "", false
		}
		return wal.InstrumentFromFixed(p.Instrument), true
	default:
		return "", false
	}
}

// Seal swaps in a fresh memtable and writes whatever the old one held to a
// new L0 row SSTable, then registers the file with compaction and the
// secondary index. A no-op if nothing was buffered.
func (f *Flusher) Seal() error {
	f.mu.Lock()
	sealed := f.current
	f.current = memtable.NewOLTP()
	f.nextFileSeq++
	seq := f.nextFileSeq
	f.mu.Unlock()

	entries := sealed.Snapshot()
	if len(entries) == 0 {
		return nil
	}

	path := sstable.RowPath(f.rowDir, 0, seq)
	if _, err := sstable.WriteRow(path, entries); err != nil {
		return fmt.Errorf("flush: write row sstable: %w", err)
	}

	reader, err := sstable.OpenRow(path)
	if err != nil {
		return fmt.Errorf("flush: reopen sealed row sstable: %w", err)
	}
	indexed, err := reader.AllEntries()
	closeErr := reader.Close()
	if err != nil {
		return fmt.Errorf("flush: read back sealed row sstable: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("flush: close sealed row sstable: %w", closeErr)
	}

	if f.idx != nil {
		f.idx.IndexRowFile(path, indexed)
	}
	if f.compactor != nil {
		if _, err := f.compactor.RegisterFlush(path); err != nil {
			return fmt.Errorf("flush: register with compaction: %w", err)
		}
	}

	f.logger.Info().Str("path", path).Int("records", len(entries)).Msg("sealed memtable to row sstable")
	return nil
}

// Len reports how many records are buffered in the active memtable.
func (f *Flusher) Len() int {
	f.mu.Lock()
	cur := f.current
	f.mu.Unlock()
	return cur.Len()
}
