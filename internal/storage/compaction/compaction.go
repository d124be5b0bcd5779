// Package compaction implements spec.md §4.7.5's leveled compaction:
// all L0 files (overlapping, newly flushed) merge into one new L1 file via
// sort-merge-dedupe, writing atomically and tracking how many records were
// superseded. Passes run only on L0, so each pass adds another L1 file; L1
// files are not merged with each other and may overlap, and no size ratio
// between levels is enforced.
//
// Grounded on the teacher's internal/store/store.go atomic write idiom
// (applied here to compacted output instead of position snapshots) and
// AKJUS-bsc-erigon's leveled domain/history file-merge concept, scheduled
// with github.com/robfig/cron/v3 the same way aristath-sentinel schedules
// its own periodic sweeps.
package compaction

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"qaexchange/internal/storage/memtable"
	"qaexchange/internal/storage/sstable"
	"qaexchange/internal/storage/wal"
)

// DefaultL0Trigger is the L0 file count that forces a compaction pass.
const DefaultL0Trigger = 4

// DefaultLevelSizeRatio is the target size multiple between adjacent levels.
const DefaultLevelSizeRatio = 10

// Result summarizes one compaction run for logging/metrics.
type Result struct {
	Level         int
	InputFiles    []string
	OutputFile    string
	InputRecords  int
	OutputRecords int
	DeletedCount  int
}

// Manager owns the row-SSTable level structure for one instrument-sharded
// storage root and runs compaction passes on a cron schedule.
type Manager struct {
	mu          sync.Mutex
	root        string
	l0Trigger   int
	sizeRatio   int
	levels      map[int][]string // level -> file paths, oldest first
	logger      zerolog.Logger
	cron        *cron.Cron
}

// New creates a compaction manager rooted at dir.
func New(dir string, l0Trigger, sizeRatio int, logger zerolog.Logger) *Manager {
	if l0Trigger <= 0 {
		l0Trigger = DefaultL0Trigger
	}
	if sizeRatio <= 1 {
		sizeRatio = DefaultLevelSizeRatio
	}
	return &Manager{
		root:      dir,
		l0Trigger: l0Trigger,
		sizeRatio: sizeRatio,
		levels:    make(map[int][]string),
		logger:    logger.With().Str("component", "compaction").Logger(),
	}
}

// RegisterFlush adds a newly flushed row SSTable to L0, triggering a
// compaction pass if the L0 count threshold is exceeded.
func (m *Manager) RegisterFlush(path string) (*Result, error) {
	m.mu.Lock()
	m.levels[0] = append(m.levels[0], path)
	trigger := len(m.levels[0]) >= m.l0Trigger
	m.mu.Unlock()

	if !trigger {
		return nil, nil
	}
	return m.Compact(0)
}

// StartSchedule runs a periodic check (independent of RegisterFlush) so a
// slow trickle of flushes still eventually compacts. schedule is a cron
// expression (e.g. "@every 30s").
func (m *Manager) StartSchedule(schedule string) error {
	m.cron = cron.New()
	_, err := m.cron.AddFunc(schedule, func() {
		if _, err := m.Compact(0); err != nil {
			m.logger.Error().Err(err).Msg("scheduled compaction failed")
		}
	})
	if err != nil {
		return fmt.Errorf("compaction: schedule: %w", err)
	}
	m.cron.Start()
	return nil
}

// Stop halts the cron schedule, if running.
func (m *Manager) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
}

// Compact merges every file at level into level+1: read all inputs,
// sort-merge by (instrument, timestamp, sequence), keep the
// highest-sequence record on key collisions ("later sequence wins" per
// spec.md §4.7.5), and atomically write the result.
func (m *Manager) Compact(level int) (*Result, error) {
	m.mu.Lock()
	inputs := append([]string(nil), m.levels[level]...)
	m.mu.Unlock()

	if len(inputs) == 0 {
		return nil, nil
	}

	readers := make([]*sstable.RowReader, 0, len(inputs))
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()

	type keyed struct {
		instrument string
		ts         int64
		seq        uint64
		rec        wal.Record
	}
	byKey := make(map[string]keyed)
	inputRecords := 0

	for _, path := range inputs {
		r, err := sstable.OpenRow(path)
		if err != nil {
			return nil, fmt.Errorf("compaction: open input %s: %w", path, err)
		}
		readers = append(readers, r)

		entries, err := r.AllEntries()
		if err != nil {
			return nil, fmt.Errorf("compaction: read input %s: %w", path, err)
		}
		inputRecords += len(entries)
		for _, e := range entries {
			k := fmt.Sprintf("%s|%020d", e.Instrument, e.TimestampNS)
			if existing, ok := byKey[k]; !ok || e.Sequence > existing.seq {
				rec, _, err := r.Get(e.Instrument, e.TimestampNS, e.Sequence)
				if err != nil {
					return nil, fmt.Errorf("compaction: re-read record: %w", err)
				}
				byKey[k] = keyed{instrument: e.Instrument, ts: e.TimestampNS, seq: e.Sequence, rec: rec}
			}
		}
	}

	merged := make([]keyed, 0, len(byKey))
	for _, v := range byKey {
		merged = append(merged, v)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].instrument != merged[j].instrument {
			return merged[i].instrument < merged[j].instrument
		}
		if merged[i].ts != merged[j].ts {
			return merged[i].ts < merged[j].ts
		}
		return merged[i].seq < merged[j].seq
	})

	entries := make([]*memtable.Entry, len(merged))
	for i, v := range merged {
		entries[i] = &memtable.Entry{Instrument: v.instrument, TimestampNS: v.ts, Sequence: v.seq, Kind: v.rec.Kind, Record: v.rec}
	}

	outLevel := level + 1
	outPath := sstable.RowPath(m.root, outLevel, nextSeq())
	meta, err := sstable.WriteRow(outPath, entries)
	if err != nil {
		return nil, fmt.Errorf("compaction: write output: %w", err)
	}

	// Remove inputs only after every reader has released its mmap handle:
	// close them eagerly before unlink, then clear readers so the deferred
	// Close above has nothing left to close.
	for i, r := range readers {
		if err := r.Close(); err != nil {
			m.logger.Warn().Err(err).Str("file", inputs[i]).Msg("close reader before unlink failed")
		}
	}
	readers = nil
	for _, path := range inputs {
		if err := os.Remove(path); err != nil {
			m.logger.Warn().Err(err).Str("file", path).Msg("remove compacted input failed")
		}
	}

	m.mu.Lock()
	m.levels[level] = nil
	m.levels[outLevel] = append(m.levels[outLevel], outPath)
	m.mu.Unlock()

	return &Result{
		Level:         outLevel,
		InputFiles:    inputs,
		OutputFile:    outPath,
		InputRecords:  inputRecords,
		OutputRecords: int(meta.RecordCount),
		DeletedCount:  inputRecords - int(meta.RecordCount),
	}, nil
}

// LevelSizeBudget returns the target max file count for a level given
// level 0's trigger and the configured size ratio (level N budget =
// trigger * ratio^N). Nothing in this package calls it: passes are
// triggered only by the L0 file count and the cron schedule.
func (m *Manager) LevelSizeBudget(level int) int {
	budget := m.l0Trigger
	for i := 0; i < level; i++ {
		budget *= m.sizeRatio
	}
	return budget
}

var seqCounter uint64

func nextSeq() uint64 {
	seqCounter++
	return seqCounter
}
