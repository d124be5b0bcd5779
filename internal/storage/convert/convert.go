// Package convert runs the background OLTP -> OLAP conversion spec.md
// §4.7.4 describes: once a row SSTable is sealed, its records are
// eventually re-written into a columnar Parquet SSTable for analytical
// queries. Conversion state survives restarts in a small JSON file so a
// crash mid-sweep resumes instead of re-converting or silently skipping.
//
// Grounded on the teacher's internal/store/store.go atomic
// temp-file-then-rename JSON persistence (applied here to conversion state
// instead of position snapshots) and internal/exchange/ws.go's exponential
// backoff reconnect loop (applied here to retrying a failed conversion
// instead of a dropped websocket), scheduled with github.com/robfig/cron/v3.
package convert

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"qaexchange/internal/storage/memtable"
	"qaexchange/internal/storage/sstable"
	"qaexchange/internal/storage/wal"
	"qaexchange/pkg/types"
)

// Status is a source row SSTable's conversion lifecycle state.
type Status string

const (
	Pending    Status = "pending"
	Converting Status = "converting"
	Success    Status = "success"
	Failed     Status = "failed"
)

// backoffSchedule is the wait before each retry of a failed conversion
// (1s, 2s, 4s, 8s). After the last retry fails the entry is marked Failed,
// and ConvertPending picks it up again on the next sweep.
var backoffSchedule = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}

// Entry tracks one source file's conversion progress.
type Entry struct {
	SourceFile string    `json:"source_file"`
	Status     Status    `json:"status"`
	RetryCount int       `json:"retry_count"`
	OutputFile string    `json:"output_file,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	UpdatedAt  string    `json:"updated_at"`
}

// state is the JSON document persisted to disk, keyed by source file path.
type state struct {
	Entries map[string]*Entry `json:"entries"`
}

// Converter sweeps sealed row SSTables and rewrites them into columnar
// Parquet SSTables, tracking progress in a crash-safe state file.
type Converter struct {
	mu        sync.Mutex
	statePath string
	outputDir string
	codec     compress.Compression
	state     state
	logger    zerolog.Logger
	cron      *cron.Cron
	clock     func() time.Time
}

// Convertible abstracts the OLTP memtable/row-SSTable reader into the
// single operation the converter needs: every record it holds.
type Convertible interface {
	AllEntries() ([]sstable.IndexedEntry, error)
	Get(instrument string, ts int64, seq uint64) (wal.Record, bool, error)
}

// New creates a converter persisting state under statePath and writing
// columnar output into outputDir.
func New(statePath, outputDir string, codec compress.Compression, logger zerolog.Logger) (*Converter, error) {
	c := &Converter{
		statePath: statePath,
		outputDir: outputDir,
		codec:     codec,
		state:     state{Entries: make(map[string]*Entry)},
		logger:    logger.With().Str("component", "convert").Logger(),
		clock:     time.Now,
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Converter) load() error {
	data, err := os.ReadFile(c.statePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("convert: read state: %w", err)
	}
	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("convert: unmarshal state: %w", err)
	}
	if s.Entries == nil {
		s.Entries = make(map[string]*Entry)
	}
	// Any file that was Converting when we last wrote state was interrupted
	// mid-sweep by a crash; spec.md §4.7.7 step 5 resumes it as Pending.
	for _, e := range s.Entries {
		if e.Status == Converting {
			e.Status = Pending
		}
	}
	c.state = s
	return nil
}

// persist atomically writes the in-memory state to disk (temp file, fsync,
// rename), the same discipline as the teacher's position store.
func (c *Converter) persist() error {
	data, err := json.MarshalIndent(c.state, "", "  ")
	if err != nil {
		return fmt.Errorf("convert: marshal state: %w", err)
	}
	tmp := c.statePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("convert: open state tmp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("convert: write state tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("convert: fsync state tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, c.statePath)
}

// Enqueue registers a newly sealed row SSTable as pending conversion.
func (c *Converter) Enqueue(sourceFile string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Entries[sourceFile] = &Entry{SourceFile: sourceFile, Status: Pending, UpdatedAt: c.clock().Format(time.RFC3339Nano)}
	return c.persist()
}

// StartSchedule runs ConvertPending on a cron schedule (e.g. "@every 10s"),
// matching spec.md §4.7.4's periodic sweep.
func (c *Converter) StartSchedule(schedule string) error {
	c.cron = cron.New()
	_, err := c.cron.AddFunc(schedule, func() {
		if err := c.ConvertPending(); err != nil {
			c.logger.Error().Err(err).Msg("scheduled conversion sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("convert: schedule: %w", err)
	}
	c.cron.Start()
	return nil
}

// Stop halts the cron schedule, if running.
func (c *Converter) Stop() {
	if c.cron != nil {
		c.cron.Stop()
	}
}

// ConvertPending attempts every Pending or previously Failed entry once,
// converting its row SSTable into a columnar Parquet SSTable.
func (c *Converter) ConvertPending() error {
	c.mu.Lock()
	pending := make([]*Entry, 0)
	for _, e := range c.state.Entries {
		if e.Status == Pending || e.Status == Failed {
			pending = append(pending, e)
		}
	}
	c.mu.Unlock()

	for _, e := range pending {
		c.convertOne(e)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persist()
}

// convertOne converts a single source file: one attempt plus one retry per
// backoffSchedule entry (len(backoffSchedule)+1 attempts in all) before
// marking it Failed for this sweep (it remains retryable on the next sweep).
func (c *Converter) convertOne(e *Entry) {
	c.mu.Lock()
	e.Status = Converting
	e.UpdatedAt = c.clock().Format(time.RFC3339Nano)
	c.persist()
	c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= len(backoffSchedule); attempt++ {
		if attempt > 0 {
			time.Sleep(backoffSchedule[attempt-1])
		}
		out, err := c.attemptConvert(e.SourceFile)
		if err == nil {
			c.mu.Lock()
			e.Status = Success
			e.OutputFile = out
			e.RetryCount = attempt
			e.LastError = ""
			e.UpdatedAt = c.clock().Format(time.RFC3339Nano)
			c.mu.Unlock()
			return
		}
		lastErr = err
		c.logger.Warn().Err(err).Str("source", e.SourceFile).Int("attempt", attempt).Msg("conversion attempt failed")
	}

	c.mu.Lock()
	e.Status = Failed
	e.RetryCount += len(backoffSchedule)
	e.LastError = lastErr.Error()
	e.UpdatedAt = c.clock().Format(time.RFC3339Nano)
	c.mu.Unlock()
}

// attemptConvert reads every record out of the sealed row SSTable at
// sourcePath and re-writes it into a columnar Parquet SSTable.
func (c *Converter) attemptConvert(sourcePath string) (string, error) {
	reader, err := sstable.OpenRow(sourcePath)
	if err != nil {
		return "", fmt.Errorf("convert: open source: %w", err)
	}
	defer reader.Close()

	entries, err := reader.AllEntries()
	if err != nil {
		return "", fmt.Errorf("convert: read entries: %w", err)
	}

	buf := memtable.NewOLAP()
	for _, ie := range entries {
		rec, ok, err := reader.Get(ie.Instrument, ie.TimestampNS, ie.Sequence)
		if err != nil {
			return "", fmt.Errorf("convert: re-read record: %w", err)
		}
		if !ok {
			continue
		}
		appendRecord(buf, ie, rec)
	}

	outPath := sstable.ColumnarPath(c.outputDir, "mixed", uint64(c.clock().UnixNano()))
	if _, err := sstable.WriteColumnarFromOLAP(outPath, buf, c.codec); err != nil {
		return "", fmt.Errorf("convert: write columnar: %w", err)
	}
	return outPath, nil
}

func appendRecord(buf *memtable.OLAP, ie sstable.IndexedEntry, rec wal.Record) {
	switch rec.Kind {
	case wal.KindOrderInsert:
		p, err := wal.DecodeOrderInsert(rec)
		if err != nil {
			return
		}
		order := &types.Order{
			OrderID:    types.UnpadOrderID(p.OrderID),
			UserID:     types.UnpadOrderID(p.UserID),
			Instrument: ie.Instrument,
			LimitPrice: wal.FromScaled(p.LimitPriceScaled),
			Volume:     wal.FromScaled(p.VolumeScaled),
		}
		buf.AppendOrder(order, rec.Sequence, rec.TimestampNS)
	case wal.KindTradeExecuted:
		p, err := wal.DecodeTradeExecuted(rec)
		if err != nil {
			return
		}
		trade := &types.Trade{
			TradeID:    types.UnpadOrderID(p.TradeID),
			Instrument: ie.Instrument,
			BuyUser:    types.UnpadOrderID(p.BuyUser),
			SellUser:   types.UnpadOrderID(p.SellUser),
			Price:      wal.FromScaled(p.PriceScaled),
			Volume:     wal.FromScaled(p.VolumeScaled),
			Sequence:   p.Sequence,
		}
		buf.AppendTrade(trade, rec.TimestampNS)
	}
}

// Status returns a snapshot of one source file's conversion state, or nil
// if unknown.
func (c *Converter) Status(sourceFile string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.state.Entries[sourceFile]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

// Pending returns every source file not yet Success, for
// internal/storage/recovery's "resume interrupted conversions" step.
func (c *Converter) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0)
	for _, e := range c.state.Entries {
		if e.Status != Success {
			out = append(out, e.SourceFile)
		}
	}
	return out
}
