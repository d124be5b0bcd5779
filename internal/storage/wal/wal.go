// Package wal implements the write-ahead log: 128-byte segment headers,
// length-prefixed fixed-layout records with a trailing CRC32, single-append
// and batch-append with fsync, segment rotation, and crash replay.
//
// Grounded on the teacher's internal/store/store.go atomic temp-file-then-
// rename write discipline (generalized here from whole-file JSON snapshots
// to an append-only framed binary log) and its single sync.Mutex
// serializing every write.
package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"qaexchange/pkg/types"
)

// Magic identifies a WAL segment file per spec.md §6.3.
const Magic = "QAXWAL01"

// HeaderSize is the fixed 128-byte segment header.
const HeaderSize = 128

// Version is the current segment header format version.
const Version uint32 = 1

// DefaultSegmentMaxBytes is the rotation threshold (1 GiB per spec.md §4.7.1).
const DefaultSegmentMaxBytes int64 = 1 << 30

// Kind discriminates the tagged-union record variants carried in the log.
type Kind uint8

const (
	KindOrderInsert Kind = iota + 1
	KindTradeExecuted
	KindAccountUpdate
	KindUserRegister
	KindAccountBind
	KindTickData
	KindOrderBookSnapshot
	KindOrderBookDelta
	KindKLineFinished
	KindCheckpoint
)

func (k Kind) String() string {
	switch k {
	case KindOrderInsert:
		return "OrderInsert"
	case KindTradeExecuted:
		return "TradeExecuted"
	case KindAccountUpdate:
		return "AccountUpdate"
	case KindUserRegister:
		return "UserRegister"
	case KindAccountBind:
		return "AccountBind"
	case KindTickData:
		return "TickData"
	case KindOrderBookSnapshot:
		return "OrderBookSnapshot"
	case KindOrderBookDelta:
		return "OrderBookDelta"
	case KindKLineFinished:
		return "KLineFinished"
	case KindCheckpoint:
		return "Checkpoint"
	default:
		return "Unknown"
	}
}

// fixedUUID and fixedInstrument are the zero-copy wire widths spec.md §6.3
// mandates: UUIDs padded to 40 bytes, instrument IDs padded to 16.
const (
	fixedUUID       = types.OrderIDPadWidth
	fixedInstrument = 16
)

func padInstrument(s string) [fixedInstrument]byte {
	var out [fixedInstrument]byte
	copy(out[:], s)
	return out
}

func unpadInstrument(b [fixedInstrument]byte) string {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return string(b[:n])
}

// scale is the fixed-point multiplier used to store decimal.Decimal amounts
// as int64 in the fixed-layout record body. Prices and volumes carry at
// most 4 decimal places in this domain (price_tick granularity), so 1e8
// leaves ample headroom without overflowing int64 for realistic notional.
const scale = 100000000

// Record is one decoded WAL entry plus its envelope (kind, sequence,
// timestamp). Payload is a fixed-size encoding specific to Kind.
type Record struct {
	Kind      Kind
	Sequence  uint64
	TimestampNS int64
	Payload   []byte
}

// encode serializes the record envelope + payload + CRC32 trailer into a
// single frame body (without the 4-byte length prefix).
func (r Record) encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(r.Kind))
	_ = binary.Write(buf, binary.BigEndian, r.Sequence)
	_ = binary.Write(buf, binary.BigEndian, r.TimestampNS)
	buf.Write(r.Payload)
	sum := crc32.ChecksumIEEE(buf.Bytes())
	_ = binary.Write(buf, binary.BigEndian, sum)
	return buf.Bytes()
}

// decodeRecord parses a frame body produced by encode, validating its CRC32.
func decodeRecord(body []byte) (Record, error) {
	if len(body) < 1+8+8+4 {
		return Record{}, fmt.Errorf("wal: frame too short (%d bytes)", len(body))
	}
	payloadEnd := len(body) - 4
	wantSum := binary.BigEndian.Uint32(body[payloadEnd:])
	gotSum := crc32.ChecksumIEEE(body[:payloadEnd])
	if wantSum != gotSum {
		return Record{}, fmt.Errorf("wal: crc32 mismatch: want %x got %x", wantSum, gotSum)
	}
	r := Record{
		Kind:        Kind(body[0]),
		Sequence:    binary.BigEndian.Uint64(body[1:9]),
		TimestampNS: int64(binary.BigEndian.Uint64(body[9:17])),
		Payload:     append([]byte(nil), body[17:payloadEnd]...),
	}
	return r, nil
}

// OrderInsertPayload is the fixed-layout body for KindOrderInsert.
type OrderInsertPayload struct {
	OrderID         [fixedUUID]byte
	ExchangeOrderID [fixedUUID]byte
	UserID          [fixedUUID]byte
	AccountID       [fixedUUID]byte
	Instrument      [fixedInstrument]byte
	Direction       int8
	Offset          int8
	Towards         int8
	Status          uint8
	PriceType       int8
	LimitPriceScaled int64
	VolumeScaled     int64
	FrozenMarginScaled int64
}

func (p OrderInsertPayload) bytes() []byte {
	buf := new(bytes.Buffer)
	buf.Write(p.OrderID[:])
	buf.Write(p.ExchangeOrderID[:])
	buf.Write(p.UserID[:])
	buf.Write(p.AccountID[:])
	buf.Write(p.Instrument[:])
	buf.WriteByte(byte(p.Direction))
	buf.WriteByte(byte(p.Offset))
	buf.WriteByte(byte(p.Towards))
	buf.WriteByte(p.Status)
	buf.WriteByte(byte(p.PriceType))
	_ = binary.Write(buf, binary.BigEndian, p.LimitPriceScaled)
	_ = binary.Write(buf, binary.BigEndian, p.VolumeScaled)
	_ = binary.Write(buf, binary.BigEndian, p.FrozenMarginScaled)
	return buf.Bytes()
}

func decodeOrderInsert(b []byte) (OrderInsertPayload, error) {
	const want = fixedUUID*4 + fixedInstrument + 5 + 8*3
	if len(b) != want {
		return OrderInsertPayload{}, fmt.Errorf("wal: bad OrderInsert payload length %d, want %d", len(b), want)
	}
	var p OrderInsertPayload
	off := 0
	copy(p.OrderID[:], b[off:off+fixedUUID])
	off += fixedUUID
	copy(p.ExchangeOrderID[:], b[off:off+fixedUUID])
	off += fixedUUID
	copy(p.UserID[:], b[off:off+fixedUUID])
	off += fixedUUID
	copy(p.AccountID[:], b[off:off+fixedUUID])
	off += fixedUUID
	copy(p.Instrument[:], b[off:off+fixedInstrument])
	off += fixedInstrument
	p.Direction = int8(b[off])
	p.Offset = int8(b[off+1])
	p.Towards = int8(b[off+2])
	p.Status = b[off+3]
	p.PriceType = int8(b[off+4])
	off += 5
	p.LimitPriceScaled = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	p.VolumeScaled = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	p.FrozenMarginScaled = int64(binary.BigEndian.Uint64(b[off : off+8]))
	return p, nil
}

// TradeExecutedPayload is the fixed-layout body for KindTradeExecuted.
type TradeExecutedPayload struct {
	TradeID     [fixedUUID]byte
	BuyOrderID  [fixedUUID]byte
	SellOrderID [fixedUUID]byte
	BuyUser     [fixedUUID]byte
	SellUser    [fixedUUID]byte
	BuyAccount  [fixedUUID]byte
	SellAccount [fixedUUID]byte
	Instrument  [fixedInstrument]byte
	PriceScaled int64
	VolumeScaled int64
	Sequence    uint64
}

func (p TradeExecutedPayload) bytes() []byte {
	buf := new(bytes.Buffer)
	buf.Write(p.TradeID[:])
	buf.Write(p.BuyOrderID[:])
	buf.Write(p.SellOrderID[:])
	buf.Write(p.BuyUser[:])
	buf.Write(p.SellUser[:])
	buf.Write(p.BuyAccount[:])
	buf.Write(p.SellAccount[:])
	buf.Write(p.Instrument[:])
	_ = binary.Write(buf, binary.BigEndian, p.PriceScaled)
	_ = binary.Write(buf, binary.BigEndian, p.VolumeScaled)
	_ = binary.Write(buf, binary.BigEndian, p.Sequence)
	return buf.Bytes()
}

func decodeTradeExecuted(b []byte) (TradeExecutedPayload, error) {
	const want = fixedUUID*7 + fixedInstrument + 8*3
	if len(b) != want {
		return TradeExecutedPayload{}, fmt.Errorf("wal: bad TradeExecuted payload length %d, want %d", len(b), want)
	}
	var p TradeExecutedPayload
	off := 0
	copy(p.TradeID[:], b[off:off+fixedUUID])
	off += fixedUUID
	copy(p.BuyOrderID[:], b[off:off+fixedUUID])
	off += fixedUUID
	copy(p.SellOrderID[:], b[off:off+fixedUUID])
	off += fixedUUID
	copy(p.BuyUser[:], b[off:off+fixedUUID])
	off += fixedUUID
	copy(p.SellUser[:], b[off:off+fixedUUID])
	off += fixedUUID
	copy(p.BuyAccount[:], b[off:off+fixedUUID])
	off += fixedUUID
	copy(p.SellAccount[:], b[off:off+fixedUUID])
	off += fixedUUID
	copy(p.Instrument[:], b[off:off+fixedInstrument])
	off += fixedInstrument
	p.PriceScaled = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	p.VolumeScaled = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	p.Sequence = binary.BigEndian.Uint64(b[off : off+8])
	return p, nil
}

// CheckpointPayload marks a safe WAL truncation point.
type CheckpointPayload struct {
	Sequence uint64
}

func (p CheckpointPayload) bytes() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, p.Sequence)
	return buf
}

func decodeCheckpoint(b []byte) (CheckpointPayload, error) {
	if len(b) != 8 {
		return CheckpointPayload{}, fmt.Errorf("wal: bad Checkpoint payload length %d", len(b))
	}
	return CheckpointPayload{Sequence: binary.BigEndian.Uint64(b)}, nil
}

// segment is one rotation unit: a single append-only file with its own
// 128-byte header. Append is serialized by WAL.mu, not by a per-segment
// lock — spec.md §5 requires single-writer-per-segment, and this engine
// never has more than one segment open for writes at a time.
type segment struct {
	path        string
	file        *os.File
	w           *bufio.Writer
	written     int64
	startSeq    uint64
}

func createSegment(path string, startSeq uint64) (*segment, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: create segment: %w", err)
	}
	hdr := make([]byte, HeaderSize)
	copy(hdr[0:8], Magic)
	binary.BigEndian.PutUint32(hdr[8:12], Version)
	binary.BigEndian.PutUint64(hdr[12:20], startSeq)
	binary.BigEndian.PutUint64(hdr[20:28], uint64(time.Now().UnixNano()))
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: write segment header: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: fsync segment header: %w", err)
	}
	return &segment{path: path, file: f, w: bufio.NewWriter(f), written: HeaderSize, startSeq: startSeq}, nil
}

type segmentHeader struct {
	Version      uint32
	StartSeq     uint64
	CreatedNS    int64
}

func readSegmentHeader(f *os.File) (segmentHeader, error) {
	hdr := make([]byte, HeaderSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return segmentHeader{}, fmt.Errorf("wal: read segment header: %w", err)
	}
	if string(hdr[0:8]) != Magic {
		return segmentHeader{}, fmt.Errorf("wal: bad magic %q", hdr[0:8])
	}
	return segmentHeader{
		Version:   binary.BigEndian.Uint32(hdr[8:12]),
		StartSeq:  binary.BigEndian.Uint64(hdr[12:20]),
		CreatedNS: int64(binary.BigEndian.Uint64(hdr[20:28])),
	}, nil
}

// frame writes one length-prefixed record body to the segment buffer
// (not yet fsynced — callers batch the fsync).
func (s *segment) frame(body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := s.w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := s.w.Write(body); err != nil {
		return err
	}
	s.written += int64(len(lenBuf) + len(body))
	return nil
}

func (s *segment) sync() error {
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("wal: flush segment: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync segment: %w", err)
	}
	return nil
}

func (s *segment) close() error {
	if err := s.sync(); err != nil {
		return err
	}
	return s.file.Close()
}

// WAL is a sharded-by-directory, single-writer-per-segment append log with
// rotation and fsync-bound durability. Append/AppendBatch block the caller
// until the record(s) are durable, per spec.md §5's synchronous-operations
// note.
type WAL struct {
	mu         sync.Mutex
	dir        string
	maxBytes   int64
	current    *segment
	seq        uint64 // atomic, next sequence to assign
	fsyncEvery bool
	logger     zerolog.Logger

	onAppend func(Record) // optional hook, fed every durably-appended record
}

// OnAppend registers fn to be called, synchronously and outside the WAL's
// write lock, after each record is durably appended (by Append or
// AppendBatch). internal/storage/flush uses this to feed the OLTP memtable
// from the write path spec.md §2 diagrams as "WAL -> MemTable -> SSTable",
// without coupling this package to the memtable package. Not safe to call
// concurrently with Open/Append/AppendBatch; callers register it once
// during startup wiring before any traffic flows.
func (w *WAL) OnAppend(fn func(Record)) {
	w.onAppend = fn
}

// Open opens (or creates) a WAL rooted at dir. If existing segments are
// present, the new segment's starting sequence continues from the highest
// sequence found; callers that need crash recovery should call Replay
// before further appends.
func Open(dir string, maxBytes int64, fsyncEveryWrite bool, logger zerolog.Logger) (*WAL, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultSegmentMaxBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}
	w := &WAL{dir: dir, maxBytes: maxBytes, fsyncEvery: fsyncEveryWrite, logger: logger.With().Str("component", "wal").Logger()}

	segs, err := ListSegments(dir)
	if err != nil {
		return nil, err
	}
	var maxSeq uint64
	if len(segs) > 0 {
		records, err := ReplayAll(dir, logger)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			if r.Sequence > maxSeq {
				maxSeq = r.Sequence
			}
		}
	}
	w.seq = maxSeq

	seg, err := w.newSegment()
	if err != nil {
		return nil, err
	}
	w.current = seg
	return w, nil
}

func (w *WAL) newSegment() (*segment, error) {
	name := fmt.Sprintf("%020d.wal", w.seq+1)
	return createSegment(filepath.Join(w.dir, name), w.seq+1)
}

func (w *WAL) rotateIfNeeded() error {
	if w.current.written < w.maxBytes {
		return nil
	}
	if err := w.current.close(); err != nil {
		return err
	}
	seg, err := w.newSegment()
	if err != nil {
		return err
	}
	w.current = seg
	return nil
}

// nextSeq assigns the next strictly-monotonic sequence number.
func (w *WAL) nextSeq() uint64 {
	return atomic.AddUint64(&w.seq, 1)
}

// Append durably writes a single record, fsyncing before returning —
// "durability-first; latency is fsync-bound" per spec.md §4.7.1.
func (w *WAL) Append(kind Kind, payload []byte) (uint64, error) {
	w.mu.Lock()
	if err := w.rotateIfNeeded(); err != nil {
		w.mu.Unlock()
		return 0, err
	}
	seq := w.nextSeq()
	rec := Record{Kind: kind, Sequence: seq, TimestampNS: time.Now().UnixNano(), Payload: payload}
	if err := w.current.frame(rec.encode()); err != nil {
		w.mu.Unlock()
		return 0, fmt.Errorf("wal: append: %w", err)
	}
	if err := w.current.sync(); err != nil {
		w.mu.Unlock()
		return 0, err
	}
	onAppend := w.onAppend
	w.mu.Unlock()

	if onAppend != nil {
		onAppend(rec)
	}
	return seq, nil
}

// AppendBatch writes every record in one buffered pass and fsyncs once,
// amortizing the fsync cost across the batch (target >78k records/sec per
// spec.md §4.7.1).
func (w *WAL) AppendBatch(kinds []Kind, payloads [][]byte) ([]uint64, error) {
	if len(kinds) != len(payloads) {
		return nil, fmt.Errorf("wal: AppendBatch length mismatch")
	}
	w.mu.Lock()

	seqs := make([]uint64, len(kinds))
	recs := make([]Record, len(kinds))
	for i := range kinds {
		if err := w.rotateIfNeeded(); err != nil {
			w.mu.Unlock()
			return nil, err
		}
		seq := w.nextSeq()
		seqs[i] = seq
		rec := Record{Kind: kinds[i], Sequence: seq, TimestampNS: time.Now().UnixNano(), Payload: payloads[i]}
		if err := w.current.frame(rec.encode()); err != nil {
			w.mu.Unlock()
			return nil, fmt.Errorf("wal: append batch: %w", err)
		}
		recs[i] = rec
	}
	if err := w.current.sync(); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	onAppend := w.onAppend
	w.mu.Unlock()

	if onAppend != nil {
		for _, rec := range recs {
			onAppend(rec)
		}
	}
	return seqs, nil
}

// AppendOrder satisfies internal/router.WALAppender.
func (w *WAL) AppendOrder(order *types.Order) error {
	p := OrderInsertPayload{
		OrderID:         types.PadOrderID(order.OrderID),
		ExchangeOrderID: types.PadOrderID(order.ExchangeOrderID),
		UserID:          types.PadOrderID(order.UserID),
		AccountID:       types.PadOrderID(order.AccountID),
		Instrument:      padInstrument(order.Instrument),
		Direction:       int8(order.Direction),
		Offset:          int8(order.Offset),
		Towards:         int8(order.Towards),
		Status:          statusCode(order.Status),
		PriceType:       int8(order.PriceType),
		LimitPriceScaled: toScaled(order.LimitPrice),
		VolumeScaled:     toScaled(order.Volume),
	}
	_, err := w.Append(KindOrderInsert, p.bytes())
	return err
}

// AppendTrade satisfies internal/router.WALAppender.
func (w *WAL) AppendTrade(trade *types.Trade) error {
	p := TradeExecutedPayload{
		TradeID:      types.PadOrderID(trade.TradeID),
		BuyOrderID:   types.PadOrderID(trade.BuyOrderID),
		SellOrderID:  types.PadOrderID(trade.SellOrderID),
		BuyUser:      types.PadOrderID(trade.BuyUser),
		SellUser:     types.PadOrderID(trade.SellUser),
		BuyAccount:   types.PadOrderID(trade.BuyAccount),
		SellAccount:  types.PadOrderID(trade.SellAccount),
		Instrument:   padInstrument(trade.Instrument),
		PriceScaled:  toScaled(trade.Price),
		VolumeScaled: toScaled(trade.Volume),
		Sequence:     trade.Sequence,
	}
	_, err := w.Append(KindTradeExecuted, p.bytes())
	return err
}

// AppendCheckpoint records a safe truncation point. Settlement does not
// call it; no component of the daemon appends checkpoints.
func (w *WAL) AppendCheckpoint() (uint64, error) {
	w.mu.Lock()
	seq := w.seq
	w.mu.Unlock()
	p := CheckpointPayload{Sequence: seq}
	return w.Append(KindCheckpoint, p.bytes())
}

// Close flushes and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current.close()
}

func statusCode(s types.OrderStatus) uint8 {
	switch s {
	case types.OrderPendingRisk:
		return 0
	case types.OrderPendingRoute:
		return 1
	case types.OrderSubmitted:
		return 2
	case types.OrderPartiallyFilled:
		return 3
	case types.OrderFilled:
		return 4
	case types.OrderCancelled:
		return 5
	case types.OrderRejected:
		return 6
	default:
		return 255
	}
}

func decodeStatus(c uint8) types.OrderStatus {
	switch c {
	case 0:
		return types.OrderPendingRisk
	case 1:
		return types.OrderPendingRoute
	case 2:
		return types.OrderSubmitted
	case 3:
		return types.OrderPartiallyFilled
	case 4:
		return types.OrderFilled
	case 5:
		return types.OrderCancelled
	case 6:
		return types.OrderRejected
	default:
		return types.OrderRejected
	}
}

var decimalScale = decimal.NewFromInt(scale)

// toScaled converts a decimal.Decimal amount to its fixed-point int64
// wire representation (see the scale constant above).
func toScaled(d decimal.Decimal) int64 {
	return d.Mul(decimalScale).Round(0).IntPart()
}

// FromScaled converts a fixed-point int64 wire value back to decimal.Decimal.
func FromScaled(v int64) decimal.Decimal {
	return decimal.NewFromInt(v).Div(decimalScale)
}

// ListSegments returns every *.wal file under dir, sorted oldest-first by
// filename (segment files are named by zero-padded starting sequence, so
// lexicographic order is sequence order).
func ListSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: list segments: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".wal") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// ReplayAll scans every segment in dir in order, validates headers and
// per-record CRC32s, skips corrupted records with a logged warning, and
// returns every valid record. Recovery (internal/storage/recovery) further
// filters this by the last checkpoint.
func ReplayAll(dir string, logger zerolog.Logger) ([]Record, error) {
	segs, err := ListSegments(dir)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, path := range segs {
		recs, err := replaySegment(path, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func replaySegment(path string, logger zerolog.Logger) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment %s: %w", path, err)
	}
	defer f.Close()

	if _, err := readSegmentHeader(f); err != nil {
		return nil, fmt.Errorf("wal: %s: %w", path, err)
	}

	if _, err := f.Seek(HeaderSize, 0); err != nil {
		return nil, err
	}
	r := bufio.NewReader(f)

	var out []Record
	for {
		var lenBuf [4]byte
		if _, err := readFull(r, lenBuf[:]); err != nil {
			break // EOF or partial trailing write — stop cleanly
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		body := make([]byte, n)
		if _, err := readFull(r, body); err != nil {
			logger.Warn().Str("segment", path).Msg("wal: truncated record frame at tail, stopping replay")
			break
		}
		rec, err := decodeRecord(body)
		if err != nil {
			logger.Warn().Err(err).Str("segment", path).Msg("wal: skipping corrupted record")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// DecodeOrderInsert exposes the fixed-layout decoder to recovery/replay.
func DecodeOrderInsert(r Record) (OrderInsertPayload, error) { return decodeOrderInsert(r.Payload) }

// DecodeTradeExecuted exposes the fixed-layout decoder to recovery/replay.
func DecodeTradeExecuted(r Record) (TradeExecutedPayload, error) { return decodeTradeExecuted(r.Payload) }

// DecodeCheckpoint exposes the fixed-layout decoder to recovery/replay.
func DecodeCheckpoint(r Record) (CheckpointPayload, error) { return decodeCheckpoint(r.Payload) }

// StatusFromCode converts the wire status byte back to types.OrderStatus.
func StatusFromCode(c uint8) types.OrderStatus { return decodeStatus(c) }

// InstrumentFromFixed converts a padded instrument field back to a string.
func InstrumentFromFixed(b [fixedInstrument]byte) string { return unpadInstrument(b) }

// EncodeFrame exposes the envelope+payload+CRC32 encoding used both by WAL
// segments and by the row SSTable format (spec.md §6.4 reuses the WAL
// payload layout for sealed row files).
func EncodeFrame(r Record) []byte { return r.encode() }

// DecodeFrame exposes the matching decoder, validating CRC32.
func DecodeFrame(body []byte) (Record, error) { return decodeRecord(body) }
