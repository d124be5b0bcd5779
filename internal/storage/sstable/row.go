// Package sstable implements the two sealed-file formats spec.md §4.7.3
// requires: a zero-copy mmap'd row format for OLTP point lookups (bloom
// filter + an index with one entry per record, no per-read deserialization
// beyond a CRC32 check)
// and a Parquet columnar format for OLAP scans.
//
// Grounded on AKJUS-bsc-erigon's mmap-go + holiman/bloomfilter/v2 pairing
// for its own immutable snapshot files (generalized from chain segment
// files to row-oriented trading records) for the row half, and
// NimbleMarkets-dbn-go's parquet.NewWriterProperties/compress.Codecs idiom
// for the columnar half (see columnar.go).
package sstable

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/edsrzf/mmap-go"
	bloomfilter "github.com/holiman/bloomfilter/v2"

	"qaexchange/internal/storage/memtable"
	"qaexchange/internal/storage/wal"
)

// rowFooterSize is the fixed trailer: recordsLen, indexOffset, indexLen,
// bloomOffset, bloomLen, minTimestampNS, maxTimestampNS, recordCount —
// eight big-endian int64/uint64 fields.
const rowFooterSize = 8 * 8

// RowMeta is the metadata every sealed row SSTable carries, per spec.md
// §4.7.3: {min_timestamp, max_timestamp, record_count, min_key, max_key,
// bloom, compression}. min_key/max_key are instrument IDs since that's the
// row format's primary sort key.
type RowMeta struct {
	Path          string
	MinTimestampNS int64
	MaxTimestampNS int64
	RecordCount   int64
	MinKey        string
	MaxKey        string
}

type indexEntry struct {
	key    string // "instrument|timestampNS|sequence"
	offset int64
	length uint32
}

func entryKey(e *memtable.Entry) string {
	return fmt.Sprintf("%s|%020d|%020d", e.Instrument, e.TimestampNS, e.Sequence)
}

func hashKey(key string) hashU64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return hashU64(h.Sum64())
}

// hashU64 adapts a precomputed digest to hash.Hash64, the interface
// holiman/bloomfilter/v2 consumes for Add/Contains.
type hashU64 uint64

func (h hashU64) Write(p []byte) (int, error) { return len(p), nil }
func (h hashU64) Sum(b []byte) []byte         { return b }
func (h hashU64) Reset()                      {}
func (h hashU64) Size() int                   { return 8 }
func (h hashU64) BlockSize() int              { return 8 }
func (h hashU64) Sum64() uint64               { return uint64(h) }

// newBloom builds a filter sized for n elements at spec.md's 1%
// false-positive target using 7 hash functions.
func newBloom(n int) (*bloomfilter.Filter, error) {
	if n < 1 {
		n = 1
	}
	return bloomfilter.NewOptimal(uint64(n), 0.01)
}

// WriteRow seals a sorted batch of OLTP memtable entries into an immutable
// row SSTable at path. Writing is atomic: data lands in path+".tmp" first,
// then is renamed into place, so a crash mid-write never leaves a partial
// file at the canonical path (same discipline as the teacher's
// internal/store/store.go).
func WriteRow(path string, entries []*memtable.Entry) (*RowMeta, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("sstable: refusing to write an empty row SSTable")
	}
	sorted := append([]*memtable.Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Instrument != sorted[j].Instrument {
			return sorted[i].Instrument < sorted[j].Instrument
		}
		if sorted[i].TimestampNS != sorted[j].TimestampNS {
			return sorted[i].TimestampNS < sorted[j].TimestampNS
		}
		return sorted[i].Sequence < sorted[j].Sequence
	})

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sstable: create row file: %w", err)
	}

	index := make([]indexEntry, 0, len(sorted))
	bloom, err := newBloom(len(sorted))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: build bloom: %w", err)
	}

	var offset int64
	for _, e := range sorted {
		body := wal.EncodeFrame(e.Record)
		if _, err := f.Write(body); err != nil {
			f.Close()
			return nil, fmt.Errorf("sstable: write record: %w", err)
		}
		key := entryKey(e)
		index = append(index, indexEntry{key: key, offset: offset, length: uint32(len(body))})
		bloom.Add(hashKey(key))
		offset += int64(len(body))
	}

	recordsLen := offset
	indexOffset := offset
	var idxBuf []byte
	for _, ie := range index {
		idxBuf = appendIndexEntry(idxBuf, ie)
	}
	if _, err := f.Write(idxBuf); err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: write index: %w", err)
	}
	indexLen := int64(len(idxBuf))

	bloomOffset := indexOffset + indexLen
	bloomBytes, err := bloom.MarshalBinary()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: marshal bloom: %w", err)
	}
	if _, err := f.Write(bloomBytes); err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: write bloom: %w", err)
	}
	bloomLen := int64(len(bloomBytes))

	minTS, maxTS := sorted[0].TimestampNS, sorted[len(sorted)-1].TimestampNS
	for _, e := range sorted {
		if e.TimestampNS < minTS {
			minTS = e.TimestampNS
		}
		if e.TimestampNS > maxTS {
			maxTS = e.TimestampNS
		}
	}

	footer := make([]byte, rowFooterSize)
	binary.BigEndian.PutUint64(footer[0:8], uint64(recordsLen))
	binary.BigEndian.PutUint64(footer[8:16], uint64(indexOffset))
	binary.BigEndian.PutUint64(footer[16:24], uint64(indexLen))
	binary.BigEndian.PutUint64(footer[24:32], uint64(bloomOffset))
	binary.BigEndian.PutUint64(footer[32:40], uint64(bloomLen))
	binary.BigEndian.PutUint64(footer[40:48], uint64(minTS))
	binary.BigEndian.PutUint64(footer[48:56], uint64(maxTS))
	binary.BigEndian.PutUint64(footer[56:64], uint64(len(sorted)))
	if _, err := f.Write(footer); err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: write footer: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("sstable: atomic rename: %w", err)
	}

	return &RowMeta{
		Path:           path,
		MinTimestampNS: minTS,
		MaxTimestampNS: maxTS,
		RecordCount:    int64(len(sorted)),
		MinKey:         sorted[0].Instrument,
		MaxKey:         sorted[len(sorted)-1].Instrument,
	}, nil
}

func appendIndexEntry(buf []byte, ie indexEntry) []byte {
	var klen [2]byte
	binary.BigEndian.PutUint16(klen[:], uint16(len(ie.key)))
	buf = append(buf, klen[:]...)
	buf = append(buf, ie.key...)
	var rest [12]byte
	binary.BigEndian.PutUint64(rest[0:8], uint64(ie.offset))
	binary.BigEndian.PutUint32(rest[8:12], ie.length)
	buf = append(buf, rest[:]...)
	return buf
}

// RowReader is an open, mmap'd handle onto a sealed row SSTable. SSTables
// are immutable once sealed and safely shared across readers (spec.md §5).
type RowReader struct {
	f      *os.File
	data   mmap.MMap
	index  []indexEntry
	bloom  *bloomfilter.Filter
	Meta   RowMeta
}

// OpenRow mmaps path read-only and parses its footer, index, and bloom
// filter. Actual record bodies are read lazily via Get/Scan.
func OpenRow(path string) (*RowReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open row file: %w", err)
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: mmap: %w", err)
	}
	if len(data) < rowFooterSize {
		data.Unmap()
		f.Close()
		return nil, fmt.Errorf("sstable: file too small to contain a footer")
	}
	footer := data[len(data)-rowFooterSize:]
	indexOffset := int64(binary.BigEndian.Uint64(footer[8:16]))
	indexLen := int64(binary.BigEndian.Uint64(footer[16:24]))
	bloomOffset := int64(binary.BigEndian.Uint64(footer[24:32]))
	bloomLen := int64(binary.BigEndian.Uint64(footer[32:40]))
	minTS := int64(binary.BigEndian.Uint64(footer[40:48]))
	maxTS := int64(binary.BigEndian.Uint64(footer[48:56]))
	count := int64(binary.BigEndian.Uint64(footer[56:64]))

	index, err := parseIndex(data[indexOffset : indexOffset+indexLen])
	if err != nil {
		data.Unmap()
		f.Close()
		return nil, err
	}

	bf := new(bloomfilter.Filter)
	if err := bf.UnmarshalBinary(data[bloomOffset : bloomOffset+bloomLen]); err != nil {
		data.Unmap()
		f.Close()
		return nil, fmt.Errorf("sstable: unmarshal bloom: %w", err)
	}

	var minKey, maxKey string
	if len(index) > 0 {
		minKey = strings.SplitN(index[0].key, "|", 2)[0]
		maxKey = strings.SplitN(index[len(index)-1].key, "|", 2)[0]
	}

	return &RowReader{
		f: f, data: data, index: index, bloom: bf,
		Meta: RowMeta{Path: path, MinTimestampNS: minTS, MaxTimestampNS: maxTS, RecordCount: count, MinKey: minKey, MaxKey: maxKey},
	}, nil
}

func parseIndex(b []byte) ([]indexEntry, error) {
	var out []indexEntry
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, fmt.Errorf("sstable: truncated index")
		}
		klen := binary.BigEndian.Uint16(b[0:2])
		b = b[2:]
		if len(b) < int(klen)+12 {
			return nil, fmt.Errorf("sstable: truncated index entry")
		}
		key := string(b[:klen])
		b = b[klen:]
		offset := int64(binary.BigEndian.Uint64(b[0:8]))
		length := binary.BigEndian.Uint32(b[8:12])
		b = b[12:]
		out = append(out, indexEntry{key: key, offset: offset, length: length})
	}
	return out, nil
}

// MightContain is the ~100ns bloom membership pre-check spec.md §4.7.3
// requires before a reader bothers with the index at all.
func (r *RowReader) MightContain(instrument string, ts int64, seq uint64) bool {
	return r.bloom.Contains(hashKey(fmt.Sprintf("%s|%020d|%020d", instrument, ts, seq)))
}

// Get performs a point lookup. It returns ok=false immediately on a bloom
// miss without touching the index or mmap'd data at all.
func (r *RowReader) Get(instrument string, ts int64, seq uint64) (wal.Record, bool, error) {
	key := fmt.Sprintf("%s|%020d|%020d", instrument, ts, seq)
	if !r.bloom.Contains(hashKey(key)) {
		return wal.Record{}, false, nil
	}
	i := sort.Search(len(r.index), func(i int) bool { return r.index[i].key >= key })
	if i >= len(r.index) || r.index[i].key != key {
		return wal.Record{}, false, nil
	}
	ie := r.index[i]
	body := r.data[ie.offset : ie.offset+int64(ie.length)]
	rec, err := wal.DecodeFrame(body)
	if err != nil {
		return wal.Record{}, false, fmt.Errorf("sstable: corrupted record at offset %d: %w", ie.offset, err)
	}
	return rec, true, nil
}

// Scan calls fn for every record whose index key falls in [instrument,
// instrument+"\xff") — i.e. every record for that instrument — in sorted
// (timestamp, sequence) order. Nothing in the repository calls it;
// compaction reads its inputs through AllEntries and Get.
func (r *RowReader) Scan(instrument string, fn func(wal.Record) bool) error {
	lo := instrument + "|"
	hi := instrument + "|\xff"
	start := sort.Search(len(r.index), func(i int) bool { return r.index[i].key >= lo })
	for i := start; i < len(r.index) && r.index[i].key < hi; i++ {
		ie := r.index[i]
		body := r.data[ie.offset : ie.offset+int64(ie.length)]
		rec, err := wal.DecodeFrame(body)
		if err != nil {
			return fmt.Errorf("sstable: corrupted record at offset %d: %w", ie.offset, err)
		}
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

// IndexedEntry is one (instrument, timestamp, sequence, offset, kind) tuple
// extracted from a sealed row SSTable's own index, the shape
// internal/storage/recovery needs to rebuild the composite secondary index
// (internal/storage/index) after a restart.
type IndexedEntry struct {
	Instrument  string
	TimestampNS int64
	Sequence    uint64
	Offset      int64
	Kind        wal.Kind
}

// AllEntries decodes every record this file holds, for index rebuild and
// compaction's sort-merge input.
func (r *RowReader) AllEntries() ([]IndexedEntry, error) {
	out := make([]IndexedEntry, 0, len(r.index))
	for _, ie := range r.index {
		instrument, ts, seq, err := splitKey(ie.key)
		if err != nil {
			return nil, err
		}
		body := r.data[ie.offset : ie.offset+int64(ie.length)]
		rec, err := wal.DecodeFrame(body)
		if err != nil {
			return nil, fmt.Errorf("sstable: corrupted record at offset %d: %w", ie.offset, err)
		}
		out = append(out, IndexedEntry{Instrument: instrument, TimestampNS: ts, Sequence: seq, Offset: ie.offset, Kind: rec.Kind})
	}
	return out, nil
}

func splitKey(key string) (instrument string, ts int64, seq uint64, err error) {
	// key format: "<instrument>|<20-digit ts>|<20-digit seq>"
	parts := strings.Split(key, "|")
	if len(parts) != 3 {
		return "", 0, 0, fmt.Errorf("sstable: malformed index key %q", key)
	}
	var tsVal, seqVal uint64
	if _, err := fmt.Sscanf(parts[1], "%020d", &tsVal); err != nil {
		return "", 0, 0, fmt.Errorf("sstable: malformed timestamp in key %q: %w", key, err)
	}
	if _, err := fmt.Sscanf(parts[2], "%020d", &seqVal); err != nil {
		return "", 0, 0, fmt.Errorf("sstable: malformed sequence in key %q: %w", key, err)
	}
	return parts[0], int64(tsVal), seqVal, nil
}

// Close unmaps the file and releases its descriptor. Safe to call once all
// readers sharing this handle are done; compaction deletes the underlying
// file only after every reader has closed (spec.md §5).
func (r *RowReader) Close() error {
	if err := r.data.Unmap(); err != nil {
		return err
	}
	return r.f.Close()
}

// DataDir ensures an SSTable directory exists.
func DataDir(root string) (string, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	return root, nil
}

// RowPath builds a level-namespaced row SSTable filename.
func RowPath(root string, level int, seq uint64) string {
	return filepath.Join(root, fmt.Sprintf("L%d-%020d.row.sst", level, seq))
}
