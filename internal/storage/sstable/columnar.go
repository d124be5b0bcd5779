package sstable

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"qaexchange/internal/storage/memtable"
)

// ColdCompression, HotCompression, and SmallBlockCompression implement
// spec.md §4.7.3's per-column-group compression policy: ZSTD for
// cold/mixed historical data, LZ4 for hot just-converted data, Snappy for
// small blocks where codec overhead would dominate.
var (
	ColdCompression       = compress.Codecs.Zstd
	HotCompression        = compress.Codecs.Lz4Raw
	SmallBlockCompression = compress.Codecs.Snappy
)

// ColumnarMeta mirrors RowMeta for the Parquet half: spec.md §4.7.3
// requires per-column statistics "used for pruning scans" — we persist the
// timestamp min/max alongside the file as a JSON sidecar so a scan planner
// can prune files without opening the Parquet footer.
type ColumnarMeta struct {
	Path           string `json:"path"`
	MinTimestampNS int64  `json:"min_timestamp_ns"`
	MaxTimestampNS int64  `json:"max_timestamp_ns"`
	RowCount       int64  `json:"row_count"`
	Compression    string `json:"compression"`
}

func (m *ColumnarMeta) sidecarPath() string { return m.Path + ".meta.json" }

func (m *ColumnarMeta) writeSidecar() error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp := m.sidecarPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.sidecarPath())
}

// ReadColumnarMeta loads the sidecar metadata for a sealed columnar SSTable
// without opening the Parquet file itself — the fast path predicate
// pushdown (internal/query) uses to prune files before scanning.
func ReadColumnarMeta(path string) (*ColumnarMeta, error) {
	data, err := os.ReadFile(path + ".meta.json")
	if err != nil {
		return nil, fmt.Errorf("sstable: read columnar meta: %w", err)
	}
	var m ColumnarMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("sstable: unmarshal columnar meta: %w", err)
	}
	return &m, nil
}

// WriteColumnar seals one Arrow record batch into a Parquet file at path,
// using row groups of roughly 64 MiB per spec.md §6.4 (a single row group
// per flush here, since OLAP memtables are already bounded well under that
// size). Writing is atomic: temp file then rename, same as WriteRow.
func WriteColumnar(path string, rec arrow.Record, codec compress.Compression) (*ColumnarMeta, error) {
	defer rec.Release()

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sstable: create columnar file: %w", err)
	}

	props := parquet.NewWriterProperties(
		parquet.WithVersion(parquet.V2_LATEST),
		parquet.WithCompression(codec),
		parquet.WithStats(true),
	)
	writer, err := pqarrow.NewFileWriter(rec.Schema(), f, props, pqarrow.DefaultWriterProps())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: new parquet writer: %w", err)
	}
	if err := writer.Write(rec); err != nil {
		writer.Close()
		f.Close()
		return nil, fmt.Errorf("sstable: write row group: %w", err)
	}
	if err := writer.Close(); err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: flush parquet footer: %w", err)
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

	minTS, maxTS := timestampBounds(rec)
	meta := &ColumnarMeta{Path: path, MinTimestampNS: minTS, MaxTimestampNS: maxTS, RowCount: rec.NumRows(), Compression: codec.String()}
	if err := meta.writeSidecar(); err != nil {
		return nil, fmt.Errorf("sstable: write columnar sidecar: %w", err)
	}
	return meta, nil
}

func timestampBounds(rec arrow.Record) (min, max int64) {
	idx := rec.Schema().FieldIndices("timestamp_ns")
	if len(idx) == 0 || rec.NumRows() == 0 {
		return 0, 0
	}
	col, ok := rec.Column(idx[0]).(*array.Int64)
	if !ok || col.Len() == 0 {
		return 0, 0
	}
	min, max = col.Value(0), col.Value(0)
	for i := 1; i < col.Len(); i++ {
		v := col.Value(i)
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

// WriteColumnarFromOLAP is the convenience path the background converter
// and the async OLAP memtable flusher both call: seal an in-memory OLAP
// buffer straight to a Parquet file.
func WriteColumnarFromOLAP(path string, buf *memtable.OLAP, codec compress.Compression) (*ColumnarMeta, error) {
	rec := buf.Seal()
	return WriteColumnar(path, rec, codec)
}

// ColumnarPath builds a Parquet SSTable filename namespaced by instrument
// and conversion sequence.
func ColumnarPath(root, instrument string, seq uint64) string {
	return fmt.Sprintf("%s/%s-%020d.columnar.parquet", root, instrument, seq)
}
