// Package sink persists a unit's normalized rows as one partitioned parquet
// artifact. The write is split into fixed-size chunk files inside a per-unit
// temporary directory, so peak memory stays near one chunk and an
// interrupted run resumes by skipping chunks already on disk. The final
// artifact appears only through an atomic rename, which is what makes its
// existence usable as the unit checkpoint.
package sink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/parquet-go/parquet-go"
	"github.com/sirupsen/logrus"

	"github.com/saudelab/susetl/pkg/normalize"
	"github.com/saudelab/susetl/pkg/observability"
	"github.com/saudelab/susetl/pkg/unit"
)

// DefaultChunkSize is the maximum number of rows per chunk file.
const DefaultChunkSize = 80_000

// ErrNoRows is returned when Write is called with an empty row set; empty
// units are decided by the processor and never reach the writer.
var ErrNoRows = errors.New("no rows to write")

//nolint:gochecknoglobals // Compiled once, read-only
var chunkFileRe = regexp.MustCompile(`^chunk_(\d{4})\.parquet$`)

// Writer implements the chunked resumable write. Two simultaneous runs
// against the same unit are unsupported: the resume scan reads the chunk
// directory without any locking.
type Writer struct {
	Root      string
	ChunkSize int
	Log       logrus.FieldLogger
}

// NewWriter builds a Writer rooted at root.
func NewWriter(log logrus.FieldLogger, root string, chunkSize int) *Writer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return &Writer{
		Root:      root,
		ChunkSize: chunkSize,
		Log:       log.WithField("component", "sink"),
	}
}

// Write persists rows as the unit's final artifact. Idempotent and
// interruption-safe: chunks already present from a prior run are not
// rewritten, and the artifact only materializes at its canonical path once
// every chunk was merged.
func (w *Writer) Write(key unit.Key, rows []normalize.Record) error {
	if len(rows) == 0 {
		return ErrNoRows
	}

	log := w.Log.WithField("unit", key.Label())
	nChunks := (len(rows) + w.ChunkSize - 1) / w.ChunkSize
	chunkDir := key.ChunkDir(w.Root)

	if err := os.MkdirAll(key.Dir(w.Root), 0o750); err != nil {
		return fmt.Errorf("create partition directory: %w", err)
	}

	satisfied, existed, err := w.resumeScan(chunkDir, nChunks)
	if err != nil {
		return err
	}

	if existed && len(satisfied) == 0 {
		// Leftover directory with nothing usable in it: start clean.
		if err := os.RemoveAll(chunkDir); err != nil {
			return fmt.Errorf("reset chunk directory: %w", err)
		}
		existed = false
	}

	if !existed {
		if err := os.MkdirAll(chunkDir, 0o750); err != nil {
			return fmt.Errorf("create chunk directory: %w", err)
		}
	}

	if len(satisfied) > 0 {
		log.WithFields(logrus.Fields{
			"present": len(satisfied),
			"total":   nChunks,
		}).Info("Resuming interrupted write")
	}

	for seq := 1; seq <= nChunks; seq++ {
		if satisfied[seq] {
			continue
		}

		lo := (seq - 1) * w.ChunkSize
		hi := lo + w.ChunkSize
		if hi > len(rows) {
			hi = len(rows)
		}

		if err := writeChunk(chunkPath(chunkDir, seq), rows[lo:hi]); err != nil {
			return fmt.Errorf("write chunk %d/%d: %w", seq, nChunks, err)
		}

		observability.ChunksWritten.WithLabelValues(string(key.System)).Inc()
		log.WithFields(logrus.Fields{"chunk": seq, "total": nChunks, "rows": hi - lo}).
			Debug("Chunk written")
	}

	if err := w.merge(key, chunkDir, nChunks); err != nil {
		return err
	}

	return w.finalize(key, chunkDir)
}

// resumeScan enumerates existing chunk files, deletes any whose sequence
// number exceeds the freshly computed chunk count (stale chunks from a run
// with a different row count) or whose parquet footer does not parse, and
// returns the set of sequence numbers that are already satisfied.
func (w *Writer) resumeScan(chunkDir string, nChunks int) (satisfied map[int]bool, existed bool, err error) {
	entries, err := os.ReadDir(chunkDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[int]bool{}, false, nil
		}

		return nil, false, fmt.Errorf("scan chunk directory: %w", err)
	}

	satisfied = map[int]bool{}

	for _, entry := range entries {
		m := chunkFileRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}

		path := filepath.Join(chunkDir, entry.Name())

		seq, convErr := strconv.Atoi(m[1])
		if convErr != nil || seq < 1 || seq > nChunks {
			w.Log.WithField("chunk", entry.Name()).Debug("Removing stale chunk")

			if rmErr := os.Remove(path); rmErr != nil {
				return nil, true, fmt.Errorf("remove stale chunk: %w", rmErr)
			}

			continue
		}

		if !wellFormed(path) {
			w.Log.WithField("chunk", entry.Name()).Warn("Removing malformed chunk")

			if rmErr := os.Remove(path); rmErr != nil {
				return nil, true, fmt.Errorf("remove malformed chunk: %w", rmErr)
			}

			continue
		}

		satisfied[seq] = true
	}

	return satisfied, true, nil
}

// merge materializes the chunk directory, one chunk at a time, into the
// provisional merged file beside the final path.
func (w *Writer) merge(key unit.Key, chunkDir string, nChunks int) error {
	tmpPath := key.TempPath(w.Root)

	f, err := os.Create(tmpPath) //nolint:gosec // Path derived from unit key
	if err != nil {
		return fmt.Errorf("create merged file: %w", err)
	}

	writer := parquet.NewGenericWriter[normalize.Record](f, parquet.Compression(&parquet.Snappy))

	for seq := 1; seq <= nChunks; seq++ {
		records, readErr := parquet.ReadFile[normalize.Record](chunkPath(chunkDir, seq))
		if readErr != nil {
			_ = f.Close()
			return fmt.Errorf("read chunk %d during merge: %w", seq, readErr)
		}

		if _, writeErr := writer.Write(records); writeErr != nil {
			_ = f.Close()
			return fmt.Errorf("merge chunk %d: %w", seq, writeErr)
		}
	}

	if err := writer.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("close merged file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("close merged file: %w", err)
	}

	return nil
}

// finalize removes the chunk directory and atomically renames the merged
// file into the canonical path. A crash between the removal and the rename
// loses the unit's work entirely; the checkpoint stays absent and a future
// run re-fetches the unit.
func (w *Writer) finalize(key unit.Key, chunkDir string) error {
	if err := os.RemoveAll(chunkDir); err != nil {
		return fmt.Errorf("remove chunk directory: %w", err)
	}

	if err := os.Rename(key.TempPath(w.Root), key.OutputPath(w.Root)); err != nil {
		return fmt.Errorf("finalize artifact: %w", err)
	}

	w.Log.WithField("unit", key.Label()).WithField("path", key.OutputPath(w.Root)).
		Info("Artifact finalized")

	return nil
}

func chunkPath(chunkDir string, seq int) string {
	return filepath.Join(chunkDir, fmt.Sprintf("chunk_%04d.parquet", seq))
}

// writeChunk writes one chunk file. The chunk is complete only if the
// parquet footer was written, which is what the resume scan checks.
func writeChunk(path string, rows []normalize.Record) error {
	f, err := os.Create(path) //nolint:gosec // Path derived from unit key
	if err != nil {
		return fmt.Errorf("create chunk file: %w", err)
	}

	writer := parquet.NewGenericWriter[normalize.Record](f, parquet.Compression(&parquet.Snappy))

	if _, err := writer.Write(rows); err != nil {
		_ = f.Close()
		return fmt.Errorf("write rows: %w", err)
	}

	if err := writer.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("close chunk writer: %w", err)
	}

	return f.Close()
}

// wellFormed reports whether the file at path parses as a parquet file.
func wellFormed(path string) bool {
	f, err := os.Open(path) //nolint:gosec // Path enumerated from chunk directory
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return false
	}

	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return false
	}

	return pf.NumRows() > 0
}
