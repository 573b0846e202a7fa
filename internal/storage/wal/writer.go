package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Writer appends CRC-framed records to a directory of segment files and keeps
// every segment open for random reads.
//
// File format:
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][payload]
//
// A record is written with a single positioned write. If the write or the
// optional fsync fails, the segment is truncated back to its previous size so
// a failed record never becomes readable.
type Writer struct {
	mu sync.Mutex

	dir      string
	segments []*segment
	current  *segment
	nextSeq  int64

	opts Options

	// Statistics
	stats WriterStats
}

// Options configures the WAL writer.
type Options struct {
	// MaxSegmentSize is the maximum size of a segment file before rotation.
	// A single record larger than this still goes into its own segment.
	// Default: 64MB
	MaxSegmentSize int64

	// Compression is the batch payload codec used by Medium.
	Compression Compression

	// Fsync forces an fsync after each record.
	Fsync bool
}

// DefaultOptions returns default WAL options.
func DefaultOptions() Options {
	return Options{
		MaxSegmentSize: 64 * 1024 * 1024,
		Compression:    CompressionZstd,
	}
}

// WriterStats holds WAL writer statistics.
type WriterStats struct {
	SegmentsCreated int64
	RecordsWritten  int64
	BytesWritten    int64
	SyncsPerformed  int64
	Errors          int64
}

// Location addresses one record inside a segment.
type Location struct {
	Segment int   // index into the writer's segment list
	Offset  int64 // offset of the record header
	Size    int64 // header plus payload
}

type segment struct {
	path string
	seq  int64
	file *os.File
	size int64
}

const (
	walMagic         = 0x41435157414C0001 // "ACQWAL" + version 1
	walVersion       = 1
	headerSize       = 12 // 8 bytes magic + 4 bytes version
	recordHeaderSize = 8  // 4 bytes length + 4 bytes crc
	maxRecordSize    = 1 << 30
)

// NewWriter creates a writer on an empty directory. The directory is created
// if missing; existing segment files are an error.
func NewWriter(dir string, opts Options) (*Writer, error) {
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultOptions().MaxSegmentSize
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}

	existing, err := ListSegments(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("wal dir %s already holds %d segments", dir, len(existing))
	}

	w := &Writer{
		dir:  dir,
		opts: opts,
	}

	if err := w.rotateUnlocked(); err != nil {
		return nil, fmt.Errorf("create initial segment: %w", err)
	}

	return w, nil
}

// Write appends one record and returns its location.
func (w *Writer) Write(payload []byte) (Location, error) {
	if len(payload) > maxRecordSize {
		return Location{}, fmt.Errorf("record too large: %d bytes", len(payload))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current == nil {
		return Location{}, os.ErrClosed
	}

	recordSize := int64(recordHeaderSize + len(payload))
	if w.current.size > headerSize && w.current.size+recordSize > w.opts.MaxSegmentSize {
		if err := w.rotateUnlocked(); err != nil {
			w.stats.Errors++
			return Location{}, fmt.Errorf("rotate segment: %w", err)
		}
	}

	loc, err := w.writeRecord(payload)
	if err != nil {
		w.stats.Errors++
		return Location{}, err
	}

	w.stats.RecordsWritten++
	w.stats.BytesWritten += recordSize
	return loc, nil
}

// writeRecord writes a single record to the current segment.
func (w *Writer) writeRecord(payload []byte) (Location, error) {
	seg := w.current
	offset := seg.size

	buf := make([]byte, recordHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(payload))
	copy(buf[recordHeaderSize:], payload)

	if _, err := seg.file.WriteAt(buf, offset); err != nil {
		w.truncate(seg, offset)
		return Location{}, fmt.Errorf("write record: %w", err)
	}

	if w.opts.Fsync {
		if err := seg.file.Sync(); err != nil {
			w.truncate(seg, offset)
			return Location{}, fmt.Errorf("fsync: %w", err)
		}
		w.stats.SyncsPerformed++
	}

	seg.size = offset + int64(len(buf))
	return Location{Segment: len(w.segments) - 1, Offset: offset, Size: int64(len(buf))}, nil
}

// truncate drops a partially written record.
func (w *Writer) truncate(seg *segment, size int64) {
	if err := seg.file.Truncate(size); err != nil {
		log.Error("failed to truncate segment after write error",
			"path", seg.path,
			"size", size,
			"error", err)
	}
}

// ReadAt reads and verifies the record at loc. It returns the payload.
func (w *Writer) ReadAt(loc Location) ([]byte, error) {
	w.mu.Lock()
	if loc.Segment < 0 || loc.Segment >= len(w.segments) {
		w.mu.Unlock()
		return nil, fmt.Errorf("segment %d out of range", loc.Segment)
	}
	seg := w.segments[loc.Segment]
	f := seg.file
	w.mu.Unlock()

	if f == nil {
		return nil, os.ErrClosed
	}

	buf := make([]byte, loc.Size)
	if _, err := f.ReadAt(buf, loc.Offset); err != nil {
		return nil, fmt.Errorf("read %s at %d: %w", seg.path, loc.Offset, err)
	}

	return verifyRecord(buf)
}

// verifyRecord checks a complete [len][crc][payload] record and returns the payload.
func verifyRecord(buf []byte) ([]byte, error) {
	if len(buf) < recordHeaderSize {
		return nil, fmt.Errorf("record shorter than header")
	}

	length := binary.LittleEndian.Uint32(buf[0:4])
	expectedCRC := binary.LittleEndian.Uint32(buf[4:8])
	payload := buf[recordHeaderSize:]

	if int(length) != len(payload) {
		return nil, fmt.Errorf("record length mismatch: header %d, have %d", length, len(payload))
	}

	if actualCRC := crc32.ChecksumIEEE(payload); actualCRC != expectedCRC {
		return nil, fmt.Errorf("CRC mismatch: expected %x, got %x", expectedCRC, actualCRC)
	}

	return payload, nil
}

// Rotate closes the current segment for writing and creates a new one.
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateUnlocked()
}

func (w *Writer) rotateUnlocked() error {
	segmentName := fmt.Sprintf("%016d.wal", w.nextSeq)
	segmentPath := filepath.Join(w.dir, segmentName)

	f, err := os.OpenFile(segmentPath, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create segment %s: %w", segmentPath, err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], walVersion)

	if _, err := f.WriteAt(header[:], 0); err != nil {
		f.Close()
		os.Remove(segmentPath)
		return fmt.Errorf("write header: %w", err)
	}

	seg := &segment{path: segmentPath, seq: w.nextSeq, file: f, size: headerSize}
	w.segments = append(w.segments, seg)
	w.current = seg
	w.nextSeq++
	w.stats.SegmentsCreated++

	return nil
}

// Close closes all segment files.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	for _, seg := range w.segments {
		if seg.file == nil {
			continue
		}
		if err := seg.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		seg.file = nil
	}
	w.current = nil

	return firstErr
}

// Stats returns writer statistics.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// CurrentSegment returns the current segment path.
func (w *Writer) CurrentSegment() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return ""
	}
	return w.current.path
}

// SegmentPaths returns the paths of all segments the writer created.
func (w *Writer) SegmentPaths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	paths := make([]string, len(w.segments))
	for i, seg := range w.segments {
		paths[i] = seg.path
	}
	return paths
}

// Dir returns the segment directory.
func (w *Writer) Dir() string {
	return w.dir
}

// ListSegments returns all segment file paths in dir in order.
func ListSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type named struct {
		path string
		seq  int64
	}

	var segments []named
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if len(name) != 20 || name[16:] != ".wal" {
			continue
		}

		var seq int64
		if _, err := fmt.Sscanf(name, "%016d.wal", &seq); err != nil {
			continue
		}

		segments = append(segments, named{path: filepath.Join(dir, name), seq: seq})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].seq < segments[j].seq
	})

	paths := make([]string, len(segments))
	for i, s := range segments {
		paths[i] = s.path
	}
	return paths, nil
}
