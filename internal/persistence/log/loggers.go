package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"macrosim.ai/internal/protocol"
	"macrosim.ai/internal/sim/kernel"
)

// DefaultSegmentTicks is how many ticks go into one compressed segment.
const DefaultSegmentTicks = 3600

// JSONLZstdWriter appends one JSON line per tick to zstd segments of
// segmentTicks ticks each. Segment names carry the first tick they may hold, so
// a directory listing sorts in tick order.
type JSONLZstdWriter struct {
	baseDir      string
	prefix       string
	segmentTicks uint64

	mu     sync.Mutex
	curSeg uint64
	open   bool
	f      *os.File
	enc    *zstd.Encoder
	w      *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string, segmentTicks uint64) *JSONLZstdWriter {
	if segmentTicks == 0 {
		segmentTicks = DefaultSegmentTicks
	}
	return &JSONLZstdWriter{baseDir: baseDir, prefix: prefix, segmentTicks: segmentTicks}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(tick uint64, v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	seg := segmentStart(tick, w.segmentTicks)
	if !w.open || seg != w.curSeg {
		if err := w.rotateLocked(seg); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func segmentStart(tick, size uint64) uint64 {
	if tick == 0 {
		return 1
	}
	return ((tick-1)/size)*size + 1
}

func (w *JSONLZstdWriter) rotateLocked(seg uint64) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	// A segment reopened after a restart gets a second zstd frame appended;
	// the decoder reads concatenated frames transparently.
	f, err := os.OpenFile(w.pathFor(seg), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curSeg = seg
	w.open = true
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.open = false
	return err1
}

func (w *JSONLZstdWriter) pathFor(seg uint64) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%012d.jsonl.zst", w.prefix, seg))
}

// TickLogger writes one compressed JSONL record per finalized tick.
type TickLogger struct{ w *JSONLZstdWriter }

func NewTickLogger(runDir string, segmentTicks uint64) *TickLogger {
	return &TickLogger{w: NewJSONLZstdWriter(TickDir(runDir), "ticks", segmentTicks)}
}

func (l *TickLogger) WriteTick(rec kernel.TickRecord) error { return l.w.Write(rec.Tick, rec) }
func (l *TickLogger) Close() error                          { return l.w.Close() }

// AuditLogger writes the per-tick money supply audit.
type AuditLogger struct{ w *JSONLZstdWriter }

func NewAuditLogger(runDir string, segmentTicks uint64) *AuditLogger {
	return &AuditLogger{w: NewJSONLZstdWriter(AuditDir(runDir), "audit", segmentTicks)}
}

func (l *AuditLogger) WriteAudit(a protocol.TickAudit) error { return l.w.Write(a.Tick, a) }
func (l *AuditLogger) Close() error                          { return l.w.Close() }

func TickDir(runDir string) string  { return filepath.Join(runDir, "ticks") }
func AuditDir(runDir string) string { return filepath.Join(runDir, "audit") }
