package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"macrosim.ai/internal/protocol"
	"macrosim.ai/internal/sim/kernel"
)

// ErrStop ends a scan early without error.
var ErrStop = errors.New("stop scan")

// Segments lists the *.jsonl.zst files in dir in tick order.
func Segments(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// ScanLines calls fn with every JSON line of every segment in dir.
func ScanLines(dir string, fn func(line []byte) error) error {
	paths, err := Segments(dir)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := scanFile(p, fn); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

func scanFile(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := fn(sc.Bytes()); err != nil {
			if errors.Is(err, ErrStop) {
				return err
			}
			return fmt.Errorf("%s:%d: %w", filepath.Base(path), line, err)
		}
	}
	return sc.Err()
}

func ReadTicks(runDir string, fn func(kernel.TickRecord) error) error {
	return ScanLines(TickDir(runDir), func(line []byte) error {
		var rec kernel.TickRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		return fn(rec)
	})
}

func ReadAudits(runDir string, fn func(protocol.TickAudit) error) error {
	return ScanLines(AuditDir(runDir), func(line []byte) error {
		var a protocol.TickAudit
		if err := json.Unmarshal(line, &a); err != nil {
			return err
		}
		return fn(a)
	})
}
