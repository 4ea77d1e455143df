package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"

	"macrosim.ai/internal/sim/tuning"
)

// NewLogger fans records out to a text handler on w, an optional JSON file and an
// optional systemd journal. The returned close func closes the JSON file.
func NewLogger(cfg tuning.Log, w io.Writer) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	if s := strings.TrimSpace(cfg.Level); s != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(s)); err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
		level.Set(lvl)
	}
	opts := &slog.HandlerOptions{Level: level}

	text := slog.NewTextHandler(w, opts)
	handlers := []slog.Handler{text}
	closeFn := func() error { return nil }

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
		closeFn = f.Close
	}

	if cfg.Journal {
		jh, err := slogjournal.NewHandler(&slogjournal.Options{
			Level:        level,
			ReplaceGroup: toJournalKey,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				a.Key = toJournalKey(a.Key)
				return a
			},
		})
		if err != nil {
			r := slog.NewRecord(time.Now(), slog.LevelWarn, "systemd journal unavailable", 0)
			r.Add("err", err)
			_ = text.Handle(context.Background(), r)
		} else {
			handlers = append(handlers, jh)
		}
	}

	return slog.New(slogmulti.Fanout(handlers...)), closeFn, nil
}

// Journal field names must be upper case ASCII letters, digits and underscores.
func toJournalKey(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, strings.ToUpper(s))
}
