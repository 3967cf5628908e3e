package feed

import (
	"bufio"
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"instancewatch.app/internal/protocol"
)

type Config struct {
	// Dir is scanned for log files matching Pattern; the newest match is
	// followed. The game client starts a fresh file per run, so a newer
	// match appearing mid-run means a new session.
	Dir     string
	Pattern string

	PollInterval time.Duration

	// FromStart reads the initially attached file from its beginning
	// instead of tailing from the end. Files that appear later are always
	// read from the start.
	FromStart bool

	Logger *log.Logger
}

// Tailer follows the game client's log by polling: read newly appended
// lines, reopen on truncation, switch to newer files as they appear. Parsed
// events come out of Events in file order.
type Tailer struct {
	cfg    Config
	events chan protocol.Event

	path     string
	file     *os.File
	reader   *bufio.Reader
	offset   int64
	partial  string
	attached bool
}

func NewTailer(cfg Config) *Tailer {
	if cfg.Pattern == "" {
		cfg.Pattern = "output_log_*.txt"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Tailer{cfg: cfg, events: make(chan protocol.Event, 64)}
}

// Events is closed when Run returns.
func (t *Tailer) Events() <-chan protocol.Event { return t.events }

func (t *Tailer) Run(ctx context.Context) error {
	defer close(t.events)
	defer t.closeFile()

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := t.poll(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *Tailer) poll(ctx context.Context) error {
	newest, err := newestFile(t.cfg.Dir, t.cfg.Pattern)
	if err != nil {
		return err
	}
	if newest != "" && newest != t.path {
		if err := t.openFile(newest, t.attached || t.cfg.FromStart); err != nil {
			t.logf("open %s: %v", newest, err)
		} else {
			t.attached = true
		}
	}
	if t.file == nil {
		return nil
	}

	info, err := os.Stat(t.path)
	if err != nil {
		// Current file vanished; retry discovery next tick.
		t.closeFile()
		return nil
	}
	if info.Size() < t.offset {
		// Truncated in place: start over from the top.
		if err := t.openFile(t.path, true); err != nil {
			t.closeFile()
			return nil
		}
	}

	return t.drain(ctx)
}

// drain reads every complete appended line and emits the events it parses.
// A trailing line without a newline stays buffered until the writer finishes
// it.
func (t *Tailer) drain(ctx context.Context) error {
	if t.reader == nil {
		return nil
	}
	for {
		chunk, err := t.reader.ReadString('\n')
		if chunk != "" {
			t.offset += int64(len(chunk))
			if strings.HasSuffix(chunk, "\n") {
				line := t.partial + strings.TrimRight(chunk, "\r\n")
				t.partial = ""
				if ev, ok := Parse(line); ok {
					if derr := t.deliver(ctx, ev); derr != nil {
						return derr
					}
				}
			} else {
				t.partial += chunk
			}
		}
		if err != nil {
			return nil // io.EOF: wait for the next poll
		}
	}
}

func (t *Tailer) deliver(ctx context.Context, ev protocol.Event) error {
	select {
	case t.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tailer) openFile(path string, fromStart bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	var offset int64
	if !fromStart {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return err
		}
		offset = info.Size()
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return err
		}
	}
	t.closeFile()
	t.path = path
	t.file = f
	t.reader = bufio.NewReader(f)
	t.offset = offset
	return nil
}

func (t *Tailer) closeFile() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
	t.reader = nil
	t.path = ""
	t.offset = 0
	t.partial = ""
}

func (t *Tailer) logf(format string, args ...any) {
	if t.cfg.Logger != nil {
		t.cfg.Logger.Printf(format, args...)
	}
}

// newestFile picks the most recently modified match; name order breaks
// ties (client log names embed a timestamp).
func newestFile(dir, pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", err
	}
	var best string
	var bestMod time.Time
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		switch {
		case best == "",
			info.ModTime().After(bestMod),
			info.ModTime().Equal(bestMod) && m > best:
			best, bestMod = m, info.ModTime()
		}
	}
	return best, nil
}
