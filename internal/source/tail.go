package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/smukkama/weather-warehouse/internal/checkpoint"
	"github.com/smukkama/weather-warehouse/internal/logger"
)

// line is one complete line of an appendable file.
type line struct {
	offset int64
	text   []byte
}

// tail reads the complete lines appended to a file since the committed offset.
type tail struct {
	name  string
	path  string
	store checkpoint.Store
	now   func() time.Time

	// reached is the offset just past the last line returned by read.
	reached   int64
	extracted bool
}

func newTail(name, path string, store checkpoint.Store) *tail {
	return &tail{name: name, path: path, store: store, now: time.Now}
}

// read returns the new complete lines. A trailing line without a newline is
// left for the next call. A missing file yields no lines.
func (t *tail) read(ctx context.Context) ([]line, error) {
	cp, err := t.store.Get(ctx, t.name)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s checkpoint: %w", t.name, err)
	}

	f, err := os.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Debugf("%s: %s does not exist yet", t.name, t.path)
		t.reached, t.extracted = cp.Offset, true
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", t.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", t.path, err)
	}

	offset := cp.Offset
	if info.Size() < offset {
		logger.Warnf("%s: %s is smaller than its checkpoint (%d < %d), reading from the start",
			t.name, t.path, info.Size(), offset)
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek %s: %w", t.path, err)
	}

	var lines []line
	r := bufio.NewReaderSize(f, 64*1024)
	pos := offset
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := r.ReadBytes('\n')
		if len(b) > 0 && b[len(b)-1] == '\n' {
			text := bytes.TrimRight(b, "\r\n")
			if len(bytes.TrimSpace(text)) > 0 {
				lines = append(lines, line{offset: pos, text: text})
			}
			pos += int64(len(b))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", t.path, err)
		}
	}

	t.reached, t.extracted = pos, true
	return lines, nil
}

// commit persists the offset reached by the last read.
func (t *tail) commit(ctx context.Context) error {
	if !t.extracted {
		return nil
	}
	cp := checkpoint.Checkpoint{Offset: t.reached, UpdatedAt: t.now().UTC()}
	if err := t.store.Set(ctx, t.name, cp); err != nil {
		return fmt.Errorf("failed to commit %s checkpoint: %w", t.name, err)
	}
	t.extracted = false
	return nil
}

func (t *tail) position(l line) string {
	return fmt.Sprintf("%s@%d", t.path, l.offset)
}
