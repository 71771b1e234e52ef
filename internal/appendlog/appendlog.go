// Package appendlog manages the line-delimited, append-only files a crawl
// writes to its output directory (features, seen ids, dead letters).
package appendlog

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const tailChunk = 64 * 1024

// Open opens path for appending, creating it when missing. A trailing line
// left without its newline by an interrupted write is truncated first so the
// file only ever holds complete records.
func Open(path string) (*os.File, error) {
	if _, err := Repair(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, eris.Wrapf(err, "appendlog: open %s", path)
	}
	return f, nil
}

// Repair truncates a partial final line from path and returns the number of
// bytes dropped. A missing file is not an error.
func Repair(path string) (int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "appendlog: open %s for repair", path)
	}
	defer f.Close() //nolint:errcheck

	info, err := f.Stat()
	if err != nil {
		return 0, eris.Wrapf(err, "appendlog: stat %s", path)
	}
	size := info.Size()
	if size == 0 {
		return 0, nil
	}

	keep, err := lastNewline(f, size)
	if err != nil {
		return 0, eris.Wrapf(err, "appendlog: scan tail of %s", path)
	}
	if keep == size {
		return 0, nil
	}

	if err := f.Truncate(keep); err != nil {
		return 0, eris.Wrapf(err, "appendlog: truncate %s", path)
	}
	dropped := size - keep
	zap.L().Warn("appendlog: dropped partial trailing line",
		zap.String("path", path),
		zap.Int64("bytes", dropped),
	)
	return dropped, nil
}

// lastNewline returns the offset just past the final '\n' in f, or 0 if the
// file has none.
func lastNewline(f *os.File, size int64) (int64, error) {
	buf := make([]byte, tailChunk)
	end := size
	for end > 0 {
		start := end - tailChunk
		if start < 0 {
			start = 0
		}
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}
	return 0, nil
}

// Scan calls fn with every complete, non-blank line of path, without the
// trailing newline. A partial final line is ignored. A missing file yields no
// lines. The slice passed to fn is only valid for the duration of the call.
func Scan(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "appendlog: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	r := bufio.NewReaderSize(f, tailChunk)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return eris.Wrapf(err, "appendlog: read %s", path)
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
}

// WriteLine writes b plus a newline in a single write call.
func WriteLine(w io.Writer, b []byte) error {
	line := make([]byte, 0, len(b)+1)
	line = append(line, b...)
	line = append(line, '\n')
	_, err := w.Write(line)
	return err
}

// Count returns the number of complete, non-blank lines in path.
func Count(path string) (int, error) {
	n := 0
	err := Scan(path, func([]byte) error {
		n++
		return nil
	})
	return n, err
}
