package events

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/JoeGlenn1213/lgh/pkg/fsutil"
)

const tailChunk = 4096

// Log is the durable JSONL event log. Appends are serialized in-process by a
// mutex and across processes by a flock on a sidecar lock file, so every
// process writing to the same data home shares one sequence.
type Log struct {
	path string
	mu   sync.Mutex
	lock *fsutil.FileLock
	now  func() time.Time
}

func NewLog(path string) *Log {
	return &Log{
		path: path,
		lock: fsutil.NewFileLock(path + ".lock"),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (l *Log) Path() string {
	return l.path
}

func (l *Log) acquire() (func(), error) {
	l.mu.Lock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	if err := l.lock.Acquire(); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	return func() {
		_ = l.lock.Release()
		l.mu.Unlock()
	}, nil
}

// Append sequences draft, writes it as one line and fsyncs before returning.
func (l *Log) Append(ctx context.Context, draft Draft) (Event, error) {
	if !draft.Kind.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrInvalidKind, draft.Kind)
	}
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}

	release, err := l.acquire()
	if err != nil {
		return Event{}, err
	}
	defer release()

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return Event{}, fmt.Errorf("open event log: %w", err)
	}
	defer file.Close()

	last, err := lastEvent(file)
	if err != nil {
		return Event{}, err
	}

	event := Event{
		Seq:     last.Seq + 1,
		Time:    draft.Time,
		Repo:    draft.Repo,
		Kind:    draft.Kind,
		Payload: draft.Payload,
	}
	if event.Time.IsZero() {
		event.Time = l.now()
	}

	line, err := json.Marshal(event)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event: %w", err)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return Event{}, fmt.Errorf("seek to end: %w", err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		return Event{}, fmt.Errorf("write event: %w", err)
	}
	if err := file.Sync(); err != nil {
		return Event{}, fmt.Errorf("sync event log: %w", err)
	}

	return event, nil
}

// lastEvent reads the final line of the log without scanning the whole file.
// A log whose last byte is not a newline has a torn tail and is refused.
func lastEvent(file *os.File) (Event, error) {
	info, err := file.Stat()
	if err != nil {
		return Event{}, fmt.Errorf("stat event log: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return Event{}, nil
	}

	var tail []byte
	offset := size
	for {
		n := int64(tailChunk)
		if offset < n {
			n = offset
		}
		offset -= n
		chunk := make([]byte, n)
		if _, err := file.ReadAt(chunk, offset); err != nil {
			return Event{}, fmt.Errorf("read event log: %w", err)
		}
		tail = append(chunk, tail...)

		if tail[len(tail)-1] != '\n' {
			return Event{}, fmt.Errorf("%w: %w", ErrCorruptLog, ErrTornTail)
		}
		body := tail[:len(tail)-1]
		if idx := bytes.LastIndexByte(body, '\n'); idx >= 0 {
			return decodeLine(body[idx+1:])
		}
		if offset == 0 {
			return decodeLine(body)
		}
	}
}

func decodeLine(line []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(line, &event); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrCorruptLog, err)
	}
	if event.Seq == 0 {
		return Event{}, fmt.Errorf("%w: record without sequence number", ErrCorruptLog)
	}
	return event, nil
}

// scanLines calls fn for every complete line of r. An incomplete final line is
// reported through the torn return value and not passed to fn.
func scanLines(r io.Reader, fn func(line []byte) error) (consumed int64, torn bool, err error) {
	reader := bufio.NewReader(r)
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			consumed += int64(len(line))
			if err := fn(line[:len(line)-1]); err != nil {
				return consumed, false, err
			}
		} else if len(line) > 0 {
			torn = true
		}
		if readErr == io.EOF {
			return consumed, torn, nil
		}
		if readErr != nil {
			return consumed, torn, readErr
		}
	}
}

// ReadFrom returns up to limit events with seq >= from in log order. A limit
// of zero or less returns all of them. A partially written final line, which
// may belong to an append in progress, is ignored.
func (l *Log) ReadFrom(from uint64, limit int) ([]Event, error) {
	file, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer file.Close()

	var result []Event
	errLimit := errors.New("limit reached")
	_, _, err = scanLines(file, func(line []byte) error {
		event, err := decodeLine(line)
		if err != nil {
			return err
		}
		if event.Seq < from {
			return nil
		}
		result = append(result, event)
		if limit > 0 && len(result) >= limit {
			return errLimit
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return nil, err
	}
	return result, nil
}

// Bounds reports the oldest and newest retained sequence numbers.
func (l *Log) Bounds() (Bounds, error) {
	file, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Bounds{}, nil
		}
		return Bounds{}, fmt.Errorf("open event log: %w", err)
	}
	defer file.Close()

	var bounds Bounds
	first := errors.New("first")
	_, _, err = scanLines(file, func(line []byte) error {
		event, err := decodeLine(line)
		if err != nil {
			return err
		}
		bounds.Oldest = event.Seq
		return first
	})
	if err != nil && !errors.Is(err, first) {
		return Bounds{}, err
	}
	if bounds.Oldest == 0 {
		return Bounds{}, nil
	}

	last, err := lastCompleteEvent(file)
	if err != nil {
		return Bounds{}, err
	}
	bounds.Last = last.Seq
	return bounds, nil
}

// lastCompleteEvent tolerates a torn tail by dropping it.
func lastCompleteEvent(file *os.File) (Event, error) {
	info, err := file.Stat()
	if err != nil {
		return Event{}, fmt.Errorf("stat event log: %w", err)
	}
	data := make([]byte, 0, tailChunk)
	offset := info.Size()
	for offset > 0 {
		n := int64(tailChunk)
		if offset < n {
			n = offset
		}
		offset -= n
		chunk := make([]byte, n)
		if _, err := file.ReadAt(chunk, offset); err != nil {
			return Event{}, fmt.Errorf("read event log: %w", err)
		}
		data = append(chunk, data...)

		end := bytes.LastIndexByte(data, '\n')
		if end < 0 {
			continue
		}
		start := bytes.LastIndexByte(data[:end], '\n')
		if start >= 0 || offset == 0 {
			return decodeLine(data[start+1 : end])
		}
	}
	return Event{}, nil
}

type VerifyResult struct {
	Count  int
	Oldest uint64
	Last   uint64
}

// Verify scans the whole log. Invalid JSON, a sequence gap or a torn final
// line are reported as ErrCorruptLog.
func (l *Log) Verify() (VerifyResult, error) {
	var result VerifyResult

	file, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return result, nil
		}
		return result, fmt.Errorf("open event log: %w", err)
	}
	defer file.Close()

	lineNo := 0
	_, torn, err := scanLines(file, func(line []byte) error {
		lineNo++
		event, err := decodeLine(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		if result.Count > 0 && event.Seq != result.Last+1 {
			return fmt.Errorf("%w: line %d: sequence %d follows %d", ErrCorruptLog, lineNo, event.Seq, result.Last)
		}
		if result.Count == 0 {
			result.Oldest = event.Seq
		}
		result.Last = event.Seq
		result.Count++
		return nil
	})
	if err != nil {
		return result, err
	}
	if torn {
		return result, fmt.Errorf("%w: %w after sequence %d", ErrCorruptLog, ErrTornTail, result.Last)
	}
	return result, nil
}

// Compact atomically rewrites the log keeping only the newest keep events.
// It returns the number of events removed.
func (l *Log) Compact(keep int) (int, error) {
	if keep < 1 {
		return 0, ErrInvalidKeep
	}

	release, err := l.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read event log: %w", err)
	}

	var lines [][]byte
	_, torn, err := scanLines(bytes.NewReader(data), func(line []byte) error {
		if _, err := decodeLine(line); err != nil {
			return err
		}
		lines = append(lines, append([]byte(nil), line...))
		return nil
	})
	if err != nil {
		return 0, err
	}
	if torn {
		return 0, fmt.Errorf("%w: %w", ErrCorruptLog, ErrTornTail)
	}
	if len(lines) <= keep {
		return 0, nil
	}

	removed := len(lines) - keep
	var buf bytes.Buffer
	for _, line := range lines[removed:] {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := fsutil.WriteFileAtomic(l.path, buf.Bytes(), 0o644); err != nil {
		return 0, fmt.Errorf("rewrite event log: %w", err)
	}
	return removed, nil
}

// TruncateTornTail drops an incomplete final line left by a crash during
// append. It reports whether anything was removed.
func (l *Log) TruncateTornTail() (bool, error) {
	release, err := l.acquire()
	if err != nil {
		return false, err
	}
	defer release()

	file, err := os.OpenFile(l.path, os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("open event log: %w", err)
	}
	defer file.Close()

	consumed, torn, err := scanLines(file, func([]byte) error { return nil })
	if err != nil {
		return false, fmt.Errorf("scan event log: %w", err)
	}
	if !torn {
		return false, nil
	}
	if err := file.Truncate(consumed); err != nil {
		return false, fmt.Errorf("truncate event log: %w", err)
	}
	if err := file.Sync(); err != nil {
		return false, fmt.Errorf("sync event log: %w", err)
	}
	return true, nil
}
