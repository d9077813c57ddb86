// Package logstore persists child output as per-run JSONL log files and
// serves filtered reads over them.
//
// Each run gets its own file named after its creation instant
// (YYYY-MM-DD_HH-MM-SS.log). Every captured line becomes one self-delimited
// JSON record:
//
//	{"timestamp":"2026-02-16T03:00:01.123Z","line":"Server starting"}
//
// Appends are serialized per file and written straight through to the OS so
// concurrent readers always observe whole records. Readers tolerate a
// corrupt or partially-written tail by skipping undecodable lines.
package logstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/llmshell/llmshell/internal/apierr"
)

// maxRecordBytes bounds how much of a single on-disk line Read will buffer.
// The pump splits child output well below this; a longer line is treated as
// corrupt and skipped like any other undecodable line.
const maxRecordBytes = 1 << 20

// timeLayout is ISO-8601 UTC with millisecond precision and a trailing Z.
const timeLayout = "2006-01-02T15:04:05.000Z"

// nameLayout is the log file name format, derived from the run's creation
// instant.
const nameLayout = "2006-01-02_15-04-05"

// Record is one captured output line.
type Record struct {
	Timestamp time.Time
	Line      string
}

// wireRecord is the on-disk JSON shape of a Record.
type wireRecord struct {
	Timestamp string `json:"timestamp"`
	Line      string `json:"line"`
}

// Filter selects which records Read returns. At most one field may be set;
// the zero Filter selects everything. The HTTP surface validates mutual
// exclusion before calling Read.
type Filter struct {
	// Lines selects the last N records when positive.
	Lines int

	// Seconds selects records no older than N seconds when positive.
	Seconds int
}

// Result is the outcome of a Read.
type Result struct {
	// Total counts every decodable record in the file.
	Total int

	// Returned counts the records selected by the filter.
	Returned int

	// Content is the selected records' lines joined by single newlines.
	Content string
}

// Store manages log files under a single directory.
type Store struct {
	dir string

	// Now is the wall clock used for the Seconds filter. Tests override it.
	Now func() time.Time

	mu        sync.Mutex
	appenders map[string]*appender
}

// appender holds an open write handle for one log file. Its mutex serializes
// appends so records are never interleaved.
type appender struct {
	mu sync.Mutex
	f  *os.File
}

// New creates a Store rooted at dir. The directory is created lazily by
// Create.
func New(dir string) *Store {
	return &Store{
		dir:       dir,
		Now:       time.Now,
		appenders: make(map[string]*appender),
	}
}

// Create produces a fresh, empty log file for a run created at the given
// instant and returns its absolute path. Same-second collisions are resolved
// with a numeric suffix.
func (s *Store) Create(created time.Time) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", apierr.Newf(apierr.Internal, "create log directory: %w", err)
	}

	base := created.UTC().Format(nameLayout)
	for i := 0; ; i++ {
		name := base + ".log"
		if i > 0 {
			name = fmt.Sprintf("%s_%d.log", base, i)
		}
		path := filepath.Join(s.dir, name)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			return "", apierr.Newf(apierr.Internal, "create log file: %w", err)
		}

		abs, err := filepath.Abs(path)
		if err != nil {
			f.Close()
			return "", apierr.Newf(apierr.Internal, "resolve log path: %w", err)
		}

		// Keep the handle open for appends.
		s.mu.Lock()
		s.appenders[abs] = &appender{f: f}
		s.mu.Unlock()

		return abs, nil
	}
}

// Append writes one record carrying the instant and the line (trailing CR/LF
// stripped) to the file at path. The write goes straight to the OS, so a
// concurrent Read observes it immediately.
func (s *Store) Append(path, line string, at time.Time) error {
	a, err := s.appenderFor(path)
	if err != nil {
		return err
	}

	rec := wireRecord{
		Timestamp: at.UTC().Format(timeLayout),
		Line:      strings.TrimRight(line, "\r\n"),
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return apierr.Newf(apierr.Internal, "encode log record: %w", err)
	}
	buf = append(buf, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.f.Write(buf); err != nil {
		return apierr.Newf(apierr.Internal, "append log record: %w", err)
	}
	return nil
}

// appenderFor returns the open appender for path, opening the file for
// append if the Store has not seen it yet (e.g. after a Close).
func (s *Store) appenderFor(path string) (*appender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.appenders[path]; ok {
		return a, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierr.Newf(apierr.NotFound, "log file not found: %s", path)
		}
		return nil, apierr.Newf(apierr.Internal, "open log file: %w", err)
	}
	a := &appender{f: f}
	s.appenders[path] = a
	return a, nil
}

// Close releases the write handle for path. Appending after Close reopens
// the file. Closing an unknown path is a no-op.
func (s *Store) Close(path string) {
	s.mu.Lock()
	a, ok := s.appenders[path]
	delete(s.appenders, path)
	s.mu.Unlock()

	if ok {
		a.mu.Lock()
		a.f.Close()
		a.mu.Unlock()
	}
}

// CloseAll releases every open write handle. Called on daemon shutdown.
func (s *Store) CloseAll() {
	s.mu.Lock()
	appenders := s.appenders
	s.appenders = make(map[string]*appender)
	s.mu.Unlock()

	for _, a := range appenders {
		a.mu.Lock()
		a.f.Close()
		a.mu.Unlock()
	}
}

// Read scans the file at path and returns the records selected by f, in
// file order. Undecodable lines (including a partially-written tail and
// lines beyond maxRecordBytes) are skipped and do not count toward
// Result.Total.
func (s *Store) Read(path string, f Filter) (Result, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, apierr.Newf(apierr.NotFound, "log file not found: %s", path)
		}
		return Result{}, apierr.Newf(apierr.Internal, "open log file: %w", err)
	}
	defer file.Close()

	var (
		records   []Record
		line      []byte
		oversized bool
	)
	reader := bufio.NewReaderSize(file, 64*1024)
	for {
		chunk, rerr := reader.ReadSlice('\n')
		if !oversized {
			line = append(line, chunk...)
			if len(line) > maxRecordBytes {
				// Skip the rest of this line; resynchronize at the
				// next newline.
				line = line[:0]
				oversized = true
			}
		}
		if errors.Is(rerr, bufio.ErrBufferFull) {
			continue
		}

		if !oversized {
			if rec, ok := decodeRecord(line); ok {
				records = append(records, rec)
			}
		}
		line, oversized = line[:0], false

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return Result{}, apierr.Newf(apierr.Internal, "read log file: %w", rerr)
		}
	}

	total := len(records)
	selected := records
	switch {
	case f.Seconds > 0:
		// Sample the clock once for the whole call.
		cutoff := s.Now().UTC().Add(-time.Duration(f.Seconds) * time.Second)
		kept := selected[:0:0]
		for _, r := range selected {
			if !r.Timestamp.Before(cutoff) {
				kept = append(kept, r)
			}
		}
		selected = kept
	case f.Lines > 0:
		if f.Lines < len(selected) {
			selected = selected[len(selected)-f.Lines:]
		}
	}

	lines := make([]string, len(selected))
	for i, r := range selected {
		lines[i] = r.Line
	}

	return Result{
		Total:    total,
		Returned: len(selected),
		Content:  strings.Join(lines, "\n"),
	}, nil
}

// decodeRecord parses one on-disk line. The trailing newline is tolerated
// by the JSON decoder.
func decodeRecord(line []byte) (Record, bool) {
	var w wireRecord
	if err := json.Unmarshal(line, &w); err != nil {
		return Record{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return Record{}, false
	}
	return Record{Timestamp: ts, Line: w.Line}, true
}
