package supervisor

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"
)

// maxLineBytes caps how much of a newline-free stream the pump buffers
// before force-splitting it into a record, so a child that emits raw binary
// data cannot grow the daemon without bound.
const maxLineBytes = 256 * 1024

// pump transfers the child's merged stdout+stderr into the log store, one
// timestamped record per line, until EOF. It owns the pipe's read end and
// closes it on exit. It never takes the supervisor's locks: a blocking read
// here must not stall status queries.
//
// Lines longer than maxLineBytes are split into multiple records. Read
// errors other than EOF are logged and end the pump; the waiter treats that
// the same as EOF.
func (s *Supervisor) pump(r *run, pipe *os.File) {
	defer close(r.pumpDone)
	defer pipe.Close()
	defer s.store.Close(r.LogFile)

	reader := bufio.NewReaderSize(pipe, maxLineBytes)
	for {
		chunk, err := reader.ReadSlice('\n')
		if len(chunk) > 0 {
			text := strings.TrimRight(string(chunk), "\r\n")
			if !utf8.ValidString(text) {
				// Binary output must not crash the pump; invalid
				// sequences become replacement characters.
				text = strings.ToValidUTF8(text, "�")
			}
			if aerr := s.store.Append(r.LogFile, text, time.Now()); aerr != nil {
				s.log.WithError(aerr).WithField("log_file", r.LogFile).Warn("pump: append")
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			// No newline within the buffer: the chunk above became a
			// record of its own and the rest of the line follows.
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.WithError(err).WithField("pid", r.PID).Warn("pump: read child output")
			}
			return
		}
	}
}
