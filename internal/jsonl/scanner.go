package jsonl

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/tidwall/gjson"
)

// ErrNoRecord is returned by ReadFirstRecord when the file holds no
// decodable line.
var ErrNoRecord = errors.New("jsonl: no valid record")

// Offset is a resume position inside a session file. Byte is the position
// immediately after the last fully parsed newline; Line and Turn are the
// running counters so an incremental scan continues numbering where the
// previous one stopped.
type Offset struct {
	Byte int64 `json:"byte"`
	Line int   `json:"line"`
	Turn int   `json:"turn"`
}

// ScanResult is the outcome of one scan pass.
type ScanResult struct {
	Records   []*Record
	Next      Offset
	Malformed int
}

// ScanFrom reads records from path starting at the given offset. Complete
// lines advance the offset whether or not they decode; a trailing line
// without a newline is left for the next call. Malformed lines are counted,
// never fatal. Given identical file contents and offset, the records and
// their indexes are identical.
func ScanFrom(path string, off Offset) (*ScanResult, error) {
	f, err := openRetry(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if off.Byte > 0 {
		if _, err := f.Seek(off.Byte, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seeking %s to %d: %w", path, off.Byte, err)
		}
	}

	res := &ScanResult{Next: off}
	reader := bufio.NewReader(f)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return res, fmt.Errorf("reading %s: %w", path, err)
		}
		if len(line) == 0 {
			break
		}
		// A line without a trailing newline is still being appended.
		// Leave the offset before it so the next scan re-reads it whole.
		if line[len(line)-1] != '\n' {
			break
		}

		lineIndex := res.Next.Line
		res.Next.Byte += int64(len(line))
		res.Next.Line++

		data := bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		if !gjson.ValidBytes(data) {
			res.Malformed++
			continue
		}
		rec, derr := decodeRecord(data)
		if derr != nil {
			res.Malformed++
			continue
		}

		rec.LineIndex = lineIndex
		if rec.IsMessage() {
			res.Next.Turn++
		}
		rec.TurnIndex = res.Next.Turn
		res.Records = append(res.Records, rec)
	}

	return res, nil
}

// ReadFirstRecord decodes only the first line of a file. Subagent files
// carry their parent linkage there, so this avoids a full parse.
func ReadFirstRecord(path string) (*Record, error) {
	f, err := openRetry(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	line, err := reader.ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	data := bytes.TrimRight(line, "\r\n")
	if len(bytes.TrimSpace(data)) == 0 || !gjson.ValidBytes(data) {
		return nil, ErrNoRecord
	}
	rec, derr := decodeRecord(data)
	if derr != nil {
		return nil, ErrNoRecord
	}
	rec.LineIndex = 0
	return rec, nil
}

// openRetry opens a file, retrying once on transient errnos. Live session
// files are rewritten by the agent under load and an occasional EINTR from
// the watcher storm is expected.
func openRetry(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil && (errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR)) {
		f, err = os.Open(path)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}
