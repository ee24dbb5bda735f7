package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/3leaps/rexmon/pkg/remote"
)

// Writer outputs monitoring events.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each Write* method emits one complete event.
type Writer interface {
	// WriteLine emits an execution log line.
	WriteLine(ctx context.Context, line *LineRecord) error

	// WriteStatus emits a status transition.
	WriteStatus(ctx context.Context, status *StatusRecord) error

	// WriteError emits an error record.
	WriteError(ctx context.Context, err *ErrorRecord) error

	// WriteSummary emits the final summary.
	WriteSummary(ctx context.Context, sum *SummaryRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// JSONLWriter is safe for concurrent use. Writes are serialized using
// a mutex to ensure atomic line writes (no interleaved output).
type JSONLWriter struct {
	w        io.Writer
	runID    string
	instance string
	mu       sync.Mutex

	// closed indicates the writer has been closed.
	closed bool
}

// NewJSONLWriter creates a new JSONL writer.
//
// Parameters:
//   - w: The underlying writer (stdout, file, etc.)
//   - runID: Correlation ID for this run
//   - instance: Remote instance name
func NewJSONLWriter(w io.Writer, runID, instance string) *JSONLWriter {
	return &JSONLWriter{
		w:        w,
		runID:    runID,
		instance: instance,
	}
}

// WriteLine emits a line record.
func (jw *JSONLWriter) WriteLine(ctx context.Context, line *LineRecord) error {
	return jw.writeRecord(ctx, TypeLine, line)
}

// WriteStatus emits a status record.
func (jw *JSONLWriter) WriteStatus(ctx context.Context, status *StatusRecord) error {
	return jw.writeRecord(ctx, TypeStatus, status)
}

// WriteError emits an error record.
func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, err)
}

// WriteSummary emits a summary record.
func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, sum)
}

// Close marks the writer as closed.
//
// If the underlying writer implements io.Closer, it is NOT closed.
// The caller is responsible for closing the underlying writer.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

// writeRecord marshals data and writes a complete record line while
// holding the mutex.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	record := Record{
		Type:     recordType,
		TS:       time.Now().UTC(),
		RunID:    jw.runID,
		Instance: jw.instance,
		Data:     dataBytes,
	}

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// TextWriter prints events for a terminal. Log lines go to out; status,
// errors and the summary go to info so that out carries only the log.
type TextWriter struct {
	out  io.Writer
	info io.Writer
	mu   sync.Mutex

	closed bool
}

// NewTextWriter creates a text writer.
func NewTextWriter(out, info io.Writer) *TextWriter {
	return &TextWriter{out: out, info: info}
}

func (tw *TextWriter) WriteLine(ctx context.Context, line *LineRecord) error {
	return tw.print(ctx, tw.out, FormatLine(remote.LogLine{
		Message:   line.Message,
		Level:     line.Level,
		Timestamp: line.Timestamp,
	}))
}

func (tw *TextWriter) WriteStatus(ctx context.Context, status *StatusRecord) error {
	var b strings.Builder
	b.WriteString("==> ")
	b.WriteString(status.Phase)
	if status.Job != "" {
		b.WriteString(" " + status.Job)
	}
	if status.ExecutionID != "" {
		b.WriteString(" execution=" + status.ExecutionID)
	}
	if status.Status != "" {
		b.WriteString(" status=" + status.Status)
	}
	if status.URL != "" {
		b.WriteString(" url=" + status.URL)
	}
	if status.Detail != "" {
		b.WriteString(" (" + status.Detail + ")")
	}
	return tw.print(ctx, tw.info, b.String())
}

func (tw *TextWriter) WriteError(ctx context.Context, rec *ErrorRecord) error {
	msg := fmt.Sprintf("error [%s]: %s", rec.Code, rec.Message)
	if rec.ResumeHint != "" {
		msg += "\nresume with: " + rec.ResumeHint
	}
	return tw.print(ctx, tw.info, msg)
}

func (tw *TextWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	msg := fmt.Sprintf("==> execution %s finished: %s (%s), %d lines, offset %d, %s",
		sum.ExecutionID, sum.Status, sum.Outcome, sum.LinesSeen, sum.LastOffset, sum.DurationHuman)
	if sum.Cancelled {
		msg += ", cancelled"
	}
	if sum.ArchiveURI != "" {
		msg += "\n==> log archived to " + sum.ArchiveURI
	}
	return tw.print(ctx, tw.info, msg)
}

// Close marks the writer as closed.
func (tw *TextWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	tw.closed = true
	return nil
}

func (tw *TextWriter) print(ctx context.Context, w io.Writer, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.closed {
		return ErrWriterClosed
	}
	if err := writeAll(w, []byte(msg+"\n")); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// FormatLine renders a log line as "time [level] message". A missing
// timestamp renders as "-" and a missing level as NORMAL.
func FormatLine(l remote.LogLine) string {
	ts := "-"
	if !l.Timestamp.IsZero() {
		ts = l.Timestamp.UTC().Format(time.RFC3339)
	}
	level := l.Level
	if level == "" {
		level = "NORMAL"
	}
	return ts + " [" + level + "] " + l.Message
}

// writeAll writes all bytes to w, handling short writes.
//
// io.Writer.Write may return n < len(p) with a nil error (short write).
// This function loops until all bytes are written or an error occurs.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			// No progress made - avoid infinite loop
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var (
	_ Writer = (*JSONLWriter)(nil)
	_ Writer = (*TextWriter)(nil)
)
