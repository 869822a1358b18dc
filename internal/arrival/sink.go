package arrival

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// Sink receives the gate's time series, one line per sample.
type Sink interface {
	AppendLine(line string) error
	Flush() error
	Close() error
}

// WriterSink is a buffered Sink over an io.Writer.
type WriterSink struct {
	w      *bufio.Writer
	closer io.Closer
}

// NewWriterSink wraps w. Close closes w as well when it is an io.Closer.
func NewWriterSink(w io.Writer) *WriterSink {
	s := &WriterSink{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// OpenFileSink creates (or truncates) the file at path.
func OpenFileSink(path string) (*WriterSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("arrival: open log: %w", err)
	}
	return NewWriterSink(f), nil
}

// AppendLine implements Sink.
func (s *WriterSink) AppendLine(line string) error {
	if _, err := s.w.WriteString(line); err != nil {
		return err
	}
	return s.w.WriteByte('\n')
}

// Flush implements Sink.
func (s *WriterSink) Flush() error {
	return s.w.Flush()
}

// Close implements Sink.
func (s *WriterSink) Close() error {
	err := s.w.Flush()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
