package host

import (
	"io"
	"sync"
)

// Stream tags an output record with the console channel it came from.
type Stream string

const (
	StreamOut Stream = "out"
	StreamErr Stream = "err"
)

// OutputRecord is one console line. It is handed to the sink as soon as it is
// produced; the host keeps no copy.
type OutputRecord struct {
	Stream Stream
	Text   string
}

// Sink receives console output. Emit must not block for long: it runs on the
// instance's script goroutine.
type Sink interface {
	Emit(rec OutputRecord)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(rec OutputRecord)

// Emit calls f(rec).
func (f SinkFunc) Emit(rec OutputRecord) {
	f(rec)
}

// WriterSink writes "[out]: text" records to one writer and "[err]: text"
// records to another. Each record is a single Write under a mutex, so lines
// from concurrent emitters never interleave. Write errors are swallowed.
type WriterSink struct {
	mu  sync.Mutex
	out io.Writer
	err io.Writer
}

// NewWriterSink returns a sink over the given writers.
func NewWriterSink(out, err io.Writer) *WriterSink {
	return &WriterSink{out: out, err: err}
}

// Emit writes rec to the writer for its stream.
func (s *WriterSink) Emit(rec OutputRecord) {
	w := s.out
	if rec.Stream == StreamErr {
		w = s.err
	}
	line := "[" + string(rec.Stream) + "]: " + rec.Text

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = io.WriteString(w, line)
}

// Tee returns a sink that emits every record to each of sinks in order.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(rec OutputRecord) {
		for _, s := range sinks {
			s.Emit(rec)
		}
	})
}
