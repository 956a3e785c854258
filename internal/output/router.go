package output

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/vigil/internal/logger"
	"github.com/loykin/vigil/internal/process"
)

// Sink is an append-only destination shared by both forwarding goroutines.
type Sink interface {
	Append(line []byte) error
	Close() error
}

// writerSink serializes appends to an io.Writer.
type writerSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewSink wraps w as a lock-protected Sink. Close closes w when it is an io.Closer.
func NewSink(w io.Writer) Sink { return &writerSink{w: w} }

func (s *writerSink) Append(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(line)
	return err
}

func (s *writerSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Sinks are the per-process destinations. A nil Out or Err drops that stream.
type Sinks struct {
	Out Sink
	Err Sink
}

// Close closes both sinks once, even when they are the same.
func (s Sinks) Close() error {
	var errs []error
	if s.Out != nil {
		errs = append(errs, s.Out.Close())
	}
	if s.Err != nil && s.Err != s.Out {
		errs = append(errs, s.Err.Close())
	}
	return errors.Join(errs...)
}

// OpenSinks builds rotating file sinks for spec. Paths that are equal share
// one underlying writer so interleaved lines never race on rotation.
func OpenSinks(spec process.LogSpec) (Sinks, error) {
	files := logger.FileConfig{
		MaxSizeMB:  spec.MaxSizeMB,
		MaxBackups: spec.MaxBackups,
		MaxAgeDays: spec.MaxAgeDays,
		Compress:   spec.Compress,
	}
	var s Sinks
	open := func(path string) (Sink, error) {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, err
		}
		return NewSink(files.Rotating(path)), nil
	}
	var err error
	if spec.OutFile != "" {
		if s.Out, err = open(spec.OutFile); err != nil {
			return Sinks{}, err
		}
	}
	if spec.ErrFile != "" {
		if filepath.Clean(spec.ErrFile) == filepath.Clean(spec.OutFile) {
			s.Err = s.Out
		} else if s.Err, err = open(spec.ErrFile); err != nil {
			_ = s.Close()
			return Sinks{}, err
		}
	}
	return s, nil
}

// Router forwards child output into sinks.
type Router struct {
	Format Formatter
	Now    func() time.Time
	// Fallback receives sink write failures; defaults to a stderr text logger.
	Fallback *slog.Logger
}

// NewRouter returns a Router prefixing lines according to dateFormat.
func NewRouter(dateFormat string) *Router {
	return &Router{Format: NewFormatter(dateFormat), Now: time.Now}
}

// Forwarding tracks the two goroutines started by Attach.
type Forwarding struct {
	wg sync.WaitGroup
}

// Wait blocks until both streams reached EOF.
func (f *Forwarding) Wait() { f.wg.Wait() }

// Attach starts forwarding stdout to sinks.Out and stderr to sinks.Err.
// It returns immediately; each stream is drained by its own goroutine until EOF
// so the child never blocks on a full pipe even when a sink is missing.
func (r *Router) Attach(name string, stdout, stderr io.ReadCloser, sinks Sinks) *Forwarding {
	f := &Forwarding{}
	for _, st := range []struct {
		stream string
		rc     io.ReadCloser
		sink   Sink
	}{{"stdout", stdout, sinks.Out}, {"stderr", stderr, sinks.Err}} {
		if st.rc == nil {
			continue
		}
		f.wg.Add(1)
		go func(stream string, rc io.ReadCloser, sink Sink) {
			defer f.wg.Done()
			defer func() { _ = rc.Close() }()
			r.forward(name, stream, rc, sink)
		}(st.stream, st.rc, st.sink)
	}
	return f
}

func (r *Router) forward(name, stream string, rc io.Reader, sink Sink) {
	br := bufio.NewReader(rc)
	failing := false
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 && sink != nil {
			if werr := sink.Append(r.prefix(line)); werr != nil {
				// report once per failure streak
				if !failing {
					r.fallback().Error("output sink write failed", "name", name, "stream", stream, "error", werr)
				}
				failing = true
			} else {
				failing = false
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				r.fallback().Warn("output stream read failed", "name", name, "stream", stream, "error", err)
			}
			return
		}
	}
}

func (r *Router) prefix(line []byte) []byte {
	if line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}
	if !r.Format.Enabled() {
		return line
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	ts := r.Format.Format(now())
	out := make([]byte, 0, len(ts)+2+len(line))
	out = append(out, ts...)
	out = append(out, ':', ' ')
	return append(out, line...)
}

func (r *Router) fallback() *slog.Logger {
	if r.Fallback != nil {
		return r.Fallback
	}
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}
