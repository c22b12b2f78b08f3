package synclog

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Stamper implements io.Writer and prefixes every complete line with a
// sequence number and an RFC3339 timestamp before passing it on.
// Incomplete trailing data is held back until the next newline or Close.
type Stamper struct {
	target io.Writer
	seq    atomic.Uint64
	now    func() time.Time

	mu  sync.Mutex
	buf bytes.Buffer
}

func NewStamper(target io.Writer) *Stamper {
	return &Stamper{target: target, now: time.Now}
}

func (s *Stamper) writeLine(line []byte) error {
	seq := s.seq.Add(1)

	var out bytes.Buffer
	out.WriteString(slog.Uint64("line", seq).String())
	out.WriteByte(' ')
	out.WriteString(slog.String("time", s.now().Format(time.RFC3339)).String())
	out.WriteByte(' ')
	out.Write(bytes.TrimRight(line, "\r"))
	out.WriteByte('\n')

	_, err := s.target.Write(out.Bytes())
	return err
}

// Write implements io.Writer.
func (s *Stamper) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Write(p)
	for {
		idx := bytes.IndexByte(s.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, s.buf.Next(idx+1)[:idx])
		if err := s.writeLine(line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close flushes buffered data and closes the target when it is an io.Closer.
func (s *Stamper) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buf.Len() > 0 {
		rest := append([]byte(nil), s.buf.Bytes()...)
		s.buf.Reset()
		if err := s.writeLine(rest); err != nil {
			return err
		}
	}
	if c, ok := s.target.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
