package link

import (
	"io"
	"os"
	"sync"
)

// Stdio shares one input stream between successive sessions. A single
// goroutine reads the input for the lifetime of the process; closing a
// session unblocks its reader without losing bytes for the next one.
type Stdio struct {
	out    io.Writer
	chunks chan []byte

	mu   sync.Mutex
	rest []byte
	eof  bool
}

// NewStdio starts pumping in. Pass os.Stdin and os.Stdout in the daemon.
func NewStdio(in io.Reader, out io.Writer) *Stdio {
	s := &Stdio{
		out:    out,
		chunks: make(chan []byte),
	}
	go s.pump(in)
	return s
}

// StandardStreams shares os.Stdin and os.Stdout.
func StandardStreams() *Stdio {
	return NewStdio(os.Stdin, os.Stdout)
}

func (s *Stdio) pump(in io.Reader) {
	defer close(s.chunks)
	for {
		buf := make([]byte, 4096)
		n, err := in.Read(buf)
		if n > 0 {
			s.chunks <- buf[:n]
		}
		if err != nil {
			return
		}
	}
}

// Session returns a stream that reads from the shared input until it is
// closed.
func (s *Stdio) Session() io.ReadWriteCloser {
	return &session{s: s, closed: make(chan struct{})}
}

type session struct {
	s      *Stdio
	closed chan struct{}
	once   sync.Once
}

func (c *session) Read(b []byte) (int, error) {
	s := c.s
	s.mu.Lock()
	if len(s.rest) > 0 {
		n := copy(b, s.rest)
		s.rest = s.rest[n:]
		s.mu.Unlock()
		return n, nil
	}
	if s.eof {
		s.mu.Unlock()
		return 0, io.EOF
	}
	s.mu.Unlock()

	select {
	case <-c.closed:
		return 0, io.EOF
	case chunk, ok := <-s.chunks:
		s.mu.Lock()
		defer s.mu.Unlock()
		if !ok {
			s.eof = true
			return 0, io.EOF
		}
		select {
		case <-c.closed:
			s.rest = append(s.rest, chunk...)
			return 0, io.EOF
		default:
		}
		n := copy(b, chunk)
		s.rest = append(s.rest, chunk[n:]...)
		return n, nil
	}
}

func (c *session) Write(b []byte) (int, error) {
	return c.s.out.Write(b)
}

func (c *session) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
