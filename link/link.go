// Package link opens the byte stream the command protocol runs over:
// a serial port, or standard input and output when no port is
// configured.
package link

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
)

// pollInterval bounds how long a daemon-side read may block before it
// notices Close. go-serial takes it in milliseconds, rounded down to
// tenths of a second.
const pollInterval = 100

// Open opens a serial port for the daemon side. Reads block until data
// arrives or the port is closed, in which case they return io.EOF.
func Open(name string, baud uint) (io.ReadWriteCloser, error) {
	opts := serial.OpenOptions{
		PortName:              name,
		BaudRate:              baud,
		DataBits:              8,
		StopBits:              1,
		ParityMode:            serial.PARITY_NONE,
		MinimumReadSize:       0,
		InterCharacterTimeout: pollInterval,
	}
	slog.Info("Opening serial port", "port", name, "baud", baud)
	p, err := serial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("can't open serial port %s: %w", name, err)
	}
	return newIdlePort(p), nil
}

// OpenClient opens a serial port for the host side. A read that sees no
// byte for timeout fails with io.EOF. go-serial caps the timeout at
// 25.5s.
func OpenClient(name string, baud uint, timeout time.Duration) (io.ReadWriteCloser, error) {
	ms := uint(timeout / time.Millisecond)
	ms = min(max(ms, 100), 25500)
	opts := serial.OpenOptions{
		PortName:              name,
		BaudRate:              baud,
		DataBits:              8,
		StopBits:              1,
		ParityMode:            serial.PARITY_NONE,
		MinimumReadSize:       0,
		InterCharacterTimeout: ms,
	}
	p, err := serial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("can't open serial port %s: %w", name, err)
	}
	return p, nil
}

// idlePort turns the periodic empty reads of a port opened with an
// inter-character timeout into a blocking read that ends on Close.
type idlePort struct {
	rwc    io.ReadWriteCloser
	closed chan struct{}
	once   sync.Once
}

func newIdlePort(rwc io.ReadWriteCloser) *idlePort {
	return &idlePort{rwc: rwc, closed: make(chan struct{})}
}

func (p *idlePort) Read(b []byte) (int, error) {
	for {
		select {
		case <-p.closed:
			return 0, io.EOF
		default:
		}
		n, err := p.rwc.Read(b)
		if n > 0 {
			return n, err
		}
		if errors.Is(err, os.ErrClosed) && p.isClosed() {
			return 0, io.EOF
		}
		if err != nil && err != io.EOF {
			return 0, err
		}
	}
}

func (p *idlePort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *idlePort) Write(b []byte) (int, error) {
	return p.rwc.Write(b)
}

func (p *idlePort) Close() error {
	var err error
	p.once.Do(func() {
		close(p.closed)
		err = p.rwc.Close()
	})
	return err
}
