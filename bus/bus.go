package bus

import (
	"errors"
	"fmt"
	"sync"
)

// Transport is the physical SPI master together with its chip-select
// line. Implementations are polled and blocking.
type Transport interface {
	// Transfer shifts len(tx) bytes out while shifting the same number
	// of bytes into rx.
	Transfer(tx, rx []byte) error

	// Select drives the chip-select line. asserted == true selects the
	// device.
	Select(asserted bool) error

	// Close releases the controller.
	Close() error
}

// InitError reports that the SPI controller could not be configured or
// started.
type InitError struct {
	Op  string
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("spi init: %s: %v", e.Op, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// IoError reports a failed transfer or chip-select operation.
type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("spi io: %s: %v", e.Op, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

var (
	errLengthMismatch = errors.New("tx and rx length differ")
	errClosed         = errors.New("bus closed")
)

// Bus is the exclusive owner of one Transport. Every Exchange is one
// chip-select bracket and brackets never interleave.
type Bus struct {
	mu     sync.Mutex
	t      Transport
	closed bool
}

// New takes ownership of t. Close the Bus, not the Transport.
func New(t Transport) *Bus {
	return &Bus{t: t}
}

// Exchange asserts chip select, performs one full-duplex transfer and
// deasserts chip select again. Deassert is attempted even when the
// transfer fails; the first error is returned.
func (b *Bus) Exchange(tx, rx []byte) (err error) {
	if len(tx) != len(rx) {
		return &IoError{Op: "transfer", Err: errLengthMismatch}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &IoError{Op: "transfer", Err: errClosed}
	}

	if err = b.t.Select(true); err != nil {
		return asIoError("select", err)
	}
	defer func() {
		if csErr := b.t.Select(false); csErr != nil && err == nil {
			err = asIoError("deselect", csErr)
		}
	}()

	if err = b.t.Transfer(tx, rx); err != nil {
		return asIoError("transfer", err)
	}
	return nil
}

// Close releases the transport. Exchanges after Close fail with an
// IoError and never reach the transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.t.Close()
}

func asIoError(op string, err error) error {
	var ioErr *IoError
	if errors.As(err, &ioErr) {
		return err
	}
	return &IoError{Op: op, Err: err}
}
