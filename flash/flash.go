// Package flash issues the fixed-format SPI NOR command frames used by
// the fixture: read-id, read-status, write-enable, write-disable,
// quad-enable and quad-read.
package flash

import (
	"fmt"
	"log/slog"
	"time"

	"lautenbacher.net/flashval/bus"
)

// Command opcodes.
const (
	cmdWriteStatus  = 0x01
	cmdWriteDisable = 0x04
	cmdReadStatus   = 0x05
	cmdWriteEnable  = 0x06
	cmdQuadRead     = 0x6B
	cmdReadID       = 0x9F
)

// QuadReadDummyBytes is the number of clock-only bytes shifted after the
// quad-read address before data becomes valid.
const QuadReadDummyBytes = 8

const (
	readIDBytes     = 4
	readStatusBytes = 2
	quadReadHeader  = 4 + QuadReadDummyBytes
)

// TimeoutError is returned by WaitReady when the busy bit did not clear
// within the configured bound.
type TimeoutError struct {
	Polls   int
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("flash still busy after %d status polls (%s)", e.Polls, e.Elapsed)
}

// Options bound the ready-wait loop and select the quad-enable write
// strategy. A zero MaxPolls or Timeout means no bound on that axis.
type Options struct {
	MaxPolls           int
	Timeout            time.Duration
	PreserveStatusBits bool
}

// Flash drives one SPI NOR device. Commands never retry; every bus
// error aborts the command and is returned as is.
type Flash struct {
	bus  *bus.Bus
	opts Options
	now  func() time.Time
}

// New returns the command layer for the flash on b.
func New(b *bus.Bus, opts Options) *Flash {
	return &Flash{
		bus:  b,
		opts: opts,
		now:  time.Now,
	}
}

// ReadID returns the three JEDEC id bytes packed little-endian into the
// low 24 bits.
func (f *Flash) ReadID() (uint32, error) {
	tx := make([]byte, readIDBytes)
	rx := make([]byte, readIDBytes)
	tx[0] = cmdReadID
	if err := f.bus.Exchange(tx, rx); err != nil {
		return 0, err
	}
	return uint32(rx[1]) | uint32(rx[2])<<8 | uint32(rx[3])<<16, nil
}

// ReadStatus reads the status register. The first received byte is
// clocked in while the opcode goes out and is discarded.
func (f *Flash) ReadStatus() (StatusRegister, error) {
	tx := []byte{cmdReadStatus, 0}
	rx := make([]byte, readStatusBytes)
	if err := f.bus.Exchange(tx, rx); err != nil {
		return 0, err
	}
	return StatusRegister(rx[1]), nil
}

// WaitReady polls the status register until the busy bit is clear.
func (f *Flash) WaitReady() error {
	start := f.now()
	polls := 0
	for {
		sr, err := f.ReadStatus()
		if err != nil {
			return err
		}
		polls++
		if !sr.Busy() {
			return nil
		}
		if f.opts.MaxPolls > 0 && polls >= f.opts.MaxPolls {
			return &TimeoutError{Polls: polls, Elapsed: f.now().Sub(start)}
		}
		if f.opts.Timeout > 0 {
			if elapsed := f.now().Sub(start); elapsed >= f.opts.Timeout {
				return &TimeoutError{Polls: polls, Elapsed: elapsed}
			}
		}
	}
}

// WriteEnable sets the write enable latch (0x06) once the device is
// ready.
func (f *Flash) WriteEnable() error {
	return f.simpleCommand(cmdWriteEnable)
}

// WriteDisable clears the write enable latch (0x04).
func (f *Flash) WriteDisable() error {
	return f.simpleCommand(cmdWriteDisable)
}

func (f *Flash) simpleCommand(op byte) error {
	if err := f.WaitReady(); err != nil {
		return err
	}
	return f.bus.Exchange([]byte{op}, make([]byte, 1))
}

// QuadEnable sets the QE bit in the status register. Without
// PreserveStatusBits the whole register is overwritten with QE only,
// clearing any block protection.
func (f *Flash) QuadEnable() error {
	sr := StatusQuadEnable
	if f.opts.PreserveStatusBits {
		current, err := f.ReadStatus()
		if err != nil {
			return err
		}
		sr |= current &^ (StatusBusy | StatusWriteEnable)
	}

	if err := f.WriteEnable(); err != nil {
		return err
	}
	if err := f.WaitReady(); err != nil {
		return err
	}
	if err := f.bus.Exchange([]byte{cmdWriteStatus, byte(sr)}, make([]byte, 2)); err != nil {
		return err
	}
	if err := f.WaitReady(); err != nil {
		return err
	}
	if err := f.WriteDisable(); err != nil {
		return err
	}
	if err := f.WaitReady(); err != nil {
		return err
	}
	slog.Debug("Quad mode enabled", "status", sr)
	return nil
}

// QuadRead fills out with len(out) bytes starting at addr. The whole
// frame goes out under a single chip-select assertion. addr must fit
// 24 bits; the top byte is dropped otherwise.
func (f *Flash) QuadRead(addr uint32, out []byte) error {
	if err := f.WaitReady(); err != nil {
		return err
	}
	n := quadReadHeader + len(out)
	tx := make([]byte, n)
	rx := make([]byte, n)
	tx[0] = cmdQuadRead
	tx[1] = byte(addr >> 16)
	tx[2] = byte(addr >> 8)
	tx[3] = byte(addr)
	if err := f.bus.Exchange(tx, rx); err != nil {
		return err
	}
	copy(out, rx[quadReadHeader:])
	return nil
}
