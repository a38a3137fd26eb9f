// Package dispatcher serves the single-byte command protocol spoken over
// the serial link. Every command is one ASCII letter followed by fixed
// width hex fields; replies are fixed width lowercase hex.
//
//	q SSSSSSSS  ->  P EEEEEEEE FFFFFFFF LLLLLLLL   validate against seed
//	f           ->  IIIIII                         JEDEC id
//	s           ->  P RR                           status register
//	d AAAAAA NN ->  P DD...                        quad read NN bytes (00 = 256)
//	e NN <raw>  ->  <raw>                          echo NN raw bytes
//
// P is a status digit, see Status.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"golang.org/x/exp/maps"
	"lautenbacher.net/flashval/flash"
	"lautenbacher.net/flashval/platform"
	"lautenbacher.net/flashval/validator"
)

// Status is the leading digit of a reply.
type Status byte

const (
	StatusPass     Status = '0'
	StatusMismatch Status = '1'
	// StatusFailure means the flash could not be read; all fields that
	// follow are zero.
	StatusFailure Status = '2'
)

const (
	CmdValidate = 'q'
	CmdReadID   = 'f'
	CmdStatus   = 's'
	CmdDump     = 'd'
	CmdEcho     = 'e'
)

// Flash is the part of the command layer the dispatcher calls directly.
type Flash interface {
	ReadID() (uint32, error)
	ReadStatus() (flash.StatusRegister, error)
	QuadRead(addr uint32, out []byte) error
}

// Validator runs one validation against a seed.
type Validator interface {
	Validate(ctx context.Context, seed uint32) (validator.Result, error)
}

var errMalformed = errors.New("malformed command field")

type handler func(ctx context.Context) error

// Dispatcher serves commands read from one link. It reads exactly the
// bytes a command needs, so whatever follows stays in the link for the
// next reader.
type Dispatcher struct {
	in         io.Reader
	out        io.Writer
	flash      Flash
	validator  Validator
	flashError platform.Indicator
	uartError  platform.Indicator
	commands   map[byte]handler
}

// New returns a dispatcher replying on link. flashError is pulsed when
// the flash fails or mismatches, uartError on unknown or malformed input.
// Either may be nil.
func New(link io.ReadWriter, f Flash, v Validator, flashError, uartError platform.Indicator) *Dispatcher {
	d := &Dispatcher{
		in:         link,
		out:        link,
		flash:      f,
		validator:  v,
		flashError: flashError,
		uartError:  uartError,
	}
	d.commands = map[byte]handler{
		CmdValidate: d.validate,
		CmdReadID:   d.readID,
		CmdStatus:   d.status,
		CmdDump:     d.dump,
		CmdEcho:     d.echo,
	}
	return d
}

// Commands lists the command letters served, sorted.
func (d *Dispatcher) Commands() string {
	keys := maps.Keys(d.commands)
	slices.Sort(keys)
	return string(keys)
}

// Run serves commands until the link fails or ctx is done. A blocked
// read is only interrupted by closing the link, so callers cancel ctx
// and then close the port. io.EOF ends Run without error.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("Dispatcher ready", "commands", d.Commands())
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.Serve(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Serve reads and executes one command. Unknown commands and malformed
// fields pulse the UART error line and produce no reply.
func (d *Dispatcher) Serve(ctx context.Context) error {
	c, err := d.readByte()
	if err != nil {
		return err
	}
	h, ok := d.commands[c]
	if !ok {
		slog.Warn("Unknown command", "byte", fmt.Sprintf("%#02x", c))
		d.pulse(d.uartError)
		return nil
	}
	err = h(ctx)
	if errors.Is(err, errMalformed) {
		slog.Warn("Malformed command", "command", string(c), "error", err)
		d.pulse(d.uartError)
		return nil
	}
	return err
}

func (d *Dispatcher) readByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(d.in, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Dispatcher) field(digits int) (uint32, error) {
	buf := make([]byte, digits)
	if _, err := io.ReadFull(d.in, buf); err != nil {
		return 0, err
	}
	v, err := DecodeHex(buf)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return v, nil
}

func (d *Dispatcher) reply(parts ...[]byte) error {
	var msg []byte
	for _, p := range parts {
		msg = append(msg, p...)
	}
	_, err := d.out.Write(msg)
	return err
}

func (d *Dispatcher) pulse(ind platform.Indicator) {
	if ind == nil {
		return
	}
	if err := ind.Pulse(); err != nil {
		slog.Error("Failed to pulse error indicator", "error", err)
	}
}

func (d *Dispatcher) validate(ctx context.Context) error {
	seed, err := d.field(8)
	if err != nil {
		return err
	}

	status := StatusPass
	res, err := d.validator.Validate(ctx, seed)
	switch {
	case err != nil:
		status = StatusFailure
		res = validator.Result{}
	case !res.Passed():
		status = StatusMismatch
	}
	if status != StatusPass {
		d.pulse(d.flashError)
	}
	return d.reply(
		[]byte{byte(status)},
		EncodeHex(res.ErrorCount, 8),
		EncodeHex(res.FirstObserved, 8),
		EncodeHex(res.LastObserved, 8),
	)
}

func (d *Dispatcher) readID(context.Context) error {
	id, err := d.flash.ReadID()
	if err != nil {
		slog.Error("Read id failed", "error", err)
		d.pulse(d.flashError)
		id = 0
	}
	return d.reply(EncodeHex(id, 6))
}

func (d *Dispatcher) status(context.Context) error {
	sr, err := d.flash.ReadStatus()
	if err != nil {
		slog.Error("Read status failed", "error", err)
		d.pulse(d.flashError)
		return d.reply([]byte{byte(StatusFailure)}, EncodeHex(0, 2))
	}
	return d.reply([]byte{byte(StatusPass)}, EncodeHex(uint32(sr), 2))
}

func (d *Dispatcher) dump(context.Context) error {
	addr, err := d.field(6)
	if err != nil {
		return err
	}
	n, err := d.field(2)
	if err != nil {
		return err
	}
	if n == 0 {
		n = 256
	}

	data := make([]byte, n)
	if err := d.flash.QuadRead(addr, data); err != nil {
		slog.Error("Dump failed", "addr", fmt.Sprintf("%06x", addr), "error", err)
		d.pulse(d.flashError)
		return d.reply([]byte{byte(StatusFailure)})
	}
	hex := make([]byte, 0, 2*len(data))
	for _, b := range data {
		hex = append(hex, EncodeHex(uint32(b), 2)...)
	}
	return d.reply([]byte{byte(StatusPass)}, hex)
}

func (d *Dispatcher) echo(context.Context) error {
	n, err := d.field(2)
	if err != nil {
		return err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.in, buf); err != nil {
		return err
	}
	return d.reply(buf)
}
