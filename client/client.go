// Package client is the host side of the serial command protocol.
package client

import (
	"errors"
	"fmt"
	"io"

	"lautenbacher.net/flashval/dispatcher"
	"lautenbacher.net/flashval/flash"
	"lautenbacher.net/flashval/validator"
)

// ExpectedID is the JEDEC id of the Macronix part fitted to the
// fixture, as reported by ReadID.
const ExpectedID = 0x1620c2

// ErrDeviceFailure is returned when the fixture reports that it could
// not talk to the flash.
var ErrDeviceFailure = errors.New("fixture reported a flash access failure")

// Client is the host side of the command protocol. It sends one
// command at a time and reads the fixed width reply.
type Client struct {
	rw io.ReadWriter
}

// New talks to a fixture over rw, usually a port from link.OpenClient.
func New(rw io.ReadWriter) *Client {
	return &Client{rw: rw}
}

// CheckID compares id with ExpectedID.
func CheckID(id uint32) error {
	if id != ExpectedID {
		return fmt.Errorf("unexpected flash id %06x, want %06x", id, ExpectedID)
	}
	return nil
}

func (c *Client) send(cmd byte, fields ...[]byte) error {
	msg := []byte{cmd}
	for _, f := range fields {
		msg = append(msg, f...)
	}
	_, err := c.rw.Write(msg)
	return err
}

func (c *Client) read(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.rw, buf); err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	return buf, nil
}

func (c *Client) readHex(digits int) (uint32, error) {
	buf, err := c.read(digits)
	if err != nil {
		return 0, err
	}
	return dispatcher.DecodeHex(buf)
}

func (c *Client) readStatus() (dispatcher.Status, error) {
	buf, err := c.read(1)
	if err != nil {
		return 0, err
	}
	switch s := dispatcher.Status(buf[0]); s {
	case dispatcher.StatusPass, dispatcher.StatusMismatch, dispatcher.StatusFailure:
		return s, nil
	}
	return 0, fmt.Errorf("unexpected status digit %q", buf[0])
}

// ReadID returns the JEDEC id. A fixture that cannot read the flash
// answers 0.
func (c *Client) ReadID() (uint32, error) {
	if err := c.send(dispatcher.CmdReadID); err != nil {
		return 0, err
	}
	return c.readHex(6)
}

// Validate asks the fixture to check the flash against seed. A
// StatusFailure reply is returned together with ErrDeviceFailure.
func (c *Client) Validate(seed uint32) (dispatcher.Status, validator.Result, error) {
	var res validator.Result
	if err := c.send(dispatcher.CmdValidate, dispatcher.EncodeHex(seed, 8)); err != nil {
		return 0, res, err
	}
	status, err := c.readStatus()
	if err != nil {
		return 0, res, err
	}
	for _, dst := range []*uint32{&res.ErrorCount, &res.FirstObserved, &res.LastObserved} {
		if *dst, err = c.readHex(8); err != nil {
			return status, validator.Result{}, err
		}
	}
	if status == dispatcher.StatusFailure {
		return status, res, ErrDeviceFailure
	}
	return status, res, nil
}

// ReadStatus returns the status register, or ErrDeviceFailure.
func (c *Client) ReadStatus() (flash.StatusRegister, error) {
	if err := c.send(dispatcher.CmdStatus); err != nil {
		return 0, err
	}
	status, err := c.readStatus()
	if err != nil {
		return 0, err
	}
	sr, err := c.readHex(2)
	if err != nil {
		return 0, err
	}
	if status != dispatcher.StatusPass {
		return 0, ErrDeviceFailure
	}
	return flash.StatusRegister(sr), nil
}

// Dump reads n bytes, 1 to 256, starting at the 24-bit address addr.
func (c *Client) Dump(addr uint32, n int) ([]byte, error) {
	if n < 1 || n > 256 {
		return nil, fmt.Errorf("dump length %d out of range 1..256", n)
	}
	if addr >= 1<<24 {
		return nil, fmt.Errorf("address %#x does not fit 24 bits", addr)
	}
	if err := c.send(dispatcher.CmdDump, dispatcher.EncodeHex(addr, 6), dispatcher.EncodeHex(uint32(n), 2)); err != nil {
		return nil, err
	}
	status, err := c.readStatus()
	if err != nil {
		return nil, err
	}
	if status != dispatcher.StatusPass {
		return nil, ErrDeviceFailure
	}
	out := make([]byte, n)
	for i := range out {
		b, err := c.readHex(2)
		if err != nil {
			return nil, err
		}
		out[i] = byte(b)
	}
	return out, nil
}

// Echo sends data, at most 255 bytes, and returns what came back.
func (c *Client) Echo(data []byte) ([]byte, error) {
	if len(data) > 255 {
		return nil, fmt.Errorf("echo length %d exceeds 255", len(data))
	}
	if err := c.send(dispatcher.CmdEcho, dispatcher.EncodeHex(uint32(len(data)), 2), data); err != nil {
		return nil, err
	}
	return c.read(len(data))
}
