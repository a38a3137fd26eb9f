package dispatcher

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lautenbacher.net/flashval/bus"
	"lautenbacher.net/flashval/flash"
	"lautenbacher.net/flashval/lfsr"
	"lautenbacher.net/flashval/link"
	"lautenbacher.net/flashval/platform"
	"lautenbacher.net/flashval/validator"
)

const (
	testSeed      = 0x0badcafe
	testFlashSize = 8 * 1024
)

type pipeLink struct {
	io.Reader
	io.Writer
}

type fixture struct {
	sim      *bus.SimFlash
	dev      *flash.Flash
	out      *bytes.Buffer
	flashErr *platform.LogIndicator
	uartErr  *platform.LogIndicator
	d        *Dispatcher
}

func newFixture(input string) *fixture {
	sim := bus.NewSimFlash(lfsr.Image(testSeed, testFlashSize, binary.LittleEndian))
	f := flash.New(bus.New(sim), flash.Options{MaxPolls: 50})
	v := validator.New(f, validator.Options{FlashSize: testFlashSize, RowSize: 256})
	fx := &fixture{
		sim:      sim,
		dev:      f,
		out:      &bytes.Buffer{},
		flashErr: &platform.LogIndicator{Name: "flash"},
		uartErr:  &platform.LogIndicator{Name: "uart"},
	}
	fx.d = New(pipeLink{strings.NewReader(input), fx.out}, f, v, fx.flashErr, fx.uartErr)
	return fx
}

func TestValidatePass(t *testing.T) {
	fx := newFixture("q0badcafe")
	require.NoError(t, fx.d.Run(context.Background()))

	image := fx.sim.Image
	want := "0" + "00000000" +
		string(EncodeHex(binary.LittleEndian.Uint32(image), 8)) +
		string(EncodeHex(binary.LittleEndian.Uint32(image[len(image)-4:]), 8))
	assert.Equal(t, want, fx.out.String())
	assert.Equal(t, 0, fx.flashErr.Pulses())
}

func TestValidateUppercaseSeed(t *testing.T) {
	fx := newFixture("q0BADCAFE")
	require.NoError(t, fx.d.Run(context.Background()))
	assert.True(t, strings.HasPrefix(fx.out.String(), "000000000"))
}

func TestValidateMismatch(t *testing.T) {
	fx := newFixture("q0badcafe")
	fx.sim.Image[100] ^= 0x01
	fx.sim.Image[5000] ^= 0x80
	require.NoError(t, fx.d.Run(context.Background()))

	reply := fx.out.String()
	require.Len(t, reply, 25)
	assert.Equal(t, "1", reply[:1])
	assert.Equal(t, "00000002", reply[1:9])
	assert.Equal(t, 1, fx.flashErr.Pulses())
}

func TestValidateTransportFailure(t *testing.T) {
	fx := newFixture("q0badcafe")
	fx.sim.InjectFault(0x6B, 3, errors.New("bus stuck"))
	require.NoError(t, fx.d.Run(context.Background()))

	assert.Equal(t, "2"+strings.Repeat("0", 24), fx.out.String())
	assert.Equal(t, 1, fx.flashErr.Pulses())
}

func TestReadID(t *testing.T) {
	fx := newFixture("f")
	require.NoError(t, fx.d.Run(context.Background()))
	assert.Equal(t, "1620c2", fx.out.String())
}

func TestReadIDFailure(t *testing.T) {
	fx := newFixture("f")
	fx.sim.InjectFault(0x9F, 1, errors.New("no device"))
	require.NoError(t, fx.d.Run(context.Background()))
	assert.Equal(t, "000000", fx.out.String())
	assert.Equal(t, 1, fx.flashErr.Pulses())
}

func TestStatus(t *testing.T) {
	fx := newFixture("s")
	fx.sim.SetStatus(0x42)
	require.NoError(t, fx.d.Run(context.Background()))
	assert.Equal(t, "042", fx.out.String())
}

func TestDump(t *testing.T) {
	fx := newFixture("d00001004")
	require.NoError(t, fx.d.Run(context.Background()))

	want := "0"
	for _, b := range fx.sim.Image[0x10:0x14] {
		want += string(EncodeHex(uint32(b), 2))
	}
	assert.Equal(t, want, fx.out.String())
}

func TestDumpZeroMeans256(t *testing.T) {
	fx := newFixture("d00000000")
	require.NoError(t, fx.d.Run(context.Background()))
	assert.Len(t, fx.out.String(), 1+2*256)
}

func TestEcho(t *testing.T) {
	fx := newFixture("e05hello")
	require.NoError(t, fx.d.Run(context.Background()))
	assert.Equal(t, "hello", fx.out.String())
}

func TestUnknownCommand(t *testing.T) {
	fx := newFixture("zf")
	require.NoError(t, fx.d.Run(context.Background()))
	assert.Equal(t, "1620c2", fx.out.String(), "unknown byte produces no reply")
	assert.Equal(t, 1, fx.uartErr.Pulses())
}

func TestMalformedField(t *testing.T) {
	fx := newFixture("q0badcafgf")
	require.NoError(t, fx.d.Run(context.Background()))
	assert.Equal(t, "1620c2", fx.out.String())
	assert.Equal(t, 1, fx.uartErr.Pulses())
	assert.Equal(t, 0, fx.sim.QuadReads)
}

func TestTruncatedField(t *testing.T) {
	fx := newFixture("q0bad")
	err := fx.d.Run(context.Background())
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestRunCancelled(t *testing.T) {
	fx := newFixture("ffff")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, fx.d.Run(ctx), context.Canceled)
	assert.Empty(t, fx.out.String())
}

// TestPipelinedCommandSurvivesNewSession serves one command on a stdio
// session, closes it like a reload does and expects the next dispatcher
// to pick up the command the host already sent.
func TestPipelinedCommandSurvivesNewSession(t *testing.T) {
	fx := newFixture("")
	stdio := link.NewStdio(strings.NewReader("ff"), fx.out)

	first := stdio.Session()
	d1 := New(first, fx.dev, nil, nil, nil)
	require.NoError(t, d1.Serve(context.Background()))
	require.NoError(t, first.Close())
	assert.Equal(t, "1620c2", fx.out.String())

	d2 := New(stdio.Session(), fx.dev, nil, nil, nil)
	require.NoError(t, d2.Run(context.Background()))
	assert.Equal(t, "1620c21620c2", fx.out.String())
}

func TestCommands(t *testing.T) {
	fx := newFixture("")
	assert.Equal(t, "defqs", fx.d.Commands())
}

func TestHex(t *testing.T) {
	assert.Equal(t, "000000ff", string(EncodeHex(0xff, 8)))
	assert.Equal(t, "1620c2", string(EncodeHex(0x1620c2, 6)))
	assert.Equal(t, "5", string(EncodeHex(0x12345, 1)))

	v, err := DecodeHex([]byte("DeadBeef"))
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), v)

	_, err = DecodeHex([]byte("12g4"))
	assert.Error(t, err)
	_, err = DecodeHex(nil)
	assert.Error(t, err)
	_, err = DecodeHex([]byte("123456789"))
	assert.Error(t, err)
}
