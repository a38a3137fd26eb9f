package flash

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lautenbacher.net/flashval/bus"
)

func newTestFlash(image []byte, opts Options) (*Flash, *bus.SimFlash) {
	sim := bus.NewSimFlash(image)
	return New(bus.New(sim), opts), sim
}

func TestReadID(t *testing.T) {
	f, sim := newTestFlash(nil, Options{})

	id, err := f.ReadID()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1620c2), id)
	assert.Equal(t, 1, sim.Selects)
	assert.Equal(t, 1, sim.Deselects)
}

func TestReadStatus(t *testing.T) {
	f, sim := newTestFlash(nil, Options{})
	sim.SetStatus(0x40)

	sr, err := f.ReadStatus()
	require.NoError(t, err)
	assert.True(t, sr.QuadEnabled())
	assert.False(t, sr.Busy())
}

func TestWaitReadyPollsUntilClear(t *testing.T) {
	f, sim := newTestFlash(nil, Options{})
	sim.SetBusy(2)

	require.NoError(t, f.WaitReady())
	assert.Equal(t, 3, sim.StatusReads, "busy, busy, ready costs three reads")
}

func TestWaitReadyPollLimit(t *testing.T) {
	f, sim := newTestFlash(nil, Options{MaxPolls: 5})
	sim.SetBusy(100)

	err := f.WaitReady()
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 5, te.Polls)
	assert.Equal(t, 5, sim.StatusReads)
}

func TestWaitReadyTimeout(t *testing.T) {
	f, sim := newTestFlash(nil, Options{Timeout: 10 * time.Millisecond})
	sim.SetBusy(1000)

	clock := time.Unix(0, 0)
	f.now = func() time.Time {
		clock = clock.Add(4 * time.Millisecond)
		return clock
	}

	err := f.WaitReady()
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.GreaterOrEqual(t, te.Elapsed, 10*time.Millisecond)
	assert.Less(t, sim.StatusReads, 1000)
}

func TestWaitReadyPropagatesBusError(t *testing.T) {
	f, sim := newTestFlash(nil, Options{})
	cause := errors.New("bus fault")
	sim.InjectFault(cmdReadStatus, 1, cause)

	err := f.WaitReady()
	assert.ErrorIs(t, err, cause)
	var ioErr *bus.IoError
	assert.True(t, errors.As(err, &ioErr))
}

func TestWriteEnableWaitsFirst(t *testing.T) {
	f, sim := newTestFlash(nil, Options{})
	sim.SetBusy(1)

	require.NoError(t, f.WriteEnable())
	assert.Equal(t, 2, sim.StatusReads)
	assert.True(t, StatusRegister(sim.Status()).WriteEnabled())

	require.NoError(t, f.WriteDisable())
	assert.False(t, StatusRegister(sim.Status()).WriteEnabled())
}

func TestQuadEnableOverwritesStatus(t *testing.T) {
	f, sim := newTestFlash(nil, Options{})
	sim.SetStatus(0x1C) // block protect bits set
	sim.WriteCyclePolls = 3

	require.NoError(t, f.QuadEnable())
	assert.Equal(t, []byte{0x40}, sim.StatusWrites)
	assert.Equal(t, byte(0x40), sim.Status(), "protection bits are not preserved")
}

func TestQuadEnablePreservesStatus(t *testing.T) {
	f, sim := newTestFlash(nil, Options{PreserveStatusBits: true})
	sim.SetStatus(0x1C)

	require.NoError(t, f.QuadEnable())
	assert.Equal(t, []byte{0x5C}, sim.StatusWrites)
	assert.Equal(t, byte(0x5C), sim.Status())
}

func TestQuadEnableAbortsOnFault(t *testing.T) {
	f, sim := newTestFlash(nil, Options{})
	cause := errors.New("gone")
	sim.InjectFault(cmdWriteEnable, 1, cause)

	assert.ErrorIs(t, f.QuadEnable(), cause)
	assert.Empty(t, sim.StatusWrites)
}

func TestQuadReadSingleBracket(t *testing.T) {
	image := make([]byte, 8192)
	for i := range image {
		image[i] = byte(i * 7)
	}

	for _, tc := range []struct {
		name string
		addr uint32
		n    int
	}{
		{"empty", 0x000000, 0},
		{"one byte", 0x000003, 1},
		{"page", 0x000100, 1024},
		{"4k", 0x001000, 4096},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f, sim := newTestFlash(image, Options{})

			out := make([]byte, tc.n)
			require.NoError(t, f.QuadRead(tc.addr, out))
			assert.Equal(t, image[tc.addr:int(tc.addr)+tc.n], out)

			// one bracket for the ready poll, one for the read itself
			assert.Equal(t, 2, sim.Selects)
			assert.Equal(t, 2, sim.Deselects)
			assert.Equal(t, 1, sim.QuadReads)
		})
	}
}

func TestQuadReadFrameLayout(t *testing.T) {
	var frame []byte
	rt := &captureTransport{onTransfer: func(tx []byte) {
		if tx[0] == cmdQuadRead {
			frame = append([]byte(nil), tx...)
		}
	}}
	f := New(bus.New(rt), Options{})

	require.NoError(t, f.QuadRead(0x123456, make([]byte, 4)))
	require.Len(t, frame, 4+QuadReadDummyBytes+4)
	assert.Equal(t, []byte{0x6B, 0x12, 0x34, 0x56}, frame[:4])
}

func TestStatusRegisterString(t *testing.T) {
	assert.Equal(t, "01000011 QE,WEL,WIP", StatusRegister(0x43).String())
	assert.Equal(t, "00000000", StatusRegister(0).String())
}

type captureTransport struct {
	onTransfer func(tx []byte)
}

func (c *captureTransport) Transfer(tx, rx []byte) error {
	c.onTransfer(tx)
	for i := range rx {
		rx[i] = 0
	}
	return nil
}

func (c *captureTransport) Select(bool) error { return nil }
func (c *captureTransport) Close() error      { return nil }
