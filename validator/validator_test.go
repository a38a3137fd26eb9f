package validator

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lautenbacher.net/flashval/bus"
	"lautenbacher.net/flashval/flash"
	"lautenbacher.net/flashval/lfsr"
	"lautenbacher.net/flashval/util"
)

const (
	testFlashSize = 16 * 1024
	testRowSize   = 128
)

func testOptions() Options {
	return Options{
		FlashSize:  testFlashSize,
		RowSize:    testRowSize,
		ByteOrder:  binary.LittleEndian,
		QuadEnable: PolicyAbort,
	}
}

func newSimValidator(image []byte, opts Options) (*Validator, *bus.SimFlash) {
	sim := bus.NewSimFlash(image)
	f := flash.New(bus.New(sim), flash.Options{MaxPolls: 100})
	return New(f, opts), sim
}

func TestValidateCleanImage(t *testing.T) {
	seed := uint32(0x1badb002)
	image := lfsr.Image(seed, testFlashSize, binary.LittleEndian)
	v, sim := newSimValidator(image, testOptions())

	res, err := v.Validate(context.Background(), seed)
	require.NoError(t, err)
	assert.True(t, res.Passed())
	assert.Equal(t, uint32(0), res.ErrorCount)
	assert.Equal(t, binary.LittleEndian.Uint32(image[0:]), res.FirstObserved)
	assert.Equal(t, binary.LittleEndian.Uint32(image[len(image)-4:]), res.LastObserved)
	assert.Equal(t, testFlashSize/testRowSize, sim.QuadReads)
	assert.True(t, flash.StatusRegister(sim.Status()).QuadEnabled())
}

func TestValidateSingleCorruptWord(t *testing.T) {
	seed := uint32(0xCAFEF00D)
	image := lfsr.Image(seed, testFlashSize, binary.LittleEndian)
	last := binary.LittleEndian.Uint32(image[len(image)-4:])
	image[4000] ^= 0x10
	v, _ := newSimValidator(image, testOptions())

	res, err := v.Validate(context.Background(), seed)
	require.NoError(t, err)
	assert.False(t, res.Passed())
	assert.Equal(t, uint32(1), res.ErrorCount)
	assert.Equal(t, last, res.LastObserved, "last word is the true final word")
}

func TestValidateCorruptLastWord(t *testing.T) {
	seed := uint32(7)
	image := lfsr.Image(seed, testFlashSize, binary.LittleEndian)
	image[len(image)-1] ^= 0xFF
	v, _ := newSimValidator(image, testOptions())

	res, err := v.Validate(context.Background(), seed)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), res.ErrorCount)
	assert.Equal(t, binary.LittleEndian.Uint32(image[len(image)-4:]), res.LastObserved)
}

func TestFirstObservedIgnoresSeed(t *testing.T) {
	image := lfsr.Image(99, testFlashSize, binary.LittleEndian)
	for _, seed := range []uint32{0, 1, 99, 0xFFFFFFFF} {
		v, _ := newSimValidator(image, testOptions())
		res, err := v.Validate(context.Background(), seed)
		require.NoError(t, err)
		assert.Equal(t, binary.LittleEndian.Uint32(image), res.FirstObserved, "seed %08x", seed)
	}
}

func TestValidateWrongSeedCountsEveryWord(t *testing.T) {
	image := lfsr.Image(1, testFlashSize, binary.LittleEndian)
	v, _ := newSimValidator(image, testOptions())

	res, err := v.Validate(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(testFlashSize/4), res.ErrorCount)
}

func TestValidateZeroSeedAgainstZeroImage(t *testing.T) {
	v, _ := newSimValidator(make([]byte, testFlashSize), testOptions())

	res, err := v.Validate(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, res.Passed())
}

func TestValidateBigEndian(t *testing.T) {
	seed := uint32(0x55AA55AA)
	opts := testOptions()
	opts.ByteOrder = binary.BigEndian

	v, _ := newSimValidator(lfsr.Image(seed, testFlashSize, binary.BigEndian), opts)
	res, err := v.Validate(context.Background(), seed)
	require.NoError(t, err)
	assert.True(t, res.Passed())

	v, _ = newSimValidator(lfsr.Image(seed, testFlashSize, binary.LittleEndian), opts)
	res, err = v.Validate(context.Background(), seed)
	require.NoError(t, err)
	assert.False(t, res.Passed(), "byte order must matter")
}

func TestValidateTransportFaultAborts(t *testing.T) {
	seed := uint32(3)
	v, sim := newSimValidator(lfsr.Image(seed, testFlashSize, binary.LittleEndian), testOptions())
	cause := errors.New("spi fifo timeout")
	sim.InjectFault(0x6B, 5, cause)

	res, err := v.Validate(context.Background(), seed)
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	var ioErr *bus.IoError
	assert.True(t, errors.As(err, &ioErr))
	assert.Equal(t, Result{}, res)
	assert.Equal(t, 4, sim.QuadReads, "no reads after the failing row")
}

func TestZeroRowSizeDefaults(t *testing.T) {
	seed := uint32(9)
	opts := testOptions()
	opts.RowSize = 0
	v, sim := newSimValidator(lfsr.Image(seed, testFlashSize, binary.LittleEndian), opts)

	res, err := v.Validate(context.Background(), seed)
	require.NoError(t, err)
	assert.True(t, res.Passed())
	assert.Equal(t, testFlashSize/DefaultRowSize, sim.QuadReads)
}

func TestQuadEnablePolicy(t *testing.T) {
	seed := uint32(11)
	image := lfsr.Image(seed, testFlashSize, binary.LittleEndian)
	cause := errors.New("write enable lost")

	t.Run("abort", func(t *testing.T) {
		v, sim := newSimValidator(image, testOptions())
		sim.InjectFault(0x06, 1, cause)

		_, err := v.Validate(context.Background(), seed)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, 0, sim.QuadReads)
	})

	t.Run("best-effort", func(t *testing.T) {
		opts := testOptions()
		opts.QuadEnable = PolicyBestEffort
		v, sim := newSimValidator(image, opts)
		sim.InjectFault(0x06, 1, cause)

		res, err := v.Validate(context.Background(), seed)
		require.NoError(t, err)
		assert.True(t, res.Passed())
		assert.Equal(t, testFlashSize/testRowSize, sim.QuadReads)
	})
}

func TestValidateBusyTimeout(t *testing.T) {
	v, sim := newSimValidator(make([]byte, testFlashSize), testOptions())
	sim.SetBusy(1 << 20)

	_, err := v.Validate(context.Background(), 1)
	var te *flash.TimeoutError
	assert.True(t, errors.As(err, &te))
}

func TestValidateCancelled(t *testing.T) {
	v, sim := newSimValidator(make([]byte, testFlashSize), testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := v.Validate(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, sim.QuadReads)
}

func TestValidateProgressAndHistory(t *testing.T) {
	seed := uint32(0x2468)
	v, _ := newSimValidator(lfsr.Image(seed, testFlashSize, binary.LittleEndian), testOptions())
	progress := util.NewLatest[Progress]()
	history := NewHistory(2)
	v.SetProgress(progress)
	v.SetHistory(history)

	for i := 0; i < 3; i++ {
		_, err := v.Validate(context.Background(), seed+uint32(i))
		require.NoError(t, err)
	}

	p := progress.Load()
	assert.True(t, p.Done)
	assert.Equal(t, testFlashSize/testRowSize, p.Rows)
	assert.Equal(t, p.Rows, p.Row)

	records := history.Records()
	require.Len(t, records, 2)
	assert.Equal(t, seed+1, records[0].Seed)
	assert.Equal(t, seed+2, records[1].Seed)
	assert.False(t, records[1].Passed)
}

func TestHistoryHandler(t *testing.T) {
	h := NewHistory(4)
	h.Add(Record{Seed: 1, Passed: true})
	h.Add(Record{Seed: 2, Error: "spi io: transfer: boom"})

	rr := httptest.NewRecorder()
	HistoryHandler(h).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var got []Record
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	require.Len(t, got, 2)
	assert.Equal(t, uint32(2), got[1].Seed)
	assert.Equal(t, "spi io: transfer: boom", got[1].Error)

	rr = httptest.NewRecorder()
	HistoryHandler(h).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/history", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestParseHelpers(t *testing.T) {
	p, err := ParsePolicy("Best-Effort")
	require.NoError(t, err)
	assert.Equal(t, PolicyBestEffort, p)
	_, err = ParsePolicy("maybe")
	assert.Error(t, err)

	o, err := ParseByteOrder("big")
	require.NoError(t, err)
	assert.Equal(t, binary.BigEndian, o)
	_, err = ParseByteOrder("middle")
	assert.Error(t, err)
}
