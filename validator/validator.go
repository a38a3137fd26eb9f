// Package validator checks the flash contents against the LFSR pattern
// by reading the address space row by row and advancing the generator
// in lock-step with the words read.
package validator

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"lautenbacher.net/flashval/lfsr"
	"lautenbacher.net/flashval/util"
)

// Policy decides what a failed quad-enable does to a validation run.
type Policy string

const (
	// PolicyAbort fails the run when quad-enable fails.
	PolicyAbort Policy = "abort"
	// PolicyBestEffort logs the failure and reads anyway.
	PolicyBestEffort Policy = "best-effort"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(s)); p {
	case PolicyAbort, PolicyBestEffort:
		return p, nil
	}
	return "", fmt.Errorf("unknown quad-enable policy %q (want %q or %q)", s, PolicyAbort, PolicyBestEffort)
}

// ParseByteOrder maps "little" and "big" to the word decoding used for
// the expected-versus-observed comparison.
func ParseByteOrder(s string) (binary.ByteOrder, error) {
	switch strings.ToLower(s) {
	case "little", "le":
		return binary.LittleEndian, nil
	case "big", "be":
		return binary.BigEndian, nil
	}
	return nil, fmt.Errorf("unknown byte order %q (want \"little\" or \"big\")", s)
}

// Device is the part of the flash command layer a validation run needs.
type Device interface {
	QuadEnable() error
	QuadRead(addr uint32, out []byte) error
}

// Options describe the range a run covers and how words are decoded.
// FlashSize is read in rows of RowSize bytes; a RowSize of zero or less
// means DefaultRowSize.
type Options struct {
	FlashSize  int
	RowSize    int
	ByteOrder  binary.ByteOrder
	QuadEnable Policy
}

// Result of one validation run. FirstObserved is the raw word at
// address 0, LastObserved the raw word at the end of the range.
type Result struct {
	ErrorCount    uint32 `json:"errorCount"`
	FirstObserved uint32 `json:"firstObserved"`
	LastObserved  uint32 `json:"lastObserved"`
}

func (r Result) Passed() bool {
	return r.ErrorCount == 0
}

// Progress is published after every row.
type Progress struct {
	Seed   uint32
	Row    int
	Rows   int
	Errors uint32
	Done   bool
}

const maxLoggedMismatches = 8

// DefaultRowSize is the number of bytes fetched per quad read.
const DefaultRowSize = 128

// Validator checks the flash contents against the LFSR stream. It is
// safe for concurrent use.
type Validator struct {
	mu       sync.Mutex
	dev      Device
	opts     Options
	history  *History
	progress *util.Latest[Progress]
}

// New returns a validator reading from dev. Unset options take their
// defaults: DefaultRowSize, little endian words and PolicyAbort.
func New(dev Device, opts Options) *Validator {
	if opts.RowSize <= 0 {
		opts.RowSize = DefaultRowSize
	}
	if opts.ByteOrder == nil {
		opts.ByteOrder = binary.LittleEndian
	}
	if opts.QuadEnable == "" {
		opts.QuadEnable = PolicyAbort
	}
	return &Validator{
		dev:  dev,
		opts: opts,
	}
}

// SetHistory makes every finished run, failed or not, land in h.
func (v *Validator) SetHistory(h *History) {
	v.history = h
}

// SetProgress publishes a Progress after every row to p.
func (v *Validator) SetProgress(p *util.Latest[Progress]) {
	v.progress = p
}

// Validate compares the flash against the stream seeded with seed. Word
// i of the range is expected to equal lfsr.Next applied i+1 times to
// seed. Any bus failure aborts the run and no Result is returned.
// Concurrent calls run one after the other.
func (v *Validator) Validate(ctx context.Context, seed uint32) (Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	started := time.Now()
	res, err := v.run(ctx, seed)
	if v.history != nil {
		v.history.Add(newRecord(seed, res, err, started, time.Since(started)))
	}
	if err != nil {
		slog.Error("Flash validation aborted", "seed", fmt.Sprintf("%08x", seed), "error", err)
		return Result{}, err
	}
	slog.Info("Flash validation finished",
		"seed", fmt.Sprintf("%08x", seed),
		"passed", res.Passed(),
		"errors", res.ErrorCount,
		"first", fmt.Sprintf("%08x", res.FirstObserved),
		"last", fmt.Sprintf("%08x", res.LastObserved),
		"duration", time.Since(started))
	return res, nil
}

func (v *Validator) run(ctx context.Context, seed uint32) (Result, error) {
	if seed == 0 {
		slog.Warn("Seed 0 is the LFSR fixed point, expecting an all-zero image")
	}

	if err := v.dev.QuadEnable(); err != nil {
		if v.opts.QuadEnable == PolicyAbort {
			return Result{}, fmt.Errorf("quad enable: %w", err)
		}
		slog.Warn("Quad enable failed, reading anyway", "error", err)
	}

	var (
		res    Result
		first  = true
		logged = 0
		order  = v.opts.ByteOrder
		stream = lfsr.NewStream(seed)
		buf    = make([]byte, v.opts.RowSize)
		rows   = v.opts.FlashSize / v.opts.RowSize
	)

	for row := 0; row < rows; row++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		addr := uint32(row * v.opts.RowSize)
		if err := v.dev.QuadRead(addr, buf); err != nil {
			return Result{}, fmt.Errorf("quad read at %#06x: %w", addr, err)
		}

		for off := 0; off+4 <= len(buf); off += 4 {
			word := order.Uint32(buf[off:])
			if first {
				res.FirstObserved = word
				first = false
			}
			expected := stream.Next()
			res.LastObserved = word
			if word != expected {
				res.ErrorCount++
				if logged < maxLoggedMismatches {
					logged++
					slog.Debug("Mismatch",
						"addr", fmt.Sprintf("%06x", int(addr)+off),
						"expected", fmt.Sprintf("%08x", expected),
						"observed", fmt.Sprintf("%08x", word))
				}
			}
		}

		if v.progress != nil {
			v.progress.Publish(Progress{
				Seed:   seed,
				Row:    row + 1,
				Rows:   rows,
				Errors: res.ErrorCount,
				Done:   row+1 == rows,
			})
		}
	}
	return res, nil
}
