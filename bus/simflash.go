package bus

import (
	"errors"
	"fmt"
)

// Opcodes understood by SimFlash.
const (
	simCmdWriteStatus  = 0x01
	simCmdWriteDisable = 0x04
	simCmdReadStatus   = 0x05
	simCmdWriteEnable  = 0x06
	simCmdQuadRead     = 0x6B
	simCmdReadID       = 0x9F

	simStatusBusy = 0x01
	simStatusWEL  = 0x02

	simQuadReadHeader = 4 + 8 // opcode, 24-bit address, dummy clocks
)

// MacronixID is the JEDEC id (manufacturer, type, capacity) reported by
// the flash on the fixture board.
var MacronixID = [3]byte{0xc2, 0x20, 0x16}

var ErrNotSelected = errors.New("transfer without chip select")

type simFault struct {
	cmd byte
	nth int
	err error
}

// SimFlash is an in-memory SPI NOR flash behind a Transport. It answers
// the read-id, read-status, write-enable, write-disable, write-status
// and quad-read frames. It is not safe for concurrent use; a Bus
// serialises access to it.
type SimFlash struct {
	Image []byte
	ID    [3]byte

	// WriteCyclePolls is the number of status reads that report busy
	// after a status register write.
	WriteCyclePolls int

	status   byte
	busy     int
	selected bool
	closed   bool
	faults   []simFault
	seen     map[byte]int

	Selects      int
	Deselects    int
	Transfers    int
	StatusReads  int
	QuadReads    int
	StatusWrites []byte
}

// NewSimFlash returns an idle Macronix part holding image.
func NewSimFlash(image []byte) *SimFlash {
	return &SimFlash{
		Image: image,
		ID:    MacronixID,
		seen:  make(map[byte]int),
	}
}

// SetBusy makes the next n status reads report the write-in-progress
// bit.
func (s *SimFlash) SetBusy(n int) {
	s.busy = n
}

// SetStatus overwrites the status register, busy bit excluded.
func (s *SimFlash) SetStatus(sr byte) {
	s.status = sr &^ simStatusBusy
}

func (s *SimFlash) Status() byte {
	return s.status
}

// InjectFault makes the nth (1-based) transfer carrying opcode cmd fail
// with err.
func (s *SimFlash) InjectFault(cmd byte, nth int, err error) {
	s.faults = append(s.faults, simFault{cmd: cmd, nth: nth, err: err})
}

func (s *SimFlash) Select(asserted bool) error {
	if s.closed {
		return errors.New("device closed")
	}
	if asserted {
		s.Selects++
	} else {
		s.Deselects++
	}
	s.selected = asserted
	return nil
}

func (s *SimFlash) Transfer(tx, rx []byte) error {
	if s.closed {
		return errors.New("device closed")
	}
	if !s.selected {
		return ErrNotSelected
	}
	if len(tx) != len(rx) {
		return errLengthMismatch
	}
	s.Transfers++
	for i := range rx {
		rx[i] = 0xFF
	}
	if len(tx) == 0 {
		return nil
	}

	cmd := tx[0]
	s.seen[cmd]++
	for _, f := range s.faults {
		if f.cmd == cmd && f.nth == s.seen[cmd] {
			return f.err
		}
	}

	switch cmd {
	case simCmdReadID:
		copy(rx[1:], s.ID[:])
	case simCmdReadStatus:
		s.StatusReads++
		sr := s.status
		if s.busy > 0 {
			s.busy--
			sr |= simStatusBusy
		}
		for i := 1; i < len(rx); i++ {
			rx[i] = sr
		}
	case simCmdWriteEnable:
		s.status |= simStatusWEL
	case simCmdWriteDisable:
		s.status &^= simStatusWEL
	case simCmdWriteStatus:
		if len(tx) < 2 || s.status&simStatusWEL == 0 {
			return nil
		}
		s.StatusWrites = append(s.StatusWrites, tx[1])
		s.status = tx[1] &^ (simStatusBusy | simStatusWEL)
		s.busy += s.WriteCyclePolls
	case simCmdQuadRead:
		if len(tx) < simQuadReadHeader {
			return fmt.Errorf("short quad read frame: %d bytes", len(tx))
		}
		s.QuadReads++
		addr := int(tx[1])<<16 | int(tx[2])<<8 | int(tx[3])
		for i := simQuadReadHeader; i < len(rx); i++ {
			if len(s.Image) == 0 {
				break
			}
			rx[i] = s.Image[(addr+i-simQuadReadHeader)%len(s.Image)]
		}
	}
	return nil
}

func (s *SimFlash) Close() error {
	s.closed = true
	return nil
}
