package flash

import (
	"fmt"
	"strings"
)

// StatusRegister is one snapshot of the flash status register. It is
// never cached: the device changes it on its own while a write cycle
// runs.
//
//	Bit | Meaning
//	----+----------------------------------
//	7   | SRWD: status register write disable
//	6   | QE: quad enable
//	5:2 | BP3-0: block protect
//	1   | WEL: write enable latch
//	0   | WIP: write in progress (busy)
type StatusRegister uint8

const (
	StatusBusy        StatusRegister = 1 << 0
	StatusWriteEnable StatusRegister = 1 << 1
	StatusQuadEnable  StatusRegister = 1 << 6
)

func (sr StatusRegister) Busy() bool         { return sr&StatusBusy != 0 }
func (sr StatusRegister) WriteEnabled() bool { return sr&StatusWriteEnable != 0 }
func (sr StatusRegister) QuadEnabled() bool  { return sr&StatusQuadEnable != 0 }

func (sr StatusRegister) String() string {
	b := fmt.Sprintf("%08b", uint8(sr))
	var s []string
	if sr.QuadEnabled() {
		s = append(s, "QE")
	}
	if sr.WriteEnabled() {
		s = append(s, "WEL")
	}
	if sr.Busy() {
		s = append(s, "WIP")
	}
	if len(s) == 0 {
		return b
	}
	return b + " " + strings.Join(s, ",")
}
