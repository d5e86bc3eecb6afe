package sdcard

import (
	"fmt"
	"strings"
)

// R1 is the single-byte status returned by most commands in SPI mode.
//
//	Bit | [SD-PLS|7.3.2.1 Format R1]
//	----+---------------------------
//	7   | always 0 (a set bit means "no response yet")
//	6   | parameter error
//	5   | address error
//	4   | erase sequence error
//	3   | com crc error
//	2   | illegal command
//	1   | erase reset
//	0   | in idle state
type R1 byte

const (
	R1IdleState R1 = 1 << iota
	R1EraseReset
	R1IllegalCommand
	R1ComCRCError
	R1EraseSequenceError
	R1AddressError
	R1ParameterError
)

// Valid reports whether r can be a response token at all.
func (r R1) Valid() bool { return r&0x80 == 0 }

func (r R1) Idle() bool               { return r&R1IdleState != 0 }
func (r R1) EraseReset() bool         { return r&R1EraseReset != 0 }
func (r R1) IllegalCommand() bool     { return r&R1IllegalCommand != 0 }
func (r R1) ComCRCError() bool        { return r&R1ComCRCError != 0 }
func (r R1) EraseSequenceError() bool { return r&R1EraseSequenceError != 0 }
func (r R1) AddressError() bool       { return r&R1AddressError != 0 }
func (r R1) ParameterError() bool     { return r&R1ParameterError != 0 }

func (r R1) String() string {
	b := fmt.Sprintf("%08b", byte(r))
	if !r.Valid() {
		return b + " INVALID"
	}
	s := []string{}
	if r.ParameterError() {
		s = append(s, "PARAM")
	}
	if r.AddressError() {
		s = append(s, "ADDR")
	}
	if r.EraseSequenceError() {
		s = append(s, "ERASE_SEQ")
	}
	if r.ComCRCError() {
		s = append(s, "CRC")
	}
	if r.IllegalCommand() {
		s = append(s, "ILLEGAL")
	}
	if r.EraseReset() {
		s = append(s, "ERASE_RESET")
	}
	if r.Idle() {
		s = append(s, "IDLE")
	}
	if len(s) == 0 {
		return b
	}
	return b + " " + strings.Join(s, ",")
}

// OCR is the operating conditions register read with CMD58.
//
//	Bit   | [SD-PLS|5.1 OCR register]
//	------+------------------------------------
//	31    | card power up status (busy when 0)
//	30    | CCS: card capacity status
//	29    | UHS-II card status
//	24    | switching to 1.8V accepted
//	23:15 | VDD voltage window 3.6V..2.7V
type OCR uint32

func (o OCR) PowerUp() bool      { return o&(1<<31) != 0 }
func (o OCR) HighCapacity() bool { return o&(1<<30) != 0 }

// VoltageWindow returns bits 23:15.
func (o OCR) VoltageWindow() uint16 { return uint16(o>>15) & 0x1FF }

func (o OCR) String() string {
	s := fmt.Sprintf("%08X", uint32(o))
	if o.PowerUp() {
		s += " PWRUP"
	}
	if o.HighCapacity() {
		s += " CCS"
	}
	return s
}
