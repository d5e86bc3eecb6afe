package sdcard

import (
	"errors"
	"fmt"
)

var (
	// ErrBusTimeout means no valid response byte arrived within the attempt
	// ceiling. Retrying initialization from reset may recover.
	ErrBusTimeout = errors.New("sdcard: no response from card")

	// ErrNotSDCard means CMD0 or CMD8 produced a response no SD card gives.
	ErrNotSDCard = errors.New("sdcard: not an SD card")

	// ErrInitTimeout means ACMD41 never reported ready. Usually no card is
	// inserted; callers retry after a delay.
	ErrInitTimeout = errors.New("sdcard: card did not leave idle state")

	ErrUnsupportedCSD = errors.New("sdcard: unsupported CSD structure")
	ErrWriteRejected  = errors.New("sdcard: write rejected")

	// ErrCardHung means the card never sent a start token or never released
	// the busy signal.
	ErrCardHung = errors.New("sdcard: card hung")

	ErrNotReady    = errors.New("sdcard: card not initialized")
	ErrBufferSize  = errors.New("sdcard: buffer must be exactly one block")
	ErrOutOfRange  = errors.New("sdcard: block beyond the end of the card")
	ErrBlockLength = errors.New("sdcard: cannot set block length")
	ErrResponse    = errors.New("sdcard: command rejected")
)

// CommandError records which command failed and the R1 it answered with.
type CommandError struct {
	Cmd byte
	App bool // sent as ACMD (after APP_CMD)
	R1  R1
	Err error
}

func (e *CommandError) Error() string {
	name := fmt.Sprintf("CMD%d", e.Cmd)
	if e.App {
		name = fmt.Sprintf("ACMD%d", e.Cmd)
	}
	if e.R1 == 0 {
		return fmt.Sprintf("%s: %v", name, e.Err)
	}
	return fmt.Sprintf("%s: %v (R1 %s)", name, e.Err, e.R1)
}

func (e *CommandError) Unwrap() error { return e.Err }

// CSDError reports a CSD structure that does not fit the card class, or a
// capacity no block address can cover.
type CSDError struct {
	Structure uint8
	Class     CardClass

	// BadCapacity is set when the layout fits but the sector count is 0 or
	// does not fit in 32 bits. Sectors holds the count.
	BadCapacity bool
	Sectors     uint64
}

func (e *CSDError) Error() string {
	if e.BadCapacity {
		return fmt.Sprintf("sdcard: CSD structure %d gives %d sectors", e.Structure, e.Sectors)
	}
	return fmt.Sprintf("sdcard: CSD structure %d on %s card", e.Structure, e.Class)
}

func (e *CSDError) Unwrap() error { return ErrUnsupportedCSD }

// WriteError carries the data response token of a rejected block write.
//
//	Token&0x1F | [SD-PLS|7.3.3.1 Data Response Token]
//	-----------+---------------------------------------
//	0b00101    | data accepted
//	0b01011    | rejected, CRC error
//	0b01101    | rejected, write error
type WriteError struct {
	Token byte
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("sdcard: write rejected: data response %05b", e.Token&0x1F)
}

func (e *WriteError) Unwrap() error { return ErrWriteRejected }
