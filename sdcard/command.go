package sdcard

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/gpio"
)

// Commands used in SPI mode:
//   - [SD-PLS|7.3.1.3 Detailed Command Description Table 7-3]
//   - [SD-PLS|7.3.1.3 Table 7-4 Application Specific Commands]
const (
	cmdGoIdleState     = 0
	cmdSendIfCond      = 8
	cmdSendCSD         = 9
	cmdSetBlockLen     = 16
	cmdReadSingleBlock = 17
	cmdWriteBlock      = 24
	cmdAppCmd          = 55
	cmdReadOCR         = 58

	acmdSDSendOpCond = 41
)

const (
	fill = 0xFF

	// Placeholder CRC. It is only checked on CMD0, where it is correct.
	cmdCRC = 0x95

	// SEND_IF_COND is slow on first power-up.
	ifCondFactor = 1000
)

// CMD8 with VHS=0001 (2.7-3.6V), check pattern 0xAA and its real CRC.
var ifCondFrame = [6]byte{0x40 | cmdSendIfCond, 0x00, 0x00, 0x01, 0xAA, 0x87}

// transaction runs fn with chip select asserted. Chip select is released on
// every return path, then one idle byte is clocked so the card can finish.
// Transactions never nest: fn only uses the bus directly.
func (c *Card) transaction(fn func() error) (err error) {
	if err = c.cs.Out(gpio.Low); err != nil {
		return err
	}
	defer func() {
		if csErr := c.cs.Out(gpio.High); csErr != nil && err == nil {
			err = csErr
		}
		if _, busErr := c.bus.Transfer(fill); busErr != nil && err == nil {
			err = busErr
		}
	}()
	return fn()
}

func (c *Card) write(buf []byte) error {
	for _, b := range buf {
		if _, err := c.bus.Transfer(b); err != nil {
			return err
		}
	}
	return nil
}

func (c *Card) read(buf []byte) error {
	for i := range buf {
		b, err := c.bus.Transfer(fill)
		if err != nil {
			return err
		}
		buf[i] = b
	}
	return nil
}

// response polls for the first byte with bit 7 clear.
func (c *Card) response(cmd byte, attempts int) (R1, error) {
	for range attempts {
		b, err := c.bus.Transfer(fill)
		if err != nil {
			return 0, err
		}
		if r1 := R1(b); r1.Valid() {
			return r1, nil
		}
	}
	return 0, &CommandError{Cmd: cmd, Err: ErrBusTimeout}
}

// command sends one frame and waits for its R1 without touching chip select,
// so a data phase can follow in the same transaction.
func (c *Card) command(cmd byte, arg uint32) (R1, error) {
	frame := [6]byte{0x40 | cmd, 0, 0, 0, 0, cmdCRC}
	binary.BigEndian.PutUint32(frame[1:5], arg)
	if err := c.write(frame[:]); err != nil {
		return 0, err
	}
	return c.response(cmd, c.cfg.CommandAttempts)
}

// sendCommand runs a command as a transaction of its own.
func (c *Card) sendCommand(cmd byte, arg uint32) (r1 R1, err error) {
	err = c.transaction(func() error {
		var err error
		r1, err = c.command(cmd, arg)
		return err
	})
	c.log.Debug("command", slog.Int("cmd", int(cmd)), slog.Any("arg", arg), slog.String("r1", r1.String()), slog.Any("err", err))
	return r1, err
}

// sendAppCommand prefixes cmd with APP_CMD. The APP_CMD response itself is
// not inspected; only bus failures abort.
func (c *Card) sendAppCommand(cmd byte, arg uint32) (R1, error) {
	if _, err := c.sendCommand(cmdAppCmd, 0); err != nil && !isTimeout(err) {
		return 0, err
	}
	r1, err := c.sendCommand(cmd, arg)
	if ce, ok := err.(*CommandError); ok {
		ce.App = true
	}
	return r1, err
}

// sendIfCond sends SEND_IF_COND and reads the 5-byte R7. Only the R1 part
// decides the card generation.
func (c *Card) sendIfCond() (r1 R1, err error) {
	var echo [4]byte
	err = c.transaction(func() error {
		if err := c.write(ifCondFrame[:]); err != nil {
			return err
		}
		var err error
		if r1, err = c.response(cmdSendIfCond, c.cfg.CommandAttempts*ifCondFactor); err != nil {
			return err
		}
		return c.read(echo[:])
	})
	c.log.Debug("command", slog.Int("cmd", cmdSendIfCond), slog.String("r1", r1.String()), slog.String("r7", fmt.Sprintf("%X", echo)), slog.Any("err", err))
	return r1, err
}

// readOCR sends READ_OCR and reads the 32-bit register that follows the R1.
func (c *Card) readOCR() (ocr OCR, err error) {
	var r1 R1
	err = c.transaction(func() error {
		var err error
		if r1, err = c.command(cmdReadOCR, 0); err != nil {
			return err
		}
		var b [4]byte
		if err = c.read(b[:]); err != nil {
			return err
		}
		ocr = OCR(binary.BigEndian.Uint32(b[:]))
		return nil
	})
	c.log.Debug("command", slog.Int("cmd", cmdReadOCR), slog.String("r1", r1.String()), slog.String("ocr", ocr.String()), slog.Any("err", err))
	return ocr, err
}
