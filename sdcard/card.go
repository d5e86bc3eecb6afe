package sdcard

import (
	"errors"
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// BlockSize is the only block length the driver uses.
const BlockSize = 512

// Card is one SD card behind one transport and chip-select pair. It is not
// safe for concurrent use; the chip-select discipline assumes a single caller.
type Card struct {
	bus Transport
	cs  gpio.PinOut
	cfg Config
	log *slog.Logger

	clock   physic.Frequency
	class   CardClass
	ocr     OCR
	sectors uint32 // 0 until computed
}

// New returns an uninitialized card. Call Configure (or Initialize) before
// any block I/O.
func New(t Transport, cs gpio.PinOut, opts ...Option) *Card {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Card{
		bus: t,
		cs:  cs,
		cfg: cfg,
		log: log,
	}
}

func (c *Card) Class() CardClass        { return c.class }
func (c *Card) OCR() OCR                { return c.ocr }
func (c *Card) Clock() physic.Frequency { return c.clock }
func (c *Card) Size() int64             { return int64(c.sectors) << 9 }
func (c *Card) BlockSize() int          { return BlockSize }

// Status is Ready once the sector count is known.
func (c *Card) Status() Status {
	if c.sectors > 0 {
		return Ready
	}
	return NotReady
}

func (c *Card) setClock(f physic.Frequency) error {
	if err := c.bus.SetClock(f); err != nil {
		return err
	}
	c.clock = f
	return nil
}

// Initialize resets the card and classifies it. The class is also stored in
// the card until the next call; on error it is Failed.
//
//	Reset -> CMD0 idle -> CMD8 -> V1: ACMD41(0)       -> V1StandardCapacity
//	                           -> V2: ACMD41(HCS), OCR -> V2StandardCapacity | V2HighCapacity
func (c *Card) Initialize() (CardClass, error) {
	c.class = Unknown
	c.ocr = 0
	c.sectors = 0

	class, err := c.initialize()
	if err != nil {
		class = Failed
	}
	c.class = class
	if err != nil {
		c.log.Info("card initialization failed", slog.Any("err", err))
	} else {
		c.log.Info("card initialized", slog.String("class", class.String()), slog.String("ocr", c.ocr.String()))
	}
	return class, err
}

func (c *Card) initialize() (CardClass, error) {
	// [SD-PLS|6.4.1.1 Power Up Time of Card] at least 74 clocks with CS high
	const powerUpBytes = 16

	if err := c.setClock(c.cfg.InitClock); err != nil {
		return Failed, err
	}
	if err := c.cs.Out(gpio.High); err != nil {
		return Failed, err
	}
	for range powerUpBytes {
		if _, err := c.bus.Transfer(fill); err != nil {
			return Failed, err
		}
	}

	r1, err := c.sendCommand(cmdGoIdleState, 0)
	if err != nil {
		return Failed, err
	}
	if r1 != R1IdleState {
		return Failed, &CommandError{Cmd: cmdGoIdleState, R1: r1, Err: ErrNotSDCard}
	}

	// Version 1.x cards predate CMD8 and answer "illegal command", which
	// identifies them rather than being a fault.
	r1, err = c.sendIfCond()
	if err != nil {
		return Failed, err
	}
	switch r1 {
	case R1IdleState:
		return c.initializeV2()
	case R1IdleState | R1IllegalCommand:
		return c.initializeV1()
	}
	return Failed, &CommandError{Cmd: cmdSendIfCond, R1: r1, Err: ErrNotSDCard}
}

func (c *Card) initializeV1() (CardClass, error) {
	for range c.cfg.OpCondAttempts {
		ready, err := c.sendOpCond(0)
		if err != nil {
			return Failed, err
		}
		if ready {
			return V1StandardCapacity, nil
		}
	}
	return Failed, &CommandError{Cmd: acmdSDSendOpCond, App: true, Err: ErrInitTimeout}
}

func (c *Card) initializeV2() (CardClass, error) {
	const hostCapacitySupport = 1 << 30 // HCS

	for range c.cfg.OpCondAttempts {
		ready, err := c.sendOpCond(hostCapacitySupport)
		if err != nil {
			return Failed, err
		}
		if !ready {
			continue
		}
		ocr, err := c.readOCR()
		if err != nil {
			return Failed, err
		}
		c.ocr = ocr
		if ocr.HighCapacity() {
			return V2HighCapacity, nil
		}
		return V2StandardCapacity, nil
	}
	return Failed, &CommandError{Cmd: acmdSDSendOpCond, App: true, Err: ErrInitTimeout}
}

// sendOpCond runs one APP_CMD/SD_SEND_OP_COND round. A card that has not
// answered yet is simply not ready.
func (c *Card) sendOpCond(arg uint32) (bool, error) {
	r1, err := c.sendAppCommand(acmdSDSendOpCond, arg)
	if isTimeout(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return r1 == 0, nil
}

// Configure initializes the card and prepares it for block I/O: it reads the
// capacity, fixes the block length at 512 bytes on standard capacity cards
// and raises the bus clock to the data rate.
func (c *Card) Configure() error {
	if _, err := c.Initialize(); err != nil {
		return err
	}
	if err := c.configure(); err != nil {
		c.sectors = 0
		return err
	}
	c.log.Info("card ready", slog.Uint64("sectors", uint64(c.sectors)), slog.String("clock", c.clock.String()))
	return nil
}

func (c *Card) configure() error {
	n, err := c.SectorCount()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: no sectors", ErrUnsupportedCSD)
	}
	if !c.class.HighCapacity() {
		r1, err := c.sendCommand(cmdSetBlockLen, BlockSize)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBlockLength, err)
		}
		if r1 != 0 {
			return &CommandError{Cmd: cmdSetBlockLen, R1: r1, Err: ErrBlockLength}
		}
	}
	return c.setClock(c.cfg.DataClock)
}

// SectorCount returns the number of 512-byte sectors. The value is read from
// the CSD register once and cached; later calls do not touch the bus.
func (c *Card) SectorCount() (uint32, error) {
	if c.sectors != 0 {
		return c.sectors, nil
	}
	csd, err := c.ReadCSD()
	if err != nil {
		return 0, err
	}
	n, err := csd.Sectors(c.class)
	if err != nil {
		return 0, err
	}
	c.log.Debug("csd", slog.String("raw", fmt.Sprintf("%X", csd[:])), slog.Int("structure", int(csd.Structure())), slog.Uint64("sectors", uint64(n)))
	c.sectors = n
	return n, nil
}

// ReadCSD reads the raw 16-byte CSD register.
func (c *Card) ReadCSD() (CSD, error) {
	var csd CSD
	if !c.class.Ready() {
		return csd, ErrNotReady
	}
	err := c.transaction(func() error {
		r1, err := c.command(cmdSendCSD, 0)
		if err != nil {
			return err
		}
		if r1 != 0 {
			return &CommandError{Cmd: cmdSendCSD, R1: r1, Err: ErrResponse}
		}
		return c.receiveData(csd[:])
	})
	if err != nil {
		return CSD{}, fmt.Errorf("read CSD: %w", err)
	}
	return csd, nil
}

// ReadBlock reads block n into buf, which must be exactly BlockSize bytes.
func (c *Card) ReadBlock(n uint32, buf []byte) error {
	if err := c.checkIO(n, buf); err != nil {
		return err
	}
	err := c.transaction(func() error {
		r1, err := c.command(cmdReadSingleBlock, c.class.Address(n))
		if err != nil {
			return err
		}
		if r1 != 0 {
			return &CommandError{Cmd: cmdReadSingleBlock, R1: r1, Err: ErrResponse}
		}
		return c.receiveData(buf)
	})
	if err != nil {
		return fmt.Errorf("read block %d: %w", n, err)
	}
	return nil
}

// WriteBlock writes buf, exactly BlockSize bytes, to block n. A rejected
// write leaves the card usable; the same block may be written again.
func (c *Card) WriteBlock(n uint32, buf []byte) error {
	if err := c.checkIO(n, buf); err != nil {
		return err
	}
	err := c.transaction(func() error {
		r1, err := c.command(cmdWriteBlock, c.class.Address(n))
		if err != nil {
			return err
		}
		if r1 != 0 {
			return &CommandError{Cmd: cmdWriteBlock, R1: r1, Err: ErrResponse}
		}
		return c.sendData(buf)
	})
	if err != nil {
		return fmt.Errorf("write block %d: %w", n, err)
	}
	return nil
}

func (c *Card) checkIO(n uint32, buf []byte) error {
	if !c.class.Ready() {
		return ErrNotReady
	}
	if len(buf) != BlockSize {
		return ErrBufferSize
	}
	if n > c.class.MaxBlock() || c.sectors != 0 && n >= c.sectors {
		return fmt.Errorf("%w: block %d", ErrOutOfRange, n)
	}
	return nil
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrBusTimeout)
}
