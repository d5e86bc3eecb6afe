// Package sdsim simulates an SD card in SPI mode behind a periph spi.Port.
//
// The card observes its chip select through a gpio.PinIn, usually a
// *gpiotest.Pin that the driver under test also drives. Storage is any
// io.ReaderAt/io.WriterAt, typically a disk image file.
package sdsim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// Kind is the card generation the simulator answers as.
type Kind int

const (
	V1   Kind = iota // v1.x, standard capacity, byte addressed
	V2               // v2.x, standard capacity, byte addressed
	V2HC             // v2.x, high capacity, block addressed
	None             // nothing inserted: MISO stays high
)

var kindNames = map[Kind]string{V1: "v1", V2: "v2", V2HC: "v2hc", None: "none"}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind accepts the names printed by Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown card kind %q", s)
}

// Storage backs the card's blocks.
type Storage interface {
	io.ReaderAt
	io.WriterAt
}

// Command is one command frame the card received.
type Command struct {
	Index byte
	Arg   uint32
	App   bool // preceded by APP_CMD
}

func (c Command) String() string {
	if c.App {
		return fmt.Sprintf("ACMD%d(%#x)", c.Index, c.Arg)
	}
	return fmt.Sprintf("CMD%d(%#x)", c.Index, c.Arg)
}

const (
	blockSize = 512

	r1Idle      = 0x01
	r1Illegal   = 0x04
	r1AddrError = 0x20
	r1Param     = 0x40

	tokenStart    = 0xFE
	tokenAccepted = 0xE5
	tokenRejected = 0xED // write error
)

type state uint8

const (
	stIdle state = iota
	stCommand
	stWriteWait // after CMD24, waiting for the start token
	stWriteData
)

// Card is a simulated SD card. It implements spi.Port and spi.Conn.
type Card struct {
	// IdleRounds is the number of ACMD41 rounds answered "idle" before the
	// card reports ready.
	IdleRounds int

	// BusyBytes is how long the card holds MISO low after accepting a block.
	BusyBytes int

	// RejectWrites makes the next n block writes fail with a write error
	// data response.
	RejectWrites int

	Logger *slog.Logger

	mu      sync.Mutex
	kind    Kind
	cs      gpio.PinIn
	store   Storage
	closer  io.Closer
	blocks  uint32
	csd     [16]byte
	clocks  []physic.Frequency
	history []Command

	st       state
	frame    [6]byte
	n        int
	out      []byte
	app      bool
	ready    bool
	rounds   int
	wrAddr   uint32
	wrBuf    [blockSize + 2]byte
	wrBlocks int
}

// New returns a card of the given kind over store, which holds blocks
// 512-byte blocks. cs is sampled on every byte; the card only listens while
// it is low.
func New(kind Kind, store Storage, blocks uint32, cs gpio.PinIn) (*Card, error) {
	c := &Card{
		kind:   kind,
		cs:     cs,
		store:  store,
		blocks: blocks,
		Logger: slog.New(slog.DiscardHandler),
	}
	if kind == None {
		return c, nil
	}
	csd, err := makeCSD(kind, blocks)
	if err != nil {
		return nil, err
	}
	c.csd = csd
	return c, nil
}

// NewMemory returns a card over an in-memory image. len(image) must be a
// multiple of 512; writes land in image.
func NewMemory(kind Kind, image []byte, cs gpio.PinIn) (*Card, error) {
	if len(image)%blockSize != 0 {
		return nil, fmt.Errorf("image size %d is not a multiple of %d", len(image), blockSize)
	}
	return New(kind, memory(image), uint32(len(image)/blockSize), cs)
}

// Open returns a card over an image file, opened read-write.
func Open(path string, kind Kind, cs gpio.PinIn) (*Card, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	c, err := New(kind, f, uint32(fi.Size()/blockSize), cs)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.closer = f
	return c, nil
}

func (c *Card) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// Commands returns every command frame received so far.
func (c *Card) Commands() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Command(nil), c.history...)
}

// Clocks returns the frequency of every Connect call.
func (c *Card) Clocks() []physic.Frequency {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]physic.Frequency(nil), c.clocks...)
}

// BlocksWritten counts accepted block writes.
func (c *Card) BlocksWritten() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wrBlocks
}

func (c *Card) Blocks() uint32 { return c.blocks }
func (c *Card) Kind() Kind     { return c.kind }

// CSD returns the register the card sends for SEND_CSD.
func (c *Card) CSD() [16]byte { return c.csd }

func (c *Card) String() string {
	return fmt.Sprintf("sdsim(%s, %d blocks)", c.kind, c.blocks)
}

// Connect implements spi.Port. SD cards only speak mode 0 with 8-bit words.
func (c *Card) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	if mode != spi.Mode0 {
		return nil, fmt.Errorf("sdsim: unsupported mode %v", mode)
	}
	if bits != 8 {
		return nil, fmt.Errorf("sdsim: unsupported word size %d", bits)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clocks = append(c.clocks, f)
	return c, nil
}

func (c *Card) LimitSpeed(f physic.Frequency) error { return nil }

func (c *Card) Duplex() conn.Duplex { return conn.Full }

func (c *Card) Halt() error { return nil }

// Tx implements spi.Conn. w and r may alias.
func (c *Card) Tx(w, r []byte) error {
	if len(r) != 0 && len(r) != len(w) {
		return errors.New("sdsim: r must be empty or the same length as w")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, b := range w {
		in := c.exchange(b)
		if len(r) != 0 {
			r[i] = in
		}
	}
	return nil
}

func (c *Card) TxPackets(p []spi.Packet) error {
	for _, pkt := range p {
		if err := c.Tx(pkt.W, pkt.R); err != nil {
			return err
		}
	}
	return nil
}

// exchange clocks one byte: the card shifts out the head of its output queue
// while the host byte shifts in.
func (c *Card) exchange(b byte) byte {
	if c.kind == None {
		return 0xFF
	}
	if c.cs != nil && c.cs.Read() == gpio.High {
		c.deselect()
		return 0xFF
	}
	out := byte(0xFF)
	if len(c.out) > 0 {
		out = c.out[0]
		c.out = c.out[1:]
	}

	switch c.st {
	case stIdle:
		if b&0xC0 == 0x40 && len(c.out) == 0 {
			c.frame[0] = b
			c.n = 1
			c.st = stCommand
		}
	case stCommand:
		c.frame[c.n] = b
		c.n++
		if c.n == len(c.frame) {
			c.st = stIdle
			c.command()
		}
	case stWriteWait:
		if b == tokenStart && len(c.out) == 0 {
			c.n = 0
			c.st = stWriteData
		}
	case stWriteData:
		c.wrBuf[c.n] = b
		c.n++
		if c.n == len(c.wrBuf) {
			c.st = stIdle
			c.writeBlock()
		}
	}
	return out
}

func (c *Card) deselect() {
	c.st = stIdle
	c.n = 0
	c.out = c.out[:0]
}

// reply queues resp after one byte of command response time.
func (c *Card) reply(resp ...byte) {
	c.out = append(c.out, 0xFF)
	c.out = append(c.out, resp...)
}

func (c *Card) command() {
	cmd := Command{
		Index: c.frame[0] & 0x3F,
		Arg:   binary.BigEndian.Uint32(c.frame[1:5]),
		App:   c.app,
	}
	c.app = false
	c.history = append(c.history, cmd)
	c.Logger.Debug("sdsim command", slog.String("cmd", cmd.String()))

	idle := byte(0)
	if !c.ready {
		idle = r1Idle
	}

	switch {
	case cmd.Index == 0:
		c.ready = false
		c.rounds = 0
		c.reply(r1Idle)
	case cmd.Index == 8:
		if c.kind == V1 {
			c.reply(idle | r1Illegal)
			return
		}
		// echo voltage and check pattern
		c.reply(idle, 0x00, 0x00, c.frame[3]&0x0F, c.frame[4])
	case cmd.Index == 55:
		c.app = true
		c.reply(idle)
	case cmd.Index == 41 && cmd.App:
		c.opCond(cmd.Arg)
	case cmd.Index == 58:
		ocr := uint32(0x00FF8000)
		if c.ready {
			ocr |= 1 << 31
			if c.kind == V2HC {
				ocr |= 1 << 30
			}
		}
		r := []byte{idle, 0, 0, 0, 0}
		binary.BigEndian.PutUint32(r[1:], ocr)
		c.reply(r...)
	case !c.ready:
		c.reply(r1Idle | r1Illegal)
	case cmd.Index == 9:
		c.reply(0x00, 0xFF, tokenStart)
		c.out = append(c.out, c.csd[:]...)
		c.out = append(c.out, 0x00, 0x00)
	case cmd.Index == 16:
		if c.kind != V2HC && cmd.Arg != blockSize {
			c.reply(r1Param)
			return
		}
		c.reply(0x00)
	case cmd.Index == 17:
		block, ok := c.block(cmd.Arg)
		if !ok {
			c.reply(r1AddrError)
			return
		}
		var buf [blockSize]byte
		if _, err := c.store.ReadAt(buf[:], int64(block)*blockSize); err != nil && err != io.EOF {
			c.Logger.Error("sdsim read", slog.Uint64("block", uint64(block)), slog.Any("err", err))
		}
		c.reply(0x00, 0xFF, tokenStart)
		c.out = append(c.out, buf[:]...)
		c.out = append(c.out, 0x00, 0x00)
	case cmd.Index == 24:
		block, ok := c.block(cmd.Arg)
		if !ok {
			c.reply(r1AddrError)
			return
		}
		c.wrAddr = block
		c.reply(0x00)
		c.st = stWriteWait
	default:
		c.reply(r1Illegal)
	}
}

func (c *Card) opCond(arg uint32) {
	const hcs = 1 << 30

	c.rounds++
	switch {
	case c.kind == V2HC && arg&hcs == 0:
		// a high capacity card never leaves idle for a host without HCS
		c.reply(r1Idle)
	case c.rounds <= c.IdleRounds:
		c.reply(r1Idle)
	default:
		c.ready = true
		c.reply(0x00)
	}
}

// block converts a command argument to a block number.
func (c *Card) block(arg uint32) (uint32, bool) {
	block := arg
	if c.kind != V2HC {
		if arg%blockSize != 0 {
			return 0, false
		}
		block = arg / blockSize
	}
	return block, block < c.blocks
}

func (c *Card) writeBlock() {
	if c.RejectWrites > 0 {
		c.RejectWrites--
		c.out = append(c.out, tokenRejected)
		return
	}
	if _, err := c.store.WriteAt(c.wrBuf[:blockSize], int64(c.wrAddr)*blockSize); err != nil {
		c.Logger.Error("sdsim write", slog.Uint64("block", uint64(c.wrAddr)), slog.Any("err", err))
		c.out = append(c.out, tokenRejected)
		return
	}
	c.wrBlocks++
	c.out = append(c.out, tokenAccepted)
	for range c.BusyBytes {
		c.out = append(c.out, 0x00)
	}
}

var (
	_ spi.Port = (*Card)(nil)
	_ spi.Conn = (*Card)(nil)
)
