package sdboot

import (
	"errors"
	"sync"
	"testing"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/gentam/sdboot/internal/sdsim"
)

type chipOp struct {
	cmd  byte
	addr int
}

// norChip models an SPI NOR flash. Each Tx is one CS-framed transaction.
type norChip struct {
	id  [3]byte
	mem []byte // addresses wrap
	cs  *gpiotest.Pin

	// busyPolls is how many status reads report BUSY after a program or
	// erase; negative keeps the chip busy forever.
	busyPolls int

	busy    int
	wel     bool
	ops     []chipOp
	ignored int // program/erase commands without write enable
}

func newNORChip(size int) *norChip {
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = 0xFF
	}
	return &norChip{
		id:  flashIDWinbondW25Q128,
		mem: mem,
		cs:  &gpiotest.Pin{N: "FLASH_CS", L: gpio.High},
	}
}

func (c *norChip) String() string      { return "nor" }
func (c *norChip) Duplex() conn.Duplex { return conn.Full }
func (c *norChip) TxPackets([]spi.Packet) error {
	return errors.New("nor: packets not supported")
}

func (c *norChip) Tx(w, r []byte) error {
	if c.cs.Read() != gpio.Low {
		return errors.New("nor: not selected")
	}
	if len(w) == 0 {
		return nil
	}
	cmd := w[0]
	addr := -1
	if len(w) >= 4 {
		addr = int(w[1])<<16 | int(w[2])<<8 | int(w[3])
	}
	c.ops = append(c.ops, chipOp{cmd, addr})

	switch cmd {
	case flashCmdReadID:
		copy(r[1:], c.id[:])
	case flashCmdReadStatusRegister:
		var sr byte
		if c.busy != 0 {
			sr |= 1
			if c.busy > 0 {
				c.busy--
			}
		}
		if c.wel {
			sr |= 2
		}
		r[1] = sr
	case flashCmdWriteEnable:
		c.wel = true
	case flashCmdRead:
		for i := 4; i < len(w); i++ {
			r[i] = c.mem[(addr+i-4)%len(c.mem)]
		}
	case flashCmdPageProgram:
		if c.start() {
			page := addr &^ (flashPageSize - 1)
			for i, b := range w[4:] {
				c.mem[(page+(addr+i)%flashPageSize)%len(c.mem)] &= b
			}
		}
	case flashCmdErase4KB:
		if c.start() {
			c.fill(addr&^(4<<10-1), 4<<10)
		}
	case flashCmdErase64KB:
		if c.start() {
			c.fill(addr&^(64<<10-1), 64<<10)
		}
	case flashCmdEraseChip:
		if c.start() {
			c.fill(0, len(c.mem))
		}
	}
	return nil
}

// start begins a program or erase cycle if the write enable latch is set.
func (c *norChip) start() bool {
	if !c.wel {
		c.ignored++
		return false
	}
	c.wel = false
	c.busy = c.busyPolls
	return true
}

func (c *norChip) fill(addr, n int) {
	for i := range n {
		c.mem[(addr+i)%len(c.mem)] = 0xFF
	}
}

func (c *norChip) count(cmd byte) int {
	n := 0
	for _, op := range c.ops {
		if op.cmd == cmd {
			n++
		}
	}
	return n
}

// board is an FTDI SPI port with an SD card and a NOR chip on it. Like the
// MPSSE port it must be closed before it connects again.
type board struct {
	mu    sync.Mutex
	sd    spi.Port
	nor   *norChip
	sdCS  *gpiotest.Pin
	reset *gpiotest.Pin
	done  *gpiotest.Pin

	conn   spi.Conn
	freq   physic.Frequency
	clocks []physic.Frequency
	closes int
}

func (b *board) pins() PinMap {
	return PinMap{
		"D4": b.nor.cs,
		"D5": b.sdCS,
		"D6": b.done,
		"D7": b.reset,
	}
}

func (b *board) String() string { return "board" }

func (b *board) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return nil, errors.New("board: already connected")
	}
	if mode&spi.NoCS == 0 {
		return nil, errors.New("board: port CS would fight the GPIO chip selects")
	}
	sd, err := b.sd.Connect(f, mode&^spi.NoCS, bits)
	if err != nil {
		return nil, err
	}
	b.conn = sd
	b.freq = f
	b.clocks = append(b.clocks, f)
	return &boardConn{b}, nil
}

func (b *board) LimitSpeed(physic.Frequency) error { return nil }

func (b *board) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conn = nil
	b.closes++
	return nil
}

type boardConn struct{ b *board }

func (c *boardConn) String() string      { return "board" }
func (c *boardConn) Duplex() conn.Duplex { return conn.Full }

func (c *boardConn) Tx(w, r []byte) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.b.conn == nil {
		return errors.New("board: port closed")
	}
	nor := c.b.nor.cs.Read() == gpio.Low
	sd := c.b.sdCS.Read() == gpio.Low
	switch {
	case nor && sd:
		return errors.New("board: both chips selected")
	case nor:
		return c.b.nor.Tx(w, r)
	default:
		return c.b.conn.Tx(w, r)
	}
}

func (c *boardConn) TxPackets(p []spi.Packet) error {
	for _, pkt := range p {
		if err := c.Tx(pkt.W, pkt.R); err != nil {
			return err
		}
	}
	return nil
}

// newBoard returns a board whose card holds img, or an empty slot when img
// is nil.
func newBoard(t *testing.T, img []byte) *board {
	t.Helper()
	sdCS := &gpiotest.Pin{N: "SD_CS", L: gpio.High}
	var (
		sim *sdsim.Card
		err error
	)
	if img == nil {
		sim, err = sdsim.New(sdsim.None, nil, 0, sdCS)
	} else {
		sim, err = sdsim.NewMemory(sdsim.V2HC, img, sdCS)
	}
	if err != nil {
		t.Fatalf("sdsim: %v", err)
	}
	return &board{
		sd:    sim,
		nor:   newNORChip(1 << 20),
		sdCS:  sdCS,
		reset: &gpiotest.Pin{N: "CRESET", L: gpio.High},
		done:  &gpiotest.Pin{N: "CDONE", L: gpio.Low},
	}
}
