package sdboot

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// Bus shares one SPI port between chips that run at different clocks, such
// as an SD card that starts below 400kHz and a flash chip at 30MHz. Every
// chip selects with its own GPIO, so the port's CS line is left alone.
//
// The FTDI port only lowers its clock on Connect, so moving to another
// clock closes the port and connects it again.
type Bus struct {
	mu   sync.Mutex
	port spi.PortCloser
	cur  spi.Conn
	freq physic.Frequency
	mode spi.Mode
	bits int

	reconnects int
}

func NewBus(port spi.PortCloser) *Bus {
	return &Bus{port: port}
}

func (b *Bus) String() string { return b.port.String() }

// Connect implements spi.Port. The returned connection reclocks the port
// on each transfer if another connection used it since.
func (b *Bus) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.use(f, mode, bits); err != nil {
		return nil, err
	}
	return &busConn{bus: b, freq: f, mode: mode, bits: bits}, nil
}

// Reconnects counts how often the port was reconnected for a clock change.
func (b *Bus) Reconnects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reconnects
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cur = nil
	return b.port.Close()
}

// use returns the port connection for the given settings. b.mu is held.
func (b *Bus) use(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	if b.cur != nil && b.freq == f && b.mode == mode && b.bits == bits {
		return b.cur, nil
	}
	if b.cur != nil {
		b.cur = nil
		b.reconnects++
		if err := b.port.Close(); err != nil {
			return nil, err
		}
	}
	c, err := b.port.Connect(f, mode|spi.NoCS, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to connect %s at %s: %w", b.port, f, err)
	}
	b.cur, b.freq, b.mode, b.bits = c, f, mode, bits
	return c, nil
}

type busConn struct {
	bus  *Bus
	freq physic.Frequency
	mode spi.Mode
	bits int
}

func (c *busConn) String() string {
	return fmt.Sprintf("%s@%s", c.bus, c.freq)
}

func (c *busConn) Duplex() conn.Duplex { return conn.Full }

func (c *busConn) Tx(w, r []byte) error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	cur, err := c.bus.use(c.freq, c.mode, c.bits)
	if err != nil {
		return err
	}
	return cur.Tx(w, r)
}

func (c *busConn) TxPackets(p []spi.Packet) error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	cur, err := c.bus.use(c.freq, c.mode, c.bits)
	if err != nil {
		return err
	}
	return cur.TxPackets(p)
}
