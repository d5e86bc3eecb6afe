package sdcard

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// Transport exchanges single bytes with the card. Each Transfer clocks exactly
// eight bits out and eight bits in.
type Transport interface {
	Transfer(out byte) (in byte, err error)
	SetClock(f physic.Frequency) error
}

// Connector is the part of spi.Port the driver needs.
type Connector interface {
	Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error)
}

// SPITransport is a Transport over a periph SPI port. Changing the clock
// connects the port again; SD cards use SPI mode 0 with 8-bit words.
type SPITransport struct {
	port Connector
	conn spi.Conn
	freq physic.Frequency

	w, r [1]byte
}

func NewSPITransport(p Connector) *SPITransport {
	return &SPITransport{port: p}
}

func (t *SPITransport) SetClock(f physic.Frequency) error {
	conn, err := t.port.Connect(f, spi.Mode0, 8)
	if err != nil {
		return fmt.Errorf("failed to connect SPI at %s: %w", f, err)
	}
	t.conn = conn
	t.freq = f
	return nil
}

// Clock returns the frequency of the last successful SetClock.
func (t *SPITransport) Clock() physic.Frequency { return t.freq }

func (t *SPITransport) Transfer(out byte) (byte, error) {
	if t.conn == nil {
		return 0, errors.New("sdcard: SPI port not connected")
	}
	t.w[0] = out
	if err := t.conn.Tx(t.w[:], t.r[:]); err != nil {
		return 0, err
	}
	return t.r[0], nil
}
