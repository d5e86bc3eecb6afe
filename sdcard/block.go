package sdcard

import "fmt"

// [SD-PLS|7.3.3 Control Tokens]
const (
	tokenStartBlock = 0xFE

	dataResponseMask     = 0x1F
	dataResponseAccepted = 0x05
)

// receiveData reads one data block after a read command: start token, data,
// then the two CRC bytes, which are discarded.
func (c *Card) receiveData(buf []byte) error {
	if err := c.waitStartToken(); err != nil {
		return err
	}
	if err := c.read(buf); err != nil {
		return err
	}
	var crc [2]byte
	return c.read(crc[:])
}

func (c *Card) waitStartToken() error {
	for range c.cfg.ReadTokenAttempts {
		b, err := c.bus.Transfer(fill)
		if err != nil {
			return err
		}
		if b == tokenStartBlock {
			return nil
		}
	}
	return fmt.Errorf("%w: no start token after %d bytes", ErrCardHung, c.cfg.ReadTokenAttempts)
}

// sendData sends one data block after a write command and waits until the
// card has programmed it. The CRC is not checked by the card in SPI mode.
func (c *Card) sendData(buf []byte) error {
	if _, err := c.bus.Transfer(tokenStartBlock); err != nil {
		return err
	}
	if err := c.write(buf); err != nil {
		return err
	}
	if err := c.write([]byte{fill, fill}); err != nil {
		return err
	}
	token, err := c.bus.Transfer(fill)
	if err != nil {
		return err
	}
	if token&dataResponseMask != dataResponseAccepted {
		return &WriteError{Token: token}
	}
	return c.waitNotBusy()
}

// waitNotBusy polls until the card stops holding MISO low.
func (c *Card) waitNotBusy() error {
	for range c.cfg.BusyAttempts {
		b, err := c.bus.Transfer(fill)
		if err != nil {
			return err
		}
		if b != 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: still busy after %d bytes", ErrCardHung, c.cfg.BusyAttempts)
}
