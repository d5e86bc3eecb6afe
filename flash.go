package sdboot

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

// Flash is an SPI NOR flash chip. It implements boot.Programmer.
type Flash struct {
	conn spi.Conn
	cs   gpio.PinOut
	id   [3]byte // JEDEC ID of the flash chip
	pr   *flashParams
}

func NewFlash(conn spi.Conn, cs gpio.PinOut) *Flash {
	return &Flash{
		conn: conn,
		cs:   cs,
	}
}

// Flash commands:
//   - [N25Q32|Table 16: Command Set]
//   - [W25Q128|8.1.2 Instruction Set Table 1]
const (
	flashCmdPowerUp            = 0xAB // Release Power Down
	flashCmdPowerDown          = 0xB9
	flashCmdReadID             = 0x9F
	flashCmdRead               = 0x03
	flashCmdWriteEnable        = 0x06
	flashCmdPageProgram        = 0x02
	flashCmdErase4KB           = 0x20 // Subsector Erase / Sector Erase (4KB)
	flashCmdErase64KB          = 0xD8 // Sector Erase / Block Erase (64KB)
	flashCmdEraseChip          = 0xC7 // Bulk Erase / Chip Erase
	flashCmdReadStatusRegister = 0x05
)

const (
	flashPageSize   = 256
	flashSectorSize = 4 << 10
	max24           = 1<<24 - 1 // 0xFFFFFF
)

var ErrFlashBusy = errors.New("flash: still busy after timeout")

// tx wraps SPI transaction with CS assertion.
func (f *Flash) tx(buf []byte) (err error) {
	if err = f.cs.Out(gpio.Low); err != nil {
		return err
	}
	defer func() {
		if csErr := f.cs.Out(gpio.High); csErr != nil && err == nil {
			err = csErr
		}
	}()
	err = f.conn.Tx(buf, buf)
	return
}

// cmdAddr returns a buffer holding cmd, the 24-bit address and n more bytes.
func cmdAddr(cmd byte, addr, n int) ([]byte, error) {
	if addr < 0 || addr > max24 {
		return nil, fmt.Errorf("address 0x%X out of 24-bit range", addr)
	}
	buf := make([]byte, 4+n)
	buf[0] = cmd
	buf[1] = byte(addr >> 16)
	buf[2] = byte(addr >> 8)
	buf[3] = byte(addr)
	return buf, nil
}

func (f *Flash) PowerUp() error {
	buf := []byte{flashCmdPowerUp}
	if err := f.tx(buf); err != nil {
		return err
	}
	time.Sleep(f.tRES1())
	return nil
}

func (f *Flash) PowerDown() error {
	buf := []byte{flashCmdPowerDown}
	if err := f.tx(buf); err != nil {
		return err
	}
	time.Sleep(f.tDP())
	return nil
}

// ReadID returns the JEDEC ID of the flash chip and configures its parameters.
// It returns a non-empty name for known IDs. The extended device string is ignored.
func (f *Flash) ReadID() (id [3]byte, name string, err error) {
	buf := make([]byte, 4)
	buf[0] = flashCmdReadID

	if err = f.tx(buf); err != nil {
		return
	}

	f.id = [3]byte(buf[1:])
	f.pr = nil
	if params, ok := knownFlash[f.id]; ok {
		f.pr = &params
		name = params.name
	}
	return f.id, name, err
}

// Size is the capacity in bytes of a known chip, or 0 before a successful
// ReadID.
func (f *Flash) Size() int64 {
	if f.pr == nil {
		return 0
	}
	return f.pr.size
}

// Read performs a read operation, splitting it into multiple transactions if needed
// to stay within the maximum transaction size.
func (f *Flash) Read(addr, n int) ([]byte, error) {
	const (
		maxTx    = 65536 // [FTDI-AN_108]
		cmdBytes = 4     // opRead + 24-bit address
		maxData  = maxTx - cmdBytes
	)

	out := make([]byte, n)
	off := 0
	for remaining := n; remaining > 0; {
		chunk := min(remaining, maxData)
		buf, err := cmdAddr(flashCmdRead, addr, chunk)
		if err != nil {
			return nil, err
		}
		// buf[4:] dummy bytes

		if err := f.tx(buf); err != nil {
			return nil, err
		}

		copy(out[off:], buf[cmdBytes:])

		addr += chunk
		off += chunk
		remaining -= chunk
	}
	return out, nil
}

// ReadAt implements io.ReaderAt over the 24-bit address space.
func (f *Flash) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > max24 {
		return 0, io.EOF
	}
	n := len(p)
	if end := off + int64(n); end > max24+1 {
		n = int(max24 + 1 - off)
	}
	data, err := f.Read(int(off), n)
	if err != nil {
		return 0, err
	}
	copy(p, data)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *Flash) writeEnable() error {
	buf := []byte{flashCmdWriteEnable}
	return f.tx(buf)
}

// addr: 24 bit
// data: max 256 bytes, within one page
func (f *Flash) pageProgram(addr int, data []byte) error {
	if len(data) > flashPageSize {
		return errors.New("data must not exceed 256 bytes")
	}
	if addr%flashPageSize+len(data) > flashPageSize {
		return fmt.Errorf("%d bytes at 0x%X cross a page boundary", len(data), addr)
	}
	buf, err := cmdAddr(flashCmdPageProgram, addr, len(data))
	if err != nil {
		return err
	}
	copy(buf[4:], data)

	if err := f.writeEnable(); err != nil {
		return err
	}
	if err := f.tx(buf); err != nil {
		return err
	}
	return f.BusyWait(100*time.Microsecond, f.tPP())
}

func (f *Flash) SectorSize() int { return flashSectorSize }
func (f *Flash) PageSize() int   { return flashPageSize }

// EraseSector erases the 4KB sector at addr.
func (f *Flash) EraseSector(addr uint32) error { return f.Erase4KB(int(addr)) }

// ProgramPage programs data, which must stay within one 256-byte page.
func (f *Flash) ProgramPage(addr uint32, data []byte) error {
	return f.pageProgram(int(addr), data)
}

func (f *Flash) erase(cmd byte, addr int, interval, timeout time.Duration) error {
	buf, err := cmdAddr(cmd, addr, 0)
	if err != nil {
		return err
	}
	if err := f.writeEnable(); err != nil {
		return err
	}
	if err := f.tx(buf); err != nil {
		return err
	}
	return f.BusyWait(interval, timeout)
}

func (f *Flash) Erase4KB(addr int) error {
	return f.erase(flashCmdErase4KB, addr, 50*time.Millisecond, f.tErase4KB())
}

// Erase64KB erases a 64KB sector.
func (f *Flash) Erase64KB(addr int) error {
	return f.erase(flashCmdErase64KB, addr, 100*time.Millisecond, f.tErase64KB())
}

// EraseChip bulk erase the entire chip.
func (f *Flash) EraseChip() error {
	if err := f.writeEnable(); err != nil {
		return err
	}

	buf := []byte{flashCmdEraseChip}
	if err := f.tx(buf); err != nil {
		return err
	}
	return f.BusyWait(time.Second, f.tEraseChip())
}

// Erase erases the size bytes starting from baseAddr by repeatedly calling
// Erase64KB and Erase4KB. baseAddr must be 4KB aligned; 64KB erases are
// used from the first 64KB boundary on.
func (f *Flash) Erase(baseAddr, size int) error {
	const (
		blockSize     = 64 << 10 // 64KB
		subsectorSize = 4 << 10  // 4KB
	)
	if baseAddr%subsectorSize != 0 {
		return fmt.Errorf("erase address 0x%X is not 4KB aligned", baseAddr)
	}

	remaining := size
	addr := baseAddr

	for remaining > 0 {
		if addr%blockSize == 0 && remaining >= blockSize {
			if err := f.Erase64KB(addr); err != nil {
				return err
			}
			addr += blockSize
			remaining -= blockSize
			continue
		}
		if err := f.Erase4KB(addr); err != nil {
			return err
		}
		addr += subsectorSize
		remaining -= subsectorSize
	}

	return nil
}

// BusyWait waits for the flash to become ready by polling the status register's
// bit 0 with specified intervals. It returns ErrFlashBusy once timeout
// expires. Set timeout to 0 to wait indefinitely.
func (f *Flash) BusyWait(interval, timeout time.Duration) error {
	// Fast path
	if sr, err := f.ReadStatusRegister(); err == nil && !sr.Busy() {
		return nil
	}

	timer := time.NewTimer(timeout)
	if timeout == 0 {
		timer.Stop() // disable timer for unconfigured timeout
	}
	defer timer.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-timer.C:
			return fmt.Errorf("%w (%s)", ErrFlashBusy, timeout)
		case <-ticker.C:
			sr, err := f.ReadStatusRegister()
			if err != nil {
				return err
			}
			if !sr.Busy() {
				return nil
			}
		}
	}
}

// StatusRegister represents the status register of the flash chip.
//
//	Bits| [N25Q32|Table 9]                     | [W25Q128|7.1 Status Registers]
//	----+--------------------------------------+-------------------------------
//	7   | Status register write enable/disable | SRP: Status Register Protect
//	6   | Reserved                             | SEC: Sector protect
//	5   | Top/bottom                           | TB: Top/Bottom protect
//	4:2 | Block protect 2-0                    | BP2-0: Block Protect bit 2-0
//	1   | Write enable latch                   | WEL: Write Enable Latch
//	0   | Write in progress                    | BUSY: Erase/Write in progress
type StatusRegister byte

func (sr StatusRegister) StatusRegisterProtect() bool { return sr&(1<<7) != 0 }
func (sr StatusRegister) SectorProtect() bool         { return sr&(1<<6) != 0 }
func (sr StatusRegister) TopBottom() bool             { return sr&(1<<5) != 0 }
func (sr StatusRegister) BlockProtect2() bool         { return sr&(1<<4) != 0 }
func (sr StatusRegister) BlockProtect1() bool         { return sr&(1<<3) != 0 }
func (sr StatusRegister) BlockProtect0() bool         { return sr&(1<<2) != 0 }
func (sr StatusRegister) WriteEnabled() bool          { return sr&(1<<1) != 0 }
func (sr StatusRegister) Busy() bool                  { return sr&(1<<0) != 0 }

func (sr StatusRegister) String() string {
	b := fmt.Sprintf("%08b", byte(sr))
	flags := []struct {
		set  bool
		name string
	}{
		{sr.StatusRegisterProtect(), "SRP"},
		{sr.SectorProtect(), "SEC"},
		{sr.TopBottom(), "TB"},
		{sr.BlockProtect2(), "BP2"},
		{sr.BlockProtect1(), "BP1"},
		{sr.BlockProtect0(), "BP0"},
		{sr.WriteEnabled(), "WEL"},
		{sr.Busy(), "BUSY"},
	}
	s := []string{}
	for _, fl := range flags {
		if fl.set {
			s = append(s, fl.name)
		}
	}
	if len(s) == 0 {
		return b
	}
	return b + " " + strings.Join(s, ",")
}

func (f *Flash) ReadStatusRegister() (StatusRegister, error) {
	buf := []byte{flashCmdReadStatusRegister, 0}
	if err := f.tx(buf); err != nil {
		return 0, err
	}
	return StatusRegister(buf[1]), nil
}
