package boot

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

var errOutOfRange = errors.New("boot: address out of flash range")

// FileProgrammer keeps a flash image in a host file. It follows NOR rules so
// a missed erase shows up in the image the same way it would on a chip.
type FileProgrammer struct {
	f      *os.File
	size   int64
	sector int
	page   int
}

// OpenFileProgrammer opens or creates the image at path. The file is
// extended to size bytes with the erased value.
func OpenFileProgrammer(path string, size int64, sector, page int) (*FileProgrammer, error) {
	if sector <= 0 || page <= 0 || sector%page != 0 || size%int64(sector) != 0 {
		return nil, fmt.Errorf("%w: size %d, sector %d, page %d", ErrAlignment, size, sector, page)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if have := fi.Size(); have < size {
		if _, err := f.WriteAt(bytes.Repeat([]byte{0xFF}, int(size-have)), have); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &FileProgrammer{f: f, size: size, sector: sector, page: page}, nil
}

func (p *FileProgrammer) SectorSize() int { return p.sector }
func (p *FileProgrammer) PageSize() int   { return p.page }
func (p *FileProgrammer) Size() int64     { return p.size }

func (p *FileProgrammer) EraseSector(addr uint32) error {
	if addr%uint32(p.sector) != 0 {
		return fmt.Errorf("%w: erase at 0x%X", ErrAlignment, addr)
	}
	if int64(addr)+int64(p.sector) > p.size {
		return fmt.Errorf("%w: 0x%X", errOutOfRange, addr)
	}
	_, err := p.f.WriteAt(bytes.Repeat([]byte{0xFF}, p.sector), int64(addr))
	return err
}

// ProgramPage ANDs data into the image. data must not cross a page
// boundary.
func (p *FileProgrammer) ProgramPage(addr uint32, data []byte) error {
	if int(addr)%p.page+len(data) > p.page {
		return fmt.Errorf("%w: %d bytes at 0x%X cross a page", ErrAlignment, len(data), addr)
	}
	if int64(addr)+int64(len(data)) > p.size {
		return fmt.Errorf("%w: 0x%X", errOutOfRange, addr)
	}
	old := make([]byte, len(data))
	if _, err := p.f.ReadAt(old, int64(addr)); err != nil {
		return err
	}
	for i := range old {
		old[i] &= data[i]
	}
	_, err := p.f.WriteAt(old, int64(addr))
	return err
}

func (p *FileProgrammer) ReadAt(b []byte, off int64) (int, error) {
	if off >= p.size {
		return 0, io.EOF
	}
	if rem := p.size - off; int64(len(b)) > rem {
		n, err := p.f.ReadAt(b[:rem], off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return p.f.ReadAt(b, off)
}

func (p *FileProgrammer) Close() error { return p.f.Close() }
