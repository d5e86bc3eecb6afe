package boot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"

	"github.com/gentam/sdboot/fatfs"
)

// Programmer writes a NOR-style flash: erased bytes read 0xFF and
// programming only clears bits.
type Programmer interface {
	SectorSize() int // erase unit
	PageSize() int   // largest program unit
	EraseSector(addr uint32) error
	ProgramPage(addr uint32, data []byte) error
}

// Volume is the part of a FAT volume the loader needs. *fatfs.Volume
// implements it.
type Volume interface {
	Open(name string) (*fatfs.File, error)
	Remove(name string) error
	Rename(oldname, newname string) error
}

const blockSize = 512

// Loader copies the firmware file of a volume into flash.
type Loader struct {
	vol   Volume
	flash Programmer
	cfg   Config
	log   *slog.Logger

	// Progress, when set, is called with the bytes programmed so far and
	// the file size. It runs before the first block that reaches each
	// multiple of ProgressInterval and once at the end.
	Progress func(done, total int64)
}

// NewLoader returns a loader. A nil logger discards.
func NewLoader(vol Volume, flash Programmer, cfg Config, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Loader{vol: vol, flash: flash, cfg: cfg, log: log}
}

// Run flashes the firmware file and renames it to the backup name,
// replacing an older backup. It returns the number of bytes programmed.
// An empty file is neither flashed nor renamed.
//
// Cancelling ctx stops between blocks and leaves flash partly written.
func (l *Loader) Run(ctx context.Context) (int64, error) {
	f, err := l.vol.Open(l.cfg.Firmware)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrNoFirmware, l.cfg.Firmware)
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	total := f.Size()
	if l.cfg.Limit > 0 && total > l.cfg.Limit {
		return 0, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, total, l.cfg.Limit)
	}
	w, err := newPageWriter(l.flash, l.cfg.Base, l.cfg.Verify)
	if err != nil {
		return 0, err
	}
	l.log.Info("flashing firmware",
		slog.String("file", l.cfg.Firmware),
		slog.Int64("size", total),
		slog.String("base", fmt.Sprintf("0x%X", l.cfg.Base)))

	var (
		buf  [blockSize]byte
		done int64
		next int64 // next progress report
	)
	for {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		n, rerr := io.ReadFull(f, buf[:])
		if n > 0 {
			if l.cfg.ProgressInterval > 0 && done >= next {
				l.report(done, total)
				for next <= done {
					next += l.cfg.ProgressInterval
				}
			}
			if err := w.write(buf[:n]); err != nil {
				return done, err
			}
			done += int64(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return done, fmt.Errorf("read %s: %w", l.cfg.Firmware, rerr)
		}
	}
	if err := w.flush(); err != nil {
		return done, err
	}
	l.report(done, total)

	if done == 0 {
		l.log.Warn("firmware file is empty", slog.String("file", l.cfg.Firmware))
		return 0, nil
	}
	if err := l.vol.Remove(l.cfg.Backup); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return done, err
	}
	if err := l.vol.Rename(l.cfg.Firmware, l.cfg.Backup); err != nil {
		return done, err
	}
	l.log.Info("firmware flashed", slog.Int64("bytes", done), slog.String("backup", l.cfg.Backup))
	return done, nil
}

func (l *Loader) report(done, total int64) {
	l.log.Debug("progress", slog.Int64("done", done), slog.Int64("total", total))
	if l.Progress != nil {
		l.Progress(done, total)
	}
}

// pageWriter collects bytes into flash pages. A sector is erased when the
// page about to be programmed starts it.
type pageWriter struct {
	p      Programmer
	sector uint32
	page   []byte
	n      int
	addr   uint32 // address of page
	verify io.ReaderAt
}

func newPageWriter(p Programmer, base uint32, verify bool) (*pageWriter, error) {
	sector, page := p.SectorSize(), p.PageSize()
	if sector <= 0 || page <= 0 || sector%page != 0 {
		return nil, fmt.Errorf("%w: %d-byte pages in %d-byte sectors", ErrAlignment, page, sector)
	}
	if base%uint32(sector) != 0 {
		return nil, fmt.Errorf("%w: base 0x%X is not on a sector boundary", ErrAlignment, base)
	}
	w := &pageWriter{p: p, sector: uint32(sector), page: make([]byte, page), addr: base}
	if verify {
		r, ok := p.(io.ReaderAt)
		if !ok {
			return nil, fmt.Errorf("boot: verification needs a readable flash, have %T", p)
		}
		w.verify = r
	}
	return w, nil
}

func (w *pageWriter) write(b []byte) error {
	for len(b) > 0 {
		c := copy(w.page[w.n:], b)
		w.n += c
		b = b[c:]
		if w.n == len(w.page) {
			if err := w.program(); err != nil {
				return err
			}
		}
	}
	return nil
}

// flush programs a partial page padded with the erased value.
func (w *pageWriter) flush() error {
	if w.n == 0 {
		return nil
	}
	for i := w.n; i < len(w.page); i++ {
		w.page[i] = 0xFF
	}
	w.n = len(w.page)
	return w.program()
}

func (w *pageWriter) program() error {
	if w.addr%w.sector == 0 {
		if err := w.p.EraseSector(w.addr); err != nil {
			return fmt.Errorf("erase sector 0x%X: %w", w.addr, err)
		}
	}
	if err := w.p.ProgramPage(w.addr, w.page); err != nil {
		return fmt.Errorf("program page 0x%X: %w", w.addr, err)
	}
	if w.verify != nil {
		got := make([]byte, len(w.page))
		if _, err := w.verify.ReadAt(got, int64(w.addr)); err != nil {
			return fmt.Errorf("verify page 0x%X: %w", w.addr, err)
		}
		if !bytes.Equal(got, w.page) {
			return fmt.Errorf("%w: page 0x%X", ErrVerify, w.addr)
		}
	}
	w.addr += uint32(len(w.page))
	w.n = 0
	return nil
}
