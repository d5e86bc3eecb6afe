package boot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"

	"github.com/gentam/sdboot/fatfs"
	"github.com/gentam/sdboot/internal/sdsim"
	"github.com/gentam/sdboot/sdcard"
)

// image is a disk image held in memory.
type image []byte

func (m image) ReadBlock(n uint32, buf []byte) error {
	off := int(n) * blockSize
	if off+blockSize > len(m) {
		return fmt.Errorf("block %d out of range", n)
	}
	copy(buf, m[off:off+blockSize])
	return nil
}

func (m image) WriteBlock(n uint32, buf []byte) error {
	off := int(n) * blockSize
	if off+blockSize > len(m) {
		return fmt.Errorf("block %d out of range", n)
	}
	copy(m[off:], buf[:blockSize])
	return nil
}

// newVolume formats a FAT16 image holding files.
func newVolume(t *testing.T, files map[string][]byte) (image, *fatfs.Volume) {
	t.Helper()
	const sectors = 8192
	img := make(image, sectors*blockSize)
	if err := fatfs.Format(img, sectors, fatfs.FAT16, "BOOT"); err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	vol, err := fatfs.Mount(img, nil)
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	for name, data := range files {
		if err := vol.WriteFile(name, data, time.Now()); err != nil {
			t.Fatalf("WriteFile(%q) error = %v", name, err)
		}
	}
	return img, vol
}

type op struct {
	erase bool
	addr  uint32
	data  []byte
}

// recorder logs flash operations.
type recorder struct {
	sector, page int
	ops          []op
	failAt       int // fail the operation with this index, from 1
}

func (r *recorder) SectorSize() int { return r.sector }
func (r *recorder) PageSize() int   { return r.page }

func (r *recorder) EraseSector(addr uint32) error {
	r.ops = append(r.ops, op{erase: true, addr: addr})
	if len(r.ops) == r.failAt {
		return errors.New("erase failed")
	}
	return nil
}

func (r *recorder) ProgramPage(addr uint32, data []byte) error {
	r.ops = append(r.ops, op{addr: addr, data: bytes.Clone(data)})
	if len(r.ops) == r.failAt {
		return errors.New("program failed")
	}
	return nil
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*13 + i>>8)
	}
	return b
}

func TestLoaderRun(t *testing.T) {
	firmware := pattern(2600)
	_, vol := newVolume(t, map[string][]byte{
		"firmware.bin": firmware,
		"firmware.cur": []byte("previous"),
	})
	flash := &recorder{sector: 1024, page: 256}

	cfg := DefaultConfig()
	cfg.Base = 0x2000
	cfg.ProgressInterval = 1024
	l := NewLoader(vol, flash, cfg, nil)
	var progress [][2]int64
	l.Progress = func(done, total int64) { progress = append(progress, [2]int64{done, total}) }

	n, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n != 2600 {
		t.Errorf("Run() = %d, want 2600", n)
	}

	var (
		erases  []uint32
		written []byte
		addr    = cfg.Base
	)
	for _, o := range flash.ops {
		if o.erase {
			erases = append(erases, o.addr)
			continue
		}
		if o.addr != addr || len(o.data) != 256 {
			t.Fatalf("program %d bytes at 0x%X, want 256 at 0x%X", len(o.data), o.addr, addr)
		}
		written = append(written, o.data...)
		addr += 256
	}
	if want := []uint32{0x2000, 0x2400, 0x2800}; !slices.Equal(erases, want) {
		t.Errorf("erased %#x, want %#x", erases, want)
	}
	if len(written) != 11*256 {
		t.Fatalf("programmed %d bytes, want %d", len(written), 11*256)
	}
	if !bytes.Equal(written[:2600], firmware) {
		t.Error("programmed data differs from firmware")
	}
	if tail := written[2600:]; !bytes.Equal(tail, bytes.Repeat([]byte{0xFF}, len(tail))) {
		t.Error("tail page not padded with 0xFF")
	}

	want := [][2]int64{{0, 2600}, {1024, 2600}, {2048, 2600}, {2600, 2600}}
	if !slices.Equal(progress, want) {
		t.Errorf("progress = %v, want %v", progress, want)
	}

	if _, err := vol.Stat("firmware.bin"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("firmware.bin still present: %v", err)
	}
	fi, err := vol.Stat("firmware.cur")
	if err != nil || fi.Size() != 2600 {
		t.Errorf("Stat(firmware.cur) = %v, %v, want 2600 bytes", fi, err)
	}
}

func TestLoaderProgressUnalignedInterval(t *testing.T) {
	_, vol := newVolume(t, map[string][]byte{"firmware.bin": pattern(5000)})
	cfg := DefaultConfig()
	cfg.ProgressInterval = 1000
	l := NewLoader(vol, &recorder{sector: 4096, page: 256}, cfg, nil)
	var progress []int64
	l.Progress = func(done, total int64) { progress = append(progress, done) }

	if _, err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []int64{0, 1024, 2048, 3072, 4096, 5000}
	if !slices.Equal(progress, want) {
		t.Errorf("progress = %v, want %v", progress, want)
	}
}

func TestLoaderErrors(t *testing.T) {
	tests := []struct {
		name    string
		files   map[string][]byte
		flash   *recorder
		cfg     func(*Config)
		wantErr error
		wantOps int
	}{
		{
			name:    "no firmware",
			files:   map[string][]byte{"other.bin": []byte("x")},
			flash:   &recorder{sector: 4096, page: 256},
			wantErr: ErrNoFirmware,
		},
		{
			name:    "too large",
			files:   map[string][]byte{"firmware.bin": pattern(5000)},
			flash:   &recorder{sector: 4096, page: 256},
			cfg:     func(c *Config) { c.Limit = 4096 },
			wantErr: ErrTooLarge,
		},
		{
			name:    "unaligned base",
			files:   map[string][]byte{"firmware.bin": pattern(100)},
			flash:   &recorder{sector: 4096, page: 256},
			cfg:     func(c *Config) { c.Base = 0x100 },
			wantErr: ErrAlignment,
		},
		{
			name:    "page larger than sector",
			files:   map[string][]byte{"firmware.bin": pattern(100)},
			flash:   &recorder{sector: 256, page: 512},
			wantErr: ErrAlignment,
		},
		{
			name:    "unreadable flash",
			files:   map[string][]byte{"firmware.bin": pattern(100)},
			flash:   &recorder{sector: 4096, page: 256},
			cfg:     func(c *Config) { c.Verify = true },
			wantErr: nil, // checked below
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, vol := newVolume(t, tt.files)
			cfg := DefaultConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			_, err := NewLoader(vol, tt.flash, cfg, nil).Run(context.Background())
			if err == nil {
				t.Fatal("Run() succeeded")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Run() error = %v, want %v", err, tt.wantErr)
			}
			if len(tt.flash.ops) != tt.wantOps {
				t.Errorf("flash operations = %d, want %d", len(tt.flash.ops), tt.wantOps)
			}
			if _, ok := tt.files["firmware.bin"]; ok {
				if _, err := vol.Stat("firmware.bin"); err != nil {
					t.Errorf("firmware.bin renamed after failure: %v", err)
				}
			}
		})
	}
}

func TestLoaderFlashFailure(t *testing.T) {
	_, vol := newVolume(t, map[string][]byte{"firmware.bin": pattern(3000)})
	flash := &recorder{sector: 1024, page: 256, failAt: 6} // second sector erase
	n, err := NewLoader(vol, flash, DefaultConfig(), nil).Run(context.Background())
	if err == nil || !bytes.Contains([]byte(err.Error()), []byte("erase sector 0x400")) {
		t.Errorf("Run() error = %v, want erase failure at 0x400", err)
	}
	if n != 1024 {
		t.Errorf("Run() = %d, want 1024", n)
	}
	if _, err := vol.Stat("firmware.bin"); err != nil {
		t.Errorf("firmware.bin renamed after failure: %v", err)
	}
}

func TestLoaderCancel(t *testing.T) {
	_, vol := newVolume(t, map[string][]byte{"firmware.bin": pattern(4000)})
	flash := &recorder{sector: 4096, page: 256}
	ctx, cancel := context.WithCancel(context.Background())

	l := NewLoader(vol, flash, DefaultConfig(), nil)
	l.Progress = func(done, total int64) { cancel() }
	n, err := l.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want %v", err, context.Canceled)
	}
	if n != blockSize {
		t.Errorf("Run() = %d, want %d", n, blockSize)
	}
	if _, err := vol.Stat("firmware.bin"); err != nil {
		t.Errorf("firmware.bin renamed after cancel: %v", err)
	}
}

func TestLoaderEmpty(t *testing.T) {
	_, vol := newVolume(t, map[string][]byte{"firmware.bin": nil})
	flash := &recorder{sector: 4096, page: 256}
	n, err := NewLoader(vol, flash, DefaultConfig(), nil).Run(context.Background())
	if n != 0 || err != nil {
		t.Errorf("Run() = %d, %v, want 0, nil", n, err)
	}
	if len(flash.ops) != 0 {
		t.Errorf("flash operations = %d, want 0", len(flash.ops))
	}
	if _, err := vol.Stat("firmware.bin"); err != nil {
		t.Errorf("empty firmware.bin renamed: %v", err)
	}
}

// noErase hides EraseSector so programming lands on stale data.
type noErase struct{ *FileProgrammer }

func (noErase) EraseSector(uint32) error { return nil }

func TestLoaderVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")
	if err := os.WriteFile(path, make([]byte, 8192), 0o644); err != nil {
		t.Fatal(err)
	}
	fp, err := OpenFileProgrammer(path, 8192, 4096, 256)
	if err != nil {
		t.Fatal(err)
	}
	defer fp.Close()

	_, vol := newVolume(t, map[string][]byte{"firmware.bin": pattern(600)})
	cfg := DefaultConfig()
	cfg.Verify = true
	_, err = NewLoader(vol, noErase{fp}, cfg, nil).Run(context.Background())
	if !errors.Is(err, ErrVerify) {
		t.Errorf("Run() error = %v, want %v", err, ErrVerify)
	}
}

// TestBootFromCard runs the whole flow: a simulated card holding a FAT
// volume, the SD driver, and a flash image on disk.
func TestBootFromCard(t *testing.T) {
	firmware := pattern(30000)
	img, _ := newVolume(t, map[string][]byte{
		"firmware.bin": firmware,
		"firmware.cur": pattern(100),
		"readme.txt":   []byte("hello"),
	})

	cs := &gpiotest.Pin{N: "SD_CS", L: gpio.High}
	sim, err := sdsim.NewMemory(sdsim.V2HC, img, cs)
	if err != nil {
		t.Fatalf("NewMemory() error = %v", err)
	}
	sim.IdleRounds = 3
	card := sdcard.New(sdcard.NewSPITransport(sim), cs)

	ctx := context.Background()
	if err := WaitCard(ctx, card, time.Millisecond, nil); err != nil {
		t.Fatalf("WaitCard() error = %v", err)
	}
	vol, err := fatfs.Mount(card, nil)
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "flash.bin")
	flash, err := OpenFileProgrammer(path, 64<<10, 4096, 256)
	if err != nil {
		t.Fatalf("OpenFileProgrammer() error = %v", err)
	}
	defer flash.Close()

	cfg := DefaultConfig()
	cfg.Base = 0x4000
	cfg.Verify = true
	n, err := NewLoader(vol, flash, cfg, nil).Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n != int64(len(firmware)) {
		t.Errorf("Run() = %d, want %d", n, len(firmware))
	}

	got := make([]byte, len(firmware))
	if _, err := flash.ReadAt(got, int64(cfg.Base)); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, firmware) {
		t.Error("flash image differs from firmware")
	}
	before := make([]byte, cfg.Base)
	if _, err := flash.ReadAt(before, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, bytes.Repeat([]byte{0xFF}, len(before))) {
		t.Error("flash below base was touched")
	}

	// the rename went through the card into the image
	check, err := fatfs.Mount(img, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := check.Stat("firmware.bin"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("firmware.bin still on the card: %v", err)
	}
	if fi, err := check.Stat("firmware.cur"); err != nil || fi.Size() != int64(len(firmware)) {
		t.Errorf("Stat(firmware.cur) = %v, %v", fi, err)
	}
	if sim.BlocksWritten() == 0 {
		t.Error("no blocks written to the card")
	}
}
