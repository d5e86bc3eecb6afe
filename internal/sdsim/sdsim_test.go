package sdsim

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"

	"github.com/gentam/sdboot/sdcard"
)

func newCard(t *testing.T, kind Kind, blocks int) (*Card, *sdcard.Card, []byte) {
	t.Helper()
	cs := &gpiotest.Pin{N: "SD_CS", L: gpio.High}
	image := make([]byte, blocks*blockSize)
	sim, err := NewMemory(kind, image, cs)
	if err != nil {
		t.Fatalf("NewMemory() error = %v", err)
	}
	card := sdcard.New(sdcard.NewSPITransport(sim), cs, sdcard.WithCommandAttempts(64))
	return sim, card, image
}

func TestConfigure(t *testing.T) {
	tests := []struct {
		kind        Kind
		blocks      int
		wantClass   sdcard.CardClass
		wantSectors uint32
	}{
		{V1, 4096, sdcard.V1StandardCapacity, 4096},
		{V2, 4096 + 100, sdcard.V2StandardCapacity, 4096},
		{V2HC, 8192, sdcard.V2HighCapacity, 8192},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			sim, card, _ := newCard(t, tt.kind, tt.blocks)
			sim.IdleRounds = 5

			if err := card.Configure(); err != nil {
				t.Fatalf("Configure() error = %v", err)
			}
			if got := card.Class(); got != tt.wantClass {
				t.Errorf("Class() = %v, want %v", got, tt.wantClass)
			}
			n, err := card.SectorCount()
			if err != nil || n != tt.wantSectors {
				t.Errorf("SectorCount() = %d, %v, want %d", n, err, tt.wantSectors)
			}

			clocks := sim.Clocks()
			if clocks[0] != 25*physic.KiloHertz || clocks[len(clocks)-1] != physic.MegaHertz {
				t.Errorf("Clocks() = %v, want 25kHz first and 1MHz last", clocks)
			}

			rounds := 0
			for _, c := range sim.Commands() {
				if c.Index == 41 && c.App {
					rounds++
				}
			}
			if rounds != sim.IdleRounds+1 {
				t.Errorf("ACMD41 rounds = %d, want %d", rounds, sim.IdleRounds+1)
			}
		})
	}
}

func TestBlockRoundTrip(t *testing.T) {
	for _, kind := range []Kind{V1, V2, V2HC} {
		t.Run(kind.String(), func(t *testing.T) {
			sim, card, image := newCard(t, kind, 2048)
			sim.BusyBytes = 20
			if err := card.Configure(); err != nil {
				t.Fatalf("Configure() error = %v", err)
			}

			data := make([]byte, sdcard.BlockSize)
			for i := range data {
				data[i] = byte(i ^ 0x5A)
			}
			if err := card.WriteBlock(100, data); err != nil {
				t.Fatalf("WriteBlock() error = %v", err)
			}
			if !bytes.Equal(image[100*blockSize:101*blockSize], data) {
				t.Error("image does not hold the written block")
			}

			got := make([]byte, sdcard.BlockSize)
			if err := card.ReadBlock(100, got); err != nil {
				t.Fatalf("ReadBlock() error = %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Error("ReadBlock() returned different data")
			}
			if sim.BlocksWritten() != 1 {
				t.Errorf("BlocksWritten() = %d, want 1", sim.BlocksWritten())
			}
		})
	}
}

func TestReadOutOfRange(t *testing.T) {
	_, card, _ := newCard(t, V2HC, 1024)
	if err := card.Configure(); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	err := card.ReadBlock(1024, make([]byte, sdcard.BlockSize))
	var ce *sdcard.CommandError
	if !errors.As(err, &ce) || !ce.R1.AddressError() {
		t.Errorf("ReadBlock() error = %v, want address error", err)
	}
}

func TestRejectWrites(t *testing.T) {
	sim, card, image := newCard(t, V2, 1024)
	if err := card.Configure(); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	sim.RejectWrites = 1

	data := bytes.Repeat([]byte{0xA5}, sdcard.BlockSize)
	if err := card.WriteBlock(3, data); !errors.Is(err, sdcard.ErrWriteRejected) {
		t.Fatalf("WriteBlock() error = %v, want %v", err, sdcard.ErrWriteRejected)
	}
	if image[3*blockSize] != 0 {
		t.Error("rejected block reached the image")
	}
	if err := card.WriteBlock(3, data); err != nil {
		t.Fatalf("second WriteBlock() error = %v", err)
	}
	if !bytes.Equal(image[3*blockSize:4*blockSize], data) {
		t.Error("retried block not in the image")
	}
}

func TestNoCard(t *testing.T) {
	_, card, _ := newCard(t, None, 0)

	err := card.Configure()
	if !errors.Is(err, sdcard.ErrBusTimeout) {
		t.Fatalf("Configure() error = %v, want %v", err, sdcard.ErrBusTimeout)
	}
	if card.Class() != sdcard.Failed {
		t.Errorf("Class() = %v, want %v", card.Class(), sdcard.Failed)
	}
	if card.Status() != sdcard.NotReady {
		t.Errorf("Status() = %v, want %v", card.Status(), sdcard.NotReady)
	}
}

func TestMakeCSD(t *testing.T) {
	tests := []struct {
		kind   Kind
		blocks uint32
		class  sdcard.CardClass
		want   uint32
	}{
		{V1, 512, sdcard.V1StandardCapacity, 512},
		{V1, 2 << 20, sdcard.V1StandardCapacity, 2 << 20},        // 1 GB, READ_BL_LEN 9
		{V2, 4 << 20, sdcard.V2StandardCapacity, 4 << 20},        // 2 GB, READ_BL_LEN 10
		{V2, 8<<20 - 1, sdcard.V2StandardCapacity, 8<<20 - 2048}, // rounded down to a C_SIZE step
		{V2HC, 1 << 24, sdcard.V2HighCapacity, 1 << 24},          // 8 GB
		{V2HC, 1<<24 + 1000, sdcard.V2HighCapacity, 1 << 24},     // partial unit dropped
	}
	for _, tt := range tests {
		raw, err := makeCSD(tt.kind, tt.blocks)
		if err != nil {
			t.Fatalf("makeCSD(%v, %d) error = %v", tt.kind, tt.blocks, err)
		}
		csd := sdcard.CSD(raw)
		got, err := csd.Sectors(tt.class)
		if err != nil || got != tt.want {
			t.Errorf("makeCSD(%v, %d): Sectors() = %d, %v, want %d", tt.kind, tt.blocks, got, err, tt.want)
		}
	}

	if _, err := makeCSD(V1, 100); err == nil {
		t.Error("makeCSD() accepted an image smaller than one C_SIZE step")
	}
	if _, err := makeCSD(V2HC, 1000); err == nil {
		t.Error("makeCSD() accepted a high capacity image below 512 KB")
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{V1, V2, V2HC, None} {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseKind(%q) = %v, %v, want %v", k.String(), got, err, k)
		}
	}
	if _, err := ParseKind("mmc"); err == nil {
		t.Error("ParseKind(\"mmc\") succeeded")
	}
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "card.img")
	image := make([]byte, 1024*blockSize)
	copy(image[7*blockSize:], "hello")
	if err := os.WriteFile(path, image, 0o644); err != nil {
		t.Fatal(err)
	}

	cs := &gpiotest.Pin{N: "SD_CS", L: gpio.High}
	sim, err := Open(path, V2HC, cs)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer sim.Close()

	card := sdcard.New(sdcard.NewSPITransport(sim), cs)
	if err := card.Configure(); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	buf := make([]byte, sdcard.BlockSize)
	if err := card.ReadBlock(7, buf); err != nil {
		t.Fatalf("ReadBlock() error = %v", err)
	}
	if string(buf[:5]) != "hello" {
		t.Errorf("ReadBlock() = %q, want hello", buf[:5])
	}
}
