// Package fatfs reads and edits the root directory of a FAT16 or FAT32
// volume on a block device with 512-byte blocks.
//
// Only what a boot loader needs is supported: 8.3 names in the root
// directory, whole-file reads, rename, remove, and creating files from a
// byte slice. The volume is either the whole device (superfloppy) or the
// first FAT partition of an MBR.
//
// # References
//
//   - FATGEN: Microsoft Extensible Firmware Initiative FAT32 File System Specification, version 1.03
//   - [MBR] partition table entries
//
// [MBR]: https://en.wikipedia.org/wiki/Master_boot_record#PTE
package fatfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
)

// BlockDevice is a disk addressed in 512-byte blocks. *sdcard.Card
// implements it.
type BlockDevice interface {
	ReadBlock(n uint32, buf []byte) error
	WriteBlock(n uint32, buf []byte) error
}

// Type is the FAT variant of a volume.
type Type uint8

const (
	FAT16 Type = 16
	FAT32 Type = 32
)

func (t Type) String() string { return fmt.Sprintf("FAT%d", uint8(t)) }

const sectorSize = 512

var (
	ErrNotFAT      = errors.New("fatfs: no FAT volume found")
	ErrUnsupported = errors.New("fatfs: unsupported volume")
	ErrCorrupt     = errors.New("fatfs: corrupt volume")
	ErrInvalidName = errors.New("fatfs: invalid 8.3 name")
	ErrNoSpace     = errors.New("fatfs: no space left on volume")
)

// bootSector is the BIOS parameter block at the start of a volume,
// [FATGEN|Boot Sector and BPB Structure]. The last four fields only exist
// on FAT32 volumes.
type bootSector struct {
	Jump              [3]byte
	OEM               [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntries       uint16
	TotalSectors16    uint16
	Media             uint8
	FATSize16         uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32

	FATSize32   uint32
	ExtFlags    uint16
	FSVersion   uint16
	RootCluster uint32
}

func parseBootSector(b []byte) (bootSector, bool) {
	var bs bootSector
	if _, err := binary.Decode(b, binary.LittleEndian, &bs); err != nil {
		return bs, false
	}
	if bs.Jump[0] != 0xEB && bs.Jump[0] != 0xE9 {
		return bs, false
	}
	spc := bs.SectorsPerCluster
	switch {
	case bs.BytesPerSector < 512 || bs.BytesPerSector&(bs.BytesPerSector-1) != 0:
		return bs, false
	case spc == 0 || spc&(spc-1) != 0:
		return bs, false
	case bs.ReservedSectors == 0 || bs.NumFATs == 0:
		return bs, false
	case bs.Media != 0xF0 && bs.Media < 0xF8:
		return bs, false
	}
	return bs, true
}

// partition types that may hold a FAT file system
var fatPartitionTypes = map[byte]bool{
	0x01: true, // FAT12
	0x04: true, // FAT16 < 32MB
	0x06: true, // FAT16
	0x0B: true, // FAT32 CHS
	0x0C: true, // FAT32 LBA
	0x0E: true, // FAT16 LBA
}

// findPartition returns the first block of the first FAT partition listed
// in an MBR.
func findPartition(mbr []byte) (uint32, error) {
	const (
		tableOffset = 446
		entrySize   = 16
	)
	if mbr[510] != 0x55 || mbr[511] != 0xAA {
		return 0, ErrNotFAT
	}
	for i := range 4 {
		e := mbr[tableOffset+i*entrySize:][:entrySize]
		typ := e[4]
		start := binary.LittleEndian.Uint32(e[8:])
		size := binary.LittleEndian.Uint32(e[12:])
		if fatPartitionTypes[typ] && start != 0 && size != 0 {
			return start, nil
		}
	}
	return 0, ErrNotFAT
}

// Volume is a mounted FAT volume. It is not safe for concurrent use.
type Volume struct {
	dev BlockDevice
	log *slog.Logger

	typ         Type
	base        uint32 // first block of the volume
	fatStart    uint32
	fatSize     uint32 // sectors per FAT copy
	numFATs     uint32
	rootStart   uint32 // FAT16 only
	rootSectors uint32 // FAT16 only
	rootCluster uint32 // FAT32 only
	dataStart   uint32
	spc         uint32 // sectors per cluster
	clusters    uint32

	// one-sector window for FAT and directory sectors
	win       [sectorSize]byte
	winSector uint32
	winValid  bool
}

// Mount finds a FAT volume on dev. A nil logger discards.
func Mount(dev BlockDevice, log *slog.Logger) (*Volume, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	var buf [sectorSize]byte
	if err := dev.ReadBlock(0, buf[:]); err != nil {
		return nil, fmt.Errorf("fatfs: read block 0: %w", err)
	}

	base := uint32(0)
	bs, ok := parseBootSector(buf[:])
	if !ok {
		var err error
		if base, err = findPartition(buf[:]); err != nil {
			return nil, err
		}
		if err := dev.ReadBlock(base, buf[:]); err != nil {
			return nil, fmt.Errorf("fatfs: read boot sector at %d: %w", base, err)
		}
		if bs, ok = parseBootSector(buf[:]); !ok {
			return nil, fmt.Errorf("%w: partition at block %d has no BPB", ErrNotFAT, base)
		}
	}

	v, err := newVolume(dev, base, bs)
	if err != nil {
		return nil, err
	}
	v.log = log
	log.Debug("mounted volume",
		slog.String("type", v.typ.String()),
		slog.Uint64("base", uint64(base)),
		slog.Uint64("clusters", uint64(v.clusters)),
		slog.Int("cluster_size", v.ClusterSize()))
	return v, nil
}

func newVolume(dev BlockDevice, base uint32, bs bootSector) (*Volume, error) {
	if bs.BytesPerSector != sectorSize {
		return nil, fmt.Errorf("%w: %d-byte sectors", ErrUnsupported, bs.BytesPerSector)
	}
	fatSize := uint32(bs.FATSize16)
	if fatSize == 0 {
		fatSize = bs.FATSize32
	}
	total := uint32(bs.TotalSectors16)
	if total == 0 {
		total = bs.TotalSectors32
	}

	v := &Volume{
		dev:         dev,
		base:        base,
		fatStart:    base + uint32(bs.ReservedSectors),
		fatSize:     fatSize,
		numFATs:     uint32(bs.NumFATs),
		rootSectors: (uint32(bs.RootEntries)*32 + sectorSize - 1) / sectorSize,
		spc:         uint32(bs.SectorsPerCluster),
	}
	v.rootStart = v.fatStart + v.numFATs*fatSize
	v.dataStart = v.rootStart + v.rootSectors
	if fatSize == 0 || total <= v.dataStart-base {
		return nil, fmt.Errorf("%w: inconsistent BPB", ErrCorrupt)
	}
	v.clusters = (total - (v.dataStart - base)) / v.spc

	// [FATGEN|FAT Type Determination]
	switch {
	case v.clusters < 4085:
		return nil, fmt.Errorf("%w: FAT12", ErrUnsupported)
	case v.clusters < 65525:
		v.typ = FAT16
		if bs.RootEntries == 0 {
			return nil, fmt.Errorf("%w: FAT16 without root directory", ErrCorrupt)
		}
	default:
		v.typ = FAT32
		if bs.FATSize16 != 0 || bs.RootEntries != 0 {
			return nil, fmt.Errorf("%w: FAT32 with FAT16 fields", ErrCorrupt)
		}
		v.rootCluster = bs.RootCluster
		if !v.validCluster(v.rootCluster) {
			return nil, fmt.Errorf("%w: root cluster %d", ErrCorrupt, v.rootCluster)
		}
	}
	width := uint32(2)
	if v.typ == FAT32 {
		width = 4
	}
	if (v.clusters+2)*width > fatSize*sectorSize {
		return nil, fmt.Errorf("%w: FAT too small for %d clusters", ErrCorrupt, v.clusters)
	}
	return v, nil
}

func (v *Volume) Type() Type { return v.typ }

// Clusters is the number of data clusters.
func (v *Volume) Clusters() uint32 { return v.clusters }

// ClusterSize is the size of a cluster in bytes.
func (v *Volume) ClusterSize() int { return int(v.spc) * sectorSize }

func (v *Volume) clusterSector(c uint32) uint32 {
	return v.dataStart + (c-2)*v.spc
}

func (v *Volume) validCluster(c uint32) bool {
	return c >= 2 && c < v.clusters+2
}

// load reads sector n into the window unless it is already there.
func (v *Volume) load(n uint32) ([]byte, error) {
	if v.winValid && v.winSector == n {
		return v.win[:], nil
	}
	v.winValid = false
	if err := v.dev.ReadBlock(n, v.win[:]); err != nil {
		return nil, err
	}
	v.winSector = n
	v.winValid = true
	return v.win[:], nil
}

// store writes the window back to its sector.
func (v *Volume) store() error {
	return v.dev.WriteBlock(v.winSector, v.win[:])
}

// writeSector writes a sector that does not go through the window.
func (v *Volume) writeSector(n uint32, buf []byte) error {
	if v.winValid && v.winSector == n {
		v.winValid = false
	}
	return v.dev.WriteBlock(n, buf)
}
