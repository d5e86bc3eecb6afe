package fatfs

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

const (
	oemName     = "SDBOOT  "
	noName      = "NO NAME    "
	media       = 0xF8
	rootEntries = 512 // FAT16

	fat32Reserved = 32
	fsInfoSector  = 1
	backupSector  = 6
)

// Format writes an empty FAT16 or FAT32 file system over the first
// sectors blocks of dev, without a partition table. An empty label leaves
// the volume unnamed.
func Format(dev BlockDevice, sectors uint32, typ Type, label string) error {
	lbl, err := volumeLabel(label)
	if err != nil {
		return err
	}
	var g geometry
	switch typ {
	case FAT16:
		g, err = fat16Geometry(sectors)
	case FAT32:
		g, err = fat32Geometry(sectors)
	default:
		err = fmt.Errorf("%w: %v", ErrUnsupported, typ)
	}
	if err != nil {
		return err
	}
	return g.write(dev, lbl, uint32(time.Now().Unix()))
}

type geometry struct {
	typ      Type
	total    uint32
	reserved uint32
	spc      uint32
	fatSize  uint32
	rootSecs uint32
	clusters uint32
}

// layout sizes the FATs for spc sectors per cluster. Growing the FATs
// shrinks the data area, so it repeats until the size is stable.
func layout(typ Type, total, reserved, rootSecs, spc uint32) (geometry, bool) {
	width := uint32(2)
	if typ == FAT32 {
		width = 4
	}
	g := geometry{typ: typ, total: total, reserved: reserved, spc: spc, rootSecs: rootSecs, fatSize: 1}
	for {
		overhead := reserved + rootSecs + 2*g.fatSize
		if total <= overhead {
			return g, false
		}
		g.clusters = (total - overhead) / spc
		need := ((g.clusters+2)*width + sectorSize - 1) / sectorSize
		if need <= g.fatSize {
			return g, true
		}
		g.fatSize = need
	}
}

// fat16Geometry picks the smallest cluster that keeps the count below the
// FAT32 threshold.
func fat16Geometry(total uint32) (geometry, error) {
	rootSecs := uint32(rootEntries * dirEntrySize / sectorSize)
	for spc := uint32(1); spc <= 64; spc *= 2 {
		g, ok := layout(FAT16, total, 1, rootSecs, spc)
		if !ok || g.clusters < 4085 {
			return g, fmt.Errorf("%w: %d sectors is too small for FAT16", ErrUnsupported, total)
		}
		if g.clusters < 65525 {
			return g, nil
		}
	}
	return geometry{}, fmt.Errorf("%w: %d sectors is too large for FAT16", ErrUnsupported, total)
}

// fat32Geometry picks the largest cluster up to 4 KB that still yields a
// FAT32 cluster count.
func fat32Geometry(total uint32) (geometry, error) {
	for _, spc := range []uint32{8, 4, 2, 1} {
		g, ok := layout(FAT32, total, fat32Reserved, 0, spc)
		if ok && g.clusters >= 65525 {
			return g, nil
		}
	}
	return geometry{}, fmt.Errorf("%w: %d sectors is too small for FAT32", ErrUnsupported, total)
}

func volumeLabel(label string) ([11]byte, error) {
	var b [11]byte
	if label == "" {
		copy(b[:], noName)
		return b, nil
	}
	if len(label) > len(b) {
		return b, fmt.Errorf("%w: label %q longer than 11 bytes", ErrInvalidName, label)
	}
	label = strings.ToUpper(label)
	for i := range b {
		b[i] = ' '
		if i < len(label) {
			c := label[i]
			if c < ' ' || c >= 0x7F || strings.IndexByte("\"*+,./:;<=>?[\\]|", c) >= 0 {
				return b, fmt.Errorf("%w: label %q", ErrInvalidName, label)
			}
			b[i] = c
		}
	}
	return b, nil
}

func (g geometry) bootSector(label [11]byte, serial uint32) []byte {
	bs := bootSector{
		Jump:              [3]byte{0xEB, 0x3C, 0x90},
		BytesPerSector:    sectorSize,
		SectorsPerCluster: uint8(g.spc),
		ReservedSectors:   uint16(g.reserved),
		NumFATs:           2,
		Media:             media,
		SectorsPerTrack:   63,
		NumHeads:          255,
	}
	copy(bs.OEM[:], oemName)
	if g.total < 0x10000 {
		bs.TotalSectors16 = uint16(g.total)
	} else {
		bs.TotalSectors32 = g.total
	}

	sec := make([]byte, sectorSize)
	ext := 36 // extended boot record
	fsType := "FAT16   "
	if g.typ == FAT16 {
		bs.RootEntries = rootEntries
		bs.FATSize16 = uint16(g.fatSize)
	} else {
		bs.Jump[1] = 0x58
		bs.FATSize32 = g.fatSize
		bs.RootCluster = 2
		binary.LittleEndian.PutUint16(sec[48:], fsInfoSector)
		binary.LittleEndian.PutUint16(sec[50:], backupSector)
		ext = 64
		fsType = "FAT32   "
	}
	binary.Encode(sec, binary.LittleEndian, &bs)
	if g.typ == FAT16 {
		clear(sec[36:48]) // FAT32 fields of bs
	}

	sec[ext] = 0x80 // drive number
	sec[ext+2] = 0x29
	binary.LittleEndian.PutUint32(sec[ext+3:], serial)
	copy(sec[ext+7:ext+18], label[:])
	copy(sec[ext+18:ext+26], fsType)
	sec[510], sec[511] = 0x55, 0xAA
	return sec
}

func (g geometry) fsInfo() []byte {
	sec := make([]byte, sectorSize)
	binary.LittleEndian.PutUint32(sec[0:], 0x41615252)
	binary.LittleEndian.PutUint32(sec[484:], 0x61417272)
	binary.LittleEndian.PutUint32(sec[488:], g.clusters-1) // root directory uses one
	binary.LittleEndian.PutUint32(sec[492:], 3)
	binary.LittleEndian.PutUint32(sec[508:], 0xAA550000)
	return sec
}

func (g geometry) write(dev BlockDevice, label [11]byte, serial uint32) error {
	zero := make([]byte, sectorSize)
	fatStart := g.reserved
	rootStart := fatStart + 2*g.fatSize
	rootSecs := g.rootSecs
	if g.typ == FAT32 {
		rootSecs = g.spc
	}

	for n := uint32(0); n < rootStart+rootSecs; n++ {
		if err := dev.WriteBlock(n, zero); err != nil {
			return fmt.Errorf("fatfs: format: clear block %d: %w", n, err)
		}
	}

	first := make([]byte, sectorSize)
	if g.typ == FAT16 {
		binary.LittleEndian.PutUint16(first[0:], 0xFF00|media)
		binary.LittleEndian.PutUint16(first[2:], 0xFFFF)
	} else {
		binary.LittleEndian.PutUint32(first[0:], 0x0FFFFF00|media)
		binary.LittleEndian.PutUint32(first[4:], fat32Mask)
		binary.LittleEndian.PutUint32(first[8:], fat32Mask) // root directory
	}

	boot := g.bootSector(label, serial)
	writes := map[uint32][]byte{
		0:                    boot,
		fatStart:             first,
		fatStart + g.fatSize: first,
	}
	if g.typ == FAT32 {
		info := g.fsInfo()
		writes[fsInfoSector] = info
		writes[backupSector] = boot
		writes[backupSector+fsInfoSector] = info
	}
	if string(label[:]) != noName {
		root := make([]byte, sectorSize)
		copy(root, label[:])
		root[11] = attrVolumeID
		writes[rootStart] = root
	}
	for n, buf := range writes {
		if err := dev.WriteBlock(n, buf); err != nil {
			return fmt.Errorf("fatfs: format: write block %d: %w", n, err)
		}
	}
	return nil
}
