package fatfs

import (
	"encoding/binary"
	"fmt"
)

// Entry values from fat16EOC and fat32EOC up end a chain.
const (
	fat16EOC = 0xFFF8
	fat16Bad = 0xFFF7
	fat32EOC = 0x0FFFFFF8
	fat32Bad = 0x0FFFFFF7

	fat32Mask = 0x0FFFFFFF // upper 4 bits are reserved
)

func (v *Volume) eoc() uint32 {
	if v.typ == FAT16 {
		return 0xFFFF
	}
	return fat32Mask
}

func (v *Volume) isEOC(val uint32) bool {
	if v.typ == FAT16 {
		return val >= fat16EOC
	}
	return val >= fat32EOC
}

// entryPos locates the FAT entry of cluster c within the first FAT copy.
func (v *Volume) entryPos(c uint32) (sector uint32, off int) {
	width := uint32(2)
	if v.typ == FAT32 {
		width = 4
	}
	pos := c * width
	return pos / sectorSize, int(pos % sectorSize)
}

// entry returns the raw FAT entry of cluster c.
func (v *Volume) entry(c uint32) (uint32, error) {
	rel, off := v.entryPos(c)
	buf, err := v.load(v.fatStart + rel)
	if err != nil {
		return 0, err
	}
	if v.typ == FAT16 {
		return uint32(binary.LittleEndian.Uint16(buf[off:])), nil
	}
	return binary.LittleEndian.Uint32(buf[off:]) & fat32Mask, nil
}

// next follows the chain one step from c. It returns an end-of-chain value
// as is; anything else that is not a data cluster is corruption.
func (v *Volume) next(c uint32) (uint32, error) {
	val, err := v.entry(c)
	if err != nil {
		return 0, err
	}
	if v.isEOC(val) {
		return val, nil
	}
	if (v.typ == FAT16 && val == fat16Bad) || (v.typ == FAT32 && val == fat32Bad) {
		return 0, fmt.Errorf("%w: bad cluster in chain after %d", ErrCorrupt, c)
	}
	if !v.validCluster(val) {
		return 0, fmt.Errorf("%w: cluster %d links to %#x", ErrCorrupt, c, val)
	}
	return val, nil
}

// setEntry writes the FAT entry of cluster c in every FAT copy.
func (v *Volume) setEntry(c, val uint32) error {
	rel, off := v.entryPos(c)
	for i := range v.numFATs {
		buf, err := v.load(v.fatStart + i*v.fatSize + rel)
		if err != nil {
			return err
		}
		if v.typ == FAT16 {
			binary.LittleEndian.PutUint16(buf[off:], uint16(val))
		} else {
			old := binary.LittleEndian.Uint32(buf[off:])
			binary.LittleEndian.PutUint32(buf[off:], old&^fat32Mask|val&fat32Mask)
		}
		if err := v.store(); err != nil {
			return err
		}
	}
	return nil
}

// freeChain releases every cluster of the chain starting at c.
func (v *Volume) freeChain(c uint32) error {
	for n := uint32(0); v.validCluster(c); n++ {
		if n > v.clusters {
			return fmt.Errorf("%w: cluster chain loops", ErrCorrupt)
		}
		next, err := v.next(c)
		if err != nil {
			return err
		}
		if err := v.setEntry(c, 0); err != nil {
			return err
		}
		if v.isEOC(next) {
			return nil
		}
		c = next
	}
	return nil
}

// allocChain links n free clusters into a chain and returns its first
// cluster. Clusters are taken first-fit from the start of the volume.
func (v *Volume) allocChain(n uint32) (uint32, error) {
	var free []uint32
	for c := uint32(2); c < v.clusters+2 && uint32(len(free)) < n; c++ {
		val, err := v.entry(c)
		if err != nil {
			return 0, err
		}
		if val == 0 {
			free = append(free, c)
		}
	}
	if uint32(len(free)) < n {
		return 0, ErrNoSpace
	}
	for i, c := range free {
		next := v.eoc()
		if i+1 < len(free) {
			next = free[i+1]
		}
		if err := v.setEntry(c, next); err != nil {
			return 0, err
		}
	}
	return free[0], nil
}
