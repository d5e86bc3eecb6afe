package sdsim

import "fmt"

// makeCSD builds the register a real card of the given size would carry. The
// standard capacity layout uses C_SIZE_MULT 7 and grows READ_BL_LEN from 9
// until C_SIZE fits its 12 bits; the high capacity layout counts 512 KB units.
func makeCSD(kind Kind, blocks uint32) ([16]byte, error) {
	var csd [16]byte
	if kind == V2HC {
		units := blocks / 1024
		if units == 0 || units-1 > 0x3FFFFF {
			return csd, fmt.Errorf("sdsim: %d blocks do not fit a high capacity CSD", blocks)
		}
		setBits(&csd, 127, 126, 1)
		setBits(&csd, 69, 48, units-1)
		return csd, nil
	}

	const cSizeMult = 7 // MULT 512
	for readBlLen := uint32(9); readBlLen <= 11; readBlLen++ {
		perCSize := uint32(512) << (readBlLen - 9) // 512-byte blocks per C_SIZE step
		n := blocks / perCSize
		if n == 0 || n-1 > 0xFFF {
			continue
		}
		setBits(&csd, 83, 80, readBlLen)
		setBits(&csd, 73, 62, n-1)
		setBits(&csd, 49, 47, cSizeMult)
		return csd, nil
	}
	return csd, fmt.Errorf("sdsim: %d blocks do not fit a standard capacity CSD", blocks)
}

// setBits stores v in csd[msb:lsb], bit 0 being the last bit sent.
func setBits(csd *[16]byte, msb, lsb uint, v uint32) {
	for i := uint(0); i <= msb-lsb; i++ {
		p := lsb + i
		mask := byte(1) << (p % 8)
		if v>>i&1 != 0 {
			csd[15-p/8] |= mask
		} else {
			csd[15-p/8] &^= mask
		}
	}
}
