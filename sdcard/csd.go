package sdcard

import "math"

// CSD is the raw card-specific data register in the order it is clocked off
// the card: byte 0 holds bits 127:120.
type CSD [16]byte

// extractBits returns csd[msb:lsb] using register bit numbering, where bit 0
// is the least significant bit of the whole 128-bit register. Bit p lives in
// byte 15-p/8 at position p%8. msb-lsb must be below 32.
func extractBits(csd *[16]byte, msb, lsb uint) uint32 {
	var v uint32
	for i := uint(0); i <= msb-lsb; i++ {
		p := lsb + i
		bit := csd[15-p/8] >> (p % 8) & 1
		v |= uint32(bit) << i
	}
	return v
}

func (c *CSD) Bits(msb, lsb uint) uint32 {
	return extractBits((*[16]byte)(c), msb, lsb)
}

// Structure is CSD_STRUCTURE, bits 127:126. 0 is the standard capacity
// layout (CSD Version 1.0), 1 the high capacity layout (CSD Version 2.0).
func (c *CSD) Structure() uint8 { return uint8(c.Bits(127, 126)) }

// Sectors computes the number of 512-byte sectors. The CSD layout must agree
// with the class found during initialization and the capacity must be a
// nonzero count that fits in 32 bits; otherwise it returns 0 and a *CSDError.
//
//	[SD-PLS|5.3.2 CSD Register (CSD Version 1.0)]
//	  memory capacity = BLOCKNR * BLOCK_LEN
//	  BLOCKNR   = (C_SIZE+1) * MULT
//	  MULT      = 2^(C_SIZE_MULT+2)
//	  BLOCK_LEN = 2^READ_BL_LEN
//	[SD-PLS|5.3.3 CSD Register (CSD Version 2.0)]
//	  memory capacity = (C_SIZE+1) * 512KByte
func (c *CSD) Sectors(class CardClass) (uint32, error) {
	var n uint64
	switch s := c.Structure(); s {
	case 0:
		if class.HighCapacity() {
			return 0, &CSDError{Structure: s, Class: class}
		}
		cSize := uint64(c.Bits(73, 62))
		cSizeMult := c.Bits(49, 47)
		readBlLen := c.Bits(83, 80)

		blockLen := uint64(1) << readBlLen
		blocks := (cSize + 1) << (cSizeMult + 2)
		if blockLen >= BlockSize {
			n = blocks * (blockLen / BlockSize)
		} else {
			n = blocks * blockLen / BlockSize
		}
	case 1:
		if !class.HighCapacity() {
			return 0, &CSDError{Structure: s, Class: class}
		}
		n = (uint64(c.Bits(69, 48)) + 1) * 1024
	default:
		return 0, &CSDError{Structure: s, Class: class}
	}
	if n == 0 || n > math.MaxUint32 {
		return 0, &CSDError{Structure: c.Structure(), Class: class, BadCapacity: true, Sectors: n}
	}
	return uint32(n), nil
}
