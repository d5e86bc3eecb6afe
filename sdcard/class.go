package sdcard

import "math"

// CardClass is the result of card initialization. It decides the addressing
// mode of block commands and which CSD layout is acceptable.
type CardClass uint8

const (
	Unknown CardClass = iota
	Failed
	V1StandardCapacity
	V2StandardCapacity
	V2HighCapacity
)

// Ready reports whether block I/O may be issued for the class.
func (c CardClass) Ready() bool {
	return c == V1StandardCapacity || c == V2StandardCapacity || c == V2HighCapacity
}

func (c CardClass) HighCapacity() bool { return c == V2HighCapacity }

// MaxBlock is the highest block number the command argument can address.
// Byte offsets of standard capacity cards stop at 4GB.
func (c CardClass) MaxBlock() uint32 {
	if c.HighCapacity() {
		return math.MaxUint32
	}
	return math.MaxUint32 >> 9
}

// Address converts a block number into the argument of READ_SINGLE_BLOCK and
// WRITE_BLOCK. Standard capacity cards take a byte offset, high capacity
// cards take the block number. Classes that are not ready map to 0, and so
// do blocks above MaxBlock.
func (c CardClass) Address(block uint32) uint32 {
	switch c {
	case V1StandardCapacity, V2StandardCapacity:
		if block > c.MaxBlock() {
			return 0
		}
		return block << 9
	case V2HighCapacity:
		return block
	}
	return 0
}

func (c CardClass) String() string {
	switch c {
	case Unknown:
		return "unknown"
	case Failed:
		return "failed"
	case V1StandardCapacity:
		return "SD v1.x standard capacity"
	case V2StandardCapacity:
		return "SD v2.x standard capacity"
	case V2HighCapacity:
		return "SD v2.x high capacity"
	}
	return "invalid"
}

// Status is the disk status seen by a filesystem layer.
type Status uint8

const (
	NotReady Status = iota
	Ready
)

func (s Status) String() string {
	if s == Ready {
		return "ready"
	}
	return "not ready"
}
