package sdcard

import (
	"encoding/binary"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
)

// frame is one command received by fakeCard.
type frame struct {
	cmd byte
	arg uint32
	app bool
}

// fakeCard parses command frames clocked while chip select is low and
// answers with whatever respond returns, after one byte of delay. Bytes
// clocked with chip select high drop any pending answer.
type fakeCard struct {
	cs      *gpiotest.Pin
	respond func(f frame) []byte

	clocks   []physic.Frequency
	sent     int
	idle     int // bytes clocked with chip select high
	frames   []frame
	partial  []byte
	pending  []byte
	afterApp bool
}

func newFakeCard(respond func(f frame) []byte) *fakeCard {
	return &fakeCard{
		cs:      &gpiotest.Pin{N: "CS", L: gpio.High},
		respond: respond,
	}
}

func (f *fakeCard) SetClock(fr physic.Frequency) error {
	f.clocks = append(f.clocks, fr)
	return nil
}

func (f *fakeCard) Transfer(out byte) (byte, error) {
	f.sent++
	if f.cs.Read() == gpio.High {
		f.idle++
		f.partial = f.partial[:0]
		f.pending = nil
		return 0xFF, nil
	}
	in := byte(0xFF)
	if len(f.pending) > 0 {
		in = f.pending[0]
		f.pending = f.pending[1:]
	}
	if len(f.partial) > 0 || (len(f.pending) == 0 && out&0xC0 == 0x40) {
		f.partial = append(f.partial, out)
		if len(f.partial) == 6 {
			fr := frame{
				cmd: f.partial[0] & 0x3F,
				arg: binary.BigEndian.Uint32(f.partial[1:5]),
				app: f.afterApp,
			}
			f.afterApp = fr.cmd == cmdAppCmd
			f.partial = f.partial[:0]
			f.frames = append(f.frames, fr)
			if resp := f.respond(fr); len(resp) > 0 {
				f.pending = append([]byte{0xFF}, resp...)
			}
		}
	}
	return in, nil
}

func (f *fakeCard) count(cmd byte) int {
	n := 0
	for _, fr := range f.frames {
		if fr.cmd == cmd {
			n++
		}
	}
	return n
}

func (f *fakeCard) last(cmd byte) (frame, bool) {
	for i := len(f.frames) - 1; i >= 0; i-- {
		if f.frames[i].cmd == cmd {
			return f.frames[i], true
		}
	}
	return frame{}, false
}

// scriptBus replays a fixed list of input bytes, then 0xFF forever. It keeps
// every output byte together with the chip-select level it was clocked at.
type scriptBus struct {
	cs     *gpiotest.Pin
	script []byte
	out    []byte
	csLow  []bool
}

func newScriptBus(script ...[]byte) *scriptBus {
	b := &scriptBus{cs: &gpiotest.Pin{N: "CS", L: gpio.High}}
	for _, s := range script {
		b.script = append(b.script, s...)
	}
	return b
}

func (b *scriptBus) SetClock(physic.Frequency) error { return nil }

func (b *scriptBus) Transfer(out byte) (byte, error) {
	b.out = append(b.out, out)
	b.csLow = append(b.csLow, b.cs.Read() == gpio.Low)
	if len(b.script) == 0 {
		return 0xFF, nil
	}
	in := b.script[0]
	b.script = b.script[1:]
	return in, nil
}

func repeat(v byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}

// setBits is the inverse of extractBits.
func setBits(csd *CSD, msb, lsb uint, v uint32) {
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

func csdV1(cSize, cSizeMult, readBlLen uint32) CSD {
	var csd CSD
	setBits(&csd, 83, 80, readBlLen)
	setBits(&csd, 73, 62, cSize)
	setBits(&csd, 49, 47, cSizeMult)
	return csd
}

func csdV2(cSize uint32) CSD {
	var csd CSD
	setBits(&csd, 127, 126, 1)
	setBits(&csd, 69, 48, cSize)
	return csd
}

// cardModel answers like a healthy card of the given generation.
type cardModel struct {
	v2       bool
	ocr      uint32
	csd      CSD
	busyOps  int // ACMD41 rounds answered with idle before ready
	block    [BlockSize]byte
	opRounds int
}

func (m *cardModel) respond(f frame) []byte {
	switch {
	case f.cmd == cmdGoIdleState:
		return []byte{0x01}
	case f.cmd == cmdSendIfCond:
		if !m.v2 {
			return []byte{0x05}
		}
		return []byte{0x01, 0x00, 0x00, 0x01, 0xAA}
	case f.cmd == cmdAppCmd:
		return []byte{0x01}
	case f.cmd == acmdSDSendOpCond && f.app:
		m.opRounds++
		if m.opRounds <= m.busyOps {
			return []byte{0x01}
		}
		return []byte{0x00}
	case f.cmd == cmdReadOCR:
		var b [5]byte
		binary.BigEndian.PutUint32(b[1:], m.ocr)
		return b[:]
	case f.cmd == cmdSendCSD:
		r := []byte{0x00, 0xFF, 0xFE}
		r = append(r, m.csd[:]...)
		return append(r, 0x00, 0x00)
	case f.cmd == cmdSetBlockLen:
		return []byte{0x00}
	case f.cmd == cmdReadSingleBlock:
		r := []byte{0x00, 0xFF, 0xFF, 0xFE}
		r = append(r, m.block[:]...)
		return append(r, 0x00, 0x00)
	}
	return []byte{0x04}
}
