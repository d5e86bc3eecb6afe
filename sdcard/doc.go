// Package sdcard drives SD and SDHC cards in SPI mode.
//
// The driver classifies the card during Initialize, decodes its capacity from
// the CSD register and performs single-block reads and writes. It is fully
// synchronous: every timeout is a bound on the number of bytes clocked while
// polling, so the wall-clock length of a timeout follows the bus clock.
//
// Chip select is asserted for exactly one transaction at a time and is
// released on every exit path, followed by one idle byte.
//
// # References:
//
//   - [SD-PLS]: SD Specifications Part 1 Physical Layer Simplified Specification, Version 9.10
//     (https://www.sdcard.org/downloads/pls/)
//   - [SD-PLS|7 SPI Mode]: command framing, R1/R3/R7 responses, data tokens
//   - [SD-PLS|5.3 CSD Register]: CSD Version 1.0 and 2.0 layouts
//   - [SD-PLS|5.1 OCR Register]: CCS bit (bit 30)
package sdcard
