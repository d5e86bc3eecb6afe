package fatfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"
)

// dirEntry is a short name directory entry, [FATGEN|FAT Directory Structure].
type dirEntry struct {
	Name         [11]byte
	Attr         uint8
	NTRes        uint8
	CrtTimeTenth uint8
	CrtTime      uint16
	CrtDate      uint16
	LstAccDate   uint16
	FstClusHI    uint16
	WrtTime      uint16
	WrtDate      uint16
	FstClusLO    uint16
	FileSize     uint32
}

const dirEntrySize = 32

const (
	attrReadOnly  = 0x01
	attrHidden    = 0x02
	attrSystem    = 0x04
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrArchive   = 0x20
	attrLongName  = attrReadOnly | attrHidden | attrSystem | attrVolumeID

	entryFree    = 0xE5 // first name byte of a deleted entry
	entryEnd     = 0x00 // first name byte after the last entry
	entryKanjiE5 = 0x05 // stands for a real 0xE5 first character

	ntLowerBase = 0x08
	ntLowerExt  = 0x10
)

func (e *dirEntry) cluster() uint32 {
	return uint32(e.FstClusHI)<<16 | uint32(e.FstClusLO)
}

func (e *dirEntry) setCluster(c uint32) {
	e.FstClusHI = uint16(c >> 16)
	e.FstClusLO = uint16(c)
}

func (e *dirEntry) name() string {
	n := e.Name
	if n[0] == entryKanjiE5 {
		n[0] = entryFree
	}
	base := strings.TrimRight(string(n[:8]), " ")
	ext := strings.TrimRight(string(n[8:]), " ")
	if e.NTRes&ntLowerBase != 0 {
		base = strings.ToLower(base)
	}
	if e.NTRes&ntLowerExt != 0 {
		ext = strings.ToLower(ext)
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// shortName converts name to its 11-byte directory form. Lowercase letters
// are accepted and folded; long names are not.
func shortName(name string) ([11]byte, error) {
	const invalid = "\"*+,./:;<=>?[\\]|"

	var n [11]byte
	for i := range n {
		n[i] = ' '
	}
	base, ext, _ := strings.Cut(name, ".")
	if len(base) == 0 || len(base) > 8 || len(ext) > 3 {
		return n, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	put := func(dst []byte, s string) error {
		for i := 0; i < len(s); i++ {
			c := s[i]
			if c <= ' ' || c >= 0x7F || strings.IndexByte(invalid, c) >= 0 {
				return fmt.Errorf("%w: %q", ErrInvalidName, name)
			}
			if 'a' <= c && c <= 'z' {
				c -= 'a' - 'A'
			}
			dst[i] = c
		}
		return nil
	}
	if err := put(n[:8], base); err != nil {
		return n, err
	}
	if err := put(n[8:], ext); err != nil {
		return n, err
	}
	return n, nil
}

// slot is the position of a directory entry on disk.
type slot struct {
	sector uint32
	off    int
}

// eachRootSector calls fn for the root directory sectors in order until fn
// returns true.
func (v *Volume) eachRootSector(fn func(sector uint32) (bool, error)) error {
	if v.typ == FAT16 {
		for s := v.rootStart; s < v.rootStart+v.rootSectors; s++ {
			if done, err := fn(s); done || err != nil {
				return err
			}
		}
		return nil
	}
	c := v.rootCluster
	for n := uint32(0); ; n++ {
		if n > v.clusters {
			return fmt.Errorf("%w: root directory chain loops", ErrCorrupt)
		}
		first := v.clusterSector(c)
		for i := range v.spc {
			if done, err := fn(first + i); done || err != nil {
				return err
			}
		}
		next, err := v.next(c)
		if err != nil {
			return err
		}
		if v.isEOC(next) {
			return nil
		}
		c = next
	}
}

// scan calls fn for every live short name entry of the root directory. lfn
// holds the long name entries stored directly before it.
func (v *Volume) scan(fn func(s slot, e *dirEntry, lfn []slot) (bool, error)) error {
	var lfn []slot
	return v.eachRootSector(func(sector uint32) (bool, error) {
		buf, err := v.load(sector)
		if err != nil {
			return false, err
		}
		// fn may move the window
		var sec [sectorSize]byte
		copy(sec[:], buf)

		for off := 0; off < sectorSize; off += dirEntrySize {
			raw := sec[off : off+dirEntrySize]
			switch {
			case raw[0] == entryEnd:
				return true, nil
			case raw[0] == entryFree:
				lfn = nil
				continue
			case raw[11]&0x3F == attrLongName:
				lfn = append(lfn, slot{sector, off})
				continue
			}
			var e dirEntry
			if _, err := binary.Decode(raw, binary.LittleEndian, &e); err != nil {
				return false, err
			}
			done, err := fn(slot{sector, off}, &e, lfn)
			lfn = nil
			if done || err != nil {
				return done, err
			}
		}
		return false, nil
	})
}

// lookup finds a file or directory in the root directory.
func (v *Volume) lookup(op, name string) (slot, dirEntry, []slot, error) {
	short, err := shortName(name)
	if err != nil {
		return slot{}, dirEntry{}, nil, &fs.PathError{Op: op, Path: name, Err: err}
	}
	var (
		found    bool
		at       slot
		entry    dirEntry
		longName []slot
	)
	err = v.scan(func(s slot, e *dirEntry, lfn []slot) (bool, error) {
		if e.Attr&attrVolumeID != 0 || e.Name != short {
			return false, nil
		}
		found, at, entry, longName = true, s, *e, lfn
		return true, nil
	})
	if err != nil {
		return slot{}, dirEntry{}, nil, &fs.PathError{Op: op, Path: name, Err: err}
	}
	if !found {
		return slot{}, dirEntry{}, nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
	}
	return at, entry, longName, nil
}

// writeEntry stores e at s.
func (v *Volume) writeEntry(s slot, e *dirEntry) error {
	buf, err := v.load(s.sector)
	if err != nil {
		return err
	}
	if _, err := binary.Encode(buf[s.off:s.off+dirEntrySize], binary.LittleEndian, e); err != nil {
		return err
	}
	return v.store()
}

// markFree marks the entries at slots deleted.
func (v *Volume) markFree(slots ...slot) error {
	for _, s := range slots {
		buf, err := v.load(s.sector)
		if err != nil {
			return err
		}
		buf[s.off] = entryFree
		if err := v.store(); err != nil {
			return err
		}
	}
	return nil
}

// freeSlot returns the first unused root directory entry.
func (v *Volume) freeSlot() (slot, error) {
	var (
		found bool
		at    slot
	)
	err := v.eachRootSector(func(sector uint32) (bool, error) {
		buf, err := v.load(sector)
		if err != nil {
			return false, err
		}
		for off := 0; off < sectorSize; off += dirEntrySize {
			if buf[off] == entryEnd || buf[off] == entryFree {
				found, at = true, slot{sector, off}
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return slot{}, err
	}
	if !found {
		return slot{}, fmt.Errorf("%w: root directory full", ErrNoSpace)
	}
	return at, nil
}

// Stat describes a root directory entry.
func (v *Volume) Stat(name string) (fs.FileInfo, error) {
	_, e, _, err := v.lookup("stat", name)
	if err != nil {
		return nil, err
	}
	return newFileInfo(&e), nil
}

// ReadDir lists the root directory, skipping the volume label.
func (v *Volume) ReadDir() ([]fs.FileInfo, error) {
	var list []fs.FileInfo
	err := v.scan(func(_ slot, e *dirEntry, _ []slot) (bool, error) {
		if e.Attr&attrVolumeID == 0 {
			list = append(list, newFileInfo(e))
		}
		return false, nil
	})
	return list, err
}

// Remove deletes a file and frees its clusters in every FAT copy.
func (v *Volume) Remove(name string) error {
	s, e, lfn, err := v.lookup("remove", name)
	if err != nil {
		return err
	}
	if e.Attr&attrDirectory != 0 {
		return &fs.PathError{Op: "remove", Path: name, Err: errors.New("is a directory")}
	}
	if err := v.markFree(append(lfn, s)...); err != nil {
		return &fs.PathError{Op: "remove", Path: name, Err: err}
	}
	if c := e.cluster(); c != 0 {
		if err := v.freeChain(c); err != nil {
			return &fs.PathError{Op: "remove", Path: name, Err: err}
		}
	}
	v.log.Debug("removed", slog.String("name", name), slog.Uint64("cluster", uint64(e.cluster())))
	return nil
}

// Rename gives a root directory entry a new 8.3 name. It fails if newname
// exists. Long name entries of the old name are dropped.
func (v *Volume) Rename(oldname, newname string) error {
	short, err := shortName(newname)
	if err != nil {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: err}
	}
	if _, _, _, err := v.lookup("rename", newname); err == nil {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: fs.ErrExist}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	s, e, lfn, err := v.lookup("rename", oldname)
	if err != nil {
		return err
	}
	e.Name = short
	e.NTRes &^= ntLowerBase | ntLowerExt
	if err := v.writeEntry(s, &e); err != nil {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: err}
	}
	if err := v.markFree(lfn...); err != nil {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: err}
	}
	v.log.Debug("renamed", slog.String("old", oldname), slog.String("new", newname))
	return nil
}

// WriteFile creates a file in the root directory holding data. It fails if
// the name exists.
func (v *Volume) WriteFile(name string, data []byte, modTime time.Time) error {
	short, err := shortName(name)
	if err != nil {
		return &fs.PathError{Op: "create", Path: name, Err: err}
	}
	if _, _, _, err := v.lookup("create", name); err == nil {
		return &fs.PathError{Op: "create", Path: name, Err: fs.ErrExist}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	s, err := v.freeSlot()
	if err != nil {
		return &fs.PathError{Op: "create", Path: name, Err: err}
	}

	e := dirEntry{Name: short, Attr: attrArchive, FileSize: uint32(len(data))}
	e.WrtDate, e.WrtTime = fatTime(modTime)
	e.CrtDate, e.CrtTime = e.WrtDate, e.WrtTime
	e.LstAccDate = e.WrtDate

	if len(data) > 0 {
		size := uint32(v.ClusterSize())
		first, err := v.allocChain((uint32(len(data)) + size - 1) / size)
		if err != nil {
			return &fs.PathError{Op: "create", Path: name, Err: err}
		}
		if err := v.writeChain(first, data); err != nil {
			return &fs.PathError{Op: "create", Path: name, Err: err}
		}
		e.setCluster(first)
	}
	if err := v.writeEntry(s, &e); err != nil {
		return &fs.PathError{Op: "create", Path: name, Err: err}
	}
	v.log.Debug("created", slog.String("name", name), slog.Int("size", len(data)), slog.Uint64("cluster", uint64(e.cluster())))
	return nil
}

// writeChain stores data in the clusters of the chain starting at c. The
// last sector is padded with zeros.
func (v *Volume) writeChain(c uint32, data []byte) error {
	var buf [sectorSize]byte
	for len(data) > 0 {
		first := v.clusterSector(c)
		for i := range v.spc {
			if len(data) == 0 {
				break
			}
			n := copy(buf[:], data)
			clear(buf[n:])
			if err := v.writeSector(first+i, buf[:]); err != nil {
				return err
			}
			data = data[n:]
		}
		if len(data) == 0 {
			return nil
		}
		next, err := v.next(c)
		if err != nil {
			return err
		}
		if v.isEOC(next) {
			return fmt.Errorf("%w: chain shorter than data", ErrCorrupt)
		}
		c = next
	}
	return nil
}

// fatTime encodes t as a FAT date and time with two second resolution.
func fatTime(t time.Time) (date, tod uint16) {
	if t.Year() < 1980 {
		return 0x21, 0 // 1980-01-01
	}
	date = uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	tod = uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	return date, tod
}

func parseFATTime(date, tod uint16) time.Time {
	if date == 0 {
		return time.Time{}
	}
	return time.Date(
		int(date>>9)+1980, time.Month(date>>5&0x0F), int(date&0x1F),
		int(tod>>11), int(tod>>5&0x3F), int(tod&0x1F)*2, 0, time.Local)
}

type fileInfo struct {
	name    string
	size    int64
	attr    uint8
	modTime time.Time
}

func newFileInfo(e *dirEntry) *fileInfo {
	return &fileInfo{
		name:    e.name(),
		size:    int64(e.FileSize),
		attr:    e.Attr,
		modTime: parseFATTime(e.WrtDate, e.WrtTime),
	}
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.size }
func (fi *fileInfo) ModTime() time.Time { return fi.modTime }
func (fi *fileInfo) IsDir() bool        { return fi.attr&attrDirectory != 0 }
func (fi *fileInfo) Sys() any           { return fi.attr }

func (fi *fileInfo) Mode() fs.FileMode {
	mode := fs.FileMode(0o666)
	if fi.attr&attrReadOnly != 0 {
		mode = 0o444
	}
	if fi.IsDir() {
		mode |= fs.ModeDir | 0o111
	}
	return mode
}
