package fatfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
)

// File reads a file of the root directory from start to end.
type File struct {
	v    *Volume
	info *fileInfo

	cluster uint32 // cluster holding pos
	index   int64  // position of cluster in the chain
	pos     int64
	buf     [sectorSize]byte
	loaded  bool // buf holds the sector at pos
}

// Open opens a root directory file for reading.
func (v *Volume) Open(name string) (*File, error) {
	_, e, _, err := v.lookup("open", name)
	if err != nil {
		return nil, err
	}
	if e.Attr&attrDirectory != 0 {
		return nil, &fs.PathError{Op: "open", Path: name, Err: errors.New("is a directory")}
	}
	return &File{
		v:       v,
		info:    newFileInfo(&e),
		cluster: e.cluster(),
	}, nil
}

func (f *File) Stat() (fs.FileInfo, error) { return f.info, nil }

// Size is the file length in bytes.
func (f *File) Size() int64 { return f.info.size }

func (f *File) Read(p []byte) (int, error) {
	if f.v == nil {
		return 0, fs.ErrClosed
	}
	if f.pos >= f.info.size {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && f.pos < f.info.size {
		off := int(f.pos % sectorSize)
		if off == 0 || !f.loaded {
			if err := f.load(); err != nil {
				return n, fmt.Errorf("read %s: %w", f.info.name, err)
			}
		}
		chunk := f.buf[off:]
		if rem := f.info.size - f.pos; int64(len(chunk)) > rem {
			chunk = chunk[:rem]
		}
		c := copy(p[n:], chunk)
		n += c
		f.pos += int64(c)
	}
	return n, nil
}

// load reads the sector at pos, following the cluster chain as needed.
func (f *File) load() error {
	f.loaded = false
	size := int64(f.v.ClusterSize())
	for want := f.pos / size; f.index < want; f.index++ {
		next, err := f.v.next(f.cluster)
		if err != nil {
			return err
		}
		if f.v.isEOC(next) {
			return fmt.Errorf("%w: cluster chain ends before file size", ErrCorrupt)
		}
		f.cluster = next
	}
	if !f.v.validCluster(f.cluster) {
		return fmt.Errorf("%w: file starts at cluster %d", ErrCorrupt, f.cluster)
	}
	sector := f.v.clusterSector(f.cluster) + uint32(f.pos%size/sectorSize)
	if err := f.v.dev.ReadBlock(sector, f.buf[:]); err != nil {
		return err
	}
	f.loaded = true
	return nil
}

func (f *File) Close() error {
	if f.v == nil {
		return fs.ErrClosed
	}
	f.v = nil
	return nil
}
