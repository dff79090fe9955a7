// Package blockdev defines the random-access block devices that back swap.
package blockdev

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sarchlab/osvm/memory"
)

// ErrEmptyDevice is returned when a device has no capacity.
var ErrEmptyDevice = errors.New("block device has zero capacity")

// A Device is a fixed-size random-access store addressed by byte offset.
type Device interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the capacity of the device in bytes.
	Size() int64
}

// FileDevice is a Device backed by a host file.
type FileDevice struct {
	file *os.File
	size int64
}

// OpenFile opens the file at path as a block device. If size is positive, the
// file is created when missing and resized to size bytes. Otherwise the
// current size of the file is used.
func OpenFile(path string, size int64) (*FileDevice, error) {
	flags := os.O_RDWR
	if size > 0 {
		flags |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open block device %s: %w", path, err)
	}

	if size > 0 {
		err = f.Truncate(size)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("resize block device %s: %w", path, err)
		}
	} else {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat block device %s: %w", path, err)
		}

		size = info.Size()
	}

	if size == 0 {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyDevice)
	}

	return &FileDevice{file: f, size: size}, nil
}

// ReadAt reads len(p) bytes at offset off.
func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > d.size {
		return 0, io.ErrUnexpectedEOF
	}

	return d.file.ReadAt(p, off)
}

// WriteAt writes len(p) bytes at offset off.
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > d.size {
		return 0, io.ErrShortWrite
	}

	return d.file.WriteAt(p, off)
}

// Size returns the capacity of the device.
func (d *FileDevice) Size() int64 {
	return d.size
}

// Close closes the underlying file.
func (d *FileDevice) Close() error {
	return d.file.Close()
}

// MemDevice is a Device that keeps its blocks in host memory.
type MemDevice struct {
	storage *memory.Storage
}

// NewMemDevice creates an in-memory device with the given capacity.
func NewMemDevice(size int64) *MemDevice {
	return &MemDevice{storage: memory.NewStorage(uint64(size))}
}

// ReadAt reads len(p) bytes at offset off.
func (d *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	err := d.storage.ReadInto(uint64(off), p)
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

// WriteAt writes len(p) bytes at offset off.
func (d *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	err := d.storage.Write(uint64(off), p)
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

// Size returns the capacity of the device.
func (d *MemDevice) Size() int64 {
	return int64(d.storage.Capacity())
}
