// Package device implements the Device collaborator contract from spec §6
// and a concrete os.File-backed adapter. Memory-mapped adapters are out of
// scope (spec §1); this is the plain read/write/truncate/flush
// implementation every other adapter would sit behind.
package device

import (
	"fmt"
	"os"
	"sync"
)

// Device is the collaborator contract spec §6 assigns to page I/O.
type Device interface {
	FileSize() (int64, error)
	Truncate(size int64) error
	ReadAt(offset int64, buf []byte) error
	WriteAt(offset int64, buf []byte) error
	Flush() error
	Close() error
}

// File is a Device backed directly by an *os.File.
type File struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Open creates or opens path for read/write. If create is true and the
// file does not exist, it is created.
func Open(path string, create bool) (*File, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", path, err)
	}
	return &File{f: f, path: path}, nil
}

func (d *File) FileSize() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fi, err := d.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("device: stat %s: %w", d.path, err)
	}
	return fi.Size(), nil
}

func (d *File) Truncate(size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.f.Truncate(size); err != nil {
		return fmt.Errorf("device: truncate %s to %d: %w", d.path, size, err)
	}
	return nil
}

func (d *File) ReadAt(offset int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.f.ReadAt(buf, offset)
	if err != nil && n != len(buf) {
		return fmt.Errorf("device: read %d bytes at %d from %s: %w", len(buf), offset, d.path, err)
	}
	return nil
}

func (d *File) WriteAt(offset int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("device: write %d bytes at %d to %s: %w", len(buf), offset, d.path, err)
	}
	return nil
}

func (d *File) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("device: sync %s: %w", d.path, err)
	}
	return nil
}

func (d *File) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

// Memory is an in-process Device with no backing file, for in-memory-mode
// databases (spec §4.3.3: "del ... no-op in in-memory mode").
type Memory struct {
	mu   sync.Mutex
	data []byte
}

func NewMemory() *Memory { return &Memory{} }

func (d *Memory) FileSize() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.data)), nil
}

func (d *Memory) Truncate(size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if size < 0 {
		return fmt.Errorf("device: negative truncate size %d", size)
	}
	if int64(len(d.data)) <= size {
		grown := make([]byte, size)
		copy(grown, d.data)
		d.data = grown
		return nil
	}
	d.data = d.data[:size]
	return nil
}

func (d *Memory) ReadAt(offset int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset < 0 || offset+int64(len(buf)) > int64(len(d.data)) {
		return fmt.Errorf("device: read out of range at %d len %d (size %d)", offset, len(buf), len(d.data))
	}
	copy(buf, d.data[offset:offset+int64(len(buf))])
	return nil
}

func (d *Memory) WriteAt(offset int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	end := offset + int64(len(buf))
	if end > int64(len(d.data)) {
		grown := make([]byte, end)
		copy(grown, d.data)
		d.data = grown
	}
	copy(d.data[offset:end], buf)
	return nil
}

func (d *Memory) Flush() error { return nil }
func (d *Memory) Close() error { return nil }
