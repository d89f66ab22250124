//go:build linux

package blockdev

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// directBlockSize is the alignment O_DIRECT requires on most Linux
// filesystems (ext4, xfs); 512-byte alignment is not sufficient on all of
// them, so the teacher's file_writer_linux.go pins this at 4096.
const directBlockSize = 4096

// FileDevice is a Device backed by a regular file or block special file,
// opened with O_DIRECT so writes bypass the page cache — required for the
// write-ordering guarantees WALB's durability model depends on.
type FileDevice struct {
	file      *os.File
	fd        int
	size      int64
	blockSize int

	lastWriteDuration atomic.Int64 // nanoseconds
}

// Open opens path for direct block I/O. If create is true and the file
// does not exist, it is created and preallocated to size bytes via
// fallocate (grounded on openDirectIOSize).
func Open(path string, size int64, create bool) (*FileDevice, error) {
	flags := unix.O_RDWR | unix.O_DIRECT
	if create {
		flags |= unix.O_CREAT
	}
	fd, err := unix.Open(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}

	if create && size > 0 {
		aligned := alignUp(size, directBlockSize)
		if err := unix.Fallocate(fd, 0, 0, aligned); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("blockdev: fallocate %s: %w", path, err)
		}
	}

	f := os.NewFile(uintptr(fd), path)
	return &FileDevice{file: f, fd: fd, size: size, blockSize: directBlockSize}, nil
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	n, err := unix.Pread(d.fd, p, off)
	if err != nil {
		return n, fmt.Errorf("blockdev: pread at %d: %w", off, err)
	}
	return n, nil
}

func (d *FileDevice) WriteVectored(buffers [][]byte, off int64) (int, error) {
	nonEmpty := make([][]byte, 0, len(buffers))
	for _, b := range buffers {
		if len(b) > 0 {
			nonEmpty = append(nonEmpty, b)
		}
	}
	if len(nonEmpty) == 0 {
		return 0, nil
	}

	start := time.Now()
	n, err := unix.Pwritev(d.fd, nonEmpty, off)
	d.lastWriteDuration.Store(time.Since(start).Nanoseconds())
	if err != nil {
		return n, fmt.Errorf("blockdev: pwritev at %d: %w", off, err)
	}
	return n, nil
}

func (d *FileDevice) Flush() error {
	if err := unix.Fdatasync(d.fd); err != nil {
		return fmt.Errorf("blockdev: fdatasync: %w", err)
	}
	return nil
}

func (d *FileDevice) Discard(off, length int64) error {
	err := unix.Fallocate(d.fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, length)
	if err != nil {
		// discard is advisory; devices/filesystems that don't support
		// punch-hole simply keep the stale bytes around.
		return nil
	}
	return nil
}

func (d *FileDevice) Size() int64       { return d.size }
func (d *FileDevice) BlockSize() int    { return d.blockSize }
func (d *FileDevice) LastWriteDuration() time.Duration {
	return time.Duration(d.lastWriteDuration.Load())
}

func (d *FileDevice) Close() error {
	return d.file.Close()
}
