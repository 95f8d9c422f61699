//go:build linux

package phys

import (
	"os"

	"golang.org/x/sys/unix"

	"rvcore/internal/kerr"
)

// FileBackend commits Phys pages from a host-mapped backing file via
// pread/pwrite, grounded on the same golang.org/x/sys/unix primitives
// internal/runtime/asyncio/zerocopy_unix_file.go and
// zerocopy_unix_splice.go use for zero-copy file I/O. This is the role a
// real block-backed page cache plays against a VirtIO-block or SDMMC
// driver (both out-of-core-scope collaborators per spec.md §1), exercised
// here without needing a real RISC-V block device.
type FileBackend struct {
	fd int
}

// OpenFileBackend opens path as a Phys backend. direct threads O_DIRECT
// into the open path, matching Phys.Flush's is_direct flag: a direct
// backend never needs flushing because writes already bypass any page
// cache.
func OpenFileBackend(path string, direct bool) (*FileBackend, error) {
	flags := os.O_RDWR | os.O_CREATE
	if direct {
		flags |= unix.O_DIRECT
	}
	fd, err := unix.Open(path, flags, 0o644)
	if err != nil {
		return nil, kerr.IOFailure("phys", "open backend file: "+err.Error())
	}
	return &FileBackend{fd: fd}, nil
}

func (b *FileBackend) ReadPage(index uint64, buf []byte) error {
	n, err := unix.Pread(b.fd, buf, int64(index)*PageSize)
	if err != nil {
		return err
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0 // short read past EOF reads as zero, matching an anonymous tail
	}
	return nil
}

func (b *FileBackend) WritePage(index uint64, buf []byte) error {
	_, err := unix.Pwrite(b.fd, buf, int64(index)*PageSize)
	return err
}

// Close releases the underlying file descriptor.
func (b *FileBackend) Close() error {
	return unix.Close(b.fd)
}
