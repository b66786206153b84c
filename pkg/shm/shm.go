// Package shm maps POSIX shared-memory objects for the same-host IPC
// bypass: value payloads move through these mappings while message
// metadata keeps flowing over the fabric.
package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const shmDir = "/dev/shm/"

// Open maps an existing shared-memory object read-write and returns the
// full mapping.
func Open(name string) ([]byte, error) {
	fd, err := unix.Open(shmDir+name, unix.O_RDWR, 0o666)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", name, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("shm: stat %s: %w", name, err)
	}
	b, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %s: %w", name, err)
	}
	return b, nil
}

// Create creates (or truncates) a shared-memory object of the given size
// and maps it read-write.
func Create(name string, size int) ([]byte, error) {
	fd, err := unix.Open(shmDir+name, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC, 0o666)
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", name, err)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, fmt.Errorf("shm: truncate %s: %w", name, err)
	}
	b, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %s: %w", name, err)
	}
	return b, nil
}

// Close unmaps a mapping returned by Open or Create.
func Close(b []byte) error {
	return unix.Munmap(b)
}

// Unlink removes the named object; existing mappings stay valid.
func Unlink(name string) error {
	return os.Remove(shmDir + name)
}
