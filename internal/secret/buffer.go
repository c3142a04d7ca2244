// Package secret holds unwrapped key material in memory that is wiped when
// released.
package secret

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer owns a copy of a secret. When possible the copy lives in an
// anonymous mapping outside the Go heap that is locked against swap and
// excluded from core dumps. If the process may not lock memory the copy
// falls back to the heap; it is still wiped on Close.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	mapped bool
	closed bool
}

// New allocates a zeroed buffer of size bytes.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return &Buffer{data: make([]byte, size)}, nil
	}
	if err := unix.Mlock(data); err != nil {
		unix.Munmap(data)
		return &Buffer{data: make([]byte, size)}, nil
	}
	// Not every kernel supports MADV_DONTDUMP; the lock is what matters.
	_ = unix.Madvise(data, unix.MADV_DONTDUMP)
	return &Buffer{data: data, mapped: true}, nil
}

// FromBytes moves src into a new buffer. src is zeroed before returning,
// including on failure.
func FromBytes(src []byte) (*Buffer, error) {
	defer clear(src)
	b, err := New(len(src))
	if err != nil {
		return nil, err
	}
	copy(b.data, src)
	return b, nil
}

// Bytes returns the secret. The slice aliases the buffer and must not be
// used after Close. It panics on a closed buffer.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.data
}

// Len returns the size of the secret.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Locked reports whether the secret is held in locked memory.
func (b *Buffer) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapped && !b.closed
}

// Close wipes and releases the buffer. It is idempotent.
func (b *Buffer) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	clear(b.data)
	data := b.data
	b.data = nil
	if !b.mapped {
		return nil
	}
	return errors.Join(
		wrap("munlock", unix.Munlock(data)),
		wrap("munmap", unix.Munmap(data)),
	)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("secret: %s: %w", op, err)
}
