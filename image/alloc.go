//go:build unix

package image

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pboyd/malloc"
	"golang.org/x/sys/unix"
)

const (
	protRWX = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	protRX  = unix.PROT_READ | unix.PROT_EXEC
)

// codeArena holds the code of every loaded image. The malloc arena keeps its
// block headers next to the code, so the pages are writable only while place
// or release holds mu.
type codeArena struct {
	mu       sync.Mutex
	arena    *malloc.Arena
	protect  func(prot int) error
	openErr  error
	writable bool
}

// open maps the arena on first use. A failure sticks.
func (c *codeArena) open(size int) error {
	if c.arena != nil || c.openErr != nil {
		return c.openErr
	}

	be := malloc.MmapBackend(malloc.MmapProt(unix.PROT_EXEC))
	c.protect = func(int) error { return nil }
	if pb, ok := be.(malloc.ProtectedArenaBackend); ok {
		c.protect = pb.Protect
	}

	c.arena = malloc.NewArena(uint64(size), malloc.Backend(be))
	if c.arena == nil {
		c.openErr = errors.New("unable to map executable arena")
		return c.openErr
	}
	c.writable = true
	return nil
}

// mutate runs fn with the arena writable and leaves it read+exec. c.mu must
// be held.
func (c *codeArena) mutate(fn func() error) error {
	if !c.writable {
		if err := c.protect(protRWX); err != nil {
			return fmt.Errorf("mprotect: %w", err)
		}
		c.writable = true
	}

	err := fn()
	if perr := c.protect(protRX); perr != nil {
		if err == nil {
			err = fmt.Errorf("mprotect: %w", perr)
		}
	} else {
		c.writable = false
	}
	return err
}

// place copies code into the arena and returns the executable copy.
func (c *codeArena) place(code []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.open(len(code)); err != nil {
		return nil, err
	}

	var buf []byte
	err := c.mutate(func() error {
		b, err := malloc.MallocSlice[byte](c.arena, len(code))
		if err != nil {
			return err
		}
		copy(b, code)
		cacheflush(b)
		buf = b
		return nil
	})
	if err != nil && buf != nil {
		// The code was copied but the pages never became executable again.
		c.freeLocked(buf)
		return nil, err
	}
	return buf, err
}

// release fills buf with pad bytes and returns it to the arena. A stale
// function value that still points at it traps instead of running whatever
// is allocated there next.
func (c *codeArena) release(buf []byte, pad byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.arena == nil {
		return errors.New("release before any code was placed")
	}
	return c.mutate(func() error {
		for i := range buf {
			buf[i] = pad
		}
		cacheflush(buf)
		malloc.FreeSlice(c.arena, buf)
		return nil
	})
}

// freeLocked frees buf while the pages are still writable.
func (c *codeArena) freeLocked(buf []byte) {
	if c.writable {
		malloc.FreeSlice(c.arena, buf)
	}
}

// Contains reports whether the code of fn lives in the arena.
func (c *codeArena) Contains(fn any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.arena != nil && c.arena.Contains(fn)
}

var codeAllocator = &codeArena{}
