//go:build unix

package image

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"
	"unsafe"

	"github.com/pboyd/hotswap"
)

// Loader loads image files into executable memory shared by all modules of
// the process.
//
// The functions are called with the Go internal register ABI. On amd64 the
// integer arguments arrive in AX, BX, CX, DI, SI, R8, R9, R10 and R11 and
// results are returned in the same registers. On arm64 they use R0 to R15.
// The code must not grow the stack, call back into Go or touch g.
type Loader struct{}

var _ hotswap.Loader = Loader{}

func (Loader) Load(path string) (hotswap.Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := Decode(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	return Load(img)
}

// Load validates img and maps its code.
func Load(img *Image) (*Module, error) {
	if host := HostArch(); img.Arch != host {
		return nil, fmt.Errorf("%w: %v, running on %v", ErrArch, img.Arch, host)
	}
	if !canFlushICache {
		return nil, errors.New("loading images on arm64 requires cgo")
	}
	if len(img.Symbols) == 0 {
		return nil, fmt.Errorf("%w: no symbols", ErrInvalid)
	}
	if err := Validate(img); err != nil {
		return nil, err
	}

	code, err := codeAllocator.place(img.Code)
	if err != nil {
		return nil, err
	}
	return &Module{image: img, code: code}, nil
}

// Module is an image mapped into memory.
type Module struct {
	image *Image

	mu   sync.Mutex
	code []byte
}

var _ hotswap.Module = (*Module)(nil)

// Image returns the decoded image.
func (m *Module) Image() *Image { return m.image }

// Resolve returns a function value of type typ that calls into the code of
// the symbol name. The image doesn't record signatures, so any function type
// is accepted.
func (m *Module) Resolve(name string, typ reflect.Type) (hotswap.Symbol, error) {
	if typ == nil || typ.Kind() != reflect.Func {
		return hotswap.Symbol{}, fmt.Errorf("not a function type: %v", typ)
	}

	sym, ok := m.image.Lookup(name)
	if !ok {
		return hotswap.Symbol{}, fmt.Errorf("%w: %s", hotswap.ErrSymbolNotFound, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.code == nil {
		return hotswap.Symbol{}, errors.New("module closed")
	}

	// A func value is a pointer to a word holding the code address. Write
	// such a pointer into a new value of typ.
	entry := new(uintptr)
	*entry = uintptr(unsafe.Pointer(unsafe.SliceData(m.code))) + uintptr(sym.Offset)

	fn := reflect.New(typ)
	*(*unsafe.Pointer)(fn.UnsafePointer()) = unsafe.Pointer(entry)

	return hotswap.Symbol{
		Func: fn.Elem().Interface(),
		Addr: *entry,
	}, nil
}

// Close poisons the code and gives the memory back to the arena.
func (m *Module) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.code == nil {
		return errors.New("module already closed")
	}
	err := codeAllocator.release(m.code, m.image.Arch.padByte())
	m.code = nil
	return err
}

// Contains reports whether fn is a function value resolved from an image.
func Contains(fn any) bool {
	return codeAllocator.Contains(fn)
}
