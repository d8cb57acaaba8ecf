//go:build (darwin || freebsd || linux) && !android

// Package dynlib loads C ABI shared libraries with dlopen.
//
// Symbols are bound with purego, so no C toolchain is needed at run time.
// Shared libraries don't record the Go signature of their exports: Resolve
// only rejects types purego can't marshal, and calling an export through the
// wrong type is undefined.
package dynlib

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/ebitengine/purego"

	"github.com/pboyd/hotswap"
)

// Loader opens each copy with RTLD_NOW|RTLD_LOCAL so that unresolved imports
// fail the load instead of the first call, and two generations never satisfy
// each other's symbols.
type Loader struct {
	// Global uses RTLD_GLOBAL instead of RTLD_LOCAL.
	Global bool
}

var _ hotswap.Loader = Loader{}

func (l Loader) Load(path string) (hotswap.Module, error) {
	mode := purego.RTLD_NOW | purego.RTLD_LOCAL
	if l.Global {
		mode = purego.RTLD_NOW | purego.RTLD_GLOBAL
	}
	handle, err := purego.Dlopen(path, mode)
	if err != nil {
		return nil, err
	}
	return &Library{path: path, handle: handle}, nil
}

// Library is an open shared library.
type Library struct {
	path string

	mu     sync.Mutex
	handle uintptr
}

var _ hotswap.Module = (*Library)(nil)

// Resolve looks up name with dlsym and binds it to a new function of type
// typ.
func (l *Library) Resolve(name string, typ reflect.Type) (sym hotswap.Symbol, err error) {
	if typ == nil || typ.Kind() != reflect.Func {
		return hotswap.Symbol{}, fmt.Errorf("not a function type: %v", typ)
	}

	l.mu.Lock()
	handle := l.handle
	l.mu.Unlock()
	if handle == 0 {
		return hotswap.Symbol{}, errors.New("library closed")
	}

	addr, err := purego.Dlsym(handle, name)
	if err != nil {
		return hotswap.Symbol{}, fmt.Errorf("%w: %s: %w", hotswap.ErrSymbolNotFound, name, err)
	}

	fn := reflect.New(typ)
	if err := register(fn.Interface(), addr); err != nil {
		return hotswap.Symbol{}, fmt.Errorf("%s: %w", typ, err)
	}
	return hotswap.Symbol{Func: fn.Elem().Interface(), Addr: addr}, nil
}

// register is purego.RegisterFunc with its panics turned into errors.
func register(fptr any, addr uintptr) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unsupported signature: %v", r)
		}
	}()
	purego.RegisterFunc(fptr, addr)
	return nil
}

// Close calls dlclose. The system may keep the library mapped if something
// else holds a reference to it.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.handle == 0 {
		return errors.New("library already closed")
	}
	err := purego.Dlclose(l.handle)
	l.handle = 0
	if err != nil {
		return fmt.Errorf("dlclose %s: %w", l.path, err)
	}
	return nil
}
