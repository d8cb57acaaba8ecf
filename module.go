package hotswap

import (
	"reflect"
	"sync"
)

// Loader turns an artifact copy on disk into a Module.
type Loader interface {
	Load(path string) (Module, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(path string) (Module, error)

func (f LoaderFunc) Load(path string) (Module, error) { return f(path) }

// Module is one loaded unit of code.
type Module interface {
	// Resolve binds the exported symbol name to a function value of type
	// typ. It returns an error wrapping ErrSymbolNotFound if the symbol is
	// missing, or a *SignatureError if its type is known to differ.
	Resolve(name string, typ reflect.Type) (Symbol, error)

	// Close unmaps the module. It is called at most once, and only after
	// nothing can call into the module anymore.
	Close() error
}

// Symbol is a function resolved from a Module.
type Symbol struct {
	// Func is a function value whose dynamic type is the requested type.
	Func any

	// Addr is the entry address of the code inside the module.
	Addr uintptr
}

// moduleHandle owns one loaded module and releases it exactly once.
type moduleHandle struct {
	gen    uint64
	path   string
	digest string
	mod    Module

	once sync.Once
	err  error
}

func newModuleHandle(gen uint64, path, digest string, mod Module) *moduleHandle {
	return &moduleHandle{
		gen:    gen,
		path:   path,
		digest: digest,
		mod:    mod,
	}
}

// release closes the module. Calls after the first return the first call's
// error without touching the module again.
func (h *moduleHandle) release() error {
	h.once.Do(func() {
		h.err = h.mod.Close()
		h.mod = nil
	})
	return h.err
}
