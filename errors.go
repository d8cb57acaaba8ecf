package hotswap

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownFunction is returned by Lookup for a name that was never
	// registered. It indicates a bug in the generated call site.
	ErrUnknownFunction = errors.New("hotswap: unknown function")

	// ErrNotInitialized is returned by Lookup when no module has published
	// the function yet, i.e. before the first reload cycle finished.
	ErrNotInitialized = errors.New("hotswap: function not initialized")

	// ErrLoad matches every *LoadError.
	ErrLoad = errors.New("hotswap: load failed")

	// ErrSymbol matches every *SymbolError.
	ErrSymbol = errors.New("hotswap: symbol resolution failed")

	// ErrSymbolNotFound is returned by a Module when it has no symbol with
	// the requested name.
	ErrSymbolNotFound = errors.New("symbol not found")

	// ErrClosed is returned by Supervisor methods after Close.
	ErrClosed = errors.New("hotswap: supervisor closed")
)

// LoadError means the artifact could not be copied or loaded. The previous
// module keeps serving calls.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("hotswap: load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func (e *LoadError) Is(target error) bool { return target == ErrLoad }

// SymbolError means a registered function could not be resolved in a newly
// loaded module. No table entry was updated.
type SymbolError struct {
	Name string
	Err  error
}

func (e *SymbolError) Error() string {
	return fmt.Sprintf("hotswap: resolve %q: %v", e.Name, e.Err)
}

func (e *SymbolError) Unwrap() error { return e.Err }

func (e *SymbolError) Is(target error) bool { return target == ErrSymbol }

// RetirementViolation is the panic value raised when a module is about to be
// released while one of its tokens is still referenced outside its
// retirement record. It never occurs unless a caller over-releases or
// retains a token.
type RetirementViolation struct {
	Generation uint64
	Name       string
	Owners     int64
}

func (e *RetirementViolation) Error() string {
	return fmt.Sprintf("hotswap: retiring generation %d while %q still has %d owners",
		e.Generation, e.Name, e.Owners)
}
