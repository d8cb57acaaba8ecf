package hotswap

import (
	"fmt"
	"sync/atomic"
)

// Token is a reference-counted handle to one resolved function. The table
// entry, every in-flight call that cloned it, and a retirement record may own
// it at the same time.
//
// Call sites must Release every token they get from Lookup before the call
// returns. A token kept past that point keeps its module mapped forever.
type Token struct {
	name string
	fn   any
	addr uintptr
	gen  uint64

	owners atomic.Int64
}

func newToken(name string, sym Symbol, gen uint64) *Token {
	t := &Token{
		name: name,
		fn:   sym.Func,
		addr: sym.Addr,
		gen:  gen,
	}
	t.owners.Store(1)
	return t
}

// Name returns the function name the token was published under.
func (t *Token) Name() string { return t.name }

// Func returns the function value. Its dynamic type is the descriptor's
// function type.
func (t *Token) Func() any { return t.fn }

// Addr returns the entry address of the function inside its module.
func (t *Token) Addr() uintptr { return t.addr }

// Generation returns the number of the module the token resolves into.
func (t *Token) Generation() uint64 { return t.gen }

// Owners returns the current number of owners.
func (t *Token) Owners() int64 { return t.owners.Load() }

// Clone adds an owner and returns t.
func (t *Token) Clone() *Token {
	t.owners.Add(1)
	return t
}

// Release drops an owner. Releasing more often than cloning panics.
func (t *Token) Release() {
	if n := t.owners.Add(-1); n < 0 {
		panic(fmt.Sprintf("hotswap: token %q (generation %d) released too many times", t.name, t.gen))
	}
}

// soleOwner reports whether exactly one owner is left.
func (t *Token) soleOwner() bool {
	return t.owners.Load() == 1
}
