package hotswap

import (
	"fmt"
	"reflect"
)

// Descriptor names one hot-reloadable function and its signature.
type Descriptor struct {
	Name string
	Type reflect.Type
}

// Describe returns the descriptor of the function type T under name.
func Describe[T any](name string) Descriptor {
	return Descriptor{Name: name, Type: reflect.TypeFor[T]()}
}

func (d Descriptor) validate() error {
	if d.Name == "" {
		return fmt.Errorf("descriptor has no name")
	}
	if d.Type == nil || d.Type.Kind() != reflect.Func {
		return fmt.Errorf("descriptor %q: not a function type: %v", d.Name, d.Type)
	}
	return nil
}

// Func is the typed call-site handle of one hot-reloadable function.
// Generated trampolines use it like this:
//
//	var greet = hotswap.Declare[func(string) string](table, "Greet")
//
//	func Greet(s string) string {
//		fn, release := greet.MustAcquire()
//		defer release()
//		return fn(s)
//	}
type Func[T any] struct {
	table *Table
	name  string
}

// Declare registers name in table and returns its typed handle.
func Declare[T any](table *Table, name string) Func[T] {
	if reflect.TypeFor[T]().Kind() != reflect.Func {
		panic(fmt.Sprintf("hotswap: Declare %q: %v is not a function type", name, reflect.TypeFor[T]()))
	}
	table.Register(name)
	return Func[T]{table: table, name: name}
}

// Name returns the function name.
func (f Func[T]) Name() string { return f.name }

// Descriptor returns the descriptor to pass to the Supervisor.
func (f Func[T]) Descriptor() Descriptor {
	return Describe[T](f.name)
}

// Acquire looks up the current implementation. The returned release func
// must be called once the call through fn has returned.
func (f Func[T]) Acquire() (fn T, release func(), err error) {
	tok, err := f.table.Lookup(f.name)
	if err != nil {
		return fn, nil, err
	}
	fn, ok := tok.Func().(T)
	if !ok {
		tok.Release()
		return fn, nil, fmt.Errorf("hotswap: %q resolved to %T, want %v", f.name, tok.Func(), reflect.TypeFor[T]())
	}
	return fn, tok.Release, nil
}

// MustAcquire is like Acquire but panics on error. Calling a function that
// is unknown or not yet initialized is a programming error.
func (f Func[T]) MustAcquire() (T, func()) {
	fn, release, err := f.Acquire()
	if err != nil {
		panic(err)
	}
	return fn, release
}
