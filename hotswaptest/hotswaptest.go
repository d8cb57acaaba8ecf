// Package hotswaptest provides an in-memory Loader for testing code that is
// dispatched through a hotswap.Table.
//
// An artifact is a text file holding a version name. Each version is defined
// as a set of Go functions, so tests can rebuild the artifact by rewriting one
// line and control exactly what the next module contains.
package hotswaptest

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pboyd/hotswap"
)

// Loader loads the versions defined with Define. The zero value is not
// usable; call NewLoader.
type Loader struct {
	mu        sync.Mutex
	versions  map[string]map[string]any
	closeErrs map[string]error
	modules   []*Module
}

func NewLoader() *Loader {
	return &Loader{
		versions:  map[string]map[string]any{},
		closeErrs: map[string]error{},
	}
}

// Define sets the functions of version. Every value of funcs must be a
// function.
func (l *Loader) Define(version string, funcs map[string]any) {
	for name, fn := range funcs {
		if reflect.TypeOf(fn).Kind() != reflect.Func {
			panic(fmt.Sprintf("hotswaptest: %s.%s is a %T, not a function", version, name, fn))
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.versions[version] = funcs
}

// FailClose makes Close of every module of version return err.
func (l *Loader) FailClose(version string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeErrs[version] = err
}

// Load reads the version name from path.
func (l *Loader) Load(path string) (hotswap.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	version := strings.TrimSpace(string(data))

	l.mu.Lock()
	defer l.mu.Unlock()

	funcs, ok := l.versions[version]
	if !ok {
		return nil, fmt.Errorf("hotswaptest: unknown version %q", version)
	}
	m := &Module{
		Version:  version,
		Path:     path,
		funcs:    funcs,
		closeErr: l.closeErrs[version],
	}
	l.modules = append(l.modules, m)
	return m, nil
}

// Modules returns every module loaded so far, oldest first.
func (l *Loader) Modules() []*Module {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Module(nil), l.modules...)
}

// Module is a module loaded by Loader.
type Module struct {
	Version string
	Path    string

	funcs    map[string]any
	closeErr error
	closes   atomic.Int32
}

func (m *Module) Resolve(name string, typ reflect.Type) (hotswap.Symbol, error) {
	fn, ok := m.funcs[name]
	if !ok {
		return hotswap.Symbol{}, fmt.Errorf("%w: %s", hotswap.ErrSymbolNotFound, name)
	}
	if err := hotswap.CheckSignature(typ, reflect.TypeOf(fn)); err != nil {
		return hotswap.Symbol{}, err
	}
	return hotswap.Symbol{
		Func: fn,
		Addr: reflect.ValueOf(fn).Pointer(),
	}, nil
}

func (m *Module) Close() error {
	if m.closes.Add(1) > 1 {
		return errors.New("hotswaptest: module closed twice")
	}
	return m.closeErr
}

// Closes returns how many times Close was called.
func (m *Module) Closes() int { return int(m.closes.Load()) }

// Closed reports whether Close was called.
func (m *Module) Closed() bool { return m.closes.Load() > 0 }

// WriteArtifact writes version to path and sets its modification time to
// mod. A zero mod leaves the time the write produced.
func WriteArtifact(tb testing.TB, path, version string, mod time.Time) {
	tb.Helper()

	if err := os.WriteFile(path, []byte(version+"\n"), 0o644); err != nil {
		tb.Fatalf("write artifact: %v", err)
	}
	if mod.IsZero() {
		return
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		tb.Fatalf("set artifact time: %v", err)
	}
}
