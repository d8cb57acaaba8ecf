//go:build (linux || darwin || freebsd) && cgo

// Package goplugin loads modules built with -buildmode=plugin.
//
// Go plugins carry full type information, so Resolve rejects an export whose
// signature differs from the descriptor. They can never be unloaded: Close
// only forgets the plugin and the code stays mapped for the life of the
// process. The runtime also refuses to open a copy of a build that is
// already loaded, so reloading an unchanged artifact fails.
package goplugin

import (
	"fmt"
	"plugin"
	"reflect"

	"github.com/pboyd/hotswap"
)

type Loader struct{}

var _ hotswap.Loader = Loader{}

func (Loader) Load(path string) (hotswap.Module, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	return &Plugin{p: p}, nil
}

// Plugin is an opened Go plugin.
type Plugin struct {
	p *plugin.Plugin
}

var _ hotswap.Module = (*Plugin)(nil)

// Resolve looks up an exported function, or an exported variable of function
// type, and checks its signature against typ.
func (p *Plugin) Resolve(name string, typ reflect.Type) (hotswap.Symbol, error) {
	if p.p == nil {
		return hotswap.Symbol{}, fmt.Errorf("plugin closed")
	}
	v, err := p.p.Lookup(name)
	if err != nil {
		return hotswap.Symbol{}, fmt.Errorf("%w: %w", hotswap.ErrSymbolNotFound, err)
	}
	return bind(v, typ)
}

func bind(v any, typ reflect.Type) (hotswap.Symbol, error) {
	fn := reflect.ValueOf(v)
	if fn.Kind() == reflect.Pointer && fn.Elem().Kind() == reflect.Func {
		// Exported variable: use the value it holds now.
		fn = fn.Elem()
	}
	if fn.Kind() == reflect.Func && fn.IsNil() {
		return hotswap.Symbol{}, fmt.Errorf("%w: nil function", hotswap.ErrSymbolNotFound)
	}
	if err := hotswap.CheckSignature(typ, fn.Type()); err != nil {
		return hotswap.Symbol{}, err
	}
	return hotswap.Symbol{Func: fn.Interface(), Addr: fn.Pointer()}, nil
}

// Close releases the reference to the plugin. It never fails.
func (p *Plugin) Close() error {
	p.p = nil
	return nil
}
