//go:build (linux || darwin || freebsd) && cgo

package goplugin

import (
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pboyd/hotswap"
)

func greet(s string) string { return "hello " + s }

var greetVar = greet

func TestBind(t *testing.T) {
	typ := reflect.TypeFor[func(string) string]()

	t.Run("function", func(t *testing.T) {
		sym, err := bind(greet, typ)
		require.NoError(t, err)
		assert.Equal(t, "hello x", sym.Func.(func(string) string)("x"))
		assert.Equal(t, reflect.ValueOf(greet).Pointer(), sym.Addr)
	})

	t.Run("variable", func(t *testing.T) {
		sym, err := bind(&greetVar, typ)
		require.NoError(t, err)
		assert.Equal(t, "hello y", sym.Func.(func(string) string)("y"))
	})

	t.Run("nil variable", func(t *testing.T) {
		var fn func(string) string
		_, err := bind(&fn, typ)
		assert.ErrorIs(t, err, hotswap.ErrSymbolNotFound)
	})

	t.Run("wrong signature", func(t *testing.T) {
		_, err := bind(strings.ToUpper, reflect.TypeFor[func(int) string]())
		var sigErr *hotswap.SignatureError
		assert.True(t, errors.As(err, &sigErr))
	})

	t.Run("not a function", func(t *testing.T) {
		n := 3
		_, err := bind(&n, typ)
		assert.Error(t, err)
	})
}

func TestLoader_Missing(t *testing.T) {
	_, err := Loader{}.Load(filepath.Join(t.TempDir(), "game.so"))
	assert.Error(t, err)
}

func TestPlugin_Close(t *testing.T) {
	p := &Plugin{}
	assert.NoError(t, p.Close())
	_, err := p.Resolve("Greet", reflect.TypeFor[func(string) string]())
	assert.Error(t, err)
}
