package hotswap

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeclare(t *testing.T) {
	assert := assert.New(t)

	table := NewTable()
	add := Declare[func(int, int) int](table, "Add")

	assert.Equal("Add", add.Name())
	assert.Equal(Descriptor{Name: "Add", Type: reflect.TypeFor[func(int, int) int]()}, add.Descriptor())
	assert.Equal([]string{"Add"}, table.Names())

	_, _, err := add.Acquire()
	assert.ErrorIs(err, ErrNotInitialized)
	assert.Panics(func() { add.MustAcquire() })

	assert.Panics(func() { Declare[int](table, "NotAFunc") })
}

func TestFunc_Acquire(t *testing.T) {
	assert := assert.New(t)

	table := NewTable()
	add := Declare[func(int, int) int](table, "Add")

	tok := newToken("Add", Symbol{Func: func(a, b int) int { return a + b }}, 0)
	_, err := table.Replace("Add", tok)
	require.NoError(t, err)

	fn, release := add.MustAcquire()
	assert.EqualValues(2, tok.Owners())
	assert.Equal(5, fn(2, 3))
	release()
	assert.EqualValues(1, tok.Owners())
}

func TestFunc_AcquireWrongType(t *testing.T) {
	table := NewTable()
	f := Declare[func() int](table, "F")

	tok := newToken("F", Symbol{Func: func() string { return "" }}, 0)
	_, err := table.Replace("F", tok)
	require.NoError(t, err)

	_, release, err := f.Acquire()
	assert.Error(t, err)
	assert.Nil(t, release)
	assert.EqualValues(t, 1, tok.Owners())
}

func TestDescriptor_Validate(t *testing.T) {
	assert.NoError(t, Describe[func()]("f").validate())
	assert.Error(t, Describe[func()]("").validate())
	assert.Error(t, Describe[string]("s").validate())
	assert.Error(t, Descriptor{Name: "nil"}.validate())
}
