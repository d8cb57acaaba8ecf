//go:build unix && (amd64 || (arm64 && cgo))

package image

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pboyd/hotswap"
)

func arm64Code(insts ...uint32) []byte {
	buf := make([]byte, 4*len(insts))
	for i, inst := range insts {
		binary.LittleEndian.PutUint32(buf[4*i:], inst)
	}
	return buf
}

// hostFuncs returns Answer() = 42 and Add(a, b) = a+b for the running
// architecture.
func hostFuncs(t *testing.T) []Func {
	switch HostArch() {
	case AMD64:
		return []Func{
			{Name: "Answer", Code: []byte{0x48, 0xc7, 0xc0, 0x2a, 0x00, 0x00, 0x00, 0xc3}}, // MOVQ $42, AX; RET
			{Name: "Add", Code: []byte{0x48, 0x01, 0xd8, 0xc3}},                            // ADDQ BX, AX; RET
		}
	case ARM64:
		return []Func{
			{Name: "Answer", Code: arm64Code(0xd2800540, 0xd65f03c0)}, // MOVZ $42, R0; RET
			{Name: "Add", Code: arm64Code(0x8b010000, 0xd65f03c0)},    // ADD R1, R0, R0; RET
		}
	}
	t.Skip("unsupported architecture")
	return nil
}

func writeImage(t *testing.T, img *Image) string {
	var buf bytes.Buffer
	require.NoError(t, img.Encode(&buf))
	path := filepath.Join(t.TempDir(), "module.img")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestLoader(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	img, err := New(HostArch(), hostFuncs(t)...)
	require.NoError(err)

	mod, err := Loader{}.Load(writeImage(t, img))
	require.NoError(err)

	answer, err := mod.Resolve("Answer", hotswap.Describe[func() int]("Answer").Type)
	require.NoError(err)
	answerFn, ok := answer.Func.(func() int)
	require.True(ok)
	assert.Equal(42, answerFn())
	assert.True(Contains(answerFn))
	assert.NotZero(answer.Addr)

	add, err := mod.Resolve("Add", hotswap.Describe[func(int, int) int]("Add").Type)
	require.NoError(err)
	addFn := add.Func.(func(int, int) int)
	assert.Equal(5, addFn(2, 3))
	assert.Equal(-1, addFn(10, -11))
	assert.Equal(add.Addr-answer.Addr, uintptr(16))

	_, err = mod.Resolve("Missing", hotswap.Describe[func()]("Missing").Type)
	assert.ErrorIs(err, hotswap.ErrSymbolNotFound)

	require.NoError(mod.Close())
	assert.Error(mod.Close())

	_, err = mod.Resolve("Answer", hotswap.Describe[func() int]("Answer").Type)
	assert.Error(err)
}

func TestLoader_ManyModules(t *testing.T) {
	funcs := hostFuncs(t)

	var mods []*Module
	for range 50 {
		img, err := New(HostArch(), funcs...)
		require.NoError(t, err)
		mod, err := Load(img)
		require.NoError(t, err)
		mods = append(mods, mod)
	}

	for i, mod := range mods {
		sym, err := mod.Resolve("Add", hotswap.Describe[func(int, int) int]("Add").Type)
		require.NoError(t, err)
		assert.Equal(t, i+1, sym.Func.(func(int, int) int)(i, 1))
	}

	// Closing one module leaves the rest callable.
	for i := 0; i < len(mods); i += 2 {
		require.NoError(t, mods[i].Close())
	}
	for i := 1; i < len(mods); i += 2 {
		sym, err := mods[i].Resolve("Answer", hotswap.Describe[func() int]("Answer").Type)
		require.NoError(t, err)
		assert.Equal(t, 42, sym.Func.(func() int)())
		require.NoError(t, mods[i].Close())
	}
}

func TestLoader_Call(t *testing.T) {
	if HostArch() != AMD64 {
		t.Skip("amd64 only")
	}

	img, err := New(AMD64,
		Func{Name: "Answer", Code: []byte{0x48, 0xc7, 0xc0, 0x2a, 0x00, 0x00, 0x00, 0xc3}},
		// CALL Answer; INCQ AX; RET
		Func{Name: "Next", Code: []byte{0xe8, 0xeb, 0xff, 0xff, 0xff, 0x48, 0xff, 0xc0, 0xc3}},
		// CMPQ AX, BX; JGE +3; MOVQ BX, AX; RET
		Func{Name: "Max", Code: []byte{0x48, 0x39, 0xd8, 0x7d, 0x03, 0x48, 0x89, 0xd8, 0xc3}},
	)
	require.NoError(t, err)

	mod, err := Load(img)
	require.NoError(t, err)
	defer mod.Close()

	next, err := mod.Resolve("Next", hotswap.Describe[func() int]("Next").Type)
	require.NoError(t, err)
	assert.Equal(t, 43, next.Func.(func() int)())

	maxSym, err := mod.Resolve("Max", hotswap.Describe[func(int, int) int]("Max").Type)
	require.NoError(t, err)
	maxFn := maxSym.Func.(func(int, int) int)
	assert.Equal(t, 7, maxFn(7, 3))
	assert.Equal(t, 9, maxFn(2, 9))
}

func TestLoader_WrongArch(t *testing.T) {
	other := ARM64
	if HostArch() == ARM64 {
		other = AMD64
	}
	img := &Image{Arch: other, Symbols: []Symbol{{Name: "f", Size: 4}}, Code: make([]byte, 4)}
	_, err := Load(img)
	assert.ErrorIs(t, err, ErrArch)
}

func TestLoader_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.img")
	require.NoError(t, os.WriteFile(path, []byte("definitely not an image"), 0o644))

	_, err := Loader{}.Load(path)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Loader{}.Load(filepath.Join(t.TempDir(), "missing.img"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
