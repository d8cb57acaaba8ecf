package hotswap

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testToken(name string, gen uint64) *Token {
	return newToken(name, Symbol{Func: func() string { return name }, Addr: uintptr(gen + 1)}, gen)
}

func TestTable_LookupErrors(t *testing.T) {
	table := NewTable()

	_, err := table.Lookup("missing")
	assert.ErrorIs(t, err, ErrUnknownFunction)
	assert.Contains(t, err.Error(), "missing")

	table.Register("f")
	_, err = table.Lookup("f")
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = table.Replace("missing", testToken("missing", 0))
	assert.ErrorIs(t, err, ErrUnknownFunction)
}

func TestTable_ReplaceAndLookup(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	table := NewTable()
	table.Register("f")

	v0 := testToken("f", 0)
	old, err := table.Replace("f", v0)
	require.NoError(err)
	assert.Nil(old)

	tok, err := table.Lookup("f")
	require.NoError(err)
	assert.Same(v0, tok)
	assert.EqualValues(2, v0.Owners())
	tok.Release()
	assert.EqualValues(1, v0.Owners())

	v1 := testToken("f", 1)
	old, err = table.Replace("f", v1)
	require.NoError(err)
	assert.Same(v0, old)
	// The table's ownership moved to the caller of Replace.
	assert.EqualValues(1, v0.Owners())

	tok, err = table.Lookup("f")
	require.NoError(err)
	assert.EqualValues(1, tok.Generation())
	tok.Release()
}

func TestTable_RegisterIsIdempotent(t *testing.T) {
	table := NewTable()
	table.Register("f")

	v0 := testToken("f", 0)
	_, err := table.Replace("f", v0)
	require.NoError(t, err)

	table.Register("f")
	table.Register("f")

	tok, err := table.Lookup("f")
	require.NoError(t, err)
	defer tok.Release()
	assert.Same(t, v0, tok)
	assert.Equal(t, []string{"f"}, table.Names())
}

func TestTable_Names(t *testing.T) {
	table := NewTable()
	for _, name := range []string{"c", "a", "b", "a"} {
		table.Register(name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, table.Names())
	assert.Nil(t, table.Current("a"))
	assert.Nil(t, table.Current("z"))
}

func TestTable_ConcurrentRegisterAndLookup(t *testing.T) {
	table := NewTable()
	table.Register("hot")
	_, err := table.Replace("hot", testToken("hot", 0))
	require.NoError(t, err)

	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				table.Register(name)
			}
		}()
	}
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				tok, err := table.Lookup("hot")
				if assert.NoError(t, err) {
					tok.Release()
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, table.Names(), len(names)+1)
	assert.EqualValues(t, 1, table.Current("hot").Owners())
}

func TestTable_RegisterWhileLookingUp(t *testing.T) {
	table := NewTable()
	table.Register("hot")
	_, err := table.Replace("hot", testToken("hot", 0))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 200 {
			name := fmt.Sprintf("late%d", i)
			table.Register(name)
			_, err := table.Lookup(name)
			assert.ErrorIs(t, err, ErrNotInitialized)
		}
	}()

	for range 2000 {
		tok, err := table.Lookup("hot")
		require.NoError(t, err)
		tok.Release()
	}
	<-done

	assert.Len(t, table.Names(), 201)
	assert.EqualValues(t, 1, table.Current("hot").Owners())
}

func TestTable_LookupDuringReplace(t *testing.T) {
	table := NewTable()
	table.Register("f")
	first := testToken("f", 0)
	_, err := table.Replace("f", first)
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for {
				select {
				case <-stop:
					return
				default:
				}
				tok, err := table.Lookup("f")
				if !assert.NoError(t, err) {
					return
				}
				// Generations only move forward for one entry.
				assert.GreaterOrEqual(t, tok.Generation(), last)
				last = tok.Generation()
				tok.Release()
			}
		}()
	}

	var superseded []*Token
	for gen := uint64(1); gen <= 50; gen++ {
		old, err := table.Replace("f", testToken("f", gen))
		require.NoError(t, err)
		superseded = append(superseded, old)
	}
	close(stop)
	wg.Wait()

	for _, tok := range superseded {
		assert.EqualValues(t, 1, tok.Owners(), "generation %d", tok.Generation())
	}
}

func TestToken_ReleaseTooOften(t *testing.T) {
	tok := testToken("f", 0)
	tok.Release()
	assert.Panics(t, tok.Release)
}
