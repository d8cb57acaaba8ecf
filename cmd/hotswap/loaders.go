package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pboyd/hotswap"
)

// loaders holds the loaders available on this platform by config name.
var loaders = map[string]func() hotswap.Loader{}

func newLoader(name string) (hotswap.Loader, error) {
	mk, ok := loaders[name]
	if !ok {
		names := make([]string, 0, len(loaders))
		for n := range loaders {
			names = append(names, n)
		}
		slices.Sort(names)
		return nil, fmt.Errorf("unknown loader %q (available: %s)", name, strings.Join(names, ", "))
	}
	return mk(), nil
}
