//go:build (darwin || freebsd || linux) && !android

package main

import (
	"github.com/pboyd/hotswap"
	"github.com/pboyd/hotswap/dynlib"
)

func init() {
	loaders["dynlib"] = func() hotswap.Loader { return dynlib.Loader{} }
}
