//go:build (linux || darwin || freebsd) && cgo

package main

import (
	"github.com/pboyd/hotswap"
	"github.com/pboyd/hotswap/goplugin"
)

func init() {
	loaders["plugin"] = func() hotswap.Loader { return goplugin.Loader{} }
}
