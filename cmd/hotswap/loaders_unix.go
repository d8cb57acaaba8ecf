//go:build unix

package main

import (
	"github.com/pboyd/hotswap"
	"github.com/pboyd/hotswap/image"
)

func init() {
	loaders["image"] = func() hotswap.Loader { return image.Loader{} }
}
