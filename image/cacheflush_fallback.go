//go:build !arm64

package image

// amd64 keeps instruction and data caches coherent.
const canFlushICache = true

func cacheflush(buf []byte) {}
