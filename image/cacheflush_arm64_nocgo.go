//go:build arm64 && !cgo

package image

// Flushing the instruction cache on arm64 takes the C builtin. Without cgo
// images can still be built and inspected, but Load refuses to map them.
const canFlushICache = false

func cacheflush(buf []byte) {}
