package hotswap

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// DefaultCopyDir is the directory, next to the artifact, that holds the
// numbered copies when Options.CopyDir is empty.
const DefaultCopyDir = "hotswap-dylib"

// ArtifactName returns the platform file name of the shared module built for
// name: libname.so, name.dylib or name.dll.
func ArtifactName(name string) string {
	switch runtime.GOOS {
	case "windows":
		return name + ".dll"
	case "darwin", "ios":
		return name + ".dylib"
	default:
		return "lib" + name + ".so"
	}
}

// copyName returns the file name of copy n of artifact: libname.so becomes
// libname<n>.so.
func copyName(artifact string, n uint64) string {
	base := filepath.Base(artifact)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + strconv.FormatUint(n, 10) + ext
}

// copyArtifact copies src to dir/copyName(src, n) and returns the path of the
// copy with the BLAKE3 digest of its contents.
//
// Loaders may lock or cache a file once it's mapped, so every load works on
// a fresh copy and src stays free for the next build.
func copyArtifact(src, dir string, n uint64) (string, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}

	in, err := os.Open(src)
	if err != nil {
		return "", "", err
	}
	defer in.Close()

	dst := filepath.Join(dir, copyName(src, n))
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return "", "", err
	}

	h := blake3.New()
	_, err = io.Copy(io.MultiWriter(out, h), in)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return "", "", fmt.Errorf("copy to %s: %w", dst, err)
	}

	return dst, hex.EncodeToString(h.Sum(nil)), nil
}
