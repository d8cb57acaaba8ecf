// Package image loads raw machine code images into executable memory.
//
// An image is a blob of position independent code for one architecture plus
// a table of the functions in it. It's the smallest possible module format:
// no relocations, no data sections and no imports. Every function must be a
// leaf that only branches within itself or calls other functions of the same
// image.
//
// The encoding is little-endian:
//
//	magic    [4]byte  "HSIM"
//	version  uint16
//	arch     uint16
//	nsym     uint32
//	codeLen  uint32
//	nsym times:
//	    nameLen uint16
//	    name    [nameLen]byte
//	    offset  uint32
//	    size    uint32
//	code     [codeLen]byte
package image

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"
	"slices"
)

const (
	magic   = "HSIM"
	version = 1

	// MaxCodeSize is the largest code section Decode accepts.
	MaxCodeSize = 16 << 20

	// Symbols are aligned to this many bytes by New.
	funcAlign = 16
)

var (
	// ErrInvalid is wrapped by every error about a malformed image.
	ErrInvalid = errors.New("invalid image")

	// ErrArch is returned when loading an image built for another
	// architecture.
	ErrArch = errors.New("image built for another architecture")
)

// Arch is the instruction set of an image.
type Arch uint16

const (
	ArchUnknown Arch = iota
	AMD64
	ARM64
)

func (a Arch) String() string {
	switch a {
	case AMD64:
		return "amd64"
	case ARM64:
		return "arm64"
	default:
		return fmt.Sprintf("Arch(%d)", uint16(a))
	}
}

// ParseArch returns the Arch for a GOARCH value.
func ParseArch(s string) (Arch, error) {
	switch s {
	case "amd64":
		return AMD64, nil
	case "arm64":
		return ARM64, nil
	}
	return ArchUnknown, fmt.Errorf("unsupported architecture %q", s)
}

// HostArch returns the architecture of the running program, or ArchUnknown.
func HostArch() Arch {
	a, _ := ParseArch(runtime.GOARCH)
	return a
}

// padByte is used between and after functions. Both trap if executed.
func (a Arch) padByte() byte {
	if a == AMD64 {
		return opcodeINT3
	}
	// 0x00000000 is UDF #0 on arm64.
	return 0
}

// Symbol is one function in the image.
type Symbol struct {
	Name   string
	Offset uint32
	Size   uint32
}

// Image is a decoded code image.
type Image struct {
	Arch    Arch
	Symbols []Symbol
	Code    []byte
}

// Func is the input to New.
type Func struct {
	Name string
	Code []byte
}

// New lays out funcs in one code section. Each function starts on a 16 byte
// boundary and the gaps are filled with trapping instructions.
func New(arch Arch, funcs ...Func) (*Image, error) {
	if arch != AMD64 && arch != ARM64 {
		return nil, fmt.Errorf("%w: unsupported architecture %v", ErrInvalid, arch)
	}

	img := &Image{Arch: arch}
	for _, fn := range funcs {
		for len(img.Code)%funcAlign != 0 {
			img.Code = append(img.Code, arch.padByte())
		}
		img.Symbols = append(img.Symbols, Symbol{
			Name:   fn.Name,
			Offset: uint32(len(img.Code)),
			Size:   uint32(len(fn.Code)),
		})
		img.Code = append(img.Code, fn.Code...)
	}
	if err := img.check(); err != nil {
		return nil, err
	}
	return img, nil
}

// Lookup returns the symbol called name.
func (img *Image) Lookup(name string) (Symbol, bool) {
	i := slices.IndexFunc(img.Symbols, func(s Symbol) bool { return s.Name == name })
	if i < 0 {
		return Symbol{}, false
	}
	return img.Symbols[i], true
}

// Bytes returns the code of sym.
func (img *Image) Bytes(sym Symbol) []byte {
	return img.Code[sym.Offset : sym.Offset+sym.Size]
}

// check verifies the symbol table against the code section.
func (img *Image) check() error {
	if len(img.Code) > MaxCodeSize {
		return fmt.Errorf("%w: code section is %d bytes", ErrInvalid, len(img.Code))
	}

	seen := make(map[string]struct{}, len(img.Symbols))
	for _, sym := range img.Symbols {
		if sym.Name == "" {
			return fmt.Errorf("%w: unnamed symbol at %#x", ErrInvalid, sym.Offset)
		}
		if len(sym.Name) > 0xffff {
			return fmt.Errorf("%w: symbol name too long", ErrInvalid)
		}
		if _, dup := seen[sym.Name]; dup {
			return fmt.Errorf("%w: duplicate symbol %q", ErrInvalid, sym.Name)
		}
		seen[sym.Name] = struct{}{}

		if sym.Size == 0 {
			return fmt.Errorf("%w: symbol %q is empty", ErrInvalid, sym.Name)
		}
		end := uint64(sym.Offset) + uint64(sym.Size)
		if end > uint64(len(img.Code)) {
			return fmt.Errorf("%w: symbol %q ends at %#x past the code section (%#x)", ErrInvalid, sym.Name, end, len(img.Code))
		}
		if img.Arch == ARM64 && (sym.Offset%4 != 0 || sym.Size%4 != 0) {
			return fmt.Errorf("%w: symbol %q is not instruction aligned", ErrInvalid, sym.Name)
		}
	}
	return nil
}

type header struct {
	Magic   [4]byte
	Version uint16
	Arch    uint16
	NSym    uint32
	CodeLen uint32
}

// Encode writes the image to w.
func (img *Image) Encode(w io.Writer) error {
	if err := img.check(); err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	h := header{
		Version: version,
		Arch:    uint16(img.Arch),
		NSym:    uint32(len(img.Symbols)),
		CodeLen: uint32(len(img.Code)),
	}
	copy(h.Magic[:], magic)
	if err := binary.Write(bw, binary.LittleEndian, h); err != nil {
		return err
	}

	for _, sym := range img.Symbols {
		if err := binary.Write(bw, binary.LittleEndian, uint16(len(sym.Name))); err != nil {
			return err
		}
		if _, err := bw.WriteString(sym.Name); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, [2]uint32{sym.Offset, sym.Size}); err != nil {
			return err
		}
	}

	if _, err := bw.Write(img.Code); err != nil {
		return err
	}
	return bw.Flush()
}

// Decode reads an image from r. The symbol table is checked against the
// code section, but the code itself is not; see Validate.
func Decode(r io.Reader) (*Image, error) {
	var h header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrInvalid, err)
	}
	if string(h.Magic[:]) != magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrInvalid, h.Magic[:])
	}
	if h.Version != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalid, h.Version)
	}
	if h.CodeLen > MaxCodeSize {
		return nil, fmt.Errorf("%w: code section is %d bytes", ErrInvalid, h.CodeLen)
	}
	// Every symbol needs at least one byte of code.
	if h.NSym > h.CodeLen {
		return nil, fmt.Errorf("%w: %d symbols in %d bytes", ErrInvalid, h.NSym, h.CodeLen)
	}

	img := &Image{
		Arch:    Arch(h.Arch),
		Symbols: make([]Symbol, h.NSym),
		Code:    make([]byte, h.CodeLen),
	}
	for i := range img.Symbols {
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("%w: symbol %d: %w", ErrInvalid, i, err)
		}
		name := make([]byte, n)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("%w: symbol %d: %w", ErrInvalid, i, err)
		}
		var pos [2]uint32
		if err := binary.Read(r, binary.LittleEndian, &pos); err != nil {
			return nil, fmt.Errorf("%w: symbol %d: %w", ErrInvalid, i, err)
		}
		img.Symbols[i] = Symbol{Name: string(name), Offset: pos[0], Size: pos[1]}
	}
	if _, err := io.ReadFull(r, img.Code); err != nil {
		return nil, fmt.Errorf("%w: code: %w", ErrInvalid, err)
	}

	if err := img.check(); err != nil {
		return nil, err
	}
	return img, nil
}
