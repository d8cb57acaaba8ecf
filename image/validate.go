package image

import "fmt"

// Validate decodes the code of every symbol and rejects anything that isn't
// safe to run from an arbitrary address: branches out of the function, calls
// to addresses outside the image and functions that don't end in a return or
// an unconditional jump.
func Validate(img *Image) error {
	if err := img.check(); err != nil {
		return err
	}

	var validate func(*Image, Symbol) error
	switch img.Arch {
	case AMD64:
		validate = validateX86
	case ARM64:
		validate = validateARM64
	default:
		return fmt.Errorf("%w: unsupported architecture %v", ErrInvalid, img.Arch)
	}

	for _, sym := range img.Symbols {
		if err := validate(img, sym); err != nil {
			return err
		}
	}
	return nil
}

// Disassemble returns a listing of sym, one instruction per line.
func Disassemble(img *Image, sym Symbol) (string, error) {
	code := img.Bytes(sym)
	switch img.Arch {
	case AMD64:
		return disassembleX86(code, uintptr(sym.Offset))
	case ARM64:
		return disassembleARM64(code, uintptr(sym.Offset))
	}
	return "", fmt.Errorf("%w: unsupported architecture %v", ErrInvalid, img.Arch)
}
