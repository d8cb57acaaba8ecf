package image

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

const opcodeINT3 = 0xcc

// validateX86 decodes every instruction of sym. Relative branches must stay
// inside sym, relative calls must land on the entry of a symbol and RIP
// relative operands must point into the code section.
func validateX86(img *Image, sym Symbol) error {
	code := trimPadding(img.Bytes(sym), opcodeINT3)
	if len(code) == 0 {
		return fmt.Errorf("%w: %s: only padding", ErrInvalid, sym.Name)
	}

	entries := entryOffsets(img)

	var last x86asm.Inst
	for i := 0; i < len(code); {
		inst, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			return fmt.Errorf("%w: %s+%#x: %w", ErrInvalid, sym.Name, i, err)
		}
		// Decode reports a truncated instruction as a bare prefix.
		if inst.Op == 0 {
			return fmt.Errorf("%w: %s+%#x: truncated or unknown instruction", ErrInvalid, sym.Name, i)
		}

		// Offsets from here on are relative to the code section.
		next := int64(sym.Offset) + int64(i+inst.Len)

		for _, arg := range inst.Args {
			switch arg := arg.(type) {
			case x86asm.Rel:
				target := next + int64(arg)
				if inst.Op == x86asm.CALL {
					if _, ok := entries[target]; !ok {
						return fmt.Errorf("%w: %s+%#x: call to %#x is not a function entry", ErrInvalid, sym.Name, i, target)
					}
					continue
				}
				if target < int64(sym.Offset) || target >= int64(sym.Offset)+int64(len(code)) {
					return fmt.Errorf("%w: %s+%#x: branch to %#x leaves the function", ErrInvalid, sym.Name, i, target)
				}
			case x86asm.Mem:
				if arg.Base != x86asm.RIP {
					continue
				}
				// Disp comes back zero extended from 32 bits.
				target := next + int64(int32(arg.Disp))
				if target < 0 || target >= int64(len(img.Code)) {
					return fmt.Errorf("%w: %s+%#x: RIP relative operand %#x is outside the image", ErrInvalid, sym.Name, i, target)
				}
			}
		}

		last = inst
		i += inst.Len
	}

	switch last.Op {
	case x86asm.RET, x86asm.JMP, x86asm.UD2:
		return nil
	}
	return fmt.Errorf("%w: %s: falls off the end after %v", ErrInvalid, sym.Name, last.Op)
}

func disassembleX86(code []byte, base uintptr) (string, error) {
	var buf bytes.Buffer

	for i := 0; i < len(code); {
		instruction, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			return buf.String(), fmt.Errorf("decode error at offset %d: %w", i, err)
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", base+uintptr(i), hex.EncodeToString(code[i:i+instruction.Len]), instruction.String())

		i += instruction.Len
	}

	return buf.String(), nil
}

// trimPadding removes trailing pad bytes.
func trimPadding(code []byte, pad byte) []byte {
	end := len(code)
	for end > 0 && code[end-1] == pad {
		end--
	}
	return code[:end]
}

func entryOffsets(img *Image) map[int64]struct{} {
	m := make(map[int64]struct{}, len(img.Symbols))
	for _, sym := range img.Symbols {
		m[int64(sym.Offset)] = struct{}{}
	}
	return m
}
