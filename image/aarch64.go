package image

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

// validateARM64 decodes every instruction of sym. PC relative branches must
// stay inside sym, BL must land on the entry of a symbol and literal loads
// must point into the code section. ADRP depends on the page the code is
// mapped at and is rejected.
func validateARM64(img *Image, sym Symbol) error {
	code := trimPadding(img.Bytes(sym), 0)
	code = img.Bytes(sym)[:(len(code)+3)&^3]
	if len(code) == 0 {
		return fmt.Errorf("%w: %s: only padding", ErrInvalid, sym.Name)
	}

	entries := entryOffsets(img)

	var last arm64asm.Inst
	for i := 0; i < len(code); i += 4 {
		inst, err := arm64asm.Decode(code[i : i+4])
		if err != nil {
			return fmt.Errorf("%w: %s+%#x %x: %w", ErrInvalid, sym.Name, i, code[i:i+4], err)
		}
		if inst.Op == arm64asm.ADRP {
			return fmt.Errorf("%w: %s+%#x: ADRP is not position independent", ErrInvalid, sym.Name, i)
		}

		pc := int64(sym.Offset) + int64(i)
		for _, arg := range inst.Args {
			rel, ok := arg.(arm64asm.PCRel)
			if !ok {
				continue
			}
			target := pc + int64(rel)

			switch inst.Op {
			case arm64asm.BL:
				if _, ok := entries[target]; !ok {
					return fmt.Errorf("%w: %s+%#x: call to %#x is not a function entry", ErrInvalid, sym.Name, i, target)
				}
			case arm64asm.B, arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
				if target < int64(sym.Offset) || target >= int64(sym.Offset)+int64(len(code)) {
					return fmt.Errorf("%w: %s+%#x: branch to %#x leaves the function", ErrInvalid, sym.Name, i, target)
				}
			default:
				// ADR and literal loads.
				if target < 0 || target >= int64(len(img.Code)) {
					return fmt.Errorf("%w: %s+%#x: PC relative operand %#x is outside the image", ErrInvalid, sym.Name, i, target)
				}
			}
		}

		last = inst
	}

	switch last.Op {
	case arm64asm.RET, arm64asm.BR:
		return nil
	case arm64asm.B:
		// Conditional branches carry the condition as their first argument.
		if _, ok := last.Args[0].(arm64asm.PCRel); ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %s: falls off the end after %v", ErrInvalid, sym.Name, last.Op)
}

func disassembleARM64(code []byte, base uintptr) (string, error) {
	var buf bytes.Buffer

	for i := 0; i < len(code)&^3; i += 4 {
		var asm string
		instruction, err := arm64asm.Decode(code[i:])
		if err == nil {
			asm = instruction.String()
		} else {
			asm = "?"
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", base+uintptr(i), hex.EncodeToString(code[i:i+4]), asm)
	}

	return buf.String(), nil
}
