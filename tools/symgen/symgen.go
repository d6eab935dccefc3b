// Command symgen validates the machine code of a generated interrupt-stub
// trampoline against the instruction sequence kernel/irq's stub generator
// is supposed to emit: a PUSHQ of the vector number (and, for vectors with
// no hardware error code, a second PUSHQ $0 placeholder), followed by a
// direct JMP into the shared isrCommon trampoline
// (kernel/irq/isr_stubs_amd64.s). It is a build-time sanity check, not a
// code generator in the assembler sense — this toolchain has no x86
// assembler of its own, only golang.org/x/arch/x86/x86asm's decoder — so it
// runs after the `.s` file's stubs have been hand-authored/regenerated and
// confirms their encoded bytes actually match the documented pattern
// before kernel/irq/idt_amd64.go wires isrStubTable up to them.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"golang.org/x/arch/x86/x86asm"
)

// hwErrorCodeVectors lists the exception vectors whose stubs kernel/irq
// generates without a placeholder push, because the CPU itself pushes an
// error code (kernel/irq's errorCodeMask 0x27D00, applied to vectors 0-20);
// every other vector's stub must push a $0 placeholder in its place so
// isrCommon's stack layout is uniform across all 256 stubs.
var hwErrorCodeVectors = map[uint64]bool{
	8: true, 10: true, 11: true, 12: true,
	13: true, 14: true, 17: true,
}

func decodeStub(code []byte, vector uint64, hasErrorCode bool) error {
	var pushes []uint64
	off := 0
	for off < len(code) {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return fmt.Errorf("vector %d: decode error at offset %d: %w", vector, off, err)
		}

		switch inst.Op {
		case x86asm.PUSH:
			imm, ok := inst.Args[0].(x86asm.Imm)
			if !ok {
				return fmt.Errorf("vector %d: PUSH at offset %d has no immediate operand", vector, off)
			}
			pushes = append(pushes, uint64(imm))
		case x86asm.JMP:
			// A JMP ends the stub body; anything past it belongs to
			// the shared isrCommon trampoline and is not this stub's
			// concern.
			return validatePushes(vector, hasErrorCode, pushes)
		default:
			return fmt.Errorf("vector %d: unexpected opcode %v at offset %d", vector, inst.Op, off)
		}

		off += inst.Len
	}

	return fmt.Errorf("vector %d: ran out of bytes before a JMP was found", vector)
}

func validatePushes(vector uint64, hasErrorCode bool, pushes []uint64) error {
	want := []uint64{vector}
	if !hasErrorCode {
		want = append(want, 0)
	}

	if len(pushes) != len(want) {
		return fmt.Errorf("vector %d: expected %d PUSHQ instructions, decoded %d", vector, len(want), len(pushes))
	}
	for i, w := range want {
		if pushes[i] != w {
			return fmt.Errorf("vector %d: PUSHQ #%d pushed %#x, expected %#x", vector, i, pushes[i], w)
		}
	}
	return nil
}

func run() error {
	var (
		vector       = flag.Uint64("vector", 0, "IDT vector number this stub corresponds to")
		hasErrorCode = flag.Bool("has-error-code", false, "override: the CPU pushes a hardware error code for this vector (default: looked up from hwErrorCodeVectors)")
		codeHex      = flag.String("code", "", "hex-encoded machine code of the stub body, up to (not including) its JMP target")
	)
	flag.Parse()

	if *codeHex == "" {
		return fmt.Errorf("missing -code")
	}

	explicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "has-error-code" {
			explicit = true
		}
	})
	effectiveHasErrorCode := *hasErrorCode
	if !explicit {
		effectiveHasErrorCode = hwErrorCodeVectors[*vector]
	}

	code, err := hex.DecodeString(*codeHex)
	if err != nil {
		return fmt.Errorf("decoding -code: %w", err)
	}

	return decodeStub(code, *vector, effectiveHasErrorCode)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "symgen: %s\n", err)
		os.Exit(1)
	}
}
