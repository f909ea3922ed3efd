package arch

import "golang.org/x/arch/x86/x86asm"

// DecodeFaultingInstruction decodes the instruction captured in
// tf.InstrBytes, for diagnostics that want to report what the
// faulting access actually was (e.g. mem/vmm's linear-map fixup
// including the instruction mnemonic in an error when it can't
// service a fault). ok is false if the stub captured nothing or the
// bytes don't decode as valid 64-bit x86.
func DecodeFaultingInstruction(tf *TrapFrame) (inst x86asm.Inst, ok bool) {
	if len(tf.InstrBytes) == 0 {
		return x86asm.Inst{}, false
	}
	inst, err := x86asm.Decode(tf.InstrBytes, 64)
	if err != nil {
		return x86asm.Inst{}, false
	}
	return inst, true
}
