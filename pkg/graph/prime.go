package graph

import (
	"hash/fnv"
	"strings"
)

// -- Prime-product fingerprinting --
//
// Every instruction maps to a fixed prime keyed by a coarse class of its
// mnemonic. A block's fingerprint is the product of its instructions' primes
// in uint64 arithmetic. Multiplication mod 2^64 is commutative, so the
// fingerprint is invariant to instruction reordering within the block while
// any substitution changes the factorization. Wraparound on large blocks is
// acceptable: the result stays deterministic and order-independent.

// classPrimes assigns the small primes to the most common classes. Lookup
// happens after normalizeClass, so every conditional jump shares one prime
// and case differences never matter.
var classPrimes = map[string]uint64{
	"mov":     2,
	"add":     3,
	"sub":     5,
	"ret":     7,
	"call":    11,
	"jmp":     13,
	"cmp":     17,
	"test":    19,
	"push":    23,
	"pop":     29,
	"lea":     31,
	"xor":     37,
	"and":     41,
	"or":      43,
	"shl":     47,
	"shr":     53,
	"sar":     59,
	"mul":     61,
	"imul":    67,
	"div":     71,
	"idiv":    73,
	"nop":     79,
	"inc":     83,
	"dec":     89,
	"neg":     97,
	"not":     101,
	"jcc":     103,
	"setcc":   107,
	"cmovcc":  109,
	"movzx":   113,
	"movsx":   127,
	"xchg":    131,
	"int":     137,
	"syscall": 139,
	"leave":   149,
	"adc":     151,
	"sbb":     157,
	"rol":     163,
	"ror":     167,
	"bt":      173,
	"bswap":   179,
	"cdq":     181,
	"cqo":     191,
	"movaps":  193,
	"movups":  197,
	"movsd":   199,
	"movss":   211,
	"addsd":   223,
	"mulsd":   227,
	"pxor":    229,
}

// primeWheel backs the fallback for classes outside the table. Classes hash
// onto the wheel, so an unseen mnemonic still fingerprints deterministically.
var primeWheel = [64]uint64{
	233, 239, 241, 251, 257, 263, 269, 271,
	277, 281, 283, 293, 307, 311, 313, 317,
	331, 337, 347, 349, 353, 359, 367, 373,
	379, 383, 389, 397, 401, 409, 419, 421,
	431, 433, 439, 443, 449, 457, 461, 463,
	467, 479, 487, 491, 499, 503, 509, 521,
	523, 541, 547, 557, 563, 569, 571, 577,
	587, 593, 599, 601, 607, 613, 617, 619,
}

// InstructionPrime returns the prime assigned to one instruction's class.
func InstructionPrime(ins Instruction) uint64 {
	class := normalizeClass(ins.Mnemonic)
	if p, ok := classPrimes[class]; ok {
		return p
	}
	h := fnv.New64a()
	h.Write([]byte(class))
	return primeWheel[h.Sum64()%uint64(len(primeWheel))]
}

// InstructionClass names the coarse class an instruction fingerprints under.
func InstructionClass(ins Instruction) string {
	return normalizeClass(ins.Mnemonic)
}

// PrimeProduct computes the commutative fingerprint of an instruction
// sequence. The empty sequence fingerprints to 1, the multiplicative
// identity, so appending instructions always composes.
func PrimeProduct(instrs []Instruction) uint64 {
	product := uint64(1)
	for _, ins := range instrs {
		product *= InstructionPrime(ins)
	}
	return product
}

// normalizeClass folds mnemonic families that differ only in their condition
// code into a single class. Optimizers routinely flip branch polarity
// (je <-> jne); treating the family as one class keeps the fingerprint
// stable under that rewrite.
func normalizeClass(mnemonic string) string {
	m := strings.ToLower(strings.TrimSpace(mnemonic))
	if m == "" {
		return "nop"
	}
	switch {
	case isConditionalJump(m):
		return "jcc"
	case strings.HasPrefix(m, "set") && len(m) > 3:
		return "setcc"
	case strings.HasPrefix(m, "cmov") && len(m) > 4:
		return "cmovcc"
	}
	return m
}

func isConditionalJump(m string) bool {
	if len(m) < 2 || m[0] != 'j' || m == "jmp" {
		return false
	}
	// j + condition code letters only (ja, jne, jbe, jecxz, ...).
	for _, c := range m[1:] {
		if c < 'a' || c > 'z' {
			return false
		}
	}
	return true
}
