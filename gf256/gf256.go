// Package gf256 implements arithmetic over the Galois field GF(2^8).
//
// The field is constructed from the primitive polynomial x^8 + x^4 + x^3 +
// x^2 + 1 (0x11d) with generator element 2, the same parameters used by the
// Reed-Solomon codes in the rs package. All operations are table-driven and
// allocation-free.
package gf256

// PrimitivePoly is the reducing polynomial for the field, expressed with the
// implicit x^8 term included (0x11d = x^8 + x^4 + x^3 + x^2 + 1).
const PrimitivePoly = 0x11d

// Generator is the primitive element used to build the log/antilog tables.
const Generator = 2

var (
	// expTable holds Generator^i for i in [0, 510). The table is doubled so
	// that Mul can index log[a]+log[b] without a modular reduction.
	expTable [510]byte

	// logTable holds the discrete logarithm of each nonzero field element.
	// logTable[0] is unused; zero has no logarithm.
	logTable [256]int
)

func init() {
	x := 1
	for i := 0; i < 255; i++ {
		expTable[i] = byte(x)
		logTable[x] = i
		x <<= 1
		if x&0x100 != 0 {
			x ^= PrimitivePoly
		}
	}
	for i := 255; i < 510; i++ {
		expTable[i] = expTable[i-255]
	}
}

// Add returns a + b. Addition in GF(2^8) is XOR.
func Add(a, b byte) byte { return a ^ b }

// Sub returns a - b. Subtraction in GF(2^8) is identical to addition.
func Sub(a, b byte) byte { return a ^ b }

// Mul returns the field product a * b.
func Mul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return expTable[logTable[a]+logTable[b]]
}

// Div returns a / b. It panics if b is zero, mirroring integer division.
func Div(a, b byte) byte {
	if b == 0 {
		panic("gf256: division by zero")
	}
	if a == 0 {
		return 0
	}
	return expTable[logTable[a]+255-logTable[b]]
}

// Pow returns base raised to the power n. Pow(0, 0) is defined as 1.
func Pow(base byte, n int) byte {
	if base == 0 {
		if n == 0 {
			return 1
		}
		return 0
	}
	// Normalize the exponent into [0, 255) since the multiplicative group
	// has order 255.
	e := (logTable[base] * n) % 255
	if e < 0 {
		e += 255
	}
	return expTable[e]
}

// Exp returns Generator^n for any integer n.
func Exp(n int) byte {
	e := n % 255
	if e < 0 {
		e += 255
	}
	return expTable[e]
}

// Log returns the discrete logarithm of a to base Generator.
// It panics if a is zero.
func Log(a byte) int {
	if a == 0 {
		panic("gf256: log of zero")
	}
	return logTable[a]
}

// Inv returns the multiplicative inverse of a. It panics if a is zero.
func Inv(a byte) byte {
	if a == 0 {
		panic("gf256: inverse of zero")
	}
	return expTable[255-logTable[a]]
}

// PolyEval evaluates the polynomial p at x using Horner's method.
// Coefficients are ordered from the highest-degree term to the constant term.
func PolyEval(p []byte, x byte) byte {
	if len(p) == 0 {
		return 0
	}
	y := p[0]
	for i := 1; i < len(p); i++ {
		y = Mul(y, x) ^ p[i]
	}
	return y
}

// PolyScale multiplies every coefficient of p by s.
func PolyScale(p []byte, s byte) []byte {
	out := make([]byte, len(p))
	for i, c := range p {
		out[i] = Mul(c, s)
	}
	return out
}

// PolyMul multiplies two polynomials. Coefficients are ordered from the
// highest-degree term to the constant term.
func PolyMul(a, b []byte) []byte {
	out := make([]byte, len(a)+len(b)-1)
	for i, ca := range a {
		if ca == 0 {
			continue
		}
		for j, cb := range b {
			out[i+j] ^= Mul(ca, cb)
		}
	}
	return out
}
