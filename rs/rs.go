// Package rs implements Reed-Solomon block coding over GF(2^8).
//
// Two code variants are supported, RS(255,223) and RS(255,239), matching the
// parameters a sender may declare in a transfer header. Decoding uses
// syndrome computation, a Berlekamp-Massey error locator, Chien search and
// Forney error evaluation, correcting up to floor((n-k)/2) symbol errors per
// block. When a block contains more errors than the code can correct, Decode
// returns the uncorrected data symbols together with ErrUncorrectable so the
// caller can degrade to best-effort pass-through instead of aborting.
package rs

import (
	"errors"
	"fmt"

	"github.com/opd-ai/qrfile/gf256"
	"github.com/sirupsen/logrus"
)

// BlockSize is the total symbol count of every supported variant.
const BlockSize = 255

var (
	// ErrUncorrectable indicates a block held more symbol errors than the
	// code can correct. The returned data is the best-effort uncorrected
	// data-symbol prefix.
	ErrUncorrectable = errors.New("rs: block has more errors than the code can correct")

	// ErrInvalidParams indicates an unsupported (n, k) combination.
	ErrInvalidParams = errors.New("rs: unsupported code parameters")

	// ErrBlockSize indicates a block whose length does not match the code.
	ErrBlockSize = errors.New("rs: block length does not match code size")
)

// Codec encodes and decodes fixed-size Reed-Solomon blocks for one (n, k)
// variant. A Codec is immutable after construction and safe for concurrent
// use.
type Codec struct {
	n    int
	k    int
	nsym int
	gen  []byte // generator polynomial, highest degree first
}

// supportedK lists the data-symbol counts accepted for n=255.
var supportedK = map[int]bool{223: true, 239: true}

// New creates a Codec for the RS(n, k) variant. Only n=255 with k=223 or
// k=239 is accepted.
func New(n, k int) (*Codec, error) {
	if n != BlockSize || !supportedK[k] {
		return nil, fmt.Errorf("%w: RS(%d,%d)", ErrInvalidParams, n, k)
	}

	c := &Codec{n: n, k: k, nsym: n - k}
	c.gen = generatorPoly(c.nsym)

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"n":        n,
		"k":        k,
		"t":        c.MaxErrors(),
	}).Debug("Reed-Solomon codec created")

	return c, nil
}

// N returns the total symbol count of a block.
func (c *Codec) N() int { return c.n }

// K returns the data symbol count of a block.
func (c *Codec) K() int { return c.k }

// MaxErrors returns the maximum number of correctable symbol errors per
// block, floor((n-k)/2).
func (c *Codec) MaxErrors() int { return c.nsym / 2 }

// generatorPoly builds g(x) = (x - a^0)(x - a^1)...(x - a^(nsym-1)).
func generatorPoly(nsym int) []byte {
	g := []byte{1}
	for i := 0; i < nsym; i++ {
		g = gf256.PolyMul(g, []byte{1, gf256.Exp(i)})
	}
	return g
}

// Encode produces a full n-symbol systematic codeword from exactly k data
// symbols: the data followed by n-k parity symbols.
func (c *Codec) Encode(data []byte) ([]byte, error) {
	if len(data) != c.k {
		return nil, fmt.Errorf("%w: got %d data symbols, want %d", ErrBlockSize, len(data), c.k)
	}

	// Compute data(x) * x^nsym mod g(x) by synthetic division.
	buf := make([]byte, c.n)
	copy(buf, data)
	for i := 0; i < c.k; i++ {
		coef := buf[i]
		if coef == 0 {
			continue
		}
		for j := 1; j < len(c.gen); j++ {
			buf[i+j] ^= gf256.Mul(c.gen[j], coef)
		}
	}

	codeword := make([]byte, c.n)
	copy(codeword, data)
	copy(codeword[c.k:], buf[c.k:])
	return codeword, nil
}

// Decode recovers the k data symbols from an n-symbol block, correcting up
// to MaxErrors symbol errors in place of a corrupted transmission. If the
// block is error-free the data prefix is returned unchanged. If the error
// count exceeds the correction bound, the uncorrected data prefix is
// returned together with ErrUncorrectable.
func (c *Codec) Decode(block []byte) ([]byte, error) {
	if len(block) != c.n {
		return nil, fmt.Errorf("%w: got %d symbols, want %d", ErrBlockSize, len(block), c.n)
	}

	synd := c.syndromes(block)
	if allZero(synd) {
		out := make([]byte, c.k)
		copy(out, block[:c.k])
		return out, nil
	}

	locator := berlekampMassey(synd)
	positions, ok := c.chienSearch(locator)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":      "Decode",
			"locator_terms": len(locator) - 1,
		}).Warn("Error locator degree does not match root count, block uncorrectable")
		out := make([]byte, c.k)
		copy(out, block[:c.k])
		return out, ErrUncorrectable
	}

	corrected := make([]byte, c.n)
	copy(corrected, block)
	c.forney(corrected, synd, locator, positions)

	// A decode that lands outside the code is a miscorrection; verify.
	if !allZero(c.syndromes(corrected)) {
		out := make([]byte, c.k)
		copy(out, block[:c.k])
		return out, ErrUncorrectable
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Decode",
		"corrected": len(positions),
	}).Debug("Reed-Solomon block corrected")

	out := make([]byte, c.k)
	copy(out, corrected[:c.k])
	return out, nil
}

// syndromes evaluates the received polynomial at a^0 .. a^(nsym-1).
func (c *Codec) syndromes(block []byte) []byte {
	synd := make([]byte, c.nsym)
	for i := 0; i < c.nsym; i++ {
		synd[i] = gf256.PolyEval(block, gf256.Exp(i))
	}
	return synd
}

func allZero(p []byte) bool {
	for _, v := range p {
		if v != 0 {
			return false
		}
	}
	return true
}

// berlekampMassey computes the error locator polynomial from the syndromes.
// The returned polynomial is ordered from the constant term upward, with
// locator[0] == 1.
func berlekampMassey(synd []byte) []byte {
	locator := []byte{1}
	prev := []byte{1}
	l := 0
	m := 1
	b := byte(1)

	for r := 0; r < len(synd); r++ {
		// Discrepancy between the syndrome and the locator's prediction.
		delta := synd[r]
		for i := 1; i <= l && i < len(locator); i++ {
			delta ^= gf256.Mul(locator[i], synd[r-i])
		}

		if delta == 0 {
			m++
			continue
		}

		if 2*l <= r {
			tmp := make([]byte, len(locator))
			copy(tmp, locator)
			locator = polySub(locator, shiftScale(prev, m, gf256.Div(delta, b)))
			l = r + 1 - l
			prev = tmp
			b = delta
			m = 1
		} else {
			locator = polySub(locator, shiftScale(prev, m, gf256.Div(delta, b)))
			m++
		}
	}

	return locator
}

// shiftScale returns s * x^shift * p with coefficients ordered from the
// constant term upward.
func shiftScale(p []byte, shift int, s byte) []byte {
	out := make([]byte, len(p)+shift)
	for i, c := range p {
		out[i+shift] = gf256.Mul(c, s)
	}
	return out
}

// polySub subtracts b from a coefficient-wise (XOR in GF(2^8)), extending
// to the longer length.
func polySub(a, b []byte) []byte {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]byte, n)
	copy(out, a)
	for i, c := range b {
		out[i] ^= c
	}
	return out
}

// chienSearch finds error positions as block indices. Position p in the
// block corresponds to the term of degree n-1-p; the locator has a root at
// the inverse of a^(n-1-p). The bool result is false when the number of
// roots found does not equal the locator degree, which means the block is
// uncorrectable.
func (c *Codec) chienSearch(locator []byte) ([]int, bool) {
	degree := len(locator) - 1
	for degree > 0 && locator[degree] == 0 {
		degree--
	}
	if degree == 0 || degree > c.MaxErrors() {
		return nil, false
	}

	var positions []int
	for p := 0; p < c.n; p++ {
		d := c.n - 1 - p
		x := gf256.Exp(-d) // inverse of a^d
		if evalLowFirst(locator, x) == 0 {
			positions = append(positions, p)
		}
	}
	if len(positions) != degree {
		return nil, false
	}
	return positions, true
}

// evalLowFirst evaluates a polynomial whose coefficients are ordered from
// the constant term upward.
func evalLowFirst(p []byte, x byte) byte {
	var y byte
	for i := len(p) - 1; i >= 0; i-- {
		y = gf256.Mul(y, x) ^ p[i]
	}
	return y
}

// forney computes error magnitudes and applies them to the block in place.
func (c *Codec) forney(block, synd, locator []byte, positions []int) {
	// Error evaluator Omega(x) = S(x) * Lambda(x) mod x^nsym, with S(x)
	// built from the syndromes as ascending coefficients.
	omega := make([]byte, c.nsym)
	for i := 0; i < c.nsym; i++ {
		for j := 0; j <= i && j < len(locator); j++ {
			omega[i] ^= gf256.Mul(locator[j], synd[i-j])
		}
	}

	// Formal derivative of the locator: odd-degree terms shift down one.
	deriv := make([]byte, 0, len(locator)/2+1)
	for i := 1; i < len(locator); i += 2 {
		deriv = append(deriv, locator[i])
	}
	// deriv holds coefficients of x^0, x^2, x^4, ... so evaluate at x^2.

	for _, p := range positions {
		d := c.n - 1 - p
		x := gf256.Exp(d)
		xInv := gf256.Inv(x)

		num := gf256.Mul(x, evalLowFirst(omega, xInv))
		den := evalEveryOther(deriv, xInv)
		if den == 0 {
			continue
		}
		block[p] ^= gf256.Div(num, den)
	}
}

// evalEveryOther evaluates a polynomial whose i-th coefficient belongs to
// x^(2i), used for the formal derivative in characteristic 2.
func evalEveryOther(p []byte, x byte) byte {
	x2 := gf256.Mul(x, x)
	var y byte
	for i := len(p) - 1; i >= 0; i-- {
		y = gf256.Mul(y, x2) ^ p[i]
	}
	return y
}
