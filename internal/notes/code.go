package notes

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// CodeAlphabet lists the symbols a code may contain. Glyphs that are easy to
// confuse when read aloud or copied by hand (0, 1, I, O) are left out.
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeGenerator produces candidate note codes. Candidates need not be unique.
type CodeGenerator interface {
	NewCode() (Code, error)
}

type randomCodeGenerator struct {
	alphabetSize *big.Int
}

// NewRandomCodeGenerator constructs a CodeGenerator drawing each symbol
// uniformly from CodeAlphabet.
func NewRandomCodeGenerator() CodeGenerator {
	return &randomCodeGenerator{alphabetSize: big.NewInt(int64(len(CodeAlphabet)))}
}

func (g *randomCodeGenerator) NewCode() (Code, error) {
	var builder strings.Builder
	builder.Grow(CodeLength)
	for range CodeLength {
		index, err := rand.Int(rand.Reader, g.alphabetSize)
		if err != nil {
			return "", err
		}
		builder.WriteByte(CodeAlphabet[index.Int64()])
	}
	return Code(builder.String()), nil
}

// InAlphabet reports whether every symbol of value belongs to CodeAlphabet.
func InAlphabet(value string) bool {
	for _, symbol := range value {
		if !strings.ContainsRune(CodeAlphabet, symbol) {
			return false
		}
	}
	return true
}
