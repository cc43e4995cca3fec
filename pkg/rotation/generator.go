package rotation

import (
	"fmt"
	"time"

	"github.com/ssgrim/daylight-rotator/internal/secure"
)

// Default credential lengths per kind.
const (
	DefaultAPIKeyLength   = 64
	DefaultTokenLength    = 128
	DefaultPasswordLength = 32
)

// minGeneratedLength keeps a misconfigured length from producing a guessable value.
const minGeneratedLength = 16

// maxGenerateAttempts bounds the retry loop for class coverage and
// distinct-from-old checks.
const maxGenerateAttempts = 100

// Generator produces a new credential of the same kind as an existing one.
type Generator struct {
	lengths map[Kind]int
}

// NewGenerator returns a generator using the default lengths, overridden by
// any positive entry in lengths.
func NewGenerator(lengths map[Kind]int) (*Generator, error) {
	g := &Generator{
		lengths: map[Kind]int{
			KindAPIKey:   DefaultAPIKeyLength,
			KindToken:    DefaultTokenLength,
			KindPassword: DefaultPasswordLength,
		},
	}
	for kind, n := range lengths {
		if n <= 0 {
			continue
		}
		if !kind.Valid() {
			return nil, fmt.Errorf("unknown secret kind %q", kind)
		}
		if n < minGeneratedLength {
			return nil, fmt.Errorf("length %d for %s is below the minimum of %d", n, kind, minGeneratedLength)
		}
		g.lengths[kind] = n
	}
	if n, ok := g.lengths[KindOpaque]; !ok || n == 0 {
		g.lengths[KindOpaque] = g.lengths[KindAPIKey]
	}
	return g, nil
}

// Length returns the configured length for kind.
func (g *Generator) Length(kind Kind) int {
	if kind == KindOpaque {
		return g.lengths[KindOpaque]
	}
	return g.lengths[kind]
}

// Generate returns a copy of old with the credential field regenerated and
// rotatedAt set to now. Every other field is carried forward unchanged.
func (g *Generator) Generate(old Payload, now time.Time) (Payload, error) {
	kind := old.Kind
	if !kind.Valid() {
		kind = KindOpaque
	}

	next := old.Clone()
	next.Kind = kind
	if next.ValueField == "" {
		next.ValueField = "value"
	}
	if next.Fields == nil {
		next.Fields = make(map[string]string)
	}

	previous := old.Value()
	var value string
	for attempt := 0; ; attempt++ {
		if attempt >= maxGenerateAttempts {
			return Payload{}, fmt.Errorf("could not generate a %s value after %d attempts", kind, attempt)
		}
		v, err := g.generateValue(kind)
		if err != nil {
			return Payload{}, err
		}
		if v != previous {
			value = v
			break
		}
	}

	next.Fields[next.ValueField] = value
	delete(next.Scalars, next.ValueField)
	delete(next.Scalars, RotatedAtField)
	stamp := now.UTC().Truncate(time.Second)
	next.RotatedAt = &stamp
	next.Fields[RotatedAtField] = stamp.Format(time.RFC3339)
	next.Structured = true
	return next, nil
}

func (g *Generator) generateValue(kind Kind) (string, error) {
	switch kind {
	case KindAPIKey, KindOpaque:
		return secure.RandomString(g.Length(kind), secure.Alphanumeric)
	case KindToken:
		return secure.RandomString(g.Length(kind), secure.URLSafe)
	case KindPassword:
		return g.password()
	default:
		return "", fmt.Errorf("unknown secret kind %q", kind)
	}
}

// password draws until every character class is represented.
func (g *Generator) password() (string, error) {
	classes := []string{secure.Lower, secure.Upper, secure.Digits, secure.Symbols}
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		v, err := secure.RandomString(g.Length(KindPassword), secure.Printable)
		if err != nil {
			return "", err
		}
		complete := true
		for _, class := range classes {
			if !secure.ContainsAny(v, class) {
				complete = false
				break
			}
		}
		if complete {
			return v, nil
		}
	}
	return "", fmt.Errorf("could not generate a password covering all character classes")
}

// Charset returns the alphabet generated values of kind are drawn from.
func Charset(kind Kind) string {
	switch kind {
	case KindToken:
		return secure.URLSafe
	case KindPassword:
		return secure.Printable
	default:
		return secure.Alphanumeric
	}
}
