// Package canon turns structured records into one deterministic byte sequence.
//
// The output grammar of ruleset c14n/1 is OLPC canonical JSON: object keys sorted by
// byte order, no insignificant whitespace, strings escaping only '"' and '\'. It extends
// that grammar with non-integral numbers, which are written as the shortest exact
// decimal literal without exponent or trailing zeros. A number whose literal would
// need more than MaxNumberDigits digits has no canonical form.
package canon

import (
	"errors"
	"fmt"
)

// RulesetV1 names the only canonicalization ruleset currently defined.
const RulesetV1 = "c14n/1"

// TimeLayout is the fixed-width UTC layout used for time.Time values.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

const maxDepth = 256

// MaxNumberDigits bounds the digits of one canonical number literal.
const MaxNumberDigits = 4096

// ErrEncoding is matched by every EncodingError.
var ErrEncoding = errors.New("canon: value has no canonical form")

// EncodingError reports a value that cannot be canonicalized.
type EncodingError struct {
	Path   string
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("canon: %s at %s", e.Reason, e.Path)
}

func (e *EncodingError) Is(target error) bool { return target == ErrEncoding }

// Valuer lets a type supply the value that stands for it in canonical form.
type Valuer interface {
	CanonicalValue() (any, error)
}

type nullValue struct{}

// Null is encoded as an explicit null, including as a struct field.
var Null = nullValue{}

// Encoder is one versioned canonicalization ruleset.
type Encoder interface {
	Ruleset() string
	Encode(v any) ([]byte, error)
}

// V1 implements RulesetV1.
var V1 Encoder = v1{}

var rulesets = map[string]Encoder{
	RulesetV1: V1,
}

// Lookup returns the encoder for a ruleset name.
func Lookup(ruleset string) (Encoder, bool) {
	enc, ok := rulesets[ruleset]
	return enc, ok
}

// Encode canonicalizes v under RulesetV1.
func Encode(v any) ([]byte, error) {
	return V1.Encode(v)
}
