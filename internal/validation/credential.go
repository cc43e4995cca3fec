package validation

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ssgrim/daylight-rotator/internal/logging"
	"github.com/ssgrim/daylight-rotator/pkg/rotation"
)

// Default minimum lengths for the generic check.
var DefaultMinLengths = map[rotation.Kind]int{
	rotation.KindAPIKey:   32,
	rotation.KindToken:    32,
	rotation.KindPassword: 12,
	rotation.KindOpaque:   1,
}

// CredentialValidator is the generic check applied when no target probe is
// configured: a minimum length per kind and an optional format per kind.
type CredentialValidator struct {
	minLengths map[rotation.Kind]int
	formats    map[rotation.Kind]*regexp.Regexp
}

// NewCredentialValidator creates a validator with DefaultMinLengths, overridden
// by any positive entry in minLengths. formats maps a kind to a regular
// expression the value must match.
func NewCredentialValidator(minLengths map[rotation.Kind]int, formats map[rotation.Kind]string) (*CredentialValidator, error) {
	v := &CredentialValidator{
		minLengths: make(map[rotation.Kind]int, len(DefaultMinLengths)),
		formats:    make(map[rotation.Kind]*regexp.Regexp, len(formats)),
	}
	for kind, n := range DefaultMinLengths {
		v.minLengths[kind] = n
	}
	for kind, n := range minLengths {
		if !kind.Valid() {
			return nil, fmt.Errorf("unknown secret kind %q", kind)
		}
		if n > 0 {
			v.minLengths[kind] = n
		}
	}
	for kind, pattern := range formats {
		if !kind.Valid() {
			return nil, fmt.Errorf("unknown secret kind %q", kind)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex pattern '%s': %w", pattern, err)
		}
		v.formats[kind] = re
	}
	return v, nil
}

// Name identifies the validator in metrics.
func (v *CredentialValidator) Name() string {
	return "generic"
}

// Validate implements rotation.Validator.
func (v *CredentialValidator) Validate(ctx context.Context, secretID string, payload rotation.Payload) error {
	value := payload.Value()
	if min := v.minLengths[payload.Kind]; len(value) < min {
		return rotation.Errorf(rotation.ErrValidationFailed, secretID,
			"%s value is %d characters, need at least %d", payload.Kind, len(value), min)
	}
	if re, ok := v.formats[payload.Kind]; ok && !re.MatchString(value) {
		return rotation.Errorf(rotation.ErrValidationFailed, secretID,
			"value '%s' does not match required format '%s'", logging.Mask(value), re.String())
	}
	return nil
}
