package rotation

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssgrim/daylight-rotator/internal/secure"
)

func onlyFrom(t *testing.T, value, alphabet string) {
	t.Helper()
	for _, r := range value {
		if !strings.ContainsRune(alphabet, r) {
			t.Fatalf("character %q is outside the alphabet", r)
		}
	}
}

func TestGenerator_PerKind(t *testing.T) {
	t.Parallel()

	g, err := NewGenerator(nil)
	require.NoError(t, err)
	now := time.Date(2026, 7, 4, 8, 30, 15, 999, time.UTC)

	tests := []struct {
		name     string
		raw      string
		wantLen  int
		alphabet string
	}{
		{"api key", `{"apiKey":"old","provider":"mapbox"}`, DefaultAPIKeyLength, secure.Alphanumeric},
		{"token", `{"token":"old"}`, DefaultTokenLength, secure.URLSafe},
		{"password", `{"username":"app","password":"old"}`, DefaultPasswordLength, secure.Printable},
		{"opaque", `not json`, DefaultAPIKeyLength, secure.Alphanumeric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, err := ParsePayload(tt.raw)
			require.NoError(t, err)

			next, err := g.Generate(old, now)
			require.NoError(t, err)

			assert.Equal(t, old.Kind, next.Kind)
			assert.Equal(t, old.ValueField, next.ValueField)
			assert.Len(t, next.Value(), tt.wantLen)
			assert.NotEqual(t, old.Value(), next.Value())
			onlyFrom(t, next.Value(), tt.alphabet)

			for k, v := range old.Fields {
				if k == old.ValueField || k == RotatedAtField {
					continue
				}
				assert.Equal(t, v, next.Fields[k], "field %s", k)
			}
			require.NotNil(t, next.RotatedAt)
			assert.Equal(t, "2026-07-04T08:30:15Z", next.Fields[RotatedAtField])
			assert.True(t, next.Structured)
		})
	}
}

func TestGenerator_PasswordClasses(t *testing.T) {
	t.Parallel()

	g, err := NewGenerator(map[Kind]int{KindPassword: 16})
	require.NoError(t, err)
	old := Payload{Kind: KindPassword, ValueField: "password", Fields: map[string]string{"password": "x"}}

	for i := 0; i < 50; i++ {
		next, err := g.Generate(old, time.Now())
		require.NoError(t, err)
		pw := next.Value()
		assert.Len(t, pw, 16)
		for _, class := range []string{secure.Lower, secure.Upper, secure.Digits, secure.Symbols} {
			assert.True(t, secure.ContainsAny(pw, class), "password %d lacks %q", i, class)
		}
	}
}

func TestGenerator_DoesNotMutateInput(t *testing.T) {
	t.Parallel()

	g, err := NewGenerator(nil)
	require.NoError(t, err)
	old, err := ParsePayload(`{"apiKey":"old","rotatedAt":"2025-01-01T00:00:00Z"}`)
	require.NoError(t, err)

	_, err = g.Generate(old, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "old", old.Value())
	assert.Equal(t, "2025-01-01T00:00:00Z", old.Fields[RotatedAtField])
}

func TestNewGenerator_Lengths(t *testing.T) {
	t.Parallel()

	g, err := NewGenerator(map[Kind]int{KindAPIKey: 40, KindToken: 0})
	require.NoError(t, err)
	assert.Equal(t, 40, g.Length(KindAPIKey))
	assert.Equal(t, 40, g.Length(KindOpaque))
	assert.Equal(t, DefaultTokenLength, g.Length(KindToken))

	_, err = NewGenerator(map[Kind]int{KindPassword: 8})
	assert.Error(t, err)

	_, err = NewGenerator(map[Kind]int{"certificate": 32})
	assert.Error(t, err)
}

func TestCharset(t *testing.T) {
	t.Parallel()

	assert.Equal(t, secure.Alphanumeric, Charset(KindAPIKey))
	assert.Equal(t, secure.URLSafe, Charset(KindToken))
	assert.Equal(t, secure.Printable, Charset(KindPassword))
	assert.Equal(t, secure.Alphanumeric, Charset(KindOpaque))
}
