package masking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/creative-atlas/atlas/internal/capability"
)

func TestMaskEmail(t *testing.T) {
	cases := map[string]string{
		"jane@example.com":     "ja***@ex***.com",
		"ab@xyz.com":           "ab***@xy***.com",
		"a@b.co.uk":            "a***@b***.uk",
		"studio@localhost":     "st***@lo***.***",
		"no-at-sign":           "***@***",
		"trailing@":            "***@***",
		"":                     "***@***",
		"joe@mail.example.org": "jo***@ma***.org",
	}
	for in, want := range cases {
		assert.Equal(t, want, Mask(in, KindEmail), "mask(%q)", in)
	}
}

func TestMaskEmailKeepsPrefixShape(t *testing.T) {
	got := Mask("ab@xyz.com", KindEmail)

	assert.True(t, strings.HasPrefix(got, "ab***@xy***."))
	assert.True(t, strings.HasSuffix(got, "com"))
}

func TestMaskPhone(t *testing.T) {
	cases := map[string]string{
		"+62 812 3456 7890": "+628****",
		"0812":              "****",
		" 1 2 3 ":           "****",
		"12345":             "1234****",
	}
	for in, want := range cases {
		assert.Equal(t, want, Mask(in, KindPhone), "mask(%q)", in)
	}
}

func TestMaskNeverEchoesInput(t *testing.T) {
	cases := []struct {
		in   string
		kind Kind
		want string
	}{
		{"1234****", KindPhone, "****"},
		{"1234 ****", KindPhone, "****"},
		{"****", KindPhone, "*******"},
		{"ab***@xy***.com", KindEmail, "***@***"},
		{"***@***", KindEmail, "*****@*****.***"},
		{"***@***", Kind("fax"), "***@******"},
	}
	for _, tc := range cases {
		got := Mask(tc.in, tc.kind)
		assert.Equal(t, tc.want, got, "mask(%q)", tc.in)
		assert.NotEqual(t, tc.in, got)
	}
}

func TestRevealNeverReturnsMaskedInputVerbatim(t *testing.T) {
	member := capability.New(true, false, false)
	for _, raw := range []string{"1234****", "ab***@xy***.com"} {
		kind := KindEmail
		if !strings.Contains(raw, "@") {
			kind = KindPhone
		}
		field := Reveal(member, raw, kind)
		assert.True(t, field.Masked)
		assert.NotEqual(t, raw, field.Display)
	}
}

func TestMaskIsDeterministic(t *testing.T) {
	assert.Equal(t, Mask("jane@example.com", KindEmail), Mask("jane@example.com", KindEmail))
	assert.Equal(t, Mask("0812 3456 789", KindPhone), Mask("0812 3456 789", KindPhone))
}

func TestRevealGatesRawValue(t *testing.T) {
	raw := "jane@example.com"
	cases := []struct {
		name string
		cap  capability.Capability
		raw  bool
	}{
		{"anonymous", capability.Anonymous, false},
		{"member", capability.New(true, false, false), false},
		{"subscriber", capability.New(true, true, false), true},
		{"admin", capability.New(true, false, true), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			field := Reveal(tc.cap, raw, KindEmail)
			if tc.raw {
				assert.Equal(t, raw, field.Display)
				assert.False(t, field.Masked)
				assert.True(t, field.Interactive)
				return
			}
			assert.NotEqual(t, raw, field.Display)
			assert.Equal(t, "ja***@ex***.com", field.Display)
			assert.True(t, field.Masked)
			assert.False(t, field.Interactive)
		})
	}
}

func TestRevealEmptyValue(t *testing.T) {
	assert.Equal(t, Field{}, Reveal(capability.Anonymous, "", KindPhone))
}
