// Package masking redacts contact details for viewers without contact entitlement.
package masking

import (
	"strings"

	"github.com/creative-atlas/atlas/internal/capability"
)

// Kind identifies the contact value being masked.
type Kind string

const (
	KindEmail Kind = "email"
	KindPhone Kind = "phone"
)

const (
	maskSuffix       = "***"
	emailPlaceholder = "***@***"
	phoneMask        = "****"
	keepChars        = 2
	keepPhoneChars   = 4
)

// Field is a contact value prepared for rendering.
type Field struct {
	Display string `json:"display"`
	Masked  bool   `json:"masked"`
	// Interactive is false for masked values; renderers must disable selection and copy.
	Interactive bool `json:"interactive"`
}

// Reveal releases value only when c allows viewing contact details.
func Reveal(c capability.Capability, value string, kind Kind) Field {
	if value == "" {
		return Field{}
	}
	if c.CanViewContact() {
		return Field{Display: value, Interactive: true}
	}
	return Field{Display: Mask(value, kind), Masked: true}
}

// Mask returns the redacted rendering of value. The result never equals the
// input, so a value already in masked form is replaced by the placeholder.
func Mask(value string, kind Kind) string {
	masked, placeholder := emailPlaceholder, emailPlaceholder
	switch kind {
	case KindEmail:
		masked = maskEmail(value)
	case KindPhone:
		masked, placeholder = maskPhone(value), phoneMask
		value = strings.Join(strings.Fields(value), "")
	}
	if masked != value {
		return masked
	}
	if placeholder != value {
		return placeholder
	}
	return placeholder + maskSuffix
}

func maskEmail(value string) string {
	at := strings.LastIndex(value, "@")
	if at < 0 || at == len(value)-1 {
		return emailPlaceholder
	}
	local, domain := value[:at], value[at+1:]

	label := domain
	tld := maskSuffix
	if dot := strings.Index(domain, "."); dot >= 0 {
		label = domain[:dot]
		if last := strings.LastIndex(domain, "."); last < len(domain)-1 {
			tld = domain[last+1:]
		}
	}

	var b strings.Builder
	b.WriteString(prefix(local, keepChars))
	b.WriteString(maskSuffix)
	b.WriteString("@")
	b.WriteString(prefix(label, keepChars))
	b.WriteString(maskSuffix)
	b.WriteString(".")
	b.WriteString(tld)
	return b.String()
}

func maskPhone(value string) string {
	cleaned := strings.Join(strings.Fields(value), "")
	if len([]rune(cleaned)) <= keepPhoneChars {
		return phoneMask
	}
	return prefix(cleaned, keepPhoneChars) + phoneMask
}

func prefix(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
