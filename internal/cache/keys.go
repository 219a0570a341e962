package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// KeyBuilder derives a canonical cache key from named fields. Two builders
// fed semantically equal inputs, in the same order, produce the same key.
//
// Identifier fields (subject ids, voice ids, platform names) are Unicode
// normalized and case folded. Text fields keep their case and only have
// whitespace collapsed, since a change of case can change generated output.
type KeyBuilder struct {
	parts []string
}

// NewKey starts a key for the given purpose, such as "script".
func NewKey(purpose string) *KeyBuilder {
	return &KeyBuilder{parts: []string{"p=" + canonicalIdent(purpose)}}
}

// Ident adds an identifier field.
func (b *KeyBuilder) Ident(name, value string) *KeyBuilder {
	b.parts = append(b.parts, name+"="+canonicalIdent(value))
	return b
}

// Text adds a free text field.
func (b *KeyBuilder) Text(name, value string) *KeyBuilder {
	b.parts = append(b.parts, name+"="+canonicalText(value))
	return b
}

// Raw adds a field verbatim.
func (b *KeyBuilder) Raw(name, value string) *KeyBuilder {
	b.parts = append(b.parts, name+"="+value)
	return b
}

// String returns the hex sha256 of the canonical field list.
func (b *KeyBuilder) String() string {
	h := sha256.New()
	for _, p := range b.parts {
		// Length prefix keeps field boundaries unambiguous
		h.Write([]byte{byte(len(p) >> 24), byte(len(p) >> 16), byte(len(p) >> 8), byte(len(p))})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalIdent(s string) string {
	s = norm.NFKC.String(strings.TrimSpace(s))
	return cases.Fold().String(s)
}

func canonicalText(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}
