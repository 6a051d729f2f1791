// Package entity provides the canonical name mapping for each entity kind.
// Every component that keys state by entity name (bus, callouts, feedback)
// takes a Mapper rather than normalizing locally, so the mapping exists in
// exactly one place per kind.
package entity

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/account-signals/internal/model"
)

// orgSuffixes are corporate suffixes stripped when canonicalizing
// organization names, so "Acme, Inc." and "acme" map to the same key.
var orgSuffixes = []string{
	"inc", "incorporated", "llc", "llp", "ltd", "limited",
	"corp", "corporation", "co", "company", "gmbh", "plc",
}

// Mapper canonicalizes entity names per kind.
type Mapper struct {
	fold      cases.Caser
	stripMark transform.Transformer
}

// NewMapper builds a Mapper with English case folding.
func NewMapper() *Mapper {
	return &Mapper{
		fold: cases.Fold(),
		stripMark: transform.Chain(
			norm.NFD,
			runes.Remove(runes.In(unicode.Mn)),
			norm.NFC,
		),
	}
}

// Canonical returns the canonical key for a raw entity name of the given
// kind. Identical entities referenced with different case, whitespace, or
// diacritics map to one key.
func (m *Mapper) Canonical(kind model.EntityKind, raw string) string {
	s, _, err := transform.String(m.stripMark, raw)
	if err != nil {
		s = raw
	}
	s = m.fold.String(s)
	s = collapseSpace(s)

	switch kind {
	case model.KindOrganization:
		s = stripOrgSuffix(s)
	case model.KindPerson:
		// Person names keep every token; only fold and collapse.
	}
	return s
}

// Ref builds an EntityRef with the canonical ID for a raw name.
func (m *Mapper) Ref(kind model.EntityKind, raw string) model.EntityRef {
	return model.EntityRef{Kind: kind, ID: m.Canonical(kind, raw)}
}

// Title renders a canonical key back into display casing.
func (m *Mapper) Title(key string) string {
	return cases.Title(language.English).String(key)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func stripOrgSuffix(s string) string {
	s = strings.TrimRight(s, ".,")
	for _, suffix := range orgSuffixes {
		trimmed := strings.TrimSuffix(s, " "+suffix)
		if trimmed != s {
			return strings.TrimRight(trimmed, ".,")
		}
		// "acme, inc." arrives here as "acme, inc" after punctuation trim.
		trimmed = strings.TrimSuffix(s, ", "+suffix)
		if trimmed != s {
			return strings.TrimRight(trimmed, ".,")
		}
	}
	return s
}
