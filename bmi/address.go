package bmi

import "strings"

// MPAddr names a peer at the MP layer: an opaque id plus the human-readable
// string it was resolved from.
type MPAddr struct {
	ID     uint64
	String string
}

// ContextID names a completion domain. At most MaxContexts may be open per
// Core (spec.md §4.1.1).
type ContextID uint32

// MaxContexts bounds the number of concurrently open completion domains.
const MaxContexts = 16

// ParsedAddr is the result of parsing the "scheme[-zone]://host:port"
// address grammar (spec.md §6). The parser is pure and reversible: formatting
// a ParsedAddr back out reproduces an equivalent address string.
type ParsedAddr struct {
	Scheme string
	Zone   string // optional, empty if absent
	Rest   string // "host:port" (or whatever follows "://")
}

// ParseAddr implements the grammar: find the scheme substring, optionally
// consume "-zone" (any non-':' run), require "://", take the rest up to
// whitespace or a comma.
func ParseAddr(s string) (ParsedAddr, bool) {
	idx := strings.Index(s, "://")
	if idx < 0 {
		return ParsedAddr{}, false
	}
	schemeAndZone := s[:idx]
	rest := s[idx+3:]

	if end := strings.IndexAny(rest, " \t,"); end >= 0 {
		rest = rest[:end]
	}
	if rest == "" {
		return ParsedAddr{}, false
	}

	scheme := schemeAndZone
	zone := ""
	if z := strings.IndexByte(schemeAndZone, '-'); z >= 0 {
		scheme = schemeAndZone[:z]
		zone = schemeAndZone[z+1:]
	}
	if scheme == "" {
		return ParsedAddr{}, false
	}
	return ParsedAddr{Scheme: scheme, Zone: zone, Rest: rest}, true
}

// String reconstitutes the address string the parser would accept again.
func (p ParsedAddr) String() string {
	var b strings.Builder
	b.WriteString(p.Scheme)
	if p.Zone != "" {
		b.WriteByte('-')
		b.WriteString(p.Zone)
	}
	b.WriteString("://")
	b.WriteString(p.Rest)
	return b.String()
}
