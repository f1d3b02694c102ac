package directory

import (
	"strconv"
	"strings"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// filterMatcher evaluates a compiled RFC 4515 filter against one entry of
// the mock directory.
type filterMatcher struct {
	schema *Schema
}

func (m filterMatcher) match(p *ber.Packet, e *mockEntry) bool {
	if p == nil {
		return false
	}
	switch p.Tag {
	case ldap.FilterAnd:
		for _, c := range p.Children {
			if !m.match(c, e) {
				return false
			}
		}
		return true
	case ldap.FilterOr:
		for _, c := range p.Children {
			if m.match(c, e) {
				return true
			}
		}
		return false
	case ldap.FilterNot:
		if len(p.Children) != 1 {
			return false
		}
		return !m.match(p.Children[0], e)
	case ldap.FilterPresent:
		attr := packetString(p)
		if strings.EqualFold(attr, "objectClass") {
			return true
		}
		return len(e.values(m.schema, attr)) > 0
	case ldap.FilterEqualityMatch, ldap.FilterApproxMatch:
		attr, val, ok := assertion(p)
		if !ok {
			return false
		}
		return m.anyValue(e, attr, func(v string) bool {
			if p.Tag == ldap.FilterApproxMatch {
				return strings.EqualFold(collapseSpaces(v), collapseSpaces(val))
			}
			return m.equal(attr, v, val)
		})
	case ldap.FilterGreaterOrEqual:
		attr, val, ok := assertion(p)
		if !ok {
			return false
		}
		return m.anyValue(e, attr, func(v string) bool { return m.compare(attr, v, val) >= 0 })
	case ldap.FilterLessOrEqual:
		attr, val, ok := assertion(p)
		if !ok {
			return false
		}
		return m.anyValue(e, attr, func(v string) bool { return m.compare(attr, v, val) <= 0 })
	case ldap.FilterSubstrings:
		if len(p.Children) != 2 {
			return false
		}
		attr := packetString(p.Children[0])
		var initial, final string
		var middle []string
		for _, c := range p.Children[1].Children {
			switch c.Tag {
			case ldap.FilterSubstringsInitial:
				initial = packetString(c)
			case ldap.FilterSubstringsAny:
				middle = append(middle, packetString(c))
			case ldap.FilterSubstringsFinal:
				final = packetString(c)
			}
		}
		return m.anyValue(e, attr, func(v string) bool { return matchSubstrings(v, initial, middle, final) })
	case ldap.FilterExtensibleMatch:
		var attr, val, rule string
		for _, c := range p.Children {
			switch c.Tag {
			case ldap.MatchingRuleAssertionMatchingRule:
				rule = packetString(c)
			case ldap.MatchingRuleAssertionType:
				attr = packetString(c)
			case ldap.MatchingRuleAssertionMatchValue:
				val = packetString(c)
			}
		}
		// only the plain attribute form is understood
		if attr == "" || rule != "" {
			return false
		}
		return m.anyValue(e, attr, func(v string) bool { return m.equal(attr, v, val) })
	}
	return false
}

func (m filterMatcher) anyValue(e *mockEntry, attr string, fn func(string) bool) bool {
	for _, v := range e.values(m.schema, attr) {
		if fn(v) {
			return true
		}
	}
	return false
}

func (m filterMatcher) syntax(attr string) string {
	if at, ok := m.schema.AttributeType(attr); ok {
		return at.Syntax
	}
	return SyntaxString
}

func (m filterMatcher) equal(attr, v, want string) bool {
	switch m.syntax(attr) {
	case SyntaxOctets:
		return v == want
	case SyntaxDN:
		return normalizeDN(v) == normalizeDN(want)
	case SyntaxInteger:
		a, errA := strconv.ParseInt(v, 10, 64)
		b, errB := strconv.ParseInt(want, 10, 64)
		if errA == nil && errB == nil {
			return a == b
		}
	}
	return strings.EqualFold(v, want)
}

func (m filterMatcher) compare(attr, v, want string) int {
	if m.syntax(attr) == SyntaxInteger {
		a, errA := strconv.ParseInt(v, 10, 64)
		b, errB := strconv.ParseInt(want, 10, 64)
		if errA == nil && errB == nil {
			switch {
			case a < b:
				return -1
			case a > b:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(strings.ToLower(v), strings.ToLower(want))
}

func assertion(p *ber.Packet) (string, string, bool) {
	if len(p.Children) != 2 {
		return "", "", false
	}
	return packetString(p.Children[0]), packetString(p.Children[1]), true
}

func packetString(p *ber.Packet) string {
	if p == nil || p.Data == nil {
		return ""
	}
	return ber.DecodeString(p.Data.Bytes())
}

func matchSubstrings(value, initial string, middle []string, final string) bool {
	v := strings.ToLower(value)
	pos := 0
	if initial != "" {
		if !strings.HasPrefix(v, strings.ToLower(initial)) {
			return false
		}
		pos = len(initial)
	}
	for _, s := range middle {
		if s == "" {
			continue
		}
		idx := strings.Index(v[pos:], strings.ToLower(s))
		if idx < 0 {
			return false
		}
		pos += idx + len(s)
	}
	if final != "" {
		return strings.HasSuffix(v[pos:], strings.ToLower(final))
	}
	return true
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
