package controller

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sonroyaalmerol/ldap-gateway/internal/directory"
)

var modKinds = map[OperationKind]directory.ModKind{
	ModifyAdd:       directory.ModAdd,
	ModifyDelete:    directory.ModDelete,
	ModifyReplace:   directory.ModReplace,
	ModifyIncrement: directory.ModIncrement,
}

var scopes = map[SearchScope]int{
	ScopeBase:    directory.ScopeBase,
	ScopeLevel:   directory.ScopeLevel,
	ScopeSubtree: directory.ScopeSubtree,
}

var derefs = map[DerefPolicy]int{
	DerefNever:  directory.DerefNever,
	DerefSearch: directory.DerefSearch,
	DerefBase:   directory.DerefFinding,
	DerefAlways: directory.DerefAlways,
}

var selectors = map[string]string{
	AllAttributes:            directory.AllUserAttrs,
	AllOperationalAttributes: directory.AllOperAttrs,
	AllOperationAttributes:   directory.AllOperAttrs,
}

// Escapes the RFC 4515 metacharacters only; UTF-8 bytes are kept.
var filterEscaper = strings.NewReplacer(
	`\`, `\5c`,
	`*`, `\2a`,
	`(`, `\28`,
	`)`, `\29`,
	"\x00", `\00`,
)

func EscapeFilterChars(s string) string {
	return filterEscaper.Replace(s)
}

// ScrubAttributes escapes every value. With removeEmpty, empty values are
// dropped and attributes left without values are omitted. The input is
// not modified.
func ScrubAttributes(attrs map[string]Values, removeEmpty bool) map[string][]string {
	out := make(map[string][]string, len(attrs))
	for name, vals := range attrs {
		scrubbed := make([]string, 0, len(vals))
		for _, v := range vals {
			if removeEmpty && v == "" {
				continue
			}
			scrubbed = append(scrubbed, EscapeFilterChars(v))
		}
		if removeEmpty && len(scrubbed) == 0 {
			continue
		}
		out[name] = scrubbed
	}
	return out
}

// CoalesceChanges merges the operations of each attribute by kind. Values
// of same-kind operations are concatenated in the order they appear, and
// kinds keep the order of their first appearance. Attributes come out
// sorted by name. An operation kind outside the known set is an error.
func CoalesceChanges(changes map[string]Operations) ([]directory.Change, error) {
	names := make([]string, 0, len(changes))
	for name := range changes {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []directory.Change
	for _, name := range names {
		index := make(map[OperationKind]int)
		var merged []directory.Change
		for _, op := range changes[name] {
			if i, ok := index[op.Kind]; ok {
				merged[i].Values = append(merged[i].Values, op.Values...)
				continue
			}
			kind, ok := modKinds[op.Kind]
			if !ok {
				return nil, fmt.Errorf("attribute %s: unknown modify operation %d", name, int(op.Kind))
			}
			index[op.Kind] = len(merged)
			merged = append(merged, directory.Change{
				Attribute: name,
				Kind:      kind,
				Values:    append([]string(nil), op.Values...),
			})
		}
		out = append(out, merged...)
	}
	return out, nil
}

// convertSelector maps the attribute selector sentinels to protocol
// selectors. An empty selection asks for all user attributes.
func convertSelector(sel Values, operational bool) []string {
	var out []string
	for _, s := range sel {
		if p, ok := selectors[strings.ToUpper(strings.TrimSpace(s))]; ok {
			out = append(out, p)
			continue
		}
		out = append(out, s)
	}
	if operational {
		if len(out) == 0 {
			out = append(out, directory.AllUserAttrs)
		}
		if !containsFold(out, directory.AllOperAttrs) {
			out = append(out, directory.AllOperAttrs)
		}
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func convertControls(controls []Control) []directory.Control {
	if len(controls) == 0 {
		return nil
	}
	out := make([]directory.Control, 0, len(controls))
	for _, c := range controls {
		out = append(out, directory.Control{Type: c.Type, Criticality: c.Criticality, Value: c.Value})
	}
	return out
}

func buildSearch(req SearchRequest) (directory.SearchRequest, error) {
	scope, ok := scopes[req.SearchScope]
	if !ok {
		return directory.SearchRequest{}, fmt.Errorf("unknown search scope %d", int(req.SearchScope))
	}
	deref, ok := derefs[req.DereferenceAliases]
	if !ok {
		return directory.SearchRequest{}, fmt.Errorf("unknown alias dereferencing policy %d", int(req.DereferenceAliases))
	}
	return directory.SearchRequest{
		Base:             req.SearchBase,
		Filter:           req.SearchFilter,
		Scope:            scope,
		Deref:            deref,
		Attributes:       convertSelector(req.Attributes, req.GetOperationalAttributes),
		SizeLimit:        req.SizeLimit,
		TimeLimit:        req.TimeLimit,
		TypesOnly:        req.TypesOnly,
		Controls:         convertControls(req.Controls),
		PagedSize:        req.PagedSize,
		PagedCriticality: req.PagedCriticality,
		PagedCookie:      req.PagedCookie,
	}, nil
}
