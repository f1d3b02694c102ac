package controller

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/ldap-gateway/internal/directory"
)

// resultOf reads the result of the last call from wherever the connection
// strategy put it.
func resultOf(reply directory.Reply, conn directory.Conn) directory.Result {
	if d, ok := reply.(directory.DirectReply); ok {
		return d.Result
	}
	return conn.Result()
}

func entriesOf(reply directory.Reply, conn directory.Conn) []directory.RawEntry {
	if d, ok := reply.(directory.DirectReply); ok {
		return d.Entries
	}
	return conn.Entries()
}

// normalizeEntries turns raw entries of either shape into Entry values.
// An entry missing its DN or attributes is kept with that field nil.
func normalizeEntries(raw []directory.RawEntry, logger zerolog.Logger) []Entry {
	out := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		var dnOK, attrsOK bool
		switch v := r.(type) {
		case directory.ObjectEntry:
			dn := v.EntryDN()
			e.DN, dnOK = &dn, true
			e.Attributes, attrsOK = v.EntryAttributesAsMap(), true
		case map[string]any:
			if dn, ok := v["dn"]; ok && dn != nil {
				s := fmt.Sprint(dn)
				e.DN, dnOK = &s, true
			}
			if a, ok := v["attributes"]; ok {
				e.Attributes, attrsOK = attributesOf(a)
			}
		}
		if !dnOK {
			logger.Debug().Interface("entry", r).Msg("cannot find dn in entry")
		}
		if !attrsOK {
			logger.Debug().Interface("entry", r).Msg("cannot find attributes in entry")
		}
		out = append(out, e)
	}
	return out
}

func attributesOf(a any) (map[string][]string, bool) {
	switch m := a.(type) {
	case map[string][]string:
		out := make(map[string][]string, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out, true
	case map[string]any:
		out := make(map[string][]string, len(m))
		for k, v := range m {
			out[k] = stringsOf(v)
		}
		return out, true
	}
	return nil, false
}

func stringsOf(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []string:
		return t
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			out = append(out, fmt.Sprint(x))
		}
		return out
	}
	return []string{fmt.Sprint(v)}
}
