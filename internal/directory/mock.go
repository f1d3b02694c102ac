package directory

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"

	"github.com/sonroyaalmerol/ldap-gateway/internal/config"
)

const generalizedTime = "20060102150405Z"

// MockDirectory is an in-process directory tree shared by every mock
// connection of the process.
type MockDirectory struct {
	mu          sync.RWMutex
	schema      *Schema
	entries     map[string]*mockEntry
	order       []string
	credentials map[string]string
	now         func() time.Time
}

type mockEntry struct {
	dn    string
	key   string
	rdns  []string
	names []string
	attrs map[string][]string
}

func NewMockDirectory(schema *Schema, creds ...Credential) *MockDirectory {
	if schema == nil {
		schema = DefaultSchema()
	}
	d := &MockDirectory{
		schema:      schema,
		entries:     make(map[string]*mockEntry),
		credentials: make(map[string]string),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, c := range creds {
		d.credentials[strings.ToLower(c.User)] = c.Password
	}
	return d
}

// LoadMockDirectory builds the mock from its configuration: the default
// schema, the configured bind credentials and the optional seed file.
func LoadMockDirectory(cfg config.MockedConfig) (*MockDirectory, error) {
	schema := DefaultSchema()
	creds := []Credential{}
	if cfg.Connection.User != "" {
		creds = append(creds, Credential{User: cfg.Connection.User, Password: cfg.Connection.Password})
	}
	var seed *Seed
	if cfg.SeedFile != "" {
		s, err := LoadSeed(cfg.SeedFile)
		if err != nil {
			return nil, err
		}
		seed = s
		for i := range seed.AttributeTypes {
			schema.AddAttributeType(&seed.AttributeTypes[i])
		}
		for i := range seed.ObjectClasses {
			schema.AddObjectClass(&seed.ObjectClasses[i])
		}
		creds = append(creds, seed.Credentials...)
	}
	d := NewMockDirectory(schema, creds...)
	if seed != nil {
		for _, e := range seed.Entries {
			if r := d.add(e.DN, nil, e.Attributes, ""); !r.Success() {
				return nil, fmt.Errorf("seed entry %s: %s %s", e.DN, r.Description, r.Message)
			}
		}
	}
	return d, nil
}

func (d *MockDirectory) Schema() *Schema {
	return d.schema
}

func (d *MockDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

func rdnKeys(dn *ldap.DN) []string {
	keys := make([]string, len(dn.RDNs))
	for i, rdn := range dn.RDNs {
		parts := make([]string, len(rdn.Attributes))
		for j, a := range rdn.Attributes {
			parts[j] = strings.ToLower(strings.TrimSpace(a.Type)) + "=" + strings.ToLower(strings.TrimSpace(a.Value))
		}
		sort.Strings(parts)
		keys[i] = strings.Join(parts, "+")
	}
	return keys
}

func normalizeDN(s string) string {
	dn, err := ldap.ParseDN(s)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return strings.Join(rdnKeys(dn), ",")
}

// parseTargetDN rejects empty and malformed names.
func parseTargetDN(s string) (*ldap.DN, []string, Result, bool) {
	if strings.TrimSpace(s) == "" {
		return nil, nil, newResult(ldap.LDAPResultInvalidDNSyntax, "empty distinguished name"), false
	}
	dn, err := ldap.ParseDN(s)
	if err != nil || len(dn.RDNs) == 0 {
		msg := "invalid distinguished name"
		if err != nil {
			msg = err.Error()
		}
		return nil, nil, newResult(ldap.LDAPResultInvalidDNSyntax, msg), false
	}
	return dn, rdnKeys(dn), Result{}, true
}

func (e *mockEntry) values(s *Schema, attr string) []string {
	return e.attrs[strings.ToLower(s.CanonicalName(attr))]
}

func (e *mockEntry) set(name string, vals []string) {
	k := strings.ToLower(name)
	if _, ok := e.attrs[k]; !ok {
		e.names = append(e.names, name)
	}
	e.attrs[k] = vals
}

func (e *mockEntry) remove(name string) {
	k := strings.ToLower(name)
	delete(e.attrs, k)
	for i, n := range e.names {
		if strings.ToLower(n) == k {
			e.names = append(e.names[:i:i], e.names[i+1:]...)
			break
		}
	}
}

func (e *mockEntry) clone() *mockEntry {
	c := &mockEntry{
		dn:    e.dn,
		key:   e.key,
		rdns:  e.rdns,
		names: append([]string(nil), e.names...),
		attrs: make(map[string][]string, len(e.attrs)),
	}
	for k, v := range e.attrs {
		c.attrs[k] = append([]string(nil), v...)
	}
	return c
}

// isUnder reports whether e sits below the base with the given rdn keys.
func (e *mockEntry) isUnder(base []string) bool {
	if len(e.rdns) <= len(base) {
		return false
	}
	off := len(e.rdns) - len(base)
	for i, k := range base {
		if e.rdns[off+i] != k {
			return false
		}
	}
	return true
}

func containsFold(vals []string, v string) bool {
	for _, x := range vals {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}

// matchedDN returns the deepest existing ancestor of the rdn keys.
func (d *MockDirectory) matchedDN(keys []string) string {
	for i := 1; i < len(keys); i++ {
		if e, ok := d.entries[strings.Join(keys[i:], ",")]; ok {
			return e.dn
		}
	}
	return ""
}

func (d *MockDirectory) noSuchObject(keys []string, dn string) Result {
	r := newResult(ldap.LDAPResultNoSuchObject, fmt.Sprintf("entry %s not found", dn))
	r.MatchedDN = d.matchedDN(keys)
	return r
}

func (d *MockDirectory) bind(user, password string) Result {
	if user == "" {
		if password != "" {
			return newResult(ldap.LDAPResultUnwillingToPerform, "unauthenticated bind with a password")
		}
		return successResult()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if pw, ok := d.credentials[strings.ToLower(user)]; ok {
		if pw == password {
			return successResult()
		}
		return newResult(ldap.LDAPResultInvalidCredentials, "invalid credentials")
	}
	if e, ok := d.entries[normalizeDN(user)]; ok {
		for _, pw := range e.values(d.schema, "userPassword") {
			if pw == password {
				return successResult()
			}
		}
	}
	return newResult(ldap.LDAPResultInvalidCredentials, "invalid credentials")
}

// checkValues validates user supplied values of one attribute.
func (d *MockDirectory) checkValues(name string, vals []string) (*AttributeType, Result, bool) {
	at, ok := d.schema.AttributeType(name)
	if !ok {
		return nil, newResult(ldap.LDAPResultUndefinedAttributeType, fmt.Sprintf("attribute type %s undefined", name)), false
	}
	if at.Operational {
		return nil, newResult(ldap.LDAPResultConstraintViolation, fmt.Sprintf("%s is a directory operational attribute", at.Name)), false
	}
	if at.SingleValue && len(vals) > 1 {
		return nil, newResult(ldap.LDAPResultConstraintViolation, fmt.Sprintf("%s is single valued", at.Name)), false
	}
	for _, v := range vals {
		switch at.Syntax {
		case SyntaxInteger:
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				return nil, newResult(ldap.LDAPResultInvalidAttributeSyntax, fmt.Sprintf("%s: value %q is not an integer", at.Name, v)), false
			}
		case SyntaxDN:
			if _, err := ldap.ParseDN(v); err != nil {
				return nil, newResult(ldap.LDAPResultInvalidAttributeSyntax, fmt.Sprintf("%s: value %q is not a distinguished name", at.Name, v)), false
			}
		case SyntaxBoolean:
			if v != "TRUE" && v != "FALSE" {
				return nil, newResult(ldap.LDAPResultInvalidAttributeSyntax, fmt.Sprintf("%s: value %q is not a boolean", at.Name, v)), false
			}
		}
	}
	return at, Result{}, true
}

func (d *MockDirectory) add(dn string, objectClasses []string, attrs map[string][]string, who string) Result {
	parsed, keys, bad, ok := parseTargetDN(dn)
	if !ok {
		return bad
	}

	e := &mockEntry{dn: strings.TrimSpace(dn), key: strings.Join(keys, ","), rdns: keys, attrs: make(map[string][]string)}

	classes := make([]string, 0, len(objectClasses))
	addClass := func(c string) {
		if c = strings.TrimSpace(c); c != "" && !containsFold(classes, c) {
			classes = append(classes, c)
		}
	}
	for _, c := range objectClasses {
		addClass(c)
	}

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.EqualFold(name, "objectClass") {
			for _, c := range attrs[name] {
				addClass(c)
			}
			continue
		}
		vals := dedupFold(attrs[name])
		if len(vals) == 0 {
			continue
		}
		at, res, ok := d.checkValues(name, vals)
		if !ok {
			return res
		}
		if existing := e.attrs[strings.ToLower(at.Name)]; existing != nil {
			vals = dedupFold(append(existing, vals...))
		}
		e.set(at.Name, vals)
	}

	if len(classes) == 0 {
		return newResult(ldap.LDAPResultObjectClassViolation, "no objectClass attribute")
	}
	for i, c := range classes {
		oc, ok := d.schema.ObjectClass(c)
		if !ok {
			return newResult(ldap.LDAPResultObjectClassViolation, fmt.Sprintf("unknown object class %s", c))
		}
		classes[i] = oc.Name
	}
	e.set("objectClass", classes)

	for _, a := range parsed.RDNs[0].Attributes {
		at, ok := d.schema.AttributeType(a.Type)
		if !ok {
			return newResult(ldap.LDAPResultUndefinedAttributeType, fmt.Sprintf("naming attribute %s undefined", a.Type))
		}
		cur := e.attrs[strings.ToLower(at.Name)]
		if !containsFold(cur, a.Value) {
			if at.SingleValue && len(cur) > 0 {
				return newResult(ldap.LDAPResultNamingViolation, fmt.Sprintf("naming attribute %s conflicts with entry value", at.Name))
			}
			e.set(at.Name, append(cur, a.Value))
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.entries[e.key]; exists {
		return newResult(ldap.LDAPResultEntryAlreadyExists, fmt.Sprintf("entry %s already exists", e.dn))
	}

	now := d.now().Format(generalizedTime)
	e.set("structuralObjectClass", []string{classes[len(classes)-1]})
	e.set("entryUUID", []string{uuid.NewString()})
	e.set("entryDN", []string{e.dn})
	e.set("createTimestamp", []string{now})
	e.set("modifyTimestamp", []string{now})
	if who != "" {
		e.set("creatorsName", []string{who})
		e.set("modifiersName", []string{who})
	}

	d.entries[e.key] = e
	d.order = append(d.order, e.key)
	return successResult()
}

func dedupFold(vals []string) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if !containsFold(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func (d *MockDirectory) modify(dn string, changes []Change, who string) Result {
	_, keys, bad, ok := parseTargetDN(dn)
	if !ok {
		return bad
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.entries[strings.Join(keys, ",")]
	if !ok {
		return d.noSuchObject(keys, dn)
	}
	e := cur.clone()
	rdn, _ := ldap.ParseDN(e.dn)

	for _, ch := range changes {
		if strings.EqualFold(ch.Attribute, "objectClass") {
			if r, ok := d.applyObjectClassChange(e, ch); !ok {
				return r
			}
			continue
		}
		at, res, ok := d.checkValues(ch.Attribute, nil)
		if !ok {
			return res
		}
		if r, ok := d.applyChange(e, at, ch); !ok {
			return r
		}
		if ch.Kind == ModDelete || ch.Kind == ModReplace {
			for _, a := range rdn.RDNs[0].Attributes {
				if strings.EqualFold(d.schema.CanonicalName(a.Type), at.Name) && !containsFold(e.attrs[strings.ToLower(at.Name)], a.Value) {
					return newResult(ldap.LDAPResultNotAllowedOnRDN, fmt.Sprintf("cannot remove naming value of %s", at.Name))
				}
			}
		}
	}

	e.set("modifyTimestamp", []string{d.now().Format(generalizedTime)})
	if who != "" {
		e.set("modifiersName", []string{who})
	}
	d.entries[e.key] = e
	return successResult()
}

func (d *MockDirectory) applyObjectClassChange(e *mockEntry, ch Change) (Result, bool) {
	for _, c := range ch.Values {
		if _, ok := d.schema.ObjectClass(c); !ok {
			return newResult(ldap.LDAPResultObjectClassViolation, fmt.Sprintf("unknown object class %s", c)), false
		}
	}
	at, _ := d.schema.AttributeType("objectClass")
	if r, ok := d.applyChange(e, at, ch); !ok {
		return r, false
	}
	if len(e.attrs["objectclass"]) == 0 {
		return newResult(ldap.LDAPResultObjectClassViolation, "entry must keep an objectClass"), false
	}
	return Result{}, true
}

func (d *MockDirectory) applyChange(e *mockEntry, at *AttributeType, ch Change) (Result, bool) {
	key := strings.ToLower(at.Name)
	existing := e.attrs[key]
	switch ch.Kind {
	case ModAdd:
		if len(ch.Values) == 0 {
			return newResult(ldap.LDAPResultProtocolError, fmt.Sprintf("add of %s without values", at.Name)), false
		}
		next := append([]string(nil), existing...)
		for _, v := range ch.Values {
			if containsFold(next, v) {
				return newResult(ldap.LDAPResultAttributeOrValueExists, fmt.Sprintf("%s already has value %q", at.Name, v)), false
			}
			next = append(next, v)
		}
		if _, r, ok := d.checkValues(at.Name, next); !ok {
			return r, false
		}
		e.set(at.Name, next)
	case ModDelete:
		if existing == nil {
			return newResult(ldap.LDAPResultNoSuchAttribute, fmt.Sprintf("no attribute %s", at.Name)), false
		}
		if len(ch.Values) == 0 {
			e.remove(at.Name)
			return Result{}, true
		}
		next := make([]string, 0, len(existing))
		for _, v := range ch.Values {
			if !containsFold(existing, v) {
				return newResult(ldap.LDAPResultNoSuchAttribute, fmt.Sprintf("%s has no value %q", at.Name, v)), false
			}
		}
		for _, v := range existing {
			if !containsFold(ch.Values, v) {
				next = append(next, v)
			}
		}
		if len(next) == 0 {
			e.remove(at.Name)
		} else {
			e.set(at.Name, next)
		}
	case ModReplace:
		if len(ch.Values) == 0 {
			e.remove(at.Name)
			return Result{}, true
		}
		next := dedupFold(ch.Values)
		if _, r, ok := d.checkValues(at.Name, next); !ok {
			return r, false
		}
		e.set(at.Name, next)
	case ModIncrement:
		if len(ch.Values) != 1 {
			return newResult(ldap.LDAPResultProtocolError, "increment takes exactly one value"), false
		}
		if existing == nil {
			return newResult(ldap.LDAPResultNoSuchAttribute, fmt.Sprintf("no attribute %s", at.Name)), false
		}
		delta, err := strconv.ParseInt(ch.Values[0], 10, 64)
		if err != nil {
			return newResult(ldap.LDAPResultInvalidAttributeSyntax, fmt.Sprintf("increment value %q is not an integer", ch.Values[0])), false
		}
		next := make([]string, len(existing))
		for i, v := range existing {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return newResult(ldap.LDAPResultConstraintViolation, fmt.Sprintf("%s holds a non integer value", at.Name)), false
			}
			next[i] = strconv.FormatInt(n+delta, 10)
		}
		e.set(at.Name, next)
	default:
		return newResult(ldap.LDAPResultProtocolError, fmt.Sprintf("unknown modification %d", ch.Kind)), false
	}
	return Result{}, true
}

func (d *MockDirectory) delete(dn string) Result {
	_, keys, bad, ok := parseTargetDN(dn)
	if !ok {
		return bad
	}
	key := strings.Join(keys, ",")

	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key]
	if !ok {
		return d.noSuchObject(keys, dn)
	}
	for _, k := range d.order {
		if d.entries[k].isUnder(e.rdns) {
			return newResult(ldap.LDAPResultNotAllowedOnNonLeaf, fmt.Sprintf("entry %s has subordinates", e.dn))
		}
	}
	delete(d.entries, key)
	for i, k := range d.order {
		if k == key {
			d.order = append(d.order[:i:i], d.order[i+1:]...)
			break
		}
	}
	return successResult()
}

var errBadCookie = errors.New("invalid paged results cookie")

func (d *MockDirectory) search(req SearchRequest) (Result, []RawEntry) {
	filter, err := ldap.CompileFilter(req.Filter)
	if err != nil {
		return newResult(ldap.LDAPResultFilterError, err.Error()), nil
	}
	var base []string
	if strings.TrimSpace(req.Base) != "" {
		dn, err := ldap.ParseDN(req.Base)
		if err != nil {
			return newResult(ldap.LDAPResultInvalidDNSyntax, err.Error()), nil
		}
		base = rdnKeys(dn)
	}
	offset, err := decodeCookie(req.PagedCookie)
	if err != nil {
		return newResult(ldap.LDAPResultUnwillingToPerform, err.Error()), nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if base != nil {
		if _, ok := d.entries[strings.Join(base, ",")]; !ok {
			return d.noSuchObject(base, req.Base), nil
		}
	}

	m := filterMatcher{schema: d.schema}
	var matched []*mockEntry
	for _, k := range d.order {
		e := d.entries[k]
		if !inScope(e, base, req.Scope) || !m.match(filter, e) {
			continue
		}
		matched = append(matched, e)
	}

	res := successResult()
	if req.PagedSize > 0 {
		if offset > len(matched) {
			offset = len(matched)
		}
		matched = matched[offset:]
		if len(matched) > req.PagedSize {
			matched = matched[:req.PagedSize]
			res.Cookie = []byte(strconv.Itoa(offset + req.PagedSize))
		}
	}
	if req.SizeLimit > 0 && len(matched) > req.SizeLimit {
		matched = matched[:req.SizeLimit]
		res = newResult(ldap.LDAPResultSizeLimitExceeded, "size limit exceeded")
	}

	out := make([]RawEntry, 0, len(matched))
	for _, e := range matched {
		out = append(out, &objectEntry{dn: e.dn, attrs: d.project(e, req.Attributes, req.TypesOnly)})
	}
	return res, out
}

func decodeCookie(c []byte) (int, error) {
	if len(c) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(string(c))
	if err != nil || n < 0 {
		return 0, errBadCookie
	}
	return n, nil
}

func inScope(e *mockEntry, base []string, scope int) bool {
	switch scope {
	case ScopeBase:
		return base != nil && e.key == strings.Join(base, ",")
	case ScopeLevel:
		return len(e.rdns) == len(base)+1 && (base == nil || e.isUnder(base))
	default:
		return base == nil || e.key == strings.Join(base, ",") || e.isUnder(base)
	}
}

// project applies the attribute selection of a search to one entry.
func (d *MockDirectory) project(e *mockEntry, selection []string, typesOnly bool) map[string][]string {
	user, oper := len(selection) == 0, false
	named := make(map[string]bool)
	for _, s := range selection {
		switch s {
		case AllUserAttrs:
			user = true
		case AllOperAttrs:
			oper = true
		case NoAttrsMarker:
		default:
			named[strings.ToLower(d.schema.CanonicalName(s))] = true
		}
	}
	out := make(map[string][]string)
	for _, name := range e.names {
		k := strings.ToLower(name)
		operational := false
		if at, ok := d.schema.AttributeType(name); ok {
			operational = at.Operational
		}
		if !(named[k] || (operational && oper) || (!operational && user)) {
			continue
		}
		if typesOnly {
			out[name] = []string{}
			continue
		}
		out[name] = append([]string(nil), e.attrs[k]...)
	}
	return out
}

// mockConn is a connection to the MockDirectory. Results are left on the
// connection like a synchronous client does.
type mockConn struct {
	dir     *MockDirectory
	server  string
	opts    config.ConnectionOptions
	open    bool
	bound   bool
	who     string
	last    Result
	entries []RawEntry
	usage   Usage
}

func newMockConn(dir *MockDirectory, server string, opts config.ConnectionOptions) *mockConn {
	return &mockConn{dir: dir, server: server, opts: opts, usage: newUsage()}
}
