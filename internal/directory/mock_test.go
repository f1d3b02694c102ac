package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonroyaalmerol/ldap-gateway/internal/config"
)

func mwatkins() map[string][]string {
	return map[string][]string{
		"cn":                {"Margaret Watkins", "Margie Watkins"},
		"sn":                {"Watkins"},
		"uid":               {"mwatkins"},
		"givenName":         {"Margaret"},
		"initials":          {"MPW"},
		"displayName":       {"Margie Watkins"},
		"telephoneNumber":   {"+1 408 555 1862"},
		"homePhone":         {"+1 555 555 1862"},
		"mobile":            {"+1 555 555 1862"},
		"userPassword":      {"123password"},
		"employeeNumber":    {"mpw-3948"},
		"employeeType":      {"full time"},
		"preferredLanguage": {"en-US"},
		"mail":              {"mwatkins@company.com"},
		"title":             {"consultant", "senior consultant"},
		"labeledURI":        {"http://www.comapny.com/users/mwatkins My Home Page"},
	}
}

func seedLab(t *testing.T, d *MockDirectory) {
	t.Helper()
	for _, dn := range []string{"o=lab", "ou=test,o=lab", "cn=employees,ou=test,o=lab", "cn=users,cn=employees,ou=test,o=lab"} {
		classes := []string{"organizationalUnit"}
		if dn == "o=lab" {
			classes = []string{"organization"}
		}
		r := d.add(dn, classes, nil, "")
		require.True(t, r.Success(), "%s: %s %s", dn, r.Description, r.Message)
	}
	r := d.add("cn=mwatkins,cn=users,cn=employees,ou=test,o=lab", []string{"person", "organizationalPerson", "inetOrgPerson"}, mwatkins(), "")
	require.True(t, r.Success(), "%s %s", r.Description, r.Message)
}

func searchDNs(entries []RawEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.(ObjectEntry).EntryDN())
	}
	return out
}

func TestMockAdd(t *testing.T) {
	d := NewMockDirectory(nil)
	seedLab(t, d)

	tests := []struct {
		name    string
		dn      string
		classes []string
		attrs   map[string][]string
		want    string
	}{
		{"duplicate", "cn=employees,ou=test,o=lab", []string{"organizationalUnit"}, nil, DescEntryAlreadyExists},
		{"duplicate differs in case", "CN=Employees, OU=test,o=LAB", []string{"organizationalUnit"}, nil, DescEntryAlreadyExists},
		{"empty dn", "", []string{"organizationalUnit"}, nil, DescInvalidDNSyntax},
		{"bad dn", "doogie", []string{"organizationalUnit"}, nil, DescInvalidDNSyntax},
		{"no object class", "cn=x,o=lab", nil, nil, "objectClassViolation"},
		{"unknown object class", "cn=x,o=lab", []string{"spaceship"}, nil, "objectClassViolation"},
		{"unknown attribute", "cn=x,o=lab", []string{"person"}, map[string][]string{"warpFactor": {"9"}}, "undefinedAttributeType"},
		{"single valued", "cn=x,o=lab", []string{"inetOrgPerson"}, map[string][]string{"displayName": {"a", "b"}}, "constraintViolation"},
		{"operational", "cn=x,o=lab", []string{"person"}, map[string][]string{"entryUUID": {"1"}}, "constraintViolation"},
		{"integer syntax", "cn=x,o=lab", []string{"posixAccount"}, map[string][]string{"uidNumber": {"many"}}, "invalidAttributeSyntax"},
		{"object class in attributes", "cn=y,o=lab", nil, map[string][]string{"objectClass": {"organizationalRole"}}, DescSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := d.add(tt.dn, tt.classes, tt.attrs, "")
			assert.Equal(t, tt.want, r.Description, r.Message)
		})
	}
}

func TestMockAddKeepsNamingAndOperationalAttributes(t *testing.T) {
	d := NewMockDirectory(nil)
	r := d.add("cn=employees,ou=test,o=lab", []string{"organizationalUnit"}, nil, "cn=admin")
	require.True(t, r.Success())

	res, entries := d.search(SearchRequest{Base: "cn=employees,ou=test,o=lab", Filter: "(objectClass=*)", Scope: ScopeBase, Attributes: []string{"*", "+"}})
	require.True(t, res.Success())
	require.Len(t, entries, 1)
	attrs := entries[0].(ObjectEntry).EntryAttributesAsMap()
	assert.Equal(t, []string{"employees"}, attrs["cn"])
	assert.Equal(t, []string{"organizationalUnit"}, attrs["objectClass"])
	assert.Equal(t, []string{"cn=admin"}, attrs["creatorsName"])
	assert.Len(t, attrs["entryUUID"], 1)
	assert.Equal(t, []string{"cn=employees,ou=test,o=lab"}, attrs["entryDN"])
}

func TestMockSearchScopes(t *testing.T) {
	d := NewMockDirectory(nil)
	seedLab(t, d)

	tests := []struct {
		name   string
		base   string
		scope  int
		filter string
		want   []string
	}{
		{"base", "cn=employees,ou=test,o=lab", ScopeBase, "(objectClass=organizationalUnit)", []string{"cn=employees,ou=test,o=lab"}},
		{"base filter mismatch", "cn=employees,ou=test,o=lab", ScopeBase, "(objectClass=person)", []string{}},
		{"level", "ou=test,o=lab", ScopeLevel, "(objectClass=*)", []string{"cn=employees,ou=test,o=lab"}},
		{"subtree", "cn=employees,ou=test,o=lab", ScopeSubtree, "(objectClass=*)", []string{
			"cn=employees,ou=test,o=lab",
			"cn=users,cn=employees,ou=test,o=lab",
			"cn=mwatkins,cn=users,cn=employees,ou=test,o=lab",
		}},
		{"subtree from root", "", ScopeSubtree, "(uid=mwatkins)", []string{"cn=mwatkins,cn=users,cn=employees,ou=test,o=lab"}},
		{"and or not", "o=lab", ScopeSubtree, "(&(objectClass=inetOrgPerson)(|(sn=nobody)(mail=mwatkins@company.com))(!(uid=x)))", []string{"cn=mwatkins,cn=users,cn=employees,ou=test,o=lab"}},
		{"substring", "o=lab", ScopeSubtree, "(cn=Marg*Wat*)", []string{"cn=mwatkins,cn=users,cn=employees,ou=test,o=lab"}},
		{"case insensitive value", "o=lab", ScopeSubtree, "(sn=WATKINS)", []string{"cn=mwatkins,cn=users,cn=employees,ou=test,o=lab"}},
		{"attribute alias", "o=lab", ScopeSubtree, "(surname=watkins)", []string{"cn=mwatkins,cn=users,cn=employees,ou=test,o=lab"}},
		{"presence", "o=lab", ScopeSubtree, "(mobile=*)", []string{"cn=mwatkins,cn=users,cn=employees,ou=test,o=lab"}},
		{"ordering", "o=lab", ScopeSubtree, "(employeeNumber>=mpw-3000)", []string{"cn=mwatkins,cn=users,cn=employees,ou=test,o=lab"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, entries := d.search(SearchRequest{Base: tt.base, Filter: tt.filter, Scope: tt.scope})
			require.True(t, r.Success(), "%s %s", r.Description, r.Message)
			assert.Equal(t, tt.want, searchDNs(entries))
		})
	}
}

func TestMockSearchErrors(t *testing.T) {
	d := NewMockDirectory(nil)
	seedLab(t, d)

	tests := []struct {
		name string
		req  SearchRequest
		want string
	}{
		{"missing base", SearchRequest{Base: "cn=nobody,o=lab", Filter: "(objectClass=*)", Scope: ScopeBase}, DescNoSuchObject},
		{"bad filter", SearchRequest{Base: "o=lab", Filter: "(objectClass=*", Scope: ScopeSubtree}, "filterError"},
		{"bad base", SearchRequest{Base: "doogie", Filter: "(objectClass=*)", Scope: ScopeSubtree}, DescInvalidDNSyntax},
		{"bad cookie", SearchRequest{Base: "o=lab", Filter: "(objectClass=*)", Scope: ScopeSubtree, PagedSize: 1, PagedCookie: []byte("x")}, "unwillingToPerform"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, entries := d.search(tt.req)
			assert.Equal(t, tt.want, r.Description)
			assert.Empty(t, entries)
		})
	}

	r, _ := d.search(SearchRequest{Base: "cn=nobody,cn=users,cn=employees,ou=test,o=lab", Filter: "(objectClass=*)", Scope: ScopeBase})
	assert.Equal(t, "cn=users,cn=employees,ou=test,o=lab", r.MatchedDN)
}

func TestMockSearchLimitsAndPaging(t *testing.T) {
	d := NewMockDirectory(nil)
	seedLab(t, d)

	r, entries := d.search(SearchRequest{Base: "o=lab", Filter: "(objectClass=*)", Scope: ScopeSubtree, SizeLimit: 2})
	assert.Equal(t, "sizeLimitExceeded", r.Description)
	assert.Len(t, entries, 2)

	var all []string
	var cookie []byte
	for i := 0; i < 10; i++ {
		r, entries := d.search(SearchRequest{Base: "o=lab", Filter: "(objectClass=*)", Scope: ScopeSubtree, PagedSize: 2, PagedCookie: cookie})
		require.True(t, r.Success())
		all = append(all, searchDNs(entries)...)
		if len(r.Cookie) == 0 {
			break
		}
		cookie = r.Cookie
	}
	assert.Len(t, all, 5)
	assert.Equal(t, "o=lab", all[0])
}

func TestMockSearchAttributeSelection(t *testing.T) {
	d := NewMockDirectory(nil)
	seedLab(t, d)
	dn := "cn=mwatkins,cn=users,cn=employees,ou=test,o=lab"

	tests := []struct {
		name      string
		selection []string
		typesOnly bool
		has       []string
		hasNot    []string
	}{
		{"default is user attributes", nil, false, []string{"cn", "mail"}, []string{"entryUUID"}},
		{"named with alias", []string{"surname"}, false, []string{"sn"}, []string{"cn"}},
		{"operational only", []string{"+"}, false, []string{"entryUUID", "createTimestamp"}, []string{"cn"}},
		{"no attributes", []string{"1.1"}, false, nil, []string{"cn", "entryUUID"}},
		{"types only", []string{"mail"}, true, []string{"mail"}, []string{"cn"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, entries := d.search(SearchRequest{Base: dn, Filter: "(objectClass=*)", Scope: ScopeBase, Attributes: tt.selection, TypesOnly: tt.typesOnly})
			require.True(t, r.Success())
			require.Len(t, entries, 1)
			attrs := entries[0].(ObjectEntry).EntryAttributesAsMap()
			for _, a := range tt.has {
				assert.Contains(t, attrs, a)
				if tt.typesOnly {
					assert.Empty(t, attrs[a])
				}
			}
			for _, a := range tt.hasNot {
				assert.NotContains(t, attrs, a)
			}
		})
	}
}

func TestMockModify(t *testing.T) {
	dn := "cn=mwatkins,cn=users,cn=employees,ou=test,o=lab"

	tests := []struct {
		name    string
		dn      string
		changes []Change
		want    string
		check   func(t *testing.T, attrs map[string][]string)
	}{
		{
			name:    "add value",
			dn:      dn,
			changes: []Change{{Attribute: "mobile", Kind: ModAdd, Values: []string{"+1 555 555 0000"}}},
			want:    DescSuccess,
			check: func(t *testing.T, attrs map[string][]string) {
				assert.Equal(t, []string{"+1 555 555 1862", "+1 555 555 0000"}, attrs["mobile"])
			},
		},
		{
			name:    "add existing value",
			dn:      dn,
			changes: []Change{{Attribute: "mobile", Kind: ModAdd, Values: []string{"+1 555 555 1862"}}},
			want:    "attributeOrValueExists",
		},
		{
			name:    "replace",
			dn:      dn,
			changes: []Change{{Attribute: "title", Kind: ModReplace, Values: []string{"partner"}}},
			want:    DescSuccess,
			check: func(t *testing.T, attrs map[string][]string) {
				assert.Equal(t, []string{"partner"}, attrs["title"])
			},
		},
		{
			name:    "delete attribute",
			dn:      dn,
			changes: []Change{{Attribute: "homePhone", Kind: ModDelete}},
			want:    DescSuccess,
			check: func(t *testing.T, attrs map[string][]string) {
				assert.NotContains(t, attrs, "homePhone")
			},
		},
		{
			name:    "delete missing value",
			dn:      dn,
			changes: []Change{{Attribute: "title", Kind: ModDelete, Values: []string{"janitor"}}},
			want:    "noSuchAttribute",
		},
		{
			name:    "naming value",
			dn:      dn,
			changes: []Change{{Attribute: "cn", Kind: ModReplace, Values: []string{"someone"}}},
			want:    "notAllowedOnRDN",
		},
		{
			name: "atomic",
			dn:   dn,
			changes: []Change{
				{Attribute: "mail", Kind: ModReplace, Values: []string{"new@company.com"}},
				{Attribute: "warpFactor", Kind: ModAdd, Values: []string{"9"}},
			},
			want: "undefinedAttributeType",
			check: func(t *testing.T, attrs map[string][]string) {
				assert.Equal(t, []string{"mwatkins@company.com"}, attrs["mail"])
			},
		},
		{
			name:    "missing entry",
			dn:      "cn=nobody,o=lab",
			changes: []Change{{Attribute: "mail", Kind: ModAdd, Values: []string{"a@b"}}},
			want:    DescNoSuchObject,
		},
		{
			name:    "drop every object class",
			dn:      dn,
			changes: []Change{{Attribute: "objectClass", Kind: ModDelete}},
			want:    "objectClassViolation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewMockDirectory(nil)
			seedLab(t, d)
			r := d.modify(tt.dn, tt.changes, "cn=admin")
			assert.Equal(t, tt.want, r.Description, r.Message)
			if tt.check != nil {
				_, entries := d.search(SearchRequest{Base: dn, Filter: "(objectClass=*)", Scope: ScopeBase})
				require.Len(t, entries, 1)
				tt.check(t, entries[0].(ObjectEntry).EntryAttributesAsMap())
			}
		})
	}
}

func TestMockModifyIncrement(t *testing.T) {
	d := NewMockDirectory(nil)
	require.True(t, d.add("uid=jdoe,o=lab", []string{"posixAccount"}, map[string][]string{
		"cn": {"jdoe"}, "uidNumber": {"1000"}, "gidNumber": {"100"}, "homeDirectory": {"/home/jdoe"},
	}, "").Success())

	r := d.modify("uid=jdoe,o=lab", []Change{{Attribute: "uidNumber", Kind: ModIncrement, Values: []string{"5"}}}, "")
	require.True(t, r.Success(), r.Message)

	_, entries := d.search(SearchRequest{Filter: "(uidNumber>=1005)", Scope: ScopeSubtree})
	assert.Equal(t, []string{"uid=jdoe,o=lab"}, searchDNs(entries))
}

func TestMockDelete(t *testing.T) {
	d := NewMockDirectory(nil)
	seedLab(t, d)

	assert.Equal(t, DescNoSuchObject, d.delete("cn=nobody,o=lab").Description)
	assert.Equal(t, DescInvalidDNSyntax, d.delete("doogie").Description)
	assert.Equal(t, "notAllowedOnNonLeaf", d.delete("cn=users,cn=employees,ou=test,o=lab").Description)

	before := d.Len()
	assert.True(t, d.delete("cn=mwatkins,cn=users,cn=employees,ou=test,o=lab").Success())
	assert.Equal(t, before-1, d.Len())
	assert.True(t, d.delete("cn=users,cn=employees,ou=test,o=lab").Success())
}

func TestMockBind(t *testing.T) {
	d := NewMockDirectory(nil, Credential{User: "admin", Password: "abadpassword"})
	seedLab(t, d)

	tests := []struct {
		name, user, password, want string
	}{
		{"anonymous", "", "", DescSuccess},
		{"configured", "admin", "abadpassword", DescSuccess},
		{"configured wrong password", "admin", "nope", "invalidCredentials"},
		{"entry password", "cn=mwatkins,cn=users,cn=employees,ou=test,o=lab", "123password", DescSuccess},
		{"unknown user", "cn=ghost,o=lab", "x", "invalidCredentials"},
		{"password without user", "", "x", "unwillingToPerform"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.bind(tt.user, tt.password).Description)
		})
	}
}

func TestMockConnLifecycle(t *testing.T) {
	ctx := context.Background()
	d := NewMockDirectory(nil, Credential{User: "admin", Password: "abadpassword"})
	opts := config.ConnectionOptions{User: "admin", Password: "abadpassword", AutoBind: config.AutoBindNone}

	c, err := d.Connect(ctx, config.MockedServerName, opts)
	require.NoError(t, err)
	assert.True(t, c.Closed())

	_, err = c.Search(ctx, SearchRequest{Filter: "(objectClass=*)"})
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))

	ok, err := c.Bind(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	reply, err := c.Add(ctx, "cn=employees,ou=test,o=lab", []string{"organizationalUnit"})
	require.NoError(t, err)
	assert.Equal(t, StateReply{Status: true}, reply)
	assert.Equal(t, DescSuccess, c.Result().Description)

	reply, err = c.Search(ctx, SearchRequest{Base: "cn=employees,ou=test,o=lab", Filter: "(objectClass=*)", Scope: ScopeBase})
	require.NoError(t, err)
	assert.Equal(t, StateReply{Status: true}, reply)
	assert.Len(t, c.Entries(), 1)

	require.NoError(t, c.Unbind())
	require.NoError(t, c.Unbind())
	u := c.Usage()
	assert.Equal(t, 1, u.OpenSockets)
	assert.Equal(t, 1, u.ClosedSockets)
	assert.Equal(t, 1, u.BindOperations)
	assert.Equal(t, 1, u.AddOperations)
	assert.Equal(t, 1, u.SearchOperations)
	assert.Equal(t, 1, u.UnbindOperations)
}

func TestMockConnWritesNeedBind(t *testing.T) {
	ctx := context.Background()
	d := NewMockDirectory(nil, Credential{User: "admin", Password: "abadpassword"})
	c, err := d.Connect(ctx, config.MockedServerName, config.ConnectionOptions{User: "admin", Password: "wrong"})
	require.NoError(t, err)

	ok, err := c.Bind(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "invalidCredentials", c.Result().Description)

	_, err = c.Add(ctx, "o=lab", []string{"organization"})
	require.NoError(t, err)
	assert.Equal(t, DescInsufficientAccessRights, c.Result().Description)
	assert.Zero(t, d.Len())
}

func TestMockConnAnonymousIsReadOnly(t *testing.T) {
	ctx := context.Background()
	d := NewMockDirectory(nil, Credential{User: "admin", Password: "abadpassword"})
	c, err := d.Connect(ctx, config.MockedServerName, config.ConnectionOptions{AutoBind: config.AutoBindNoTLS})
	require.NoError(t, err)

	_, err = c.Add(ctx, "o=lab", []string{"organization"})
	require.NoError(t, err)
	assert.Equal(t, DescInsufficientAccessRights, c.Result().Description)
	assert.Zero(t, d.Len())

	_, err = c.Search(ctx, SearchRequest{Filter: "(objectClass=*)"})
	require.NoError(t, err)
	assert.Equal(t, DescSuccess, c.Result().Description)
}

func TestMockConnectAutoBindFailure(t *testing.T) {
	d := NewMockDirectory(nil, Credential{User: "admin", Password: "abadpassword"})
	_, err := d.Connect(context.Background(), config.MockedServerName, config.ConnectionOptions{
		User: "admin", Password: "wrong", AutoBind: config.AutoBindNoTLS,
	})
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
}

func TestLoadMockDirectorySeed(t *testing.T) {
	seed := `
attribute_types:
  - name: badgeNumber
    syntax: integer
    single_value: true
object_classes:
  - name: badgeHolder
    sup: top
    may: [badgeNumber]
credentials:
  - user: reader
    password: letmein
entries:
  - dn: o=lab
    attributes:
      objectClass: [organization]
  - dn: cn=guard,o=lab
    attributes:
      objectClass: [person, badgeHolder]
      sn: [Guard]
      badgeNumber: ["42"]
`
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))

	cfg := config.MockedConfig{SeedFile: path}
	cfg.Connection.User = "admin"
	cfg.Connection.Password = "abadpassword"
	d, err := LoadMockDirectory(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Len())
	assert.True(t, d.bind("reader", "letmein").Success())
	assert.True(t, d.bind("admin", "abadpassword").Success())

	_, entries := d.search(SearchRequest{Base: "o=lab", Filter: "(badgeNumber=42)", Scope: ScopeSubtree})
	assert.Equal(t, []string{"cn=guard,o=lab"}, searchDNs(entries))
}

func TestLoadMockDirectoryBadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("entries:\n  - dn: doogie\n    attributes:\n      objectClass: [top]\n"), 0o600))
	_, err := LoadMockDirectory(config.MockedConfig{SeedFile: path})
	require.Error(t, err)

	_, err = LoadMockDirectory(config.MockedConfig{SeedFile: filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
}
